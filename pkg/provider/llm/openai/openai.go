// Package openai is the llm.Provider for OpenAI's Chat Completions API and
// compatible servers (vLLM, LM Studio, Azure-style gateways) reached through
// WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/callflow/pkg/provider"
	"github.com/MrWong99/callflow/pkg/provider/llm"
)

const name = "openai"

// Provider streams chat completions for one model.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Option adds a request option to every call.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithBaseURL(url)) }
}

func WithOrganization(org string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP request, including the whole streamed body.
func WithTimeout(d time.Duration) Option {
	return func(o *[]option.RequestOption) {
		*o = append(*o, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a provider for model. SDK retries are disabled; the dialogue
// stage retries with its own policy.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: apiKey must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion opens a streaming completion. Failures before the first
// byte are returned classified; later ones end the stream with FinishError.
// Token usage is requested and reported on the final chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	sse := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := sse.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", classify(err))
	}

	out, ch := llm.NewStream(ctx)
	go func() {
		defer sse.Close()
		for sse.Next() {
			c := sse.Current()
			if u := c.Usage; u.TotalTokens > 0 {
				out.SetUsage(llm.Usage{
					PromptTokens:     int(u.PromptTokens),
					CompletionTokens: int(u.CompletionTokens),
					TotalTokens:      int(u.TotalTokens),
				})
			}
			if len(c.Choices) == 0 {
				continue
			}
			out.Finish(c.Choices[0].FinishReason)
			if !out.Text(c.Choices[0].Delta.Content) {
				out.Close(nil)
				return
			}
		}
		var err error
		if e := sse.Err(); e != nil {
			err = classify(e)
		}
		out.Close(err)
	}()
	return ch, nil
}

func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.CapabilitiesFor(p.model)
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			msgs[i] = oai.SystemMessage(m.Content)
		case llm.RoleUser:
			msgs[i] = oai.UserMessage(m.Content)
		case llm.RoleAssistant:
			msgs[i] = oai.AssistantMessage(m.Content)
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d has unknown role %q", i, m.Role)
		}
	}
	params := oai.ChatCompletionNewParams{
		Model:         shared.ChatModel(p.model),
		Messages:      msgs,
		StreamOptions: oai.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)},
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// classify maps SDK errors onto the provider error taxonomy, using the HTTP
// status when the API answered.
func classify(err error) error {
	status := 0
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return provider.Classify(name, status, err)
}
