package twilio

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// SignatureHeader carries the request signature on Twilio webhooks.
const SignatureHeader = "X-Twilio-Signature"

// DefaultStreamPath is the media stream route the webhook points calls at.
const DefaultStreamPath = "/twilio/stream"

// VoiceConfig configures the incoming-call webhook.
type VoiceConfig struct {
	// StreamURL is the wss:// URL of the media stream endpoint. When empty it
	// is derived from the request host and StreamPath.
	StreamURL  string
	StreamPath string

	// AuthToken enables X-Twilio-Signature validation when ValidateSignature
	// is set.
	AuthToken         string
	ValidateSignature bool

	Logger *slog.Logger
}

// VoiceHandler answers incoming calls with TwiML that connects the call's
// audio to the media stream endpoint. The caller's number and the call SID
// are passed along as stream parameters.
type VoiceHandler struct {
	cfg       VoiceConfig
	validator *client.RequestValidator
	log       *slog.Logger
}

// NewVoiceHandler returns the webhook handler.
func NewVoiceHandler(cfg VoiceConfig) *VoiceHandler {
	h := &VoiceHandler{cfg: cfg, log: cfg.Logger}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.cfg.StreamPath == "" {
		h.cfg.StreamPath = DefaultStreamPath
	}
	if cfg.ValidateSignature && cfg.AuthToken != "" {
		v := client.NewRequestValidator(cfg.AuthToken)
		h.validator = &v
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if h.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !h.validator.Validate(requestURL(r), params, r.Header.Get(SignatureHeader)) {
			h.log.Warn("twilio: rejected webhook with bad signature", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	callSID := r.PostForm.Get("CallSid")
	h.log.Info("twilio: incoming call", "call_sid", callSID, "from", r.PostForm.Get("From"))

	stream := &twiml.VoiceStream{
		Url: h.streamURL(r),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "call_sid", Value: callSID},
			&twiml.VoiceParameter{Name: "from", Value: r.PostForm.Get("From")},
		},
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	body, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		h.log.Error("twilio: render twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = fmt.Fprint(w, body)
}

func (h *VoiceHandler) streamURL(r *http.Request) string {
	if h.cfg.StreamURL != "" {
		return h.cfg.StreamURL
	}
	u := url.URL{Scheme: "wss", Host: r.Host, Path: h.cfg.StreamPath}
	return u.String()
}

// requestURL reconstructs the public URL Twilio signed, honouring the
// forwarding headers of a TLS-terminating proxy.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host = fh
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
