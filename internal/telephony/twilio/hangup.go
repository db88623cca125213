package twilio

import (
	"context"
	"errors"
	"fmt"

	twilioapi "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/MrWong99/callflow/pkg/transport"
)

// callUpdater is the subset of the REST client used to end calls.
type callUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// HangUp completes calls through the Twilio REST API.
type HangUp struct {
	api callUpdater
}

// NewHangUp returns a HangUp authenticated with the account credentials.
func NewHangUp(accountSID, authToken string) *HangUp {
	c := twilioapi.NewRestClientWithParams(twilioapi.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &HangUp{api: c.Api}
}

// Call sets the status of the call in args to completed. The REST client is
// not context-aware; when ctx ends first the request is abandoned.
func (h *HangUp) Call(ctx context.Context, args transport.TelephonyArgs) error {
	if args.CallID == "" {
		return errors.New("twilio: hang-up: no call sid")
	}
	done := make(chan error, 1)
	go func() {
		params := (&openapi.UpdateCallParams{}).SetStatus("completed")
		_, err := h.api.UpdateCall(args.CallID, params)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("twilio: hang-up %s: %w", args.CallID, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("twilio: hang-up %s: %w", args.CallID, ctx.Err())
	}
}
