package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Redirector asks the carrier to move a live call to the handoff route.
type Redirector interface {
	Redirect(ctx context.Context, callSid string) error
}

// callUpdater is the part of the Twilio REST API used for redirects.
type callUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioRedirector redirects calls through the Twilio REST API.
type TwilioRedirector struct {
	api        callUpdater
	handoffURL string
}

// NewTwilioRedirector creates a redirector that points calls at
// <publicURL>/voice/handoff.
func NewTwilioRedirector(accountSid, authToken, publicURL string) *TwilioRedirector {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return &TwilioRedirector{
		api:        client.Api,
		handoffURL: strings.TrimRight(publicURL, "/") + "/voice/handoff",
	}
}

// Redirect implements Redirector. The REST client does not take a context;
// ctx only short-circuits calls that are already cancelled.
func (r *TwilioRedirector) Redirect(ctx context.Context, callSid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := (&openapi.UpdateCallParams{}).
		SetUrl(r.handoffURL).
		SetMethod("POST")
	if _, err := r.api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("redirecting call to handoff: %w", err)
	}
	return nil
}
