package internal_twilio_room

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// CallControl drives individual call legs at the carrier, independent of
// which room backend carries the media. Every deployment terminates inbound
// PSTN calls on the telephony provider, so hangup always goes through here
// even when rooms live on the SFU or the cloud provider.
type CallControl struct {
	api    conferenceAPI
	logger commons.Logger
}

// NewCallControl creates carrier-side call-leg control.
func NewCallControl(cfg config.TwilioConfig, logger commons.Logger) *CallControl {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &CallControl{api: client.Api, logger: logger}
}

// CallStatus returns the carrier's view of the call leg ("in-progress",
// "completed", ...).
func (c *CallControl) CallStatus(ctx context.Context, callSid string) (string, error) {
	call, err := c.api.FetchCall(callSid, &openapi.FetchCallParams{})
	if err != nil {
		return "", classify(fmt.Errorf("fetch call %s: %w", callSid, err))
	}
	if call.Status == nil {
		return "", nil
	}
	return *call.Status, nil
}

// EndCall hangs up the call leg. A leg the carrier already finished is not
// an error.
func (c *CallControl) EndCall(ctx context.Context, callSid string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.UpdateCall(callSid, params); err != nil {
		wrapped := classify(fmt.Errorf("end call %s: %w", callSid, err))
		if errors.Is(wrapped, internal_room.ErrParticipantNotFound) {
			c.logger.Debugw("call already gone at carrier", "call_sid", callSid)
			return nil
		}
		return wrapped
	}
	return nil
}
