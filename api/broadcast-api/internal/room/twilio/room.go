package internal_twilio_room

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/twilio/twilio-go"
	twilio_client "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// conferenceAPI is the slice of the Twilio REST client this backend uses,
// extracted so tests can fake the vendor.
type conferenceAPI interface {
	ListConference(params *openapi.ListConferenceParams) ([]openapi.ApiV2010Conference, error)
	UpdateParticipant(conferenceSid string, callSid string, params *openapi.UpdateParticipantParams) (*openapi.ApiV2010Participant, error)
	DeleteParticipant(conferenceSid string, callSid string, params *openapi.DeleteParticipantParams) error
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
}

// twilioRoom implements the room backend on Twilio conferences. Rooms are
// conference friendly-names; conference membership has no transfer primitive,
// so "move" re-dials the live call into the destination conference with
// inline TwiML. Mute and hold are independent participant flags.
type twilioRoom struct {
	api          conferenceAPI
	logger       commons.Logger
	holdAudioURL string

	// sids caches friendly-name → in-progress conference SID lookups.
	mu   sync.Mutex
	sids map[string]string
}

// NewTwilioRoom creates the conference-provider room backend.
func NewTwilioRoom(cfg config.TwilioConfig, logger commons.Logger) internal_room.Backend {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &twilioRoom{
		api:          client.Api,
		logger:       logger,
		holdAudioURL: cfg.HoldAudioURL,
		sids:         make(map[string]string),
	}
}

func (t *twilioRoom) Name() string {
	return "twilio"
}

// EnsureRoomExists is a provider-side no-op: Twilio conferences materialize
// when the first participant dials in, which already satisfies the
// idempotent-create contract.
func (t *twilioRoom) EnsureRoomExists(ctx context.Context, roomID string, maxParticipants int) error {
	return nil
}

// MoveParticipant removes the call from the source conference (tolerating
// already-left) and re-dials the live call leg into the destination with
// inline TwiML. The destination conference is created implicitly on join.
func (t *twilioRoom) MoveParticipant(ctx context.Context, participant internal_room.Participant, fromRoom, toRoom string, muted bool) error {
	if participant.CallSID == "" {
		return fmt.Errorf("call %d has no telephony call sid", participant.CallID)
	}

	if fromRoom != "" {
		if err := t.removeFromConference(participant.CallSID, fromRoom); err != nil {
			// Not fatal: redirecting the call leg below detaches it from the
			// source conference anyway.
			t.logger.Warnw("failed to remove participant from source conference",
				"call_sid", participant.CallSID, "conference", fromRoom, "error", err)
		}
	}

	params := &openapi.UpdateCallParams{}
	params.SetTwiml(conferenceTwiml(toRoom, muted))
	if _, err := t.api.UpdateCall(participant.CallSID, params); err != nil {
		return classify(fmt.Errorf("redirect call %s into conference %s: %w", participant.CallSID, toRoom, err))
	}

	t.logger.Infow("moved participant between conferences",
		"call_sid", participant.CallSID, "from", fromRoom, "to", toRoom, "muted", muted)
	return nil
}

// MuteParticipant toggles the participant's conference mute flag.
func (t *twilioRoom) MuteParticipant(ctx context.Context, participant internal_room.Participant, muted bool) error {
	sid, err := t.conferenceSid(participant.Room)
	if err != nil {
		return err
	}
	params := &openapi.UpdateParticipantParams{}
	params.SetMuted(muted)
	if _, err := t.api.UpdateParticipant(sid, participant.CallSID, params); err != nil {
		return classify(fmt.Errorf("mute participant %s in %s: %w", participant.CallSID, participant.Room, err))
	}
	return nil
}

// HoldParticipant toggles the provider hold flag. Held callers hear the
// configured wait audio (the live program feed) rather than silence.
func (t *twilioRoom) HoldParticipant(ctx context.Context, participant internal_room.Participant, hold bool) error {
	sid, err := t.conferenceSid(participant.Room)
	if err != nil {
		return err
	}
	params := &openapi.UpdateParticipantParams{}
	params.SetHold(hold)
	if hold && t.holdAudioURL != "" {
		params.SetHoldUrl(t.holdAudioURL)
	}
	if _, err := t.api.UpdateParticipant(sid, participant.CallSID, params); err != nil {
		return classify(fmt.Errorf("hold participant %s in %s: %w", participant.CallSID, participant.Room, err))
	}
	return nil
}

// RemoveParticipant kicks the caller out of their current conference,
// tolerating already-left.
func (t *twilioRoom) RemoveParticipant(ctx context.Context, participant internal_room.Participant) error {
	if participant.Room == "" {
		return nil
	}
	if err := t.removeFromConference(participant.CallSID, participant.Room); err != nil {
		if errors.Is(err, internal_room.ErrParticipantNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (t *twilioRoom) removeFromConference(callSid, room string) error {
	sid, err := t.conferenceSid(room)
	if err != nil {
		return err
	}
	if err := t.api.DeleteParticipant(sid, callSid, &openapi.DeleteParticipantParams{}); err != nil {
		return classify(fmt.Errorf("remove participant %s from %s: %w", callSid, room, err))
	}
	return nil
}

// conferenceSid resolves a friendly-name to the SID of the in-progress
// conference carrying it. SIDs are cached; a conference that ended and
// restarted gets a fresh SID, so cache misses fall through to the API.
func (t *twilioRoom) conferenceSid(room string) (string, error) {
	if room == "" {
		return "", internal_room.ErrParticipantNotFound
	}

	t.mu.Lock()
	if sid, ok := t.sids[room]; ok {
		t.mu.Unlock()
		return sid, nil
	}
	t.mu.Unlock()

	params := &openapi.ListConferenceParams{}
	params.SetFriendlyName(room)
	params.SetStatus("in-progress")
	params.SetPageSize(1)
	conferences, err := t.api.ListConference(params)
	if err != nil {
		return "", classify(fmt.Errorf("list conferences for %s: %w", room, err))
	}
	if len(conferences) == 0 || conferences[0].Sid == nil {
		return "", fmt.Errorf("conference %s: %w", room, internal_room.ErrParticipantNotFound)
	}

	sid := *conferences[0].Sid
	t.mu.Lock()
	t.sids[room] = sid
	t.mu.Unlock()
	return sid, nil
}

// conferenceTwiml builds the inline document that drops a redirected call
// leg into the named conference.
func conferenceTwiml(room string, muted bool) string {
	return fmt.Sprintf(
		`<Response><Dial><Conference muted="%t" startConferenceOnEnter="true" endConferenceOnExit="false" beep="false">%s</Conference></Dial></Response>`,
		muted, room)
}

// classify maps vendor REST errors onto the backend sentinel taxonomy so
// callers can branch on errors.Is instead of provider error codes.
func classify(err error) error {
	var restErr *twilio_client.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %v", internal_room.ErrParticipantNotFound, err)
	}
	return fmt.Errorf("%w: %v", internal_room.ErrBackendUnavailable, err)
}
