package internal_twilio_room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilio_client "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/utils"
)

// fakeConferenceAPI records vendor calls and serves canned responses.
type fakeConferenceAPI struct {
	conferences map[string]string // friendly-name → sid
	listCalls   int

	updatedParticipants []openapi.UpdateParticipantParams
	deletedFrom         []string
	deleteErr           error

	updatedCalls map[string]openapi.UpdateCallParams
	callStatus   string
}

func newFakeAPI() *fakeConferenceAPI {
	return &fakeConferenceAPI{
		conferences:  map[string]string{},
		updatedCalls: map[string]openapi.UpdateCallParams{},
		callStatus:   "in-progress",
	}
}

func (f *fakeConferenceAPI) ListConference(params *openapi.ListConferenceParams) ([]openapi.ApiV2010Conference, error) {
	f.listCalls++
	sid, ok := f.conferences[*params.FriendlyName]
	if !ok {
		return nil, nil
	}
	return []openapi.ApiV2010Conference{{Sid: utils.Ptr(sid)}}, nil
}

func (f *fakeConferenceAPI) UpdateParticipant(conferenceSid, callSid string, params *openapi.UpdateParticipantParams) (*openapi.ApiV2010Participant, error) {
	f.updatedParticipants = append(f.updatedParticipants, *params)
	return &openapi.ApiV2010Participant{}, nil
}

func (f *fakeConferenceAPI) DeleteParticipant(conferenceSid, callSid string, params *openapi.DeleteParticipantParams) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedFrom = append(f.deletedFrom, conferenceSid)
	return nil
}

func (f *fakeConferenceAPI) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	f.updatedCalls[sid] = *params
	return &openapi.ApiV2010Call{}, nil
}

func (f *fakeConferenceAPI) FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error) {
	return &openapi.ApiV2010Call{Status: utils.Ptr(f.callStatus)}, nil
}

func testLogger() commons.Logger {
	logger, _ := commons.NewApplicationLogger()
	return logger
}

func newTestRoom(api conferenceAPI) *twilioRoom {
	return &twilioRoom{
		api:          api,
		logger:       testLogger(),
		holdAudioURL: "https://example.com/program-feed",
		sids:         map[string]string{},
	}
}

func TestMoveParticipant_RedialsIntoDestination(t *testing.T) {
	api := newFakeAPI()
	api.conferences["screen-10-7"] = "CF123"
	room := newTestRoom(api)

	participant := internal_room.Participant{CallID: 7, CallSID: "CA777", Room: "screen-10-7"}
	err := room.MoveParticipant(context.Background(), participant, "screen-10-7", "live-10", true)
	require.NoError(t, err)

	assert.Equal(t, []string{"CF123"}, api.deletedFrom, "caller must leave the source conference")

	update, ok := api.updatedCalls["CA777"]
	require.True(t, ok, "live call leg must be redirected")
	require.NotNil(t, update.Twiml)
	assert.Contains(t, *update.Twiml, ">live-10<")
	assert.Contains(t, *update.Twiml, `muted="true"`)
}

func TestMoveParticipant_ToleratesSourceRemovalFailure(t *testing.T) {
	api := newFakeAPI()
	api.conferences["screen-10-7"] = "CF123"
	api.deleteErr = &twilio_client.TwilioRestError{Status: 404, Message: "not found"}
	room := newTestRoom(api)

	participant := internal_room.Participant{CallID: 7, CallSID: "CA777"}
	err := room.MoveParticipant(context.Background(), participant, "screen-10-7", "live-10", false)
	require.NoError(t, err, "redirect detaches the leg anyway; removal failure is non-fatal")

	update := api.updatedCalls["CA777"]
	assert.Contains(t, *update.Twiml, `muted="false"`)
}

func TestMuteParticipant_SetsConferenceFlag(t *testing.T) {
	api := newFakeAPI()
	api.conferences["live-10"] = "CF900"
	room := newTestRoom(api)

	participant := internal_room.Participant{CallSID: "CA1", Room: "live-10"}
	require.NoError(t, room.MuteParticipant(context.Background(), participant, true))
	require.NoError(t, room.MuteParticipant(context.Background(), participant, false))

	require.Len(t, api.updatedParticipants, 2)
	assert.True(t, *api.updatedParticipants[0].Muted)
	assert.False(t, *api.updatedParticipants[1].Muted)
	assert.Equal(t, 1, api.listCalls, "conference sid lookups must be cached")
}

func TestHoldParticipant_AttachesWaitAudio(t *testing.T) {
	api := newFakeAPI()
	api.conferences["live-10"] = "CF900"
	room := newTestRoom(api)

	participant := internal_room.Participant{CallSID: "CA1", Room: "live-10"}
	require.NoError(t, room.HoldParticipant(context.Background(), participant, true))

	require.Len(t, api.updatedParticipants, 1)
	update := api.updatedParticipants[0]
	assert.True(t, *update.Hold)
	require.NotNil(t, update.HoldUrl)
	assert.Equal(t, "https://example.com/program-feed", *update.HoldUrl)

	// Releasing hold must not re-send the wait audio URL.
	require.NoError(t, room.HoldParticipant(context.Background(), participant, false))
	assert.Nil(t, api.updatedParticipants[1].HoldUrl)
}

func TestRemoveParticipant_ToleratesAlreadyLeft(t *testing.T) {
	api := newFakeAPI()
	api.conferences["live-10"] = "CF900"
	api.deleteErr = &twilio_client.TwilioRestError{Status: 404, Message: "not found"}
	room := newTestRoom(api)

	participant := internal_room.Participant{CallSID: "CA1", Room: "live-10"}
	assert.NoError(t, room.RemoveParticipant(context.Background(), participant))
}

func TestRemoveParticipant_NoRoomIsNoOp(t *testing.T) {
	api := newFakeAPI()
	room := newTestRoom(api)

	assert.NoError(t, room.RemoveParticipant(context.Background(), internal_room.Participant{CallSID: "CA1"}))
	assert.Empty(t, api.deletedFrom)
}

func TestConferenceSid_UnknownRoomFails(t *testing.T) {
	room := newTestRoom(newFakeAPI())

	participant := internal_room.Participant{CallSID: "CA1", Room: "live-99"}
	err := room.MuteParticipant(context.Background(), participant, true)
	assert.ErrorIs(t, err, internal_room.ErrParticipantNotFound)
}

func TestCallControl_EndCallIdempotent(t *testing.T) {
	api := newFakeAPI()
	control := &CallControl{api: api, logger: testLogger()}

	require.NoError(t, control.EndCall(context.Background(), "CA1"))
	update := api.updatedCalls["CA1"]
	assert.Equal(t, "completed", *update.Status)

	status, err := control.CallStatus(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, "in-progress", status)
}
