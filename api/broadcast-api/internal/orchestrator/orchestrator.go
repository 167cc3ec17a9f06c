package internal_orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	internal_callsession "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/callsession"
	internal_call_entity "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/entity/calls"
	internal_eventbus "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/eventbus"
	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	internal_store "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/store"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/utils"
)

// CallControl ends a telephony call leg directly, without room context.
// Every deployment terminates PSTN legs at the carrier regardless of which
// room backend is active.
type CallControl interface {
	EndCall(ctx context.Context, callSid string) error
}

// Orchestrator composes the session state machine with the active room
// backend: it owns every caller-workflow operation, updates business state
// first, and treats physical room placement as eventually consistent.
// Backend failures are logged and swallowed; business state is the source of
// truth and the next operation re-asserts the expected placement.
type Orchestrator struct {
	calls    internal_store.CallStore
	callers  internal_store.CallerStore
	episodes internal_store.EpisodeStore
	machine  *internal_callsession.Machine
	backend  internal_room.Backend
	control  CallControl
	events   internal_eventbus.Publisher
	logger   commons.Logger

	maxRoomParticipants int
}

// NewOrchestrator wires the call-flow orchestrator. events may be nil when no
// bus is configured.
func NewOrchestrator(
	calls internal_store.CallStore,
	callers internal_store.CallerStore,
	episodes internal_store.EpisodeStore,
	machine *internal_callsession.Machine,
	backend internal_room.Backend,
	control CallControl,
	events internal_eventbus.Publisher,
	logger commons.Logger,
	maxRoomParticipants int,
) *Orchestrator {
	return &Orchestrator{
		calls:               calls,
		callers:             callers,
		episodes:            episodes,
		machine:             machine,
		backend:             backend,
		control:             control,
		events:              events,
		logger:              logger,
		maxRoomParticipants: maxRoomParticipants,
	}
}

// QueueCallRequest carries everything the telephony intake knows about a new
// inbound call.
type QueueCallRequest struct {
	EpisodeID         uint64
	CallSID           string
	TelephonyStreamID string
	PhoneNumber       string
	CallerName        string
	CallerLocation    string
}

// QueueCall registers an inbound call and places the caller in the episode
// lobby.
func (o *Orchestrator) QueueCall(ctx context.Context, req QueueCallRequest) (*internal_call_entity.Call, *internal_callsession.CallSessionState, error) {
	if _, err := o.episodes.Get(ctx, req.EpisodeID); err != nil {
		return nil, nil, err
	}
	caller, err := o.callers.FindOrCreate(ctx, req.PhoneNumber, req.CallerName, req.CallerLocation)
	if err != nil {
		return nil, nil, err
	}

	lobby := LobbyRoom(req.EpisodeID)
	call := &internal_call_entity.Call{
		EpisodeID:     req.EpisodeID,
		CallerID:      caller.Id,
		Status:        internal_call_entity.StatusQueued,
		CallSID:       req.CallSID,
		ConferenceSID: lobby,
		QueuedAt:      utils.Ptr(time.Now()),
	}
	if err := o.calls.Create(ctx, call); err != nil {
		return nil, nil, err
	}

	session, err := o.machine.EnsureSession(ctx, call.Id, internal_callsession.PhaseIncoming, internal_callsession.Fields{
		CurrentRoom:       &lobby,
		TelephonyStreamID: &req.TelephonyStreamID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create session for call %d: %w", call.Id, err)
	}

	o.backendStep("queue", call.Id, func() error {
		if err := o.backend.EnsureRoomExists(ctx, lobby, o.maxRoomParticipants); err != nil {
			return err
		}
		return o.backend.MoveParticipant(ctx, o.participant(call, session), "", lobby, false)
	})

	o.emit(ctx, call, session, internal_eventbus.EventCallQueued)
	return call, session, nil
}

// StartScreening moves a queued caller into their private screening room.
func (o *Orchestrator) StartScreening(ctx context.Context, callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, error) {
	call, err := o.calls.Get(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	screen := ScreeningRoom(call.EpisodeID, call.Id)

	call, err = o.advanceStatus(ctx, call,
		[]string{internal_call_entity.StatusQueued},
		internal_call_entity.StatusScreening,
		map[string]any{
			"screened_at":    time.Now(),
			"conference_sid": screen,
			"muted":          false,
			"on_hold":        false,
		})
	if err != nil {
		return nil, nil, err
	}

	session, err := o.transitionOrPatch(ctx, call.Id, internal_callsession.PhaseScreening, internal_callsession.Fields{
		CurrentRoom: &screen,
		SendMuted:   utils.Ptr(false),
	})
	if err != nil {
		return nil, nil, err
	}

	o.backendStep("start-screening", call.Id, func() error {
		if err := o.backend.EnsureRoomExists(ctx, screen, 2); err != nil {
			return err
		}
		return o.backend.MoveParticipant(ctx, o.participant(call, session),
			LobbyRoom(call.EpisodeID), screen, false)
	})

	o.emit(ctx, call, session, internal_eventbus.EventCallScreening)
	return call, session, nil
}

// ApproveCall moves a screened caller into the shared live room, muted, and
// assigns a queue position. The episode's room identifier for the active
// backend is written back on first approval.
func (o *Orchestrator) ApproveCall(ctx context.Context, callID uint64, screenerNotes string) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error) {
	call, err := o.calls.Get(ctx, callID)
	if err != nil {
		return nil, nil, 0, err
	}
	live := LiveRoom(call.EpisodeID)

	// Position in the on-deck line: everyone approved (including this
	// caller) minus whoever is already on air, floored at 1.
	approved, err := o.calls.CountByStatus(ctx, call.EpisodeID, internal_call_entity.StatusApproved)
	if err != nil {
		return nil, nil, 0, err
	}
	onAir, err := o.calls.CountByStatus(ctx, call.EpisodeID, internal_call_entity.StatusOnAir)
	if err != nil {
		return nil, nil, 0, err
	}
	position := int(approved+1) - int(onAir)
	if position < 1 {
		position = 1
	}

	updates := map[string]any{
		"approved_at":    time.Now(),
		"conference_sid": live,
		"muted":          true,
		"on_hold":        false,
		"queue_position": position,
	}
	if screenerNotes != "" {
		updates["screener_notes"] = screenerNotes
	}
	call, err = o.advanceStatus(ctx, call,
		[]string{internal_call_entity.StatusScreening},
		internal_call_entity.StatusApproved, updates)
	if err != nil {
		return nil, nil, 0, err
	}

	session, err := o.transitionOrPatch(ctx, call.Id, internal_callsession.PhaseLiveMuted, internal_callsession.Fields{
		CurrentRoom: &live,
		SendMuted:   utils.Ptr(true),
	})
	if err != nil {
		return nil, nil, 0, err
	}

	if err := o.episodes.SetRoomIdentifier(ctx, call.EpisodeID, o.roomKind(), live); err != nil {
		o.logger.Warnw("failed to write episode room identifier",
			"episode_id", call.EpisodeID, "room", live, "error", err)
	}

	o.backendStep("approve", call.Id, func() error {
		if err := o.backend.EnsureRoomExists(ctx, live, o.maxRoomParticipants); err != nil {
			return err
		}
		return o.backend.MoveParticipant(ctx, o.participant(call, session),
			ScreeningRoom(call.EpisodeID, call.Id), live, true)
	})

	o.emit(ctx, call, session, internal_eventbus.EventCallApproved)
	return call, session, call.QueuePosition, nil
}

// PutOnAir unmutes an approved or held caller on the program feed.
func (o *Orchestrator) PutOnAir(ctx context.Context, callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, error) {
	call, err := o.calls.Get(ctx, callID)
	if err != nil {
		return nil, nil, err
	}

	call, err = o.advanceStatus(ctx, call,
		[]string{internal_call_entity.StatusApproved, internal_call_entity.StatusOnHold},
		internal_call_entity.StatusOnAir,
		map[string]any{
			"on_air_at":      time.Now(),
			"muted":          false,
			"on_hold":        false,
			"queue_position": 0,
		})
	if err != nil {
		return nil, nil, err
	}

	session, err := o.transitionOrPatch(ctx, call.Id, internal_callsession.PhaseLiveOnAir, internal_callsession.Fields{
		SendMuted: utils.Ptr(false),
	})
	if err != nil {
		return nil, nil, err
	}

	o.backendStep("put-on-air", call.Id, func() error {
		participant := o.participant(call, session)
		if holder, ok := o.backend.(internal_room.HoldController); ok {
			if err := holder.HoldParticipant(ctx, participant, false); err != nil {
				return err
			}
		}
		return o.backend.MuteParticipant(ctx, participant, false)
	})

	o.emit(ctx, call, session, internal_eventbus.EventCallOnAir)
	return call, session, nil
}

// PutOnHold takes a live caller off air: muted in the live room, hearing the
// program feed while they wait.
func (o *Orchestrator) PutOnHold(ctx context.Context, callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, error) {
	call, err := o.calls.Get(ctx, callID)
	if err != nil {
		return nil, nil, err
	}

	call, err = o.advanceStatus(ctx, call,
		[]string{internal_call_entity.StatusOnAir, internal_call_entity.StatusApproved},
		internal_call_entity.StatusOnHold,
		map[string]any{
			"muted":   true,
			"on_hold": true,
		})
	if err != nil {
		return nil, nil, err
	}

	session, err := o.transitionOrPatch(ctx, call.Id, internal_callsession.PhaseLiveMuted, internal_callsession.Fields{
		SendMuted: utils.Ptr(true),
	})
	if err != nil {
		return nil, nil, err
	}

	o.backendStep("put-on-hold", call.Id, func() error {
		participant := o.participant(call, session)
		if err := o.backend.MuteParticipant(ctx, participant, true); err != nil {
			return err
		}
		if holder, ok := o.backend.(internal_room.HoldController); ok {
			return holder.HoldParticipant(ctx, participant, true)
		}
		return nil
	})

	o.emit(ctx, call, session, internal_eventbus.EventCallOnHold)
	return call, session, nil
}

// ReturnToScreening pulls a caller out of the live room back to their
// private screening room, e.g. when the host wants the screener to re-brief
// them.
func (o *Orchestrator) ReturnToScreening(ctx context.Context, callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, error) {
	call, err := o.calls.Get(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	screen := ScreeningRoom(call.EpisodeID, call.Id)

	call, err = o.advanceStatus(ctx, call,
		[]string{
			internal_call_entity.StatusApproved,
			internal_call_entity.StatusOnAir,
			internal_call_entity.StatusOnHold,
		},
		internal_call_entity.StatusScreening,
		map[string]any{
			"conference_sid": screen,
			"muted":          false,
			"on_hold":        false,
			"queue_position": 0,
		})
	if err != nil {
		return nil, nil, err
	}

	// live_on_air has no direct edge to screening; step down through
	// live_muted first.
	if snapshot := o.machine.Snapshot(call.Id); snapshot != nil && snapshot.Phase == internal_callsession.PhaseLiveOnAir {
		if _, err := o.machine.Transition(ctx, call.Id, internal_callsession.PhaseLiveMuted, internal_callsession.Fields{
			SendMuted: utils.Ptr(true),
		}); err != nil {
			return nil, nil, err
		}
	}
	session, err := o.transitionOrPatch(ctx, call.Id, internal_callsession.PhaseScreening, internal_callsession.Fields{
		CurrentRoom: &screen,
		SendMuted:   utils.Ptr(false),
	})
	if err != nil {
		return nil, nil, err
	}

	o.backendStep("return-to-screening", call.Id, func() error {
		if err := o.backend.EnsureRoomExists(ctx, screen, 2); err != nil {
			return err
		}
		return o.backend.MoveParticipant(ctx, o.participant(call, session),
			LiveRoom(call.EpisodeID), screen, false)
	})

	o.emit(ctx, call, session, internal_eventbus.EventCallScreening)
	return call, session, nil
}

// CompleteCall finishes a call normally: graceful removal from the room,
// falling back to ending the telephony leg, with a single caller-stats
// increment guarded by the conditional status update.
func (o *Orchestrator) CompleteCall(ctx context.Context, callID uint64) (*internal_call_entity.Call, error) {
	call, err := o.calls.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.IsTerminal() {
		return call, nil
	}

	endedAt := time.Now()
	err = o.calls.UpdateFromStatus(ctx, call.Id,
		[]string{
			internal_call_entity.StatusQueued,
			internal_call_entity.StatusScreening,
			internal_call_entity.StatusApproved,
			internal_call_entity.StatusOnAir,
			internal_call_entity.StatusOnHold,
		},
		map[string]any{
			"status":         internal_call_entity.StatusCompleted,
			"ended_at":       endedAt,
			"muted":          false,
			"on_hold":        false,
			"queue_position": 0,
			"updated_date":   endedAt,
		})
	if errors.Is(err, internal_store.ErrStaleStatus) {
		// Lost the race to another completion; stats were already counted.
		return o.calls.Get(ctx, callID)
	}
	if err != nil {
		return nil, err
	}

	// Exactly-once: this runs only on the winning conditional update above.
	if err := o.callers.RecordCompletedCall(ctx, call.CallerID, endedAt); err != nil {
		o.logger.Errorw("failed to update caller stats",
			"caller_id", call.CallerID, "call_id", call.Id, "error", err)
	}

	session := o.machine.Snapshot(call.Id)
	if err := o.machine.Complete(ctx, call.Id); err != nil {
		o.logger.Warnw("failed to complete call session", "call_id", call.Id, "error", err)
	}

	o.backendStep("complete", call.Id, func() error {
		if err := o.backend.RemoveParticipant(ctx, o.participant(call, session)); err != nil {
			o.logger.Warnw("graceful room removal failed, ending telephony leg",
				"call_id", call.Id, "error", err)
			return o.control.EndCall(ctx, call.CallSID)
		}
		return nil
	})

	call, err = o.calls.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, call, nil, internal_eventbus.EventCallCompleted)
	return call, nil
}

// RejectCall ends a caller the screener turned away. The caller never
// reached the live room, so the telephony leg is terminated directly.
func (o *Orchestrator) RejectCall(ctx context.Context, callID uint64, screenerNotes string) (*internal_call_entity.Call, error) {
	call, err := o.calls.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.IsTerminal() {
		return call, nil
	}

	endedAt := time.Now()
	updates := map[string]any{
		"status":       internal_call_entity.StatusRejected,
		"ended_at":     endedAt,
		"updated_date": endedAt,
	}
	if screenerNotes != "" {
		updates["screener_notes"] = screenerNotes
	}
	err = o.calls.UpdateFromStatus(ctx, call.Id,
		[]string{internal_call_entity.StatusQueued, internal_call_entity.StatusScreening},
		updates)
	if errors.Is(err, internal_store.ErrStaleStatus) {
		return nil, fmt.Errorf("call %d can no longer be rejected: %w", call.Id, err)
	}
	if err != nil {
		return nil, err
	}

	if err := o.machine.Complete(ctx, call.Id); err != nil {
		o.logger.Warnw("failed to complete call session", "call_id", call.Id, "error", err)
	}

	o.backendStep("reject", call.Id, func() error {
		return o.control.EndCall(ctx, call.CallSID)
	})

	call, err = o.calls.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, call, nil, internal_eventbus.EventCallRejected)
	return call, nil
}

// ReassertRoomPlacements recomputes every active session's expected room
// from (phase, episode, call) after a restart and nudges the backend toward
// it. Stale cached room fields are overwritten, never trusted.
func (o *Orchestrator) ReassertRoomPlacements(ctx context.Context) {
	for _, session := range o.machine.ActiveSessions() {
		call, err := o.calls.Get(ctx, session.CallID)
		if err != nil {
			o.logger.Warnw("active session without call row", "call_id", session.CallID, "error", err)
			continue
		}
		expected := RoomForPhase(session.Phase, call.EpisodeID, call.Id)
		if expected == "" {
			continue
		}

		fromRoom := session.CurrentRoom
		if session.CurrentRoom != expected {
			if _, err := o.machine.Patch(ctx, session.CallID, internal_callsession.Fields{
				CurrentRoom: &expected,
			}); err != nil {
				o.logger.Warnw("failed to patch session room", "call_id", session.CallID, "error", err)
				continue
			}
		}

		o.backendStep("reassert", call.Id, func() error {
			if err := o.backend.EnsureRoomExists(ctx, expected, o.maxRoomParticipants); err != nil {
				return err
			}
			return o.backend.MoveParticipant(ctx, o.participant(call, session),
				fromRoom, expected, session.SendMuted)
		})
	}
}

// advanceStatus moves the call's business status with a conditional update,
// treating "already there" as success so duplicate triggers are idempotent.
func (o *Orchestrator) advanceStatus(ctx context.Context, call *internal_call_entity.Call, from []string, target string, updates map[string]any) (*internal_call_entity.Call, error) {
	if call.Status == target {
		return call, nil
	}
	updates["status"] = target
	updates["updated_date"] = time.Now()

	err := o.calls.UpdateFromStatus(ctx, call.Id, from, updates)
	if errors.Is(err, internal_store.ErrStaleStatus) {
		current, getErr := o.calls.Get(ctx, call.Id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == target {
			return current, nil
		}
		return nil, fmt.Errorf("call %d is %s, cannot move to %s: %w",
			call.Id, current.Status, target, err)
	}
	if err != nil {
		return nil, err
	}
	return o.calls.Get(ctx, call.Id)
}

// transitionOrPatch drives the machine edge, or patches fields when the
// session already sits in the target phase (idempotent duplicate trigger).
func (o *Orchestrator) transitionOrPatch(ctx context.Context, callID uint64, target internal_callsession.Phase, fields internal_callsession.Fields) (*internal_callsession.CallSessionState, error) {
	if snapshot := o.machine.Snapshot(callID); snapshot != nil && snapshot.Phase == target {
		return o.machine.Patch(ctx, callID, fields)
	}
	return o.machine.Transition(ctx, callID, target, fields)
}

// backendStep runs one physical side effect, logging and swallowing its
// failure. The next operation on the call re-asserts the expected state.
func (o *Orchestrator) backendStep(op string, callID uint64, fn func() error) {
	if err := fn(); err != nil {
		o.logger.Warnw("room backend operation failed",
			"op", op, "call_id", callID, "backend", o.backend.Name(), "error", err)
	}
}

func (o *Orchestrator) participant(call *internal_call_entity.Call, session *internal_callsession.CallSessionState) internal_room.Participant {
	participant := internal_room.Participant{
		CallID:   call.Id,
		CallSID:  call.CallSID,
		Identity: call.CallSID,
		Room:     call.ConferenceSID,
	}
	if session != nil {
		participant.StreamID = session.TelephonyStreamID
		participant.Identity = utils.Coalesce(session.SFUParticipantID, call.CallSID)
		participant.Room = utils.Coalesce(session.CurrentRoom, call.ConferenceSID)
	}
	return participant
}

// roomKind maps the active backend onto the episode column its room
// identifier belongs in.
func (o *Orchestrator) roomKind() internal_store.RoomKind {
	switch o.backend.Name() {
	case "sfu":
		return internal_store.RoomKindSFU
	case "cloud":
		return internal_store.RoomKindCloud
	default:
		return internal_store.RoomKindConference
	}
}

// emit publishes the general update plus the phase-specific event. A down
// bus never blocks call flow.
func (o *Orchestrator) emit(ctx context.Context, call *internal_call_entity.Call, session *internal_callsession.CallSessionState, event string) {
	if o.events == nil {
		return
	}
	payload := internal_eventbus.CallEvent{
		Call:      call,
		Session:   session,
		Timestamp: time.Now(),
	}
	for _, name := range []string{internal_eventbus.EventCallUpdated, event} {
		payload.Event = name
		if err := o.events.PublishCallEvent(ctx, call.EpisodeID, payload); err != nil {
			o.logger.Warnw("failed to publish call event",
				"event", name, "call_id", call.Id, "error", err)
		}
	}
}
