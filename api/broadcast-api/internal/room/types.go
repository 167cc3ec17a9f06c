package internal_room

import (
	"context"
	"errors"
)

// Participant identifies one caller across the identity schemes of the
// different backends. Each variant reads the field(s) its vendor understands:
// the conference provider addresses calls by CallSID, the SFU bridge by
// telephony stream id, the cloud room by participant identity.
type Participant struct {
	CallID uint64

	// CallSID is the telephony provider call identifier.
	CallSID string

	// StreamID is the telephony media-stream identifier used by the bridge.
	StreamID string

	// Identity is the SFU/cloud-room participant identity.
	Identity string

	// Room is the caller's current room as recorded by the session machine.
	// Backends use it when the operation has no explicit room argument.
	Room string
}

// Backend is the capability contract all three room implementations satisfy.
// The orchestrator never branches on which variant is active; one is selected
// at process wiring time and new backends are added by implementing this
// interface, not by touching transition logic.
//
// All operations are expected-fallible: the orchestrator logs and swallows
// errors from this layer, because business state is authoritative and the
// next operation re-asserts the expected placement.
type Backend interface {
	Name() string

	// EnsureRoomExists idempotently creates the room.
	EnsureRoomExists(ctx context.Context, roomID string, maxParticipants int) error

	// MoveParticipant removes the caller from fromRoom (tolerating
	// already-left), joins toRoom, and re-applies the mute flag.
	MoveParticipant(ctx context.Context, participant Participant, fromRoom, toRoom string, muted bool) error

	// MuteParticipant applies the backend's mute semantics.
	MuteParticipant(ctx context.Context, participant Participant, muted bool) error

	// RemoveParticipant detaches the caller from their current room.
	RemoveParticipant(ctx context.Context, participant Participant) error
}

// HoldController is implemented by backends with a first-class hold flag
// (the conference provider). Held callers are given wait audio carrying the
// live program feed rather than silence.
type HoldController interface {
	HoldParticipant(ctx context.Context, participant Participant, hold bool) error
}

var (
	// ErrBackendUnavailable wraps transport-level failures reaching the
	// vendor; recoverable, retried implicitly by the next operation.
	ErrBackendUnavailable = errors.New("room backend unavailable")

	// ErrParticipantNotFound is returned when the vendor no longer knows the
	// participant. Move and remove tolerate it ("already left").
	ErrParticipantNotFound = errors.New("participant not found in room")
)
