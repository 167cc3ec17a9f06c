package internal_callsession

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	gorm_generator "github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/models/gorm/generators"
)

// Phase is the authoritative logical state of a call session. The physical
// room placement on the active backend must always converge to the room class
// implied by the phase: incoming→lobby, screening→per-call screening room,
// live_muted/live_on_air→shared live room.
type Phase string

const (
	PhaseIncoming     Phase = "incoming"
	PhaseScreening    Phase = "screening"
	PhaseLiveMuted    Phase = "live_muted"
	PhaseLiveOnAir    Phase = "live_on_air"
	PhaseDisconnected Phase = "disconnected"
)

// transitions is the fixed adjacency table. An edge missing here is a hard
// contract violation, never a soft warning.
var transitions = map[Phase][]Phase{
	PhaseIncoming:     {PhaseScreening, PhaseDisconnected},
	PhaseScreening:    {PhaseLiveMuted, PhaseDisconnected},
	PhaseLiveMuted:    {PhaseLiveOnAir, PhaseScreening, PhaseDisconnected},
	PhaseLiveOnAir:    {PhaseLiveMuted, PhaseDisconnected},
	PhaseDisconnected: {},
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// IsTerminal reports whether p has no outgoing transitions.
func (p Phase) IsTerminal() bool {
	return p == PhaseDisconnected
}

// CanTransitionTo reports whether target is reachable from p in one step.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, next := range transitions[p] {
		if next == target {
			return true
		}
	}
	return false
}

var (
	// ErrSessionExists is returned by CreateSession when a session is already
	// tracked for the call. Callers that may race should use EnsureSession.
	ErrSessionExists = errors.New("call session already exists")

	// ErrSessionNotFound indicates a data-integrity problem upstream: the
	// caller references a call this machine has never seen (or one already
	// evicted as terminal).
	ErrSessionNotFound = errors.New("call session not found")

	// ErrNotInitialized is returned when a mutation is attempted before
	// Initialize has reloaded persisted sessions.
	ErrNotInitialized = errors.New("session machine not initialized")
)

// InvalidTransitionError reports an edge that does not exist in the phase
// adjacency table.
type InvalidTransitionError struct {
	CallID uint64
	From   Phase
	To     Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for call %d: %s -> %s", e.CallID, e.From, e.To)
}

// CallSessionState is the persisted runtime record of the state machine,
// one per active call. Terminal rows stay in the database for audit queries;
// only the in-memory index evicts them.
type CallSessionState struct {
	Id     uint64 `json:"id" gorm:"type:bigint;primaryKey;<-:create"`
	CallID uint64 `json:"callId" gorm:"column:call_id;type:bigint;not null;uniqueIndex"`

	Phase       Phase  `json:"phase" gorm:"column:phase;type:varchar(20);not null;index"`
	CurrentRoom string `json:"currentRoom" gorm:"column:current_room;type:varchar(128);not null;default:''"`

	SendMuted bool `json:"sendMuted" gorm:"column:send_muted;not null;default:false"`
	RecvMuted bool `json:"recvMuted" gorm:"column:recv_muted;not null;default:false"`

	// TelephonyStreamID is the provider media-stream identifier (Twilio
	// streamSid) the bridge uses to address the telephony leg.
	TelephonyStreamID string `json:"telephonyStreamId" gorm:"column:telephony_stream_id;type:varchar(128);not null;default:''"`

	// SFUParticipantID is the participant/publisher identifier on the
	// WebRTC or cloud-room side.
	SFUParticipantID string `json:"sfuParticipantId" gorm:"column:sfu_participant_id;type:varchar(128);not null;default:''"`

	Metadata map[string]string `json:"metadata" gorm:"column:metadata;serializer:json"`

	LastTransitionAt time.Time `json:"lastTransitionAt" gorm:"column:last_transition_at;type:timestamp"`

	CreatedDate time.Time `json:"createdDate" gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP;<-:create"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"type:timestamp;default:null"`
}

func (CallSessionState) TableName() string {
	return "call_sessions"
}

func (s *CallSessionState) BeforeCreate(tx *gorm.DB) (err error) {
	if s.Id <= 0 {
		s.Id = gorm_generator.ID()
	}
	if s.CreatedDate.IsZero() {
		s.CreatedDate = time.Now()
	}
	return nil
}

// clone returns a copy safe to hand to callers while the index keeps mutating.
func (s *CallSessionState) clone() *CallSessionState {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Fields carries optional non-phase updates applied during Transition or
// Patch. Nil pointers leave the current value untouched.
type Fields struct {
	CurrentRoom       *string
	SendMuted         *bool
	RecvMuted         *bool
	TelephonyStreamID *string
	SFUParticipantID  *string
	Metadata          map[string]string // merged key-by-key
}

func (f Fields) applyTo(s *CallSessionState) {
	if f.CurrentRoom != nil {
		s.CurrentRoom = *f.CurrentRoom
	}
	if f.SendMuted != nil {
		s.SendMuted = *f.SendMuted
	}
	if f.RecvMuted != nil {
		s.RecvMuted = *f.RecvMuted
	}
	if f.TelephonyStreamID != nil {
		s.TelephonyStreamID = *f.TelephonyStreamID
	}
	if f.SFUParticipantID != nil {
		s.SFUParticipantID = *f.SFUParticipantID
	}
	if len(f.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(f.Metadata))
		}
		for k, v := range f.Metadata {
			s.Metadata[k] = v
		}
	}
}
