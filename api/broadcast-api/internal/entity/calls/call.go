package internal_call_entity

import (
	"time"

	"gorm.io/gorm"

	gorm_generator "github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/models/gorm/generators"
)

// Business status constants for a call. The status string is the
// producer-facing workflow state; the session phase (internal_callsession)
// is the authoritative routing state derived from it.
const (
	StatusQueued    = "queued"    // Caller waiting in the lobby
	StatusScreening = "screening" // Screener talking privately with the caller
	StatusApproved  = "approved"  // Approved for air, held muted in the live room
	StatusOnAir     = "on_air"    // Live on the program feed
	StatusOnHold    = "on_hold"   // Returned to hold after being on air
	StatusCompleted = "completed" // Call finished normally
	StatusRejected  = "rejected"  // Screener rejected the caller
)

// Call is one phone interaction with an episode. Rows are never deleted;
// finished calls are marked completed/rejected and keep their timestamps and
// recording references for the archive.
type Call struct {
	Id        uint64 `json:"id" gorm:"type:bigint;primaryKey;<-:create"`
	EpisodeID uint64 `json:"episodeId" gorm:"column:episode_id;type:bigint;not null;index"`
	CallerID  uint64 `json:"callerId" gorm:"column:caller_id;type:bigint;not null;index"`

	Status string `json:"status" gorm:"column:status;type:varchar(20);not null;default:queued;index"`

	// CallSID is the telephony provider's call identifier (Twilio CallSid or
	// SIP call id). Every direct call-control operation references it.
	CallSID string `json:"callSid" gorm:"column:call_sid;type:varchar(64);not null;default:''"`

	// ConferenceSID is the room/conference the caller's audio currently
	// belongs to on the active backend.
	ConferenceSID string `json:"conferenceSid" gorm:"column:conference_sid;type:varchar(128);not null;default:''"`

	Muted  bool `json:"muted" gorm:"column:muted;not null;default:false"`
	OnHold bool `json:"onHold" gorm:"column:on_hold;not null;default:false"`

	QueuePosition int    `json:"queuePosition" gorm:"column:queue_position;type:int;not null;default:0"`
	ScreenerNotes string `json:"screenerNotes" gorm:"column:screener_notes;type:text;not null;default:''"`
	RecordingURL  string `json:"recordingUrl" gorm:"column:recording_url;type:text;not null;default:''"`

	QueuedAt   *time.Time `json:"queuedAt" gorm:"column:queued_at;type:timestamp"`
	ScreenedAt *time.Time `json:"screenedAt" gorm:"column:screened_at;type:timestamp"`
	ApprovedAt *time.Time `json:"approvedAt" gorm:"column:approved_at;type:timestamp"`
	OnAirAt    *time.Time `json:"onAirAt" gorm:"column:on_air_at;type:timestamp"`
	EndedAt    *time.Time `json:"endedAt" gorm:"column:ended_at;type:timestamp"`

	CreatedDate time.Time `json:"createdDate" gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP;<-:create"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"type:timestamp;default:null"`
}

func (Call) TableName() string {
	return "calls"
}

func (c *Call) BeforeCreate(tx *gorm.DB) (err error) {
	if c.Id <= 0 {
		c.Id = gorm_generator.ID()
	}
	if c.CreatedDate.IsZero() {
		c.CreatedDate = time.Now()
	}
	return nil
}

// IsTerminal reports whether the call has finished its workflow.
func (c *Call) IsTerminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusRejected
}
