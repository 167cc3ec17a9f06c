package internal_episode_entity

import (
	"time"

	"gorm.io/gorm"

	gorm_generator "github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/models/gorm/generators"
)

// Episode is the parent broadcast session. This service only writes the
// per-backend room identifiers back after creating backend resources;
// everything else is owned by the show-management side.
type Episode struct {
	Id     uint64 `json:"id" gorm:"type:bigint;primaryKey;<-:create"`
	ShowID uint64 `json:"showId" gorm:"column:show_id;type:bigint;not null;index"`
	Title  string `json:"title" gorm:"column:title;type:varchar(300);not null;default:''"`
	Status string `json:"status" gorm:"column:status;type:varchar(20);not null;default:scheduled"`

	// Active room identifiers, one per backend kind. Empty until the first
	// call forces creation of the backend resource.
	ConferenceSID string `json:"conferenceSid" gorm:"column:conference_sid;type:varchar(128);not null;default:''"`
	SFURoomID     string `json:"sfuRoomId" gorm:"column:sfu_room_id;type:varchar(128);not null;default:''"`
	CloudRoomName string `json:"cloudRoomName" gorm:"column:cloud_room_name;type:varchar(128);not null;default:''"`

	StartedAt *time.Time `json:"startedAt" gorm:"column:started_at;type:timestamp"`
	EndedAt   *time.Time `json:"endedAt" gorm:"column:ended_at;type:timestamp"`

	CreatedDate time.Time `json:"createdDate" gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP;<-:create"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"type:timestamp;default:null"`
}

func (Episode) TableName() string {
	return "episodes"
}

func (e *Episode) BeforeCreate(tx *gorm.DB) (err error) {
	if e.Id <= 0 {
		e.Id = gorm_generator.ID()
	}
	if e.CreatedDate.IsZero() {
		e.CreatedDate = time.Now()
	}
	return nil
}
