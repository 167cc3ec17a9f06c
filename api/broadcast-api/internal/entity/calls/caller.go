package internal_call_entity

import (
	"time"

	"gorm.io/gorm"

	gorm_generator "github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/models/gorm/generators"
)

// Caller is the aggregate record for a phone number across episodes.
// TotalCalls and LastCallAt are updated exactly once per completed call.
type Caller struct {
	Id          uint64     `json:"id" gorm:"type:bigint;primaryKey;<-:create"`
	PhoneNumber string     `json:"phoneNumber" gorm:"column:phone_number;type:varchar(50);not null;uniqueIndex"`
	Name        string     `json:"name" gorm:"column:name;type:varchar(200);not null;default:''"`
	Location    string     `json:"location" gorm:"column:location;type:varchar(200);not null;default:''"`
	TotalCalls  int        `json:"totalCalls" gorm:"column:total_calls;type:int;not null;default:0"`
	LastCallAt  *time.Time `json:"lastCallAt" gorm:"column:last_call_at;type:timestamp"`

	CreatedDate time.Time `json:"createdDate" gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP;<-:create"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"type:timestamp;default:null"`
}

func (Caller) TableName() string {
	return "callers"
}

func (c *Caller) BeforeCreate(tx *gorm.DB) (err error) {
	if c.Id <= 0 {
		c.Id = gorm_generator.ID()
	}
	if c.CreatedDate.IsZero() {
		c.CreatedDate = time.Now()
	}
	return nil
}
