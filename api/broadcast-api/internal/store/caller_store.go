package internal_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	internal_call_entity "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/entity/calls"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/connectors"
)

var ErrCallerNotFound = errors.New("caller not found")

// CallerStore persists the per-phone-number aggregate records.
type CallerStore interface {
	// FindOrCreate returns the caller for the phone number, creating the row
	// on first contact. Name and location are filled in when the existing row
	// has none (screeners enrich them later).
	FindOrCreate(ctx context.Context, phoneNumber, name, location string) (*internal_call_entity.Caller, error)

	Get(ctx context.Context, id uint64) (*internal_call_entity.Caller, error)

	// RecordCompletedCall bumps the caller's lifetime counters. The increment
	// runs in SQL so two finishing calls never lose an update.
	RecordCompletedCall(ctx context.Context, id uint64, endedAt time.Time) error
}

type postgresCallerStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
}

// NewCallerStore creates the gorm-backed caller store.
func NewCallerStore(postgres connectors.PostgresConnector, logger commons.Logger) CallerStore {
	return &postgresCallerStore{postgres: postgres, logger: logger}
}

func (s *postgresCallerStore) FindOrCreate(ctx context.Context, phoneNumber, name, location string) (*internal_call_entity.Caller, error) {
	db := s.postgres.DB(ctx)

	var caller internal_call_entity.Caller
	err := db.Where("phone_number = ?", phoneNumber).First(&caller).Error
	if err == nil {
		updates := map[string]any{}
		if caller.Name == "" && name != "" {
			updates["name"] = name
		}
		if caller.Location == "" && location != "" {
			updates["location"] = location
		}
		if len(updates) > 0 {
			updates["updated_date"] = time.Now()
			if err := db.Model(&caller).Updates(updates).Error; err != nil {
				return nil, fmt.Errorf("enrich caller %s: %w", phoneNumber, err)
			}
		}
		return &caller, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find caller %s: %w", phoneNumber, err)
	}

	caller = internal_call_entity.Caller{
		PhoneNumber: phoneNumber,
		Name:        name,
		Location:    location,
	}
	// A concurrent first call from the same number may land between the read
	// and this insert; the unique index turns that into a conflict we resolve
	// by re-reading.
	err = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&caller).Error
	if err != nil {
		return nil, fmt.Errorf("create caller %s: %w", phoneNumber, err)
	}
	if caller.Id == 0 {
		if err := db.Where("phone_number = ?", phoneNumber).First(&caller).Error; err != nil {
			return nil, fmt.Errorf("reread caller %s: %w", phoneNumber, err)
		}
	}
	return &caller, nil
}

func (s *postgresCallerStore) Get(ctx context.Context, id uint64) (*internal_call_entity.Caller, error) {
	var caller internal_call_entity.Caller
	err := s.postgres.DB(ctx).Where("id = ?", id).First(&caller).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get caller %d: %w", id, err)
	}
	return &caller, nil
}

func (s *postgresCallerStore) RecordCompletedCall(ctx context.Context, id uint64, endedAt time.Time) error {
	result := s.postgres.DB(ctx).
		Model(&internal_call_entity.Caller{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_calls":  gorm.Expr("total_calls + 1"),
			"last_call_at": endedAt,
			"updated_date": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("record completed call for caller %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCallerNotFound
	}
	return nil
}
