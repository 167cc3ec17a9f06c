package internal_store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	internal_call_entity "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/entity/calls"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/connectors"
)

var (
	ErrCallNotFound = errors.New("call not found")
	// ErrStaleStatus is returned when a conditional status update matched no
	// row: the call moved to another status concurrently (or never existed).
	ErrStaleStatus = errors.New("call status changed concurrently")
)

// CallStore persists the per-call workflow rows.
type CallStore interface {
	Create(ctx context.Context, call *internal_call_entity.Call) error
	Get(ctx context.Context, id uint64) (*internal_call_entity.Call, error)
	GetByCallSID(ctx context.Context, callSID string) (*internal_call_entity.Call, error)

	// Update applies the column map unconditionally.
	Update(ctx context.Context, id uint64, updates map[string]any) error

	// UpdateFromStatus applies the column map only while the call is still in
	// one of the given statuses; ErrStaleStatus otherwise. This is the
	// concurrency guard for the two-operator workflow.
	UpdateFromStatus(ctx context.Context, id uint64, fromStatuses []string, updates map[string]any) error

	ListByEpisode(ctx context.Context, episodeID uint64, statuses ...string) ([]internal_call_entity.Call, error)
	CountByStatus(ctx context.Context, episodeID uint64, status string) (int64, error)
}

type postgresCallStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
}

// NewCallStore creates the gorm-backed call store.
func NewCallStore(postgres connectors.PostgresConnector, logger commons.Logger) CallStore {
	return &postgresCallStore{postgres: postgres, logger: logger}
}

func (s *postgresCallStore) Create(ctx context.Context, call *internal_call_entity.Call) error {
	if err := s.postgres.DB(ctx).Create(call).Error; err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

func (s *postgresCallStore) Get(ctx context.Context, id uint64) (*internal_call_entity.Call, error) {
	var call internal_call_entity.Call
	err := s.postgres.DB(ctx).Where("id = ?", id).First(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call %d: %w", id, err)
	}
	return &call, nil
}

func (s *postgresCallStore) GetByCallSID(ctx context.Context, callSID string) (*internal_call_entity.Call, error) {
	var call internal_call_entity.Call
	err := s.postgres.DB(ctx).
		Where("call_sid = ?", callSID).
		Order("created_date DESC").
		First(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call by sid %s: %w", callSID, err)
	}
	return &call, nil
}

func (s *postgresCallStore) Update(ctx context.Context, id uint64, updates map[string]any) error {
	result := s.postgres.DB(ctx).
		Model(&internal_call_entity.Call{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update call %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (s *postgresCallStore) UpdateFromStatus(ctx context.Context, id uint64, fromStatuses []string, updates map[string]any) error {
	result := s.postgres.DB(ctx).
		Model(&internal_call_entity.Call{}).
		Where("id = ? AND status IN ?", id, fromStatuses).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update call %d from %v: %w", id, fromStatuses, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (s *postgresCallStore) ListByEpisode(ctx context.Context, episodeID uint64, statuses ...string) ([]internal_call_entity.Call, error) {
	query := s.postgres.DB(ctx).Where("episode_id = ?", episodeID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var calls []internal_call_entity.Call
	if err := query.Order("queued_at ASC, id ASC").Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("list calls for episode %d: %w", episodeID, err)
	}
	return calls, nil
}

func (s *postgresCallStore) CountByStatus(ctx context.Context, episodeID uint64, status string) (int64, error) {
	var count int64
	err := s.postgres.DB(ctx).
		Model(&internal_call_entity.Call{}).
		Where("episode_id = ? AND status = ?", episodeID, status).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count %s calls for episode %d: %w", status, episodeID, err)
	}
	return count, nil
}
