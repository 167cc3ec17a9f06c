package internal_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	internal_episode_entity "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/entity/episodes"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/connectors"
)

var ErrEpisodeNotFound = errors.New("episode not found")

// RoomKind selects which per-backend room column a writeback targets.
type RoomKind string

const (
	RoomKindConference RoomKind = "conference_sid"
	RoomKindSFU        RoomKind = "sfu_room_id"
	RoomKindCloud      RoomKind = "cloud_room_name"
)

// EpisodeStore reads episodes and writes backend room identifiers back.
type EpisodeStore interface {
	Create(ctx context.Context, episode *internal_episode_entity.Episode) error
	Get(ctx context.Context, id uint64) (*internal_episode_entity.Episode, error)

	// SetRoomIdentifier records the backend room created for the episode.
	// Only the first writer wins; a later attempt against a non-empty column
	// is a no-op so concurrent approvals agree on one room.
	SetRoomIdentifier(ctx context.Context, id uint64, kind RoomKind, value string) error
}

type postgresEpisodeStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
}

// NewEpisodeStore creates the gorm-backed episode store.
func NewEpisodeStore(postgres connectors.PostgresConnector, logger commons.Logger) EpisodeStore {
	return &postgresEpisodeStore{postgres: postgres, logger: logger}
}

func (s *postgresEpisodeStore) Create(ctx context.Context, episode *internal_episode_entity.Episode) error {
	if err := s.postgres.DB(ctx).Create(episode).Error; err != nil {
		return fmt.Errorf("create episode: %w", err)
	}
	return nil
}

func (s *postgresEpisodeStore) Get(ctx context.Context, id uint64) (*internal_episode_entity.Episode, error) {
	var episode internal_episode_entity.Episode
	err := s.postgres.DB(ctx).Where("id = ?", id).First(&episode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEpisodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %d: %w", id, err)
	}
	return &episode, nil
}

func (s *postgresEpisodeStore) SetRoomIdentifier(ctx context.Context, id uint64, kind RoomKind, value string) error {
	column := string(kind)
	result := s.postgres.DB(ctx).
		Model(&internal_episode_entity.Episode{}).
		Where(fmt.Sprintf("id = ? AND %s = ''", column), id).
		Updates(map[string]any{
			column:         value,
			"updated_date": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("set %s for episode %d: %w", column, id, result.Error)
	}
	if result.RowsAffected == 0 {
		// Either the episode is unknown or the identifier is already set;
		// distinguish so callers can surface missing episodes.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
