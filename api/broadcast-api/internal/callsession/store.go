package internal_callsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/connectors"
)

// Store persists session records. The machine writes through to the store on
// every mutation before returning, so the database always reflects the latest
// accepted transition. Terminal rows are never deleted — async provider
// callbacks and audit queries may reference them after the call ends.
type Store interface {
	// Save inserts a new session row.
	Save(ctx context.Context, state *CallSessionState) error

	// Update writes the full mutable state of an existing row.
	Update(ctx context.Context, state *CallSessionState) error

	// Get retrieves a session by call id regardless of phase.
	Get(ctx context.Context, callID uint64) (*CallSessionState, error)

	// ListActive returns all non-terminal sessions, used to rebuild the
	// in-memory index on process start.
	ListActive(ctx context.Context) ([]*CallSessionState, error)
}

type postgresStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
}

// NewStore creates the gorm-backed session store.
func NewStore(postgres connectors.PostgresConnector, logger commons.Logger) Store {
	return &postgresStore{postgres: postgres, logger: logger}
}

func (s *postgresStore) Save(ctx context.Context, state *CallSessionState) error {
	db := s.postgres.DB(ctx)
	if err := db.Create(state).Error; err != nil {
		return fmt.Errorf("failed to save call session for call %d: %w", state.CallID, err)
	}
	s.logger.Debugw("saved call session", "callId", state.CallID, "phase", state.Phase, "room", state.CurrentRoom)
	return nil
}

func (s *postgresStore) Update(ctx context.Context, state *CallSessionState) error {
	db := s.postgres.DB(ctx)
	result := db.Model(&CallSessionState{}).
		Where("call_id = ?", state.CallID).
		Updates(map[string]interface{}{
			"phase":               state.Phase,
			"current_room":        state.CurrentRoom,
			"send_muted":          state.SendMuted,
			"recv_muted":          state.RecvMuted,
			"telephony_stream_id": state.TelephonyStreamID,
			"sfu_participant_id":  state.SFUParticipantID,
			"metadata":            state.Metadata,
			"last_transition_at":  state.LastTransitionAt,
			"updated_date":        time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update call session for call %d: %w", state.CallID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("call session for call %d: %w", state.CallID, ErrSessionNotFound)
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, callID uint64) (*CallSessionState, error) {
	db := s.postgres.DB(ctx)
	var state CallSessionState
	if err := db.Where("call_id = ?", callID).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("call session for call %d: %w", callID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to fetch call session for call %d: %w", callID, err)
	}
	return &state, nil
}

func (s *postgresStore) ListActive(ctx context.Context) ([]*CallSessionState, error) {
	db := s.postgres.DB(ctx)
	var states []*CallSessionState
	if err := db.Where("phase <> ?", PhaseDisconnected).Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to list active call sessions: %w", err)
	}
	return states, nil
}
