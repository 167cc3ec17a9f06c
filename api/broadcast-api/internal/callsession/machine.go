package internal_callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// Machine validates phase changes and keeps the in-memory session index.
// It performs no backend calls: validity of a phase change (cheap,
// synchronous) is deliberately separated from its side effects (slow,
// fallible, vendor-specific) so the orchestrator can retry side effects
// without re-deriving the phase graph.
//
// Every mutation persists through the Store before returning. Concurrent
// transitions on the same call either see the updated phase (and reject an
// invalid edge) or race at the persistence layer where the later write wins —
// acceptable because all transitions are externally serialized, human-driven
// actions on one call at a time.
type Machine struct {
	store  Store
	logger commons.Logger

	mu          sync.RWMutex
	sessions    map[uint64]*CallSessionState
	initialized bool
}

// NewMachine creates a session machine over the given store. The index is an
// injectable dependency, not a process singleton; tests construct their own.
func NewMachine(store Store, logger commons.Logger) *Machine {
	return &Machine{
		store:    store,
		logger:   logger,
		sessions: make(map[uint64]*CallSessionState),
	}
}

// Initialize loads all persisted non-terminal sessions into the index. It
// must run to completion before any transition is accepted; the orchestrator
// calls it once at startup and again never.
func (m *Machine) Initialize(ctx context.Context) error {
	states, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize session machine: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range states {
		if !state.Phase.Valid() || state.Phase.IsTerminal() {
			continue
		}
		m.sessions[state.CallID] = state
	}
	m.initialized = true
	m.logger.Infow("session machine initialized", "activeSessions", len(m.sessions))
	return nil
}

func (m *Machine) assertInitialized() error {
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// CreateSession registers a new session for a call. Fails with
// ErrSessionExists when the call is already tracked; racy callers use
// EnsureSession instead.
func (m *Machine) CreateSession(ctx context.Context, callID uint64, phase Phase, fields Fields) (*CallSessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.assertInitialized(); err != nil {
		return nil, err
	}
	if !phase.Valid() {
		return nil, fmt.Errorf("unknown phase %q for call %d", phase, callID)
	}
	if _, ok := m.sessions[callID]; ok {
		return nil, fmt.Errorf("call %d: %w", callID, ErrSessionExists)
	}

	state := &CallSessionState{
		CallID:           callID,
		Phase:            phase,
		LastTransitionAt: time.Now(),
	}
	fields.applyTo(state)

	if err := m.store.Save(ctx, state); err != nil {
		return nil, err
	}
	m.sessions[callID] = state
	m.logger.Infow("call session created", "callId", callID, "phase", phase, "room", state.CurrentRoom)
	return state.clone(), nil
}

// EnsureSession returns the existing session for the call or creates one in
// the given phase. Idempotent against duplicate external triggers.
func (m *Machine) EnsureSession(ctx context.Context, callID uint64, phase Phase, fields Fields) (*CallSessionState, error) {
	m.mu.RLock()
	var existing *CallSessionState
	if s, ok := m.sessions[callID]; ok {
		existing = s.clone()
	}
	initialized := m.initialized
	m.mu.RUnlock()

	if !initialized {
		return nil, ErrNotInitialized
	}
	if existing != nil {
		return existing, nil
	}

	state, err := m.CreateSession(ctx, callID, phase, fields)
	if err != nil && errors.Is(err, ErrSessionExists) {
		// Lost a create race; the winner's session is authoritative.
		return m.Snapshot(callID), nil
	}
	return state, err
}

// Transition validates the edge current→target against the adjacency table,
// applies field updates, persists, and evicts the session when the target
// phase is terminal. Invalid edges are a hard error.
func (m *Machine) Transition(ctx context.Context, callID uint64, target Phase, fields Fields) (*CallSessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.assertInitialized(); err != nil {
		return nil, err
	}

	state, ok := m.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("call %d: %w", callID, ErrSessionNotFound)
	}
	if !state.Phase.CanTransitionTo(target) {
		return nil, &InvalidTransitionError{CallID: callID, From: state.Phase, To: target}
	}

	previous := state.Phase
	state.Phase = target
	state.LastTransitionAt = time.Now()
	fields.applyTo(state)

	if err := m.store.Update(ctx, state); err != nil {
		// Roll the in-memory phase back so a retry re-validates the same edge.
		state.Phase = previous
		return nil, err
	}

	if target.IsTerminal() {
		delete(m.sessions, callID)
	}
	m.logger.Infow("call session transitioned",
		"callId", callID, "from", previous, "to", target, "room", state.CurrentRoom)
	return state.clone(), nil
}

// Patch updates non-phase fields without re-validating the phase graph. Used
// when physical state changes but logical phase does not, e.g. re-affirming
// the room after a reconnect.
func (m *Machine) Patch(ctx context.Context, callID uint64, fields Fields) (*CallSessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.assertInitialized(); err != nil {
		return nil, err
	}

	state, ok := m.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("call %d: %w", callID, ErrSessionNotFound)
	}

	fields.applyTo(state)
	if err := m.store.Update(ctx, state); err != nil {
		return nil, err
	}
	m.logger.Debugw("call session patched", "callId", callID, "phase", state.Phase, "room", state.CurrentRoom)
	return state.clone(), nil
}

// Complete forces the session to disconnected, persists, and evicts it from
// the index. Idempotent: completing an unknown or already-evicted call is a
// no-op.
func (m *Machine) Complete(ctx context.Context, callID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.assertInitialized(); err != nil {
		return err
	}

	state, ok := m.sessions[callID]
	if !ok {
		return nil
	}

	state.Phase = PhaseDisconnected
	state.LastTransitionAt = time.Now()
	if err := m.store.Update(ctx, state); err != nil {
		return err
	}
	delete(m.sessions, callID)
	m.logger.Infow("call session completed", "callId", callID)
	return nil
}

// Get returns a snapshot of the tracked session, if any.
func (m *Machine) Get(callID uint64) (*CallSessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.sessions[callID]
	if !ok {
		return nil, false
	}
	return state.clone(), true
}

// Snapshot returns a copy of the session or nil when untracked. Event
// payloads use this form.
func (m *Machine) Snapshot(callID uint64) *CallSessionState {
	state, ok := m.Get(callID)
	if !ok {
		return nil
	}
	return state
}

// ActiveSessions returns snapshots of every tracked session, used by restart
// recovery to re-assert room placements.
func (m *Machine) ActiveSessions() []*CallSessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*CallSessionState, 0, len(m.sessions))
	for _, state := range m.sessions {
		sessions = append(sessions, state.clone())
	}
	return sessions
}

// ActiveCount returns the number of sessions in the index.
func (m *Machine) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
