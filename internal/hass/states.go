package hass

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/model"
)

// StateSource is the part of Client a StateStore syncs from.
type StateSource interface {
	GetStates(ctx context.Context) ([]model.EntityState, error)
	SubscribeStateChanged(ctx context.Context, handler func(StateChange)) (subscription.Unsubscribe, error)
}

// StateStore mirrors Home Assistant entity states. Reads are synchronous and
// return copies callers may modify.
type StateStore struct {
	logger *zap.Logger

	mu     sync.RWMutex
	states map[string]model.EntityState
	unsub  subscription.Unsubscribe
}

// NewStateStore creates an empty store.
func NewStateStore(logger *zap.Logger) *StateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateStore{
		logger: logger,
		states: make(map[string]model.EntityState),
	}
}

// Sync subscribes to state changes and then loads the full state snapshot.
// Changes received while the snapshot is in flight are kept when they are
// newer than the snapshot entry.
func (s *StateStore) Sync(ctx context.Context, src StateSource) error {
	unsub, err := src.SubscribeStateChanged(ctx, s.Apply)
	if err != nil {
		return fmt.Errorf("subscribing to state changes: %w", err)
	}

	states, err := src.GetStates(ctx)
	if err != nil {
		_ = unsub(context.WithoutCancel(ctx))
		return err
	}

	s.mu.Lock()
	s.unsub = unsub
	for _, st := range states {
		if cur, ok := s.states[st.EntityID]; ok && cur.LastUpdated > st.LastUpdated {
			continue
		}
		s.states[st.EntityID] = st
	}
	n := len(s.states)
	s.mu.Unlock()

	s.logger.Info("entity states synced", zap.Int("count", n))
	return nil
}

// Apply records one state change.
func (s *StateStore) Apply(change StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if change.NewState == nil {
		delete(s.states, change.EntityID)
		return
	}
	s.states[change.EntityID] = *change.NewState
}

// Set stores st, replacing any previous state of the entity.
func (s *StateStore) Set(st model.EntityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.EntityID] = st
}

// State returns a copy of the state of entityID.
func (s *StateStore) State(entityID string) (model.EntityState, bool) {
	s.mu.RLock()
	st, ok := s.states[entityID]
	s.mu.RUnlock()
	if !ok {
		return model.EntityState{}, false
	}

	var out model.EntityState
	if err := deepcopy.Copy(&out, &st); err != nil {
		s.logger.Warn("copying entity state", zap.String("entity_id", entityID), zap.Error(err))
		return st, true
	}
	return out, true
}

// Len returns how many entities are known.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Close stops following state changes.
func (s *StateStore) Close(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub == nil {
		return nil
	}
	if err := unsub(ctx); err != nil && !model.IsTeardownIgnorable(err) {
		return err
	}
	return nil
}
