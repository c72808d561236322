package hass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/model"
)

func TestStateStore_syncAndFollow(t *testing.T) {
	f := newFakeHA(t)
	f.states = []map[string]any{
		{"entity_id": "light.kitchen", "state": "off", "attributes": map[string]any{"friendly_name": "Kitchen"}},
	}
	c := dialFake(t, f)

	store := NewStateStore(nil)
	if err := store.Sync(context.Background(), c); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}

	sub := f.lastOfType("subscribe_events")
	if sub["event_type"] != EventStateChanged {
		t.Errorf("event_type = %v, want state_changed", sub["event_type"])
	}
	f.push(int(sub["id"].(float64)), map[string]any{
		"event_type": "state_changed",
		"data": map[string]any{
			"entity_id": "light.kitchen",
			"old_state": map[string]any{"entity_id": "light.kitchen", "state": "off"},
			"new_state": map[string]any{"entity_id": "light.kitchen", "state": "on", "attributes": map[string]any{"friendly_name": "Kitchen"}},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := store.State("light.kitchen")
		if st.State == "on" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want on after state_changed", st.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestStateStore_stateIsCopy(t *testing.T) {
	store := NewStateStore(nil)
	store.Set(model.EntityState{
		EntityID:   "sensor.x",
		State:      "1",
		Attributes: map[string]any{"unit": "C", "nested": map[string]any{"a": 1}},
	})

	st, ok := store.State("sensor.x")
	if !ok {
		t.Fatal("State() missing sensor.x")
	}
	st.Attributes["unit"] = "F"
	st.Attributes["nested"].(map[string]any)["a"] = 2

	again, _ := store.State("sensor.x")
	if again.Attributes["unit"] != "C" {
		t.Errorf("unit = %v, store was mutated through a returned copy", again.Attributes["unit"])
	}
	if again.Attributes["nested"].(map[string]any)["a"] != 1 {
		t.Error("nested attribute was mutated through a returned copy")
	}
}

func TestStateStore_applyRemoval(t *testing.T) {
	store := NewStateStore(nil)
	store.Set(model.EntityState{EntityID: "light.old", State: "on"})

	store.Apply(StateChange{EntityID: "light.old"})

	if _, ok := store.State("light.old"); ok {
		t.Error("removed entity is still present")
	}
}

// staticSource is a StateSource whose change feed fires before the snapshot.
type staticSource struct {
	snapshot []model.EntityState
	early    *StateChange
	err      error
	unsubbed bool
}

func (s *staticSource) GetStates(context.Context) ([]model.EntityState, error) {
	return s.snapshot, s.err
}

func (s *staticSource) SubscribeStateChanged(_ context.Context, handler func(StateChange)) (subscription.Unsubscribe, error) {
	if s.early != nil {
		handler(*s.early)
	}
	return func(context.Context) error {
		s.unsubbed = true
		return nil
	}, nil
}

func TestStateStore_snapshotKeepsNewerChanges(t *testing.T) {
	src := &staticSource{
		snapshot: []model.EntityState{
			{EntityID: "light.a", State: "off", LastUpdated: "2024-06-01T10:00:00+00:00"},
			{EntityID: "light.b", State: "off", LastUpdated: "2024-06-01T10:00:00+00:00"},
		},
		early: &StateChange{
			EntityID: "light.a",
			NewState: &model.EntityState{EntityID: "light.a", State: "on", LastUpdated: "2024-06-01T10:00:05+00:00"},
		},
	}

	store := NewStateStore(nil)
	if err := store.Sync(context.Background(), src); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if st, _ := store.State("light.a"); st.State != "on" {
		t.Errorf("light.a = %q, want on (newer change kept)", st.State)
	}
	if st, _ := store.State("light.b"); st.State != "off" {
		t.Errorf("light.b = %q, want off", st.State)
	}
}

func TestStateStore_syncFailureUnsubscribes(t *testing.T) {
	src := &staticSource{err: errors.New("boom")}

	store := NewStateStore(nil)
	if err := store.Sync(context.Background(), src); err == nil {
		t.Fatal("Sync() = nil, want error")
	}
	if !src.unsubbed {
		t.Error("state change subscription should be closed when the snapshot fails")
	}
}
