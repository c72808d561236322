package card

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/formcard/internal/action"
	"github.com/pitabwire/formcard/internal/hass/hasstest"
	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/model"
)

func newTestHost(t *testing.T) (*Host, *hasstest.Renderer, *observability.Metrics) {
	t.Helper()
	renderer := hasstest.NewRenderer()
	m := observability.InitMetrics(prometheus.NewRegistry())
	d := action.NewDispatcher(renderer, &hasstest.ServiceCaller{})
	h := NewHost(renderer, d, WithMetrics(m))
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h, renderer, m
}

func TestHost_Apply_builds_updates_and_removes(t *testing.T) {
	h, renderer, m := newTestHost(t)
	ctx := context.Background()

	cards := []model.CardDefinition{
		{ID: "heating", Config: model.CardConfig{Fields: []model.FieldConfig{{Key: "temp", Default: tempTemplate}}}},
		{ID: "notes", Config: model.CardConfig{Fields: []model.FieldConfig{{Key: "note"}}}},
	}
	rows := []model.RowDefinition{
		{ID: "target", Config: model.RowConfig{Entity: "input_number.target", Name: friendlyTemplate}},
	}
	if err := h.Apply(ctx, cards, rows); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if diff := cmp.Diff([]string{"heating", "notes"}, h.CardIDs()); diff != "" {
		t.Errorf("card ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"target"}, h.RowIDs()); diff != "" {
		t.Errorf("row ids mismatch (-want +got):\n%s", diff)
	}
	if n := len(renderer.Live()); n != 2 {
		t.Errorf("live subscriptions = %d, want 2", n)
	}
	if v := testutil.ToFloat64(m.CardsActive.WithLabelValues(KindCard)); v != 2 {
		t.Errorf("active cards = %v, want 2", v)
	}

	heating, err := h.Card("heating")
	if err != nil {
		t.Fatalf("Card() error = %v", err)
	}

	cards[0].Config.Title = "Heating"
	if err := h.Apply(ctx, cards[:1], nil); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	again, err := h.Card("heating")
	if err != nil {
		t.Fatalf("Card() error = %v", err)
	}
	if again != heating {
		t.Error("existing card was rebuilt instead of reconfigured")
	}
	if again.Title() != "Heating" {
		t.Errorf("Title() = %q, want the new configuration", again.Title())
	}
	if _, err := h.Card("notes"); model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("Card(notes) error = %v, want NOT_FOUND", err)
	}
	if _, err := h.Row("target"); model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("Row(target) error = %v, want NOT_FOUND", err)
	}
	if diff := cmp.Diff([]string{tempTemplate}, renderer.Live()); diff != "" {
		t.Errorf("live subscriptions mismatch (-want +got):\n%s", diff)
	}
	if v := testutil.ToFloat64(m.CardsActive.WithLabelValues(KindRow)); v != 0 {
		t.Errorf("active rows = %v, want 0", v)
	}
}

func TestHost_Close(t *testing.T) {
	h, renderer, _ := newTestHost(t)
	ctx := context.Background()
	cards := []model.CardDefinition{
		{ID: "heating", Config: model.CardConfig{Fields: []model.FieldConfig{{Key: "temp", Default: tempTemplate}}}},
	}
	if err := h.Apply(ctx, cards, nil); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if live := renderer.Live(); len(live) != 0 {
		t.Errorf("live subscriptions = %v, want none", live)
	}
	if err := h.Apply(ctx, cards, nil); err == nil {
		t.Error("Apply() after Close = nil, want error")
	}
}

func TestHub_fan_out(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	hub := NewHub(nil, m)

	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	if v := testutil.ToFloat64(m.EventClientsTotal); v != 2 {
		t.Errorf("event clients = %v, want 2", v)
	}

	ev := model.Event{Type: model.EventValueChanged, Source: "heating"}
	hub.Emit(context.Background(), ev)

	for name, ch := range map[string]<-chan model.Event{"a": a, "b": b} {
		select {
		case got := <-ch:
			if diff := cmp.Diff(ev, got); diff != "" {
				t.Errorf("client %s event mismatch (-want +got):\n%s", name, diff)
			}
		case <-time.After(time.Second):
			t.Errorf("client %s got no event", name)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled client channel should be closed")
	}
	if hub.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", hub.Clients())
	}
	cancelB()
	if v := testutil.ToFloat64(m.EventClientsTotal); v != 0 {
		t.Errorf("event clients = %v, want 0", v)
	}
}

func TestHub_slow_client_does_not_block(t *testing.T) {
	hub := NewHub(nil, nil)
	ch, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < clientBuffer*2; i++ {
			hub.Emit(context.Background(), model.Event{Type: model.EventCardUpdated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full client")
	}
	if len(ch) != clientBuffer {
		t.Errorf("buffered events = %d, want %d", len(ch), clientBuffer)
	}
}
