package card

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/formcard/internal/action"
	"github.com/pitabwire/formcard/internal/hass/hasstest"
	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/internal/template"
	"github.com/pitabwire/formcard/model"
)

const tempTemplate = "{{ states('sensor.t') }}"

type cardFixture struct {
	renderer *hasstest.Renderer
	caller   *hasstest.ServiceCaller
	sink     *hasstest.Sink
	card     *FormCard
}

func newCardFixture(t *testing.T, opts ...Option) *cardFixture {
	t.Helper()
	f := &cardFixture{
		renderer: hasstest.NewRenderer(),
		caller:   &hasstest.ServiceCaller{},
		sink:     &hasstest.Sink{},
	}
	d := action.NewDispatcher(f.renderer, f.caller, action.WithEventSink(f.sink))
	opts = append([]Option{WithEventSink(f.sink), WithUser("Paulus")}, opts...)
	f.card = NewFormCard("thermostat", f.renderer, d, opts...)
	t.Cleanup(func() { _ = f.card.Close(context.Background()) })
	return f
}

func (f *cardFixture) configure(t *testing.T, cfg model.CardConfig) {
	t.Helper()
	if err := f.card.SetConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
}

func (f *cardFixture) connect(t *testing.T) {
	t.Helper()
	if err := f.card.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func fieldByKey(t *testing.T, fields []model.RenderedField, key string) model.RenderedField {
	t.Helper()
	for _, f := range fields {
		if f.Key == key {
			return f
		}
	}
	t.Fatalf("field %q not rendered", key)
	return model.RenderedField{}
}

func TestFormCard_templated_default_then_edit_then_reset(t *testing.T) {
	f := newCardFixture(t)
	f.renderer.SetValue(tempTemplate, "21.5")
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "temp", Default: tempTemplate}}})
	f.connect(t)

	if got := fieldByKey(t, f.card.Fields(), "temp").Value; got != "21.5" {
		t.Fatalf("value = %v, want rendered 21.5", got)
	}

	if err := f.card.Input("temp", "22"); err != nil {
		t.Fatalf("Input() error = %v", err)
	}
	if got := fieldByKey(t, f.card.Fields(), "temp").Value; got != "22" {
		t.Errorf("value after edit = %v, want 22", got)
	}
	if !f.card.HasPendingChanges() {
		t.Error("HasPendingChanges() = false after edit")
	}

	f.card.Reset()
	if got := fieldByKey(t, f.card.Fields(), "temp").Value; got != "21.5" {
		t.Errorf("value after reset = %v, want 21.5", got)
	}
	if f.card.HasPendingChanges() {
		t.Error("HasPendingChanges() = true after reset")
	}
}

func TestFormCard_rejected_template_falls_back_to_text(t *testing.T) {
	f := newCardFixture(t)
	f.renderer.Reject("{{ broken }}", model.NewHassError(model.HassErrTemplateError, "boom"))
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{
		{Key: "note", Description: "{{ broken }}"},
	}})
	f.connect(t)

	if got := fieldByKey(t, f.card.Fields(), "note").Description; got != "{{ broken }}" {
		t.Errorf("description = %q, want literal template text", got)
	}
	if n := len(f.card.Subscriptions().Keys()); n != 0 {
		t.Errorf("registered keys = %d, want 0 after rejection", n)
	}
}

func TestFormCard_changed_template_resubscribes(t *testing.T) {
	f := newCardFixture(t)
	f.renderer.SetValue("{{a}}", "A")
	f.renderer.SetValue("{{b}}", "B")
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "x", Description: "{{a}}"}}})
	f.connect(t)

	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "x", Description: "{{b}}"}}})

	if n := f.renderer.SubscribesFor("{{a}}"); n != 1 {
		t.Errorf("subscribes for {{a}} = %d, want 1", n)
	}
	if n := f.renderer.SubscribesFor("{{b}}"); n != 1 {
		t.Errorf("subscribes for {{b}} = %d, want 1", n)
	}
	if diff := cmp.Diff([]string{"{{b}}"}, f.renderer.Live()); diff != "" {
		t.Errorf("live subscriptions mismatch (-want +got):\n%s", diff)
	}

	keys := f.card.Subscriptions().Keys()
	if len(keys) != 1 || keys[0].Path != "description" {
		t.Errorf("registered keys = %v, want only the description key", keys)
	}
	if got := fieldByKey(t, f.card.Fields(), "x").Description; got != "B" {
		t.Errorf("description = %q, want B", got)
	}
}

func TestFormCard_unchanged_templates_stay_subscribed(t *testing.T) {
	f := newCardFixture(t)
	cfg := model.CardConfig{
		Title:  "{{ 'Heating' }}",
		Fields: []model.FieldConfig{{Key: "temp", Default: tempTemplate}},
	}
	f.configure(t, cfg)
	f.connect(t)
	before := f.renderer.Subscribes()

	cfg.Fields = append(cfg.Fields, model.FieldConfig{Key: "mode"})
	f.configure(t, cfg)

	if after := f.renderer.Subscribes(); after != before {
		t.Errorf("subscribes = %d, want %d (nothing changed)", after, before)
	}
}

func TestFormCard_removed_field_is_torn_down(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{
		{Key: "temp", Default: tempTemplate},
		{Key: "other", Name: "{{ 'Other' }}"},
	}})
	f.connect(t)

	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "temp", Default: tempTemplate}}})

	if diff := cmp.Diff([]string{tempTemplate}, f.renderer.Live()); diff != "" {
		t.Errorf("live subscriptions mismatch (-want +got):\n%s", diff)
	}
}

func TestFormCard_field_ids_are_stable_per_key(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "a"}, {Key: "b"}}})
	first := f.card.Fields()

	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "b"}, {Key: "c"}, {Key: "a"}}})
	second := f.card.Fields()

	if fieldByKey(t, second, "a").ID != fieldByKey(t, first, "a").ID {
		t.Error("field a changed id across SetConfig")
	}
	if fieldByKey(t, second, "b").ID != fieldByKey(t, first, "b").ID {
		t.Error("field b changed id across SetConfig")
	}
	c := fieldByKey(t, second, "c").ID
	if c == "" || c == fieldByKey(t, first, "a").ID || c == fieldByKey(t, first, "b").ID {
		t.Errorf("field c id = %q, want a fresh id", c)
	}
}

func TestFormCard_render_requests_carry_variables(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{
		Title:  "Climate",
		Fields: []model.FieldConfig{{Key: "temp", Entity: "climate.hall", Default: tempTemplate}},
	})
	f.connect(t)

	reqs := f.renderer.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if !req.Strict {
		t.Error("Strict = false, want true by default")
	}
	if diff := cmp.Diff([]string{"climate.hall"}, req.EntityIDs); diff != "" {
		t.Errorf("entity ids mismatch (-want +got):\n%s", diff)
	}
	if req.Variables["user"] != "Paulus" || req.Variables["entity"] != "climate.hall" {
		t.Errorf("variables = %v", req.Variables)
	}
	cfg, _ := req.Variables["config"].(map[string]any)
	if cfg["title"] != "Climate" {
		t.Errorf("config variable = %v, want the card configuration", cfg)
	}
}

func TestFormCard_display_fallbacks(t *testing.T) {
	states := hasstest.NewStates(model.EntityState{
		EntityID:   "climate.hall",
		State:      "heat",
		Attributes: map[string]any{"friendly_name": "Hall"},
	})
	f := newCardFixture(t, WithStates(states))
	f.renderer.SetValue("{{ 'Target' }}", "Target")
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{
		{Key: "named", Name: "{{ 'Target' }}", Entity: "climate.hall"},
		{Key: "friendly", Entity: "climate.hall"},
		{Key: "unknown", Entity: "sensor.missing"},
		{Key: "bare"},
	}})
	f.connect(t)

	fields := f.card.Fields()
	tests := []struct {
		key  string
		want string
	}{
		{"named", "Target"},
		{"friendly", "Hall"},
		{"unknown", "sensor.missing"},
		{"bare", "bare"},
	}
	for _, tt := range tests {
		if got := fieldByKey(t, fields, tt.key).Name; got != tt.want {
			t.Errorf("name of %s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestFormCard_save_label(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{})
	if got := f.card.SaveLabel(); got != DefaultSaveLabel {
		t.Errorf("SaveLabel() = %q, want %q", got, DefaultSaveLabel)
	}

	f.renderer.SetValue("{{ 'Apply' }}", "Apply")
	f.configure(t, model.CardConfig{SaveLabel: "{{ 'Apply' }}", Title: "Heating"})
	f.connect(t)
	if got := f.card.SaveLabel(); got != "Apply" {
		t.Errorf("SaveLabel() = %q, want Apply", got)
	}
	if got := f.card.Title(); got != "Heating" {
		t.Errorf("Title() = %q, want Heating", got)
	}
}

func TestFormCard_Input_unknown_field(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "a"}}})

	err := f.card.Input("nope", 1)
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("Input() error = %v, want NOT_FOUND", err)
	}
}

func TestFormCard_Input_emits_value_changed(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "a"}}})

	if err := f.card.Input("a", "x"); err != nil {
		t.Fatalf("Input() error = %v", err)
	}
	events := f.sink.OfType(model.EventValueChanged)
	if len(events) != 1 {
		t.Fatalf("value-changed events = %d, want 1", len(events))
	}
	want := model.FormValue{Action: model.DefaultFormAction, Data: map[string]any{"a": "x"}}
	if diff := cmp.Diff(want, events[0].Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if events[0].Source != "thermostat" {
		t.Errorf("source = %q, want thermostat", events[0].Source)
	}
}

func TestFormCard_result_push_emits_card_updated(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "temp", Default: tempTemplate}}})
	f.connect(t)

	f.renderer.SetValue(tempTemplate, "19")

	if n := len(f.sink.OfType(model.EventCardUpdated)); n != 1 {
		t.Errorf("card-updated events = %d, want 1", n)
	}
}

func TestFormCard_SetValue_rebaselines(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "a", Default: "1"}}})

	f.card.SetValue(model.FormValue{Data: map[string]any{"a": "host"}})

	if f.card.HasPendingChanges() {
		t.Error("host supplied value should not count as a pending change")
	}
	if got := f.card.Value().Data["a"]; got != "host" {
		t.Errorf("value = %v, want host", got)
	}
}

func saveAction() *model.ActionConfig {
	return &model.ActionConfig{
		Action:        model.ActionPerformAction,
		PerformAction: "script.save_settings",
		Data:          map[string]any{"entity_id": "script.save_settings", "source": "card"},
	}
}

func TestFormCard_Submit_dispatches_processed_values(t *testing.T) {
	f := newCardFixture(t)
	f.renderer.SetValue(tempTemplate, "21.5")
	f.configure(t, model.CardConfig{
		SaveAction:         saveAction(),
		SpreadValuesToData: true,
		Fields: []model.FieldConfig{
			{Key: "temp", Default: tempTemplate},
			{Key: "mode", Default: "auto"},
			{Key: "source", Default: "user"},
		},
	})
	f.connect(t)
	if err := f.card.Input("mode", "eco"); err != nil {
		t.Fatalf("Input() error = %v", err)
	}

	call, err := f.card.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	want := model.ServiceCall{
		Domain:  "script",
		Service: "save_settings",
		Data:    map[string]any{"source": "card", "temp": "21.5", "mode": "eco"},
		Target:  map[string]any{"entity_id": "script.save_settings"},
	}
	if diff := cmp.Diff(want, call); diff != "" {
		t.Errorf("call mismatch (-want +got):\n%s", diff)
	}
	if calls := f.caller.Calls(); len(calls) != 1 {
		t.Fatalf("service calls = %d, want 1", len(calls))
	}

	st := f.card.Status()
	if st.Busy || st.Error != "" || st.Pending {
		t.Errorf("status = %+v, want idle, no error, nothing pending", st)
	}
	if got := f.card.Value().Data["mode"]; got != "eco" {
		t.Errorf("mode = %v, want eco kept after submit", got)
	}
	if got, ok := f.card.Fields()[1].Value.(string); !ok || got != "eco" {
		t.Errorf("rendered mode = %#v, want string eco", f.card.Fields()[1].Value)
	}
}

func TestFormCard_Submit_reset_on_submit(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{
		SaveAction:    saveAction(),
		ResetOnSubmit: true,
		Fields:        []model.FieldConfig{{Key: "mode", Default: "auto"}},
	})
	_ = f.card.Input("mode", "eco")

	if _, err := f.card.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := f.card.Value().Data["mode"]; got != "auto" {
		t.Errorf("mode = %v, want auto after reset on submit", got)
	}
}

func TestFormCard_Submit_required_fields(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{
		SaveAction: saveAction(),
		Fields: []model.FieldConfig{
			{Key: "name", Name: "Name", Required: true},
			{Key: "note", Required: true, Default: ""},
			{Key: "ok", Required: true, Default: "x"},
			{Key: "optional"},
		},
	})

	_, err := f.card.Submit(context.Background())
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrValidationError {
		t.Fatalf("Submit() error = %v, want VALIDATION_ERROR", err)
	}
	var fields []string
	for _, d := range env.Details {
		if d.Code != model.ErrFieldRequired {
			t.Errorf("detail code = %q, want REQUIRED", d.Code)
		}
		fields = append(fields, d.Field)
	}
	if diff := cmp.Diff([]string{"name", "note"}, fields); diff != "" {
		t.Errorf("failing fields mismatch (-want +got):\n%s", diff)
	}
	if n := len(f.caller.Calls()); n != 0 {
		t.Errorf("service calls = %d, want 0", n)
	}
	st := f.card.Status()
	if st.Busy || st.Error == "" {
		t.Errorf("status = %+v, want idle with the error recorded", st)
	}
}

func TestFormCard_Submit_cleared_required_field(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{
		SaveAction: saveAction(),
		Fields:     []model.FieldConfig{{Key: "mode", Required: true, Default: "auto"}},
	})
	if err := f.card.Input("mode", nil); err != nil {
		t.Fatalf("Input() error = %v", err)
	}

	if got := f.card.Fields()[0].Value; got != nil {
		t.Errorf("field value = %v, want nil after clearing", got)
	}
	_, err := f.card.Submit(context.Background())
	if model.CodeOf(err) != model.ErrValidationError {
		t.Fatalf("Submit() error = %v, want VALIDATION_ERROR", err)
	}
	if n := len(f.caller.Calls()); n != 0 {
		t.Errorf("service calls = %d, want 0", n)
	}
}

func TestFormCard_Submit_service_failure(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	f := newCardFixture(t, WithMetrics(m))
	f.caller.Fail(model.NewHassError(model.HassErrServiceError, "Script failed"))
	f.configure(t, model.CardConfig{
		SaveAction: saveAction(),
		Fields:     []model.FieldConfig{{Key: "mode", Default: "auto"}},
	})
	_ = f.card.Input("mode", "eco")

	if _, err := f.card.Submit(context.Background()); err == nil {
		t.Fatal("Submit() = nil, want service error")
	}
	st := f.card.Status()
	if st.Busy {
		t.Error("busy flag left set after failure")
	}
	if st.Error != "home_assistant_error: Script failed" {
		t.Errorf("status error = %q", st.Error)
	}
	if !st.Pending {
		t.Error("edits should stay pending after a failed submit")
	}
	if v := testutil.ToFloat64(m.CardSubmitsTotal.WithLabelValues("failure")); v != 1 {
		t.Errorf("failed submits = %v, want 1", v)
	}
}

func TestFormCard_Submit_without_action_does_nothing(t *testing.T) {
	f := newCardFixture(t)
	f.configure(t, model.CardConfig{Fields: []model.FieldConfig{{Key: "a", Required: true}}})
	if err := f.card.Input("a", "x"); err != nil {
		t.Fatalf("Input() error = %v", err)
	}

	if _, err := f.card.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error = %v, want nil without a save action", err)
	}
	if n := len(f.caller.Calls()); n != 0 {
		t.Errorf("service calls = %d, want 0", n)
	}
	if !f.card.HasPendingChanges() {
		t.Error("edits should stay pending when there is nothing to submit")
	}
}

func TestFormCard_Submit_preview_keeps_debug(t *testing.T) {
	f := newCardFixture(t, WithPreview(true))
	f.configure(t, model.CardConfig{
		SaveAction: saveAction(),
		Fields:     []model.FieldConfig{{Key: "mode", Default: "auto"}},
	})

	if _, err := f.card.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if n := len(f.caller.Calls()); n != 0 {
		t.Errorf("service calls = %d, want 0 in preview", n)
	}
	st := f.card.Status()
	if st.Debug == nil || st.Debug.Service != "save_settings" {
		t.Errorf("debug = %+v, want the previewed call", st.Debug)
	}
	if n := len(f.sink.OfType(model.EventSubmitAction)); n != 1 {
		t.Errorf("submit-action events = %d, want 1", n)
	}
}

// gateDispatcher holds every dispatch until release is closed.
type gateDispatcher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateDispatcher) Dispatch(ctx context.Context, _ action.Request) (model.ServiceCall, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return model.ServiceCall{}, nil
	case <-ctx.Done():
		return model.ServiceCall{}, ctx.Err()
	}
}

func TestFormCard_Submit_rejects_concurrent_submit(t *testing.T) {
	gate := &gateDispatcher{entered: make(chan struct{}), release: make(chan struct{})}
	c := NewFormCard("busy", hasstest.NewRenderer(), gate)
	if err := c.SetConfig(context.Background(), model.CardConfig{SaveAction: saveAction()}); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		done <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first submit never reached the dispatcher")
	}

	if !c.Status().Busy {
		t.Error("Status().Busy = false while a submit is running")
	}
	if _, err := c.Submit(context.Background()); model.CodeOf(err) != model.ErrConflict {
		t.Errorf("second Submit() error = %v, want CONFLICT", err)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if c.Status().Busy {
		t.Error("busy flag left set after submit finished")
	}
}

func TestFormCard_Close_tears_everything_down(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	f := newCardFixture(t, WithMetrics(m))
	f.configure(t, model.CardConfig{
		Title:  "{{ 'T' }}",
		Fields: []model.FieldConfig{{Key: "temp", Default: tempTemplate}},
	})
	f.connect(t)
	if v := testutil.ToFloat64(m.SubscriptionsActive); v != 2 {
		t.Fatalf("active subscriptions = %v, want 2", v)
	}

	if err := f.card.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if live := f.renderer.Live(); len(live) != 0 {
		t.Errorf("live subscriptions = %v, want none", live)
	}
	if v := testutil.ToFloat64(m.SubscriptionsActive); v != 0 {
		t.Errorf("active subscriptions = %v, want 0", v)
	}
	if f.card.Subscriptions().Registered(template.KeyFor("", template.Path{"title"})) {
		t.Error("title key still registered after Close")
	}
}
