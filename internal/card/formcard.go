package card

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/formcard/internal/action"
	"github.com/pitabwire/formcard/internal/form"
	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/internal/template"
	"github.com/pitabwire/formcard/model"
)

// DefaultSaveLabel labels the submit control when the card names none.
const DefaultSaveLabel = "Save"

// Submit outcomes, used as metric labels.
const (
	submitSuccess = "success"
	submitFailure = "failure"
	submitInvalid = "invalid"
	submitBusy    = "busy"
)

// field is one configured field together with its stable id and the
// template sites found in it.
type field struct {
	id    string
	cfg   model.FieldConfig
	tree  map[string]any
	sites []template.Site
}

// FormCard is one live form card.
type FormCard struct {
	id         string
	renderer   subscription.Renderer
	dispatcher Dispatcher
	opts       options
	logger     *zap.Logger
	subs       *subscription.Manager
	ctrl       *form.Controller
	scanner    *template.Scanner

	// configMu serializes configuration replacement.
	configMu sync.Mutex

	mu          sync.RWMutex
	cfg         model.CardConfig
	cfgTree     map[string]any
	header      map[string]any
	headerSites []template.Site
	fields      []field
	connected   bool
	busy        bool
	lastErr     string
	debug       *model.ServiceCall
}

// NewFormCard creates an unconfigured card.
func NewFormCard(id string, renderer subscription.Renderer, dispatcher Dispatcher, opts ...Option) *FormCard {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &FormCard{
		id:         id,
		renderer:   renderer,
		dispatcher: dispatcher,
		opts:       o,
		logger:     o.logger.With(zap.String("card_id", id)),
		scanner:    &template.Scanner{Predicate: o.predicate, SkipKeys: []string{"key"}},
		cfgTree:    map[string]any{},
		header:     map[string]any{},
	}
	c.subs = newManager(id, renderer, &c.opts)
	c.ctrl = form.NewController(form.WithOnChange(func(v model.FormValue) {
		c.opts.emit(context.Background(), model.Event{Type: model.EventValueChanged, Source: c.id, Payload: v})
	}))
	return c
}

// ID returns the card id.
func (c *FormCard) ID() string {
	return c.id
}

// SetConfig replaces the configuration. Subscriptions whose template moved
// or changed are torn down before the form is reseeded, then the new
// templates are subscribed when the card is connected.
func (c *FormCard) SetConfig(ctx context.Context, cfg model.CardConfig) error {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	cfgTree, err := model.ToMap(cfg)
	if err != nil {
		return fmt.Errorf("card %s: %w", c.id, err)
	}
	header := map[string]any{}
	for _, k := range []string{"title", "save_label"} {
		if v, ok := cfgTree[k]; ok {
			header[k] = v
		}
	}

	c.mu.RLock()
	oldHeader := c.headerSites
	oldFields := c.fields
	c.mu.RUnlock()

	ids := make(map[string]string, len(oldFields))
	for _, f := range oldFields {
		ids[f.cfg.Key] = f.id
	}
	used := make(map[string]bool, len(cfg.Fields))
	fields := make([]field, 0, len(cfg.Fields))
	for _, fc := range cfg.Fields {
		id, ok := ids[fc.Key]
		if !ok || used[id] {
			id = uuid.NewString()
		}
		used[id] = true

		tree, err := model.ToMap(fc)
		if err != nil {
			return fmt.Errorf("card %s: field %q: %w", c.id, fc.Key, err)
		}
		fields = append(fields, field{id: id, cfg: fc, tree: tree, sites: c.scanner.Scan(tree)})
	}
	headerSites := c.scanner.Scan(header)

	var stale []template.Key
	for _, s := range template.Diff(oldHeader, headerSites) {
		stale = append(stale, template.KeyFor("", s.Path))
	}
	next := make(map[string][]template.Site, len(fields))
	for _, f := range fields {
		next[f.id] = f.sites
	}
	for _, f := range oldFields {
		for _, s := range template.Diff(f.sites, next[f.id]) {
			stale = append(stale, template.KeyFor(f.id, s.Path))
		}
	}
	if err := c.disconnect(ctx, stale); err != nil {
		c.logger.Error("tearing down replaced templates", zap.Error(err))
	}

	c.mu.Lock()
	c.cfg = cfg
	c.cfgTree = cfgTree
	c.header = header
	c.headerSites = headerSites
	c.fields = fields
	c.lastErr = ""
	c.debug = nil
	connected := c.connected
	c.mu.Unlock()

	c.ctrl.SetConfig(cfg.Fields, cfg.ResetOnSubmit)
	c.logger.Info("card configured",
		zap.Int("fields", len(fields)),
		zap.Int("stale_templates", len(stale)),
	)

	if connected {
		return c.connect(ctx)
	}
	return nil
}

// Connect subscribes every template of the current configuration.
func (c *FormCard) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return c.connect(ctx)
}

// Close tears down every subscription. The card cannot be reconnected.
func (c *FormCard) Close(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.subs.Close(ctx)
}

func (c *FormCard) connect(ctx context.Context) error {
	c.mu.RLock()
	cfgTree := c.cfgTree
	headerSites := c.headerSites
	fields := c.fields
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range headerSites {
		req := c.request(s.Template, "", cfgTree)
		g.Go(func() error {
			return c.subs.Connect(gctx, template.KeyFor("", s.Path), req)
		})
	}
	for _, f := range fields {
		for _, s := range f.sites {
			req := c.request(s.Template, f.cfg.Entity, cfgTree)
			g.Go(func() error {
				return c.subs.Connect(gctx, template.KeyFor(f.id, s.Path), req)
			})
		}
	}
	if err := g.Wait(); err != nil && !errors.Is(err, subscription.ErrClosed) {
		return fmt.Errorf("card %s: connecting templates: %w", c.id, err)
	}
	return nil
}

func (c *FormCard) disconnect(ctx context.Context, keys []template.Key) error {
	errs := make([]error, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		g.Go(func() error {
			errs[i] = c.subs.Disconnect(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *FormCard) request(tmpl, entity string, cfgTree map[string]any) subscription.RenderRequest {
	req := subscription.RenderRequest{
		Template: tmpl,
		Variables: map[string]any{
			"config": cfgTree,
			"user":   c.opts.user,
			"entity": entity,
		},
		Strict:       c.opts.strict,
		ReportErrors: c.opts.reportErrors,
	}
	if entity != "" {
		req.EntityIDs = []string{entity}
	}
	return req
}

// Title returns the rendered card title.
func (c *FormCard) Title() string {
	return model.Text(c.headerValue("title"))
}

// SaveLabel returns the rendered label of the submit control.
func (c *FormCard) SaveLabel() string {
	if label := model.Text(c.headerValue("save_label")); label != "" {
		return label
	}
	return DefaultSaveLabel
}

func (c *FormCard) headerValue(name string) any {
	c.mu.RLock()
	header := c.header
	c.mu.RUnlock()
	m, _ := c.scanner.Materialize("", header, c.subs).(map[string]any)
	return m[name]
}

// Fields returns every field with its templates rendered, display
// fallbacks applied and the value to show.
func (c *FormCard) Fields() []model.RenderedField {
	c.mu.RLock()
	fields := c.fields
	c.mu.RUnlock()

	out := make([]model.RenderedField, 0, len(fields))
	for _, f := range fields {
		out = append(out, c.render(f))
	}
	return out
}

func (c *FormCard) render(f field) model.RenderedField {
	m, _ := c.scanner.Materialize(f.id, f.tree, c.subs).(map[string]any)

	entityID := model.Text(m["entity"])
	name := model.Text(m["name"])
	if name == "" {
		if st, ok := c.opts.state(entityID); ok {
			name = st.FriendlyName()
		}
	}
	if name == "" {
		name = entityID
	}
	if name == "" {
		name = f.cfg.Key
	}

	selector, _ := m["selector"].(map[string]any)
	return model.RenderedField{
		ID:          f.id,
		Key:         f.cfg.Key,
		Name:        name,
		Description: model.Text(m["description"]),
		Entity:      entityID,
		Selector:    selector,
		Value:       c.ctrl.FieldValue(f.cfg.Key, resolvedDefault(m)),
		Placeholder: model.Text(m["placeholder"]),
		Required:    f.cfg.Required,
		Disabled:    f.cfg.Disabled,
	}
}

// resolvedDefault reads the rendered default of a materialized field.
func resolvedDefault(m map[string]any) any {
	if v, ok := m["default"]; ok {
		return v
	}
	return m["value"]
}

// Input records a user edit of key.
func (c *FormCard) Input(key string, value any) error {
	if !c.hasField(key) {
		return model.NewNotFoundError(fmt.Sprintf("card %s has no field %q", c.id, key))
	}
	c.ctrl.Input(key, value)
	return nil
}

func (c *FormCard) hasField(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.fields {
		if f.cfg.Key == key {
			return true
		}
	}
	return false
}

// Reset discards all edits.
func (c *FormCard) Reset() {
	c.ctrl.Reset()
}

// HasPendingChanges reports whether the form was edited since it was last
// seeded or submitted.
func (c *FormCard) HasPendingChanges() bool {
	return c.ctrl.HasPendingChanges()
}

// SetValue replaces the form value with one supplied by the host.
func (c *FormCard) SetValue(v model.FormValue) {
	c.ctrl.SetValue(v)
}

// Value returns the current form value.
func (c *FormCard) Value() model.FormValue {
	return c.ctrl.Current()
}

// Submit validates the form and dispatches the save action with the
// processed value of every field. Only one submit runs at a time.
func (c *FormCard) Submit(ctx context.Context) (model.ServiceCall, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		c.recordSubmit(submitBusy)
		return model.ServiceCall{}, model.NewConflictError("a submit is already in progress")
	}
	c.busy = true
	c.lastErr = ""
	cfg := c.cfg
	cfgTree := c.cfgTree
	c.mu.Unlock()

	call, err := c.submit(ctx, cfg, cfgTree)

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
	return call, err
}

func (c *FormCard) submit(ctx context.Context, cfg model.CardConfig, cfgTree map[string]any) (model.ServiceCall, error) {
	if cfg.SaveAction == nil {
		return model.ServiceCall{}, nil
	}

	data := make(map[string]any)
	var missing []model.FieldError
	for _, f := range c.Fields() {
		data[f.Key] = f.Value
		if f.Required && isBlank(f.Value) {
			missing = append(missing, model.FieldError{
				Field:   f.Key,
				Code:    model.ErrFieldRequired,
				Message: fmt.Sprintf("%s is required", f.Name),
			})
		}
	}
	if len(missing) > 0 {
		c.logger.Warn("submit rejected", zap.Int("missing_fields", len(missing)))
		c.recordSubmit(submitInvalid)
		return model.ServiceCall{}, model.NewValidationError(missing)
	}

	call, err := c.dispatcher.Dispatch(ctx, action.Request{
		Source:    c.id,
		Action:    cfg.SaveAction,
		Value:     data,
		Spread:    cfg.SpreadValuesToData,
		Config:    cfgTree,
		Variables: map[string]any{"user": c.opts.user},
		Preview:   c.opts.preview,
	})
	if err != nil {
		c.recordSubmit(submitFailure)
		return call, err
	}

	if c.opts.preview && cfg.SaveAction.IsServiceCall() {
		c.mu.Lock()
		c.debug = &call
		c.mu.Unlock()
	}
	c.ctrl.Commit()
	c.recordSubmit(submitSuccess)
	c.logger.Info("card submitted", zap.String("service", cfg.SaveAction.ServiceID()))
	return call, nil
}

func (c *FormCard) recordSubmit(status string) {
	if c.opts.metrics != nil {
		c.opts.metrics.RecordCardSubmit(status)
	}
}

// Status describes the submit control.
func (c *FormCard) Status() model.CardStatus {
	pending := c.ctrl.HasPendingChanges()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return model.CardStatus{
		Busy:    c.busy,
		Error:   c.lastErr,
		Pending: pending,
		Debug:   c.debug,
	}
}

// View returns everything needed to draw the card.
func (c *FormCard) View() model.CardView {
	return model.CardView{
		ID:        c.id,
		Title:     c.Title(),
		Fields:    c.Fields(),
		SaveLabel: c.SaveLabel(),
		Value:     c.ctrl.Current(),
		Status:    c.Status(),
	}
}

// Config returns the active configuration.
func (c *FormCard) Config() model.CardConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Subscriptions exposes the card's subscription manager for diagnostics.
func (c *FormCard) Subscriptions() *subscription.Manager {
	return c.subs
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
