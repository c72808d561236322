package card

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/formcard/internal/action"
	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/internal/template"
	"github.com/pitabwire/formcard/model"
)

// RowOptions lists the entity row members that are bound to live template
// subscriptions.
var RowOptions = []string{"icon", "name", "value", "entity", "label", "description", "color", "state"}

// EntityRow is one live single-value entity row.
type EntityRow struct {
	id         string
	renderer   subscription.Renderer
	dispatcher Dispatcher
	opts       options
	logger     *zap.Logger
	subs       *subscription.Manager
	scanner    *template.Scanner

	configMu sync.Mutex

	mu        sync.RWMutex
	cfg       model.RowConfig
	cfgTree   map[string]any
	optTree   map[string]any
	sites     []template.Site
	selector  map[string]any
	connected bool
	debug     *model.ServiceCall
}

// NewEntityRow creates an unconfigured row.
func NewEntityRow(id string, renderer subscription.Renderer, dispatcher Dispatcher, opts ...Option) *EntityRow {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r := &EntityRow{
		id:         id,
		renderer:   renderer,
		dispatcher: dispatcher,
		opts:       o,
		logger:     o.logger.With(zap.String("row_id", id)),
		scanner:    &template.Scanner{Predicate: o.predicate},
		cfgTree:    map[string]any{},
		optTree:    map[string]any{},
	}
	r.subs = newManager(id, renderer, &r.opts)
	return r
}

// ID returns the row id.
func (r *EntityRow) ID() string {
	return r.id
}

// SetConfig replaces the configuration. An option whose template changed
// is resubscribed; a changed entity resubscribes every option, since the
// entity is part of every render request.
func (r *EntityRow) SetConfig(ctx context.Context, cfg model.RowConfig) error {
	r.configMu.Lock()
	defer r.configMu.Unlock()

	cfgTree, err := model.ToMap(cfg)
	if err != nil {
		return fmt.Errorf("row %s: %w", r.id, err)
	}
	optTree := make(map[string]any, len(RowOptions))
	for _, name := range RowOptions {
		if v, ok := cfgTree[name]; ok {
			optTree[name] = v
		}
	}
	sites := r.scanner.Scan(optTree)

	r.mu.RLock()
	oldSites := r.sites
	oldEntity := r.cfg.Entity
	r.mu.RUnlock()

	stale := template.Diff(oldSites, sites)
	if oldEntity != cfg.Entity {
		stale = oldSites
	}
	errs := make([]error, len(stale))
	var g errgroup.Group
	for i, s := range stale {
		g.Go(func() error {
			errs[i] = r.subs.Disconnect(ctx, template.KeyFor("", s.Path))
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("tearing down replaced templates", zap.Error(err))
	}

	r.mu.Lock()
	r.cfg = cfg
	r.cfgTree = cfgTree
	r.optTree = optTree
	r.sites = sites
	r.selector = cfg.Selector
	r.debug = nil
	connected := r.connected
	r.mu.Unlock()

	r.logger.Info("row configured", zap.String("entity", cfg.Entity), zap.Int("templates", len(sites)))
	if connected {
		return r.connect(ctx)
	}
	return nil
}

// Connect subscribes every templated option and renders the selector.
func (r *EntityRow) Connect(ctx context.Context) error {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return r.connect(ctx)
}

// Close tears down every subscription.
func (r *EntityRow) Close(ctx context.Context) error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return r.subs.Close(ctx)
}

func (r *EntityRow) connect(ctx context.Context) error {
	r.mu.RLock()
	cfg := r.cfg
	cfgTree := r.cfgTree
	sites := r.sites
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sites {
		req := r.request(s.Template, cfg.Entity, cfgTree)
		g.Go(func() error {
			return r.subs.Connect(gctx, template.KeyFor("", s.Path), req)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, subscription.ErrClosed) {
		return fmt.Errorf("row %s: connecting templates: %w", r.id, err)
	}

	r.renderSelector(ctx, cfg, cfgTree)
	return nil
}

// renderSelector renders the templated strings of the selector once. A
// failed render keeps the selector as configured.
func (r *EntityRow) renderSelector(ctx context.Context, cfg model.RowConfig, cfgTree map[string]any) {
	if len(r.scanner.Scan(cfg.Selector)) == 0 {
		return
	}
	rendered, err := template.ApplyToStrings(ctx, cfg.Selector, func(ctx context.Context, s string) (any, error) {
		if !r.scanner.IsTemplate(s) {
			return s, nil
		}
		return subscription.RenderOnce(ctx, r.renderer, r.request(s, cfg.Entity, cfgTree))
	})
	if err != nil {
		r.logger.Warn("rendering selector", zap.Error(err))
		return
	}
	selector, ok := rendered.(map[string]any)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.Entity == cfg.Entity {
		r.selector = selector
	}
}

func (r *EntityRow) request(tmpl, entity string, cfgTree map[string]any) subscription.RenderRequest {
	req := subscription.RenderRequest{
		Template: tmpl,
		Variables: map[string]any{
			"config": cfgTree,
			"user":   r.opts.user,
			"entity": entity,
		},
		Strict:       r.opts.strict,
		ReportErrors: r.opts.reportErrors,
	}
	if entity != "" {
		req.EntityIDs = []string{entity}
	}
	return req
}

// View returns the rendered row.
func (r *EntityRow) View() model.RowView {
	r.mu.RLock()
	optTree := r.optTree
	selector := r.selector
	r.mu.RUnlock()

	opts, _ := r.scanner.Materialize("", optTree, r.subs).(map[string]any)
	entityID := model.Text(opts["entity"])
	st, hasState := r.opts.state(entityID)

	name := firstNonEmpty(model.Text(opts["name"]), model.Text(opts["label"]))
	if name == "" && hasState {
		name = st.FriendlyName()
	}
	if name == "" {
		name = entityID
	}

	icon := model.Text(opts["icon"])
	if icon == "" && hasState {
		icon = st.Icon()
	}

	state := model.Text(opts["state"])
	if state == "" && hasState {
		state = st.State
	}
	value, ok := opts["value"]
	if !ok || value == nil {
		value = state
	}

	return model.RowView{
		ID:          r.id,
		Entity:      entityID,
		Name:        name,
		Icon:        icon,
		Description: model.Text(opts["description"]),
		Color:       model.Text(opts["color"]),
		State:       state,
		Selector:    selector,
		Value:       value,
	}
}

// Input records a new row value: it emits value-changed and dispatches the
// change action with the single value.
func (r *EntityRow) Input(ctx context.Context, value any) (model.ServiceCall, error) {
	r.mu.RLock()
	cfg := r.cfg
	cfgTree := r.cfgTree
	r.mu.RUnlock()

	r.opts.emit(ctx, model.Event{
		Type:    model.EventValueChanged,
		Source:  r.id,
		Payload: map[string]any{"value": value},
	})
	if !cfg.ChangeAction.IsServiceCall() {
		return model.ServiceCall{}, nil
	}

	call, err := r.dispatcher.Dispatch(ctx, action.Request{
		Source:    r.id,
		Action:    cfg.ChangeAction,
		Value:     value,
		Single:    true,
		Spread:    cfg.SpreadValuesToData,
		Config:    cfgTree,
		Variables: map[string]any{"user": r.opts.user, "entity": cfg.Entity},
		Preview:   r.opts.preview,
	})
	if err != nil {
		return call, err
	}
	if r.opts.preview {
		r.mu.Lock()
		r.debug = &call
		r.mu.Unlock()
	}
	return call, nil
}

// Debug returns the service call of the last preview dispatch.
func (r *EntityRow) Debug() *model.ServiceCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.debug
}

// Config returns the active configuration.
func (r *EntityRow) Config() model.RowConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Subscriptions exposes the row's subscription manager for diagnostics.
func (r *EntityRow) Subscriptions() *subscription.Manager {
	return r.subs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
