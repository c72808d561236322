// Package action resolves configured service-call actions and dispatches
// them to Home Assistant.
package action

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/internal/template"
	"github.com/pitabwire/formcard/model"
)

// SpreadPolicy decides how submitted values merge into service data.
type SpreadPolicy string

const (
	// SpreadFillGaps only adds value keys the service data does not have.
	SpreadFillGaps SpreadPolicy = "fill_gaps"
	// SpreadOverwrite lets value keys replace service data.
	SpreadOverwrite SpreadPolicy = "overwrite"
)

// ServiceCaller performs a Home Assistant service call.
type ServiceCaller interface {
	CallService(ctx context.Context, call model.ServiceCall) error
}

// EventSink receives boundary events.
type EventSink interface {
	Emit(ctx context.Context, ev model.Event)
}

// Observer receives dispatch outcomes.
type Observer interface {
	OnActionDispatched(ctx context.Context, ev DispatchEvent)
}

// DispatchEvent describes one dispatch.
type DispatchEvent struct {
	Source   string        `json:"source"`
	Service  string        `json:"service"`
	Preview  bool          `json:"preview"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Request is one action to dispatch.
type Request struct {
	// Source names the card or row dispatching.
	Source string
	Action *model.ActionConfig
	// Value is the submitted form data, or the single value of a row.
	Value any
	// Single selects the single-value shape used by entity rows.
	Single bool
	// Spread enables spreading Value into the service data.
	Spread bool
	// Config is the active configuration, exposed to templates as "config".
	Config any
	// Variables are extra template variables such as user and entity.
	Variables map[string]any
	// Preview emits the call as an event instead of performing it.
	Preview bool
}

// Dispatcher resolves and performs actions.
type Dispatcher struct {
	renderer  subscription.Renderer
	caller    ServiceCaller
	sink      EventSink
	logger    *zap.Logger
	observers []Observer
	scanner   *template.Scanner
	spread    SpreadPolicy
	preview   bool
	strict    bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithEventSink sets where preview events go.
func WithEventSink(sink EventSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithObserver adds a dispatch observer.
func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs) }
}

// WithSpreadPolicy sets the spread policy. Defaults to SpreadFillGaps.
func WithSpreadPolicy(p SpreadPolicy) Option {
	return func(d *Dispatcher) { d.spread = p }
}

// WithPreview makes every dispatch a preview.
func WithPreview(preview bool) Option {
	return func(d *Dispatcher) { d.preview = preview }
}

// WithPredicate sets how templated data entries are recognized.
func WithPredicate(p template.Predicate) Option {
	return func(d *Dispatcher) { d.scanner.Predicate = p }
}

// WithStrict sets the strict flag of one-shot renders.
func WithStrict(strict bool) Option {
	return func(d *Dispatcher) { d.strict = strict }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(renderer subscription.Renderer, caller ServiceCaller, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		renderer: renderer,
		caller:   caller,
		logger:   zap.NewNop(),
		scanner:  &template.Scanner{},
		spread:   SpreadFillGaps,
		strict:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves req into a service call and performs it, or emits it as
// a preview event. Actions that are not service calls are ignored and yield
// a zero call. Errors from the service call are returned unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (model.ServiceCall, error) {
	if !req.Action.IsServiceCall() {
		return model.ServiceCall{}, nil
	}

	preview := d.preview || req.Preview
	ctx, span := observability.StartSpan(ctx, "action.dispatch",
		observability.AttrSource.String(req.Source),
		observability.AttrServiceID.String(req.Action.ServiceID()),
		attribute.Bool("formcard.preview", preview),
	)
	start := time.Now()

	call, err := d.dispatch(ctx, req, preview)
	observability.EndSpanWithError(span, err)

	ev := DispatchEvent{
		Source:   req.Source,
		Service:  req.Action.ServiceID(),
		Preview:  preview,
		Success:  err == nil,
		Duration: time.Since(start),
	}
	if err != nil {
		ev.Error = err.Error()
		d.logger.Warn("action dispatch failed",
			zap.String("source", req.Source),
			zap.String("service", ev.Service),
			zap.Error(err),
		)
	}
	for _, obs := range d.observers {
		obs.OnActionDispatched(ctx, ev)
	}
	return call, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, preview bool) (model.ServiceCall, error) {
	domain, service, ok := req.Action.SplitService()
	if !ok {
		return model.ServiceCall{}, model.NewBadRequestError(
			fmt.Sprintf("invalid service %q: expected domain.service", req.Action.ServiceID()),
		)
	}

	variables := make(map[string]any, len(req.Variables)+2)
	for k, v := range req.Variables {
		variables[k] = v
	}
	variables["value"] = req.Value
	variables["config"] = req.Config

	data, err := d.resolve(ctx, req.Action.Payload(), variables)
	if err != nil {
		return model.ServiceCall{}, fmt.Errorf("resolving data: %w", err)
	}

	entityID, hasEntity := data["entity_id"]
	delete(data, "entity_id")

	var target map[string]any
	switch {
	case len(req.Action.Target) > 0:
		target, err = d.resolve(ctx, req.Action.Target, variables)
		if err != nil {
			return model.ServiceCall{}, fmt.Errorf("resolving target: %w", err)
		}
	case hasEntity && entityID != nil:
		target = map[string]any{"entity_id": entityID}
	}

	if req.Spread {
		d.spreadValue(data, req.Value, req.Single)
	}

	call := model.ServiceCall{Domain: domain, Service: service, Data: data, Target: target}

	if preview {
		d.logger.Debug("action preview",
			zap.String("source", req.Source),
			zap.Any("data", observability.RedactBody(data, nil)),
		)
		if d.sink != nil {
			d.sink.Emit(ctx, model.Event{Type: model.EventSubmitAction, Source: req.Source, Payload: call})
		}
		return call, nil
	}

	d.logger.Debug("calling service",
		zap.String("source", req.Source),
		zap.String("domain", domain),
		zap.String("service", service),
		zap.Any("data", observability.RedactBody(data, nil)),
	)
	return call, d.caller.CallService(ctx, call)
}

// resolve renders every templated string entry of m one-shot, concurrently.
// Other entries pass through. The result is a new map.
func (d *Dispatcher) resolve(ctx context.Context, m map[string]any, variables map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	var pending []string
	for k, v := range m {
		if s, ok := v.(string); ok && d.scanner.IsTemplate(s) {
			pending = append(pending, k)
			continue
		}
		out[k] = v
	}
	if len(pending) == 0 {
		return out, nil
	}

	results := make([]any, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range pending {
		tmpl := m[k].(string)
		g.Go(func() error {
			v, err := subscription.RenderOnce(gctx, d.renderer, subscription.RenderRequest{
				Template:  tmpl,
				Variables: variables,
				Strict:    d.strict,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, k := range pending {
		out[k] = results[i]
	}
	return out, nil
}

func (d *Dispatcher) spreadValue(data map[string]any, value any, single bool) {
	if single {
		if _, ok := data["value"]; !ok {
			data["value"] = value
		}
		return
	}
	values, ok := value.(map[string]any)
	if !ok {
		return
	}
	for k, v := range values {
		if _, exists := data[k]; exists && d.spread != SpreadOverwrite {
			continue
		}
		data[k] = v
	}
}
