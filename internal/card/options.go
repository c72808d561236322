// Package card hosts form cards and entity rows: it binds their
// configuration to live template subscriptions, tracks form state and
// dispatches their actions.
package card

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/action"
	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/internal/template"
	"github.com/pitabwire/formcard/model"
)

// Instance kinds, used as metric labels.
const (
	KindCard = "card"
	KindRow  = "row"
)

// Dispatcher resolves and performs configured actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, req action.Request) (model.ServiceCall, error)
}

// StateSource gives synchronous access to entity states.
type StateSource interface {
	State(entityID string) (model.EntityState, bool)
}

type options struct {
	logger       *zap.Logger
	metrics      *observability.Metrics
	sink         action.EventSink
	states       StateSource
	user         string
	predicate    template.Predicate
	strict       bool
	reportErrors bool
	preview      bool
}

func defaultOptions() options {
	return options{
		logger:    zap.NewNop(),
		predicate: template.ContainsJinja,
		strict:    true,
	}
}

// Option configures cards, rows and the Host that builds them.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records subscription, submit and instance metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEventSink sets where boundary events are emitted.
func WithEventSink(sink action.EventSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithStates sets the entity state source used for display fallbacks.
func WithStates(states StateSource) Option {
	return func(o *options) { o.states = states }
}

// WithUser sets the user name exposed to templates as "user".
func WithUser(name string) Option {
	return func(o *options) { o.user = name }
}

// WithPredicate sets how template strings are recognized.
func WithPredicate(p template.Predicate) Option {
	return func(o *options) {
		if p != nil {
			o.predicate = p
		}
	}
}

// WithStrict sets the strict flag of template subscriptions.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// WithReportErrors asks the renderer to push render errors.
func WithReportErrors(report bool) Option {
	return func(o *options) { o.reportErrors = report }
}

// WithPreview makes submits and change actions emit their service call
// instead of performing it.
func WithPreview(preview bool) Option {
	return func(o *options) { o.preview = preview }
}

func (o *options) emit(ctx context.Context, ev model.Event) {
	if o.sink != nil {
		o.sink.Emit(ctx, ev)
	}
}

func (o *options) state(entityID string) (model.EntityState, bool) {
	if o.states == nil || entityID == "" {
		return model.EntityState{}, false
	}
	return o.states.State(entityID)
}
