package card

import (
	"context"

	"github.com/pitabwire/formcard/internal/action"
	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/model"
)

// MetricsObserver records subscription and dispatch outcomes.
type MetricsObserver struct {
	Metrics *observability.Metrics
}

// OnSubscriptionEvent implements subscription.Observer.
func (o MetricsObserver) OnSubscriptionEvent(_ context.Context, ev subscription.Event) {
	o.Metrics.RecordSubscriptionEvent(ev.Kind, ev.Outcome)
}

// OnActionDispatched implements action.Observer.
func (o MetricsObserver) OnActionDispatched(_ context.Context, ev action.DispatchEvent) {
	o.Metrics.RecordActionDispatch(ev.Service, ev.Success, ev.Preview, ev.Duration)
}

// updateNotifier emits card-updated whenever a fresh template result lands,
// so event stream clients know to fetch the view again.
type updateNotifier struct {
	opts *options
}

func (n updateNotifier) OnSubscriptionEvent(ctx context.Context, ev subscription.Event) {
	if ev.Kind != subscription.KindResult || ev.Outcome != subscription.OutcomeOK {
		return
	}
	n.opts.emit(ctx, model.Event{
		Type:    model.EventCardUpdated,
		Source:  ev.Owner,
		Payload: map[string]any{"key": ev.Key.String()},
	})
}

func newManager(owner string, renderer subscription.Renderer, opts *options) *subscription.Manager {
	mopts := []subscription.Option{
		subscription.WithOwner(owner),
		subscription.WithLogger(opts.logger),
		subscription.WithObserver(updateNotifier{opts: opts}),
	}
	if opts.metrics != nil {
		mopts = append(mopts, subscription.WithObserver(MetricsObserver{Metrics: opts.metrics}))
	}
	return subscription.NewManager(renderer, mopts...)
}
