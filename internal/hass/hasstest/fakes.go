// Package hasstest provides in-memory fakes of the Home Assistant
// collaborators for tests.
package hasstest

import (
	"context"
	"sort"
	"sync"

	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/model"
)

// Subscription is one template subscription opened on a Renderer.
type Subscription struct {
	Request  subscription.RenderRequest
	onResult func(model.TemplateResult)
	closed   bool
}

// Renderer is a fake template renderer. Templates with a configured value
// receive it right after subscribing; templates with a configured error are
// rejected.
type Renderer struct {
	mu             sync.Mutex
	values         map[string]any
	reject         map[string]error
	unsubscribeErr error
	subs           []*Subscription
}

// NewRenderer creates an empty Renderer.
func NewRenderer() *Renderer {
	return &Renderer{
		values: make(map[string]any),
		reject: make(map[string]error),
	}
}

// SetValue sets the rendered value of tmpl and pushes it to every open
// subscription of tmpl.
func (r *Renderer) SetValue(tmpl string, v any) {
	r.mu.Lock()
	r.values[tmpl] = v
	var targets []*Subscription
	for _, s := range r.subs {
		if !s.closed && s.Request.Template == tmpl {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.onResult(model.RenderedResult(v, &model.Listeners{}))
	}
}

// Reject makes subscribes to tmpl fail with err.
func (r *Renderer) Reject(tmpl string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject[tmpl] = err
}

// FailUnsubscribe makes every unsubscribe fail with err.
func (r *Renderer) FailUnsubscribe(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeErr = err
}

// SubscribeTemplate implements subscription.Renderer.
func (r *Renderer) SubscribeTemplate(_ context.Context, req subscription.RenderRequest, onResult func(model.TemplateResult)) (subscription.Unsubscribe, error) {
	r.mu.Lock()
	s := &Subscription{Request: req, onResult: onResult}
	r.subs = append(r.subs, s)
	if err, ok := r.reject[req.Template]; ok {
		s.closed = true
		r.mu.Unlock()
		return nil, err
	}
	v, ok := r.values[req.Template]
	r.mu.Unlock()

	if ok {
		onResult(model.RenderedResult(v, &model.Listeners{}))
	}
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		s.closed = true
		return r.unsubscribeErr
	}, nil
}

// Subscribes returns how many subscribes were attempted.
func (r *Renderer) Subscribes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// SubscribesFor returns how many subscribes were attempted for tmpl.
func (r *Renderer) SubscribesFor(tmpl string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.subs {
		if s.Request.Template == tmpl {
			n++
		}
	}
	return n
}

// Live returns the sorted templates of every open subscription.
func (r *Renderer) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.subs {
		if !s.closed {
			out = append(out, s.Request.Template)
		}
	}
	sort.Strings(out)
	return out
}

// Requests returns every subscribe request in order.
func (r *Renderer) Requests() []subscription.RenderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]subscription.RenderRequest, len(r.subs))
	for i, s := range r.subs {
		out[i] = s.Request
	}
	return out
}

// ServiceCaller records service calls.
type ServiceCaller struct {
	mu    sync.Mutex
	err   error
	calls []model.ServiceCall
}

// Fail makes every following call fail with err.
func (c *ServiceCaller) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// CallService records call.
func (c *ServiceCaller) CallService(_ context.Context, call model.ServiceCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

// Calls returns the recorded calls.
func (c *ServiceCaller) Calls() []model.ServiceCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ServiceCall(nil), c.calls...)
}

// States is an in-memory entity state store.
type States struct {
	mu     sync.RWMutex
	states map[string]model.EntityState
}

// NewStates creates a store holding states.
func NewStates(states ...model.EntityState) *States {
	s := &States{states: make(map[string]model.EntityState)}
	for _, st := range states {
		s.states[st.EntityID] = st
	}
	return s
}

// Set stores st.
func (s *States) Set(st model.EntityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.EntityID] = st
}

// State returns the state of entityID.
func (s *States) State(entityID string) (model.EntityState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entityID]
	return st, ok
}

// Sink records emitted events.
type Sink struct {
	mu     sync.Mutex
	events []model.Event
}

// Emit records ev.
func (s *Sink) Emit(_ context.Context, ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns the recorded events.
func (s *Sink) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

// OfType returns the recorded events of type typ.
func (s *Sink) OfType(typ string) []model.Event {
	var out []model.Event
	for _, ev := range s.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
