// Package subscription owns the live template subscriptions of one card or
// row instance and caches their latest rendered results.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/formcard/internal/template"
	"github.com/pitabwire/formcard/model"
)

// Per-key lifecycle states.
const (
	StateUnsubscribed  = "unsubscribed"
	StateConnecting    = "connecting"
	StateActive        = "active"
	StateDisconnecting = "disconnecting"
)

const (
	eventConnect     = "connect"
	eventEstablished = "established"
	eventFail        = "fail"
	eventDisconnect  = "disconnect"
	eventTornDown    = "torn_down"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("subscription manager closed")

// Unsubscribe tears down one subscription.
type Unsubscribe func(ctx context.Context) error

// RenderRequest is the payload of a template subscription.
type RenderRequest struct {
	Template     string
	EntityIDs    []string
	Variables    map[string]any
	Strict       bool
	ReportErrors bool
}

// Renderer opens template subscriptions against the rendering service.
// onResult may be called any number of times after a successful subscribe,
// including before SubscribeTemplate returns.
type Renderer interface {
	SubscribeTemplate(ctx context.Context, req RenderRequest, onResult func(model.TemplateResult)) (Unsubscribe, error)
}

// Event kinds reported to observers.
const (
	KindSubscribe = "subscribe"
	KindTeardown  = "teardown"
	KindResult    = "result"
)

// Event outcomes reported to observers.
const (
	OutcomeOK        = "ok"
	OutcomeFallback  = "fallback"
	OutcomeSwallowed = "swallowed"
	OutcomeError     = "error"
	OutcomeStale     = "stale"
)

// Event describes one subscription lifecycle step.
type Event struct {
	Owner   string
	Key     template.Key
	Kind    string
	Outcome string
	Err     error
}

// Observer receives subscription lifecycle events.
type Observer interface {
	OnSubscriptionEvent(ctx context.Context, ev Event)
}

type cached struct {
	template string
	result   model.TemplateResult
}

type entry struct {
	key      template.Key
	template string
	machine  *fsm.FSM
	unsub    Unsubscribe
	// ready is closed once the subscribe handshake has finished either way.
	ready chan struct{}
	// done is closed once the entry left the registry.
	done chan struct{}
}

func newEntry(key template.Key, tmpl string) *entry {
	return &entry{
		key:      key,
		template: tmpl,
		machine: fsm.NewFSM(
			StateUnsubscribed,
			fsm.Events{
				{Name: eventConnect, Src: []string{StateUnsubscribed}, Dst: StateConnecting},
				{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateActive},
				{Name: eventFail, Src: []string{StateConnecting}, Dst: StateUnsubscribed},
				{Name: eventDisconnect, Src: []string{StateConnecting, StateActive}, Dst: StateDisconnecting},
				{Name: eventTornDown, Src: []string{StateDisconnecting}, Dst: StateUnsubscribed},
			},
			fsm.Callbacks{},
		),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (e *entry) state() string {
	return e.machine.Current()
}

// fire applies a lifecycle event. Transitions are only attempted from
// states that allow them, so an error here is a programming bug. The
// machine runs detached from request contexts so a cancelled caller cannot
// leave an entry half-transitioned.
func (e *entry) fire(event string) {
	if err := e.machine.Event(context.Background(), event); err != nil {
		panic(fmt.Sprintf("subscription %s: %s from %s: %v", e.key, event, e.state(), err))
	}
}

// Manager keeps at most one subscription per key. It is safe for
// concurrent use.
type Manager struct {
	renderer  Renderer
	logger    *zap.Logger
	owner     string
	observers []Observer

	mu      sync.Mutex
	entries map[template.Key]*entry
	cache   map[template.Key]cached
	closed  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithOwner names the card or row the manager belongs to.
func WithOwner(owner string) Option {
	return func(m *Manager) { m.owner = owner }
}

// WithObserver adds a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, obs) }
}

// NewManager creates a Manager that subscribes through renderer.
func NewManager(renderer Renderer, opts ...Option) *Manager {
	m := &Manager{
		renderer: renderer,
		logger:   zap.NewNop(),
		entries:  make(map[template.Key]*entry),
		cache:    make(map[template.Key]cached),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("owner", m.owner))
	return m
}

// Connect opens a subscription for key unless one is already connecting or
// active. A teardown of the same key still in flight is awaited first.
//
// A rejected subscribe is not an error: the literal template text is cached
// as the result and the key is released so a later Connect can retry. Only
// context and closed-manager errors are returned.
func (m *Manager) Connect(ctx context.Context, key template.Key, req RenderRequest) error {
	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		e, ok := m.entries[key]
		if !ok {
			break
		}
		if e.state() != StateDisconnecting {
			m.mu.Unlock()
			return nil
		}
		done := e.done
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}

	e := newEntry(key, req.Template)
	e.fire(eventConnect)
	m.entries[key] = e
	m.mu.Unlock()

	unsub, err := m.renderer.SubscribeTemplate(ctx, req, func(r model.TemplateResult) {
		m.deliver(e, r)
	})

	m.mu.Lock()
	if err != nil {
		m.cache[key] = cached{template: req.Template, result: model.FallbackResult(req.Template)}
		if e.state() == StateConnecting {
			e.fire(eventFail)
			delete(m.entries, key)
			close(e.done)
		}
		close(e.ready)
		m.mu.Unlock()

		m.logger.Warn("template subscription rejected",
			zap.String("key", key.String()),
			zap.String("template", req.Template),
			zap.Error(err),
		)
		m.notify(ctx, Event{Key: key, Kind: KindSubscribe, Outcome: OutcomeFallback, Err: err})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return nil
	}

	e.unsub = unsub
	if e.state() == StateConnecting {
		e.fire(eventEstablished)
	}
	close(e.ready)
	m.mu.Unlock()

	m.logger.Debug("template subscribed", zap.String("key", key.String()))
	m.notify(ctx, Event{Key: key, Kind: KindSubscribe, Outcome: OutcomeOK})
	return nil
}

// Disconnect tears down the subscription of key. It awaits an in-flight
// handshake first. Teardown failures meaning the subscription is already
// gone are swallowed; other failures are returned, but the key is released
// either way. Cached results are kept.
func (m *Manager) Disconnect(ctx context.Context, key template.Key) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if e.state() == StateDisconnecting {
		done := e.done
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.fire(eventDisconnect)
	m.mu.Unlock()

	// The handshake is bounded by the connecting caller's context.
	<-e.ready

	var err error
	if e.unsub != nil {
		err = e.unsub(ctx)
	}

	m.mu.Lock()
	e.fire(eventTornDown)
	if m.entries[key] == e {
		delete(m.entries, key)
	}
	close(e.done)
	m.mu.Unlock()

	switch {
	case err == nil:
		m.notify(ctx, Event{Key: key, Kind: KindTeardown, Outcome: OutcomeOK})
		return nil
	case model.IsTeardownIgnorable(err):
		m.logger.Debug("template subscription already gone",
			zap.String("key", key.String()),
			zap.Error(err),
		)
		m.notify(ctx, Event{Key: key, Kind: KindTeardown, Outcome: OutcomeSwallowed, Err: err})
		return nil
	default:
		m.logger.Error("template unsubscribe failed",
			zap.String("key", key.String()),
			zap.Error(err),
		)
		m.notify(ctx, Event{Key: key, Kind: KindTeardown, Outcome: OutcomeError, Err: err})
		return fmt.Errorf("unsubscribe %s: %w", key, err)
	}
}

// DisconnectAll tears down every registered key concurrently and joins the
// failures.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	keys := m.Keys()
	errs := make([]error, len(keys))

	var g errgroup.Group
	for i, key := range keys {
		g.Go(func() error {
			errs[i] = m.Disconnect(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close disconnects everything, clears the cache and rejects further
// connects.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.DisconnectAll(ctx)

	m.mu.Lock()
	m.cache = make(map[template.Key]cached)
	m.mu.Unlock()
	return err
}

// Lookup returns the latest rendered value cached for key, provided it was
// rendered from tmpl.
func (m *Manager) Lookup(key template.Key, tmpl string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[key]
	if !ok || c.template != tmpl || !c.result.HasResult() {
		return nil, false
	}
	return c.result.Result, true
}

// Result returns the raw cached message for key.
func (m *Manager) Result(key template.Key) (model.TemplateResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[key]
	return c.result, ok
}

// Registered reports whether key has a connecting or active subscription.
func (m *Manager) Registered(key template.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Keys returns the registered keys.
func (m *Manager) Keys() []template.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]template.Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// State returns the lifecycle state of key.
func (m *Manager) State(key template.Key) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.state()
	}
	return StateUnsubscribed
}

// deliver writes a pushed result, unless e is no longer the live entry for
// its key.
func (m *Manager) deliver(e *entry, r model.TemplateResult) {
	ctx := context.Background()

	m.mu.Lock()
	live := m.entries[e.key] == e
	if live && r.HasResult() {
		m.cache[e.key] = cached{template: e.template, result: r}
	}
	m.mu.Unlock()

	switch {
	case !live:
		m.notify(ctx, Event{Key: e.key, Kind: KindResult, Outcome: OutcomeStale})
	case !r.HasResult():
		m.logger.Warn("template render error",
			zap.String("key", e.key.String()),
			zap.String("level", r.Level),
			zap.String("error", r.Error),
		)
		m.notify(ctx, Event{Key: e.key, Kind: KindResult, Outcome: OutcomeError})
	default:
		m.logger.Debug("template result", zap.String("key", e.key.String()))
		m.notify(ctx, Event{Key: e.key, Kind: KindResult, Outcome: OutcomeOK})
	}
}

func (m *Manager) notify(ctx context.Context, ev Event) {
	ev.Owner = m.owner
	for _, obs := range m.observers {
		obs.OnSubscriptionEvent(ctx, ev)
	}
}
