package action

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/formcard/internal/hass/hasstest"
	"github.com/pitabwire/formcard/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int) (*BreakerCaller, *hasstest.ServiceCaller, *fakeClock) {
	caller := &hasstest.ServiceCaller{}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakerCaller(caller, failures, successes, time.Minute)
	b.now = clock.now
	return b, caller, clock
}

var lightOn = model.ServiceCall{Domain: "light", Service: "turn_on"}

func TestBreakerCaller_startsClosedPassesThrough(t *testing.T) {
	b, caller, _ := newTestBreaker(3, 2)

	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.CallService(context.Background(), lightOn); err != nil {
		t.Errorf("CallService() error = %v, want nil", err)
	}
	if n := len(caller.Calls()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestBreakerCaller_opensAfterConsecutiveTimeouts(t *testing.T) {
	b, caller, _ := newTestBreaker(3, 2)
	caller.Fail(model.NewBackendTimeoutError())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.CallService(ctx, lightOn)
	}
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state after 3 timeouts = %v, want open", s)
	}

	err := b.CallService(ctx, lightOn)
	if model.CodeOf(err) != model.ErrBackendUnavailable {
		t.Errorf("CallService() error = %v, want BACKEND_UNAVAILABLE", err)
	}
	if n := len(caller.Calls()); n != 3 {
		t.Errorf("calls = %d, an open breaker must not reach the backend", n)
	}
}

func TestBreakerCaller_service_errors_do_not_trip(t *testing.T) {
	b, caller, _ := newTestBreaker(1, 1)
	caller.Fail(model.NewHassError(model.HassErrServiceError, "entity unavailable"))

	for i := 0; i < 5; i++ {
		err := b.CallService(context.Background(), lightOn)
		if model.CodeOf(err) != model.HassErrServiceError {
			t.Fatalf("CallService() error = %v, want the service error unchanged", err)
		}
	}
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreakerCaller_successResetsFailureCount(t *testing.T) {
	b, caller, _ := newTestBreaker(3, 2)
	ctx := context.Background()

	caller.Fail(model.NewBackendTimeoutError())
	_ = b.CallService(ctx, lightOn)
	_ = b.CallService(ctx, lightOn)
	caller.Fail(nil)
	_ = b.CallService(ctx, lightOn)
	caller.Fail(model.NewBackendTimeoutError())
	_ = b.CallService(ctx, lightOn)
	_ = b.CallService(ctx, lightOn)

	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestBreakerCaller_halfOpen_recovery(t *testing.T) {
	tests := []struct {
		name   string
		probes []error
		want   BreakerState
	}{
		{name: "one success stays half-open", probes: []error{nil}, want: BreakerHalfOpen},
		{name: "two successes close", probes: []error{nil, nil}, want: BreakerClosed},
		{name: "failure reopens", probes: []error{model.NewBackendTimeoutError()}, want: BreakerOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, caller, clock := newTestBreaker(1, 2)
			ctx := context.Background()

			caller.Fail(model.NewBackendUnavailableError("gone"))
			_ = b.CallService(ctx, lightOn)
			if s := b.State(); s != BreakerOpen {
				t.Fatalf("state = %v, want open", s)
			}

			clock.advance(time.Minute)
			if s := b.State(); s != BreakerHalfOpen {
				t.Fatalf("state after timeout = %v, want half-open", s)
			}

			for _, err := range tt.probes {
				caller.Fail(err)
				_ = b.CallService(ctx, lightOn)
			}
			if s := b.State(); s != tt.want {
				t.Errorf("state = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestBreakerCaller_defaultValues(t *testing.T) {
	b := NewBreakerCaller(&hasstest.ServiceCaller{}, 0, 0, 0)
	if b.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", b.failureThreshold)
	}
	if b.successThreshold != 2 {
		t.Errorf("successThreshold = %d, want 2", b.successThreshold)
	}
	if b.openTimeout != 30*time.Second {
		t.Errorf("openTimeout = %v, want 30s", b.openTimeout)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
