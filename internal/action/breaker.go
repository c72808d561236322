package action

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/formcard/model"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts timeouts.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls immediately.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerCaller guards a ServiceCaller with a circuit breaker. Only calls
// that time out or find the connection gone count as failures: an error
// reported by Home Assistant means the backend is answering.
//
// After FailureThreshold consecutive failures the breaker opens and calls
// fail fast with BACKEND_UNAVAILABLE. Once OpenTimeout has passed, calls
// probe the backend; SuccessThreshold consecutive successes close it again
// and any failure reopens it.
type BreakerCaller struct {
	next             ServiceCaller
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreakerCaller wraps next. Non-positive settings fall back to 5
// failures, 2 successes and 30 seconds.
func NewBreakerCaller(next ServiceCaller, failureThreshold, successThreshold int, openTimeout time.Duration) *BreakerCaller {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &BreakerCaller{
		next:             next,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		now:              time.Now,
	}
}

// CallService implements ServiceCaller.
func (b *BreakerCaller) CallService(ctx context.Context, call model.ServiceCall) error {
	if !b.allow() {
		return model.NewBackendUnavailableError("service calls suspended after repeated failures")
	}
	err := b.next.CallService(ctx, call)
	switch model.CodeOf(err) {
	case model.ErrBackendTimeout, model.ErrBackendUnavailable:
		b.recordFailure()
	default:
		if ctx.Err() == nil {
			b.recordSuccess()
		}
	}
	return err
}

// State returns the current state.
func (b *BreakerCaller) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *BreakerCaller) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state != BreakerOpen
}

// advance moves an expired open breaker to half-open. Callers hold mu.
func (b *BreakerCaller) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

func (b *BreakerCaller) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *BreakerCaller) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

func (b *BreakerCaller) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}
