package card

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/model"
)

const clientBuffer = 64

// Hub fans boundary events out to every subscribed client. Emit never
// blocks: a client whose buffer is full misses the event.
type Hub struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	clients map[chan model.Event]struct{}
}

// NewHub creates a Hub. metrics may be nil.
func NewHub(logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		metrics: metrics,
		clients: make(map[chan model.Event]struct{}),
	}
}

// Subscribe registers a client. The returned cancel func unregisters it and
// closes the channel.
func (h *Hub) Subscribe() (<-chan model.Event, func()) {
	ch := make(chan model.Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.AddEventClients(1)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
			if h.metrics != nil {
				h.metrics.AddEventClients(-1)
			}
		})
	}
}

// Emit implements action.EventSink.
func (h *Hub) Emit(_ context.Context, ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("event client too slow, dropping event",
				zap.String("type", ev.Type),
				zap.String("source", ev.Source),
			)
		}
	}
}

// Clients returns how many clients are subscribed.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
