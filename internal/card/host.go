package card

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/model"
)

// Host owns the live cards and rows, keyed by definition id.
type Host struct {
	renderer   subscription.Renderer
	dispatcher Dispatcher
	optFns     []Option
	opts       options

	mu     sync.RWMutex
	cards  map[string]*FormCard
	rows   map[string]*EntityRow
	closed bool
}

// NewHost creates an empty Host. opts are applied to every card and row it
// builds.
func NewHost(renderer subscription.Renderer, dispatcher Dispatcher, opts ...Option) *Host {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Host{
		renderer:   renderer,
		dispatcher: dispatcher,
		optFns:     opts,
		opts:       o,
		cards:      make(map[string]*FormCard),
		rows:       make(map[string]*EntityRow),
	}
}

// Apply reconciles the live instances with a set of definitions: existing
// instances get the new configuration, new ones are built and connected and
// instances without a definition are closed.
func (h *Host) Apply(ctx context.Context, cards []model.CardDefinition, rows []model.RowDefinition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("host closed")
	}

	var errs []error

	wantCards := make(map[string]bool, len(cards))
	for _, def := range cards {
		wantCards[def.ID] = true
		c, ok := h.cards[def.ID]
		if !ok {
			c = NewFormCard(def.ID, h.renderer, h.dispatcher, h.optFns...)
		}
		if err := c.SetConfig(ctx, def.Config); err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			continue
		}
		if err := c.Connect(ctx); err != nil {
			errs = append(errs, err)
		}
		h.cards[def.ID] = c
		h.track(KindCard, 1)
	}
	for id, c := range h.cards {
		if wantCards[id] {
			continue
		}
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing card %s: %w", id, err))
		}
		delete(h.cards, id)
		h.track(KindCard, -1)
	}

	wantRows := make(map[string]bool, len(rows))
	for _, def := range rows {
		wantRows[def.ID] = true
		r, ok := h.rows[def.ID]
		if !ok {
			r = NewEntityRow(def.ID, h.renderer, h.dispatcher, h.optFns...)
		}
		if err := r.SetConfig(ctx, def.Config); err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			continue
		}
		if err := r.Connect(ctx); err != nil {
			errs = append(errs, err)
		}
		h.rows[def.ID] = r
		h.track(KindRow, 1)
	}
	for id, r := range h.rows {
		if wantRows[id] {
			continue
		}
		if err := r.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing row %s: %w", id, err))
		}
		delete(h.rows, id)
		h.track(KindRow, -1)
	}

	h.opts.logger.Info("definitions applied",
		zap.Int("cards", len(h.cards)),
		zap.Int("rows", len(h.rows)),
	)
	return errors.Join(errs...)
}

func (h *Host) track(kind string, delta float64) {
	if h.opts.metrics != nil {
		h.opts.metrics.AddCardsActive(kind, delta)
	}
}

// Card returns the card with id.
func (h *Host) Card(id string) (*FormCard, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.cards[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("card %q not found", id))
	}
	return c, nil
}

// Row returns the row with id.
func (h *Host) Row(id string) (*EntityRow, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rows[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("row %q not found", id))
	}
	return r, nil
}

// CardIDs returns the sorted ids of every card.
func (h *Host) CardIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.cards))
	for id := range h.cards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RowIDs returns the sorted ids of every row.
func (h *Host) RowIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rows))
	for id := range h.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every card and row.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true

	var errs []error
	for id, c := range h.cards {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing card %s: %w", id, err))
		}
		h.track(KindCard, -1)
	}
	for id, r := range h.rows {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing row %s: %w", id, err))
		}
		h.track(KindRow, -1)
	}
	h.cards = make(map[string]*FormCard)
	h.rows = make(map[string]*EntityRow)
	return errors.Join(errs...)
}
