// Package form tracks the user-edited value of a form against the baseline
// it was seeded with.
package form

import (
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pitabwire/formcard/model"
)

// ChangeFunc receives the current value after an edit or a reset.
type ChangeFunc func(model.FormValue)

// Controller holds the current and initial value of one form. The two are
// always independent copies. It is safe for concurrent use.
type Controller struct {
	mu            sync.RWMutex
	current       model.FormValue
	initial       model.FormValue
	resetOnSubmit bool
	onChange      ChangeFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithOnChange registers the value-changed hook.
func WithOnChange(fn ChangeFunc) Option {
	return func(c *Controller) { c.onChange = fn }
}

// NewController creates a Controller holding an empty value.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		current: model.NewFormValue(),
		initial: model.NewFormValue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetConfig reseeds the value from the fields' raw declared defaults and
// takes a new baseline.
func (c *Controller) SetConfig(fields []model.FieldConfig, resetOnSubmit bool) {
	v := model.NewFormValue()
	for _, f := range fields {
		if d := f.DeclaredDefault(); d != nil {
			v.Data[f.Key] = normalize(d)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetOnSubmit = resetOnSubmit
	c.current = v
	c.initial = clone(v)
}

// SetValue replaces both the current value and the baseline with a value
// supplied by the host.
func (c *Controller) SetValue(v model.FormValue) {
	if v.Action == "" {
		v.Action = model.DefaultFormAction
	}
	v.Data = normalizeMap(v.Data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = clone(v)
	c.initial = clone(v)
}

// FieldValue returns the value to show for key. A value the user edited
// away from the baseline wins, null included; otherwise resolved, the
// field's rendered default, is returned. A value set by the host is a
// baseline, so it does not take precedence over resolved.
func (c *Controller) FieldValue(key string, resolved any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.current.Data[key]
	if ok && !cmp.Equal(v, c.initial.Data[key], cmpopts.EquateEmpty()) {
		return cloneAny(v)
	}
	return resolved
}

// Input records a user edit of key. The data map is replaced, never
// updated in place.
func (c *Controller) Input(key string, value any) {
	c.mu.Lock()
	data := make(map[string]any, len(c.current.Data)+1)
	for k, v := range c.current.Data {
		data[k] = v
	}
	data[key] = normalize(value)
	c.current = model.FormValue{Action: c.current.Action, Data: data}
	snapshot := clone(c.current)
	c.mu.Unlock()

	c.changed(snapshot)
}

// HasPendingChanges reports whether the current value differs structurally
// from the baseline.
func (c *Controller) HasPendingChanges() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !cmp.Equal(c.current, c.initial, cmpopts.EquateEmpty())
}

// Reset discards all edits.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.current = clone(c.initial)
	snapshot := clone(c.current)
	c.mu.Unlock()

	c.changed(snapshot)
}

// Commit marks a successful submit. Depending on the reset-on-submit policy
// it either discards edits or makes them the new baseline.
func (c *Controller) Commit() {
	c.mu.RLock()
	reset := c.resetOnSubmit
	c.mu.RUnlock()
	if reset {
		c.Reset()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.initial = clone(c.current)
}

// Current returns a copy of the current value.
func (c *Controller) Current() model.FormValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.current)
}

// Initial returns a copy of the baseline.
func (c *Controller) Initial() model.FormValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.initial)
}

func (c *Controller) changed(v model.FormValue) {
	if c.onChange != nil {
		c.onChange(v)
	}
}
