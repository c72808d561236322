package definition

import (
	"fmt"
	"strconv"

	"github.com/pitabwire/formcard/model"
)

// Definition-level validation codes. Field key codes live in model.
const (
	CodeRequired       = "REQUIRED"
	CodeDuplicateID    = "DUPLICATE_ID"
	CodeInvalidService = "INVALID_SERVICE"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// AsError converts validation errors into a VALIDATION_ERROR envelope, or
// nil when errs is empty.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}

// Action kinds a card may carry. Only the service call kinds are
// dispatched; the others belong to the UI and are ignored here.
var validActionKinds = map[string]bool{
	model.ActionCallService:   true,
	model.ActionPerformAction: true,
	model.ActionNone:          true,
	"navigate":                true,
	"url":                     true,
	"more-info":               true,
	"toggle":                  true,
	"fire-dom-event":          true,
}

// Validator validates card and row definitions.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including id uniqueness across files.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError
	cardIDs := make(map[string]string)
	rowIDs := make(map[string]string)

	for i, f := range files {
		prefix := fmt.Sprintf("files[%d]", i)
		if f.SourceFile != "" {
			prefix = f.SourceFile
		}
		for j, c := range f.Cards {
			cp := fmt.Sprintf("%s.cards[%d]", prefix, j)
			errs = append(errs, checkID(cp, c.ID, cardIDs)...)
			errs = append(errs, v.ValidateCard(cp, c.Config)...)
		}
		for j, r := range f.Rows {
			rp := fmt.Sprintf("%s.rows[%d]", prefix, j)
			errs = append(errs, checkID(rp, r.ID, rowIDs)...)
			errs = append(errs, v.ValidateRow(rp, r.Config)...)
		}
	}
	return errs
}

func checkID(prefix, id string, seen map[string]string) []VError {
	if id == "" {
		return []VError{{Path: prefix + ".id", Code: CodeRequired, Message: "id is required"}}
	}
	if first, dup := seen[id]; dup {
		return []VError{{
			Path:    prefix + ".id",
			Code:    CodeDuplicateID,
			Message: fmt.Sprintf("id %q is already used by %s", id, first),
		}}
	}
	seen[id] = prefix
	return nil
}

// ValidateCard checks one card configuration. Paths are relative to prefix.
func (v *Validator) ValidateCard(prefix string, cfg model.CardConfig) []VError {
	var errs []VError
	keys := make(map[string]int)

	for i, f := range cfg.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if f.Key == "" {
			errs = append(errs, VError{Path: fp + ".key", Code: model.ErrKeyEmpty, Message: "key must not be empty"})
		} else if first, dup := keys[f.Key]; dup {
			errs = append(errs, VError{
				Path:    fp + ".key",
				Code:    model.ErrKeyNotUnique,
				Message: fmt.Sprintf("key %q is already used by fields[%d]", f.Key, first),
			})
		} else {
			keys[f.Key] = i
		}
		if len(f.Selector) == 0 {
			errs = append(errs, VError{Path: fp + ".selector", Code: model.ErrSelectorNeeded, Message: "selector is required"})
		}
	}

	errs = append(errs, validateAction(prefix+".save_action", cfg.SaveAction)...)
	return errs
}

// ValidateRow checks one row configuration.
func (v *Validator) ValidateRow(prefix string, cfg model.RowConfig) []VError {
	var errs []VError
	if cfg.Entity == "" {
		errs = append(errs, VError{Path: prefix + ".entity", Code: CodeRequired, Message: "entity is required"})
	}
	errs = append(errs, validateAction(prefix+".change_action", cfg.ChangeAction)...)
	return errs
}

func validateAction(prefix string, a *model.ActionConfig) []VError {
	if a == nil {
		return nil
	}
	if !validActionKinds[a.Action] {
		return []VError{{
			Path:    prefix + ".action",
			Code:    model.ErrInvalidAction,
			Message: fmt.Sprintf("unknown action %q", a.Action),
		}}
	}
	if !a.IsServiceCall() {
		return nil
	}
	if _, _, ok := a.SplitService(); !ok {
		return []VError{{
			Path:    prefix + ".perform_action",
			Code:    CodeInvalidService,
			Message: fmt.Sprintf("service %q must have the form domain.service", a.ServiceID()),
		}}
	}
	return nil
}

// UniqueKey returns base, or base suffixed with the lowest free counter
// starting at 2, so that the result is not in existing. An empty base
// becomes "field".
func UniqueKey(base string, existing []string) string {
	if base == "" {
		base = "field"
	}
	taken := make(map[string]bool, len(existing))
	for _, k := range existing {
		taken[k] = true
	}
	if !taken[base] {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + "_" + strconv.Itoa(n)
		if !taken[candidate] {
			return candidate
		}
	}
}
