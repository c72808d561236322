package model

import "strings"

// Action kinds recognized by the dispatcher. Anything else is a no-op.
const (
	ActionCallService   = "call-service"
	ActionPerformAction = "perform-action"
	ActionNone          = "none"
)

// DefaultFormAction is the action name seeded into a fresh FormValue.
const DefaultFormAction = "action"

// CardDefinition is a named form card as declared in a definition file.
type CardDefinition struct {
	ID     string     `yaml:"id"      json:"id"`
	Config CardConfig `yaml:",inline" json:"config"`

	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// RowDefinition is a named entity row as declared in a definition file.
type RowDefinition struct {
	ID     string    `yaml:"id"      json:"id"`
	Config RowConfig `yaml:",inline" json:"config"`

	SourceFile string `yaml:"-" json:"-"`
}

// CardConfig is the host-supplied configuration of one form card. It is
// replaced wholesale on every host update.
type CardConfig struct {
	Title              string        `yaml:"title"                 json:"title,omitempty"`
	Fields             []FieldConfig `yaml:"fields"                json:"fields"`
	SaveLabel          string        `yaml:"save_label"            json:"save_label,omitempty"`
	SaveAction         *ActionConfig `yaml:"save_action"           json:"save_action,omitempty"`
	SpreadValuesToData bool          `yaml:"spread_values_to_data" json:"spread_values_to_data,omitempty"`
	ResetOnSubmit      bool          `yaml:"reset_on_submit"       json:"reset_on_submit,omitempty"`
}

// FieldConfig is one form field. Any string member except Key may carry
// template syntax.
type FieldConfig struct {
	Key         string         `yaml:"key"         json:"key"`
	Name        string         `yaml:"name"        json:"name,omitempty"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Selector    map[string]any `yaml:"selector"    json:"selector,omitempty"`
	Entity      string         `yaml:"entity"      json:"entity,omitempty"`
	Default     any            `yaml:"default"     json:"default,omitempty"`
	// Value is the legacy spelling of Default.
	Value       any    `yaml:"value"       json:"value,omitempty"`
	Placeholder string `yaml:"placeholder" json:"placeholder,omitempty"`
	Required    bool   `yaml:"required"    json:"required,omitempty"`
	Disabled    bool   `yaml:"disabled"    json:"disabled,omitempty"`
}

// DeclaredDefault returns the raw, unrendered default of the field.
func (f FieldConfig) DeclaredDefault() any {
	if f.Default != nil {
		return f.Default
	}
	return f.Value
}

// RowConfig configures a single-value entity row.
type RowConfig struct {
	Entity             string         `yaml:"entity"                json:"entity,omitempty"`
	Name               string         `yaml:"name"                  json:"name,omitempty"`
	Label              string         `yaml:"label"                 json:"label,omitempty"`
	Icon               string         `yaml:"icon"                  json:"icon,omitempty"`
	Description        string         `yaml:"description"           json:"description,omitempty"`
	Color              string         `yaml:"color"                 json:"color,omitempty"`
	State              string         `yaml:"state"                 json:"state,omitempty"`
	Value              any            `yaml:"value"                 json:"value,omitempty"`
	Selector           map[string]any `yaml:"selector"              json:"selector,omitempty"`
	ChangeAction       *ActionConfig  `yaml:"change_action"         json:"change_action,omitempty"`
	SpreadValuesToData bool           `yaml:"spread_values_to_data" json:"spread_values_to_data,omitempty"`
}

// ActionConfig describes the backend call triggered on save or on change.
// Service and ServiceData are legacy aliases of PerformAction and Data.
type ActionConfig struct {
	Action        string         `yaml:"action"         json:"action"`
	PerformAction string         `yaml:"perform_action" json:"perform_action,omitempty"`
	Service       string         `yaml:"service"        json:"service,omitempty"`
	Data          map[string]any `yaml:"data"           json:"data,omitempty"`
	ServiceData   map[string]any `yaml:"service_data"   json:"service_data,omitempty"`
	Target        map[string]any `yaml:"target"         json:"target,omitempty"`
}

// IsServiceCall reports whether the action calls a backend service.
func (a *ActionConfig) IsServiceCall() bool {
	if a == nil {
		return false
	}
	return a.Action == ActionCallService || a.Action == ActionPerformAction
}

// ServiceID returns the "domain.service" identifier.
func (a *ActionConfig) ServiceID() string {
	if a.PerformAction != "" {
		return a.PerformAction
	}
	return a.Service
}

// SplitService splits the service id on its first dot.
func (a *ActionConfig) SplitService() (domain, service string, ok bool) {
	domain, service, ok = strings.Cut(a.ServiceID(), ".")
	if !ok || domain == "" || service == "" {
		return "", "", false
	}
	return domain, service, true
}

// Payload returns the configured service data. Data wins over ServiceData
// when both name a key. The returned map is new; its values are shared.
func (a *ActionConfig) Payload() map[string]any {
	out := make(map[string]any, len(a.Data)+len(a.ServiceData))
	for k, v := range a.ServiceData {
		out[k] = v
	}
	for k, v := range a.Data {
		out[k] = v
	}
	return out
}

// ServiceCall is a fully resolved outbound service invocation.
type ServiceCall struct {
	Domain  string         `json:"domain"`
	Service string         `json:"service"`
	Data    map[string]any `json:"data"`
	Target  map[string]any `json:"target,omitempty"`
}

// FormValue is the user-editable state of a form.
type FormValue struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// NewFormValue returns an empty form value.
func NewFormValue() FormValue {
	return FormValue{Action: DefaultFormAction, Data: map[string]any{}}
}

// RenderedField is a field with every template replaced by its latest
// rendered value and every display fallback applied.
type RenderedField struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Entity      string         `json:"entity,omitempty"`
	Selector    map[string]any `json:"selector,omitempty"`
	Value       any            `json:"value"`
	Placeholder string         `json:"placeholder,omitempty"`
	Required    bool           `json:"required"`
	Disabled    bool           `json:"disabled"`
}

// CardStatus describes the submit control of a card.
type CardStatus struct {
	Busy    bool         `json:"busy"`
	Error   string       `json:"error,omitempty"`
	Pending bool         `json:"pending"`
	Debug   *ServiceCall `json:"debug,omitempty"`
}

// CardView is everything a UI needs to draw one card.
type CardView struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Fields    []RenderedField `json:"fields"`
	SaveLabel string          `json:"save_label"`
	Value     FormValue       `json:"value"`
	Status    CardStatus      `json:"status"`
}

// RowView is the rendered state of an entity row.
type RowView struct {
	ID          string         `json:"id"`
	Entity      string         `json:"entity,omitempty"`
	Name        string         `json:"name"`
	Icon        string         `json:"icon,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       string         `json:"color,omitempty"`
	State       string         `json:"state,omitempty"`
	Selector    map[string]any `json:"selector,omitempty"`
	Value       any            `json:"value"`
}

// DefinitionFile is the content of one definition file.
type DefinitionFile struct {
	Cards []CardDefinition `yaml:"cards" json:"cards"`
	Rows  []RowDefinition  `yaml:"rows"  json:"rows"`

	// Checksum is the SHA-256 of the file content.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}
