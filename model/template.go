package model

// Listeners is the diagnostic listener set Home Assistant reports with each
// rendered template.
type Listeners struct {
	All      bool     `json:"all"`
	Domains  []string `json:"domains"`
	Entities []string `json:"entities"`
	Time     bool     `json:"time"`
}

// TemplateResult is one message pushed by the template rendering service.
// A message carries either a rendered result or an error report.
type TemplateResult struct {
	Result    any        `json:"result,omitempty"`
	Listeners *Listeners `json:"listeners,omitempty"`
	Error     string     `json:"error,omitempty"`
	Level     string     `json:"level,omitempty"`

	resolved bool
}

// RenderedResult returns a result carrying a rendered value. A nil value is
// still a rendered value.
func RenderedResult(value any, listeners *Listeners) TemplateResult {
	return TemplateResult{Result: value, Listeners: listeners, resolved: true}
}

// ErrorResult returns a result carrying a render error report.
func ErrorResult(msg, level string) TemplateResult {
	return TemplateResult{Error: msg, Level: level}
}

// FallbackResult is substituted when a subscription is rejected. It echoes
// the template text so consumers never see a missing value.
func FallbackResult(template string) TemplateResult {
	return RenderedResult(template, &Listeners{
		Domains:  []string{},
		Entities: []string{},
	})
}

// HasResult reports whether the message carries a rendered value.
func (r TemplateResult) HasResult() bool {
	return r.resolved
}
