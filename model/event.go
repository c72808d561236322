package model

// Boundary event types pushed to the UI layer.
const (
	EventValueChanged = "value-changed"
	EventSubmitAction = "form-card-submit-action"
	EventCardUpdated  = "card-updated"
)

// Event is a notification from a card or row to its host.
type Event struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	Payload any    `json:"payload,omitempty"`
}
