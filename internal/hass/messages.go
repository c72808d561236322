package hass

import (
	"github.com/goccy/go-json"

	"github.com/pitabwire/formcard/model"
)

// Message types of the Home Assistant websocket API.
const (
	typeAuthRequired = "auth_required"
	typeAuth         = "auth"
	typeAuthOK       = "auth_ok"
	typeAuthInvalid  = "auth_invalid"
	typeResult       = "result"
	typeEvent        = "event"
	typePing         = "ping"
	typePong         = "pong"

	typeRenderTemplate    = "render_template"
	typeUnsubscribeEvents = "unsubscribe_events"
	typeSubscribeEvents   = "subscribe_events"
	typeCallService       = "call_service"
	typeGetStates         = "get_states"
	typeCurrentUser       = "auth/current_user"
)

// EventStateChanged is the event type fired when an entity changes state.
const EventStateChanged = "state_changed"

// message is any frame received from Home Assistant.
type message struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) envelope() *model.ErrorEnvelope {
	if e == nil {
		return model.NewHassError("", "request failed")
	}
	return model.NewHassError(e.Code, e.Message)
}

// templateEvent is the payload of a render_template subscription event.
type templateEvent struct {
	Result    json.RawMessage  `json:"result"`
	Listeners *model.Listeners `json:"listeners"`
	Error     string           `json:"error"`
	Level     string           `json:"level"`
}

func decodeTemplateEvent(raw json.RawMessage) (model.TemplateResult, error) {
	var ev templateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.TemplateResult{}, err
	}
	if ev.Error != "" {
		return model.ErrorResult(ev.Error, ev.Level), nil
	}
	var v any
	if len(ev.Result) > 0 {
		if err := json.Unmarshal(ev.Result, &v); err != nil {
			return model.TemplateResult{}, err
		}
	}
	return model.RenderedResult(v, ev.Listeners), nil
}

// StateChange is the data of a state_changed event. OldState is nil for a new
// entity and NewState is nil for a removed one.
type StateChange struct {
	EntityID string             `json:"entity_id"`
	OldState *model.EntityState `json:"old_state"`
	NewState *model.EntityState `json:"new_state"`
}

type busEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}
