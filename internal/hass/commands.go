package hass

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/subscription"
	"github.com/pitabwire/formcard/model"
)

// SubscribeTemplate opens a render_template subscription. Every rendered
// result or error report is passed to onResult from the connection's read
// loop, so onResult must not block.
func (c *Client) SubscribeTemplate(ctx context.Context, req subscription.RenderRequest, onResult func(model.TemplateResult)) (subscription.Unsubscribe, error) {
	payload := map[string]any{
		"type":     typeRenderTemplate,
		"template": req.Template,
		"strict":   req.Strict,
	}
	if len(req.EntityIDs) > 0 {
		payload["entity_ids"] = req.EntityIDs
	}
	if len(req.Variables) > 0 {
		payload["variables"] = req.Variables
	}
	if req.ReportErrors {
		payload["report_errors"] = true
	}

	onEvent := func(raw json.RawMessage) {
		result, err := decodeTemplateEvent(raw)
		if err != nil {
			c.logger.Warn("dropping malformed template event",
				zap.String("template", req.Template),
				zap.Error(err),
			)
			return
		}
		onResult(result)
	}

	id, _, err := c.request(ctx, payload, onEvent)
	if err != nil {
		if id != 0 && ctx.Err() != nil {
			// The server may still have opened the subscription.
			go c.unsubscribe(context.Background(), id)
		}
		return nil, err
	}
	return func(ctx context.Context) error {
		return c.unsubscribe(ctx, id)
	}, nil
}

// SubscribeEvents subscribes to bus events of eventType. An empty eventType
// receives every event.
func (c *Client) SubscribeEvents(ctx context.Context, eventType string, handler func(eventType string, data json.RawMessage)) (subscription.Unsubscribe, error) {
	payload := map[string]any{"type": typeSubscribeEvents}
	if eventType != "" {
		payload["event_type"] = eventType
	}
	onEvent := func(raw json.RawMessage) {
		var ev busEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Warn("dropping malformed bus event", zap.Error(err))
			return
		}
		handler(ev.EventType, ev.Data)
	}

	id, _, err := c.request(ctx, payload, onEvent)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return c.unsubscribe(ctx, id)
	}, nil
}

// SubscribeStateChanged subscribes to state_changed events.
func (c *Client) SubscribeStateChanged(ctx context.Context, handler func(StateChange)) (subscription.Unsubscribe, error) {
	return c.SubscribeEvents(ctx, EventStateChanged, func(_ string, data json.RawMessage) {
		var change StateChange
		if err := json.Unmarshal(data, &change); err != nil {
			c.logger.Warn("dropping malformed state_changed event", zap.Error(err))
			return
		}
		handler(change)
	})
}

func (c *Client) unsubscribe(ctx context.Context, id int) error {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()

	_, _, err := c.request(ctx, map[string]any{
		"type":         typeUnsubscribeEvents,
		"subscription": id,
	}, nil)
	return err
}

// CallService performs a service call.
func (c *Client) CallService(ctx context.Context, call model.ServiceCall) error {
	payload := map[string]any{
		"type":    typeCallService,
		"domain":  call.Domain,
		"service": call.Service,
	}
	if call.Data != nil {
		payload["service_data"] = call.Data
	}
	if call.Target != nil {
		payload["target"] = call.Target
	}
	if _, _, err := c.request(ctx, payload, nil); err != nil {
		return fmt.Errorf("calling %s.%s: %w", call.Domain, call.Service, err)
	}
	return nil
}

// GetStates returns every entity state.
func (c *Client) GetStates(ctx context.Context) ([]model.EntityState, error) {
	_, raw, err := c.request(ctx, map[string]any{"type": typeGetStates}, nil)
	if err != nil {
		return nil, fmt.Errorf("hass: get_states: %w", err)
	}
	var states []model.EntityState
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("hass: decoding states: %w", err)
	}
	return states, nil
}

// CurrentUser returns the user the connection is authenticated as.
func (c *Client) CurrentUser(ctx context.Context) (model.User, error) {
	_, raw, err := c.request(ctx, map[string]any{"type": typeCurrentUser}, nil)
	if err != nil {
		return model.User{}, fmt.Errorf("hass: current user: %w", err)
	}
	var user model.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return model.User{}, fmt.Errorf("hass: decoding user: %w", err)
	}
	return user, nil
}
