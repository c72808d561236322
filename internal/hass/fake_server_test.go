package hass

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/pitabwire/formcard/internal/config"
)

const testToken = "secret-token"

// fakeHA is a minimal Home Assistant websocket server.
type fakeHA struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	attempts   int
	rejectHTTP int
	conn       *websocket.Conn
	writeMu    sync.Mutex
	received   []map[string]any
	templates  map[string]any
	states     []map[string]any
	subs       map[int]bool
	silent     map[string]bool
	serviceErr map[string]map[string]any
}

func newFakeHA(t *testing.T) *fakeHA {
	t.Helper()
	f := &fakeHA{
		t:          t,
		templates:  make(map[string]any),
		subs:       make(map[int]bool),
		silent:     make(map[string]bool),
		serviceErr: make(map[string]map[string]any),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHA) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeHA) config() config.HomeAssistantConfig {
	return config.HomeAssistantConfig{
		URL:            f.url(),
		TokenEnv:       "HASS_TOKEN",
		DialTimeout:    2 * time.Second,
		RequestTimeout: 2 * time.Second,
		Reconnect: config.BackoffConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      1.5,
			MaxElapsedTime:  2 * time.Second,
		},
	}
}

func (f *fakeHA) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.attempts++
	reject := f.attempts <= f.rejectHTTP
	f.mu.Unlock()
	if reject {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.send(map[string]any{"type": "auth_required", "ha_version": "2024.6.0"})
	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != testToken {
		f.send(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	f.send(map[string]any{"type": "auth_ok", "ha_version": "2024.6.0"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, msg)
		f.mu.Unlock()
		f.handle(msg)
	}
}

func (f *fakeHA) handle(msg map[string]any) {
	id := int(msg["id"].(float64))
	msgType, _ := msg["type"].(string)

	f.mu.Lock()
	silent := f.silent[msgType]
	f.mu.Unlock()
	if silent {
		return
	}

	switch msgType {
	case "ping":
		f.send(map[string]any{"id": id, "type": "pong"})
	case "render_template":
		tmpl, _ := msg["template"].(string)
		f.mu.Lock()
		f.subs[id] = true
		v, ok := f.templates[tmpl]
		f.mu.Unlock()
		f.ok(id, nil)
		if !ok {
			return
		}
		if errMsg, isErr := v.(templateFailure); isErr {
			f.push(id, map[string]any{"error": string(errMsg), "level": "ERROR"})
			return
		}
		f.push(id, map[string]any{
			"result":    v,
			"listeners": map[string]any{"all": false, "domains": []string{}, "entities": []string{"sensor.x"}, "time": false},
		})
	case "subscribe_events":
		f.mu.Lock()
		f.subs[id] = true
		f.mu.Unlock()
		f.ok(id, nil)
	case "unsubscribe_events":
		sub := int(msg["subscription"].(float64))
		f.mu.Lock()
		known := f.subs[sub]
		delete(f.subs, sub)
		f.mu.Unlock()
		if !known {
			f.fail(id, "not_found", "Subscription not found.")
			return
		}
		f.ok(id, nil)
	case "call_service":
		domain, _ := msg["domain"].(string)
		f.mu.Lock()
		e, failing := f.serviceErr[domain]
		f.mu.Unlock()
		if failing {
			f.fail(id, e["code"].(string), e["message"].(string))
			return
		}
		f.ok(id, map[string]any{"context": map[string]any{"id": "ctx"}})
	case "get_states":
		f.mu.Lock()
		states := f.states
		f.mu.Unlock()
		f.ok(id, states)
	case "auth/current_user":
		f.ok(id, map[string]any{"id": "u1", "name": "Paulus", "is_owner": true, "is_admin": true})
	default:
		f.fail(id, "unknown_command", "Unknown command.")
	}
}

type templateFailure string

func (f *fakeHA) send(v any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (f *fakeHA) ok(id int, result any) {
	f.send(map[string]any{"id": id, "type": "result", "success": true, "result": result})
}

func (f *fakeHA) fail(id int, code, message string) {
	f.send(map[string]any{
		"id": id, "type": "result", "success": false,
		"error": map[string]any{"code": code, "message": message},
	})
}

func (f *fakeHA) push(id int, event any) {
	f.send(map[string]any{"id": id, "type": "event", "event": event})
}

func (f *fakeHA) dropConnection() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	conn.Close()
}

// lastOfType returns the last received message of msgType.
func (f *fakeHA) lastOfType(msgType string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.received) - 1; i >= 0; i-- {
		if f.received[i]["type"] == msgType {
			return f.received[i]
		}
	}
	return nil
}

// subscriptionIDs returns the ids of every open subscription.
func (f *fakeHA) subscriptionIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for id := range f.subs {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeHA) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}
