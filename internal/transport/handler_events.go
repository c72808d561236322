package transport

import (
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/card"
	"github.com/pitabwire/formcard/internal/observability"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// handleEvents streams boundary events to a websocket client. The optional
// source query parameter limits the stream to one card or row.
func handleEvents(hub *card.Hub, upgrader *websocket.Upgrader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := observability.RequestLogger(r.Context(), logger)
		source := r.URL.Query().Get("source")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			log.Warn("event stream upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		events, cancel := hub.Subscribe()
		defer cancel()
		log.Debug("event client connected", zap.String("source", source))

		// The client never sends anything useful; reading only serves to
		// notice close frames and answer pings.
		gone := make(chan struct{})
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(eventsPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-gone:
				log.Debug("event client disconnected")
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				if source != "" && ev.Source != source {
					continue
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					log.Error("encoding event failed", zap.String("type", ev.Type), zap.Error(err))
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					log.Debug("event write failed", zap.Error(err))
					return
				}
			}
		}
	}
}
