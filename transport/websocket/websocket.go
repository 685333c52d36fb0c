//go:build websocket

// Package websocket provides the optional WS /ws/services/{serviceId}/events
// transport. This transport requires the 'websocket' build tag.
package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hsc-io/registry/core"
)

// EventWatcher is the subset of discovery.Facade this transport calls.
type EventWatcher interface {
	WatchService(serviceID string) (<-chan *core.ServiceEvent, func(), error)
}

// Handler upgrades a single /ws/services/{serviceId}/events request to a
// WebSocket and streams that service's ServiceEvent feed to the client.
type Handler struct {
	watcher  EventWatcher
	logger   core.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler. allowedOrigins matches "*" or an exact origin
// (the subdomain and port wildcards of the transport CORS policy are not
// supported); a nil/empty list allows every origin.
func NewHandler(watcher EventWatcher, logger core.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		watcher: watcher,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// ServeHTTP implements WS /ws/services/{serviceId}/events over
// discovery.Facade.WatchService.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serviceID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/services/"), "/events")
	if !core.ValidIdentifier(serviceID) {
		http.Error(w, "invalid serviceId", http.StatusBadRequest)
		return
	}

	events, unsubscribe, err := h.watcher.WatchService(serviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		if h.logger != nil {
			h.logger.Error("websocket upgrade failed", map[string]interface{}{
				"error":     err.Error(),
				"serviceId": serviceID,
			})
		}
		return
	}

	go h.writePump(conn, events, unsubscribe)
	go h.readPump(conn)
}

// writePump forwards the service's event feed to the client and sends
// keep-alive pings on a 54s ping / 10s write-deadline cadence.
func (h *Handler) writePump(conn *websocket.Conn, events <-chan *core.ServiceEvent, unsubscribe func()) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		unsubscribe()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames purely to detect disconnects via pong/close;
// the event stream is server-to-client only, so nothing the client sends is
// interpreted.
func (h *Handler) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			return
		}
	}
}
