package event

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// WSMessage is the JSON message sent over WebSocket.
type WSMessage struct {
	Event string         `json:"event"`          // Event name (e.g., "admin.objectAdded")
	Data  map[string]any `json:"data,omitempty"` // Event-specific data
	TS    int64          `json:"ts"`             // Timestamp (Unix ms)
}

// WSHandler pushes emitter events to WebSocket clients.
type WSHandler struct {
	emitter  *Emitter
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewWSHandler creates a WebSocket handler on emitter. checkOrigin decides
// which browser origins may connect; nil means same host only.
func NewWSHandler(emitter *Emitter, checkOrigin func(r *http.Request) bool, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &WSHandler{
		emitter:  emitter,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		log:      log,
	}
}

// Handle is the Gin handler for WebSocket connections.
// Query params:
//   - events: comma-separated event names to subscribe (empty = all)
//
// Example: /admin/events/?events=admin.objectAdded,admin.objectDeleted
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	eventFilter := parseFilter(c.Query("events"))

	sendCh := make(chan WSMessage, sendBuffer)
	done := make(chan struct{})

	unsubscribe := h.emitter.OnAny(func(ev Event) {
		if eventFilter != nil && !eventFilter[ev.EventName()] {
			return
		}
		msg := WSMessage{
			Event: ev.EventName(),
			Data:  eventToData(ev),
			TS:    time.Now().UnixMilli(),
		}
		select {
		case sendCh <- msg:
		default:
			h.log.Warn("dropped event, client buffer full", "event", ev.EventName())
		}
	})
	defer unsubscribe()

	// Reader goroutine - keeps connection alive
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return fn()
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }); err != nil {
				return
			}
		case msg := <-sendCh:
			if err := write(func() error { return conn.WriteJSON(msg) }); err != nil {
				return
			}
		}
	}
}

func parseFilter(param string) map[string]bool {
	if param == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, e := range strings.Split(param, ",") {
		if e = strings.TrimSpace(e); e != "" {
			filter[e] = true
		}
	}
	return filter
}

// eventToData converts an Event to a map for JSON serialization.
func eventToData(ev Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
