package runner

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/protocol"
)

const (
	watchPingInterval = 30 * time.Second
	watchPongWait     = 90 * time.Second
	watchWriteWait    = 10 * time.Second
	watchBuffer       = 64
)

// Hub fans executor progress events out to websocket watchers
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

type watcher struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		watchers: make(map[*watcher]struct{}),
	}
}

// Publish sends an event to every watcher. Watchers that cannot keep up
// are dropped.
func (h *Hub) Publish(eventType string, payload interface{}) {
	data, err := protocol.MarshalEnvelope(eventType, payload)
	if err != nil {
		log.WithField("type", eventType).WithError(err).Warn("hub: cannot encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		select {
		case w.send <- data:
		default:
			log.Debug("hub: dropping slow watcher")
			delete(h.watchers, w)
			close(w.send)
		}
	}
}

// Count returns the number of connected watchers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// ServeWS upgrades the request and streams events until the peer leaves
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("hub: upgrade failed")
		return
	}

	wt := &watcher{conn: conn, send: make(chan []byte, watchBuffer)}
	h.mu.Lock()
	h.watchers[wt] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(wt)
	h.readLoop(wt)
}

// readLoop discards client messages and detects disconnects
func (h *Hub) readLoop(wt *watcher) {
	defer h.remove(wt)

	wt.conn.SetReadDeadline(time.Now().Add(watchPongWait))
	wt.conn.SetPongHandler(func(string) error {
		wt.conn.SetReadDeadline(time.Now().Add(watchPongWait))
		return nil
	})
	for {
		if _, _, err := wt.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("hub: watcher read error")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(wt *watcher) {
	ticker := time.NewTicker(watchPingInterval)
	defer func() {
		ticker.Stop()
		wt.conn.Close()
	}()

	for {
		select {
		case data, ok := <-wt.send:
			wt.conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if !ok {
				wt.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := wt.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			wt.conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := wt.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(wt *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[wt]; ok {
		delete(h.watchers, wt)
		close(wt.send)
	}
}
