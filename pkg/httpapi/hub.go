package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/chainindexer/pkg/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub fans out decoded events to every connected websocket client. It is
// a simplified, read-only version of the teacher's websocket hub: no
// per-client subscriptions, since this shell exists only to observe a
// running indexer.
type hub struct {
	logger *zap.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan engine.Event
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan engine.Event, 256),
	}
}

// broadcastEvent is the public entry point used by Server's OnEvent callback.
func (h *hub) broadcastEvent(e engine.Event) { h.broadcast <- e }

func (h *hub) run(ctx context.Context) {
	clients := make(map[*wsClient]bool)
	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			clients[c] = true
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("marshal event for broadcast", zap.Error(err))
				continue
			}
			for c := range clients {
				select {
				case c.send <- data:
				default:
					// slow client, drop rather than block the hub
				}
			}
		}
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 16)}
	h.register <- c
	go c.writePump(h, conn)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump(h *hub, conn *websocket.Conn) {
	defer func() {
		h.unregister <- c
		conn.Close()
	}()
	for msg := range c.send {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
