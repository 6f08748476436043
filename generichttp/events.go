package generichttp

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendDepth  = 64
)

// Hub fans messages out to websocket observers.  Slow observers lose
// messages rather than holding up the sender.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[int64]*wsClient
	nextID  int64
}

type wsClient struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan interface{}
	done   chan struct{}
	once   sync.Once
}

// NewHub returns an empty hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[int64]*wsClient),
	}
}

// Clients returns the number of connected observers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues msg for every observer; it never blocks
func (h *Hub) Broadcast(msg interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.send(msg)
	}
}

// Close disconnects every observer
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[int64]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP upgrades the request and streams messages until the peer leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: websocket upgrade error: %v", err)
		return
	}
	c := &wsClient{
		id:     atomic.AddInt64(&h.nextID, 1),
		conn:   conn,
		sendCh: make(chan interface{}, wsSendDepth),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go c.writePump()
	c.readPump()

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (c *wsClient) send(msg interface{}) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		log.Printf("events: dropping message to client %d (channel full)", c.id)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards what the observer sends and notices when it leaves
func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("events: websocket read error: %v", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("events: websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
