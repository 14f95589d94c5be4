package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/poolshare/aggregator/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 32
)

// wsClient is one live-push connection. writeMu serializes writes
// against Conn since gorilla/websocket forbids concurrent writers.
type wsClient struct {
	id      uint64
	conn    *websocket.Conn
	writeMu sync.Mutex
	send    chan []byte
	quit    chan struct{}
}

// hub fans out row-change notifications to every connected client, the
// same registry-and-broadcast shape the stratum job feed used to push
// jobs, minus any request/response handling: this hub is push-only.
type hub struct {
	clients   sync.Map // uint64 -> *wsClient
	clientSeq uint64
}

func newHub() *hub {
	return &hub{}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("api: websocket upgrade failed: %v", err)
		return
	}

	id := atomic.AddUint64(&h.clientSeq, 1)
	c := &wsClient{
		id:   id,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		quit: make(chan struct{}),
	}
	h.clients.Store(id, c)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump's only job is to notice the client went away; this feed
// never accepts client requests.
func (h *hub) readPump(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(c *wsClient) {
	defer h.remove(c)
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.conn.WriteMessage(websocket.TextMessage, msg)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (h *hub) remove(c *wsClient) {
	if _, ok := h.clients.LoadAndDelete(c.id); ok {
		close(c.quit)
		c.conn.Close()
	}
}

// broadcast fans msg out to every connected client. A client whose send
// buffer is full is dropped rather than blocking the broadcaster, since
// this feed only carries best-effort "something changed" notices.
func (h *hub) broadcast(msg []byte) {
	h.clients.Range(func(_, v interface{}) bool {
		c := v.(*wsClient)
		select {
		case c.send <- msg:
		default:
			util.Warnf("api: websocket client %d send buffer full, dropping", c.id)
		}
		return true
	})
}

func (h *hub) clientCount() int {
	n := 0
	h.clients.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
