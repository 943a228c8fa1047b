// Package control exposes the running gateway to the host: the overlay
// render channel, the control channel for start/stop/status, the status
// API and the gRPC health endpoint.
package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/observability"
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBacklog = 64
)

var upgrader = websocket.Upgrader{
	// The overlay and control pages are served by the local host
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// client is one connected page. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue queues msg without blocking; a page that falls behind loses
// messages rather than stalling the session.
func (c *client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// clientSet is a set of pages receiving the same pushes
type clientSet struct {
	name   string
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newClientSet(name string) *clientSet {
	return &clientSet{
		name:    name,
		logger:  observability.Component(name),
		clients: make(map[*client]struct{}),
	}
}

// serve upgrades the request and runs the connection until it closes.
// greet runs once the client receives broadcasts; onMessage runs for every
// inbound text message.
func (s *clientSet) serve(w http.ResponseWriter, r *http.Request, greet func(*client), onMessage func(*client, []byte)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBacklog), done: make(chan struct{})}
	go c.writePump()

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info().Int("clients", n).Msg("Page connected")

	if greet != nil {
		greet(c)
	}

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
		s.logger.Info().Msg("Page disconnected")
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("Page read error")
			}
			return
		}
		if msgType == websocket.TextMessage && onMessage != nil {
			onMessage(c, data)
		}
	}
}

// broadcast sends v as JSON to every connected page
func (s *clientSet) broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode push")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if !c.enqueue(msg) {
			observability.RecordDropped("push", s.name+"_backlog")
		}
	}
}

// send delivers v to one page
func (s *clientSet) send(c *client, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode message")
		return
	}
	if !c.enqueue(msg) {
		observability.RecordDropped("push", s.name+"_backlog")
	}
}

func (s *clientSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
