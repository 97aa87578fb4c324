package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mindmapper/claudebridge/internal/events"
	"github.com/mindmapper/claudebridge/internal/logging"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	maxInboundSize = 4096
	clientBuffer   = 256
)

// Frame is the JSON message written to WebSocket observers.
type Frame struct {
	Event     string    `json:"event"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewFrame converts a bus event into its wire form.
func NewFrame(event events.Event) Frame {
	return Frame{
		Event:     event.Type,
		SessionID: event.SessionID,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}
}

// Relay fans bus events out to WebSocket clients. A client whose buffer is
// full misses events; the bus is never blocked.
type Relay struct {
	logger      *log.Logger
	upgrader    websocket.Upgrader
	unsubscribe func()

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewRelay subscribes to every event on bus.
func NewRelay(bus events.Bus, logger *log.Logger) *Relay {
	r := &Relay{
		logger: logging.OrDiscard(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     newOriginPolicy(nil).checkRequest,
		},
		clients: make(map[string]*client),
	}
	r.unsubscribe = bus.SubscribeAll(r.broadcast)
	return r
}

// HandleWebSocket upgrades the request and streams events until the client
// disconnects. Inbound messages are read only to service control frames.
// GET /v1/events
func (r *Relay) HandleWebSocket(c echo.Context) error {
	conn, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	if !r.register(cl) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return nil
	}
	r.logger.Info("websocket client connected", "client_id", cl.id, "remote", c.RealIP())

	go r.writePump(cl)
	go r.readPump(cl)
	return nil
}

// ClientCount returns the number of connected clients.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close disconnects every client and stops relaying.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, cl := range r.clients {
		close(cl.send)
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

func (r *Relay) broadcast(event events.Event) {
	data, err := json.Marshal(NewFrame(event))
	if err != nil {
		r.logger.Error("encode event frame failed", "event", event.Type, "error", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cl := range r.clients {
		select {
		case cl.send <- data:
		default:
			r.logger.Warn("dropping event for slow client", "client_id", cl.id, "event", event.Type, "session_id", event.SessionID)
		}
	}
}

func (r *Relay) register(cl *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.clients[cl.id] = cl
	return true
}

func (r *Relay) unregister(cl *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[cl.id]; !ok {
		return
	}
	delete(r.clients, cl.id)
	close(cl.send)
	r.logger.Info("websocket client disconnected", "client_id", cl.id)
}

func (r *Relay) readPump(cl *client) {
	defer func() {
		r.unregister(cl)
		_ = cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxInboundSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(readDeadline))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("websocket read failed", "client_id", cl.id, "error", err)
			}
			return
		}
	}
}

func (r *Relay) writePump(cl *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case message, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				r.logger.Warn("websocket write failed", "client_id", cl.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
