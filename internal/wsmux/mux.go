package wsmux

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaycore/relayd/internal/metrics"
)

const (
	writeTimeout  = 10 * time.Second
	pongWait      = 60 * time.Second
	maxFrameBytes = 1 << 20
)

// Handler processes one decoded inbound envelope from a client.
type Handler func(client *Client, env Envelope)

// Client is one connected WebSocket peer.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Mux accepts clients over an http.Handler (the WebSocket upgrade
// endpoint), dispatches decoded envelopes to a single registered handler,
// and multiplexes sends with per-client write timeouts.
type Mux struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handler  Handler
	onConnect func() StatusInfo

	mu      sync.RWMutex
	clients map[string]*Client

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics recorder. Optional; nil disables recording.
func (m *Mux) SetMetrics(met *metrics.Metrics) {
	m.metrics = met
}

// New constructs a Mux. handler is invoked once per decoded inbound
// envelope, on the goroutine running that client's receive loop.
// onConnect, if non-nil, is called for every new connection to produce the
// status envelope sent immediately after the upgrade completes.
func New(handler Handler, onConnect func() StatusInfo, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		logger:    logger.With("component", "wsmux"),
		handler:   handler,
		onConnect: onConnect,
		clients:   make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, assigns a fresh client id, and runs
// that client's read/write loops until the connection closes.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.clients[client.ID] = client
	m.mu.Unlock()
	m.updateClientGauge()

	go m.writeLoop(client)

	if m.onConnect != nil {
		m.SendStatus(client, m.onConnect())
	}

	m.readLoop(client)

	m.mu.Lock()
	delete(m.clients, client.ID)
	m.mu.Unlock()
	m.updateClientGauge()
}

func (m *Mux) updateClientGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.WebSocketClients.Set(float64(m.ClientCount()))
}

// Unicast sends an envelope to one client by id, with the same non-blocking
// enqueue as broadcast. Returns false if the client is unknown or its send
// queue is full (the client is then dropped, as with broadcast).
func (m *Mux) Unicast(clientID string, env Envelope) bool {
	m.mu.RLock()
	client, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if m.deliverOne(client, env) {
		return true
	}
	m.drop(client.ID)
	return false
}

// Broadcast sends env to every connected client. Clients whose send queue
// is full are removed from the set; a slow client never blocks delivery to
// the others.
func (m *Mux) Broadcast(env Envelope) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var failed []string
	for _, client := range clients {
		if !m.deliverOne(client, env) {
			failed = append(failed, client.ID)
		}
	}
	for _, id := range failed {
		m.drop(id)
	}
}

// deliverOne enqueues env onto the client's send channel, non-blocking: a
// full channel means the client is too slow and counts as a failure.
func (m *Mux) deliverOne(client *Client, env Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("failed to marshal outbound envelope", "error", err)
		return false
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

func (m *Mux) drop(clientID string) {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	if ok {
		client.closeOnce.Do(func() { close(client.done) })
		m.updateClientGauge()
	}
}

// ClientCount returns the number of currently connected clients.
func (m *Mux) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Mux) readLoop(client *Client) {
	defer client.closeOnce.Do(func() { close(client.done) })
	defer client.conn.Close()

	client.conn.SetReadLimit(maxFrameBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := validateEnvelopeBytes(data); err != nil {
			m.deliverOne(client, NewErrorEnvelope(CodeInvalidMessage, err.Error()))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.deliverOne(client, NewErrorEnvelope(CodeInvalidMessage, err.Error()))
			continue
		}

		if env.Type == "ping" {
			m.deliverOne(client, Envelope{Type: "pong"})
			continue
		}

		if m.handler != nil {
			m.handler(client, env)
		}
	}
}

func (m *Mux) writeLoop(client *Client) {
	defer client.conn.Close()
	for {
		select {
		case <-client.done:
			return
		case data, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
