package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 512
	sendBufferSize        = 256
)

// HubConfig contains configuration for the WebSocket hub
type HubConfig struct {
	BroadcastPooling     bool
	BroadcastEmbedding   bool
	BroadcastSystem      bool
	BroadcastConnections bool
	// Basic auth is required only when a username or password is set
	Username        string
	Password        string
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	AllowedOrigins  []string
}

type envelope struct {
	event   Event
	exclude *Client
}

// Hub maintains the set of active clients and broadcasts events to them.
// The client set is owned by Run; other goroutines only read it under mu.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	config     *HubConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	mu         sync.RWMutex
	stats      hubCounters
}

type hubCounters struct {
	totalConnections atomic.Int64
	totalMessages    atomic.Int64
	totalBroadcasts  atomic.Int64
	droppedEvents    atomic.Int64
	lastConnection   atomic.Int64
	lastDisconnect   atomic.Int64
	lastBroadcast    atomic.Int64
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	TotalBroadcasts    int64     `json:"total_broadcasts"`
	DroppedEvents      int64     `json:"dropped_events"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastDisconnectTime time.Time `json:"last_disconnect_time"`
	LastBroadcastTime  time.Time `json:"last_broadcast_time"`
}

// NewHub creates a new WebSocket hub
func NewHub(config *HubConfig, logger *zap.Logger) *Hub {
	if config == nil {
		config = &HubConfig{}
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = defaultPongWait
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongTimeout {
		config.PingInterval = (config.PongTimeout * 9) / 10
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}

	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, sendBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     config,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run handles client registration, unregistration and broadcasting until
// ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

// registerClient registers a new client
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	active := len(h.clients)
	h.mu.Unlock()

	h.stats.totalConnections.Add(1)
	h.stats.lastConnection.Store(time.Now().UnixNano())

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active),
	)

	h.enqueue(h.connectionEvent("connected", client), client)
}

// unregisterClient unregisters a client
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.Send)
	}
	active := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.stats.lastDisconnect.Store(time.Now().UnixNano())

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active),
	)

	h.enqueue(h.connectionEvent("disconnected", client), nil)
}

func (h *Hub) connectionEvent(action string, client *Client) Event {
	return Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:    action,
			ClientID:  client.ID,
			ClientIP:  client.IP,
			UserAgent: client.UserAgent,
			Message:   fmt.Sprintf("Client %s %s", client.ID, action),
		},
	}
}

// deliver sends an event to every subscribed client. Clients whose send
// buffer is full are dropped.
func (h *Hub) deliver(env envelope) {
	h.stats.totalBroadcasts.Add(1)
	h.stats.lastBroadcast.Store(time.Now().UnixNano())

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client == env.exclude || !shouldSendToClient(client, env.event) {
			continue
		}
		select {
		case client.Send <- env.event:
			h.stats.totalMessages.Add(1)
		default:
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("client_id", client.ID),
			)
			delete(h.clients, client)
			close(client.Send)
		}
	}
}

// shouldSendToClient applies the client's subscription to an event
func shouldSendToClient(client *Client, event Event) bool {
	sub := client.Subscription()
	if sub == nil {
		return true
	}

	subscribed := false
	for _, eventType := range sub.Events {
		if eventType == event.Type {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}

	if sub.Filter != nil {
		return applyEventFilter(sub.Filter, event)
	}
	return true
}

// applyEventFilter filters pooling and embedding events by strategy and outcome
func applyEventFilter(filter *EventFilter, event Event) bool {
	var strategy string
	var failed bool
	switch data := event.Data.(type) {
	case PoolingEvent:
		strategy, failed = data.Strategy, data.Error != ""
	case EmbeddingEvent:
		strategy, failed = data.Strategy, data.Failed > 0
	default:
		return true
	}

	if filter.ErrorsOnly && !failed {
		return false
	}
	if len(filter.Strategies) == 0 {
		return true
	}
	for _, s := range filter.Strategies {
		if strings.EqualFold(s, strategy) {
			return true
		}
	}
	return false
}

// BroadcastEvent sends an event to all connected clients (only if enabled in config)
func (h *Hub) BroadcastEvent(event Event) {
	if !h.shouldBroadcastEvent(event.Type) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.enqueue(event, nil)
}

func (h *Hub) enqueue(event Event, exclude *Client) {
	if !h.shouldBroadcastEvent(event.Type) {
		return
	}
	select {
	case h.broadcast <- envelope{event: event, exclude: exclude}:
	default:
		h.stats.droppedEvents.Add(1)
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// shouldBroadcastEvent checks if an event type should be broadcast based on configuration
func (h *Hub) shouldBroadcastEvent(eventType EventType) bool {
	switch eventType {
	case EventTypePooling:
		return h.config.BroadcastPooling
	case EventTypeEmbedding:
		return h.config.BroadcastEmbedding
	case EventTypeSystemStatus:
		return h.config.BroadcastSystem
	case EventTypeConnection:
		return h.config.BroadcastConnections
	default:
		return false
	}
}

// HandleWebSocket authenticates and upgrades a connection
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="pooler"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if h.config.MaxConnections > 0 && h.ClientCount() >= h.config.MaxConnections {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          "client_" + uuid.NewString(),
		Conn:        conn,
		Send:        make(chan Event, sendBufferSize),
		ConnectedAt: time.Now(),
		IP:          ClientIP(r),
		UserAgent:   r.UserAgent(),
	}
	client.lastPing.Store(time.Now().UnixNano())

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.handleClientWrite(client)
	go h.handleClientRead(client)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.config.Username == "" && h.config.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// handleClientWrite handles writing messages to the client
func (h *Hub) handleClientWrite(client *Client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientRead handles reading messages from the client
func (h *Hub) handleClientRead(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.Conn.Close()
	}()

	conn := client.Conn
	conn.SetReadLimit(h.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		client.lastPing.Store(time.Now().UnixNano())
		return conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}

		h.handleClientMessage(client, msg)
	}
}

// handleClientMessage handles messages received from clients
func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		var subscription SubscriptionRequest
		if err := json.Unmarshal(msg.Data, &subscription); err != nil {
			h.logger.Debug("Invalid subscription",
				zap.String("client_id", client.ID),
				zap.Error(err),
			)
			return
		}
		client.subscription.Store(&subscription)
		h.logger.Info("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Any("subscription", subscription),
		)
	case "unsubscribe":
		client.subscription.Store(nil)
	case "ping":
		h.reply(client, Event{
			Type:      EventTypePong,
			Timestamp: time.Now(),
			Data:      map[string]string{"message": "pong"},
		})
	}
}

// reply sends to a single client if it is still registered
func (h *Hub) reply(client *Client, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return
	}
	select {
	case client.Send <- event:
	default:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	return HubStats{
		TotalConnections:   h.stats.totalConnections.Load(),
		ActiveConnections:  int64(h.ClientCount()),
		TotalMessages:      h.stats.totalMessages.Load(),
		TotalBroadcasts:    h.stats.totalBroadcasts.Load(),
		DroppedEvents:      h.stats.droppedEvents.Load(),
		LastConnectionTime: unixTime(h.stats.lastConnection.Load()),
		LastDisconnectTime: unixTime(h.stats.lastDisconnect.Load()),
		LastBroadcastTime:  unixTime(h.stats.lastBroadcast.Load()),
	}
}

func unixTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// ClientIP extracts the client IP from the request, preferring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
