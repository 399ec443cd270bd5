package websocket

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypePooling is emitted for every /v1/pool request
	EventTypePooling EventType = "pooling"
	// EventTypeEmbedding is emitted for every /v1/embed request
	EventTypeEmbedding EventType = "embedding"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// PoolingEvent describes a completed pooling request
type PoolingEvent struct {
	Strategy     string  `json:"strategy"`
	BatchSize    int     `json:"batch_size"`
	SeqLen       int     `json:"seq_len"`
	HiddenSize   int     `json:"hidden_size"`
	Error        string  `json:"error,omitempty"`
	ProcessingMS float64 `json:"processing_ms"`
}

// EmbeddingEvent describes a completed embedding request
type EmbeddingEvent struct {
	Strategy     string  `json:"strategy"`
	Texts        int     `json:"texts"`
	Successful   int     `json:"successful"`
	Failed       int     `json:"failed"`
	Dimensions   int     `json:"dimensions"`
	CacheHits    int     `json:"cache_hits"`
	TotalTokens  int     `json:"total_tokens"`
	ProcessingMS float64 `json:"processing_ms"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Backend          string `json:"backend"`
	DefaultStrategy  string `json:"default_strategy"`
	TotalRequests    int64  `json:"total_requests"`
	TotalEmbeddings  int64  `json:"total_embeddings"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows pooling and embedding events
type EventFilter struct {
	Strategies []string `json:"strategies,omitempty"`
	ErrorsOnly bool     `json:"errors_only,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	ConnectedAt  time.Time
	IP           string
	UserAgent    string
	subscription atomic.Pointer[SubscriptionRequest]
	lastPing     atomic.Int64
}

// Subscription returns the client's current subscription, nil for all events
func (c *Client) Subscription() *SubscriptionRequest {
	return c.subscription.Load()
}

// LastPing returns when the client last answered a ping
func (c *Client) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}
