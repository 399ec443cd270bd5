package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func startHub(t *testing.T, config *HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(config, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]interface{}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return event
}

func TestHubBroadcast(t *testing.T) {
	hub, server := startHub(t, &HubConfig{BroadcastPooling: true})

	conn, _, err := dial(t, server, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.BroadcastEvent(Event{
		Type:      EventTypePooling,
		RequestID: "req-1",
		Data:      PoolingEvent{Strategy: "mean", BatchSize: 1, SeqLen: 2, HiddenSize: 3},
	})

	event := readEvent(t, conn)
	if event["type"] != string(EventTypePooling) || event["request_id"] != "req-1" {
		t.Errorf("Unexpected event: %v", event)
	}
	data := event["data"].(map[string]interface{})
	if data["strategy"] != "mean" || data["hidden_size"].(float64) != 3 {
		t.Errorf("Unexpected payload: %v", data)
	}

	stats := hub.GetStats()
	if stats.TotalConnections != 1 || stats.ActiveConnections != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestHubDisabledEvents(t *testing.T) {
	hub, server := startHub(t, &HubConfig{BroadcastEmbedding: true})

	conn, _, err := dial(t, server, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	// pooling events are disabled, so the embedding event arrives first
	hub.BroadcastEvent(Event{Type: EventTypePooling, Data: PoolingEvent{Strategy: "cls"}})
	hub.BroadcastEvent(Event{Type: EventTypeEmbedding, Data: EmbeddingEvent{Strategy: "cls", Texts: 2}})

	event := readEvent(t, conn)
	if event["type"] != string(EventTypeEmbedding) {
		t.Errorf("Expected embedding event, got %v", event["type"])
	}
}

func TestHubAuth(t *testing.T) {
	hub, server := startHub(t, &HubConfig{Username: "admin", Password: "secret"})

	t.Run("Missing", func(t *testing.T) {
		_, resp, err := dial(t, server, nil)
		if err == nil {
			t.Fatal("Expected dial to fail without credentials")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %v", resp)
		}
	})

	t.Run("Wrong", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		req.SetBasicAuth("admin", "wrong")
		_, resp, err := dial(t, server, req.Header)
		if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected 401 for wrong password, got %v", resp)
		}
	})

	t.Run("Valid", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		req.SetBasicAuth("admin", "secret")
		conn, _, err := dial(t, server, req.Header)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		conn.Close()
		waitForClients(t, hub, 0)
	})
}

func TestHubMaxConnections(t *testing.T) {
	hub, server := startHub(t, &HubConfig{MaxConnections: 1})

	conn, _, err := dial(t, server, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	_, resp, err := dial(t, server, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 over the connection limit, got %v", resp)
	}
}

func TestHubClientMessages(t *testing.T) {
	hub, server := startHub(t, &HubConfig{BroadcastPooling: true, BroadcastEmbedding: true})

	conn, _, err := dial(t, server, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(ClientMessage{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	if event := readEvent(t, conn); event["type"] != string(EventTypePong) {
		t.Errorf("Expected pong, got %v", event["type"])
	}

	sub, _ := json.Marshal(SubscriptionRequest{
		Events: []EventType{EventTypePooling},
		Filter: &EventFilter{Strategies: []string{"cls"}},
	})
	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", Data: sub}); err != nil {
		t.Fatal(err)
	}
	// the ping round trip orders the subscription before the broadcasts
	if err := conn.WriteJSON(ClientMessage{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	readEvent(t, conn)

	hub.BroadcastEvent(Event{Type: EventTypeEmbedding, Data: EmbeddingEvent{Strategy: "cls"}})
	hub.BroadcastEvent(Event{Type: EventTypePooling, Data: PoolingEvent{Strategy: "mean"}})
	hub.BroadcastEvent(Event{Type: EventTypePooling, RequestID: "wanted", Data: PoolingEvent{Strategy: "cls"}})

	if event := readEvent(t, conn); event["request_id"] != "wanted" {
		t.Errorf("Expected only the cls pooling event, got %v", event)
	}
}

func TestApplyEventFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		event  Event
		want   bool
	}{
		{"no constraints", EventFilter{}, Event{Data: PoolingEvent{Strategy: "mean"}}, true},
		{"strategy match", EventFilter{Strategies: []string{"MEAN"}}, Event{Data: PoolingEvent{Strategy: "mean"}}, true},
		{"strategy miss", EventFilter{Strategies: []string{"cls"}}, Event{Data: EmbeddingEvent{Strategy: "mean"}}, false},
		{"errors only ok", EventFilter{ErrorsOnly: true}, Event{Data: PoolingEvent{}}, false},
		{"errors only failed", EventFilter{ErrorsOnly: true}, Event{Data: EmbeddingEvent{Failed: 1}}, true},
		{"other payload", EventFilter{Strategies: []string{"cls"}}, Event{Data: ConnectionEvent{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := applyEventFilter(&tt.filter, tt.event); got != tt.want {
				t.Errorf("applyEventFilter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.2.3.4:5", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.3"}, "1.2.3.4:5", "10.0.0.3"},
		{"remote addr", nil, "1.2.3.4:5", "1.2.3.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
