package ws

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestIsAllowedSubscriptionTopic(t *testing.T) {
	if !isAllowedSubscriptionTopic("requests") {
		t.Fatalf("expected all-requests topic to be allowed")
	}
	if !isAllowedSubscriptionTopic("request:550e8400-e29b-41d4-a716-446655440000") {
		t.Fatalf("expected request topic to be allowed")
	}
	if isAllowedSubscriptionTopic("") {
		t.Fatalf("expected empty topic to be rejected")
	}
	if isAllowedSubscriptionTopic("request:") {
		t.Fatalf("expected request topic without id to be rejected")
	}
	if isAllowedSubscriptionTopic("request:bad id") {
		t.Fatalf("expected topic with spaces to be rejected")
	}
	if isAllowedSubscriptionTopic("project:123") {
		t.Fatalf("expected unknown topic family to be rejected")
	}
}

type stubRequestChecker struct {
	existing    map[string]bool
	errByID     map[string]error
	seenContext context.Context
}

func (s *stubRequestChecker) RequestExists(ctx context.Context, id string) (bool, error) {
	s.seenContext = ctx
	if err, ok := s.errByID[id]; ok {
		return false, err
	}
	return s.existing[id], nil
}

func TestProcessClientMessageSubscribeExistingRequest(t *testing.T) {
	client := NewClient(nil, nil)
	topic := RequestTopic("req-1")

	processClientMessage(context.Background(), client, clientMessage{Type: "subscribe", Topic: topic},
		&stubRequestChecker{existing: map[string]bool{"req-1": true}})

	if !client.IsSubscribedToTopic(topic) {
		t.Fatalf("expected client to be subscribed to %q", topic)
	}
}

func TestProcessClientMessageSubscribeMissingRequestDenied(t *testing.T) {
	client := NewClient(nil, nil)
	topic := RequestTopic("req-404")

	processClientMessage(context.Background(), client, clientMessage{Type: "subscribe", Topic: topic},
		&stubRequestChecker{existing: map[string]bool{}})

	if client.IsSubscribedToTopic(topic) {
		t.Fatalf("expected subscription to a missing request to be rejected")
	}
}

func TestProcessClientMessageUsesClientContext(t *testing.T) {
	type contextKey string

	client := NewClient(nil, nil)
	ctx := context.WithValue(context.Background(), contextKey("trace_id"), "trace-123")
	checker := &stubRequestChecker{existing: map[string]bool{"req-1": true}}

	processClientMessage(ctx, client, clientMessage{Type: "subscribe", Topic: RequestTopic("req-1")}, checker)

	require.NotNil(t, checker.seenContext)
	require.Equal(t, "trace-123", checker.seenContext.Value(contextKey("trace_id")))
}

func TestProcessClientMessageCheckerErrorLogsWarningAndDenies(t *testing.T) {
	client := NewClient(nil, nil)
	topic := RequestTopic("req-err")
	checker := &stubRequestChecker{errByID: map[string]error{"req-err": context.DeadlineExceeded}}

	var logs bytes.Buffer
	originalOutput := log.StandardLogger().Out
	log.SetOutput(&logs)
	t.Cleanup(func() {
		log.SetOutput(originalOutput)
	})

	processClientMessage(context.Background(), client, clientMessage{Type: "subscribe", Topic: topic}, checker)

	require.False(t, client.IsSubscribedToTopic(topic))
	require.Contains(t, logs.String(), "websocket subscription check failed")
	require.Contains(t, logs.String(), "req-err")
}

func TestIsWebSocketOriginAllowed_NoOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://gifts.example.org/ws", nil)
	req.Host = "gifts.example.org"

	if !isWebSocketOriginAllowed(req, nil) {
		t.Fatalf("expected empty origin to be allowed")
	}
}

func TestIsWebSocketOriginAllowed_SameOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://gifts.example.org/ws", nil)
	req.Host = "gifts.example.org"
	req.Header.Set("Origin", "http://gifts.example.org")

	if !isWebSocketOriginAllowed(req, nil) {
		t.Fatalf("expected same-origin websocket to be allowed")
	}
}

func TestIsWebSocketOriginAllowed_CrossOriginDeniedByDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://gifts.example.org/ws", nil)
	req.Host = "gifts.example.org"
	req.Header.Set("Origin", "https://evil.example")

	if isWebSocketOriginAllowed(req, nil) {
		t.Fatalf("expected cross-origin websocket to be denied by default")
	}
}

func TestIsWebSocketOriginAllowed_AllowList(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.org/ws", nil)
	req.Host = "api.example.org"
	req.Header.Set("Origin", "https://desk.example.org")

	if !isWebSocketOriginAllowed(req, []string{"https://desk.example.org"}) {
		t.Fatalf("expected allow-listed origin to be allowed")
	}
	if !isWebSocketOriginAllowed(req, []string{"https://*.example.org"}) {
		t.Fatalf("expected wildcard subdomain origin to be allowed")
	}
	if isWebSocketOriginAllowed(req, []string{"http://desk.example.org"}) {
		t.Fatalf("expected scheme mismatch to be denied")
	}
}

func TestIsWebSocketOriginAllowed_LoopbackAliasAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:4200/ws", nil)
	req.Host = "127.0.0.1:4200"
	req.Header.Set("Origin", "http://localhost:4200")

	if !isWebSocketOriginAllowed(req, nil) {
		t.Fatalf("expected loopback alias origin to be allowed")
	}
}

func dialTestServer(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(&Handler{Hub: hub})
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestClientReceivesPublishedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	conn := dialTestServer(t, hub)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, hub.Publish(Event{
		Type:      MessageRequestCreated,
		RequestID: "req-1",
		Data:      map[string]string{"recipient_name": "Alice"},
		Timestamp: time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC),
	}))

	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "RequestCreated",
		"request_id": "req-1",
		"data": {"recipient_name": "Alice"},
		"timestamp": "2024-03-05T10:30:00Z"
	}`, string(message))
}

func TestClientReadPumpUnsubscribeTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	conn := dialTestServer(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "topic": RequestTopic("req-1")}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "topic": RequestTopic("req-2")}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unsubscribe", "topic": RequestTopic("req-1")}))

	for _, want := range []serverReply{
		{Type: "subscribed", Topic: RequestTopic("req-1")},
		{Type: "subscribed", Topic: RequestTopic("req-2")},
		{Type: "unsubscribed", Topic: RequestTopic("req-1")},
	} {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var got serverReply
		require.NoError(t, conn.ReadJSON(&got))
		require.Equal(t, want, got)
	}

	hub.Broadcast(RequestTopic("req-1"), []byte(`{"event":"should-not-arrive"}`))

	_ = conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestProcessClientMessageReplies(t *testing.T) {
	client := NewClient(nil, nil)
	checker := &stubRequestChecker{existing: map[string]bool{"req-1": true}}

	tests := []struct {
		name    string
		payload clientMessage
		want    serverReply
	}{
		{"ping", clientMessage{Type: "PING"}, serverReply{Type: "pong"}},
		{"all requests", clientMessage{Type: "subscribe", Topic: AllRequestsTopic}, serverReply{Type: "subscribed", Topic: AllRequestsTopic}},
		{"missing request", clientMessage{Type: "subscribe", Topic: RequestTopic("nope")}, serverReply{Type: "error", Topic: RequestTopic("nope"), Error: "request not found"}},
		{"bad topic", clientMessage{Type: "subscribe", Topic: "project:1"}, serverReply{Type: "error", Topic: "project:1", Error: "invalid topic"}},
		{"unknown type", clientMessage{Type: "shout", Topic: RequestTopic("req-1")}, serverReply{Type: "error", Topic: RequestTopic("req-1"), Error: "unknown message type"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, processClientMessage(context.Background(), client, tt.payload, checker))
		})
	}
}
