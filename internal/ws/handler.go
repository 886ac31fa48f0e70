package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var subscriptionTopicPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)

// RequestChecker confirms a request exists before a client may follow it.
type RequestChecker interface {
	RequestExists(ctx context.Context, id string) (bool, error)
}

// Handler upgrades HTTP connections to websocket clients.
type Handler struct {
	Hub            *Hub
	Requests       RequestChecker
	AllowedOrigins []string
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isWebSocketOriginAllowed(r, h.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(h.Hub, conn)
	h.Hub.Register(client)

	go client.WritePump()
	client.ReadPump(r.Context(), h.Requests)
}

type clientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// serverReply acknowledges a client control message.
type serverReply struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

// ReadPump reads control messages until the connection drops.
func (c *Client) ReadPump(clientCtx context.Context, requests RequestChecker) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}

		var payload clientMessage
		if err := json.Unmarshal(message, &payload); err != nil {
			c.reply(serverReply{Type: "error", Error: "invalid message"})
			continue
		}
		c.reply(processClientMessage(clientCtx, c, payload, requests))
	}
}

// reply queues a control reply, dropping it when the send buffer is full.
func (c *Client) reply(msg serverReply) {
	if msg.Type == "" {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.Send <- payload:
	default:
	}
}

// WritePump drains Send to the connection and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processClientMessage applies a subscribe, unsubscribe or ping message and
// returns the reply to send back.
func processClientMessage(
	ctx context.Context,
	client *Client,
	payload clientMessage,
	requests RequestChecker,
) serverReply {
	if client == nil {
		return serverReply{}
	}

	kind := strings.ToLower(strings.TrimSpace(payload.Type))
	if kind == "ping" {
		return serverReply{Type: "pong"}
	}

	topic := strings.TrimSpace(payload.Topic)
	if !isAllowedSubscriptionTopic(topic) {
		return serverReply{Type: "error", Topic: topic, Error: "invalid topic"}
	}

	switch kind {
	case "subscribe":
		if requestID, ok := requestIDFromTopic(topic); ok && requests != nil {
			if ctx == nil {
				ctx = context.Background()
			}
			exists, err := requests.RequestExists(ctx, requestID)
			if err != nil {
				log.WithError(err).WithField("request_id", requestID).Warn("websocket subscription check failed")
				return serverReply{Type: "error", Topic: topic, Error: "subscription unavailable"}
			}
			if !exists {
				return serverReply{Type: "error", Topic: topic, Error: "request not found"}
			}
		}
		client.SubscribeTopic(topic)
		return serverReply{Type: "subscribed", Topic: topic}
	case "unsubscribe":
		client.UnsubscribeTopic(topic)
		return serverReply{Type: "unsubscribed", Topic: topic}
	default:
		return serverReply{Type: "error", Topic: topic, Error: "unknown message type"}
	}
}

func isAllowedSubscriptionTopic(topic string) bool {
	topic = strings.TrimSpace(topic)
	if topic == "" || len(topic) > 200 {
		return false
	}
	if !subscriptionTopicPattern.MatchString(topic) {
		return false
	}
	if topic == AllRequestsTopic {
		return true
	}
	_, ok := requestIDFromTopic(topic)
	return ok
}

func isWebSocketOriginAllowed(r *http.Request, allowList []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := normalizeOriginHost(originURL.Host)
	if originHost == "" {
		return false
	}

	reqHost := normalizeOriginHost(r.Host)
	if reqHost == originHost || isLoopbackAliasPair(reqHost, originHost) {
		return true
	}

	for _, candidate := range allowList {
		if isAllowedOriginCandidate(originURL, candidate) {
			return true
		}
	}
	return false
}

func normalizeOriginHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "[") && strings.Contains(host, "]") {
		if parsedHost, _, err := net.SplitHostPort(host); err == nil {
			return strings.Trim(parsedHost, "[]")
		}
		return strings.Trim(host, "[]")
	}
	if parsedHost, _, err := net.SplitHostPort(host); err == nil {
		return parsedHost
	}
	return host
}

func isLoopbackAliasPair(a, b string) bool {
	loopback := map[string]bool{
		"localhost": true,
		"127.0.0.1": true,
		"::1":       true,
	}
	return loopback[a] && loopback[b]
}

func isAllowedOriginCandidate(originURL *url.URL, candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	if candidate == "*" {
		return true
	}

	parsedCandidate, err := url.Parse(candidate)
	if err != nil {
		return false
	}

	if parsedCandidate.Scheme != "" && parsedCandidate.Scheme != originURL.Scheme {
		return false
	}
	patternHost := normalizeOriginHost(parsedCandidate.Host)
	if patternHost == "" {
		return false
	}

	actualHost := normalizeOriginHost(originURL.Host)
	if strings.HasPrefix(patternHost, "*.") {
		suffix := strings.TrimPrefix(patternHost, "*.")
		if actualHost == suffix {
			return false
		}
		return strings.HasSuffix(actualHost, "."+suffix)
	}
	return actualHost == patternHost
}
