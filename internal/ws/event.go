package ws

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType represents the type of a hub payload.
type MessageType string

const (
	MessageRequestCreated       MessageType = "RequestCreated"
	MessageRequestUpdated       MessageType = "RequestUpdated"
	MessageRequestStatusChanged MessageType = "RequestStatusChanged"
	MessageRequestDeleted       MessageType = "RequestDeleted"
	MessageCommentAdded         MessageType = "CommentAdded"
	MessageAttachmentUpdated    MessageType = "AttachmentUpdated"
	MessageRequestsOverdue      MessageType = "RequestsOverdue"
)

// AllRequestsTopic follows every request event.
const AllRequestsTopic = "requests"

const requestTopicPrefix = "request:"

// RequestTopic is the topic carrying events for a single request.
func RequestTopic(requestID string) string {
	return requestTopicPrefix + requestID
}

func requestIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, requestTopicPrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(topic, requestTopicPrefix))
	return id, id != ""
}

// Event is the JSON envelope pushed to clients.
type Event struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publish encodes event and broadcasts it on the request's topic. Events not
// tied to a single request go to AllRequestsTopic, so clients following only
// specific requests do not see them.
func (h *Hub) Publish(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	topic := AllRequestsTopic
	if event.RequestID != "" {
		topic = RequestTopic(event.RequestID)
	}
	if !h.Broadcast(topic, payload) {
		return ErrBroadcastDropped
	}
	return nil
}
