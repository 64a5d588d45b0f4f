package bus

import "time"

// MessageType is the topic a message is published under.
type MessageType string

const (
	Question              MessageType = "question"
	Answer                MessageType = "answer"
	CollaborationRequest  MessageType = "collaboration-request"
	CollaborationResponse MessageType = "collaboration-response"
	StatusUpdate          MessageType = "status-update"
	TaskHandoff           MessageType = "task-handoff"
	Alert                 MessageType = "alert"
)

// Message is an envelope exchanged between agents.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to,omitempty"` // empty means broadcast
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	// CorrelationID links a response to the request that caused it.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Broadcast reports whether m is addressed to every subscribed agent.
func (m Message) Broadcast() bool {
	return m.To == ""
}

// Handler processes a delivered message. A returned error is logged and counted by the bus;
// it never reaches the publisher.
type Handler func(Message) error

// Statistics summarizes bus activity.
type Statistics struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	HandlerErrors uint64 `json:"handler_errors"`
	Timeouts      uint64 `json:"timeouts"`
	Subscriptions int    `json:"subscriptions"`
	Agents        int    `json:"agents"`
	HistorySize   int    `json:"history_size"`
}
