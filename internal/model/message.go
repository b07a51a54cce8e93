package model

import "time"

// Sender tags the author side of a message.
type Sender string

const (
	SenderUser  Sender = "USER"
	SenderAdmin Sender = "ADMIN"
)

// Message status values used on the /app/chat.status destination.
const (
	StatusSeen      = "SEEN"
	StatusDelivered = "DELIVERED"
)

// Message is one normalized chat message as displayed by a client.
//
// Positive ids are server-assigned and globally ordered by arrival.
// Negative ids mark optimistic local sends that have not been confirmed
// yet; they disappear on reconciliation.
type Message struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"sessionId"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	SentAt     time.Time `json:"sentAt"`
	Seen       bool      `json:"seen,omitempty"`
	Delivered  bool      `json:"delivered,omitempty"`
}

// Optimistic reports whether the message is a local unconfirmed send.
func (m Message) Optimistic() bool {
	return m.ID < 0
}

// TypingState is the latest "is composing" signal for one conversation.
// Ephemeral: never persisted, only the newest value per sender matters.
type TypingState struct {
	SessionKey string `json:"sessionId"`
	Sender     Sender `json:"sender"`
	Typing     bool   `json:"typing"`
}
