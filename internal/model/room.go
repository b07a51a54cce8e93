package model

import "time"

// Room is a server-assigned conversation record. It backs the admin inbox
// only; message ordering inside a conversation is the store's concern.
type Room struct {
	ID          int64     `json:"id"`
	SessionKey  string    `json:"sessionId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UnreadCount int       `json:"unreadCount,omitempty"`
	// LastMessage is the newest message preview, when the backend sends one.
	LastMessage *Message `json:"lastMessage,omitempty"`
}
