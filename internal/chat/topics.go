package chat

import "github.com/storechat/internal/model"

// Broker destinations. Guest conversations are addressed by the opaque
// per-browser id; authenticated conversations by account id, so the same
// person resumes from any device. That asymmetry is the protocol's design,
// not an accident.
const (
	sendDestinationPublic = "/app/chat.send.public"
	sendDestinationUser   = "/app/chat.send.user"
	statusSendDestination = "/app/chat.status"
	topicChatPrefix       = "/topic/chat/"
	topicChatUserPrefix   = "/topic/chat/user/"
	topicTypingPrefix     = "/topic/typing/"
	topicTypingUserPrefix = "/topic/typing/user/"
	topicStatusPrefix     = "/topic/status/"
	topicStatusUserPrefix = "/topic/status/user/"
)

// Binding fixes how one conversation is addressed on the broker. An admin
// opening a customer room binds to that room's guest-addressed topics
// while still writing as ADMIN.
type Binding struct {
	Key              string
	AccountAddressed bool
	Self             model.Sender
}

func (b Binding) MessageTopic() string {
	if b.AccountAddressed {
		return topicChatUserPrefix + b.Key
	}
	return topicChatPrefix + b.Key
}

func (b Binding) TypingTopic() string {
	if b.AccountAddressed {
		return topicTypingUserPrefix + b.Key
	}
	return topicTypingPrefix + b.Key
}

func (b Binding) StatusTopic() string {
	if b.AccountAddressed {
		return topicStatusUserPrefix + b.Key
	}
	return topicStatusPrefix + b.Key
}

func (b Binding) SendDestination() string {
	if b.AccountAddressed {
		return sendDestinationUser
	}
	return sendDestinationPublic
}

// sendPayload is the SEND body for a chat message.
type sendPayload struct {
	SessionID string       `json:"sessionId,omitempty"`
	UserID    string       `json:"userId,omitempty"`
	Message   string       `json:"message"`
	Sender    model.Sender `json:"sender"`
}

func (b Binding) messagePayload(text string) sendPayload {
	p := sendPayload{Message: text, Sender: b.Self}
	if b.AccountAddressed {
		p.UserID = b.Key
	} else {
		p.SessionID = b.Key
	}
	return p
}

// statusPayload is the SEND body for seen/delivered marks.
type statusPayload struct {
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

func (b Binding) statusFor(messageID int64, status string) statusPayload {
	p := statusPayload{MessageID: messageID, Status: status}
	if b.AccountAddressed {
		p.UserID = b.Key
	} else {
		p.SessionID = b.Key
	}
	return p
}
