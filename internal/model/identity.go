package model

// UserClass is the caller's class on the chat channel.
type UserClass string

const (
	ClassGuest UserClass = "PUBLIC"
	ClassUser  UserClass = "USER"
	ClassAdmin UserClass = "ADMIN"
)

// ConversationIdentity addresses one logical conversation. The session key
// is a per-browser UUID for guests and the account id for authenticated
// users; changing it starts a new conversation.
type ConversationIdentity struct {
	Class      UserClass
	SessionKey string
	// AuthToken is set for USER/ADMIN only.
	AuthToken string
}

// Authenticated reports whether the identity carries an account.
func (id ConversationIdentity) Authenticated() bool {
	return id.Class == ClassUser || id.Class == ClassAdmin
}

// Sender is the message author tag this identity writes with.
func (id ConversationIdentity) Sender() Sender {
	if id.Class == ClassAdmin {
		return SenderAdmin
	}
	return SenderUser
}
