package models

import "time"

// DeliveryState tracks a message through its optimistic lifecycle
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// Message is a chat message as held by the local history store
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	State          DeliveryState `json:"state"`
	ClientKey      string        `json:"client_key,omitempty"`
	Tagged         bool          `json:"tagged,omitempty"`
	TaggedUserIDs  []string      `json:"tagged_user_ids,omitempty"`
}

// Pending reports whether the message still awaits its server echo
func (m Message) Pending() bool {
	return m.State == StatePending
}

// Conversation represents a group chat thread in the sidebar list
type Conversation struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Preview      string    `json:"preview"`
	LastActivity time.Time `json:"last_activity"`
	UnreadCount  int       `json:"unread_count"`
}
