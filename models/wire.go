package models

import (
	"encoding/json"
	"time"
)

// Event names carried in Frame.Type
const (
	EventSendGroupMessage = "sendGroupMessage"
	EventGroupMessage     = "groupMessage"
	EventGroupMembership  = "groupMembership"
)

// Frame is the format for real-time messages on the socket
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handshake is attached to the socket at connect time
type Handshake struct {
	UserID string `json:"userId"`
}

// OutboundMessage is published when the local user sends a message
type OutboundMessage struct {
	SenderID       string   `json:"senderId"`
	ConversationID string   `json:"conversationId"`
	Content        string   `json:"content"`
	TaggedUserIDs  []string `json:"taggedUserIds"`
	ClientKey      string   `json:"clientKey,omitempty"`
}

// InboundMessage is pushed by the server for every group message,
// including the echo of the local user's own sends
type InboundMessage struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"groupId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	IsTagged   bool      `json:"isTagged,omitempty"`
	ClientKey  string    `json:"clientKey,omitempty"`
}

// ToMessage converts a server push into a confirmed store message
func (in InboundMessage) ToMessage() Message {
	return Message{
		ID:             in.ID,
		ConversationID: in.GroupID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Content:        in.Content,
		CreatedAt:      in.CreatedAt,
		State:          StateConfirmed,
		ClientKey:      in.ClientKey,
		Tagged:         in.IsTagged,
	}
}

// Sender is the optional embedded author of a history record
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HistoryRecord is one entry of a history page, served newest-first
type HistoryRecord struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  string    `json:"senderId"`
	Sender    *Sender   `json:"sender,omitempty"`
	ClientKey string    `json:"clientKey,omitempty"`
}

// ToMessage converts a history record of the given conversation
func (r HistoryRecord) ToMessage(conversationID string) Message {
	msg := Message{
		ID:             r.ID,
		ConversationID: conversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
		State:          StateConfirmed,
		ClientKey:      r.ClientKey,
	}
	if r.Sender != nil {
		if msg.SenderID == "" {
			msg.SenderID = r.Sender.ID
		}
		msg.SenderName = r.Sender.Name
	}
	return msg
}

// ConversationEntry is a raw conversation-list item. Servers disagree on
// field names, so both spellings are accepted.
type ConversationEntry struct {
	ID          string     `json:"id,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`
	Name        string     `json:"name,omitempty"`
	GroupName   string     `json:"groupName,omitempty"`
	LastMessage string     `json:"lastMessage,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	UnreadCount int        `json:"unreadCount,omitempty"`
}

// Normalize maps the entry to a Conversation. Entries without an id or a
// name come back with the missing field empty; callers drop them.
func (e ConversationEntry) Normalize() Conversation {
	conv := Conversation{
		ID:          e.ID,
		Name:        e.Name,
		Preview:     e.LastMessage,
		UnreadCount: e.UnreadCount,
	}
	if conv.ID == "" {
		conv.ID = e.GroupID
	}
	if conv.Name == "" {
		conv.Name = e.GroupName
	}
	if e.UpdatedAt != nil {
		conv.LastActivity = *e.UpdatedAt
	}
	return conv
}
