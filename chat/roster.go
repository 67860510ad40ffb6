package chat

import (
	"sync"

	"fabchat/conversations"
	"fabchat/models"
)

// roster resolves display names from what the session has seen so far
type roster struct {
	list  *conversations.List
	mu    sync.RWMutex
	names map[string]string
}

func newRoster(list *conversations.List) *roster {
	return &roster{list: list, names: make(map[string]string)}
}

func (r *roster) set(userID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[userID] = name
}

func (r *roster) learn(msgs []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		if m.SenderName != "" {
			r.names[m.SenderID] = m.SenderName
		}
	}
}

func (r *roster) DisplayName(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[userID]
}

func (r *roster) ConversationName(conversationID string) string {
	if c, ok := r.list.Get(conversationID); ok {
		return c.Name
	}
	return ""
}
