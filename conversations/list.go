package conversations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fabchat/logger"
	"fabchat/models"
)

// ErrSync wraps a failed conversation-list fetch.
var ErrSync = errors.New("conversation list sync failed")

// Lister fetches the authoritative conversation list.
type Lister interface {
	FetchConversations(ctx context.Context) ([]models.ConversationEntry, error)
}

// List keeps conversations most-recently-active first, with unread counts.
type List struct {
	mu      sync.Mutex
	entries []models.Conversation
	unread  map[string]int
	log     *logger.Logger
}

func NewList(log *logger.Logger) *List {
	return &List{
		unread: make(map[string]int),
		log:    logger.Or(log).With("component", "conversations"),
	}
}

// Initialize replaces the list wholesale. Entries without an id or a name
// are dropped; duplicates keep their first occurrence. Unread counts the
// server does not report survive for conversations still listed.
func (l *List) Initialize(entries []models.ConversationEntry) {
	convs := make([]models.Conversation, 0, len(entries))
	unread := make(map[string]int)
	seen := make(map[string]bool)
	for _, e := range entries {
		c := e.Normalize()
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" || strings.TrimSpace(c.Name) == "" {
			continue
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if c.UnreadCount > 0 {
			unread[c.ID] = c.UnreadCount
		}
		convs = append(convs, c)
	}
	sortByActivity(convs)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, n := range l.unread {
		if seen[id] && unread[id] == 0 {
			unread[id] = n
		}
	}
	dropped := len(entries) - len(convs)
	l.entries = convs
	l.unread = unread
	if dropped > 0 {
		l.log.Debug("dropped conversation entries", "count", dropped)
	}
}

// Sync fetches the list from lister and initializes from it. A failed
// fetch leaves the current list untouched.
func (l *List) Sync(ctx context.Context, lister Lister) error {
	entries, err := lister.FetchConversations(ctx)
	if err != nil {
		l.log.Warn("conversation sync failed", "error", err)
		return fmt.Errorf("%w: %v", ErrSync, err)
	}
	l.Initialize(entries)
	return nil
}

// BumpToFront records new activity and moves the conversation to index 0.
// Unknown conversations are ignored; reports whether one was moved.
func (l *List) BumpToFront(conversationID, preview string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(conversationID)
	if i < 0 {
		return false
	}
	c := l.entries[i]
	c.Preview = preview
	c.LastActivity = at
	copy(l.entries[1:i+1], l.entries[:i])
	l.entries[0] = c
	return true
}

// Upsert adds a conversation or renames an existing one, keeping order.
func (l *List) Upsert(c models.Conversation) {
	if c.ID == "" || c.Name == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if i := l.indexLocked(c.ID); i >= 0 {
		l.entries[i].Name = c.Name
		return
	}
	l.entries = append(l.entries, c)
	sortByActivity(l.entries)
}

// Remove drops a conversation from the list and the unread set.
func (l *List) Remove(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.unread, conversationID)
	i := l.indexLocked(conversationID)
	if i < 0 {
		return false
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return true
}

// MarkUnread increments the unread counter of a conversation.
func (l *List) MarkUnread(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unread[conversationID]++
}

// ClearUnread removes the conversation from the unread set.
func (l *List) ClearUnread(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.unread, conversationID)
}

func (l *List) IsUnread(conversationID string) bool {
	return l.UnreadCount(conversationID) > 0
}

func (l *List) UnreadCount(conversationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unread[conversationID]
}

// Has reports whether the conversation is in the list.
func (l *List) Has(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.indexLocked(conversationID) >= 0
}

// Get returns one conversation with its current unread count.
func (l *List) Get(conversationID string) (models.Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(conversationID)
	if i < 0 {
		return models.Conversation{}, false
	}
	c := l.entries[i]
	c.UnreadCount = l.unread[c.ID]
	return c, true
}

// Entries returns a snapshot in display order.
func (l *List) Entries() []models.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Conversation, len(l.entries))
	for i, c := range l.entries {
		c.UnreadCount = l.unread[c.ID]
		out[i] = c
	}
	return out
}

func (l *List) indexLocked(conversationID string) int {
	for i, c := range l.entries {
		if c.ID == conversationID {
			return i
		}
	}
	return -1
}

func sortByActivity(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})
}
