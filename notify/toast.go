package notify

import "sync"

// ToastBoard holds the latest in-app toast per conversation. A new toast
// for a conversation supersedes the previous one.
type ToastBoard struct {
	mu     sync.Mutex
	latest map[string]Alert
	order  []string
}

func NewToastBoard() *ToastBoard {
	return &ToastBoard{latest: make(map[string]Alert)}
}

func (b *ToastBoard) Show(a Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.latest[a.ConversationID]; ok {
		for i, id := range b.order {
			if id == a.ConversationID {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.latest[a.ConversationID] = a
	b.order = append(b.order, a.ConversationID)
}

// Dismiss removes the toast of a conversation, typically when it is opened
func (b *ToastBoard) Dismiss(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.latest[conversationID]; !ok {
		return
	}
	delete(b.latest, conversationID)
	for i, id := range b.order {
		if id == conversationID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Active returns the visible toasts, most recent last
func (b *ToastBoard) Active() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Alert, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.latest[id])
	}
	return out
}
