package session

import (
	"sync"

	"fabchat/logger"
)

// FocusStore persists the open conversation so it survives a restart.
type FocusStore interface {
	SaveFocus(userID, conversationID string) error
	LoadFocus(userID string) (string, error)
}

// Identity exposes the current user's id.
type Identity interface {
	UserID() string
}

// Focus exposes the UI signals the notification gate reads.
type Focus interface {
	FocusedConversation() string
	AppVisible() bool
	OnChatView() bool
}

// State is the session/focus collaborator shared by the dispatcher, the
// composer and the notification gate.
type State struct {
	mu         sync.RWMutex
	userID     string
	focused    string
	visible    bool
	onChatView bool
	store      FocusStore
	log        *logger.Logger
}

// New creates the session state for userID. store may be nil.
func New(userID string, store FocusStore, log *logger.Logger) *State {
	return &State{
		userID:  userID,
		visible: true,
		store:   store,
		log:     logger.Or(log).With("component", "session"),
	}
}

func (s *State) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *State) FocusedConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.focused
}

func (s *State) AppVisible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible
}

func (s *State) OnChatView() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onChatView
}

// Focus opens a conversation in the chat view and persists the choice.
// Persistence failures are logged only.
func (s *State) Focus(conversationID string) {
	s.mu.Lock()
	s.focused = conversationID
	s.onChatView = conversationID != ""
	userID, store := s.userID, s.store
	s.mu.Unlock()

	if store == nil {
		return
	}
	if err := store.SaveFocus(userID, conversationID); err != nil {
		s.log.Warn("persist focus failed", "conversation", conversationID, "error", err)
	}
}

// LeaveChatView records that the user navigated away from the chat
// screen. The focused conversation is kept for when they return.
func (s *State) LeaveChatView() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChatView = false
}

// SetVisible records the application window visibility.
func (s *State) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = visible
}

// Restore reloads the persisted focus after a restart and returns it.
func (s *State) Restore() string {
	s.mu.RLock()
	userID, store := s.userID, s.store
	s.mu.RUnlock()
	if store == nil {
		return ""
	}

	conversationID, err := store.LoadFocus(userID)
	if err != nil {
		s.log.Warn("restore focus failed", "error", err)
		return ""
	}
	s.mu.Lock()
	s.focused = conversationID
	s.onChatView = conversationID != ""
	s.mu.Unlock()
	return conversationID
}
