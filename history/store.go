package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fabchat/logger"
	"fabchat/models"
)

// DefaultPageSize is the number of messages requested per history fetch.
const DefaultPageSize = 20

// ErrFetch wraps every failed history fetch.
var ErrFetch = errors.New("history fetch failed")

// Fetcher loads one page of a conversation's history. Pages come back
// newest-first; beforeID is empty for the newest page.
type Fetcher interface {
	FetchHistory(ctx context.Context, conversationID, beforeID string, limit int) ([]models.Message, error)
}

// Cursor is the pagination state of one conversation
type Cursor struct {
	OldestID string
	HasMore  bool
	Loading  bool
}

type thread struct {
	messages   []models.Message
	ids        map[string]struct{}
	cursor     Cursor
	generation uint64
	limit      int // 0 means uncapped
}

func newThread(limit int) *thread {
	return &thread{
		ids:    make(map[string]struct{}),
		cursor: Cursor{HasMore: true},
		limit:  limit,
	}
}

// Store holds the ordered message list of every loaded conversation.
// Each fetch releases the lock while it waits on the network and
// re-acquires it to merge.
type Store struct {
	mu          sync.Mutex
	fetcher     Fetcher
	pageSize    int
	maxMessages int
	threads     map[string]*thread
	log         *logger.Logger
}

// Option configures a Store
type Option func(*Store)

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithMaxMessages caps each conversation; the oldest messages are evicted
// first. Nothing is evicted while a fetch is in flight. A page loaded by
// LoadOlder widens the window of its conversation to hold it, until the
// next LoadInitial. Zero disables the cap.
func WithMaxMessages(n int) Option {
	return func(s *Store) { s.maxMessages = n }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates an empty store backed by fetcher
func NewStore(fetcher Fetcher, opts ...Option) *Store {
	s := &Store{
		fetcher:  fetcher,
		pageSize: DefaultPageSize,
		threads:  make(map[string]*thread),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Or(s.log).With("component", "history")
	return s
}

func (s *Store) threadLocked(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = newThread(s.maxMessages)
		s.threads[conversationID] = t
	}
	return t
}

// LoadInitial drops everything held for the conversation and fetches the
// newest page. Any fetch still in flight for the old state is discarded
// when it lands.
func (s *Store) LoadInitial(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	old := s.threads[conversationID]
	t := newThread(s.maxMessages)
	if old != nil {
		t.generation = old.generation + 1
	}
	t.cursor.Loading = true
	gen := t.generation
	s.threads[conversationID] = t
	s.mu.Unlock()

	page, err := s.fetcher.FetchHistory(ctx, conversationID, "", s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok || t.generation != gen {
		return nil
	}
	t.cursor.Loading = false
	if err != nil {
		s.log.Warn("initial load failed", "conversation", conversationID, "error", err)
		s.evictLocked(t)
		return fmt.Errorf("%w: conversation %s: %v", ErrFetch, conversationID, err)
	}
	s.mergePageLocked(t, page)
	s.evictLocked(t)
	return nil
}

// LoadOlder fetches the page preceding the oldest loaded message. It
// returns without a network call while another fetch is in flight or once
// the history is exhausted. The returned count is the number of messages
// merged.
func (s *Store) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	t := s.threadLocked(conversationID)
	if t.cursor.Loading || !t.cursor.HasMore {
		s.mu.Unlock()
		return 0, nil
	}
	t.cursor.Loading = true
	gen := t.generation
	before := t.cursor.OldestID
	s.mu.Unlock()

	page, err := s.fetcher.FetchHistory(ctx, conversationID, before, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok || t.generation != gen {
		return 0, nil
	}
	t.cursor.Loading = false
	if err != nil {
		s.log.Warn("load older failed", "conversation", conversationID, "before", before, "error", err)
		s.evictLocked(t)
		return 0, fmt.Errorf("%w: conversation %s: %v", ErrFetch, conversationID, err)
	}
	n := s.mergePageLocked(t, page)
	if t.limit > 0 && len(t.messages) > t.limit {
		t.limit = len(t.messages)
	}
	return n, nil
}

// mergePageLocked merges a newest-first page into the thread in creation
// order, skipping ids already held. Live messages appended while the page
// was in flight may be older than some of its entries.
func (s *Store) mergePageLocked(t *thread, page []models.Message) int {
	if len(page) < s.pageSize {
		t.cursor.HasMore = false
	}
	if len(page) == 0 {
		return 0
	}

	ordered := make([]models.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		msg := page[i]
		if _, dup := t.ids[msg.ID]; dup {
			continue
		}
		if msg.State == "" {
			msg.State = models.StateConfirmed
		}
		t.ids[msg.ID] = struct{}{}
		ordered = append(ordered, msg)
	}
	t.cursor.OldestID = page[len(page)-1].ID
	if len(ordered) == 0 {
		return 0
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	if len(t.messages) == 0 || !ordered[len(ordered)-1].CreatedAt.After(t.messages[0].CreatedAt) {
		t.messages = append(ordered, t.messages...)
		return len(ordered)
	}

	merged := make([]models.Message, 0, len(ordered)+len(t.messages))
	i, j := 0, 0
	for i < len(ordered) && j < len(t.messages) {
		if t.messages[j].CreatedAt.Before(ordered[i].CreatedAt) {
			merged = append(merged, t.messages[j])
			j++
		} else {
			merged = append(merged, ordered[i])
			i++
		}
	}
	merged = append(merged, ordered[i:]...)
	merged = append(merged, t.messages[j:]...)
	t.messages = merged
	return len(ordered)
}

// Append adds msg in creation order, normally at the tail. A message whose
// id is already present is ignored. Reports whether msg was added.
func (s *Store) Append(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(msg.ConversationID)
	if _, dup := t.ids[msg.ID]; dup {
		return false
	}

	i := len(t.messages)
	for i > 0 && t.messages[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	t.ids[msg.ID] = struct{}{}

	s.evictLocked(t)
	return true
}

// evictLocked trims the oldest messages down to the thread's limit. It
// waits while a fetch is in flight, since the fetch's cursor must stay
// held until its page is merged.
func (s *Store) evictLocked(t *thread) {
	if t.limit <= 0 || t.cursor.Loading || len(t.messages) <= t.limit {
		return
	}
	drop := len(t.messages) - t.limit
	for _, m := range t.messages[:drop] {
		delete(t.ids, m.ID)
	}
	t.messages = append([]models.Message(nil), t.messages[drop:]...)
	t.cursor.OldestID = t.messages[0].ID
	t.cursor.HasMore = true
}

// Reconcile replaces the pending message tempID with its confirmed
// counterpart, keeping its position. If the confirmed id is already held
// the pending entry is dropped instead. Reports whether tempID was found.
func (s *Store) Reconcile(conversationID, tempID string, confirmed models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return false
	}
	i := indexOf(t.messages, tempID)
	if i < 0 {
		return false
	}
	reconcileLocked(t, i, conversationID, confirmed)
	return true
}

// ReconcileEcho confirms the unconfirmed counterpart of a server echo in a
// single step. Reports whether one was found.
func (s *Store) ReconcileEcho(echo models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[echo.ConversationID]
	if !ok {
		return false
	}
	i := matchLocked(t, echo)
	if i < 0 {
		return false
	}
	reconcileLocked(t, i, echo.ConversationID, echo)
	return true
}

// matchLocked prefers the client key; without one, the oldest unconfirmed
// message from the same sender with identical content is taken.
func matchLocked(t *thread, echo models.Message) int {
	if echo.ClientKey != "" {
		for i, m := range t.messages {
			if m.State != models.StateConfirmed && m.ClientKey == echo.ClientKey {
				return i
			}
		}
		return -1
	}
	for i, m := range t.messages {
		if m.State != models.StateConfirmed && m.SenderID == echo.SenderID && m.Content == echo.Content {
			return i
		}
	}
	return -1
}

func reconcileLocked(t *thread, i int, conversationID string, confirmed models.Message) {
	delete(t.ids, t.messages[i].ID)
	if _, dup := t.ids[confirmed.ID]; dup {
		t.messages = append(t.messages[:i], t.messages[i+1:]...)
		return
	}
	confirmed.State = models.StateConfirmed
	confirmed.ConversationID = conversationID
	t.messages[i] = confirmed
	t.ids[confirmed.ID] = struct{}{}
}

// SetState changes the delivery state of a non-confirmed message.
func (s *Store) SetState(conversationID, id string, state models.DeliveryState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return false
	}
	i := indexOf(t.messages, id)
	if i < 0 || t.messages[i].State == models.StateConfirmed {
		return false
	}
	t.messages[i].State = state
	return true
}

// MarkFailed moves a pending message to the failed state.
func (s *Store) MarkFailed(conversationID, id string) bool {
	return s.SetState(conversationID, id, models.StateFailed)
}

// Resend turns a failed message back into a pending one sent at the given
// time, moving it to its new place in creation order.
func (s *Store) Resend(conversationID, id string, at time.Time) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return models.Message{}, false
	}
	i := indexOf(t.messages, id)
	if i < 0 || t.messages[i].State != models.StateFailed {
		return models.Message{}, false
	}
	msg := t.messages[i]
	msg.State = models.StatePending
	msg.CreatedAt = at
	t.messages = append(t.messages[:i], t.messages[i+1:]...)

	j := len(t.messages)
	for j > 0 && t.messages[j-1].CreatedAt.After(at) {
		j--
	}
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[j+1:], t.messages[j:])
	t.messages[j] = msg
	return msg, true
}

// ExpirePending marks every pending message created before now-timeout as
// failed and returns them.
func (s *Store) ExpirePending(now time.Time, timeout time.Duration) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-timeout)
	var expired []models.Message
	for _, t := range s.threads {
		for i := range t.messages {
			m := &t.messages[i]
			if m.Pending() && m.CreatedAt.Before(cutoff) {
				m.State = models.StateFailed
				expired = append(expired, *m)
			}
		}
	}
	return expired
}

// Get returns one message by id
func (s *Store) Get(conversationID, id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return models.Message{}, false
	}
	i := indexOf(t.messages, id)
	if i < 0 {
		return models.Message{}, false
	}
	return t.messages[i], true
}

// Messages returns a copy of the conversation's ordered messages
func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Cursor returns the conversation's pagination state
func (s *Store) Cursor(conversationID string) Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return Cursor{HasMore: true}
	}
	return t.cursor
}

// Reset forgets the conversation entirely.
func (s *Store) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.threads[conversationID]; ok {
		// keep the generation moving so in-flight fetches are discarded
		fresh := newThread(s.maxMessages)
		fresh.generation = t.generation + 1
		s.threads[conversationID] = fresh
	}
}

func indexOf(messages []models.Message, id string) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}
