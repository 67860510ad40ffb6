package composer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fabchat/history"
	"fabchat/logger"
	"fabchat/models"
)

// DefaultPendingTimeout is how long a message may wait for its echo
// before it is marked failed.
const DefaultPendingTimeout = 30 * time.Second

var (
	ErrEmptyBody      = errors.New("message body is empty")
	ErrNoConversation = errors.New("no conversation selected")
	ErrNoIdentity     = errors.New("no session identity")
	ErrNotRetryable   = errors.New("message is not in a failed state")
)

// Emitter publishes an event on the realtime channel
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// Identity yields the current user id
type Identity interface {
	UserID() string
}

// Composer sends messages optimistically: the message is appended as
// pending before it is published and confirmed later by its echo.
type Composer struct {
	store    *history.Store
	emitter  Emitter
	identity Identity
	timeout  time.Duration
	now      func() time.Time
	seq      atomic.Uint64
	log      *logger.Logger

	mu    sync.Mutex
	hooks []func(models.Message)
}

// Option configures a Composer
type Option func(*Composer)

func WithPendingTimeout(d time.Duration) Option {
	return func(c *Composer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Composer) { c.log = l }
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(c *Composer) { c.now = now }
}

// New creates a composer appending to store and publishing through emitter
func New(store *history.Store, emitter Emitter, identity Identity, opts ...Option) *Composer {
	c := &Composer{
		store:    store,
		emitter:  emitter,
		identity: identity,
		timeout:  DefaultPendingTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.Or(c.log).With("component", "composer")
	return c
}

// OnSent registers a hook called after every successful publish.
func (c *Composer) OnSent(fn func(models.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Send appends a pending message to conversationID and publishes it. The
// message is returned even when publishing fails, in which case it is
// already marked failed.
func (c *Composer) Send(conversationID, body string, taggedUserIDs ...string) (models.Message, error) {
	content := strings.TrimSpace(body)
	if content == "" {
		return models.Message{}, ErrEmptyBody
	}
	if conversationID == "" {
		return models.Message{}, ErrNoConversation
	}
	userID := c.identity.UserID()
	if userID == "" {
		return models.Message{}, ErrNoIdentity
	}

	msg := models.Message{
		ID:             c.tempID(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		CreatedAt:      c.now(),
		State:          models.StatePending,
		ClientKey:      uuid.NewString(),
		Tagged:         len(taggedUserIDs) > 0,
		TaggedUserIDs:  taggedUserIDs,
	}
	c.store.Append(msg)

	if err := c.publish(msg); err != nil {
		c.store.MarkFailed(conversationID, msg.ID)
		msg.State = models.StateFailed
		return msg, err
	}
	return msg, nil
}

// Retry publishes a failed message again under its original client key.
func (c *Composer) Retry(conversationID, tempID string) (models.Message, error) {
	msg, ok := c.store.Resend(conversationID, tempID, c.now())
	if !ok {
		return models.Message{}, ErrNotRetryable
	}

	if err := c.publish(msg); err != nil {
		c.store.MarkFailed(conversationID, tempID)
		msg.State = models.StateFailed
		return msg, err
	}
	return msg, nil
}

func (c *Composer) publish(msg models.Message) error {
	out := models.OutboundMessage{
		SenderID:       msg.SenderID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		TaggedUserIDs:  msg.TaggedUserIDs,
		ClientKey:      msg.ClientKey,
	}
	if out.TaggedUserIDs == nil {
		out.TaggedUserIDs = []string{}
	}

	if err := c.emitter.Emit(models.EventSendGroupMessage, out); err != nil {
		c.log.Warn("send failed", "conversation", msg.ConversationID, "temp_id", msg.ID, "error", err)
		return fmt.Errorf("failed to send message: %w", err)
	}

	c.mu.Lock()
	hooks := append([]func(models.Message){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(msg)
	}
	return nil
}

// SweepPending fails every pending message older than the timeout.
func (c *Composer) SweepPending(now time.Time) []models.Message {
	expired := c.store.ExpirePending(now, c.timeout)
	for _, m := range expired {
		c.log.Info("message timed out", "conversation", m.ConversationID, "temp_id", m.ID)
	}
	return expired
}

// Run sweeps pending messages until ctx is done.
func (c *Composer) Run(ctx context.Context) {
	interval := c.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepPending(c.now())
		}
	}
}

func (c *Composer) tempID() string {
	return "tmp-" + strconv.FormatInt(c.now().UnixNano(), 10) + "-" + strconv.FormatUint(c.seq.Add(1), 10)
}
