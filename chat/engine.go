package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"fabchat/composer"
	"fabchat/config"
	"fabchat/conversations"
	"fabchat/dispatcher"
	"fabchat/history"
	"fabchat/logger"
	"fabchat/models"
	"fabchat/notify"
	"fabchat/session"
	"fabchat/transport"
)

// ErrNotStarted is returned by operations that need a running engine
var ErrNotStarted = errors.New("chat engine not started")

// Transport is the realtime channel the engine drives
type Transport interface {
	Connect(identity string)
	Disconnect()
	Emit(event string, payload interface{}) error
	On(event string, h transport.Handler) transport.Subscription
	Off(sub transport.Subscription)
}

// Remote is the REST side of the chat server
type Remote interface {
	history.Fetcher
	conversations.Lister
}

// Deps are the collaborators injected into the engine. FocusStore and
// Desktop may be nil.
type Deps struct {
	Transport  Transport
	Remote     Remote
	FocusStore session.FocusStore
	Desktop    notify.DesktopNotifier
	Logger     *logger.Logger
}

// Engine owns every client-side component of one chat session
type Engine struct {
	cfg       *config.Config
	log       *logger.Logger
	transport Transport
	remote    Remote

	Session       *session.State
	Store         *history.Store
	Conversations *conversations.List
	Composer      *composer.Composer
	Dispatcher    *dispatcher.Dispatcher
	Toasts        *notify.ToastBoard
	gate          *notify.Gate
	roster        *roster

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	subs    []transport.Subscription
	wg      sync.WaitGroup
	syncing atomic.Bool
}

// New wires the engine components for cfg.Client.UserID
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Transport == nil || deps.Remote == nil {
		return nil, errors.New("chat engine needs a transport and a remote")
	}
	log := logger.Or(deps.Logger).With("user", cfg.Client.UserID)

	e := &Engine{
		cfg:       cfg,
		log:       log,
		transport: deps.Transport,
		remote:    deps.Remote,
	}

	e.Session = session.New(cfg.Client.UserID, deps.FocusStore, log)
	e.Store = history.NewStore(deps.Remote,
		history.WithPageSize(cfg.Client.PageSize),
		history.WithMaxMessages(cfg.Client.MaxMessages),
		history.WithLogger(log),
	)
	e.Conversations = conversations.NewList(log)
	e.roster = newRoster(e.Conversations)
	e.Toasts = notify.NewToastBoard()

	gateOpts := []notify.Option{notify.WithToasts(e.Toasts), notify.WithLogger(log)}
	if deps.Desktop != nil {
		gateOpts = append(gateOpts, notify.WithDesktop(deps.Desktop))
	}
	gate, err := notify.NewGate(e.Session, e.roster, gateOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification gate: %w", err)
	}
	e.gate = gate

	e.Composer = composer.New(e.Store, deps.Transport, e.Session,
		composer.WithPendingTimeout(cfg.Client.PendingTimeout),
		composer.WithLogger(log),
	)
	e.Composer.OnSent(func(m models.Message) {
		e.Conversations.BumpToFront(m.ConversationID, m.Content, m.CreatedAt)
	})

	e.Dispatcher = dispatcher.New(deps.Transport, e.Store, e.Conversations, e.Session, e.gate, log)
	e.Dispatcher.OnUnknownConversation = func(string) { e.resync() }

	return e, nil
}

// Start connects, restores the last open conversation and syncs the
// conversation list. A failed list sync is logged; the list is synced
// again on every reconnect.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	// names must be learned before the dispatcher hands a message to the gate
	e.subscribe(models.EventGroupMessage, e.learnName)
	e.Dispatcher.Start()
	e.subscribe(transport.EventConnect, func(json.RawMessage) {
		e.log.Info("connected")
		e.resync()
	})
	e.subscribe(transport.EventDisconnect, func(p json.RawMessage) {
		e.log.Info("disconnected", "reason", string(p))
	})
	e.subscribe(transport.EventConnectError, func(p json.RawMessage) {
		e.log.Warn("connection error", "detail", string(p))
	})

	e.transport.Connect(e.Session.UserID())

	if err := e.Conversations.Sync(runCtx, e.remote); err != nil {
		e.log.Warn("initial conversation sync failed", "error", err)
	}
	if conv := e.Session.Restore(); conv != "" {
		if err := e.Store.LoadInitial(runCtx, conv); err != nil {
			e.log.Warn("restoring conversation failed", "conversation", conv, "error", err)
		}
		e.Conversations.ClearUnread(conv)
		e.roster.learn(e.Store.Messages(conv))
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Composer.Run(runCtx)
	}()
	return nil
}

func (e *Engine) subscribe(event string, h transport.Handler) {
	sub := e.transport.On(event, h)
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
}

// Close disconnects and stops every background task
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	subs := e.subs
	e.cancel = nil
	e.subs = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	e.Dispatcher.Stop()
	for _, sub := range subs {
		e.transport.Off(sub)
	}
	e.transport.Disconnect()
	e.wg.Wait()
}

func (e *Engine) runContext() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil || e.cancel == nil {
		return nil, ErrNotStarted
	}
	return e.ctx, nil
}

// resync refreshes the conversation list in the background. Calls made
// while a sync is running are dropped.
func (e *Engine) resync() {
	ctx, err := e.runContext()
	if err != nil {
		return
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.syncing.Store(false)
		if err := e.Conversations.Sync(ctx, e.remote); err != nil {
			e.log.Warn("conversation sync failed", "error", err)
		}
	}()
}

func (e *Engine) learnName(payload json.RawMessage) {
	var in models.InboundMessage
	if json.Unmarshal(payload, &in) == nil && in.SenderName != "" {
		e.roster.set(in.SenderID, in.SenderName)
	}
}

// Open focuses a conversation: the focus is persisted, its unread marker
// and toast are cleared and its newest page is loaded.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return composer.ErrNoConversation
	}
	e.Session.Focus(conversationID)
	e.Conversations.ClearUnread(conversationID)
	e.Toasts.Dismiss(conversationID)

	if err := e.Store.LoadInitial(ctx, conversationID); err != nil {
		return err
	}
	e.roster.learn(e.Store.Messages(conversationID))
	return nil
}

// LoadOlder pages further back in the focused conversation
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	conv := e.Session.FocusedConversation()
	if conv == "" {
		return 0, composer.ErrNoConversation
	}
	n, err := e.Store.LoadOlder(ctx, conv)
	if err != nil {
		return 0, err
	}
	e.roster.learn(e.Store.Messages(conv))
	return n, nil
}

// Send posts body to the focused conversation
func (e *Engine) Send(body string, taggedUserIDs ...string) (models.Message, error) {
	return e.Composer.Send(e.Session.FocusedConversation(), body, taggedUserIDs...)
}

// Retry resends a failed message of the focused conversation
func (e *Engine) Retry(tempID string) (models.Message, error) {
	return e.Composer.Retry(e.Session.FocusedConversation(), tempID)
}

// Messages returns the focused conversation's loaded messages
func (e *Engine) Messages() []models.Message {
	conv := e.Session.FocusedConversation()
	if conv == "" {
		return nil
	}
	return e.Store.Messages(conv)
}

func (e *Engine) SetVisible(visible bool) {
	e.Session.SetVisible(visible)
}

func (e *Engine) LeaveChatView() {
	e.Session.LeaveChatView()
}
