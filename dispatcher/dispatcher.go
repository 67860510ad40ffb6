package dispatcher

import (
	"encoding/json"
	"sync"
	"time"

	"fabchat/conversations"
	"fabchat/history"
	"fabchat/logger"
	"fabchat/models"
	"fabchat/transport"
)

// Subscriber is the part of the realtime channel the dispatcher listens on
type Subscriber interface {
	On(event string, h transport.Handler) transport.Subscription
	Off(sub transport.Subscription)
}

// Focus exposes who the user is and what they are looking at
type Focus interface {
	UserID() string
	FocusedConversation() string
}

// Notifier receives every inbound message from another user
type Notifier interface {
	Evaluate(msg models.Message) bool
}

// Dispatcher routes inbound pushes into the history store, the conversation
// list and the notification gate. Each push is applied as a whole before
// the next one is looked at.
type Dispatcher struct {
	source   Subscriber
	store    *history.Store
	list     *conversations.List
	focus    Focus
	notifier Notifier
	log      *logger.Logger

	// OnUnknownConversation is called for messages in a conversation the
	// list does not hold yet.
	OnUnknownConversation func(conversationID string)

	mu      sync.Mutex
	started bool
	subs    []transport.Subscription
}

// New creates a dispatcher. notifier may be nil.
func New(source Subscriber, store *history.Store, list *conversations.List, focus Focus, notifier Notifier, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		source:   source,
		store:    store,
		list:     list,
		focus:    focus,
		notifier: notifier,
		log:      logger.Or(log).With("component", "dispatcher"),
	}
}

// Start subscribes to the inbound events. Calling it again is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.subs = []transport.Subscription{
		d.source.On(models.EventGroupMessage, d.onGroupMessage),
		d.source.On(models.EventGroupMembership, d.onMembership),
	}
}

// Stop removes the subscriptions made by Start
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.started = false
	d.mu.Unlock()

	for _, sub := range subs {
		d.source.Off(sub)
	}
}

func (d *Dispatcher) onGroupMessage(payload json.RawMessage) {
	var in models.InboundMessage
	if err := json.Unmarshal(payload, &in); err != nil {
		d.log.Warn("invalid group message", "error", err)
		return
	}
	if in.ID == "" || in.GroupID == "" {
		d.log.Warn("group message without id", "id", in.ID, "group", in.GroupID)
		return
	}
	d.HandleMessage(in)
}

func (d *Dispatcher) onMembership(payload json.RawMessage) {
	var change models.MembershipChange
	if err := json.Unmarshal(payload, &change); err != nil {
		d.log.Warn("invalid membership change", "error", err)
		return
	}
	d.HandleMembership(change)
}

// HandleMessage applies one inbound message.
func (d *Dispatcher) HandleMessage(in models.InboundMessage) {
	msg := in.ToMessage()

	d.mu.Lock()
	unknown := d.applyLocked(msg)
	d.mu.Unlock()

	if unknown && d.OnUnknownConversation != nil {
		d.OnUnknownConversation(msg.ConversationID)
	}
}

func (d *Dispatcher) applyLocked(msg models.Message) (unknown bool) {
	self := msg.SenderID == d.focus.UserID()
	focused := msg.ConversationID == d.focus.FocusedConversation()

	if self {
		// our own echo confirms the optimistic copy if one exists
		if !d.store.ReconcileEcho(msg) && focused {
			d.store.Append(msg)
		}
	} else if focused {
		d.store.Append(msg)
	}

	if !d.list.BumpToFront(msg.ConversationID, msg.Content, msg.CreatedAt) {
		unknown = true
	}

	if self {
		return unknown
	}
	if !focused {
		d.list.MarkUnread(msg.ConversationID)
	}
	if d.notifier != nil {
		d.notifier.Evaluate(msg)
	}
	return unknown
}

// HandleMembership applies a membership change. Only changes concerning
// the local user alter the list.
func (d *Dispatcher) HandleMembership(change models.MembershipChange) {
	if change.UserID != d.focus.UserID() {
		d.log.Debug("membership changed", "group", change.GroupID, "user", change.UserID, "action", change.Action)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch change.Action {
	case models.MembershipAdded:
		d.list.Upsert(models.Conversation{ID: change.GroupID, Name: change.GroupName, LastActivity: time.Now().UTC()})
	case models.MembershipRemoved:
		d.list.Remove(change.GroupID)
		d.store.Reset(change.GroupID)
	default:
		d.log.Warn("unknown membership action", "action", change.Action)
	}
}
