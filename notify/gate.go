package notify

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"fabchat/logger"
	"fabchat/models"
)

// alertedCapacity bounds how many delivered message ids are remembered
const alertedCapacity = 512

const maxBodyRunes = 100

// Visibility describes what the user can currently see
type Visibility struct {
	AppVisible bool
	OnChatView bool
}

// ShouldNotify decides whether msg deserves an alert. Self-originated
// messages never do. Otherwise an alert fires when the app is hidden, the
// chat view is closed or the message belongs to another conversation.
func ShouldNotify(msg models.Message, selfID string, vis Visibility, focusedID string) bool {
	if msg.SenderID == selfID {
		return false
	}
	return !vis.AppVisible || !vis.OnChatView || msg.ConversationID != focusedID
}

// Alert is one notification, keyed by conversation for coalescing and by
// message for dedup
type Alert struct {
	ConversationID string
	MessageID      string
	Title          string
	Body           string
}

// Focus reports what the user is looking at
type Focus interface {
	UserID() string
	FocusedConversation() string
	AppVisible() bool
	OnChatView() bool
}

// Roster resolves display names
type Roster interface {
	DisplayName(userID string) string
	ConversationName(conversationID string) string
}

// DesktopNotifier shows an OS-level notification
type DesktopNotifier interface {
	Notify(Alert) error
}

// ToastSink shows an in-app toast
type ToastSink interface {
	Show(Alert)
}

// Gate applies ShouldNotify and fans alerts out to the desktop and toast
// channels, at most once per message id.
type Gate struct {
	focus    Focus
	roster   Roster
	desktop  DesktopNotifier
	toasts   ToastSink
	alerted  *lru.Cache[string, struct{}]
	log      *logger.Logger
}

// Option configures a Gate
type Option func(*Gate)

func WithDesktop(n DesktopNotifier) Option {
	return func(g *Gate) { g.desktop = n }
}

func WithToasts(s ToastSink) Option {
	return func(g *Gate) { g.toasts = s }
}

func WithLogger(l *logger.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// NewGate creates a gate reading focus state from focus
func NewGate(focus Focus, roster Roster, opts ...Option) (*Gate, error) {
	alerted, err := lru.New[string, struct{}](alertedCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert cache: %w", err)
	}
	g := &Gate{
		focus:   focus,
		roster:  roster,
		alerted: alerted,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = logger.Or(g.log).With("component", "notify")
	return g, nil
}

// Evaluate alerts for msg if the rule allows it and the message has not
// been alerted before. Reports whether an alert was delivered.
func (g *Gate) Evaluate(msg models.Message) bool {
	vis := Visibility{AppVisible: g.focus.AppVisible(), OnChatView: g.focus.OnChatView()}
	if !ShouldNotify(msg, g.focus.UserID(), vis, g.focus.FocusedConversation()) {
		return false
	}
	if seen, _ := g.alerted.ContainsOrAdd(msg.ID, struct{}{}); seen {
		return false
	}

	alert := g.build(msg)
	if g.desktop != nil {
		if err := g.desktop.Notify(truncated(alert)); err != nil {
			g.log.Warn("desktop notification failed", "conversation", alert.ConversationID, "error", err)
		}
	}
	if g.toasts != nil {
		g.toasts.Show(alert)
	}
	return true
}

func (g *Gate) build(msg models.Message) Alert {
	sender := msg.SenderName
	if g.roster != nil {
		if name := g.roster.DisplayName(msg.SenderID); name != "" {
			sender = name
		}
	}
	if sender == "" {
		sender = msg.SenderID
	}

	title := sender
	if g.roster != nil {
		if conv := g.roster.ConversationName(msg.ConversationID); conv != "" {
			title = fmt.Sprintf("%s in %s", sender, conv)
		}
	}

	return Alert{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Title:          title,
		Body:           msg.Content,
	}
}

func truncated(a Alert) Alert {
	r := []rune(a.Body)
	if len(r) > maxBodyRunes {
		a.Body = string(r[:maxBodyRunes-3]) + "..."
	}
	return a
}
