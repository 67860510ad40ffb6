package notify

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabchat/models"
)

func TestShouldNotify(t *testing.T) {
	msg := models.Message{ID: "m1", ConversationID: "x", SenderID: "u2", Content: "hi"}
	onX := Visibility{AppVisible: true, OnChatView: true}

	tests := []struct {
		name    string
		msg     models.Message
		vis     Visibility
		focused string
		want    bool
	}{
		{"self is never notified", models.Message{ConversationID: "y", SenderID: "me"}, Visibility{}, "x", false},
		{"focused and visible", msg, onX, "x", false},
		{"other conversation", msg, onX, "y", true},
		{"app hidden", msg, Visibility{AppVisible: false, OnChatView: true}, "x", true},
		{"off chat view", msg, Visibility{AppVisible: true, OnChatView: false}, "x", true},
		{"nothing focused", msg, onX, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldNotify(tt.msg, "me", tt.vis, tt.focused))
		})
	}
}

type fakeFocus struct {
	user, focused       string
	visible, onChatView bool
}

func (f *fakeFocus) UserID() string              { return f.user }
func (f *fakeFocus) FocusedConversation() string { return f.focused }
func (f *fakeFocus) AppVisible() bool            { return f.visible }
func (f *fakeFocus) OnChatView() bool            { return f.onChatView }

type fakeRoster map[string]string

func (r fakeRoster) DisplayName(id string) string      { return r[id] }
func (r fakeRoster) ConversationName(id string) string { return r["conv:"+id] }

type recordingDesktop struct {
	alerts []Alert
	err    error
}

func (d *recordingDesktop) Notify(a Alert) error {
	d.alerts = append(d.alerts, a)
	return d.err
}

func newTestGate(t *testing.T, focus *fakeFocus, desktop DesktopNotifier) (*Gate, *ToastBoard) {
	t.Helper()
	toasts := NewToastBoard()
	g, err := NewGate(focus, fakeRoster{"u2": "Dana", "conv:x": "Site X"},
		WithDesktop(desktop), WithToasts(toasts))
	require.NoError(t, err)
	return g, toasts
}

func TestEvaluateDeliversBothChannels(t *testing.T) {
	desktop := &recordingDesktop{}
	g, toasts := newTestGate(t, &fakeFocus{user: "me", focused: "y", visible: true, onChatView: true}, desktop)

	ok := g.Evaluate(models.Message{ID: "m1", ConversationID: "x", SenderID: "u2", Content: "hello"})
	require.True(t, ok)

	want := Alert{ConversationID: "x", MessageID: "m1", Title: "Dana in Site X", Body: "hello"}
	assert.Equal(t, []Alert{want}, desktop.alerts)
	assert.Equal(t, []Alert{want}, toasts.Active())
}

func TestEvaluateOncePerMessage(t *testing.T) {
	desktop := &recordingDesktop{}
	g, toasts := newTestGate(t, &fakeFocus{user: "me", visible: false}, desktop)

	msg := models.Message{ID: "m1", ConversationID: "x", SenderID: "u2", Content: "hello"}
	assert.True(t, g.Evaluate(msg))
	assert.False(t, g.Evaluate(msg))

	assert.Len(t, desktop.alerts, 1)
	assert.Len(t, toasts.Active(), 1)
}

func TestEvaluateSuppressed(t *testing.T) {
	desktop := &recordingDesktop{}
	g, toasts := newTestGate(t, &fakeFocus{user: "me", focused: "x", visible: true, onChatView: true}, desktop)

	assert.False(t, g.Evaluate(models.Message{ID: "m1", ConversationID: "x", SenderID: "u2"}))
	assert.False(t, g.Evaluate(models.Message{ID: "m2", ConversationID: "y", SenderID: "me"}))
	assert.Empty(t, desktop.alerts)
	assert.Empty(t, toasts.Active())
}

func TestEvaluateDesktopFailureKeepsToast(t *testing.T) {
	desktop := &recordingDesktop{err: errors.New("no notification daemon")}
	g, toasts := newTestGate(t, &fakeFocus{user: "me", visible: false}, desktop)

	assert.True(t, g.Evaluate(models.Message{ID: "m1", ConversationID: "x", SenderID: "u2", Content: "hi"}))
	assert.Len(t, toasts.Active(), 1)
}

func TestDesktopBodyTruncated(t *testing.T) {
	desktop := &recordingDesktop{}
	g, toasts := newTestGate(t, &fakeFocus{user: "me", visible: false}, desktop)

	long := strings.Repeat("é", 150)
	g.Evaluate(models.Message{ID: "m1", ConversationID: "x", SenderID: "u3", SenderName: "Eli", Content: long})

	require.Len(t, desktop.alerts, 1)
	body := desktop.alerts[0].Body
	assert.Equal(t, 100, len([]rune(body)))
	assert.True(t, strings.HasSuffix(body, "..."))
	assert.Equal(t, "Eli in Site X", desktop.alerts[0].Title)
	assert.Equal(t, long, toasts.Active()[0].Body)
}

func TestToastBoardSupersedesByConversation(t *testing.T) {
	b := NewToastBoard()
	b.Show(Alert{ConversationID: "x", MessageID: "m1"})
	b.Show(Alert{ConversationID: "y", MessageID: "m2"})
	b.Show(Alert{ConversationID: "x", MessageID: "m3"})

	active := b.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "m2", active[0].MessageID)
	assert.Equal(t, "m3", active[1].MessageID)

	b.Dismiss("x")
	b.Dismiss("missing")
	assert.Equal(t, []Alert{{ConversationID: "y", MessageID: "m2"}}, b.Active())
}
