package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabchat/conversations"
	"fabchat/history"
	"fabchat/models"
	"fabchat/transport"
)

type fakeSource struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	offs     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeSource) On(event string, h transport.Handler) transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	return transport.Subscription{Event: event}
}

func (f *fakeSource) Off(sub transport.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offs++
	delete(f.handlers, sub.Event)
}

func (f *fakeSource) push(t *testing.T, event string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeSource) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

type focus struct{ user, focused string }

func (f *focus) UserID() string              { return f.user }
func (f *focus) FocusedConversation() string { return f.focused }

type recordingNotifier struct{ got []models.Message }

func (r *recordingNotifier) Evaluate(m models.Message) bool {
	r.got = append(r.got, m)
	return true
}

type nopFetcher struct{}

func (nopFetcher) FetchHistory(context.Context, string, string, int) ([]models.Message, error) {
	return nil, nil
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	src      *fakeSource
	store    *history.Store
	list     *conversations.List
	focus    *focus
	notifier *recordingNotifier
	d        *Dispatcher
}

func newFixture(t *testing.T, focused string) *fixture {
	t.Helper()
	f := &fixture{
		src:      newFakeSource(),
		store:    history.NewStore(nopFetcher{}),
		list:     conversations.NewList(nil),
		focus:    &focus{user: "me", focused: focused},
		notifier: &recordingNotifier{},
	}
	ts := func(min int) *time.Time { v := t0.Add(time.Duration(min) * time.Minute); return &v }
	f.list.Initialize([]models.ConversationEntry{
		{ID: "x", Name: "X", UpdatedAt: ts(1)},
		{ID: "y", Name: "Y", UpdatedAt: ts(2)},
	})
	f.d = New(f.src, f.store, f.list, f.focus, f.notifier, nil)
	f.d.Start()
	return f
}

func (f *fixture) order() []string {
	var ids []string
	for _, c := range f.list.Entries() {
		ids = append(ids, c.ID)
	}
	return ids
}

func inbound(id, group, sender, content string, min int) models.InboundMessage {
	return models.InboundMessage{
		ID:        id,
		GroupID:   group,
		SenderID:  sender,
		Content:   content,
		CreatedAt: t0.Add(time.Duration(min) * time.Minute),
	}
}

func TestStartSubscribesOnce(t *testing.T) {
	f := newFixture(t, "y")
	f.d.Start()
	assert.Equal(t, 1, f.src.count(models.EventGroupMessage))
	assert.Equal(t, 1, f.src.count(models.EventGroupMembership))

	f.d.Stop()
	assert.Equal(t, 2, f.src.offs)
	assert.Zero(t, f.src.count(models.EventGroupMessage))
}

func TestMessageInUnfocusedConversation(t *testing.T) {
	f := newFixture(t, "y")

	f.src.push(t, models.EventGroupMessage, inbound("m1", "x", "u2", "hello", 10))

	assert.True(t, f.list.IsUnread("x"))
	assert.Equal(t, []string{"x", "y"}, f.order())
	c, _ := f.list.Get("x")
	assert.Equal(t, "hello", c.Preview)
	assert.Empty(t, f.store.Messages("x"), "unfocused history is fetched on open")
	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, "m1", f.notifier.got[0].ID)
}

func TestOwnMessageInUnfocusedConversation(t *testing.T) {
	f := newFixture(t, "y")

	f.src.push(t, models.EventGroupMessage, inbound("m1", "x", "me", "hello", 10))

	assert.False(t, f.list.IsUnread("x"))
	assert.Equal(t, []string{"x", "y"}, f.order())
	assert.Empty(t, f.notifier.got)
}

func TestMessageInFocusedConversation(t *testing.T) {
	f := newFixture(t, "x")

	in := inbound("m1", "x", "u2", "hello", 10)
	f.src.push(t, models.EventGroupMessage, in)
	f.src.push(t, models.EventGroupMessage, in)

	msgs := f.store.Messages("x")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StateConfirmed, msgs[0].State)
	assert.False(t, f.list.IsUnread("x"))
	assert.Equal(t, []string{"x", "y"}, f.order())
	assert.Len(t, f.notifier.got, 2, "the gate decides about focus and dedup")
}

func TestEchoReconcilesOptimisticMessage(t *testing.T) {
	f := newFixture(t, "x")
	f.store.Append(models.Message{
		ID:             "tmp-1",
		ConversationID: "x",
		SenderID:       "me",
		Content:        "hello",
		CreatedAt:      t0.Add(5 * time.Minute),
		State:          models.StatePending,
		ClientKey:      "k1",
	})
	f.store.Append(models.Message{ID: "m0", ConversationID: "x", SenderID: "u2", CreatedAt: t0.Add(6 * time.Minute), State: models.StateConfirmed})

	echo := inbound("m1", "x", "me", "hello", 7)
	echo.ClientKey = "k1"
	f.src.push(t, models.EventGroupMessage, echo)

	msgs := f.store.Messages("x")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, models.StateConfirmed, msgs[0].State)
	assert.Equal(t, "m0", msgs[1].ID)
	assert.Empty(t, f.notifier.got)
	assert.False(t, f.list.IsUnread("x"))
}

func TestOwnMessageFromAnotherDeviceIsAppended(t *testing.T) {
	f := newFixture(t, "x")
	f.src.push(t, models.EventGroupMessage, inbound("m1", "x", "me", "sent elsewhere", 7))

	msgs := f.store.Messages("x")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Empty(t, f.notifier.got)
}

func TestUnknownConversationTriggersHook(t *testing.T) {
	f := newFixture(t, "x")
	var asked []string
	f.d.OnUnknownConversation = func(id string) { asked = append(asked, id) }

	f.src.push(t, models.EventGroupMessage, inbound("m1", "new", "u2", "hi", 7))

	assert.Equal(t, []string{"new"}, asked)
	assert.True(t, f.list.IsUnread("new"))
}

func TestMalformedPayloadIgnored(t *testing.T) {
	f := newFixture(t, "x")
	f.src.push(t, models.EventGroupMessage, "not an object")
	f.src.push(t, models.EventGroupMessage, map[string]string{"content": "no ids"})
	assert.Empty(t, f.store.Messages("x"))
	assert.Empty(t, f.notifier.got)
}

func TestMembershipChanges(t *testing.T) {
	f := newFixture(t, "x")

	f.src.push(t, models.EventGroupMembership, models.MembershipChange{GroupID: "g9", GroupName: "Punch list", UserID: "me", Action: models.MembershipAdded})
	assert.True(t, f.list.Has("g9"))
	assert.Equal(t, "g9", f.order()[0])

	f.src.push(t, models.EventGroupMembership, models.MembershipChange{GroupID: "x", UserID: "u2", Action: models.MembershipRemoved})
	assert.True(t, f.list.Has("x"))

	f.store.Append(models.Message{ID: "m1", ConversationID: "x", CreatedAt: t0})
	f.src.push(t, models.EventGroupMembership, models.MembershipChange{GroupID: "x", UserID: "me", Action: models.MembershipRemoved})
	assert.False(t, f.list.Has("x"))
	assert.Empty(t, f.store.Messages("x"))
}

func TestConcurrentDispatchKeepsStoreConsistent(t *testing.T) {
	f := newFixture(t, "x")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.d.HandleMessage(inbound(fmt.Sprintf("m%d", i), "x", "u2", "burst", i))
		}(i)
	}
	wg.Wait()

	msgs := f.store.Messages("x")
	assert.Len(t, msgs, 50)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}
