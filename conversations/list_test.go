package conversations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabchat/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) *time.Time {
	ts := t0.Add(time.Duration(minutes) * time.Minute)
	return &ts
}

func order(l *List) []string {
	var out []string
	for _, c := range l.Entries() {
		out = append(out, c.ID)
	}
	return out
}

type stubLister struct {
	entries []models.ConversationEntry
	err     error
}

func (s stubLister) FetchConversations(ctx context.Context) ([]models.ConversationEntry, error) {
	return s.entries, s.err
}

func TestInitializeNormalizesAndSorts(t *testing.T) {
	l := NewList(nil)
	l.Initialize([]models.ConversationEntry{
		{ID: "a", Name: "Shop floor", UpdatedAt: at(1)},
		{GroupID: "b", GroupName: "Estimating", UpdatedAt: at(5), UnreadCount: 2},
		{ID: "", Name: "no id"},
		{ID: "c"},
		{ID: "d", Name: "Detailing", UpdatedAt: at(3)},
		{ID: "a", Name: "dup", UpdatedAt: at(9)},
	})

	assert.Equal(t, []string{"b", "d", "a"}, order(l))
	assert.Equal(t, 2, l.UnreadCount("b"))
	c, ok := l.Get("b")
	require.True(t, ok)
	assert.Equal(t, "Estimating", c.Name)
}

func TestBumpToFront(t *testing.T) {
	l := NewList(nil)
	l.Initialize([]models.ConversationEntry{
		{ID: "x", Name: "X", UpdatedAt: at(1)},
		{ID: "y", Name: "Y", UpdatedAt: at(2)},
		{ID: "z", Name: "Z", UpdatedAt: at(3)},
	})
	require.Equal(t, []string{"z", "y", "x"}, order(l))

	assert.True(t, l.BumpToFront("x", "hello", *at(10)))
	assert.Equal(t, []string{"x", "z", "y"}, order(l))

	c, _ := l.Get("x")
	assert.Equal(t, "hello", c.Preview)
	assert.Equal(t, *at(10), c.LastActivity)

	assert.False(t, l.BumpToFront("missing", "nope", *at(11)))
	assert.Equal(t, []string{"x", "z", "y"}, order(l))
}

func TestUnreadMarkers(t *testing.T) {
	l := NewList(nil)
	l.Initialize([]models.ConversationEntry{{ID: "x", Name: "X"}})

	l.MarkUnread("x")
	l.MarkUnread("x")
	assert.True(t, l.IsUnread("x"))
	assert.Equal(t, 2, l.Entries()[0].UnreadCount)

	l.ClearUnread("x")
	assert.False(t, l.IsUnread("x"))
}

func TestUpsertAndRemove(t *testing.T) {
	l := NewList(nil)
	l.Initialize([]models.ConversationEntry{{ID: "x", Name: "X", UpdatedAt: at(1)}})

	l.Upsert(models.Conversation{ID: "new", Name: "New group", LastActivity: *at(5)})
	assert.Equal(t, []string{"new", "x"}, order(l))

	l.Upsert(models.Conversation{ID: "x", Name: "Renamed"})
	c, _ := l.Get("x")
	assert.Equal(t, "Renamed", c.Name)

	l.MarkUnread("new")
	assert.True(t, l.Remove("new"))
	assert.False(t, l.IsUnread("new"))
	assert.Equal(t, []string{"x"}, order(l))
}

func TestSyncFailureKeepsList(t *testing.T) {
	l := NewList(nil)
	l.Initialize([]models.ConversationEntry{{ID: "x", Name: "X"}})

	err := l.Sync(context.Background(), stubLister{err: errors.New("503")})
	require.ErrorIs(t, err, ErrSync)
	assert.Equal(t, []string{"x"}, order(l))

	require.NoError(t, l.Sync(context.Background(), stubLister{entries: []models.ConversationEntry{{ID: "y", Name: "Y"}}}))
	assert.Equal(t, []string{"y"}, order(l))
}

func TestInitializeKeepsLocalUnread(t *testing.T) {
	l := NewList(nil)
	l.Initialize([]models.ConversationEntry{{ID: "x", Name: "X"}, {ID: "y", Name: "Y"}})
	l.MarkUnread("x")
	l.MarkUnread("y")

	l.Initialize([]models.ConversationEntry{
		{ID: "x", Name: "X"},
		{ID: "z", Name: "Z", UnreadCount: 3},
	})
	assert.Equal(t, 1, l.UnreadCount("x"))
	assert.Equal(t, 3, l.UnreadCount("z"))
	assert.False(t, l.IsUnread("y"))
}
