package database

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabchat/models"
)

func TestRebind(t *testing.T) {
	q := "SELECT id FROM messages WHERE group_id = ? AND (? = '' OR seq < ?) LIMIT ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t,
		"SELECT id FROM messages WHERE group_id = $1 AND ($2 = '' OR seq < $3) LIMIT $4",
		postgresDialect.rebind(q))
	assert.Equal(t, "SELECT 1", postgresDialect.rebind("SELECT 1"))
}

func TestDialectSelection(t *testing.T) {
	assert.True(t, isPostgres("postgres://u@localhost/chat"))
	assert.True(t, isPostgres("postgresql://u@localhost/chat?sslmode=disable"))
	assert.False(t, isPostgres(":memory:"))
	assert.False(t, isPostgres("./data/relay.db"))

	db := openTestDB(t)
	assert.Equal(t, "sqlite3", db.Driver())
}

// TestPostgresRelayStore runs against a live server when
// FABCHAT_TEST_DATABASE_URL points at a scratch database.
func TestPostgresRelayStore(t *testing.T) {
	dsn := os.Getenv("FABCHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FABCHAT_TEST_DATABASE_URL not set")
	}
	db, err := Open(dsn)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, "postgres", db.Driver())

	group, err := db.CreateGroup("Crew", []models.Member{{ID: "pg-u1", Name: "Ana"}, {ID: "pg-u1", Name: "Ana"}})
	require.NoError(t, err)
	defer db.conn.Exec(db.q("DELETE FROM groups WHERE id = ?"), group.ID)

	first, created, err := db.CreateMessage(group.ID, "pg-u1", "hello", group.ID+"-k1", true)
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := db.CreateMessage(group.ID, "pg-u1", "hello", group.ID+"-k1", true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	records, err := db.GetMessages(group.ID, "", 20)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Sender)
	assert.Equal(t, "Ana", records[0].Sender.Name)

	require.NoError(t, db.SaveFocus("pg-u1", group.ID))
	focus, err := db.LoadFocus("pg-u1")
	require.NoError(t, err)
	assert.Equal(t, group.ID, focus)
}
