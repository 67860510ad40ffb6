package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const focusKey = "open_conversation"

// SaveFocus remembers the conversation a user has open
func (db *DB) SaveFocus(userID, conversationID string) error {
	_, err := db.conn.Exec(
		db.q(`INSERT INTO ui_state (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		userID, focusKey, conversationID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save focus: %w", err)
	}
	return nil
}

// LoadFocus returns the last open conversation, or "" if none was saved
func (db *DB) LoadFocus(userID string) (string, error) {
	var value string
	err := db.conn.QueryRow(
		db.q("SELECT value FROM ui_state WHERE user_id = ? AND key = ?"),
		userID, focusKey,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load focus: %w", err)
	}
	return value, nil
}
