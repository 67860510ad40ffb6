package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fabchat/models"
)

// ErrNotFound is returned when a group does not exist
var ErrNotFound = errors.New("not found")

// CreateGroup creates a group with its initial members
func (db *DB) CreateGroup(name string, members []models.Member) (*models.Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.Exec(db.q("INSERT INTO groups (id, name, created_at) VALUES (?, ?, ?)"), id, name, now); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	for _, m := range members {
		if _, err := tx.Exec(
			db.q("INSERT INTO group_members (group_id, user_id, name) VALUES (?, ?, ?) ON CONFLICT (group_id, user_id) DO NOTHING"),
			id, m.ID, m.Name,
		); err != nil {
			return nil, fmt.Errorf("failed to add member %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit group: %w", err)
	}

	return &models.Conversation{ID: id, Name: name, LastActivity: now}, nil
}

// GetGroup retrieves a group by its ID
func (db *DB) GetGroup(groupID string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := db.conn.QueryRow(
		db.q("SELECT id, name, created_at FROM groups WHERE id = ?"), groupID,
	).Scan(&conv.ID, &conv.Name, &conv.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return conv, nil
}

// AddMember adds a user to a group
func (db *DB) AddMember(groupID string, member models.Member) error {
	_, err := db.conn.Exec(
		db.q(`INSERT INTO group_members (group_id, user_id, name) VALUES (?, ?, ?)
		ON CONFLICT (group_id, user_id) DO UPDATE SET name = excluded.name`),
		groupID, member.ID, member.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a group
func (db *DB) RemoveMember(groupID, userID string) error {
	_, err := db.conn.Exec(db.q("DELETE FROM group_members WHERE group_id = ? AND user_id = ?"), groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

// IsMember checks whether a user belongs to a group
func (db *DB) IsMember(groupID, userID string) (bool, error) {
	var n int
	err := db.conn.QueryRow(
		db.q("SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?"),
		groupID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return n > 0, nil
}

// GroupMembers lists the members of a group
func (db *DB) GroupMembers(groupID string) ([]models.Member, error) {
	rows, err := db.conn.Query(
		db.q("SELECT user_id, name FROM group_members WHERE group_id = ? ORDER BY user_id"), groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// MemberName resolves a user's display name from any group they belong to
func (db *DB) MemberName(userID string) (string, error) {
	var name string
	err := db.conn.QueryRow(
		db.q("SELECT name FROM group_members WHERE user_id = ? AND name != '' LIMIT 1"), userID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve member name: %w", err)
	}
	return name, nil
}

// ListGroups retrieves the groups a user belongs to, most recently active
// first, with the last message as preview
func (db *DB) ListGroups(userID string) ([]models.ConversationEntry, error) {
	rows, err := db.conn.Query(
		db.q(`SELECT g.id, g.name, g.created_at, m.content, m.created_at
		FROM groups g
		JOIN group_members gm ON gm.group_id = g.id
		LEFT JOIN messages m ON m.seq = (SELECT MAX(seq) FROM messages WHERE group_id = g.id)
		WHERE gm.user_id = ?
		ORDER BY COALESCE(m.created_at, g.created_at) DESC`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var entries []models.ConversationEntry
	for rows.Next() {
		var (
			e         models.ConversationEntry
			createdAt time.Time
			preview   sql.NullString
			lastAt    sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Name, &createdAt, &preview, &lastAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		e.LastMessage = preview.String
		updated := createdAt
		if lastAt.Valid {
			updated = lastAt.Time
		}
		e.UpdatedAt = &updated
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
