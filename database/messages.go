package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fabchat/models"
)

// CreateMessage stores a group message. A repeated client key from the
// same sender returns the message stored the first time, with created
// set to false, including when two sends with the key race.
func (db *DB) CreateMessage(groupID, senderID, content, clientKey string, tagged bool) (msg *models.InboundMessage, created bool, err error) {
	if clientKey != "" {
		existing, err := db.messageByClientKey(senderID, clientKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = db.conn.Exec(
		db.q("INSERT INTO messages (id, group_id, sender_id, content, client_key, is_tagged, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		id, groupID, senderID, content, clientKey, tagged, now,
	)
	if err != nil {
		// a concurrent resend may have stored the key between lookup and insert
		if clientKey != "" {
			if existing, lookupErr := db.messageByClientKey(senderID, clientKey); lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create message: %w", err)
	}

	return &models.InboundMessage{
		ID:        id,
		GroupID:   groupID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: now,
		IsTagged:  tagged,
		ClientKey: clientKey,
	}, true, nil
}

func (db *DB) messageByClientKey(senderID, clientKey string) (*models.InboundMessage, error) {
	msg := &models.InboundMessage{}
	err := db.conn.QueryRow(
		db.q("SELECT id, group_id, sender_id, content, client_key, is_tagged, created_at FROM messages WHERE sender_id = ? AND client_key = ?"),
		senderID, clientKey,
	).Scan(&msg.ID, &msg.GroupID, &msg.SenderID, &msg.Content, &msg.ClientKey, &msg.IsTagged, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetMessages retrieves up to limit messages of a group, newest first,
// strictly older than beforeID when it is set
func (db *DB) GetMessages(groupID, beforeID string, limit int) ([]models.HistoryRecord, error) {
	rows, err := db.conn.Query(
		db.q(`SELECT m.id, m.content, m.created_at, m.sender_id, m.client_key, COALESCE(gm.name, '')
		FROM messages m
		LEFT JOIN group_members gm ON gm.group_id = m.group_id AND gm.user_id = m.sender_id
		WHERE m.group_id = ?
		  AND (? = '' OR m.seq < (SELECT seq FROM messages WHERE id = ?))
		ORDER BY m.seq DESC
		LIMIT ?`),
		groupID, beforeID, beforeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	records := []models.HistoryRecord{}
	for rows.Next() {
		var (
			r    models.HistoryRecord
			name string
		)
		if err := rows.Scan(&r.ID, &r.Content, &r.CreatedAt, &r.SenderID, &r.ClientKey, &name); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if name != "" {
			r.Sender = &models.Sender{ID: r.SenderID, Name: name}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
