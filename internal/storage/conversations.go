package storage

import (
	"fmt"
	"time"
)

// EnsureConversation creates the conversation row if it does not exist.
func (s *Store) EnsureConversation(id string) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// AppendMessage appends one turn to a conversation. Conversations are
// append-only; messages are never edited or removed.
func (s *Store) AppendMessage(conversationID string, msg Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		conversationID, msg.Role, msg.Content, createdAt.Format(time.RFC3339),
	)
	return err
}

// GetConversation returns all messages of a conversation in insertion
// order, or ErrNotFound for an unknown conversation id.
func (s *Store) GetConversation(id string) ([]Message, error) {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE id = ?", id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(`
		SELECT role, content, created_at FROM messages
		WHERE conversation_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
