package storage

import (
	"fmt"

	"ledgerchat/models"
	"ledgerchat/protocol"
)

// SaveMessages replaces the cached snapshot for one scope. Scope is the group
// id, or DirectScope for direct conversations.
func (s *Store) SaveMessages(scope string, messages []models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin message snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM cached_messages WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("clear message scope %q: %w", scope, err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO cached_messages (
			scope,
			address,
			sender,
			recipient,
			content,
			timestamp,
			is_encrypted,
			group_id,
			status,
			cached_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, address) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			cached_at = excluded.cached_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	cachedAt := nowUnixMilli()
	for _, m := range messages {
		if err := validateStatus(m.Status); err != nil {
			return fmt.Errorf("message %s: %w", m.Address, err)
		}
		if _, err := stmt.Exec(
			scope,
			m.Address.String(),
			m.Sender.String(),
			m.Recipient.String(),
			m.Content,
			int64(m.Timestamp),
			boolToInt(m.IsEncrypted),
			m.GroupID,
			m.Status.String(),
			cachedAt,
		); err != nil {
			return fmt.Errorf("insert cached message %s: %w", m.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message snapshot: %w", err)
	}
	return nil
}

// GetMessages returns the cached snapshot for scope, newest first.
func (s *Store) GetMessages(scope string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT
			address,
			sender,
			recipient,
			content,
			timestamp,
			is_encrypted,
			group_id,
			status
		FROM cached_messages
		WHERE scope = ?
		ORDER BY timestamp DESC, address ASC
		LIMIT ?`,
		scope,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get cached messages for scope %q: %w", scope, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cached message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(scanner rowScanner) (models.Message, error) {
	var (
		addr, sender, recipient string
		m                       models.Message
		timestamp               int64
		isEncrypted             int
		status                  string
	)
	if err := scanner.Scan(&addr, &sender, &recipient, &m.Content, &timestamp, &isEncrypted, &m.GroupID, &status); err != nil {
		return models.Message{}, err
	}

	var err error
	if m.Address, err = parseKey("address", addr); err != nil {
		return models.Message{}, err
	}
	if m.Sender, err = parseKey("sender", sender); err != nil {
		return models.Message{}, err
	}
	if m.Recipient, err = parseKey("recipient", recipient); err != nil {
		return models.Message{}, err
	}
	if m.Status, err = protocol.ParseStatus(status); err != nil {
		return models.Message{}, err
	}
	m.Timestamp = uint64(timestamp)
	m.IsEncrypted = isEncrypted == 1
	return m, nil
}
