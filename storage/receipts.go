package storage

import (
	"errors"
	"fmt"

	"ledgerchat/protocol"
)

// InsertReceipt records that a status transition was submitted for a message.
func (s *Store) InsertReceipt(messageAddress string, status protocol.Status, recordedAt int64) error {
	if messageAddress == "" {
		return errors.New("message_address is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}
	if recordedAt == 0 {
		recordedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO status_receipts (message_address, status, recorded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_address, status) DO UPDATE SET recorded_at = excluded.recorded_at`,
		messageAddress,
		status.String(),
		recordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert receipt %s/%s: %w", messageAddress, status, err)
	}
	return nil
}

// HasReceipt reports whether the transition was already submitted.
func (s *Store) HasReceipt(messageAddress string, status protocol.Status) (bool, error) {
	if messageAddress == "" {
		return false, errors.New("message_address is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM status_receipts WHERE message_address = ? AND status = ?)`,
		messageAddress,
		status.String(),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check receipt %s/%s: %w", messageAddress, status, err)
	}
	return exists == 1, nil
}

// PruneReceipts removes receipts recorded before cutoff.
func (s *Store) PruneReceipts(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM status_receipts WHERE recorded_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune receipts: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for receipt prune: %w", err)
	}
	return rowsAffected, nil
}
