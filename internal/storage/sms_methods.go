package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// ========== SMS log methods ==========

// PrependSMS stores an inbound message and trims the log to limit entries
func (s *PostgresStore) PrependSMS(ctx context.Context, deviceID string, entry *models.SMSEntry, limit int) error {
	if entry == nil {
		return ErrInvalidData
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO sms_messages (id, device_id, sender, body, sim, sent_at)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, deviceID, entry.From, entry.Body, entry.SIM, entry.Timestamp.Time(),
		)
		if err != nil {
			return err
		}

		if limit <= 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
            DELETE FROM sms_messages
            WHERE device_id = $1
              AND seq NOT IN (
                  SELECT seq FROM sms_messages
                  WHERE device_id = $1
                  ORDER BY seq DESC
                  LIMIT $2
              )`,
			deviceID, limit,
		)
		return err
	})
}

// ListSMS lists the newest messages for a device
func (s *PostgresStore) ListSMS(ctx context.Context, deviceID string, limit int) ([]*models.SMSEntry, int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sms_messages WHERE device_id = $1", deviceID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, sender, body, sim, sent_at
        FROM sms_messages
        WHERE device_id = $1
        ORDER BY seq DESC`
	args := []interface{}{deviceID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*models.SMSEntry
	for rows.Next() {
		entry, err := scanSMS(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}

	return entries, total, rows.Err()
}

// PopLatestSMS deletes and returns the newest message for a device
func (s *PostgresStore) PopLatestSMS(ctx context.Context, deviceID string) (*models.SMSEntry, error) {
	query := `
        DELETE FROM sms_messages
        WHERE seq = (
            SELECT seq FROM sms_messages
            WHERE device_id = $1
            ORDER BY seq DESC
            LIMIT 1
            FOR UPDATE
        )
        RETURNING id, sender, body, sim, sent_at`

	entry, err := scanSMS(s.db.QueryRowContext(ctx, query, deviceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return entry, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSMS(row rowScanner) (*models.SMSEntry, error) {
	entry := &models.SMSEntry{}
	var sentAt time.Time

	if err := row.Scan(&entry.ID, &entry.From, &entry.Body, &entry.SIM, &sentAt); err != nil {
		return nil, err
	}
	entry.Timestamp = models.Millis(sentAt)
	return entry, nil
}
