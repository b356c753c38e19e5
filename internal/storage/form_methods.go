package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// ========== Form snapshot methods ==========

// SaveFormSnapshot overwrites the stored form for a device
func (s *PostgresStore) SaveFormSnapshot(ctx context.Context, deviceID string, fields models.Variables) error {
	if fields == nil {
		fields = models.Variables{}
	}

	query := `
        INSERT INTO form_snapshots (device_id, fields, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (device_id) DO UPDATE
        SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query, deviceID, fields, time.Now())
	return err
}

// GetFormSnapshot gets the stored form for a device
func (s *PostgresStore) GetFormSnapshot(ctx context.Context, deviceID string) (models.Variables, error) {
	var fields models.Variables
	err := s.db.QueryRowContext(ctx,
		"SELECT fields FROM form_snapshots WHERE device_id = $1", deviceID,
	).Scan(&fields)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return fields, err
}
