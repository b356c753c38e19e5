package storage

import (
	"context"
	"sort"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// ========== Command queue methods ==========

// AppendCommand queues a command for a device
func (s *PostgresStore) AppendCommand(ctx context.Context, deviceID string, cmd *models.Command) error {
	if cmd == nil {
		return ErrInvalidData
	}

	query := `
        INSERT INTO device_commands (id, device_id, type, sim, number, message, action, queued_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		cmd.ID, deviceID, string(cmd.Type), int(cmd.SIM),
		cmd.Number, cmd.Message, string(cmd.Action), cmd.QueuedAt,
	)
	return err
}

// TakeCommands removes and returns all pending commands for a device.
// A single DELETE ... RETURNING is atomic against concurrent inserts.
func (s *PostgresStore) TakeCommands(ctx context.Context, deviceID string) ([]*models.Command, error) {
	query := `
        DELETE FROM device_commands
        WHERE device_id = $1
        RETURNING seq, id, type, sim, number, message, action, queued_at`

	rows, err := s.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type seqCommand struct {
		seq int64
		cmd *models.Command
	}
	var taken []seqCommand

	for rows.Next() {
		cmd := &models.Command{}
		var seq int64
		var typ, action string
		var sim int

		if err := rows.Scan(&seq, &cmd.ID, &typ, &sim, &cmd.Number, &cmd.Message, &action, &cmd.QueuedAt); err != nil {
			return nil, err
		}
		cmd.Type = models.CommandType(typ)
		cmd.Action = models.ForwardAction(action)
		cmd.SIM = models.SIMSlot(sim)

		taken = append(taken, seqCommand{seq: seq, cmd: cmd})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(taken, func(i, j int) bool { return taken[i].seq < taken[j].seq })

	cmds := make([]*models.Command, len(taken))
	for i, t := range taken {
		cmds[i] = t.cmd
	}
	return cmds, nil
}

// CountCommands counts pending commands for a device
func (s *PostgresStore) CountCommands(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM device_commands WHERE device_id = $1", deviceID,
	).Scan(&count)
	return count, err
}
