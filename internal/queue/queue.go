// Package queue holds the commands waiting for each device until the
// device polls for them.
package queue

import (
	"context"
	"fmt"

	"github.com/fleetpanel/fleet-server/internal/models"
	"github.com/fleetpanel/fleet-server/internal/storage"
	"github.com/fleetpanel/fleet-server/pkg/keylock"
)

// Queue is a per-device FIFO of commands. Operations on one device are
// serialized; operations on different devices never wait on each other.
// Delivery is at-most-once: a drained command is gone.
type Queue struct {
	store storage.Store
	locks keylock.Map[string]
}

// New creates a queue backed by store.
func New(store storage.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue appends cmd to the queue of deviceID. The command is stored
// before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, deviceID string, cmd *models.Command) error {
	if deviceID == "" || cmd == nil {
		return storage.ErrInvalidData
	}

	unlock := q.locks.Lock(deviceID)
	defer unlock()

	if err := q.store.AppendCommand(ctx, deviceID, cmd); err != nil {
		return fmt.Errorf("enqueue command for %s: %w", deviceID, err)
	}
	return nil
}

// Drain returns every command queued for deviceID since the previous
// drain, oldest first, and empties the queue. An empty queue yields an
// empty, non-nil slice.
func (q *Queue) Drain(ctx context.Context, deviceID string) ([]*models.Command, error) {
	unlock := q.locks.Lock(deviceID)
	defer unlock()

	cmds, err := q.store.TakeCommands(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("drain commands for %s: %w", deviceID, err)
	}
	if cmds == nil {
		cmds = []*models.Command{}
	}
	return cmds, nil
}

// Pending counts queued commands without removing them.
func (q *Queue) Pending(ctx context.Context, deviceID string) (int, error) {
	unlock := q.locks.Lock(deviceID)
	defer unlock()

	n, err := q.store.CountCommands(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("count commands for %s: %w", deviceID, err)
	}
	return n, nil
}
