package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fleetpanel/fleet-server/internal/models"
	"github.com/fleetpanel/fleet-server/pkg/keylock"
)

// Emitter queues a command produced by a completed dialogue.
type Emitter func(ctx context.Context, deviceID string, cmd *models.Command) error

// Manager keeps one session per operator chat. Inputs for the same chat
// are applied one at a time; different chats proceed independently.
type Manager struct {
	locks keylock.Map[int64]

	mu       sync.Mutex
	sessions map[int64]State
}

// NewManager creates a manager with no sessions.
func NewManager() *Manager {
	return &Manager{sessions: make(map[int64]State)}
}

// State returns the current state of chatID, Idle when no session exists.
func (m *Manager) State(chatID int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[chatID]; ok {
		return s
	}
	return Idle{}
}

// Len reports how many chats have a dialogue in progress.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Apply runs in against the session of chatID. A produced command is
// handed to emit first; the next state is stored only if emit succeeds,
// so a failed enqueue leaves the operator where they were.
func (m *Manager) Apply(ctx context.Context, chatID int64, in Input, emit Emitter) (Result, error) {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	res, err := Transition(m.State(chatID), in)
	if err != nil {
		return res, err
	}

	if res.Command != nil {
		if emit == nil {
			return res, errors.New("conversation: command produced without emitter")
		}
		if err := emit(ctx, res.DeviceID, res.Command); err != nil {
			return res, fmt.Errorf("emit %s: %w", res.Command.Type, err)
		}
	}

	m.mu.Lock()
	if res.Next == nil || res.Next.Kind() == StateIdle {
		delete(m.sessions, chatID)
	} else {
		m.sessions[chatID] = res.Next
	}
	m.mu.Unlock()

	return res, nil
}
