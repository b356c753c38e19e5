package storage

import (
	"context"
	"sync"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// MemoryStore keeps everything in process memory. It does not survive a
// restart and is meant for tests and throwaway runs. A single mutex
// guards every device, so calls for different devices do wait on each
// other; use the sqlite or postgres backend where that matters.
type MemoryStore struct {
	mu       sync.Mutex
	commands map[string][]*models.Command
	sms      map[string][]*models.SMSEntry
	forms    map[string]models.Variables
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commands: make(map[string][]*models.Command),
		sms:      make(map[string][]*models.SMSEntry),
		forms:    make(map[string]models.Variables),
	}
}

// ========== Command queue ==========

// AppendCommand appends cmd to the device queue
func (s *MemoryStore) AppendCommand(ctx context.Context, deviceID string, cmd *models.Command) error {
	if cmd == nil {
		return ErrInvalidData
	}
	c := *cmd

	s.mu.Lock()
	s.commands[deviceID] = append(s.commands[deviceID], &c)
	s.mu.Unlock()
	return nil
}

// TakeCommands drains the device queue
func (s *MemoryStore) TakeCommands(ctx context.Context, deviceID string) ([]*models.Command, error) {
	s.mu.Lock()
	cmds := s.commands[deviceID]
	delete(s.commands, deviceID)
	s.mu.Unlock()

	if cmds == nil {
		cmds = []*models.Command{}
	}
	return cmds, nil
}

// CountCommands counts pending commands
func (s *MemoryStore) CountCommands(ctx context.Context, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands[deviceID]), nil
}

// ========== SMS log ==========

// PrependSMS adds entry as the newest message and trims the log to limit
func (s *MemoryStore) PrependSMS(ctx context.Context, deviceID string, entry *models.SMSEntry, limit int) error {
	if entry == nil {
		return ErrInvalidData
	}
	e := *entry

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]*models.SMSEntry{&e}, s.sms[deviceID]...)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	s.sms[deviceID] = list
	return nil
}

// ListSMS returns up to limit entries, newest first, plus the total count
func (s *MemoryStore) ListSMS(ctx context.Context, deviceID string, limit int) ([]*models.SMSEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sms[deviceID]
	n := len(list)
	if limit > 0 && n > limit {
		n = limit
	}

	out := make([]*models.SMSEntry, n)
	for i := 0; i < n; i++ {
		e := *list[i]
		out[i] = &e
	}
	return out, int64(len(list)), nil
}

// PopLatestSMS removes and returns the newest entry
func (s *MemoryStore) PopLatestSMS(ctx context.Context, deviceID string) (*models.SMSEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sms[deviceID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}

	removed := list[0]
	s.sms[deviceID] = list[1:]
	return removed, nil
}

// ========== Form snapshots ==========

// SaveFormSnapshot overwrites the device form snapshot
func (s *MemoryStore) SaveFormSnapshot(ctx context.Context, deviceID string, fields models.Variables) error {
	cp := make(models.Variables, len(fields))
	for k, v := range fields {
		cp[k] = v
	}

	s.mu.Lock()
	s.forms[deviceID] = cp
	s.mu.Unlock()
	return nil
}

// GetFormSnapshot returns the latest form snapshot
func (s *MemoryStore) GetFormSnapshot(ctx context.Context, deviceID string) (models.Variables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.forms[deviceID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := make(models.Variables, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
