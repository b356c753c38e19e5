package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidData   = errors.New("invalid data")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Store defines the persistence interface. Every method is atomic with
// respect to other calls for the same device id.
type Store interface {
	// Command queue methods
	AppendCommand(ctx context.Context, deviceID string, cmd *models.Command) error
	// TakeCommands returns the pending commands in enqueue order and
	// removes them in the same step.
	TakeCommands(ctx context.Context, deviceID string) ([]*models.Command, error)
	CountCommands(ctx context.Context, deviceID string) (int, error)

	// SMS log methods, newest first
	PrependSMS(ctx context.Context, deviceID string, entry *models.SMSEntry, limit int) error
	ListSMS(ctx context.Context, deviceID string, limit int) ([]*models.SMSEntry, int64, error)
	PopLatestSMS(ctx context.Context, deviceID string) (*models.SMSEntry, error)

	// Form snapshot methods
	SaveFormSnapshot(ctx context.Context, deviceID string, fields models.Variables) error
	GetFormSnapshot(ctx context.Context, deviceID string) (models.Variables, error)

	// Close the store
	Close() error
}

// Storage drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open creates the configured backend.
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		return NewSQLiteStore(opts.Path)
	case DriverPostgres:
		store, err := NewPostgresStore(opts.DSN)
		if err != nil {
			return nil, err
		}
		store.configurePool(opts)
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
