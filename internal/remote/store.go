// Package remote is the authoritative, per-user scan history store. Rows live
// in a Postgres table shaped like the hosted backend's scan_history table,
// ordered by the scan completion time.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/franckalain/healthscan/internal/logger"
	"github.com/franckalain/healthscan/internal/models"
)

// ScanRow is the table representation of a ScanRecord.
type ScanRow struct {
	ID        string         `gorm:"primaryKey;type:varchar(64)"`
	UserID    string         `gorm:"type:varchar(128);not null;index:idx_scan_history_user_scanned,priority:1;uniqueIndex:idx_scan_history_user_client,priority:1"`
	ClientID  string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_scan_history_user_client,priority:2"`
	Barcode   string         `gorm:"type:varchar(64);not null"`
	Product   datatypes.JSON `gorm:"not null"`
	Analysis  datatypes.JSON `gorm:"not null"`
	ScannedAt time.Time      `gorm:"not null;index:idx_scan_history_user_scanned,priority:2"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
}

func (ScanRow) TableName() string { return "scan_history" }

var ErrMissingUser = errors.New("user id required")

type GormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewGormStore connects to Postgres and migrates the tables it owns.
func NewGormStore(dsn string, log *logger.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return NewGormStoreFromDB(db, log)
}

// NewGormStoreFromDB wraps an existing connection, migrating the tables.
func NewGormStoreFromDB(db *gorm.DB, log *logger.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&ScanRow{}, &Profile{}); err != nil {
		return nil, fmt.Errorf("auto migration failed: %w", err)
	}
	return &GormStore{db: db, log: log.With("service", "RemoteStore")}, nil
}

// Create inserts rec for userID. The returned record carries the id assigned
// here and is marked synced. Creating a record whose client id the user
// already has stores nothing and returns the existing row.
func (s *GormStore) Create(ctx context.Context, userID string, rec models.ScanRecord) (models.ScanRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return models.ScanRecord{}, ErrMissingUser
	}
	product, err := json.Marshal(rec.Product)
	if err != nil {
		return models.ScanRecord{}, fmt.Errorf("encode product: %w", err)
	}
	analysis, err := json.Marshal(rec.Analysis)
	if err != nil {
		return models.ScanRecord{}, fmt.Errorf("encode analysis: %w", err)
	}

	clientID := rec.ClientID
	if clientID == "" {
		clientID = rec.ID
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	row := ScanRow{
		ID:        uuid.NewString(),
		UserID:    userID,
		ClientID:  clientID,
		Barcode:   rec.Barcode,
		Product:   datatypes.JSON(product),
		Analysis:  datatypes.JSON(analysis),
		ScannedAt: rec.Timestamp.UTC(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "client_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return models.ScanRecord{}, fmt.Errorf("insert scan: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing ScanRow
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND client_id = ?", userID, clientID).
			First(&existing).Error
		if err != nil {
			return models.ScanRecord{}, fmt.Errorf("load existing scan: %w", err)
		}
		s.log.Debug("Scan already stored", "user_id", userID, "client_id", clientID)
		return existing.record()
	}

	rec.ID = row.ID
	rec.ClientID = clientID
	rec.UserID = userID
	rec.Synced = true
	return rec, nil
}

// List returns up to limit of userID's records, newest first. limit <= 0
// means no limit.
func (s *GormStore) List(ctx context.Context, userID string, limit int) ([]models.ScanRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("scanned_at DESC").
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []ScanRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}

	out := make([]models.ScanRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			s.log.Warn("Skipping undecodable scan row", "id", row.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes one of userID's records. Deleting an unknown id is not an
// error.
func (s *GormStore) Delete(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		Delete(&ScanRow{}).Error
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	return nil
}

// DeleteAll removes every record belonging to userID and nobody else.
func (s *GormStore) DeleteAll(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&ScanRow{}).Error; err != nil {
		return fmt.Errorf("clear scans: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (row ScanRow) record() (models.ScanRecord, error) {
	var product models.Product
	if err := json.Unmarshal(row.Product, &product); err != nil {
		return models.ScanRecord{}, fmt.Errorf("decode product: %w", err)
	}
	var analysis models.HealthAssessment
	if err := json.Unmarshal(row.Analysis, &analysis); err != nil {
		return models.ScanRecord{}, fmt.Errorf("decode analysis: %w", err)
	}
	return models.ScanRecord{
		ID:        row.ID,
		ClientID:  row.ClientID,
		UserID:    row.UserID,
		Barcode:   row.Barcode,
		Product:   &product,
		Analysis:  &analysis,
		Timestamp: row.ScannedAt,
		Synced:    true,
	}, nil
}
