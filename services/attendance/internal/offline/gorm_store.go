package offline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type offlineRow struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserID         string            `gorm:"type:text;not null;index"`
	Action         string            `gorm:"type:text;not null"`
	RecordedAt     time.Time         `gorm:"type:timestamptz;not null"`
	LocationResult datatypes.JSONMap `gorm:"type:jsonb"`
	FaceResult     datatypes.JSONMap `gorm:"type:jsonb"`
	Signature      string            `gorm:"type:text"`
	Synced         bool              `gorm:"not null;default:false;index"`
	SyncedAt       *time.Time        `gorm:"type:timestamptz"`
}

func (offlineRow) TableName() string { return "offline_verifications" }

func (r offlineRow) record() Record {
	return Record{
		ID:             r.ID,
		UserID:         r.UserID,
		Action:         r.Action,
		RecordedAt:     r.RecordedAt,
		LocationResult: r.LocationResult,
		FaceResult:     r.FaceResult,
		Signature:      r.Signature,
		Synced:         r.Synced,
		SyncedAt:       r.SyncedAt,
	}
}

func rowOf(rec Record) offlineRow {
	return offlineRow{
		ID:             rec.ID,
		UserID:         rec.UserID,
		Action:         rec.Action,
		RecordedAt:     rec.RecordedAt,
		LocationResult: rec.LocationResult,
		FaceResult:     rec.FaceResult,
		Signature:      rec.Signature,
		Synced:         rec.Synced,
		SyncedAt:       rec.SyncedAt,
	}
}

// GormStore persists queue records in the offline_verifications table.
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore creates a store bound to the provided ORM handle.
func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm}, nil
}

func (s *GormStore) Append(ctx context.Context, rec Record) error {
	row := rowOf(rec)
	return s.orm.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) Unsynced(ctx context.Context) ([]Record, error) {
	var rows []offlineRow
	err := s.orm.WithContext(ctx).
		Where("synced = ?", false).
		Order("recorded_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func (s *GormStore) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.orm.WithContext(ctx).
		Model(&offlineRow{}).
		Where("id = ? AND synced = ?", id, false).
		Updates(map[string]any{"synced": true, "synced_at": at}).Error
}

func (s *GormStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.orm.WithContext(ctx).
		Where("synced = ? AND synced_at < ?", true, before).
		Delete(&offlineRow{})
	return res.RowsAffected, res.Error
}
