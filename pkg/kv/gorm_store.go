package kv

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type kvEntry struct {
	Key   string `gorm:"type:text;primaryKey"`
	Value string `gorm:"type:text;not null"`
}

func (kvEntry) TableName() string { return "kv_entries" }

// GormStore persists key/value state in the kv_entries table.
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

func (s *GormStore) Get(ctx context.Context, key string) (string, error) {
	var entry kvEntry
	err := s.orm.WithContext(ctx).First(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

func (s *GormStore) Set(ctx context.Context, key, value string) error {
	entry := kvEntry{Key: key, Value: value}
	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&entry).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.orm.WithContext(ctx).Delete(&kvEntry{}, "key = ?", key).Error
}
