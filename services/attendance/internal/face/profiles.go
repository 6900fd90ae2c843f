package face

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Profile is the locally stored registration summary. The encodings
// themselves live encrypted in the vault; only the reference is kept here.
type Profile struct {
	UserID       string
	EncodingRef  string
	QualityScore float64
	Angles       int
	RegisteredAt time.Time
}

// ProfileStore persists registration summaries.
type ProfileStore interface {
	Registered(ctx context.Context, userID string) (bool, error)
	SaveProfile(ctx context.Context, p Profile) error
	Profile(ctx context.Context, userID string) (*Profile, error)
}

type profileRow struct {
	UserID       string    `gorm:"type:text;primaryKey"`
	EncodingRef  string    `gorm:"type:text;not null"`
	QualityScore float64   `gorm:"not null;default:0"`
	Angles       int       `gorm:"not null;default:0"`
	RegisteredAt time.Time `gorm:"type:timestamptz;not null"`
}

func (profileRow) TableName() string { return "face_profiles" }

// GormProfileStore persists profiles in the face_profiles table.
type GormProfileStore struct {
	orm *gorm.DB
}

// NewGormProfileStore creates a store bound to the provided ORM handle.
func NewGormProfileStore(orm *gorm.DB) (*GormProfileStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormProfileStore{orm: orm}, nil
}

func (s *GormProfileStore) Registered(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := s.orm.WithContext(ctx).
		Model(&profileRow{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count > 0, err
}

func (s *GormProfileStore) SaveProfile(ctx context.Context, p Profile) error {
	row := profileRow{
		UserID:       p.UserID,
		EncodingRef:  p.EncodingRef,
		QualityScore: p.QualityScore,
		Angles:       p.Angles,
		RegisteredAt: p.RegisteredAt,
	}
	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"encoding_ref", "quality_score", "angles", "registered_at"}),
		}).
		Create(&row).Error
}

func (s *GormProfileStore) Profile(ctx context.Context, userID string) (*Profile, error) {
	var row profileRow
	err := s.orm.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Profile{
		UserID:       row.UserID,
		EncodingRef:  row.EncodingRef,
		QualityScore: row.QualityScore,
		Angles:       row.Angles,
		RegisteredAt: row.RegisteredAt,
	}, nil
}

// MemoryProfiles is an in-process ProfileStore for tests.
type MemoryProfiles struct {
	mu       sync.Mutex
	profiles map[string]Profile
}

// NewMemoryProfiles creates an empty in-memory store.
func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{profiles: make(map[string]Profile)}
}

func (m *MemoryProfiles) Registered(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.profiles[userID]
	return ok, nil
}

func (m *MemoryProfiles) SaveProfile(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
	return nil
}

func (m *MemoryProfiles) Profile(_ context.Context, userID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
