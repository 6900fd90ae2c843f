package shift

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session statuses persisted in the local store. A pending session is
// locally verified but awaiting an offline-queue replay to the backend.
const (
	SessionActive    = "active"
	SessionPending   = "pending"
	SessionClosed    = "closed"
	SessionAutoEnded = "auto_ended"
)

// Session is the locally persisted shift record.
type Session struct {
	ID        uuid.UUID
	UserID    string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// SessionStore is the durable shift-session contract.
type SessionStore interface {
	Save(ctx context.Context, sess Session) error
	// CloseSession stamps the end time and final status. Closing an
	// already-closed session is a no-op.
	CloseSession(ctx context.Context, id uuid.UUID, status string, endedAt time.Time) error
	// OpenSession returns the user's session without an end time, or nil.
	OpenSession(ctx context.Context, userID string) (*Session, error)
}

type sessionRow struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OwnerUserID string     `gorm:"type:text;not null;index"`
	Status      string     `gorm:"type:text;not null"`
	StartedAt   time.Time  `gorm:"type:timestamptz;not null"`
	EndedAt     *time.Time `gorm:"type:timestamptz"`
}

func (sessionRow) TableName() string { return "shift_sessions" }

// GormSessionStore persists sessions in the shift_sessions table.
type GormSessionStore struct {
	orm *gorm.DB
}

// NewGormSessionStore creates a store bound to the provided ORM handle.
func NewGormSessionStore(orm *gorm.DB) (*GormSessionStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormSessionStore{orm: orm}, nil
}

func (s *GormSessionStore) Save(ctx context.Context, sess Session) error {
	row := sessionRow{
		ID:          sess.ID,
		OwnerUserID: sess.UserID,
		Status:      sess.Status,
		StartedAt:   sess.StartedAt,
		EndedAt:     sess.EndedAt,
	}
	return s.orm.WithContext(ctx).Save(&row).Error
}

func (s *GormSessionStore) CloseSession(ctx context.Context, id uuid.UUID, status string, endedAt time.Time) error {
	return s.orm.WithContext(ctx).
		Model(&sessionRow{}).
		Where("id = ? AND ended_at IS NULL", id).
		Updates(map[string]any{"status": status, "ended_at": endedAt}).Error
}

func (s *GormSessionStore) OpenSession(ctx context.Context, userID string) (*Session, error) {
	var row sessionRow
	err := s.orm.WithContext(ctx).
		Where("owner_user_id = ? AND ended_at IS NULL", userID).
		Order("started_at desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:        row.ID,
		UserID:    row.OwnerUserID,
		Status:    row.Status,
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
	}, nil
}

// MemorySessions is an in-process SessionStore for tests.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
}

// NewMemorySessions creates an empty in-memory store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[uuid.UUID]Session)}
}

func (m *MemorySessions) Save(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *MemorySessions) CloseSession(_ context.Context, id uuid.UUID, status string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || sess.EndedAt != nil {
		return nil
	}
	sess.Status = status
	sess.EndedAt = &endedAt
	m.sessions[id] = sess
	return nil
}

func (m *MemorySessions) OpenSession(_ context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open *Session
	for _, sess := range m.sessions {
		if sess.UserID != userID || sess.EndedAt != nil {
			continue
		}
		if open == nil || sess.StartedAt.After(open.StartedAt) {
			copied := sess
			open = &copied
		}
	}
	return open, nil
}

// Get returns a stored session by id, for tests.
func (m *MemorySessions) Get(id uuid.UUID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}
