package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type ShiftSession struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OwnerUserID string     `gorm:"type:text;not null;index"`
	Status      string     `gorm:"type:text;not null"`
	StartedAt   time.Time  `gorm:"type:timestamptz;not null"`
	EndedAt     *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type OfflineVerification struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserID         string            `gorm:"type:text;not null;index"`
	Action         string            `gorm:"type:text;not null"`
	RecordedAt     time.Time         `gorm:"type:timestamptz;not null"`
	LocationResult datatypes.JSONMap `gorm:"type:jsonb"`
	FaceResult     datatypes.JSONMap `gorm:"type:jsonb"`
	Signature      string            `gorm:"type:text"`
	Synced         bool              `gorm:"not null;default:false;index"`
	SyncedAt       *time.Time        `gorm:"type:timestamptz"`
	CreatedAt      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type FaceProfile struct {
	UserID       string    `gorm:"type:text;primaryKey"`
	EncodingRef  string    `gorm:"type:text;not null"`
	QualityScore float64   `gorm:"not null;default:0"`
	Angles       int       `gorm:"not null;default:0"`
	RegisteredAt time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type KVEntry struct {
	Key       string    `gorm:"type:text;primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (ShiftSession) TableName() string        { return "shift_sessions" }
func (OfflineVerification) TableName() string { return "offline_verifications" }
func (FaceProfile) TableName() string         { return "face_profiles" }
func (KVEntry) TableName() string             { return "kv_entries" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&ShiftSession{},
		&OfflineVerification{},
		&FaceProfile{},
		&KVEntry{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&KVEntry{},
		&FaceProfile{},
		&OfflineVerification{},
		&ShiftSession{},
	)
}
