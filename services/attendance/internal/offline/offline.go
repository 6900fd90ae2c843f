// Package offline holds verification attempts that succeeded locally but
// could not be committed to the backend. Records are durable, signed at
// enqueue so replays are tamper-evident, and drained opportunistically
// without ever blocking a shift action.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RetentionWindow is how long synced records are kept before pruning.
const RetentionWindow = 7 * 24 * time.Hour

// Record is one locally verified shift action awaiting replay.
type Record struct {
	ID             uuid.UUID
	UserID         string
	Action         string
	RecordedAt     time.Time
	LocationResult map[string]any
	FaceResult     map[string]any
	Signature      string
	Synced         bool
	SyncedAt       *time.Time
}

// Payload is the canonical byte form covered by the signature. Sync markers
// are excluded so replaying a record does not invalidate it.
func (r Record) Payload() ([]byte, error) {
	return json.Marshal(struct {
		ID             uuid.UUID      `json:"id"`
		UserID         string         `json:"userId"`
		Action         string         `json:"action"`
		RecordedAt     time.Time      `json:"recordedAt"`
		LocationResult map[string]any `json:"locationResult,omitempty"`
		FaceResult     map[string]any `json:"faceResult,omitempty"`
	}{r.ID, r.UserID, r.Action, r.RecordedAt, r.LocationResult, r.FaceResult})
}

// Store is the durable record contract. Records are keyed by their locally
// generated id; sync marking must be idempotent.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Unsynced(ctx context.Context) ([]Record, error)
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error
	// Prune removes synced records whose sync time is before the cutoff and
	// reports how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Signer produces the tamper-evidence signature over a record payload.
type Signer interface {
	Sign(payload []byte) string
}

func sign(signer Signer, rec *Record) error {
	payload, err := rec.Payload()
	if err != nil {
		return fmt.Errorf("canonicalize record %s: %w", rec.ID, err)
	}
	rec.Signature = signer.Sign(payload)
	return nil
}
