package offline

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SendFunc replays one record to the backend. A nil error marks the record
// synced; any error leaves it queued for the next drain.
type SendFunc func(ctx context.Context, rec Record) error

// Queue is the durable offline verification queue.
type Queue struct {
	store  Store
	signer Signer
	logger *log.Logger
	now    func() time.Time

	draining atomic.Bool

	// OnEnqueue and OnSynced observe queue movement, for metrics.
	OnEnqueue func(rec Record)
	OnSynced  func(rec Record)
}

// NewQueue wires the queue. signer may be nil when no vault identity is
// configured; records are then stored unsigned.
func NewQueue(store Store, signer Signer, logger *log.Logger) (*Queue, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{store: store, signer: signer, logger: logger, now: time.Now}, nil
}

// Enqueue durably appends a record, assigning an id and signing the payload.
func (q *Queue) Enqueue(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = q.now()
	}
	rec.Synced = false
	rec.SyncedAt = nil

	if q.signer != nil {
		if err := sign(q.signer, &rec); err != nil {
			return Record{}, err
		}
	}

	if err := q.store.Append(ctx, rec); err != nil {
		return Record{}, err
	}

	q.logger.Printf("INFO offline queued %s %s for %s", rec.Action, rec.ID, rec.UserID)
	if q.OnEnqueue != nil {
		q.OnEnqueue(rec)
	}
	return rec, nil
}

// Drain replays unsynced records through send, marking each synced exactly
// once. Failed records stay queued. Only one drain runs at a time; a
// concurrent call returns immediately so drains can never pile up behind a
// dead network.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (int, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.draining.Store(false)

	records, err := q.store.Unsynced(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}

		if err := send(ctx, rec); err != nil {
			q.logger.Printf("WARN offline sync %s failed, retrying next drain: %v", rec.ID, err)
			continue
		}

		at := q.now()
		if err := q.store.MarkSynced(ctx, rec.ID, at); err != nil {
			return synced, err
		}
		synced++
		if q.OnSynced != nil {
			rec.Synced = true
			rec.SyncedAt = &at
			q.OnSynced(rec)
		}
	}

	if synced > 0 {
		q.logger.Printf("INFO offline drained %d of %d records", synced, len(records))
	}
	return synced, nil
}

// Prune removes synced records past the retention window.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	return q.store.Prune(ctx, q.now().Add(-RetentionWindow))
}

// Depth reports how many records currently await sync.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	records, err := q.store.Unsynced(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
