package offline

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fixedSigner struct{ signature string }

func (s fixedSigner) Sign([]byte) string { return s.signature }

func newTestQueue(t *testing.T, store Store, signer Signer) *Queue {
	t.Helper()
	q, err := NewQueue(store, signer, log.New(log.Writer(), "", 0))
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestEnqueueAssignsIDAndSignature(t *testing.T) {
	store := NewMemory()
	q := newTestQueue(t, store, fixedSigner{signature: "sig-1"})

	rec, err := q.Enqueue(context.Background(), Record{
		UserID: "emp-1",
		Action: "start",
		LocationResult: map[string]any{
			"isInGeofence": true,
			"confidence":   1.0,
		},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if rec.ID == uuid.Nil {
		t.Fatal("Enqueue() left the id unset")
	}
	if rec.Signature != "sig-1" {
		t.Fatalf("Signature = %q", rec.Signature)
	}
	if rec.RecordedAt.IsZero() {
		t.Fatal("Enqueue() left RecordedAt unset")
	}
	if rec.Synced {
		t.Fatal("record enqueued as already synced")
	}

	queued, err := store.Unsynced(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].ID != rec.ID {
		t.Fatalf("store holds %v", queued)
	}
}

func TestDrainMarksSyncedExactlyOnce(t *testing.T) {
	store := NewMemory()
	q := newTestQueue(t, store, nil)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(context.Background(), Record{UserID: "emp-1", Action: "start"}); err != nil {
			t.Fatal(err)
		}
	}

	sent := make(map[uuid.UUID]int)
	send := func(_ context.Context, rec Record) error {
		sent[rec.ID]++
		return nil
	}

	synced, err := q.Drain(context.Background(), send)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if synced != 3 {
		t.Fatalf("Drain() synced = %d, want 3", synced)
	}

	// A second drain finds nothing; no record is ever replayed after sync.
	synced, err = q.Drain(context.Background(), send)
	if err != nil {
		t.Fatal(err)
	}
	if synced != 0 {
		t.Fatalf("second Drain() synced = %d, want 0", synced)
	}
	for id, count := range sent {
		if count != 1 {
			t.Fatalf("record %s sent %d times", id, count)
		}
	}
}

func TestDrainLeavesFailedRecordsQueued(t *testing.T) {
	store := NewMemory()
	q := newTestQueue(t, store, nil)

	good, err := q.Enqueue(context.Background(), Record{UserID: "emp-1", Action: "start", RecordedAt: time.Now().Add(-2 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	bad, err := q.Enqueue(context.Background(), Record{UserID: "emp-1", Action: "end", RecordedAt: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatal(err)
	}

	send := func(_ context.Context, rec Record) error {
		if rec.ID == bad.ID {
			return errors.New("backend rejected")
		}
		return nil
	}

	synced, err := q.Drain(context.Background(), send)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if synced != 1 {
		t.Fatalf("Drain() synced = %d, want 1", synced)
	}

	remaining, err := store.Unsynced(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ID != bad.ID {
		t.Fatalf("remaining = %v, want only the failed record", remaining)
	}
	_ = good
}

func TestDrainSkipsWhenAlreadyDraining(t *testing.T) {
	store := NewMemory()
	q := newTestQueue(t, store, nil)

	if _, err := q.Enqueue(context.Background(), Record{UserID: "emp-1", Action: "start"}); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Drain(context.Background(), func(context.Context, Record) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	synced, err := q.Drain(context.Background(), func(context.Context, Record) error {
		t.Error("second drain ran concurrently")
		return nil
	})
	if err != nil || synced != 0 {
		t.Fatalf("concurrent Drain() = %d, %v; want immediate no-op", synced, err)
	}
	close(release)
	wg.Wait()
}

func TestPruneRespectsRetentionWindow(t *testing.T) {
	store := NewMemory()
	q := newTestQueue(t, store, nil)

	old, err := q.Enqueue(context.Background(), Record{UserID: "emp-1", Action: "start"})
	if err != nil {
		t.Fatal(err)
	}
	recent, err := q.Enqueue(context.Background(), Record{UserID: "emp-1", Action: "end"})
	if err != nil {
		t.Fatal(err)
	}
	unsynced, err := q.Enqueue(context.Background(), Record{UserID: "emp-1", Action: "start"})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := store.MarkSynced(context.Background(), old.ID, now.Add(-8*24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkSynced(context.Background(), recent.ID, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	removed, err := q.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Prune() removed = %d, want only the 8-day-old synced record", removed)
	}
	if store.Len() != 2 {
		t.Fatalf("store holds %d records after prune, want 2", store.Len())
	}

	remaining, err := store.Unsynced(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ID != unsynced.ID {
		t.Fatalf("unsynced remaining = %v", remaining)
	}
}

func TestDepth(t *testing.T) {
	store := NewMemory()
	q := newTestQueue(t, store, nil)

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(context.Background(), Record{UserID: "emp-1", Action: "start"}); err != nil {
			t.Fatal(err)
		}
	}

	depth, err := q.Depth(context.Background())
	if err != nil || depth != 2 {
		t.Fatalf("Depth() = %d, %v; want 2", depth, err)
	}
}
