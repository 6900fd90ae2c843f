package location

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"shiftd/pkg/render"
	"shiftd/services/attendance/internal/device"
	"shiftd/services/attendance/internal/geofence"
)

type stubSource struct {
	pos   device.Position
	err   error
	delay time.Duration
	calls int
}

func (s *stubSource) Current(ctx context.Context, _ device.Accuracy) (device.Position, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return device.Position{}, ctx.Err()
		}
	}
	return s.pos, s.err
}

var testRegions = []geofence.Region{
	{ID: "hq", Name: "Head Office", Latitude: 12.9716, Longitude: 77.5946, RadiusMeters: 100},
}

func newTestVerifier(t *testing.T, cache *device.LocationCache, source device.LocationSource, now time.Time) *Verifier {
	t.Helper()
	renderer, err := render.New()
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(cache, source, testRegions, renderer, nil, Config{
		Now: func() time.Time { return now },
	})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestVerifyInsideGeofence(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cache := device.NewLocationCache()
	cache.Store(device.Position{Latitude: 12.9716, Longitude: 77.5946, Accuracy: 12, ObservedAt: now.Add(-10 * time.Second)})

	source := &stubSource{}
	v := newTestVerifier(t, cache, source, now)

	result := v.Verify(context.Background(), Options{})
	if !result.Success || !result.IsInGeofence {
		t.Fatalf("Verify() = %+v, want inside success", result)
	}
	if result.Confidence != 1.0 {
		t.Fatalf("Confidence = %v, want 1.0", result.Confidence)
	}
	if result.GeofenceID != "hq" {
		t.Fatalf("GeofenceID = %q, want hq", result.GeofenceID)
	}
	if source.calls != 0 {
		t.Fatalf("fresh fetch ran %d times despite fresh cache", source.calls)
	}
}

func TestVerifyOutsideGeofence(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cache := device.NewLocationCache()
	// Roughly 200m north of the region center, radius 100m.
	cache.Store(device.Position{Latitude: 12.9734, Longitude: 77.5946, ObservedAt: now})

	v := newTestVerifier(t, cache, &stubSource{}, now)

	t.Run("no override permission", func(t *testing.T) {
		result := v.Verify(context.Background(), Options{})
		if result.Success {
			t.Fatalf("Verify() succeeded outside geofence: %+v", result)
		}
		if result.Failure != FailureOutsideGeofence {
			t.Fatalf("Failure = %q, want OutsideGeofence", result.Failure)
		}
		if result.Confidence != 0 {
			t.Fatalf("Confidence = %v, want 0", result.Confidence)
		}
		if !strings.Contains(result.Message, "Head Office") {
			t.Fatalf("Message = %q, want nearest region named", result.Message)
		}
	})

	t.Run("override permission", func(t *testing.T) {
		result := v.Verify(context.Background(), Options{OverridePermission: true})
		if !result.Success {
			t.Fatalf("Verify() with override failed: %+v", result)
		}
		if result.Confidence != 0.8 {
			t.Fatalf("Confidence = %v, want 0.8", result.Confidence)
		}
		if result.Warning == "" {
			t.Fatal("Warning empty, want non-blocking override warning")
		}
		if result.IsInGeofence {
			t.Fatal("IsInGeofence = true for override acceptance")
		}
	})
}

func TestVerifyFreshFetchOnStaleCache(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cache := device.NewLocationCache()
	cache.Store(device.Position{Latitude: 0, Longitude: 0, ObservedAt: now.Add(-10 * time.Minute)})

	source := &stubSource{pos: device.Position{Latitude: 12.9716, Longitude: 77.5946, ObservedAt: now}}
	v := newTestVerifier(t, cache, source, now)

	result := v.Verify(context.Background(), Options{})
	if !result.Success {
		t.Fatalf("Verify() = %+v, want success from fresh fetch", result)
	}
	if source.calls != 1 {
		t.Fatalf("fresh fetch calls = %d, want 1", source.calls)
	}

	// The fresh fix must land in the shared cache.
	if pos, ok := cache.Latest(); !ok || pos.Latitude != 12.9716 {
		t.Fatalf("cache.Latest() = %+v, want fresh fix stored", pos)
	}
}

func TestVerifyFallsBackToStaleCacheOnFetchError(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cache := device.NewLocationCache()
	cache.Store(device.Position{Latitude: 12.9716, Longitude: 77.5946, ObservedAt: now.Add(-10 * time.Minute)})

	source := &stubSource{err: errors.New("gps cold start")}
	v := newTestVerifier(t, cache, source, now)

	result := v.Verify(context.Background(), Options{})
	if !result.Success {
		t.Fatalf("Verify() = %+v, want stale-cache fallback success", result)
	}
}

func TestVerifyNoLocationAtAll(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, device.NewLocationCache(), &stubSource{err: errors.New("location services disabled")}, now)

	result := v.Verify(context.Background(), Options{})
	if result.Success {
		t.Fatalf("Verify() = %+v, want failure", result)
	}
	if result.Failure != FailureUnavailable {
		t.Fatalf("Failure = %q, want LocationUnavailable (distinct from OutsideGeofence)", result.Failure)
	}
	if !strings.Contains(result.Message, "location services") {
		t.Fatalf("Message = %q, want enable-location guidance", result.Message)
	}
}

func TestVerifyFastPathStaleness(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cache := device.NewLocationCache()
	// 60s old: fine for the background window, too old for the fast path.
	cache.Store(device.Position{Latitude: 12.9716, Longitude: 77.5946, ObservedAt: now.Add(-time.Minute)})

	source := &stubSource{pos: device.Position{Latitude: 12.9716, Longitude: 77.5946, ObservedAt: now}}
	v := newTestVerifier(t, cache, source, now)

	v.Verify(context.Background(), Options{FastPath: true})
	if source.calls != 1 {
		t.Fatalf("fast path fetch calls = %d, want 1", source.calls)
	}

	source.calls = 0
	v.Verify(context.Background(), Options{})
	if source.calls != 0 {
		t.Fatalf("background fetch calls = %d, want 0", source.calls)
	}
}
