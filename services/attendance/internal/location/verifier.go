// Package location verifies geofence presence for a shift action. The
// verifier prefers a sufficiently fresh cached fix, races a fresh fetch
// against a bounded timeout otherwise, and degrades to the cached point or
// a typed failure instead of ever blocking past its budget.
package location

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"shiftd/pkg/render"
	"shiftd/services/attendance/internal/device"
	"shiftd/services/attendance/internal/geofence"
)

// FailureKind classifies a failed verification.
type FailureKind string

const (
	// FailureNone marks a successful result.
	FailureNone FailureKind = ""
	// FailureOutsideGeofence means a fix was obtained but lies outside every region.
	FailureOutsideGeofence FailureKind = "OutsideGeofence"
	// FailureUnavailable means no fix could be obtained at all.
	FailureUnavailable FailureKind = "LocationUnavailable"
)

// Confidence levels assigned by the decision policy.
const (
	confidenceInside   = 1.0
	confidenceOverride = 0.8
)

// Result is the immutable outcome of one location verification.
type Result struct {
	Success      bool
	Latitude     float64
	Longitude    float64
	Accuracy     float64
	IsInGeofence bool
	GeofenceID   string
	Confidence   float64
	Failure      FailureKind
	Message      string
	Warning      string
	VerifiedAt   time.Time
}

// Options control a single Verify call.
type Options struct {
	// FastPath tightens the cached-fix staleness window to the shift-end
	// budget (30s) instead of the background window (2m).
	FastPath bool
	// OverridePermission lets a caller outside every region pass with
	// reduced confidence and a non-blocking warning.
	OverridePermission bool
	// Attempt indexes into the accuracy/timeout ladder.
	Attempt int
}

// Config tunes the verifier.
type Config struct {
	BackgroundStaleness time.Duration
	FastPathStaleness   time.Duration
	Now                 func() time.Time
}

// ladder pairs a requested accuracy tier with the fetch timeout allowed for
// it. Attempts escalate down the ladder: quick high-accuracy tries first,
// then slower low-accuracy fallbacks.
var ladder = []struct {
	accuracy device.Accuracy
	timeout  time.Duration
}{
	{device.AccuracyHigh, 3 * time.Second},
	{device.AccuracyHigh, 5 * time.Second},
	{device.AccuracyBalanced, 10 * time.Second},
	{device.AccuracyLow, 25 * time.Second},
}

// Verifier evaluates geofence presence.
type Verifier struct {
	cache    *device.LocationCache
	source   device.LocationSource
	regions  []geofence.Region
	renderer *render.Engine
	logger   *log.Logger
	cfg      Config
}

// NewVerifier wires the verifier. source may be nil, in which case only the
// cache is consulted.
func NewVerifier(cache *device.LocationCache, source device.LocationSource, regions []geofence.Region, renderer *render.Engine, logger *log.Logger, cfg Config) (*Verifier, error) {
	if cache == nil {
		return nil, fmt.Errorf("location cache is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.BackgroundStaleness <= 0 {
		cfg.BackgroundStaleness = 2 * time.Minute
	}
	if cfg.FastPathStaleness <= 0 {
		cfg.FastPathStaleness = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Verifier{
		cache:    cache,
		source:   source,
		regions:  regions,
		renderer: renderer,
		logger:   logger,
		cfg:      cfg,
	}, nil
}

// Verify produces a Result. It never blocks longer than the ladder timeout
// for the requested attempt.
func (v *Verifier) Verify(ctx context.Context, opts Options) Result {
	now := v.cfg.Now()

	staleness := v.cfg.BackgroundStaleness
	if opts.FastPath {
		staleness = v.cfg.FastPathStaleness
	}

	pos, ok := v.cache.Fresh(now, staleness)
	if !ok {
		pos, ok = v.fetchFresh(ctx, opts.Attempt)
	}
	if !ok {
		// A stale cached fix is still better than nothing when the fetch
		// itself failed.
		pos, ok = v.cache.Latest()
	}
	if !ok {
		return Result{
			Success:    false,
			Confidence: 0,
			Failure:    FailureUnavailable,
			Message:    v.render("location_unavailable.tmpl", nil),
			VerifiedAt: now,
		}
	}

	return v.decide(pos, opts, now)
}

func (v *Verifier) decide(pos device.Position, opts Options, now time.Time) Result {
	pt := geofence.Point{Latitude: pos.Latitude, Longitude: pos.Longitude}
	inside, matched := geofence.Evaluate(pt, v.regions)

	result := Result{
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Accuracy:   pos.Accuracy,
		VerifiedAt: now,
	}

	switch {
	case inside:
		result.Success = true
		result.IsInGeofence = true
		result.GeofenceID = matched.ID
		result.Confidence = confidenceInside
	case opts.OverridePermission:
		result.Success = true
		result.Confidence = confidenceOverride
		result.Warning = "outside work area, accepted under override permission"
		v.logger.Printf("WARN location outside geofence accepted with override permission")
	default:
		result.Failure = FailureOutsideGeofence
		result.Confidence = 0
		nearest, dist := geofence.Nearest(pt, v.regions)
		if nearest != nil {
			result.Message = v.render("outside_geofence.tmpl", map[string]any{
				"RegionName":     nearest.Name,
				"DistanceMeters": int(dist),
			})
		} else {
			result.Message = v.render("location_unavailable.tmpl", nil)
		}
	}

	return result
}

// fetchFresh races a fresh fix against the ladder timeout for the attempt
// and records the fix in the shared cache on success.
func (v *Verifier) fetchFresh(ctx context.Context, attempt int) (device.Position, bool) {
	if v.source == nil {
		return device.Position{}, false
	}

	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(ladder) {
		attempt = len(ladder) - 1
	}
	rung := ladder[attempt]

	fetchCtx, cancel := context.WithTimeout(ctx, rung.timeout)
	defer cancel()

	type fetched struct {
		pos device.Position
		err error
	}
	ch := make(chan fetched, 1)
	go func() {
		pos, err := v.source.Current(fetchCtx, rung.accuracy)
		ch <- fetched{pos, err}
	}()

	select {
	case got := <-ch:
		if got.err != nil {
			v.logger.Printf("WARN location fetch failed: %v", got.err)
			return device.Position{}, false
		}
		v.cache.Store(got.pos)
		return got.pos, true
	case <-fetchCtx.Done():
		v.logger.Printf("WARN location fetch timed out after %s", rung.timeout)
		return device.Position{}, false
	}
}

func (v *Verifier) render(name string, data any) string {
	msg, err := v.renderer.Render(name, data)
	if err != nil {
		v.logger.Printf("ERROR render %s: %v", name, err)
		return ""
	}
	return strings.TrimSpace(msg)
}
