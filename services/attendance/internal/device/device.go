// Package device models the process-wide sensor singletons (camera, live
// location) as explicit resource handles. The camera carries an
// at-most-one-active-consumer contract enforced by Guard; the location cache
// is read-shared and written only by the component performing a fresh fetch.
package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy is returned when a second consumer tries to acquire the camera
	// while another verification attempt holds it.
	ErrBusy = errors.New("device: camera already in use")
	// ErrUnavailable is returned when the device cannot be opened at all
	// (missing hardware, denied permission).
	ErrUnavailable = errors.New("device: unavailable")
)

// Observation is one sample from the camera's face-analysis stream.
type Observation struct {
	FaceDetected  bool
	Quality       float64 // 0..1 frame quality
	BlinkScore    float64 // 0..1 blink confidence
	LivenessScore float64 // 0..1 aggregate liveness signal
}

// Photo is a captured still with its derived face encoding.
type Photo struct {
	Encoding   []float64
	Quality    float64
	CapturedAt time.Time
}

// Camera drives the capture hardware. Open must be called before Observe or
// Capture; Close releases the hardware handle. Implementations are expected
// to honour context cancellation promptly since sensors can silently stall.
type Camera interface {
	Open(ctx context.Context) error
	Observe(ctx context.Context) (Observation, error)
	Capture(ctx context.Context) (Photo, error)
	Close() error
}

// Accuracy requests a location fix quality tier. Higher tiers cost more time
// and battery; the verifier escalates down the ladder across retries.
type Accuracy int

const (
	AccuracyHigh Accuracy = iota
	AccuracyBalanced
	AccuracyLow
)

// Position is a location fix.
type Position struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float64 // meters
	ObservedAt time.Time
}

// LocationSource produces fresh position fixes.
type LocationSource interface {
	Current(ctx context.Context, accuracy Accuracy) (Position, error)
}
