package device

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SimCamera is a software camera for development and bench deployments where
// the capture hardware is absent. It emits a live, well-lit face and a fixed
// encoding so the downstream pipeline can be exercised end to end.
type SimCamera struct {
	mu   sync.Mutex
	open bool

	// Encoding is returned by Capture. Defaults to a short constant vector.
	Encoding []float64
	// Quality applies to both observations and captures.
	Quality float64
}

func NewSimCamera() *SimCamera {
	return &SimCamera{
		Encoding: []float64{0.12, 0.48, 0.91, 0.33},
		Quality:  0.92,
	}
}

func (c *SimCamera) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return errors.New("device: sim camera already open")
	}
	c.open = true
	return nil
}

func (c *SimCamera) Observe(ctx context.Context) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return Observation{}, ErrUnavailable
	}
	return Observation{
		FaceDetected:  true,
		Quality:       c.Quality,
		BlinkScore:    0.8,
		LivenessScore: 0.9,
	}, nil
}

func (c *SimCamera) Capture(ctx context.Context) (Photo, error) {
	if err := ctx.Err(); err != nil {
		return Photo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return Photo{}, ErrUnavailable
	}
	return Photo{Encoding: c.Encoding, Quality: c.Quality, CapturedAt: time.Now()}, nil
}

func (c *SimCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// SimSource is a LocationSource pinned to a fixed position.
type SimSource struct {
	Latitude  float64
	Longitude float64
}

func (s SimSource) Current(ctx context.Context, accuracy Accuracy) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	meters := 8.0
	if accuracy != AccuracyHigh {
		meters = 35.0
	}
	return Position{
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Accuracy:   meters,
		ObservedAt: time.Now(),
	}, nil
}
