package device

import (
	"errors"
	"sync"
)

// Guard enforces exclusive access to the camera. The orchestrator acquires
// before the face step and must call the release func on every exit path,
// including the registration-mode reset between angles.
type Guard struct {
	mu    sync.Mutex
	cam   Camera
	inUse bool
}

// NewGuard wraps the process-wide camera handle.
func NewGuard(cam Camera) (*Guard, error) {
	if cam == nil {
		return nil, errors.New("camera is required")
	}
	return &Guard{cam: cam}, nil
}

// Acquire hands out the camera to a single consumer. The returned release
// func is idempotent.
func (g *Guard) Acquire() (Camera, func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inUse {
		return nil, nil, ErrBusy
	}
	g.inUse = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			g.inUse = false
			g.mu.Unlock()
		})
	}
	return g.cam, release, nil
}

// InUse reports whether a consumer currently holds the camera.
func (g *Guard) InUse() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}
