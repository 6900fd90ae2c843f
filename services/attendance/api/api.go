// Package api is the device-facing HTTP surface of the attendance service.
// The frontend drives the verification core exclusively through these
// endpoints; nothing here owns domain state.
package api

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shiftd/pkg/backend"
	"shiftd/pkg/render"
	"shiftd/services/attendance/internal/device"
	"shiftd/services/attendance/internal/face"
	"shiftd/services/attendance/internal/metrics"
	"shiftd/services/attendance/internal/orchestrator"
	"shiftd/services/attendance/internal/shift"
	"shiftd/services/attendance/internal/vault"
)

// Lifecycle is the shift controller surface the handlers call.
type Lifecycle interface {
	Start(ctx context.Context, userID string, opts orchestrator.RunOptions) (shift.Result, error)
	End(ctx context.Context, userID string, opts orchestrator.RunOptions) (shift.Result, error)
	CompleteOverride(ctx context.Context, userID, code string) (shift.Result, error)
	CancelVerification(userID string) error
	Status(ctx context.Context, userID string) (shift.StatusReport, error)
	Resume(ctx context.Context, userID string) error
}

// Config controls the API layer.
type Config struct {
	RequestTimeout time.Duration
	Face           face.Config
}

// API wires the handlers' dependencies.
type API struct {
	lifecycle Lifecycle
	guard     *device.Guard
	matcher   face.Matcher
	vault     *vault.Vault
	profiles  face.ProfileStore
	server    *backend.Client
	pool      *pgxpool.Pool
	renderer  *render.Engine
	metrics   *metrics.Metrics
	logger    *log.Logger
	cfg       Config
}

// New initialises the API layer. vault, pool and metrics may be nil; the
// matching endpoints degrade (unencrypted refs are refused, summaries come
// back empty, nothing is counted).
func New(lifecycle Lifecycle, guard *device.Guard, matcher face.Matcher, v *vault.Vault, profiles face.ProfileStore, server *backend.Client, pool *pgxpool.Pool, renderer *render.Engine, m *metrics.Metrics, logger *log.Logger, cfg Config) (*API, error) {
	if lifecycle == nil {
		return nil, errors.New("lifecycle controller is required")
	}
	if guard == nil {
		return nil, errors.New("camera guard is required")
	}
	if matcher == nil {
		return nil, errors.New("matcher is required")
	}
	if profiles == nil {
		return nil, errors.New("profile store is required")
	}
	if server == nil {
		return nil, errors.New("backend client is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	return &API{
		lifecycle: lifecycle,
		guard:     guard,
		matcher:   matcher,
		vault:     v,
		profiles:  profiles,
		server:    server,
		pool:      pool,
		renderer:  renderer,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
	}, nil
}
