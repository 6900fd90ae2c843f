package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"shiftd/pkg/backend"
	"shiftd/pkg/bus"
	"shiftd/pkg/db"
	"shiftd/pkg/kv"
	"shiftd/pkg/render"
	gos3 "shiftd/pkg/s3"
	"shiftd/pkg/telemetry"
	"shiftd/services/attendance/api"
	"shiftd/services/attendance/internal/config"
	"shiftd/services/attendance/internal/device"
	"shiftd/services/attendance/internal/face"
	"shiftd/services/attendance/internal/geofence"
	"shiftd/services/attendance/internal/location"
	"shiftd/services/attendance/internal/metrics"
	"shiftd/services/attendance/internal/offline"
	"shiftd/services/attendance/internal/orchestrator"
	"shiftd/services/attendance/internal/shift"
	"shiftd/services/attendance/internal/vault"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "attendanced",
		Short:         "Two-factor shift attendance verification daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newDrainCommand())
	cmd.AddCommand(newKeygenCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var simLat, simLon float64

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the attendance verification service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, simLat, simLon)
		},
	}

	cmd.Flags().Float64Var(&simLat, "sim-lat", 0, "Latitude reported by the simulated location source")
	cmd.Flags().Float64Var(&simLon, "sim-lon", 0, "Longitude reported by the simulated location source")
	return cmd
}

func serve(ctx context.Context, simLat, simLon float64) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", cfg.ServiceName, err)
			}
		}
	}()

	pool, err := db.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	kvStore, err := kv.NewGormStore(orm)
	if err != nil {
		return err
	}
	sessions, err := shift.NewGormSessionStore(orm)
	if err != nil {
		return err
	}
	profiles, err := face.NewGormProfileStore(orm)
	if err != nil {
		return err
	}
	offlineStore, err := offline.NewGormStore(orm)
	if err != nil {
		return err
	}

	regions, err := geofence.LoadRegions(cfg.Geofence.RegionsFile)
	if err != nil {
		return fmt.Errorf("load geofence regions: %w", err)
	}

	renderer, err := render.New()
	if err != nil {
		return err
	}

	if cfg.Vault.AgeKey == "" {
		return errors.New("SHIFTD_AGE_KEY is required, generate one with `attendanced keygen`")
	}
	var objectStore *gos3.Client
	if s3c, err := gos3.NewClientFromEnv(); err != nil {
		logger.Printf("WARN object storage disabled, face registration will be refused: %v", err)
	} else {
		objectStore = s3c
	}
	encodingVault, err := vault.New(objectStore, cfg.Vault.Bucket, cfg.Vault.AgeKey)
	if err != nil {
		return fmt.Errorf("open encoding vault: %w", err)
	}

	httpClient := &http.Client{Transport: telemetry.Transport(nil), Timeout: 15 * time.Second}
	server, err := backend.New(httpClient, backend.StaticToken(cfg.Backend.Token), backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		Role:          cfg.Backend.Role,
		CommitTimeout: cfg.Backend.CommitTimeout,
		QueryTimeout:  cfg.Backend.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	guard, err := device.NewGuard(device.NewSimCamera())
	if err != nil {
		return err
	}
	locations, err := location.NewVerifier(device.NewLocationCache(), device.SimSource{Latitude: simLat, Longitude: simLon}, regions, renderer, logger, location.Config{})
	if err != nil {
		return fmt.Errorf("location verifier: %w", err)
	}
	matcher, err := face.NewBackendMatcher(server)
	if err != nil {
		return err
	}

	faceCfg := face.Config{
		MismatchThreshold: cfg.Face.MismatchThreshold,
		MaxRetries:        cfg.Face.MaxRetries,
	}
	orch, err := orchestrator.New(locations, guard, matcher, overrideApprover{server}, logger, orchestrator.Config{Face: faceCfg})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	queue, err := offline.NewQueue(offlineStore, encodingVault, logger)
	if err != nil {
		return err
	}
	timers := shift.NewTimerSet(logger)

	var events shift.Publisher
	if cfg.NATS.Enabled {
		b, err := bus.New(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		events = b
	}

	ctrl, err := shift.NewController(orch, server, profiles, sessions, queue, timers, kvStore, events, renderer, logger, shift.Config{
		WarningAfter: cfg.Shift.WarningAfter,
		LimitAfter:   cfg.Shift.LimitAfter,
		Cooldown:     cfg.Shift.Cooldown,
		PollInterval: cfg.Shift.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("shift controller: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	orch.OnFaceFailure = func(_ string, ferr *face.Error) {
		m.FaceFailures.WithLabelValues(string(ferr.Kind)).Inc()
	}
	queue.OnEnqueue = func(offline.Record) { m.QueueDepth.Inc() }
	queue.OnSynced = func(offline.Record) {
		m.QueueDepth.Dec()
		m.QueueSynced.Inc()
	}
	if depth, err := queue.Depth(ctx); err == nil {
		m.QueueDepth.Set(float64(depth))
	}
	ctrl.OnNotify = func(userID, kind, message string) {
		if kind == "auto_ended" {
			m.AutoEnds.Inc()
		}
		logger.Printf("INFO notify user=%s kind=%s: %s", userID, kind, message)
	}

	if b, ok := events.(*bus.Bus); ok {
		closer, err := b.Subscribe(ctx, bus.SubjectNetworkOnline, "attendanced-online", func(ctx context.Context, data []byte) error {
			var ev struct {
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			return ctrl.Resume(ctx, ev.UserID)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", bus.SubjectNetworkOnline, err)
		}
		defer closer.Close()
	}

	a, err := api.New(ctrl, guard, matcher, encodingVault, profiles, server, pool, renderer, m, logger, api.Config{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Face:           faceCfg,
	})
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", a.Routes())

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", cfg.ServiceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// overrideApprover routes manager override codes to the backend.
type overrideApprover struct {
	client *backend.Client
}

func (a overrideApprover) Approve(ctx context.Context, userID, code string) error {
	return a.client.ApproveOverride(ctx, userID, code)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			dsn := os.Getenv("SHIFTD_DB_DSN")
			if dsn == "" {
				return errors.New("SHIFTD_DB_DSN is required")
			}
			pool, err := db.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.Migrate(ctx, pool)
		},
	}
}

func newDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued offline verifications to the backend and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			orm, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
			if err != nil {
				return fmt.Errorf("open orm: %w", err)
			}
			store, err := offline.NewGormStore(orm)
			if err != nil {
				return err
			}
			if cfg.Vault.AgeKey == "" {
				return errors.New("SHIFTD_AGE_KEY is required")
			}
			signer, err := vault.New(nil, cfg.Vault.Bucket, cfg.Vault.AgeKey)
			if err != nil {
				return fmt.Errorf("open encoding vault: %w", err)
			}
			queue, err := offline.NewQueue(store, signer, nil)
			if err != nil {
				return err
			}

			server, err := backend.New(&http.Client{Timeout: 15 * time.Second}, backend.StaticToken(cfg.Backend.Token), backend.Config{
				BaseURL:       cfg.Backend.BaseURL,
				Role:          cfg.Backend.Role,
				CommitTimeout: cfg.Backend.CommitTimeout,
				QueryTimeout:  cfg.Backend.QueryTimeout,
			})
			if err != nil {
				return fmt.Errorf("backend client: %w", err)
			}

			synced, err := queue.Drain(ctx, shift.OfflineSender(server))
			if err != nil {
				return err
			}
			pruned, err := queue.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d record(s), pruned %d\n", synced, pruned)
			return nil
		},
	}
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age identity for the encoding vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, recipient, err := vault.GenerateIdentity()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# recipient: %s\n%s\n", recipient, secret)
			return nil
		},
	}
}
