package shift

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"shiftd/pkg/backend"
	"shiftd/pkg/bus"
	"shiftd/pkg/kv"
	"shiftd/pkg/render"
	"shiftd/services/attendance/internal/face"
	"shiftd/services/attendance/internal/location"
	"shiftd/services/attendance/internal/offline"
	"shiftd/services/attendance/internal/orchestrator"
)

// Phase is the controller's lifecycle position for one user.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseActive
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Result statuses reported to the frontend.
const (
	StatusCommitted            = "committed"
	StatusPending              = "pending"
	StatusCooldown             = "cooldown"
	StatusOverrideRequired     = "override_required"
	StatusFailed               = "failed"
	StatusCancelled            = "cancelled"
	StatusRegistrationRequired = "face_registration_required"
)

var (
	// ErrNotIdle rejects a shift start while one is active or starting.
	ErrNotIdle = errors.New("shift: a shift is already in progress")
	// ErrNotActive rejects a shift end with no active shift.
	ErrNotActive = errors.New("shift: no active shift")
)

// Result is the controller's answer to one shift action, shaped for the
// frontend: a status plus a short title and an actionable message.
type Result struct {
	Status         string        `json:"status"`
	Title          string        `json:"title,omitempty"`
	Message        string        `json:"message,omitempty"`
	Remaining      time.Duration `json:"remaining,omitempty"`
	ShiftID        uuid.UUID     `json:"shiftId,omitempty"`
	StartedAt      time.Time     `json:"startedAt,omitempty"`
	ElapsedMinutes int           `json:"elapsedMinutes,omitempty"`
	Confidence     float64       `json:"confidence,omitempty"`
}

// StatusReport is the current lifecycle view for the status endpoint.
type StatusReport struct {
	Phase             string        `json:"phase"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
	ShiftID           *uuid.UUID    `json:"shiftId,omitempty"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	ElapsedMinutes    int           `json:"elapsedMinutes,omitempty"`
	PendingSync       bool          `json:"pendingSync"`
}

// Verifier is the orchestration surface the controller drives.
type Verifier interface {
	Run(ctx context.Context, userID string, action orchestrator.Action, opts orchestrator.RunOptions) (orchestrator.Outcome, error)
	SubmitOverride(ctx context.Context, userID, code string) (orchestrator.Outcome, error)
	Cancel(userID string) error
}

// Backend is the attendance server surface the controller commits to.
type Backend interface {
	StartShift(ctx context.Context, commit backend.ShiftCommit) error
	EndShift(ctx context.Context, commit backend.ShiftCommit) error
	CurrentShift(ctx context.Context) (*backend.CurrentShift, error)
	SyncOffline(ctx context.Context, rec backend.OfflineRecord) error
	ArmShiftTimer(ctx context.Context, durationHours float64) error
	CancelShiftTimer(ctx context.Context) error
}

// Profiles answers the face-registration precondition from the local store.
type Profiles interface {
	Registered(ctx context.Context, userID string) (bool, error)
}

// Publisher is the event-bus surface; nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Config tunes the controller.
type Config struct {
	// WarningAfter schedules the duration warning. Default 8h55m.
	WarningAfter time.Duration
	// LimitAfter schedules the hard-limit notice. Default 9h.
	LimitAfter time.Duration
	// Cooldown is the post-commit lockout. Default 30s.
	Cooldown time.Duration
	// PollInterval paces the auto-end reconciliation loop. Default 1m.
	PollInterval time.Duration
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.WarningAfter <= 0 {
		c.WarningAfter = 8*time.Hour + 55*time.Minute
	}
	if c.LimitAfter <= 0 {
		c.LimitAfter = 9 * time.Hour
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type userState struct {
	phase    Phase
	session  *Session
	cooldown *CooldownGuard
	// watchCancel stops the reconcile poller; non-nil only while a shift
	// is active for this user.
	watchCancel context.CancelFunc
}

// Controller runs the shift lifecycle state machine.
type Controller struct {
	verifier Verifier
	server   Backend
	profiles Profiles
	sessions SessionStore
	queue    *offline.Queue
	timers   *TimerSet
	state    kv.Store
	events   Publisher
	renderer *render.Engine
	logger   *log.Logger
	cfg      Config

	mu     sync.Mutex
	states map[string]*userState

	// OnNotify delivers user-facing notifications (duration warning, hard
	// limit, auto-end notice) to the frontend surface.
	OnNotify func(userID, kind, message string)
}

// NewController wires the controller. events may be nil. Cooldown guards
// are created per user, keyed into the kv store by user id.
func NewController(verifier Verifier, server Backend, profiles Profiles, sessions SessionStore, queue *offline.Queue, timers *TimerSet, state kv.Store, events Publisher, renderer *render.Engine, logger *log.Logger, cfg Config) (*Controller, error) {
	if verifier == nil || server == nil || profiles == nil || sessions == nil {
		return nil, errors.New("verifier, backend, profiles and sessions are required")
	}
	if queue == nil || timers == nil || state == nil || renderer == nil {
		return nil, errors.New("queue, timers, kv store and renderer are required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Controller{
		verifier: verifier,
		server:   server,
		profiles: profiles,
		sessions: sessions,
		queue:    queue,
		timers:   timers,
		state:    state,
		events:   events,
		renderer: renderer,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		states:   make(map[string]*userState),
	}, nil
}

// userState loads the user's lifecycle state, restoring an open session
// and any persisted cooldown from the store on first sight after a restart.
func (c *Controller) userState(ctx context.Context, userID string) (*userState, error) {
	c.mu.Lock()
	if st, ok := c.states[userID]; ok {
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	open, err := c.sessions.OpenSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("restore shift state: %w", err)
	}

	guard, err := NewCooldownGuard(c.state, kv.Key(userID, kv.KeyShiftCooldown), c.logger)
	if err != nil {
		return nil, fmt.Errorf("restore cooldown state: %w", err)
	}
	guard.now = c.cfg.Now

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[userID]; ok {
		return st, nil
	}

	st := &userState{phase: PhaseIdle, cooldown: guard}
	if open != nil {
		st.phase = PhaseActive
		st.session = open
		c.rearmTimers(userID, open)
		c.startWatchLocked(st, userID)
	}
	c.states[userID] = st
	return st, nil
}

// Start runs the full start pipeline: guards, verification, commit.
func (c *Controller) Start(ctx context.Context, userID string, opts orchestrator.RunOptions) (Result, error) {
	st, err := c.userState(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	if decision := st.cooldown.Check(); !decision.Allowed {
		return cooldownResult(decision), nil
	}

	registered, err := c.profiles.Registered(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("face registration check: %w", err)
	}
	if !registered {
		return Result{
			Status:  StatusRegistrationRequired,
			Title:   "Set up face verification",
			Message: "Register your face before starting a shift.",
		}, nil
	}

	c.mu.Lock()
	if st.phase != PhaseIdle {
		c.mu.Unlock()
		return Result{}, ErrNotIdle
	}
	st.phase = PhaseStarting
	c.mu.Unlock()

	outcome, err := c.verifier.Run(ctx, userID, orchestrator.ActionStart, opts)
	if err != nil {
		c.setPhase(userID, PhaseIdle)
		return Result{}, err
	}
	c.publishVerification(ctx, userID, outcome)

	switch outcome.State {
	case orchestrator.StateCompleted:
		return c.commit(ctx, userID, outcome)
	case orchestrator.StateOverrideRequired:
		// Phase stays Starting while the override session is parked.
		return overrideResult(outcome), nil
	case orchestrator.StateCancelled:
		c.setPhase(userID, PhaseIdle)
		return Result{Status: StatusCancelled}, nil
	default:
		if faceBackendUnreachable(outcome) {
			// Location passed and the face backend is down: capture the
			// evidence offline rather than failing the user.
			return c.queueStart(ctx, userID, outcome, c.cfg.Now())
		}
		c.setPhase(userID, PhaseIdle)
		return failureResult(outcome), nil
	}
}

// End runs the end pipeline: guards, verification, commit, receipt.
func (c *Controller) End(ctx context.Context, userID string, opts orchestrator.RunOptions) (Result, error) {
	st, err := c.userState(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	if decision := st.cooldown.Check(); !decision.Allowed {
		return cooldownResult(decision), nil
	}

	c.mu.Lock()
	if st.phase != PhaseActive || st.session == nil {
		c.mu.Unlock()
		return Result{}, ErrNotActive
	}
	st.phase = PhaseEnding
	c.mu.Unlock()

	outcome, err := c.verifier.Run(ctx, userID, orchestrator.ActionEnd, opts)
	if err != nil {
		c.setPhase(userID, PhaseActive)
		return Result{}, err
	}
	c.publishVerification(ctx, userID, outcome)

	switch outcome.State {
	case orchestrator.StateCompleted:
		return c.commit(ctx, userID, outcome)
	case orchestrator.StateOverrideRequired:
		return overrideResult(outcome), nil
	case orchestrator.StateCancelled:
		c.setPhase(userID, PhaseActive)
		return Result{Status: StatusCancelled}, nil
	default:
		if faceBackendUnreachable(outcome) {
			return c.queueEnd(ctx, userID, outcome, c.cfg.Now())
		}
		c.setPhase(userID, PhaseActive)
		return failureResult(outcome), nil
	}
}

// CompleteOverride resolves a parked override session with a manager code
// and commits the original action.
func (c *Controller) CompleteOverride(ctx context.Context, userID, code string) (Result, error) {
	outcome, err := c.verifier.SubmitOverride(ctx, userID, code)
	if err != nil {
		return Result{}, err
	}
	return c.commit(ctx, userID, outcome)
}

// CancelVerification stops an in-flight or parked verification and rolls
// the lifecycle phase back.
func (c *Controller) CancelVerification(userID string) error {
	if err := c.verifier.Cancel(userID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[userID]; ok {
		switch st.phase {
		case PhaseStarting:
			st.phase = PhaseIdle
		case PhaseEnding:
			st.phase = PhaseActive
		}
	}
	return nil
}

// commit routes a completed verification to the backend, falling back to
// the offline queue when the server cannot be reached.
func (c *Controller) commit(ctx context.Context, userID string, outcome orchestrator.Outcome) (Result, error) {
	if outcome.Action == orchestrator.ActionStart {
		return c.commitStart(ctx, userID, outcome)
	}
	return c.commitEnd(ctx, userID, outcome)
}

func (c *Controller) commitStart(ctx context.Context, userID string, outcome orchestrator.Outcome) (Result, error) {
	now := c.cfg.Now()
	sess := Session{ID: uuid.New(), UserID: userID, Status: SessionActive, StartedAt: now}

	commit := backend.ShiftCommit{
		StartTime:             &now,
		Location:              locationEvidence(outcome.Location),
		FaceVerification:      faceEvidence(outcome.Face),
		VerificationTimestamp: now,
	}

	err := c.server.StartShift(ctx, commit)
	switch {
	case err == nil:
		if terr := c.server.ArmShiftTimer(ctx, c.cfg.LimitAfter.Hours()); terr != nil {
			c.logger.Printf("WARN server-side shift timer not armed: %v", terr)
		}
	case errors.Is(err, backend.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded):
		return c.queueStart(ctx, userID, outcome, now)
	default:
		c.setPhase(userID, PhaseIdle)
		return rejectionResult("Shift not started", err), nil
	}

	if err := c.activateSession(ctx, userID, sess, outcome); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusCommitted, ShiftID: sess.ID, StartedAt: now, Confidence: outcome.Confidence}, nil
}

// queueStart records a start the server never saw and activates a pending
// session; the queue drain settles it later.
func (c *Controller) queueStart(ctx context.Context, userID string, outcome orchestrator.Outcome, now time.Time) (Result, error) {
	if _, err := c.enqueue(ctx, userID, outcome, "start", now); err != nil {
		return Result{}, err
	}

	sess := Session{ID: uuid.New(), UserID: userID, Status: SessionPending, StartedAt: now}
	message := c.renderText("pending_sync.tmpl", map[string]any{"Action": "shift start"})
	c.notify(userID, "pending_sync", message)

	if err := c.activateSession(ctx, userID, sess, outcome); err != nil {
		return Result{}, err
	}
	return Result{
		Status:     StatusPending,
		ShiftID:    sess.ID,
		StartedAt:  now,
		Confidence: outcome.Confidence,
		Message:    message,
	}, nil
}

// activateSession persists the new session, arms the cooldown and timers,
// flips the phase to Active, and starts the reconcile poller.
func (c *Controller) activateSession(ctx context.Context, userID string, sess Session, outcome orchestrator.Outcome) error {
	if err := c.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("persist shift session: %w", err)
	}
	if err := c.state.Set(ctx, kv.Key(userID, kv.KeyShiftStatus), sess.Status); err != nil {
		c.logger.Printf("WARN shift status not persisted: %v", err)
	}

	c.mu.Lock()
	st := c.states[userID]
	st.phase = PhaseActive
	st.session = &sess
	guard := st.cooldown
	c.startWatchLocked(st, userID)
	c.mu.Unlock()

	guard.Arm(ctx, c.cfg.Cooldown)
	c.armTimers(userID)

	c.publish(ctx, bus.SubjectShiftStarted, bus.ShiftEvent{
		ShiftID:    sess.ID,
		UserID:     userID,
		Action:     "start",
		OccurredAt: sess.StartedAt,
		Overridden: outcome.Face.Overridden,
		Confidence: outcome.Confidence,
	})

	c.logger.Printf("INFO shift %s started for %s (%s)", sess.ID, userID, sess.Status)
	return nil
}

func (c *Controller) commitEnd(ctx context.Context, userID string, outcome orchestrator.Outcome) (Result, error) {
	c.mu.Lock()
	st := c.states[userID]
	if st == nil || st.session == nil {
		c.mu.Unlock()
		return Result{}, ErrNotActive
	}
	sess := *st.session
	c.mu.Unlock()

	now := c.cfg.Now()
	elapsed := int(now.Sub(sess.StartedAt).Minutes())

	commit := backend.ShiftCommit{
		EndTime:               &now,
		Location:              locationEvidence(outcome.Location),
		FaceVerification:      faceEvidence(outcome.Face),
		VerificationTimestamp: now,
	}

	err := c.server.EndShift(ctx, commit)
	switch {
	case err == nil:
		if terr := c.server.CancelShiftTimer(ctx); terr != nil {
			c.logger.Printf("WARN server-side shift timer not cancelled: %v", terr)
		}
	case errors.Is(err, backend.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded):
		return c.queueEnd(ctx, userID, outcome, now)
	default:
		c.setPhase(userID, PhaseActive)
		return rejectionResult("Shift not ended", err), nil
	}

	if err := c.closeSession(ctx, userID, sess, SessionClosed, now, outcome); err != nil {
		return Result{}, err
	}
	return Result{
		Status:         StatusCommitted,
		ShiftID:        sess.ID,
		StartedAt:      sess.StartedAt,
		ElapsedMinutes: elapsed,
		Confidence:     outcome.Confidence,
		Message:        c.renderText("shift_receipt.tmpl", map[string]any{"ElapsedMinutes": elapsed}),
	}, nil
}

// queueEnd records an end the server never saw and closes the session as
// pending; the receipt still renders from local state.
func (c *Controller) queueEnd(ctx context.Context, userID string, outcome orchestrator.Outcome, now time.Time) (Result, error) {
	c.mu.Lock()
	st := c.states[userID]
	if st == nil || st.session == nil {
		c.mu.Unlock()
		return Result{}, ErrNotActive
	}
	sess := *st.session
	c.mu.Unlock()

	if _, err := c.enqueue(ctx, userID, outcome, "end", now); err != nil {
		return Result{}, err
	}

	elapsed := int(now.Sub(sess.StartedAt).Minutes())
	receipt := c.renderText("shift_receipt.tmpl", map[string]any{"ElapsedMinutes": elapsed})
	message := receipt + " " + c.renderText("pending_sync.tmpl", map[string]any{"Action": "shift end"})
	c.notify(userID, "pending_sync", message)

	if err := c.closeSession(ctx, userID, sess, SessionPending, now, outcome); err != nil {
		return Result{}, err
	}
	return Result{
		Status:         StatusPending,
		ShiftID:        sess.ID,
		StartedAt:      sess.StartedAt,
		ElapsedMinutes: elapsed,
		Confidence:     outcome.Confidence,
		Message:        message,
	}, nil
}

// closeSession finalizes the session, tears down this user's timers and
// poller, arms the cooldown, and returns the phase to Idle.
func (c *Controller) closeSession(ctx context.Context, userID string, sess Session, finalStatus string, now time.Time, outcome orchestrator.Outcome) error {
	if err := c.sessions.CloseSession(ctx, sess.ID, finalStatus, now); err != nil {
		return fmt.Errorf("close shift session: %w", err)
	}
	if err := c.state.Delete(ctx, kv.Key(userID, kv.KeyShiftStatus)); err != nil {
		c.logger.Printf("WARN shift status not cleared: %v", err)
	}

	c.timers.CancelUser(userID)

	c.mu.Lock()
	st := c.states[userID]
	st.phase = PhaseIdle
	st.session = nil
	stopWatchLocked(st)
	guard := st.cooldown
	c.mu.Unlock()

	guard.Arm(ctx, c.cfg.Cooldown)

	c.publish(ctx, bus.SubjectShiftEnded, bus.ShiftEvent{
		ShiftID:    sess.ID,
		UserID:     userID,
		Action:     "end",
		OccurredAt: now,
		Overridden: outcome.Face.Overridden,
		Confidence: outcome.Confidence,
	})

	c.logger.Printf("INFO shift %s ended for %s (%s)", sess.ID, userID, finalStatus)
	return nil
}

// faceBackendUnreachable reports whether a failed verification only failed
// because the face backend could not be reached.
func faceBackendUnreachable(outcome orchestrator.Outcome) bool {
	return outcome.FaceFailure != nil && outcome.FaceFailure.Kind == face.FailureBackendUnavailable
}

func (c *Controller) enqueue(ctx context.Context, userID string, outcome orchestrator.Outcome, action string, at time.Time) (offline.Record, error) {
	rec, err := c.queue.Enqueue(ctx, offline.Record{
		UserID:         userID,
		Action:         action,
		RecordedAt:     at,
		LocationResult: locationResultMap(outcome.Location),
		FaceResult:     faceResultMap(outcome.Face),
	})
	if err != nil {
		return offline.Record{}, fmt.Errorf("queue offline %s: %w", action, err)
	}
	return rec, nil
}

// Status reports the lifecycle view for the frontend.
func (c *Controller) Status(ctx context.Context, userID string) (StatusReport, error) {
	st, err := c.userState(ctx, userID)
	if err != nil {
		return StatusReport{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	report := StatusReport{
		Phase:             st.phase.String(),
		CooldownRemaining: st.cooldown.Remaining(),
	}
	if st.session != nil {
		id := st.session.ID
		started := st.session.StartedAt
		report.ShiftID = &id
		report.StartedAt = &started
		report.ElapsedMinutes = int(c.cfg.Now().Sub(started).Minutes())
		report.PendingSync = st.session.Status == SessionPending
	}
	return report, nil
}

// Resume is the app-foreground hook: reconcile the active shift against the
// backend and kick an opportunistic queue drain.
func (c *Controller) Resume(ctx context.Context, userID string) error {
	if err := c.reconcile(ctx, userID); err != nil {
		c.logger.Printf("WARN shift reconcile failed: %v", err)
	}

	go func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := c.queue.Drain(drainCtx, c.sendOffline); err != nil {
			c.logger.Printf("WARN offline drain failed: %v", err)
		}
		if _, err := c.queue.Prune(drainCtx); err != nil {
			c.logger.Printf("WARN offline prune failed: %v", err)
		}
	}()

	return nil
}

// startWatchLocked launches the reconcile poller for one user's active
// shift. Idempotent; the caller holds c.mu.
func (c *Controller) startWatchLocked(st *userState, userID string) {
	if st.watchCancel != nil {
		return
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	st.watchCancel = cancel
	go c.watch(watchCtx, userID)
}

// stopWatchLocked stops the user's poller. The caller holds c.mu.
func stopWatchLocked(st *userState) {
	if st.watchCancel != nil {
		st.watchCancel()
		st.watchCancel = nil
	}
}

// watch polls the backend while the shift is active so a server-side
// auto-end is noticed even when the app stays backgrounded.
func (c *Controller) watch(ctx context.Context, userID string) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.reconcile(ctx, userID); err != nil {
				c.logger.Printf("WARN shift reconcile failed: %v", err)
			}
		}
	}
}

// reconcile checks an active shift against the backend and folds a
// server-side close into local state with exactly one auto-end notice.
func (c *Controller) reconcile(ctx context.Context, userID string) error {
	st, err := c.userState(ctx, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if st.phase != PhaseActive || st.session == nil {
		c.mu.Unlock()
		return nil
	}
	sess := *st.session
	c.mu.Unlock()

	current, err := c.server.CurrentShift(ctx)
	if err != nil {
		return err
	}
	if current != nil {
		return nil
	}

	// The server closed the shift while we were away.
	now := c.cfg.Now()
	if err := c.sessions.CloseSession(ctx, sess.ID, SessionAutoEnded, now); err != nil {
		return fmt.Errorf("close auto-ended session: %w", err)
	}
	if err := c.state.Delete(ctx, kv.Key(userID, kv.KeyShiftStatus)); err != nil {
		c.logger.Printf("WARN shift status not cleared: %v", err)
	}
	c.timers.CancelUser(userID)

	// The poller's own context must outlive this call; cancel it last.
	c.mu.Lock()
	st.phase = PhaseIdle
	st.session = nil
	watchCancel := st.watchCancel
	st.watchCancel = nil
	c.mu.Unlock()

	c.notifyAutoEndOnce(ctx, userID, sess.ID, now)

	c.publish(ctx, bus.SubjectShiftAutoEnded, bus.ShiftEvent{
		ShiftID:    sess.ID,
		UserID:     userID,
		Action:     "auto_end",
		OccurredAt: now,
	})

	c.logger.Printf("INFO shift %s auto-ended server-side, local state reconciled", sess.ID)
	if watchCancel != nil {
		watchCancel()
	}
	return nil
}

// notifyAutoEndOnce guarantees one notice per auto-ended shift, across
// restarts, by recording the shift id in the kv store.
func (c *Controller) notifyAutoEndOnce(ctx context.Context, userID string, shiftID uuid.UUID, endedAt time.Time) {
	key := kv.Key(userID, kv.KeyShiftNotifications)
	if seen, err := c.state.Get(ctx, key); err == nil && seen == shiftID.String() {
		return
	}
	if err := c.state.Set(ctx, key, shiftID.String()); err != nil {
		c.logger.Printf("WARN auto-end notice marker not persisted: %v", err)
	}

	c.notify(userID, "auto_ended", c.renderText("auto_ended.tmpl", map[string]any{
		"EndedAt": endedAt.Format("15:04"),
	}))
}

func (c *Controller) sendOffline(ctx context.Context, rec offline.Record) error {
	return OfflineSender(c.server)(ctx, rec)
}

// OfflineSender adapts the backend sync-offline call to the queue's drain
// contract. Shared by the controller and the drain CLI.
func OfflineSender(server Backend) offline.SendFunc {
	return func(ctx context.Context, rec offline.Record) error {
		return server.SyncOffline(ctx, backend.OfflineRecord{
			ID:        rec.ID.String(),
			Timestamp: rec.RecordedAt,
			Action:    rec.Action,
			Location:  evidenceFromMap(rec.LocationResult),
			Face:      faceEvidenceFromMap(rec.FaceResult),
			UserID:    rec.UserID,
			Signature: rec.Signature,
		})
	}
}

func (c *Controller) armTimers(userID string) {
	limitHours := int(c.cfg.LimitAfter.Hours())
	c.timers.Arm(userID, TimerDurationWarning, c.cfg.WarningAfter, func() {
		c.notify(userID, TimerDurationWarning, c.renderText("duration_warning.tmpl", map[string]any{
			"LimitHours": limitHours,
		}))
	})
	c.timers.Arm(userID, TimerHardLimit, c.cfg.LimitAfter, func() {
		c.notify(userID, TimerHardLimit, c.renderText("duration_warning.tmpl", map[string]any{
			"LimitHours": limitHours,
		}))
		if err := c.reconcile(context.Background(), userID); err != nil {
			c.logger.Printf("WARN post-limit reconcile failed: %v", err)
		}
	})
}

// rearmTimers restores timers for a session found after restart, keyed off
// its original start time so a long-running shift still gets its notices.
func (c *Controller) rearmTimers(userID string, sess *Session) {
	elapsed := c.cfg.Now().Sub(sess.StartedAt)
	if remaining := c.cfg.WarningAfter - elapsed; remaining > 0 {
		c.timers.Arm(userID, TimerDurationWarning, remaining, func() {
			c.notify(userID, TimerDurationWarning, c.renderText("duration_warning.tmpl", map[string]any{
				"LimitHours": int(c.cfg.LimitAfter.Hours()),
			}))
		})
	}
	if remaining := c.cfg.LimitAfter - elapsed; remaining > 0 {
		c.timers.Arm(userID, TimerHardLimit, remaining, func() {
			if err := c.reconcile(context.Background(), userID); err != nil {
				c.logger.Printf("WARN post-limit reconcile failed: %v", err)
			}
		})
	}
}

func (c *Controller) setPhase(userID string, p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[userID]; ok {
		st.phase = p
	}
}

func (c *Controller) notify(userID, kind, message string) {
	if c.OnNotify == nil || message == "" {
		return
	}
	c.OnNotify(userID, kind, message)
}

func (c *Controller) publishVerification(ctx context.Context, userID string, outcome orchestrator.Outcome) {
	if c.events == nil {
		return
	}
	event := bus.VerificationEvent{
		SessionID:  outcome.SessionID,
		UserID:     userID,
		Action:     string(outcome.Action),
		State:      outcome.State.String(),
		Confidence: outcome.Confidence,
		FinishedAt: c.cfg.Now(),
	}
	if outcome.FaceFailure != nil {
		event.Attempts = outcome.FaceFailure.Attempts
	}
	if err := c.events.Publish(ctx, bus.SubjectVerificationCompleted, event); err != nil {
		c.logger.Printf("WARN event %s not published: %v", bus.SubjectVerificationCompleted, err)
	}
}

func (c *Controller) publish(ctx context.Context, subj string, event bus.ShiftEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, subj, event); err != nil {
		c.logger.Printf("WARN event %s not published: %v", subj, err)
	}
}

func (c *Controller) renderText(name string, data any) string {
	msg, err := c.renderer.Render(name, data)
	if err != nil {
		c.logger.Printf("ERROR render %s: %v", name, err)
		return ""
	}
	return msg
}

func cooldownResult(decision Decision) Result {
	title := "Please slow down"
	message := "That looked like a double tap. Try again in a moment."
	if decision.Reason == ReasonCooldown {
		title = "Just a moment"
		message = fmt.Sprintf("You can take your next shift action in %d seconds.", int(decision.Remaining.Seconds())+1)
	}
	return Result{Status: StatusCooldown, Title: title, Message: message, Remaining: decision.Remaining}
}

func overrideResult(outcome orchestrator.Outcome) Result {
	message := "Verification could not be completed. Ask your manager for a one-time override code."
	if outcome.FaceFailure != nil && outcome.FaceFailure.Message != "" {
		message = outcome.FaceFailure.Message + " Ask your manager for a one-time override code."
	}
	return Result{Status: StatusOverrideRequired, Title: "Manager approval needed", Message: message}
}

func failureResult(outcome orchestrator.Outcome) Result {
	result := Result{Status: StatusFailed, Title: "Verification failed", Message: "Please try again."}
	if outcome.Location.Failure != "" && outcome.Location.Message != "" {
		result.Message = outcome.Location.Message
		if outcome.Location.Failure == location.FailureUnavailable {
			result.Title = "Location unavailable"
		} else {
			result.Title = "Outside work area"
		}
		return result
	}
	if outcome.FaceFailure != nil {
		result.Title = "Face verification failed"
		if outcome.FaceFailure.Message != "" {
			result.Message = outcome.FaceFailure.Message
		}
	}
	return result
}

func rejectionResult(title string, err error) Result {
	message := "The server rejected the request."
	var rejection *backend.RejectionError
	if errors.As(err, &rejection) && rejection.Reason != "" {
		message = rejection.Reason
	}
	return Result{Status: StatusFailed, Title: title, Message: message}
}

func locationEvidence(res location.Result) *backend.LocationEvidence {
	if !res.Success {
		return nil
	}
	return &backend.LocationEvidence{
		Latitude:     res.Latitude,
		Longitude:    res.Longitude,
		Accuracy:     res.Accuracy,
		IsInGeofence: res.IsInGeofence,
		GeofenceID:   res.GeofenceID,
		Confidence:   res.Confidence,
	}
}

func faceEvidence(res face.Result) *backend.FaceEvidence {
	if !res.Success {
		return nil
	}
	return &backend.FaceEvidence{
		Confidence:       res.Confidence,
		LivenessDetected: res.LivenessDetected,
		EncodingRef:      res.EncodingRef,
		Overridden:       res.Overridden,
		Timestamp:        res.Timestamp,
	}
}

func locationResultMap(res location.Result) map[string]any {
	if !res.Success {
		return nil
	}
	return map[string]any{
		"latitude":     res.Latitude,
		"longitude":    res.Longitude,
		"accuracy":     res.Accuracy,
		"isInGeofence": res.IsInGeofence,
		"geofenceId":   res.GeofenceID,
		"confidence":   res.Confidence,
	}
}

func faceResultMap(res face.Result) map[string]any {
	if !res.Success {
		return nil
	}
	return map[string]any{
		"confidence":       res.Confidence,
		"livenessDetected": res.LivenessDetected,
		"encodingRef":      res.EncodingRef,
		"overridden":       res.Overridden,
		"timestamp":        res.Timestamp.Format(time.RFC3339Nano),
	}
}

func evidenceFromMap(m map[string]any) *backend.LocationEvidence {
	if m == nil {
		return nil
	}
	ev := &backend.LocationEvidence{
		Latitude:     floatOf(m["latitude"]),
		Longitude:    floatOf(m["longitude"]),
		Accuracy:     floatOf(m["accuracy"]),
		Confidence:   floatOf(m["confidence"]),
		IsInGeofence: boolOf(m["isInGeofence"]),
	}
	if id, ok := m["geofenceId"].(string); ok {
		ev.GeofenceID = id
	}
	return ev
}

func faceEvidenceFromMap(m map[string]any) *backend.FaceEvidence {
	if m == nil {
		return nil
	}
	ev := &backend.FaceEvidence{
		Confidence:       floatOf(m["confidence"]),
		LivenessDetected: boolOf(m["livenessDetected"]),
		Overridden:       boolOf(m["overridden"]),
	}
	if ref, ok := m["encodingRef"].(string); ok {
		ev.EncodingRef = ref
	}
	if raw, ok := m["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ev.Timestamp = ts
		}
	}
	return ev
}

func floatOf(v any) float64 {
	f, _ := v.(float64)
	return f
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}
