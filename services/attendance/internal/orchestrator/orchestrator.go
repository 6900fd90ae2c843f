// Package orchestrator sequences the two verification factors for one shift
// action: location first, then the face pipeline, then a terminal outcome.
// It owns the verification session, the exclusive camera acquisition around
// the face step, and the manager-override escalation.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"shiftd/services/attendance/internal/device"
	"shiftd/services/attendance/internal/face"
	"shiftd/services/attendance/internal/location"
)

// Action is the shift operation a session verifies.
type Action string

const (
	ActionStart Action = "start"
	ActionEnd   Action = "end"
)

// State is the session's position in the verification flow.
type State int

const (
	StateIdle State = iota
	StateLocationStep
	StateFaceStep
	StateCompleted
	StateOverrideRequired
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocationStep:
		return "location"
	case StateFaceStep:
		return "face"
	case StateCompleted:
		return "completed"
	case StateOverrideRequired:
		return "override_required"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether no transition may leave s.
func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateOverrideRequired, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

var (
	// ErrSessionActive rejects a second concurrent verification for the same
	// user. Requests are rejected, never queued.
	ErrSessionActive = errors.New("orchestrator: verification already in progress")
	// ErrNoSession means there is nothing to cancel or override.
	ErrNoSession = errors.New("orchestrator: no active session")
	// ErrNotOverridable means the session has not reached the override step.
	ErrNotOverridable = errors.New("orchestrator: session is not awaiting an override")
)

// Verifier produces a location verdict for one attempt.
type Verifier interface {
	Verify(ctx context.Context, opts location.Options) location.Result
}

// Approver validates a manager-issued one-time override code.
type Approver interface {
	Approve(ctx context.Context, userID, code string) error
}

// Outcome is the orchestrator's terminal verdict, carrying both factor
// results and the weighted combined confidence.
type Outcome struct {
	SessionID  uuid.UUID
	Action     Action
	State      State
	Location   location.Result
	Face       face.Result
	Confidence float64
	// FaceFailure is set when the face step ended in a typed failure
	// (including the override-eligible exhaustion case).
	FaceFailure *face.Error
}

// session is the live per-user verification state. Exclusively owned here;
// callers only ever see Outcome snapshots.
type session struct {
	id       uuid.UUID
	userID   string
	action   Action
	state    State
	started  time.Time
	cancel   context.CancelFunc
	location location.Result
	faceErr  *face.Error
}

// Config tunes the orchestrator.
type Config struct {
	// LocationWeight and FaceWeight form the combined confidence. Defaults
	// 0.3 and 0.7.
	LocationWeight float64
	FaceWeight     float64
	Face           face.Config
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.LocationWeight <= 0 {
		c.LocationWeight = 0.3
	}
	if c.FaceWeight <= 0 {
		c.FaceWeight = 0.7
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// RunOptions carry per-request caller capabilities.
type RunOptions struct {
	// OverridePermission marks a caller allowed to verify outside the
	// geofence at reduced confidence.
	OverridePermission bool
	// Attempt indexes the location accuracy/timeout ladder.
	Attempt int
}

// Orchestrator runs verification sessions. One live session per user; a
// session parked in OverrideRequired still counts as live until it is
// resolved or cancelled.
type Orchestrator struct {
	locations Verifier
	guard     *device.Guard
	matcher   face.Matcher
	approver  Approver
	logger    *log.Logger
	cfg       Config

	mu       sync.Mutex
	sessions map[string]*session

	// OnFaceFailure observes every face pass failure, for metrics.
	OnFaceFailure func(userID string, ferr *face.Error)
}

// New wires an Orchestrator. approver may be nil when the deployment has no
// override capability; override submissions then always fail.
func New(locations Verifier, guard *device.Guard, matcher face.Matcher, approver Approver, logger *log.Logger, cfg Config) (*Orchestrator, error) {
	if locations == nil {
		return nil, errors.New("location verifier is required")
	}
	if guard == nil {
		return nil, errors.New("camera guard is required")
	}
	if matcher == nil {
		return nil, errors.New("matcher is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Orchestrator{
		locations: locations,
		guard:     guard,
		matcher:   matcher,
		approver:  approver,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		sessions:  make(map[string]*session),
	}, nil
}

// allowsLocationFallback is the per-action policy: ending a shift proceeds
// to the face step on location failure, starting one does not.
func allowsLocationFallback(action Action) bool { return action == ActionEnd }

// Run executes the full verification flow for one shift action. It returns
// ErrSessionActive if the user already has a live session.
func (o *Orchestrator) Run(ctx context.Context, userID string, action Action, opts RunOptions) (Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := o.begin(userID, action, cancel)
	if err != nil {
		return Outcome{}, err
	}

	outcome := o.run(runCtx, sess, opts)

	o.mu.Lock()
	sess.state = outcome.State
	if outcome.State != StateOverrideRequired {
		// Override-required sessions stay parked until SubmitOverride or
		// Cancel resolves them; everything else is done.
		delete(o.sessions, userID)
	} else {
		sess.location = outcome.Location
		sess.faceErr = outcome.FaceFailure
	}
	o.mu.Unlock()

	return outcome, nil
}

func (o *Orchestrator) begin(userID string, action Action, cancel context.CancelFunc) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, live := o.sessions[userID]; live {
		return nil, ErrSessionActive
	}

	sess := &session{
		id:      uuid.New(),
		userID:  userID,
		action:  action,
		state:   StateLocationStep,
		started: o.cfg.Now(),
		cancel:  cancel,
	}
	o.sessions[userID] = sess
	return sess, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *session, opts RunOptions) Outcome {
	outcome := Outcome{SessionID: sess.id, Action: sess.action}

	locRes := o.locations.Verify(ctx, location.Options{
		FastPath:           sess.action == ActionEnd,
		OverridePermission: opts.OverridePermission,
		Attempt:            opts.Attempt,
	})
	if cancelled(ctx) {
		return o.cancelled(outcome)
	}
	outcome.Location = locRes

	if !locRes.Success {
		if !allowsLocationFallback(sess.action) {
			o.logger.Printf("WARN verification %s failed at location step: %s", sess.id, locRes.Failure)
			outcome.State = StateFailed
			return outcome
		}
		// Shift-end policy: proceed with the location factor unverified
		// rather than trap a worker on site past their shift.
		o.logger.Printf("INFO verification %s proceeding without location (%s)", sess.id, locRes.Failure)
	}

	o.setState(sess, StateFaceStep)

	cam, release, err := o.guard.Acquire()
	if err != nil {
		outcome.State = StateFailed
		outcome.FaceFailure = &face.Error{
			Kind:    face.FailureDeviceUnavailable,
			Message: "camera is busy with another verification",
			Err:     err,
		}
		return outcome
	}
	defer release()

	machine, err := face.NewMachine(cam, o.matcher, o.logger, o.cfg.Face)
	if err != nil {
		outcome.State = StateFailed
		outcome.FaceFailure = &face.Error{Kind: face.FailureDeviceUnavailable, Err: err}
		return outcome
	}
	if o.OnFaceFailure != nil {
		userID := sess.userID
		machine.OnFailure = func(ferr *face.Error) { o.OnFaceFailure(userID, ferr) }
	}

	faceRes, verr := machine.Verify(ctx)
	if cancelled(ctx) {
		return o.cancelled(outcome)
	}
	if verr != nil {
		var ferr *face.Error
		if errors.As(verr, &ferr) {
			outcome.FaceFailure = ferr
			if ferr.CanOverride {
				outcome.State = StateOverrideRequired
				return outcome
			}
		}
		outcome.State = StateFailed
		return outcome
	}

	outcome.Face = faceRes
	outcome.State = StateCompleted
	outcome.Confidence = o.combined(locRes.Confidence, faceRes.Confidence)
	return outcome
}

// cancelled discards partial results; a cancelled session never carries
// evidence forward.
func (o *Orchestrator) cancelled(outcome Outcome) Outcome {
	return Outcome{SessionID: outcome.SessionID, Action: outcome.Action, State: StateCancelled}
}

func cancelled(ctx context.Context) bool { return ctx.Err() != nil }

func (o *Orchestrator) combined(locConfidence, faceConfidence float64) float64 {
	return o.cfg.LocationWeight*locConfidence + o.cfg.FaceWeight*faceConfidence
}

func (o *Orchestrator) setState(sess *session, s State) {
	o.mu.Lock()
	sess.state = s
	o.mu.Unlock()
}

// Cancel stops the user's in-flight session, or resolves a parked
// override-required session to Cancelled.
func (o *Orchestrator) Cancel(userID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, live := o.sessions[userID]
	if !live {
		return ErrNoSession
	}

	if sess.state == StateOverrideRequired {
		sess.state = StateCancelled
		delete(o.sessions, userID)
		return nil
	}

	sess.cancel()
	return nil
}

// SubmitOverride resolves an override-required session with a manager
// one-time code. On acceptance the outcome is Completed with the face
// result marked overridden; the face factor contributes no confidence.
func (o *Orchestrator) SubmitOverride(ctx context.Context, userID, code string) (Outcome, error) {
	o.mu.Lock()
	sess, live := o.sessions[userID]
	if !live {
		o.mu.Unlock()
		return Outcome{}, ErrNoSession
	}
	if sess.state != StateOverrideRequired {
		o.mu.Unlock()
		return Outcome{}, ErrNotOverridable
	}
	o.mu.Unlock()

	if o.approver == nil {
		return Outcome{}, ErrNotOverridable
	}
	if err := o.approver.Approve(ctx, userID, code); err != nil {
		return Outcome{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if sess.state != StateOverrideRequired {
		return Outcome{}, ErrNotOverridable
	}
	sess.state = StateCompleted
	delete(o.sessions, userID)

	o.logger.Printf("INFO verification %s completed via manager override", sess.id)

	return Outcome{
		SessionID: sess.id,
		Action:    sess.action,
		State:     StateCompleted,
		Location:  sess.location,
		Face: face.Result{
			Success:    true,
			Overridden: true,
			Timestamp:  o.cfg.Now(),
		},
		Confidence: o.combined(sess.location.Confidence, 0),
	}, nil
}

// Active reports the state of the user's live session, if any.
func (o *Orchestrator) Active(userID string) (State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, live := o.sessions[userID]
	if !live {
		return StateIdle, false
	}
	return sess.state, true
}
