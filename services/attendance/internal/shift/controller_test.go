package shift

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"shiftd/pkg/backend"
	"shiftd/pkg/kv"
	"shiftd/pkg/render"
	"shiftd/services/attendance/internal/face"
	"shiftd/services/attendance/internal/location"
	"shiftd/services/attendance/internal/offline"
	"shiftd/services/attendance/internal/orchestrator"
)

type stubOrch struct {
	outcome         orchestrator.Outcome
	runErr          error
	overrideOutcome orchestrator.Outcome
	overrideErr     error

	runs      []orchestrator.Action
	cancelled []string
}

func (o *stubOrch) Run(_ context.Context, _ string, action orchestrator.Action, _ orchestrator.RunOptions) (orchestrator.Outcome, error) {
	o.runs = append(o.runs, action)
	if o.runErr != nil {
		return orchestrator.Outcome{}, o.runErr
	}
	out := o.outcome
	out.Action = action
	return out, nil
}

func (o *stubOrch) SubmitOverride(context.Context, string, string) (orchestrator.Outcome, error) {
	return o.overrideOutcome, o.overrideErr
}

func (o *stubOrch) Cancel(userID string) error {
	o.cancelled = append(o.cancelled, userID)
	return nil
}

type stubBackend struct {
	mu          sync.Mutex
	startErr    error
	endErr      error
	current     *backend.CurrentShift
	currentErr  error
	synced      []backend.OfflineRecord
	starts      int
	ends        int
	timerArms   []float64
	timerCancel int
}

func (b *stubBackend) StartShift(context.Context, backend.ShiftCommit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return b.startErr
}

func (b *stubBackend) EndShift(context.Context, backend.ShiftCommit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ends++
	return b.endErr
}

func (b *stubBackend) CurrentShift(context.Context) (*backend.CurrentShift, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.currentErr
}

func (b *stubBackend) SyncOffline(_ context.Context, rec backend.OfflineRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.synced = append(b.synced, rec)
	return nil
}

func (b *stubBackend) ArmShiftTimer(_ context.Context, durationHours float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timerArms = append(b.timerArms, durationHours)
	return nil
}

func (b *stubBackend) CancelShiftTimer(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timerCancel++
	return nil
}

type stubProfiles struct {
	registered bool
	err        error
}

func (p *stubProfiles) Registered(context.Context, string) (bool, error) {
	return p.registered, p.err
}

type notices struct {
	mu    sync.Mutex
	kinds []string
}

func (n *notices) record(_ string, kind, _ string) {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
}

func (n *notices) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, k := range n.kinds {
		if k == kind {
			total++
		}
	}
	return total
}

type fixture struct {
	ctrl     *Controller
	orch     *stubOrch
	server   *stubBackend
	sessions *MemorySessions
	queue    *offline.Queue
	store    *offline.Memory
	state    *kv.Memory
	clock    *fakeClock
	notices  *notices
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	logger := log.New(log.Writer(), "", 0)
	state := kv.NewMemory()

	store := offline.NewMemory()
	queue, err := offline.NewQueue(store, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	renderer, err := render.New()
	if err != nil {
		t.Fatal(err)
	}

	orch := &stubOrch{}
	server := &stubBackend{}
	sessions := NewMemorySessions()
	n := &notices{}

	ctrl, err := NewController(orch, server, &stubProfiles{registered: true}, sessions, queue, NewTimerSet(logger), state, nil, renderer, logger, Config{Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	ctrl.OnNotify = n.record

	return &fixture{
		ctrl:     ctrl,
		orch:     orch,
		server:   server,
		sessions: sessions,
		queue:    queue,
		store:    store,
		state:    state,
		clock:    clock,
		notices:  n,
	}
}

func completedOutcome() orchestrator.Outcome {
	return orchestrator.Outcome{
		SessionID: uuid.New(),
		State:     orchestrator.StateCompleted,
		Location: location.Result{
			Success: true, IsInGeofence: true, GeofenceID: "hq",
			Latitude: 12.9716, Longitude: 77.5946, Confidence: 1.0,
		},
		Face:       face.Result{Success: true, Confidence: 0.9, LivenessDetected: true},
		Confidence: 0.93,
	}
}

func TestStartCommitsAndArms(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	result, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if result.Status != StatusCommitted {
		t.Fatalf("Status = %s, want committed", result.Status)
	}
	if f.server.starts != 1 {
		t.Fatalf("backend starts = %d", f.server.starts)
	}

	sess, ok := f.sessions.Get(result.ShiftID)
	if !ok || sess.Status != SessionActive {
		t.Fatalf("session = %+v, ok = %v", sess, ok)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "active" {
		t.Fatalf("Phase = %s, want active", report.Phase)
	}
	if report.CooldownRemaining <= 0 {
		t.Fatal("cooldown not armed after commit")
	}
	if !f.ctrl.timers.Armed("emp-1", TimerDurationWarning) || !f.ctrl.timers.Armed("emp-1", TimerHardLimit) {
		t.Fatal("shift timers not armed")
	}
	if len(f.server.timerArms) != 1 || f.server.timerArms[0] != 9 {
		t.Fatalf("server timer arms = %v, want one 9h arm", f.server.timerArms)
	}

	// The 30s post-commit lockout blocks the next action.
	f.clock.Advance(5 * time.Second)
	result, err = f.ctrl.End(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCooldown {
		t.Fatalf("End() during cooldown = %s, want cooldown", result.Status)
	}
}

func TestStartRequiresFaceRegistration(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	ctrl, err := NewController(f.orch, f.server, &stubProfiles{registered: false}, f.sessions, f.queue, f.ctrl.timers, f.state, nil, f.ctrl.renderer, f.ctrl.logger, Config{Now: f.clock.Now})
	if err != nil {
		t.Fatal(err)
	}

	result, err := ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusRegistrationRequired {
		t.Fatalf("Status = %s, want registration short-circuit", result.Status)
	}
	if len(f.orch.runs) != 0 {
		t.Fatal("verification ran despite missing face profile")
	}
}

func TestStartWhileActiveRejected(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	if _, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{}); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(31 * time.Second)
	if _, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{}); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second Start() error = %v, want ErrNotIdle", err)
	}
}

func TestStartBackendUnavailableGoesPending(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()
	f.server.startErr = backend.ErrUnavailable

	result, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if result.Status != StatusPending {
		t.Fatalf("Status = %s, want pending, not failed", result.Status)
	}

	queued, err := f.store.Unsynced(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Action != "start" {
		t.Fatalf("queue = %v, want one start record", queued)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "active" || !report.PendingSync {
		t.Fatalf("report = %+v, want locally active pending sync", report)
	}
	if f.notices.count("pending_sync") != 1 {
		t.Fatal("pending notice not delivered")
	}
}

func TestStartFaceBackendDownGoesPending(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = orchestrator.Outcome{
		State: orchestrator.StateFailed,
		Location: location.Result{
			Success: true, IsInGeofence: true, GeofenceID: "hq", Confidence: 1.0,
		},
		FaceFailure: &face.Error{Kind: face.FailureBackendUnavailable, Message: "verification backend unreachable."},
	}

	result, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if result.Status != StatusPending {
		t.Fatalf("Status = %s, want pending when only the face backend is down", result.Status)
	}

	queued, err := f.store.Unsynced(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Action != "start" {
		t.Fatalf("queue = %v, want one start record", queued)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "active" || !report.PendingSync {
		t.Fatalf("report = %+v, want locally active pending sync", report)
	}
	if f.notices.count("pending_sync") != 1 {
		t.Fatal("pending notice not delivered")
	}
}

func TestEndFaceBackendDownGoesPending(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	start, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(8 * time.Hour)
	f.orch.outcome = orchestrator.Outcome{
		State: orchestrator.StateFailed,
		Location: location.Result{
			Success: true, IsInGeofence: true, GeofenceID: "hq", Confidence: 1.0,
		},
		FaceFailure: &face.Error{Kind: face.FailureBackendUnavailable, Message: "verification backend unreachable."},
	}

	result, err := f.ctrl.End(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if result.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", result.Status)
	}
	if result.ElapsedMinutes != 480 {
		t.Fatalf("ElapsedMinutes = %d, want 480", result.ElapsedMinutes)
	}

	queued, err := f.store.Unsynced(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Action != "end" {
		t.Fatalf("queue = %v, want one end record", queued)
	}

	sess, _ := f.sessions.Get(start.ShiftID)
	if sess.Status != SessionPending || sess.EndedAt == nil {
		t.Fatalf("session = %+v, want pending close", sess)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "idle" {
		t.Fatalf("Phase = %s, want idle after pending end", report.Phase)
	}
}

func TestControllerIsolatesUsers(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	if _, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{}); err != nil {
		t.Fatal(err)
	}

	// emp-1's fresh cooldown must not lock out emp-2.
	f.clock.Advance(3 * time.Second)
	result, err := f.ctrl.Start(context.Background(), "emp-2", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCommitted {
		t.Fatalf("emp-2 Start() = %s, want committed despite emp-1's cooldown", result.Status)
	}

	f.clock.Advance(31 * time.Second)
	result, err = f.ctrl.End(context.Background(), "emp-2", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCommitted {
		t.Fatalf("emp-2 End() = %s", result.Status)
	}

	// emp-2's teardown must not touch emp-1's timers or shift.
	if !f.ctrl.timers.Armed("emp-1", TimerHardLimit) || !f.ctrl.timers.Armed("emp-1", TimerDurationWarning) {
		t.Fatal("emp-1's timers cancelled by emp-2 ending their shift")
	}
	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "active" {
		t.Fatalf("emp-1 Phase = %s, want still active", report.Phase)
	}
}

func TestEndComputesReceipt(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	start, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(8 * time.Hour)
	result, err := f.ctrl.End(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if result.Status != StatusCommitted {
		t.Fatalf("Status = %s", result.Status)
	}
	if result.ElapsedMinutes != 480 {
		t.Fatalf("ElapsedMinutes = %d, want 480", result.ElapsedMinutes)
	}
	if !strings.Contains(result.Message, "8h 0m") {
		t.Fatalf("receipt = %q", result.Message)
	}

	sess, _ := f.sessions.Get(start.ShiftID)
	if sess.Status != SessionClosed || sess.EndedAt == nil {
		t.Fatalf("session after end = %+v", sess)
	}
	if f.ctrl.timers.Armed("emp-1", TimerDurationWarning) || f.ctrl.timers.Armed("emp-1", TimerHardLimit) {
		t.Fatal("timers still armed after end")
	}
	if f.server.timerCancel != 1 {
		t.Fatalf("server timer cancels = %d, want 1", f.server.timerCancel)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "idle" {
		t.Fatalf("Phase = %s, want idle", report.Phase)
	}
}

func TestEndWithoutActiveShift(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	if _, err := f.ctrl.End(context.Background(), "emp-1", orchestrator.RunOptions{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("End() error = %v, want ErrNotActive", err)
	}
}

func TestEndRejectionKeepsShiftActive(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	if _, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{}); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(time.Hour)
	f.server.endErr = &backend.RejectionError{Status: 409, Reason: "shift already closed by manager"}

	result, err := f.ctrl.End(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", result.Status)
	}
	if !strings.Contains(result.Message, "already closed") {
		t.Fatalf("Message = %q, want the server reason", result.Message)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "active" {
		t.Fatalf("Phase = %s, want still active after rejection", report.Phase)
	}
}

func TestOverrideFlow(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = orchestrator.Outcome{
		State: orchestrator.StateOverrideRequired,
		Location: location.Result{
			Success: true, IsInGeofence: true, Confidence: 1.0,
		},
		FaceFailure: &face.Error{Kind: face.FailureMismatch, CanOverride: true, Attempts: 3},
	}

	result, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusOverrideRequired {
		t.Fatalf("Status = %s, want override required", result.Status)
	}

	override := completedOutcome()
	override.Action = orchestrator.ActionStart
	override.Face = face.Result{Success: true, Overridden: true}
	override.Confidence = 0.3
	f.orch.overrideOutcome = override

	f.clock.Advance(31 * time.Second)
	result, err = f.ctrl.CompleteOverride(context.Background(), "emp-1", "483920")
	if err != nil {
		t.Fatalf("CompleteOverride() error = %v", err)
	}
	if result.Status != StatusCommitted {
		t.Fatalf("Status = %s, want committed", result.Status)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "active" {
		t.Fatalf("Phase = %s, want active after override commit", report.Phase)
	}
}

func TestCancelVerificationRollsBackPhase(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = orchestrator.Outcome{
		State:       orchestrator.StateOverrideRequired,
		Location:    location.Result{Success: true, Confidence: 1.0},
		FaceFailure: &face.Error{Kind: face.FailureMismatch, CanOverride: true, Attempts: 3},
	}

	if _, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.CancelVerification("emp-1"); err != nil {
		t.Fatal(err)
	}
	if len(f.orch.cancelled) != 1 {
		t.Fatal("orchestrator cancel not invoked")
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "idle" {
		t.Fatalf("Phase = %s, want rolled back to idle", report.Phase)
	}
}

func TestAutoEndReconcileNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	start, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// The server closed the shift (timer fired server-side).
	f.clock.Advance(9 * time.Hour)
	f.server.current = nil

	if err := f.ctrl.reconcile(context.Background(), "emp-1"); err != nil {
		t.Fatalf("reconcile() error = %v", err)
	}
	if err := f.ctrl.reconcile(context.Background(), "emp-1"); err != nil {
		t.Fatal(err)
	}

	if got := f.notices.count("auto_ended"); got != 1 {
		t.Fatalf("auto-end notices = %d, want exactly 1", got)
	}

	sess, _ := f.sessions.Get(start.ShiftID)
	if sess.Status != SessionAutoEnded || sess.EndedAt == nil {
		t.Fatalf("session = %+v, want auto-ended", sess)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "idle" {
		t.Fatalf("Phase = %s, want reconciled to idle", report.Phase)
	}
	if f.ctrl.timers.Armed("emp-1", TimerDurationWarning) || f.ctrl.timers.Armed("emp-1", TimerHardLimit) {
		t.Fatal("timers still armed after auto-end")
	}
}

func TestReconcileLeavesOpenShiftAlone(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	if _, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{}); err != nil {
		t.Fatal(err)
	}
	f.server.current = &backend.CurrentShift{ID: "srv-1", StartTime: f.clock.Now()}

	if err := f.ctrl.reconcile(context.Background(), "emp-1"); err != nil {
		t.Fatal(err)
	}

	report, err := f.ctrl.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "active" {
		t.Fatalf("Phase = %s, want still active", report.Phase)
	}
}

func TestDrainReplaysQueuedCommit(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()
	f.server.startErr = backend.ErrUnavailable

	if _, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{}); err != nil {
		t.Fatal(err)
	}

	f.server.startErr = nil
	synced, err := f.queue.Drain(context.Background(), f.ctrl.sendOffline)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if synced != 1 {
		t.Fatalf("Drain() synced = %d, want 1", synced)
	}
	if len(f.server.synced) != 1 {
		t.Fatalf("backend saw %d offline records", len(f.server.synced))
	}
	rec := f.server.synced[0]
	if rec.Action != "start" || rec.UserID != "emp-1" || rec.Location == nil || !rec.Location.IsInGeofence {
		t.Fatalf("replayed record = %+v", rec)
	}
}

func TestPollerNoticesServerAutoEnd(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	ctrl, err := NewController(f.orch, f.server, &stubProfiles{registered: true}, f.sessions, f.queue, NewTimerSet(nil), f.state, nil, f.ctrl.renderer, f.ctrl.logger, Config{Now: f.clock.Now, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	n := &notices{}
	ctrl.OnNotify = n.record

	start, err := ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// The server holds no open shift, so the poller started by the commit
	// must fold the close into local state without an explicit resume.
	deadline := time.Now().Add(2 * time.Second)
	for {
		report, err := ctrl.Status(context.Background(), "emp-1")
		if err != nil {
			t.Fatal(err)
		}
		if report.Phase == "idle" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("poller never reconciled the server-side close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess, _ := f.sessions.Get(start.ShiftID)
	if sess.Status != SessionAutoEnded {
		t.Fatalf("session = %+v, want auto-ended", sess)
	}
	if got := n.count("auto_ended"); got != 1 {
		t.Fatalf("auto-end notices = %d, want exactly 1", got)
	}
}

func TestRestartRestoresActiveShift(t *testing.T) {
	f := newFixture(t)
	f.orch.outcome = completedOutcome()

	start, err := f.ctrl.Start(context.Background(), "emp-1", orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// A new controller over the same stores sees the open session.
	f.clock.Advance(time.Hour)
	restarted, err := NewController(f.orch, f.server, &stubProfiles{registered: true}, f.sessions, f.queue, NewTimerSet(nil), f.state, nil, f.ctrl.renderer, f.ctrl.logger, Config{Now: f.clock.Now})
	if err != nil {
		t.Fatal(err)
	}

	report, err := restarted.Status(context.Background(), "emp-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Phase != "active" {
		t.Fatalf("restored Phase = %s, want active", report.Phase)
	}
	if report.ShiftID == nil || *report.ShiftID != start.ShiftID {
		t.Fatalf("restored ShiftID = %v, want %s", report.ShiftID, start.ShiftID)
	}
	if report.ElapsedMinutes != 60 {
		t.Fatalf("restored ElapsedMinutes = %d, want 60", report.ElapsedMinutes)
	}
	if !restarted.timers.Armed("emp-1", TimerHardLimit) {
		t.Fatal("restored controller did not re-arm the limit timer")
	}
}
