package face

import (
	"context"
	"errors"
	"testing"
	"time"

	"shiftd/pkg/backend"
	"shiftd/services/attendance/internal/device"
)

// scriptCamera replays a fixed observation; Capture can be made to fail a
// number of times before succeeding.
type scriptCamera struct {
	openErr      error
	obs          device.Observation
	captureFails int
	captures     int
}

func (c *scriptCamera) Open(context.Context) error { return c.openErr }

func (c *scriptCamera) Observe(context.Context) (device.Observation, error) {
	return c.obs, nil
}

func (c *scriptCamera) Capture(context.Context) (device.Photo, error) {
	c.captures++
	if c.captures <= c.captureFails {
		return device.Photo{}, errors.New("sensor glitch")
	}
	return device.Photo{Encoding: []float64{0.5, 0.5}, Quality: 0.9, CapturedAt: time.Now()}, nil
}

func (c *scriptCamera) Close() error { return nil }

// exclusiveCamera refuses a second Open while already open, the way a real
// device handle does. Passes must release it between opens.
type exclusiveCamera struct {
	scriptCamera
	open   bool
	opens  int
	closes int
}

func (c *exclusiveCamera) Open(ctx context.Context) error {
	if c.open {
		return errors.New("camera already open")
	}
	if err := c.scriptCamera.Open(ctx); err != nil {
		return err
	}
	c.open = true
	c.opens++
	return nil
}

func (c *exclusiveCamera) Close() error {
	c.open = false
	c.closes++
	return nil
}

type scriptMatcher struct {
	outcomes []MatchOutcome
	errs     []error
	calls    int
}

func (m *scriptMatcher) Match(context.Context, []float64) (MatchOutcome, error) {
	i := m.calls
	m.calls++
	if i >= len(m.outcomes) {
		i = len(m.outcomes) - 1
	}
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if err != nil {
		return MatchOutcome{}, err
	}
	return m.outcomes[i], nil
}

func fastConfig() Config {
	return Config{
		DetectMinWait:     5 * time.Millisecond,
		DetectMaxWait:     25 * time.Millisecond,
		LivenessCountdown: 15 * time.Millisecond,
		ObserveInterval:   time.Millisecond,
		CaptureBackoff:    time.Millisecond,
	}
}

func liveFace() device.Observation {
	return device.Observation{FaceDetected: true, Quality: 0.9, BlinkScore: 0.8, LivenessScore: 0.9}
}

func TestVerifySuccess(t *testing.T) {
	cam := &scriptCamera{obs: liveFace()}
	matcher := &scriptMatcher{outcomes: []MatchOutcome{{Matched: true, Confidence: 0.93}}}

	m, err := NewMachine(cam, matcher, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	result, err := m.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Success || result.Confidence != 0.93 {
		t.Fatalf("Verify() = %+v", result)
	}
	if !result.LivenessDetected {
		t.Fatal("LivenessDetected = false on blink acceptance")
	}
	if m.State() != StateSuccess {
		t.Fatalf("State() = %s, want success", m.State())
	}
	if m.Attempts() != 0 {
		t.Fatalf("Attempts() = %d, want 0 failed passes", m.Attempts())
	}
}

func TestVerifyDeviceUnavailableIsTerminal(t *testing.T) {
	cam := &scriptCamera{openErr: errors.New("no camera permission")}
	m, err := NewMachine(cam, &scriptMatcher{outcomes: []MatchOutcome{{}}}, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	_, verr := m.Verify(context.Background())
	var ferr *Error
	if !errors.As(verr, &ferr) {
		t.Fatalf("Verify() error = %v, want *Error", verr)
	}
	if ferr.Kind != FailureDeviceUnavailable {
		t.Fatalf("Kind = %s, want DeviceUnavailable", ferr.Kind)
	}
	if ferr.CanOverride {
		t.Fatal("CanOverride = true for non-retryable device failure")
	}
	if ferr.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1 (no silent retries)", ferr.Attempts)
	}
}

func TestVerifyDetectionTimeoutExhaustsToOverride(t *testing.T) {
	cam := &scriptCamera{obs: device.Observation{FaceDetected: false}}
	m, err := NewMachine(cam, &scriptMatcher{outcomes: []MatchOutcome{{}}}, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	_, verr := m.Verify(context.Background())
	var ferr *Error
	if !errors.As(verr, &ferr) {
		t.Fatalf("Verify() error = %v, want *Error", verr)
	}
	if ferr.Kind != FailureDetectionTimeout {
		t.Fatalf("Kind = %s, want DetectionTimeout", ferr.Kind)
	}
	if !ferr.CanOverride {
		t.Fatal("CanOverride = false after exhausting retries")
	}
	if ferr.Attempts != 3 {
		t.Fatalf("Attempts = %d, want exactly 3", ferr.Attempts)
	}
}

func TestVerifyForgivingDetectionAcceptsPoorQuality(t *testing.T) {
	cam := &scriptCamera{obs: device.Observation{FaceDetected: true, Quality: 0.2, BlinkScore: 0.9, LivenessScore: 0.9}}
	matcher := &scriptMatcher{outcomes: []MatchOutcome{{Matched: true, Confidence: 0.8}}}

	m, err := NewMachine(cam, matcher, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Verify(context.Background()); err != nil {
		t.Fatalf("Verify() with poor quality face error = %v, want forgiving acceptance", err)
	}
}

func TestVerifyUltraForgivingLiveness(t *testing.T) {
	// No blink, score under the accept threshold but non-zero: the countdown
	// expiry lets the user through.
	cam := &scriptCamera{obs: device.Observation{FaceDetected: true, Quality: 0.9, LivenessScore: 0.3}}
	matcher := &scriptMatcher{outcomes: []MatchOutcome{{Matched: true, Confidence: 0.85}}}

	m, err := NewMachine(cam, matcher, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	result, err := m.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v, want ultra-forgiving acceptance", err)
	}
	if result.LivenessDetected {
		t.Fatal("LivenessDetected = true for fallback acceptance")
	}
}

func TestVerifySecondConsecutiveLivenessTimeoutAccepted(t *testing.T) {
	// Zero liveness signal on every observation: the first pass times out,
	// the second consecutive timeout is treated as acceptance.
	cam := &scriptCamera{obs: device.Observation{FaceDetected: true, Quality: 0.9}}
	matcher := &scriptMatcher{outcomes: []MatchOutcome{{Matched: true, Confidence: 0.8}}}

	m, err := NewMachine(cam, matcher, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	var failures []FailureKind
	m.OnFailure = func(e *Error) { failures = append(failures, e.Kind) }

	result, err := m.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v, want acceptance on second timeout", err)
	}
	if !result.Success {
		t.Fatalf("Verify() = %+v", result)
	}
	if len(failures) != 1 || failures[0] != FailureLivenessTimeout {
		t.Fatalf("observed failures = %v, want one LivenessTimeout", failures)
	}
}

func TestVerifyCaptureRetriesInternally(t *testing.T) {
	cam := &scriptCamera{obs: liveFace(), captureFails: 2}
	matcher := &scriptMatcher{outcomes: []MatchOutcome{{Matched: true, Confidence: 0.9}}}

	m, err := NewMachine(cam, matcher, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Verify(context.Background()); err != nil {
		t.Fatalf("Verify() error = %v, want capture retried internally", err)
	}
	if cam.captures != 3 {
		t.Fatalf("captures = %d, want 3", cam.captures)
	}
}

func TestVerifyThreeMismatchesReachOverride(t *testing.T) {
	cam := &scriptCamera{obs: liveFace()}
	matcher := &scriptMatcher{outcomes: []MatchOutcome{{Matched: false, Confidence: 0.2}}}

	m, err := NewMachine(cam, matcher, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	var failures []FailureKind
	m.OnFailure = func(e *Error) { failures = append(failures, e.Kind) }

	_, verr := m.Verify(context.Background())
	var ferr *Error
	if !errors.As(verr, &ferr) {
		t.Fatalf("Verify() error = %v, want *Error", verr)
	}
	if ferr.Kind != FailureMismatch {
		t.Fatalf("Kind = %s, want IdentityMismatch surfaced distinctly", ferr.Kind)
	}
	if !ferr.CanOverride || ferr.Attempts != 3 {
		t.Fatalf("CanOverride = %v, Attempts = %d, want override after exactly 3", ferr.CanOverride, ferr.Attempts)
	}
	if matcher.calls != 3 {
		t.Fatalf("matcher calls = %d, want 3 (never a 4th silent retry)", matcher.calls)
	}
	for i, kind := range failures {
		if kind != FailureMismatch {
			t.Fatalf("failure %d = %s, want every mismatch surfaced", i, kind)
		}
	}
}

func TestVerifyBackendUnavailableNotRetried(t *testing.T) {
	cam := &scriptCamera{obs: liveFace()}
	matcher := &scriptMatcher{
		outcomes: []MatchOutcome{{}},
		errs:     []error{backend.ErrUnavailable},
	}

	m, err := NewMachine(cam, matcher, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	_, verr := m.Verify(context.Background())
	var ferr *Error
	if !errors.As(verr, &ferr) {
		t.Fatalf("Verify() error = %v, want *Error", verr)
	}
	if ferr.Kind != FailureBackendUnavailable {
		t.Fatalf("Kind = %s, want BackendUnavailable", ferr.Kind)
	}
	if matcher.calls != 1 {
		t.Fatalf("matcher calls = %d, want 1 (queued, not retried)", matcher.calls)
	}
}

func TestVerifyReleasesCameraBetweenPasses(t *testing.T) {
	// An exclusive camera must survive the full retry budget: if a pass left
	// it open, the second pass would die with DeviceUnavailable instead of
	// exhausting mismatches into an override-eligible error.
	cam := &exclusiveCamera{scriptCamera: scriptCamera{obs: liveFace()}}
	matcher := &scriptMatcher{outcomes: []MatchOutcome{{Matched: false, Confidence: 0.2}}}

	m, err := NewMachine(cam, matcher, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	_, verr := m.Verify(context.Background())
	var ferr *Error
	if !errors.As(verr, &ferr) {
		t.Fatalf("Verify() error = %v, want *Error", verr)
	}
	if ferr.Kind != FailureMismatch || !ferr.CanOverride {
		t.Fatalf("Kind = %s, CanOverride = %v, want mismatch override after full budget", ferr.Kind, ferr.CanOverride)
	}
	if cam.opens != 3 || cam.closes != 3 {
		t.Fatalf("opens = %d, closes = %d, want camera released after every pass", cam.opens, cam.closes)
	}
	if cam.open {
		t.Fatal("camera left open after Verify")
	}
}

func TestRegisterReleasesCameraBetweenPoses(t *testing.T) {
	cam := &exclusiveCamera{scriptCamera: scriptCamera{obs: liveFace()}}
	m, err := NewMachine(cam, &scriptMatcher{outcomes: []MatchOutcome{{}}}, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	set, err := m.Register(context.Background(), "emp-9")
	if err != nil {
		t.Fatalf("Register() error = %v, want all three poses captured", err)
	}
	if len(set.Angles) != 3 {
		t.Fatalf("angles = %d, want 3", len(set.Angles))
	}
	if cam.opens != 3 || cam.closes != 3 {
		t.Fatalf("opens = %d, closes = %d, want one open/close per pose", cam.opens, cam.closes)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		outcome MatchOutcome
		want    FailureKind
	}{
		{"server mismatch reason wins", MatchOutcome{Confidence: 0.9, FailureReason: "face_mismatch"}, FailureMismatch},
		{"server generic reason wins", MatchOutcome{Confidence: 0.1, FailureReason: "photo_too_dark"}, FailureVerification},
		{"low confidence fallback", MatchOutcome{Confidence: 0.3}, FailureMismatch},
		{"grey zone confidence", MatchOutcome{Confidence: 0.6}, FailureVerification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.outcome, 0.5); got != tt.want {
				t.Fatalf("classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRegisterCollectsThreeAngles(t *testing.T) {
	cam := &scriptCamera{obs: liveFace()}
	m, err := NewMachine(cam, &scriptMatcher{outcomes: []MatchOutcome{{}}}, nil, fastConfig())
	if err != nil {
		t.Fatal(err)
	}

	set, err := m.Register(context.Background(), "emp-7")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if len(set.Angles) != 3 {
		t.Fatalf("Register() angles = %d, want 3", len(set.Angles))
	}
	wantPoses := []string{"front", "left", "right"}
	for i, angle := range set.Angles {
		if angle.Pose != wantPoses[i] {
			t.Fatalf("angle %d pose = %q, want %q", i, angle.Pose, wantPoses[i])
		}
		if len(angle.Encoding) == 0 {
			t.Fatalf("angle %d has empty encoding", i)
		}
	}
	if set.UserID != "emp-7" {
		t.Fatalf("UserID = %q", set.UserID)
	}
	if set.QualityScore <= 0 {
		t.Fatalf("QualityScore = %v, want averaged positive score", set.QualityScore)
	}
}
