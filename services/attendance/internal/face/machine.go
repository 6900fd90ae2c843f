// Package face drives capture, liveness, and identity matching as an
// explicit state machine. The flow deliberately favours completion over
// blocking: poor-quality detection and flaky blink signals fall through
// named forgiving branches instead of stranding a legitimate user.
package face

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sethvargo/go-retry"

	"shiftd/pkg/backend"
	"shiftd/services/attendance/internal/device"
	"shiftd/services/attendance/internal/vault"
)

// registrationPoses are the angles collected by registration mode, in order.
var registrationPoses = []string{"front", "left", "right"}

// Machine runs verification passes against an already-acquired camera. It
// owns the retry counter; once the budget is spent the terminal Error
// carries CanOverride so the orchestrator can escalate.
type Machine struct {
	cam     device.Camera
	matcher Matcher
	cfg     Config
	logger  *log.Logger

	state    State
	attempts int
	// consecutive liveness timeouts; the second one is treated as
	// acceptance under the forgiving policy.
	livenessTimeouts int
	// OnFailure, when set, observes every pass failure before the machine
	// decides whether to retry. Mismatches are reported here so they are
	// never swallowed by the retry loop.
	OnFailure func(*Error)
}

// NewMachine creates a Machine. The camera must already be exclusively
// acquired by the caller.
func NewMachine(cam device.Camera, matcher Matcher, logger *log.Logger, cfg Config) (*Machine, error) {
	if cam == nil {
		return nil, errors.New("camera is required")
	}
	if matcher == nil {
		return nil, errors.New("matcher is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Machine{
		cam:     cam,
		matcher: matcher,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		state:   StateInitializing,
	}, nil
}

// State reports the machine's current position.
func (m *Machine) State() State { return m.state }

// Attempts reports completed verification passes.
func (m *Machine) Attempts() int { return m.attempts }

// Verify runs passes until one succeeds or the machine gives up. On
// exhaustion the returned *Error has CanOverride set.
func (m *Machine) Verify(ctx context.Context) (Result, error) {
	for {
		result, verr := m.runPass(ctx)
		if verr == nil {
			m.state = StateSuccess
			return result, nil
		}

		m.attempts++
		verr.Attempts = m.attempts
		m.state = StateError

		if m.OnFailure != nil {
			m.OnFailure(verr)
		}

		if !retryable(verr.Kind) {
			return Result{}, verr
		}
		if m.attempts >= m.cfg.MaxRetries {
			verr.CanOverride = true
			return Result{}, verr
		}
		if ctx.Err() != nil {
			return Result{}, &Error{Kind: verr.Kind, Attempts: m.attempts, Err: ctx.Err()}
		}

		m.logger.Printf("INFO face pass %d failed (%s), retrying", m.attempts, verr.Kind)
		m.state = StateDetecting
	}
}

// Register collects the three-angle encoding set. The machine resets to
// Initializing between angles; the session only completes once every angle
// has an accepted capture. Registration has no identity match step, so a
// pass succeeds structurally once a photo is obtained.
func (m *Machine) Register(ctx context.Context, userID string) (vault.EncodingSet, error) {
	set := vault.EncodingSet{UserID: userID, CollectedAt: m.cfg.Now()}

	var qualitySum float64
	for _, pose := range registrationPoses {
		m.state = StateInitializing
		m.livenessTimeouts = 0

		photo, _, verr := m.capturePass(ctx)
		if verr != nil {
			verr.Message = fmt.Sprintf("registration pose %q: %s", pose, verr.Message)
			return vault.EncodingSet{}, verr
		}

		set.Angles = append(set.Angles, vault.Angle{
			Pose:     pose,
			Encoding: photo.Encoding,
			Quality:  photo.Quality,
		})
		qualitySum += photo.Quality
		m.state = StateSuccess
	}

	set.QualityScore = qualitySum / float64(len(registrationPoses))
	return set, nil
}

// runPass executes one full pass: capture then identity matching.
func (m *Machine) runPass(ctx context.Context) (Result, *Error) {
	photo, livenessDetected, verr := m.capturePass(ctx)
	if verr != nil {
		return Result{}, verr
	}

	m.state = StateProcessing
	return m.process(ctx, photo, livenessDetected)
}

// capturePass walks Initializing→Detecting→Liveness→Capturing and returns
// the captured photo plus whether a positive liveness signal fired (false
// when a forgiving branch let the pass through).
func (m *Machine) capturePass(ctx context.Context) (device.Photo, bool, *Error) {
	m.state = StateInitializing
	if err := m.cam.Open(ctx); err != nil {
		return device.Photo{}, false, &Error{
			Kind:    FailureDeviceUnavailable,
			Message: "camera could not be opened",
			Err:     err,
		}
	}
	// The camera is only needed up to capture; release it on every exit so
	// the next pass (or a later registration pose) can reopen it.
	defer func() {
		if cerr := m.cam.Close(); cerr != nil {
			m.logger.Printf("WARN camera close failed: %v", cerr)
		}
	}()

	m.state = StateDetecting
	if verr := m.detect(ctx); verr != nil {
		return device.Photo{}, false, verr
	}

	m.state = StateLiveness
	livenessDetected, verr := m.liveness(ctx)
	if verr != nil {
		return device.Photo{}, false, verr
	}

	m.state = StateCapturing
	photo, cerr := m.capture(ctx)
	if cerr != nil {
		return device.Photo{}, false, cerr
	}
	return photo, livenessDetected, nil
}

// detect waits for a face. A good-quality face passes immediately; a face
// of any quality passes once DetectMinWait has elapsed (forgiving branch);
// DetectMaxWait bounds the step outright.
func (m *Machine) detect(ctx context.Context) *Error {
	deadline := time.NewTimer(m.cfg.DetectMaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.ObserveInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return &Error{Kind: FailureDetectionTimeout, Message: "cancelled while detecting", Err: ctx.Err()}
		case <-deadline.C:
			return &Error{Kind: FailureDetectionTimeout, Message: "no face detected in time"}
		case <-ticker.C:
		}

		obs, err := m.cam.Observe(ctx)
		if err != nil {
			m.logger.Printf("WARN face observe failed: %v", err)
			continue
		}
		if !obs.FaceDetected {
			continue
		}
		if obs.Quality >= m.cfg.QualityThreshold {
			return nil
		}
		// Forgiving branch: accept a poor-quality face rather than block
		// once the minimum wait has passed.
		if time.Since(start) >= m.cfg.DetectMinWait {
			m.logger.Printf("INFO accepting poor-quality face after %s wait", m.cfg.DetectMinWait)
			return nil
		}
	}
}

// liveness runs the countdown. Acceptance tiers, most to least strict:
// blink above threshold, aggregate score above threshold, and at countdown
// expiry any non-zero indicator (ultra-forgiving branch). A second
// consecutive timeout is itself treated as acceptance.
func (m *Machine) liveness(ctx context.Context) (bool, *Error) {
	deadline := time.NewTimer(m.cfg.LivenessCountdown)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.ObserveInterval)
	defer ticker.Stop()

	var last device.Observation
	for {
		select {
		case <-ctx.Done():
			return false, &Error{Kind: FailureLivenessTimeout, Message: "cancelled during liveness", Err: ctx.Err()}
		case <-deadline.C:
			if last.LivenessScore > 0 || last.BlinkScore > 0 {
				// Ultra-forgiving branch: the countdown expired but some
				// liveness signal existed, so the user is let through.
				m.logger.Printf("INFO liveness accepted on non-zero indicator after countdown")
				m.livenessTimeouts = 0
				return false, nil
			}
			m.livenessTimeouts++
			if m.livenessTimeouts >= 2 {
				// Second consecutive timeout counts as acceptance so flaky
				// blink detection cannot strand a legitimate user.
				m.logger.Printf("INFO liveness accepted after second consecutive timeout")
				m.livenessTimeouts = 0
				return false, nil
			}
			return false, &Error{Kind: FailureLivenessTimeout, Message: "no liveness signal before countdown expired"}
		case <-ticker.C:
		}

		obs, err := m.cam.Observe(ctx)
		if err != nil {
			m.logger.Printf("WARN face observe failed: %v", err)
			continue
		}
		last = obs

		if obs.BlinkScore > m.cfg.BlinkThreshold {
			m.livenessTimeouts = 0
			return true, nil
		}
		if obs.LivenessScore > m.cfg.LivenessAccept {
			m.livenessTimeouts = 0
			return true, nil
		}
	}
}

// capture obtains the photo, retrying internally with exponential backoff
// before surfacing a capture failure.
func (m *Machine) capture(ctx context.Context) (device.Photo, *Error) {
	var photo device.Photo

	backoff := retry.WithMaxRetries(m.cfg.CaptureAttempts-1, retry.NewExponential(m.cfg.CaptureBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := m.cam.Capture(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		photo = p
		return nil
	})
	if err != nil {
		return device.Photo{}, &Error{
			Kind:    FailureCapture,
			Message: fmt.Sprintf("capture failed after %d attempts", m.cfg.CaptureAttempts),
			Err:     err,
		}
	}

	return photo, nil
}

// process submits the encoding to the matcher and classifies the verdict.
func (m *Machine) process(ctx context.Context, photo device.Photo, livenessDetected bool) (Result, *Error) {
	outcome, err := m.matcher.Match(ctx, photo.Encoding)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &Error{
				Kind:    FailureBackendUnavailable,
				Message: "verification backend unreachable",
				Err:     err,
			}
		}
		return Result{}, &Error{Kind: FailureVerification, Message: "match request failed", Err: err}
	}

	if !outcome.Matched {
		kind := classify(outcome, m.cfg.MismatchThreshold)
		msg := "verification was not successful"
		if kind == FailureMismatch {
			msg = "captured face does not match the registered profile"
		}
		return Result{}, &Error{Kind: kind, Message: msg}
	}

	return Result{
		Success:          true,
		Confidence:       outcome.Confidence,
		LivenessDetected: livenessDetected,
		Timestamp:        m.cfg.Now(),
	}, nil
}
