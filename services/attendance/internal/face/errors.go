package face

import "fmt"

// FailureKind classifies why a verification pass failed.
type FailureKind string

const (
	// FailureDeviceUnavailable means no camera or no permission; terminal.
	FailureDeviceUnavailable FailureKind = "DeviceUnavailable"
	// FailureDetectionTimeout means no usable face appeared in the window.
	FailureDetectionTimeout FailureKind = "DetectionTimeout"
	// FailureLivenessTimeout means the countdown expired with a zero
	// liveness indicator.
	FailureLivenessTimeout FailureKind = "LivenessTimeout"
	// FailureCapture means photo capture failed even after internal retries.
	FailureCapture FailureKind = "CaptureFailure"
	// FailureMismatch means the captured face is a wrong identity. Surfaced
	// distinctly, never as a generic failure.
	FailureMismatch FailureKind = "IdentityMismatch"
	// FailureVerification is a generic unsuccessful match (server rejected,
	// confidence in the grey zone above the mismatch cutoff).
	FailureVerification FailureKind = "VerificationFailed"
	// FailureBackendUnavailable means the matcher could not be reached; the
	// caller routes the attempt to the offline queue.
	FailureBackendUnavailable FailureKind = "BackendUnavailable"
)

// Error is a typed verification failure.
type Error struct {
	Kind FailureKind
	// CanOverride is set once the machine has exhausted its retry budget
	// and the manager-override escalation is the only path left.
	CanOverride bool
	// Attempts is the number of completed passes when the error surfaced.
	Attempts int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("face verification: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("face verification: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// retryable reports whether a pass ending in kind may roll into another
// pass. DeviceUnavailable is hopeless without user action and
// BackendUnavailable is handled by queuing, not by pointing the camera at
// the same face again.
func retryable(kind FailureKind) bool {
	switch kind {
	case FailureDeviceUnavailable, FailureBackendUnavailable:
		return false
	default:
		return true
	}
}
