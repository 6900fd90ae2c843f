package face

import "time"

// State is the verifier's position in the capture flow.
type State int

const (
	StateInitializing State = iota
	StateDetecting
	StateLiveness
	StateCapturing
	StateProcessing
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateDetecting:
		return "detecting"
	case StateLiveness:
		return "liveness"
	case StateCapturing:
		return "capturing"
	case StateProcessing:
		return "processing"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the immutable outcome of a successful verification pass.
type Result struct {
	Success          bool
	Confidence       float64
	LivenessDetected bool
	EncodingRef      string
	Overridden       bool
	Timestamp        time.Time
}

// Config tunes the state machine. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	// DetectMinWait is how long a detected-but-poor-quality face must sit in
	// front of the camera before the forgiving branch accepts it. Default 2s.
	DetectMinWait time.Duration
	// DetectMaxWait bounds the detection step outright. Default 10s.
	DetectMaxWait time.Duration
	// QualityThreshold is the frame quality that passes detection without
	// waiting for the forgiving branch. Default 0.7.
	QualityThreshold float64
	// LivenessCountdown bounds the liveness step. Default 5s.
	LivenessCountdown time.Duration
	// BlinkThreshold accepts liveness on a blink signal. Default 0.6.
	BlinkThreshold float64
	// LivenessAccept accepts liveness on the aggregate score alone. Default 0.8.
	LivenessAccept float64
	// ObserveInterval is the camera polling cadence. Default 100ms.
	ObserveInterval time.Duration
	// CaptureAttempts bounds internal photo-capture retries. Default 3.
	CaptureAttempts uint64
	// CaptureBackoff seeds the exponential capture backoff. Default 200ms.
	CaptureBackoff time.Duration
	// MaxRetries bounds full verification passes before the machine reports
	// override eligibility. Default 3.
	MaxRetries int
	// MismatchThreshold is the policy cutoff below which an unsuccessful
	// match with no server reason is classified as a wrong identity rather
	// than a generic failure. Default 0.5.
	MismatchThreshold float64
	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DetectMinWait <= 0 {
		c.DetectMinWait = 2 * time.Second
	}
	if c.DetectMaxWait <= 0 {
		c.DetectMaxWait = 10 * time.Second
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.7
	}
	if c.LivenessCountdown <= 0 {
		c.LivenessCountdown = 5 * time.Second
	}
	if c.BlinkThreshold <= 0 {
		c.BlinkThreshold = 0.6
	}
	if c.LivenessAccept <= 0 {
		c.LivenessAccept = 0.8
	}
	if c.ObserveInterval <= 0 {
		c.ObserveInterval = 100 * time.Millisecond
	}
	if c.CaptureAttempts == 0 {
		c.CaptureAttempts = 3
	}
	if c.CaptureBackoff <= 0 {
		c.CaptureBackoff = 200 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MismatchThreshold <= 0 {
		c.MismatchThreshold = 0.5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
