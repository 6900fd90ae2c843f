package face

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"shiftd/pkg/backend"
)

// MatchOutcome is the matcher's verdict on one captured encoding.
type MatchOutcome struct {
	Matched    bool
	Confidence float64
	// FailureReason is the server-supplied discriminator. When present it is
	// authoritative over the client-side confidence cutoff.
	FailureReason string
}

// Matcher confirms the captured encoding belongs to the signed-in user.
type Matcher interface {
	Match(ctx context.Context, encoding []float64) (MatchOutcome, error)
}

// mismatchReasons are server discriminators that mean "wrong identity".
var mismatchReasons = map[string]struct{}{
	"mismatch":       {},
	"face_mismatch":  {},
	"wrong_identity": {},
	"no_match":       {},
}

// classify turns an unsuccessful outcome into the right failure kind. The
// server reason wins; the confidence cutoff is only a fallback policy.
func classify(outcome MatchOutcome, mismatchThreshold float64) FailureKind {
	if reason := strings.ToLower(strings.TrimSpace(outcome.FailureReason)); reason != "" {
		if _, ok := mismatchReasons[reason]; ok {
			return FailureMismatch
		}
		return FailureVerification
	}
	if outcome.Confidence < mismatchThreshold {
		return FailureMismatch
	}
	return FailureVerification
}

// BackendMatcher verifies encodings against the attendance backend.
type BackendMatcher struct {
	client *backend.Client
}

// NewBackendMatcher wraps the backend client.
func NewBackendMatcher(client *backend.Client) (*BackendMatcher, error) {
	if client == nil {
		return nil, errors.New("backend client is required")
	}
	return &BackendMatcher{client: client}, nil
}

// Match submits the encoding for server-side comparison.
func (m *BackendMatcher) Match(ctx context.Context, encoding []float64) (MatchOutcome, error) {
	payload, err := json.Marshal(encoding)
	if err != nil {
		return MatchOutcome{}, err
	}

	resp, err := m.client.VerifyFace(ctx, backend.VerifyFaceRequest{FaceEncoding: string(payload)})
	if err != nil {
		return MatchOutcome{}, err
	}

	return MatchOutcome{
		Matched:       resp.Success,
		Confidence:    resp.Confidence,
		FailureReason: resp.FailureReason,
	}, nil
}
