// Package backend implements the REST contract of the attendance backend.
// All calls carry the bearer token supplied by the TokenSource and run under
// an explicit per-call timeout; commit calls (shift start/end) are never
// retried automatically since the server de-duplicates by timestamp+user.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultCommitTimeout = 12 * time.Second
	defaultQueryTimeout  = 8 * time.Second
)

// Sentinel errors mapped from transport and HTTP status conditions.
var (
	// ErrUnavailable covers network failures and 5xx responses. A commit
	// failing with ErrUnavailable after a locally successful verification
	// is routed to the offline queue, not surfaced as a user failure.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrAuthExpired is returned on 401 responses.
	ErrAuthExpired = errors.New("authentication expired")
)

// RejectionError carries the server-supplied failure discriminator for
// responses the backend actively refused (4xx other than 401).
type RejectionError struct {
	Status int
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("backend rejected request (status %d)", e.Status)
	}
	return fmt.Sprintf("backend rejected request: %s", e.Reason)
}

// TokenSource supplies the bearer token for outbound requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource wrapping a fixed token string.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Config controls client behaviour.
type Config struct {
	BaseURL       string
	Role          string // role-scoped path segment, e.g. "employee"
	CommitTimeout time.Duration
	QueryTimeout  time.Duration
}

// Client talks to the attendance backend.
type Client struct {
	http   *http.Client
	tokens TokenSource
	cfg    Config
}

// New creates a Client. The transport should already carry trace propagation
// (telemetry.Transport).
func New(httpClient *http.Client, tokens TokenSource, cfg Config) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Role == "" {
		cfg.Role = "employee"
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}

	return &Client{http: httpClient, tokens: tokens, cfg: cfg}, nil
}

func (c *Client) rolePath(suffix string) string {
	return fmt.Sprintf("%s/api/%s%s", c.cfg.BaseURL, c.cfg.Role, suffix)
}

func (c *Client) apiPath(suffix string) string {
	return c.cfg.BaseURL + suffix
}

// Attendance fetches the day records for a month in yyyy-MM form.
func (c *Client) Attendance(ctx context.Context, month string) ([]DayRecord, error) {
	var out []DayRecord
	err := c.doJSON(ctx, http.MethodGet, c.rolePath("/attendance/"+month), nil, &out, c.cfg.QueryTimeout)
	return out, err
}

// StartShift commits a verified shift start. Single attempt; the caller owns
// offline queuing on ErrUnavailable.
func (c *Client) StartShift(ctx context.Context, commit ShiftCommit) error {
	return c.doJSON(ctx, http.MethodPost, c.rolePath("/shift/start"), commit, nil, c.cfg.CommitTimeout)
}

// EndShift commits a verified shift end. Single attempt, like StartShift.
func (c *Client) EndShift(ctx context.Context, commit ShiftCommit) error {
	return c.doJSON(ctx, http.MethodPost, c.rolePath("/shift/end"), commit, nil, c.cfg.CommitTimeout)
}

// CurrentShift reports the open shift, or nil when the backend has none.
// Used by the auto-end reconciliation loop.
func (c *Client) CurrentShift(ctx context.Context) (*CurrentShift, error) {
	var out *CurrentShift
	err := c.retryQuery(ctx, func(ctx context.Context) error {
		out = nil
		return c.doJSON(ctx, http.MethodGet, c.rolePath("/shift/current"), nil, &out, c.cfg.QueryTimeout)
	})
	return out, err
}

// RegisterFace submits a completed multi-angle encoding set.
func (c *Client) RegisterFace(ctx context.Context, req RegisterFaceRequest) error {
	return c.doJSON(ctx, http.MethodPost, c.apiPath("/api/face-verification/register"), req, nil, c.cfg.CommitTimeout)
}

// VerifyFace asks the backend to match a captured encoding.
func (c *Client) VerifyFace(ctx context.Context, req VerifyFaceRequest) (VerifyFaceResponse, error) {
	var out VerifyFaceResponse
	err := c.doJSON(ctx, http.MethodPost, c.apiPath("/api/face-verification/verify"), req, &out, c.cfg.CommitTimeout)
	return out, err
}

// FaceStatus reports whether the user has a registered face profile.
func (c *Client) FaceStatus(ctx context.Context) (bool, error) {
	var out struct {
		FaceRegistered bool `json:"face_registered"`
	}
	err := c.retryQuery(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, c.apiPath("/api/face-verification/status"), nil, &out, c.cfg.QueryTimeout)
	})
	return out.FaceRegistered, err
}

// ApproveOverride validates a manager-issued one-time override code. A wrong
// or expired code comes back as a RejectionError.
func (c *Client) ApproveOverride(ctx context.Context, userID, code string) error {
	body := map[string]string{"userId": userID, "code": code}
	return c.doJSON(ctx, http.MethodPost, c.apiPath("/api/face-verification/override-approval"), body, nil, c.cfg.CommitTimeout)
}

// SyncOffline replays one queued offline verification record.
func (c *Client) SyncOffline(ctx context.Context, rec OfflineRecord) error {
	return c.doJSON(ctx, http.MethodPost, c.apiPath("/api/face-verification/sync-offline"), rec, nil, c.cfg.CommitTimeout)
}

// ArmShiftTimer registers a server-side auto-end timer.
func (c *Client) ArmShiftTimer(ctx context.Context, durationHours float64) error {
	body := map[string]any{"durationHours": durationHours}
	return c.doJSON(ctx, http.MethodPost, c.apiPath("/api/shift-timer/shift/timer"), body, nil, c.cfg.QueryTimeout)
}

// CancelShiftTimer removes the server-side auto-end timer.
func (c *Client) CancelShiftTimer(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, c.apiPath("/api/shift-timer/shift/timer"), nil, nil, c.cfg.QueryTimeout)
}

// ShiftTimer fetches the server-side timer, nil when none is armed.
func (c *Client) ShiftTimer(ctx context.Context) (*TimerState, error) {
	var out *TimerState
	err := c.retryQuery(ctx, func(ctx context.Context) error {
		out = nil
		return c.doJSON(ctx, http.MethodGet, c.apiPath("/api/shift-timer/shift/timer"), nil, &out, c.cfg.QueryTimeout)
	})
	return out, err
}

// retryQuery applies bounded exponential backoff to idempotent reads.
func (c *Client) retryQuery(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) doJSON(ctx context.Context, method, url string, in, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		if len(bytes.TrimSpace(payload)) == 0 || string(bytes.TrimSpace(payload)) == "null" {
			return nil
		}
		return json.Unmarshal(payload, out)
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return &RejectionError{Status: resp.StatusCode, Reason: readReason(resp.Body)}
	}
}

func readReason(r io.Reader) string {
	var payload struct {
		Error         string `json:"error"`
		Message       string `json:"message"`
		FailureReason string `json:"failureReason"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&payload); err != nil {
		return ""
	}
	for _, s := range []string{payload.FailureReason, payload.Error, payload.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}
