package bus

import (
	"time"

	"github.com/google/uuid"
)

// ShiftEvent is the payload published on the shift lifecycle subjects.
type ShiftEvent struct {
	ShiftID    uuid.UUID `json:"shift_id"`
	UserID     string    `json:"user_id"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
	Overridden bool      `json:"overridden"`
	Confidence float64   `json:"confidence"`
}

// VerificationEvent is published on SubjectVerificationCompleted once a
// verification session reaches a terminal state.
type VerificationEvent struct {
	SessionID  uuid.UUID `json:"session_id"`
	UserID     string    `json:"user_id"`
	Action     string    `json:"action"`
	State      string    `json:"state"`
	Attempts   int       `json:"attempts"`
	Confidence float64   `json:"confidence"`
	FinishedAt time.Time `json:"finished_at"`
}
