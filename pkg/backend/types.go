package backend

import "time"

// ShiftCommit is the payload for shift start/end commits. Location and face
// evidence are optional; the server accepts a commit with either factor
// missing only when the matching override was recorded.
type ShiftCommit struct {
	StartTime             *time.Time        `json:"startTime,omitempty"`
	EndTime               *time.Time        `json:"endTime,omitempty"`
	Location              *LocationEvidence `json:"location,omitempty"`
	FaceVerification      *FaceEvidence     `json:"faceVerification,omitempty"`
	VerificationTimestamp time.Time         `json:"verificationTimestamp"`
}

// LocationEvidence mirrors the location result attached to a commit.
type LocationEvidence struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Accuracy     float64 `json:"accuracy"`
	IsInGeofence bool    `json:"isInGeofence"`
	GeofenceID   string  `json:"geofenceId,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// FaceEvidence mirrors the face result attached to a commit.
type FaceEvidence struct {
	Confidence       float64   `json:"confidence"`
	LivenessDetected bool      `json:"livenessDetected"`
	EncodingRef      string    `json:"encodingRef,omitempty"`
	Overridden       bool      `json:"overridden"`
	Timestamp        time.Time `json:"timestamp"`
}

// DayRecord is one day in the monthly attendance listing.
type DayRecord struct {
	Date     string       `json:"date"`
	Shifts   []ShiftEntry `json:"shifts"`
	Hours    float64      `json:"hours"`
	Distance float64      `json:"distance"`
	Expenses float64      `json:"expenses"`
}

// ShiftEntry is a single start/end pair within a day record.
type ShiftEntry struct {
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Hours     float64    `json:"hours"`
}

// CurrentShift is the backend's view of the open shift.
type CurrentShift struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"startTime"`
}

// RegisterFaceRequest submits a completed multi-angle encoding set.
type RegisterFaceRequest struct {
	FaceEncoding string  `json:"faceEncoding"` // JSON array string
	ConsentGiven bool    `json:"consentGiven"`
	QualityScore float64 `json:"qualityScore"`
}

// VerifyFaceRequest asks the backend to match a captured encoding.
type VerifyFaceRequest struct {
	FaceEncoding string `json:"faceEncoding"`
	EncodingRef  string `json:"encodingRef,omitempty"`
}

// VerifyFaceResponse carries the match verdict. FailureReason, when present,
// is the authoritative discriminator between a wrong-identity match and a
// generic verification failure.
type VerifyFaceResponse struct {
	Success       bool    `json:"success"`
	Confidence    float64 `json:"confidence"`
	FailureReason string  `json:"failureReason,omitempty"`
}

// OfflineRecord is the replay payload for the sync-offline endpoint.
type OfflineRecord struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	Location  *LocationEvidence `json:"location,omitempty"`
	Face      *FaceEvidence     `json:"faceVerification,omitempty"`
	UserID    string            `json:"userId"`
	Signature string            `json:"signature,omitempty"`
}

// TimerState is the server-side auto-end timer.
type TimerState struct {
	DurationHours float64   `json:"durationHours"`
	ArmedAt       time.Time `json:"armedAt"`
}
