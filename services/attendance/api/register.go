package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"shiftd/pkg/backend"
	"shiftd/services/attendance/internal/face"
)

type registerRequest struct {
	UserID       string `json:"userId"`
	ConsentGiven bool   `json:"consentGiven"`
}

type registerResponse struct {
	UserID       string  `json:"userId"`
	EncodingRef  string  `json:"encodingRef"`
	QualityScore float64 `json:"qualityScore"`
	Angles       int     `json:"angles"`
}

// handleFaceRegister walks the multi-angle capture flow, stores the encrypted
// set, and reports the registration to the backend. Consent is checked before
// the camera is touched.
func (a *API) handleFaceRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	if !req.ConsentGiven {
		respondError(w, http.StatusForbidden, errors.New("biometric consent is required before registration"))
		return
	}
	if a.vault == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("encoding vault is not configured"))
		return
	}

	cam, release, err := a.guard.Acquire()
	if err != nil {
		respondError(w, statusOf(err), err)
		return
	}
	defer release()

	machine, err := face.NewMachine(cam, a.matcher, a.logger, a.cfg.Face)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	set, err := machine.Register(r.Context(), req.UserID)
	if err != nil {
		var ferr *face.Error
		if errors.As(err, &ferr) {
			respondError(w, http.StatusUnprocessableEntity, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	ref, err := a.vault.StoreEncodingSet(r.Context(), set)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	encodings := make([][]float64, 0, len(set.Angles))
	for _, angle := range set.Angles {
		encodings = append(encodings, angle.Encoding)
	}
	raw, err := json.Marshal(encodings)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := a.server.RegisterFace(r.Context(), backend.RegisterFaceRequest{
		FaceEncoding: string(raw),
		ConsentGiven: true,
		QualityScore: set.QualityScore,
	}); err != nil {
		a.logger.Printf("WARN face registration stored locally but backend sync failed user=%s: %v", req.UserID, err)
	}

	profile := face.Profile{
		UserID:       req.UserID,
		EncodingRef:  ref,
		QualityScore: set.QualityScore,
		Angles:       len(set.Angles),
		RegisteredAt: set.CollectedAt,
	}
	if err := a.profiles.SaveProfile(r.Context(), profile); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.logger.Printf("INFO face registered user=%s angles=%d quality=%.2f", req.UserID, profile.Angles, profile.QualityScore)
	respondJSON(w, http.StatusCreated, registerResponse{
		UserID:       req.UserID,
		EncodingRef:  ref,
		QualityScore: set.QualityScore,
		Angles:       profile.Angles,
	})
}
