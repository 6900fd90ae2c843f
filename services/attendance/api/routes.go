package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shiftd/pkg/backend"
	"shiftd/pkg/db"
	"shiftd/services/attendance/internal/device"
	"shiftd/services/attendance/internal/orchestrator"
	"shiftd/services/attendance/internal/shift"
)

// Routes constructs the chi router containing all device-facing endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.cfg.RequestTimeout))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/shift/start", a.handleShiftStart)
		r.Post("/shift/end", a.handleShiftEnd)
		r.Get("/shift/status", a.handleShiftStatus)
		r.Post("/verification/cancel", a.handleVerificationCancel)
		r.Post("/verification/override", a.handleVerificationOverride)
		r.Post("/face/register", a.handleFaceRegister)
		r.Get("/attendance/{month}", a.handleAttendance)
		r.Post("/events/resume", a.handleResume)
	})

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	return r
}

type shiftActionRequest struct {
	UserID             string `json:"userId"`
	OverridePermission bool   `json:"overridePermission"`
	Attempt            int    `json:"attempt"`
}

func (a *API) handleShiftStart(w http.ResponseWriter, r *http.Request) {
	var req shiftActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}

	result, err := a.lifecycle.Start(r.Context(), req.UserID, orchestrator.RunOptions{
		OverridePermission: req.OverridePermission,
		Attempt:            req.Attempt,
	})
	if err != nil {
		respondError(w, statusOf(err), err)
		return
	}

	a.observe("start", result)
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleShiftEnd(w http.ResponseWriter, r *http.Request) {
	var req shiftActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}

	result, err := a.lifecycle.End(r.Context(), req.UserID, orchestrator.RunOptions{
		OverridePermission: req.OverridePermission,
		Attempt:            req.Attempt,
	})
	if err != nil {
		respondError(w, statusOf(err), err)
		return
	}

	a.observe("end", result)
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleShiftStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		respondError(w, http.StatusBadRequest, errors.New("user query parameter is required"))
		return
	}

	report, err := a.lifecycle.Status(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type userRequest struct {
	UserID string `json:"userId"`
}

func (a *API) handleVerificationCancel(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}

	if err := a.lifecycle.CancelVerification(req.UserID); err != nil {
		respondError(w, statusOf(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type overrideRequest struct {
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

func (a *API) handleVerificationOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.Code == "" {
		respondError(w, http.StatusBadRequest, errors.New("userId and code are required"))
		return
	}

	result, err := a.lifecycle.CompleteOverride(r.Context(), req.UserID, req.Code)
	if err != nil {
		respondError(w, statusOf(err), err)
		return
	}

	a.observe("override", result)
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleAttendance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		respondError(w, http.StatusBadRequest, errors.New("user query parameter is required"))
		return
	}
	month := chi.URLParam(r, "month")

	// Without a local mirror, the server's own records stand in; when the
	// server is unreachable too there is simply nothing to show.
	if a.pool == nil {
		records, err := a.server.Attendance(r.Context(), month)
		if err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				respondJSON(w, http.StatusOK, []shift.DaySummary{})
				return
			}
			respondError(w, statusOf(err), err)
			return
		}
		summaries := make([]shift.DaySummary, 0, len(records))
		for _, rec := range records {
			summaries = append(summaries, shift.DaySummary{
				Date:   rec.Date,
				Shifts: len(rec.Shifts),
				Hours:  rec.Hours,
			})
		}
		respondJSON(w, http.StatusOK, summaries)
		return
	}

	summaries, err := shift.MonthlySummary(r.Context(), a.pool, userID, month)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}

	if err := a.lifecycle.Resume(r.Context(), req.UserID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "reconciling"})
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.pool != nil {
		if err := db.Ping(r.Context(), a.pool); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// observe counts results the ops dashboards watch.
func (a *API) observe(action string, result shift.Result) {
	if a.metrics == nil {
		return
	}
	a.metrics.VerificationOutcomes.WithLabelValues(action, result.Status).Inc()
	if result.Status == shift.StatusCooldown {
		a.metrics.CooldownRejections.WithLabelValues("cooldown").Inc()
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, shift.ErrNotIdle),
		errors.Is(err, shift.ErrNotActive),
		errors.Is(err, orchestrator.ErrSessionActive),
		errors.Is(err, orchestrator.ErrNotOverridable),
		errors.Is(err, device.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoSession):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
