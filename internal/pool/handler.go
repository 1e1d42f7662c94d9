package pool

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the pool over the admin API.
type Handler struct {
	sched   *Scheduler
	monitor *Monitor
}

// NewHandler creates a new pool handler.
func NewHandler(sched *Scheduler, monitor *Monitor) *Handler {
	return &Handler{sched: sched, monitor: monitor}
}

// Routes returns a chi.Router with all pool routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.HandleSnapshot)
	r.Post("/sweep", h.HandleSweep)
	r.Put("/callers/{key}/active", h.HandleSetActive)
	return r
}

type slotView struct {
	Key          string    `json:"key"`
	Kind         string    `json:"kind"`
	AgentID      string    `json:"agent_id"`
	Active       bool      `json:"active"`
	LastActivity time.Time `json:"last_activity"`
	IdleSeconds  int64     `json:"idle_seconds"`
}

type snapshotResponse struct {
	Counts Counts     `json:"counts"`
	Slots  []slotView `json:"slots"`
}

// HandleSnapshot handles GET /api/pool.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	now := h.sched.now()
	slots := h.sched.reg.Snapshot()
	resp := snapshotResponse{
		Counts: h.sched.reg.Counts(),
		Slots:  make([]slotView, len(slots)),
	}
	for i, s := range slots {
		resp.Slots[i] = slotView{
			Key:          s.Key,
			Kind:         s.Kind().String(),
			AgentID:      s.Agent.ID(),
			Active:       s.Active,
			LastActivity: s.LastActivity,
			IdleSeconds:  int64(now.Sub(s.LastActivity).Seconds()),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSweep handles POST /api/pool/sweep. The sweep runs on the request
// goroutine; its agent calls go through the bridge like scheduled sweeps.
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if err := r.Context().Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.Sweep(r.Context(), h.sched.now()))
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

// HandleSetActive handles PUT /api/pool/callers/{key}/active.
func (h *Handler) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "body must be {\"active\": bool}")
		return
	}
	if err := h.sched.SetActive(chi.URLParam(r, "key"), *req.Active); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotAssigned):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "caller has no agent")
	case errors.Is(err, ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	default:
		slog.Error("pool handler error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
