package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/snehjoshi/tickq/internal/app"
	"github.com/snehjoshi/tickq/internal/scheduler"
)

// Version is reported by /health.
var Version = "dev"

// Handler groups all HTTP request handlers around an App.
type Handler struct {
	app *app.App
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	Device   string `json:"device"`
	BootID   string `json:"boot_id,omitempty"`
	Bases    int    `json:"bases"`
	Jobs     int    `json:"jobs"`
	Dropped  uint64 `json:"dropped"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

type jobsResp struct {
	Jobs []app.JobInfo `json:"jobs"`
}

type periodReq struct {
	Period uint32 `json:"period"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	snap := h.app.Snapshot()
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Device:   snap.Device,
		BootID:   snap.BootID,
		Bases:    len(snap.Bases),
		Jobs:     len(snap.Jobs),
		Dropped:  snap.Events.Dropped,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
	})
}

// ─── State ────────────────────────────────────────────────────────────────────

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Snapshot())
}

func (h *Handler) timebases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Bases())
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Events())
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobsResp{Jobs: h.app.Snapshot().Jobs})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.app.Job(r.PathValue("name"))
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) setPeriod(w http.ResponseWriter, r *http.Request) {
	var req periodReq
	if !decodeJSON(w, r, &req) {
		return
	}
	name := r.PathValue("name")
	if err := h.app.SetPeriod(name, req.Period); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	h.respondJob(w, name)
}

func (h *Handler) stopJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.app.StopJob(name); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	h.respondJob(w, name)
}

func (h *Handler) startJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.app.StartJob(name); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	h.respondJob(w, name)
}

func (h *Handler) respondJob(w http.ResponseWriter, name string) {
	j, err := h.app.Job(name)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// errStatus maps App and scheduler errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, app.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNotPeriodic),
		errors.Is(err, scheduler.ErrAlreadyArmed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
