package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/cycle"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/monitoring"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/registry"
)

// Handlers bundles the dependencies the endpoints need.
type Handlers struct {
	store     *registry.Store
	runner    *cycle.Runner
	collector *monitoring.Collector
	monitor   *monitoring.GateMonitor
}

// Register attaches all routes.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/baseline", h.handleBaseline)
	mux.HandleFunc("GET /api/baseline/history", h.handleHistory)
	mux.HandleFunc("POST /api/cycles", h.handleOpenCycle)
	mux.HandleFunc("GET /api/cycles/{id}", h.handleGetCycle)
	mux.HandleFunc("POST /api/cycles/{id}/attempts", h.handleAddAttempt)
	mux.HandleFunc("POST /api/cycles/{id}/evaluate", h.handleEvaluate)
	mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	if h.monitor != nil {
		mux.HandleFunc("GET /api/ws/gate", h.monitor.Hub().HandleWebSocket)
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleBaseline(w http.ResponseWriter, r *http.Request) {
	baseline, err := h.store.CurrentBaseline(r.Context())
	if errors.Is(err, registry.ErrNoBaseline) {
		writeError(w, http.StatusNotFound, "no production baseline")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, baseline)
}

func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	history, err := h.store.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (h *Handlers) handleOpenCycle(w http.ResponseWriter, r *http.Request) {
	id, err := h.runner.Open(r.Context())
	if errors.Is(err, cycle.ErrCycleInFlight) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"cycle_id": id, "state": cycle.StatePending})
}

func (h *Handlers) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}

	c, err := h.store.GetCycle(r.Context(), id)
	if errors.Is(err, registry.ErrCycleNotFound) {
		writeError(w, http.StatusNotFound, "cycle not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	attempts, err := h.store.Attempts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cycle": c, "attempts": attempts})
}

func (h *Handlers) handleAddAttempt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	if !h.checkCurrentCycle(w, id) {
		return
	}

	var attempt gate.Attempt
	if err := json.NewDecoder(r.Body).Decode(&attempt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid attempt payload: "+err.Error())
		return
	}

	err := h.runner.AddAttempt(r.Context(), attempt)
	var inputErr *gate.InvalidInputError
	switch {
	case errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cycle.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"attempt_id": attempt.ID})
	}
}

func (h *Handlers) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	if !h.checkCurrentCycle(w, id) {
		return
	}

	outcome, err := h.runner.Evaluate(r.Context())
	var inputErr *gate.InvalidInputError
	switch {
	case errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, cycle.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(h.collector.ExportPrometheus()))
}

// cycleID parses the {id} path segment.
func (h *Handlers) cycleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cycle id")
		return 0, false
	}
	return id, true
}

// checkCurrentCycle rejects writes addressed to a cycle the runner isn't
// holding; closed cycles are read-only through GET.
func (h *Handlers) checkCurrentCycle(w http.ResponseWriter, id int64) bool {
	current, err := h.runner.CycleID()
	if errors.Is(err, cycle.ErrNoCycle) || current != id {
		writeError(w, http.StatusConflict, "cycle is not open")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
