package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/septivank/meter-rule-engine/internal/engine"
	"github.com/septivank/meter-rule-engine/internal/rules"
	"github.com/septivank/meter-rule-engine/internal/service"
	"go.uber.org/zap"
)

// Handler serves the meter catalogue and reading endpoints
type Handler struct {
	meters *service.MeterService
	engine *engine.Engine
	logger *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(meters *service.MeterService, eng *engine.Engine, logger *zap.Logger) *Handler {
	return &Handler{meters: meters, engine: eng, logger: logger}
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type readingResponse struct {
	engine.EvaluationResult
	Warnings []string `json:"warnings,omitempty"`
}

// recordRequest mirrors engine.RecordRequest with a pointer value so a
// missing value is rejected instead of recorded as zero
type recordRequest struct {
	AssetID       string    `json:"asset_id"`
	Value         *float64  `json:"value"`
	RecordedAt    time.Time `json:"recorded_at"`
	RecordedBy    string    `json:"recorded_by"`
	Notes         string    `json:"notes"`
	UnitOfMeasure string    `json:"unit_of_measure"`
}

type groupRequest struct {
	GroupID string `json:"group_id"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listMeters(w http.ResponseWriter, r *http.Request) {
	meters, err := h.meters.ListMeters(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meters)
}

func (h *Handler) createMeter(w http.ResponseWriter, r *http.Request) {
	var in rules.MeterInput
	if !h.decode(w, r, &in) {
		return
	}
	m, err := h.meters.CreateMeter(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) getMeter(w http.ResponseWriter, r *http.Request) {
	m, err := h.meters.GetMeter(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) updateMeter(w http.ResponseWriter, r *http.Request) {
	var in rules.MeterInput
	if !h.decode(w, r, &in) {
		return
	}
	m, err := h.meters.UpdateMeter(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) deleteMeter(w http.ResponseWriter, r *http.Request) {
	var deleteReadings bool
	if raw := r.URL.Query().Get("delete_readings"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid delete_readings %q: must be true or false", raw)})
			return
		}
		deleteReadings = v
	}
	if err := h.meters.DeleteMeter(r.Context(), mux.Vars(r)["id"], deleteReadings); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) moveMeter(w http.ResponseWriter, r *http.Request) {
	var in groupRequest
	if !h.decode(w, r, &in) {
		return
	}
	m, err := h.meters.MoveMeter(r.Context(), mux.Vars(r)["id"], in.GroupID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) addCondition(w http.ResponseWriter, r *http.Request) {
	var in rules.ConditionInput
	if !h.decode(w, r, &in) {
		return
	}
	m, err := h.meters.AddCondition(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) updateCondition(w http.ResponseWriter, r *http.Request) {
	var in rules.ConditionInput
	if !h.decode(w, r, &in) {
		return
	}
	vars := mux.Vars(r)
	m, err := h.meters.UpdateCondition(r.Context(), vars["id"], vars["cid"], in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) removeCondition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := h.meters.RemoveCondition(r.Context(), vars["id"], vars["cid"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) resetFiring(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.engine.ResetFiring(r.Context(), vars["id"], vars["cid"], r.URL.Query().Get("asset_id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordReading(w http.ResponseWriter, r *http.Request) {
	var in recordRequest
	if !h.decode(w, r, &in) {
		return
	}
	if in.Value == nil {
		h.fail(w, fmt.Errorf("%w: value is required", engine.ErrInvalidReading))
		return
	}

	result, err := h.engine.RecordReading(r.Context(), engine.RecordRequest{
		MeterID:       mux.Vars(r)["id"],
		AssetID:       in.AssetID,
		Value:         *in.Value,
		RecordedAt:    in.RecordedAt,
		RecordedBy:    in.RecordedBy,
		Notes:         in.Notes,
		UnitOfMeasure: in.UnitOfMeasure,
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := readingResponse{EvaluationResult: result}
	for _, de := range result.DispatchErrors {
		resp.Warnings = append(resp.Warnings, de.Error())
	}

	status := http.StatusCreated
	if result.Skipped != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *Handler) listReadings(w http.ResponseWriter, r *http.Request) {
	list, err := h.meters.ListReadings(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("asset_id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []rules.Reading{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) deleteReading(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteReading(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusUnprocessableEntity {
		writeJSON(w, status, errorResponse{Error: "invalid meter configuration", Details: rules.Messages(err)})
		return
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case rules.IsConfigError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrMeterNotFound),
		errors.Is(err, engine.ErrReadingNotFound),
		errors.Is(err, engine.ErrConditionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrMeterExists),
		errors.Is(err, engine.ErrOutOfOrderReading):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnitMismatch),
		errors.Is(err, engine.ErrInvalidReading),
		errors.Is(err, service.ErrGroupRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
