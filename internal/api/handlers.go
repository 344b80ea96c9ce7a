package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/capture"
	"github.com/shehryarbajwa/browser-pilot/internal/pilot"
	"github.com/shehryarbajwa/browser-pilot/internal/session"
	"github.com/shehryarbajwa/browser-pilot/internal/task"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

const (
	// maxBodyBytes bounds request payloads
	maxBodyBytes = 1 << 20
	// maxArchiveBytes bounds uploaded recording archives
	maxArchiveBytes = 512 << 20
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	pilot  *pilot.Pilot
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(p *pilot.Pilot, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		pilot:  p,
		logger: logger.With(zap.String("component", "api")),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, models.Result{Success: false, Error: err.Error()})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, capture.ErrRecordingNotFound),
		errors.Is(err, task.ErrChainNotFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrInvalidRecordingID),
		errors.Is(err, capture.ErrInvalidArchive):
		return http.StatusBadRequest
	case errors.Is(err, pilot.ErrNotStarted),
		errors.Is(err, capture.ErrAlreadyRecording),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, capture.ErrRecordingActive),
		errors.Is(err, fs.ErrExist),
		errors.Is(err, task.ErrChainState):
		return http.StatusConflict
	case errors.Is(err, pilot.ErrQueueFull),
		errors.Is(err, session.ErrCapacity):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// StartBrowser handles POST /v1/browser/start
func (h *Handler) StartBrowser(w http.ResponseWriter, r *http.Request) {
	res := h.pilot.Start(r.Context())
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StopBrowser handles POST /v1/browser/stop
func (h *Handler) StopBrowser(w http.ResponseWriter, r *http.Request) {
	res := h.pilot.Stop(r.Context())
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BrowserStatus handles GET /v1/browser/status
func (h *Handler) BrowserStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pilot.Status())
}

// Command handles POST /v1/browser/{kind}. With ?wait=true the response carries
// the worker's result; otherwise the command is only queued.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	kind := models.CommandKind(mux.Vars(r)["kind"])
	if !kind.Valid() || kind == models.CommandComplexTask {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown command %q", kind))
		return
	}

	var params models.CommandParams
	if !decode(w, r, &params) {
		return
	}
	// a bare selector is shorthand for a selector click
	if kind == models.CommandClick && params.Target.Empty() {
		params.Target.Selector = params.Selector
	}
	cmd := models.Command{Kind: kind, Params: params}

	if queryBool(r, "wait") {
		res := h.pilot.Do(r.Context(), cmd)
		status := http.StatusOK
		if !res.Success {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, res)
		return
	}

	res := h.pilot.Submit(cmd)
	if !res.Success {
		writeJSON(w, statusForMessage(res.Error), res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// statusForMessage recovers the status for results that only carry an error string
func statusForMessage(msg string) int {
	for _, err := range []error{pilot.ErrNotStarted, pilot.ErrQueueFull} {
		if strings.HasPrefix(msg, err.Error()) {
			return statusFor(err)
		}
	}
	return http.StatusBadRequest
}

func taskData(req models.TaskRequest) map[string]any {
	data := make(map[string]any, len(req.Data)+1)
	for k, v := range req.Data {
		data[k] = v
	}
	if req.Task != "" {
		data["task"] = req.Task
	}
	return data
}

// PlanTask handles POST /v1/tasks/plan and returns the plan without running it
func (h *Handler) PlanTask(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := h.pilot.PlanTask(r.Context(), req.Kind, taskData(req))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ExecuteTask handles POST /v1/tasks
func (h *Handler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := h.pilot.PlanTask(r.Context(), req.Kind, taskData(req))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := h.pilot.RunPlan(r.Context(), plan, nil)
	h.logger.Info("task finished",
		zap.String("task_type", plan.TaskType),
		zap.Bool("success", res.Success),
		zap.Int("steps_executed", res.StepsExecuted),
		zap.Int("total_steps", res.TotalSteps))
	writeJSON(w, http.StatusOK, res)
}

// CreateChain handles POST /v1/chains
func (h *Handler) CreateChain(w http.ResponseWriter, r *http.Request) {
	var req models.CreateChainRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusCreated, h.pilot.CreateChain(req.Name))
}

// ListChains handles GET /v1/chains
func (h *Handler) ListChains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pilot.ListChains())
}

// AddChainStep handles POST /v1/chains/{id}/steps
func (h *Handler) AddChainStep(w http.ResponseWriter, r *http.Request) {
	var step models.Step
	if !decode(w, r, &step) {
		return
	}
	progress, err := h.pilot.AddChainStep(mux.Vars(r)["id"], step)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// ExecuteChain handles POST /v1/chains/{id}/execute
func (h *Handler) ExecuteChain(w http.ResponseWriter, r *http.Request) {
	res, err := h.pilot.ExecuteChain(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetChain handles GET /v1/chains/{id}
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	progress, err := h.pilot.ChainProgress(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// DeleteChain handles DELETE /v1/chains/{id}
func (h *Handler) DeleteChain(w http.ResponseWriter, r *http.Request) {
	if err := h.pilot.DeleteChain(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Screenshot handles GET /v1/screenshot?fresh=true&format=png|datauri
func (h *Handler) Screenshot(w http.ResponseWriter, r *http.Request) {
	fresh := queryBool(r, "fresh")
	frame, err := h.pilot.Screenshot(r.Context(), fresh)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if r.URL.Query().Get("format") == "datauri" {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"screenshot": capture.DataURI(frame.Image),
			"timestamp":  frame.Timestamp,
		})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Last-Modified", frame.Timestamp.UTC().Format(http.TimeFormat))
	_, _ = w.Write(frame.Image)
}

// StartRecording handles POST /v1/recordings/start
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	var req models.StartRecordingRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.pilot.StartRecording(req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// StopRecording handles POST /v1/recordings/stop
func (h *Handler) StopRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pilot.StopRecording()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListRecordings handles GET /v1/recordings
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := h.pilot.ListRecordings()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// RecordingFrames handles GET /v1/recordings/{id}/frames?from=&to=
func (h *Handler) RecordingFrames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := optionalInt(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
		return
	}
	to, err := optionalInt(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
		return
	}

	frames, err := h.pilot.RecordingFrames(mux.Vars(r)["id"], from, to)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if frames == nil {
		frames = []models.Frame{}
	}
	writeJSON(w, http.StatusOK, frames)
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// DeleteRecording handles DELETE /v1/recordings/{id}
func (h *Handler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.pilot.DeleteRecording(id); err != nil {
		// partial failures are reported, not swallowed
		h.logger.Warn("failed to delete recording", zap.String("recording", id), zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ArchiveRecording handles GET /v1/recordings/{id}/archive
func (h *Handler) ArchiveRecording(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	recs, err := h.pilot.ListRecordings()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	found := false
	for _, rec := range recs {
		if rec.ID == id {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, capture.ErrRecordingNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tar.gz"`, id))
	if err := h.pilot.ArchiveRecording(id, w); err != nil {
		// headers are gone; the truncated body is the only signal left
		h.logger.Error("failed to archive recording", zap.String("recording", id), zap.Error(err))
	}
}

// ImportRecording handles POST /v1/recordings/import with a tar.gz body
func (h *Handler) ImportRecording(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.ContentLength == 0 {
		writeError(w, http.StatusBadRequest, capture.ErrInvalidArchive)
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxArchiveBytes)
	defer body.Close()

	rec, err := h.pilot.ImportRecording(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		h.logger.Warn("failed to import recording", zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pilot.Sessions())
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.pilot.CloseSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": h.pilot.Running(),
		"time":    time.Now().UTC(),
	})
}
