// Package api exposes the sync core to local UI clients over HTTP: REST
// endpoints for job and terminal operations plus WebSocket push for the
// derived job projection and terminal byte streams.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pairlink/hostsync/internal/domain"
	"github.com/pairlink/hostsync/internal/service"
	"github.com/pairlink/hostsync/internal/store"
	"github.com/pairlink/hostsync/internal/terminal"
	"github.com/pairlink/hostsync/internal/transport"
	apiTypes "github.com/pairlink/hostsync/pkg/api"
)

// Handler routes local bridge requests to the sync core.
type Handler struct {
	core   *service.Core
	logger *slog.Logger
}

func NewHandler(core *service.Core, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{core: core, logger: logger}
}

// Mount registers all bridge routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/v1/jobs", h.listJobs)
	r.Get("/api/v1/jobs/{id}", h.getJob)
	r.Post("/api/v1/jobs/{id}/cancel", h.cancelJob)
	r.Delete("/api/v1/jobs/{id}", h.deleteJob)
	r.Post("/api/v1/sync", h.reconcile)
	r.Get("/api/v1/state", h.getState)
	r.Put("/api/v1/session/active", h.setActiveSession)
	r.Get("/api/realtime", h.realtimeWebSocket)
	r.Get("/api/v1/terminals", h.listTerminals)
	r.Post("/api/v1/terminals", h.startTerminal)
	r.Post("/api/v1/terminals/{id}/resize", h.resizeTerminal)
	r.Post("/api/v1/terminals/{id}/kill", h.killTerminal)
	r.Get("/api/v1/terminals/{id}/ws", h.terminalWebSocket)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter", err.Error())
		return
	}
	opts := service.FetchOptions{
		BypassCache: strings.EqualFold(r.URL.Query().Get("refresh"), "true"),
	}

	jobs, err := h.core.ListJobs(r.Context(), filter, opts)
	if err != nil {
		writeTransportError(w, err)
		return
	}

	views := make([]apiTypes.Job, len(jobs))
	for i, job := range jobs {
		views[i] = jobToView(job)
	}
	writeJSON(w, http.StatusOK, apiTypes.JobListResponse{Jobs: views})
}

func filterFromQuery(r *http.Request) (service.ListFilter, error) {
	q := r.URL.Query()
	filter := service.ListFilter{
		SessionID: q.Get("session_id"),
		ProjectID: q.Get("project_id"),
	}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, domain.JobStatus(s))
	}
	for _, t := range q["task_type"] {
		filter.TaskTypes = append(filter.TaskTypes, domain.TaskType(t))
	}
	if page := q.Get("page"); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil || n < 0 {
			return service.ListFilter{}, errors.New("page must be a non-negative integer")
		}
		filter.Page = n
	}
	if size := q.Get("page_size"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n < 0 {
			return service.ListFilter{}, errors.New("page_size must be a non-negative integer")
		}
		filter.PageSize = n
	}
	return filter, nil
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.core.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	writeJSON(w, http.StatusOK, jobToView(job))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.core.CancelJob(r.Context(), id); err != nil {
		writeTransportError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.core.DeleteJob(r.Context(), id); err != nil {
		writeTransportError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.ReconcileRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	reason := service.ReasonManual
	switch req.Reason {
	case "foreground":
		reason = service.ReasonForeground
	case "periodic":
		reason = service.ReasonPeriodic
	case "initial":
		reason = service.ReasonInitial
	}

	if err := h.core.Reconcile(r.Context(), reason); err != nil {
		writeTransportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateToView(h.core.DerivedState().Get()))
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateToView(h.core.DerivedState().Get()))
}

func (h *Handler) setActiveSession(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.ActiveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	h.core.SetActiveSession(req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTerminals(w http.ResponseWriter, r *http.Request) {
	sessions := h.core.Terminals().Sessions()
	views := make([]apiTypes.TerminalResponse, len(sessions))
	for i, s := range sessions {
		views[i] = terminalToView(s)
	}
	writeJSON(w, http.StatusOK, apiTypes.TerminalListResponse{Terminals: views})
}

func (h *Handler) startTerminal(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.StartTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	session, err := h.core.Terminals().StartSession(r.Context(), terminal.StartOptions{
		WorkingDirectory: req.WorkingDirectory,
		Shell:            req.Shell,
		JobID:            req.JobID,
	})
	if err != nil {
		writeTransportError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, terminalToView(session))
}

func (h *Handler) resizeTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req apiTypes.ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive", "")
		return
	}
	if err := h.core.Terminals().Resize(r.Context(), id, req.Cols, req.Rows); err != nil {
		writeTransportError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) killTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.core.Terminals().Kill(r.Context(), id); err != nil {
		writeTransportError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func jobToView(j domain.Job) apiTypes.Job {
	return apiTypes.Job{
		ID:          j.ID,
		SessionID:   j.SessionID,
		TaskType:    string(j.TaskType),
		Status:      string(j.Status),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		Response:    j.Response,
		Metadata:    j.Metadata,
		CostUSD:     j.CostUSD,
		TokensIn:    j.TokensIn,
		TokensOut:   j.TokensOut,
		IsFinalized: j.IsFinalized,
	}
}

func stateToView(s store.DerivedState) apiTypes.StateSnapshot {
	jobs := make([]apiTypes.Job, len(s.Jobs))
	for i, j := range s.Jobs {
		jobs[i] = jobToView(j)
	}
	return apiTypes.StateSnapshot{
		Jobs:                    jobs,
		ActiveJobsCount:         s.ActiveJobsCount,
		BadgeCount:              s.BadgeCount,
		UmbrellaActiveBySession: s.UmbrellaActiveBySession,
		HasLoadedOnce:           s.HasLoadedOnce,
		LastError:               s.LastError,
	}
}

func terminalToView(s domain.TerminalSession) apiTypes.TerminalResponse {
	return apiTypes.TerminalResponse{
		ID:               s.ID,
		JobID:            s.JobID,
		DeviceID:         s.DeviceID,
		WorkingDirectory: s.WorkingDirectory,
		Shell:            s.Shell,
		IsActive:         s.IsActive,
	}
}

// writeTransportError maps sync-core failures to HTTP responses.
func writeTransportError(w http.ResponseWriter, err error) {
	var serverErr *transport.ServerError
	switch {
	case errors.Is(err, terminal.ErrSessionRequired):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, transport.ErrNoActiveDevice):
		writeError(w, http.StatusServiceUnavailable, "no active device", "")
	case errors.Is(err, transport.ErrCallTimeout):
		writeError(w, http.StatusGatewayTimeout, "device call timed out", "")
	case errors.As(err, &serverErr):
		writeError(w, http.StatusBadGateway, serverErr.Message, serverErr.Code)
	default:
		writeError(w, http.StatusBadGateway, err.Error(), "")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := apiTypes.ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}
