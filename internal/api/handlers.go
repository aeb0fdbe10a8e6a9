package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/cloud-browser/internal/audit"
	"github.com/shehryarbajwa/cloud-browser/internal/session"
	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessionMgr *session.Manager
	hub        *audit.Hub
	log        zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager, hub *audit.Hub, log zerolog.Logger) *Handler {
	return &Handler{
		sessionMgr: sessionMgr,
		hub:        hub,
		log:        log.With().Str("component", "api").Logger(),
	}
}

type sessionResponse struct {
	*models.Session
	TimeRemaining float64                `json:"timeRemainingSeconds"`
	Uptime        float64                `json:"uptimeSeconds"`
	Container     *models.ContainerStats `json:"container,omitempty"`
}

type listResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Page     int               `json:"page"`
	PerPage  int               `json:"perPage"`
	Total    int               `json:"total"`
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	s, err := h.sessionMgr.CreateSession(r.Context(), ownerFrom(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	filter, page, perPage, ok := parseListQuery(w, r)
	if !ok {
		return
	}
	sessions := h.sessionMgr.ListSessionsForOwner(ownerFrom(r), filter)
	writeJSON(w, http.StatusOK, paginate(sessions, page, perPage))
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}

	now := time.Now()
	resp := sessionResponse{
		Session:       s,
		TimeRemaining: s.TimeRemaining(now).Seconds(),
		Uptime:        s.Uptime(now).Seconds(),
	}
	if s.Status.Active() {
		stats, err := h.sessionMgr.ContainerStatus(r.Context(), s.ID)
		if err != nil {
			h.log.Debug().Err(err).Str("session_id", s.ID).Msg("container status unavailable")
		} else {
			resp.Container = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExtendSession handles POST /v1/sessions/{id}/extend
func (h *Handler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	req := models.ExtendSessionRequest{Hours: 1}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.sessionMgr.ExtendSession(r.Context(), s.ID, req.Hours)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// UpdateSession handles PUT /v1/sessions/{id}
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req models.UpdateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}
	res, err := h.sessionMgr.UpdateSession(r.Context(), s.ID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CleanupSessions handles POST /v1/sessions/cleanup
func (h *Handler) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.sessionMgr.CleanupOwner(r.Context(), ownerFrom(r))
	body := map[string]any{"cleanedSessions": n}
	if err != nil {
		h.log.Warn().Err(err).Str("owner_id", ownerFrom(r)).Msg("owner cleanup incomplete")
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// StopSession handles POST /v1/sessions/{id}/stop
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	stopped, err := h.sessionMgr.StopSession(r.Context(), s.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stopped)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.sessionMgr.DeleteSession(r.Context(), s.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AccessSession handles POST /v1/sessions/{id}/access
func (h *Handler) AccessSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	info, err := h.sessionMgr.AccessSession(r.Context(), s.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ReportError handles POST /v1/sessions/{id}/errors
func (h *Handler) ReportError(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "a non-empty message is required")
		return
	}
	updated, err := h.sessionMgr.ReportError(r.Context(), s.ID, req.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionMgr.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "runtime": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// owned loads the session named in the path. Sessions belonging to another
// owner are reported as missing.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	s, err := h.sessionMgr.GetSession(mux.Vars(r)["id"])
	if err == nil && s.OwnerID != ownerFrom(r) {
		err = session.ErrNotFound
	}
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	ev := h.log.Info()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	var verr *session.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, map[string]any{"error": code, "message": err.Error(), "fields": verr.Fields})
		return
	}
	writeError(w, status, code, err.Error())
}

// errorStatus maps engine errors onto HTTP status codes and error codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, session.ErrExpiredSession):
		return http.StatusGone, "session_expired"
	case errors.Is(err, session.ErrNotRunning), errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, "not_running"
	case errors.Is(err, session.ErrPortExhausted):
		return http.StatusServiceUnavailable, "port_exhausted"
	case errors.Is(err, session.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable, "runtime_unavailable"
	case errors.Is(err, session.ErrReadinessTimeout):
		return http.StatusGatewayTimeout, "readiness_timeout"
	case errors.Is(err, session.ErrImageNotFound):
		return http.StatusInternalServerError, "image_not_found"
	case errors.Is(err, session.ErrResourceLimitExceeded):
		return http.StatusInternalServerError, "resource_limit_exceeded"
	case errors.Is(err, session.ErrRemoveFailure), errors.Is(err, session.ErrStopFailure):
		return http.StatusInternalServerError, "teardown_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parseListQuery(w http.ResponseWriter, r *http.Request) (models.SessionFilter, int, int, bool) {
	q := r.URL.Query()
	filter := models.SessionFilter{
		Status:  models.SessionStatus(q.Get("status")),
		Browser: models.BrowserType(q.Get("browser_type")),
	}
	if filter.Browser != "" && !filter.Browser.Valid() {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown browser_type "+string(filter.Browser))
		return filter, 0, 0, false
	}

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "validation_error", "page must be a positive integer")
		return filter, 0, 0, false
	}
	perPage, err := intParam(q.Get("per_page"), defaultPerPage)
	if err != nil || perPage < 1 {
		writeError(w, http.StatusBadRequest, "validation_error", "per_page must be a positive integer")
		return filter, 0, 0, false
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return filter, page, perPage, true
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func paginate(all []*models.Session, page, perPage int) listResponse {
	resp := listResponse{Sessions: []*models.Session{}, Page: page, PerPage: perPage, Total: len(all)}
	start := (page - 1) * perPage
	if start >= len(all) {
		return resp
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	resp.Sessions = all[start:end]
	return resp
}

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
