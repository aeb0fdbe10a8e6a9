package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// AdminListSessions handles GET /v1/admin/sessions
func (h *Handler) AdminListSessions(w http.ResponseWriter, r *http.Request) {
	filter, page, perPage, ok := parseListQuery(w, r)
	if !ok {
		return
	}
	filter.OwnerID = r.URL.Query().Get("owner_id")
	writeJSON(w, http.StatusOK, paginate(h.sessionMgr.AdminListAllSessions(filter), page, perPage))
}

// AdminStopSession handles POST /v1/admin/sessions/{id}/stop
func (h *Handler) AdminStopSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}
	s, err := h.sessionMgr.AdminForceStop(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// AdminCleanup handles POST /v1/admin/cleanup
func (h *Handler) AdminCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessionMgr.TriggerCleanup(r.Context()))
}

// AdminSystem handles GET /v1/admin/system
func (h *Handler) AdminSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessionMgr.SystemResourceSnapshot(r.Context()))
}

// AdminPullImages handles POST /v1/admin/images/pull
func (h *Handler) AdminPullImages(w http.ResponseWriter, r *http.Request) {
	results, err := h.sessionMgr.PullImages(r.Context())
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string][]models.ImagePullResult{"images": results})
}
