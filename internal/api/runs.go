package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/user/ptyexpect/internal/db"
	"github.com/user/ptyexpect/internal/parser"
	"github.com/user/ptyexpect/internal/policy"
)

type runDetail struct {
	*db.Run
	Steps []*db.Step `json:"steps"`
}

type launchResponse struct {
	SessionID string `json:"session_id"`
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := db.RunFilter{
		SessionID: strings.TrimSpace(query.Get("session_id")),
		Status:    strings.TrimSpace(query.Get("status")),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	runs, err := h.runRepo.List(r.Context(), filter)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*db.Run{}
	}
	jsonResponse(w, http.StatusOK, runs)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runRepo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		internalError(w, r, err)
		return
	}
	if run == nil {
		jsonError(w, http.StatusNotFound, "run not found")
		return
	}
	steps, err := h.stepRepo.ListByRun(r.Context(), run.ID)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*db.Step{}
	}
	if strip, _ := strconv.ParseBool(r.URL.Query().Get("strip_ansi")); strip {
		for _, s := range steps {
			s.BeforeText = parser.StripANSI(s.BeforeText)
			s.AfterText = parser.StripANSI(s.AfterText)
		}
	}
	jsonResponse(w, http.StatusOK, runDetail{Run: run, Steps: steps})
}

func (h *handler) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.runRepo.Get(r.Context(), id)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if run == nil {
		jsonError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.Status == db.RunStatusRunning {
		jsonError(w, http.StatusConflict, "run is still in progress")
		return
	}
	if err := h.runRepo.Delete(r.Context(), id); err != nil {
		internalError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) launchRun(w http.ResponseWriter, r *http.Request) {
	if h.launcher == nil {
		jsonError(w, http.StatusNotImplemented, "launching runs is disabled")
		return
	}
	var req LaunchRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Profile = strings.TrimSpace(req.Profile)
	if req.Profile == "" {
		jsonError(w, http.StatusBadRequest, "profile is required")
		return
	}
	profiles, err := h.loadProfiles()
	if err != nil {
		internalError(w, r, err)
		return
	}
	if _, ok := profiles[req.Profile]; !ok {
		jsonError(w, http.StatusNotFound, "profile not found")
		return
	}

	sessionID, err := h.launcher.Launch(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if policy.IsViolation(err) {
			status = http.StatusForbidden
		}
		jsonError(w, status, err.Error())
		return
	}
	jsonResponse(w, http.StatusAccepted, launchResponse{SessionID: sessionID})
}
