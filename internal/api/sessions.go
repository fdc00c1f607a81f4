package api

import (
	"net/http"
	"strings"

	"github.com/user/ptyexpect/internal/hub"
)

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	out := []hub.SessionInfo{}
	if h.hub == nil {
		jsonResponse(w, http.StatusOK, out)
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	for _, s := range h.hub.Sessions() {
		if status != "" && !strings.EqualFold(s.Status, status) {
			continue
		}
		out = append(out, s)
	}
	jsonResponse(w, http.StatusOK, out)
}
