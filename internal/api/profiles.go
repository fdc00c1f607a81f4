package api

import (
	"net/http"
	"time"

	"github.com/user/ptyexpect/internal/config"
)

type profileView struct {
	Name          string              `json:"name"`
	Cmd           []string            `json:"cmd"`
	Prompt        []config.PromptSpec `json:"prompt"`
	DisconnectCmd string              `json:"disconnect_cmd"`
	Timeout       string              `json:"timeout,omitempty"`
	RawPty        bool                `json:"raw_pty,omitempty"`
	Dir           string              `json:"dir,omitempty"`
	Cols          uint16              `json:"cols,omitempty"`
	Rows          uint16              `json:"rows,omitempty"`
	Source        string              `json:"source"`
}

func newProfileView(p *config.Profile) profileView {
	view := profileView{
		Name:          p.Name,
		Cmd:           p.Cmd,
		Prompt:        p.Prompt,
		DisconnectCmd: p.DisconnectCmd,
		RawPty:        p.RawPty,
		Dir:           p.Dir,
		Cols:          p.Cols,
		Rows:          p.Rows,
		Source:        p.Source,
	}
	if p.Timeout != 0 {
		view.Timeout = time.Duration(p.Timeout).String()
	}
	return view
}

func (h *handler) loadProfiles() (map[string]*config.Profile, error) {
	return config.LoadProfiles(h.profileDir)
}

func (h *handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.loadProfiles()
	if err != nil {
		internalError(w, r, err)
		return
	}
	out := make([]profileView, 0, len(profiles))
	for _, name := range config.ProfileNames(profiles) {
		out = append(out, newProfileView(profiles[name]))
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) getProfile(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.loadProfiles()
	if err != nil {
		internalError(w, r, err)
		return
	}
	p, ok := profiles[r.PathValue("name")]
	if !ok {
		jsonError(w, http.StatusNotFound, "profile not found")
		return
	}
	jsonResponse(w, http.StatusOK, newProfileView(p))
}
