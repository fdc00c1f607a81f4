package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/ptyexpect/internal/db"
	"github.com/user/ptyexpect/internal/hub"
)

// LaunchRequest asks the server to start a session from a named profile
// and send it the given commands.
type LaunchRequest struct {
	Profile  string   `json:"profile"`
	Commands []string `json:"commands"`
}

// Launcher starts sessions in the background and returns their session id.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (string, error)
}

type handler struct {
	runRepo    *db.RunRepo
	stepRepo   *db.StepRepo
	hub        *hub.Hub
	launcher   Launcher
	profileDir string
}

// NewRouter serves the transcript database, the live session list and the
// profile catalogue. hubInst and launcher may be nil.
func NewRouter(conn *sql.DB, hubInst *hub.Hub, launcher Launcher, profileDir string, token string) http.Handler {
	handler := &handler{
		runRepo:    db.NewRunRepo(conn),
		stepRepo:   db.NewStepRepo(conn),
		hub:        hubInst,
		launcher:   launcher,
		profileDir: profileDir,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", handler.listRuns)
	mux.HandleFunc("POST /api/runs", handler.launchRun)
	mux.HandleFunc("GET /api/runs/{id}", handler.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", handler.deleteRun)

	mux.HandleFunc("GET /api/sessions", handler.listSessions)

	mux.HandleFunc("GET /api/profiles", handler.listProfiles)
	mux.HandleFunc("GET /api/profiles/{name}", handler.getProfile)

	wrapped := authMiddleware(token)(jsonMiddleware(corsMiddleware(mux)))
	return wrapped
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
