// Package admin provides the operator API for a zed server: server status,
// directory integrity reports and archive management. It is mounted under
// /admin by the web server and uses its own password, separate from the
// user accounts that sync channels.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// Controller is the interface the admin API uses to reach the running
// server. This avoids a direct import cycle with the server package.
type Controller interface {
	// Status returns server statistics for the dashboard.
	Status() map[string]any
	// Snapshot returns the full directory state.
	Snapshot(ctx context.Context) (chandb.Snapshot, error)
	// Archive writes an archive now and returns its path.
	Archive(ctx context.Context) (string, error)
	// ArchiveDir is where archives are written.
	ArchiveDir() string
}

// Admin is the admin API HTTP handler.
type Admin struct {
	ctrl Controller
	auth *adminAuth
}

// New creates an Admin handler. The operator password comes from
// ZED_ADMIN_PASS or a hash file in dataDir; with neither, every login fails.
func New(ctrl Controller, dataDir string) *Admin {
	return &Admin{
		ctrl: ctrl,
		auth: newAdminAuth(dataDir),
	}
}

// Handler returns an http.Handler that serves the admin API at the given
// prefix. The prefix should be "/admin" (without trailing slash).
func (a *Admin) Handler(prefix string) http.Handler {
	mux := http.NewServeMux()

	// Auth routes (exempt from the auth middleware)
	mux.HandleFunc("POST /api/auth/login", a.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/logout", a.handleAuthLogout)
	mux.HandleFunc("POST /api/auth/change-password", a.handleAuthChangePassword)
	mux.HandleFunc("GET /api/auth/status", a.handleAuthStatus)

	mux.HandleFunc("GET /api/server/status", a.handleServerStatus)
	mux.HandleFunc("GET /api/integrity", a.handleIntegrity)
	mux.HandleFunc("GET /api/archives", a.handleListArchives)
	mux.HandleFunc("POST /api/archives", a.handleCreateArchive)
	mux.HandleFunc("GET /api/archives/{name}/verify", a.handleVerifyArchive)

	return http.StripPrefix(prefix, a.authMiddleware(mux))
}

// readJSON decodes a JSON request body.
func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
