package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	adminPassFile    = "admin_pass.hash" // stored in data dir
	sessionCookieKey = "zed_admin"
	sessionMaxAge    = 24 * time.Hour
	minPasswordLen   = 8
)

// adminAuth manages operator authentication.
type adminAuth struct {
	mu       sync.RWMutex
	dataDir  string
	envPass  string // from ZED_ADMIN_PASS (always wins)
	sessions map[string]time.Time
}

func newAdminAuth(dataDir string) *adminAuth {
	aa := &adminAuth{
		dataDir:  dataDir,
		envPass:  os.Getenv("ZED_ADMIN_PASS"),
		sessions: make(map[string]time.Time),
	}
	if !aa.configured() {
		log.Printf("admin: no operator password set (ZED_ADMIN_PASS or %s), admin API is locked", adminPassFile)
	}
	return aa
}

func (aa *adminAuth) hashPath() string {
	if aa.dataDir == "" {
		return ""
	}
	return filepath.Join(aa.dataDir, adminPassFile)
}

// configured reports whether any operator password exists.
func (aa *adminAuth) configured() bool {
	if aa.envPass != "" {
		return true
	}
	if p := aa.hashPath(); p != "" {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// checkPassword verifies a password. The env var wins over the hash file.
func (aa *adminAuth) checkPassword(password string) bool {
	aa.mu.RLock()
	defer aa.mu.RUnlock()

	if aa.envPass != "" {
		return subtle.ConstantTimeCompare([]byte(password), []byte(aa.envPass)) == 1
	}
	if p := aa.hashPath(); p != "" {
		if hash, err := os.ReadFile(p); err == nil {
			return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
		}
	}
	return false
}

// changePassword stores a new bcrypt hash in the data directory.
func (aa *adminAuth) changePassword(newPassword string) error {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	p := aa.hashPath()
	if p == "" {
		return os.ErrNotExist
	}
	return os.WriteFile(p, hash, 0600)
}

// createSession generates a new session token.
func (aa *adminAuth) createSession() string {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	now := time.Now()
	for tok, exp := range aa.sessions {
		if now.After(exp) {
			delete(aa.sessions, tok)
		}
	}

	b := make([]byte, 32)
	rand.Read(b)
	token := hex.EncodeToString(b)
	aa.sessions[token] = now.Add(sessionMaxAge)
	return token
}

// validateSession checks if a session token is valid.
func (aa *adminAuth) validateSession(token string) bool {
	aa.mu.RLock()
	defer aa.mu.RUnlock()

	exp, ok := aa.sessions[token]
	if !ok {
		return false
	}
	return time.Now().Before(exp)
}

// invalidateSession removes a session.
func (aa *adminAuth) invalidateSession(token string) {
	aa.mu.Lock()
	defer aa.mu.Unlock()
	delete(aa.sessions, token)
}

// sessionToken returns the token from the cookie or the Authorization
// header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieKey); err == nil {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// authMiddleware requires an operator session for everything outside
// /api/auth/.
func (a *Admin) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/auth/") {
			next.ServeHTTP(w, r)
			return
		}
		if tok := sessionToken(r); tok != "" && a.auth.validateSession(tok) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

// handleAuthLogin handles POST /api/auth/login
func (a *Admin) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if !a.auth.checkPassword(req.Password) {
		log.Printf("admin: failed login attempt from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token := a.auth.createSession()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieKey,
		Value:    token,
		Path:     "/admin/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionMaxAge.Seconds()),
	})
	log.Printf("admin: successful login from %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "token": token})
}

// handleAuthLogout handles POST /api/auth/logout
func (a *Admin) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if tok := sessionToken(r); tok != "" {
		a.auth.invalidateSession(tok)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieKey,
		Value:    "",
		Path:     "/admin/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleAuthChangePassword handles POST /api/auth/change-password
func (a *Admin) handleAuthChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current"`
		New     string `json:"new"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if !a.auth.checkPassword(req.Current) {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}
	if len(req.New) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "new password is too short")
		return
	}
	if a.auth.envPass != "" {
		writeError(w, http.StatusConflict, "password is set by ZED_ADMIN_PASS")
		return
	}
	if err := a.auth.changePassword(req.New); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save password: "+err.Error())
		return
	}
	log.Printf("admin: password changed from %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

// handleAuthStatus handles GET /api/auth/status
func (a *Admin) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	tok := sessionToken(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": tok != "" && a.auth.validateSession(tok),
		"configured":    a.auth.configured(),
	})
}
