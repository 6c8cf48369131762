package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dheeraj-coding/zed/pkg/protocol"
	"github.com/gorilla/websocket"
)

// WebConfig holds configuration for the web server.
type WebConfig struct {
	Port        int
	Host        string
	Domain      string
	CertFile    string
	KeyFile     string
	CertDir     string
	CORSOrigins []string
	RateLimit   int
	JWTSecret   string
	JWTExpiry   int
}

// WebServer exposes the server over HTTP: the websocket endpoint clients
// sync through, token login, health and metrics.
type WebServer struct {
	srv      *Server
	users    *Users
	httpSrv  *http.Server
	mux      *http.ServeMux
	handler  http.Handler
	auth     *AuthService
	rl       *rateLimiter
	upgrader websocket.Upgrader
}

// NewWebServer creates a web server bound to srv.
func NewWebServer(srv *Server, users *Users, cfg WebConfig) *WebServer {
	ws := &WebServer{
		srv:   srv,
		users: users,
		mux:   http.NewServeMux(),
		auth:  NewAuthService(users, cfg.JWTSecret, cfg.JWTExpiry),
		rl:    newRateLimiter(cfg.RateLimit),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.CORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.CORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
	ws.registerRoutes(cfg)
	return ws
}

// Auth returns the auth service.
func (ws *WebServer) Auth() *AuthService {
	return ws.auth
}

// Handler returns the fully wrapped HTTP handler.
func (ws *WebServer) Handler() http.Handler {
	return ws.handler
}

// Mount serves h under pattern, behind the same CORS and rate limiting as
// the built-in routes. Call it before Start.
func (ws *WebServer) Mount(pattern string, h http.Handler) {
	ws.mux.Handle(pattern, h)
}

// registerRoutes sets up all HTTP routes.
func (ws *WebServer) registerRoutes(cfg WebConfig) {
	// Apply global middleware: CORS -> rate limit
	handler := http.Handler(ws.mux)
	handler = rateLimitMiddleware(ws.rl, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	ws.handler = handler

	ws.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.mux.HandleFunc("GET /ws", ws.handleWebSocket)
	ws.mux.HandleFunc("POST /api/v1/auth/login", ws.handleAuthLogin)
	ws.mux.HandleFunc("POST /api/v1/auth/refresh", ws.handleAuthRefresh)
	ws.mux.Handle("GET /api/v1/state", authMiddleware(ws.auth, http.HandlerFunc(ws.handleState)))
	ws.mux.HandleFunc("GET /health", ws.handleHealth)
	ws.mux.Handle("GET /metrics", ws.srv.Metrics().Handler())
}

// Start begins listening. Uses HTTPS when TLS is configured, falls back to
// plain HTTP otherwise (development mode).
func (ws *WebServer) Start(cfg WebConfig) error {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ws.rl.cleanup(10 * time.Minute)
		}
	}()

	hasTLS := cfg.Domain != "" || (cfg.CertFile != "" && cfg.KeyFile != "") || cfg.CertDir != ""
	if hasTLS {
		result, err := SetupTLS(cfg.Domain, cfg.CertFile, cfg.KeyFile, cfg.CertDir, cfg.Host)
		if err != nil {
			log.Printf("web: TLS setup failed (%v), falling back to HTTP", err)
		} else {
			ws.httpSrv.TLSConfig = result.Config

			// Let's Encrypt needs port 80 for HTTP-01 challenges.
			if result.AutocertMgr != nil {
				go func() {
					httpSrv := &http.Server{
						Addr:              ":80",
						Handler:           result.AutocertMgr.HTTPHandler(nil),
						ReadHeaderTimeout: 10 * time.Second,
					}
					log.Printf("web: ACME HTTP challenge listener on :80")
					if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Printf("web: ACME HTTP listener error: %v", err)
					}
				}()
			}

			log.Printf("web: listening on %s (HTTPS)", ws.httpSrv.Addr)
			err = ws.httpSrv.ListenAndServeTLS("", "")
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	}

	log.Printf("web: listening on %s (HTTP)", ws.httpSrv.Addr)
	err := ws.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.httpSrv.Shutdown(ctx)
}

// --- WebSocket Handler ---

// handleWebSocket authenticates the request, upgrades it and attaches the
// connection as a session.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
		return
	}
	claims, err := ws.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	wsConn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}

	if _, err := ws.srv.Attach(r.Context(), protocol.NewWSConn(wsConn), claims.UserID, remoteAddr(r)); err != nil {
		log.Printf("web: %v", err)
	}
}

// remoteAddr prefers X-Forwarded-For or X-Real-IP when behind a proxy.
func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can be comma-separated; first entry is the real client
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return r.RemoteAddr
}

// --- Auth HTTP Handlers ---

func (ws *WebServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := ws.auth.Login(req.Name, req.Password)
	if err != nil {
		if !errors.Is(err, ErrBadCredentials) {
			log.Printf("web: login for %q: %v", req.Name, err)
		}
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (ws *WebServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
		return
	}
	newToken, err := ws.auth.RefreshToken(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]string{"token": newToken})
}

// handleState returns the caller's visible state, for clients that poll.
func (ws *WebServer) handleState(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	vs, err := ws.srv.Dir.VisibleState(r.Context(), claims.UserID)
	if err != nil {
		log.Printf("web: state for %s: %v", claims.UserID, err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, protocol.FullSync{User: claims.UserID, VisibleState: vs})
}

// --- Health Handler ---

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": ws.srv.Uptime().Seconds(),
		"sessions":       ws.srv.Sessions.Count(),
		"users":          ws.users.Count(),
		"last_seq":       ws.srv.Bus.LastSeq(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
