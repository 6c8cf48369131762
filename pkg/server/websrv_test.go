package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/protocol"
	"golang.org/x/crypto/bcrypt"
)

func testUsers(t *testing.T) *Users {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	users, err := NewUsers([]User{
		{ID: alice, Name: "Alice", PasswordHash: string(hash)},
		{ID: bob, Name: "bob", PasswordHash: string(hash)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return users
}

func newTestWeb(t *testing.T) (*WebServer, *httptest.Server) {
	t.Helper()
	srv := newTestServer(t, SessionConfig{})
	ws := NewWebServer(srv, testUsers(t), WebConfig{RateLimit: 1000, JWTSecret: "test-secret"})
	hs := httptest.NewServer(ws.Handler())
	t.Cleanup(hs.Close)
	return ws, hs
}

func login(t *testing.T, hs *httptest.Server, name, password string) (string, int) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": name, "password": password})
	resp, err := http.Post(hs.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.Token, resp.StatusCode
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestLogin(t *testing.T) {
	_, hs := newTestWeb(t)

	if _, code := login(t, hs, "alice", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d", code)
	}
	if _, code := login(t, hs, "mallory", "hunter2"); code != http.StatusUnauthorized {
		t.Errorf("unknown user: status %d", code)
	}
	token, code := login(t, hs, "ALICE", "hunter2")
	if code != http.StatusOK || token == "" {
		t.Fatalf("login: status %d token %q", code, token)
	}

	req, _ := http.NewRequest(http.MethodPost, hs.URL+"/api/v1/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("refresh: status %d", resp.StatusCode)
	}
}

func TestStateEndpoint(t *testing.T) {
	ws, hs := newTestWeb(t)
	if _, _, err := ws.srv.Dir.CreateChannel(context.Background(), alice, "zed", chandb.NoChannel); err != nil {
		t.Fatal(err)
	}

	if resp, _ := get(t, hs.URL+"/api/v1/state", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous state: status %d", resp.StatusCode)
	}
	token, _ := login(t, hs, "alice", "hunter2")
	resp, body := get(t, hs.URL+"/api/v1/state", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state: status %d", resp.StatusCode)
	}
	var fs protocol.FullSync
	if err := json.Unmarshal(body, &fs); err != nil {
		t.Fatal(err)
	}
	if fs.User != alice || len(fs.Channels) != 1 || fs.Channels[0].Name != "zed" {
		t.Errorf("state = %s", body)
	}
}

func TestWebSocketSession(t *testing.T) {
	ws, hs := newTestWeb(t)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	ctx := context.Background()

	if _, err := protocol.Dial(ctx, url, ""); err == nil {
		t.Fatal("dial without a token should fail")
	}
	if _, err := protocol.Dial(ctx, url, "not-a-jwt"); err == nil {
		t.Fatal("dial with a bad token should fail")
	}

	token, _ := login(t, hs, "bob", "hunter2")
	conn, err := protocol.Dial(ctx, url, token)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	env, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	var fs protocol.FullSync
	if env.Type != protocol.TypeFullSync || env.Decode(&fs) != nil || fs.User != bob {
		t.Fatalf("first message %+v", env)
	}

	req, _ := protocol.NewMessage(1, protocol.TypeCreateChannel, protocol.CreateChannel{Name: "bobs-place"})
	if err := conn.Send(req); err != nil {
		t.Fatal(err)
	}
	for {
		env, err := conn.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if env.Type != protocol.TypeResponse {
			continue
		}
		var resp protocol.Response
		if env.ID != 1 || env.Error != nil || env.Decode(&resp) != nil || resp.ChannelID == 0 {
			t.Fatalf("create response %+v", env)
		}
		break
	}
	if !ws.srv.Sessions.IsConnected(bob) {
		t.Error("bob has no session")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, hs := newTestWeb(t)

	resp, body := get(t, hs.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" || health["users"] != float64(2) {
		t.Errorf("health = %s", body)
	}

	resp, body = get(t, hs.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status %d", resp.StatusCode)
	}
	for _, name := range []string{"zed_sessions", "zed_last_commit_seq", "zed_goroutines"} {
		if !bytes.Contains(body, []byte(name)) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2)
	if !rl.allow("10.0.0.1") || !rl.allow("10.0.0.1") {
		t.Fatal("burst should allow two requests")
	}
	if rl.allow("10.0.0.1") {
		t.Error("third request in the same instant should be refused")
	}
	if !rl.allow("10.0.0.2") {
		t.Error("limits are per IP")
	}
	rl.cleanup(-time.Second)
	if len(rl.clients) != 0 {
		t.Errorf("cleanup left %d clients", len(rl.clients))
	}
	if got := clientIP("192.0.2.7:5555"); got != "192.0.2.7" {
		t.Errorf("clientIP = %q", got)
	}
	if got := clientIP("[2001:db8::1]:443"); got != "2001:db8::1" {
		t.Errorf("clientIP = %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := corsMiddleware([]string{"https://app.example"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/state", nil)
	req.Header.Set("Origin", "https://APP.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://APP.example" {
		t.Errorf("preflight: %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin got CORS headers")
	}
}

func TestAuthTokens(t *testing.T) {
	users := testUsers(t)
	auth := NewAuthService(users, "", 60)

	token, err := auth.Login("bob", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != bob || claims.UserName != "bob" || claims.Subject != "u2" {
		t.Errorf("claims = %+v", claims)
	}

	other := NewAuthService(users, "another-secret", 60)
	if _, err := other.ValidateToken(token); err == nil {
		t.Error("token signed with another key validated")
	}

	// Dropping the account invalidates its tokens.
	if err := users.set([]User{{ID: alice, Name: "alice"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := auth.ValidateToken(token); err == nil {
		t.Error("token for a removed user validated")
	}
}
