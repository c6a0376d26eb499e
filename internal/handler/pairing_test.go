package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/milkyhoop/internal/middleware"
	"github.com/milkyhoop/internal/model"
	"github.com/milkyhoop/internal/pairing"
	"github.com/milkyhoop/internal/repository"
	"github.com/milkyhoop/internal/service"
	"github.com/milkyhoop/internal/storage/memory"
	"github.com/milkyhoop/internal/token"
)

type stubUsers struct{}

func (stubUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	if id != "user-1" && id != "user-2" {
		return nil, repository.ErrNotFound
	}
	return &model.User{ID: id, Username: "u-" + id, Email: id + "@example.com"}, nil
}

type stubDevices struct{}

func (stubDevices) FindActiveByBrowserID(ctx context.Context, browserID string) (*model.DeviceSession, error) {
	return nil, repository.ErrNotFound
}
func (stubDevices) Create(ctx context.Context, s *model.DeviceSession) error { return nil }
func (stubDevices) Revoke(ctx context.Context, id string) (bool, error)      { return true, nil }

type pairingEnv struct {
	srv    *httptest.Server
	tokens *token.Manager
	hub    *pairing.Hub
}

func newPairingEnv(t *testing.T) *pairingEnv {
	t.Helper()
	tokens := token.NewManager("milkyhoop-test", "acc-secret", "ref-secret", 15*time.Minute, time.Hour)
	materializer := service.NewSessionMaterializer(stubUsers{}, stubDevices{}, tokens)
	hub := pairing.NewHub(100, 3*time.Minute)
	svc := service.NewPairingService(memory.New(), hub, materializer, 120*time.Second, time.Second, 3*time.Minute, "milkyhoop://login")
	h := NewPairingHandler(svc, hub, "*")

	r := chi.NewRouter()
	r.Post("/api/pairing/generate", h.Generate)
	r.Get("/api/pairing/ws", h.ServeWS)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(tokens))
		r.Post("/api/pairing/scan", h.Scan)
		r.Post("/api/pairing/approve", h.Approve)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
	})
	return &pairingEnv{srv: srv, tokens: tokens, hub: hub}
}

func (e *pairingEnv) bearer(t *testing.T, userID string) string {
	t.Helper()
	access, _, err := e.tokens.MintPair(userID)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return "Bearer " + access
}

func (e *pairingEnv) post(t *testing.T, path, auth string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do %s: %v", path, err)
	}
	return resp
}

func (e *pairingEnv) generate(t *testing.T) string {
	t.Helper()
	resp := e.post(t, "/api/pairing/generate", "", map[string]string{"browser_id": "browser-1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status = %d", resp.StatusCode)
	}
	var out struct {
		Token      string `json:"token"`
		QRURL      string `json:"qr_url"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Token == "" || !strings.HasPrefix(out.QRURL, "milkyhoop://login?token=") || out.TTLSeconds != 120 {
		t.Fatalf("generate response = %+v", out)
	}
	return out.Token
}

func TestGenerateEmptyBody(t *testing.T) {
	e := newPairingEnv(t)
	resp, err := e.srv.Client().Post(e.srv.URL+"/api/pairing/generate", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestScanRequiresAuth(t *testing.T) {
	e := newPairingEnv(t)
	tok := e.generate(t)

	resp := e.post(t, "/api/pairing/scan", "", map[string]string{"token": tok})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp = e.post(t, "/api/pairing/scan", "Bearer garbage", map[string]string{"token": tok})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestScanStatusMapping(t *testing.T) {
	e := newPairingEnv(t)
	auth := e.bearer(t, "user-1")

	resp := e.post(t, "/api/pairing/scan", auth, map[string]string{"token": "unknown"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown token status = %d, want 404", resp.StatusCode)
	}

	tok := e.generate(t)
	resp = e.post(t, "/api/pairing/scan", auth, map[string]string{"token": tok})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan status = %d", resp.StatusCode)
	}
	var out struct {
		Success bool   `json:"success"`
		State   string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.State != "scanned" {
		t.Fatalf("scan response = %+v", out)
	}

	// Повторный scan (double tap или второй телефон) — 409.
	resp = e.post(t, "/api/pairing/scan", e.bearer(t, "user-2"), map[string]string{"token": tok})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second scan status = %d, want 409", resp.StatusCode)
	}
}

func TestApproveForbiddenForOtherUser(t *testing.T) {
	e := newPairingEnv(t)
	tok := e.generate(t)

	resp := e.post(t, "/api/pairing/scan", e.bearer(t, "user-1"), map[string]string{"token": tok})
	resp.Body.Close()

	resp = e.post(t, "/api/pairing/approve", e.bearer(t, "user-2"), map[string]any{"token": tok, "approved": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	// Decide на pending токене (без scan) — 409.
	tok2 := e.generate(t)
	resp = e.post(t, "/api/pairing/approve", e.bearer(t, "user-1"), map[string]any{"token": tok2, "approved": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("decide pending status = %d, want 409", resp.StatusCode)
	}
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/pairing/ws?token=" + token
}

func TestWSUnknownToken(t *testing.T) {
	e := newPairingEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(e.srv, "unknown"), nil)
	if err == nil {
		t.Fatal("dial succeeded for unknown token")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", resp)
	}
}

func TestWSApproveFlow(t *testing.T) {
	e := newPairingEnv(t)
	tok := e.generate(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv, tok), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev pairing.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if ev.Event != pairing.EventConnected || ev.ExpiresAt == nil {
		t.Fatalf("first event = %+v", ev)
	}

	resp := e.post(t, "/api/pairing/scan", e.bearer(t, "user-1"), map[string]string{"token": tok})
	resp.Body.Close()
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read scanned: %v", err)
	}
	if ev.Event != pairing.EventScanned {
		t.Fatalf("second event = %+v", ev)
	}

	resp = e.post(t, "/api/pairing/approve", e.bearer(t, "user-1"), map[string]any{"token": tok, "approved": true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read approved: %v", err)
	}
	if ev.Event != pairing.EventApproved {
		t.Fatalf("terminal event = %+v", ev)
	}
	if ev.AccessToken == "" || ev.RefreshToken == "" || ev.User == nil {
		t.Fatalf("approved without credentials: %+v", ev)
	}
	claims, err := e.tokens.ParseAccess(ev.AccessToken)
	if err != nil {
		t.Fatalf("parse delivered access: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %s", claims.Subject)
	}

	// После терминала сервер закрывает соединение.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after terminal event")
	}
}

func TestWSRejectAfterReconnect(t *testing.T) {
	e := newPairingEnv(t)
	tok := e.generate(t)

	// Первое соединение обрываем до решения.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv, tok), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var ev pairing.Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	conn.Close()

	// Ждём, пока сервер заметит обрыв: иначе терминал уйдёт в мёртвое
	// соединение вместо буфера.
	deadline := time.Now().Add(5 * time.Second)
	for e.hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("server did not notice disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := e.post(t, "/api/pairing/scan", e.bearer(t, "user-1"), map[string]string{"token": tok})
	resp.Body.Close()
	resp = e.post(t, "/api/pairing/approve", e.bearer(t, "user-1"), map[string]any{"token": tok, "approved": false})
	resp.Body.Close()

	// Терминал буферизован: reconnect в окне retention получает rejected.
	deadline = time.Now().Add(5 * time.Second)
	for {
		conn, _, err = websocket.DefaultDialer.Dial(wsURL(e.srv, tok), nil)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconnect: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	got := map[pairing.EventType]bool{}
	for i := 0; i < 2; i++ {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read after reconnect: %v", err)
		}
		got[ev.Event] = true
	}
	if !got[pairing.EventConnected] || !got[pairing.EventRejected] {
		t.Fatalf("events after reconnect = %v", got)
	}
}
