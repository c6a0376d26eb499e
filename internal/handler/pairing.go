package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/milkyhoop/internal/logger"
	"github.com/milkyhoop/internal/middleware"
	"github.com/milkyhoop/internal/pairing"
	"github.com/milkyhoop/internal/service"
	"github.com/milkyhoop/internal/storage"
)

type PairingHandler struct {
	svc            *service.PairingService
	hub            *pairing.Hub
	allowedOrigins string
}

// NewPairingHandler создаёт обработчики pairing. allowedOrigins — как в
// CORS (через запятую или "*"), применяется к WebSocket upgrade.
func NewPairingHandler(svc *service.PairingService, hub *pairing.Hub, allowedOrigins string) *PairingHandler {
	return &PairingHandler{svc: svc, hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

type generateRequest struct {
	Fingerprint string `json:"fingerprint"`
	BrowserID   string `json:"browser_id"`
}

// Generate: POST /api/pairing/generate. Desktop ещё не аутентифицирован,
// поэтому endpoint открытый (но с отдельным rate limit).
func (h *PairingHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	// Пустое тело допустимо: fingerprint и browser_id опциональны.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.svc.Generate(r.Context(), req.Fingerprint, req.BrowserID)
	if err != nil {
		logger.Errorf("pairing generate: %v", err)
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type scanRequest struct {
	Token string `json:"token"`
}

type scanResponse struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
}

// Scan: POST /api/pairing/scan, вызывается мобильным клиентом после
// декодирования QR. Требует Bearer-аутентификации.
func (h *PairingHandler) Scan(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token обязателен")
		return
	}
	t, err := h.svc.Scan(r.Context(), req.Token, userID)
	if err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{Success: true, State: string(t.State)})
}

type approveRequest struct {
	Token    string `json:"token"`
	Approved bool   `json:"approved"`
}

// Approve: POST /api/pairing/approve — подтверждение или отказ. Решение
// принимает только пользователь, сканировавший токен; credentials уходят
// по realtime-каналу, не в этом ответе.
func (h *PairingHandler) Approve(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token обязателен")
		return
	}
	if err := h.svc.Decide(r.Context(), req.Token, userID, req.Approved); err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *PairingHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS: GET /api/pairing/ws?token=... — подписка ожидающего desktop.
// Сам pairing-токен и есть capability, сессия не требуется. Повторная
// подписка на тот же токен заменяет предыдущее соединение (reload).
func (h *PairingHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	// До upgrade: неизвестный или разобранный токен — 404, а не висящий
	// socket.
	connected, err := h.svc.ConnectedEvent(r.Context(), tok)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("pairing ws upgrade: %v", err)
		return
	}

	sub := pairing.NewConn(h.hub, conn, tok)
	sub.Start()
	if err := h.hub.Subscribe(tok, sub, connected); err != nil {
		// Topic исчез между проверкой и подпиской (терминал доставлен).
		sub.Close()
	}
}

// writePairingError отображает таксономию ошибок протокола на HTTP.
func writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Токен не найден")
	case errors.Is(err, storage.ErrExpired):
		writeError(w, http.StatusGone, "Срок действия QR-кода истёк")
	case errors.Is(err, storage.ErrAlreadyScanned):
		writeError(w, http.StatusConflict, "QR-код уже отсканирован")
	case errors.Is(err, storage.ErrInvalidState):
		writeError(w, http.StatusConflict, "Операция недоступна в текущем состоянии")
	case errors.Is(err, storage.ErrForbidden):
		writeError(w, http.StatusForbidden, "Подтвердить вход может только отсканировавший пользователь")
	case errors.Is(err, service.ErrUserDisabled):
		writeError(w, http.StatusForbidden, "Пользователь отключён и не может войти")
	case errors.Is(err, service.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Сервис временно недоступен, повторите попытку")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
