package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/internal/engine"
	"indiaoptions-bot/pkg/types"
)

// Handlers holds the HTTP handlers for the dashboard API.
type Handlers struct {
	cfg      config.DashboardConfig
	engine   Controller
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandlers(cfg config.DashboardConfig, eng Controller, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:    cfg,
		engine: eng,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a WebSocket upgrade from the given Origin
// may proceed. An empty Origin (non-browser client) is allowed. With a
// configured allowlist only exact matches pass; otherwise same-host and
// localhost origins are accepted.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HandleHealth is the liveness endpoint.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"clients": h.hub.ClientCount(),
	})
}

// HandleSnapshot serves the full engine status as JSON.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// HandleWebSocket upgrades the connection and pushes the current status as
// the first frame so the dashboard renders without waiting for an event.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := NewClient(h.hub, conn)

	if data, err := json.Marshal(map[string]any{
		"kind": "snapshot",
		"data": h.engine.Status(),
	}); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}

// HandleStart resumes trading (alias for resume; the engine lifecycle is
// owned by the process, not the dashboard).
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	h.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// HandleStop pauses new entries. Open positions keep being monitored.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	h.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	h.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	h.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// HandleMode switches between paper and live execution.
func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.engine.SetMode(types.TradingMode(req.Mode)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "mode_changed", "mode": req.Mode})
}

// HandleEmergencyStop latches the breaker and squares off the whole book.
// Requires the emergency credential.
func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.engine.EmergencyStop(req.Credential); err != nil {
		if errors.Is(err, engine.ErrBadCredential) {
			writeError(w, http.StatusForbidden, "invalid credential")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Error("emergency stop triggered via dashboard", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "emergency_stop"})
}

// HandleBreakerReset clears the circuit-breaker latch. Requires the
// emergency credential.
func (h *Handlers) HandleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.engine.ResetBreaker(req.Credential); err != nil {
		if errors.Is(err, engine.ErrBadCredential) {
			writeError(w, http.StatusForbidden, "invalid credential")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "breaker_reset"})
}

// HandleCloseAll closes every open position at market with reason MANUAL.
// Requires the emergency credential.
func (h *Handlers) HandleCloseAll(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	closed, err := h.engine.CloseAll(r.Context(), req.Credential)
	if err != nil {
		if errors.Is(err, engine.ErrBadCredential) {
			writeError(w, http.StatusForbidden, "invalid credential")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "closed", "positions": closed})
}

// HandleSettings validates and stages a new configuration; it takes effect
// at the next decision cycle.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.engine.UpdateSettings(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settings_staged"})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
