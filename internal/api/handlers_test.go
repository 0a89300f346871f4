package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/internal/engine"
	"indiaoptions-bot/pkg/types"
)

type fakeController struct {
	paused     bool
	mode       types.TradingMode
	closedAll  int
	staged     *config.Config
	stageErr   error
	credential string
}

func (f *fakeController) Status() engine.Status {
	return engine.Status{Running: true, Paused: f.paused, Mode: f.mode}
}

func (f *fakeController) Pause()  { f.paused = true }
func (f *fakeController) Resume() { f.paused = false }

func (f *fakeController) SetMode(mode types.TradingMode) error {
	if mode != types.ModePaper && mode != types.ModeLive {
		return fmt.Errorf("unknown mode %q", mode)
	}
	f.mode = mode
	return nil
}

func (f *fakeController) EmergencyStop(credential string) error {
	if credential != f.credential {
		return engine.ErrBadCredential
	}
	return nil
}

func (f *fakeController) ResetBreaker(credential string) error {
	if credential != f.credential {
		return engine.ErrBadCredential
	}
	return nil
}

func (f *fakeController) CloseAll(ctx context.Context, credential string) (int, error) {
	if credential != f.credential {
		return 0, engine.ErrBadCredential
	}
	f.closedAll++
	return 2, nil
}

func (f *fakeController) UpdateSettings(cfg config.Config) error {
	if f.stageErr != nil {
		return f.stageErr
	}
	f.staged = &cfg
	return nil
}

func newTestHandlers(t *testing.T, ctrl *fakeController) *Handlers {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	return NewHandlers(config.DashboardConfig{Enabled: true, Port: 8080}, ctrl, hub, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{name: "empty origin is allowed", origin: "", reqHost: "example.com:8080", want: true},
		{name: "localhost origin allowed by default", origin: "http://localhost:3000", reqHost: "example.com:8080", want: true},
		{name: "loopback origin allowed by default", origin: "http://127.0.0.1:8080", reqHost: "example.com:8080", want: true},
		{name: "non-local origin denied by default", origin: "https://evil.example", reqHost: "example.com:8080", want: false},
		{name: "same host allowed when no allowlist", origin: "http://example.com:8080", reqHost: "example.com:8080", want: true},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "example.com:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "http://localhost:3000",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "example.com:8080",
			want:    false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tc.origin, tc.cfg, tc.reqHost); got != tc.want {
				t.Errorf("isOriginAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(t, &fakeController{})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(t, &fakeController{mode: types.ModePaper})

	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st engine.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Running || st.Mode != types.ModePaper {
		t.Errorf("status = %+v, want running paper", st)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	h := newTestHandlers(t, ctrl)

	rec := httptest.NewRecorder()
	h.HandlePause(rec, httptest.NewRequest(http.MethodPost, "/api/control/pause", nil))
	if rec.Code != http.StatusOK || !ctrl.paused {
		t.Fatalf("pause: code=%d paused=%v", rec.Code, ctrl.paused)
	}

	rec = httptest.NewRecorder()
	h.HandleResume(rec, httptest.NewRequest(http.MethodPost, "/api/control/resume", nil))
	if rec.Code != http.StatusOK || ctrl.paused {
		t.Fatalf("resume: code=%d paused=%v", rec.Code, ctrl.paused)
	}

	// Control endpoints are POST-only.
	rec = httptest.NewRecorder()
	h.HandlePause(rec, httptest.NewRequest(http.MethodGet, "/api/control/pause", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET pause: code=%d, want 405", rec.Code)
	}
}

func TestHandleMode(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{mode: types.ModePaper}
	h := newTestHandlers(t, ctrl)

	rec := httptest.NewRecorder()
	h.HandleMode(rec, httptest.NewRequest(http.MethodPost, "/api/control/mode",
		strings.NewReader(`{"mode":"live"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body.String())
	}
	if ctrl.mode != types.ModeLive {
		t.Errorf("mode = %v, want live", ctrl.mode)
	}

	rec = httptest.NewRecorder()
	h.HandleMode(rec, httptest.NewRequest(http.MethodPost, "/api/control/mode",
		strings.NewReader(`{"mode":"yolo"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode: code = %d, want 400", rec.Code)
	}
}

func TestHandleEmergencyStop(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{credential: "red-button"}
	h := newTestHandlers(t, ctrl)

	rec := httptest.NewRecorder()
	h.HandleEmergencyStop(rec, httptest.NewRequest(http.MethodPost, "/api/control/emergency-stop",
		strings.NewReader(`{"credential":"wrong"}`)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong credential: code = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleEmergencyStop(rec, httptest.NewRequest(http.MethodPost, "/api/control/emergency-stop",
		strings.NewReader(`{"credential":"red-button"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("right credential: code = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCloseAll(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{credential: "red-button"}
	h := newTestHandlers(t, ctrl)

	// Squaring off the book needs the credential like emergency-stop does.
	rec := httptest.NewRecorder()
	h.HandleCloseAll(rec, httptest.NewRequest(http.MethodPost, "/api/control/close-all",
		strings.NewReader(`{"credential":"wrong"}`)))
	if rec.Code != http.StatusForbidden || ctrl.closedAll != 0 {
		t.Fatalf("wrong credential: code=%d closedAll=%d, want 403 and no closes", rec.Code, ctrl.closedAll)
	}

	rec = httptest.NewRecorder()
	h.HandleCloseAll(rec, httptest.NewRequest(http.MethodPost, "/api/control/close-all",
		strings.NewReader(`{"credential":"red-button"}`)))
	if rec.Code != http.StatusOK || ctrl.closedAll != 1 {
		t.Fatalf("code=%d closedAll=%d", rec.Code, ctrl.closedAll)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["positions"] != float64(2) {
		t.Errorf("positions = %v, want 2", body["positions"])
	}
}

func TestHandleSettings(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	h := newTestHandlers(t, ctrl)

	rec := httptest.NewRecorder()
	h.HandleSettings(rec, httptest.NewRequest(http.MethodPost, "/api/control/settings",
		strings.NewReader(`{"Mode":"paper"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body.String())
	}
	if ctrl.staged == nil || ctrl.staged.Mode != types.ModePaper {
		t.Errorf("staged = %+v", ctrl.staged)
	}

	ctrl.stageErr = fmt.Errorf("reject settings: bad")
	rec = httptest.NewRecorder()
	h.HandleSettings(rec, httptest.NewRequest(http.MethodPost, "/api/control/settings",
		strings.NewReader(`{"Mode":"paper"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid settings: code = %d, want 400", rec.Code)
	}
}
