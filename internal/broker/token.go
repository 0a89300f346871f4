package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Token lifecycle thresholds: warn the operator an hour out, refresh half
// an hour out.
const (
	tokenWarnBefore    = time.Hour
	tokenRefreshBefore = 30 * time.Minute
	tokenCheckInterval = time.Minute
)

// RefreshFunc exchanges credentials for a fresh access token and its
// expiry. Daily-login brokers return a zero expiry; those tokens live
// until the exchange invalidates them and refresh is driven by 401s only.
type RefreshFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

// TokenSource owns the broker access token: serves it to the REST client
// and the feed, refreshes proactively before expiry, and reports lifecycle
// events through its hooks.
type TokenSource struct {
	logger *slog.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	warned    bool

	// refresh is nil when proactive refresh is disabled. onFailure is the
	// escalation hook; the caller latches the circuit breaker there.
	refresh   RefreshFunc
	onWarning func(message, detail string)
	onFailure func(message, detail string)
}

// NewTokenSource seeds the source with the configured token. expiresAt may
// be zero when the broker does not publish expiry.
func NewTokenSource(token string, expiresAt time.Time, refresh RefreshFunc, logger *slog.Logger) *TokenSource {
	return &TokenSource{
		logger:    logger.With("component", "token"),
		token:     token,
		expiresAt: expiresAt,
		refresh:   refresh,
	}
}

// OnWarning registers the expiry-warning hook.
func (t *TokenSource) OnWarning(fn func(message, detail string)) { t.onWarning = fn }

// OnFailure registers the refresh-failure hook.
func (t *TokenSource) OnFailure(fn func(message, detail string)) { t.onFailure = fn }

// Token returns the current access token.
func (t *TokenSource) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Set installs a new token, clearing the warning state.
func (t *TokenSource) Set(token string, expiresAt time.Time) {
	t.mu.Lock()
	t.token = token
	t.expiresAt = expiresAt
	t.warned = false
	t.mu.Unlock()
}

// RefreshNow forces one refresh, used on a 401 before escalating.
func (t *TokenSource) RefreshNow(ctx context.Context) error {
	if t.refresh == nil {
		return fmt.Errorf("token refresh not configured")
	}
	token, expiresAt, err := t.refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	t.Set(token, expiresAt)
	t.logger.Info("access token refreshed", "expires_at", expiresAt)
	return nil
}

// Run drives the proactive refresh schedule until ctx is cancelled. No-op
// when expiry is unknown.
func (t *TokenSource) Run(ctx context.Context) {
	ticker := time.NewTicker(tokenCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.check(ctx)
		}
	}
}

func (t *TokenSource) check(ctx context.Context) {
	t.mu.RLock()
	expiresAt := t.expiresAt
	warned := t.warned
	t.mu.RUnlock()

	if expiresAt.IsZero() {
		return
	}
	left := time.Until(expiresAt)

	if left <= tokenWarnBefore && !warned {
		t.mu.Lock()
		t.warned = true
		t.mu.Unlock()
		t.logger.Warn("access token expiring", "expires_in", left.Round(time.Minute))
		if t.onWarning != nil {
			t.onWarning("access token expiring", fmt.Sprintf("expires in %s", left.Round(time.Minute)))
		}
	}

	if left <= tokenRefreshBefore && t.refresh != nil {
		if err := t.RefreshNow(ctx); err != nil {
			t.logger.Error("token refresh failed", "error", err)
			if t.onFailure != nil {
				t.onFailure("access token refresh failed", err.Error())
			}
		}
	}
}
