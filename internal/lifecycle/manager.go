// Package lifecycle owns the token lifecycle: it is the single entry point
// for obtaining a usable access token, and it runs the refresh machinery
// (bounded retry, per-connection serialization, background sweep).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantumleap/internal/broker"
	"quantumleap/internal/logger"
	"quantumleap/internal/session"
	"quantumleap/internal/store/model"
	"quantumleap/internal/token"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrReauthRequired is terminal: the user must redo interactive login.
	ErrReauthRequired = errors.New("reauthentication required")
	// ErrBrokerUnavailable is transient: retries were exhausted on network
	// or rate-limit failures. It never flags the connection for reauth.
	ErrBrokerUnavailable = errors.New("broker temporarily unavailable")
)

// Gateway is the slice of the broker client the lifecycle needs.
type Gateway interface {
	Refresh(ctx context.Context, refreshToken, apiKey, apiSecret string) (*broker.Session, error)
}

// Options tunes the refresh retry policy.
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration // grows linearly per attempt
}

// Manager coordinates token refresh across request handlers, the background
// sweep, and the connection monitor.
type Manager struct {
	tokens   *token.Store
	registry *session.Registry
	gateway  Gateway

	maxAttempts int
	retryDelay  time.Duration

	// refreshGroup serializes refresh per connection id: concurrent callers
	// wait for the in-flight refresh and reuse its outcome instead of
	// double-refreshing. Connections never block each other.
	refreshGroup singleflight.Group

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewManager(tokens *token.Store, registry *session.Registry, gateway Gateway, opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	return &Manager{
		tokens:      tokens,
		registry:    registry,
		gateway:     gateway,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		nowFn:       time.Now,
		sleepFn:     sleepCtx,
	}
}

// SetNowFunc overrides the clock for tests.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		m.nowFn = fn
	}
}

// SetSleepFunc overrides the retry delay sleeper for tests.
func (m *Manager) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		m.sleepFn = fn
	}
}

// GetValidAccessToken is the only way other components obtain a token.
//
//	valid         -> returned as is
//	expiring_soon -> one refresh attempt; soft-fails to the current token
//	expired       -> must refresh; exhaustion propagates
//	no_token / needs_reauth -> ErrReauthRequired, zero network calls
func (m *Manager) GetValidAccessToken(ctx context.Context, connectionID string) (string, error) {
	status, err := m.tokens.GetStatus(ctx, connectionID)
	if err != nil {
		return "", err
	}
	switch status {
	case model.TokenStatusValid:
		return m.tokens.GetAccessToken(ctx, connectionID, false)

	case model.TokenStatusExpiringSoon:
		if err := m.RefreshTokens(ctx, connectionID); err != nil {
			// The current token is still technically valid; do not block
			// the caller on a refresh the sweep will retry anyway.
			logger.Warnf("lifecycle: proactive refresh failed for %s, serving current token: %v", connectionID, err)
			return m.tokens.GetAccessToken(ctx, connectionID, false)
		}
		return m.tokens.GetAccessToken(ctx, connectionID, false)

	case model.TokenStatusExpired:
		if err := m.RefreshTokens(ctx, connectionID); err != nil {
			return "", err
		}
		return m.tokens.GetAccessToken(ctx, connectionID, false)

	case model.TokenStatusNoToken:
		return "", fmt.Errorf("%w: no token stored", ErrReauthRequired)

	case model.TokenStatusNeedsReauth:
		return "", fmt.Errorf("%w: connection flagged by broker", ErrReauthRequired)

	default:
		return "", fmt.Errorf("unexpected token status %q", status)
	}
}

// RefreshTokens refreshes the connection's token with bounded retry.
// Auth-classified failures stop immediately and flag the connection;
// transient failures retry with an incrementing delay and, once exhausted,
// surface as ErrBrokerUnavailable without touching the reauth flag.
func (m *Manager) RefreshTokens(ctx context.Context, connectionID string) error {
	_, err, _ := m.refreshGroup.Do(connectionID, func() (any, error) {
		return nil, m.refreshLocked(ctx, connectionID)
	})
	return err
}

func (m *Manager) refreshLocked(ctx context.Context, connectionID string) error {
	conn, err := m.registry.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	refreshToken, err := m.tokens.GetRefreshToken(ctx, connectionID)
	if err != nil {
		if errors.Is(err, token.ErrNoToken) {
			return fmt.Errorf("%w: no token stored", ErrReauthRequired)
		}
		return err
	}
	if refreshToken == "" {
		if err := m.tokens.MarkNeedsReauth(ctx, connectionID, "no refresh token available"); err != nil {
			logger.Errorf("lifecycle: marking %s for reauth failed: %v", connectionID, err)
		}
		return fmt.Errorf("%w: broker issued no refresh token", ErrReauthRequired)
	}
	apiKey, apiSecret, err := m.registry.Credentials(ctx, connectionID)
	if err != nil {
		return err
	}

	priorState := conn.State
	if err := m.registry.UpdateState(ctx, connectionID, model.StateRefreshing, "refreshing token"); err != nil {
		logger.Warnf("lifecycle: could not mark %s refreshing: %v", connectionID, err)
	}

	var lastErr error
	lastKind := broker.KindUnknown
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		sess, err := m.gateway.Refresh(ctx, refreshToken, apiKey, apiSecret)
		if err == nil {
			return m.persistSession(ctx, conn, sess)
		}
		lastErr = err
		lastKind = broker.Classify(err)
		logger.Warnf("lifecycle: refresh attempt %d/%d for %s failed (%s): %v",
			attempt, m.maxAttempts, connectionID, lastKind, err)

		if broker.IsAuthKind(lastKind) {
			// The broker rejected the refresh token itself; more attempts
			// cannot succeed.
			break
		}
		if attempt < m.maxAttempts {
			if err := m.sleepFn(ctx, time.Duration(attempt)*m.retryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}

	if lastKind == broker.KindNetwork || lastKind == broker.KindRateLimited {
		// Transient: restore the prior state, never set the reauth flag.
		if err := m.registry.UpdateState(ctx, connectionID, priorState, "broker temporarily unavailable"); err != nil {
			logger.Warnf("lifecycle: restoring state for %s failed: %v", connectionID, err)
		}
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, lastErr)
	}
	reason := fmt.Sprintf("token refresh failed after %d attempts", m.maxAttempts)
	if err := m.tokens.MarkNeedsReauth(ctx, connectionID, reason); err != nil {
		logger.Errorf("lifecycle: marking %s for reauth failed: %v", connectionID, err)
	}
	return fmt.Errorf("%w: %v", ErrReauthRequired, lastErr)
}

func (m *Manager) persistSession(ctx context.Context, conn *session.Connection, sess *broker.Session) error {
	expiresAt := m.nowFn().Add(time.Duration(sess.ExpiresIn) * time.Second)
	err := m.tokens.SaveRefreshed(ctx, conn.ID, token.Data{
		UserID:       conn.UserID,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		TokenType:    sess.TokenType,
		ExpiresAt:    expiresAt,
		BrokerUserID: sess.BrokerUserID,
	})
	if err != nil {
		return fmt.Errorf("persisting refreshed token failed: %w", err)
	}
	logger.Infof("lifecycle: token refreshed for %s, valid until %s", conn.ID, expiresAt.Format(time.RFC3339))
	return nil
}

// Sweep refreshes every token that will expire inside the configured
// buffer. Runs periodically so request handlers rarely pay refresh latency.
func (m *Manager) Sweep(ctx context.Context) {
	ids, err := m.tokens.GetExpiringSoon(ctx, m.tokens.Buffer())
	if err != nil {
		logger.Errorf("lifecycle: sweep query failed: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	logger.Infof("lifecycle: sweep refreshing %d expiring token(s)", len(ids))
	for _, id := range ids {
		if err := m.RefreshTokens(ctx, id); err != nil {
			logger.Warnf("lifecycle: sweep refresh for %s failed: %v", id, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
