// Package monitor periodically probes connected broker sessions so stale
// tokens are detected before a user request trips over them.
package monitor

import (
	"context"
	"errors"

	"quantumleap/internal/broker"
	"quantumleap/internal/logger"
	"quantumleap/internal/session"
	"quantumleap/internal/store/model"
	"quantumleap/internal/token"
)

// Prober is the slice of the broker client the monitor needs.
type Prober interface {
	TestConnection(ctx context.Context, accessToken, apiKey string) (*broker.Profile, error)
}

// Refresher is the slice of the lifecycle manager the monitor needs.
type Refresher interface {
	RefreshTokens(ctx context.Context, connectionID string) error
}

// Monitor probes every connected session and records the outcome on the
// connection row. It reports but never disables: flipping a connection off
// stays a user decision.
type Monitor struct {
	registry  *session.Registry
	tokens    *token.Store
	prober    Prober
	refresher Refresher
}

func New(registry *session.Registry, tokens *token.Store, prober Prober, refresher Refresher) *Monitor {
	return &Monitor{
		registry:  registry,
		tokens:    tokens,
		prober:    prober,
		refresher: refresher,
	}
}

// CheckAll probes every connection in the connected state.
func (m *Monitor) CheckAll(ctx context.Context) {
	conns, err := m.registry.ListByState(ctx, model.StateConnected)
	if err != nil {
		logger.Errorf("monitor: listing connections failed: %v", err)
		return
	}
	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return
		}
		m.checkOne(ctx, conn)
	}
}

// checkOne probes a single connection. An invalid token gets exactly one
// refresh-and-retest before the connection is reported unhealthy.
func (m *Monitor) checkOne(ctx context.Context, conn *session.Connection) {
	accessToken, err := m.tokens.GetAccessToken(ctx, conn.ID, false)
	if err != nil {
		if errors.Is(err, token.ErrNoToken) || errors.Is(err, token.ErrTokenExpired) {
			m.refreshAndRetest(ctx, conn, err)
			return
		}
		logger.Errorf("monitor: reading token for %s failed: %v", conn.ID, err)
		return
	}

	profile, err := m.prober.TestConnection(ctx, accessToken, conn.APIKey)
	if err == nil {
		m.recordHealthy(ctx, conn, profile)
		return
	}
	kind := broker.Classify(err)
	logger.Warnf("monitor: probe for %s failed (%s): %v", conn.ID, kind, err)
	switch kind {
	case broker.KindInvalidToken:
		m.refreshAndRetest(ctx, conn, err)
	case broker.KindUnauthorized:
		m.recordUnhealthy(ctx, conn, model.StateNeedsReauth, "broker rejected credentials")
	default:
		// Transient failure; keep the state and note the probe outcome so
		// the next sweep retries.
		if err := m.registry.TouchChecked(ctx, conn.ID, "health check failed: "+string(kind)); err != nil {
			logger.Warnf("monitor: touching %s failed: %v", conn.ID, err)
		}
	}
}

func (m *Monitor) refreshAndRetest(ctx context.Context, conn *session.Connection, cause error) {
	logger.Infof("monitor: token for %s unusable (%v), attempting refresh", conn.ID, cause)
	if err := m.refresher.RefreshTokens(ctx, conn.ID); err != nil {
		logger.Warnf("monitor: refresh for %s failed: %v", conn.ID, err)
		// The lifecycle manager already recorded the failure mode on the
		// connection; just stamp the check time.
		if err := m.registry.TouchChecked(ctx, conn.ID, "health check failed, refresh unsuccessful"); err != nil {
			logger.Warnf("monitor: touching %s failed: %v", conn.ID, err)
		}
		return
	}
	accessToken, err := m.tokens.GetAccessToken(ctx, conn.ID, false)
	if err != nil {
		logger.Errorf("monitor: reading refreshed token for %s failed: %v", conn.ID, err)
		return
	}
	profile, err := m.prober.TestConnection(ctx, accessToken, conn.APIKey)
	if err != nil {
		logger.Warnf("monitor: retest for %s failed after refresh: %v", conn.ID, err)
		m.recordUnhealthy(ctx, conn, model.StateError, "health check failed after token refresh")
		return
	}
	m.recordHealthy(ctx, conn, profile)
}

func (m *Monitor) recordHealthy(ctx context.Context, conn *session.Connection, profile *broker.Profile) {
	msg := "healthy"
	if profile != nil && profile.UserName != "" {
		msg = "healthy (" + profile.UserName + ")"
	}
	if conn.State != model.StateConnected {
		if err := m.registry.UpdateState(ctx, conn.ID, model.StateConnected, msg); err != nil {
			logger.Warnf("monitor: updating %s failed: %v", conn.ID, err)
		}
		return
	}
	if err := m.registry.TouchChecked(ctx, conn.ID, msg); err != nil {
		logger.Warnf("monitor: touching %s failed: %v", conn.ID, err)
	}
}

func (m *Monitor) recordUnhealthy(ctx context.Context, conn *session.Connection, state, msg string) {
	if err := m.registry.UpdateState(ctx, conn.ID, state, msg); err != nil {
		logger.Warnf("monitor: updating %s failed: %v", conn.ID, err)
	}
}
