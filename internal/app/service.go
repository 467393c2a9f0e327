// Package app wires the gateway together and exposes the service facade the
// HTTP transport calls into.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantumleap/internal/broker"
	"quantumleap/internal/lifecycle"
	"quantumleap/internal/logger"
	"quantumleap/internal/portfolio"
	"quantumleap/internal/session"
	"quantumleap/internal/store/model"
	"quantumleap/internal/token"
	"quantumleap/internal/vault"
)

var (
	ErrUnknownLoginState = errors.New("unknown or expired login state")
)

// loginStateTTL bounds how long an issued login URL stays redeemable.
const loginStateTTL = broker.StateTTL

// BrokerAPI is the slice of the broker client the service facade needs.
type BrokerAPI interface {
	LoginURL(apiKey, state, redirectURI string) string
	ExchangeCode(ctx context.Context, requestCode, apiKey, apiSecret string) (*broker.Session, error)
	Invalidate(ctx context.Context, accessToken, apiKey string)
}

// Service is the single entry surface for connection and portfolio
// operations. The HTTP transport is a thin shell over it.
type Service struct {
	registry  *session.Registry
	tokens    *token.Store
	brokerAPI BrokerAPI
	lifecycle *lifecycle.Manager
	cache     *portfolio.Cache
	vault     *vault.Vault

	stateMu     sync.Mutex
	loginStates map[string]loginState

	nowFn func() time.Time
}

type loginState struct {
	connectionID string
	issuedAt     time.Time
}

func NewService(registry *session.Registry, tokens *token.Store, brokerAPI BrokerAPI, lc *lifecycle.Manager, cache *portfolio.Cache, v *vault.Vault) *Service {
	return &Service{
		registry:    registry,
		tokens:      tokens,
		brokerAPI:   brokerAPI,
		lifecycle:   lc,
		cache:       cache,
		vault:       v,
		loginStates: make(map[string]loginState),
		nowFn:       time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (s *Service) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// CreateConnection registers broker credentials for a user. Credentials are
// encrypted at rest; creating a second connection for the same user and
// broker replaces the first.
func (s *Service) CreateConnection(ctx context.Context, userID, brokerName, apiKey, apiSecret string) (*session.Connection, error) {
	return s.registry.Create(ctx, userID, brokerName, apiKey, apiSecret)
}

// LoginURL issues the interactive login URL for a connection. The embedded
// state is single use and expires after loginStateTTL.
func (s *Service) LoginURL(ctx context.Context, connectionID, redirectURI string) (string, error) {
	apiKey, _, err := s.registry.Credentials(ctx, connectionID)
	if err != nil {
		return "", err
	}
	state := s.vault.GenerateID()
	s.stateMu.Lock()
	s.pruneStatesLocked()
	s.loginStates[state] = loginState{connectionID: connectionID, issuedAt: s.nowFn()}
	s.stateMu.Unlock()
	return s.brokerAPI.LoginURL(apiKey, state, redirectURI), nil
}

// CompleteOAuth redeems the request code the broker redirect carried,
// exchanges it for a session, and stores the token. The state is consumed
// whether or not the exchange succeeds.
func (s *Service) CompleteOAuth(ctx context.Context, state, requestCode string) (*session.Connection, error) {
	s.stateMu.Lock()
	entry, ok := s.loginStates[state]
	delete(s.loginStates, state)
	s.stateMu.Unlock()
	if !ok || s.nowFn().Sub(entry.issuedAt) > loginStateTTL {
		return nil, ErrUnknownLoginState
	}
	connectionID := entry.connectionID

	conn, err := s.registry.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	apiKey, apiSecret, err := s.registry.Credentials(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.brokerAPI.ExchangeCode(ctx, requestCode, apiKey, apiSecret)
	if err != nil {
		if uerr := s.registry.UpdateState(ctx, connectionID, model.StateError, "token exchange failed"); uerr != nil {
			logger.Warnf("app: updating %s after failed exchange: %v", connectionID, uerr)
		}
		return nil, fmt.Errorf("exchanging request code: %w", err)
	}
	if err := s.storeSession(ctx, conn, sess, model.SourceOAuth); err != nil {
		return nil, err
	}
	return s.registry.Get(ctx, connectionID)
}

// IngestAutomationToken accepts a token captured by an external automation
// flow (headless login) and stores it as the connection's live token.
func (s *Service) IngestAutomationToken(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error {
	if accessToken == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	conn, err := s.registry.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if expiresAt.IsZero() {
		expiresAt = s.nowFn().Add(24 * time.Hour)
	}
	err = s.tokens.Save(ctx, connectionID, token.Data{
		UserID:       conn.UserID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		Source:       model.SourceAutomation,
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(connectionID)
	return s.registry.UpdateState(ctx, connectionID, model.StateConnected, "token ingested")
}

// GetValidAccessToken proxies the lifecycle manager.
func (s *Service) GetValidAccessToken(ctx context.Context, connectionID string) (string, error) {
	return s.lifecycle.GetValidAccessToken(ctx, connectionID)
}

// PortfolioSnapshot assembles the full portfolio view. bypass skips the
// data cache for a forced refetch.
func (s *Service) PortfolioSnapshot(ctx context.Context, connectionID string, bypass bool) (*portfolio.Snapshot, error) {
	return s.cache.BuildSnapshot(ctx, connectionID, bypass)
}

// Holdings returns the cached holdings view.
func (s *Service) Holdings(ctx context.Context, connectionID string, bypass bool) ([]portfolio.Holding, bool, error) {
	return s.cache.Holdings(ctx, connectionID, bypass)
}

// Positions returns the cached positions view.
func (s *Service) Positions(ctx context.Context, connectionID string, bypass bool) ([]portfolio.Position, bool, error) {
	return s.cache.Positions(ctx, connectionID, bypass)
}

// Orders returns the cached orders view.
func (s *Service) Orders(ctx context.Context, connectionID string, bypass bool) ([]portfolio.Order, bool, error) {
	return s.cache.Orders(ctx, connectionID, bypass)
}

// Margins returns the cached margins view.
func (s *Service) Margins(ctx context.Context, connectionID string, bypass bool) (*portfolio.Margins, bool, error) {
	return s.cache.MarginsFor(ctx, connectionID, bypass)
}

// ConnectionStatus is the combined connection and token view.
type ConnectionStatus struct {
	ConnectionID  string     `json:"connectionId"`
	UserID        string     `json:"userId"`
	BrokerName    string     `json:"brokerName"`
	State         string     `json:"state"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	TokenStatus   string     `json:"tokenStatus"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	NeedsReauth   bool       `json:"needsReauth"`
	LastChecked   *time.Time `json:"lastChecked,omitempty"`
	LastRefresh   *time.Time `json:"lastRefresh,omitempty"`
}

// Status reports the connection's state together with its token status.
func (s *Service) Status(ctx context.Context, connectionID string) (*ConnectionStatus, error) {
	conn, err := s.registry.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	status, err := s.tokens.GetStatus(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	out := &ConnectionStatus{
		ConnectionID:  conn.ID,
		UserID:        conn.UserID,
		BrokerName:    conn.BrokerName,
		State:         conn.State,
		StatusMessage: conn.StatusMessage,
		TokenStatus:   status,
		NeedsReauth:   status == model.TokenStatusNeedsReauth,
		LastChecked:   conn.LastChecked,
		LastRefresh:   conn.LastTokenRefresh,
	}
	if rec, err := s.tokens.GetRecord(ctx, connectionID); err == nil {
		expires := rec.ExpiresAt
		out.ExpiresAt = &expires
	}
	return out, nil
}

// StatusByUser resolves the user's latest connection and reports its status.
func (s *Service) StatusByUser(ctx context.Context, userID string) (*ConnectionStatus, error) {
	conn, err := s.registry.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Status(ctx, conn.ID)
}

// Reconnect forces a token refresh outside the normal expiry schedule.
func (s *Service) Reconnect(ctx context.Context, connectionID string) error {
	if err := s.lifecycle.RefreshTokens(ctx, connectionID); err != nil {
		return err
	}
	s.cache.Invalidate(connectionID)
	return nil
}

// Disconnect invalidates the broker session (best effort), deletes the
// stored token, and marks the connection disconnected. Credentials stay so
// the user can reconnect without re-entering them.
func (s *Service) Disconnect(ctx context.Context, connectionID string) error {
	conn, err := s.registry.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	// Even an expired token is worth invalidating server side.
	if accessToken, err := s.tokens.GetAccessToken(ctx, connectionID, true); err == nil && accessToken != "" {
		s.brokerAPI.Invalidate(ctx, accessToken, conn.APIKey)
	}
	if err := s.tokens.Delete(ctx, connectionID); err != nil {
		return err
	}
	s.cache.Invalidate(connectionID)
	return s.registry.UpdateState(ctx, connectionID, model.StateDisconnected, "disconnected by user")
}

// DeleteConnection removes the connection and everything stored for it.
func (s *Service) DeleteConnection(ctx context.Context, connectionID string) error {
	if err := s.Disconnect(ctx, connectionID); err != nil && !errors.Is(err, session.ErrConnectionNotFound) {
		logger.Warnf("app: disconnect before delete for %s: %v", connectionID, err)
	}
	s.cache.Invalidate(connectionID)
	return s.registry.Delete(ctx, connectionID)
}

func (s *Service) storeSession(ctx context.Context, conn *session.Connection, sess *broker.Session, source string) error {
	expiresAt := s.nowFn().Add(time.Duration(sess.ExpiresIn) * time.Second)
	err := s.tokens.Save(ctx, conn.ID, token.Data{
		UserID:       conn.UserID,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		TokenType:    sess.TokenType,
		ExpiresAt:    expiresAt,
		Source:       source,
		BrokerUserID: sess.BrokerUserID,
	})
	if err != nil {
		return fmt.Errorf("storing session token: %w", err)
	}
	s.cache.Invalidate(conn.ID)
	if err := s.registry.UpdateState(ctx, conn.ID, model.StateConnected, "connected"); err != nil {
		return err
	}
	logger.Infof("app: connection %s authenticated, token valid until %s", conn.ID, expiresAt.Format(time.RFC3339))
	return nil
}

func (s *Service) pruneStatesLocked() {
	now := s.nowFn()
	for state, entry := range s.loginStates {
		if now.Sub(entry.issuedAt) > loginStateTTL {
			delete(s.loginStates, state)
		}
	}
}
