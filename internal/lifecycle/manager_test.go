package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quantumleap/internal/broker"
	"quantumleap/internal/session"
	"quantumleap/internal/store/gormstore"
	"quantumleap/internal/store/model"
	"quantumleap/internal/token"
	"quantumleap/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (g *mockGateway) Refresh(ctx context.Context, refreshToken, apiKey, apiSecret string) (*broker.Session, error) {
	args := g.Called(ctx, refreshToken, apiKey, apiSecret)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.Session), args.Error(1)
}

type fixture struct {
	registry *session.Registry
	tokens   *token.Store
	gateway  *mockGateway
	manager  *Manager
	conn     *session.Connection

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gormstore.OpenInMemory()
	require.NoError(t, err)
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	f := &fixture{
		gateway: new(mockGateway),
		now:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	v.SetNowFunc(f.clock)

	f.registry = session.NewRegistry(db, v)
	f.registry.SetNowFunc(f.clock)
	f.tokens = token.NewStore(db, v, 15*time.Minute)
	f.tokens.SetNowFunc(f.clock)
	f.manager = NewManager(f.tokens, f.registry, f.gateway, Options{
		MaxAttempts: 3,
		RetryDelay:  time.Second,
	})
	f.manager.SetNowFunc(f.clock)
	f.manager.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return nil })

	f.conn, err = f.registry.Create(context.Background(), "user-1", "zerodha", "api-key", "api-secret")
	require.NoError(t, err)
	require.NoError(t, f.registry.UpdateState(context.Background(), f.conn.ID, model.StateConnected, "connected"))
	return f
}

func (f *fixture) storeToken(t *testing.T, validity time.Duration) {
	t.Helper()
	require.NoError(t, f.tokens.Save(context.Background(), f.conn.ID, token.Data{
		UserID:       "user-1",
		AccessToken:  "access-current",
		RefreshToken: "refresh-current",
		ExpiresAt:    f.clock().Add(validity),
		Source:       model.SourceOAuth,
	}))
}

func TestValidTokenReturnedWithoutNetworkCall(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, 24*time.Hour)

	got, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-current", got)
	f.gateway.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNoTokenRaisesReauthWithoutNetworkCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	assert.ErrorIs(t, err, ErrReauthRequired)
	f.gateway.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNeedsReauthRaisesImmediately(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, 24*time.Hour)
	require.NoError(t, f.tokens.MarkNeedsReauth(context.Background(), f.conn.ID, "broker rejected"))

	_, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	assert.ErrorIs(t, err, ErrReauthRequired)
	f.gateway.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExpiringSoonTriggersRefresh(t *testing.T) {
	f := newFixture(t)
	// Token stored at T0 with 24h validity, checked at T0+23h45m: inside
	// the 15 minute buffer.
	f.storeToken(t, 24*time.Hour)
	f.advance(23*time.Hour + 45*time.Minute)

	f.gateway.On("Refresh", mock.Anything, "refresh-current", "api-key", "api-secret").
		Return(&broker.Session{AccessToken: "access-new", ExpiresIn: 86400}, nil).Once()

	got, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-new", got)
	f.gateway.AssertExpectations(t)

	// New expiry sits ~24h after the refresh moment.
	rec, err := f.tokens.GetRecord(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock().Add(24*time.Hour), rec.ExpiresAt, time.Minute)

	conn, err := f.registry.Get(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, conn.State)
}

func TestExpiringSoonSoftFailsToCurrentToken(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, 24*time.Hour)
	f.advance(23*time.Hour + 50*time.Minute)

	f.gateway.On("Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &broker.APIError{Kind: broker.KindNetwork, Message: "timeout"})

	got, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-current", got, "still-valid token served despite failed refresh")
}

func TestExpiredTokenMustRefresh(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, time.Hour)
	f.advance(2 * time.Hour)

	f.gateway.On("Refresh", mock.Anything, "refresh-current", "api-key", "api-secret").
		Return(&broker.Session{AccessToken: "access-new", ExpiresIn: 86400}, nil).Once()

	got, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-new", got)
}

func TestNeverReturnsExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, time.Hour)
	f.advance(2 * time.Hour)

	f.gateway.On("Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &broker.APIError{Kind: broker.KindUnknown, Message: "boom"})

	got, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	assert.Error(t, err)
	assert.Empty(t, got)
}

func TestThreeFailuresMoveToNeedsReauth(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, time.Hour)
	f.advance(2 * time.Hour)

	f.gateway.On("Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &broker.APIError{Kind: broker.KindUnknown, StatusCode: 500, Message: "refresh rejected"}).
		Times(3)

	_, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	assert.ErrorIs(t, err, ErrReauthRequired)
	f.gateway.AssertExpectations(t)

	conn, err := f.registry.Get(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsReauth, conn.State)

	// Next call raises immediately with no further network attempts.
	_, err = f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	assert.ErrorIs(t, err, ErrReauthRequired)
	f.gateway.AssertNumberOfCalls(t, "Refresh", 3)
}

func TestAuthRejectionShortCircuitsRetries(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, time.Hour)
	f.advance(2 * time.Hour)

	f.gateway.On("Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &broker.APIError{Kind: broker.KindInvalidToken, StatusCode: 403, ErrorType: "TokenException", Message: "invalid"}).
		Once()

	err := f.manager.RefreshTokens(context.Background(), f.conn.ID)
	assert.ErrorIs(t, err, ErrReauthRequired)
	f.gateway.AssertNumberOfCalls(t, "Refresh", 1)

	status, err := f.tokens.GetStatus(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusNeedsReauth, status)
}

func TestNetworkExhaustionNeverFlagsReauth(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, time.Hour)
	f.advance(2 * time.Hour)

	f.gateway.On("Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &broker.APIError{Kind: broker.KindNetwork, Message: "connection refused"}).
		Times(3)

	err := f.manager.RefreshTokens(context.Background(), f.conn.ID)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.NotErrorIs(t, err, ErrReauthRequired)

	status, err := f.tokens.GetStatus(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusExpired, status, "network blips must not set the reauth flag")

	// Prior coarse state restored rather than stuck in refreshing.
	conn, err := f.registry.Get(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, conn.State)
}

func TestRetryDelayGrowsPerAttempt(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, time.Hour)
	f.advance(2 * time.Hour)

	var delays []time.Duration
	f.manager.SetSleepFunc(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	f.gateway.On("Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &broker.APIError{Kind: broker.KindRateLimited, Message: "429"}).
		Times(3)

	err := f.manager.RefreshTokens(context.Background(), f.conn.ID)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

type countingGateway struct {
	calls atomic.Int32
	block chan struct{}
}

func (g *countingGateway) Refresh(ctx context.Context, refreshToken, apiKey, apiSecret string) (*broker.Session, error) {
	g.calls.Add(1)
	<-g.block
	return &broker.Session{AccessToken: "access-shared", ExpiresIn: 86400}, nil
}

func TestConcurrentRefreshIsSerializedPerConnection(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, time.Hour)
	f.advance(2 * time.Hour)

	gw := &countingGateway{block: make(chan struct{})}
	mgr := NewManager(f.tokens, f.registry, gw, Options{MaxAttempts: 3, RetryDelay: time.Second})
	mgr.SetNowFunc(f.clock)
	mgr.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return nil })

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.RefreshTokens(context.Background(), f.conn.ID)
		}(i)
	}
	// Let every caller pile onto the in-flight refresh, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gw.block)
	wg.Wait()

	assert.EqualValues(t, 1, gw.calls.Load(), "losers must reuse the winner's refresh")
	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := f.tokens.GetAccessToken(context.Background(), f.conn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "access-shared", got)
}

func TestSweepRefreshesExpiringConnections(t *testing.T) {
	f := newFixture(t)
	f.storeToken(t, 10*time.Minute) // inside the 15m buffer from the start

	f.gateway.On("Refresh", mock.Anything, "refresh-current", "api-key", "api-secret").
		Return(&broker.Session{AccessToken: "access-swept", ExpiresIn: 86400}, nil).Once()

	f.manager.Sweep(context.Background())
	f.gateway.AssertExpectations(t)

	got, err := f.tokens.GetAccessToken(context.Background(), f.conn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "access-swept", got)
}
