package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"quantumleap/internal/session"
	"quantumleap/internal/store/gormstore"
	"quantumleap/internal/store/model"
	"quantumleap/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	vault    *vault.Vault
	store    *Store
	registry *session.Registry
	now      time.Time
	mu       sync.Mutex
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
		db:    db,
		vault: v,
		now:   time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	v.SetNowFunc(f.clock)
	f.store = NewStore(db, v, 15*time.Minute)
	f.store.SetNowFunc(f.clock)
	f.registry = session.NewRegistry(db, v)
	f.registry.SetNowFunc(f.clock)
	return f
}

func (f *fixture) newConnection(t *testing.T, userID string) *session.Connection {
	t.Helper()
	conn, err := f.registry.Create(context.Background(), userID, "zerodha", "api_key_1", "api_secret_1")
	require.NoError(t, err)
	return conn
}

func (f *fixture) tokenCount(t *testing.T, configID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.BrokerTokenModel{}).Where("config_id = ?", configID).Count(&n).Error)
	return n
}

func TestSaveReplacesExistingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.newConnection(t, "user-1")

	for i := 0; i < 3; i++ {
		err := f.store.Save(ctx, conn.ID, Data{
			UserID:      "user-1",
			AccessToken: "token",
			ExpiresAt:   f.clock().Add(24 * time.Hour),
			Source:      model.SourceOAuth,
		})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.tokenCount(t, conn.ID))
}

func TestSaveConcurrentKeepsOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.newConnection(t, "user-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.store.Save(ctx, conn.ID, Data{
				UserID:      "user-1",
				AccessToken: "token",
				ExpiresAt:   f.clock().Add(24 * time.Hour),
				Source:      model.SourceOAuth,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, f.tokenCount(t, conn.ID))
}

func TestSaveEvictsOtherRowsOfSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Two configurations owned by the same user, e.g. after a credential
	// change that bypassed the registry replacement path.
	first := f.newConnection(t, "user-1")
	var stale model.BrokerConfigModel
	stale = model.BrokerConfigModel{
		ID: "stale-config", UserID: "user-1", BrokerName: "other",
		APIKey: "k", APISecretEnc: "enc", State: model.StateConnected,
	}
	require.NoError(t, f.db.Create(&stale).Error)
	require.NoError(t, f.store.Save(ctx, stale.ID, Data{
		UserID: "user-1", AccessToken: "a", ExpiresAt: f.clock().Add(time.Hour),
	}))

	require.NoError(t, f.store.Save(ctx, first.ID, Data{
		UserID: "user-1", AccessToken: "b", ExpiresAt: f.clock().Add(time.Hour),
	}))

	var total int64
	require.NoError(t, f.db.Model(&model.BrokerTokenModel{}).Where("user_id = ?", "user-1").Count(&total).Error)
	assert.EqualValues(t, 1, total, "at most one live token per user")
}

func TestGetAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.newConnection(t, "user-1")

	_, err := f.store.GetAccessToken(ctx, conn.ID, false)
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, f.store.Save(ctx, conn.ID, Data{
		UserID:      "user-1",
		AccessToken: "secret-token",
		ExpiresAt:   f.clock().Add(time.Hour),
	}))

	got, err := f.store.GetAccessToken(ctx, conn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", got)

	f.advance(2 * time.Hour)
	_, err = f.store.GetAccessToken(ctx, conn.ID, false)
	assert.ErrorIs(t, err, ErrTokenExpired)

	got, err = f.store.GetAccessToken(ctx, conn.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", got)
}

func TestStatusPriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.newConnection(t, "user-1")

	status, err := f.store.GetStatus(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusNoToken, status)

	// Token stored at T0 with 24h validity.
	require.NoError(t, f.store.Save(ctx, conn.ID, Data{
		UserID:      "user-1",
		AccessToken: "tok",
		ExpiresAt:   f.clock().Add(24 * time.Hour),
	}))
	status, err = f.store.GetStatus(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusValid, status)

	// At T0+23h45m the token sits inside the 15m buffer.
	f.advance(23*time.Hour + 45*time.Minute)
	status, err = f.store.GetStatus(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusExpiringSoon, status)

	// Past expiry.
	f.advance(time.Hour)
	status, err = f.store.GetStatus(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusExpired, status)

	// needs_reauth wins even over a fresh, unexpired token.
	require.NoError(t, f.store.Save(ctx, conn.ID, Data{
		UserID:      "user-1",
		AccessToken: "tok2",
		ExpiresAt:   f.clock().Add(24 * time.Hour),
	}))
	require.NoError(t, f.store.MarkNeedsReauth(ctx, conn.ID, "broker rejected token"))
	status, err = f.store.GetStatus(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusNeedsReauth, status)
}

func TestMarkNeedsReauthUpdatesConfigState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.newConnection(t, "user-1")
	require.NoError(t, f.store.Save(ctx, conn.ID, Data{
		UserID: "user-1", AccessToken: "tok", ExpiresAt: f.clock().Add(time.Hour),
	}))

	require.NoError(t, f.store.MarkNeedsReauth(ctx, conn.ID, "refresh exhausted"))

	got, err := f.registry.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsReauth, got.State)
	assert.Equal(t, "refresh exhausted", got.StatusMessage)
}

func TestGetExpiringSoonJoinsConnectedConfigs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	connected := f.newConnection(t, "user-1")
	require.NoError(t, f.registry.UpdateState(ctx, connected.ID, model.StateConnected, "ok"))
	disconnected := f.newConnection(t, "user-2")

	for _, conn := range []*session.Connection{connected, disconnected} {
		require.NoError(t, f.store.Save(ctx, conn.ID, Data{
			UserID:      conn.UserID,
			AccessToken: "tok",
			ExpiresAt:   f.clock().Add(10 * time.Minute),
		}))
	}

	ids, err := f.store.GetExpiringSoon(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{connected.ID}, ids)

	// A flagged token drops out of the sweep set.
	require.NoError(t, f.store.MarkNeedsReauth(ctx, connected.ID, "flagged"))
	ids, err = f.store.GetExpiringSoon(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSaveRefreshedKeepsPriorRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.newConnection(t, "user-1")

	require.NoError(t, f.store.Save(ctx, conn.ID, Data{
		UserID:       "user-1",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    f.clock().Add(time.Hour),
		Source:       model.SourceOAuth,
	}))

	// Broker omits the refresh token on refresh: the prior one survives.
	require.NoError(t, f.store.SaveRefreshed(ctx, conn.ID, Data{
		UserID:      "user-1",
		AccessToken: "access-2",
		ExpiresAt:   f.clock().Add(24 * time.Hour),
	}))

	refresh, err := f.store.GetRefreshToken(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh)

	access, err := f.store.GetAccessToken(ctx, conn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "access-2", access)

	// Config moved to connected with last_token_refresh set, atomically.
	got, err := f.registry.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, got.State)
	require.NotNil(t, got.LastTokenRefresh)
	assert.WithinDuration(t, f.clock(), *got.LastTokenRefresh, time.Second)

	rec, err := f.store.GetRecord(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceRefresh, rec.Source)
	assert.EqualValues(t, 1, f.tokenCount(t, conn.ID))
}

func TestDeleteRemovesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.newConnection(t, "user-1")
	require.NoError(t, f.store.Save(ctx, conn.ID, Data{
		UserID: "user-1", AccessToken: "tok", ExpiresAt: f.clock().Add(time.Hour),
	}))
	require.NoError(t, f.store.Delete(ctx, conn.ID))
	_, err := f.store.GetAccessToken(ctx, conn.ID, true)
	assert.ErrorIs(t, err, ErrNoToken)
}
