// Package token persists broker token material. Exactly one live token row
// exists per connection at any time; every replacement happens as a
// delete-then-insert inside a single transaction.
package token

import (
	"context"
	"errors"
	"time"

	"quantumleap/internal/store/model"
	"quantumleap/internal/vault"

	"gorm.io/gorm"
)

var (
	ErrNoToken      = errors.New("no token stored for connection")
	ErrTokenExpired = errors.New("stored token has expired")
)

// Data carries the plaintext token material to persist. RefreshToken may be
// empty: brokers do not always rotate it, and SaveRefreshed keeps the prior
// one in that case.
type Data struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Source       string
	BrokerUserID string
}

// Record is the decrypted-free view of a stored token, for status reporting.
type Record struct {
	ConfigID      string
	UserID        string
	TokenType     string
	ExpiresAt     time.Time
	Status        string
	NeedsReauth   bool
	Source        string
	BrokerUserID  string
	LastRefreshed time.Time
}

// Store reads and writes encrypted token rows.
type Store struct {
	db     *gorm.DB
	vault  *vault.Vault
	buffer time.Duration
	nowFn  func() time.Time
}

// NewStore constructs a Store. buffer is the uniform "expiring soon"
// threshold applied to every status computation.
func NewStore(db *gorm.DB, v *vault.Vault, buffer time.Duration) *Store {
	return &Store{db: db, vault: v, buffer: buffer, nowFn: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// Buffer returns the configured expiring-soon threshold.
func (s *Store) Buffer() time.Duration { return s.buffer }

// Save replaces the connection's token row. The delete covers both the
// connection id and, when known, the owning user, so a user can never
// accumulate a second live token through a stale configuration.
func (s *Store) Save(ctx context.Context, configID string, data Data) error {
	row, err := s.encrypt(configID, data)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteLiveRows(tx, configID, data.UserID); err != nil {
			return err
		}
		return tx.Create(row).Error
	})
}

// SaveRefreshed replaces the token row after a successful refresh and, in
// the same transaction, moves the configuration to connected with a fresh
// last_token_refresh. No reader ever observes one update without the other.
func (s *Store) SaveRefreshed(ctx context.Context, configID string, data Data) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if data.RefreshToken == "" {
			// Broker omitted a rotated refresh token: carry the prior one.
			var prev model.BrokerTokenModel
			err := tx.First(&prev, "config_id = ?", configID).Error
			if err == nil && prev.RefreshTokenEnc != "" {
				prior, derr := s.vault.Decrypt(prev.RefreshTokenEnc)
				if derr != nil {
					return derr
				}
				data.RefreshToken = prior
			} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		row, err := s.encrypt(configID, data)
		if err != nil {
			return err
		}
		row.Source = model.SourceRefresh
		row.LastRefreshed = s.nowFn()
		if err := deleteLiveRows(tx, configID, data.UserID); err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		now := s.nowFn()
		return tx.Model(&model.BrokerConfigModel{}).
			Where("id = ?", configID).
			Updates(map[string]any{
				"state":              model.StateConnected,
				"status_message":     "token refreshed",
				"last_token_refresh": &now,
				"updated_at":         now,
			}).Error
	})
}

// GetAccessToken decrypts and returns the access token. Expired tokens are
// rejected unless allowExpired is set (refresh paths need the row itself).
func (s *Store) GetAccessToken(ctx context.Context, configID string, allowExpired bool) (string, error) {
	var rec model.BrokerTokenModel
	if err := s.db.WithContext(ctx).First(&rec, "config_id = ?", configID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoToken
		}
		return "", err
	}
	if !allowExpired && s.vault.HasExpired(rec.ExpiresAt) {
		return "", ErrTokenExpired
	}
	return s.vault.Decrypt(rec.AccessTokenEnc)
}

// GetRefreshToken decrypts the stored refresh token. Empty when the broker
// never issued one.
func (s *Store) GetRefreshToken(ctx context.Context, configID string) (string, error) {
	var rec model.BrokerTokenModel
	if err := s.db.WithContext(ctx).First(&rec, "config_id = ?", configID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoToken
		}
		return "", err
	}
	if rec.RefreshTokenEnc == "" {
		return "", nil
	}
	return s.vault.Decrypt(rec.RefreshTokenEnc)
}

// GetStatus computes the fine-grained token status in strict priority
// order: no_token, needs_reauth, expired, expiring_soon, valid. The
// needs_reauth flag wins even over an unexpired token, because it records a
// broker-side rejection that expiry math cannot see.
func (s *Store) GetStatus(ctx context.Context, configID string) (string, error) {
	var rec model.BrokerTokenModel
	if err := s.db.WithContext(ctx).First(&rec, "config_id = ?", configID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.TokenStatusNoToken, nil
		}
		return "", err
	}
	switch {
	case rec.NeedsReauth:
		return model.TokenStatusNeedsReauth, nil
	case s.vault.HasExpired(rec.ExpiresAt):
		return model.TokenStatusExpired, nil
	case s.vault.IsWithinBuffer(rec.ExpiresAt, s.buffer):
		return model.TokenStatusExpiringSoon, nil
	default:
		return model.TokenStatusValid, nil
	}
}

// GetRecord returns the stored token's metadata without decrypting anything.
func (s *Store) GetRecord(ctx context.Context, configID string) (*Record, error) {
	var rec model.BrokerTokenModel
	if err := s.db.WithContext(ctx).First(&rec, "config_id = ?", configID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	status, err := s.GetStatus(ctx, configID)
	if err != nil {
		return nil, err
	}
	return &Record{
		ConfigID:      rec.ConfigID,
		UserID:        rec.UserID,
		TokenType:     rec.TokenType,
		ExpiresAt:     rec.ExpiresAt,
		Status:        status,
		NeedsReauth:   rec.NeedsReauth,
		Source:        rec.Source,
		BrokerUserID:  rec.BrokerUserID,
		LastRefreshed: rec.LastRefreshed,
	}, nil
}

// GetExpiringSoon returns connection ids whose token expires inside the
// window, excluding disconnected configurations and tokens already flagged
// for reauth. Feeds the background sweep.
func (s *Store) GetExpiringSoon(ctx context.Context, window time.Duration) ([]string, error) {
	now := s.nowFn()
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.BrokerTokenModel{}).
		Joins("JOIN broker_configs ON broker_configs.id = broker_tokens.config_id").
		Where("broker_configs.state = ?", model.StateConnected).
		Where("broker_tokens.needs_reauth = ?", false).
		Where("broker_tokens.expires_at > ? AND broker_tokens.expires_at <= ?", now, now.Add(window)).
		Pluck("broker_tokens.config_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkNeedsReauth flags the token and moves the configuration to
// needs_reauth in one transaction.
func (s *Store) MarkNeedsReauth(ctx context.Context, configID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.BrokerTokenModel{}).
			Where("config_id = ?", configID).
			Updates(map[string]any{
				"needs_reauth": true,
				"status":       model.TokenStatusNeedsReauth,
				"updated_at":   s.nowFn(),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&model.BrokerConfigModel{}).
			Where("id = ?", configID).
			Updates(map[string]any{
				"state":          model.StateNeedsReauth,
				"status_message": reason,
				"updated_at":     s.nowFn(),
			}).Error
	})
}

// Delete removes the token row, e.g. on disconnect.
func (s *Store) Delete(ctx context.Context, configID string) error {
	return s.db.WithContext(ctx).Where("config_id = ?", configID).Delete(&model.BrokerTokenModel{}).Error
}

func (s *Store) encrypt(configID string, data Data) (*model.BrokerTokenModel, error) {
	accessEnc, err := s.vault.Encrypt(data.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc := ""
	if data.RefreshToken != "" {
		refreshEnc, err = s.vault.Encrypt(data.RefreshToken)
		if err != nil {
			return nil, err
		}
	}
	status := model.TokenStatusValid
	if s.vault.IsWithinBuffer(data.ExpiresAt, s.buffer) {
		status = model.TokenStatusExpiringSoon
	}
	tokenType := data.TokenType
	if tokenType == "" {
		tokenType = "access_token"
	}
	now := s.nowFn()
	return &model.BrokerTokenModel{
		ID:              s.vault.GenerateID(),
		ConfigID:        configID,
		UserID:          data.UserID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenType:       tokenType,
		ExpiresAt:       data.ExpiresAt,
		Status:          status,
		NeedsReauth:     false,
		Source:          data.Source,
		BrokerUserID:    data.BrokerUserID,
		LastRefreshed:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func deleteLiveRows(tx *gorm.DB, configID, userID string) error {
	if err := tx.Where("config_id = ?", configID).Delete(&model.BrokerTokenModel{}).Error; err != nil {
		return err
	}
	if userID != "" {
		if err := tx.Where("user_id = ?", userID).Delete(&model.BrokerTokenModel{}).Error; err != nil {
			return err
		}
	}
	return nil
}
