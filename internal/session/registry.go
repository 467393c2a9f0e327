// Package session owns the broker configuration records: one row per
// user-broker link, with coarse connection state.
package session

import (
	"context"
	"errors"
	"time"

	"quantumleap/internal/store/model"
	"quantumleap/internal/vault"

	"gorm.io/gorm"
)

var (
	ErrConnectionNotFound = errors.New("broker connection not found")
	ErrInvalidState       = errors.New("invalid connection state")
)

var validStates = map[string]bool{
	model.StateDisconnected: true,
	model.StateConnected:    true,
	model.StateRefreshing:   true,
	model.StateError:        true,
	model.StateNeedsReauth:  true,
}

// Connection is the registry's view of a broker configuration. Secret
// material never leaves the package except through Credentials.
type Connection struct {
	ID               string
	UserID           string
	BrokerName       string
	APIKey           string
	State            string
	StatusMessage    string
	LastChecked      *time.Time
	LastTokenRefresh *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Registry maps connection ids to broker configurations and their state.
type Registry struct {
	db    *gorm.DB
	vault *vault.Vault
	nowFn func() time.Time
}

func NewRegistry(db *gorm.DB, v *vault.Vault) *Registry {
	return &Registry{db: db, vault: v, nowFn: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		r.nowFn = fn
	}
}

// Create registers a user's broker credentials. Any prior configuration for
// the same user+broker is replaced, together with its token row, in one
// transaction: stale credentials must never outlive a credential change.
func (r *Registry) Create(ctx context.Context, userID, brokerName, apiKey, apiSecret string) (*Connection, error) {
	secretEnc, err := r.vault.Encrypt(apiSecret)
	if err != nil {
		return nil, err
	}
	now := r.nowFn()
	rec := model.BrokerConfigModel{
		ID:           r.vault.GenerateID(),
		UserID:       userID,
		BrokerName:   brokerName,
		APIKey:       apiKey,
		APISecretEnc: secretEnc,
		State:        model.StateDisconnected,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old []model.BrokerConfigModel
		if err := tx.Where("user_id = ? AND broker_name = ?", userID, brokerName).Find(&old).Error; err != nil {
			return err
		}
		for _, o := range old {
			if err := tx.Where("config_id = ?", o.ID).Delete(&model.BrokerTokenModel{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&model.BrokerConfigModel{}, "id = ?", o.ID).Error; err != nil {
				return err
			}
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return fromModel(&rec), nil
}

// Get returns the connection by id.
func (r *Registry) Get(ctx context.Context, id string) (*Connection, error) {
	var rec model.BrokerConfigModel
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return fromModel(&rec), nil
}

// GetByUser returns the user's connection. Each user has at most one per
// broker; the first match wins when a user somehow has several brokers.
func (r *Registry) GetByUser(ctx context.Context, userID string) (*Connection, error) {
	var rec model.BrokerConfigModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return fromModel(&rec), nil
}

// ListByState returns all connections in the given state.
func (r *Registry) ListByState(ctx context.Context, state string) ([]*Connection, error) {
	if !validStates[state] {
		return nil, ErrInvalidState
	}
	var recs []model.BrokerConfigModel
	if err := r.db.WithContext(ctx).Where("state = ?", state).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Connection, 0, len(recs))
	for i := range recs {
		out = append(out, fromModel(&recs[i]))
	}
	return out, nil
}

// UpdateState moves the connection into a new state with a status message.
func (r *Registry) UpdateState(ctx context.Context, id, state, message string) error {
	if !validStates[state] {
		return ErrInvalidState
	}
	res := r.db.WithContext(ctx).Model(&model.BrokerConfigModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":          state,
			"status_message": message,
			"updated_at":     r.nowFn(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// TouchChecked records a health-probe observation without changing state.
func (r *Registry) TouchChecked(ctx context.Context, id, message string) error {
	now := r.nowFn()
	res := r.db.WithContext(ctx).Model(&model.BrokerConfigModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_checked":   &now,
			"status_message": message,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// Credentials decrypts and returns the connection's API key pair.
func (r *Registry) Credentials(ctx context.Context, id string) (apiKey, apiSecret string, err error) {
	var rec model.BrokerConfigModel
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", ErrConnectionNotFound
		}
		return "", "", err
	}
	secret, err := r.vault.Decrypt(rec.APISecretEnc)
	if err != nil {
		return "", "", err
	}
	return rec.APIKey, secret, nil
}

// Delete removes the configuration and its token row.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("config_id = ?", id).Delete(&model.BrokerTokenModel{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.BrokerConfigModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConnectionNotFound
		}
		return nil
	})
}

func fromModel(rec *model.BrokerConfigModel) *Connection {
	return &Connection{
		ID:               rec.ID,
		UserID:           rec.UserID,
		BrokerName:       rec.BrokerName,
		APIKey:           rec.APIKey,
		State:            rec.State,
		StatusMessage:    rec.StatusMessage,
		LastChecked:      rec.LastChecked,
		LastTokenRefresh: rec.LastTokenRefresh,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}
