// Package model defines the persisted gorm models for broker connections
// and their token material. All secret columns hold vault ciphertext only.
package model

import "time"

// Connection states. The registry owns every transition.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateRefreshing   = "refreshing"
	StateError        = "error"
	StateNeedsReauth  = "needs_reauth"
)

// Token statuses, in evaluation priority order (no_token first).
const (
	TokenStatusNoToken      = "no_token"
	TokenStatusNeedsReauth  = "needs_reauth"
	TokenStatusExpired      = "expired"
	TokenStatusExpiringSoon = "expiring_soon"
	TokenStatusValid        = "valid"
)

// Token sources.
const (
	SourceOAuth      = "oauth"
	SourceAutomation = "automation"
	SourceRefresh    = "refresh"
)

// BrokerConfigModel is one user's link to one brokerage account.
type BrokerConfigModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	UserID           string `gorm:"size:64;not null;index:idx_broker_configs_user"`
	BrokerName       string `gorm:"size:32;not null"`
	APIKey           string `gorm:"size:128;not null"`
	APISecretEnc     string `gorm:"type:text;not null"`
	State            string `gorm:"size:24;not null;default:disconnected;index:idx_broker_configs_state"`
	StatusMessage    string `gorm:"type:text"`
	LastChecked      *time.Time
	LastTokenRefresh *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (BrokerConfigModel) TableName() string { return "broker_configs" }

// BrokerTokenModel holds the single live token row for a connection.
// The unique index on ConfigID backs the one-live-token invariant; the
// store still replaces rows delete-then-insert inside one transaction.
type BrokerTokenModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	ConfigID        string `gorm:"size:64;not null;uniqueIndex:idx_broker_tokens_config"`
	UserID          string `gorm:"size:64;not null;index:idx_broker_tokens_user"`
	AccessTokenEnc  string `gorm:"type:text;not null"`
	RefreshTokenEnc string `gorm:"type:text"`
	TokenType       string `gorm:"size:24"`
	ExpiresAt       time.Time `gorm:"not null;index:idx_broker_tokens_expiry"`
	Status          string    `gorm:"size:24;not null"`
	NeedsReauth     bool      `gorm:"not null;default:false"`
	Source          string    `gorm:"size:24;not null"`
	BrokerUserID    string    `gorm:"size:64"`
	LastRefreshed   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (BrokerTokenModel) TableName() string { return "broker_tokens" }
