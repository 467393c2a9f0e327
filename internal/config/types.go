package config

import "time"

// Config is the root configuration for the broker gateway service.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Tokens   TokensConfig   `mapstructure:"tokens"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

type AppConfig struct {
	Env        string `mapstructure:"env"`
	LogLevel   string `mapstructure:"log_level"`
	LogPath    string `mapstructure:"log_path"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type VaultConfig struct {
	// EncryptionKey is base64 of 32 raw bytes. Usually injected through
	// QL_ENCRYPTION_KEY rather than written into the config file.
	EncryptionKey string `mapstructure:"encryption_key"`
}

type BrokerConfig struct {
	Name           string `mapstructure:"name"`
	BaseURL        string `mapstructure:"base_url"`
	LoginURL       string `mapstructure:"login_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	// Circuit breaker over outbound broker calls.
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	BreakerCooldownS int `mapstructure:"breaker_cooldown_seconds"`
}

type TokensConfig struct {
	// ExpiryBufferMinutes is the single "expiring soon" threshold applied
	// everywhere (status computation, sweep window, lifecycle checks).
	ExpiryBufferMinutes  int `mapstructure:"expiry_buffer_minutes"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
	RefreshMaxAttempts   int `mapstructure:"refresh_max_attempts"`
	RefreshDelaySeconds  int `mapstructure:"refresh_delay_seconds"`
}

type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
	MaxEntries int `mapstructure:"max_entries"`
}

type MonitorConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

func (b BrokerConfig) BreakerCooldown() time.Duration {
	return time.Duration(b.BreakerCooldownS) * time.Second
}

func (t TokensConfig) ExpiryBuffer() time.Duration {
	return time.Duration(t.ExpiryBufferMinutes) * time.Minute
}

func (t TokensConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalMinutes) * time.Minute
}

func (t TokensConfig) RefreshDelay() time.Duration {
	return time.Duration(t.RefreshDelaySeconds) * time.Second
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMinutes) * time.Minute
}
