package config

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "development"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.ListenAddr == "" {
		c.App.ListenAddr = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/quantumleap.db"
	}
	if c.Broker.Name == "" {
		c.Broker.Name = "zerodha"
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://api.kite.trade"
	}
	if c.Broker.LoginURL == "" {
		c.Broker.LoginURL = "https://kite.zerodha.com/connect/login"
	}
	if c.Broker.TimeoutSeconds <= 0 {
		c.Broker.TimeoutSeconds = 15
	}
	if c.Broker.BreakerThreshold <= 0 {
		c.Broker.BreakerThreshold = 5
	}
	if c.Broker.BreakerCooldownS <= 0 {
		c.Broker.BreakerCooldownS = 30
	}
	if c.Tokens.ExpiryBufferMinutes <= 0 {
		c.Tokens.ExpiryBufferMinutes = 15
	}
	if c.Tokens.SweepIntervalMinutes <= 0 {
		c.Tokens.SweepIntervalMinutes = 10
	}
	if c.Tokens.RefreshMaxAttempts <= 0 {
		c.Tokens.RefreshMaxAttempts = 3
	}
	if c.Tokens.RefreshDelaySeconds <= 0 {
		c.Tokens.RefreshDelaySeconds = 2
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 30
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1024
	}
	if c.Monitor.IntervalMinutes <= 0 {
		c.Monitor.IntervalMinutes = 5
	}
}
