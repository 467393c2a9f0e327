package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
)

func validate(cfg *Config) error {
	if cfg.Vault.EncryptionKey == "" {
		return fmt.Errorf("vault.encryption_key is required (or set %s)", EncryptionKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(cfg.Vault.EncryptionKey)
	if err != nil {
		return fmt.Errorf("vault.encryption_key must be base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("vault.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	for name, raw := range map[string]string{
		"broker.base_url":  cfg.Broker.BaseURL,
		"broker.login_url": cfg.Broker.LoginURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not a valid URL: %q", name, raw)
		}
	}
	return nil
}

// EncryptionKey decodes the configured base64 key into raw bytes.
// Load already validated the format.
func (c *Config) EncryptionKey() []byte {
	key, _ := base64.StdEncoding.DecodeString(c.Vault.EncryptionKey)
	return key
}
