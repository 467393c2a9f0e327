package app

import (
	"fmt"

	"quantumleap/internal/broker"
	"quantumleap/internal/config"
	"quantumleap/internal/lifecycle"
	"quantumleap/internal/monitor"
	"quantumleap/internal/portfolio"
	"quantumleap/internal/session"
	"quantumleap/internal/store/gormstore"
	"quantumleap/internal/token"
	"quantumleap/internal/vault"
)

// components is the fully wired dependency graph.
type components struct {
	registry *session.Registry
	tokens   *token.Store
	client   *broker.Client
	manager  *lifecycle.Manager
	cache    *portfolio.Cache
	monitor  *monitor.Monitor
	service  *Service
}

func buildComponents(cfg *config.Config) (*components, error) {
	db, err := gormstore.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	v, err := vault.New(cfg.EncryptionKey())
	if err != nil {
		return nil, fmt.Errorf("initializing vault: %w", err)
	}

	registry := session.NewRegistry(db, v)
	tokens := token.NewStore(db, v, cfg.Tokens.ExpiryBuffer())

	client, err := broker.NewClient(broker.Options{
		BaseURL:          cfg.Broker.BaseURL,
		LoginURL:         cfg.Broker.LoginURL,
		Timeout:          cfg.Broker.Timeout(),
		BreakerThreshold: cfg.Broker.BreakerThreshold,
		BreakerCooldown:  cfg.Broker.BreakerCooldown(),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing broker client: %w", err)
	}

	manager := lifecycle.NewManager(tokens, registry, client, lifecycle.Options{
		MaxAttempts: cfg.Tokens.RefreshMaxAttempts,
		RetryDelay:  cfg.Tokens.RefreshDelay(),
	})
	cache := portfolio.NewCache(client, manager, registry, portfolio.CacheOptions{
		TTL:        cfg.Cache.TTL(),
		MaxEntries: cfg.Cache.MaxEntries,
	})
	mon := monitor.New(registry, tokens, client, manager)
	service := NewService(registry, tokens, client, manager, cache, v)

	return &components{
		registry: registry,
		tokens:   tokens,
		client:   client,
		manager:  manager,
		cache:    cache,
		monitor:  mon,
		service:  service,
	}, nil
}
