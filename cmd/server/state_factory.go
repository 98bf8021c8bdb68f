package main

import (
	"context"

	"github.com/matst80/blockgate/internal/obs"
)

// newLeaseStore creates either an in-memory or Redis-backed lease registry
// based on configuration.
func newLeaseStore(ctx context.Context, cfg *Config) (LeaseStore, error) {
	if cfg.RedisAddr == "" {
		obs.Info("lease.backend", obs.Fields{"type": "in-memory"})
		return newMemoryState(cfg.PortMin, cfg.PortMax, cfg.LeaseLinger), nil
	}
	obs.Info("lease.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	store, err := newRedisState(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PortMin, cfg.PortMax, cfg.LeaseLinger)
	if err != nil {
		return nil, err
	}
	go store.maintain(ctx)
	return store, nil
}
