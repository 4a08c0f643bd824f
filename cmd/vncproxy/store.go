package main

import (
	"github.com/google/uuid"

	"github.com/matst80/vncproxy/internal/forward"
	"github.com/matst80/vncproxy/internal/obs"
)

// newStore creates either an in-memory or Redis-backed claim store based on configuration.
func newStore(cfg Config) (forward.Store, error) {
	if cfg.RedisAddr == "" {
		obs.Info("store.backend", obs.Fields{"type": "in-memory"})
		return forward.NewMemoryStore(), nil
	}
	id := uuid.NewString()
	obs.Info("store.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr, "instance": id})
	rs, err := forward.NewRedisStore(forward.RedisOptions{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		KeyTTL:     cfg.RedisKeyTTL,
		InstanceID: id,
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}
