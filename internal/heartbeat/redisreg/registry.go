// Package redisreg tracks consumer liveness in Redis so an operator (or a
// readiness probe) can ask "is consumer X still heartbeating" without
// reaching into the broker. It decorates a messaging.ConsumerGateway,
// touching a TTL'd key on every successful heartbeat tick with a plain SET
// and expiry, so each touch refreshes the TTL.
package redisreg

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/brightercommand/brightside-go/internal/messaging"
)

const keyPrefix = "activator:heartbeat:"

// Registry records and queries consumer liveness in Redis.
type Registry struct {
	client *goredis.Client
	ttl    time.Duration
}

// New wraps an existing client. ttl defaults to 30s if zero.
func New(client *goredis.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{client: client, ttl: ttl}
}

// Touch marks consumer as alive right now, resetting its TTL.
func (r *Registry) Touch(ctx context.Context, consumer string) error {
	key := keyPrefix + consumer
	if err := r.client.Set(ctx, key, time.Now().UTC().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis: touch heartbeat: %w", err)
	}
	return nil
}

// IsAlive reports whether consumer has been touched within its TTL.
func (r *Registry) IsAlive(ctx context.Context, consumer string) (bool, error) {
	key := keyPrefix + consumer
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check heartbeat: %w", err)
	}
	return n > 0, nil
}

// Instrumented wraps a messaging.ConsumerGateway, touching the registry
// under consumerName every time HeartbeatTick succeeds.
type Instrumented struct {
	messaging.ConsumerGateway
	registry     *Registry
	consumerName string
}

// Wrap returns gw decorated to report its heartbeat ticks into registry
// under consumerName.
func Wrap(gw messaging.ConsumerGateway, registry *Registry, consumerName string) *Instrumented {
	return &Instrumented{ConsumerGateway: gw, registry: registry, consumerName: consumerName}
}

// HeartbeatTick delegates to the wrapped gateway and, on success, touches
// the registry. Context is best-effort background: a slow/failed Redis
// touch must never fail the underlying broker heartbeat.
func (i *Instrumented) HeartbeatTick() error {
	if err := i.ConsumerGateway.HeartbeatTick(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = i.registry.Touch(ctx, i.consumerName)
	return nil
}
