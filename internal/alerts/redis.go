package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// RedisNotifier publishes the alert JSON on a pub/sub channel.
type RedisNotifier struct {
	client  publisher
	channel string
}

func NewRedisNotifier(client publisher, channel string) (*RedisNotifier, error) {
	if client == nil {
		return nil, errors.New("redis client required for alerts")
	}
	if channel == "" {
		return nil, errors.New("alert channel is required")
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

func (n *RedisNotifier) NotifyLowBalance(ctx context.Context, alert LowBalance) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Cooldown decides whether a tenant may be alerted again.
type Cooldown interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
}

type cooldownStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	AlertCooldownKey(kind, tenantID string) string
}

// RedisCooldown shares the cooldown across processes with SET NX EX.
type RedisCooldown struct {
	client cooldownStore
	ttl    time.Duration
}

func NewRedisCooldown(client cooldownStore, ttl time.Duration) *RedisCooldown {
	return &RedisCooldown{client: client, ttl: ttl}
}

func (c *RedisCooldown) Allow(ctx context.Context, tenantID string) (bool, error) {
	if c.ttl <= 0 {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, c.client.AlertCooldownKey("low_balance", tenantID), time.Now().UTC().Format(time.RFC3339), c.ttl)
	if err != nil {
		return false, fmt.Errorf("alert cooldown: %w", err)
	}
	return ok, nil
}

// MemoryCooldown is the single-process variant used with the memory store.
type MemoryCooldown struct {
	mu   sync.Mutex
	ttl  time.Duration
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryCooldown(ttl time.Duration) *MemoryCooldown {
	return &MemoryCooldown{ttl: ttl, last: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryCooldown) Allow(_ context.Context, tenantID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.last[tenantID]; ok && now.Sub(last) < c.ttl {
		return false, nil
	}
	c.last[tenantID] = now
	return true, nil
}

// Throttled suppresses repeat alerts for a tenant while its cooldown holds.
type Throttled struct {
	next     Notifier
	cooldown Cooldown
}

func NewThrottled(next Notifier, cooldown Cooldown) *Throttled {
	return &Throttled{next: next, cooldown: cooldown}
}

func (t *Throttled) NotifyLowBalance(ctx context.Context, alert LowBalance) error {
	if t.cooldown != nil {
		ok, err := t.cooldown.Allow(ctx, alert.TenantID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSuppressed
		}
	}
	return t.next.NotifyLowBalance(ctx, alert)
}
