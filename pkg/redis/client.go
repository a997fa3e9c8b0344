package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace   = "cm"
	lockPrefix     = "lock"
	alertPrefix    = "alert"
	idemPrefix     = "idem"
	defaultScanCnt = 100
)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
	Publish(context.Context, string, any) *redis.IntCmd
	Scan(context.Context, uint64, string, int64) *redis.ScanCmd
}

// Client wraps the redis connection helpers needed by the metering services.
type Client struct {
	store cmdable
	raw   redis.UniversalClient
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(context.Context) error
}

// New bootstraps a Redis client with pooling/timeouts and verifies connectivity.
// A non-empty cluster address list selects a cluster client.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	var raw redis.UniversalClient
	if len(cfg.ClusterAddrs) > 0 {
		raw = redis.NewClusterClient(clusterOptionsFromConfig(cfg))
	} else {
		opts, err := optionsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		raw = redis.NewClient(opts)
	}
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "cluster", len(cfg.ClusterAddrs) > 0), "redis connection established")
	}
	return &Client{store: raw, raw: raw}, nil
}

// NewFromUniversal wraps an existing client, typically one pointed at a test server.
func NewFromUniversal(raw redis.UniversalClient) *Client {
	return &Client{store: raw, raw: raw}
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

func clusterOptionsFromConfig(cfg config.RedisConfig) *redis.ClusterOptions {
	return &redis.ClusterOptions{
		Addrs:        cfg.ClusterAddrs,
		Password:     cfg.Password,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Universal exposes the underlying client for script execution.
func (c *Client) Universal() redis.UniversalClient {
	return c.raw
}

// Set stores a string value with an optional TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	return c.store.Set(ctx, key, value, ttl).Err()
}

// Get returns a string value stored at key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c.store == nil {
		return "", errors.New("redis client not initialized")
	}
	return c.store.Get(ctx, key).Result()
}

// SetNX sets a value only if the key does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errors.New("redis client not initialized")
	}
	return c.store.SetNX(ctx, key, value, ttl).Result()
}

// Del removes the provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	return c.store.Del(ctx, keys...).Err()
}

// Publish sends payload to a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	return c.store.Publish(ctx, channel, payload).Err()
}

// ScanKeys returns every key matching pattern. On a cluster each master is
// scanned since SCAN only walks the node it is sent to.
func (c *Client) ScanKeys(ctx context.Context, pattern string, count int64) ([]string, error) {
	if c.store == nil {
		return nil, errors.New("redis client not initialized")
	}
	if count <= 0 {
		count = defaultScanCnt
	}

	var (
		mu   sync.Mutex
		seen = map[string]struct{}{}
	)
	collect := func(ctx context.Context, node cmdable) error {
		var cursor uint64
		for {
			keys, next, err := node.Scan(ctx, cursor, pattern, count).Result()
			if err != nil {
				return err
			}
			mu.Lock()
			for _, key := range keys {
				seen[key] = struct{}{}
			}
			mu.Unlock()
			if next == 0 {
				return nil
			}
			cursor = next
		}
	}

	if cluster, ok := c.raw.(*redis.ClusterClient); ok {
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return collect(ctx, node)
		})
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
	} else if err := collect(ctx, c.store); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	return c.store.Ping(ctx).Err()
}

// Close shuts down the underlying client if available.
func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// TenantKey returns the key holding one piece of tenant state. The tenant is
// wrapped in a hash tag so every key of a tenant lands in the same cluster
// slot and can be touched by a single script.
func (c *Client) TenantKey(tenantID, suffix string) string {
	return TenantKey(tenantID, suffix)
}

// TenantKey is the package-level form of Client.TenantKey.
func TenantKey(tenantID, suffix string) string {
	return keyNamespace + ":{" + tenantID + "}:" + suffix
}

// TenantPattern matches the suffix key of every tenant.
func TenantPattern(suffix string) string {
	return keyNamespace + ":{*}:" + suffix
}

// TenantFromKey extracts the tenant id from a key built by TenantKey.
func TenantFromKey(key, suffix string) (string, bool) {
	prefix := keyNamespace + ":{"
	tail := "}:" + suffix
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, tail) {
		return "", false
	}
	tenant := key[len(prefix) : len(key)-len(tail)]
	if tenant == "" {
		return "", false
	}
	return tenant, true
}

// LockKey returns a namespaced key for distributed job locks.
func (c *Client) LockKey(name, env string) string {
	return c.buildKey(lockPrefix, name, env)
}

// AlertCooldownKey returns the key that suppresses repeated alerts for a tenant.
func (c *Client) AlertCooldownKey(kind, tenantID string) string {
	return c.buildKey(alertPrefix, kind, "{"+tenantID+"}")
}

// IdempotencyKey returns the key storing a replayable response for an
// Idempotency-Key header value within scope.
func (c *Client) IdempotencyKey(scope, key string) string {
	return c.buildKey(idemPrefix, scope, key)
}

func (c *Client) buildKey(parts ...string) string {
	if len(parts) == 0 {
		return keyNamespace
	}
	clean := []string{keyNamespace}
	for _, part := range parts {
		if part == "" {
			continue
		}
		clean = append(clean, strings.TrimSpace(part))
	}
	return strings.Join(clean, ":")
}
