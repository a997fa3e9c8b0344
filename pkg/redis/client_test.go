package redis

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.TenantKey("acme", "balance"); got != "cm:{acme}:balance" {
		t.Fatalf("unexpected tenant key %s", got)
	}
	if got := TenantPattern("usage"); got != "cm:{*}:usage" {
		t.Fatalf("unexpected tenant pattern %s", got)
	}
	if got := client.LockKey("flush", "prod"); got != "cm:lock:flush:prod" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := client.LockKey("flush", ""); got != "cm:lock:flush" {
		t.Fatalf("env-less lock key should skip empty parts, got %s", got)
	}
	if got := client.AlertCooldownKey("low_balance", "acme"); got != "cm:alert:low_balance:{acme}" {
		t.Fatalf("unexpected alert key %s", got)
	}
	if got := client.IdempotencyKey("abc", "k1"); got != "cm:idem:abc:k1" {
		t.Fatalf("unexpected idempotency key %s", got)
	}
}

func TestTenantFromKey(t *testing.T) {
	tests := []struct {
		key    string
		tenant string
		ok     bool
	}{
		{key: "cm:{acme}:usage", tenant: "acme", ok: true},
		{key: "cm:{a:b}:usage", tenant: "a:b", ok: true},
		{key: "cm:{acme}:txlog", ok: false},
		{key: "cm:{}:usage", ok: false},
		{key: "other:{acme}:usage", ok: false},
	}
	for _, tt := range tests {
		tenant, ok := TenantFromKey(tt.key, "usage")
		if ok != tt.ok || tenant != tt.tenant {
			t.Fatalf("TenantFromKey(%q) = %q,%v want %q,%v", tt.key, tenant, ok, tt.tenant, tt.ok)
		}
	}
}

func TestSetNXOnlyOnce(t *testing.T) {
	ctx := context.Background()
	client := &Client{store: newMockCmdable()}

	ok, err := client.SetNX(ctx, "k", "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to win, ok=%v err=%v", ok, err)
	}
	ok, err = client.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second setnx to lose, ok=%v err=%v", ok, err)
	}
	got, err := client.Get(ctx, "k")
	if err != nil || got != "v1" {
		t.Fatalf("expected v1, got %q err=%v", got, err)
	}
	if err := client.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := client.Get(ctx, "k"); err != redis.Nil {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestUninitializedClientErrors(t *testing.T) {
	client := &Client{}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error from uninitialized client")
	}
	if _, err := client.ScanKeys(context.Background(), "*", 10); err == nil {
		t.Fatal("expected scan error from uninitialized client")
	}
}

func TestScanKeysAgainstServer(t *testing.T) {
	srv := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	client := NewFromUniversal(raw)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		srv.Set(TenantKey(fmt.Sprintf("tenant-%02d", i), "usage"), "x")
	}
	srv.Set(TenantKey("tenant-00", "balance"), "1")

	keys, err := client.ScanKeys(ctx, TenantPattern("usage"), 5)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 25 {
		t.Fatalf("expected 25 usage keys, got %d", len(keys))
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, ":usage") {
			t.Fatalf("unexpected key %s", key)
		}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	srv := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	client := NewFromUniversal(raw)
	ctx := context.Background()

	sub := raw.Subscribe(ctx, "alerts")
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := client.Publish(ctx, "alerts", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.Channel():
		if msg.Payload != "hello" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

type mockCmdable struct {
	data map[string]string
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{data: make(map[string]string)}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	return redis.NewIntResult(0, nil)
}

func (m *mockCmdable) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}
