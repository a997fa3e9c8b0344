package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/pkg/enums"
	redisclient "github.com/angelmondragon/creditmeter/pkg/redis"
)

const (
	keyBalance     = "balance"
	keyTxLog       = "txlog"
	keyTxFlushed   = "txflushed"
	keyUsage       = "usage"
	keyUsageStatus = "usage_status"

	usageCharged = "charged"
)

// mutateScript applies one debit or credit and appends the transaction record.
//
// KEYS: balance, txlog, usage_status
// ARGV: kind, units, tx id, source, reference, usage id
// Returns {1, balance, seq} on success and {0, balance, ""} when a debit is
// refused. A credit that would overflow the balance fails with
// "amount out of range" and leaves it untouched.
var mutateScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == 'debit' then
  local after = redis.call('DECRBY', KEYS[1], ARGV[2])
  if after < 0 and tonumber(ARGV[2]) > 0 then
    if current then
      redis.call('SET', KEYS[1], current)
    else
      redis.call('DEL', KEYS[1])
    end
    return {0, current or '0', ''}
  end
else
  local after = redis.pcall('INCRBY', KEYS[1], ARGV[2])
  if type(after) == 'table' then
    if after.err and string.find(after.err, 'overflow', 1, true) then
      return redis.error_reply('amount out of range')
    end
    return after
  end
end
local balance = redis.call('GET', KEYS[1])

local now = redis.call('TIME')
local seq = tonumber(now[1]) * 1000 + math.floor(tonumber(now[2]) / 1000)
local last = redis.call('ZRANGE', KEYS[2], -1, -1, 'WITHSCORES')
if #last == 2 and tonumber(last[2]) >= seq then
  seq = tonumber(last[2]) + 1
end
local stamp = string.format('%d', seq)

local record = cjson.encode({
  id = ARGV[3],
  type = ARGV[1],
  amount = ARGV[2],
  balance_after = balance,
  seq = stamp,
  source = ARGV[4],
  reference = ARGV[5],
})
redis.call('ZADD', KEYS[2], stamp, record)
if ARGV[1] == 'debit' and ARGV[6] ~= '' then
  redis.call('HSET', KEYS[3], ARGV[6], 'charged')
end
return {1, balance, stamp}
`)

// ackUsageScript drops the flushed head of the usage queue and its markers.
//
// KEYS: usage, usage_status
// ARGV: ids of the records being acknowledged, in queue order
var ackUsageScript = redis.NewScript(`
local n = #ARGV
local head = redis.call('LRANGE', KEYS[1], 0, n - 1)
if #head < n then
  return redis.error_reply('usage head mismatch')
end
for i = 1, n do
  if cjson.decode(head[i]).id ~= ARGV[i] then
    return redis.error_reply('usage head mismatch')
  end
end
redis.call('LTRIM', KEYS[1], n, -1)
redis.call('HDEL', KEYS[2], unpack(ARGV))
return redis.call('LLEN', KEYS[1])
`)

// markFlushedScript advances the transaction watermark and compacts the log.
//
// KEYS: txlog, txflushed
// ARGV: flushed seq, entries to retain
var markFlushedScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
local upto = tonumber(ARGV[1])
if upto > current then
  redis.call('SET', KEYS[2], ARGV[1])
else
  upto = current
end
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[2])
if excess > 0 then
  local flushed = redis.call('ZCOUNT', KEYS[1], '-inf', string.format('%d', upto))
  local n = math.min(excess, flushed)
  if n > 0 then
    redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - 1)
  end
end
return 1
`)

// RedisStore keeps balances, transaction logs and usage queues in Redis.
// Every mutation runs as a single Lua script so Redis serialises concurrent
// callers per tenant.
type RedisStore struct {
	client    *redisclient.Client
	rdb       redis.UniversalClient
	scanCount int64
}

// NewRedisStore builds a store on top of a connected client.
func NewRedisStore(client *redisclient.Client, scanCount int64) (*RedisStore, error) {
	if client == nil || client.Universal() == nil {
		return nil, errors.New("redis client required")
	}
	return &RedisStore{client: client, rdb: client.Universal(), scanCount: scanCount}, nil
}

func (s *RedisStore) Debit(ctx context.Context, m Mutation) (Result, error) {
	return s.mutate(ctx, enums.TransactionTypeDebit, m)
}

func (s *RedisStore) Credit(ctx context.Context, m Mutation) (Result, error) {
	m.UsageID = ""
	return s.mutate(ctx, enums.TransactionTypeCredit, m)
}

func (s *RedisStore) mutate(ctx context.Context, kind enums.TransactionType, m Mutation) (Result, error) {
	if m.TenantID == "" {
		return Result{}, errors.New("tenant id required")
	}
	if m.Amount.IsNegative() {
		return Result{}, fmt.Errorf("negative %s amount %s", kind, m.Amount)
	}
	units, err := ToUnits(m.Amount)
	if err != nil {
		return Result{}, err
	}
	txID := uuid.NewString()
	keys := []string{
		redisclient.TenantKey(m.TenantID, keyBalance),
		redisclient.TenantKey(m.TenantID, keyTxLog),
		redisclient.TenantKey(m.TenantID, keyUsageStatus),
	}
	reply, err := mutateScript.Run(ctx, s.rdb, keys,
		string(kind), units, txID, m.Source, m.Reference, m.UsageID,
	).Slice()
	if isOutOfRange(err) {
		return Result{}, fmt.Errorf("%w: %s of %s would overflow the balance", ErrAmountOutOfRange, kind, m.Amount)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s script: %w", kind, err)
	}
	if len(reply) != 3 {
		return Result{}, fmt.Errorf("%s script: unexpected reply %v", kind, reply)
	}
	status, _ := reply[0].(int64)
	rawBalance, _ := reply[1].(string)
	balance, err := parseUnits(rawBalance)
	if err != nil {
		return Result{}, err
	}
	if status == 0 {
		return Result{Balance: balance}, ErrInsufficientCredits
	}
	rawSeq, _ := reply[2].(string)
	seq, err := strconv.ParseInt(rawSeq, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("%s script: parse seq %q: %w", kind, rawSeq, err)
	}
	return Result{
		Balance: balance,
		Transaction: Transaction{
			ID:           txID,
			TenantID:     m.TenantID,
			Type:         kind,
			Amount:       FromUnits(units),
			BalanceAfter: balance,
			Timestamp:    time.UnixMilli(seq).UTC(),
			Source:       m.Source,
			Reference:    m.Reference,
			Sequence:     seq,
		},
	}, nil
}

func (s *RedisStore) Balance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, redisclient.TenantKey(tenantID, keyBalance)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return parseUnits(raw)
}

func (s *RedisStore) SetBalance(ctx context.Context, tenantID string, amount decimal.Decimal) error {
	units, err := ToUnits(amount)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisclient.TenantKey(tenantID, keyBalance), units, 0).Err(); err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, tenantID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		return []Transaction{}, nil
	}
	start := int64(offset)
	stop := start + int64(limit) - 1
	members, err := s.rdb.ZRevRange(ctx, redisclient.TenantKey(tenantID, keyTxLog), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read transaction log: %w", err)
	}
	return decodeTransactions(tenantID, members)
}

func (s *RedisStore) HistoryWindow(ctx context.Context, tenantID string) (LogWindow, error) {
	key := redisclient.TenantKey(tenantID, keyTxLog)
	var (
		card *redis.IntCmd
		head *redis.ZSliceCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		card = pipe.ZCard(ctx, key)
		head = pipe.ZRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		return LogWindow{}, fmt.Errorf("read transaction log window: %w", err)
	}
	oldest := head.Val()
	if card.Val() == 0 || len(oldest) == 0 {
		return LogWindow{}, nil
	}
	return LogWindow{Entries: int(card.Val()), Oldest: int64(oldest[0].Score)}, nil
}

func (s *RedisStore) AppendUsage(ctx context.Context, record UsageRecord) error {
	if record.TenantID == "" {
		return errors.New("tenant id required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	if err := s.rdb.RPush(ctx, redisclient.TenantKey(record.TenantID, keyUsage), payload).Err(); err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func (s *RedisStore) UsageTenants(ctx context.Context) ([]string, error) {
	return s.tenantsWith(ctx, keyUsage)
}

func (s *RedisStore) TransactionTenants(ctx context.Context) ([]string, error) {
	return s.tenantsWith(ctx, keyTxLog)
}

func (s *RedisStore) tenantsWith(ctx context.Context, suffix string) ([]string, error) {
	keys, err := s.client.ScanKeys(ctx, redisclient.TenantPattern(suffix), s.scanCount)
	if err != nil {
		return nil, err
	}
	tenants := make([]string, 0, len(keys))
	for _, key := range keys {
		if tenant, ok := redisclient.TenantFromKey(key, suffix); ok {
			tenants = append(tenants, tenant)
		}
	}
	return tenants, nil
}

func (s *RedisStore) PendingUsage(ctx context.Context, tenantID string, limit int) ([]PendingUsage, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, redisclient.TenantKey(tenantID, keyUsage), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read usage queue: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	pending := make([]PendingUsage, 0, len(raw))
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		var record UsageRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
		pending = append(pending, PendingUsage{Record: record})
		ids = append(ids, record.ID)
	}
	markers, err := s.rdb.HMGet(ctx, redisclient.TenantKey(tenantID, keyUsageStatus), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read usage markers: %w", err)
	}
	for i, marker := range markers {
		if value, ok := marker.(string); ok && value == usageCharged {
			pending[i].Charged = true
		}
	}
	return pending, nil
}

func (s *RedisStore) AckUsage(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := []string{
		redisclient.TenantKey(tenantID, keyUsage),
		redisclient.TenantKey(tenantID, keyUsageStatus),
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if err := ackUsageScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		if isHeadMismatch(err) {
			return ErrUsageAckMismatch
		}
		return fmt.Errorf("ack usage: %w", err)
	}
	return nil
}

func (s *RedisStore) UnflushedTransactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	watermark, err := s.rdb.Get(ctx, redisclient.TenantKey(tenantID, keyTxFlushed)).Result()
	if errors.Is(err, redis.Nil) {
		watermark = "0"
	} else if err != nil {
		return nil, fmt.Errorf("read flush watermark: %w", err)
	}
	members, err := s.rdb.ZRangeByScore(ctx, redisclient.TenantKey(tenantID, keyTxLog), &redis.ZRangeBy{
		Min:   "(" + watermark,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read transaction log: %w", err)
	}
	return decodeTransactions(tenantID, members)
}

func (s *RedisStore) MarkTransactionsFlushed(ctx context.Context, tenantID string, upTo int64, retain int) error {
	if retain < 0 {
		retain = 0
	}
	keys := []string{
		redisclient.TenantKey(tenantID, keyTxLog),
		redisclient.TenantKey(tenantID, keyTxFlushed),
	}
	if err := markFlushedScript.Run(ctx, s.rdb, keys, upTo, retain).Err(); err != nil {
		return fmt.Errorf("mark transactions flushed: %w", err)
	}
	return nil
}

// wireTransaction is the record layout written by mutateScript. Numbers are
// strings so Lua never rounds them.
type wireTransaction struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	Seq          string `json:"seq"`
	Source       string `json:"source"`
	Reference    string `json:"reference"`
}

func decodeTransactions(tenantID string, members []string) ([]Transaction, error) {
	txs := make([]Transaction, 0, len(members))
	for _, member := range members {
		tx, err := decodeTransaction(tenantID, member)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func decodeTransaction(tenantID, member string) (Transaction, error) {
	var wire wireTransaction
	if err := json.Unmarshal([]byte(member), &wire); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	kind, err := enums.ParseTransactionType(wire.Type)
	if err != nil {
		return Transaction{}, err
	}
	amount, err := parseUnits(wire.Amount)
	if err != nil {
		return Transaction{}, err
	}
	balanceAfter, err := parseUnits(wire.BalanceAfter)
	if err != nil {
		return Transaction{}, err
	}
	seq, err := strconv.ParseInt(wire.Seq, 10, 64)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse seq %q: %w", wire.Seq, err)
	}
	return Transaction{
		ID:           wire.ID,
		TenantID:     tenantID,
		Type:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Timestamp:    time.UnixMilli(seq).UTC(),
		Source:       wire.Source,
		Reference:    wire.Reference,
		Sequence:     seq,
	}, nil
}

func isHeadMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "usage head mismatch")
}

func isOutOfRange(err error) bool {
	return err != nil && strings.Contains(err.Error(), "amount out of range")
}
