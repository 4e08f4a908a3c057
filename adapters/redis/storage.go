package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"voucherkit/core"
	"voucherkit/holdings"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" yaml:"addr" env:"VOUCHERKIT_REDIS_ADDR"`
	Password     string        `json:"password" yaml:"password" env:"VOUCHERKIT_REDIS_PASSWORD"`
	DB           int           `json:"db" yaml:"db" env:"VOUCHERKIT_REDIS_DB"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" env:"VOUCHERKIT_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix" env:"VOUCHERKIT_REDIS_KEY_PREFIX"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "voucherkit:",
	}
}

// Store implements engine.Storage and holdings.Store on Redis.
// Data structure:
// - {prefix}vouchers -> hash of normalized voucher id to voucher JSON
// - {prefix}redeems -> hash of record id to record JSON
// - {prefix}user:{user_id}:redeems -> set of record ids
// - {prefix}holdings:{user_id} -> hash of voucher id to held quantity
// - {prefix}holders -> set of user ids that ever held a voucher
type Store struct {
	client *redis.Client
	prefix string
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, prefix: config.KeyPrefix}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) vouchersKey() string { return s.prefix + "vouchers" }
func (s *Store) redeemsKey() string  { return s.prefix + "redeems" }
func (s *Store) holdersKey() string  { return s.prefix + "holders" }

func (s *Store) userRedeemsKey(userID core.UserID) string {
	return fmt.Sprintf("%suser:%s:redeems", s.prefix, userID)
}

func (s *Store) holdingsKey(userID core.UserID) string {
	return fmt.Sprintf("%sholdings:%s", s.prefix, userID)
}

// Lua script inserting a record once and indexing it by user
var createRecordScript = redis.NewScript(`
	local added = redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
	if added == 1 then
		redis.call('SADD', KEYS[2], ARGV[1])
	end
	return added
`)

// CreateRecord stores rec. Rewriting an existing id is a no-op.
func (s *Store) CreateRecord(ctx context.Context, rec core.RedemptionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	keys := []string{s.redeemsKey(), s.userRedeemsKey(rec.UserID)}
	if err := createRecordScript.Run(ctx, s.client, keys, rec.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// LoadRecords returns every stored record ordered by time.
func (s *Store) LoadRecords(ctx context.Context) ([]core.RedemptionRecord, error) {
	raw, err := s.client.HGetAll(ctx, s.redeemsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	out := make([]core.RedemptionRecord, 0, len(raw))
	for id, data := range raw {
		var rec core.RedemptionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// RecordsForUser reads one user's records through the per-user index.
func (s *Store) RecordsForUser(ctx context.Context, userID core.UserID) ([]core.RedemptionRecord, error) {
	ids, err := s.client.SMembers(ctx, s.userRedeemsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.redeemsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	out := make([]core.RedemptionRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // index entry without record
		}
		var rec core.RedemptionRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Store) SaveVoucher(ctx context.Context, v core.Voucher) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.vouchersKey(), v.Key(), data).Err(); err != nil {
		return fmt.Errorf("failed to save voucher: %w", err)
	}
	return nil
}

func (s *Store) DeleteVoucher(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.vouchersKey(), core.NormalizeVoucherID(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete voucher: %w", err)
	}
	return nil
}

func (s *Store) LoadVouchers(ctx context.Context) ([]core.Voucher, error) {
	raw, err := s.client.HGetAll(ctx, s.vouchersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load vouchers: %w", err)
	}
	out := make([]core.Voucher, 0, len(raw))
	for id, data := range raw {
		var v core.Voucher
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode voucher %s: %w", id, err)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Lua script adjusting a holding without going below zero
var adjustHoldingScript = redis.NewScript(`
	local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
	local next_val = current + tonumber(ARGV[2])
	if next_val < 0 then
		return redis.error_reply('insufficient holding')
	end
	if next_val == 0 then
		redis.call('HDEL', KEYS[1], ARGV[1])
	else
		redis.call('HSET', KEYS[1], ARGV[1], next_val)
	end
	redis.call('SADD', KEYS[2], ARGV[3])
	return next_val
`)

// Adjust changes a user's held quantity of a voucher by delta and returns the new quantity.
func (s *Store) Adjust(ctx context.Context, userID core.UserID, voucherID string, delta int) (int, error) {
	keys := []string{s.holdingsKey(userID), s.holdersKey()}
	res, err := adjustHoldingScript.Run(ctx, s.client, keys, core.NormalizeVoucherID(voucherID), delta, string(userID)).Result()
	if err != nil {
		if err.Error() == "insufficient holding" {
			return 0, holdings.ErrInsufficient
		}
		return 0, fmt.Errorf("failed to adjust holding: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.New("unexpected result type from Redis script")
	}
	return int(n), nil
}

// Held returns the quantities a user holds, keyed by normalized voucher id.
func (s *Store) Held(ctx context.Context, userID core.UserID) (map[string]int, error) {
	raw, err := s.client.HGetAll(ctx, s.holdingsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read holdings: %w", err)
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue // Skip invalid entries
		}
		out[k] = n
	}
	return out, nil
}

// Users lists every user known to the holdings store.
func (s *Store) Users(ctx context.Context) ([]core.UserID, error) {
	members, err := s.client.SMembers(ctx, s.holdersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	out := make([]core.UserID, 0, len(members))
	for _, m := range members {
		out = append(out, core.UserID(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
