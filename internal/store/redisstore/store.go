// Package redisstore implements the store contract on Redis. Priority queues
// are sorted sets scored priority*2^32 + (2^32 - seq); leases live in a
// companion sorted set keyed by expiry. Conditional writes emulate
// compare-and-swap by embedding a version counter in the stored value and
// guarding the swap with a Lua script. Redis offers no multi-key interactive
// transaction that fits the store contract, so this backend does not
// implement store.Transactor; callers fall back to two-phase writes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chimera/internal/store"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed store.Store.
type Store struct {
	client *redis.Client
	Now    func() time.Time
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client, Now: time.Now}, nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type envelope struct {
	Version uint64          `json:"version"`
	Value   json.RawMessage `json:"value"`
}

func encodeEnvelope(version uint64, value []byte) []byte {
	data, _ := json.Marshal(envelope{Version: version, Value: value})
	return data
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

var putScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	local version = 1
	if cur then
		local ok, env = pcall(cjson.decode, cur)
		if ok and env.version then version = env.version + 1 end
	end
	local env = cjson.decode(ARGV[1])
	env.version = version
	if tonumber(ARGV[2]) > 0 then
		redis.call('SET', KEYS[1], cjson.encode(env), 'PX', ARGV[2])
	else
		redis.call('SET', KEYS[1], cjson.encode(env))
	end
	return version
`)

var casScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	local expect = tonumber(ARGV[3])
	if expect == 0 then
		if cur then return -1 end
	else
		if not cur then return -1 end
		local ok, env = pcall(cjson.decode, cur)
		if not ok or tonumber(env.version) ~= expect then return -1 end
	end
	local env = cjson.decode(ARGV[1])
	env.version = expect + 1
	if tonumber(ARGV[2]) > 0 then
		redis.call('SET', KEYS[1], cjson.encode(env), 'PX', ARGV[2])
	else
		redis.call('SET', KEYS[1], cjson.encode(env))
	end
	return env.version
`)

func (s *Store) Get(ctx context.Context, key string) (store.Versioned, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Versioned{}, store.ErrNotFound
	}
	if err != nil {
		return store.Versioned{}, err
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return store.Versioned{}, err
	}
	return store.Versioned{Value: env.Value, Version: env.Version}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return putScript.Run(ctx, s.client, []string{key}, encodeEnvelope(0, value), ttl.Milliseconds()).Err()
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) error {
	res, err := casScript.Run(ctx, s.client, []string{key}, encodeEnvelope(0, value), ttl.Milliseconds(), version).Int64()
	if err != nil {
		return err
	}
	if res < 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, encodeEnvelope(1, value), ttl).Result()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Queue layout per queue key Q:
//
//	Q        ZSET  id -> composite score
//	Q:meta   HASH  id -> item JSON (payload, priority, attempt, seq, score)
//	Q:leases ZSET  id -> lease expiry (unix millis)
//	Q:tokens HASH  token -> id, "lease:"+id -> token
//	Q:seq    STRING counter
type itemMeta struct {
	Payload    string  `json:"payload"`
	Priority   int     `json:"priority"`
	Attempt    int     `json:"attempt"`
	Seq        int64   `json:"seq"`
	Score      float64 `json:"score"`
	EnqueuedAt string  `json:"enqueued_at"`
}

var enqueueScript = redis.NewScript(`
	local queue = KEYS[1]
	local unit = 4294967296
	for i = 1, #ARGV, 2 do
		local id = ARGV[i]
		local meta = cjson.decode(ARGV[i+1])
		local seq = redis.call('INCR', queue..':seq')
		meta.seq = seq
		meta.score = meta.priority * unit + (unit - seq)
		redis.call('ZADD', queue, meta.score, id)
		redis.call('HSET', queue..':meta', id, cjson.encode(meta))
	end
	return #ARGV / 2
`)

var popScript = redis.NewScript(`
	local queue = KEYS[1]
	local now = tonumber(ARGV[1])
	local expire = tonumber(ARGV[2])
	local token = ARGV[3]
	-- return expired leases to their original slots
	local stale = redis.call('ZRANGEBYSCORE', queue..':leases', '-inf', now)
	for _, id in ipairs(stale) do
		local raw = redis.call('HGET', queue..':meta', id)
		if raw then
			local meta = cjson.decode(raw)
			redis.call('ZADD', queue, meta.score, id)
		end
		redis.call('ZREM', queue..':leases', id)
		local old = redis.call('HGET', queue..':tokens', 'lease:'..id)
		if old then
			redis.call('HDEL', queue..':tokens', old, 'lease:'..id)
		end
	end
	local top = redis.call('ZRANGE', queue, 0, 0, 'REV')
	if #top == 0 then return false end
	local id = top[1]
	local raw = redis.call('HGET', queue..':meta', id)
	if not raw then
		redis.call('ZREM', queue, id)
		return false
	end
	local meta = cjson.decode(raw)
	meta.attempt = meta.attempt + 1
	redis.call('HSET', queue..':meta', id, cjson.encode(meta))
	redis.call('ZREM', queue, id)
	redis.call('ZADD', queue..':leases', expire, id)
	redis.call('HSET', queue..':tokens', token, id, 'lease:'..id, token)
	return cjson.encode({id=id, payload=meta.payload, priority=meta.priority, attempt=meta.attempt})
`)

var ackScript = redis.NewScript(`
	local queue = KEYS[1]
	local now = tonumber(ARGV[1])
	local token = ARGV[2]
	local requeue = ARGV[3] == '1'
	local id = redis.call('HGET', queue..':tokens', token)
	if not id then return 0 end
	local deadline = redis.call('ZSCORE', queue..':leases', id)
	if not deadline or tonumber(deadline) <= now then return 0 end
	redis.call('ZREM', queue..':leases', id)
	redis.call('HDEL', queue..':tokens', token, 'lease:'..id)
	if requeue then
		local meta = cjson.decode(redis.call('HGET', queue..':meta', id))
		redis.call('ZADD', queue, meta.score, id)
	else
		redis.call('HDEL', queue..':meta', id)
	end
	return 1
`)

var removeScript = redis.NewScript(`
	local queue = KEYS[1]
	local id = ARGV[1]
	local existed = 0
	if redis.call('HDEL', queue..':meta', id) > 0 then existed = 1 end
	redis.call('ZREM', queue, id)
	redis.call('ZREM', queue..':leases', id)
	local token = redis.call('HGET', queue..':tokens', 'lease:'..id)
	if token then
		redis.call('HDEL', queue..':tokens', token, 'lease:'..id)
	end
	return existed
`)

func (s *Store) Enqueue(ctx context.Context, queue string, item store.QueueItem) error {
	return s.EnqueueAll(ctx, queue, []store.QueueItem{item})
}

func (s *Store) EnqueueAll(ctx context.Context, queue string, items []store.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	args := make([]any, 0, len(items)*2)
	for _, item := range items {
		at := item.EnqueuedAt
		if at.IsZero() {
			at = s.now()
		}
		meta, err := json.Marshal(itemMeta{
			Payload:    string(item.Payload),
			Priority:   item.Priority,
			Attempt:    item.Attempt,
			EnqueuedAt: at.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		args = append(args, item.ID, string(meta))
	}
	return enqueueScript.Run(ctx, s.client, []string{queue}, args...).Err()
}

func (s *Store) PopHighest(ctx context.Context, queue string, leaseDuration time.Duration) (*store.Lease, error) {
	token := uuid.NewString()
	now := s.now()
	expiresAt := now.Add(leaseDuration)
	res, err := popScript.Run(ctx, s.client, []string{queue},
		now.UnixMilli(), expiresAt.UnixMilli(), token).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected pop result type %T", res)
	}
	var popped struct {
		ID       string `json:"id"`
		Payload  string `json:"payload"`
		Priority int    `json:"priority"`
		Attempt  int    `json:"attempt"`
	}
	if err := json.Unmarshal([]byte(raw), &popped); err != nil {
		return nil, fmt.Errorf("decode popped item: %w", err)
	}
	return &store.Lease{
		Token:     token,
		Queue:     queue,
		ItemID:    popped.ID,
		Payload:   []byte(popped.Payload),
		Priority:  popped.Priority,
		Attempt:   popped.Attempt,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Store) Ack(ctx context.Context, lease *store.Lease) error {
	return s.finishLease(ctx, lease, false)
}

func (s *Store) Nack(ctx context.Context, lease *store.Lease, requeue bool) error {
	return s.finishLease(ctx, lease, requeue)
}

func (s *Store) finishLease(ctx context.Context, lease *store.Lease, requeue bool) error {
	flag := "0"
	if requeue {
		flag = "1"
	}
	res, err := ackScript.Run(ctx, s.client, []string{lease.Queue},
		s.now().UnixMilli(), lease.Token, flag).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return store.ErrLeaseExpired
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, queue, itemID string) (bool, error) {
	res, err := removeScript.Run(ctx, s.client, []string{queue}, itemID).Int64()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

func (s *Store) Depth(ctx context.Context, queue string) (int64, error) {
	return s.client.HLen(ctx, queue+":meta").Result()
}

func (s *Store) List(ctx context.Context, queue string, offset, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, queue, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.client.HMGet(ctx, queue+":meta", ids...).Result()
	if err != nil {
		return nil, err
	}
	var items []store.QueueItem
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var meta itemMeta
		if err := json.Unmarshal([]byte(str), &meta); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", ids[i], err)
		}
		at, _ := time.Parse(time.RFC3339Nano, meta.EnqueuedAt)
		items = append(items, store.QueueItem{
			ID:         ids[i],
			Payload:    []byte(meta.Payload),
			Priority:   meta.Priority,
			Attempt:    meta.Attempt,
			EnqueuedAt: at,
		})
	}
	return items, nil
}

type logRecord struct {
	At    string          `json:"at"`
	Value json.RawMessage `json:"value"`
}

func (s *Store) Append(ctx context.Context, key string, value []byte) error {
	data, err := json.Marshal(logRecord{
		At:    s.now().UTC().Format(time.RFC3339Nano),
		Value: value,
	})
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, key, data).Err()
}

func (s *Store) ReadLog(ctx context.Context, key string, offset, limit int) ([]store.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := s.client.LRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	var entries []store.LogEntry
	for i, raw := range raws {
		var rec logRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}
		at, _ := time.Parse(time.RFC3339Nano, rec.At)
		entries = append(entries, store.LogEntry{Seq: int64(offset + i), At: at, Value: rec.Value})
	}
	return entries, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
