// Package redislease keeps cluster leases in Redis. Every conditional write
// runs as a Lua script so that ownership checks and expiry are evaluated
// atomically against the Redis server clock.
package redislease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
)

const (
	errHeld    = "HELD"
	errNotHeld = "NOTHELD"
	scanCount  = 100
)

// server time in milliseconds, computed inside every script
const luaNow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
`

// KEYS[1] lease, KEYS[2] fencing counter
// ARGV[1] holder, ARGV[2] node, ARGV[3] ttl ms, ARGV[4] meta json, ARGV[5] lease key
var acquireScript = redis.NewScript(luaNow + `
local cur = redis.call('GET', KEYS[1])
local l
if cur then
  l = cjson.decode(cur)
  if l.holder ~= ARGV[1] then
    return redis.error_reply('` + errHeld + `')
  end
else
  l = {key = ARGV[5], holder = ARGV[1], node = ARGV[2], token = redis.call('INCR', KEYS[2])}
end
l.meta = cjson.decode(ARGV[4])
l.expiresAt = now + tonumber(ARGV[3])
local val = cjson.encode(l)
redis.call('SET', KEYS[1], val, 'PX', ARGV[3])
return val
`)

// KEYS[1] lease; ARGV[1] holder, ARGV[2] token, ARGV[3] ttl ms
var renewScript = redis.NewScript(luaNow + `
local cur = redis.call('GET', KEYS[1])
if not cur then
  return redis.error_reply('` + errNotHeld + `')
end
local l = cjson.decode(cur)
if l.holder ~= ARGV[1] or l.token ~= tonumber(ARGV[2]) then
  return redis.error_reply('` + errNotHeld + `')
end
l.expiresAt = now + tonumber(ARGV[3])
local val = cjson.encode(l)
redis.call('SET', KEYS[1], val, 'PX', ARGV[3])
return val
`)

// KEYS[1] lease; ARGV[1] holder, ARGV[2] token
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local l = cjson.decode(cur)
if l.holder ~= ARGV[1] or l.token ~= tonumber(ARGV[2]) then
  return redis.error_reply('` + errNotHeld + `')
end
return redis.call('DEL', KEYS[1])
`)

type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key written by the store.
	Prefix string
}

type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ lease.Store = &Store{}

// New connects to the configured Redis server.
func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix)
}

func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "zenworkflow:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) leaseKey(key string) string {
	return s.prefix + "lease:" + key
}

func (s *Store) counterKey() string {
	return s.prefix + "fencing"
}

// record is the JSON form written by the scripts.
type record struct {
	Key       string            `json:"key"`
	Holder    string            `json:"holder"`
	Node      string            `json:"node"`
	Token     uint64            `json:"token"`
	ExpiresAt int64             `json:"expiresAt"`
	Meta      map[string]string `json:"meta"`
}

func decode(val string) (lease.Lease, error) {
	var r record
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return lease.Lease{}, fmt.Errorf("failed to decode lease record: %w", err)
	}
	meta := r.Meta
	if len(meta) == 0 {
		meta = nil
	}
	return lease.Lease{
		Key:       r.Key,
		Holder:    r.Holder,
		Node:      r.Node,
		Token:     r.Token,
		ExpiresAt: time.UnixMilli(r.ExpiresAt),
		Meta:      meta,
	}, nil
}

func scriptError(err error) error {
	switch {
	case strings.HasPrefix(err.Error(), errHeld):
		return lease.ErrHeld
	case strings.HasPrefix(err.Error(), errNotHeld):
		return lease.ErrNotHeld
	}
	return err
}

func ttlMillis(ttl time.Duration) int64 {
	return max(ttl.Milliseconds(), 1)
}

func (s *Store) Acquire(ctx context.Context, grant lease.Grant) (lease.Lease, error) {
	meta, err := json.Marshal(grant.Meta)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("failed to encode lease meta: %w", err)
	}
	if grant.Meta == nil {
		meta = []byte("{}")
	}
	val, err := acquireScript.Run(ctx, s.client,
		[]string{s.leaseKey(grant.Key), s.counterKey()},
		grant.Holder, grant.Node, ttlMillis(grant.TTL), string(meta), grant.Key,
	).Text()
	if err != nil {
		err = scriptError(err)
		if errors.Is(err, lease.ErrHeld) {
			if current, getErr := s.Get(ctx, grant.Key); getErr == nil {
				return current, err
			}
		}
		return lease.Lease{}, err
	}
	return decode(val)
}

func (s *Store) Renew(ctx context.Context, key string, holder string, token uint64, ttl time.Duration) (lease.Lease, error) {
	val, err := renewScript.Run(ctx, s.client, []string{s.leaseKey(key)}, holder, token, ttlMillis(ttl)).Text()
	if err != nil {
		return lease.Lease{}, scriptError(err)
	}
	return decode(val)
}

func (s *Store) Release(ctx context.Context, key string, holder string, token uint64) error {
	err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(key)}, holder, token).Err()
	if err != nil {
		return scriptError(err)
	}
	return nil
}

func (s *Store) ForceRelease(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.leaseKey(key)).Err()
}

func (s *Store) Get(ctx context.Context, key string) (lease.Lease, error) {
	val, err := s.client.Get(ctx, s.leaseKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return lease.Lease{}, lease.ErrNotFound
	}
	if err != nil {
		return lease.Lease{}, err
	}
	return decode(val)
}

func (s *Store) List(ctx context.Context, prefix string) ([]lease.Lease, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.leaseKey(prefix)+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan leases: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leases: %w", err)
	}
	res := make([]lease.Lease, 0, len(values))
	for _, v := range values {
		// expired between SCAN and MGET
		val, ok := v.(string)
		if !ok {
			continue
		}
		l, err := decode(val)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, nil
}
