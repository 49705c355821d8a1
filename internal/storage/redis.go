package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	logx "siemalert/pkg/logx"
)

const redisAuditMax = 5000

// redisStore keeps sent records and markers as plain keys with TTLs.
// Prune is a no-op because expiry is delegated to Redis.
type redisStore struct {
	client    *redis.Client
	log       logx.Logger
	prefix    string
	sentTTL   time.Duration
	markerTTL time.Duration
}

// putSentScript inserts or refreshes an expired sent record atomically.
// KEYS[1]=key ARGV[1]=at ms ARGV[2]=refreshBefore ms ARGV[3]=ttl ms
var putSentScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// The client dials lazily; an unreachable server degrades cycles until
	// it comes back.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn("redis store unreachable; retrying on use", logx.String("addr", addr), logx.Err(err))
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "siemalert"
	}
	sentTTL := cfg.SentTTL
	if sentTTL <= 0 {
		sentTTL = DefaultSentTTL
	}
	markerTTL := cfg.MarkerTTL
	if markerTTL <= 0 {
		markerTTL = DefaultMarkerTTL
	}
	log.Debug("redis store opened", logx.String("addr", addr), logx.Int("db", cfg.DB))
	return &redisStore{client: rdb, log: log, prefix: prefix, sentTTL: sentTTL, markerTTL: markerTTL}, nil
}

func (s *redisStore) sentKey(k SentKey) string {
	return s.prefix + ":sent:" + k.ConfigID + ":" + k.Fingerprint
}

func (s *redisStore) markerKey(configID, periodKey string) string {
	return s.prefix + ":marker:" + configID + ":" + periodKey
}

func (s *redisStore) Close() error { return s.client.Close() }

// PutSent keeps the record at least as long as the dedup window implied by
// refreshBefore, so raising the window at runtime never expires records early.
func (s *redisStore) PutSent(ctx context.Context, key SentKey, at, refreshBefore time.Time) (bool, error) {
	n, err := putSentScript.Run(ctx, s.client,
		[]string{s.sentKey(key)},
		at.UnixMilli(), refreshBefore.UnixMilli(), sentTTLFor(s.sentTTL, at, refreshBefore).Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func sentTTLFor(base time.Duration, at, refreshBefore time.Time) time.Duration {
	if w := at.Sub(refreshBefore) + time.Minute; w > base {
		return w
	}
	return base
}

func (s *redisStore) GetSent(ctx context.Context, key SentKey) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, s.sentKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis sent value %q: %w", v, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) PutMarker(ctx context.Context, configID, periodKey string, at time.Time) (bool, error) {
	return s.client.SetNX(ctx, s.markerKey(configID, periodKey), at.UnixMilli(), s.markerTTL).Result()
}

func (s *redisStore) HasMarker(ctx context.Context, configID, periodKey string) (bool, error) {
	n, err := s.client.Exists(ctx, s.markerKey(configID, periodKey)).Result()
	return n > 0, err
}

func (s *redisStore) DeleteMarker(ctx context.Context, configID, periodKey string) error {
	return s.client.Del(ctx, s.markerKey(configID, periodKey)).Err()
}

func (s *redisStore) Prune(context.Context, time.Time, time.Time) (PruneResult, error) {
	return PruneResult{}, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.prefix + ":audit"
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, redisAuditMax-1)
	_, err = pipe.Exec(ctx)
	return err
}
