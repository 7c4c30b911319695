package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	logx "moodping/pkg/logx"
)

// RedisConfig configures the Redis flag store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long a day's flags live; it replaces PurgeFlags.
	TTL time.Duration
}

// RedisFlags keeps daily flags in one hash per (user, date):
//
//	<prefix>flags:<user>:<date>  skip -> "1", d:<slot> -> claimed unix ms
type RedisFlags struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

const (
	redisSkipField = "skip"
	redisSlotField = "d:"
)

// OpenRedisFlags connects and pings Redis.
func OpenRedisFlags(ctx context.Context, cfg RedisConfig, log logx.Logger) (*RedisFlags, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("flags.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisFlags(client, cfg, log), nil
}

// NewRedisFlags wraps an existing client.
func NewRedisFlags(client *redis.Client, cfg RedisConfig, log logx.Logger) *RedisFlags {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "moodping:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 8 * 24 * time.Hour
	}
	return &RedisFlags{client: client, prefix: prefix, ttl: ttl, log: log.With(logx.String("comp", "storage.redis"))}
}

func (r *RedisFlags) key(userID int64, date string) string {
	return r.prefix + "flags:" + strconv.FormatInt(userID, 10) + ":" + date
}

func (r *RedisFlags) DailyFlags(ctx context.Context, userID int64, date string) (DailyFlags, error) {
	f := DailyFlags{UserID: userID, Date: date}
	m, err := r.client.HGetAll(ctx, r.key(userID, date)).Result()
	if err != nil {
		return f, err
	}
	var newest int64
	for k, v := range m {
		switch {
		case k == redisSkipField:
			f.Skip = v == "1"
		case strings.HasPrefix(k, redisSlotField):
			f.Delivered = append(f.Delivered, strings.TrimPrefix(k, redisSlotField))
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > newest {
				newest = ms
			}
		}
	}
	sort.Strings(f.Delivered)
	if newest > 0 {
		f.UpdatedAt = time.UnixMilli(newest).UTC()
	}
	return f, nil
}

func (r *RedisFlags) SetSkip(ctx context.Context, userID int64, date string, skip bool) error {
	key := r.key(userID, date)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if skip {
			p.HSet(ctx, key, redisSkipField, "1")
		} else {
			p.HDel(ctx, key, redisSkipField)
		}
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisFlags) MarkDelivered(ctx context.Context, userID int64, date, slot string) (bool, error) {
	key := r.key(userID, date)
	ok, err := r.client.HSetNX(ctx, key, redisSlotField+slot, strconv.FormatInt(time.Now().UnixMilli(), 10)).Result()
	if err != nil {
		return false, err
	}
	if ok {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			r.log.Warn("flag ttl not set", logx.String("key", key), logx.Err(err))
		}
	}
	return ok, nil
}

// PurgeFlags is a no-op: keys expire on their own.
func (r *RedisFlags) PurgeFlags(ctx context.Context, before string) (int64, error) {
	_ = ctx
	_ = before
	return 0, nil
}

func (r *RedisFlags) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisFlags) Close() error {
	return r.client.Close()
}
