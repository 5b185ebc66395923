package redislimiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rule allows Max events per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Limiter is a Redis sliding-window limiter using one ZSET per (bucket, key),
// shared by every replica that points at the same Redis.
type Limiter struct {
	rdb     redis.UniversalClient
	prefix  string
	rules   map[string]Rule
	timeout time.Duration
}

func New(rdb redis.UniversalClient, prefix string, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = map[string]Rule{}
	}
	if prefix == "" {
		prefix = "oidc:rl:"
	}
	return &Limiter{rdb: rdb, prefix: prefix, rules: rules, timeout: 2 * time.Second}
}

func (l *Limiter) rule(bucket string) Rule {
	if r, ok := l.rules[bucket]; ok {
		return r
	}
	if r, ok := l.rules["default"]; ok {
		return r
	}
	return Rule{Max: 10, Window: time.Minute}
}

// AllowNamed records an event for (bucket, key) and reports whether it fits
// in the window. Over-limit events are removed again so they do not count.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	r := l.rule(bucket)
	now := time.Now().UnixMilli()
	start := now - r.Window.Milliseconds()
	zkey := l.prefix + bucket + ":" + key
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(start, 10))
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now), Member: member})
	count := pipe.ZCard(ctx, zkey)
	pipe.PExpire(ctx, zkey, r.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if count.Val() > int64(r.Max) {
		l.rdb.ZRem(ctx, zkey, member)
		return false, nil
	}
	return true, nil
}
