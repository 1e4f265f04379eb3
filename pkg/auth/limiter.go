package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// FailureLimiter throttles repeated authentication failures per client IP.
// Allow is consulted before authentication; RecordFailure is called after a
// rejected attempt. A limiter backend error is returned so the caller can
// decide to fail open.
type FailureLimiter interface {
	Allow(ctx context.Context, ip string) (bool, error)
	RecordFailure(ctx context.Context, ip string) error
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryFailureLimiter keeps one token bucket per IP. Buckets hold
// maxFailures tokens and refill over window, so a client that burns its
// budget is blocked until tokens return. Stale entries are pruned by a
// background sweep.
type MemoryFailureLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	window   time.Duration
}

// NewMemoryFailureLimiter allows maxFailures failed attempts per window per
// IP and starts the cleanup goroutine.
func NewMemoryFailureLimiter(maxFailures int, window time.Duration) *MemoryFailureLimiter {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	l := &MemoryFailureLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(window / time.Duration(maxFailures)),
		burst:    maxFailures,
		window:   window,
	}
	go l.cleanupVisitors()
	return l
}

func (l *MemoryFailureLimiter) getVisitor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		limiter := rate.NewLimiter(l.limit, l.burst)
		l.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Allow peeks at the bucket without consuming.
func (l *MemoryFailureLimiter) Allow(_ context.Context, ip string) (bool, error) {
	return l.getVisitor(ip).Tokens() >= 1, nil
}

// RecordFailure burns one token.
func (l *MemoryFailureLimiter) RecordFailure(_ context.Context, ip string) error {
	l.getVisitor(ip).Allow()
	return nil
}

// cleanupVisitors prunes entries idle longer than the window; by then their
// buckets have refilled and carry no state worth keeping.
func (l *MemoryFailureLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > l.window {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// failureBucketScript maintains the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost (0 peeks, 1 records a failure)
// ARGV[4] = now (unix seconds, fractional)
// ARGV[5] = key ttl seconds
var failureBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

if cost > 0 and tokens >= cost then
    tokens = tokens - cost
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return tostring(tokens)
`)

// RedisFailureLimiter shares the failure budget across instances. Same
// bucket semantics as the in-memory limiter, held in Redis so a cluster
// behind one address sees one budget per IP.
type RedisFailureLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisFailureLimiter wraps an existing client.
func NewRedisFailureLimiter(client *redis.Client, maxFailures int, window time.Duration) *RedisFailureLimiter {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &RedisFailureLimiter{client: client, limit: maxFailures, window: window}
}

// NewRedisFailureLimiterFromURL parses a redis:// URL and wraps the client.
func NewRedisFailureLimiterFromURL(url string, maxFailures int, window time.Duration) (*RedisFailureLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis limiter: %w", err)
	}
	return NewRedisFailureLimiter(redis.NewClient(opts), maxFailures, window), nil
}

func (l *RedisFailureLimiter) run(ctx context.Context, ip string, cost int) (float64, error) {
	key := "failedauth:" + ip
	ratePerSec := float64(l.limit) / l.window.Seconds()
	now := float64(time.Now().UnixMicro()) / 1e6
	ttl := int(l.window.Seconds()) * 2

	res, err := failureBucketScript.Run(ctx, l.client,
		[]string{key}, ratePerSec, l.limit, cost, now, ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("redis limiter: %w", err)
	}
	s, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("redis limiter: unexpected reply %T", res)
	}
	var tokens float64
	if _, err := fmt.Sscanf(s, "%g", &tokens); err != nil {
		return 0, fmt.Errorf("redis limiter: parse tokens %q: %w", s, err)
	}
	return tokens, nil
}

func (l *RedisFailureLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	tokens, err := l.run(ctx, ip, 0)
	if err != nil {
		return false, err
	}
	return tokens >= 1, nil
}

func (l *RedisFailureLimiter) RecordFailure(ctx context.Context, ip string) error {
	_, err := l.run(ctx, ip, 1)
	return err
}
