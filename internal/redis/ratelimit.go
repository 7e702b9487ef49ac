package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key patterns:
// - ratelimit:{user_id}:messages - relay message.send per user
// - ratelimit:{ip}:upgrade - websocket upgrades per client address

type RateLimitConfig struct {
	MessageLimit  int
	MessageWindow time.Duration
	UpgradeLimit  int
	UpgradeWindow time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MessageLimit:  60,
		MessageWindow: time.Minute,
		UpgradeLimit:  30,
		UpgradeWindow: time.Minute,
	}
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Limit     int
}

// fixedWindow increments KEYS[1] if it is below ARGV[1] and starts the
// ARGV[2]-second window on the first hit. Returns {allowed, remaining, ttl}.
var fixedWindow = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')
local ttl = redis.call('TTL', key)
if ttl < 0 then
	ttl = window
end

if current >= limit then
	return {0, 0, ttl}
end

redis.call('INCR', key)
if current == 0 then
	redis.call('EXPIRE', key, window)
end
return {1, limit - current - 1, ttl}
`)

type RateLimiter struct {
	client goredis.UniversalClient
	config RateLimitConfig
}

func NewRateLimiter(client goredis.UniversalClient, config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.MessageLimit <= 0 {
		config.MessageLimit = def.MessageLimit
	}
	if config.MessageWindow <= 0 {
		config.MessageWindow = def.MessageWindow
	}
	if config.UpgradeLimit <= 0 {
		config.UpgradeLimit = def.UpgradeLimit
	}
	if config.UpgradeWindow <= 0 {
		config.UpgradeWindow = def.UpgradeWindow
	}
	return &RateLimiter{client: client, config: config}
}

// AllowMessage counts one message.send for the user.
func (r *RateLimiter) AllowMessage(ctx context.Context, userID uuid.UUID) (RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:messages", userID)
	return r.checkLimit(ctx, key, r.config.MessageLimit, r.config.MessageWindow)
}

// AllowUpgrade counts one websocket upgrade attempt from ip.
func (r *RateLimiter) AllowUpgrade(ctx context.Context, ip string) (RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:upgrade", ip)
	return r.checkLimit(ctx, key, r.config.UpgradeLimit, r.config.UpgradeWindow)
}

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	seconds := int(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	values, err := fixedWindow.Run(ctx, r.client, []string{key}, limit, seconds).Int64Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(values) < 3 {
		return RateLimitResult{}, fmt.Errorf("unexpected rate limit result %v", values)
	}

	return RateLimitResult{
		Allowed:   values[0] == 1,
		Remaining: int(values[1]),
		ResetIn:   time.Duration(values[2]) * time.Second,
		Limit:     limit,
	}, nil
}

// ResetUser clears the user's message counter.
func (r *RateLimiter) ResetUser(ctx context.Context, userID uuid.UUID) error {
	return r.client.Del(ctx, fmt.Sprintf("ratelimit:%s:messages", userID)).Err()
}
