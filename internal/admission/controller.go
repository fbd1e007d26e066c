// Package admission bounds the number of concurrent live-stream connections per shop
// with a TTL-backed counter kept in Redis.
package admission

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/pixelverify/pkg/errors"
	"github.com/Aidin1998/pixelverify/pkg/metrics"
)

// Mode selects how counter mutations reach the store
type Mode string

const (
	// ModeScript runs each mutation as a single Lua script (safe across processes)
	ModeScript Mode = "script"
	// ModeSimple issues separate INCR/EXPIRE/DECR calls. Two processes can both observe
	// count == limit and proceed, so this mode is only correct for a single process.
	ModeSimple Mode = "simple"
)

// Config holds admission controller settings
type Config struct {
	KeyPrefix string        `mapstructure:"key_prefix" validate:"required"`
	Mode      Mode          `mapstructure:"mode" validate:"oneof=script simple"`
	OpTimeout time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
}

// DefaultConfig returns the default admission settings
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "pixelstream",
		Mode:      ModeScript,
		OpTimeout: 2 * time.Second,
	}
}

// Slot is a reservation against a shop's concurrent-connection budget
type Slot struct {
	ShopID       string    `json:"shop_id"`
	ConnectionID string    `json:"connection_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Decision is the outcome of an acquire call
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int64
	Slot    Slot
}

// Remaining returns how many slots are still free after this decision
func (d Decision) Remaining() int64 {
	if d.Count >= d.Limit {
		return 0
	}
	return d.Limit - d.Count
}

// KEYS[1] counter, KEYS[2] connection marker (optional)
// ARGV[1] limit, ARGV[2] ttl seconds
var acquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[2])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
if n > tonumber(ARGV[1]) then
  n = redis.call('DECR', KEYS[1])
  if n <= 0 then
    redis.call('DEL', KEYS[1])
    n = 0
  end
  return {0, n}
end
redis.call('EXPIRE', KEYS[1], ttl)
if #KEYS > 1 then
  redis.call('SET', KEYS[2], '1', 'EX', ttl)
end
return {1, n}
`)

// KEYS[1] counter, KEYS[2] connection marker (optional)
// ARGV[1] ttl seconds
// A missing marker means the slot already expired with the counter; the current count
// is returned untouched so a late release cannot free a slot someone else holds.
var releaseScript = redis.NewScript(`
if #KEYS > 1 then
  if redis.call('DEL', KEYS[2]) == 0 then
    return tonumber(redis.call('GET', KEYS[1]) or '0')
  end
end
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
return n
`)

// KEYS[1] counter, KEYS[2] connection marker
// ARGV[1] ttl seconds
// Returns 0 when the marker is gone, in which case nothing is extended.
var refreshScript = redis.NewScript(`
if redis.call('EXPIRE', KEYS[2], tonumber(ARGV[1])) == 0 then
  return 0
end
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
return 1
`)

// Controller grants and releases admission slots. The counter lives only in Redis and is
// mutated solely through Acquire and Release.
type Controller struct {
	rdb     redis.UniversalClient
	cfg     Config
	logger  *zap.Logger
	scripts atomic.Bool
	now     func() time.Time
}

// NewController creates an admission controller over the given Redis client
func NewController(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *Controller {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	c := &Controller{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.Named("admission"),
		now:    time.Now,
	}
	c.scripts.Store(cfg.Mode != ModeSimple)
	return c
}

// CountKey returns the per-shop counter key. The hash tag keeps the counter and the
// connection markers of one shop on the same cluster slot.
func (c *Controller) CountKey(shopID string) string {
	return fmt.Sprintf("%s:{%s}:count", c.cfg.KeyPrefix, shopID)
}

// SlotKey returns the per-connection marker key
func (c *Controller) SlotKey(shopID, connectionID string) string {
	return fmt.Sprintf("%s:{%s}:slot:%s", c.cfg.KeyPrefix, shopID, connectionID)
}

// Acquire reserves a slot for shopID if fewer than limit are outstanding.
// Store failures fail closed: the returned decision is a denial and err is non-nil.
func (c *Controller) Acquire(ctx context.Context, shopID string, limit int64, ttl time.Duration) (Decision, error) {
	decision := Decision{Limit: limit}
	if limit <= 0 {
		metrics.AdmissionDecisions.WithLabelValues("denied").Inc()
		return decision, nil
	}

	slot := Slot{ShopID: shopID, ConnectionID: uuid.NewString()}
	keys := []string{c.CountKey(shopID), c.SlotKey(shopID, slot.ConnectionID)}
	seconds := ttlSeconds(ttl)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	var (
		allowed bool
		count   int64
		err     error
	)
	if c.scripts.Load() {
		allowed, count, err = c.acquireScripted(ctx, keys, limit, seconds)
		if err != nil && scriptingUnsupported(err) {
			c.fallBack(err)
			allowed, count, err = c.acquireSimple(ctx, keys, limit, ttl)
		}
	} else {
		allowed, count, err = c.acquireSimple(ctx, keys, limit, ttl)
	}
	if err != nil {
		metrics.AdmissionDecisions.WithLabelValues("error").Inc()
		c.logger.Warn("Admission acquire failed, denying connection",
			zap.String("shop_id", shopID), zap.Error(err))
		return decision, errors.UpstreamFailure.Explain("acquire slot for %s", shopID).Wrap(err)
	}

	decision.Allowed = allowed
	decision.Count = count
	if allowed {
		slot.ExpiresAt = c.now().Add(time.Duration(seconds) * time.Second)
		decision.Slot = slot
		metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.AdmissionDecisions.WithLabelValues("denied").Inc()
		c.logger.Debug("Admission denied",
			zap.String("shop_id", shopID), zap.Int64("count", count), zap.Int64("limit", limit))
	}
	return decision, nil
}

// Release returns a slot. An absent counter means zero outstanding connections and the
// counter never goes below zero. On failure the counter TTL reclaims the slot eventually.
func (c *Controller) Release(ctx context.Context, shopID, connectionID string, ttl time.Duration) (int64, error) {
	keys := []string{c.CountKey(shopID)}
	if connectionID != "" {
		keys = append(keys, c.SlotKey(shopID, connectionID))
	}
	seconds := ttlSeconds(ttl)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	var (
		count int64
		err   error
	)
	if c.scripts.Load() {
		count, err = releaseScript.Run(ctx, c.rdb, keys, seconds).Int64()
		if err != nil && scriptingUnsupported(err) {
			c.fallBack(err)
			count, err = c.releaseSimple(ctx, keys, ttl)
		}
	} else {
		count, err = c.releaseSimple(ctx, keys, ttl)
	}
	if err != nil {
		c.logger.Warn("Admission release failed, slot will expire with the counter TTL",
			zap.String("shop_id", shopID),
			zap.String("connection_id", connectionID),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return 0, errors.UpstreamFailure.Explain("release slot for %s", shopID).Wrap(err)
	}
	return count, nil
}

// Refresh extends the counter and the connection marker TTL while the connection is
// alive. It reports false when the marker has already expired.
func (c *Controller) Refresh(ctx context.Context, shopID, connectionID string, ttl time.Duration) (bool, error) {
	if connectionID == "" {
		return false, errors.Invalid.Explain("refresh needs a connection id")
	}
	keys := []string{c.CountKey(shopID), c.SlotKey(shopID, connectionID)}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	var (
		alive bool
		err   error
	)
	if c.scripts.Load() {
		var n int64
		n, err = refreshScript.Run(ctx, c.rdb, keys, ttlSeconds(ttl)).Int64()
		alive = n == 1
		if err != nil && scriptingUnsupported(err) {
			c.fallBack(err)
			alive, err = c.refreshSimple(ctx, keys, ttl)
		}
	} else {
		alive, err = c.refreshSimple(ctx, keys, ttl)
	}
	if err != nil {
		return false, errors.UpstreamFailure.Explain("refresh slot for %s", shopID).Wrap(err)
	}
	return alive, nil
}

func (c *Controller) acquireScripted(ctx context.Context, keys []string, limit, seconds int64) (bool, int64, error) {
	res, err := acquireScript.Run(ctx, c.rdb, keys, limit, seconds).Result()
	if err != nil {
		return false, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	allowedInt, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return allowedInt == 1, count, nil
}

func (c *Controller) acquireSimple(ctx context.Context, keys []string, limit int64, ttl time.Duration) (bool, int64, error) {
	countKey := keys[0]
	n, err := c.rdb.Incr(ctx, countKey).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, countKey, ttl).Err(); err != nil {
			return false, 0, err
		}
	}
	if n > limit {
		m, err := c.rdb.Decr(ctx, countKey).Result()
		if err != nil {
			return false, 0, err
		}
		if m <= 0 {
			m = 0
			if err := c.rdb.Del(ctx, countKey).Err(); err != nil {
				return false, 0, err
			}
		}
		return false, m, nil
	}
	if err := c.rdb.Expire(ctx, countKey, ttl).Err(); err != nil {
		return false, 0, err
	}
	if len(keys) > 1 {
		if err := c.rdb.Set(ctx, keys[1], "1", ttl).Err(); err != nil {
			return false, 0, err
		}
	}
	return true, n, nil
}

func (c *Controller) releaseSimple(ctx context.Context, keys []string, ttl time.Duration) (int64, error) {
	if len(keys) > 1 {
		removed, err := c.rdb.Del(ctx, keys[1]).Result()
		if err != nil {
			return 0, err
		}
		if removed == 0 {
			n, err := c.rdb.Get(ctx, keys[0]).Int64()
			if err == redis.Nil {
				return 0, nil
			}
			return n, err
		}
	}
	n, err := c.rdb.Decr(ctx, keys[0]).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, c.rdb.Del(ctx, keys[0]).Err()
	}
	return n, c.rdb.Expire(ctx, keys[0], ttl).Err()
}

func (c *Controller) refreshSimple(ctx context.Context, keys []string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, keys[1], ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	return true, c.rdb.Expire(ctx, keys[0], ttl).Err()
}

func (c *Controller) fallBack(cause error) {
	if c.scripts.CompareAndSwap(true, false) {
		c.logger.Warn("Store rejected Lua scripting, using non-atomic admission; not safe across processes",
			zap.Error(cause))
	}
}

func scriptingUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown command") && strings.Contains(msg, "eval")
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
