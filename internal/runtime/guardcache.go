package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/alfredjean/ojd/infrastructure/resilience"
	"github.com/alfredjean/ojd/internal/core/coordination"
	"github.com/alfredjean/ojd/pkg/logger"
)

// GuardInputCache caches the coordination.Inputs a blocked pipeline's guard
// was last rechecked against, keyed by pipeline ID, behind a Redis client.
// A circuit breaker wraps every Redis round trip: once Redis has tripped it
// open, Get/Set become no-ops immediately rather than waiting out a dial
// timeout, so a flaky cache degrades guard rechecks to always-recompute
// instead of stalling them.
type GuardInputCache struct {
	rdb *redis.Client
	cb  *resilience.CircuitBreaker
	ttl time.Duration
	log *logger.Logger
}

// NewGuardInputCache dials lazily (go-redis connects on first command) and
// is safe to construct even if Redis is unreachable at startup.
func NewGuardInputCache(addr string, ttl time.Duration, log *logger.Logger) *GuardInputCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &GuardInputCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		cb:  resilience.New(resilience.DefaultConfig()),
		ttl: ttl,
		log: log,
	}
}

// Get returns the cached Inputs for a pipeline, or ok=false on a cache miss,
// a circuit-open short-circuit, or any Redis error — all three are treated
// identically by the caller, which simply recomputes the inputs itself.
func (c *GuardInputCache) Get(ctx context.Context, pipelineID string) (coordination.Inputs, bool) {
	if c == nil {
		return nil, false
	}
	var raw string
	miss := false
	err := c.cb.Execute(ctx, func() error {
		var getErr error
		raw, getErr = c.rdb.Get(ctx, guardCacheKey(pipelineID)).Result()
		if getErr == redis.Nil {
			// a plain miss is a healthy round trip, not a breaker failure
			miss = true
			return nil
		}
		return getErr
	})
	if err != nil {
		if err != redis.Nil {
			c.log.WithFields(map[string]interface{}{"pipeline": pipelineID, "error": err.Error()}).Warn("runtime: guard input cache get failed")
		}
		return nil, false
	}
	if miss {
		return nil, false
	}
	var in coordination.Inputs
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, false
	}
	return in, true
}

// Set writes the Inputs back through the circuit breaker; a failure here
// only means the next recheck recomputes instead of reusing the cache, so
// it is logged and swallowed rather than surfaced to the caller.
func (c *GuardInputCache) Set(ctx context.Context, pipelineID string, in coordination.Inputs) {
	if c == nil {
		return
	}
	body, err := json.Marshal(in)
	if err != nil {
		return
	}
	err = c.cb.Execute(ctx, func() error {
		return c.rdb.Set(ctx, guardCacheKey(pipelineID), body, c.ttl).Err()
	})
	if err != nil {
		c.log.WithFields(map[string]interface{}{"pipeline": pipelineID, "error": err.Error()}).Warn("runtime: guard input cache set failed")
	}
}

func guardCacheKey(pipelineID string) string {
	return "ojd:guard-inputs:" + pipelineID
}
