package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"scamprobe/internal/cache"
	"scamprobe/internal/domain"
)

// CachedAdapter serves repeat lookups from a Store. Only successful results
// are stored. Concurrent misses for the same key inside one process share a
// single call; across processes two workers may both miss and both write,
// which is harmless.
type CachedAdapter struct {
	inner Adapter
	store cache.Store
	ttl   time.Duration
	group singleflight.Group
}

func Cached(inner Adapter, store cache.Store, ttl time.Duration) *CachedAdapter {
	return &CachedAdapter{inner: inner, store: store, ttl: ttl}
}

func (c *CachedAdapter) Name() string { return c.inner.Name() }

func (c *CachedAdapter) Supports(t domain.EntityType) bool { return c.inner.Supports(t) }

func CacheKey(tool string, e domain.Entity) string {
	return tool + "|" + string(e.Type) + "|" + e.Value
}

func (c *CachedAdapter) Investigate(ctx context.Context, e domain.Entity, timeout time.Duration) domain.ToolResult {
	key := CacheKey(c.inner.Name(), e)
	start := time.Now()

	// The store shares the tool's time budget: a read gets at most a quarter
	// of it, the lookup the rest, and the write must finish inside it.
	rctx, cancel := context.WithTimeout(ctx, timeout/4)
	raw, ok, err := c.store.Get(rctx, key)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("tool", c.inner.Name()).Msg("tool cache read failed")
	} else if ok {
		var res domain.ToolResult
		if err := json.Unmarshal(raw, &res); err == nil {
			res.Entity = e
			res.ExecutionTimeMs = time.Since(start).Milliseconds()
			return withCachedFlag(res)
		}
	}

	remaining := timeout - time.Since(start)
	// the shared call must not die with the first caller's context; its own
	// timeout still bounds it
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		res := c.inner.Investigate(shared, e, remaining)
		if res.Success {
			if raw, err := json.Marshal(res); err == nil {
				wctx, cancel := context.WithDeadline(shared, start.Add(timeout))
				if err := c.store.Set(wctx, key, raw, c.ttl); err != nil {
					log.Warn().Err(err).Str("tool", c.inner.Name()).Msg("tool cache write failed")
				}
				cancel()
			}
		}
		return res, nil
	})

	select {
	case r := <-ch:
		res := r.Val.(domain.ToolResult)
		res.Entity = e
		return res
	case <-ctx.Done():
		return domain.ToolResult{
			ToolName:        c.inner.Name(),
			Entity:          e,
			ErrorKind:       domain.ToolErrorKind(ctx.Err()),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
	}
}

func withCachedFlag(res domain.ToolResult) domain.ToolResult {
	ev := make(map[string]any, len(res.Evidence)+1)
	for k, v := range res.Evidence {
		ev[k] = v
	}
	ev["cached"] = true
	res.Evidence = ev
	return res
}
