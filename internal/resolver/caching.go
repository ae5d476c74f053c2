package resolver

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// cacheState is never mutated after publication. Every invalidation
// publishes a new state with a higher generation.
type cacheState struct {
	gen     uint64
	entries map[string]domain.FlagRecord
}

// CachingResolver memoizes a delegate's results per key until invalidated.
//
// Reads are a single atomic load. Concurrent misses on a key within one
// generation share a single delegate call, and a result computed before an
// invalidation is handed to its caller but never stored.
type CachingResolver struct {
	delegate  Resolver
	state     atomic.Pointer[cacheState]
	flights   singleflight.Group
	telemetry telemetry.Provider
}

// CachingOption configures a CachingResolver.
type CachingOption func(*CachingResolver)

func WithCacheTelemetry(p telemetry.Provider) CachingOption {
	return func(c *CachingResolver) {
		if p != nil {
			c.telemetry = p
		}
	}
}

func NewCachingResolver(delegate Resolver, opts ...CachingOption) *CachingResolver {
	c := &CachingResolver{
		delegate:  delegate,
		telemetry: telemetry.NewNoOp(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(&cacheState{entries: map[string]domain.FlagRecord{}})
	return c
}

func (c *CachingResolver) Resolve(ctx context.Context, key string) domain.FlagRecord {
	st := c.state.Load()
	if record, ok := st.entries[key]; ok {
		c.telemetry.RecordCacheHit(ctx, key)
		return record
	}
	c.telemetry.RecordCacheMiss(ctx, key)

	v, _, _ := c.flights.Do(flightKey(st.gen, key), func() (any, error) {
		// A sibling flight may have stored the key since our load.
		if record, ok := c.state.Load().entries[key]; ok {
			return record, nil
		}
		record := c.delegate.Resolve(ctx, key)
		return c.store(st.gen, map[string]domain.FlagRecord{key: record})[key], nil
	})
	return v.(domain.FlagRecord)
}

// ResolveAll serves cached keys directly and sends only the misses to the
// delegate, in one call when it implements BatchResolver.
func (c *CachingResolver) ResolveAll(ctx context.Context, keys []string) map[string]domain.FlagRecord {
	st := c.state.Load()
	out := make(map[string]domain.FlagRecord, len(keys))
	var missing []string

	for _, key := range keys {
		if _, seen := out[key]; seen {
			continue
		}
		if record, ok := st.entries[key]; ok {
			c.telemetry.RecordCacheHit(ctx, key)
			out[key] = record
			continue
		}
		if !slices.Contains(missing, key) {
			c.telemetry.RecordCacheMiss(ctx, key)
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return out
	}

	var resolved map[string]domain.FlagRecord
	if batch, ok := c.delegate.(BatchResolver); ok {
		resolved = batch.ResolveAll(ctx, missing)
	} else {
		resolved = make(map[string]domain.FlagRecord, len(missing))
		for _, key := range missing {
			resolved[key] = c.delegate.Resolve(ctx, key)
		}
	}

	maps.Copy(out, c.store(st.gen, resolved))
	return out
}

// store publishes records computed under generation gen and returns the
// values callers should see. Keys already cached keep their existing value.
// If the cache was invalidated since gen, nothing is stored.
func (c *CachingResolver) store(gen uint64, records map[string]domain.FlagRecord) map[string]domain.FlagRecord {
	for {
		cur := c.state.Load()
		if cur.gen != gen {
			return records
		}

		entries := maps.Clone(cur.entries)
		result := make(map[string]domain.FlagRecord, len(records))
		for key, record := range records {
			if existing, ok := entries[key]; ok {
				result[key] = existing
				continue
			}
			entries[key] = record
			result[key] = record
		}

		if c.state.CompareAndSwap(cur, &cacheState{gen: gen, entries: entries}) {
			return result
		}
	}
}

// Invalidate drops key. In-flight resolutions started earlier are not stored.
func (c *CachingResolver) Invalidate(key string) {
	for {
		cur := c.state.Load()
		entries := maps.Clone(cur.entries)
		delete(entries, key)
		if c.state.CompareAndSwap(cur, &cacheState{gen: cur.gen + 1, entries: entries}) {
			return
		}
	}
}

// InvalidateAll drops every entry.
func (c *CachingResolver) InvalidateAll() {
	for {
		cur := c.state.Load()
		if c.state.CompareAndSwap(cur, &cacheState{gen: cur.gen + 1, entries: map[string]domain.FlagRecord{}}) {
			return
		}
	}
}

// Cached returns the stored record for key without resolving it.
func (c *CachingResolver) Cached(key string) (domain.FlagRecord, bool) {
	record, ok := c.state.Load().entries[key]
	return record, ok
}

func (c *CachingResolver) Len() int {
	return len(c.state.Load().entries)
}

func flightKey(gen uint64, key string) string {
	return strconv.FormatUint(gen, 10) + "/" + key
}
