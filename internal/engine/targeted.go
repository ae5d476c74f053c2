package engine

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// DefaultTargetedCacheSize bounds the per-context result cache.
const DefaultTargetedCacheSize = 10_000

// targetedCache holds LookupWithContext results keyed by flag and targeting
// context. It is bounded and may drop entries; a miss re-runs the pipeline.
// Entries written under an older generation are treated as misses, so
// invalidation never has to walk the cache.
type targetedCache struct {
	gen atomic.Uint64

	// mu guards cache against use after close; ristretto panics on a Set
	// that races its Close.
	mu     sync.RWMutex
	cache  *ristretto.Cache
	closed bool
}

type targetedEntry struct {
	gen    uint64
	record domain.FlagRecord
}

// newTargetedCache returns nil when size is not positive.
func newTargetedCache(size int64) (*targetedCache, error) {
	if size <= 0 {
		return nil, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create targeted cache: %w", err)
	}
	return &targetedCache{cache: cache}, nil
}

func (c *targetedCache) generation() uint64 {
	if c == nil {
		return 0
	}
	return c.gen.Load()
}

func (c *targetedCache) get(id string) (domain.FlagRecord, bool) {
	if c == nil {
		return domain.FlagRecord{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.FlagRecord{}, false
	}
	v, found := c.cache.Get(id)
	if !found {
		return domain.FlagRecord{}, false
	}
	entry, ok := v.(targetedEntry)
	if !ok || entry.gen != c.gen.Load() {
		return domain.FlagRecord{}, false
	}
	return entry.record, true
}

// set stores record computed under gen. Admission is asynchronous and may be
// refused.
func (c *targetedCache) set(id string, gen uint64, record domain.FlagRecord) {
	if c == nil || gen != c.gen.Load() {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.closed {
		c.cache.Set(id, targetedEntry{gen: gen, record: record}, 1)
	}
}

func (c *targetedCache) invalidate() {
	if c != nil {
		c.gen.Add(1)
	}
}

func (c *targetedCache) close() {
	if c == nil {
		return
	}
	c.invalidate()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.cache.Close()
	}
}

// targetedID identifies a (flag, context) pair. Every field is quoted so
// distinct contexts never share an id.
func targetedID(key string, evalCtx domain.Context) string {
	var b strings.Builder
	for _, field := range []string{key, evalCtx.UserID, evalCtx.Country, evalCtx.Language, evalCtx.AppVersion, evalCtx.DeviceID} {
		b.WriteString(strconv.Quote(field))
		b.WriteByte('|')
	}

	attrs := evalCtx.Attributes()
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		v := attrs[name]
		fmt.Fprintf(&b, "%q=%T:%q|", name, v, v.String())
	}
	return b.String()
}
