// Package cache keeps decoded audio keyed by time range with byte and item
// limits, LRU eviction and pressure-driven eviction around the playhead.
package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/media"
	"prism/internal/metrics"
)

const (
	DefaultMaxBytes = 10 << 20
	DefaultMaxItems = 50
)

type entry struct {
	key        string
	buf        *media.Buffer
	rng        media.TimeRange
	hasRange   bool
	size       int64
	lastAccess time.Time
	// tick orders entries touched within the same clock reading.
	tick uint64
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Items     int      `json:"items"`
	Bytes     int64    `json:"bytes"`
	MaxItems  int      `json:"max_items"`
	MaxBytes  int64    `json:"max_bytes"`
	Hits      uint64   `json:"hits"`
	Misses    uint64   `json:"misses"`
	Evictions uint64   `json:"evictions"`
	Keys      []string `json:"keys,omitempty"`
}

// Tiered is the audio cache. All methods are safe for concurrent use; no I/O
// happens under the lock.
type Tiered struct {
	mu       sync.Mutex
	entries  map[string]*entry
	bytes    int64
	maxBytes int64
	maxItems int
	tick     uint64

	hits, misses, evictions uint64

	now     func() time.Time
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// Option configures a Tiered cache.
type Option func(*Tiered)

// WithClock overrides the access-time source.
func WithClock(now func() time.Time) Option {
	return func(c *Tiered) { c.now = now }
}

func WithLogger(l *logrus.Logger) Option {
	return func(c *Tiered) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Tiered) { c.metrics = m }
}

// New builds a cache. Non-positive limits fall back to the defaults.
func New(maxBytes int64, maxItems int, opts ...Option) *Tiered {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	c := &Tiered{
		entries:  make(map[string]*entry),
		maxBytes: maxBytes,
		maxItems: maxItems,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Set stores buf under key, replacing any previous entry, then evicts least
// recently used entries until both limits hold. A buffer larger than maxBytes
// on its own is evicted immediately.
func (c *Tiered) Set(key string, buf *media.Buffer) {
	if buf == nil {
		return
	}
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.bytes -= old.size
		delete(c.entries, key)
	}
	e := &entry{key: key, buf: buf, size: buf.SizeBytes()}
	if r, ok := media.ParseKey(key); ok {
		e.rng, e.hasRange = r, true
	} else if buf.Range.End > buf.Range.Start {
		e.rng, e.hasRange = buf.Range, true
	}
	c.touch(e)
	c.entries[key] = e
	c.bytes += e.size

	evicted := c.evictLocked()
	bytes, items := c.bytes, len(c.entries)
	c.mu.Unlock()

	c.metrics.CacheEvicted("lru", len(evicted))
	c.metrics.CacheSize(bytes, items)
	if len(evicted) > 0 && c.logger != nil {
		c.logger.WithFields(logrus.Fields{"evicted": evicted, "bytes": bytes, "items": items}).Debug("cache: lru eviction")
	}
}

// Put stores buf under its own range key.
func (c *Tiered) Put(buf *media.Buffer) {
	if buf == nil {
		return
	}
	c.Set(buf.Range.Key(), buf)
}

// Get returns the buffer for key and marks it most recently used.
func (c *Tiered) Get(key string) (*media.Buffer, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.touch(e)
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	c.metrics.CacheLookup(ok)
	if !ok {
		return nil, false
	}
	return e.buf, true
}

// Lookup finds a cached buffer whose range covers r entirely. Exact key
// matches are tried first.
func (c *Tiered) Lookup(r media.TimeRange) (*media.Buffer, bool) {
	if buf, ok := c.Get(r.Key()); ok {
		return buf, true
	}
	c.mu.Lock()
	var best *entry
	for _, e := range c.entries {
		if !e.hasRange || e.rng.Start > r.Start || e.rng.End < r.End {
			continue
		}
		if best == nil || e.rng.Duration() < best.rng.Duration() {
			best = e
		}
	}
	if best != nil {
		c.touch(best)
	}
	c.mu.Unlock()
	if best == nil {
		return nil, false
	}
	return best.buf, true
}

// Contains reports presence without touching LRU order.
func (c *Tiered) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *Tiered) Remove(key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.bytes -= e.size
		delete(c.entries, key)
	}
	bytes, items := c.bytes, len(c.entries)
	c.mu.Unlock()
	c.metrics.CacheSize(bytes, items)
}

func (c *Tiered) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.bytes = 0
	c.mu.Unlock()
	c.metrics.CacheSize(0, 0)
}

// HandlePressure drops every entry farther than level's retention radius from
// ref. Entries without a parseable range are dropped for any level above
// normal. It returns the evicted keys.
func (c *Tiered) HandlePressure(level media.PressureLevel, ref float64) []string {
	if level == media.PressureNormal {
		return nil
	}
	radius := level.RetentionRadius()

	c.mu.Lock()
	var evicted []string
	for key, e := range c.entries {
		if e.hasRange && e.rng.Distance(ref) <= radius {
			continue
		}
		c.bytes -= e.size
		delete(c.entries, key)
		evicted = append(evicted, key)
	}
	c.evictions += uint64(len(evicted))
	bytes, items := c.bytes, len(c.entries)
	c.mu.Unlock()

	c.metrics.CacheEvicted("pressure", len(evicted))
	c.metrics.CacheSize(bytes, items)
	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"level":   level.String(),
			"ref":     ref,
			"radius":  radius,
			"evicted": len(evicted),
			"items":   items,
		}).Info("cache: pressure eviction")
	}
	return evicted
}

func (c *Tiered) ItemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Tiered) CurrentSizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Stats returns counters and, when withKeys is set, the keys in LRU order
// (oldest first).
func (c *Tiered) Stats(withKeys bool) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Items:     len(c.entries),
		Bytes:     c.bytes,
		MaxItems:  c.maxItems,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if withKeys {
		for _, e := range c.lruOrder() {
			s.Keys = append(s.Keys, e.key)
		}
	}
	return s
}

func (c *Tiered) touch(e *entry) {
	c.tick++
	e.tick = c.tick
	e.lastAccess = c.now()
}

func (c *Tiered) evictLocked() []string {
	var evicted []string
	for len(c.entries) > c.maxItems || c.bytes > c.maxBytes {
		oldest := c.oldestLocked()
		if oldest == nil {
			break
		}
		c.bytes -= oldest.size
		delete(c.entries, oldest.key)
		evicted = append(evicted, oldest.key)
	}
	c.evictions += uint64(len(evicted))
	return evicted
}

func (c *Tiered) oldestLocked() *entry {
	var oldest *entry
	for _, e := range c.entries {
		if oldest == nil || older(e, oldest) {
			oldest = e
		}
	}
	return oldest
}

func older(a, b *entry) bool {
	if !a.lastAccess.Equal(b.lastAccess) {
		return a.lastAccess.Before(b.lastAccess)
	}
	return a.tick < b.tick
}

func (c *Tiered) lruOrder() []*entry {
	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	// insertion sort; the cache holds tens of entries
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && older(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
