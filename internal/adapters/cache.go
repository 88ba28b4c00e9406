// Package adapters reads the external inputs of site-condition predicates:
// weather forecasts, incident history and geography features. Every read goes
// through a tenant-scoped TTL cache that deduplicates in-flight fetches and
// serves the last good answer, marked stale, when the upstream fails.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"worksafety/internal/observability"
	"worksafety/pkg/domain"
)

// Source names an upstream.
type Source string

// Upstreams.
const (
	SourceWeather   Source = "weather"
	SourceIncidents Source = "incidents"
	SourceGeography Source = "geography"
)

// DefaultTTLs are the freshness windows per source. Zero means the entry
// never expires.
func DefaultTTLs() map[Source]time.Duration {
	return map[Source]time.Duration{
		SourceWeather:   time.Hour,
		SourceIncidents: 24 * time.Hour,
		SourceGeography: 0,
	}
}

// Value is a cached upstream answer.
type Value struct {
	Data      json.RawMessage
	FetchedAt time.Time
	Stale     bool
}

// Tier is a byte-level cache layer.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, prefix string) error
}

// MemoryTier is the in-process tier.
type MemoryTier struct {
	mu   sync.RWMutex
	rows map[string][]byte
}

// NewMemoryTier returns an empty memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{rows: make(map[string][]byte)}
}

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rows[key]
	return v, ok, nil
}

// Put ignores ttl; the cache checks freshness itself.
func (m *MemoryTier) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.rows {
		if strings.HasPrefix(k, prefix) {
			delete(m.rows, k)
		}
	}
	return nil
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// TTL overrides DefaultTTLs per source.
	TTL map[Source]time.Duration
	// Durable is the optional second tier (badger).
	Durable Tier
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type entry struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Cache is the adapter cache.
type Cache struct {
	ttl     map[Source]time.Duration
	memory  *MemoryTier
	durable Tier
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	flight  singleflight.Group
}

// NewCache builds a cache with the memory tier and an optional durable tier.
func NewCache(opts CacheOptions) *Cache {
	ttl := DefaultTTLs()
	for src, d := range opts.TTL {
		ttl[src] = d
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		memory:  NewMemoryTier(),
		durable: opts.Durable,
		now:     opts.Now,
		logger:  observability.OrDefault(opts.Logger).With("component", "adapters"),
		metrics: opts.Metrics.Or(),
	}
}

// TTL returns the freshness window of source.
func (c *Cache) TTL(source Source) time.Duration { return c.ttl[source] }

func cacheKey(source Source, tenantID, key string) string {
	return string(source) + "/" + tenantID + "/" + key
}

// Get serves key from the cache or fetches it. Fresh entries are returned
// as is; otherwise one fetch per key runs and concurrent callers share its
// result. An upstream error falls back to the cached entry marked stale, or
// surfaces as a transient error when nothing is cached.
func (c *Cache) Get(ctx context.Context, source Source, tenantID, key string, fetch func(context.Context) ([]byte, error)) (Value, error) {
	full := cacheKey(source, tenantID, key)
	cached, found := c.load(ctx, source, full)
	if found && c.fresh(source, cached) {
		c.count(source, "hit")
		return Value{Data: cached.Data, FetchedAt: cached.FetchedAt}, nil
	}
	res, err, _ := c.flight.Do(full, func() (interface{}, error) {
		ctx, span := observability.StartSpan(ctx, "adapter.fetch",
			attribute.String("source", string(source)),
			attribute.String("tenant", tenantID))
		defer span.End()
		data, err := fetch(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		e := entry{Data: json.RawMessage(data), FetchedAt: c.now().UTC()}
		c.store(ctx, full, e)
		return e, nil
	})
	if err != nil {
		if found {
			c.count(source, "stale")
			c.logger.Warn("serving stale adapter data", "source", source, "tenant", tenantID, "key", key, "error", err)
			return Value{Data: cached.Data, FetchedAt: cached.FetchedAt, Stale: true}, nil
		}
		c.count(source, "error")
		return Value{}, domain.Transient(fmt.Errorf("%s %s: %w", source, key, err))
	}
	c.count(source, "miss")
	e := res.(entry)
	return Value{Data: e.Data, FetchedAt: e.FetchedAt}, nil
}

// Invalidate drops every entry of the tenant for source.
func (c *Cache) Invalidate(ctx context.Context, source Source, tenantID string) error {
	prefix := cacheKey(source, tenantID, "")
	if err := c.memory.Delete(ctx, prefix); err != nil {
		return err
	}
	if c.durable != nil {
		return c.durable.Delete(ctx, prefix)
	}
	return nil
}

func (c *Cache) fresh(source Source, e entry) bool {
	ttl := c.ttl[source]
	return ttl == 0 || c.now().Sub(e.FetchedAt) < ttl
}

func (c *Cache) load(ctx context.Context, source Source, key string) (entry, bool) {
	raw, ok, _ := c.memory.Get(ctx, key)
	if !ok && c.durable != nil {
		var err error
		raw, ok, err = c.durable.Get(ctx, key)
		if err != nil {
			c.logger.Warn("durable cache read failed", "key", key, "error", err)
			return entry{}, false
		}
		if ok {
			_ = c.memory.Put(ctx, key, raw, 0)
		}
	}
	if !ok {
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, false
	}
	return e, true
}

func (c *Cache) store(ctx context.Context, key string, e entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = c.memory.Put(ctx, key, raw, 0)
	if c.durable == nil {
		return
	}
	// Entries outlive their TTL so an upstream outage can still be served
	// stale; a successful refetch overwrites them.
	if err := c.durable.Put(ctx, key, raw, 0); err != nil {
		c.logger.Warn("durable cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) count(source Source, result string) {
	c.metrics.AdapterRequests.WithLabelValues(string(source), result).Inc()
}
