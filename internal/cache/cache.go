// Package cache provides response caching for cache-eligible completion
// requests. It supports both in-memory (single instance) and Redis
// (distributed) backends, and coalesces concurrent identical requests
// via singleflight so a cache stampede only reaches the upstream once.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nullstream/gemini-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache defines the interface for response caching backends.
type Cache interface {
	Get(ctx context.Context, key domain.Fingerprint) (*domain.CompletionArtifact, bool)
	Set(ctx context.Context, key domain.Fingerprint, artifact *domain.CompletionArtifact, ttl time.Duration) error
	InvalidateAll(ctx context.Context) error
}

// canonicalRequest is the subset of a ChatRequest that determines cache
// identity. Tools are sorted so the digest doesn't depend on the order
// the caller listed them in.
type canonicalRequest struct {
	Model      string             `json:"model"`
	Messages   []domain.Message   `json:"messages"`
	Tools      []domain.Tool      `json:"tools,omitempty"`
	ToolChoice *domain.ToolChoice `json:"tool_choice,omitempty"`
	Generation canonicalGen       `json:"generation"`
}

type canonicalGen struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	TopK            *int     `json:"top_k,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
	Stop            []string `json:"stop,omitempty"`
	ResponseFormat  string   `json:"response_format,omitempty"`
}

// Fingerprint computes the stable cache key for req: a digest over the
// canonicalized model, messages, sorted tools, tool_choice, and
// generation parameters. Stream is excluded by construction: callers
// check Eligible before ever computing a Fingerprint.
func Fingerprint(req domain.ChatRequest) domain.Fingerprint {
	tools := append([]domain.Tool(nil), req.Tools...)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	canon := canonicalRequest{
		Model:      req.Model,
		Messages:   req.Messages,
		Tools:      tools,
		ToolChoice: req.ToolChoice,
		Generation: canonicalGen{
			Temperature:     req.Generation.Temperature,
			TopP:            req.Generation.TopP,
			TopK:            req.Generation.TopK,
			MaxOutputTokens: req.Generation.MaxOutputTokens,
			Stop:            req.Generation.Stop,
			ResponseFormat:  req.Generation.ResponseFormat,
		},
	}

	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	return domain.Fingerprint("cache:" + hex.EncodeToString(sum[:]))
}

// InMemoryCache is a two-tier LRU+TTL cache: a small "hot" tier for
// entries that have already produced a hit, backed by a larger main
// tier, mirroring the promotion scheme of the original adapter's
// response cache.
type InMemoryCache struct {
	mu        sync.Mutex
	main      *lruTier
	hot       *lruTier
	hitCount  int64
	missCount int64
}

type lruTier struct {
	maxSize int
	ttl     time.Duration
	items   map[domain.Fingerprint]*list.Element
	order   *list.List
}

type lruEntry struct {
	key       domain.Fingerprint
	artifact  domain.CompletionArtifact
	expiresAt time.Time
}

func newLRUTier(maxSize int, ttl time.Duration) *lruTier {
	return &lruTier{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[domain.Fingerprint]*list.Element),
		order:   list.New(),
	}
}

func (t *lruTier) get(key domain.Fingerprint, now time.Time) (domain.CompletionArtifact, bool) {
	el, ok := t.items[key]
	if !ok {
		return domain.CompletionArtifact{}, false
	}
	entry := el.Value.(*lruEntry)
	if now.After(entry.expiresAt) {
		t.order.Remove(el)
		delete(t.items, key)
		return domain.CompletionArtifact{}, false
	}
	t.order.MoveToFront(el)
	return entry.artifact, true
}

func (t *lruTier) set(key domain.Fingerprint, artifact domain.CompletionArtifact, now time.Time) {
	if el, ok := t.items[key]; ok {
		el.Value.(*lruEntry).artifact = artifact
		el.Value.(*lruEntry).expiresAt = now.Add(t.ttl)
		t.order.MoveToFront(el)
		return
	}

	entry := &lruEntry{key: key, artifact: artifact, expiresAt: now.Add(t.ttl)}
	el := t.order.PushFront(entry)
	t.items[key] = el

	if t.maxSize > 0 && t.order.Len() > t.maxSize {
		oldest := t.order.Back()
		if oldest != nil {
			t.order.Remove(oldest)
			delete(t.items, oldest.Value.(*lruEntry).key)
		}
	}
}

// NewInMemoryCache builds a two-tier cache: the main tier holds up to
// maxSize entries for ttl; the hot tier holds a quarter of that for
// twice as long, populated on promotion from a main-tier hit.
func NewInMemoryCache(maxSize int, ttl time.Duration) *InMemoryCache {
	hotSize := maxSize / 4
	if hotSize < 1 {
		hotSize = 1
	}
	return &InMemoryCache{
		main: newLRUTier(maxSize, ttl),
		hot:  newLRUTier(hotSize, ttl*2),
	}
}

func (c *InMemoryCache) Get(ctx context.Context, key domain.Fingerprint) (*domain.CompletionArtifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if artifact, ok := c.hot.get(key, now); ok {
		c.hitCount++
		return &artifact, true
	}

	artifact, ok := c.main.get(key, now)
	if !ok {
		c.missCount++
		return nil, false
	}

	c.hitCount++
	c.hot.set(key, artifact, now)
	return &artifact, true
}

func (c *InMemoryCache) Set(ctx context.Context, key domain.Fingerprint, artifact *domain.CompletionArtifact, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.main.set(key, *artifact, time.Now())
	return nil
}

// InvalidateAll discards every cached entry in both tiers, for the
// admin reset operation. Hit/miss counters are left alone since they
// describe process-lifetime behavior, not current occupancy.
func (c *InMemoryCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.main = newLRUTier(c.main.maxSize, c.main.ttl)
	c.hot = newLRUTier(c.hot.maxSize, c.hot.ttl)
	return nil
}

// Stats reports cache hit/miss counters and tier occupancy.
type Stats struct {
	HitCount  int64   `json:"hit_count"`
	MissCount int64   `json:"miss_count"`
	HitRate   float64 `json:"hit_rate"`
	MainSize  int     `json:"main_size"`
	HotSize   int     `json:"hot_size"`
}

func (c *InMemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hitCount + c.missCount
	var rate float64
	if total > 0 {
		rate = float64(c.hitCount) / float64(total) * 100
	}
	return Stats{
		HitCount:  c.hitCount,
		MissCount: c.missCount,
		HitRate:   rate,
		MainSize:  c.main.order.Len(),
		HotSize:   c.hot.order.Len(),
	}
}

// RedisCache is the distributed backend, sharing wire format with
// InMemoryCache's stored artifact via JSON.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key domain.Fingerprint) (*domain.CompletionArtifact, bool) {
	data, err := c.client.Get(ctx, string(key)).Bytes()
	if err != nil {
		return nil, false
	}

	var artifact domain.CompletionArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, false
	}

	return &artifact, true
}

func (c *RedisCache) Set(ctx context.Context, key domain.Fingerprint, artifact *domain.CompletionArtifact, ttl time.Duration) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, string(key), data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// InvalidateAll deletes every cache-namespaced key, scanning in batches
// so a large keyspace doesn't block Redis the way KEYS would.
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "cache:*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// CoalescingCache wraps a Cache so that concurrent lookups for the same
// fingerprint that both miss result in only one loader invocation; the
// rest receive the loader's result once it completes.
type CoalescingCache struct {
	backend Cache
	group   singleflight.Group
	ttl     time.Duration
}

func NewCoalescingCache(backend Cache, ttl time.Duration) *CoalescingCache {
	return &CoalescingCache{backend: backend, ttl: ttl}
}

// Backend exposes the underlying Cache, for callers that want
// backend-specific introspection (e.g. InMemoryCache.Stats for the
// /stats endpoint).
func (c *CoalescingCache) Backend() Cache {
	return c.backend
}

// InvalidateAll clears the underlying backend as a whole, for the
// admin cache-reset operation.
func (c *CoalescingCache) InvalidateAll(ctx context.Context) error {
	return c.backend.InvalidateAll(ctx)
}

// GetOrLoad returns the cached artifact for key, or calls load exactly
// once across all concurrent callers sharing key and populates the
// cache with its result before returning it. The bool result reports
// whether the value came from cache.
func (c *CoalescingCache) GetOrLoad(ctx context.Context, key domain.Fingerprint, load func() (*domain.CompletionArtifact, error)) (*domain.CompletionArtifact, bool, error) {
	if artifact, ok := c.backend.Get(ctx, key); ok {
		return artifact, true, nil
	}

	v, err, _ := c.group.Do(string(key), func() (any, error) {
		artifact, err := load()
		if err != nil {
			return nil, err
		}
		_ = c.backend.Set(ctx, key, artifact, c.ttl)
		return artifact, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*domain.CompletionArtifact), false, nil
}
