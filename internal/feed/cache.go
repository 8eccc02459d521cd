package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marykatefain/bookstr-sub001/internal/cache"
)

// retentionTTL is how long a feed entry survives in the backing store. It is
// deliberately much longer than any freshness TTL so stale entries remain
// servable while a refresh is attempted.
const retentionTTL = 24 * time.Hour

// Entry is one cached feed snapshot. Staleness is judged against Timestamp,
// not against backend expiry.
type Entry struct {
	Key        string     `json:"key"`
	Activities []Activity `json:"activities"`
	Timestamp  time.Time  `json:"timestamp"`
}

// FeedCache stores feed snapshots in a cache.Backend. Each write replaces
// the whole entry so readers always see a consistent snapshot.
type FeedCache struct {
	backend cache.Backend
	cfg     *cache.Config
}

// NewFeedCache wraps a backend with feed entry encoding and TTL policy.
func NewFeedCache(backend cache.Backend, cfg *cache.Config) *FeedCache {
	if cfg == nil {
		cfg = cache.DefaultConfig()
	}
	return &FeedCache{backend: backend, cfg: cfg}
}

// FeedKey builds the cache key for a feed variant, e.g. "feed:global:30" or
// "feed:user:abc123:50".
func FeedKey(feedType string, authors []string, limit int) string {
	if len(authors) > 0 {
		return fmt.Sprintf("feed:%s:%s:%d", feedType, strings.Join(authors, "+"), limit)
	}
	return fmt.Sprintf("feed:%s:%d", feedType, limit)
}

// Get returns the cached entry for key plus whether it is still fresh for
// the given feed type. A missing or unreadable entry returns nil.
func (fc *FeedCache) Get(ctx context.Context, key, feedType string) (*Entry, bool) {
	data, found, err := fc.backend.Get(ctx, key)
	if err != nil {
		slog.Warn("feed cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("feed cache entry corrupt", "key", key, "error", err)
		return nil, false
	}

	fresh := time.Since(entry.Timestamp) < fc.cfg.FeedTTL(feedType)
	return &entry, fresh
}

// Put stores a new snapshot under key, stamped now.
func (fc *FeedCache) Put(ctx context.Context, key string, activities []Activity) error {
	entry := Entry{
		Key:        key,
		Activities: activities,
		Timestamp:  time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode feed entry: %w", err)
	}
	return fc.backend.Set(ctx, key, data, retentionTTL)
}

// PutEntry stores an already-built entry, preserving its timestamp. Used by
// the reaction path to mutate a snapshot without resetting freshness.
func (fc *FeedCache) PutEntry(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode feed entry: %w", err)
	}
	return fc.backend.Set(ctx, entry.Key, data, retentionTTL)
}

// Invalidate drops the entry for key.
func (fc *FeedCache) Invalidate(ctx context.Context, key string) {
	if err := fc.backend.Delete(ctx, key); err != nil {
		slog.Warn("feed cache invalidate failed", "key", key, "error", err)
	}
}
