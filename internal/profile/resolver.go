// Package profile resolves author pubkeys to display profiles. Lookups are
// batched into single kind-0 queries, cached with a TTL, and tolerate
// partial failure: a missing entry means "fall back to the raw identifier",
// never an error.
package profile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/marykatefain/bookstr-sub001/internal/cache"
	"github.com/marykatefain/bookstr-sub001/internal/metrics"
	"github.com/marykatefain/bookstr-sub001/internal/nostr"
)

// Snapshot is the denormalized display view of an author (kind 0 content).
type Snapshot struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
}

// BestName returns the preferred display name, or "" if the snapshot is
// empty; callers then fall back to the raw pubkey.
func (s *Snapshot) BestName() string {
	if s == nil {
		return ""
	}
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// cachedSnapshot wraps a snapshot with not-found marking so relays aren't
// re-queried for pubkeys known to have no profile.
type cachedSnapshot struct {
	Profile   *Snapshot `json:"profile"`
	FetchedAt int64     `json:"fetched_at"`
	NotFound  bool      `json:"not_found"`
}

// Querier is the slice of the relay pool the resolver needs.
type Querier interface {
	QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error)
}

// Resolver batches and caches profile lookups.
type Resolver struct {
	querier Querier
	relays  []string
	backend cache.Backend
	cfg     cache.Config
	batcher *Batcher[*Snapshot]
	timeout time.Duration
}

// NewResolver creates a resolver querying the given relays.
func NewResolver(querier Querier, relays []string, backend cache.Backend, cfg cache.Config) *Resolver {
	r := &Resolver{
		querier: querier,
		relays:  relays,
		backend: backend,
		cfg:     cfg,
		timeout: 3 * time.Second,
	}
	r.batcher = NewBatcher("profiles", r.fetchDirect, 50*time.Millisecond, 100)
	return r
}

// Resolve returns snapshots for as many of the given pubkeys as possible.
// Cached entries are served without a relay round trip; the rest are fetched
// in one batched query. Unresolvable pubkeys are simply absent from the map.
func (r *Resolver) Resolve(ctx context.Context, pubkeys []string) map[string]*Snapshot {
	if len(pubkeys) == 0 {
		return nil
	}

	cached, missing := r.getCached(ctx, pubkeys)
	if len(missing) == 0 {
		metrics.IncrementCacheHit()
		return cached
	}
	metrics.IncrementCacheMiss()

	fresh := r.batcher.GetMultiple(missing)

	result := make(map[string]*Snapshot, len(cached)+len(fresh))
	for pk, p := range cached {
		result[pk] = p
	}
	for pk, p := range fresh {
		result[pk] = p
	}
	return result
}

// getCached returns cached snapshots and the pubkeys needing a fetch.
// Pubkeys with a cached not-found marker are neither returned nor refetched.
func (r *Resolver) getCached(ctx context.Context, pubkeys []string) (found map[string]*Snapshot, missing []string) {
	found = make(map[string]*Snapshot)

	keys := make([]string, len(pubkeys))
	for i, pk := range pubkeys {
		keys[i] = "profile:" + pk
	}

	results, err := r.backend.GetMultiple(ctx, keys)
	if err != nil {
		return found, pubkeys
	}

	for i, pubkey := range pubkeys {
		data, ok := results[keys[i]]
		if !ok {
			missing = append(missing, pubkey)
			continue
		}

		var cached cachedSnapshot
		if err := json.Unmarshal(data, &cached); err != nil {
			missing = append(missing, pubkey)
			continue
		}
		if !cached.NotFound && cached.Profile != nil {
			found[pubkey] = cached.Profile
		}
	}
	return found, missing
}

// fetchDirect issues one kind-0 query for a batch of pubkeys and caches the
// results, marking pubkeys that returned nothing as not-found.
func (r *Resolver) fetchDirect(pubkeys []string) map[string]*Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	filter := nostr.Filter{
		Authors: pubkeys,
		Kinds:   []int{nostr.KindProfile},
		Limit:   len(pubkeys),
	}

	events, err := r.querier.QuerySync(ctx, r.relays, filter)
	if err != nil {
		slog.Debug("profile: batch fetch failed", "pubkeys", len(pubkeys), "error", err)
		return nil
	}

	fresh := make(map[string]*Snapshot)
	newest := make(map[string]int64)
	for _, evt := range events {
		if evt.Kind != nostr.KindProfile {
			continue
		}
		// Keep only the newest profile event per pubkey
		if ts, ok := newest[evt.PubKey]; ok && ts >= evt.CreatedAt {
			continue
		}
		snap := parseSnapshot(evt.Content)
		if snap == nil {
			continue
		}
		newest[evt.PubKey] = evt.CreatedAt
		fresh[evt.PubKey] = snap
	}

	r.storeCached(ctx, pubkeys, fresh)
	slog.Debug("profile: batch fetched", "requested", len(pubkeys), "resolved", len(fresh))
	return fresh
}

func parseSnapshot(content string) *Snapshot {
	var snap Snapshot
	if err := json.Unmarshal([]byte(content), &snap); err != nil {
		return nil
	}
	return &snap
}

func (r *Resolver) storeCached(ctx context.Context, requested []string, fresh map[string]*Snapshot) {
	now := time.Now().Unix()

	for _, pubkey := range requested {
		snap := fresh[pubkey]
		cached := cachedSnapshot{
			Profile:   snap,
			FetchedAt: now,
			NotFound:  snap == nil,
		}
		data, err := json.Marshal(cached)
		if err != nil {
			continue
		}
		ttl := r.cfg.ProfileTTL
		if snap == nil {
			ttl = r.cfg.ProfileNotFoundTTL
		}
		r.backend.Set(ctx, "profile:"+pubkey, data, ttl)
	}
}

// Invalidate drops a cached profile, e.g. after the user edits their own.
func (r *Resolver) Invalidate(ctx context.Context, pubkey string) {
	r.backend.Delete(ctx, "profile:"+pubkey)
}
