package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marykatefain/bookstr-sub001/internal/cache"
	"github.com/marykatefain/bookstr-sub001/internal/config"
	"github.com/marykatefain/bookstr-sub001/internal/metrics"
	"github.com/marykatefain/bookstr-sub001/internal/nostr"
	"github.com/marykatefain/bookstr-sub001/internal/profile"
	"github.com/marykatefain/bookstr-sub001/internal/relay"
)

// ErrFeedUnavailable is returned when a feed has no cached snapshot and the
// initial fetch failed.
var ErrFeedUnavailable = errors.New("feed unavailable")

// Source is the slice of the relay pool the feed service depends on.
type Source interface {
	Connect(ctx context.Context, force bool) relay.Status
	Status() relay.Status
	QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error)
}

// ProfileSource resolves author profiles for feed events.
type ProfileSource interface {
	Resolve(ctx context.Context, pubkeys []string) map[string]*profile.Snapshot
}

// Streamer is optionally implemented by sources that support long-lived
// subscriptions alongside bounded queries. When available, live events nudge
// the background refresher instead of waiting out the full interval.
type Streamer interface {
	Stream(ctx context.Context, relays []string, filter nostr.Filter, onEvent func(nostr.Event)) *relay.StreamHandle
}

// Params identifies one feed variant.
type Params struct {
	Type    string // "global", "user", "book"
	Limit   int
	Authors []string // user feeds: the followed pubkeys
	Book    string   // book feeds: the book id
}

// Key returns the cache key for this feed variant.
func (p Params) Key() string {
	if p.Book != "" {
		return fmt.Sprintf("feed:%s:%s:%d", p.Type, p.Book, p.Limit)
	}
	return FeedKey(p.Type, p.Authors, p.Limit)
}

func (p Params) filter() nostr.Filter {
	f := nostr.Filter{
		Kinds: nostr.FeedKinds,
		// Overfetch: dedup and replaceable collapse shrink the result.
		Limit: p.Limit * 3,
	}
	if len(p.Authors) > 0 {
		f.Authors = p.Authors
	}
	if p.Book != "" {
		f.ITags = []string{"isbn:" + p.Book}
	}
	return f
}

// Listener receives the new snapshot after a feed commit.
type Listener func(activities []Activity)

// Service is the feed engine: cache-first reads, visibility-classified
// refreshes, and change notification. Safe for concurrent use.
type Service struct {
	source   Source
	profiles ProfileSource
	enricher *Enricher
	cache    *FeedCache
	orch     *Orchestrator
	cfg      config.RefreshConfig
	clock    Clock
	relays   []string

	mu           sync.Mutex
	viewer       string
	listeners    map[string]map[int]Listener
	nextListener int
	displayed    map[string]map[string]bool
	tracked      map[string]Params
	lastRefresh  map[string]time.Time

	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	liveCh      chan struct{}
	streamClose func()
}

// Options configures optional Service collaborators.
type Options struct {
	Clock      Clock
	RefreshCfg *config.RefreshConfig
}

// NewService wires the feed engine together. relays are the read relays for
// feed and enrichment queries.
func NewService(source Source, profiles ProfileSource, backend cache.Backend, cacheCfg *cache.Config, relays []string, opts Options) *Service {
	cfg := config.DefaultRefreshConfig()
	if opts.RefreshCfg != nil {
		cfg = *opts.RefreshCfg
	}
	defaults := config.DefaultRefreshConfig()
	if cfg.BackgroundTick <= 0 {
		cfg.BackgroundTick = defaults.BackgroundTick
	}
	if cfg.LiveDebounce <= 0 {
		cfg.LiveDebounce = defaults.LiveDebounce
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Service{
		source:      source,
		profiles:    profiles,
		enricher:    NewEnricher(source, relays),
		cache:       NewFeedCache(backend, cacheCfg),
		orch:        NewOrchestrator(cfg.ManualCooldown, clock),
		cfg:         cfg,
		clock:       clock,
		relays:      relays,
		listeners:   make(map[string]map[int]Listener),
		displayed:   make(map[string]map[string]bool),
		tracked:     make(map[string]Params),
		lastRefresh: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		liveCh:      make(chan struct{}, 1),
	}
}

// SetViewer sets the local user's pubkey, used for reaction state.
func (s *Service) SetViewer(pubkey string) {
	s.mu.Lock()
	s.viewer = pubkey
	s.mu.Unlock()
}

func (s *Service) viewerPubkey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer
}

// GetFeed returns the feed for p, serving from cache when possible. A fresh
// cached snapshot returns immediately. A stale snapshot returns immediately
// while a background refresh runs. A cache miss blocks on an initial fetch;
// if that fails the feed is unavailable.
func (s *Service) GetFeed(ctx context.Context, p Params) ([]Activity, error) {
	key := p.Key()
	s.track(p)

	entry, fresh := s.cache.Get(ctx, key, p.Type)
	if entry != nil {
		metrics.IncrementCacheHit()
		s.markDisplayed(key, entry.Activities)
		if !fresh {
			go s.refresh(context.Background(), p, VisBackground)
		}
		return entry.Activities, nil
	}

	metrics.IncrementCacheMiss()
	activities, err := s.refresh(ctx, p, VisInitial)
	if err != nil {
		return nil, err
	}
	s.markDisplayed(key, activities)
	return activities, nil
}

// RefreshFeed runs a user-requested refresh. Inside the manual cooldown
// window it is a no-op returning the current snapshot; a genuine failure
// surfaces to the caller.
func (s *Service) RefreshFeed(ctx context.Context, p Params) ([]Activity, error) {
	activities, err := s.refresh(ctx, p, VisManual)
	if err != nil {
		return nil, err
	}
	s.markDisplayed(p.Key(), activities)
	return activities, nil
}

// refresh runs one fetch-transform-commit cycle for p at the given
// visibility. Returns the snapshot to serve, which may be the previous one
// when the new fetch failed or was discarded.
func (s *Service) refresh(ctx context.Context, p Params, vis Visibility) ([]Activity, error) {
	key := p.Key()

	gen, ok := s.orch.TryBegin(key, vis)
	if !ok {
		// Another refresh of this class is running, or manual cooldown.
		// Share the in-flight refresh's outcome rather than fetching again.
		if ch := s.orch.Wait(key, vis); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if entry, _ := s.cache.Get(ctx, key, p.Type); entry != nil {
			return entry.Activities, nil
		}
		if vis.UserVisible() {
			return nil, ErrFeedUnavailable
		}
		return nil, nil
	}
	defer s.orch.End(key, vis)
	metrics.IncrementRefresh(vis.String())
	s.noteRefresh(key)

	activities, err := s.fetch(ctx, p)
	old, _ := s.cache.Get(ctx, key, p.Type)

	if err != nil || len(activities) == 0 {
		if err != nil {
			metrics.IncrementRefreshFailure()
			slog.Warn("feed refresh failed", "key", key, "mode", vis.String(), "error", err)
		}
		// Never replace a populated snapshot with an error or an empty
		// result.
		if old != nil {
			return old.Activities, nil
		}
		if err != nil && vis.UserVisible() {
			return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
		}
		return []Activity{}, nil
	}

	if !s.orch.IsCurrent(key, vis, gen) {
		// Superseded while fetching: serve the result, commit nothing.
		return activities, nil
	}

	if vis == VisBackground && old != nil {
		if !HasNewActivity(s.displayedSet(key, old.Activities), activities) {
			metrics.IncrementBackgroundDiscarded()
			return old.Activities, nil
		}
	}

	if err := s.cache.Put(ctx, key, activities); err != nil {
		slog.Warn("feed cache write failed", "key", key, "error", err)
	}
	s.notify(key, activities)
	return activities, nil
}

// fetch queries relays and builds the enriched, sorted, truncated snapshot.
func (s *Service) fetch(ctx context.Context, p Params) ([]Activity, error) {
	if s.source.Status() != relay.StatusConnected {
		s.source.Connect(ctx, false)
	}

	events, err := s.source.QuerySync(ctx, s.relays, p.filter())
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	pubkeySet := make(map[string]bool, len(events))
	for i := range events {
		pubkeySet[events[i].PubKey] = true
	}
	pubkeys := make([]string, 0, len(pubkeySet))
	for pk := range pubkeySet {
		pubkeys = append(pubkeys, pk)
	}
	profiles := s.profiles.Resolve(ctx, pubkeys)

	activities := Transform(events, profiles, TransformOptions{})
	SortActivities(activities)
	if len(activities) > p.Limit {
		activities = activities[:p.Limit]
	}

	viewer := s.viewerPubkey()
	s.enricher.Enrich(ctx, activities, viewer)
	s.enricher.AttachReplyAuthors(ctx, activities, s.profiles)
	return activities, nil
}

// OnFeedUpdated registers fn to run after each commit for p. The returned
// function unsubscribes.
func (s *Service) OnFeedUpdated(p Params, fn Listener) func() {
	key := p.Key()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners[key] == nil {
		s.listeners[key] = make(map[int]Listener)
	}
	id := s.nextListener
	s.nextListener++
	s.listeners[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[key], id)
	}
}

func (s *Service) notify(key string, activities []Activity) {
	s.mu.Lock()
	fns := make([]Listener, 0, len(s.listeners[key]))
	for _, fn := range s.listeners[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(activities)
	}
}

// markDisplayed records which activity ids the caller has been shown, so
// background refreshes can tell genuinely new content from reordering.
func (s *Service) markDisplayed(key string, activities []Activity) {
	s.mu.Lock()
	s.displayed[key] = ActivityIDs(activities)
	s.mu.Unlock()
}

func (s *Service) displayedSet(key string, fallback []Activity) map[string]bool {
	s.mu.Lock()
	set := s.displayed[key]
	s.mu.Unlock()
	if set == nil {
		set = ActivityIDs(fallback)
	}
	return set
}

func (s *Service) track(p Params) {
	s.mu.Lock()
	s.tracked[p.Key()] = p
	s.mu.Unlock()
}

func (s *Service) noteRefresh(key string) {
	s.mu.Lock()
	s.lastRefresh[key] = s.clock.Now()
	s.mu.Unlock()
}

// Start launches the background refresh loop for tracked feeds and, when the
// source supports streaming, a live subscription that shortcuts the wait.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.backgroundLoop()

	if streamer, ok := s.source.(Streamer); ok {
		ctx, cancel := context.WithCancel(context.Background())
		handle := streamer.Stream(ctx, s.relays, nostr.Filter{Kinds: nostr.FeedKinds}, func(nostr.Event) {
			select {
			case s.liveCh <- struct{}{}:
			default:
			}
		})
		s.streamClose = func() {
			handle.Close()
			cancel()
		}
	}
}

// Stop halts the background loop and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.streamClose != nil {
			s.streamClose()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Service) backgroundLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BackgroundTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tickBackground()
		case <-s.liveCh:
			// Debounce: one live event usually means more are coming.
			timer := time.NewTimer(s.cfg.LiveDebounce)
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
			s.tickLive()
		}
	}
}

// tickLive refreshes every tracked feed without waiting out the interval.
// The in-flight guards and the content diff keep this from thrashing.
func (s *Service) tickLive() {
	s.mu.Lock()
	due := make([]Params, 0, len(s.tracked))
	for _, p := range s.tracked {
		due = append(due, p)
	}
	s.mu.Unlock()

	for _, p := range due {
		go func(p Params) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			s.refresh(ctx, p, VisBackground)
		}(p)
	}
}

// tickBackground kicks off a background refresh for every tracked feed whose
// interval has elapsed. While the pool is not fully connected it attempts a
// reconnect instead of fetching.
func (s *Service) tickBackground() {
	if s.source.Status() != relay.StatusConnected {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.source.Connect(ctx, false)
		cancel()
		if s.source.Status() != relay.StatusConnected {
			return
		}
	}

	now := s.clock.Now()
	s.mu.Lock()
	due := make([]Params, 0, len(s.tracked))
	for key, p := range s.tracked {
		if now.Sub(s.lastRefresh[key]) >= s.cfg.Interval(p.Type) {
			due = append(due, p)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		go func(p Params) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			s.refresh(ctx, p, VisBackground)
		}(p)
	}
}
