package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marykatefain/bookstr-sub001/internal/cache"
	"github.com/marykatefain/bookstr-sub001/internal/config"
	"github.com/marykatefain/bookstr-sub001/internal/nostr"
	"github.com/marykatefain/bookstr-sub001/internal/profile"
	"github.com/marykatefain/bookstr-sub001/internal/relay"
)

// fakeSource serves canned events for feed queries and nothing for
// enrichment queries. feedCalls counts only feed fetches.
type fakeSource struct {
	mu        sync.Mutex
	events    []nostr.Event
	err       error
	feedCalls int
}

func (f *fakeSource) Connect(ctx context.Context, force bool) relay.Status {
	return relay.StatusConnected
}

func (f *fakeSource) Status() relay.Status { return relay.StatusConnected }

func (f *fakeSource) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(filter.ETags) > 0 {
		// Enrichment lookup, nothing to report.
		return nil, nil
	}
	f.feedCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeSource) set(events []nostr.Event, err error) {
	f.mu.Lock()
	f.events = events
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feedCalls
}

type fakeProfiles struct{}

func (fakeProfiles) Resolve(ctx context.Context, pubkeys []string) map[string]*profile.Snapshot {
	return map[string]*profile.Snapshot{}
}

func postEvent(id string, createdAt int64) nostr.Event {
	return nostr.Event{
		ID:        id,
		PubKey:    "author",
		CreatedAt: createdAt,
		Kind:      nostr.KindPost,
		Content:   "content " + id,
	}
}

func newTestService(t *testing.T, source *fakeSource, clock Clock) *Service {
	t.Helper()
	backend := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(func() { backend.Close() })

	cfg := config.DefaultRefreshConfig()
	s := NewService(source, fakeProfiles{}, backend, cache.DefaultConfig(), []string{"wss://test.example"}, Options{
		Clock:      clock,
		RefreshCfg: &cfg,
	})
	t.Cleanup(s.Stop)
	return s
}

func TestGetFeedInitialFetch(t *testing.T) {
	source := &fakeSource{events: []nostr.Event{postEvent("x", 200), postEvent("y", 100)}}
	s := newTestService(t, source, newFakeClock())
	ctx := context.Background()

	activities, err := s.GetFeed(ctx, Params{Type: "global", Limit: 30})
	if err != nil {
		t.Fatalf("GetFeed failed: %v", err)
	}
	if len(activities) != 2 {
		t.Fatalf("got %d activities, want 2", len(activities))
	}
	if activities[0].ID != "x" || activities[1].ID != "y" {
		t.Errorf("order = %s, %s; want newest first", activities[0].ID, activities[1].ID)
	}
	if source.calls() != 1 {
		t.Errorf("feed fetches = %d, want 1", source.calls())
	}
}

func TestGetFeedServesFreshCacheWithoutFetch(t *testing.T) {
	source := &fakeSource{events: []nostr.Event{postEvent("x", 200)}}
	s := newTestService(t, source, newFakeClock())
	ctx := context.Background()
	p := Params{Type: "global", Limit: 30}

	if _, err := s.GetFeed(ctx, p); err != nil {
		t.Fatalf("first GetFeed failed: %v", err)
	}
	if _, err := s.GetFeed(ctx, p); err != nil {
		t.Fatalf("second GetFeed failed: %v", err)
	}
	if source.calls() != 1 {
		t.Errorf("feed fetches = %d, want 1 (second call cache hit)", source.calls())
	}
}

func TestGetFeedMissAndFailureReturnsError(t *testing.T) {
	source := &fakeSource{err: errors.New("relay down")}
	s := newTestService(t, source, newFakeClock())

	_, err := s.GetFeed(context.Background(), Params{Type: "global", Limit: 30})
	if !errors.Is(err, ErrFeedUnavailable) {
		t.Errorf("err = %v, want ErrFeedUnavailable", err)
	}
}

// After a successful fetch of [x, y], a failing refresh must keep serving
// [x, y] rather than surface the failure.
func TestStaleServeOnFailure(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{events: []nostr.Event{postEvent("x", 200), postEvent("y", 100)}}
	s := newTestService(t, source, clock)
	ctx := context.Background()
	p := Params{Type: "global", Limit: 30}

	if _, err := s.GetFeed(ctx, p); err != nil {
		t.Fatalf("initial GetFeed failed: %v", err)
	}

	source.set(nil, errors.New("relay down"))
	clock.Advance(10 * time.Second)

	activities, err := s.RefreshFeed(ctx, p)
	if err != nil {
		t.Fatalf("RefreshFeed surfaced failure despite cached data: %v", err)
	}
	if len(activities) != 2 {
		t.Fatalf("got %d activities, want the cached 2", len(activities))
	}
	if activities[0].ID != "x" || activities[1].ID != "y" {
		t.Errorf("stale serve returned %s, %s", activities[0].ID, activities[1].ID)
	}
}

// An empty fetch result never replaces a populated snapshot.
func TestNoRegressionOnEmptyResult(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{events: []nostr.Event{postEvent("x", 200), postEvent("y", 100)}}
	s := newTestService(t, source, clock)
	ctx := context.Background()
	p := Params{Type: "global", Limit: 30}

	if _, err := s.GetFeed(ctx, p); err != nil {
		t.Fatalf("initial GetFeed failed: %v", err)
	}

	source.set(nil, nil)
	clock.Advance(10 * time.Second)

	activities, err := s.RefreshFeed(ctx, p)
	if err != nil {
		t.Fatalf("RefreshFeed failed: %v", err)
	}
	if len(activities) != 2 {
		t.Errorf("empty result regressed the feed to %d activities", len(activities))
	}

	entry, _ := s.cache.Get(ctx, p.Key(), p.Type)
	if entry == nil || len(entry.Activities) != 2 {
		t.Error("cached snapshot was replaced by the empty result")
	}
}

// Two manual refreshes inside the cooldown window cause exactly one fetch.
func TestManualRefreshCooldown(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{events: []nostr.Event{postEvent("x", 200)}}
	s := newTestService(t, source, clock)
	ctx := context.Background()
	p := Params{Type: "global", Limit: 30}

	if _, err := s.RefreshFeed(ctx, p); err != nil {
		t.Fatalf("first RefreshFeed failed: %v", err)
	}
	fetchesAfterFirst := source.calls()

	clock.Advance(2 * time.Second)
	activities, err := s.RefreshFeed(ctx, p)
	if err != nil {
		t.Fatalf("second RefreshFeed failed: %v", err)
	}
	if len(activities) != 1 {
		t.Errorf("cooldown no-op returned %d activities, want cached 1", len(activities))
	}
	if source.calls() != fetchesAfterFirst {
		t.Errorf("feed fetches = %d, want %d (cooldown must not fetch)", source.calls(), fetchesAfterFirst)
	}

	clock.Advance(4 * time.Second)
	if _, err := s.RefreshFeed(ctx, p); err != nil {
		t.Fatalf("post-cooldown RefreshFeed failed: %v", err)
	}
	if source.calls() != fetchesAfterFirst+1 {
		t.Errorf("feed fetches = %d, want %d", source.calls(), fetchesAfterFirst+1)
	}
}

// A background refresh whose result contains nothing new is discarded
// silently: no listener notification, no snapshot change.
func TestBackgroundDiffSuppression(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{events: []nostr.Event{postEvent("x", 200), postEvent("y", 100)}}
	s := newTestService(t, source, clock)
	ctx := context.Background()
	p := Params{Type: "global", Limit: 30}

	if _, err := s.GetFeed(ctx, p); err != nil {
		t.Fatalf("initial GetFeed failed: %v", err)
	}

	var notified int
	var mu sync.Mutex
	unsubscribe := s.OnFeedUpdated(p, func([]Activity) {
		mu.Lock()
		notified++
		mu.Unlock()
	})
	defer unsubscribe()

	// Same content, different order: not new.
	source.set([]nostr.Event{postEvent("y", 100), postEvent("x", 200)}, nil)
	if _, err := s.refresh(ctx, p, VisBackground); err != nil {
		t.Fatalf("background refresh failed: %v", err)
	}
	mu.Lock()
	if notified != 0 {
		t.Errorf("unchanged background result notified %d listeners", notified)
	}
	mu.Unlock()

	// A genuinely new event commits and notifies.
	source.set([]nostr.Event{postEvent("x", 200), postEvent("y", 100), postEvent("z", 300)}, nil)
	if _, err := s.refresh(ctx, p, VisBackground); err != nil {
		t.Fatalf("background refresh failed: %v", err)
	}
	mu.Lock()
	if notified != 1 {
		t.Errorf("new background content notified %d listeners, want 1", notified)
	}
	mu.Unlock()

	entry, _ := s.cache.Get(ctx, p.Key(), p.Type)
	if entry == nil || len(entry.Activities) != 3 {
		t.Fatal("new background content not committed")
	}
	if entry.Activities[0].ID != "z" {
		t.Errorf("newest activity = %s, want z", entry.Activities[0].ID)
	}
}

func TestFeedLimitTruncation(t *testing.T) {
	events := make([]nostr.Event, 10)
	for i := range events {
		events[i] = postEvent(string(rune('a'+i)), int64(100+i))
	}
	source := &fakeSource{events: events}
	s := newTestService(t, source, newFakeClock())

	activities, err := s.GetFeed(context.Background(), Params{Type: "global", Limit: 3})
	if err != nil {
		t.Fatalf("GetFeed failed: %v", err)
	}
	if len(activities) != 3 {
		t.Fatalf("got %d activities, want 3", len(activities))
	}
	if activities[0].ID != "j" {
		t.Errorf("truncation kept %s first, want the newest", activities[0].ID)
	}
}

// scriptedSource serves one canned response per feed query, in order. A
// call with a gate blocks inside QuerySync until the test releases it, so
// overlapping refreshes can be interleaved deterministically.
type scriptedCall struct {
	events  []nostr.Event
	entered chan struct{}
	release chan struct{}
}

type scriptedSource struct {
	mu    sync.Mutex
	calls []*scriptedCall
	next  int
}

func (f *scriptedSource) Connect(ctx context.Context, force bool) relay.Status {
	return relay.StatusConnected
}

func (f *scriptedSource) Status() relay.Status { return relay.StatusConnected }

func (f *scriptedSource) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error) {
	if len(filter.ETags) > 0 {
		return nil, nil
	}
	f.mu.Lock()
	if f.next >= len(f.calls) {
		f.mu.Unlock()
		return nil, errors.New("unexpected feed query")
	}
	call := f.calls[f.next]
	f.next++
	f.mu.Unlock()

	if call.entered != nil {
		close(call.entered)
	}
	if call.release != nil {
		<-call.release
	}
	return call.events, nil
}

func (f *scriptedSource) consumed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func newScriptedService(t *testing.T, source *scriptedSource) *Service {
	t.Helper()
	backend := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(func() { backend.Close() })

	cfg := config.DefaultRefreshConfig()
	s := NewService(source, fakeProfiles{}, backend, cache.DefaultConfig(), []string{"wss://test.example"}, Options{
		Clock:      newFakeClock(),
		RefreshCfg: &cfg,
	})
	t.Cleanup(s.Stop)
	return s
}

// A background refresh that starts, and is even discarded by the content
// diff, while a manual refresh is mid-fetch must not stop the manual
// refresh from committing its result and notifying listeners.
func TestManualRefreshSurvivesConcurrentBackground(t *testing.T) {
	manualGate := &scriptedCall{
		events:  []nostr.Event{postEvent("a", 200), postEvent("b", 300)},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	source := &scriptedSource{calls: []*scriptedCall{
		{events: []nostr.Event{postEvent("a", 200)}}, // initial load
		manualGate,                                   // manual, held open
		{events: []nostr.Event{postEvent("a", 200)}}, // background, nothing new
	}}
	s := newScriptedService(t, source)
	ctx := context.Background()
	p := Params{Type: "global", Limit: 30}

	if _, err := s.GetFeed(ctx, p); err != nil {
		t.Fatalf("initial GetFeed failed: %v", err)
	}

	var notified int
	var mu sync.Mutex
	unsubscribe := s.OnFeedUpdated(p, func([]Activity) {
		mu.Lock()
		notified++
		mu.Unlock()
	})
	defer unsubscribe()

	manualDone := make(chan struct{})
	var manualActivities []Activity
	var manualErr error
	go func() {
		defer close(manualDone)
		manualActivities, manualErr = s.RefreshFeed(ctx, p)
	}()

	<-manualGate.entered
	// Background refresh runs to completion while the manual fetch is
	// still blocked. Its result matches what is displayed, so it is
	// discarded by the diff.
	if _, err := s.refresh(ctx, p, VisBackground); err != nil {
		t.Fatalf("background refresh failed: %v", err)
	}

	close(manualGate.release)
	<-manualDone

	if manualErr != nil {
		t.Fatalf("manual refresh failed: %v", manualErr)
	}
	if len(manualActivities) != 2 {
		t.Fatalf("manual refresh returned %d activities, want 2", len(manualActivities))
	}

	entry, _ := s.cache.Get(ctx, p.Key(), p.Type)
	if entry == nil || len(entry.Activities) != 2 {
		t.Fatal("manual result was not committed to the cache")
	}
	if entry.Activities[0].ID != "b" {
		t.Errorf("newest cached activity = %s, want b", entry.Activities[0].ID)
	}

	mu.Lock()
	if notified != 1 {
		t.Errorf("listeners notified %d times, want 1 (manual commit)", notified)
	}
	mu.Unlock()
}

// A second GetFeed arriving during a cold-cache initial load must share the
// in-flight fetch's result, not report an empty feed.
func TestConcurrentColdLoadsShareOneFetch(t *testing.T) {
	gate := &scriptedCall{
		events:  []nostr.Event{postEvent("a", 200)},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	source := &scriptedSource{calls: []*scriptedCall{gate}}
	s := newScriptedService(t, source)
	ctx := context.Background()
	p := Params{Type: "global", Limit: 30}

	type result struct {
		activities []Activity
		err        error
	}
	results := make(chan result, 2)
	get := func() {
		activities, err := s.GetFeed(ctx, p)
		results <- result{activities, err}
	}

	go get()
	<-gate.entered
	go get()
	// Let the second caller reach the in-flight guard before the first
	// fetch is allowed to finish.
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("GetFeed failed: %v", r.err)
		}
		if len(r.activities) != 1 || r.activities[0].ID != "a" {
			t.Errorf("got %d activities, want the shared [a]", len(r.activities))
		}
	}
	if source.consumed() != 1 {
		t.Errorf("feed fetches = %d, want 1", source.consumed())
	}
}

func TestOnFeedUpdatedUnsubscribe(t *testing.T) {
	source := &fakeSource{events: []nostr.Event{postEvent("x", 200)}}
	s := newTestService(t, source, newFakeClock())
	p := Params{Type: "global", Limit: 30}

	var calls int
	unsubscribe := s.OnFeedUpdated(p, func([]Activity) { calls++ })
	unsubscribe()

	s.notify(p.Key(), nil)
	if calls != 0 {
		t.Errorf("unsubscribed listener called %d times", calls)
	}
}
