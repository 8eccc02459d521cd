package feed

import (
	"sync"
	"time"
)

// Clock abstracts time for the orchestrator so cooldown and interval logic
// is testable without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Visibility classifies a refresh by how it was triggered. Initial loads and
// manual refreshes are user-visible; background refreshes are not.
type Visibility int

const (
	VisInitial Visibility = iota
	VisManual
	VisBackground
)

// String returns the visibility label used in logs and metrics.
func (v Visibility) String() string {
	switch v {
	case VisInitial:
		return "initial"
	case VisManual:
		return "manual"
	case VisBackground:
		return "background"
	default:
		return "unknown"
	}
}

// UserVisible reports whether failures of this refresh should surface to the
// caller rather than be swallowed.
func (v Visibility) UserVisible() bool {
	return v == VisInitial || v == VisManual
}

type feedState struct {
	// Generations are scoped per visibility class: a background refresh
	// starting must not invalidate a manual refresh already in flight, and
	// vice versa. The classes proceed independently.
	generations map[Visibility]uint64
	inflight    map[Visibility]chan struct{}
	lastManual  time.Time
}

// Orchestrator serializes refreshes per feed key. It enforces one in-flight
// refresh per (key, visibility), a cooldown on manual refreshes, and a
// per-visibility generation counter so a superseded refresh cannot commit
// over a newer one of the same class.
type Orchestrator struct {
	mu             sync.Mutex
	states         map[string]*feedState
	clock          Clock
	manualCooldown time.Duration
}

// NewOrchestrator creates an orchestrator with the given manual refresh
// cooldown. A nil clock uses the wall clock.
func NewOrchestrator(manualCooldown time.Duration, clock Clock) *Orchestrator {
	if clock == nil {
		clock = systemClock{}
	}
	return &Orchestrator{
		states:         make(map[string]*feedState),
		clock:          clock,
		manualCooldown: manualCooldown,
	}
}

func (o *Orchestrator) state(key string) *feedState {
	st := o.states[key]
	if st == nil {
		st = &feedState{
			generations: make(map[Visibility]uint64),
			inflight:    make(map[Visibility]chan struct{}),
		}
		o.states[key] = st
	}
	return st
}

// TryBegin attempts to start a refresh for key. It returns the generation
// token to pass to End and IsCurrent, and false when the refresh must not
// run: another refresh of the same visibility is already in flight, or a
// manual refresh lands inside the cooldown window. A rejected manual refresh
// is dropped, not queued; a caller rejected by the in-flight guard can await
// the running refresh via Wait.
func (o *Orchestrator) TryBegin(key string, vis Visibility) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.state(key)
	if st.inflight[vis] != nil {
		return 0, false
	}
	if vis == VisManual {
		now := o.clock.Now()
		if !st.lastManual.IsZero() && now.Sub(st.lastManual) < o.manualCooldown {
			return 0, false
		}
		st.lastManual = now
	}

	st.inflight[vis] = make(chan struct{})
	st.generations[vis]++
	return st.generations[vis], true
}

// End marks the refresh started with TryBegin as finished and releases any
// callers blocked in Wait.
func (o *Orchestrator) End(key string, vis Visibility) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.states[key]; st != nil {
		if ch := st.inflight[vis]; ch != nil {
			close(ch)
			delete(st.inflight, vis)
		}
	}
}

// Wait returns a channel closed when the in-flight refresh of (key, vis)
// ends, or nil when none is running. Rejected callers use it to share the
// running refresh's outcome instead of fetching again.
func (o *Orchestrator) Wait(key string, vis Visibility) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.states[key]
	if st == nil {
		return nil
	}
	return st.inflight[vis]
}

// IsCurrent reports whether gen is still the newest refresh generation for
// (key, vis). A refresh whose generation has been superseded must discard
// its result instead of committing it. Refreshes of other visibility
// classes never affect the answer.
func (o *Orchestrator) IsCurrent(key string, vis Visibility, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.states[key]
	return st != nil && st.generations[vis] == gen
}

// Supersede bumps every visibility class's generation for key without
// starting a refresh, so any in-flight refresh for that key becomes stale.
func (o *Orchestrator) Supersede(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state(key)
	for _, vis := range []Visibility{VisInitial, VisManual, VisBackground} {
		st.generations[vis]++
	}
}
