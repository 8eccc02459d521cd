package relay

import (
	"sort"
	"sync"
	"time"
)

// HealthStore tracks per-relay responsiveness so fetch paths can prefer
// relays that answer quickly and deprioritize flaky ones.
type HealthStore struct {
	mu     sync.RWMutex
	relays map[string]*relayHealth
}

type relayHealth struct {
	avgResponseMs int64
	requestCount  int64
	failureCount  int64
	lastSuccess   time.Time
	lastFailure   time.Time
}

// NewHealthStore creates an empty health store.
func NewHealthStore() *HealthStore {
	return &HealthStore{relays: make(map[string]*relayHealth)}
}

// RecordSuccess records a successful round trip. Response times feed an EWMA
// so one slow answer doesn't dominate the score.
func (h *HealthStore) RecordSuccess(relayURL string, rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rh := h.relays[relayURL]
	if rh == nil {
		rh = &relayHealth{}
		h.relays[relayURL] = rh
	}
	ms := rtt.Milliseconds()
	if rh.requestCount == 0 {
		rh.avgResponseMs = ms
	} else {
		// EWMA, alpha = 1/4
		rh.avgResponseMs = (rh.avgResponseMs*3 + ms) / 4
	}
	rh.requestCount++
	rh.lastSuccess = time.Now()
}

// RecordFailure records a failed connect or query.
func (h *HealthStore) RecordFailure(relayURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rh := h.relays[relayURL]
	if rh == nil {
		rh = &relayHealth{}
		h.relays[relayURL] = rh
	}
	rh.failureCount++
	rh.lastFailure = time.Now()
}

// score returns a comparable penalty; lower is healthier. Unknown relays get
// a neutral score so new relays are still tried.
func (rh *relayHealth) score() int64 {
	if rh == nil {
		return 1000
	}
	s := rh.avgResponseMs
	s += rh.failureCount * 500
	if rh.lastFailure.After(rh.lastSuccess) {
		s += 2000
	}
	return s
}

// SortByScore returns the given relays ordered healthiest-first. The input
// slice is not modified.
func (h *HealthStore) SortByScore(relays []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, len(relays))
	copy(out, relays)
	sort.SliceStable(out, func(i, j int) bool {
		return h.relays[out[i]].score() < h.relays[out[j]].score()
	})
	return out
}

// Stats summarizes relay health for metrics exposition.
func (h *HealthStore) Stats() (healthy int, unhealthy int, avgMs int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var total int64
	var counted int64
	for _, rh := range h.relays {
		if rh.lastFailure.After(rh.lastSuccess) {
			unhealthy++
		} else {
			healthy++
		}
		if rh.requestCount > 0 {
			total += rh.avgResponseMs
			counted++
		}
	}
	if counted > 0 {
		avgMs = total / counted
	}
	return healthy, unhealthy, avgMs
}
