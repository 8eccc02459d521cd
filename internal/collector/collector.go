// Package collector deduplicates events arriving from multiple relays for
// one logical fetch. Given the same events in any order or with arbitrary
// repetition, the accepted set is identical.
package collector

import (
	"log/slog"

	"github.com/marykatefain/bookstr-sub001/internal/nostr"
)

// Collector tracks seen event ids for the lifetime of one fetch operation.
// It is not safe for concurrent use; each in-flight query owns its own.
type Collector struct {
	seen       map[string]bool
	verifySigs bool
	rejected   int
}

// Option configures a Collector.
type Option func(*Collector)

// WithSignatureCheck makes the collector reject events whose id or Schnorr
// signature fails verification. The client trusts no relay individually, so
// feed paths enable this.
func WithSignatureCheck() Option {
	return func(c *Collector) { c.verifySigs = true }
}

// New creates an empty collector.
func New(opts ...Option) *Collector {
	c := &Collector{seen: make(map[string]bool)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Offer records the event if it is new. Returns true for new events, false
// for duplicates or (when signature checking is on) forged ones.
func (c *Collector) Offer(evt nostr.Event) bool {
	if evt.ID == "" || c.seen[evt.ID] {
		return false
	}
	if c.verifySigs {
		// A valid signature over a claimed id proves nothing unless the id
		// actually hashes the serialized content, so check both.
		if evt.ID != nostr.ComputeEventID(&evt) || !nostr.VerifySignature(&evt) {
			// Mark the id seen so a forged event can't be re-offered endlessly.
			c.seen[evt.ID] = true
			c.rejected++
			slog.Warn("collector: rejected event with bad id or signature", "event_id", nostr.ShortID(evt.ID))
			return false
		}
	}
	c.seen[evt.ID] = true
	return true
}

// Seen reports whether an id has already been offered.
func (c *Collector) Seen(id string) bool {
	return c.seen[id]
}

// Len returns the number of distinct ids recorded, rejected ones included.
func (c *Collector) Len() int {
	return len(c.seen)
}

// Rejected returns how many events failed signature verification.
func (c *Collector) Rejected() int {
	return c.rejected
}
