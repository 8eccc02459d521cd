package feed

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marykatefain/bookstr-sub001/internal/nostr"
	"github.com/marykatefain/bookstr-sub001/internal/profile"
)

// Querier is the slice of the relay pool the feed pipeline needs for reads.
type Querier interface {
	QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error)
}

// Enricher attaches reaction summaries and bounded reply lists to
// activities. Enrichment failures degrade to defaults; an activity is never
// dropped because its reactions or replies could not be fetched.
type Enricher struct {
	querier    Querier
	relays     []string
	maxReplies int

	reactionsGroup singleflight.Group
	repliesGroup   singleflight.Group
}

// NewEnricher creates an enricher querying the given relays.
func NewEnricher(querier Querier, relays []string) *Enricher {
	return &Enricher{
		querier:    querier,
		relays:     relays,
		maxReplies: 10,
	}
}

// reactionTally is the per-event aggregate built from kind 7 events.
type reactionTally struct {
	count    int
	reactors map[string]bool
}

// Enrich fills in Reactions and Replies for each activity in place. viewer is
// the local user's pubkey, used for the user-reacted flag; it may be empty.
func (e *Enricher) Enrich(ctx context.Context, activities []Activity, viewer string) {
	if len(activities) == 0 {
		return
	}

	eventIDs := make([]string, 0, len(activities))
	for i := range activities {
		if activities[i].EventID != "" {
			eventIDs = append(eventIDs, activities[i].EventID)
		}
	}
	if len(eventIDs) == 0 {
		return
	}

	var wg sync.WaitGroup
	var tallies map[string]*reactionTally
	var replies map[string][]Reply

	wg.Add(1)
	go func() {
		defer wg.Done()
		tallies = e.fetchReactions(ctx, eventIDs)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		replies = e.fetchReplies(ctx, eventIDs)
	}()

	wg.Wait()

	for i := range activities {
		act := &activities[i]
		if tally := tallies[act.EventID]; tally != nil {
			act.Reactions = Reactions{
				Count:       tally.count,
				UserReacted: viewer != "" && tally.reactors[viewer],
			}
		}
		if rs := replies[act.EventID]; len(rs) > 0 {
			act.Replies = rs
		}
	}
}

// batchKey builds a stable singleflight key: identical batches share one
// fetch regardless of id order.
func batchKey(prefix string, ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return prefix + ":" + strings.Join(sorted, ",")
}

// fetchReactions queries kind 7 events referencing the given ids and builds
// per-target tallies. "+" and empty content count as likes; explicit "-"
// downvotes are ignored.
func (e *Enricher) fetchReactions(ctx context.Context, eventIDs []string) map[string]*reactionTally {
	key := batchKey("reactions", eventIDs)

	result, err, shared := e.reactionsGroup.Do(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		filter := nostr.Filter{
			Kinds: []int{nostr.KindReaction},
			ETags: eventIDs,
			Limit: 500,
		}
		events, err := e.querier.QuerySync(fetchCtx, e.relays, filter)
		if err != nil {
			return nil, err
		}

		wanted := make(map[string]bool, len(eventIDs))
		for _, id := range eventIDs {
			wanted[id] = true
		}

		tallies := make(map[string]*reactionTally)
		for _, evt := range events {
			if evt.Kind != nostr.KindReaction {
				continue
			}
			if evt.Content == "-" {
				continue
			}
			targetID := nostr.ParentEventID(evt.Tags)
			if targetID == "" || !wanted[targetID] {
				continue
			}
			tally := tallies[targetID]
			if tally == nil {
				tally = &reactionTally{reactors: make(map[string]bool)}
				tallies[targetID] = tally
			}
			if tally.reactors[evt.PubKey] {
				continue // one reaction per author per target
			}
			tally.reactors[evt.PubKey] = true
			tally.count++
		}
		return tallies, nil
	})

	if shared {
		slog.Debug("enrich: shared reactions fetch", "ids", len(eventIDs))
	}
	if err != nil {
		slog.Debug("enrich: reactions fetch failed", "error", err)
		return map[string]*reactionTally{}
	}
	return result.(map[string]*reactionTally)
}

// fetchReplies queries kind 1 replies referencing the given ids. Each
// activity gets at most maxReplies, ordered oldest-first so threads read in
// conversation order.
func (e *Enricher) fetchReplies(ctx context.Context, eventIDs []string) map[string][]Reply {
	key := batchKey("replies", eventIDs)

	result, err, shared := e.repliesGroup.Do(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		filter := nostr.Filter{
			Kinds: []int{nostr.KindPost},
			ETags: eventIDs,
			Limit: 200,
		}
		events, err := e.querier.QuerySync(fetchCtx, e.relays, filter)
		if err != nil {
			return nil, err
		}

		wanted := make(map[string]bool, len(eventIDs))
		for _, id := range eventIDs {
			wanted[id] = true
		}

		replies := make(map[string][]Reply)
		for _, evt := range events {
			parentID := nostr.ParentEventID(evt.Tags)
			if parentID == "" || !wanted[parentID] {
				continue
			}
			replies[parentID] = append(replies[parentID], Reply{
				ID:        evt.ID,
				AuthorID:  evt.PubKey,
				Content:   evt.Content,
				CreatedAt: evt.CreatedAt,
			})
		}

		for id, rs := range replies {
			sort.SliceStable(rs, func(i, j int) bool {
				return rs[i].CreatedAt < rs[j].CreatedAt
			})
			if len(rs) > e.maxReplies {
				rs = rs[:e.maxReplies]
			}
			replies[id] = rs
		}
		return replies, nil
	})

	if shared {
		slog.Debug("enrich: shared replies fetch", "ids", len(eventIDs))
	}
	if err != nil {
		slog.Debug("enrich: replies fetch failed", "error", err)
		return map[string][]Reply{}
	}
	return result.(map[string][]Reply)
}

// AttachReplyAuthors resolves reply author profiles in one batch and fills
// them in. Separate from Enrich so callers can skip it for compact views.
func (e *Enricher) AttachReplyAuthors(ctx context.Context, activities []Activity, resolver interface {
	Resolve(ctx context.Context, pubkeys []string) map[string]*profile.Snapshot
}) {
	pubkeySet := make(map[string]bool)
	for i := range activities {
		for j := range activities[i].Replies {
			pubkeySet[activities[i].Replies[j].AuthorID] = true
		}
	}
	if len(pubkeySet) == 0 {
		return
	}
	pubkeys := make([]string, 0, len(pubkeySet))
	for pk := range pubkeySet {
		pubkeys = append(pubkeys, pk)
	}

	snapshots := resolver.Resolve(ctx, pubkeys)
	for i := range activities {
		for j := range activities[i].Replies {
			reply := &activities[i].Replies[j]
			reply.Author = snapshots[reply.AuthorID]
		}
	}
}
