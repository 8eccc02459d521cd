package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marykatefain/bookstr-sub001/internal/nostr"
)

// ErrNoSigner is returned when a reaction is attempted without a configured
// signing key.
var ErrNoSigner = errors.New("no signing key configured")

// Publisher is the slice of the relay pool the reactor needs for writes.
type Publisher interface {
	Publish(ctx context.Context, relays []string, evt *nostr.Event) (int, error)
}

// pendingReaction is one optimistic mutation awaiting relay confirmation.
type pendingReaction struct {
	opID     string
	feedKey  string
	feedType string
	eventID  string // the reacted-to event
	delta    int    // +1 like, -1 unlike
}

// Reactor applies reaction toggles optimistically: the cached snapshot is
// mutated and listeners notified before the signed event reaches any relay,
// then the mutation is confirmed or rolled back by operation id.
type Reactor struct {
	publisher Publisher
	service   *Service
	signer    *nostr.Signer
	relays    []string

	mu      sync.Mutex
	pending map[string]pendingReaction
	// eventID -> reaction event id published this session, so an unlike can
	// issue a deletion for it.
	published map[string]string
}

// NewReactor creates a reactor publishing to the given write relays. signer
// may be nil; toggles then fail with ErrNoSigner.
func NewReactor(publisher Publisher, service *Service, signer *nostr.Signer, relays []string) *Reactor {
	return &Reactor{
		publisher: publisher,
		service:   service,
		signer:    signer,
		relays:    relays,
		pending:   make(map[string]pendingReaction),
		published: make(map[string]string),
	}
}

// Toggle flips the viewer's reaction on the activity with the given source
// event id within feed p. The cache mutation happens immediately; the
// returned operation id resolves via Confirm or Rollback once publishing
// finishes. Toggle itself blocks on the publish.
func (r *Reactor) Toggle(ctx context.Context, p Params, eventID string) (string, error) {
	if r.signer == nil {
		return "", ErrNoSigner
	}

	key := p.Key()
	entry, _ := r.service.cache.Get(ctx, key, p.Type)
	if entry == nil {
		return "", fmt.Errorf("no cached feed for %s", key)
	}

	idx := -1
	for i := range entry.Activities {
		if entry.Activities[i].EventID == eventID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", fmt.Errorf("event %s not in feed %s", nostr.ShortID(eventID), key)
	}

	liked := entry.Activities[idx].Reactions.UserReacted
	delta := 1
	if liked {
		delta = -1
	}

	opID := uuid.NewString()
	r.applyDelta(ctx, entry, idx, delta)

	r.mu.Lock()
	r.pending[opID] = pendingReaction{
		opID:     opID,
		feedKey:  key,
		feedType: p.Type,
		eventID:  eventID,
		delta:    delta,
	}
	r.mu.Unlock()

	var err error
	if delta > 0 {
		err = r.publishLike(ctx, opID, eventID)
	} else {
		err = r.publishUnlike(ctx, eventID)
	}
	if err != nil {
		r.Rollback(ctx, opID)
		return "", err
	}
	r.Confirm(opID)
	return opID, nil
}

func (r *Reactor) publishLike(ctx context.Context, opID, eventID string) error {
	evt := &nostr.Event{
		PubKey:    r.signer.PubKey(),
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindReaction,
		Tags:      [][]string{{"e", eventID}},
		Content:   "+",
	}
	if err := r.signer.Sign(evt); err != nil {
		return fmt.Errorf("sign reaction: %w", err)
	}

	accepted, err := r.publisher.Publish(ctx, r.relays, evt)
	if err != nil {
		return err
	}
	if accepted == 0 {
		return errors.New("no relay accepted reaction")
	}

	r.mu.Lock()
	r.published[eventID] = evt.ID
	r.mu.Unlock()
	return nil
}

// publishUnlike issues a kind 5 deletion for the session's reaction event.
// A like made in an earlier session has no known reaction id; the local
// state still flips, it just cannot be retracted on the relays.
func (r *Reactor) publishUnlike(ctx context.Context, eventID string) error {
	r.mu.Lock()
	reactionID := r.published[eventID]
	r.mu.Unlock()

	if reactionID == "" {
		slog.Debug("unlike without known reaction event", "target", nostr.ShortID(eventID))
		return nil
	}

	evt := &nostr.Event{
		PubKey:    r.signer.PubKey(),
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindDeletion,
		Tags:      [][]string{{"e", reactionID}},
	}
	if err := r.signer.Sign(evt); err != nil {
		return fmt.Errorf("sign deletion: %w", err)
	}
	if _, err := r.publisher.Publish(ctx, r.relays, evt); err != nil {
		return err
	}

	// Drop the id only once the deletion is on the wire, so a failed
	// unlike that rolls back can still retract the reaction on retry.
	r.mu.Lock()
	delete(r.published, eventID)
	r.mu.Unlock()
	return nil
}

// Confirm settles the optimistic mutation for opID. The cache already holds
// the new state, so this just clears the pending record.
func (r *Reactor) Confirm(opID string) {
	r.mu.Lock()
	delete(r.pending, opID)
	r.mu.Unlock()
}

// Rollback reverts the optimistic mutation for opID and notifies listeners
// of the restored state.
func (r *Reactor) Rollback(ctx context.Context, opID string) {
	r.mu.Lock()
	pr, ok := r.pending[opID]
	delete(r.pending, opID)
	r.mu.Unlock()
	if !ok {
		return
	}

	entry, _ := r.service.cache.Get(ctx, pr.feedKey, pr.feedType)
	if entry == nil {
		return
	}
	for i := range entry.Activities {
		if entry.Activities[i].EventID == pr.eventID {
			r.applyDelta(ctx, entry, i, -pr.delta)
			return
		}
	}
}

// applyDelta mutates one activity's reaction state in the cached entry and
// pushes the updated snapshot to listeners. The entry timestamp is kept so
// a reaction does not masquerade as a refresh.
func (r *Reactor) applyDelta(ctx context.Context, entry *Entry, idx, delta int) {
	act := &entry.Activities[idx]
	act.Reactions.Count += delta
	if act.Reactions.Count < 0 {
		act.Reactions.Count = 0
	}
	act.Reactions.UserReacted = delta > 0

	if err := r.service.cache.PutEntry(ctx, entry); err != nil {
		slog.Warn("reaction cache write failed", "key", entry.Key, "error", err)
	}
	r.service.notify(entry.Key, entry.Activities)
}
