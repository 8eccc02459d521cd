package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marykatefain/bookstr-sub001/internal/collector"
	"github.com/marykatefain/bookstr-sub001/internal/metrics"
	"github.com/marykatefain/bookstr-sub001/internal/nostr"
)

// DefaultQueryTimeout bounds how long QuerySync waits for slow relays.
const DefaultQueryTimeout = 3 * time.Second

// maxQueryRelays caps the fan-out of one query. Larger relay sets are
// trimmed to the healthiest.
const maxQueryRelays = 8

// QuerySync issues the filter to all given relays in parallel and returns
// the deduplicated union once every relay has sent EOSE or the timeout
// elapses. Partial responses are normal, not an error; the only error case
// is a context that was already dead.
func (p *Pool) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error) {
	return p.QuerySyncWithTimeout(ctx, relays, filter, DefaultQueryTimeout)
}

// QuerySyncWithTimeout is QuerySync with an explicit timeout.
func (p *Pool) QuerySyncWithTimeout(ctx context.Context, relays []string, filter nostr.Filter, timeout time.Duration) ([]nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(relays) > maxQueryRelays {
		relays = p.health.SortByScore(relays)[:maxQueryRelays]
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eventChan := make(chan nostr.Event, 1000)
	eoseChan := make(chan string, len(relays))

	var wg sync.WaitGroup
	for _, relayURL := range relays {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			p.queryRelay(ctx, u, filter, eventChan, eoseChan)
		}(relayURL)
	}

	go func() {
		wg.Wait()
		close(eventChan)
		close(eoseChan)
	}()

	coll := collector.New(collector.WithSignatureCheck())
	var events []nostr.Event
	eoseCount := 0

collectLoop:
	for {
		select {
		case evt, ok := <-eventChan:
			if !ok {
				break collectLoop
			}
			if coll.Offer(evt) {
				events = append(events, evt)
			}
		case _, ok := <-eoseChan:
			if !ok {
				break collectLoop
			}
			eoseCount++
			if eoseCount == len(relays) {
				// All relays drained their stored events; drain anything
				// already buffered, then stop.
				for {
					select {
					case evt, ok := <-eventChan:
						if !ok {
							break collectLoop
						}
						if coll.Offer(evt) {
							events = append(events, evt)
						}
					default:
						break collectLoop
					}
				}
			}
		case <-ctx.Done():
			slog.Debug("query: timeout", "events", len(events), "eose", eoseCount, "relays", len(relays))
			break collectLoop
		}
	}

	for i := 0; i < coll.Rejected(); i++ {
		metrics.IncrementRejectedEvents()
	}
	return events, nil
}

// queryRelay opens a short-lived subscription and forwards events until EOSE
// or context cancellation.
func (p *Pool) queryRelay(ctx context.Context, relayURL string, filter nostr.Filter, eventChan chan<- nostr.Event, eoseChan chan<- string) {
	subID := "q-" + uuid.NewString()[:8]
	start := time.Now()

	sub, err := p.Subscribe(ctx, relayURL, subID, filter)
	if err != nil {
		slog.Debug("query: subscribe failed", "relay", relayURL, "error", err)
		p.health.RecordFailure(relayURL)
		return
	}
	defer p.Unsubscribe(relayURL, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case evt := <-sub.EventChan:
			select {
			case eventChan <- evt:
			case <-ctx.Done():
				return
			}
		case <-sub.EOSEChan:
			p.health.RecordSuccess(relayURL, time.Since(start))
			select {
			case eoseChan <- relayURL:
			default:
			}
			return
		}
	}
}

// StreamHandle wraps the per-relay subscriptions behind one logical stream.
type StreamHandle struct {
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Close tears down the stream. Idempotent; relay-side subscription state is
// released via Unsubscribe in each relay goroutine.
func (h *StreamHandle) Close() {
	h.closeOnce.Do(h.cancel)
}

// Stream opens a long-lived subscription on every given relay and invokes
// onEvent for each event as it arrives, duplicates included. The stream runs
// until the handle is closed or the parent context ends.
func (p *Pool) Stream(ctx context.Context, relays []string, filter nostr.Filter, onEvent func(nostr.Event)) *StreamHandle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &StreamHandle{cancel: cancel}

	for _, relayURL := range relays {
		go func(u string) {
			subID := "s-" + uuid.NewString()[:8]
			sub, err := p.Subscribe(ctx, u, subID, filter)
			if err != nil {
				slog.Debug("stream: subscribe failed", "relay", u, "error", err)
				p.health.RecordFailure(u)
				return
			}
			defer p.Unsubscribe(u, sub)

			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.Done:
					return
				case evt := <-sub.EventChan:
					onEvent(evt)
				case <-sub.EOSEChan:
					// Keep listening for live events after the stored batch.
				}
			}
		}(relayURL)
	}

	return handle
}
