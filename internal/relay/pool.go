// Package relay manages websocket connections to Nostr relays: a connection
// pool with a coarse status signal, bounded synchronous queries, streaming
// subscriptions, and outbound event publishing.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marykatefain/bookstr-sub001/internal/metrics"
	"github.com/marykatefain/bookstr-sub001/internal/nostr"
)

// Status is the coarse connection state of the pool.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// ErrUnsafeRelayURL is returned for relay URLs outside the scheme/IP allowlist.
var ErrUnsafeRelayURL = errors.New("relay URL blocked: unsafe destination")

// Subscription represents an active subscription on a relay connection.
type Subscription struct {
	ID        string
	EventChan chan nostr.Event
	EOSEChan  chan bool
	Done      chan struct{}
	closeOnce sync.Once
}

// Close safely closes the Done channel exactly once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

// Conn manages a single websocket connection with multiple subscriptions.
type Conn struct {
	conn          *websocket.Conn
	relayURL      string
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	closed        bool
	lastActivity  time.Time
	onClose       func()
}

// Pool manages connections to multiple relays and tracks the aggregate
// connection status. It is safe for concurrent use.
type Pool struct {
	mu          sync.RWMutex
	relays      []string
	connections map[string]*Conn
	status      Status
	everConn    bool

	connectMu sync.Mutex
	inflight  *connectAttempt

	health *HealthStore
	stopCh chan struct{}
}

// connectAttempt lets concurrent Connect callers await a single in-progress
// attempt instead of dialing again.
type connectAttempt struct {
	done   chan struct{}
	result Status
}

// NewPool creates a pool over the given relay set. Unsafe URLs are dropped.
func NewPool(relays []string) *Pool {
	p := &Pool{
		relays:      SanitizeRelayURLs(relays),
		connections: make(map[string]*Conn),
		status:      StatusDisconnected,
		health:      NewHealthStore(),
		stopCh:      make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Relays returns the configured relay set.
func (p *Pool) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.relays))
	copy(out, p.relays)
	return out
}

// Health returns the pool's relay health store.
func (p *Pool) Health() *HealthStore {
	return p.health
}

// Status returns the current connection status.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Connect establishes connections to all configured relays. It is idempotent
// under concurrent calls: callers arriving while an attempt is in progress
// await that attempt's result. With force set, existing connections are torn
// down first. Zero reachable relays resolves to StatusDegraded rather than
// an error so reads can still be attempted.
func (p *Pool) Connect(ctx context.Context, force bool) Status {
	p.connectMu.Lock()
	if p.inflight != nil {
		attempt := p.inflight
		p.connectMu.Unlock()
		select {
		case <-attempt.done:
			return attempt.result
		case <-ctx.Done():
			return p.Status()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	p.inflight = attempt
	p.connectMu.Unlock()

	defer func() {
		p.connectMu.Lock()
		p.inflight = nil
		p.connectMu.Unlock()
		close(attempt.done)
	}()

	p.setStatus(StatusConnecting)

	if force {
		p.teardownConnections()
	}

	relays := p.Relays()
	var wg sync.WaitGroup
	var okCount int
	var countMu sync.Mutex

	for _, relayURL := range relays {
		// Reuse healthy connections unless force tore them down.
		p.mu.RLock()
		rc := p.connections[relayURL]
		p.mu.RUnlock()
		if rc != nil && !rc.isClosed() {
			countMu.Lock()
			okCount++
			countMu.Unlock()
			continue
		}

		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := p.getOrCreateConn(ctx, u); err != nil {
				slog.Debug("pool: connect failed", "relay", u, "error", err)
				p.health.RecordFailure(u)
				return
			}
			countMu.Lock()
			okCount++
			countMu.Unlock()
		}(relayURL)
	}
	wg.Wait()

	var result Status
	if okCount > 0 {
		result = StatusConnected
	} else {
		result = StatusDegraded
	}
	p.setStatus(result)
	attempt.result = result
	slog.Info("pool: connect finished", "relays", len(relays), "connected", okCount, "status", result.String())
	return result
}

func (p *Pool) setStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == StatusConnected {
		p.everConn = true
	}
	p.status = s
}

// recomputeStatus downgrades to degraded when a previously connected pool
// loses its last connection. It never reverts to disconnected on its own.
func (p *Pool) recomputeStatus() {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := 0
	for _, rc := range p.connections {
		if !rc.isClosed() {
			live++
		}
	}
	if live == 0 && p.everConn && p.status == StatusConnected {
		p.status = StatusDegraded
	}
}

// teardownConnections closes every live connection.
func (p *Pool) teardownConnections() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.connections))
	for _, rc := range p.connections {
		conns = append(conns, rc)
	}
	p.connections = make(map[string]*Conn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}

// Shutdown tears down all connections and stops background maintenance.
// This is the only path back to StatusDisconnected.
func (p *Pool) Shutdown() {
	close(p.stopCh)
	p.teardownConnections()
	p.mu.Lock()
	p.status = StatusDisconnected
	p.everConn = false
	p.mu.Unlock()
}

// getOrCreateConn gets an existing connection or dials a new one.
func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*Conn, error) {
	if !IsURLSafe(relayURL) {
		return nil, ErrUnsafeRelayURL
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	rc = p.connections[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}
	p.health.RecordSuccess(relayURL, time.Since(start))

	rc = &Conn{
		conn:          conn,
		relayURL:      relayURL,
		subscriptions: make(map[string]*Subscription),
		lastActivity:  time.Now(),
		onClose:       p.recomputeStatus,
	}
	p.connections[relayURL] = rc

	go rc.readLoop()

	return rc, nil
}

// Subscribe opens a subscription on one relay. Events arrive on the returned
// Subscription's EventChan, including duplicates across relays; deduplication
// is the collector's job.
func (p *Pool) Subscribe(ctx context.Context, relayURL string, subID string, filter nostr.Filter) (*Subscription, error) {
	const maxRetries = 3
	var rc *Conn
	var err error
	var connected bool

	for attempt := 0; attempt < maxRetries; attempt++ {
		rc, err = p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, err
		}

		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			p.mu.Lock()
			delete(p.connections, relayURL)
			p.mu.Unlock()
			continue
		}
		connected = true
		break
	}

	if !connected {
		return nil, errors.New("failed to establish connection after retries")
	}

	sub := &Subscription{
		ID:        subID,
		EventChan: make(chan nostr.Event, 100),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
	}

	// rc.mu is still held from the retry loop
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID, filter.ToWire()}
	rc.writeMu.Lock()
	err = rc.conn.WriteJSON(req)
	rc.writeMu.Unlock()

	if err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, err
	}

	rc.mu.Lock()
	rc.lastActivity = time.Now()
	rc.mu.Unlock()
	return sub, nil
}

// Unsubscribe closes a subscription and sends CLOSE to the relay so no
// relay-side subscription state leaks. Safe to call more than once.
func (p *Pool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc == nil {
		sub.Close()
		return
	}

	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	shouldSendClose := !rc.closed && exists
	if exists {
		delete(rc.subscriptions, sub.ID)
	}
	rc.mu.Unlock()

	// Send CLOSE outside the mutex (best effort, connection may be gone)
	if shouldSendClose {
		closeMsg := []interface{}{"CLOSE", sub.ID}
		rc.writeMu.Lock()
		rc.conn.WriteJSON(closeMsg)
		rc.writeMu.Unlock()
	}

	sub.Close()
}

// Publish writes an EVENT message to every given relay that accepts a
// connection. Returns the number of relays written to.
func (p *Pool) Publish(ctx context.Context, relays []string, evt *nostr.Event) (int, error) {
	written := 0
	var lastErr error
	for _, relayURL := range relays {
		rc, err := p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			lastErr = err
			p.health.RecordFailure(relayURL)
			continue
		}
		msg := []interface{}{"EVENT", evt}
		rc.writeMu.Lock()
		rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err = rc.conn.WriteJSON(msg)
		rc.conn.SetWriteDeadline(time.Time{})
		rc.writeMu.Unlock()
		if err != nil {
			lastErr = err
			rc.markClosed()
			continue
		}
		written++
	}
	if written == 0 && lastErr != nil {
		return 0, lastErr
	}
	return written, nil
}

func (rc *Conn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// readLoop continuously reads from the connection and routes messages.
func (rc *Conn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []interface{}
		err := rc.conn.ReadJSON(&msg)
		if err != nil {
			rc.mu.Lock()
			closed := rc.closed
			rc.mu.Unlock()
			if !closed {
				slog.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}

		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}

			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}
			evt.RelaysSeen = []string{rc.relayURL}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
				default:
					// Channel full, drop event
					metrics.IncrementDroppedEvents()
				}
			}

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.EOSEChan <- true:
				default:
				}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			if sub != nil {
				delete(rc.subscriptions, subID)
			}
			rc.mu.Unlock()
			if sub != nil {
				sub.Close()
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			slog.Debug("pool: NOTICE", "relay", rc.relayURL, "notice", notice)
		}
	}
}

// markClosed marks the connection as closed and cleans up.
func (rc *Conn) markClosed() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.conn.Close()

	for _, sub := range rc.subscriptions {
		sub.Close()
	}
	rc.subscriptions = make(map[string]*Subscription)
	onClose := rc.onClose
	rc.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// cleanupLoop periodically removes stale connections.
func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes connections that have been idle too long. Connections are
// closed outside the pool lock because markClosed reports back into the pool.
func (p *Pool) cleanup() {
	now := time.Now()
	var toClose []*Conn

	p.mu.Lock()
	for url, rc := range p.connections {
		rc.mu.Lock()
		idle := len(rc.subscriptions) == 0 && now.Sub(rc.lastActivity) > 2*time.Minute
		closed := rc.closed
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				slog.Debug("pool: closing idle connection", "relay", url)
				toClose = append(toClose, rc)
			}
			delete(p.connections, url)
		}
	}
	p.mu.Unlock()

	for _, rc := range toClose {
		rc.markClosed()
	}
}

// ConnectionStats returns the number of live connections and the configured
// relay count, for metrics reporting.
func (p *Pool) ConnectionStats() (active int, configured int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rc := range p.connections {
		if !rc.isClosed() {
			active++
		}
	}
	return active, len(p.relays)
}
