// Package rde is the route decision engine: a single actor per server that
// owns the three RIBs and turns queued UPDATE messages into selected
// routes with a periodic three-phase decision process.
package rde

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/wire"
	"go.uber.org/zap"
)

// defaultLocalPref is the policy information base default degree of
// preference, applied to eBGP routes and to iBGP routes without LOCAL_PREF.
const defaultLocalPref uint32 = 0

// DefaultTick drives the idle→processing transition.
const DefaultTick = 10 * time.Second

// PeerInfo identifies the session an UPDATE arrived on.
type PeerInfo struct {
	BGPID [4]byte
	Addr  netip.Addr
	ASN   uint32
	IBGP  bool
}

type adjKey struct {
	peer   [4]byte
	prefix string
}

// adjEntry is one Adj-RIB-In row: the computed degree of preference and
// the path attributes as received.
type adjEntry struct {
	peer   PeerInfo
	prefix wire.Prefix
	pref   uint32
	attrs  []wire.Attribute
	update *wire.Update
}

// Route is one Loc-RIB / Adj-RIB-Out row.
type Route struct {
	Prefix  wire.Prefix
	NextHop wire.NextHop
	Peer    PeerInfo
	Pref    uint32
	Attrs   []wire.Attribute
}

type queued struct {
	peer   PeerInfo
	update *wire.Update
}

// Sink receives the route events produced by a dissemination phase.
type Sink interface {
	Publish(ctx context.Context, events []RouteEvent)
}

// Engine is the per-server decision actor. All RIB mutation happens inside
// its run loop; sessions only enqueue.
type Engine struct {
	localASN uint32
	logger   *zap.Logger
	tick     time.Duration
	sinks    []Sink

	mu    sync.Mutex
	queue []queued

	// Owned by the run loop between phase boundaries.
	adjRIBIn map[adjKey]*adjEntry
	locRIB   map[string]Route

	// adjOut is the snapshot published by phase 3, replaced wholesale and
	// never mutated after publication.
	adjOutMu sync.RWMutex
	adjOut   map[string]Route
}

// Option configures an Engine.
type Option func(*Engine)

func WithTick(d time.Duration) Option {
	return func(e *Engine) { e.tick = d }
}

func WithSink(s Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

func New(localASN uint32, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		localASN: localASN,
		logger:   logger,
		tick:     DefaultTick,
		adjRIBIn: make(map[adjKey]*adjEntry),
		locRIB:   make(map[string]Route),
		adjOut:   make(map[string]Route),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// QueueUpdate is the one operation sessions call. It never blocks on the
// decision process.
func (e *Engine) QueueUpdate(peer PeerInfo, u *wire.Update) {
	e.mu.Lock()
	e.queue = append(e.queue, queued{peer: peer, update: u})
	depth := len(e.queue)
	e.mu.Unlock()
	metrics.RDEQueueDepth.Set(float64(depth))
}

// AdjRIBOut returns the last published dissemination snapshot, keyed by
// prefix string. Callers must not mutate it.
func (e *Engine) AdjRIBOut() map[string]Route {
	e.adjOutMu.RLock()
	defer e.adjOutMu.RUnlock()
	return e.adjOut
}

// Run drives the idle/processing loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			batch := e.queue
			e.queue = nil
			e.mu.Unlock()
			if len(batch) == 0 {
				continue
			}
			e.process(ctx, batch)
		}
	}
}

// process is the uninterruptible three-phase pipeline.
func (e *Engine) process(ctx context.Context, batch []queued) {
	start := time.Now()

	e.phaseDegreeOfPreference(batch)
	e.phaseRouteSelection()
	events := e.phaseDissemination()

	metrics.RDEDecisionDuration.Observe(time.Since(start).Seconds())
	metrics.RDECyclesTotal.Inc()
	metrics.RIBEntries.WithLabelValues("adj_rib_in").Set(float64(len(e.adjRIBIn)))
	metrics.RIBEntries.WithLabelValues("loc_rib").Set(float64(len(e.locRIB)))
	metrics.RDEQueueDepth.Set(0)

	if len(events) > 0 {
		for _, s := range e.sinks {
			s.Publish(ctx, events)
		}
	}

	e.logger.Debug("decision cycle complete",
		zap.Int("updates", len(batch)),
		zap.Int("loc_rib", len(e.locRIB)),
		zap.Int("events", len(events)),
		zap.Duration("took", time.Since(start)),
	)
}

// Phase 1: compute each route's degree of preference and upsert or delete
// the Adj-RIB-In rows.
func (e *Engine) phaseDegreeOfPreference(batch []queued) {
	for _, q := range batch {
		pref := defaultLocalPref
		if q.peer.IBGP {
			if lp, ok := q.update.LocalPref(); ok {
				pref = lp
			}
		}
		for _, p := range q.update.NLRI {
			key := adjKey{peer: q.peer.BGPID, prefix: p.String()}
			e.adjRIBIn[key] = &adjEntry{
				peer:   q.peer,
				prefix: p,
				pref:   pref,
				attrs:  q.update.Attributes,
				update: q.update,
			}
		}
		for _, p := range q.update.Withdrawn {
			delete(e.adjRIBIn, adjKey{peer: q.peer.BGPID, prefix: p.String()})
		}
	}
}

// Phase 2: fold Adj-RIB-In into one best entry per prefix and rewrite the
// Loc-RIB.
func (e *Engine) phaseRouteSelection() {
	best := make(map[string]*adjEntry)
	for key, entry := range e.adjRIBIn {
		if !e.feasible(entry) {
			continue
		}
		cur, ok := best[key.prefix]
		if !ok || e.better(entry, cur) {
			best[key.prefix] = entry
		}
	}

	loc := make(map[string]Route, len(best))
	for prefix, entry := range best {
		nh, _ := entry.update.NextHop()
		loc[prefix] = Route{
			Prefix:  entry.prefix,
			NextHop: nh,
			Peer:    entry.peer,
			Pref:    entry.pref,
			Attrs:   entry.attrs,
		}
	}
	e.locRIB = loc
}

// feasible: a NEXT_HOP must be present and the AS_PATH must not contain
// the local ASN.
func (e *Engine) feasible(entry *adjEntry) bool {
	if _, ok := entry.update.NextHop(); !ok {
		return false
	}
	if path, ok := entry.update.ASPath(); ok && path.Contains(e.localASN) {
		return false
	}
	return true
}

// better reports whether a beats b under the tie-break ordering. Every
// step compares values, never iteration position, so the fold is
// deterministic regardless of map order.
func (e *Engine) better(a, b *adjEntry) bool {
	// 1. Higher degree of preference.
	if a.pref != b.pref {
		return a.pref > b.pref
	}

	// 2. Shorter AS_PATH.
	al, bl := pathLength(a), pathLength(b)
	if al != bl {
		return al < bl
	}

	// 3. Lower origin (IGP < EGP < INCOMPLETE).
	ao, bo := originOf(a), originOf(b)
	if ao != bo {
		return ao < bo
	}

	// 4. Higher MULTI_EXIT_DISC; absent counts as zero.
	am, _ := a.update.MultiExitDisc()
	bm, _ := b.update.MultiExitDisc()
	if am != bm {
		return am > bm
	}

	// 5. eBGP over iBGP.
	if a.peer.IBGP != b.peer.IBGP {
		return !a.peer.IBGP
	}

	// 6. Interior cost to NEXT_HOP: unresolved, policy is indifference.

	// 7. Lower peer BGP-ID.
	aid := binary.BigEndian.Uint32(a.peer.BGPID[:])
	bid := binary.BigEndian.Uint32(b.peer.BGPID[:])
	if aid != bid {
		return aid < bid
	}

	// 8. Lower peer address.
	return a.peer.Addr.Compare(b.peer.Addr) < 0
}

func pathLength(entry *adjEntry) int {
	if path, ok := entry.update.ASPath(); ok {
		return path.Length()
	}
	return 0
}

func originOf(entry *adjEntry) wire.Origin {
	if o, ok := entry.update.Origin(); ok {
		return o
	}
	return wire.OriginIncomplete
}

// Phase 3: snapshot the Loc-RIB into Adj-RIB-Out and derive the route
// events for the sinks. Pushing to peers is the sessions' job.
func (e *Engine) phaseDissemination() []RouteEvent {
	next := make(map[string]Route, len(e.locRIB))
	for prefix, r := range e.locRIB {
		next[prefix] = r
	}

	e.adjOutMu.Lock()
	prev := e.adjOut
	e.adjOut = next
	e.adjOutMu.Unlock()

	var events []RouteEvent
	for prefix, r := range next {
		old, existed := prev[prefix]
		if !existed || !sameRoute(old, r) {
			events = append(events, announceEvent(r))
		}
	}
	for prefix, r := range prev {
		if _, still := next[prefix]; !still {
			events = append(events, withdrawEvent(prefix, r))
		}
	}
	return events
}

func sameRoute(a, b Route) bool {
	return a.NextHop == b.NextHop &&
		a.Peer.BGPID == b.Peer.BGPID &&
		a.Pref == b.Pref &&
		bytes.Equal(a.Prefix.Body, b.Prefix.Body)
}
