package rdy

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// ReaderState is ReaderRdy's four-state global lifecycle. The zero
// value, ReaderZero, is the state with no connections.
type ReaderState uint8

const (
	ReaderZero ReaderState = iota
	ReaderTryOne
	ReaderMax
	ReaderBackoff
)

func (s ReaderState) String() string {
	switch s {
	case ReaderZero:
		return "ZERO"
	case ReaderTryOne:
		return "TRY_ONE"
	case ReaderMax:
		return "MAX"
	case ReaderBackoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// ReaderRdy is the singleton-per-consumer coordinator: it owns the set
// of live ConnectionRdy instances, apportions maxInFlight across them,
// drives the global backoff policy, and handles the low-RDY regime.
//
// Every exported method submits work onto a single internal goroutine
// (run): one channel, drained serially, so no field on ReaderRdy or
// any ConnectionRdy it owns needs its own lock.
type ReaderRdy struct {
	cfg *config

	maxInFlight int64
	state       ReaderState

	connections map[*ConnectionRdy]struct{}
	byConn      map[Conn]*ConnectionRdy
	roundRobin  *roundRobinList

	backoffTimerHandle TimerHandle
	balanceTimerHandle TimerHandle

	log logr.Logger

	events    chan func()
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewReaderRdy constructs a ReaderRdy with no connections, in state
// ZERO. maxInFlight is the global cap on simultaneous in-flight
// messages; maxBackoffDuration bounds the default exponential backoff
// timer (ignored if WithBackoffTimer is supplied).
func NewReaderRdy(maxInFlight int64, maxBackoffDuration time.Duration, opts ...Opt) (*ReaderRdy, error) {
	if maxInFlight <= 0 {
		return nil, ErrInvalidMaxInFlight
	}
	cfg := newConfig(maxBackoffDuration, opts)

	r := &ReaderRdy{
		cfg:         cfg,
		maxInFlight: maxInFlight,
		state:       ReaderZero,
		connections: make(map[*ConnectionRdy]struct{}),
		byConn:      make(map[Conn]*ConnectionRdy),
		roundRobin:  newRoundRobinList(),
		log:         cfg.logger.WithValues("component", "ReaderRdy"),
		events:      make(chan func(), 64),
		closeCh:     make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *ReaderRdy) run() {
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.closeCh:
			return
		}
	}
}

// submit enqueues fn to run on the reader's single goroutine, reporting
// false without running fn if the reader has already been closed.
// Callers that wait on a completion channel from within fn must check
// this return value first, or they will block forever against a
// closure that was never run.
func (r *ReaderRdy) submit(fn func()) bool {
	// Check closeCh on its own first: events is buffered, so the select
	// below could otherwise pick the send even after Close.
	select {
	case <-r.closeCh:
		return false
	default:
	}
	select {
	case r.events <- fn:
		return true
	case <-r.closeCh:
		return false
	}
}

// Close stops the reader's internal goroutine and cancels any pending
// timers. It does not touch the underlying Conns; callers are
// responsible for closing those themselves. Close is idempotent.
func (r *ReaderRdy) Close() {
	r.closeOnce.Do(func() {
		done := make(chan struct{})
		r.submit(func() {
			cancelHandle(r.backoffTimerHandle)
			cancelHandle(r.balanceTimerHandle)
			for cr := range r.connections {
				cr.cancelIdleTimer()
			}
			close(done)
		})
		<-done
		close(r.closeCh)
	})
}

// AddConnection wraps conn in a ConnectionRdy and begins forwarding its
// event stream. The connection is not admitted to the active balancing
// set until it reports EventSubscribed.
func (r *ReaderRdy) AddConnection(conn Conn) *ConnectionRdy {
	done := make(chan struct{})
	var cr *ConnectionRdy
	if !r.submit(func() {
		cr = newConnectionRdy(r, conn)
		r.byConn[conn] = cr
		go r.forwardEvents(cr, conn)
		close(done)
	}) {
		return nil
	}
	<-done
	return cr
}

// forwardEvents drains conn's event stream, translating every event
// into a closure submitted to the reader's single goroutine. This is
// the only place events cross from "whatever goroutine the wire layer
// uses" into the reader's serialized world.
func (r *ReaderRdy) forwardEvents(cr *ConnectionRdy, conn Conn) {
	for ev := range conn.Events() {
		kind := ev.Kind
		r.submit(func() {
			r.handleConnEvent(cr, kind)
		})
		if kind == EventClosed {
			return
		}
	}
}

// RemoveConnection drops conn from the active set. If this was the
// last connection, the reader returns to ZERO.
func (r *ReaderRdy) RemoveConnection(conn Conn) error {
	done := make(chan struct{})
	var err error
	if !r.submit(func() {
		cr, ok := r.byConn[conn]
		if !ok {
			err = ErrUnknownConnection
			close(done)
			return
		}
		delete(r.byConn, conn)
		r.removeConnection(cr)
		close(done)
	}) {
		return ErrAlreadyClosed
	}
	<-done
	return err
}

// IsStarved reports whether at least one connection is starved.
func (r *ReaderRdy) IsStarved() bool {
	out := make(chan bool, 1)
	if !r.submit(func() {
		for cr := range r.connections {
			if cr.isStarved() {
				out <- true
				return
			}
		}
		out <- false
	}) {
		return false
	}
	return <-out
}

// InFlight returns the sum of every connection's in-flight count.
func (r *ReaderRdy) InFlight() int64 {
	out := make(chan int64, 1)
	if !r.submit(func() {
		var sum int64
		for cr := range r.connections {
			sum += cr.InFlight()
		}
		out <- sum
	}) {
		return 0
	}
	return <-out
}

// State returns the reader's current lifecycle state. A closed reader
// reports ReaderZero.
func (r *ReaderRdy) State() ReaderState {
	out := make(chan ReaderState, 1)
	if !r.submit(func() { out <- r.state }) {
		return ReaderZero
	}
	return <-out
}

// ConnSnapshot is a read-only view of one ConnectionRdy, returned by
// Snapshot for diagnostics; it is not consulted by any transition.
type ConnSnapshot struct {
	ID            string
	State         string
	MaxConnRdy    int64
	InFlight      int64
	LastRdySent   int64
	LastMessageAt time.Time
}

// Snapshot is a read-only view of the reader and its connections, for
// tests and optional application-level health reporting.
type Snapshot struct {
	State       string
	MaxInFlight int64
	InFlight    int64
	Connections []ConnSnapshot
}

// Snapshot returns a point-in-time diagnostic view of the reader.
func (r *ReaderRdy) Snapshot() Snapshot {
	out := make(chan Snapshot, 1)
	if !r.submit(func() {
		snap := Snapshot{
			State:       r.state.String(),
			MaxInFlight: r.maxInFlight,
		}
		for _, cr := range r.roundRobin.All() {
			snap.InFlight += cr.InFlight()
			snap.Connections = append(snap.Connections, ConnSnapshot{
				ID:            cr.Identifier(),
				State:         cr.State().String(),
				MaxConnRdy:    cr.MaxConnRdy(),
				InFlight:      cr.InFlight(),
				LastRdySent:   cr.LastRdySent(),
				LastMessageAt: cr.LastMessageAt(),
			})
		}
		out <- snap
	}) {
		return Snapshot{State: ReaderZero.String()}
	}
	return <-out
}

// handleConnEvent runs on the reader's single goroutine, translating
// one Conn event into state-machine stimuli.
func (r *ReaderRdy) handleConnEvent(cr *ConnectionRdy, kind EventKind) {
	switch kind {
	case EventMessage:
		cr.onMessage()

	case EventFinished:
		cr.onFinishedOrRequeued()
		r.cfg.backoffTimer.Success()
		if r.state != ReaderBackoff {
			if r.lowRdy() {
				// This connection had its turn with the scarce
				// token; surrender it so balance() can rotate it
				// onward, the same way an idle timeout does.
				cr.backoff()
				r.roundRobin.Skip(cr)
				r.balance()
			} else {
				cr.bump()
			}
		}
		r.raiseSuccess()

	case EventRequeued:
		cr.onFinishedOrRequeued()
		if r.state != ReaderBackoff {
			if r.lowRdy() {
				// A plain bump here could mint a token on top of the
				// ones balance already granted, overshooting the global
				// budget. The requeueing connection keeps any token it
				// holds; balance fills only the remaining shortfall.
				r.balance()
			} else {
				cr.bump()
			}
		}

	case EventSubscribed:
		r.admit(cr)

	case EventBackoff:
		r.raiseBackoff()

	case EventClosed:
		delete(r.byConn, cr.conn)
		r.removeConnection(cr)
	}
}

// admit is run once a connection reports EventSubscribed: it starts
// the connection's state machine and folds it into the active set.
func (r *ReaderRdy) admit(cr *ConnectionRdy) {
	cr.markReady()

	first := len(r.connections) == 0
	r.connections[cr] = struct{}{}
	r.roundRobin.Add(cr)

	// balance() must run before the transition below: it is what gives
	// the newly admitted connection (and, in the low-RDY regime, its
	// peers) a maxConnRdy to bump to. Without this ordering the first
	// connection's MAX-entry bump fires against a cap of zero and sends
	// nothing.
	r.balance()

	switch {
	case first:
		r.transition(ReaderMax)
	case r.lowRegime():
		// balance() above already decided, via the round-robin token,
		// whether this connection (or one of its peers) gets bumped.
	case r.state == ReaderTryOne || r.state == ReaderMax:
		cr.bump()
	}
	r.log.V(1).Info("connection admitted", "connection", cr.Identifier(), "connections", len(r.connections))
}

// removeConnection drops cr from every tracked set. If it was the last
// connection, the reader returns to ZERO.
func (r *ReaderRdy) removeConnection(cr *ConnectionRdy) {
	cr.cancelIdleTimer()
	delete(r.connections, cr)
	r.roundRobin.Remove(cr)
	r.log.V(1).Info("connection removed", "connection", cr.Identifier(), "connections", len(r.connections))

	if len(r.connections) == 0 {
		from := r.state
		r.state = ReaderZero
		cancelHandle(r.backoffTimerHandle)
		r.backoffTimerHandle = nil
		cancelHandle(r.balanceTimerHandle)
		r.balanceTimerHandle = nil
		if from != ReaderZero {
			r.log.Info("reader state transition", "from", from, "to", ReaderZero)
			r.cfg.hooks.eachReaderState(from, ReaderZero)
		}
		return
	}
	r.balance()
}

// transition moves the reader to "to" and runs its entry action
// exactly once.
func (r *ReaderRdy) transition(to ReaderState) {
	from := r.state
	r.state = to
	switch to {
	case ReaderTryOne:
		r.tryOne()
	case ReaderMax:
		// Re-run balance before bumping: a balance that ran during
		// TRY_ONE used a max of 1 and left every cap at 1, and bumping
		// against those stale caps would pin the reader far below
		// maxInFlight until the next membership change. In the low-RDY
		// regime balance itself owns granting (bumping every connection
		// here would hand a token to all of them at once).
		r.balance()
		if !r.lowRdy() {
			r.bumpAll()
		}
	case ReaderBackoff:
		r.enterBackoff()
	}
	if from != to {
		r.log.Info("reader state transition", "from", from, "to", to)
		r.cfg.hooks.eachReaderState(from, to)
	}
}

// raiseSuccess is the 'success' stimulus: only TRY_ONE reacts to it.
func (r *ReaderRdy) raiseSuccess() {
	if r.state == ReaderTryOne {
		r.transition(ReaderMax)
	}
}

// raiseBackoff is the 'backoff' stimulus. TRY_ONE and MAX trip into
// BACKOFF; an already-BACKOFF reader re-runs the entry action (a fresh
// failure while waiting out a prior one restarts the interval).
func (r *ReaderRdy) raiseBackoff() {
	switch r.state {
	case ReaderZero:
		return // no connections to back off
	case ReaderBackoff:
		r.enterBackoff()
	default:
		r.transition(ReaderBackoff)
	}
}

// raiseTry is the 'try' stimulus, raised when the backoff-expiry timer
// fires. Only BACKOFF reacts to it.
func (r *ReaderRdy) raiseTry() {
	if r.state == ReaderBackoff {
		r.transition(ReaderTryOne)
	}
}

// tryOne is TRY_ONE's entry action: bump exactly one connection,
// chosen by advancing the round-robin cursor.
func (r *ReaderRdy) tryOne() {
	for _, cr := range r.roundRobin.Next(1) {
		cr.bump()
	}
}

// bumpAll bumps every connection. MAX's entry action calls it after
// balance() when the reader is outside the low-RDY regime.
func (r *ReaderRdy) bumpAll() {
	for cr := range r.connections {
		cr.bump()
	}
}

// enterBackoff is BACKOFF's entry action:
//  1. signal failure to the backoff timer
//  2. deliver backoff() to every connection
//  3. (re)schedule the backoff-expiry timer
func (r *ReaderRdy) enterBackoff() {
	r.cfg.backoffTimer.Failure()
	for cr := range r.connections {
		cr.backoff()
	}
	cancelHandle(r.backoffTimerHandle)
	interval := r.cfg.backoffTimer.GetInterval()
	r.log.Info("entering backoff", "interval", interval, "connections", len(r.connections))
	r.cfg.hooks.eachBackoffEnter(interval)
	r.backoffTimerHandle = r.cfg.scheduler.Schedule(interval, func() {
		r.submit(func() {
			r.log.Info("backoff interval elapsed, probing with one connection")
			r.cfg.hooks.eachBackoffExit()
			r.raiseTry()
		})
	})
}

// lowRdy reports whether maxInFlight is smaller than the connection
// count: the regime where a credit of 1 cannot be granted to every
// connection simultaneously.
func (r *ReaderRdy) lowRdy() bool {
	n := int64(len(r.connections))
	return n > 0 && r.maxInFlight < n
}

// lowRegime reports whether balance(), called with the reader's
// current state, would take the low-RDY token-rotation branch rather
// than the even-division branch. This is distinct from lowRdy(): in
// TRY_ONE, balance() caps max at 1 regardless of maxInFlight, so any
// N>=2 connections take the low-regime branch even when maxInFlight
// is structurally >= N. admit() must defer to balance()'s token
// decision whenever this is true, not only when lowRdy() is true,
// or a connection admitted mid-probe gets bumped on top of whichever
// connection balance() already granted the single TRY_ONE token.
func (r *ReaderRdy) lowRegime() bool {
	n := int64(len(r.connections))
	if n == 0 {
		return false
	}
	max := r.maxInFlight
	if r.state == ReaderTryOne {
		max = 1
	}
	return max/n < 1
}

// inFlightSum sums every connection's in-flight count; used by
// balance() to decide how many idle-regime tokens remain to hand out.
func (r *ReaderRdy) inFlightSum() int64 {
	var sum int64
	for cr := range r.connections {
		sum += cr.InFlight()
	}
	return sum
}

// balance recomputes per-connection RDY caps. It is called on
// admission, on removal (via removeConnection), on every FINISHED
// while in the low-RDY regime, and by the periodic low-RDY rebalance
// tick.
func (r *ReaderRdy) balance() {
	n := int64(len(r.connections))
	if n == 0 {
		return
	}

	max := r.maxInFlight
	if r.state == ReaderTryOne {
		max = 1
	}
	perConn := max / n

	if perConn >= 1 {
		// Leaving the low-RDY regime tears down its machinery: the
		// periodic tick, and any armed idle timers, whose late fire
		// would otherwise zero a connection nothing rotates back to.
		r.cancelBalanceTimer()
		remainder := r.maxInFlight % n
		for i, cr := range r.roundRobin.All() {
			cr.cancelIdleTimer()
			rdyCap := perConn
			if int64(i) < remainder {
				rdyCap++
			}
			cr.setConnectionRdyMax(rdyCap)
		}
		return
	}

	// Low-RDY regime: credit is a scarce traveling token. Every
	// connection's cap is 1, but only `grant` of them may hold a live,
	// unspent token at once. A connection already holding one
	// (lastRdySent > 0) keeps it; this call only needs to fill the
	// shortfall with connections currently at zero, advancing the
	// round-robin cursor so the token keeps moving over time instead of
	// re-granting the same connections on every call.
	for cr := range r.connections {
		cr.setConnectionRdyMax(1)
	}
	if r.state == ReaderBackoff {
		// An admission, removal, or balance tick landing mid-backoff
		// still recomputes caps, but every connection must stay at RDY 0
		// until the backoff-expiry probe; granting resumes on the next
		// balance after TRY_ONE.
		r.scheduleBalanceTick()
		return
	}
	grant := max - r.inFlightSum()
	if grant < 0 {
		grant = 0
	}
	var held int64
	for cr := range r.connections {
		if cr.LastRdySent() > 0 {
			held++
		}
	}
	shortfall := grant - held
	for attempts := int64(0); shortfall > 0 && attempts < n; attempts++ {
		picked := r.roundRobin.Next(1)
		if len(picked) == 0 {
			break
		}
		cr := picked[0]
		if cr.LastRdySent() > 0 {
			continue // already holds the token; cursor still advances
		}
		cr.bump()
		shortfall--
	}
	// Every connection currently holding a token — whether granted just
	// now or carried over from a prior call (including one still
	// holding a token it was sent before the regime became low-RDY) —
	// gets a fresh idle-timeout window, so an unlucky holder that never
	// receives a message still eventually surrenders its token.
	for cr := range r.connections {
		if cr.LastRdySent() > 0 {
			cr.backoffOnIdle(r.cfg.idleTimeout)
		}
	}
	r.scheduleBalanceTick()
}

// scheduleBalanceTick (re)arms the low-RDY regime's periodic safety
// net: if nothing else drives balance() forward (no finishes, no idle
// timers firing because every connection happens to be idle), this
// tick recovers the cursor.
func (r *ReaderRdy) scheduleBalanceTick() {
	cancelHandle(r.balanceTimerHandle)
	r.balanceTimerHandle = r.cfg.scheduler.Schedule(r.cfg.balanceInterval, func() {
		r.submit(func() {
			if r.lowRdy() {
				r.balance()
			}
		})
	})
}

func (r *ReaderRdy) cancelBalanceTimer() {
	cancelHandle(r.balanceTimerHandle)
	r.balanceTimerHandle = nil
}
