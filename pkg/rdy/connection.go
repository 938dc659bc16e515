package rdy

import (
	"time"

	"github.com/go-logr/logr"
)

// ConnState is ConnectionRdy's four-state lifecycle. The zero value,
// ConnInit, is the state a freshly created ConnectionRdy starts in.
type ConnState uint8

const (
	ConnInit ConnState = iota
	ConnBackoff
	ConnOne
	ConnMax
)

func (s ConnState) String() string {
	switch s {
	case ConnInit:
		return "INIT"
	case ConnBackoff:
		return "BACKOFF"
	case ConnOne:
		return "ONE"
	case ConnMax:
		return "MAX"
	default:
		return "UNKNOWN"
	}
}

// ConnectionRdy tracks the RDY cap and lifecycle for one live broker
// connection. It is owned by a ReaderRdy and must only ever be touched
// from that reader's single serialized goroutine; it holds no locks of
// its own.
type ConnectionRdy struct {
	owner *ReaderRdy
	conn  Conn

	id string

	maxConnRdy  int64
	inFlight    int64
	lastRdySent int64
	state       ConnState

	lastMessageAt time.Time

	idleTimer TimerHandle
	ready     chan struct{}
	readyDone bool

	log logr.Logger
}

func newConnectionRdy(owner *ReaderRdy, conn Conn) *ConnectionRdy {
	return &ConnectionRdy{
		owner: owner,
		conn:  conn,
		id:    conn.Identifier(),
		state: ConnInit,
		ready: make(chan struct{}),
		log:   owner.log.WithValues("connection", conn.Identifier()),
	}
}

// Ready is closed exactly once, the first time this connection's state
// machine starts (i.e. on its SUBSCRIBED event).
func (c *ConnectionRdy) Ready() <-chan struct{} { return c.ready }

// Identifier returns the logging identifier of the underlying Conn.
func (c *ConnectionRdy) Identifier() string { return c.id }

// State returns the connection's current lifecycle state.
func (c *ConnectionRdy) State() ConnState { return c.state }

// MaxConnRdy returns the cap this coordinator currently grants.
func (c *ConnectionRdy) MaxConnRdy() int64 { return c.maxConnRdy }

// InFlight returns the number of messages currently outstanding.
func (c *ConnectionRdy) InFlight() int64 { return c.inFlight }

// LastRdySent returns the most recent value transmitted to the broker,
// or the most recent value a caller decided to send even if it was
// dropped for being out of range (see setRdy).
func (c *ConnectionRdy) LastRdySent() int64 { return c.lastRdySent }

// LastMessageAt returns the time of the most recent MESSAGE event this
// connection observed, or the zero time if none has arrived yet. Used
// by diagnostics (Snapshot) and by hooks wanting to flag a connection
// that has gone quiet without necessarily having tripped its idle
// timer yet.
func (c *ConnectionRdy) LastMessageAt() time.Time { return c.lastMessageAt }

// isStarved reports whether this connection has no spare credit: every
// RDY it was granted is currently in flight.
func (c *ConnectionRdy) isStarved() bool {
	return c.maxConnRdy > 0 && c.inFlight == c.maxConnRdy
}

func (c *ConnectionRdy) markReady() {
	if c.readyDone {
		return
	}
	c.readyDone = true
	close(c.ready)
}

// transition moves the machine to "to" and runs its entry action
// exactly once. Entry actions that themselves raise a self-event (MAX
// raising bump) do so by calling back into the event handler directly;
// because the handler switches on the now-current state, this
// terminates in one extra step rather than looping.
func (c *ConnectionRdy) transition(to ConnState) {
	from := c.state
	c.state = to
	switch to {
	case ConnBackoff:
		c.setRdy(0)
	case ConnOne:
		c.setRdy(1)
	case ConnMax:
		c.bump() // entry action: raise bump self-event
	}
	if from != to {
		c.log.V(1).Info("connection state transition", "from", from, "to", to)
		c.owner.cfg.hooks.eachConnState(c.id, from, to)
	}
}

// bump is the stimulus meaning "you may increase credit."
func (c *ConnectionRdy) bump() {
	switch c.state {
	case ConnInit:
		if c.maxConnRdy > 0 {
			c.transition(ConnMax)
		}
	case ConnBackoff:
		if c.maxConnRdy > 0 {
			c.transition(ConnOne)
		}
	case ConnOne:
		c.transition(ConnMax)
	case ConnMax:
		c.setRdy(c.maxConnRdy) // self-loop: idempotent resend
	}
}

// backoff is the stimulus meaning "drop credit to zero now."
func (c *ConnectionRdy) backoff() {
	if c.state == ConnBackoff {
		return // no-op; already backed off
	}
	c.transition(ConnBackoff)
}

// setConnectionRdyMax requests a new cap. The effective cap is
// min(m, conn.MaxRdyCount()). If the machine is in MAX, the new cap is
// pushed to the broker immediately; otherwise it takes effect on the
// next transition into MAX.
func (c *ConnectionRdy) setConnectionRdyMax(m int64) {
	if m < 0 {
		m = 0
	}
	if ceiling := c.conn.MaxRdyCount(); m > ceiling {
		m = ceiling
	}
	c.maxConnRdy = m
	if c.state == ConnMax {
		c.setRdy(c.maxConnRdy)
	}
}

// backoffOnIdle arms a one-shot timer that delivers a backoff() to
// this connection if it fires before any message arrives, then
// rebalances so the surrendered credit rotates to another connection.
// Any prior pending idle timer is canceled first.
func (c *ConnectionRdy) backoffOnIdle(d time.Duration) {
	c.cancelIdleTimer()
	cr := c
	c.idleTimer = c.owner.cfg.scheduler.Schedule(d, func() {
		c.owner.submit(func() {
			cr.cancelIdleTimer()
			cr.log.V(1).Info("idle timeout elapsed, surrendering low-RDY token")
			cr.backoff()
			cr.owner.roundRobin.Skip(cr)
			cr.owner.balance()
		})
	})
}

func (c *ConnectionRdy) cancelIdleTimer() {
	if c.idleTimer != nil {
		c.idleTimer.Cancel()
		c.idleTimer = nil
	}
}

// setRdy transmits n to the broker only when 0 <= n <= maxConnRdy; it
// always records lastRdySent, even when the send was suppressed, so
// that a cap lowered just after a send decision was made is still
// diagnosable.
func (c *ConnectionRdy) setRdy(n int64) {
	sent := n >= 0 && n <= c.maxConnRdy
	if sent {
		c.conn.SetRdy(n)
	} else {
		c.log.Info("suppressing out-of-range RDY request", "requested", n, "maxConnRdy", c.maxConnRdy)
	}
	c.lastRdySent = n
	c.owner.cfg.hooks.eachRdySent(c.id, n, c.maxConnRdy, sent)
}

// onMessage handles a MESSAGE event: cancels any pending idle timer
// and records the message as in flight.
func (c *ConnectionRdy) onMessage() {
	c.cancelIdleTimer()
	c.inFlight++
	c.lastMessageAt = time.Now()
}

// onFinishedOrRequeued handles a FINISHED or REQUEUE(D) event: the
// message is no longer in flight.
func (c *ConnectionRdy) onFinishedOrRequeued() {
	if c.inFlight > 0 {
		c.inFlight--
	}
}
