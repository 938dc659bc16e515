package rdy

import (
	"testing"
	"time"
)

// fakeBackoffTimer gives scenario tests a fixed, known interval so the
// fakeScheduler can fire the right timer deterministically.
type fakeBackoffTimer struct {
	interval  time.Duration
	successes int
	failures  int
}

func (f *fakeBackoffTimer) Success()                   { f.successes++ }
func (f *fakeBackoffTimer) Failure()                   { f.failures++ }
func (f *fakeBackoffTimer) GetInterval() time.Duration { return f.interval }

const (
	testIdleTimeout     = 10 * time.Millisecond
	testBalanceInterval = 20 * time.Millisecond
	testBackoffInterval = 50 * time.Millisecond
)

func newTestReader(t *testing.T, maxInFlight int64) (*ReaderRdy, *fakeScheduler, *fakeBackoffTimer) {
	t.Helper()
	sched := newFakeScheduler()
	bt := &fakeBackoffTimer{interval: testBackoffInterval}
	r, err := NewReaderRdy(maxInFlight, time.Second,
		WithScheduler(sched),
		WithBackoffTimer(bt),
		WithIdleTimeout(testIdleTimeout),
		WithBalanceInterval(testBalanceInterval),
	)
	if err != nil {
		t.Fatalf("NewReaderRdy: %v", err)
	}
	t.Cleanup(r.Close)
	return r, sched, bt
}

// admit constructs a ConnectionRdy for conn and runs the reader's
// admission path synchronously, returning the ConnectionRdy.
func admit(t *testing.T, r *ReaderRdy, conn Conn) *ConnectionRdy {
	t.Helper()
	done := make(chan struct{})
	var cr *ConnectionRdy
	ok := r.submit(func() {
		cr = newConnectionRdy(r, conn)
		r.byConn[conn] = cr
		r.admit(cr)
		close(done)
	})
	if !ok {
		t.Fatal("submit failed: reader already closed")
	}
	<-done
	return cr
}

// sendEvent delivers kind to cr and blocks until the reader has
// processed it (and everything queued before it).
func sendEvent(t *testing.T, r *ReaderRdy, cr *ConnectionRdy, kind EventKind) {
	t.Helper()
	r.submit(func() { r.handleConnEvent(cr, kind) })
	r.State() // barrier: waits for the handleConnEvent closure to run first
}

func TestNewReaderRdyRejectsNonPositiveMaxInFlight(t *testing.T) {
	if _, err := NewReaderRdy(0, time.Second); err != ErrInvalidMaxInFlight {
		t.Fatalf("err = %v, want ErrInvalidMaxInFlight", err)
	}
	if _, err := NewReaderRdy(-1, time.Second); err != ErrInvalidMaxInFlight {
		t.Fatalf("err = %v, want ErrInvalidMaxInFlight", err)
	}
}

func TestReaderRdyCloseIsIdempotent(t *testing.T) {
	r, _, _ := newTestReader(t, 5)
	r.Close()
	r.Close() // must not panic or deadlock
}

func TestReaderRdyRemoveConnectionUnknown(t *testing.T) {
	r, _, _ := newTestReader(t, 5)
	conn := newFakeConn("ghost", 10)
	if err := r.RemoveConnection(conn); err != ErrUnknownConnection {
		t.Fatalf("err = %v, want ErrUnknownConnection", err)
	}
}

func TestReaderRdyOperationsAfterCloseDoNotHang(t *testing.T) {
	r, _, _ := newTestReader(t, 5)
	conn := newFakeConn("c1", 10)
	cr := admit(t, r, conn)
	_ = cr

	r.Close()

	if got := r.AddConnection(newFakeConn("c2", 10)); got != nil {
		t.Fatalf("AddConnection after Close = %+v, want nil", got)
	}
	if err := r.RemoveConnection(conn); err != ErrAlreadyClosed {
		t.Fatalf("RemoveConnection after Close = %v, want ErrAlreadyClosed", err)
	}
	if got := r.IsStarved(); got != false {
		t.Fatalf("IsStarved after Close = %v, want false", got)
	}
	if got := r.InFlight(); got != 0 {
		t.Fatalf("InFlight after Close = %d, want 0", got)
	}
	if got := r.State(); got != ReaderZero {
		t.Fatalf("State after Close = %v, want ZERO", got)
	}
}

// waitUntil polls cond until it holds, for events that cross the
// forwarding goroutine and so cannot be barriered synchronously.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestAddConnectionDrivesFullEventStream exercises the real event
// path: AddConnection, then events published on the Conn's stream
// rather than injected directly into the handler.
func TestAddConnectionDrivesFullEventStream(t *testing.T) {
	r, _, _ := newTestReader(t, 5)
	conn := newFakeConn("c1", 100)
	cr := r.AddConnection(conn)
	if cr == nil {
		t.Fatal("AddConnection returned nil on an open reader")
	}
	if cr.LastRdySent() != 0 {
		t.Fatalf("lastRdySent before SUBSCRIBED = %d, want 0", cr.LastRdySent())
	}

	conn.publish(EventSubscribed)
	<-cr.Ready()
	r.State() // barrier: admission ran on the reader goroutine

	if got := cr.LastRdySent(); got != 5 {
		t.Fatalf("lastRdySent after SUBSCRIBED = %d, want 5", got)
	}

	conn.publish(EventMessage)
	waitUntil(t, func() bool { return r.InFlight() == 1 })
	if r.IsStarved() {
		t.Fatal("IsStarved() = true with 1 in flight against cap 5")
	}

	conn.publish(EventFinished)
	waitUntil(t, func() bool { return r.InFlight() == 0 })

	conn.close()
	waitUntil(t, func() bool { return r.State() == ReaderZero })

	if err := r.RemoveConnection(conn); err != ErrUnknownConnection {
		t.Fatalf("RemoveConnection after CLOSED = %v, want ErrUnknownConnection", err)
	}
}
