package rdy

import "time"

// TimerHandle is an outstanding single-shot timer. Cancel is
// idempotent: canceling an already-fired or already-canceled handle is
// a no-op.
type TimerHandle interface {
	Cancel()
}

// Scheduler is the external timer collaborator. All timers used by
// this package are single-shot; repeating behavior (the low-RDY
// regime's periodic rebalance) is built out of single-shot timers that
// reschedule themselves, so that every fire is observed as a fresh
// event on the owning ReaderRdy's single task.
type Scheduler interface {
	// Schedule arranges for fn to run after d elapses, returning a
	// handle that can cancel it before it fires.
	Schedule(d time.Duration, fn func()) TimerHandle
}

// realScheduler is the default Scheduler, backed by time.AfterFunc.
type realScheduler struct{}

type realTimerHandle struct {
	t *time.Timer
}

func (h *realTimerHandle) Cancel() {
	if h == nil || h.t == nil {
		return
	}
	h.t.Stop()
}

func (realScheduler) Schedule(d time.Duration, fn func()) TimerHandle {
	return &realTimerHandle{t: time.AfterFunc(d, fn)}
}

// cancelHandle cancels h if non-nil; a small helper so call sites
// rescheduling a stored handle don't all repeat the nil check.
func cancelHandle(h TimerHandle) {
	if h != nil {
		h.Cancel()
	}
}
