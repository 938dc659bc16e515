package rdy

import (
	"sync"
	"time"
)

// fakeTimerHandle and fakeScheduler give tests deterministic control
// over every timer this package schedules (idle timers, the backoff
// expiry timer, the low-RDY balance tick) instead of sleeping against
// the real clock.
type fakeTimerHandle struct {
	canceled bool
}

func (h *fakeTimerHandle) Cancel() { h.canceled = true }

type scheduledFn struct {
	d      time.Duration
	fn     func()
	handle *fakeTimerHandle
}

type fakeScheduler struct {
	mu      sync.Mutex
	entries []*scheduledFn
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &fakeTimerHandle{}
	s.entries = append(s.entries, &scheduledFn{d: d, fn: fn, handle: h})
	return h
}

// fireMatching fires and removes the first non-canceled entry whose
// delay equals d, reporting whether it found one.
func (s *fakeScheduler) fireMatching(d time.Duration) bool {
	s.mu.Lock()
	var target *scheduledFn
	remaining := s.entries[:0:0]
	for _, e := range s.entries {
		if target == nil && !e.handle.canceled && e.d == d {
			target = e
			continue
		}
		remaining = append(remaining, e)
	}
	s.entries = remaining
	s.mu.Unlock()

	if target == nil {
		return false
	}
	target.fn()
	return true
}

// pendingCount reports how many non-canceled timers are currently
// queued.
func (s *fakeScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.handle.canceled {
			n++
		}
	}
	return n
}
