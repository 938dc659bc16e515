package rdy

import (
	"time"

	"github.com/go-logr/logr"
)

const (
	defaultIdleTimeout     = time.Second
	defaultBalanceInterval = 1500 * time.Millisecond
	defaultInitialBackoff  = 100 * time.Millisecond
)

type config struct {
	logger          logr.Logger
	hooks           hookList
	scheduler       Scheduler
	backoffTimer    BackoffTimer
	idleTimeout     time.Duration
	balanceInterval time.Duration
}

// Opt configures a ReaderRdy at construction time. There is
// deliberately no file/env/CLI configuration surface: everything is
// either a required constructor parameter or an Opt.
type Opt func(*config)

// WithLogger sets the structured logger used for every component and
// instance-scoped log line the core emits. Defaults to a no-op logger.
func WithLogger(l logr.Logger) Opt {
	return func(c *config) { c.logger = l }
}

// WithHooks registers observers for RDY sends, state transitions, and
// backoff trips. Hooks may be added across multiple WithHooks calls.
func WithHooks(hooks ...Hook) Opt {
	return func(c *config) { c.hooks = append(c.hooks, hooks...) }
}

// WithScheduler overrides the timer collaborator, primarily for tests
// that need deterministic control over idle and backoff timers.
func WithScheduler(s Scheduler) Opt {
	return func(c *config) { c.scheduler = s }
}

// WithBackoffTimer overrides the default exponential BackoffTimer.
func WithBackoffTimer(b BackoffTimer) Opt {
	return func(c *config) { c.backoffTimer = b }
}

// WithIdleTimeout overrides how long the low-RDY regime lets an
// unlucky connection hold an unused credit before surrendering it.
// Defaults to 1 second.
func WithIdleTimeout(d time.Duration) Opt {
	return func(c *config) { c.idleTimeout = d }
}

// WithBalanceInterval overrides the periodic rebalance period used
// while in the low-RDY regime as a safety net against the eventless
// case. Defaults to 1.5 seconds.
func WithBalanceInterval(d time.Duration) Opt {
	return func(c *config) { c.balanceInterval = d }
}

func newConfig(maxBackoffDuration time.Duration, opts []Opt) *config {
	c := &config{
		logger:          logr.Discard(),
		scheduler:       realScheduler{},
		idleTimeout:     defaultIdleTimeout,
		balanceInterval: defaultBalanceInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoffTimer == nil {
		c.backoffTimer = NewExponentialBackoffTimer(defaultInitialBackoff, maxBackoffDuration)
	}
	return c
}
