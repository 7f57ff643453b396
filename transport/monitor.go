package transport

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/metrics"
)

// GiveUp is returned by a Policy to stop reopening.
const GiveUp time.Duration = -1

// Policy decides whether and when a Monitor reopens a closed transport. A
// negative wait means do not reopen.
type Policy interface {
	OnClosedCleanly()
	OnClosedUncleanly(cause error) time.Duration
	OnReopenFailed(attempts int, prevWait time.Duration) time.Duration
	OnReopenSucceeded()
}

// BackoffPolicy reopens with capped exponential backoff: the first attempt
// after InitialWait, each later one after double the previous wait, never more
// than MaxWait, for at most MaxAttempts attempts.
type BackoffPolicy struct {
	InitialWait time.Duration
	MaxWait     time.Duration
	MaxAttempts int
	Logger      *zap.Logger
}

// NewBackoffPolicy returns a policy with the defaults: 2s initial wait, 4s cap,
// 60 attempts.
func NewBackoffPolicy(logger *zap.Logger) *BackoffPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackoffPolicy{
		InitialWait: 2 * time.Second,
		MaxWait:     4 * time.Second,
		MaxAttempts: 60,
		Logger:      logger,
	}
}

func (p *BackoffPolicy) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *BackoffPolicy) OnClosedCleanly() {
	p.log().Info("transport closed cleanly, not reopening")
}

func (p *BackoffPolicy) OnClosedUncleanly(cause error) time.Duration {
	p.log().Warn("transport closed uncleanly, reopening", zap.Error(cause), zap.Duration("wait", p.InitialWait))
	return p.InitialWait
}

func (p *BackoffPolicy) OnReopenFailed(attempts int, prevWait time.Duration) time.Duration {
	if attempts >= p.MaxAttempts {
		p.log().Error("giving up reopening transport", zap.Int("attempts", attempts))
		return GiveUp
	}
	wait := prevWait * 2
	if wait > p.MaxWait {
		wait = p.MaxWait
	}
	if wait < prevWait {
		wait = prevWait
	}
	p.log().Info("reopen failed, retrying", zap.Int("attempts", attempts), zap.Duration("wait", wait))
	return wait
}

func (p *BackoffPolicy) OnReopenSucceeded() {
	p.log().Info("transport reopened")
}

// opener is what a Monitor reopens. reopen must fail without dialing once ctx
// is done.
type opener interface {
	reopen(ctx context.Context) error
}

// Monitor reopens transports after they close uncleanly, as told by its Policy.
// One Monitor may serve many transports; each has its own reopen loop. The loop
// runs on the goroutine Base spawns for close notification, so it never blocks
// the I/O path that detected the failure.
type Monitor struct {
	policy  Policy
	clock   clock.Clock
	metrics *metrics.Metrics

	mu   sync.Mutex
	runs map[opener]*reopenRun
}

type reopenRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	wait   time.Duration
}

type MonitorOption func(*Monitor)

// WithClock replaces the wall clock used for reopen waits.
func WithClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

func WithMonitorMetrics(mt *metrics.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor returns a monitor driven by policy; nil means NewBackoffPolicy(nil).
func NewMonitor(policy Policy, opts ...MonitorOption) *Monitor {
	if policy == nil {
		policy = NewBackoffPolicy(nil)
	}
	m := &Monitor{policy: policy, clock: clock.New(), runs: make(map[opener]*reopenRun)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StopAll cancels every reopen loop in progress. The monitor stays usable for
// later closes.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, r := range m.runs {
		r.cancel()
		delete(m.runs, t)
	}
}

// stop cancels the reopen loop of t, armed or running.
func (m *Monitor) stop(t opener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[t]; ok {
		r.cancel()
		delete(m.runs, t)
	}
}

// Running reports whether any reopen loop is armed or in progress.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs) > 0
}

// arm consults the policy about a close of t and, if it wants a reopen,
// registers the loop so that stop can cancel it before it starts. It replaces
// any earlier loop of t. It returns nil when there is nothing to run.
func (m *Monitor) arm(t opener, cause error) *reopenRun {
	m.stop(t)
	if IsClean(cause) {
		m.policy.OnClosedCleanly()
		return nil
	}
	wait := m.policy.OnClosedUncleanly(cause)
	if wait < 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &reopenRun{ctx: ctx, cancel: cancel, wait: wait}
	m.mu.Lock()
	m.runs[t] = r
	m.mu.Unlock()
	return r
}

// run is the reopen loop armed for t.
func (m *Monitor) run(t opener, r *reopenRun) {
	defer func() {
		m.mu.Lock()
		if m.runs[t] == r {
			delete(m.runs, t)
		}
		m.mu.Unlock()
		r.cancel()
	}()

	wait := r.wait
	for attempts := 1; ; attempts++ {
		if !m.sleep(r.ctx, wait) {
			m.metrics.ReopenAttempt(metrics.OutcomeCanceled)
			return
		}
		err := t.reopen(r.ctx)
		if err == nil || errors.Is(err, ErrAlreadyOpen) {
			m.metrics.ReopenAttempt(metrics.OutcomeOK)
			m.policy.OnReopenSucceeded()
			return
		}
		if r.ctx.Err() != nil {
			m.metrics.ReopenAttempt(metrics.OutcomeCanceled)
			return
		}
		m.metrics.ReopenAttempt(metrics.OutcomeError)
		wait = m.policy.OnReopenFailed(attempts, wait)
		if wait < 0 {
			m.metrics.ReopenAttempt(metrics.OutcomeGaveUp)
			return
		}
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := m.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}
