// Package heartbeat provides the retriggerable countdown both ends of a stateful
// connection use to notice a silent peer, and Liveness, which counts missed beats
// on top of it.
//
// Each side owns two independent timers: the pinger that says "I am alive" and
// the Liveness that says "I have not heard from you". They never share state.
package heartbeat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultMaxMissed is how many consecutive intervals may pass without a beat
// before the peer is declared dead.
const DefaultMaxMissed = 3

// Countdown fires its callback once d elapses without a Reset. Reset rearms it,
// Cancel disarms it for good.
type Countdown struct {
	clock clock.Clock
	d     time.Duration
	fire  func()

	mu       sync.Mutex
	timer    *clock.Timer
	gen      uint64
	canceled bool
}

// NewCountdown returns an armed countdown. A nil clk means the wall clock.
func NewCountdown(clk clock.Clock, d time.Duration, fire func()) *Countdown {
	if clk == nil {
		clk = clock.New()
	}
	c := &Countdown{clock: clk, d: d, fire: fire}
	c.Reset()
	return c
}

// Reset restarts the countdown from d. It does nothing after Cancel.
func (c *Countdown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.d, func() { c.expire(gen) })
}

// Cancel stops the countdown; its callback will not run afterwards.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Countdown) expire(gen uint64) {
	c.mu.Lock()
	// a Reset or Cancel raced with the timer firing
	stale := c.canceled || gen != c.gen
	c.mu.Unlock()
	if !stale {
		c.fire()
	}
}

// Liveness declares a peer dead after maxMissed consecutive intervals pass
// without a Beat. onMiss runs on every missed interval, onDead once.
type Liveness struct {
	maxMissed int
	onMiss    func(missed int)
	onDead    func()

	countdown *Countdown

	mu     sync.Mutex
	missed int
	dead   bool
}

type LivenessOption func(*Liveness)

// WithMaxMissed overrides DefaultMaxMissed.
func WithMaxMissed(n int) LivenessOption {
	return func(l *Liveness) {
		if n > 0 {
			l.maxMissed = n
		}
	}
}

// OnMiss registers fn to run every time an interval elapses silently.
func OnMiss(fn func(missed int)) LivenessOption {
	return func(l *Liveness) { l.onMiss = fn }
}

func WithClock(clk clock.Clock) LivenessOption {
	return func(l *Liveness) {
		l.countdown.clock = clk
	}
}

// NewLiveness starts tracking. onDead runs outside Liveness's lock, once, so it
// may tear down whatever owns the Liveness.
func NewLiveness(interval time.Duration, onDead func(), opts ...LivenessOption) *Liveness {
	l := &Liveness{maxMissed: DefaultMaxMissed, onDead: onDead}
	l.countdown = &Countdown{clock: clock.New(), d: interval, fire: l.expired}
	for _, opt := range opts {
		opt(l)
	}
	l.countdown.Reset()
	return l
}

// Beat records that the peer was heard from, clearing the miss count.
func (l *Liveness) Beat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return
	}
	l.missed = 0
	l.countdown.Reset()
}

// Missed returns the current number of consecutive missed intervals.
func (l *Liveness) Missed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.missed
}

// Dead reports whether the miss threshold was reached.
func (l *Liveness) Dead() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dead
}

// Stop ends tracking without declaring the peer dead.
func (l *Liveness) Stop() {
	l.countdown.Cancel()
}

func (l *Liveness) expired() {
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return
	}
	l.missed++
	missed := l.missed
	l.dead = missed >= l.maxMissed
	dead := l.dead
	if dead {
		l.countdown.Cancel()
	} else {
		l.countdown.Reset()
	}
	l.mu.Unlock()

	if l.onMiss != nil {
		l.onMiss(missed)
	}
	if dead && l.onDead != nil {
		l.onDead()
	}
}

// Pinger calls ping every interval until stopped.
type Pinger struct {
	ticker *clock.Ticker
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPinger starts pinging. A nil clk means the wall clock.
func NewPinger(clk clock.Clock, interval time.Duration, ping func()) *Pinger {
	if clk == nil {
		clk = clock.New()
	}
	p := &Pinger{ticker: clk.Ticker(interval), done: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ticker.C:
				ping()
			case <-p.done:
				return
			}
		}
	}()
	return p
}

// Stop halts the pinger and waits for an in-progress ping to return.
func (p *Pinger) Stop() {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.done)
	})
	p.wg.Wait()
}
