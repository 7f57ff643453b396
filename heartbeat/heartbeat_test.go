package heartbeat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

func TestCountdownFires(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32
	NewCountdown(mock, time.Second, func() { fired.Add(1) })

	mock.Add(999 * time.Millisecond)
	assert.Zero(t, fired.Load())
	mock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
}

func TestCountdownResetPostpones(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32
	c := NewCountdown(mock, time.Second, func() { fired.Add(1) })

	mock.Add(800 * time.Millisecond)
	c.Reset()
	mock.Add(800 * time.Millisecond)
	assert.Zero(t, fired.Load())
	mock.Add(200 * time.Millisecond)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
}

func TestCountdownCancel(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32
	c := NewCountdown(mock, time.Second, func() { fired.Add(1) })

	c.Cancel()
	c.Reset()
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestLivenessDeclaresDeadAfterThreshold(t *testing.T) {
	mock := clock.NewMock()
	var dead atomic.Int32
	var misses []int
	missed := make(chan int, 8)
	l := NewLiveness(time.Second, func() { dead.Add(1) },
		WithClock(mock),
		OnMiss(func(n int) { missed <- n }),
	)

	for i := 1; i <= DefaultMaxMissed; i++ {
		mock.Add(time.Second)
		select {
		case n := <-missed:
			misses = append(misses, n)
		case <-time.After(waitFor):
			t.Fatalf("interval %d did not count as missed", i)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, misses)
	assert.Eventually(t, func() bool { return dead.Load() == 1 }, waitFor, tick)
	assert.True(t, l.Dead())

	// no further misses or deaths after the threshold
	mock.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), dead.Load())
}

func TestLivenessBeatClearsMisses(t *testing.T) {
	mock := clock.NewMock()
	var dead atomic.Int32
	l := NewLiveness(time.Second, func() { dead.Add(1) }, WithClock(mock))

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return l.Missed() == 1 }, waitFor, tick)
	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return l.Missed() == 2 }, waitFor, tick)

	l.Beat()
	assert.Equal(t, 0, l.Missed())

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return l.Missed() == 1 }, waitFor, tick)
	assert.False(t, l.Dead())
	assert.Zero(t, dead.Load())
}

func TestLivenessStop(t *testing.T) {
	mock := clock.NewMock()
	var dead atomic.Int32
	l := NewLiveness(time.Second, func() { dead.Add(1) }, WithClock(mock), WithMaxMissed(1))
	l.Stop()

	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, dead.Load())
	assert.False(t, l.Dead())
}

func TestLivenessWallClock(t *testing.T) {
	done := make(chan struct{})
	start := time.Now()
	NewLiveness(10*time.Millisecond, func() { close(done) }, WithMaxMissed(2))

	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	case <-time.After(waitFor):
		t.Fatal("liveness never fired")
	}
}

func TestPinger(t *testing.T) {
	mock := clock.NewMock()
	var pings atomic.Int32
	p := NewPinger(mock, time.Second, func() { pings.Add(1) })

	for i := 1; i <= 3; i++ {
		mock.Add(time.Second)
		want := int32(i)
		require.Eventually(t, func() bool { return pings.Load() == want }, waitFor, tick)
	}
	p.Stop()
	p.Stop()

	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(3), pings.Load())
}
