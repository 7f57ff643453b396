package transport

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nats-rpc/protocol"
)

// fakeDriver hands every sent payload to onSend.
type fakeDriver struct {
	mu      sync.Mutex
	base    *Base
	dialErr error
	dials   int
	hangups int
	sent    [][]byte
	limit   int
	onSend  func(d *fakeDriver, payload []byte)
}

func (d *fakeDriver) Dial(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return d.dialErr
}

func (d *fakeDriver) Hangup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangups++
	return nil
}

func (d *fakeDriver) Send(payload []byte) error {
	if d.limit > 0 && len(payload) > d.limit {
		return errors.Wrap(protocol.ErrSizeLimitExceeded, "fake")
	}
	d.mu.Lock()
	d.sent = append(d.sent, payload)
	onSend := d.onSend
	d.mu.Unlock()
	if onSend != nil {
		onSend(d, payload)
	}
	return nil
}

func (d *fakeDriver) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDriver) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// echoReply answers every two-way request with reply, echoing its operation id.
func echoReply(reply []byte) func(d *fakeDriver, payload []byte) {
	return func(d *fakeDriver, payload []byte) {
		headers, _, err := protocol.DecodeHeaders(payload)
		if err != nil {
			panic(err)
		}
		opID, ok := headers[OperationIDHeader]
		if !ok {
			return
		}
		frame := protocol.EncodeFrame(map[string]string{
			OperationIDHeader:   opID,
			CorrelationIDHeader: headers[CorrelationIDHeader],
			"served-by":         "fake",
		}, reply)
		if err := d.base.Registry().Execute(frame); err != nil {
			panic(err)
		}
	}
}

func newOpenBase(t *testing.T, d *fakeDriver, opts ...Option) *Base {
	t.Helper()
	b := NewBase(d, opts...)
	d.base = b
	require.NoError(t, b.Open(context.Background()))
	return b
}

func TestRequestEndToEnd(t *testing.T) {
	reply := []byte("reply-payload")
	d := &fakeDriver{onSend: echoReply(reply)}
	b := newOpenBase(t, d)

	c := NewContextWithCorrelationID("cid-1")
	body, err := b.Request(context.Background(), c, false, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, reply, body)
	assert.Equal(t, 0, b.Registry().Len())

	served, _ := c.ResponseHeader("served-by")
	assert.Equal(t, "fake", served)

	// the wire payload is header block + body, with both reserved headers
	require.Len(t, d.sent, 1)
	headers, n, err := protocol.DecodeHeaders(d.sent[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, d.sent[0][n:])
	assert.Equal(t, "cid-1", headers[CorrelationIDHeader])
	assert.Equal(t, strconv.FormatUint(c.OperationID(), 10), headers[OperationIDHeader])
}

func TestRequestSequentialReuse(t *testing.T) {
	d := &fakeDriver{onSend: echoReply([]byte("ok"))}
	b := newOpenBase(t, d)

	c := NewContext()
	var last uint64
	for i := 0; i < 3; i++ {
		_, err := b.Request(context.Background(), c, false, nil)
		require.NoError(t, err)
		assert.Greater(t, c.OperationID(), last)
		last = c.OperationID()
	}
}

func TestRequestConcurrentOutOfOrder(t *testing.T) {
	const n = 50
	var (
		mu      sync.Mutex
		pending [][]byte
	)
	d := &fakeDriver{onSend: func(d *fakeDriver, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		pending = append(pending, payload)
		if len(pending) < n {
			return
		}
		// answer in reverse order of arrival
		for i := len(pending) - 1; i >= 0; i-- {
			headers, body, err := protocol.DecodeFrame(protocol.Frame(pending[i]))
			if err != nil {
				panic(err)
			}
			frame := protocol.EncodeFrame(map[string]string{OperationIDHeader: headers[OperationIDHeader]}, body)
			_ = d.base.Registry().Execute(frame)
		}
	}}
	b := newOpenBase(t, d)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewContext()
			c.SetTimeout(5 * time.Second)
			want := []byte(strconv.Itoa(i))
			got, err := b.Request(context.Background(), c, false, want)
			if assert.NoError(t, err) {
				assert.Equal(t, want, got)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, b.Registry().Len())
}

func TestRequestTimeout(t *testing.T) {
	d := &fakeDriver{}
	b := newOpenBase(t, d)

	c := NewContext()
	c.SetTimeout(10 * time.Millisecond)
	start := time.Now()
	_, err := b.Request(context.Background(), c, false, []byte("x"))
	elapsed := time.Since(start)

	assert.True(t, errors.Is(err, ErrTimedOut), "got %v", err)
	assert.True(t, Retryable(err))
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, b.Registry().Len())
}

func TestRequestCanceledByContext(t *testing.T) {
	b := newOpenBase(t, &fakeDriver{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, NewContext(), false, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, b.Registry().Len())
}

func TestRequestClosedWhileInFlight(t *testing.T) {
	sent := make(chan struct{})
	d := &fakeDriver{onSend: func(*fakeDriver, []byte) { close(sent) }}
	b := newOpenBase(t, d)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), NewContext(), false, nil)
		errc <- err
	}()
	<-sent
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
		assert.False(t, Retryable(err))
	case <-time.After(time.Second):
		t.Fatal("request was not canceled by Close")
	}
	assert.Equal(t, 0, b.Registry().Len())
}

func TestOnewaySkipsRegistry(t *testing.T) {
	d := &fakeDriver{}
	b := newOpenBase(t, d)

	c := NewContext()
	body, err := b.Request(context.Background(), c, true, []byte("fire"))
	require.NoError(t, err)
	assert.Nil(t, body)
	assert.Zero(t, c.OperationID())
	assert.Equal(t, 0, b.Registry().Len())

	headers, _, err := protocol.DecodeHeaders(d.sent[0])
	require.NoError(t, err)
	_, ok := headers[OperationIDHeader]
	assert.False(t, ok)
}

func TestRequestSizeLimit(t *testing.T) {
	// room for the header block (_cid and _opid) plus a small body
	d := &fakeDriver{limit: 256, onSend: echoReply([]byte("ok"))}
	b := newOpenBase(t, d)

	_, err := b.Request(context.Background(), NewContext(), false, make([]byte, 512))
	assert.True(t, errors.Is(err, protocol.ErrSizeLimitExceeded))
	assert.Empty(t, d.sent)
	assert.Equal(t, 0, b.Registry().Len())
	assert.True(t, b.IsOpen(), "a size error must not close the transport")

	_, err = b.Request(context.Background(), NewContext(), false, []byte("small"))
	assert.NoError(t, err)
}

func TestLifecycle(t *testing.T) {
	d := &fakeDriver{}
	b := NewBase(d)
	d.base = b

	_, err := b.Request(context.Background(), NewContext(), false, nil)
	assert.True(t, errors.Is(err, ErrNotOpen))

	require.NoError(t, b.Open(context.Background()))
	assert.True(t, errors.Is(b.Open(context.Background()), ErrAlreadyOpen))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, d.hangups)

	require.NoError(t, b.Open(context.Background()), "a closed transport can be reopened")
	assert.Equal(t, 2, d.dialCount())
}

func TestClosedCallbackRunsAsynchronously(t *testing.T) {
	causes := make(chan error, 2)
	d := &fakeDriver{}
	b := newOpenBase(t, d, WithClosedCallback(func(cause error) { causes <- cause }))

	boom := errors.New("broker went away")
	require.NoError(t, b.CloseWithCause(boom))
	require.NoError(t, b.CloseWithCause(boom), "already closed")

	select {
	case cause := <-causes:
		assert.Equal(t, boom, cause)
	case <-time.After(time.Second):
		t.Fatal("closed callback did not run")
	}
	select {
	case <-causes:
		t.Fatal("closed callback ran twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestIsClean(t *testing.T) {
	assert.True(t, IsClean(nil))
	assert.True(t, IsClean(io.EOF))
	assert.True(t, IsClean(errors.Wrap(io.EOF, "peer hung up")))
	assert.False(t, IsClean(errors.New("boom")))
}

func TestBackoffMonotonic(t *testing.T) {
	p := NewBackoffPolicy(nil)
	wait := p.OnClosedUncleanly(errors.New("boom"))
	assert.Equal(t, 2*time.Second, wait)

	for attempts := 1; attempts < p.MaxAttempts; attempts++ {
		next := p.OnReopenFailed(attempts, wait)
		assert.GreaterOrEqual(t, next, wait)
		assert.LessOrEqual(t, next, p.MaxWait)
		wait = next
	}
	assert.Equal(t, GiveUp, p.OnReopenFailed(p.MaxAttempts, wait))
	assert.Equal(t, time.Duration(-1), p.OnReopenFailed(p.MaxAttempts+1, wait))
}

func TestBackoffNeverShrinks(t *testing.T) {
	p := &BackoffPolicy{InitialWait: time.Second, MaxWait: time.Second, MaxAttempts: 5}
	assert.Equal(t, 3*time.Second, p.OnReopenFailed(1, 3*time.Second))
}

type recordingPolicy struct {
	mu        sync.Mutex
	wait      time.Duration
	failures  []int
	clean     int
	succeeded int
}

func (p *recordingPolicy) OnClosedCleanly() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clean++
}

func (p *recordingPolicy) OnClosedUncleanly(error) time.Duration { return p.wait }

func (p *recordingPolicy) OnReopenFailed(attempts int, prev time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, attempts)
	if attempts >= 3 {
		return GiveUp
	}
	return prev
}

func (p *recordingPolicy) OnReopenSucceeded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.succeeded++
}

func (p *recordingPolicy) snapshot() (clean, succeeded int, failures []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clean, p.succeeded, append([]int(nil), p.failures...)
}

func TestMonitorReopensAfterUncleanClose(t *testing.T) {
	policy := &recordingPolicy{wait: 5 * time.Millisecond}
	d := &fakeDriver{}
	b := newOpenBase(t, d, WithMonitor(NewMonitor(policy)))

	d.setDialErr(errors.New("still down"))
	require.NoError(t, b.CloseWithCause(errors.New("broker disconnect")))

	assert.Eventually(t, func() bool {
		_, _, failures := policy.snapshot()
		return len(failures) >= 1
	}, time.Second, time.Millisecond)

	d.setDialErr(nil)
	assert.Eventually(t, b.IsOpen, time.Second, time.Millisecond)
	_, succeeded, _ := policy.snapshot()
	assert.Equal(t, 1, succeeded)
}

func TestMonitorGivesUp(t *testing.T) {
	policy := &recordingPolicy{wait: time.Millisecond}
	d := &fakeDriver{}
	m := NewMonitor(policy)
	b := newOpenBase(t, d, WithMonitor(m))

	d.setDialErr(errors.New("down for good"))
	require.NoError(t, b.CloseWithCause(errors.New("boom")))

	assert.Eventually(t, func() bool {
		_, _, failures := policy.snapshot()
		return len(failures) == 3 && !m.Running()
	}, time.Second, time.Millisecond)
	assert.False(t, b.IsOpen())
	assert.Equal(t, 4, d.dialCount())
}

func TestMonitorCleanCloseDoesNotReopen(t *testing.T) {
	policy := &recordingPolicy{wait: time.Millisecond}
	d := &fakeDriver{}
	b := newOpenBase(t, d, WithMonitor(NewMonitor(policy)))

	require.NoError(t, b.CloseWithCause(io.EOF))
	assert.Eventually(t, func() bool {
		clean, _, _ := policy.snapshot()
		return clean == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestCloseCancelsPendingReopen(t *testing.T) {
	policy := &recordingPolicy{wait: time.Hour}
	d := &fakeDriver{}
	m := NewMonitor(policy)
	b := newOpenBase(t, d, WithMonitor(m))

	require.NoError(t, b.CloseWithCause(errors.New("boom")))
	assert.Eventually(t, m.Running, time.Second, time.Millisecond)

	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool { return !m.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestMonitorTreatsAlreadyOpenAsSuccess(t *testing.T) {
	policy := &recordingPolicy{wait: 20 * time.Millisecond}
	d := &fakeDriver{}
	b := newOpenBase(t, d, WithMonitor(NewMonitor(policy)))

	require.NoError(t, b.CloseWithCause(errors.New("boom")))
	// the user reopens before the monitor gets to it
	require.NoError(t, b.Open(context.Background()))

	assert.Eventually(t, func() bool {
		_, succeeded, _ := policy.snapshot()
		return succeeded == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2, d.dialCount())
}

func TestCloseRightAfterUncleanCloseStaysClosed(t *testing.T) {
	policy := &recordingPolicy{wait: 5 * time.Millisecond}
	d := &fakeDriver{}
	m := NewMonitor(policy)
	// a slow callback delays the reopen loop past the user's Close
	b := newOpenBase(t, d, WithMonitor(m),
		WithClosedCallback(func(error) { time.Sleep(20 * time.Millisecond) }))

	require.NoError(t, b.CloseWithCause(errors.New("broker disconnect")))
	require.NoError(t, b.Close())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, b.IsOpen())
	assert.Equal(t, 1, d.dialCount())
	assert.False(t, m.Running())
}

func TestSharedMonitorReopensEveryTransport(t *testing.T) {
	policy := &recordingPolicy{wait: 5 * time.Millisecond}
	m := NewMonitor(policy)
	d1, d2 := &fakeDriver{}, &fakeDriver{}
	b1 := newOpenBase(t, d1, WithMonitor(m))
	b2 := newOpenBase(t, d2, WithMonitor(m))

	cause := errors.New("broker disconnect")
	require.NoError(t, b1.CloseWithCause(cause))
	require.NoError(t, b2.CloseWithCause(cause))

	assert.Eventually(t, func() bool { return b1.IsOpen() && b2.IsOpen() }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !m.Running() }, time.Second, time.Millisecond)
}

func TestCloseStopsOnlyItsOwnReopen(t *testing.T) {
	policy := &recordingPolicy{wait: 30 * time.Millisecond}
	m := NewMonitor(policy)
	d1, d2 := &fakeDriver{}, &fakeDriver{}
	b1 := newOpenBase(t, d1, WithMonitor(m))
	b2 := newOpenBase(t, d2, WithMonitor(m))

	cause := errors.New("broker disconnect")
	require.NoError(t, b1.CloseWithCause(cause))
	require.NoError(t, b2.CloseWithCause(cause))
	require.NoError(t, b1.Close())

	assert.Eventually(t, b2.IsOpen, time.Second, time.Millisecond)
	assert.False(t, b1.IsOpen())
	assert.Equal(t, 1, d1.dialCount())
}

func TestStopAllCancelsEveryReopen(t *testing.T) {
	policy := &recordingPolicy{wait: time.Hour}
	m := NewMonitor(policy)
	b1 := newOpenBase(t, &fakeDriver{}, WithMonitor(m))
	b2 := newOpenBase(t, &fakeDriver{}, WithMonitor(m))

	require.NoError(t, b1.CloseWithCause(errors.New("boom")))
	require.NoError(t, b2.CloseWithCause(errors.New("boom")))
	assert.True(t, m.Running())

	m.StopAll()
	assert.False(t, m.Running())
}
