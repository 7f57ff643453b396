// Package transport implements the client side of nats-rpc: the call Context, the
// Registry that correlates responses with requests, and Base, the lifecycle and
// request contract every bus transport shares.
//
// Base drives a Driver, the transport-specific half:
//
//	Open ──→ Driver.Dial       subscribe inboxes, handshake
//	Request                    assign opid → register chan → Driver.Send → wait
//	inbound frame ──→ Registry.Execute ──→ waiting Request wakes up
//	Close(cause) ──→ Driver.Hangup → poison pill to every waiter → callbacks + Monitor
//
// Many goroutines may call Request concurrently on one transport; each waits on
// its own channel and responses may arrive in any order.
package transport

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/protocol"
)

// Driver is implemented by concrete transports and called only by Base.
type Driver interface {
	// Dial acquires the underlying resources. Inbound response frames must be
	// handed to the Registry's Execute.
	Dial(ctx context.Context) error
	// Hangup releases what Dial acquired.
	Hangup() error
	// Send frames payload (header block + body) and puts it on the wire. A
	// payload above the transport's size limit must fail before anything is sent.
	Send(payload []byte) error
}

// Requester is the request half of a transport, as used by the client stub.
type Requester interface {
	Request(ctx context.Context, c *Context, oneway bool, payload []byte) ([]byte, error)
}

// Base implements the Open/Close/Request contract on top of a Driver.
type Base struct {
	driver   Driver
	registry *Registry
	logger   *zap.Logger
	monitor  *Monitor

	mu       sync.Mutex
	open     bool
	onClosed []func(cause error)
}

type Option func(*Base)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Base) { b.logger = logger }
}

// WithMonitor installs the reconnect monitor consulted on every close.
func WithMonitor(m *Monitor) Option {
	return func(b *Base) { b.monitor = m }
}

// WithClosedCallback registers fn to run, off the I/O goroutine, after every close.
func WithClosedCallback(fn func(cause error)) Option {
	return func(b *Base) { b.onClosed = append(b.onClosed, fn) }
}

// NewBase returns a closed transport driving d.
func NewBase(d Driver, opts ...Option) *Base {
	b := &Base{
		driver: d,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.registry = NewRegistry(b.logger)
	return b
}

// Registry returns the registry inbound frames are executed against.
func (b *Base) Registry() *Registry { return b.registry }

// IsOpen reports whether the transport is open.
func (b *Base) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// SetClosedCallback adds fn to the callbacks run after every close.
func (b *Base) SetClosedCallback(fn func(cause error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClosed = append(b.onClosed, fn)
}

// Open dials the driver. A transport may be reopened after it was closed.
func (b *Base) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dialLocked(ctx)
}

// reopen is Open as called by the Monitor: it gives up without dialing once
// ctx is canceled, which a user Close does.
func (b *Base) reopen(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.dialLocked(ctx)
}

func (b *Base) dialLocked(ctx context.Context) error {
	if b.open {
		return ErrAlreadyOpen
	}
	if err := b.driver.Dial(ctx); err != nil {
		return err
	}
	b.open = true
	return nil
}

// Close closes the transport cleanly and cancels its reconnect, whether it is
// in progress or about to start.
func (b *Base) Close() error {
	if b.monitor == nil {
		return b.CloseWithCause(nil)
	}
	b.monitor.stop(b)
	err := b.CloseWithCause(nil)
	// an unclean close may have armed a reopen between the two
	b.monitor.stop(b)
	return err
}

// CloseWithCause closes the transport because of cause. Closing an already
// closed transport does nothing. Otherwise every in-flight request fails with
// ErrClosed, and the closed callbacks and the Monitor run on their own goroutine.
// A nil cause or io.EOF is a clean close; anything else makes the Monitor try to
// reopen.
func (b *Base) CloseWithCause(cause error) error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil
	}
	b.open = false
	err := b.driver.Hangup()
	callbacks := slices.Clone(b.onClosed)
	b.mu.Unlock()

	b.registry.Close()
	if IsClean(cause) {
		b.logger.Debug("transport closed")
	} else {
		b.logger.Warn("transport closed uncleanly", zap.Error(cause))
	}

	// armed here so that a Close right after this returns can cancel it
	var run *reopenRun
	if b.monitor != nil {
		run = b.monitor.arm(b, cause)
	}
	go func() {
		for _, fn := range callbacks {
			fn(cause)
		}
		if run != nil {
			b.monitor.run(b, run)
		}
	}()
	return err
}

// IsClean reports whether cause describes an orderly close.
func IsClean(cause error) bool {
	return cause == nil || errors.Is(cause, io.EOF)
}

// Request sends payload and, for a two-way call, waits up to c.Timeout() for the
// response, returning its body with the frame prefix and header block removed.
// The response headers are stored on c.
//
// The registry entry is removed on every return path.
func (b *Base) Request(ctx context.Context, c *Context, oneway bool, payload []byte) ([]byte, error) {
	if !b.IsOpen() {
		return nil, ErrNotOpen
	}
	if oneway {
		return nil, b.driver.Send(encodeRequest(c, false, payload))
	}

	if err := b.registry.AssignOperationID(c); err != nil {
		return nil, err
	}
	defer b.registry.Unregister(c)
	ch := make(chan []byte, 1)
	b.registry.Register(c, ch)
	if !b.IsOpen() {
		// closed between the check above and Register; no poison pill is coming
		return nil, ErrClosed
	}

	if err := b.driver.Send(encodeRequest(c, true, payload)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.Timeout())
	defer timer.Stop()

	select {
	case frame := <-ch:
		if frame == nil {
			return nil, ErrClosed
		}
		headers, body, err := protocol.DecodeFrame(frame)
		if err != nil {
			return nil, err
		}
		c.setResponseHeaders(headers)
		return body, nil
	case <-timer.C:
		return nil, errors.Wrapf(ErrTimedOut, "operation %d after %s", c.OperationID(), c.Timeout())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func encodeRequest(c *Context, withOpID bool, body []byte) []byte {
	block := protocol.EncodeHeaders(c.wireHeaders(withOpID))
	payload := make([]byte, len(block)+len(body))
	copy(payload, block)
	copy(payload[len(block):], body)
	return payload
}
