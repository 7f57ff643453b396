// Package bustransport implements transports on top of a bus.Bus:
//
//   - Stateless: request/reply over the transport's own inbox.
//   - Stateful: a handshaken, heartbeat-checked connection to a session server.
//   - Publisher and Subscriber: length-framed pub/sub on prefixed topics.
//
// Stateless and Stateful embed *transport.Base, so they share its lifecycle,
// request correlation and reconnect behavior.
package bustransport

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"nats-rpc/heartbeat"
	"nats-rpc/metrics"
	"nats-rpc/protocol"
	"nats-rpc/transport"
)

// DefaultConnectTimeout bounds the stateful handshake.
const DefaultConnectTimeout = 5 * time.Second

type options struct {
	logger         *zap.Logger
	metrics        *metrics.Metrics
	monitor        *transport.Monitor
	clock          clock.Clock
	maxMissed      int
	connectTimeout time.Duration
	queue          string
	onClosed       []func(error)
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMonitor reopens the transport after unclean closes.
func WithMonitor(m *transport.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithClock replaces the clock behind heartbeat countdowns.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMaxMissed sets how many heartbeat intervals may pass silently before a
// stateful connection closes itself.
func WithMaxMissed(n int) Option {
	return func(o *options) { o.maxMissed = n }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithQueue makes a Subscriber join queue group q.
func WithQueue(q string) Option {
	return func(o *options) { o.queue = q }
}

func WithClosedCallback(fn func(cause error)) Option {
	return func(o *options) { o.onClosed = append(o.onClosed, fn) }
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:         zap.NewNop(),
		clock:          clock.New(),
		maxMissed:      heartbeat.DefaultMaxMissed,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) baseOptions() []transport.Option {
	opts := []transport.Option{transport.WithLogger(o.logger)}
	if o.monitor != nil {
		opts = append(opts, transport.WithMonitor(o.monitor))
	}
	for _, fn := range o.onClosed {
		opts = append(opts, transport.WithClosedCallback(fn))
	}
	return opts
}

// requestLimit is the largest payload one framed bus message can carry.
func requestLimit(maxPayload int) int {
	if maxPayload <= 0 {
		return 0
	}
	return maxPayload - protocol.FrameSizeLen
}
