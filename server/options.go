package server

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"nats-rpc/discovery"
	"nats-rpc/heartbeat"
	"nats-rpc/metrics"
)

const (
	DefaultWorkers       = 1
	DefaultQueueSize     = 64
	DefaultHighWatermark = 5 * time.Second
	DefaultStopTimeout   = 30 * time.Second
	DefaultHeartbeat     = 5 * time.Second
	DefaultLeaseTTL      = 10
)

type options struct {
	queue       string
	workers     int
	queueSize   int
	watermark   time.Duration
	stopTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	clock       clock.Clock

	registry discovery.Registry
	service  string
	instance discovery.Instance
	ttl      int64

	heartbeat time.Duration
	maxMissed int
}

type Option func(*options)

// WithQueue subscribes within queue group q, so co-located servers share the load.
func WithQueue(q string) Option {
	return func(o *options) { o.queue = q }
}

// WithWorkers sets how many requests are processed concurrently.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueSize bounds the work queue. A full queue blocks bus delivery.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithHighWatermark sets the queueing latency above which a request logs a
// "consumer may be backed up" warning.
func WithHighWatermark(d time.Duration) Option {
	return func(o *options) { o.watermark = d }
}

// WithStopTimeout bounds how long Stop waits for in-flight requests.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) { o.stopTimeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDiscovery advertises the server under service while it serves. Subject and
// Queue of inst default to the server's own.
func WithDiscovery(reg discovery.Registry, service string, inst discovery.Instance, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		o.service = service
		o.instance = inst
		o.ttl = ttl
	}
}

// WithHeartbeat sets the session ping interval of a StatefulServer; zero
// disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithMaxMissed sets how many ping intervals a session may stay silent.
func WithMaxMissed(n int) Option {
	return func(o *options) { o.maxMissed = n }
}

func newOptions(opts []Option) *options {
	o := &options{
		workers:     DefaultWorkers,
		queueSize:   DefaultQueueSize,
		watermark:   DefaultHighWatermark,
		stopTimeout: DefaultStopTimeout,
		logger:      zap.NewNop(),
		clock:       clock.New(),
		ttl:         DefaultLeaseTTL,
		heartbeat:   DefaultHeartbeat,
		maxMissed:   heartbeat.DefaultMaxMissed,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
