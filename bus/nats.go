package bus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NATS is a Bus over a NATS connection.
type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu        sync.Mutex
	listeners map[int]func(error)
	nextID    int
}

type NATSOption func(*natsConfig)

type natsConfig struct {
	logger  *zap.Logger
	options []nats.Option
}

func WithLogger(logger *zap.Logger) NATSOption {
	return func(c *natsConfig) { c.logger = logger }
}

// WithNATSOptions passes options through to nats.Connect.
func WithNATSOptions(opts ...nats.Option) NATSOption {
	return func(c *natsConfig) { c.options = append(c.options, opts...) }
}

// Connect dials url. The client library reconnects forever on its own; every
// loss of connection is still reported to NotifyDisconnect listeners.
func Connect(url string, opts ...NATSOption) (*NATS, error) {
	cfg := &natsConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}
	natsOpts := append([]nats.Option{nats.Name("nats-rpc"), nats.MaxReconnects(-1)}, cfg.options...)
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", url)
	}
	return Wrap(conn, cfg.logger), nil
}

// Wrap adapts an existing connection. It takes over the connection's
// disconnect, reconnect and closed handlers.
func Wrap(conn *nats.Conn, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &NATS{conn: conn, logger: logger, listeners: make(map[int]func(error))}
	conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err == nil {
			err = ErrNotConnected
		}
		n.logger.Warn("nats disconnected", zap.Error(err))
		n.notify(err)
	})
	conn.SetReconnectHandler(func(c *nats.Conn) {
		n.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
	})
	conn.SetClosedHandler(func(*nats.Conn) {
		n.logger.Info("nats connection closed")
		n.notify(ErrClosed)
	})
	return n
}

// Conn returns the underlying connection.
func (n *NATS) Conn() *nats.Conn { return n.conn }

func (n *NATS) Publish(subject string, data []byte) error {
	return n.conn.Publish(subject, data)
}

func (n *NATS) PublishRequest(subject, reply string, data []byte) error {
	return n.conn.PublishRequest(subject, reply, data)
}

func (n *NATS) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(subject, adapt(h))
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", subject)
	}
	return natsSubscription{sub}, nil
}

func (n *NATS) QueueSubscribe(subject, queue string, h Handler) (Subscription, error) {
	sub, err := n.conn.QueueSubscribe(subject, queue, adapt(h))
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s in queue %s", subject, queue)
	}
	return natsSubscription{sub}, nil
}

func (n *NATS) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	msg, err := n.conn.RequestWithContext(ctx, subject, data)
	switch {
	case err == nil:
		return &Msg{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}, nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, errors.Wrapf(ErrNoResponders, "request %s", subject)
	case errors.Is(err, nats.ErrMaxPayload):
		return nil, errors.Wrapf(ErrPayloadTooBig, "request %s", subject)
	default:
		return nil, errors.Wrapf(err, "request %s", subject)
	}
}

func (n *NATS) NewInbox() string { return n.conn.NewInbox() }

func (n *NATS) MaxPayload() int { return int(n.conn.MaxPayload()) }

func (n *NATS) IsConnected() bool { return n.conn.IsConnected() }

func (n *NATS) NotifyDisconnect(fn func(error)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// Close drains the connection so in-flight handlers finish.
func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}

func (n *NATS) notify(err error) {
	n.mu.Lock()
	fns := make([]func(error), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func adapt(h Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		h(&Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Subject() string { return s.sub.Subject }

func (s natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}
