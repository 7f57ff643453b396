// Package client is the calling side of nats-rpc: it turns Call("Service.Method",
// args, reply) into an RPCMessage envelope, sends it over a transport and decodes
// the reply.
//
// A Client either talks to one Requester (New) or resolves the service subject
// for every call through a discovery.Registry and a loadbalance.Balancer
// (NewWithDiscovery), keeping one open transport per subject.
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/bustransport"
	"nats-rpc/codec"
	"nats-rpc/discovery"
	"nats-rpc/loadbalance"
	"nats-rpc/message"
	"nats-rpc/middleware"
	"nats-rpc/transport"
)

var (
	ErrInvalidMethod = errors.New("client: invalid service method format")
	ErrClientClosed  = errors.New("client: closed")
)

// ServerError is an error returned by the remote method.
type ServerError struct {
	Method  string
	Message string
}

func (e *ServerError) Error() string {
	return "rpc: " + e.Method + ": " + e.Message
}

// Transport is a transport the client opens and closes itself.
type Transport interface {
	transport.Requester
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
}

// Dialer creates a closed transport to subject.
type Dialer func(subject string) (Transport, error)

// StatelessDialer dials bustransport.Stateless transports on b.
func StatelessDialer(b bus.Bus, opts ...bustransport.Option) Dialer {
	return func(subject string) (Transport, error) {
		return bustransport.NewStateless(b, subject, opts...), nil
	}
}

type Client struct {
	envelope codec.Codec
	payload  codec.Codec
	logger   *zap.Logger
	timeout  time.Duration
	handler  middleware.HandlerFunc

	requester transport.Requester

	registry discovery.Registry
	balancer loadbalance.Balancer
	dial     Dialer

	mu         sync.Mutex
	transports map[string]Transport // one per subject
	closed     bool
}

type Option func(*Client)

// WithEnvelopeCodec sets how the RPCMessage is encoded. It must match the
// server's. Default JSON.
func WithEnvelopeCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.envelope = c }
}

// WithPayloadCodec sets how args and replies are encoded. Default JSON.
func WithPayloadCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.payload = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// WithTimeout sets the timeout of the Context that Call and Notify create.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithMiddleware wraps every call, outermost first.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(cl *Client) { cl.handler = middleware.Chain(mw...)(cl.handler) }
}

func newClient(opts []Option) *Client {
	c := &Client{
		envelope:   &codec.JSONCodec{},
		payload:    &codec.JSONCodec{},
		logger:     zap.NewNop(),
		timeout:    transport.DefaultTimeout,
		transports: make(map[string]Transport),
	}
	c.handler = c.roundTrip
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New returns a client that sends every call over r. The caller keeps
// ownership of r.
func New(r transport.Requester, opts ...Option) *Client {
	c := newClient(opts)
	c.requester = r
	return c
}

// NewWithDiscovery returns a client that looks up the instances of a call's
// service in reg, picks one with bal and sends the call to its subject over a
// transport created by dial.
func NewWithDiscovery(reg discovery.Registry, bal loadbalance.Balancer, dial Dialer, opts ...Option) *Client {
	c := newClient(opts)
	c.registry = reg
	c.balancer = bal
	c.dial = dial
	return c
}

// Call invokes serviceMethod with args and decodes the result into reply.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	return c.CallContext(ctx, c.newContext(), serviceMethod, args, reply)
}

// Notify invokes serviceMethod without waiting for, or getting, a response.
func (c *Client) Notify(ctx context.Context, serviceMethod string, args any) error {
	_, err := c.invoke(ctx, c.newContext(), serviceMethod, args, true)
	return err
}

// CallContext is Call with an explicit transport Context, for a caller that
// sets the correlation id, request headers or timeout, or reads the response
// headers afterwards.
func (c *Client) CallContext(ctx context.Context, tc *transport.Context, serviceMethod string, args, reply any) error {
	resp, err := c.invoke(ctx, tc, serviceMethod, args, false)
	if err != nil {
		return err
	}
	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := c.payload.Decode(resp.Payload, reply); err != nil {
		return errors.Wrapf(err, "decode reply of %s", serviceMethod)
	}
	return nil
}

func (c *Client) newContext() *transport.Context {
	tc := transport.NewContext()
	tc.SetTimeout(c.timeout)
	return tc
}

func (c *Client) invoke(ctx context.Context, tc *transport.Context, serviceMethod string, args any, oneway bool) (*message.RPCMessage, error) {
	if _, _, ok := splitMethod(serviceMethod); !ok {
		return nil, errors.Wrapf(ErrInvalidMethod, "%q", serviceMethod)
	}
	payload, err := c.payload.Encode(args)
	if err != nil {
		return nil, errors.Wrapf(err, "encode args of %s", serviceMethod)
	}
	req := &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload, Oneway: oneway}

	resp, err := c.handler(withTransportContext(ctx, tc), req)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Failed() {
		return nil, &ServerError{Method: serviceMethod, Message: resp.Error}
	}
	if resp == nil {
		resp = &message.RPCMessage{ServiceMethod: serviceMethod}
	}
	return resp, nil
}

// roundTrip is the innermost handler: envelope → transport → envelope.
func (c *Client) roundTrip(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	tc := transportContext(ctx)
	r, err := c.requesterFor(ctx, req.ServiceMethod, tc.CorrelationID())
	if err != nil {
		return nil, err
	}
	body, err := c.envelope.Encode(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}

	respBody, err := r.Request(ctx, tc, req.Oneway, body)
	if err != nil {
		return nil, err
	}
	if req.Oneway {
		return nil, nil
	}
	var resp message.RPCMessage
	if err := c.envelope.Decode(respBody, &resp); err != nil {
		return nil, errors.Wrap(err, "decode response envelope")
	}
	return &resp, nil
}

func (c *Client) requesterFor(ctx context.Context, serviceMethod, key string) (transport.Requester, error) {
	if c.requester != nil {
		return c.requester, nil
	}
	service, _, _ := splitMethod(serviceMethod)
	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}
	inst, err := c.balancer.Pick(key, instances)
	if err != nil {
		return nil, errors.Wrapf(err, "pick %s", service)
	}
	return c.transportFor(ctx, inst.Subject)
}

// transportFor returns the open transport to subject, dialing a new one if
// there is none or the cached one has closed. The dial runs without c.mu held,
// so a slow handshake to one subject does not hold up calls to the others.
func (c *Client) transportFor(ctx context.Context, subject string) (Transport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if t, ok := c.transports[subject]; ok {
		if t.IsOpen() {
			c.mu.Unlock()
			return t, nil
		}
		_ = t.Close()
		delete(c.transports, subject)
	}
	c.mu.Unlock()

	t, err := c.dial(subject)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", subject)
	}
	if err := t.Open(ctx); err != nil {
		return nil, errors.Wrapf(err, "open %s", subject)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = t.Close()
		return nil, ErrClientClosed
	}
	if cur, ok := c.transports[subject]; ok && cur.IsOpen() {
		// another call dialed subject meanwhile
		_ = t.Close()
		return cur, nil
	}
	c.transports[subject] = t
	c.logger.Debug("transport opened", zap.String("subject", subject))
	return t, nil
}

// Close closes every transport the client dialed. It does not close a
// Requester given to New.
func (c *Client) Close() error {
	c.mu.Lock()
	transports := c.transports
	c.transports = make(map[string]Transport)
	c.closed = true
	c.mu.Unlock()

	var first error
	for subject, t := range transports {
		if err := t.Close(); err != nil {
			c.logger.Warn("close transport", zap.String("subject", subject), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func splitMethod(serviceMethod string) (service, method string, ok bool) {
	service, method, ok = strings.Cut(serviceMethod, ".")
	return service, method, ok && service != "" && method != "" && !strings.Contains(method, ".")
}

type contextKey struct{}

func withTransportContext(ctx context.Context, tc *transport.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// transportContext returns the transport Context of the call in ctx. Middleware
// that retries a call reuses it, which is fine for sequential attempts.
func transportContext(ctx context.Context) *transport.Context {
	if tc, ok := ctx.Value(contextKey{}).(*transport.Context); ok {
		return tc
	}
	return transport.NewContext()
}
