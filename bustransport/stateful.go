package bustransport

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/heartbeat"
	"nats-rpc/protocol"
	"nats-rpc/transport"
)

// ErrHeartbeatLost is the close cause of a stateful connection whose server
// stopped pinging.
var ErrHeartbeatLost = errors.New("bustransport: heartbeat lost")

// Stateful is a connection to a session server. Open performs the handshake:
//
//	client                                   server
//	  │ request connect {"version":0,"listen":L} │
//	  │ ───────────────────────────────────────→ │ new session
//	  │ reply-to=W  "hbListen hbReply ms"        │
//	  │ ←─────────────────────────────────────── │
//	  │ data frames published to W, answered on L│
//	  │ pings on hbListen, pongs to hbReply      │
//
// The connection closes itself after maxMissed intervals without a ping,
// publishing DISCONNECT to the server first.
type Stateful struct {
	*transport.Base

	bus     bus.Bus
	connect string
	opts    *options
	logger  *zap.Logger

	mu           sync.Mutex
	buf          *protocol.Buffer
	listen       string
	writeTo      string
	heartbeat    Heartbeat
	subs         []bus.Subscription
	liveness     *heartbeat.Liveness
	cancelNotify func()
	peerGone     bool
}

// NewStateful returns a closed connection to the session server accepting
// handshakes on connectSubject.
func NewStateful(b bus.Bus, connectSubject string, opts ...Option) *Stateful {
	o := newOptions(opts)
	s := &Stateful{
		bus:     b,
		connect: connectSubject,
		opts:    o,
		logger:  o.logger.With(zap.String("connect", connectSubject)),
	}
	s.Base = transport.NewBase(s, o.baseOptions()...)
	return s
}

// WriteSubject returns the per-connection subject requests are published to,
// empty while closed.
func (s *Stateful) WriteSubject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeTo
}

// Heartbeat returns the heartbeat setup agreed in the last handshake.
func (s *Stateful) Heartbeat() Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeat
}

// MissedHeartbeats returns the consecutive missed ping count.
func (s *Stateful) MissedHeartbeats() int {
	s.mu.Lock()
	l := s.liveness
	s.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.Missed()
}

// Dial performs the connect handshake. Called by Base.Open.
func (s *Stateful) Dial(ctx context.Context) error {
	listen := s.bus.NewInbox()
	dataSub, err := s.bus.Subscribe(listen, s.onData)
	if err != nil {
		return err
	}
	subs := []bus.Subscription{dataSub}
	fail := func(err error) error {
		unsubscribeAll(subs)
		return err
	}

	req, err := Handshake{Version: HandshakeVersion, Listen: listen}.Marshal()
	if err != nil {
		return fail(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.connectTimeout)
	defer cancel()
	reply, err := s.bus.Request(ctx, s.connect, req)
	if err != nil {
		return fail(errors.Wrapf(err, "handshake with %s", s.connect))
	}
	if reply.Reply == "" {
		return fail(errors.Wrap(protocol.ErrProtocolViolation, "handshake reply without write subject"))
	}
	hb, err := ParseHeartbeat(reply.Data)
	if err != nil {
		return fail(err)
	}

	var liveness *heartbeat.Liveness
	if hb.Interval > 0 {
		pingSub, err := s.bus.Subscribe(hb.Listen, s.onPing(hb.Reply))
		if err != nil {
			return fail(err)
		}
		subs = append(subs, pingSub)
		liveness = heartbeat.NewLiveness(hb.Interval, s.heartbeatLost,
			heartbeat.WithClock(s.opts.clock),
			heartbeat.WithMaxMissed(s.opts.maxMissed),
			heartbeat.OnMiss(func(missed int) {
				s.opts.metrics.HeartbeatMissed("client")
				s.logger.Debug("heartbeat missed", zap.Int("missed", missed))
			}),
		)
	}

	s.mu.Lock()
	s.listen = listen
	s.writeTo = reply.Reply
	s.heartbeat = hb
	s.subs = subs
	s.liveness = liveness
	s.peerGone = false
	s.buf = protocol.NewBuffer(requestLimit(s.bus.MaxPayload()))
	s.cancelNotify = s.bus.NotifyDisconnect(func(err error) {
		_ = s.CloseWithCause(errors.Wrap(err, "bus disconnected"))
	})
	s.mu.Unlock()

	s.logger.Info("stateful transport open",
		zap.String("write", reply.Reply),
		zap.Duration("heartbeat", hb.Interval))
	return nil
}

// Hangup tells the server the connection is over, unless the server said so
// first, and releases the subscriptions. Called by Base.
func (s *Stateful) Hangup() error {
	s.mu.Lock()
	subs, liveness, cancel := s.subs, s.liveness, s.cancelNotify
	writeTo, peerGone := s.writeTo, s.peerGone
	s.subs, s.liveness, s.cancelNotify = nil, nil, nil
	s.writeTo, s.listen, s.buf = "", "", nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if liveness != nil {
		liveness.Stop()
	}
	var err error
	if writeTo != "" && !peerGone {
		err = s.bus.PublishRequest(writeTo, DisconnectSignal, nil)
	}
	unsubscribeAll(subs)
	return err
}

// Send publishes one framed request to the session's write subject. Called by Base.
func (s *Stateful) Send(payload []byte) error {
	s.mu.Lock()
	if s.buf == nil {
		s.mu.Unlock()
		return transport.ErrNotOpen
	}
	if _, err := s.buf.Write(payload); err != nil {
		s.mu.Unlock()
		return err
	}
	frame := s.buf.Frame()
	writeTo, listen := s.writeTo, s.listen
	s.mu.Unlock()

	if err := s.bus.PublishRequest(writeTo, listen, frame); err != nil {
		return errors.Wrapf(err, "publish to %s", writeTo)
	}
	return nil
}

func (s *Stateful) onData(msg *bus.Msg) {
	if msg.Reply == DisconnectSignal {
		s.mu.Lock()
		s.peerGone = true
		s.mu.Unlock()
		s.logger.Info("server ended the session")
		_ = s.CloseWithCause(io.EOF)
		return
	}
	if err := s.Registry().Execute(msg.Data); err != nil {
		s.logger.Warn("dropping bad response", zap.Error(err))
	}
}

func (s *Stateful) onPing(replyTo string) bus.Handler {
	return func(msg *bus.Msg) {
		s.mu.Lock()
		l := s.liveness
		s.mu.Unlock()
		if l != nil {
			l.Beat()
		}
		if err := s.bus.Publish(replyTo, msg.Data); err != nil {
			s.logger.Debug("heartbeat reply failed", zap.Error(err))
		}
	}
}

func (s *Stateful) heartbeatLost() {
	s.logger.Warn("no heartbeat from server, closing", zap.Int("max_missed", s.opts.maxMissed))
	_ = s.CloseWithCause(ErrHeartbeatLost)
}

func unsubscribeAll(subs []bus.Subscription) {
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
