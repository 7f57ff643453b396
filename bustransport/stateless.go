package bustransport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/protocol"
	"nats-rpc/transport"
)

// Stateless sends every request to a service subject with its own inbox as the
// reply-to. Any server subscribed to the subject (or one member of its queue
// group) answers; there is no session to set up or tear down.
type Stateless struct {
	*transport.Base

	bus     bus.Bus
	subject string
	logger  *zap.Logger

	mu           sync.Mutex
	buf          *protocol.Buffer
	inbox        string
	sub          bus.Subscription
	cancelNotify func()
}

func NewStateless(b bus.Bus, subject string, opts ...Option) *Stateless {
	o := newOptions(opts)
	s := &Stateless{
		bus:     b,
		subject: subject,
		logger:  o.logger.With(zap.String("subject", subject)),
	}
	s.Base = transport.NewBase(s, o.baseOptions()...)
	return s
}

// Subject returns the service subject requests are published to.
func (s *Stateless) Subject() string { return s.subject }

// Inbox returns the subject responses arrive on, empty while closed.
func (s *Stateless) Inbox() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbox
}

// Dial subscribes a fresh inbox. Called by Base.Open.
func (s *Stateless) Dial(ctx context.Context) error {
	if !s.bus.IsConnected() {
		return errors.Wrap(bus.ErrNotConnected, "dial")
	}
	inbox := s.bus.NewInbox()
	sub, err := s.bus.Subscribe(inbox, s.onResponse)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.inbox = inbox
	s.sub = sub
	s.buf = protocol.NewBuffer(requestLimit(s.bus.MaxPayload()))
	s.cancelNotify = s.bus.NotifyDisconnect(func(err error) {
		_ = s.CloseWithCause(errors.Wrap(err, "bus disconnected"))
	})
	s.mu.Unlock()
	s.logger.Debug("stateless transport open", zap.String("inbox", inbox))
	return nil
}

// Hangup releases the inbox. Called by Base.
func (s *Stateless) Hangup() error {
	s.mu.Lock()
	sub, cancel := s.sub, s.cancelNotify
	s.sub, s.cancelNotify, s.inbox = nil, nil, ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// Send publishes one framed request. Called by Base.
func (s *Stateless) Send(payload []byte) error {
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
	inbox := s.inbox
	s.mu.Unlock()

	if err := s.bus.PublishRequest(s.subject, inbox, frame); err != nil {
		return errors.Wrapf(err, "publish to %s", s.subject)
	}
	return nil
}

func (s *Stateless) onResponse(msg *bus.Msg) {
	if err := s.Registry().Execute(msg.Data); err != nil {
		s.logger.Warn("dropping bad response", zap.Error(err))
	}
}
