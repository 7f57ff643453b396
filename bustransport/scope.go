package bustransport

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/protocol"
)

// ErrNoTopic is returned by Publisher.Write and Flush outside LockTopic/UnlockTopic.
var ErrNoTopic = errors.New("bustransport: no topic locked")

// Publisher publishes length-framed payloads to prefix+topic. A caller locks a
// topic, writes one payload in as many pieces as it likes, flushes, and unlocks;
// other callers wait for the topic lock, so pieces never interleave.
type Publisher struct {
	bus    bus.Bus
	prefix string
	logger *zap.Logger

	topicMu sync.Mutex // held from LockTopic to UnlockTopic

	mu    sync.Mutex
	topic string
	buf   *protocol.Buffer
}

func NewPublisher(b bus.Bus, prefix string, opts ...Option) *Publisher {
	o := newOptions(opts)
	return &Publisher{
		bus:    b,
		prefix: prefix,
		logger: o.logger.With(zap.String("prefix", prefix)),
		buf:    protocol.NewBuffer(requestLimit(b.MaxPayload())),
	}
}

// LockTopic takes the publisher for topic until UnlockTopic.
func (p *Publisher) LockTopic(topic string) {
	p.topicMu.Lock()
	p.mu.Lock()
	p.topic = topic
	p.buf.Reset()
	p.mu.Unlock()
}

// UnlockTopic discards anything written but not flushed and releases the publisher.
func (p *Publisher) UnlockTopic() {
	p.mu.Lock()
	p.topic = ""
	p.buf.Reset()
	p.mu.Unlock()
	p.topicMu.Unlock()
}

// Write buffers part of the next payload. A write past the bus's payload limit
// fails and empties the buffer.
func (p *Publisher) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic == "" {
		return 0, ErrNoTopic
	}
	return p.buf.Write(b)
}

// Flush publishes the buffered payload as one frame.
func (p *Publisher) Flush() error {
	p.mu.Lock()
	if p.topic == "" {
		p.mu.Unlock()
		return ErrNoTopic
	}
	subject := p.prefix + p.topic
	frame := p.buf.Frame()
	p.mu.Unlock()

	if err := p.bus.Publish(subject, frame); err != nil {
		return errors.Wrapf(err, "publish to %s", subject)
	}
	return nil
}

// Publish sends payload to topic as one frame.
func (p *Publisher) Publish(topic string, payload []byte) error {
	p.LockTopic(topic)
	defer p.UnlockTopic()
	if _, err := p.Write(payload); err != nil {
		return err
	}
	return p.Flush()
}

// Subscriber delivers payloads published to prefix+topic, with the frame prefix
// removed. With WithQueue, subscribers sharing the queue compete for messages.
type Subscriber struct {
	bus    bus.Bus
	prefix string
	queue  string
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]bus.Subscription
}

func NewSubscriber(b bus.Bus, prefix string, opts ...Option) *Subscriber {
	o := newOptions(opts)
	return &Subscriber{
		bus:    b,
		prefix: prefix,
		queue:  o.queue,
		logger: o.logger.With(zap.String("prefix", prefix)),
		subs:   make(map[string]bus.Subscription),
	}
}

// Subscribe calls cb for every payload on topic. Errors from cb and malformed
// frames are logged and dropped; no one is waiting on a pub/sub message.
func (s *Subscriber) Subscribe(topic string, cb func(payload []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[topic]; ok {
		return errors.Errorf("already subscribed to %s", topic)
	}
	subject := s.prefix + topic
	handler := func(msg *bus.Msg) {
		payload, err := protocol.Unframe(msg.Data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := cb(payload); err != nil {
			s.logger.Error("subscriber callback failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	}

	var (
		sub bus.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.bus.QueueSubscribe(subject, s.queue, handler)
	} else {
		sub, err = s.bus.Subscribe(subject, handler)
	}
	if err != nil {
		return err
	}
	s.subs[topic] = sub
	return nil
}

func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Close drops every subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]bus.Subscription)
	s.mu.Unlock()

	var first error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
