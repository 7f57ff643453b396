package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultMaxPayload matches the NATS server default.
	DefaultMaxPayload = 1 << 20

	pendingLimit = 4096
)

// Memory is an in-process Bus. Subjects match exactly; queue groups receive
// round-robin. Each subscription has its own delivery goroutine and a bounded
// pending queue; like a slow NATS consumer, a full queue drops messages.
type Memory struct {
	maxPayload int
	logger     *zap.Logger

	mu        sync.RWMutex
	subs      map[string]*memSubject
	connected bool
	closed    bool
	listeners map[int]func(error)
	nextID    int
}

type memSubject struct {
	plain  []*memSub
	queues map[string]*memQueue
}

type memQueue struct {
	members []*memSub
	next    int
}

type MemoryOption func(*Memory)

func WithMaxPayload(n int) MemoryOption {
	return func(m *Memory) { m.maxPayload = n }
}

func WithMemoryLogger(logger *zap.Logger) MemoryOption {
	return func(m *Memory) { m.logger = logger }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		maxPayload: DefaultMaxPayload,
		logger:     zap.NewNop(),
		subs:       make(map[string]*memSubject),
		connected:  true,
		listeners:  make(map[int]func(error)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Publish(subject string, data []byte) error {
	return m.PublishRequest(subject, "", data)
}

func (m *Memory) PublishRequest(subject, reply string, data []byte) error {
	if len(data) > m.maxPayload {
		return errors.Wrapf(ErrPayloadTooBig, "%d bytes on %s", len(data), subject)
	}
	_, err := m.deliver(&Msg{Subject: subject, Reply: reply, Data: append([]byte(nil), data...)})
	return err
}

// deliver routes msg and reports how many subscriptions it was handed to.
func (m *Memory) deliver(msg *Msg) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if !m.connected {
		return 0, ErrNotConnected
	}
	s, ok := m.subs[msg.Subject]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, sub := range s.plain {
		sub.push(msg)
		n++
	}
	for _, q := range s.queues {
		if len(q.members) == 0 {
			continue
		}
		q.next = (q.next + 1) % len(q.members)
		q.members[q.next].push(msg)
		n++
	}
	return n, nil
}

func (m *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	return m.subscribe(subject, "", h)
}

func (m *Memory) QueueSubscribe(subject, queue string, h Handler) (Subscription, error) {
	return m.subscribe(subject, queue, h)
}

func (m *Memory) subscribe(subject, queue string, h Handler) (*memSub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.subs[subject]
	if !ok {
		s = &memSubject{queues: make(map[string]*memQueue)}
		m.subs[subject] = s
	}
	sub := &memSub{
		bus:     m,
		subject: subject,
		queue:   queue,
		handler: h,
		pending: make(chan *Msg, pendingLimit),
		done:    make(chan struct{}),
	}
	if queue == "" {
		s.plain = append(s.plain, sub)
	} else {
		q, ok := s.queues[queue]
		if !ok {
			q = &memQueue{next: -1}
			s.queues[queue] = q
		}
		q.members = append(q.members, sub)
	}
	go sub.run()
	return sub, nil
}

func (m *Memory) remove(sub *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[sub.subject]
	if !ok {
		return
	}
	if sub.queue == "" {
		s.plain = without(s.plain, sub)
	} else if q, ok := s.queues[sub.queue]; ok {
		q.members = without(q.members, sub)
		if len(q.members) == 0 {
			delete(s.queues, sub.queue)
		}
	}
	if len(s.plain) == 0 && len(s.queues) == 0 {
		delete(m.subs, sub.subject)
	}
}

func (m *Memory) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	inbox := m.NewInbox()
	replies := make(chan *Msg, 1)
	sub, err := m.Subscribe(inbox, func(msg *Msg) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if len(data) > m.maxPayload {
		return nil, errors.Wrapf(ErrPayloadTooBig, "request %s", subject)
	}
	n, err := m.deliver(&Msg{Subject: subject, Reply: inbox, Data: append([]byte(nil), data...)})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrNoResponders, "request %s", subject)
	}
	select {
	case msg := <-replies:
		return msg, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "request %s", subject)
	}
}

func (m *Memory) NewInbox() string {
	return "_INBOX." + uuid.NewString()
}

func (m *Memory) MaxPayload() int { return m.maxPayload }

func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && !m.closed
}

func (m *Memory) NotifyDisconnect(fn func(error)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Disconnect simulates losing the broker: publishes fail with ErrNotConnected
// and listeners are told err. Subscriptions survive, as they do across a NATS
// reconnect.
func (m *Memory) Disconnect(err error) {
	if err == nil {
		err = ErrNotConnected
	}
	m.mu.Lock()
	m.connected = false
	fns := m.listenersLocked()
	m.mu.Unlock()
	m.logger.Warn("memory bus disconnected", zap.Error(err))
	for _, fn := range fns {
		fn(err)
	}
}

// Reconnect ends a simulated outage.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
}

// Close stops every subscription and tells listeners ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memSub
	for _, s := range m.subs {
		subs = append(subs, s.plain...)
		for _, q := range s.queues {
			subs = append(subs, q.members...)
		}
	}
	m.subs = make(map[string]*memSubject)
	fns := m.listenersLocked()
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, fn := range fns {
		fn(ErrClosed)
	}
	return nil
}

func (m *Memory) listenersLocked() []func(error) {
	fns := make([]func(error), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return fns
}

type memSub struct {
	bus     *Memory
	subject string
	queue   string
	handler Handler
	pending chan *Msg
	done    chan struct{}
	once    sync.Once
}

func (s *memSub) Subject() string { return s.subject }

func (s *memSub) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// push is called with the bus lock held and never blocks.
func (s *memSub) push(msg *Msg) {
	select {
	case s.pending <- msg:
	default:
		s.bus.logger.Warn("slow consumer, dropping message", zap.String("subject", s.subject))
	}
}

func (s *memSub) run() {
	for {
		select {
		case msg := <-s.pending:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(msg)
		case <-s.done:
			return
		}
	}
}

func without(subs []*memSub, sub *memSub) []*memSub {
	out := subs[:0]
	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}
