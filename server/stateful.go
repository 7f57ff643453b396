package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/bustransport"
	"nats-rpc/heartbeat"
)

// StatefulServer accepts connect handshakes on a subject and keeps one session
// per client. Each session has its own data subject, a pinger that publishes
// to the client every heartbeat interval, and an independent Liveness fed by the
// client's pongs. A session ends when the client sends DISCONNECT, or after
// maxMissed silent intervals, in which case the server sends DISCONNECT.
type StatefulServer struct {
	bus     bus.Bus
	subject string
	opts    *options
	logger  *zap.Logger
	d       *dispatcher

	mu       sync.Mutex
	sub      bus.Subscription
	sessions map[string]*session
	started  bool
	stopping bool // set with the sessions swap in Stop; no session is added after
	stopped  chan struct{}
	stopOnce sync.Once
	stopErr  error
}

type session struct {
	data   string // subject the client publishes requests to
	listen string // subject the client receives responses on
	hb     bustransport.Heartbeat

	subs     []bus.Subscription
	pinger   *heartbeat.Pinger
	liveness *heartbeat.Liveness
}

func NewStatefulServer(b bus.Bus, connectSubject string, p Processor, opts ...Option) *StatefulServer {
	o := newOptions(opts)
	logger := o.logger.With(zap.String("connect", connectSubject))
	return &StatefulServer{
		bus:      b,
		subject:  connectSubject,
		opts:     o,
		logger:   logger,
		d:        newDispatcher(b, p, o, logger),
		sessions: make(map[string]*session),
		stopped:  make(chan struct{}),
	}
}

func (s *StatefulServer) Subject() string { return s.subject }

// Sessions returns the number of live sessions.
func (s *StatefulServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start subscribes the connect subject and returns once handshakes are accepted.
func (s *StatefulServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
		return ErrServerStopped
	default:
	}
	if s.started {
		return nil
	}
	var (
		sub bus.Subscription
		err error
	)
	if s.opts.queue != "" {
		sub, err = s.bus.QueueSubscribe(s.subject, s.opts.queue, s.onConnect)
	} else {
		sub, err = s.bus.Subscribe(s.subject, s.onConnect)
	}
	if err != nil {
		return err
	}
	if err := advertise(ctx, s.opts, s.subject, s.logger); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	s.sub = sub
	s.started = true
	s.logger.Info("accepting sessions", zap.Duration("heartbeat", s.opts.heartbeat))
	return nil
}

// Serve starts the server and blocks until Stop is called or ctx is done.
func (s *StatefulServer) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-s.stopped:
		return s.stopErr
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop drains the worker pool, ends every session with DISCONNECT and releases
// the connect subscription.
func (s *StatefulServer) Stop() error {
	s.stopOnce.Do(func() {
		withdraw(s.opts, s.subject, s.logger)
		s.mu.Lock()
		sub := s.sub
		s.sub = nil
		s.mu.Unlock()
		if sub != nil {
			_ = sub.Unsubscribe()
		}

		err := s.d.pool.shutdown(s.opts.stopTimeout)
		if err != nil {
			s.logger.Warn("forced stop", zap.Error(err))
		}

		s.mu.Lock()
		sessions := s.sessions
		s.sessions = make(map[string]*session)
		s.stopping = true
		s.mu.Unlock()
		for _, sess := range sessions {
			s.end(sess, true)
		}

		s.stopErr = err
		close(s.stopped)
		s.logger.Info("stopped")
	})
	return s.stopErr
}

func (s *StatefulServer) onConnect(msg *bus.Msg) {
	if msg.Reply == "" {
		s.logger.Debug("dropping connect request without reply subject")
		return
	}
	hs, err := bustransport.ParseHandshake(msg.Data)
	if err != nil {
		s.logger.Warn("rejecting handshake", zap.Error(err))
		return
	}

	sess := &session{
		data:   s.bus.NewInbox(),
		listen: hs.Listen,
		hb: bustransport.Heartbeat{
			Listen:   s.bus.NewInbox(),
			Reply:    s.bus.NewInbox(),
			Interval: s.opts.heartbeat,
		},
	}
	dataSub, err := s.bus.Subscribe(sess.data, s.onData(sess))
	if err != nil {
		s.logger.Error("session subscribe failed", zap.Error(err))
		return
	}
	sess.subs = append(sess.subs, dataSub)

	if sess.hb.Interval > 0 {
		pongSub, err := s.bus.Subscribe(sess.hb.Reply, func(*bus.Msg) {
			s.mu.Lock()
			l := sess.liveness
			s.mu.Unlock()
			if l != nil {
				l.Beat()
			}
		})
		if err != nil {
			s.logger.Error("session subscribe failed", zap.Error(err))
			_ = dataSub.Unsubscribe()
			return
		}
		sess.subs = append(sess.subs, pongSub)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.end(sess, false)
		return
	}
	if sess.hb.Interval > 0 {
		sess.liveness = heartbeat.NewLiveness(sess.hb.Interval, func() { s.expire(sess) },
			heartbeat.WithClock(s.opts.clock),
			heartbeat.WithMaxMissed(s.opts.maxMissed),
			heartbeat.OnMiss(func(int) { s.d.metrics.HeartbeatMissed("server") }),
		)
		sess.pinger = heartbeat.NewPinger(s.opts.clock, sess.hb.Interval, func() {
			if err := s.bus.Publish(sess.hb.Listen, nil); err != nil {
				s.logger.Debug("ping failed", zap.String("session", sess.data), zap.Error(err))
			}
		})
	}
	s.sessions[sess.data] = sess
	s.mu.Unlock()

	if err := s.bus.PublishRequest(msg.Reply, sess.data, sess.hb.Marshal()); err != nil {
		s.logger.Error("handshake reply failed", zap.Error(err))
		s.remove(sess, false)
		return
	}
	s.logger.Info("session opened", zap.String("session", sess.data), zap.String("client", sess.listen))
}

func (s *StatefulServer) onData(sess *session) bus.Handler {
	return func(msg *bus.Msg) {
		if msg.Reply == bustransport.DisconnectSignal {
			s.logger.Info("client ended the session", zap.String("session", sess.data))
			s.remove(sess, false)
			return
		}
		// responses go to the listen subject from the handshake
		s.d.enqueue(msg.Data, sess.listen)
	}
}

func (s *StatefulServer) expire(sess *session) {
	s.logger.Warn("no heartbeat from client, ending session",
		zap.String("session", sess.data),
		zap.Int("max_missed", s.opts.maxMissed))
	s.remove(sess, true)
}

// remove ends sess if it is still registered.
func (s *StatefulServer) remove(sess *session, notify bool) {
	s.mu.Lock()
	_, ok := s.sessions[sess.data]
	delete(s.sessions, sess.data)
	s.mu.Unlock()
	if ok {
		s.end(sess, notify)
	}
}

func (s *StatefulServer) end(sess *session, notify bool) {
	if sess.pinger != nil {
		sess.pinger.Stop()
	}
	if sess.liveness != nil {
		sess.liveness.Stop()
	}
	if notify {
		if err := s.bus.PublishRequest(sess.listen, bustransport.DisconnectSignal, nil); err != nil {
			s.logger.Debug("disconnect signal failed", zap.String("session", sess.data), zap.Error(err))
		}
	}
	for _, sub := range sess.subs {
		_ = sub.Unsubscribe()
	}
}
