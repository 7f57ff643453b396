// Package server implements the serving side of nats-rpc: a dispatcher that takes
// request frames off a bus subject, runs them through a Processor on a bounded
// worker pool, and publishes the responses to each request's reply subject.
//
// Request processing pipeline:
//
//	bus subscription (optionally in a queue group)
//	  → drop messages without a reply subject
//	  → bounded work queue (full queue blocks delivery)
//	    → worker: watermark check → Processor → response frame → publish to reply
//
// Server serves a subject statelessly. StatefulServer accepts handshaken,
// heartbeat-checked sessions. ServiceProcessor is the Processor that dispatches
// "Service.Method" envelopes to registered receivers.
package server

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/metrics"
)

var ErrServerStopped = errors.New("server: stopped")

// Server dispatches requests published to one subject.
type Server struct {
	bus     bus.Bus
	subject string
	opts    *options
	logger  *zap.Logger
	d       *dispatcher

	mu       sync.Mutex
	sub      bus.Subscription
	started  bool
	stopped  chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func NewServer(b bus.Bus, subject string, p Processor, opts ...Option) *Server {
	o := newOptions(opts)
	logger := o.logger.With(zap.String("subject", subject))
	return &Server{
		bus:     b,
		subject: subject,
		opts:    o,
		logger:  logger,
		d:       newDispatcher(b, p, o, logger),
		stopped: make(chan struct{}),
	}
}

func (s *Server) Subject() string { return s.subject }

// Start subscribes the subject and, with WithDiscovery, advertises the server.
// It returns once requests are being accepted.
func (s *Server) Start(ctx context.Context) error {
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

	handler := func(msg *bus.Msg) {
		if msg.Reply == "" {
			s.d.metrics.Job(metrics.OutcomeDropped)
			s.logger.Debug("dropping message without reply subject")
			return
		}
		s.d.enqueue(msg.Data, msg.Reply)
	}
	var (
		sub bus.Subscription
		err error
	)
	if s.opts.queue != "" {
		sub, err = s.bus.QueueSubscribe(s.subject, s.opts.queue, handler)
	} else {
		sub, err = s.bus.Subscribe(s.subject, handler)
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
	s.logger.Info("serving", zap.String("queue", s.opts.queue), zap.Int("workers", s.opts.workers))
	return nil
}

// Serve starts the server and blocks until Stop is called or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
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

// Stop withdraws the advertisement, lets queued and running requests finish for
// up to the stop timeout, then releases the subscription and unblocks Serve.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		withdraw(s.opts, s.subject, s.logger)
		err := s.d.pool.shutdown(s.opts.stopTimeout)
		if err != nil {
			s.logger.Warn("forced stop", zap.Error(err))
		}

		s.mu.Lock()
		if s.sub != nil {
			if uerr := s.sub.Unsubscribe(); uerr != nil && err == nil {
				err = uerr
			}
			s.sub = nil
		}
		s.mu.Unlock()

		s.stopErr = err
		close(s.stopped)
		s.logger.Info("stopped")
	})
	return s.stopErr
}

func advertise(ctx context.Context, o *options, subject string, logger *zap.Logger) error {
	if o.registry == nil {
		return nil
	}
	inst := o.instance
	if inst.Subject == "" {
		inst.Subject = subject
	}
	if inst.Queue == "" {
		inst.Queue = o.queue
	}
	if err := o.registry.Register(ctx, o.service, inst, o.ttl); err != nil {
		return errors.Wrapf(err, "advertise %s", o.service)
	}
	logger.Info("advertised", zap.String("service", o.service))
	return nil
}

func withdraw(o *options, subject string, logger *zap.Logger) {
	if o.registry == nil {
		return
	}
	if o.instance.Subject != "" {
		subject = o.instance.Subject
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.stopTimeout)
	defer cancel()
	if err := o.registry.Deregister(ctx, o.service, subject); err != nil {
		logger.Warn("withdraw failed", zap.String("service", o.service), zap.Error(err))
	}
}
