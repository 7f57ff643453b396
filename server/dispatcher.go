package server

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/metrics"
	"nats-rpc/protocol"
	"nats-rpc/transport"
)

// dispatcher is the request path shared by Server and StatefulServer:
//
//	bus handler → enqueue(frame, arrival, reply) → worker
//	  → watermark check → unframe → Processor → frame response → publish to reply
type dispatcher struct {
	bus       bus.Bus
	processor Processor
	pool      *pool
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	watermark time.Duration
	limit     int
}

func newDispatcher(b bus.Bus, p Processor, o *options, logger *zap.Logger) *dispatcher {
	limit := 0
	if mp := b.MaxPayload(); mp > 0 {
		limit = mp - protocol.FrameSizeLen
	}
	return &dispatcher{
		bus:       b,
		processor: p,
		pool:      newPool(o.workers, o.queueSize),
		logger:    logger,
		metrics:   o.metrics,
		clock:     o.clock,
		watermark: o.watermark,
		limit:     limit,
	}
}

type request struct {
	frame   []byte
	arrived time.Time
	reply   string
}

// enqueue blocks while the work queue is full.
func (d *dispatcher) enqueue(frame []byte, reply string) {
	r := request{frame: frame, arrived: d.clock.Now(), reply: reply}
	if !d.pool.submit(func(ctx context.Context) { d.handle(ctx, r) }) {
		d.metrics.Job(metrics.OutcomeDropped)
		d.logger.Debug("server stopping, dropping request", zap.String("reply", reply))
	}
}

func (d *dispatcher) handle(ctx context.Context, r request) {
	latency := d.clock.Since(r.arrived)
	backedUp := d.watermark > 0 && latency > d.watermark
	d.metrics.QueueLatency(latency, backedUp)
	if backedUp {
		d.logger.Warn("consumer may be backed up",
			zap.Duration("latency", latency),
			zap.Duration("watermark", d.watermark))
	}

	outcome, err := d.process(ctx, r)
	d.metrics.Job(outcome)
	if err != nil {
		d.logger.Error("request failed", zap.String("reply", r.reply), zap.Error(err))
	}
}

func (d *dispatcher) process(ctx context.Context, r request) (string, error) {
	payload, err := protocol.Unframe(r.frame)
	if err != nil {
		return metrics.OutcomeError, err
	}
	headers, n, err := protocol.DecodeHeaders(payload)
	if err != nil {
		return metrics.OutcomeError, err
	}
	call := &Call{
		Headers:         headers,
		Body:            payload[n:],
		ResponseHeaders: make(map[string]string),
	}

	out := protocol.NewBuffer(d.limit)
	if err := d.processor.Process(ctx, call, out); err != nil {
		return metrics.OutcomeError, err
	}
	opID, twoWay := headers[transport.OperationIDHeader]
	if out.Len() == 0 || !twoWay {
		return metrics.OutcomeOneway, nil
	}

	respHeaders := call.ResponseHeaders
	respHeaders[transport.OperationIDHeader] = opID
	if cid, ok := headers[transport.CorrelationIDHeader]; ok {
		respHeaders[transport.CorrelationIDHeader] = cid
	}
	resp := protocol.NewBuffer(d.limit)
	if _, err := resp.Write(protocol.EncodeHeaders(respHeaders)); err != nil {
		return metrics.OutcomeError, err
	}
	if _, err := resp.Write(out.Bytes()); err != nil {
		return metrics.OutcomeError, err
	}
	if err := d.bus.Publish(r.reply, resp.Frame()); err != nil {
		return metrics.OutcomeError, err
	}
	return metrics.OutcomeOK, nil
}
