package transport

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/protocol"
)

// Registry correlates in-flight requests with their responses by operation id.
//
//	goroutine-1 ──Request(opid=1)──┐
//	goroutine-2 ──Request(opid=2)──┼──→ one bus subject ──→ Server
//	goroutine-3 ──Request(opid=3)──┘
//
//	Execute:  ←── frame(_opid=2) → entries[2] chan ← frame → goroutine-2 wakes up
//
// Entries live in a sync.Map: it is hit by every request and every inbound frame
// from many goroutines at once, and keys are written once and read many times.
type Registry struct {
	entries sync.Map // map[uint64]*entry
	logger  *zap.Logger
}

// entry is a placeholder while ch is nil.
type entry struct {
	ch chan<- []byte
}

// NewRegistry returns an empty registry that logs through logger (nil for none).
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// AssignOperationID gives c a new operation id and reserves a placeholder for it.
// It fails with ErrAlreadyRegistered while c's previous request is still registered.
func (r *Registry) AssignOperationID(c *Context) error {
	if c.opID != 0 {
		if _, ok := r.entries.Load(c.opID); ok {
			return errors.Wrapf(ErrAlreadyRegistered, "operation id %d", c.opID)
		}
	}
	c.opID = nextOperationID()
	r.entries.Store(c.opID, &entry{})
	return nil
}

// Register attaches the delivery channel for c's operation id, replacing its
// placeholder. ch should have capacity 1; Execute never blocks on it.
func (r *Registry) Register(c *Context, ch chan<- []byte) {
	r.entries.Store(c.opID, &entry{ch: ch})
}

// Unregister removes c's entry. Unregistering an absent or nil Context is a no-op.
func (r *Registry) Unregister(c *Context) {
	if c == nil {
		return
	}
	r.entries.Delete(c.opID)
}

// Execute routes an inbound frame to the request waiting for it.
//
// A frame without a usable operation id is a protocol error returned to the
// caller of Execute; the waiting request is not told. A frame for an id with no
// entry (the request timed out or was abandoned) is dropped.
func (r *Registry) Execute(frame []byte) error {
	headers, _, err := protocol.DecodeFrame(frame)
	if err != nil {
		return err
	}
	raw, ok := headers[OperationIDHeader]
	if !ok {
		return errors.Wrap(protocol.ErrProtocolViolation, "frame has no operation id")
	}
	opID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return errors.Wrapf(protocol.ErrProtocolViolation, "invalid operation id %q", raw)
	}

	v, ok := r.entries.Load(opID)
	if !ok || v.(*entry).ch == nil {
		r.logger.Info("dropping response for unregistered operation", zap.Uint64("opid", opID))
		return nil
	}
	select {
	case v.(*entry).ch <- frame:
	default:
		r.logger.Warn("dropping duplicate response", zap.Uint64("opid", opID))
	}
	return nil
}

// Close pushes the poison pill (a nil frame) to every registered request and
// empties the registry.
func (r *Registry) Close() {
	r.entries.Range(func(key, value any) bool {
		if ch := value.(*entry).ch; ch != nil {
			select {
			case ch <- nil:
			default:
			}
		}
		r.entries.Delete(key)
		return true
	})
}

// Len returns the number of entries, placeholders included.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
