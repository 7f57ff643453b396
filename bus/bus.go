// Package bus is the message-bus capability the transports and servers are built
// on: subject-addressed publish, (queue) subscribe, request/reply through unique
// inboxes, and connection state.
//
// NATS adapts a *nats.Conn. Memory is an in-process bus with the same delivery
// semantics, used by tests and by processes that embed client and server.
package bus

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected  = errors.New("bus: not connected")
	ErrClosed        = errors.New("bus: closed")
	ErrNoResponders  = errors.New("bus: no responders")
	ErrPayloadTooBig = errors.New("bus: payload exceeds max payload")
)

// Msg is one message as delivered to a Handler.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler is invoked for every message on a subscription. Messages of one
// subscription are delivered in order, one at a time.
type Handler func(msg *Msg)

type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// Bus is implemented by NATS and Memory.
type Bus interface {
	Publish(subject string, data []byte) error
	// PublishRequest publishes with reply as the reply-to subject.
	PublishRequest(subject, reply string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	// QueueSubscribe joins queue: each message goes to exactly one member.
	QueueSubscribe(subject, queue string, h Handler) (Subscription, error)
	// Request publishes data on subject and waits for the first reply, until ctx is done.
	Request(ctx context.Context, subject string, data []byte) (*Msg, error)
	NewInbox() string
	// MaxPayload is the largest message the bus accepts, in bytes.
	MaxPayload() int
	IsConnected() bool
	// NotifyDisconnect registers fn to run whenever the connection is lost or
	// closed. The returned func unregisters it.
	NotifyDisconnect(fn func(err error)) (cancel func())
	Close() error
}
