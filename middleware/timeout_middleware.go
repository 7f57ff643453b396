package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"nats-rpc/message"
)

var ErrTimeout = errors.New("request timed out")

// Timeout bounds next to timeout. next keeps running in the background after the
// deadline; its ctx is canceled so it can stop early.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *message.RPCMessage
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, errors.Wrapf(ErrTimeout, "%s after %s", req.ServiceMethod, timeout)
			}
		}
	}
}
