package middleware

import (
	"context"
	"time"

	"nats-rpc/message"
	"nats-rpc/transport"
)

// Retry retries a failed call up to maxRetries times, waiting baseDelay,
// 2*baseDelay, 4*baseDelay... between attempts. Only errors for which retryable
// returns true are retried; nil means transport.Retryable, i.e. timeouts.
func Retry(maxRetries int, baseDelay time.Duration, retryable func(error) bool) Middleware {
	if retryable == nil {
		retryable = transport.Retryable
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && retryable(err); i++ {
				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return resp, err
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
