package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"nats-rpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit 创建一个基于令牌桶算法的限流中间件: r tokens per second, bursts of burst.
// Calls over the limit fail with ErrRateLimited without reaching next.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
