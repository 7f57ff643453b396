package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nats-rpc/message"
)

// Logging logs every call with its duration, and its error if it failed.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Bool("oneway", req.Oneway),
			}
			switch {
			case err != nil:
				logger.Warn("rpc failed", append(fields, zap.Error(err))...)
			case resp != nil && resp.Failed():
				logger.Warn("rpc failed", append(fields, zap.String("error", resp.Error))...)
			default:
				logger.Debug("rpc", fields...)
			}
			return resp, err
		}
	}
}
