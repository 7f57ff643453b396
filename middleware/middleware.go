// Package middleware composes RPC handlers as an onion of decorators:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
//
// The same chain type wraps the server's service dispatch and the client's
// transport call.
package middleware

import (
	"context"

	"nats-rpc/message"
)

// HandlerFunc handles one RPC. On the server a returned error is an application
// error sent back to the caller; on the client it is whatever the call failed with.
type HandlerFunc func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
