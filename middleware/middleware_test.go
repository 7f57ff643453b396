package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"nats-rpc/message"
	"nats-rpc/transport"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	return req.Reply([]byte("ok"), nil), nil
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	time.Sleep(200 * time.Millisecond)
	return req.Reply([]byte("ok"), nil), nil
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	resp, err := handler(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Payload))

	entries := logs.FilterMessage("rpc").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Arith.Add", entries[0].ContextMap()["method"])
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	failing := func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		return nil, errors.New("divide by zero")
	}
	_, err := Logging(zap.New(core))(failing)(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Div"})
	assert.EqualError(t, err, "divide by zero")
	assert.Equal(t, 1, logs.FilterMessage("rpc failed").Len())
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := Timeout(500 * time.Millisecond)(echoHandler)
	resp, err := handler(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add"})
	require.NoError(t, err)
	assert.False(t, resp.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := Timeout(50 * time.Millisecond)(slowHandler)
	_, err := handler(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add"})
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimit(1, 2)(echoHandler)
	req := &message.RPCMessage{ServiceMethod: "Arith.Add"}

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), req)
		require.NoError(t, err, "request %d should pass", i)
	}
	_, err := handler(context.Background(), req)
	assert.Equal(t, ErrRateLimited, err)
}

func TestRetryRetriesTimeouts(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.Wrap(transport.ErrTimedOut, "flaky")
		}
		return req.Reply([]byte("ok"), nil), nil
	}
	resp, err := Retry(3, time.Millisecond, nil)(flaky)(context.Background(), &message.RPCMessage{})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Payload))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	closed := func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		calls.Add(1)
		return nil, transport.ErrClosed
	}
	_, err := Retry(5, time.Millisecond, nil)(closed)(context.Background(), &message.RPCMessage{})
	assert.Equal(t, transport.ErrClosed, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	down := func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		calls.Add(1)
		return nil, transport.ErrTimedOut
	}
	_, err := Retry(2, time.Millisecond, nil)(down)(context.Background(), &message.RPCMessage{})
	assert.True(t, errors.Is(err, transport.ErrTimedOut))
	assert.Equal(t, int32(3), calls.Load())
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
				order = append(order, name+".before")
				resp, err := next(ctx, req)
				order = append(order, name+".after")
				return resp, err
			}
		}
	}
	handler := Chain(mark("A"), mark("B"), Timeout(500*time.Millisecond))(echoHandler)

	resp, err := handler(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add"})
	require.NoError(t, err)
	assert.False(t, resp.Failed())
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
