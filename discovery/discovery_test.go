package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegisterAndDiscover(t *testing.T) {
	reg := NewStatic()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "Arith", Instance{Subject: "arith.b", Weight: 5}, 10))
	require.NoError(t, reg.Register(ctx, "Arith", Instance{Subject: "arith.a", Weight: 10}, 10))

	instances, err := reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "arith.a", instances[0].Subject)

	require.NoError(t, reg.Deregister(ctx, "Arith", "arith.a"))
	instances, err = reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.Equal(t, []Instance{{Subject: "arith.b", Weight: 5}}, instances)

	instances, err = reg.Discover(ctx, "Unknown")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestStaticWatch(t *testing.T) {
	reg := NewStatic()
	ctx, cancel := context.WithCancel(context.Background())
	ch := reg.Watch(ctx, "Arith")

	require.NoError(t, reg.Register(context.Background(), "Arith", Instance{Subject: "arith.a"}, 10))
	select {
	case list := <-ch:
		assert.Len(t, list, 1)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func etcdEndpoints(t *testing.T) []string {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	return strings.Split(endpoints, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 2*time.Second, nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	service := "Arith-" + uuid.NewString()
	inst1 := Instance{Subject: "arith.1", Weight: 10, Version: "1.0"}
	inst2 := Instance{Subject: "arith.2", Queue: "arith", Weight: 5, Version: "1.0"}

	require.NoError(t, reg.Register(ctx, service, inst1, 10))
	require.NoError(t, reg.Register(ctx, service, inst2, 10))

	instances, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Instance{inst1, inst2}, instances)

	watch := reg.Watch(ctx, service)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, reg.Deregister(ctx, service, inst1.Subject))
	select {
	case list := <-watch:
		assert.Equal(t, []Instance{inst2}, list)
	case <-ctx.Done():
		t.Fatal("no watch update after deregister")
	}

	require.NoError(t, reg.Deregister(ctx, service, inst2.Subject))
}
