package client

import (
	"context"
	"testing"

	"nats-rpc/bus"
	"nats-rpc/bustransport"
	"nats-rpc/server"
)

// ---- Setup 公共函数 ----

func setupBench(b *testing.B, workers int) *Client {
	mem := bus.NewMemory()
	b.Cleanup(func() { mem.Close() })

	p := server.NewServiceProcessor()
	if err := p.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	svr := server.NewServer(mem, "arith", p, server.WithWorkers(workers))
	if err := svr.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { svr.Stop() })

	tr := bustransport.NewStateless(mem, "arith")
	if err := tr.Open(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { tr.Close() })
	return New(tr)
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupBench(b, 1)
	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(context.Background(), "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用，共用一个 transport
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBench(b, 8)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(context.Background(), "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
