package tenantdb

import (
	"context"
	"testing"
)

// BenchmarkAcquireRelease measures the pool overhead of reusing an idle connection
func BenchmarkAcquireRelease(b *testing.B) {
	ctx := context.Background()

	for _, method := range []RecyclingMethod{RecyclingFast, RecyclingVerified} {
		b.Run(method.String(), func(b *testing.B) {
			pool, err := New(testAddr, DefaultPoolConfig().WithRecyclingMethod(method),
				WithConnector(&fakeConnector{}))
			if err != nil {
				b.Fatal(err)
			}
			defer pool.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					b.Fatal(err)
				}
				conn.Release()
			}
		})
	}
}

// BenchmarkHookOverhead measures the cost of the hook pipeline on the release path
func BenchmarkHookOverhead(b *testing.B) {
	ctx := context.Background()

	b.Run("NoHooks", func(b *testing.B) {
		pool, err := New(testAddr, DefaultPoolConfig().WithRecyclingMethod(RecyclingFast),
			WithConnector(&fakeConnector{}), WithHooks(HookFuncs{}))
		if err != nil {
			b.Fatal(err)
		}
		defer pool.Close()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				b.Fatal(err)
			}
			conn.Release()
		}
	})

	b.Run("CombinedHooks", func(b *testing.B) {
		hooks := CombineHooks(
			DefaultHooks{Logger: NopLogger{}},
			HookFuncs{
				OnPreRecycle:  func(context.Context, *Conn) {},
				OnPostRecycle: func(context.Context, *Conn) {},
			},
		)
		pool, err := New(testAddr, DefaultPoolConfig().WithRecyclingMethod(RecyclingFast),
			WithConnector(&fakeConnector{}), WithHooks(hooks))
		if err != nil {
			b.Fatal(err)
		}
		defer pool.Close()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				b.Fatal(err)
			}
			conn.Release()
		}
	})
}

// BenchmarkContendedAcquire measures FIFO handoff with more callers than slots
func BenchmarkContendedAcquire(b *testing.B) {
	ctx := context.Background()
	pool, err := New(testAddr, DefaultPoolConfig().WithMaxConnections(4).WithRecyclingMethod(RecyclingFast),
		WithConnector(&fakeConnector{}))
	if err != nil {
		b.Fatal(err)
	}
	defer pool.Close()

	b.SetParallelism(4)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				b.Error(err)
				return
			}
			conn.Release()
		}
	})
}
