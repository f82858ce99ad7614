package pool

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// BenchmarkPool_TaskCycle measures one acquire, start and finish on a warm
// pool, i.e. the bookkeeping cost per dispatched task.
func BenchmarkPool_TaskCycle(b *testing.B) {
	p := New(WithLogger(discardLogger))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pod, err := p.Acquire("wo-bench", domain.RoleBackend, 4)
		if err != nil {
			b.Fatal(err)
		}
		if err := p.Start(pod.ID, "t1"); err != nil {
			b.Fatal(err)
		}
		if err := p.Finish(pod.ID, nil); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPool_TaskCycle_Parallel runs many work orders against one pool.
func BenchmarkPool_TaskCycle_Parallel(b *testing.B) {
	p := New(WithLogger(discardLogger))

	b.RunParallel(func(pb *testing.PB) {
		woID := fmt.Sprintf("wo-%p", pb)
		for pb.Next() {
			pod, err := p.Acquire(woID, domain.RoleFrontend, 2)
			if err != nil {
				b.Error(err)
				return
			}
			_ = p.Start(pod.ID, "t1")
			_ = p.Finish(pod.ID, nil)
		}
		p.Release(woID)
	})
}
