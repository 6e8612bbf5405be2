package scheduler

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolParallelForCoversAllIndices(t *testing.T) {
	pool := NewPool(4)
	var sum int64
	n := 257
	err := pool.ParallelFor(context.Background(), n, 32, func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			atomic.AddInt64(&sum, int64(i))
		}
		return nil
	})
	require.NoError(t, err)
	want := int64(n * (n - 1) / 2)
	assert.Equal(t, want, sum)
}

func TestSerialMatchesPool(t *testing.T) {
	n := 500
	serial := NewSerial()
	pool := NewPool(8)

	run := func(s Scheduler) []int {
		out := make([]int, n)
		_ = s.ParallelFor(context.Background(), n, BatchChunkSize(n, 4), func(ctx context.Context, lo, hi int) error {
			for i := lo; i < hi; i++ {
				out[i] = i * i
			}
			return nil
		})
		return out
	}

	assert.Equal(t, run(serial), run(pool))
}

func TestBatchChunkSize(t *testing.T) {
	assert.Equal(t, 10, BatchChunkSize(10, 4))
	assert.Equal(t, 16, BatchChunkSize(100, 8))
	assert.Equal(t, 64, BatchChunkSize(1024, 8))
}

func TestSpawnPropagatesError(t *testing.T) {
	pool := NewPool(2)
	boom := assertErr("boom")
	h := pool.Spawn(context.Background(), func(ctx context.Context) error { return boom })
	assert.Equal(t, boom, h.Wait())
}

type assertErrT string

func (e assertErrT) Error() string { return string(e) }

func assertErr(s string) error { return assertErrT(s) }
