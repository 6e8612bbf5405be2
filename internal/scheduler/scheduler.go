// Package scheduler provides the cooperative work scheduler spec.md §5 and
// §9 require be injected rather than assumed: a synchronous core plus a
// Scheduler interface so tests can run everything single-threaded and
// deterministic while production wiring gets real parallelism. Grounded on
// the golang.org/x/sync/errgroup usage pattern in the teacher's
// core/backend/cache/strategies.go and internal/converter/performance.go.
package scheduler

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Scheduler is the trait §9 calls for: "a synchronous data operations plus
// an injected scheduler trait (fn parallel_for, fn spawn)".
type Scheduler interface {
	// Spawn runs fn with ctx (Pool runs it asynchronously, Serial inline),
	// returning a handle whose Wait blocks until fn has returned and
	// reports its error. Cancelling ctx does not make Wait return early;
	// fn has to observe the context itself.
	Spawn(ctx context.Context, fn func(context.Context) error) Handle

	// ParallelFor partitions [0, n) into chunks of at most chunkSize and
	// runs fn(lo, hi) over each chunk, possibly concurrently. It returns
	// the first error encountered (others are discarded, matching
	// errgroup semantics). Pool waits for every chunk to return, cancelling
	// the context passed to them after the first error; Serial stops at
	// the first error. Cancelling ctx does not make either return before
	// the running chunks do.
	ParallelFor(ctx context.Context, n, chunkSize int, fn func(ctx context.Context, lo, hi int) error) error
}

// Handle is a cancellable, awaitable unit of spawned work.
type Handle interface {
	Wait() error
}

// Pool is the production Scheduler: a bounded errgroup-backed pool sized
// off maxWorkers (0 means runtime.GOMAXPROCS(0), i.e. one worker per core —
// the hardware.max_threads_for_field_evaluation configuration key feeds
// this value).
type Pool struct {
	maxWorkers int
}

func NewPool(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Pool{maxWorkers: maxWorkers}
}

type handle struct {
	g   *errgroup.Group
	ctx context.Context
}

func (h *handle) Wait() error { return h.g.Wait() }

func (p *Pool) Spawn(ctx context.Context, fn func(context.Context) error) Handle {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fn(gctx) })
	return &handle{g: g, ctx: gctx}
}

func (p *Pool) ParallelFor(ctx context.Context, n, chunkSize int, fn func(ctx context.Context, lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = n
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)
	for lo := 0; lo < n; lo += chunkSize {
		lo := lo
		hi := lo + chunkSize
		if hi > n {
			hi = n
		}
		g.Go(func() error { return fn(gctx, lo, hi) })
	}
	return g.Wait()
}

// Serial runs every unit of work inline on the calling goroutine, giving
// deterministic single-threaded execution for tests (spec.md §9: "tests
// can run everything single-threaded deterministically").
type Serial struct{}

func NewSerial() *Serial { return &Serial{} }

type serialHandle struct{ err error }

func (h serialHandle) Wait() error { return h.err }

func (s *Serial) Spawn(ctx context.Context, fn func(context.Context) error) Handle {
	return serialHandle{err: fn(ctx)}
}

func (s *Serial) ParallelFor(ctx context.Context, n, chunkSize int, fn func(ctx context.Context, lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = n
	}
	for lo := 0; lo < n; lo += chunkSize {
		hi := lo + chunkSize
		if hi > n {
			hi = n
		}
		if err := fn(ctx, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// BatchChunkSize implements spec.md §4.6's batching rule: for N >= 64 and
// multiple cores available, partition into chunks of max(16, N/(2*cores));
// otherwise run as a single serial chunk.
func BatchChunkSize(n, cores int) int {
	if n < 64 || cores <= 1 {
		return n
	}
	chunk := n / (2 * cores)
	if chunk < 16 {
		chunk = 16
	}
	return chunk
}
