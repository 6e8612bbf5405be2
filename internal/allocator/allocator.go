// Package allocator implements the narrow-band allocator of spec.md §4.2:
// fixed-size, SIMD-aligned blocks of equal-size chunks, pooled per
// material, that keep SDF sample data near interfaces dense while letting
// low-priority regions be evicted or compacted under budget pressure.
//
// Go has no raw pointers into a byte arena the way the original
// NarrowBandAllocator.h does (2_MemoryManagement/Public/NarrowBandAllocator.h);
// a Ptr is the index-based analogue spec.md §9 calls for ("arena-plus-index
// ... cross-references use the index, not a pointer").
package allocator

import (
	"sort"
	"sync"
	"time"

	"github.com/arxos/svoengine/internal/metrics"
	"github.com/arxos/svoengine/internal/svoerr"
)

const (
	// MinBlockSize is the minimum block size (spec.md §4.2: "≥1 MiB").
	MinBlockSize = 1 << 20
	// BlockAlignment is the minimum alignment for vector loads.
	BlockAlignment = 16
	// MinChunkSize / MaxChunkSize bound a block's uniform chunk size class.
	MinChunkSize = 64
	MaxChunkSize = 4096
)

var sizeClasses = []int{64, 128, 256, 512, 1024, 2048, 4096}

// classFor returns the smallest chunk-size class that can hold size, and
// the number of contiguous chunks of that class needed (1 unless size
// exceeds MaxChunkSize, in which case the allocation spans a contiguous
// run of MaxChunkSize chunks, per spec.md §3: "or a contiguous run").
func classFor(size int) (chunkSize, count int) {
	for _, c := range sizeClasses {
		if size <= c {
			return c, 1
		}
	}
	n := (size + MaxChunkSize - 1) / MaxChunkSize
	return MaxChunkSize, n
}

// Ptr is the index-based analogue of a raw pointer: a block id plus a
// starting chunk offset. The zero value is Null.
type Ptr struct {
	block   uint64
	chunk   int
	chunks  int
	classSz int
}

// Null is the allocator's first-class "allocation failed" result; unlike an
// exception, it is always a valid, checkable value (spec.md §4.2 Failure).
var Null = Ptr{}

func (p Ptr) IsNull() bool { return p.classSz == 0 }

// block is the atomic allocation unit: a byte arena split into equal-size
// chunks, plus the metadata spec.md §3 requires.
type block struct {
	id               uint64
	data             []byte
	chunkSize        int
	chunkCount       int
	free             []bool // true = chunk is free
	material         int
	priority         int
	allocatedAt      time.Time
	distanceFromSurf float32
	pinned           bool // prioritize() tags chunks so eviction spares the block
}

func newBlock(id uint64, chunkSize, chunkCount, material, priority int) *block {
	size := chunkSize * chunkCount
	if size < MinBlockSize {
		chunkCount = (MinBlockSize + chunkSize - 1) / chunkSize
		size = chunkSize * chunkCount
	}
	free := make([]bool, chunkCount)
	for i := range free {
		free[i] = true
	}
	return &block{
		id:          id,
		data:        make([]byte, size),
		chunkSize:   chunkSize,
		chunkCount:  chunkCount,
		free:        free,
		material:    material,
		priority:    priority,
		allocatedAt: time.Now(),
	}
}

func (b *block) usedChunks() int {
	used := 0
	for _, f := range b.free {
		if !f {
			used++
		}
	}
	return used
}

// findRun returns the starting chunk index of the first free run of
// length n, or -1 if none exists.
func (b *block) findRun(n int) int {
	run := 0
	for i := 0; i < b.chunkCount; i++ {
		if b.free[i] {
			run++
			if run == n {
				return i - n + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

func (b *block) markUsed(start, n int) {
	for i := start; i < start+n; i++ {
		b.free[i] = false
	}
}

func (b *block) markFree(start, n int) {
	for i := start; i < start+n; i++ {
		b.free[i] = true
	}
}

// Stats mirrors the allocator's self-reported state.
type Stats struct {
	TotalBytes         int64
	UsedBytes          int64
	BlockCount         int
	FragmentationRatio float64
}

// Allocator is the narrow-band allocator. One Allocator instance backs an
// entire Volume; its single lock is held briefly during alloc/free/
// compact, matching spec.md §5's "single lock ... fast paths acquire
// the lock briefly".
type Allocator struct {
	mu       sync.Mutex
	blocks   map[uint64]*block
	nextID   uint64
	budget   int64 // 0 = unbounded
	metrics  *metrics.Registry
}

func New(budgetBytes int64, m *metrics.Registry) *Allocator {
	return &Allocator{
		blocks:  make(map[uint64]*block),
		nextID:  1,
		budget:  budgetBytes,
		metrics: m,
	}
}

func (a *Allocator) totalBytesLocked() int64 {
	var total int64
	for _, b := range a.blocks {
		total += int64(len(b.data))
	}
	return total
}

// Alloc reserves size bytes for material at the given eviction priority.
// It returns Null on budget exhaustion; it never panics (spec.md §4.2
// Failure: "allocation returns Null on budget exhaustion and never
// throws").
func (a *Allocator) Alloc(size, material, priority int) Ptr {
	if size <= 0 {
		return Null
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	chunkSize, count := classFor(size)

	// Reuse path: an existing block of this material/class with a free run.
	for _, b := range a.orderedBlocksLocked() {
		if b.material != material || b.chunkSize != chunkSize {
			continue
		}
		if start := b.findRun(count); start >= 0 {
			b.markUsed(start, count)
			a.recordMetricsLocked()
			return Ptr{block: b.id, chunk: start, chunks: count, classSz: chunkSize}
		}
	}

	// New block path, subject to budget.
	needed := int64(chunkSize) * int64(count)
	if needed < MinBlockSize {
		needed = MinBlockSize
	}
	if a.budget > 0 && a.totalBytesLocked()+needed > a.budget {
		if !a.evictLocked(needed) {
			return Null
		}
	}
	if a.budget > 0 && a.totalBytesLocked()+needed > a.budget {
		return Null
	}

	id := a.nextID
	a.nextID++
	b := newBlock(id, chunkSize, count, material, priority)
	b.markUsed(0, count)
	a.blocks[id] = b
	a.recordMetricsLocked()
	return Ptr{block: id, chunk: 0, chunks: count, classSz: chunkSize}
}

// orderedBlocksLocked returns blocks sorted by id for deterministic
// reuse-path scanning.
func (a *Allocator) orderedBlocksLocked() []*block {
	ids := make([]uint64, 0, len(a.blocks))
	for id := range a.blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*block, len(ids))
	for i, id := range ids {
		out[i] = a.blocks[id]
	}
	return out
}

// evictLocked releases free (not pinned, not fully used) blocks with the
// lowest priority first, keeping at least the keep-floor
// max(2*currentUsed, 5) blocks alive, until needed additional bytes are
// available or there is nothing left to evict (spec.md §4.2).
func (a *Allocator) evictLocked(needed int64) bool {
	used := 0
	for _, b := range a.blocks {
		if b.usedChunks() > 0 {
			used++
		}
	}
	keepFloor := used * 2
	if keepFloor < 5 {
		keepFloor = 5
	}

	candidates := a.orderedBlocksLocked()
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority < candidates[j].priority
	})

	for _, b := range candidates {
		if len(a.blocks) <= keepFloor {
			break
		}
		if b.pinned || b.usedChunks() > 0 {
			continue
		}
		delete(a.blocks, b.id)
		if a.totalBytesLocked()+needed <= a.budget {
			return true
		}
	}
	return a.budget <= 0 || a.totalBytesLocked()+needed <= a.budget
}

// Free releases a chunk run back to its block. Freeing a foreign or
// already-free pointer is a diagnostic no-op, never a panic.
func (a *Allocator) Free(p Ptr, material int) error {
	if p.IsNull() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[p.block]
	if !ok || b.material != material {
		return svoerr.New(svoerr.InvalidArgument, "allocator", "free of foreign pointer").
			WithDetail("block", p.block)
	}
	b.markFree(p.chunk, p.chunks)
	a.recordMetricsLocked()
	return nil
}

// Reallocate shrinks an allocation in place when the new size keeps the
// same chunk class and fits the existing run; otherwise it allocates fresh
// storage and frees the old chunk run without copying any data. It returns
// the new Ptr and whether the caller must copy the data into it (true only
// when fresh storage was allocated).
func (a *Allocator) Reallocate(p Ptr, newSize, material int) (Ptr, bool) {
	if p.IsNull() {
		return a.Alloc(newSize, material, 0), false
	}
	newChunkSize, newCount := classFor(newSize)

	a.mu.Lock()
	b, ok := a.blocks[p.block]
	if ok && b.chunkSize == newChunkSize && newCount <= p.chunks {
		// Shrinking in place: free the tail chunks.
		if newCount < p.chunks {
			b.markFree(p.chunk+newCount, p.chunks-newCount)
		}
		a.mu.Unlock()
		return Ptr{block: p.block, chunk: p.chunk, chunks: newCount, classSz: newChunkSize}, false
	}
	a.mu.Unlock()

	fresh := a.Alloc(newSize, material, 0)
	if fresh.IsNull() {
		return Null, false
	}
	_ = a.Free(p, material)
	return fresh, true
}

// Bytes returns the byte slice backing ptr, for the owning field table to
// read or write samples into directly.
func (a *Allocator) Bytes(p Ptr) []byte {
	if p.IsNull() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.blocks[p.block]
	if !ok {
		return nil
	}
	start := p.chunk * b.chunkSize
	end := start + p.chunks*b.chunkSize
	return b.data[start:end]
}

// Own reports whether ptr was allocated by this allocator instance and is
// still live.
func (a *Allocator) Own(p Ptr) bool {
	if p.IsNull() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.blocks[p.block]
	return ok
}

// Prioritize sets the eviction priority of the whole block backing ptr; a
// priority above zero also pins that block so eviction and Compact spare
// it, the per-box analogue of spec.md §4.2 prioritize(box, priority); callers
// resolve box -> Ptr via the owning field index before calling this.
func (a *Allocator) Prioritize(p Ptr, priority int) {
	if p.IsNull() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.blocks[p.block]; ok {
		b.priority = priority
		b.pinned = priority > 0
	}
}

// Compact releases excess free blocks (blocks with zero used chunks) above
// the keep-floor, without moving any live data. This allocator tracks chunk
// occupancy as a per-block free bitmap rather than per-allocation spans, so
// it has no record of which chunk run belongs to which live Ptr once two
// allocations sit adjacent in a block; there is deliberately no separate
// defragment()-style relocating compaction, since it could not report a
// relocation a caller could safely match back to its own Ptr.
func (a *Allocator) Compact() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := 0
	for _, b := range a.blocks {
		if b.usedChunks() > 0 {
			used++
		}
	}
	keepFloor := used * 2
	if keepFloor < 5 {
		keepFloor = 5
	}
	released := 0
	for _, b := range a.orderedBlocksLocked() {
		if len(a.blocks) <= keepFloor {
			break
		}
		if b.usedChunks() == 0 && !b.pinned {
			delete(a.blocks, b.id)
			released++
		}
	}
	a.recordMetricsLocked()
	return released
}

// ReleaseUnused frees every block with zero used chunks regardless of the
// keep-floor, used under memory pressure (spec.md §5).
func (a *Allocator) ReleaseUnused() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	released := 0
	for id, b := range a.blocks {
		if b.usedChunks() == 0 && !b.pinned {
			delete(a.blocks, id)
			released++
		}
	}
	a.recordMetricsLocked()
	return released
}

// Stats reports the allocator's current memory accounting.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statsLocked()
}

func (a *Allocator) statsLocked() Stats {
	var total, used int64
	for _, b := range a.blocks {
		total += int64(len(b.data))
		used += int64(b.usedChunks() * b.chunkSize)
	}
	ratio := 0.0
	if total > 0 {
		ratio = float64(used) / float64(total)
	}
	return Stats{
		TotalBytes:         total,
		UsedBytes:          used,
		BlockCount:         len(a.blocks),
		FragmentationRatio: ratio,
	}
}

func (a *Allocator) recordMetricsLocked() {
	if a.metrics == nil {
		return
	}
	s := a.statsLocked()
	a.metrics.AllocatorFragmentation.Set(s.FragmentationRatio)
	a.metrics.AllocatorBlocksLive.Set(float64(s.BlockCount))
}

// UsageRatio reports used/budget, for the façade's memory-pressure checks
// (spec.md §5: "when the allocator reports usage >= 90% of the budget").
func (a *Allocator) UsageRatio() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget <= 0 {
		return 0
	}
	return float64(a.totalBytesLocked()) / float64(a.budget)
}
