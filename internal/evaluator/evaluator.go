// Package evaluator implements the read-side distance-field evaluator of
// spec.md §4.6: sampling, gradients, normals, sphere tracing, and a
// quantized-key cache, batched through the injected cooperative
// scheduler. Grounded on original_source's MaterialSDFManager.h sampling
// methods and on the teacher's LRU-style cache bookkeeping in
// core/backend/cache/strategies.go, generalized to the spec's explicit
// ascending-timestamp eviction rule.
package evaluator

import (
	"context"
	"math"
	"runtime"
	"sync"

	"github.com/arxos/svoengine/internal/metrics"
	"github.com/arxos/svoengine/internal/octree"
	"github.com/arxos/svoengine/internal/scheduler"
	"github.com/arxos/svoengine/internal/sdf"
)

// Vec3 aliases package octree's vector type.
type Vec3 = octree.Vec3

type cacheEntry struct {
	distance  float32
	gradient  Vec3
	hasGrad   bool
	timestamp uint64
}

// Evaluator is the read-side companion to an sdf.Manager/octree.Manager
// pair; it holds no mutable volume state of its own beyond its cache.
type Evaluator struct {
	mu       sync.RWMutex
	oct      *octree.Manager
	fields   *sdf.Manager
	sched    scheduler.Scheduler
	metrics  *metrics.Registry
	accuracy float64
	cacheOn  bool
	cacheCap int
	cache    map[uint64]cacheEntry
	clock    uint64
}

// New creates an evaluator over the given octree/SDF pair. sched may be
// nil, in which case batching runs serially.
func New(oct *octree.Manager, fields *sdf.Manager, sched scheduler.Scheduler, m *metrics.Registry) *Evaluator {
	if sched == nil {
		sched = scheduler.NewSerial()
	}
	return &Evaluator{
		oct:      oct,
		fields:   fields,
		sched:    sched,
		metrics:  m,
		accuracy: 1e-4,
		cacheOn:  true,
		cacheCap: 4096,
		cache:    make(map[uint64]cacheEntry),
	}
}

func (e *Evaluator) SetAccuracy(eps float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accuracy = eps
}

func (e *Evaluator) EnableCache(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cacheOn = on
	if !on {
		e.cache = make(map[uint64]cacheEntry)
	}
}

func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[uint64]cacheEntry)
}

func (e *Evaluator) SetCacheCapacity(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cacheCap = n
	e.evictLocked()
}

// cacheKey packs (quantize(x,eps), quantize(y,eps), quantize(z,eps),
// material) into 64 bits: 20 bits per coordinate, 4 for material
// (spec.md §4.6 Cache).
func cacheKey(pos Vec3, eps float64, mat int) uint64 {
	quantize := func(v float64) uint64 {
		q := int64(math.Round(v / eps))
		// offset into an unsigned 20-bit range (±2^19) so negative
		// coordinates still pack distinctly.
		const bias = 1 << 19
		u := uint64(q+bias) & 0xFFFFF
		return u
	}
	qx, qy, qz := quantize(pos.X), quantize(pos.Y), quantize(pos.Z)
	return (qx << 44) | (qy << 24) | (qz << 4) | (uint64(mat) & 0xF)
}

func (e *Evaluator) lookup(pos Vec3, mat int) (cacheEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.cacheOn {
		return cacheEntry{}, false
	}
	key := cacheKey(pos, e.accuracy, mat)
	entry, ok := e.cache[key]
	return entry, ok
}

func (e *Evaluator) store(pos Vec3, mat int, entry cacheEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cacheOn {
		return
	}
	e.clock++
	entry.timestamp = e.clock
	key := cacheKey(pos, e.accuracy, mat)
	e.cache[key] = entry
	if len(e.cache) > e.cacheCap {
		e.evictLocked()
	}
}

// evictLocked removes entries in ascending-timestamp order until
// occupancy falls to 90% of capacity. e.mu must be held.
func (e *Evaluator) evictLocked() {
	if e.cacheCap <= 0 || len(e.cache) <= e.cacheCap {
		return
	}
	target := int(float64(e.cacheCap) * 0.9)
	type keyed struct {
		key uint64
		ts  uint64
	}
	ordered := make([]keyed, 0, len(e.cache))
	for k, v := range e.cache {
		ordered = append(ordered, keyed{k, v.timestamp})
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].ts < ordered[i].ts {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	toRemove := len(e.cache) - target
	for i := 0; i < toRemove && i < len(ordered); i++ {
		delete(e.cache, ordered[i].key)
	}
}

func (e *Evaluator) fieldAt(pos Vec3) (sdf.FieldIndex, bool) {
	node, ok := e.oct.FindLeafAt(pos)
	if !ok {
		return sdf.FieldIndexNone, false
	}
	return e.fields.FieldForNode(node)
}

// Evaluate samples material mat at a world-space position, serving from
// cache when enabled.
func (e *Evaluator) Evaluate(pos Vec3, mat int) float32 {
	if entry, ok := e.lookup(pos, mat); ok {
		if e.metrics != nil {
			e.metrics.EvaluatorCacheHits.Inc()
		}
		return entry.distance
	}
	if e.metrics != nil {
		e.metrics.EvaluatorCacheMisses.Inc()
	}
	d := e.evalUncached(pos, mat)
	e.store(pos, mat, cacheEntry{distance: d})
	return d
}

func (e *Evaluator) evalUncached(pos Vec3, mat int) float32 {
	idx, ok := e.fieldAt(pos)
	if !ok {
		return 1
	}
	return e.fields.Evaluate(idx, pos, mat)
}

// EvaluateMulti samples several materials at one position, in order.
func (e *Evaluator) EvaluateMulti(pos Vec3, mats []int) []float32 {
	out := make([]float32, len(mats))
	for i, mat := range mats {
		out[i] = e.Evaluate(pos, mat)
	}
	return out
}

// EvaluateBatch evaluates mat over every position, order-preserved, using
// the injected scheduler per spec.md §4.6 Batching.
func (e *Evaluator) EvaluateBatch(positions []Vec3, mat int) []float32 {
	out := make([]float32, len(positions))
	chunk := scheduler.BatchChunkSize(len(positions), runtime.GOMAXPROCS(0))
	_ = e.sched.ParallelFor(context.Background(), len(positions), chunk, func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			out[i] = e.Evaluate(positions[i], mat)
		}
		return nil
	})
	return out
}

// gradientDelta is max(eps, cell_size*0.5) at pos, falling back to eps
// alone when pos has no backing field.
func (e *Evaluator) gradientDelta(pos Vec3) float64 {
	e.mu.RLock()
	eps := e.accuracy
	e.mu.RUnlock()
	if idx, ok := e.fieldAt(pos); ok {
		if cs := e.fields.CellSize(idx); cs*0.5 > eps {
			return cs * 0.5
		}
	}
	return eps
}

// Gradient computes the central-difference gradient of mat's field at
// pos.
func (e *Evaluator) Gradient(pos Vec3, mat int) Vec3 {
	if entry, ok := e.lookup(pos, mat); ok && entry.hasGrad {
		return entry.gradient
	}
	h := e.gradientDelta(pos)
	dx := e.Evaluate(Vec3{X: pos.X + h, Y: pos.Y, Z: pos.Z}, mat) - e.Evaluate(Vec3{X: pos.X - h, Y: pos.Y, Z: pos.Z}, mat)
	dy := e.Evaluate(Vec3{X: pos.X, Y: pos.Y + h, Z: pos.Z}, mat) - e.Evaluate(Vec3{X: pos.X, Y: pos.Y - h, Z: pos.Z}, mat)
	dz := e.Evaluate(Vec3{X: pos.X, Y: pos.Y, Z: pos.Z + h}, mat) - e.Evaluate(Vec3{X: pos.X, Y: pos.Y, Z: pos.Z - h}, mat)
	grad := Vec3{X: float64(dx) / (2 * h), Y: float64(dy) / (2 * h), Z: float64(dz) / (2 * h)}
	e.store(pos, mat, cacheEntry{distance: e.evalUncached(pos, mat), gradient: grad, hasGrad: true})
	return grad
}

// Normal returns the unit surface normal at pos for mat, falling back to
// (0,0,1) when the gradient magnitude is below accuracy.
func (e *Evaluator) Normal(pos Vec3, mat int) Vec3 {
	g := e.Gradient(pos, mat)
	mag := math.Sqrt(g.X*g.X + g.Y*g.Y + g.Z*g.Z)
	e.mu.RLock()
	eps := e.accuracy
	e.mu.RUnlock()
	if mag < eps {
		return Vec3{X: 0, Y: 0, Z: 1}
	}
	return Vec3{X: g.X / mag, Y: g.Y / mag, Z: g.Z / mag}
}

// Inside reports whether pos is inside mat's surface (d<0).
func (e *Evaluator) Inside(pos Vec3, mat int) bool {
	return e.Evaluate(pos, mat) < 0
}

// BoxIntersectsField checks the box's center and 8 corners for a
// within-threshold sample, short-circuiting on the first hit.
func (e *Evaluator) BoxIntersectsField(box octree.Box, mat int, threshold float32) bool {
	points := []Vec3{
		box.Center(),
		{X: box.Min.X, Y: box.Min.Y, Z: box.Min.Z},
		{X: box.Max.X, Y: box.Min.Y, Z: box.Min.Z},
		{X: box.Min.X, Y: box.Max.Y, Z: box.Min.Z},
		{X: box.Max.X, Y: box.Max.Y, Z: box.Min.Z},
		{X: box.Min.X, Y: box.Min.Y, Z: box.Max.Z},
		{X: box.Max.X, Y: box.Min.Y, Z: box.Max.Z},
		{X: box.Min.X, Y: box.Max.Y, Z: box.Max.Z},
		{X: box.Max.X, Y: box.Max.Y, Z: box.Max.Z},
	}
	for _, p := range points {
		if float32(math.Abs(float64(e.Evaluate(p, mat)))) <= threshold {
			return true
		}
	}
	return false
}

// SphereHit is the result of a successful SphereTrace.
type SphereHit struct {
	Pos      Vec3
	Distance float64
}

// SphereTrace marches from start toward end with a radius-aware sphere
// tracer: step = max(0.8*d - radius, eps), capped at 128 iterations
// (both values normative per spec.md §4.6). A hit occurs when
// d - radius <= eps; a miss occurs once the marched distance exceeds the
// segment length.
func (e *Evaluator) SphereTrace(start, end Vec3, radius float64, mat int) (SphereHit, bool) {
	dir := Vec3{X: end.X - start.X, Y: end.Y - start.Y, Z: end.Z - start.Z}
	segLen := math.Sqrt(dir.X*dir.X + dir.Y*dir.Y + dir.Z*dir.Z)
	if segLen == 0 {
		return SphereHit{}, false
	}
	dir = Vec3{X: dir.X / segLen, Y: dir.Y / segLen, Z: dir.Z / segLen}

	e.mu.RLock()
	eps := e.accuracy
	e.mu.RUnlock()

	traveled := 0.0
	pos := start
	for i := 0; i < 128; i++ {
		d := float64(e.Evaluate(pos, mat))
		if d-radius <= eps {
			return SphereHit{Pos: pos, Distance: traveled}, true
		}
		step := math.Max(0.8*d-radius, eps)
		traveled += step
		if traveled > segLen {
			return SphereHit{}, false
		}
		pos = Vec3{X: start.X + dir.X*traveled, Y: start.Y + dir.Y*traveled, Z: start.Z + dir.Z*traveled}
	}
	return SphereHit{}, false
}

// PreCache warms the cache over box at the given spacing for mat.
func (e *Evaluator) PreCache(box octree.Box, spacing float64, mat int) {
	if spacing <= 0 {
		return
	}
	for z := box.Min.Z; z <= box.Max.Z; z += spacing {
		for y := box.Min.Y; y <= box.Max.Y; y += spacing {
			for x := box.Min.X; x <= box.Max.X; x += spacing {
				e.Evaluate(Vec3{X: x, Y: y, Z: z}, mat)
			}
		}
	}
}

// CacheSize reports the current cache occupancy, for tests and metrics.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
