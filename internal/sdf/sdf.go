// Package sdf implements the multi-channel signed-distance-field manager
// of spec.md §4.4: per-node, per-material distance storage plus the
// sculpting operations that mutate it. Grounded on the teacher's
// block-backed storage pattern in internal/allocator (byte slices owned
// by an allocator.Allocator) and on original_source's
// MaterialSDFManager.h for the operation surface and field lifecycle.
package sdf

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/arxos/svoengine/internal/allocator"
	"github.com/arxos/svoengine/internal/octree"
)

// FieldIndex identifies a field in the manager's dense arena.
type FieldIndex uint32

// FieldIndexNone is the reserved missing-field sentinel.
const FieldIndexNone FieldIndex = math.MaxUint32

// State is a field's coarse classification, feeding the owning octree
// node's Kind.
type State uint8

const (
	Unallocated State = iota
	Empty
	Homogeneous
	Interface
)

// Vec3 aliases the octree package's vector type so callers need not
// import both for simple field math.
type Vec3 = octree.Vec3

// CreateOpts configures CreateField.
type CreateOpts struct {
	Origin          Vec3
	CellSize        float64
	Resolution      int
	DefaultMaterial int
	InitializeEmpty bool
}

type field struct {
	mu              sync.RWMutex
	owner           octree.NodeIndex
	origin          Vec3
	cellSize        float64
	resolution      int
	materialCount   int
	state           State
	primaryMaterial int
	version         uint64
	ptr             allocator.Ptr
	released        bool
}

func (f *field) sampleCount() int { return f.resolution * f.resolution * f.resolution }
func (f *field) byteLen() int     { return f.sampleCount() * f.materialCount * 4 }

// Manager owns every field for a single Volume.
type Manager struct {
	mu            sync.RWMutex
	alloc         *allocator.Allocator
	oct           *octree.Manager
	materialCount int
	narrowBand    float64
	fields        []*field
	free          []FieldIndex
	byNode        map[octree.NodeIndex]FieldIndex
	version       uint64
	changes       []change
}

type change struct {
	field    FieldIndex
	material int
	version  uint64
}

// NewManager creates an SDF manager backed by alloc for sample storage
// and oct for node classification feedback.
func NewManager(alloc *allocator.Allocator, oct *octree.Manager, materialCount int, narrowBandThickness float64) *Manager {
	return &Manager{
		alloc:         alloc,
		oct:           oct,
		materialCount: materialCount,
		narrowBand:    narrowBandThickness,
		byNode:        make(map[octree.NodeIndex]FieldIndex),
	}
}

func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *Manager) bumpVersion() uint64 {
	m.version++
	return m.version
}

// CreateField allocates backing storage for node and returns its index.
// A node already holding a field returns the existing index unchanged.
func (m *Manager) CreateField(node octree.NodeIndex, opts CreateOpts) FieldIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byNode[node]; ok {
		return existing
	}
	if opts.Resolution <= 0 {
		opts.Resolution = 1
	}
	f := &field{
		owner:           node,
		origin:          opts.Origin,
		cellSize:        opts.CellSize,
		resolution:      opts.Resolution,
		materialCount:   m.materialCount,
		primaryMaterial: opts.DefaultMaterial,
	}
	f.ptr = m.alloc.Alloc(f.byteLen(), opts.DefaultMaterial, 0)
	buf := m.alloc.Bytes(f.ptr)
	var fill float32 = 1 // positive == outside, per sign convention
	if !opts.InitializeEmpty {
		fill = -1
	}
	bits := math.Float32bits(fill)
	for i := 0; i+4 <= len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], bits)
	}
	if opts.InitializeEmpty {
		f.state = Empty
	} else {
		f.state = Homogeneous
	}

	var idx FieldIndex
	if len(m.free) > 0 {
		idx = m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
		m.fields[idx] = f
	} else {
		m.fields = append(m.fields, f)
		idx = FieldIndex(len(m.fields) - 1)
	}
	m.byNode[node] = idx
	m.oct.SetFieldIndex(node, int32(idx))
	return idx
}

func (m *Manager) get(idx FieldIndex) *field {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx == FieldIndexNone || int(idx) >= len(m.fields) {
		return nil
	}
	return m.fields[idx]
}

// Release frees a field's storage and detaches it from its owning node.
func (m *Manager) Release(idx FieldIndex) {
	f := m.get(idx)
	if f == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.released {
		return
	}
	m.alloc.Free(f.ptr, f.primaryMaterial)
	f.released = true
	delete(m.byNode, f.owner)
	m.oct.SetFieldIndex(f.owner, -1)
	m.free = append(m.free, idx)
}

// SetResolution resamples every material channel onto a new R'xR'xR' grid
// using trilinear interpolation of the old grid.
func (m *Manager) SetResolution(idx FieldIndex, newRes int) {
	f := m.get(idx)
	if f == nil || newRes <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	oldBuf := m.alloc.Bytes(f.ptr)
	oldRes := f.resolution
	newPtr := m.alloc.Alloc(newRes*newRes*newRes*f.materialCount*4, f.primaryMaterial, 0)
	newBuf := m.alloc.Bytes(newPtr)

	readOld := func(x, y, z, mat int) float32 {
		x = clampInt(x, 0, oldRes-1)
		y = clampInt(y, 0, oldRes-1)
		z = clampInt(z, 0, oldRes-1)
		off := (morton3(x, y, z, oldRes)*f.materialCount + mat) * 4
		return math.Float32frombits(binary.LittleEndian.Uint32(oldBuf[off:]))
	}

	scale := float64(oldRes-1) / float64(maxInt(newRes-1, 1))
	for z := 0; z < newRes; z++ {
		for y := 0; y < newRes; y++ {
			for x := 0; x < newRes; x++ {
				fx, fy, fz := float64(x)*scale, float64(y)*scale, float64(z)*scale
				x0, y0, z0 := int(math.Floor(fx)), int(math.Floor(fy)), int(math.Floor(fz))
				tx, ty, tz := fx-float64(x0), fy-float64(y0), fz-float64(z0)
				for mat := 0; mat < f.materialCount; mat++ {
					v := trilerp(
						readOld(x0, y0, z0, mat), readOld(x0+1, y0, z0, mat),
						readOld(x0, y0+1, z0, mat), readOld(x0+1, y0+1, z0, mat),
						readOld(x0, y0, z0+1, mat), readOld(x0+1, y0, z0+1, mat),
						readOld(x0, y0+1, z0+1, mat), readOld(x0+1, y0+1, z0+1, mat),
						tx, ty, tz)
					off := (morton3(x, y, z, newRes)*f.materialCount + mat) * 4
					binary.LittleEndian.PutUint32(newBuf[off:], math.Float32bits(v))
				}
			}
		}
	}

	m.alloc.Free(f.ptr, f.primaryMaterial)
	f.ptr = newPtr
	f.resolution = newRes
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func trilerp(c000, c100, c010, c110, c001, c101, c011, c111 float32, tx, ty, tz float64) float32 {
	lerp := func(a, b float32, t float64) float32 { return float32(float64(a) + (float64(b)-float64(a))*t) }
	c00 := lerp(c000, c100, tx)
	c10 := lerp(c010, c110, tx)
	c01 := lerp(c001, c101, tx)
	c11 := lerp(c011, c111, tx)
	c0 := lerp(c00, c10, ty)
	c1 := lerp(c01, c11, ty)
	return lerp(c0, c1, tz)
}

// morton3 indexes a field's flat sample array: spec.md §3 specifies
// morton3(x,y,z)*M + material, though any axis within [0,resolution) is
// valid here regardless of the field's own Morton code identity (that
// lives one level up, on the owning node).
func morton3(x, y, z, resolution int) int {
	// resolution is typically small (<=64); a direct interleave over the
	// needed bit-width keeps locality without requiring resolution to be
	// a power of two (falls back to row-major addressing instead).
	if resolution&(resolution-1) != 0 {
		return (z*resolution+y)*resolution + x
	}
	bits := 0
	for (1 << bits) < resolution {
		bits++
	}
	interleave := func(v int) int {
		out := 0
		for b := 0; b < bits; b++ {
			if v&(1<<b) != 0 {
				out |= 1 << (3 * b)
			}
		}
		return out
	}
	return interleave(x) | (interleave(y) << 1) | (interleave(z) << 2)
}

// localToGrid maps an origin-relative local position (already offset
// from the field's world origin, in world units) to a grid cell. A
// position below the field's own origin face is rejected outright, but
// one at or past the field's far face clamps to the last sample instead
// of failing: neighboring leaves tile edge-to-edge on their shared face,
// so a query landing exactly on it (e.g. after Subdivide hands the point
// to the low-side child) still reads the nearest real sample rather than
// falling back to "outside".
func (f *field) localToGrid(p Vec3) (int, int, int, bool) {
	gx := p.X / f.cellSize
	gy := p.Y / f.cellSize
	gz := p.Z / f.cellSize
	x, y, z := int(math.Round(gx)), int(math.Round(gy)), int(math.Round(gz))
	if x < 0 || y < 0 || z < 0 {
		return 0, 0, 0, false
	}
	x = clampInt(x, 0, f.resolution-1)
	y = clampInt(y, 0, f.resolution-1)
	z = clampInt(z, 0, f.resolution-1)
	return x, y, z, true
}

func (f *field) sampleOffset(x, y, z, mat int) int {
	return (morton3(x, y, z, f.resolution)*f.materialCount + mat) * 4
}

// GetDistance samples the raw grid value at a local-space position;
// out-of-range materials or positions return +1 (fully outside).
func (m *Manager) GetDistance(idx FieldIndex, local Vec3, mat int) float32 {
	f := m.get(idx)
	if f == nil || mat < 0 || mat >= m.materialCount {
		return 1
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	x, y, z, ok := f.localToGrid(local)
	if !ok {
		return 1
	}
	buf := m.alloc.Bytes(f.ptr)
	off := f.sampleOffset(x, y, z, mat)
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
}

// SetDistance writes the raw grid value; a no-op on an Unallocated field
// or out-of-range material/position per spec.md §4.4 Failure.
func (m *Manager) SetDistance(idx FieldIndex, local Vec3, mat int, value float32) {
	f := m.get(idx)
	if f == nil || mat < 0 || mat >= m.materialCount {
		return
	}
	f.mu.Lock()
	x, y, z, ok := f.localToGrid(local)
	if !ok {
		f.mu.Unlock()
		return
	}
	buf := m.alloc.Bytes(f.ptr)
	off := f.sampleOffset(x, y, z, mat)
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(value))
	f.mu.Unlock()
	m.afterMutation(idx, f, mat)
}

func dist(a, b Vec3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// affectedGrid computes the local grid AABB (inclusive bounds, clamped
// to the field) covered by a world-space sphere, per spec.md §4.4's
// "compute the affected local AABB once" rule.
func (f *field) affectedGrid(center Vec3, radius float64) (lo, hi [3]int) {
	lx := (center.X - f.origin.X) / f.cellSize
	ly := (center.Y - f.origin.Y) / f.cellSize
	lz := (center.Z - f.origin.Z) / f.cellSize
	r := radius / f.cellSize
	lo = [3]int{clampInt(int(math.Floor(lx-r)), 0, f.resolution-1), clampInt(int(math.Floor(ly-r)), 0, f.resolution-1), clampInt(int(math.Floor(lz-r)), 0, f.resolution-1)}
	hi = [3]int{clampInt(int(math.Ceil(lx+r)), 0, f.resolution-1), clampInt(int(math.Ceil(ly+r)), 0, f.resolution-1), clampInt(int(math.Ceil(lz+r)), 0, f.resolution-1)}
	return
}

func (f *field) gridToWorld(x, y, z int) Vec3 {
	return Vec3{
		X: f.origin.X + float64(x)*f.cellSize,
		Y: f.origin.Y + float64(y)*f.cellSize,
		Z: f.origin.Z + float64(z)*f.cellSize,
	}
}

// ApplySphere assigns value to every sample inside the sphere for mat.
func (m *Manager) ApplySphere(idx FieldIndex, center Vec3, radius float64, mat int, value float32) {
	m.sculpt(idx, center, radius, mat, func(f *field, x, y, z int, cur float32) float32 {
		if dist(f.gridToWorld(x, y, z), center) <= radius {
			return value
		}
		return cur
	})
}

// UnionMaterial implements d <- min(d, (|p-c|-r)*strength).
func (m *Manager) UnionMaterial(idx FieldIndex, center Vec3, radius float64, mat int, strength float32) {
	m.sculpt(idx, center, radius, mat, func(f *field, x, y, z int, cur float32) float32 {
		candidate := float32((dist(f.gridToWorld(x, y, z), center) - radius)) * strength
		return float32(math.Min(float64(cur), float64(candidate)))
	})
}

// SubtractMaterial implements d <- max(d, (r-|p-c|)*strength).
func (m *Manager) SubtractMaterial(idx FieldIndex, center Vec3, radius float64, mat int, strength float32) {
	m.sculpt(idx, center, radius, mat, func(f *field, x, y, z int, cur float32) float32 {
		candidate := float32(radius-dist(f.gridToWorld(x, y, z), center)) * strength
		return float32(math.Max(float64(cur), float64(candidate)))
	})
}

// BlendMaterials crossfades src into dst, weighted by
// max(0, 1-|p-c|/r)*factor.
func (m *Manager) BlendMaterials(idx FieldIndex, center Vec3, radius float64, src, dst int, factor float32) {
	f := m.get(idx)
	if f == nil || src < 0 || src >= m.materialCount || dst < 0 || dst >= m.materialCount {
		return
	}
	if f.state == Unallocated {
		return
	}
	f.mu.Lock()
	lo, hi := f.affectedGrid(center, radius)
	buf := m.alloc.Bytes(f.ptr)
	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[0]; x <= hi[0]; x++ {
				w := math.Max(0, 1-dist(f.gridToWorld(x, y, z), center)/radius) * float64(factor)
				if w <= 0 {
					continue
				}
				srcOff := f.sampleOffset(x, y, z, src)
				dstOff := f.sampleOffset(x, y, z, dst)
				srcVal := math.Float32frombits(binary.LittleEndian.Uint32(buf[srcOff:]))
				dstVal := math.Float32frombits(binary.LittleEndian.Uint32(buf[dstOff:]))
				blended := float32(float64(dstVal)*(1-w) + float64(srcVal)*w)
				binary.LittleEndian.PutUint32(buf[dstOff:], math.Float32bits(blended))
			}
		}
	}
	f.mu.Unlock()
	m.afterMutation(idx, f, dst)
}

func (m *Manager) sculpt(idx FieldIndex, center Vec3, radius float64, mat int, fn func(f *field, x, y, z int, cur float32) float32) {
	if mat < 0 || mat >= m.materialCount {
		return
	}
	m.mu.RLock()
	f := m.get(idx)
	m.mu.RUnlock()
	if f == nil {
		return
	}
	if f.state == Unallocated {
		// allocate-on-write: storage already exists from CreateField, so
		// this simply proceeds using the zero/default-filled buffer.
	}
	f.mu.Lock()
	lo, hi := f.affectedGrid(center, radius)
	buf := m.alloc.Bytes(f.ptr)
	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[0]; x <= hi[0]; x++ {
				off := f.sampleOffset(x, y, z, mat)
				cur := math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
				next := fn(f, x, y, z, cur)
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(next))
			}
		}
	}
	f.mu.Unlock()
	m.afterMutation(idx, f, mat)
}

// ClearMaterial sets every sample on mat to +1 (spec.md §4.4 global op).
func (m *Manager) ClearMaterial(idx FieldIndex, mat int) {
	m.fillMaterial(idx, mat, 1)
}

// FillWithMaterial makes mat homogeneously present (-1 everywhere).
func (m *Manager) FillWithMaterial(idx FieldIndex, mat int) {
	m.fillMaterial(idx, mat, -1)
	f := m.get(idx)
	if f != nil {
		f.mu.Lock()
		f.state = Homogeneous
		f.primaryMaterial = mat
		f.mu.Unlock()
	}
}

func (m *Manager) fillMaterial(idx FieldIndex, mat int, value float32) {
	f := m.get(idx)
	if f == nil || mat < 0 || mat >= m.materialCount {
		return
	}
	f.mu.Lock()
	buf := m.alloc.Bytes(f.ptr)
	bits := math.Float32bits(value)
	for z := 0; z < f.resolution; z++ {
		for y := 0; y < f.resolution; y++ {
			for x := 0; x < f.resolution; x++ {
				off := f.sampleOffset(x, y, z, mat)
				binary.LittleEndian.PutUint32(buf[off:], bits)
			}
		}
	}
	f.mu.Unlock()
	m.afterMutation(idx, f, mat)
}

// Evaluate samples a single material channel at a world-space position.
func (m *Manager) Evaluate(idx FieldIndex, world Vec3, mat int) float32 {
	f := m.get(idx)
	if f == nil {
		return 1
	}
	local := Vec3{X: world.X - f.origin.X, Y: world.Y - f.origin.Y, Z: world.Z - f.origin.Z}
	return m.GetDistance(idx, local, mat)
}

// EvaluateAll samples every material channel at world.
func (m *Manager) EvaluateAll(idx FieldIndex, world Vec3) []float32 {
	out := make([]float32, m.materialCount)
	for mat := 0; mat < m.materialCount; mat++ {
		out[mat] = m.Evaluate(idx, world, mat)
	}
	return out
}

// EvaluateGradient computes the central-difference gradient of material
// mat's field at world, stepped by one field cell.
func (m *Manager) EvaluateGradient(idx FieldIndex, world Vec3, mat int) Vec3 {
	f := m.get(idx)
	if f == nil {
		return Vec3{}
	}
	h := f.cellSize
	dx := m.Evaluate(idx, Vec3{X: world.X + h, Y: world.Y, Z: world.Z}, mat) - m.Evaluate(idx, Vec3{X: world.X - h, Y: world.Y, Z: world.Z}, mat)
	dy := m.Evaluate(idx, Vec3{X: world.X, Y: world.Y + h, Z: world.Z}, mat) - m.Evaluate(idx, Vec3{X: world.X, Y: world.Y - h, Z: world.Z}, mat)
	dz := m.Evaluate(idx, Vec3{X: world.X, Y: world.Y, Z: world.Z + h}, mat) - m.Evaluate(idx, Vec3{X: world.X, Y: world.Y, Z: world.Z - h}, mat)
	return Vec3{X: float64(dx) / (2 * h), Y: float64(dy) / (2 * h), Z: float64(dz) / (2 * h)}
}

// EvaluateBatch evaluates mat at every position in world, in order.
func (m *Manager) EvaluateBatch(idx FieldIndex, world []Vec3, mat int) []float32 {
	out := make([]float32, len(world))
	for i, p := range world {
		out[i] = m.Evaluate(idx, p, mat)
	}
	return out
}

// State/PrimaryMaterial/FieldVersion are read-only field accessors.
func (m *Manager) State(idx FieldIndex) State {
	f := m.get(idx)
	if f == nil {
		return Unallocated
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (m *Manager) PrimaryMaterial(idx FieldIndex) int {
	f := m.get(idx)
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.primaryMaterial
}

func (m *Manager) FieldVersion(idx FieldIndex) uint64 {
	f := m.get(idx)
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// CellSize returns a field's world-space cell size, used by package
// evaluator to size its numerical-gradient delta.
func (m *Manager) CellSize(idx FieldIndex) float64 {
	f := m.get(idx)
	if f == nil {
		return 0
	}
	return f.cellSize
}

// Resolution, Origin and MaterialCount expose a field's storage shape for
// the serializer's field-section records (spec.md §6).
func (m *Manager) Resolution(idx FieldIndex) int {
	f := m.get(idx)
	if f == nil {
		return 0
	}
	return f.resolution
}

func (m *Manager) Origin(idx FieldIndex) Vec3 {
	f := m.get(idx)
	if f == nil {
		return Vec3{}
	}
	return f.origin
}

func (m *Manager) MaterialCount() int { return m.materialCount }

// OwnerNode returns the octree node idx is attached to.
func (m *Manager) OwnerNode(idx FieldIndex) octree.NodeIndex {
	f := m.get(idx)
	if f == nil {
		return octree.IndexNone
	}
	return f.owner
}

// RawSamples returns the live byte slice backing a field's sample array,
// in the field's own sampleOffset layout, for the serializer to copy out
// (spec.md §6 field section: "samples[R³·M · 4]"). Callers must not retain
// the slice past the current mutation epoch.
func (m *Manager) RawSamples(idx FieldIndex) []byte {
	f := m.get(idx)
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return m.alloc.Bytes(f.ptr)
}

// LoadSamples overwrites a field's sample array from data, used by the
// deserializer to restore a field section record.
func (m *Manager) LoadSamples(idx FieldIndex, data []byte) {
	f := m.get(idx)
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dst := m.alloc.Bytes(f.ptr)
	copy(dst, data)
}

// AllFields returns every live field index in the manager, in arena order.
func (m *Manager) AllFields() []FieldIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FieldIndex, 0, len(m.fields))
	for i, f := range m.fields {
		if f == nil || f.released {
			continue
		}
		out = append(out, FieldIndex(i))
	}
	return out
}

func (m *Manager) FieldForNode(node octree.NodeIndex) (FieldIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byNode[node]
	return idx, ok
}

// ModifiedSince returns every (field, material) change recorded after
// sinceVersion, in O(changes) thanks to the append-only, version-ordered
// log (spec.md §4.4 versioning).
func (m *Manager) ModifiedSince(sinceVersion uint64) []struct {
	Field    FieldIndex
	Material int
	Version  uint64
} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := sort.Search(len(m.changes), func(i int) bool { return m.changes[i].version > sinceVersion })
	out := make([]struct {
		Field    FieldIndex
		Material int
		Version  uint64
	}, 0, len(m.changes)-start)
	for _, c := range m.changes[start:] {
		out = append(out, struct {
			Field    FieldIndex
			Material int
			Version  uint64
		}{c.field, c.material, c.version})
	}
	return out
}

// afterMutation bumps versions, reclassifies the field's state, updates
// the owning octree node, and propagates boundary continuity to
// same-depth neighbor nodes (spec.md §4.4 propagation).
func (m *Manager) afterMutation(idx FieldIndex, f *field, mat int) {
	m.mu.Lock()
	v := m.bumpVersion()
	m.changes = append(m.changes, change{field: idx, material: mat, version: v})
	m.mu.Unlock()

	f.mu.Lock()
	f.version = v
	m.classifyLocked(f)
	state, prim := f.state, f.primaryMaterial
	owner := f.owner
	f.mu.Unlock()

	kind := octree.Empty
	switch state {
	case Homogeneous:
		kind = octree.Homogeneous
	case Interface:
		kind = octree.Interface
	}
	m.oct.SetKind(owner, kind, prim)

	if kind == octree.Interface {
		m.oct.Subdivide(owner)
		m.migrateFieldToChildren(idx, owner)
	} else {
		if parent := m.oct.Parent(owner); parent != octree.IndexNone {
			m.oct.Collapse(parent)
		}
	}

	m.propagateBoundary(idx, f)
}

// migrateFieldToChildren resamples a field that just classified Interface
// into its eight freshly subdivided child nodes, so Subdivide never
// strands sculpted data on a node that is no longer a leaf (spec.md
// §4.3: an interface node subdivides; package evaluator only ever looks
// up a field through the octree's *current* leaf, via
// octree.FindLeafAt). The parent's own field is left in place rather
// than released: a caller that still holds its FieldIndex directly
// (rather than re-resolving through the node) keeps reading a valid,
// merely-stale field instead of one that Release's allocator.Free could
// have handed to an unrelated allocation underneath it.
func (m *Manager) migrateFieldToChildren(parentIdx FieldIndex, owner octree.NodeIndex) {
	parent := m.get(parentIdx)
	if parent == nil {
		return
	}
	childRes := parent.resolution / 2
	if childRes < 1 {
		childRes = 1
	}
	for _, child := range m.oct.Children(owner) {
		if child == octree.IndexNone {
			continue
		}
		bounds := m.oct.Bounds(child)
		// The child grid spans its node from face to face, so a point on a
		// face shared with a sibling is one of the child's real samples.
		span := childRes - 1
		if span < 1 {
			span = 1
		}
		childCell := bounds.Size().X / float64(span)
		if childCell <= 0 {
			childCell = parent.cellSize
		}
		childIdx := m.CreateField(child, CreateOpts{
			Origin:          bounds.Min,
			CellSize:        childCell,
			Resolution:      childRes,
			DefaultMaterial: parent.primaryMaterial,
			InitializeEmpty: true,
		})
		cf := m.get(childIdx)
		if cf == nil {
			continue
		}
		cf.mu.Lock()
		buf := m.alloc.Bytes(cf.ptr)
		for z := 0; z < childRes; z++ {
			for y := 0; y < childRes; y++ {
				for x := 0; x < childRes; x++ {
					world := cf.gridToWorld(x, y, z)
					for mat := 0; mat < parent.materialCount; mat++ {
						val := m.Evaluate(parentIdx, world, mat)
						off := cf.sampleOffset(x, y, z, mat)
						binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(val))
					}
				}
			}
		}
		m.classifyLocked(cf)
		state, prim := cf.state, cf.primaryMaterial
		cf.mu.Unlock()

		childKind := octree.Empty
		switch state {
		case Homogeneous:
			childKind = octree.Homogeneous
		case Interface:
			childKind = octree.Interface
		}
		m.oct.SetKind(child, childKind, prim)
	}
}

// classifyLocked implements the stride-4 state classifier. f.mu must be
// held for writing. noMaterial marks a sampled cell where every channel
// is non-negative (no material claims it); it is tracked separately from
// any real material index so a carve that never changes which material
// wins (single-material sculpts are the common case) still registers as
// an adjacency change at the carve/background boundary.
const noMaterial = -1

func (m *Manager) classifyLocked(f *field) {
	buf := m.alloc.Bytes(f.ptr)
	negative := make(map[int]bool)
	adjacencyChange := false
	prevMat := noMaterial
	started := false
	for z := 0; z < f.resolution; z += 4 {
		for y := 0; y < f.resolution; y += 4 {
			for x := 0; x < f.resolution; x += 4 {
				mat, val := minMaterialAt(buf, f, x, y, z)
				if val < 0 {
					negative[mat] = true
				}
				if started && prevMat != mat {
					adjacencyChange = true
				}
				prevMat = mat
				started = true
			}
		}
	}
	switch {
	case len(negative) == 0:
		f.state = Empty
	case len(negative) == 1 && !adjacencyChange:
		f.state = Homogeneous
		for mat := range negative {
			f.primaryMaterial = mat
		}
	default:
		f.state = Interface
	}
}

// minMaterialAt returns the material with the smallest (most negative)
// distance at a sample, or noMaterial when every channel is non-negative
// — an all-positive cell is material-agnostic background, not a claim by
// channel 0.
func minMaterialAt(buf []byte, f *field, x, y, z int) (int, float32) {
	best := float32(math.MaxFloat32)
	bestMat := noMaterial
	for mat := 0; mat < f.materialCount; mat++ {
		off := f.sampleOffset(x, y, z, mat)
		v := math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		if v < best {
			best = v
			bestMat = mat
		}
	}
	if best >= 0 {
		return noMaterial, best
	}
	return bestMat, best
}

// propagateBoundary copies this field's boundary samples into the
// matching face of each same-resolution neighbor field, keeping
// inter-node continuity across the shared boundary.
func (m *Manager) propagateBoundary(idx FieldIndex, f *field) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner := f.owner
	depth := m.oct.Depth(owner)
	dirs := [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}
	for _, d := range dirs {
		nb := f.bounds()
		probe := Vec3{
			X: nb.Center().X + float64(d[0])*nb.Size().X,
			Y: nb.Center().Y + float64(d[1])*nb.Size().Y,
			Z: nb.Center().Z + float64(d[2])*nb.Size().Z,
		}
		neighborNode, ok := m.oct.FindLeafAt(probe)
		if !ok || m.oct.Depth(neighborNode) != depth {
			continue
		}
		neighborField, ok := m.byNode[neighborNode]
		if !ok {
			continue
		}
		nf := m.fields[neighborField]
		if nf.resolution != f.resolution || nf.materialCount != f.materialCount {
			continue
		}
		copyBoundaryFace(m.alloc, f, nf, d)
	}
}

// Box/bounds are a thin local re-derivation of the owning node's extent
// so propagateBoundary can probe just past each face without importing
// octree's Box type into exported signatures.
type Box = octree.Box

func (f *field) bounds() Box {
	size := f.cellSize * float64(f.resolution)
	return Box{Min: f.origin, Max: Vec3{X: f.origin.X + size, Y: f.origin.Y + size, Z: f.origin.Z + size}}
}

func copyBoundaryFace(alloc *allocator.Allocator, src, dst *field, dir [3]int) {
	buf := alloc.Bytes(src.ptr)
	dbuf := alloc.Bytes(dst.ptr)
	r := src.resolution
	face := func(axis int) int {
		if dir[axis] > 0 {
			return r - 1
		}
		return 0
	}
	oppositeFace := func(axis int) int {
		if dir[axis] > 0 {
			return 0
		}
		return r - 1
	}
	switch {
	case dir[0] != 0:
		x, ox := face(0), oppositeFace(0)
		for z := 0; z < r; z++ {
			for y := 0; y < r; y++ {
				for mat := 0; mat < src.materialCount; mat++ {
					off := src.sampleOffset(x, y, z, mat)
					doff := dst.sampleOffset(ox, y, z, mat)
					dbuf[doff] = buf[off]
					dbuf[doff+1] = buf[off+1]
					dbuf[doff+2] = buf[off+2]
					dbuf[doff+3] = buf[off+3]
				}
			}
		}
	case dir[1] != 0:
		y, oy := face(1), oppositeFace(1)
		for z := 0; z < r; z++ {
			for x := 0; x < r; x++ {
				for mat := 0; mat < src.materialCount; mat++ {
					off := src.sampleOffset(x, y, z, mat)
					doff := dst.sampleOffset(x, oy, z, mat)
					dbuf[doff] = buf[off]
					dbuf[doff+1] = buf[off+1]
					dbuf[doff+2] = buf[off+2]
					dbuf[doff+3] = buf[off+3]
				}
			}
		}
	case dir[2] != 0:
		z, oz := face(2), oppositeFace(2)
		for y := 0; y < r; y++ {
			for x := 0; x < r; x++ {
				for mat := 0; mat < src.materialCount; mat++ {
					off := src.sampleOffset(x, y, z, mat)
					doff := dst.sampleOffset(x, y, oz, mat)
					dbuf[doff] = buf[off]
					dbuf[doff+1] = buf[off+1]
					dbuf[doff+2] = buf[off+2]
					dbuf[doff+3] = buf[off+3]
				}
			}
		}
	}
}

// SmoothUnionExponential is the exponential-blend smooth union of spec.md
// §4.4: -log(exp(-k*a)+exp(-k*b))/k. k<=0 degrades to a hard min. Package
// material's Combine uses it for OpSmoothUnionExponential.
func SmoothUnionExponential(a, b, k float64) float64 {
	if k <= 0 {
		return math.Min(a, b)
	}
	return -math.Log(math.Exp(-k*a)+math.Exp(-k*b)) / k
}

// SmoothUnionPolynomial is the polynomial smooth union:
// min(a,b) - h^3*k/6 with h=max(k-|a-b|,0)/k.
func SmoothUnionPolynomial(a, b, k float64) float64 {
	if k <= 0 {
		return math.Min(a, b)
	}
	h := math.Max(k-math.Abs(a-b), 0) / k
	return math.Min(a, b) - h*h*h*k/6
}
