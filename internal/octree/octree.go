// Package octree implements the sparse octree node manager of spec.md
// §4.3: a dense-indexed, cache-coherent spatial index adaptive to material
// complexity. Grounded on the teacher's
// core/internal/websocket/octree.go (bounds/children/depth node shape,
// whole-tree RWMutex) generalized to per-node locking, and on
// original_source's OctreeNodeManager.h for the operation surface.
package octree

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/arxos/svoengine/internal/morton"
	"github.com/arxos/svoengine/internal/svoerr"
)

// NodeIndex identifies a node in the dense node arena.
type NodeIndex uint32

// IndexNone is the reserved "missing" sentinel; spec.md §9's Open Question
// about INDEX_NONE is resolved here by never reusing it as a default/global
// marker. No separate global/default marker is defined in this module.
const IndexNone NodeIndex = math.MaxUint32

// Kind classifies a node, matching spec.md §3 Node.kind.
type Kind uint8

const (
	Empty Kind = iota
	Homogeneous
	Interface
	Custom
)

// Vec3 is a minimal world-space vector; the engine has no rendering
// dependency, so this is the only vector type it needs.
type Vec3 struct{ X, Y, Z float64 }

// Box is an axis-aligned bounding box.
type Box struct{ Min, Max Vec3 }

func (b Box) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

func (b Box) Intersects(o Box) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

func (b Box) Center() Vec3 {
	return Vec3{(b.Min.X + b.Max.X) / 2, (b.Min.Y + b.Max.Y) / 2, (b.Min.Z + b.Max.Z) / 2}
}

func (b Box) Size() Vec3 {
	return Vec3{b.Max.X - b.Min.X, b.Max.Y - b.Min.Y, b.Max.Z - b.Min.Z}
}

// octant returns the child octant (0-7) of box that p (assumed inside box)
// falls into, breaking ties on shared faces toward the low-coordinate side
// (deterministic, spec.md §4.3 "Point location").
func (b Box) octant(p Vec3) int {
	c := b.Center()
	dx, dy, dz := 0, 0, 0
	if p.X > c.X {
		dx = 1
	}
	if p.Y > c.Y {
		dy = 1
	}
	if p.Z > c.Z {
		dz = 1
	}
	return morton.ChildOctant(dx, dy, dz)
}

func (b Box) childBounds(octant int) Box {
	c := b.Center()
	lo, hi := b.Min, b.Max
	if octant&4 != 0 {
		lo.X = c.X
	} else {
		hi.X = c.X
	}
	if octant&2 != 0 {
		lo.Y = c.Y
	} else {
		hi.Y = c.Y
	}
	if octant&1 != 0 {
		lo.Z = c.Z
	} else {
		hi.Z = c.Z
	}
	return Box{Min: lo, Max: hi}
}

// node is one entry in the dense node arena.
type node struct {
	mu              sync.RWMutex
	bounds          Box
	depth           uint8
	children        [8]NodeIndex
	leaf            bool
	kind            Kind
	primaryMaterial int
	fieldIndex      int32 // -1 = none
	parent          NodeIndex
	version         uint64
	released        bool
}

func newNode(bounds Box, depth uint8, kind Kind, parent NodeIndex) *node {
	n := &node{
		bounds:     bounds,
		depth:      depth,
		leaf:       true,
		kind:       kind,
		fieldIndex: -1,
		parent:     parent,
	}
	for i := range n.children {
		n.children[i] = IndexNone
	}
	return n
}

// Manager is the octree node manager. One Manager owns the entire node
// arena for a Volume.
type Manager struct {
	mu       sync.RWMutex // guards nodes slice growth/release, not per-node data
	nodes    []*node
	free     []NodeIndex
	root     NodeIndex
	maxDepth uint8
	version  uint64
}

// NewManager creates the octree over worldBounds with the given maximum
// subdivision depth.
func NewManager(worldBounds Box, maxDepth uint8) *Manager {
	m := &Manager{maxDepth: maxDepth}
	root := newNode(worldBounds, 0, Empty, IndexNone)
	m.nodes = append(m.nodes, root)
	m.root = 0
	return m
}

func (m *Manager) Root() NodeIndex { return m.root }

func (m *Manager) Version() uint64 { return atomic.LoadUint64(&m.version) }

func (m *Manager) bumpVersion() uint64 { return atomic.AddUint64(&m.version, 1) }

// Allocate creates a detached node of the given kind/depth. It is normally
// used internally by Subdivide; exposed directly for tests and for the SDF
// manager's lazy field-creation path.
func (m *Manager) Allocate(bounds Box, depth uint8, kind Kind, parent NodeIndex) NodeIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := newNode(bounds, depth, kind, parent)
	if len(m.free) > 0 {
		idx := m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
		m.nodes[idx] = n
		return idx
	}
	m.nodes = append(m.nodes, n)
	return NodeIndex(len(m.nodes) - 1)
}

// Release marks a node's slot reclaimable. Releasing IndexNone is a no-op.
func (m *Manager) Release(idx NodeIndex) {
	if idx == IndexNone {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(idx) >= len(m.nodes) || m.nodes[idx] == nil || m.nodes[idx].released {
		return
	}
	m.nodes[idx].released = true
	m.free = append(m.free, idx)
}

func (m *Manager) get(idx NodeIndex) *node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx == IndexNone || int(idx) >= len(m.nodes) {
		return nil
	}
	return m.nodes[idx]
}

// Subdivide splits a leaf into 8 children. It is a no-op (returning the
// leaf itself) at max depth, per spec.md §4.3 Failure.
func (m *Manager) Subdivide(idx NodeIndex) NodeIndex {
	n := m.get(idx)
	if n == nil {
		return IndexNone
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.leaf || n.depth >= m.maxDepth {
		return idx
	}
	for i := 0; i < 8; i++ {
		childBounds := n.bounds.childBounds(i)
		child := m.Allocate(childBounds, n.depth+1, n.kind, idx)
		n.children[i] = child
	}
	n.leaf = false
	m.bumpVersion()
	return idx
}

// Collapse merges idx's 8 children back into a single leaf, provided they
// are all leaves of the same non-Interface kind with identical primary
// material (spec.md §4.3). It is a no-op otherwise.
func (m *Manager) Collapse(idx NodeIndex) bool {
	n := m.get(idx)
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaf {
		return false
	}
	var kind Kind
	var mat int
	for i, c := range n.children {
		cn := m.get(c)
		if cn == nil || !cn.leaf || cn.kind == Interface {
			return false
		}
		if i == 0 {
			kind, mat = cn.kind, cn.primaryMaterial
		} else if cn.kind != kind || cn.primaryMaterial != mat {
			return false
		}
	}
	for _, c := range n.children {
		m.Release(c)
	}
	for i := range n.children {
		n.children[i] = IndexNone
	}
	n.leaf = true
	n.kind = kind
	n.primaryMaterial = mat
	m.bumpVersion()
	return true
}

// SetKind updates a leaf's classification, as driven by the SDF manager's
// state classifier (spec.md §4.4).
func (m *Manager) SetKind(idx NodeIndex, kind Kind, primaryMaterial int) {
	n := m.get(idx)
	if n == nil {
		return
	}
	n.mu.Lock()
	n.kind = kind
	n.primaryMaterial = primaryMaterial
	n.version++
	n.mu.Unlock()
	m.bumpVersion()
}

// SetFieldIndex links idx to SDF storage (a sdf.FieldIndex, stored here as
// a plain int32 to avoid a package import cycle).
func (m *Manager) SetFieldIndex(idx NodeIndex, fieldIndex int32) {
	n := m.get(idx)
	if n == nil {
		return
	}
	n.mu.Lock()
	n.fieldIndex = fieldIndex
	n.mu.Unlock()
}

func (m *Manager) FieldIndex(idx NodeIndex) (int32, bool) {
	n := m.get(idx)
	if n == nil {
		return -1, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.fieldIndex < 0 {
		return -1, false
	}
	return n.fieldIndex, true
}

// FindLeafAt performs the recursive descent of spec.md §4.3 "Point
// location": it retries on a version mismatch (optimistic read) rather
// than holding any lock across the traversal.
func (m *Manager) FindLeafAt(p Vec3) (NodeIndex, bool) {
	for attempt := 0; attempt < 4; attempt++ {
		startVersion := m.Version()
		idx, ok := m.descend(m.root, p)
		if m.Version() == startVersion {
			return idx, ok
		}
	}
	return m.descend(m.root, p)
}

func (m *Manager) descend(idx NodeIndex, p Vec3) (NodeIndex, bool) {
	n := m.get(idx)
	if n == nil {
		return IndexNone, false
	}
	n.mu.RLock()
	if !n.bounds.Contains(p) {
		n.mu.RUnlock()
		return IndexNone, false
	}
	if n.leaf {
		n.mu.RUnlock()
		return idx, true
	}
	oct := n.bounds.octant(p)
	child := n.children[oct]
	n.mu.RUnlock()
	return m.descend(child, p)
}

// FindNodesInBox collects node indices intersecting box; when leavesOnly
// is set, only leaf nodes are returned.
func (m *Manager) FindNodesInBox(box Box, leavesOnly bool) []NodeIndex {
	var out []NodeIndex
	m.collect(m.root, box, leavesOnly, &out)
	return out
}

func (m *Manager) collect(idx NodeIndex, box Box, leavesOnly bool, out *[]NodeIndex) {
	n := m.get(idx)
	if n == nil {
		return
	}
	n.mu.RLock()
	if !n.bounds.Intersects(box) {
		n.mu.RUnlock()
		return
	}
	leaf := n.leaf
	children := n.children
	n.mu.RUnlock()

	if leaf || !leavesOnly {
		*out = append(*out, idx)
	}
	if !leaf {
		for _, c := range children {
			m.collect(c, box, leavesOnly, out)
		}
	}
}

// Bounds / Depth / IsLeaf / Center / Size / Kind are the read-only node
// property accessors of spec.md §4.3.
func (m *Manager) Bounds(idx NodeIndex) Box {
	n := m.get(idx)
	if n == nil {
		return Box{}
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bounds
}

func (m *Manager) Depth(idx NodeIndex) uint8 {
	n := m.get(idx)
	if n == nil {
		return 0
	}
	return n.depth
}

func (m *Manager) IsLeaf(idx NodeIndex) bool {
	n := m.get(idx)
	if n == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaf
}

func (m *Manager) Center(idx NodeIndex) Vec3 { return m.Bounds(idx).Center() }
func (m *Manager) Size(idx NodeIndex) Vec3    { return m.Bounds(idx).Size() }

func (m *Manager) Kind(idx NodeIndex) Kind {
	n := m.get(idx)
	if n == nil {
		return Empty
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.kind
}

func (m *Manager) Children(idx NodeIndex) [8]NodeIndex {
	n := m.get(idx)
	if n == nil {
		var empty [8]NodeIndex
		for i := range empty {
			empty[i] = IndexNone
		}
		return empty
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children
}

func (m *Manager) Parent(idx NodeIndex) NodeIndex {
	n := m.get(idx)
	if n == nil {
		return IndexNone
	}
	return n.parent
}

// ShouldSubdivide implements spec.md §4.3's subdivision policy: depth <
// maxDepth and the node's classification is Interface.
func (m *Manager) ShouldSubdivide(idx NodeIndex) bool {
	n := m.get(idx)
	if n == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.depth < m.maxDepth && n.kind == Interface
}

// RayHit is the result of TraceRay.
type RayHit struct {
	Node NodeIndex
	T    float64
	Pos  Vec3
}

// TraceRay performs a slab test against the root followed by ordered
// child descent by ray-direction sign (spec.md §4.3). It stops at the
// first leaf whose bounds the ray enters within [0, maxDist] — sampling
// the field for the true surface hit is the evaluator's job (§4.6).
func (m *Manager) TraceRay(start, dir Vec3, maxDist float64) (RayHit, bool) {
	tMin, tMax, ok := slabTest(m.Bounds(m.root), start, dir, 0, maxDist)
	if !ok {
		return RayHit{}, false
	}
	return m.traceDescend(m.root, start, dir, tMin, tMax)
}

func slabTest(b Box, start, dir Vec3, tMin, tMax float64) (float64, float64, bool) {
	axes := []struct{ lo, hi, o, d float64 }{
		{b.Min.X, b.Max.X, start.X, dir.X},
		{b.Min.Y, b.Max.Y, start.Y, dir.Y},
		{b.Min.Z, b.Max.Z, start.Z, dir.Z},
	}
	for _, a := range axes {
		if a.d == 0 {
			if a.o < a.lo || a.o > a.hi {
				return 0, 0, false
			}
			continue
		}
		inv := 1.0 / a.d
		t0 := (a.lo - a.o) * inv
		t1 := (a.hi - a.o) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tMin {
			tMin = t0
		}
		if t1 < tMax {
			tMax = t1
		}
		if tMin > tMax {
			return 0, 0, false
		}
	}
	return tMin, tMax, true
}

func (m *Manager) traceDescend(idx NodeIndex, start, dir Vec3, tMin, tMax float64) (RayHit, bool) {
	n := m.get(idx)
	if n == nil {
		return RayHit{}, false
	}
	n.mu.RLock()
	leaf := n.leaf
	children := n.children
	n.mu.RUnlock()

	if leaf {
		pos := Vec3{start.X + dir.X*tMin, start.Y + dir.Y*tMin, start.Z + dir.Z*tMin}
		return RayHit{Node: idx, T: tMin, Pos: pos}, true
	}

	type childT struct {
		idx    NodeIndex
		tEnter float64
	}
	var ordered []childT
	for _, c := range children {
		cb := m.Bounds(c)
		if t0, t1, ok := slabTest(cb, start, dir, tMin, tMax); ok {
			ordered = append(ordered, childT{c, t0})
			_ = t1
		}
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].tEnter < ordered[i].tEnter {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, c := range ordered {
		if hit, ok := m.traceDescend(c.idx, start, dir, tMin, tMax); ok {
			return hit, true
		}
	}
	return RayHit{}, false
}

// OptimizeMemory walks the tree bottom-up and collapses every node whose
// children are all leaves of one non-Interface kind with one primary
// material (see Collapse), releasing the children's index slots. The
// façade calls it from Volume.OptimizeMemory.
func (m *Manager) OptimizeMemory() {
	m.mu.RLock()
	root := m.root
	m.mu.RUnlock()
	m.optimizeSubtree(root)
}

func (m *Manager) optimizeSubtree(idx NodeIndex) {
	n := m.get(idx)
	if n == nil {
		return
	}
	n.mu.RLock()
	leaf := n.leaf
	children := n.children
	n.mu.RUnlock()
	if leaf {
		return
	}
	for _, c := range children {
		m.optimizeSubtree(c)
	}
	m.Collapse(idx)
}

// InvalidDelta reports whether applying a delta record against an unknown
// parent or mismatched depth should mark the enclosing transaction Failed
// (spec.md §4.3 Failure).
func (m *Manager) InvalidDelta(parent NodeIndex, expectedDepth uint8) error {
	n := m.get(parent)
	if n == nil {
		return svoerr.New(svoerr.Corrupted, "octree", "delta references unknown parent node")
	}
	if n.depth+1 != expectedDepth {
		return svoerr.New(svoerr.Corrupted, "octree", "delta depth mismatch")
	}
	return nil
}

// PrimaryMaterial returns a leaf's dominant material, used by the
// serializer's node records (spec.md §6 node section).
func (m *Manager) PrimaryMaterial(idx NodeIndex) int {
	n := m.get(idx)
	if n == nil {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.primaryMaterial
}

// AllNodes returns every live (non-released) node index in the arena, in
// arena order. The serializer walks this rather than the tree itself so
// released slots are skipped without special-casing IndexNone children.
func (m *Manager) AllNodes() []NodeIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeIndex, 0, len(m.nodes))
	for i, n := range m.nodes {
		if n == nil || n.released {
			continue
		}
		out = append(out, NodeIndex(i))
	}
	return out
}

// childOctant finds which of parent's children slots holds child,
// or -1 if none does. m.mu need not be held by the caller; it is acquired
// implicitly via Children.
func (m *Manager) childOctant(parent, child NodeIndex) int {
	kids := m.Children(parent)
	for i, k := range kids {
		if k == child {
			return i
		}
	}
	return -1
}

// LocationCode packs idx's root-to-node path into a single integer, three
// bits per level (one octant digit per depth), the locational code a
// linear octree commonly uses as a node's address. It is the
// "morton_parent_code" of spec.md §6's node section: reconstructible
// top-down without storing explicit parent pointers on the wire.
func (m *Manager) LocationCode(idx NodeIndex) uint64 {
	var digits []int
	cur := idx
	for cur != m.root && cur != IndexNone {
		parent := m.Parent(cur)
		if parent == IndexNone {
			break
		}
		digits = append(digits, m.childOctant(parent, cur))
		cur = parent
	}
	var code uint64
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if d < 0 {
			d = 0
		}
		code = (code << 3) | uint64(d)
	}
	return code
}
