package octree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitWorld() Box {
	return Box{Min: Vec3{0, 0, 0}, Max: Vec3{8, 8, 8}}
}

func TestNewManagerRootCoversWorld(t *testing.T) {
	m := NewManager(unitWorld(), 4)
	assert.True(t, m.IsLeaf(m.Root()))
	assert.Equal(t, Empty, m.Kind(m.Root()))
	assert.Equal(t, uint8(0), m.Depth(m.Root()))
}

func TestSubdivideCreatesEightDistinctChildren(t *testing.T) {
	m := NewManager(unitWorld(), 4)
	root := m.Subdivide(m.Root())
	require.False(t, m.IsLeaf(root))

	children := m.Children(root)
	seen := make(map[NodeIndex]bool)
	for _, c := range children {
		require.NotEqual(t, IndexNone, c)
		assert.False(t, seen[c], "children must be distinct nodes")
		seen[c] = true
		assert.True(t, m.IsLeaf(c))
		assert.Equal(t, uint8(1), m.Depth(c))
	}
}

func TestSubdivideAtMaxDepthIsNoop(t *testing.T) {
	m := NewManager(unitWorld(), 0)
	root := m.Root()
	result := m.Subdivide(root)
	assert.Equal(t, root, result)
	assert.True(t, m.IsLeaf(root))
}

func TestFindLeafAtDescendsToCorrectOctant(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	m.Subdivide(m.Root())

	// point in the +X+Y+Z octant (upper corner)
	p := Vec3{7, 7, 7}
	leaf, ok := m.FindLeafAt(p)
	require.True(t, ok)
	b := m.Bounds(leaf)
	assert.True(t, b.Contains(p))
	assert.Equal(t, uint8(1), m.Depth(leaf))

	// point in the lower corner octant
	p2 := Vec3{1, 1, 1}
	leaf2, ok := m.FindLeafAt(p2)
	require.True(t, ok)
	assert.NotEqual(t, leaf, leaf2)
}

func TestFindLeafAtOutsideWorldFails(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	_, ok := m.FindLeafAt(Vec3{100, 100, 100})
	assert.False(t, ok)
}

func TestCollapseRequiresMatchingHomogeneousChildren(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	root := m.Root()
	m.Subdivide(root)
	children := m.Children(root)
	for _, c := range children {
		m.SetKind(c, Homogeneous, 3)
	}
	ok := m.Collapse(root)
	require.True(t, ok)
	assert.True(t, m.IsLeaf(root))
	assert.Equal(t, Homogeneous, m.Kind(root))
}

func TestCollapseRefusesInterfaceChildren(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	root := m.Root()
	m.Subdivide(root)
	children := m.Children(root)
	m.SetKind(children[0], Interface, 0)
	ok := m.Collapse(root)
	assert.False(t, ok)
	assert.False(t, m.IsLeaf(root))
}

func TestFindNodesInBoxLeavesOnly(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	m.Subdivide(m.Root())
	nodes := m.FindNodesInBox(unitWorld(), true)
	assert.Len(t, nodes, 8)
}

func TestFindNodesInBoxIncludingInternal(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	m.Subdivide(m.Root())
	nodes := m.FindNodesInBox(unitWorld(), false)
	assert.Len(t, nodes, 9) // root + 8 children
}

func TestTraceRayHitsRoot(t *testing.T) {
	m := NewManager(unitWorld(), 1)
	hit, ok := m.TraceRay(Vec3{-10, 4, 4}, Vec3{1, 0, 0}, 100)
	require.True(t, ok)
	assert.InDelta(t, 10.0, hit.T, 1e-9)
}

func TestTraceRayMissesWorld(t *testing.T) {
	m := NewManager(unitWorld(), 1)
	_, ok := m.TraceRay(Vec3{-10, 100, 100}, Vec3{1, 0, 0}, 100)
	assert.False(t, ok)
}

func TestFieldIndexLinkage(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	root := m.Root()
	_, ok := m.FieldIndex(root)
	assert.False(t, ok)

	m.SetFieldIndex(root, 42)
	idx, ok := m.FieldIndex(root)
	require.True(t, ok)
	assert.Equal(t, int32(42), idx)
}

func TestShouldSubdivideOnlyForInterfaceWithinDepth(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	root := m.Root()
	assert.False(t, m.ShouldSubdivide(root)) // Empty, not Interface
	m.SetKind(root, Interface, 0)
	assert.True(t, m.ShouldSubdivide(root))

	deep := NewManager(unitWorld(), 0)
	deep.SetKind(deep.Root(), Interface, 0)
	assert.False(t, deep.ShouldSubdivide(deep.Root())) // at max depth already
}

func TestOptimizeMemoryCollapsesUniformSubtree(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	root := m.Root()
	m.Subdivide(root)
	for _, c := range m.Children(root) {
		m.SetKind(c, Homogeneous, 7)
	}
	m.OptimizeMemory()
	assert.True(t, m.IsLeaf(root))
	assert.Equal(t, Homogeneous, m.Kind(root))
}

func TestReleaseThenAllocateReusesSlot(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	root := m.Root()
	m.Subdivide(root)
	children := m.Children(root)
	m.Release(children[0])
	newIdx := m.Allocate(unitWorld(), 1, Empty, root)
	assert.Equal(t, children[0], newIdx)
}

func TestInvalidDeltaDetectsDepthMismatch(t *testing.T) {
	m := NewManager(unitWorld(), 2)
	root := m.Root()
	err := m.InvalidDelta(root, 5)
	assert.Error(t, err)
	err = m.InvalidDelta(root, 1)
	assert.NoError(t, err)
}
