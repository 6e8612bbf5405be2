package sdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxos/svoengine/internal/allocator"
	"github.com/arxos/svoengine/internal/octree"
)

func newTestManager(t *testing.T, materialCount int) (*Manager, *octree.Manager, octree.NodeIndex) {
	t.Helper()
	alloc := allocator.New(0, nil)
	oct := octree.NewManager(octree.Box{Min: octree.Vec3{}, Max: octree.Vec3{X: 8, Y: 8, Z: 8}}, 4)
	m := NewManager(alloc, oct, materialCount, 2.0)
	return m, oct, oct.Root()
}

func TestCreateFieldInitializesEmpty(t *testing.T) {
	m, _, node := newTestManager(t, 2)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: true})
	require.NotEqual(t, FieldIndexNone, idx)
	assert.Equal(t, Empty, m.State(idx))
	assert.Equal(t, float32(1), m.GetDistance(idx, Vec3{X: 3, Y: 3, Z: 3}, 0))
}

func TestApplySphereAndEvaluate(t *testing.T) {
	m, _, node := newTestManager(t, 1)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: true})

	m.ApplySphere(idx, Vec3{X: 4, Y: 4, Z: 4}, 2, 0, -1)
	v := m.Evaluate(idx, Vec3{X: 4, Y: 4, Z: 4}, 0)
	assert.Equal(t, float32(-1), v)

	far := m.Evaluate(idx, Vec3{X: 0, Y: 0, Z: 0}, 0)
	assert.Equal(t, float32(1), far)
}

func TestUnionMaterialTakesMin(t *testing.T) {
	m, _, node := newTestManager(t, 1)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: true})
	m.SetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 0, 5)
	m.UnionMaterial(idx, Vec3{X: 4, Y: 4, Z: 4}, 2, 0, 1)
	v := m.GetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 0)
	assert.LessOrEqual(t, v, float32(5))
}

func TestSubtractMaterialTakesMax(t *testing.T) {
	m, _, node := newTestManager(t, 1)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: false})
	before := m.GetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 0)
	m.SubtractMaterial(idx, Vec3{X: 4, Y: 4, Z: 4}, 2, 0, 1)
	after := m.GetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 0)
	assert.GreaterOrEqual(t, after, before)
}

func TestBlendMaterialsCrossfades(t *testing.T) {
	m, _, node := newTestManager(t, 2)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: true})
	m.SetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 0, -1)
	m.SetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 1, 1)
	m.BlendMaterials(idx, Vec3{X: 4, Y: 4, Z: 4}, 2, 0, 1, 1)
	after := m.GetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 1)
	assert.Less(t, after, float32(1))
}

func TestClearAndFillMaterial(t *testing.T) {
	m, _, node := newTestManager(t, 2)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 4, InitializeEmpty: true})
	m.FillWithMaterial(idx, 1)
	assert.Equal(t, Homogeneous, m.State(idx))
	assert.Equal(t, 1, m.PrimaryMaterial(idx))

	m.ClearMaterial(idx, 1)
	v := m.GetDistance(idx, Vec3{X: 1, Y: 1, Z: 1}, 1)
	assert.Equal(t, float32(1), v)
}

func TestOutOfRangeMaterialIsNoop(t *testing.T) {
	m, _, node := newTestManager(t, 2)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 4, InitializeEmpty: true})
	before := m.FieldVersion(idx)
	m.SetDistance(idx, Vec3{X: 1, Y: 1, Z: 1}, 99, -1)
	assert.Equal(t, before, m.FieldVersion(idx))
}

func TestReleaseDetachesFromNode(t *testing.T) {
	m, oct, node := newTestManager(t, 1)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 4, InitializeEmpty: true})
	m.Release(idx)
	_, ok := oct.FieldIndex(node)
	assert.False(t, ok)
	_, ok = m.FieldForNode(node)
	assert.False(t, ok)
}

func TestVersioningTracksChanges(t *testing.T) {
	m, _, node := newTestManager(t, 1)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 4, InitializeEmpty: true})
	startVersion := m.Version()
	m.SetDistance(idx, Vec3{X: 1, Y: 1, Z: 1}, 0, -1)
	m.SetDistance(idx, Vec3{X: 2, Y: 2, Z: 2}, 0, -1)
	changes := m.ModifiedSince(startVersion)
	assert.Len(t, changes, 2)
}

func TestClassifierReachesInterfaceWithTwoMaterials(t *testing.T) {
	m, oct, node := newTestManager(t, 2)
	idx := m.CreateField(node, CreateOpts{Origin: Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: true})
	m.FillWithMaterial(idx, 0)
	m.ApplySphere(idx, Vec3{X: 4, Y: 4, Z: 4}, 2, 1, -2)
	assert.Equal(t, Interface, m.State(idx))
	assert.Equal(t, octree.Interface, oct.Kind(node))
}

func TestSmoothUnionIdentities(t *testing.T) {
	assert.InDelta(t, -2.0, SmoothUnionExponential(-2, 3, 0), 1e-9)
	assert.InDelta(t, -2.0, SmoothUnionPolynomial(-2, 3, 0), 1e-9)
	assert.Less(t, SmoothUnionExponential(-1, -1, 8), -1.0) // smoothing pulls below the hard min
}
