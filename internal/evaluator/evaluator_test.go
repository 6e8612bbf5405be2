package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxos/svoengine/internal/allocator"
	"github.com/arxos/svoengine/internal/octree"
	"github.com/arxos/svoengine/internal/sdf"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *sdf.Manager, octree.NodeIndex) {
	t.Helper()
	alloc := allocator.New(0, nil)
	oct := octree.NewManager(octree.Box{Min: octree.Vec3{}, Max: octree.Vec3{X: 8, Y: 8, Z: 8}}, 1)
	fields := sdf.NewManager(alloc, oct, 1, 2.0)
	node := oct.Root()
	fields.CreateField(node, sdf.CreateOpts{Origin: octree.Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: true})
	ev := New(oct, fields, nil, nil)
	return ev, fields, node
}

func TestEvaluateOutsideFieldReturnsPositive(t *testing.T) {
	ev, _, _ := newTestEvaluator(t)
	v := ev.Evaluate(Vec3{X: 100, Y: 100, Z: 100}, 0)
	assert.Equal(t, float32(1), v)
}

func TestEvaluateUsesCacheOnSecondCall(t *testing.T) {
	ev, fields, node := newTestEvaluator(t)
	idx, ok := fields.FieldForNode(node)
	require.True(t, ok)
	fields.SetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 0, -5)

	first := ev.Evaluate(Vec3{X: 4, Y: 4, Z: 4}, 0)
	assert.Equal(t, float32(-5), first)
	assert.Equal(t, 1, ev.CacheSize())

	fields.SetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 0, 9)
	stale := ev.Evaluate(Vec3{X: 4, Y: 4, Z: 4}, 0)
	assert.Equal(t, float32(-5), stale, "cached value should not reflect the later write")
}

func TestInsideReflectsSign(t *testing.T) {
	ev, fields, node := newTestEvaluator(t)
	idx, _ := fields.FieldForNode(node)
	fields.SetDistance(idx, Vec3{X: 2, Y: 2, Z: 2}, 0, -1)
	assert.True(t, ev.Inside(Vec3{X: 2, Y: 2, Z: 2}, 0))
	assert.False(t, ev.Inside(Vec3{X: 6, Y: 6, Z: 6}, 0))
}

func TestNormalFallsBackWhenGradientTiny(t *testing.T) {
	ev, _, _ := newTestEvaluator(t)
	ev.SetAccuracy(0.5)
	n := ev.Normal(Vec3{X: 1, Y: 1, Z: 1}, 0)
	assert.Equal(t, Vec3{X: 0, Y: 0, Z: 1}, n)
}

func TestSphereTraceHitsSurface(t *testing.T) {
	ev, fields, node := newTestEvaluator(t)
	idx, _ := fields.FieldForNode(node)
	fields.ApplySphere(idx, Vec3{X: 4, Y: 4, Z: 4}, 2, 0, -1)

	hit, ok := ev.SphereTrace(Vec3{X: 0, Y: 4, Z: 4}, Vec3{X: 8, Y: 4, Z: 4}, 0, 0)
	require.True(t, ok)
	assert.Less(t, hit.Distance, 4.0, "should hit before reaching the sphere's center")
}

func TestSphereTraceMissesWhenNoSurface(t *testing.T) {
	ev, fields, node := newTestEvaluator(t)
	idx, _ := fields.FieldForNode(node)
	fields.ClearMaterial(idx, 0)
	_, ok := ev.SphereTrace(Vec3{X: 0, Y: 4, Z: 4}, Vec3{X: 8, Y: 4, Z: 4}, 0, 0)
	assert.False(t, ok)
}

func TestBoxIntersectsFieldShortCircuits(t *testing.T) {
	ev, fields, node := newTestEvaluator(t)
	idx, _ := fields.FieldForNode(node)
	fields.SetDistance(idx, Vec3{X: 4, Y: 4, Z: 4}, 0, 0.01)
	box := octree.Box{Min: Vec3{X: 3, Y: 3, Z: 3}, Max: Vec3{X: 5, Y: 5, Z: 5}}
	assert.True(t, ev.BoxIntersectsField(box, 0, 0.1))
}

func TestEvaluateBatchPreservesOrder(t *testing.T) {
	ev, fields, node := newTestEvaluator(t)
	idx, _ := fields.FieldForNode(node)
	for i := 0; i < 8; i++ {
		fields.SetDistance(idx, Vec3{X: float64(i), Y: 0, Z: 0}, 0, float32(i))
	}
	positions := make([]Vec3, 8)
	for i := range positions {
		positions[i] = Vec3{X: float64(i), Y: 0, Z: 0}
	}
	out := ev.EvaluateBatch(positions, 0)
	for i, v := range out {
		assert.Equal(t, float32(i), v)
	}
}

func TestCacheEvictsToNinetyPercentOccupancy(t *testing.T) {
	ev, _, _ := newTestEvaluator(t)
	ev.SetCacheCapacity(10)
	for i := 0; i < 20; i++ {
		ev.Evaluate(Vec3{X: float64(i) * 10, Y: 0, Z: 0}, 0)
	}
	assert.LessOrEqual(t, ev.CacheSize(), 10)
}

func TestClearCacheEmptiesEntries(t *testing.T) {
	ev, _, _ := newTestEvaluator(t)
	ev.Evaluate(Vec3{X: 1, Y: 1, Z: 1}, 0)
	require.Greater(t, ev.CacheSize(), 0)
	ev.ClearCache()
	assert.Equal(t, 0, ev.CacheSize())
}
