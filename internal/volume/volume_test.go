package volume

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxos/svoengine/internal/config"
)

func testConfig() *config.Config {
	var cfg config.Config
	cfg.Volume.WorldDimensions = [3]float64{16, 16, 16}
	cfg.Volume.LeafNodeSize = 1.0
	cfg.Volume.MaxDepth = 3
	cfg.Volume.MaterialCount = 2
	cfg.DistanceField.EvaluationAccuracy = 1e-3
	cfg.DistanceField.MaxCacheSize = 1024
	cfg.DistanceField.EnableCaching = true
	cfg.Hardware.MaxThreadsForFieldEvaluation = 1
	cfg.Network.IsServer = true
	cfg.SVO.MaterialMaxMemoryMB = 16
	return &cfg
}

func TestInitializeBuildsUsableVolume(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, float32(1), v.Evaluate(Vec3{X: 8, Y: 8, Z: 8}, 0))
}

func TestUnionMaterialSculptsField(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)

	center := Vec3{X: 8, Y: 8, Z: 8}
	require.NoError(t, v.UnionMaterial(center, 3, 0, 1))

	assert.Less(t, v.Evaluate(center, 0), float32(0))
	assert.False(t, v.Inside(Vec3{X: 0, Y: 0, Z: 0}, 0))
}

func TestSubtractMaterialCarvesField(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	center := Vec3{X: 8, Y: 8, Z: 8}
	require.NoError(t, v.UnionMaterial(center, 3, 0, 1))
	require.NoError(t, v.SubtractMaterial(center, 1, 0, 1))
	assert.GreaterOrEqual(t, v.Evaluate(center, 0), float32(0))
}

func TestEvaluateMultiReturnsAllChannels(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	vals := v.EvaluateMulti(Vec3{X: 8, Y: 8, Z: 8})
	assert.Len(t, vals, 2)
}

func TestMemoryStatsReflectsAllocations(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, v.UnionMaterial(Vec3{X: 8, Y: 8, Z: 8}, 3, 0, 1))
	stats := v.MemoryStats()
	assert.Greater(t, stats.UsedBytes, int64(0))
}

func TestOptimizeMemoryDoesNotPanic(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, v.UnionMaterial(Vec3{X: 8, Y: 8, Z: 8}, 3, 0, 1))
	v.OptimizeMemory()
}

func TestSerializeFullRoundTrip(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	center := Vec3{X: 8, Y: 8, Z: 8}
	require.NoError(t, v.UnionMaterial(center, 3, 0, 1))

	var buf bytes.Buffer
	require.NoError(t, v.SerializeFull(&buf))

	restored, err := DeserializeFull(&buf, testConfig(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, v.Evaluate(center, 0), restored.Evaluate(center, 0))
}

func TestSerializeFullRejectsBadMagic(t *testing.T) {
	_, err := DeserializeFull(bytes.NewReader([]byte("not a volume stream at all")), testConfig(), nil, nil)
	assert.Error(t, err)
}

func TestGenerateAndApplyNetworkDeltaRoundTrip(t *testing.T) {
	source, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	center := Vec3{X: 8, Y: 8, Z: 8}
	require.NoError(t, source.UnionMaterial(center, 3, 0, 1))

	delta := source.GenerateNetworkDelta(0, source.oct.Version())

	dest, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	applied, err := dest.ApplyNetworkDelta(delta, 0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, source.Evaluate(center, 0), dest.Evaluate(center, 0))
}

func TestPrioritizeRegionDoesNotPanic(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	box := sphereBounds(Vec3{X: 8, Y: 8, Z: 8}, 4)
	v.PrioritizeRegion(box, 5)
}

func TestSetMaterialChannelCountRejectsNonPositive(t *testing.T) {
	v, err := Initialize(testConfig(), nil, nil)
	require.NoError(t, err)
	assert.Error(t, v.SetMaterialChannelCount(0))
	assert.NoError(t, v.SetMaterialChannelCount(4))
}
