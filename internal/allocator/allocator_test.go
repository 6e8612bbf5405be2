package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocReuseAndFree(t *testing.T) {
	a := New(0, nil)
	p1 := a.Alloc(100, 0, 0)
	require.False(t, p1.IsNull())

	require.NoError(t, a.Free(p1, 0))

	p2 := a.Alloc(100, 0, 0)
	require.False(t, p2.IsNull())
	assert.Equal(t, p1, p2, "freed chunk should be reused before a new block is created")
}

func TestFreeForeignPointerIsNoop(t *testing.T) {
	a := New(0, nil)
	other := New(0, nil)
	p := other.Alloc(64, 0, 0)
	err := a.Free(p, 0)
	assert.Error(t, err)
	assert.True(t, other.Own(p), "foreign free must not affect the owning allocator")
}

func TestOwn(t *testing.T) {
	a := New(0, nil)
	p := a.Alloc(64, 0, 0)
	assert.True(t, a.Own(p))
	assert.False(t, a.Own(Null))
}

func TestBudgetExhaustionReturnsNull(t *testing.T) {
	a := New(MinBlockSize, nil) // one block's worth of budget
	p1 := a.Alloc(100, 0, 0)
	require.False(t, p1.IsNull())

	// A second distinct material forces a new block, which exceeds budget.
	p2 := a.Alloc(100, 1, 0)
	assert.True(t, p2.IsNull())
}

func TestReleaseUnusedThenCompactRecoversBudget(t *testing.T) {
	a := New(MinBlockSize, nil)
	p1 := a.Alloc(100, 0, 0)
	require.False(t, p1.IsNull())
	require.NoError(t, a.Free(p1, 0))

	released := a.ReleaseUnused()
	assert.Equal(t, 1, released)
	a.Compact()

	p2 := a.Alloc(100, 1, 0)
	assert.False(t, p2.IsNull(), "sculpt after release_unused + compact should succeed")
}

func TestBytesRoundTrip(t *testing.T) {
	a := New(0, nil)
	p := a.Alloc(64, 0, 0)
	buf := a.Bytes(p)
	require.Len(t, buf, 64)
	buf[0] = 0xAB
	assert.Equal(t, byte(0xAB), a.Bytes(p)[0])
}

func TestStatsFragmentation(t *testing.T) {
	a := New(0, nil)
	p := a.Alloc(64, 0, 0)
	s := a.Stats()
	assert.Equal(t, int64(64), s.UsedBytes)
	assert.Equal(t, int64(MinBlockSize), s.TotalBytes)
	assert.InDelta(t, 64.0/float64(MinBlockSize), s.FragmentationRatio, 1e-9)
	_ = p
}

func TestPrioritizeProtectsFromEviction(t *testing.T) {
	a := New(MinBlockSize, nil)
	p1 := a.Alloc(100, 0, 0)
	require.NoError(t, a.Free(p1, 0))
	a.Prioritize(p1, 10)

	// Compact should not remove the pinned, now-empty block.
	a.Compact()
	assert.True(t, a.Own(p1))
}
