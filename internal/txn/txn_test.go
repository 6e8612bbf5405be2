package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxos/svoengine/internal/allocator"
	"github.com/arxos/svoengine/internal/octree"
	"github.com/arxos/svoengine/internal/sdf"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *sdf.Manager, octree.NodeIndex) {
	t.Helper()
	alloc := allocator.New(0, nil)
	oct := octree.NewManager(octree.Box{Min: octree.Vec3{}, Max: octree.Vec3{X: 8, Y: 8, Z: 8}}, 1)
	fields := sdf.NewManager(alloc, oct, 1, 2.0)
	node := oct.Root()
	fields.CreateField(node, sdf.CreateOpts{Origin: octree.Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: true})
	return NewCoordinator(fields, nil), fields, node
}

func TestCommitBumpsZoneVersion(t *testing.T) {
	c, _, node := newTestCoordinator(t)
	tx := c.Begin("sculpt", nil)
	c.AddZone(tx, node, Write)
	ok, err := c.Commit(tx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Committed, tx.State)
	assert.Equal(t, uint64(1), tx.NewVersions[node])
}

func TestConcurrentWriteDetectsVersionConflict(t *testing.T) {
	c, _, node := newTestCoordinator(t)
	tx1 := c.Begin("sculpt-a", nil)
	c.AddZone(tx1, node, Write)
	tx2 := c.Begin("sculpt-b", nil)
	c.AddZone(tx2, node, Write)

	ok1, err1 := c.Commit(tx1)
	require.NoError(t, err1)
	assert.True(t, ok1)

	ok2, err2 := c.Commit(tx2)
	assert.False(t, ok2)
	require.Error(t, err2)
	assert.Equal(t, Failed, tx2.State)
}

func TestAbortReplaysUndoJournal(t *testing.T) {
	c, fields, node := newTestCoordinator(t)
	idx, ok := fields.FieldForNode(node)
	require.True(t, ok)
	fields.SetDistance(idx, sdf.Vec3{X: 2, Y: 2, Z: 2}, 0, 5)

	tx := c.Begin("sculpt", nil)
	c.AddZone(tx, node, Write)
	tx.MutateDistance(fields, idx, sdf.Vec3{X: 2, Y: 2, Z: 2}, 0, -9)
	assert.Equal(t, float32(-9), fields.GetDistance(idx, sdf.Vec3{X: 2, Y: 2, Z: 2}, 0))

	require.NoError(t, c.Abort(tx))
	assert.Equal(t, float32(5), fields.GetDistance(idx, sdf.Vec3{X: 2, Y: 2, Z: 2}, 0))
	assert.Equal(t, Aborted, tx.State)
}

func TestNetworkedCommitRequiresAuthority(t *testing.T) {
	c, _, node := newTestCoordinator(t)
	netCtx := &NetContext{
		ClientID: "client-a",
		HasAuthority: func(zone octree.NodeIndex, client string) bool {
			return false
		},
	}
	tx := c.Begin("sculpt", netCtx)
	c.AddZone(tx, node, Write)
	ok, err := c.Commit(tx)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, Failed, tx.State)
}

func TestOnCommitHookFires(t *testing.T) {
	c, _, node := newTestCoordinator(t)
	var fired *Tx
	c.OnCommit(func(tx *Tx) { fired = tx })
	tx := c.Begin("sculpt", nil)
	c.AddZone(tx, node, Write)
	_, err := c.Commit(tx)
	require.NoError(t, err)
	require.NotNil(t, fired)
	assert.Equal(t, tx.ID, fired.ID)
}

func TestReadOnlyZoneDoesNotRequireVersionMatch(t *testing.T) {
	c, _, node := newTestCoordinator(t)
	tx := c.Begin("query", nil)
	c.AddZone(tx, node, Read)
	ok, err := c.Commit(tx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, tx.NewVersions)
}
