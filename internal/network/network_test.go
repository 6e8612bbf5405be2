package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxos/svoengine/internal/allocator"
	"github.com/arxos/svoengine/internal/octree"
	"github.com/arxos/svoengine/internal/sdf"
	"github.com/arxos/svoengine/internal/txn"
)

func newTestCoordinator(t *testing.T, isServer bool) (*Coordinator, *txn.Coordinator, octree.NodeIndex) {
	t.Helper()
	alloc := allocator.New(0, nil)
	oct := octree.NewManager(octree.Box{Min: octree.Vec3{}, Max: octree.Vec3{X: 8, Y: 8, Z: 8}}, 1)
	fields := sdf.NewManager(alloc, oct, 1, 2.0)
	node := oct.Root()
	fields.CreateField(node, sdf.CreateOpts{Origin: octree.Vec3{}, CellSize: 1, Resolution: 8, InitializeEmpty: true})
	txnC := txn.NewCoordinator(fields, nil)
	return NewCoordinator(txnC, isServer, []byte("test-secret"), nil), txnC, node
}

func TestGrantAndRequestModification(t *testing.T) {
	c, _, node := newTestCoordinator(t, false)
	granted := c.GrantAuthority("client-a", []octree.NodeIndex{node}, time.Minute)
	assert.Equal(t, []octree.NodeIndex{node}, granted)

	assert.Equal(t, Success, c.RequestModification("client-a", node, 0))
	assert.Equal(t, Conflict, c.RequestModification("client-b", node, 0))
}

func TestRequestModificationDeniedWithoutLease(t *testing.T) {
	c, _, node := newTestCoordinator(t, false)
	assert.Equal(t, Denied, c.RequestModification("client-a", node, 0))
}

func TestServerAlwaysHasAuthority(t *testing.T) {
	c, _, node := newTestCoordinator(t, true)
	assert.Equal(t, Success, c.RequestModification("anyone", node, 0))
}

func TestRevokeAuthority(t *testing.T) {
	c, _, node := newTestCoordinator(t, false)
	c.GrantAuthority("client-a", []octree.NodeIndex{node}, time.Minute)
	c.RevokeAuthority("client-a", []octree.NodeIndex{node})
	assert.Equal(t, Denied, c.RequestModification("client-a", node, 0))
}

func TestSubmitModificationRejectsStaleBase(t *testing.T) {
	c, txnC, node := newTestCoordinator(t, false)
	c.GrantAuthority("client-a", []octree.NodeIndex{node}, time.Minute)
	txnC.SetZoneVersion(node, 5)
	err := c.SubmitModification("client-a", node, 0, nil, 1)
	assert.Error(t, err)
}

func TestApplyNetworkedOpRejectsStaleVersion(t *testing.T) {
	c, txnC, node := newTestCoordinator(t, true)
	txnC.SetZoneVersion(node, 3)
	ok, err := c.ApplyNetworkedOp("client-a", "sculpt", map[octree.NodeIndex]uint64{node: 3}, 0, func() error { return nil })
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestApplyNetworkedOpSucceedsAndEnqueuesDelta(t *testing.T) {
	c, _, node := newTestCoordinator(t, true)
	ran := false
	ok, err := c.ApplyNetworkedOp("client-a", "sculpt", map[octree.NodeIndex]uint64{node: 1}, 0, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ran)

	deltas := c.ProcessNetworkDeltaReplications()
	require.Len(t, deltas, 1)
	assert.Equal(t, node, deltas[0].Zone)
}

func TestAuthorityTokenRoundTrip(t *testing.T) {
	c, _, node := newTestCoordinator(t, false)
	token, err := c.IssueAuthorityToken("client-a", []octree.NodeIndex{node}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	client, zones, err := c.VerifyAuthorityToken(token)
	require.NoError(t, err)
	assert.Equal(t, "client-a", client)
	assert.Equal(t, []octree.NodeIndex{node}, zones)
}

func TestAuthorityTokenRejectsExpired(t *testing.T) {
	c, _, node := newTestCoordinator(t, false)
	token, err := c.IssueAuthorityToken("client-a", []octree.NodeIndex{node}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, _, err = c.VerifyAuthorityToken(token)
	assert.Error(t, err)
}

func TestOptimizeBandwidthPrioritizesHigherPriorityDeltas(t *testing.T) {
	c, _, node := newTestCoordinator(t, true)
	low := octree.NodeIndex(99)
	_, err := c.ApplyNetworkedOp("client-a", "sculpt", map[octree.NodeIndex]uint64{low: 1}, 0, func() error { return nil })
	require.NoError(t, err)
	c.SetRegionPriority([]octree.NodeIndex{node}, 10)
	_, err = c.ApplyNetworkedOp("client-a", "sculpt", map[octree.NodeIndex]uint64{node: 1}, 0, func() error { return nil })
	require.NoError(t, err)

	drained := c.OptimizeBandwidth(1 << 20)
	require.Len(t, drained, 2)
	assert.Equal(t, node, drained[0].Zone)
	assert.Equal(t, low, drained[1].Zone)
}

func TestGenerateAndApplyDeltaRoundTrip(t *testing.T) {
	changes := []ZoneChange{
		{Zone: 1, NewVersion: 2, OpDesc: "union", ClientID: "client-a", Payload: []byte{1, 2, 3}},
	}
	data := GenerateDelta(1, 2, changes)

	var applied []ZoneChange
	err := ApplyDelta(data, 1, func(c ZoneChange) error {
		applied = append(applied, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, changes[0].OpDesc, applied[0].OpDesc)
	assert.Equal(t, changes[0].Payload, applied[0].Payload)
}

func TestApplyDeltaRejectsWrongBase(t *testing.T) {
	data := GenerateDelta(5, 6, nil)
	err := ApplyDelta(data, 1, func(c ZoneChange) error { return nil })
	assert.Error(t, err)
}

func TestProcessPendingNetworkReplicationsBatchesAtTen(t *testing.T) {
	c, txnC, node := newTestCoordinator(t, false)
	c.txns = txnC
	for i := 0; i < 15; i++ {
		tx := txnC.Begin("sculpt", &txn.NetContext{ClientID: "client-a", HasAuthority: func(z octree.NodeIndex, cl string) bool { return true }})
		txnC.AddZone(tx, node, txn.Write)
		_, _ = txnC.Commit(tx)
	}
	drained := c.ProcessPendingNetworkReplications()
	assert.Len(t, drained, 10)
}
