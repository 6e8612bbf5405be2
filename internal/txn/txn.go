// Package txn implements the transaction coordinator of spec.md §4.7: an
// optimistic-concurrency protocol that makes multi-field sculpts atomic
// with respect to a volume's per-zone versions, with an undo journal for
// abort. Grounded on original_source's
// 25_SvoSdfVolume/Private/MiningTransactionManager.cpp transaction
// lifecycle (begin/add-zone/commit/abort, per-zone version checks, undo
// on abort), using google/uuid for transaction identifiers as
// handlers/asset_audit.go and arx-backend/repository/pipeline_repository.go
// do for their own record IDs.
package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arxos/svoengine/internal/metrics"
	"github.com/arxos/svoengine/internal/octree"
	"github.com/arxos/svoengine/internal/sdf"
	"github.com/arxos/svoengine/internal/svoerr"
)

// ZoneID identifies a lockable unit of the volume. The engine treats one
// octree leaf as one zone: it is the natural granularity at which fields
// are mutated and versioned.
type ZoneID = octree.NodeIndex

// Mode is the declared access mode a transaction requests on a zone.
type Mode uint8

const (
	Read Mode = iota
	Write
	ReadWrite
)

// State is a transaction's lifecycle stage.
type State uint8

const (
	Active State = iota
	Committing
	Committed
	Aborted
	Failed
)

// NetContext carries the networked-transaction metadata of spec.md §4.7:
// a client identity and a HasAuthority callback that Commit consults for
// every written zone before its version check.
type NetContext struct {
	ClientID     string
	HasAuthority func(zone ZoneID, client string) bool
}

type undoEntry struct {
	field    sdf.FieldIndex
	local    sdf.Vec3
	material int
	previous float32
}

// Tx is one in-flight transaction record (spec.md §3 Transaction record).
type Tx struct {
	ID              uuid.UUID
	Kind            string
	AffectedVolumes []string
	ReadSet         map[ZoneID]bool
	WriteSet        map[ZoneID]bool
	BaseVersions    map[ZoneID]uint64
	NewVersions     map[ZoneID]uint64
	State           State
	StartedAt       time.Time
	EndedAt         time.Time
	NetCtx          *NetContext

	mu   sync.Mutex
	undo []undoEntry
}

// AddVolume records a volume identifier this transaction touches.
func (tx *Tx) AddVolume(volID string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.AffectedVolumes = append(tx.AffectedVolumes, volID)
}

// RecordUndo appends a pre-image entry to the abort journal. It must be
// called with the field's value as observed immediately before a write.
func (tx *Tx) RecordUndo(field sdf.FieldIndex, local sdf.Vec3, material int, previous float32) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.undo = append(tx.undo, undoEntry{field: field, local: local, material: material, previous: previous})
}

// MutateDistance captures the field's current value into the undo
// journal, then writes newValue — the mutate-phase primitive spec.md
// §4.7 describes as "the SDF manager writes old values into the journal
// before mutating."
func (tx *Tx) MutateDistance(fields *sdf.Manager, field sdf.FieldIndex, local sdf.Vec3, mat int, newValue float32) {
	previous := fields.GetDistance(field, local, mat)
	tx.RecordUndo(field, local, mat, previous)
	fields.SetDistance(field, local, mat, newValue)
}

// Coordinator owns per-zone version state and arbitrates commits.
type Coordinator struct {
	mu           sync.Mutex
	zoneVersions map[ZoneID]uint64
	fields       *sdf.Manager
	metrics      *metrics.Registry
	onCommit     func(tx *Tx)
}

// NewCoordinator creates a coordinator whose undo journal replays
// against fields.
func NewCoordinator(fields *sdf.Manager, m *metrics.Registry) *Coordinator {
	return &Coordinator{
		zoneVersions: make(map[ZoneID]uint64),
		fields:       fields,
		metrics:      m,
	}
}

// OnCommit registers a hook invoked after every successful commit, used
// by package network to enqueue pending updates without an import cycle
// back into txn.
func (c *Coordinator) OnCommit(fn func(tx *Tx)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommit = fn
}

func (c *Coordinator) zoneVersion(zone ZoneID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zoneVersions[zone]
}

// ZoneVersion exposes a zone's current committed version to package
// network, which needs it for staleness checks on networked ops without
// duplicating version bookkeeping.
func (c *Coordinator) ZoneVersion(zone ZoneID) uint64 { return c.zoneVersion(zone) }

// SetZoneVersion force-sets a zone's version — used by
// ApplyNetworkedOp, whose versions arrive pre-validated from a remote
// authority rather than being derived locally via Commit.
func (c *Coordinator) SetZoneVersion(zone ZoneID, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zoneVersions[zone] = version
}

// Begin opens a new transaction. netCtx is nil for purely local work.
func (c *Coordinator) Begin(kind string, netCtx *NetContext) *Tx {
	return &Tx{
		ID:           uuid.New(),
		Kind:         kind,
		ReadSet:      make(map[ZoneID]bool),
		WriteSet:     make(map[ZoneID]bool),
		BaseVersions: make(map[ZoneID]uint64),
		NewVersions:  make(map[ZoneID]uint64),
		State:        Active,
		StartedAt:    time.Now(),
		NetCtx:       netCtx,
	}
}

// AddZone declares a zone's access mode and snapshots its base version.
func (c *Coordinator) AddZone(tx *Tx, zone ZoneID, mode Mode) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.BaseVersions[zone] = c.zoneVersion(zone)
	if mode == Read || mode == ReadWrite {
		tx.ReadSet[zone] = true
	}
	if mode == Write || mode == ReadWrite {
		tx.WriteSet[zone] = true
	}
}

// Commit validates every write zone's base version against the current
// one, publishes new versions atomically on success, and otherwise marks
// the transaction Failed. Networked write zones additionally require
// authority via tx.NetCtx.HasAuthority.
func (c *Coordinator) Commit(tx *Tx) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.State != Active {
		return false, svoerr.New(svoerr.InvalidArgument, "txn", "commit called on a non-active transaction")
	}
	tx.State = Committing

	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.NetCtx != nil && tx.NetCtx.HasAuthority != nil {
		for zone := range tx.WriteSet {
			if !tx.NetCtx.HasAuthority(zone, tx.NetCtx.ClientID) {
				tx.State = Failed
				tx.EndedAt = time.Now()
				if c.metrics != nil {
					c.metrics.AbortsTotal.Inc()
				}
				return false, svoerr.New(svoerr.AuthorityDenied, "txn", "client lacks authority over a write zone").
					WithDetail("zone", zone)
			}
		}
	}

	for zone := range tx.WriteSet {
		if c.zoneVersions[zone] != tx.BaseVersions[zone] {
			tx.State = Failed
			tx.EndedAt = time.Now()
			if c.metrics != nil {
				c.metrics.ConflictsTotal.Inc()
			}
			return false, svoerr.New(svoerr.VersionConflict, "txn", "write zone version advanced since begin").
				WithDetail("zone", zone).
				WithDetail("base", tx.BaseVersions[zone]).
				WithDetail("current", c.zoneVersions[zone])
		}
	}

	for zone := range tx.WriteSet {
		newVersion := tx.BaseVersions[zone] + 1
		c.zoneVersions[zone] = newVersion
		tx.NewVersions[zone] = newVersion
	}

	tx.State = Committed
	tx.EndedAt = time.Now()
	if c.metrics != nil {
		c.metrics.CommitsTotal.Inc()
	}
	if c.onCommit != nil {
		c.onCommit(tx)
	}
	return true, nil
}

// Abort replays the undo journal in reverse order, restoring every
// touched (field, material, position) to its pre-transaction value.
func (c *Coordinator) Abort(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		e := tx.undo[i]
		c.fields.SetDistance(e.field, e.local, e.material, e.previous)
	}
	tx.State = Aborted
	tx.EndedAt = time.Now()
	if c.metrics != nil {
		c.metrics.AbortsTotal.Inc()
	}
	return nil
}

// Fail marks a transaction Failed outside the normal commit path — used
// when a post-commit invariant check (spec.md §3) discovers the volume
// is no longer consistent. Per spec.md §4.7 this is treated as fatal:
// callers are expected to also mark the owning volume Failed.
func (c *Coordinator) Fail(tx *Tx, reason string) error {
	tx.mu.Lock()
	tx.State = Failed
	tx.EndedAt = time.Now()
	tx.mu.Unlock()
	return svoerr.New(svoerr.InvariantViolation, "txn", reason)
}
