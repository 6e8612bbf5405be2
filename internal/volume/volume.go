// Package volume implements the public façade of spec.md §6: the single
// entry point an application embeds, binding together the node manager,
// field storage, material model, evaluator, transaction coordinator and
// network coordinator into the operations the façade advertises, plus the
// binary serializer for full/delta snapshots. Grounded on
// original_source's SVOHybridVolume.h (façade method surface) and
// VolumeSerializer.h (wire format), wired the way the teacher's
// arxos-api service layer composes its sub-packages behind one exported
// type per domain object.
package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/arxos/svoengine/internal/allocator"
	"github.com/arxos/svoengine/internal/config"
	"github.com/arxos/svoengine/internal/evaluator"
	"github.com/arxos/svoengine/internal/material"
	"github.com/arxos/svoengine/internal/metrics"
	"github.com/arxos/svoengine/internal/network"
	"github.com/arxos/svoengine/internal/octree"
	"github.com/arxos/svoengine/internal/scheduler"
	"github.com/arxos/svoengine/internal/sdf"
	"github.com/arxos/svoengine/internal/svoerr"
	"github.com/arxos/svoengine/internal/txn"
)

// Magic identifies a serialized volume stream (spec.md §6 header).
const Magic = uint32(0x53564f58) // "SVOX"

// FormatVersion is the current wire format revision.
const FormatVersion = uint16(1)

// Mode distinguishes the kinds of serialization payload spec.md §6 names.
type Mode uint8

const (
	ModeFull Mode = iota
	ModeDelta
	ModeStreaming
	ModePartial
)

// Compression selects the payload codec wrapping sections 2-5. Only None
// is implemented; the others are reserved wire values a future codec can
// occupy without a format bump.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionFast
	CompressionNormal
	CompressionHigh
)

// Vec3 aliases the shared vector type so callers need not import octree
// directly for façade calls.
type Vec3 = octree.Vec3

// Volume is the bound-together engine instance: one Volume owns one
// octree, one SDF manager, one material model, one evaluator, and the
// transaction/network coordinators layered over them.
type Volume struct {
	mu sync.RWMutex

	worldBounds   octree.Box
	leafSize      float64
	maxDepth      uint8
	materialCount int

	alloc     *allocator.Allocator
	oct       *octree.Manager
	fields    *sdf.Manager
	materials *material.Model
	eval      *evaluator.Evaluator
	txns      *txn.Coordinator
	net       *network.Coordinator
	metrics   *metrics.Registry
	log       *zap.Logger
}

// Initialize builds a fresh Volume from cfg, wiring every subsystem per
// spec.md §6's configuration keys. m and log may be nil (tests run
// unregistered/unlogged).
func Initialize(cfg *config.Config, m *metrics.Registry, log *zap.Logger) (*Volume, error) {
	if cfg == nil {
		return nil, svoerr.New(svoerr.InvalidArgument, "volume", "initialize requires a config")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	dims := cfg.Volume.WorldDimensions
	bounds := octree.Box{Min: Vec3{}, Max: Vec3{X: dims[0], Y: dims[1], Z: dims[2]}}
	maxDepth := uint8(cfg.Volume.MaxDepth)
	materialCount := cfg.Volume.MaterialCount
	if materialCount <= 0 {
		materialCount = 1
	}

	budget := int64(cfg.SVO.MaterialMaxMemoryMB) * 1 << 20
	alloc := allocator.New(budget, m)
	oct := octree.NewManager(bounds, maxDepth)
	fields := sdf.NewManager(alloc, oct, materialCount, cfg.Volume.LeafNodeSize)
	materials := material.NewModel(materialCount)

	var sched scheduler.Scheduler = scheduler.NewPool(cfg.Hardware.MaxThreadsForFieldEvaluation)
	eval := evaluator.New(oct, fields, sched, m)
	eval.SetAccuracy(cfg.DistanceField.EvaluationAccuracy)
	eval.EnableCache(cfg.DistanceField.EnableCaching)
	if cfg.DistanceField.MaxCacheSize > 0 {
		eval.SetCacheCapacity(cfg.DistanceField.MaxCacheSize)
	}

	txns := txn.NewCoordinator(fields, m)
	netCoord := network.NewCoordinator(txns, cfg.Network.IsServer, nil, m)

	v := &Volume{
		worldBounds:   bounds,
		leafSize:      cfg.Volume.LeafNodeSize,
		maxDepth:      maxDepth,
		materialCount: materialCount,
		alloc:         alloc,
		oct:           oct,
		fields:        fields,
		materials:     materials,
		eval:          eval,
		txns:          txns,
		net:           netCoord,
		metrics:       m,
		log:           log,
	}
	log.Info("volume initialized",
		zap.Float64s("world_dimensions", dims[:]),
		zap.Uint8("max_depth", maxDepth),
		zap.Int("material_count", materialCount),
	)
	return v, nil
}

// SetMaterialChannelCount resizes the material interaction model's
// pair/priority address space to count channels. The SDF manager's
// per-field storage layout (R³·M samples) is fixed at Initialize time —
// spec.md §4.4 does not define resampling the material axis of
// already-allocated narrow-band storage, so this call only affects the
// material model, not field byte layout. Callers that need more channels
// after fields exist must re-initialize the volume.
func (v *Volume) SetMaterialChannelCount(count int) error {
	if count <= 0 {
		return svoerr.New(svoerr.InvalidArgument, "volume", "material channel count must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.materialCount = count
	v.materials = material.NewModel(count)
	return nil
}

// Materials exposes the material interaction model for direct rule setup
// (set_pair/set_priority/register_custom_blend), which spec.md §4.5 defines
// as its own contract rather than folding into the façade.
func (v *Volume) Materials() *material.Model { return v.materials }

// Evaluator exposes read-only sampling access beyond the façade's
// convenience wrappers (PreCache, BoxIntersectsField, SphereTrace).
func (v *Volume) Evaluator() *evaluator.Evaluator { return v.eval }

// Network exposes the authority/replication coordinator for a host's
// transport layer (cmd/volumed) to drive directly.
func (v *Volume) Network() *network.Coordinator { return v.net }

// Evaluate samples material mat's distance at pos (spec.md §6 evaluate).
func (v *Volume) Evaluate(pos Vec3, mat int) float32 { return v.eval.Evaluate(pos, mat) }

// EvaluateMulti samples every material channel at pos.
func (v *Volume) EvaluateMulti(pos Vec3) []float32 {
	count := v.fields.MaterialCount()
	mats := make([]int, count)
	for i := range mats {
		mats[i] = i
	}
	return v.eval.EvaluateMulti(pos, mats)
}

func (v *Volume) Gradient(pos Vec3, mat int) Vec3 { return v.eval.Gradient(pos, mat) }

func (v *Volume) Inside(pos Vec3, mat int) bool { return v.eval.Inside(pos, mat) }

// sphereBounds returns the axis-aligned box a sculpt of the given center
// and radius can possibly touch.
func sphereBounds(center Vec3, radius float64) octree.Box {
	return octree.Box{
		Min: Vec3{center.X - radius, center.Y - radius, center.Z - radius},
		Max: Vec3{center.X + radius, center.Y + radius, center.Z + radius},
	}
}

// ensureField returns the SDF field attached to node, creating one with
// the Volume's default resolution if node does not yet have storage
// (spec.md §4.4: Homogeneous/Empty leaves "may omit storage" until first
// sculpted).
func (v *Volume) ensureField(node octree.NodeIndex) sdf.FieldIndex {
	if idx, ok := v.fields.FieldForNode(node); ok {
		return idx
	}
	bounds := v.oct.Bounds(node)
	const defaultResolution = 16
	return v.fields.CreateField(node, sdf.CreateOpts{
		Origin:          bounds.Min,
		CellSize:        v.leafSize,
		Resolution:      defaultResolution,
		InitializeEmpty: true,
	})
}

// sculptZones runs op against every leaf the sculpt's sphere touches,
// each inside its own zone transaction (spec.md §4.7: a sculpt spanning
// multiple zones commits them independently, each versioned separately).
func (v *Volume) sculptZones(center Vec3, radius float64, op func(field sdf.FieldIndex)) error {
	box := sphereBounds(center, radius)
	zones := v.oct.FindNodesInBox(box, true)
	if len(zones) == 0 {
		return nil
	}
	for _, zone := range zones {
		tx := v.txns.Begin("sculpt", nil)
		v.txns.AddZone(tx, zone, txn.Write)
		field := v.ensureField(zone)
		op(field)
		if ok, err := v.txns.Commit(tx); !ok {
			return err
		}
	}
	return nil
}

// UnionMaterial sculpts a union of a sphere into mat (spec.md §6
// union_material).
func (v *Volume) UnionMaterial(pos Vec3, radius float64, mat int, strength float32) error {
	return v.sculptZones(pos, radius, func(field sdf.FieldIndex) {
		v.fields.UnionMaterial(field, pos, radius, mat, strength)
	})
}

// SubtractMaterial sculpts a subtraction of a sphere from mat.
func (v *Volume) SubtractMaterial(pos Vec3, radius float64, mat int, strength float32) error {
	return v.sculptZones(pos, radius, func(field sdf.FieldIndex) {
		v.fields.SubtractMaterial(field, pos, radius, mat, strength)
	})
}

// BlendMaterials crossfades src into dst within a sphere.
func (v *Volume) BlendMaterials(pos Vec3, radius float64, src, dst int, factor float32) error {
	return v.sculptZones(pos, radius, func(field sdf.FieldIndex) {
		v.fields.BlendMaterials(field, pos, radius, src, dst, factor)
	})
}

// OptimizeMemory collapses uniform octree subtrees, compacts the
// allocator, and clears the evaluator's stale cache entries (spec.md §6
// optimize_memory).
func (v *Volume) OptimizeMemory() {
	v.oct.OptimizeMemory()
	v.alloc.Compact()
	v.eval.ClearCache()
}

// PrioritizeRegion assigns replication priority p to every zone
// intersecting box (spec.md §6 prioritize_region).
func (v *Volume) PrioritizeRegion(box octree.Box, p int) {
	zones := v.oct.FindNodesInBox(box, true)
	v.net.SetRegionPriority(zones, p)
}

// MemoryStats reports the allocator's current usage (spec.md §6
// memory_stats).
func (v *Volume) MemoryStats() allocator.Stats { return v.alloc.Stats() }

// GenerateNetworkDelta collects every field change committed after
// baseVersion and encodes them as a wire delta (spec.md §6
// generate_network_delta).
func (v *Volume) GenerateNetworkDelta(baseVersion, targetVersion uint64) []byte {
	changed := v.fields.ModifiedSince(baseVersion)
	seen := make(map[sdf.FieldIndex]bool, len(changed))
	var zoneChanges []network.ZoneChange
	for _, c := range changed {
		if seen[c.Field] {
			continue
		}
		seen[c.Field] = true
		node := v.fields.OwnerNode(c.Field)
		zoneChanges = append(zoneChanges, network.ZoneChange{
			Zone:       network.ZoneID(node),
			NewVersion: v.fields.FieldVersion(c.Field),
			OpDesc:     "sculpt",
			Payload:    append([]byte(nil), v.fields.RawSamples(c.Field)...),
		})
	}
	return network.GenerateDelta(baseVersion, targetVersion, zoneChanges)
}

// ApplyNetworkDelta decodes and applies a wire delta produced by
// GenerateNetworkDelta (spec.md §6 apply_network_delta). A change for a
// zone with no attached field first gets a new field (ensureField), so it
// returns false (without error) only when the payload carries no changes.
func (v *Volume) ApplyNetworkDelta(data []byte, currentVersion uint64) (bool, error) {
	applied := false
	err := network.ApplyDelta(data, currentVersion, func(ch network.ZoneChange) error {
		node := octree.NodeIndex(ch.Zone)
		field, ok := v.fields.FieldForNode(node)
		if !ok {
			field = v.ensureField(node)
		}
		v.fields.LoadSamples(field, ch.Payload)
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// header is the fixed-size prefix of every serialized stream (spec.md §6
// "Header").
type header struct {
	Magic         uint32
	FormatVersion uint16
	Mode          Mode
	Compression   Compression
	VolumeVersion uint64
	MaterialCount uint32
	Reserved      uint16
}

func writeHeader(buf *bytes.Buffer, h header) {
	binary.Write(buf, binary.LittleEndian, h.Magic)
	binary.Write(buf, binary.LittleEndian, h.FormatVersion)
	buf.WriteByte(byte(h.Mode))
	buf.WriteByte(byte(h.Compression))
	binary.Write(buf, binary.LittleEndian, h.VolumeVersion)
	binary.Write(buf, binary.LittleEndian, h.MaterialCount)
	binary.Write(buf, binary.LittleEndian, h.Reserved)
}

func readHeader(r *bytes.Reader) (header, error) {
	var h header
	if r.Len() < 4+2+1+1+8+4+2 {
		return h, svoerr.New(svoerr.Corrupted, "volume", "stream too short for header")
	}
	binary.Read(r, binary.LittleEndian, &h.Magic)
	if h.Magic != Magic {
		return h, svoerr.New(svoerr.Corrupted, "volume", "bad magic")
	}
	binary.Read(r, binary.LittleEndian, &h.FormatVersion)
	modeByte, _ := r.ReadByte()
	h.Mode = Mode(modeByte)
	compByte, _ := r.ReadByte()
	h.Compression = Compression(compByte)
	binary.Read(r, binary.LittleEndian, &h.VolumeVersion)
	binary.Read(r, binary.LittleEndian, &h.MaterialCount)
	binary.Read(r, binary.LittleEndian, &h.Reserved)
	return h, nil
}

// writeNodeSection encodes the octree's current shape (spec.md §6 "Node
// section").
func (v *Volume) writeNodeSection(buf *bytes.Buffer) {
	nodes := v.oct.AllNodes()
	binary.Write(buf, binary.LittleEndian, uint32(len(nodes)))
	for _, n := range nodes {
		binary.Write(buf, binary.LittleEndian, v.oct.LocationCode(n))
		buf.WriteByte(byte(v.oct.Depth(n)))
		buf.WriteByte(byte(v.oct.Kind(n)))
		binary.Write(buf, binary.LittleEndian, uint32(v.oct.PrimaryMaterial(n)))
		fieldIdx, ok := v.oct.FieldIndex(n)
		if !ok {
			fieldIdx = -1
		}
		binary.Write(buf, binary.LittleEndian, fieldIdx)
	}
}

func readNodeSection(r *bytes.Reader) ([]nodeRecord, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated node section count")
	}
	out := make([]nodeRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec nodeRecord
		if err := binary.Read(r, binary.LittleEndian, &rec.LocationCode); err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated node record")
		}
		depthByte, err := r.ReadByte()
		if err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated node record")
		}
		rec.Depth = depthByte
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated node record")
		}
		rec.Kind = octree.Kind(kindByte)
		if err := binary.Read(r, binary.LittleEndian, &rec.PrimaryMaterial); err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated node record")
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.FieldIndex); err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated node record")
		}
		out = append(out, rec)
	}
	return out, nil
}

type nodeRecord struct {
	LocationCode    uint64
	Depth           uint8
	Kind            octree.Kind
	PrimaryMaterial uint32
	FieldIndex      int32
}

// writeFieldSection encodes every live field's samples (spec.md §6 "Field
// section").
func (v *Volume) writeFieldSection(buf *bytes.Buffer) {
	fields := v.fields.AllFields()
	binary.Write(buf, binary.LittleEndian, uint32(len(fields)))
	for _, f := range fields {
		node := v.fields.OwnerNode(f)
		origin := v.fields.Origin(f)
		binary.Write(buf, binary.LittleEndian, uint32(node))
		binary.Write(buf, binary.LittleEndian, origin.X)
		binary.Write(buf, binary.LittleEndian, origin.Y)
		binary.Write(buf, binary.LittleEndian, origin.Z)
		binary.Write(buf, binary.LittleEndian, float32(v.fields.CellSize(f)))
		binary.Write(buf, binary.LittleEndian, uint32(v.fields.Resolution(f)))
		buf.WriteByte(byte(v.fields.State(f)))
		buf.WriteByte(byte(v.fields.PrimaryMaterial(f)))
		binary.Write(buf, binary.LittleEndian, v.fields.FieldVersion(f))
		samples := v.fields.RawSamples(f)
		binary.Write(buf, binary.LittleEndian, uint32(len(samples)/4))
		buf.Write(samples)
	}
}

type fieldRecord struct {
	Node       uint32
	Origin     Vec3
	CellSize   float32
	Resolution uint32
	State      sdf.State
	PrimaryMat uint8
	Version    uint64
	Samples    []byte
}

func readFieldSection(r *bytes.Reader) ([]fieldRecord, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated field section count")
	}
	out := make([]fieldRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec fieldRecord
		fields := []any{&rec.Node, &rec.Origin.X, &rec.Origin.Y, &rec.Origin.Z, &rec.CellSize, &rec.Resolution}
		for _, f := range fields {
			if err := binary.Read(r, binary.LittleEndian, f); err != nil {
				return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated field header")
			}
		}
		stateByte, err := r.ReadByte()
		if err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated field header")
		}
		rec.State = sdf.State(stateByte)
		matByte, err := r.ReadByte()
		if err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated field header")
		}
		rec.PrimaryMat = matByte
		if err := binary.Read(r, binary.LittleEndian, &rec.Version); err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated field header")
		}
		var sampleCount uint32
		if err := binary.Read(r, binary.LittleEndian, &sampleCount); err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated sample count")
		}
		byteLen := int(sampleCount) * 4
		if r.Len() < byteLen {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated sample payload")
		}
		rec.Samples = make([]byte, byteLen)
		if _, err := io.ReadFull(r, rec.Samples); err != nil {
			return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated sample payload")
		}
		out = append(out, rec)
	}
	return out, nil
}

// writeMaterialSection embeds the material model's own serialization
// (length-prefixed) rather than re-deriving a field-by-field binary
// layout for relationships/priorities that package material already owns
// and versions independently.
func (v *Volume) writeMaterialSection(buf *bytes.Buffer) {
	data := v.materials.Serialize()
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
}

func readMaterialSection(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated material section length")
	}
	if r.Len() < int(n) {
		return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated material section")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, svoerr.New(svoerr.Corrupted, "volume", "truncated material section")
	}
	return data, nil
}

// SerializeFull writes a complete snapshot of the volume to w (spec.md §6
// serialize_full).
func (v *Volume) SerializeFull(w io.Writer) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var buf bytes.Buffer
	writeHeader(&buf, header{
		Magic:         Magic,
		FormatVersion: FormatVersion,
		Mode:          ModeFull,
		Compression:   CompressionNone,
		VolumeVersion: v.oct.Version(),
		MaterialCount: uint32(v.materialCount),
	})
	v.writeNodeSection(&buf)
	v.writeFieldSection(&buf)
	v.writeMaterialSection(&buf)
	_, err := w.Write(buf.Bytes())
	return err
}

// SerializeDelta writes every zone change committed after baseVersion, in
// the same header-plus-sections shape but mode=Delta (spec.md §6
// serialize_delta). The delta section reuses GenerateNetworkDelta's
// payload format.
func (v *Volume) SerializeDelta(w io.Writer, baseVersion uint64) error {
	v.mu.RLock()
	target := v.oct.Version()
	delta := v.GenerateNetworkDelta(baseVersion, target)
	materialCount := v.materialCount
	v.mu.RUnlock()

	var buf bytes.Buffer
	writeHeader(&buf, header{
		Magic:         Magic,
		FormatVersion: FormatVersion,
		Mode:          ModeDelta,
		Compression:   CompressionNone,
		VolumeVersion: target,
		MaterialCount: uint32(materialCount),
	})
	binary.Write(&buf, binary.LittleEndian, uint32(len(delta)))
	buf.Write(delta)
	_, err := w.Write(buf.Bytes())
	return err
}

// DeserializeFull reads a SerializeFull stream into a fresh Volume built
// from cfg (spec.md §8 "Serialization round-trip": deserialize(serialize(V))
// ≡ V field-for-field).
func DeserializeFull(r io.Reader, cfg *config.Config, m *metrics.Registry, log *zap.Logger) (*Volume, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	br := bytes.NewReader(data)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	if h.Mode != ModeFull {
		return nil, svoerr.New(svoerr.InvalidArgument, "volume", "stream is not a full snapshot").
			WithDetail("mode", h.Mode)
	}

	v, err := Initialize(cfg, m, log)
	if err != nil {
		return nil, err
	}
	v.materialCount = int(h.MaterialCount)

	nodes, err := readNodeSection(br)
	if err != nil {
		return nil, err
	}
	fieldRecs, err := readFieldSection(br)
	if err != nil {
		return nil, err
	}
	materialData, err := readMaterialSection(br)
	if err != nil {
		return nil, err
	}

	if err := v.rebuildFromNodeSection(nodes); err != nil {
		return nil, err
	}
	if err := v.rebuildFromFieldSection(fieldRecs); err != nil {
		return nil, err
	}
	if err := v.materials.Deserialize(materialData); err != nil {
		return nil, fmt.Errorf("volume: material section: %w", err)
	}
	return v, nil
}

// rebuildFromNodeSection replays node records onto v.oct in location-code
// order (parents always sort before their children, since a child's code
// is its parent's code with three more low bits), subdividing as needed.
func (v *Volume) rebuildFromNodeSection(nodes []nodeRecord) error {
	byCode := make(map[uint64]octree.NodeIndex, len(nodes))
	byCode[0] = v.oct.Root()
	for _, rec := range nodes {
		if rec.Depth == 0 {
			v.oct.SetKind(v.oct.Root(), rec.Kind, int(rec.PrimaryMaterial))
			continue
		}
		parentCode := rec.LocationCode >> 3
		parent, ok := byCode[parentCode]
		if !ok {
			return svoerr.New(svoerr.Corrupted, "volume", "node section references unknown parent").
				WithDetail("location_code", rec.LocationCode)
		}
		if v.oct.IsLeaf(parent) {
			v.oct.Subdivide(parent)
		}
		octant := int(rec.LocationCode & 0x7)
		children := v.oct.Children(parent)
		if octant < 0 || octant >= 8 || children[octant] == octree.IndexNone {
			return svoerr.New(svoerr.Corrupted, "volume", "node section octant out of range")
		}
		child := children[octant]
		v.oct.SetKind(child, rec.Kind, int(rec.PrimaryMaterial))
		byCode[rec.LocationCode] = child
	}
	return nil
}

func (v *Volume) rebuildFromFieldSection(recs []fieldRecord) error {
	for _, rec := range recs {
		node := octree.NodeIndex(rec.Node)
		field := v.fields.CreateField(node, sdf.CreateOpts{
			Origin:          rec.Origin,
			CellSize:        float64(rec.CellSize),
			Resolution:      int(rec.Resolution),
			DefaultMaterial: int(rec.PrimaryMat),
			InitializeEmpty: rec.State == sdf.Empty,
		})
		v.fields.LoadSamples(field, rec.Samples)
	}
	return nil
}
