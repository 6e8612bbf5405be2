// Package material implements the material interaction model of
// spec.md §4.5: pairwise combination rules, priority, and the blend
// functions shared with package sdf's boolean identities. Grounded on
// original_source's MaterialSDFManager.h relationship handling and on
// the teacher's keyed-map registry pattern in
// internal/services/service_registry.go (map plus sync.RWMutex guarding
// lookups by key).
package material

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/arxos/svoengine/internal/sdf"
)

// RelationshipKind classifies how two materials interact on contact.
type RelationshipKind uint8

const (
	Compatible RelationshipKind = iota
	Incompatible
	Dominates
	Submits
	Custom
)

// BlendFn identifies a named blend curve.
type BlendFn uint8

const (
	Linear BlendFn = iota
	Smoothstep
	Exponential
	Sinusoidal
	Step
	Cubic
	SmoothUnion
	CustomBlend
)

// CombineOp selects the boolean identity used by Combine.
type CombineOp uint8

const (
	OpUnion CombineOp = iota
	OpSubtract
	OpIntersection
	OpSmoothUnionExponential
	OpSmoothUnionPolynomial
)

type pairKey struct{ lo, hi int }

func keyFor(a, b int) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Relationship is the stored rule for an unordered material pair.
type Relationship struct {
	Kind            RelationshipKind
	TransitionWidth float64
	BlendFn         BlendFn
	CustomName      string
	Priority        int
}

// CustomBlendFunc is a user-registered blend curve, keyed by name.
type CustomBlendFunc func(a, b float32, alpha float64) float32

// Model owns every pairwise relationship and per-material priority for
// a Volume's material set.
type Model struct {
	mu            sync.RWMutex
	pairs         map[pairKey]Relationship
	priority      map[int]int
	customBlends  map[string]CustomBlendFunc
	version       uint64
	materialCount int
}

// NewModel creates an interaction model for a material set of the given
// size, with every pair defaulting to Compatible/Linear.
func NewModel(materialCount int) *Model {
	return &Model{
		pairs:         make(map[pairKey]Relationship),
		priority:      make(map[int]int),
		customBlends:  make(map[string]CustomBlendFunc),
		materialCount: materialCount,
	}
}

func (m *Model) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *Model) bumpVersion() {
	m.version++
}

// SetPair stores the relationship rule for the unordered pair (a, b).
func (m *Model) SetPair(a, b int, rule Relationship) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[keyFor(a, b)] = rule
	m.bumpVersion()
}

// GetPair returns the relationship for (a, b), defaulting to Compatible
// with a Linear blend and zero transition width if never set.
func (m *Model) GetPair(a, b int) Relationship {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.pairs[keyFor(a, b)]; ok {
		return r
	}
	return Relationship{Kind: Compatible, BlendFn: Linear}
}

// SetPriority assigns a material's priority, used by Dominant's tie-break.
func (m *Model) SetPriority(mat int, p int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority[mat] = p
	m.bumpVersion()
}

func (m *Model) GetPriority(mat int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priority[mat]
}

// RegisterCustomBlend adds a named blend curve usable via CustomBlend.
func (m *Model) RegisterCustomBlend(name string, fn CustomBlendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customBlends[name] = fn
	m.bumpVersion()
}

// Dominant picks the winning material among candidates: highest priority
// wins, ties broken by lower material index (spec.md §4.5).
func (m *Model) Dominant(materials []int) int {
	if len(materials) == 0 {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := materials[0]
	bestPriority := m.priority[best]
	for _, mat := range materials[1:] {
		p := m.priority[mat]
		if p > bestPriority || (p == bestPriority && mat < best) {
			best = mat
			bestPriority = p
		}
	}
	return best
}

// Compatible reports whether (a, b) are marked Compatible.
func (m *Model) Compatible(a, b int) bool {
	return m.GetPair(a, b).Kind == Compatible
}

// BoundaryWidth returns the stored transition width for (a, b); zero for
// an Incompatible pair, regardless of what was configured, since sharp
// boundaries never smooth.
func (m *Model) BoundaryWidth(a, b int) float64 {
	r := m.GetPair(a, b)
	if r.Kind == Incompatible {
		return 0
	}
	return r.TransitionWidth
}

// Combine applies the chosen boolean identity to two distance samples,
// matching package sdf's shared SDF identities so batch and single-point
// evaluation agree (spec.md §4.4/§4.5).
func (m *Model) Combine(da, db float64, op CombineOp, smoothing float64) float32 {
	switch op {
	case OpUnion:
		return float32(math.Min(da, db))
	case OpSubtract:
		return float32(math.Max(da, -db))
	case OpIntersection:
		return float32(math.Max(da, db))
	case OpSmoothUnionExponential:
		return float32(sdf.SmoothUnionExponential(da, db, smoothing))
	case OpSmoothUnionPolynomial:
		return float32(sdf.SmoothUnionPolynomial(da, db, smoothing))
	default:
		return float32(math.Min(da, db))
	}
}

// Blend interpolates between two material values va/vb using the named
// curve, weighted by alpha in [0,1]. An Incompatible relationship forces
// a Step curve regardless of which fn is requested, per spec.md §4.5.
func (m *Model) Blend(a, b int, va, vb float32, alpha float64) (float32, error) {
	rel := m.GetPair(a, b)
	fn := rel.BlendFn
	if rel.Kind == Incompatible {
		fn = Step
	}
	if rel.Kind == Dominates {
		return va, nil
	}
	if rel.Kind == Submits {
		return vb, nil
	}
	weight, err := m.curve(fn, rel.CustomName, va, vb, alpha)
	if err != nil {
		return 0, err
	}
	return float32(float64(va)*(1-weight) + float64(vb)*weight), nil
}

func (m *Model) curve(fn BlendFn, customName string, va, vb float32, alpha float64) (float64, error) {
	switch fn {
	case Linear:
		return alpha, nil
	case Smoothstep:
		return alpha * alpha * (3 - 2*alpha), nil
	case Exponential:
		return alpha * alpha, nil
	case Sinusoidal:
		return (math.Sin((alpha-0.5)*math.Pi) + 1) / 2, nil
	case Step:
		if alpha >= 0.5 {
			return 1, nil
		}
		return 0, nil
	case Cubic:
		return alpha * alpha * alpha, nil
	case SmoothUnion:
		// treat va/vb as distances to smooth-union, then report the
		// implied weight by how close the blended value sits to vb.
		blended := sdf.SmoothUnionPolynomial(float64(va), float64(vb), 1.0)
		span := float64(vb) - float64(va)
		if span == 0 {
			return alpha, nil
		}
		return (blended - float64(va)) / span, nil
	case CustomBlend:
		m.mu.RLock()
		custom, ok := m.customBlends[customName]
		m.mu.RUnlock()
		if !ok {
			return 0, fmt.Errorf("material: unregistered custom blend %q", customName)
		}
		result := custom(va, vb, alpha)
		span := vb - va
		if span == 0 {
			return alpha, nil
		}
		return float64((result - va) / span), nil
	default:
		return alpha, nil
	}
}

// snapshot is the serialized form of a Model.
type snapshot struct {
	Pairs    []pairRecord `json:"pairs"`
	Priority map[int]int  `json:"priority"`
	Version  uint64       `json:"version"`
}

type pairRecord struct {
	A, B            int
	Kind            RelationshipKind
	TransitionWidth float64
	BlendFn         BlendFn
	CustomName      string
	Priority        int
}

// Serialize captures every pair rule and priority for persistence or
// network replication. Custom blend function bodies are not portable and
// are re-registered by name on the receiving side.
func (m *Model) Serialize() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := snapshot{Priority: make(map[int]int, len(m.priority)), Version: m.version}
	for k, r := range m.pairs {
		s.Pairs = append(s.Pairs, pairRecord{
			A: k.lo, B: k.hi, Kind: r.Kind, TransitionWidth: r.TransitionWidth,
			BlendFn: r.BlendFn, CustomName: r.CustomName, Priority: r.Priority,
		})
	}
	for mat, p := range m.priority {
		s.Priority[mat] = p
	}
	return encodeSnapshot(s)
}

// Deserialize replaces the model's pairs/priorities/version from a
// Serialize payload.
func (m *Model) Deserialize(data []byte) error {
	s, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs = make(map[pairKey]Relationship, len(s.Pairs))
	for _, pr := range s.Pairs {
		m.pairs[keyFor(pr.A, pr.B)] = Relationship{
			Kind: pr.Kind, TransitionWidth: pr.TransitionWidth,
			BlendFn: pr.BlendFn, CustomName: pr.CustomName, Priority: pr.Priority,
		}
	}
	m.priority = s.Priority
	if m.priority == nil {
		m.priority = make(map[int]int)
	}
	m.version = s.Version
	return nil
}

func encodeSnapshot(s snapshot) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		// snapshot contains only plain structs/maps/slices, which never
		// fail to marshal.
		panic(err)
	}
	return data
}

func decodeSnapshot(data []byte) (snapshot, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return snapshot{}, fmt.Errorf("material: decode snapshot: %w", err)
	}
	return s, nil
}
