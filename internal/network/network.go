// Package network implements the network volume coordinator of spec.md
// §4.8: per-zone authority leases, version-based reconciliation, and
// bandwidth-prioritized delta replication. Grounded on original_source's
// NetworkVolumeCoordinator.h authority/delta contract and on the
// teacher's JWT session-token issuance in arxos-api/auth.go, generalized
// from user sessions to zone-authority grants. Bandwidth budgeting uses
// golang.org/x/time/rate, the same limiter family the teacher reaches
// for in its gateway rate-limiting middleware.
package network

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/arxos/svoengine/internal/metrics"
	"github.com/arxos/svoengine/internal/svoerr"
	"github.com/arxos/svoengine/internal/txn"
)

// ZoneID aliases the transaction coordinator's zone identity so the two
// subsystems agree on what a "zone" is.
type ZoneID = txn.ZoneID

// ModResult is the outcome of a client-path modification request.
type ModResult uint8

const (
	Success ModResult = iota
	Conflict
	Denied
)

// Strategy selects how the server resolves an authority conflict.
type Strategy uint8

const (
	ServerWins Strategy = iota
	FirstWriterWins
	PriorityBased
	CustomStrategy
)

// CustomConflictFunc is the handler behind Strategy CustomStrategy.
type CustomConflictFunc func(zone ZoneID, material int, clientID string) bool

// ReplicationBackend delivers a drained delta to its destination
// (clients, in a real deployment; a test double in unit tests).
type ReplicationBackend interface {
	Send(PendingDelta) error
}

type lease struct {
	clientID  string
	expiresAt time.Time
}

// PendingUpdate is a coarse op-metadata record awaiting replication.
type PendingUpdate struct {
	Zone      ZoneID
	NewVersion uint64
	OpDesc    string
	CreatedAt time.Time
}

// PendingDelta is a byte-encoded change awaiting replication.
type PendingDelta struct {
	Zone         ZoneID
	TargetVersion uint64
	ClientID     string
	Timestamp    time.Time
	DeltaBytes   []byte
	priority     int
}

// Coordinator is the per-Volume network coordinator.
type Coordinator struct {
	mu               sync.Mutex
	isServer         bool
	txns             *txn.Coordinator
	authority        map[ZoneID]lease
	zonePriority     map[ZoneID]int
	materialPriority map[int]int
	strategy         Strategy
	customResolver   CustomConflictFunc
	backend          ReplicationBackend
	pendingUpdates   []PendingUpdate
	pendingDeltas    []PendingDelta
	metrics          *metrics.Registry
	jwtSecret        []byte

	sweepStop chan struct{}
}

// NewCoordinator creates a network coordinator wired to a transaction
// coordinator so it can read authoritative zone versions and receive a
// commit hook automatically (spec.md §4.7's "networked transactions
// additionally enqueue an entry in the network coordinator's
// pending-update queue").
func NewCoordinator(txns *txn.Coordinator, isServer bool, jwtSecret []byte, m *metrics.Registry) *Coordinator {
	c := &Coordinator{
		isServer:         isServer,
		txns:             txns,
		authority:        make(map[ZoneID]lease),
		zonePriority:     make(map[ZoneID]int),
		materialPriority: make(map[int]int),
		jwtSecret:        jwtSecret,
		metrics:          m,
	}
	txns.OnCommit(func(tx *txn.Tx) {
		if tx.NetCtx == nil {
			return
		}
		c.mu.Lock()
		for zone, v := range tx.NewVersions {
			c.pendingUpdates = append(c.pendingUpdates, PendingUpdate{Zone: zone, NewVersion: v, OpDesc: tx.Kind, CreatedAt: time.Now()})
		}
		if c.metrics != nil {
			c.metrics.ReplicationQueueDepth.Set(float64(len(c.pendingUpdates) + len(c.pendingDeltas)))
		}
		c.mu.Unlock()
	})
	return c
}

func (c *Coordinator) SetReplication(backend ReplicationBackend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backend = backend
}

func (c *Coordinator) SetAuthoritative(isServer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isServer = isServer
}

func (c *Coordinator) SetConflictStrategy(s Strategy, custom CustomConflictFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategy = s
	c.customResolver = custom
}

// GrantAuthority gives client exclusive authority over zones for
// duration. A zone already leased to a different, unexpired client only
// changes hands if the active conflict-resolution strategy allows it
// (spec.md §4.8 conflict resolution strategies).
func (c *Coordinator) GrantAuthority(client string, zones []ZoneID, duration time.Duration) []ZoneID {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := time.Now().Add(duration)
	var granted []ZoneID
	for _, z := range zones {
		if existing, held := c.authority[z]; held && existing.clientID != client && time.Now().Before(existing.expiresAt) {
			if !c.resolveConflict(z, -1, client) {
				continue
			}
		}
		c.authority[z] = lease{clientID: client, expiresAt: expires}
		granted = append(granted, z)
	}
	return granted
}

// RevokeAuthority removes client's authority over zones (no-op if it
// does not currently hold them).
func (c *Coordinator) RevokeAuthority(client string, zones []ZoneID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, z := range zones {
		if l, ok := c.authority[z]; ok && l.clientID == client {
			delete(c.authority, z)
		}
	}
}

// StartAuthoritySweeper launches the 1 Hz expiry sweeper and returns a
// stop function. Calling it twice without stopping the first leaves two
// sweepers running.
func (c *Coordinator) StartAuthoritySweeper() (stop func()) {
	ticker := time.NewTicker(time.Second)
	stopCh := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				c.sweepExpired()
			case <-stopCh:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(stopCh) }
}

func (c *Coordinator) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for z, l := range c.authority {
		if now.After(l.expiresAt) {
			delete(c.authority, z)
		}
	}
}

// hasAuthorityLocked reports whether client currently holds zone's
// authority, auto-releasing it first if expired (spec.md §4.8: "Stale
// region locks older than their expiry are auto-released at query
// time"). c.mu must be held.
func (c *Coordinator) hasAuthorityLocked(zone ZoneID, client string) bool {
	if c.isServer {
		return true
	}
	l, ok := c.authority[zone]
	if !ok {
		return false
	}
	if time.Now().After(l.expiresAt) {
		delete(c.authority, zone)
		return false
	}
	return l.clientID == client
}

// RequestModification is the client-path lock/authority check before a
// local sculpt is attempted.
func (c *Coordinator) RequestModification(clientID string, zone ZoneID, mat int) ModResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasAuthorityLocked(zone, clientID) {
		return Success
	}
	if _, held := c.authority[zone]; held {
		return Conflict
	}
	return Denied
}

// SubmitModification checks a client-originated change: the client must
// hold authority over zone (AuthorityDenied otherwise) and baseVersion must
// equal the zone's current version (OutOfSync otherwise). It only performs
// these checks; delta is not sent to the server or stored anywhere.
func (c *Coordinator) SubmitModification(clientID string, zone ZoneID, mat int, delta []byte, baseVersion uint64) error {
	c.mu.Lock()
	current := c.txns.ZoneVersion(zone)
	authorized := c.hasAuthorityLocked(zone, clientID)
	c.mu.Unlock()

	if !authorized {
		return svoerr.New(svoerr.AuthorityDenied, "network", "client lacks authority over zone").WithDetail("zone", zone)
	}
	if baseVersion != current {
		return svoerr.New(svoerr.OutOfSync, "network", "submission base version stale").
			WithDetail("zone", zone).WithDetail("base", baseVersion).WithDetail("current", current)
	}
	return nil
}

// ApplyNetworkedOp is the server-path entry point: validates authority
// and freshness for every zone the op touches, then — on success —
// bumps versions and enqueues a delta for other clients.
func (c *Coordinator) ApplyNetworkedOp(clientID string, opDesc string, zoneVersions map[ZoneID]uint64, mat int, run func() error) (bool, error) {
	c.mu.Lock()
	for zone := range zoneVersions {
		if !c.hasAuthorityLocked(zone, clientID) {
			c.mu.Unlock()
			return false, svoerr.New(svoerr.AuthorityDenied, "network", "op rejected: no authority").WithDetail("zone", zone)
		}
	}
	for zone, newVersion := range zoneVersions {
		if newVersion <= c.txns.ZoneVersion(zone) {
			c.mu.Unlock()
			return false, svoerr.New(svoerr.OutOfSync, "network", "stale or duplicate op").WithDetail("zone", zone)
		}
	}
	c.mu.Unlock()

	if err := run(); err != nil {
		return false, err
	}

	c.mu.Lock()
	for zone, newVersion := range zoneVersions {
		c.txns.SetZoneVersion(zone, newVersion)
		priority := c.zonePriority[zone] + c.materialPriority[mat]
		c.pendingDeltas = append(c.pendingDeltas, PendingDelta{
			Zone: zone, TargetVersion: newVersion, ClientID: clientID, Timestamp: time.Now(), priority: priority,
		})
	}
	if c.metrics != nil {
		c.metrics.ReplicationQueueDepth.Set(float64(len(c.pendingUpdates) + len(c.pendingDeltas)))
	}
	c.mu.Unlock()
	return true, nil
}

// SetRegionPriority assigns a replication priority to every zone
// currently attached to box — callers resolve box to zones via the
// octree before calling, since the coordinator itself has no spatial
// index.
func (c *Coordinator) SetRegionPriority(zones []ZoneID, p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, z := range zones {
		c.zonePriority[z] = p
	}
}

func (c *Coordinator) SetMaterialPriority(mat int, p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.materialPriority[mat] = p
}

// OptimizeBandwidth reorders the pending-delta queue so higher-priority
// entries drain first, then drains as many as availableBps allows this
// tick using a token-bucket limiter sized to the delta payload in bytes.
func (c *Coordinator) OptimizeBandwidth(availableBps int) []PendingDelta {
	c.mu.Lock()
	sort.SliceStable(c.pendingDeltas, func(i, j int) bool {
		return c.pendingDeltas[i].priority > c.pendingDeltas[j].priority
	})
	queue := c.pendingDeltas
	c.mu.Unlock()

	if availableBps <= 0 {
		return nil
	}
	limiter := rate.NewLimiter(rate.Limit(availableBps), availableBps)
	var drained []PendingDelta
	var remaining []PendingDelta
	for _, d := range queue {
		cost := len(d.DeltaBytes)
		if cost == 0 {
			cost = 1
		}
		if limiter.AllowN(time.Now(), cost) {
			drained = append(drained, d)
		} else {
			remaining = append(remaining, d)
		}
	}
	c.mu.Lock()
	c.pendingDeltas = remaining
	c.mu.Unlock()
	return drained
}

// ProcessPendingNetworkReplications drains up to 10 pending coarse-op
// updates per spec.md §4.8 batching.
func (c *Coordinator) ProcessPendingNetworkReplications() []PendingUpdate {
	const batch = 10
	c.mu.Lock()
	defer c.mu.Unlock()
	n := batch
	if n > len(c.pendingUpdates) {
		n = len(c.pendingUpdates)
	}
	drained := c.pendingUpdates[:n]
	c.pendingUpdates = c.pendingUpdates[n:]
	return drained
}

// ProcessNetworkDeltaReplications drains up to 5 pending deltas,
// delivering each through the configured backend when present.
func (c *Coordinator) ProcessNetworkDeltaReplications() []PendingDelta {
	const batch = 5
	c.mu.Lock()
	n := batch
	if n > len(c.pendingDeltas) {
		n = len(c.pendingDeltas)
	}
	drained := c.pendingDeltas[:n]
	c.pendingDeltas = c.pendingDeltas[n:]
	backend := c.backend
	c.mu.Unlock()

	if backend != nil {
		for _, d := range drained {
			_ = backend.Send(d)
		}
	}
	return drained
}

// resolveConflict applies the active strategy to decide whether a new
// claimant may take over zone's authority from its current holder.
func (c *Coordinator) resolveConflict(zone ZoneID, mat int, claimant string) bool {
	switch c.strategy {
	case ServerWins:
		return c.isServer
	case FirstWriterWins:
		_, held := c.authority[zone]
		return !held
	case PriorityBased:
		return c.zonePriority[zone] <= c.materialPriority[mat]
	case CustomStrategy:
		if c.customResolver != nil {
			return c.customResolver(zone, mat, claimant)
		}
		return false
	default:
		return false
	}
}

// SyncKind distinguishes a full resync request from a partial one.
type SyncKind uint8

const (
	FullSync SyncKind = iota
	PartialSync
)

// SyncRequest describes what a client is asking the server to resend;
// package volume turns this into an actual serialize_full/serialize_delta
// call.
type SyncRequest struct {
	Kind      SyncKind
	Zones     []ZoneID
	Materials []int
}

func (c *Coordinator) RequestFullSync() SyncRequest { return SyncRequest{Kind: FullSync} }

func (c *Coordinator) RequestPartialSync(zones []ZoneID, mats []int) SyncRequest {
	return SyncRequest{Kind: PartialSync, Zones: zones, Materials: mats}
}

// ZoneChange is one zone's contribution to a wire delta (spec.md §6
// "Wire delta"): the coarse op plus its raw sample patch bytes, as
// produced by the SDF/volume layer.
type ZoneChange struct {
	Zone       ZoneID
	NewVersion uint64
	OpDesc     string
	ClientID   string
	Payload    []byte
}

// GenerateDelta encodes a set of zone changes between base and target
// versions into the wire format of spec.md §6. Both versions are always
// written; a base of 0 marks a full resync, which ApplyDelta accepts
// against any current version.
func GenerateDelta(baseVersion, targetVersion uint64, changes []ZoneChange) []byte {
	buf := make([]byte, 0, 64*len(changes)+16)
	buf = appendUint64(buf, baseVersion)
	buf = appendUint64(buf, targetVersion)
	buf = appendUint32(buf, uint32(len(changes)))
	for _, ch := range changes {
		buf = appendUint32(buf, uint32(ch.Zone))
		buf = appendUint64(buf, ch.NewVersion)
		buf = appendString(buf, ch.OpDesc)
		buf = appendString(buf, ch.ClientID)
		buf = appendUint32(buf, uint32(len(ch.Payload)))
		buf = append(buf, ch.Payload...)
	}
	return buf
}

// ApplyDelta decodes a GenerateDelta payload, verifies its declared base
// version against current (OutOfSync if they disagree), and invokes
// apply for each change in order.
func ApplyDelta(data []byte, currentVersion uint64, apply func(ZoneChange) error) error {
	if len(data) < 20 {
		return svoerr.New(svoerr.Corrupted, "network", "delta payload too short")
	}
	base, rest := readUint64(data)
	_, rest = readUint64(rest) // target version, informational only
	if base != 0 && base != currentVersion {
		return svoerr.New(svoerr.OutOfSync, "network", "delta base does not match current version").
			WithDetail("base", base).WithDetail("current", currentVersion)
	}
	count, rest := readUint32(rest)
	for i := uint32(0); i < count; i++ {
		var zone uint32
		var version uint64
		var opDesc, clientID string
		var payloadLen uint32
		var err error
		if len(rest) < 12 {
			return svoerr.New(svoerr.Corrupted, "network", "delta change header truncated")
		}
		zone, rest = readUint32(rest)
		version, rest = readUint64(rest)
		opDesc, rest, err = readString(rest)
		if err != nil {
			return err
		}
		clientID, rest, err = readString(rest)
		if err != nil {
			return err
		}
		if len(rest) < 4 {
			return svoerr.New(svoerr.Corrupted, "network", "delta payload length truncated")
		}
		payloadLen, rest = readUint32(rest)
		if uint32(len(rest)) < payloadLen {
			return svoerr.New(svoerr.Corrupted, "network", "delta payload truncated")
		}
		payload := rest[:payloadLen]
		rest = rest[payloadLen:]
		if err := apply(ZoneChange{Zone: ZoneID(zone), NewVersion: version, OpDesc: opDesc, ClientID: clientID, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readUint32(data []byte) (uint32, []byte) {
	return binary.LittleEndian.Uint32(data), data[4:]
}

func readUint64(data []byte) (uint64, []byte) {
	return binary.LittleEndian.Uint64(data), data[8:]
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, svoerr.New(svoerr.Corrupted, "network", "truncated string length")
	}
	n, rest := readUint32(data)
	if uint32(len(rest)) < n {
		return "", nil, svoerr.New(svoerr.Corrupted, "network", fmt.Sprintf("truncated string of length %d", n))
	}
	return string(rest[:n]), rest[n:], nil
}

// authorityClaims is the JWT payload backing IssueAuthorityToken: a
// derived, expiring artifact layered over the grant/revoke source of
// truth in c.authority, so tokens can be verified offline without a
// round trip to the coordinator.
type authorityClaims struct {
	ClientID string  `json:"client_id"`
	Zones    []ZoneID `json:"zones"`
	jwt.RegisteredClaims
}

// IssueAuthorityToken mints a signed token asserting client's authority
// over zones until expiresAt.
func (c *Coordinator) IssueAuthorityToken(client string, zones []ZoneID, expiresAt time.Time) (string, error) {
	claims := authorityClaims{
		ClientID: client,
		Zones:    zones,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   client,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.jwtSecret)
}

// VerifyAuthorityToken validates a token minted by IssueAuthorityToken
// and returns the client and zones it asserts.
func (c *Coordinator) VerifyAuthorityToken(tokenString string) (string, []ZoneID, error) {
	claims := &authorityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return c.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", nil, svoerr.New(svoerr.AuthorityDenied, "network", "invalid or expired authority token").WithCause(err)
	}
	return claims.ClientID, claims.Zones, nil
}
