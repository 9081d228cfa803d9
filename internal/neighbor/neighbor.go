// Package neighbor implements the node/neighbor table of SPEC_FULL 4.10:
// each known Node (spec.md section 3) plus dnssd discovery metadata and an
// optional position, the thing HELLO control messages update and the ARQ
// controller's per-neighbor send/receive windows key off of. Grounded in
// the teacher's position-bearing record handling
// (doismellburning-samoyed's src/coordconv.go, src/latlong.go, APRS
// position parsing) generalized from one APRS station record to a
// multi-node neighbor table.
package neighbor

import (
	"errors"
	"math"
	"sync"

	"github.com/golang/geo/s2"
	"github.com/tzneal/coordconv"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
)

// EarthRadiusMeters is the mean Earth radius used to convert angular
// great-circle distance into a ground distance.
const EarthRadiusMeters = 6371000.0

// ErrNoPosition is returned when a neighbor's position hasn't been
// reported yet.
var ErrNoPosition = errors.New("neighbor: position unknown")

// Position is a neighbor's last-known geographic location, carried as an
// optional field on HELLO.
type Position struct {
	LatLng      s2.LatLng
	HasPosition bool
}

// Entry is everything known about one neighbor: its Node identity
// (spec.md section 3), dnssd discovery metadata, and optional position.
// The zero value is not usable; entries are created through Table.
type Entry struct {
	mu sync.RWMutex

	id        packet.NodeID
	isGateway bool

	lastHeard    clock.Time
	hasLastHeard bool

	position Position

	serviceName string
	addr        string
	hasService  bool
}

func newEntry(id packet.NodeID) *Entry {
	return &Entry{id: id}
}

// ID returns the neighbor's node identifier.
func (e *Entry) ID() packet.NodeID { return e.id }

// IsGateway reports whether the neighbor last announced itself as a
// gateway (spec.md section 3, Node.is_gateway).
func (e *Entry) IsGateway() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isGateway
}

// LastHeard returns the last time this neighbor was observed, if ever.
func (e *Entry) LastHeard() (clock.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHeard, e.hasLastHeard
}

// Position returns the neighbor's last-reported position, if any.
func (e *Entry) Position() (Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.position, e.position.HasPosition
}

// SetPosition records a newly-reported lat/long for this neighbor.
func (e *Entry) SetPosition(lat, lon float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = Position{LatLng: s2.LatLngFromDegrees(lat, lon), HasPosition: true}
}

// Discovery returns the dnssd service name and control-plane address last
// advertised for this neighbor, if known.
func (e *Entry) Discovery() (name, addr string, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.serviceName, e.addr, e.hasService
}

// SetDiscovery records dnssd browse metadata for this neighbor
// (internal/discovery feeds this from mDNS browse results).
func (e *Entry) SetDiscovery(name, addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serviceName, e.addr, e.hasService = name, addr, true
}

func (e *Entry) observe(isGateway bool, now clock.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isGateway = isGateway
	e.lastHeard, e.hasLastHeard = now, true
}

// UTM converts this entry's last-known position to UTM.
func (e *Entry) UTM() (coordconv.UTMCoord, error) {
	pos, ok := e.Position()
	if !ok {
		return coordconv.UTMCoord{}, ErrNoPosition
	}
	return coordconv.DefaultUTMConverter.ConvertFromGeodetic(pos.LatLng, 0)
}

// Table tracks every known neighbor: spec.md section 3's Node record plus
// SPEC_FULL 4.10's discovery and position fields. HELLO control messages
// update entries for multi-hop neighbors reachable only over the air;
// internal/discovery updates entries for nodes found via dnssd on the
// local segment.
type Table struct {
	mu      sync.RWMutex
	self    packet.NodeID
	entries map[packet.NodeID]*Entry
}

// NewTable builds an empty neighbor table for the local node self.
func NewTable(self packet.NodeID) *Table {
	return &Table{self: self, entries: make(map[packet.NodeID]*Entry)}
}

// Observe records that id was heard from (a data packet, ACK, or HELLO),
// carrying its current gateway status, creating an entry on first sight.
func (t *Table) Observe(id packet.NodeID, isGateway bool, now clock.Time) *Entry {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = newEntry(id)
		t.entries[id] = e
	}
	t.mu.Unlock()

	e.observe(isGateway, now)
	return e
}

// Get returns id's entry, if known.
func (t *Table) Get(id packet.NodeID) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// All returns every known neighbor entry, in no particular order.
func (t *Table) All() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// TimeMaster returns the lowest-ID gateway among the local node (if
// selfIsGateway) and known neighbors: the node whose clock is taken as
// reference (spec.md GLOSSARY, "Time master").
func (t *Table) TimeMaster(selfIsGateway bool) (packet.NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best, have := t.self, selfIsGateway
	for id, e := range t.entries {
		if !e.IsGateway() {
			continue
		}
		if !have || id < best {
			best, have = id, true
		}
	}
	return best, have
}

// Prune removes every entry not heard from within timeout seconds of now.
func (t *Table) Prune(now clock.Time, timeout float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		heard, ok := e.LastHeard()
		if !ok || now.Sub(heard).Seconds() > timeout {
			delete(t.entries, id)
		}
	}
}

// DistanceMeters returns the great-circle distance between a and b's
// last-known positions, for link-budget-aware gain defaults.
func DistanceMeters(a, b *Entry) (float64, error) {
	pa, ok := a.Position()
	if !ok {
		return 0, ErrNoPosition
	}
	pb, ok := b.Position()
	if !ok {
		return 0, ErrNoPosition
	}
	angle := pa.LatLng.Distance(pb.LatLng)
	return float64(angle) * EarthRadiusMeters, nil
}

// GainHint suggests a TX gain for a link of the given distance using a
// simple log-distance path-loss model anchored at a known-good baseline
// gain/distance pair. It is a default only: an explicit per-neighbor gain
// (spec.md section 3, Node.gain) always overrides it.
func GainHint(distanceMeters, baselineGain, baselineDistanceMeters float64) float64 {
	if baselineDistanceMeters <= 0 || distanceMeters <= baselineDistanceMeters {
		return baselineGain
	}
	return baselineGain + 20*math.Log10(distanceMeters/baselineDistanceMeters)
}
