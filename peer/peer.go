// Package peer implements the child-node behaviour of spec.md §4.9: ack
// recruitment, slot-aligned reporting, a final T_D on stop, and the
// stop-ack. The peer never becomes an initiator.
package peer

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/meshsentry/rfmesh/bus"
	"github.com/meshsentry/rfmesh/clock"
	"github.com/meshsentry/rfmesh/meshproto"
	"github.com/meshsentry/rfmesh/slot"
)

type radioAccum struct {
	sumRSSI  float64
	count    uint32
	bestRSSI float64
	seen     bool
}

func (a *radioAccum) add(rssi float64) {
	a.sumRSSI += rssi
	a.count++
	if !a.seen || rssi > a.bestRSSI {
		a.bestRSSI = rssi
	}
	a.seen = true
}

func (a *radioAccum) average() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sumRSSI / float64(a.count)
}

func (a *radioAccum) reset() { *a = radioAccum{} }

// Role is one node's peer-side session state, valid only while a
// session is active (installed by TRIANGULATE_START, cleared on stop).
type Role struct {
	selfID string
	clk    *clock.Clock
	link   *bus.Link

	mu              sync.Mutex
	active          bool
	target          meshproto.TargetRef
	schedule        *slot.Schedule
	wifi            radioAccum
	ble             radioAccum
	emittedThisSlot bool
	lastSlotIndex   int64
	hasGPS          bool
	gps             clock.GPSFix
}

// New creates a peer role bound to this node's identity and shared
// clock/bus collaborators.
func New(selfID string, clk *clock.Clock, link *bus.Link) *Role {
	return &Role{selfID: selfID, clk: clk, link: link}
}

// Active reports whether this node currently holds an installed target.
func (r *Role) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Handle dispatches an inbound mesh envelope to peer-role logic. It is a
// no-op for messages not relevant to the peer role (the coordinator has
// its own dispatch in the coordinator package).
func (r *Role) Handle(env meshproto.Envelope) {
	switch body := env.Body.(type) {
	case meshproto.TriangulateStart:
		r.onStart(env.Sender, body)
	case meshproto.TriCycleStart:
		r.onCycleStart(body)
	case meshproto.TriangulateStop:
		r.onStop()
	}
}

func (r *Role) onStart(initiator string, start meshproto.TriangulateStart) {
	if initiator == r.selfID {
		return
	}
	r.mu.Lock()
	r.active = true
	r.target = start.Target
	r.wifi.reset()
	r.ble.reset()
	r.emittedThisSlot = false
	r.lastSlotIndex = -1
	r.mu.Unlock()

	ack := meshproto.Envelope{Sender: r.selfID, Body: meshproto.TriStartAck{}}
	if err := r.link.Send(ack.Encode()); err != nil {
		log.Warnf("peer: failed to send TRI_START_ACK: %v", err)
	}
}

func (r *Role) onCycleStart(cs meshproto.TriCycleStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	sched := slot.New()
	for _, n := range cs.Nodes {
		sched.Recruit(n)
	}
	r.schedule = sched
}

// RecordHit folds a matching radio hit into the running per-radio
// aggregate and, if this node's TDMA slot is currently active and it
// has not already reported this slot, emits one T_D with the running
// aggregate. gps, when non-nil and valid, becomes this node's current
// fix and is attached to every T_D from here on (network.cpp:1503-1505:
// the node always appends its own GPS/HDOP to a data report).
func (r *Role) RecordHit(mac meshproto.TargetRef, rssiDBm float64, isBLE bool, gps *clock.GPSFix) {
	r.mu.Lock()
	if gps != nil && gps.Valid {
		r.hasGPS = true
		r.gps = *gps
	}
	if !r.active || !mac.Equal(r.target) {
		r.mu.Unlock()
		return
	}
	if isBLE {
		r.ble.add(rssiDBm)
	} else {
		r.wifi.add(rssiDBm)
	}

	if r.schedule == nil {
		r.mu.Unlock()
		return
	}
	if _, err := r.schedule.Lookup(r.selfID); err != nil {
		r.mu.Unlock()
		return
	}
	now := r.clk.MonotonicMillis()
	if cycle := now / r.schedule.CycleLengthMS(); cycle != r.lastSlotIndex {
		r.emittedThisSlot = false
		r.lastSlotIndex = cycle
	}
	active, ok := r.schedule.ActiveNode(now)
	shouldEmit := ok && active == r.selfID && !r.emittedThisSlot
	if shouldEmit {
		r.emittedThisSlot = true
	}
	dr := r.runningReportLocked(isBLE)
	r.mu.Unlock()

	if shouldEmit {
		r.send(dr)
	}
}

func (r *Role) runningReportLocked(isBLE bool) meshproto.DataReport {
	acc := &r.wifi
	if isBLE {
		acc = &r.ble
	}
	dr := meshproto.DataReport{
		MAC:   r.target,
		Hits:  acc.count,
		RSSI:  acc.average(),
		IsBLE: isBLE,
	}
	return r.attachGPSLocked(dr)
}

// attachGPSLocked stamps the node's current fix onto a report, if one has
// been fed via RecordHit. Must be called with r.mu held.
func (r *Role) attachGPSLocked(dr meshproto.DataReport) meshproto.DataReport {
	if r.hasGPS {
		dr.HasGPS, dr.Lat, dr.Lon = true, r.gps.Lat, r.gps.Lon
		dr.HasHDOP, dr.HDOP = true, r.gps.HDOP
	}
	return dr
}

func (r *Role) onStop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	target := r.target
	wifi, ble := r.wifi, r.ble
	wifiReport := r.attachGPSLocked(meshproto.DataReport{MAC: target, Hits: wifi.count, RSSI: wifi.average(), IsBLE: false})
	bleReport := r.attachGPSLocked(meshproto.DataReport{MAC: target, Hits: ble.count, RSSI: ble.average(), IsBLE: true})
	r.active = false
	r.schedule = nil
	r.mu.Unlock()

	if wifi.seen {
		r.send(wifiReport)
	}
	if ble.seen {
		r.send(bleReport)
	}

	ack := meshproto.Envelope{Sender: r.selfID, Body: meshproto.TriangulateStopAck{}}
	if err := r.link.Send(ack.Encode()); err != nil {
		log.Warnf("peer: failed to send TRIANGULATE_STOP_ACK: %v", err)
	}
}

func (r *Role) send(body meshproto.Message) {
	env := meshproto.Envelope{Sender: r.selfID, Body: body}
	if err := r.link.Send(env.Encode()); err != nil {
		log.Warnf("peer: send failed: %v", err)
	}
}
