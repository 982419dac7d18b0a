// Package clock implements the GPS-disciplined monotonic/epoch clock and
// the propagation-delay-compensated peer time-sync handshake (spec.md
// §4.1). All timing decisions elsewhere in the mesh (slot membership,
// debounce, draining) use the monotonic side of this clock; epoch time is
// only ever produced for the wire format.
package clock

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meshsentry/rfmesh/meshproto"
)

// ErrUnavailable is returned when the RTC mutex could not be acquired
// within the bounded window; the caller should skip the operation rather
// than retry inline.
var ErrUnavailable = fmt.Errorf("clock: RTC unavailable")

const rtcLockTimeout = 50 * time.Millisecond

// hardSetGapS is the threshold above which a GPS fix forces a hard RTC
// reset instead of a gradual discipline step.
const hardSetGapS = 2.0

// smallGapS is the threshold under which a GPS fix counts toward
// convergence.
const smallGapS = 1.0

// convergenceStreak is how many consecutive small-gap observations are
// required before the clock is considered converged.
const convergenceStreak = 3

// syncedOffsetUS is the effective-offset threshold for a peer to be
// considered synchronized.
const syncedOffsetUS = 1000

// GPSFix is the scanner-independent GPS input contract of spec.md §6,
// already decoded from NMEA by the (out-of-core) GPS driver.
type GPSFix struct {
	Valid        bool
	Lat, Lon     float64
	HDOP         float64
	DateTime     time.Time
	Centiseconds uint8
}

// EpochMicros returns the fix's epoch time in microseconds.
func (f GPSFix) EpochMicros() int64 {
	return f.DateTime.Unix()*1_000_000 + int64(f.Centiseconds)*10_000
}

// State is the clock's disciplining state (spec.md §3).
type State struct {
	DriftRateSPerS            float64
	LastDisciplineMonotonicMS int64
	DisciplineCount           int
	Converged                 bool
	BootToEpochOffsetUS       int64
	OffsetCalibrated          bool
}

// PeerSyncRecord is the per-peer sync bookkeeping of spec.md §3.
type PeerSyncRecord struct {
	NodeID               string
	LastReportedEpochS   int64
	OffsetUS             int64
	IsSynced             bool
	LastCheckMonotonicMS int64
}

// trylock is a non-blocking, timeout-bounded mutex standing in for a
// hardware RTC mutex that must never be held indefinitely.
type trylock struct {
	ch chan struct{}
}

func newTrylock() *trylock {
	t := &trylock{ch: make(chan struct{}, 1)}
	t.ch <- struct{}{}
	return t
}

func (t *trylock) TryLock(d time.Duration) bool {
	select {
	case <-t.ch:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *trylock) Unlock() { t.ch <- struct{}{} }

// Clock is a GPS-disciplined monotonic/epoch clock with peer-sync tracking.
type Clock struct {
	boot time.Time
	rtc  *trylock

	mu            sync.Mutex
	state         State
	smallStreak   int
	propDelays    map[string]int64
	peers         map[string]*PeerSyncRecord
}

// New creates a Clock anchored at the current monotonic instant.
func New() *Clock {
	return &Clock{
		boot:       time.Now(),
		rtc:        newTrylock(),
		propDelays: map[string]int64{},
		peers:      map[string]*PeerSyncRecord{},
	}
}

func (c *Clock) monotonicUS(now time.Time) int64 {
	return now.Sub(c.boot).Microseconds()
}

// MonotonicMicros returns elapsed microseconds since the clock was created,
// uncorrected — the only time base used for scheduling/timeout decisions.
func (c *Clock) MonotonicMicros() int64 {
	return c.monotonicUS(time.Now())
}

// MonotonicMillis is a millisecond-resolution convenience wrapper.
func (c *Clock) MonotonicMillis() int64 {
	return c.MonotonicMicros() / 1000
}

// Calibrated reports whether any GPS fix has ever disciplined the clock.
func (c *Clock) Calibrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.OffsetCalibrated
}

// Converged reports whether the clock has observed enough consecutive
// small-gap fixes to trust its drift estimate.
func (c *Clock) Converged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Converged
}

// EpochMicros returns the current best epoch-time estimate in
// microseconds. Before the first GPS fix it returns monotonic-relative
// microseconds (see Calibrated).
func (c *Clock) EpochMicros() int64 {
	now := time.Now()
	monoUS := c.monotonicUS(now)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.OffsetCalibrated {
		return monoUS
	}
	if !c.state.Converged {
		return monoUS + c.state.BootToEpochOffsetUS
	}
	elapsedS := float64(monoUS/1000-c.state.LastDisciplineMonotonicMS) / 1000.0
	if elapsedS < 0 {
		elapsedS = 0
	}
	driftCorrectionUS := int64(c.state.DriftRateSPerS * elapsedS * 1e6)
	return monoUS + c.state.BootToEpochOffsetUS - driftCorrectionUS
}

// FeedGPS disciplines the clock from a fresh GPS fix (spec.md §4.1).
func (c *Clock) FeedGPS(fix GPSFix) error {
	if !fix.Valid {
		return nil
	}
	if !c.rtc.TryLock(rtcLockTimeout) {
		log.Warning("clock: RTC mutex timeout, skipping GPS discipline tick")
		return ErrUnavailable
	}
	defer c.rtc.Unlock()

	now := time.Now()
	monoUS := c.monotonicUS(now)
	gpsEpochUS := fix.EpochMicros()

	c.mu.Lock()
	defer c.mu.Unlock()

	var rtcEpochUS int64
	switch {
	case !c.state.OffsetCalibrated:
		rtcEpochUS = monoUS
	case !c.state.Converged:
		rtcEpochUS = monoUS + c.state.BootToEpochOffsetUS
	default:
		elapsedS := float64(monoUS/1000-c.state.LastDisciplineMonotonicMS) / 1000.0
		if elapsedS < 0 {
			elapsedS = 0
		}
		rtcEpochUS = monoUS + c.state.BootToEpochOffsetUS - int64(c.state.DriftRateSPerS*elapsedS*1e6)
	}
	gapS := float64(gpsEpochUS-rtcEpochUS) / 1e6

	switch {
	case abs(gapS) > hardSetGapS:
		c.state = State{
			BootToEpochOffsetUS: gpsEpochUS - monoUS,
			OffsetCalibrated:    true,
		}
		c.smallStreak = 0
		log.Warningf("clock: hard RTC reset, gap=%.3fs", gapS)
	case !c.state.OffsetCalibrated:
		c.state.BootToEpochOffsetUS = gpsEpochUS - monoUS
		c.state.OffsetCalibrated = true
	case abs(gapS) <= smallGapS:
		elapsedSinceLastS := float64(monoUS/1000-c.state.LastDisciplineMonotonicMS) / 1000.0
		c.state.BootToEpochOffsetUS = gpsEpochUS - monoUS
		c.smallStreak++
		if c.smallStreak >= convergenceStreak {
			c.state.Converged = true
			if elapsedSinceLastS > 0 {
				c.state.DriftRateSPerS = gapS / elapsedSinceLastS
			}
		}
	default:
		c.smallStreak = 0
	}

	c.state.DisciplineCount++
	c.state.LastDisciplineMonotonicMS = monoUS / 1000
	return nil
}

// wrap32Delta recovers a signed microsecond delta from two 32-bit
// monotonic-microsecond samples across domains, guarding against 32-bit
// wraparound per spec.md §4.1.
func wrap32Delta(a, b uint32) int64 {
	return int64(int32(a - b))
}

// HandleSyncRequest is the receiver side of the TIME_SYNC handshake: it
// records the receive-time monotonic microseconds, derives the
// propagation delay against the sender's embedded clock domain, and
// builds the response to emit back over the bus.
func (c *Clock) HandleSyncRequest(req meshproto.TimeSyncReq, rxMonotonicUS uint32) meshproto.TimeSyncResp {
	propDelay := wrap32Delta(rxMonotonicUS, req.MonotonicUS)
	if propDelay < 0 {
		propDelay = 0
	}
	epochUS := c.EpochMicros()
	return meshproto.TimeSyncResp{
		EpochS:      epochUS / 1_000_000,
		SubsecCS:    uint8((epochUS % 1_000_000) / 10_000),
		MonotonicUS: uint32(c.MonotonicMicros()),
		PropDelayUS: uint32(propDelay),
	}
}

// RecordPeerSync stores a propagation-delay-compensated sync observation
// for a peer (spec.md §4.1).
func (c *Clock) RecordPeerSync(nodeID string, theirEpochS int64, theirMonotonicUS int64, measuredPropDelayUS int64) {
	myMicros := c.EpochMicros()
	effectiveUS := myMicros - theirMonotonicUS - measuredPropDelayUS
	myEpochS := myMicros / 1_000_000

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.peers[nodeID]
	if !ok {
		rec = &PeerSyncRecord{NodeID: nodeID}
		c.peers[nodeID] = rec
	}
	rec.LastReportedEpochS = theirEpochS
	rec.OffsetUS = effectiveUS
	rec.IsSynced = myEpochS == theirEpochS && abs64(effectiveUS) < syncedOffsetUS
	rec.LastCheckMonotonicMS = c.MonotonicMillis()
	c.propDelays[nodeID] = measuredPropDelayUS
}

// HandleSyncResponse is the initiator side of the handshake: it decodes a
// TIME_SYNC_RESP and feeds it to RecordPeerSync.
func (c *Clock) HandleSyncResponse(nodeID string, resp meshproto.TimeSyncResp) {
	theirMonotonicUS := int64(resp.MonotonicUS)
	c.RecordPeerSync(nodeID, resp.EpochS, theirMonotonicUS, int64(resp.PropDelayUS))
}

// BuildSyncRequest constructs the outbound TIME_SYNC_REQ carrying this
// node's current epoch/monotonic readings.
func (c *Clock) BuildSyncRequest() meshproto.TimeSyncReq {
	epochUS := c.EpochMicros()
	return meshproto.TimeSyncReq{
		EpochS:      epochUS / 1_000_000,
		SubsecCS:    uint8((epochUS % 1_000_000) / 10_000),
		MonotonicUS: uint32(c.MonotonicMicros()),
	}
}

// IsMeshSynced reports whether every peer this clock has ever recorded is
// within maxOffsetMS of this node's clock. An empty peer set is never
// considered synced.
func (c *Clock) IsMeshSynced(maxOffsetMS int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.peers) == 0 {
		return false
	}
	thresholdUS := maxOffsetMS * 1000
	for _, rec := range c.peers {
		if abs64(rec.OffsetUS) >= thresholdUS {
			return false
		}
	}
	return true
}

// PeerSyncStatus returns a snapshot of all known peer sync records, for
// diagnostics.
func (c *Clock) PeerSyncStatus() []PeerSyncRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerSyncRecord, 0, len(c.peers))
	for _, rec := range c.peers {
		out = append(out, *rec)
	}
	return out
}

// PropagationDelayUS returns the last measured propagation delay to a
// peer, if any.
func (c *Clock) PropagationDelayUS(nodeID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.propDelays[nodeID]
	return v, ok
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
