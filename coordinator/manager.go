// Package coordinator implements the distributed triangulation
// coordinator state machine of spec.md §4.8: the session lifecycle from
// recruiting through publishing, ack tracking, late-joiner handling,
// adaptive draining, and the fusion pipeline that ties together the
// clock, RSSI filter, path-loss model, and trilateration engine.
package coordinator

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/meshsentry/rfmesh/bus"
	"github.com/meshsentry/rfmesh/clock"
	"github.com/meshsentry/rfmesh/geo"
	"github.com/meshsentry/rfmesh/meshproto"
	"github.com/meshsentry/rfmesh/pathloss"
	"github.com/meshsentry/rfmesh/rssi"
	"github.com/meshsentry/rfmesh/slot"
)

// ErrDebounced is returned when a session start is requested inside the
// debounce window following the prior session's terminal transition.
var ErrDebounced = fmt.Errorf("coordinator: debounced")

// ErrSessionActive is returned when a start is requested while a session
// is already running.
var ErrSessionActive = fmt.Errorf("coordinator: session already active")

const (
	debounceMS          = 20_000
	recruitingMS        = 15_000
	syncBroadcastDelay  = 2 * time.Second
	stoppingGraceMS     = 10_000
	drainPollInterval   = 100 * time.Millisecond
	drainQuietWindowMS  = 3_000
	drainBaseMS         = 8_000
	drainPerPeerMS      = 2_000
	drainPropDelayMult  = 3
	publishGraceMS      = 2_000
	minParticipants     = 3
	minGPSAnchors       = 3
	uereFinalFixM       = 2.5
	uereDefaultM        = 4.0
	meanHDOPLimit       = 15.0
)

// Manager runs (at most) one triangulation session at a time and
// dispatches incoming wire messages to it.
type Manager struct {
	selfID string
	clk    *clock.Clock
	link   *bus.Link
	pl     *pathloss.Model
	stats  Stats
	buf    *ResultsBuffer

	mu                 sync.Mutex
	sess               *SessionState
	schedule           *slot.Schedule
	lastTerminalMonoMS int64
	hasTerminal        bool
	stopRequested      atomic.Bool

	sf singleflight.Group
}

// NewManager builds a coordinator bound to this node's identity and its
// shared clock/bus/path-loss collaborators.
func NewManager(selfID string, clk *clock.Clock, link *bus.Link, pl *pathloss.Model, stats Stats) *Manager {
	return &Manager{
		selfID: selfID,
		clk:    clk,
		link:   link,
		pl:     pl,
		stats:  stats,
		buf:    NewResultsBuffer(),
	}
}

// Results returns the shared human-readable results buffer.
func (m *Manager) Results() *ResultsBuffer { return m.buf }

// Phase reports the current session phase, Idle if none is active.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Idle
	}
	return m.sess.Phase
}

// Stop sets the level-triggered stop flag; the running session proceeds
// through Stopping→Draining→Fusing to publish partial results.
func (m *Manager) Stop() {
	m.stopRequested.Store(true)
}

// StartTriangulation begins a coordinator session, per spec.md §4.8.
// Concurrent calls collapse onto a single in-flight attempt.
func (m *Manager) StartTriangulation(target meshproto.TargetRef, secs uint32, env meshproto.RFEnvironment) error {
	_, err, _ := m.sf.Do("triangulate", func() (interface{}, error) {
		return nil, m.startLocked(target, secs, env)
	})
	return err
}

func (m *Manager) startLocked(target meshproto.TargetRef, secs uint32, env meshproto.RFEnvironment) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrSessionActive
	}
	now := m.clk.MonotonicMillis()
	if m.hasTerminal && now-m.lastTerminalMonoMS < debounceMS {
		remaining := debounceMS - (now - m.lastTerminalMonoMS)
		m.mu.Unlock()
		log.Infof("coordinator: debounced, %dms remaining", remaining)
		m.stats.IncSessionsDebounced()
		return ErrDebounced
	}
	sess := newSessionState(target, secs, env, now)
	m.sess = sess
	m.schedule = slot.New()
	m.stopRequested.Store(false)
	m.mu.Unlock()

	m.stats.IncSessionsStarted()
	go m.runSession(sess)
	return nil
}

func (m *Manager) sleepOrStop(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if m.stopRequested.Load() {
			return true
		}
		time.Sleep(drainPollInterval)
	}
	return m.stopRequested.Load()
}

func (m *Manager) send(body meshproto.Message, target string) {
	env := meshproto.Envelope{Sender: m.selfID, Target: target, Body: body}
	if err := m.link.Send(env.Encode()); err != nil {
		log.Warnf("coordinator: send failed: %v", err)
	}
}

func (m *Manager) runSession(sess *SessionState) {
	m.recruit(sess)
	if sess.Phase == AbortedInsufficient {
		m.terminate(sess)
		return
	}
	m.dispatchCycle(sess)
	m.scan(sess)
	m.stopping(sess)
	m.drain(sess)
	m.fuse(sess)
	m.publish(sess)
	m.terminate(sess)
}

func (m *Manager) recruit(sess *SessionState) {
	m.send(m.clk.BuildSyncRequest(), "ALL")
	m.sleepOrStop(syncBroadcastDelay)

	start := meshproto.TriangulateStart{
		Target:    sess.Target,
		Secs:      sess.DurationS,
		Initiator: m.selfID,
		Env:       sess.Env,
	}
	m.send(start, "ALL")
	remaining := time.Duration(recruitingMS)*time.Millisecond - syncBroadcastDelay
	m.sleepOrStop(remaining)

	m.mu.Lock()
	defer m.mu.Unlock()
	total := len(sess.AckTable) + 1
	if total < minParticipants {
		sess.Phase = AbortedInsufficient
		if len(sess.AckTable) > 0 {
			m.send(meshproto.TriangulateStop{}, "ALL")
		}
		m.buf.Set(fmt.Sprintf("Insufficient peers: recruiting produced %d total, need %d.", total, minParticipants))
		m.stats.IncSessionsAborted()
		return
	}
	sess.Phase = CycleDispatch
}

func (m *Manager) dispatchCycle(sess *SessionState) {
	m.mu.Lock()
	nodes := make([]string, 0, len(sess.AckTable)+1)
	nodes = append(nodes, m.selfID)
	for id := range sess.AckTable {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		m.schedule.Recruit(n)
	}
	cycleStartMS := m.clk.EpochMicros() / 1000
	m.mu.Unlock()

	m.send(meshproto.TriCycleStart{StartMS: cycleStartMS, Nodes: nodes}, "ALL")

	m.mu.Lock()
	sess.Phase = Scanning
	sess.ScanStartMonoMS = m.clk.MonotonicMillis()
	m.mu.Unlock()
}

func (m *Manager) scan(sess *SessionState) {
	if sess.DurationS == 0 {
		for !m.stopRequested.Load() {
			time.Sleep(drainPollInterval)
		}
		return
	}
	deadline := time.Duration(sess.DurationS) * time.Second
	m.sleepOrStop(deadline)
}

func (m *Manager) stopping(sess *SessionState) {
	m.mu.Lock()
	sess.Phase = Stopping
	sess.StopSentMonoMS = m.clk.MonotonicMillis()
	for _, ack := range sess.AckTable {
		ack.ReportReceived = false
	}
	m.mu.Unlock()

	m.send(meshproto.TriangulateStop{}, "ALL")
	m.sleepOrStop(time.Duration(stoppingGraceMS) * time.Millisecond)
}

func (m *Manager) allReported(sess *SessionState) bool {
	for _, ack := range sess.AckTable {
		if !ack.ReportReceived {
			return false
		}
	}
	return true
}

func (m *Manager) drain(sess *SessionState) {
	m.mu.Lock()
	sess.Phase = Draining
	peerCount := len(sess.AckTable)
	maxPropDelay := sess.MaxObservedPropDelayMS
	m.mu.Unlock()

	timeoutMS := int64(drainBaseMS) + int64(drainPerPeerMS)*int64(peerCount) + int64(drainPropDelayMult)*maxPropDelay
	start := time.Now()
	for {
		m.mu.Lock()
		done := m.allReported(sess)
		quiet := sess.LastNewPeerMonoMS == 0 || m.clk.MonotonicMillis()-sess.LastNewPeerMonoMS >= drainQuietWindowMS
		m.mu.Unlock()

		elapsed := time.Since(start).Milliseconds()
		if done && quiet {
			break
		}
		if elapsed >= timeoutMS && quiet {
			log.Warnf("coordinator: draining timed out after %dms", elapsed)
			break
		}
		time.Sleep(drainPollInterval)
	}
	time.Sleep(time.Duration(publishGraceMS) * time.Millisecond)
}

func (m *Manager) fuse(sess *SessionState) {
	m.mu.Lock()
	sess.Phase = Fusing
	reports := make([]*NodeReport, 0, len(sess.NodeReports)+1)
	for _, r := range sess.NodeReports {
		reports = append(reports, r)
	}
	m.mu.Unlock()

	var gpsReports []*NodeReport
	for _, r := range reports {
		if r.HasGPS {
			gpsReports = append(gpsReports, r)
		}
	}

	if len(gpsReports) < minGPSAnchors {
		m.mu.Lock()
		sess.Phase = PublishingPartial
		m.mu.Unlock()
		m.stats.IncTrilaterationDegenerate()
		return
	}

	obs := make([]geo.Observation, len(gpsReports))
	var meanHDOP, hdopN float64
	for i, r := range gpsReports {
		obs[i] = geo.Observation{
			NodeID:   r.NodeID,
			Location: geo.LatLon{Lat: r.Lat, Lon: r.Lon},
			RangeM:   r.DistanceM,
			Weight:   r.Filter.Quality,
		}
		if r.HasHDOP {
			meanHDOP += r.HDOP
			hdopN++
		}
	}
	if hdopN > 0 {
		meanHDOP /= hdopN
	}
	if hdopN == 0 || meanHDOP > meanHDOPLimit || geo.IsDegenerate(obs) {
		m.mu.Lock()
		sess.Phase = PublishingPartial
		m.mu.Unlock()
		m.stats.IncTrilaterationDegenerate()
		return
	}

	fixLoc, err := geo.Trilaterate(obs)
	if err != nil {
		m.mu.Lock()
		sess.Phase = PublishingPartial
		m.mu.Unlock()
		m.stats.IncTrilaterationDegenerate()
		return
	}

	// Online path-loss calibration (spec.md §4.3): ground truth is each
	// anchor's distance to the just-fused estimate, never the anchor's
	// own path-loss-derived distance (that would just refit the current
	// parameters back onto themselves).
	for _, r := range gpsReports {
		d := geo.HaversineMeters(geo.LatLon{Lat: r.Lat, Lon: r.Lon}, fixLoc)
		if d > 0.5 && d < 50 {
			_ = m.pl.AddSample(r.Filter.Filtered, d, r.IsBLE)
		}
	}

	var avgQuality, avgDistance float64
	for _, r := range gpsReports {
		avgQuality += r.Filter.Quality
		avgDistance += r.DistanceM
	}
	avgQuality /= float64(len(gpsReports))
	avgDistance /= float64(len(gpsReports))

	conf := avgQuality * (1 - 0.1*(meanHDOP-1)) * (1 - 0.05*(float64(len(gpsReports))-3))
	conf = clamp(conf, 0, 1)

	budget := geo.UncertaintyBudget{
		GPSErrM:   meanHDOP * uereFinalFixM,
		RSSIErrM:  rssiRMS(gpsReports),
		GeomErrM:  geomErr(obs, avgDistance),
		SyncErrM:  syncErr(m.clk, avgDistance),
		CalibErrM: calibErr(m.pl, avgDistance),
	}
	uncertainty := 0.59 * budget.Combine()

	m.mu.Lock()
	sess.FinalResult = &FinalResult{
		Lat:           fixLoc.Lat,
		Lon:           fixLoc.Lon,
		ConfPct:       conf * 100,
		UncertaintyM:  uncertainty,
		TimestampUS:   m.clk.EpochMicros(),
		CoordinatorID: m.selfID,
	}
	sess.Phase = Publishing
	m.mu.Unlock()
	m.stats.IncTrilaterationSuccess()
}

func rssiRMS(reports []*NodeReport) float64 {
	var sumSq float64
	for _, r := range reports {
		factor := 0.25 + 0.30*(1-r.Filter.Quality)
		e := r.DistanceM * factor
		if r.IsBLE {
			e *= 1.2
		}
		sumSq += e * e
	}
	return math.Sqrt(sumSq / float64(len(reports)))
}

func geomErr(obs []geo.Observation, avgDistance float64) float64 {
	n := len(obs)
	if n == 3 {
		area := triangleAreaM2(obs)
		switch {
		case area < 100:
			return 0.5 * avgDistance
		case area < 500:
			return 0.25 * avgDistance
		case area < 1000:
			return 0.15 * avgDistance
		default:
			return 0.05 * avgDistance
		}
	}
	return 0.10 * avgDistance / math.Sqrt(float64(n-2))
}

func triangleAreaM2(obs []geo.Observation) float64 {
	origin := obs[0].Location
	p0 := geo.Project(origin, obs[0].Location)
	p1 := geo.Project(origin, obs[1].Location)
	p2 := geo.Project(origin, obs[2].Location)
	return math.Abs(0.5 * ((p1.East-p0.East)*(p2.North-p0.North) - (p2.East-p0.East)*(p1.North-p0.North)))
}

func syncErr(clk *clock.Clock, avgDistance float64) float64 {
	if clk.IsMeshSynced(50) {
		return 0
	}
	return 0.10 * avgDistance
}

// calibErr adds an uncertainty penalty of 0.15·avgDistance when neither radio type's
// path-loss model has accumulated enough samples to have adapted away
// from its environment preset.
func calibErr(pl *pathloss.Model, avgDistance float64) float64 {
	if pl.Calibrated(false) || pl.Calibrated(true) {
		return 0
	}
	return 0.15 * avgDistance
}

func (m *Manager) publish(sess *SessionState) {
	m.link.Flush()

	m.mu.Lock()
	self, hasSelf := sess.NodeReports[m.selfID]
	phase := sess.Phase
	final := sess.FinalResult
	target := sess.Target
	nodeCount := len(sess.NodeReports)
	m.mu.Unlock()

	if hasSelf {
		dr := meshproto.DataReport{
			MAC:    target,
			Hits:   self.Filter.HitCount,
			RSSI:   self.Filter.Filtered,
			IsBLE:  self.IsBLE,
			HasGPS: self.HasGPS,
			Lat:    self.Lat,
			Lon:    self.Lon,
		}
		m.send(dr, "")
	}

	agg := meshproto.CoordinatorAggregate{MAC: target, Nodes: nodeCount}
	if final != nil {
		agg.HasGPS, agg.Lat, agg.Lon = true, final.Lat, final.Lon
		agg.HasConf, agg.ConfPct = true, final.ConfPct
	}
	m.send(agg, "")

	report := fmt.Sprintf("Target %s: %d node(s) reported.", target.String(), nodeCount)
	if phase == Publishing && final != nil {
		fx := meshproto.FinalFix{MAC: target, Lat: final.Lat, Lon: final.Lon, ConfPct: final.ConfPct, UncertaintyM: final.UncertaintyM}
		m.send(fx, "")
		report = fmt.Sprintf("Target %s fixed at %.6f,%.6f (conf %.0f%%, ±%.1fm).%s",
			target.String(), final.Lat, final.Lon, final.ConfPct, final.UncertaintyM,
			mapsURLHint(hasSelf, self, final.Lat, final.Lon))
	} else if phase == PublishingPartial {
		report = fmt.Sprintf("Target %s: insufficient GPS nodes or degenerate geometry. %s", target.String(), report)
	}
	m.buf.Set(report)
}

// mapsURLHint appends a Google Maps link plus this node's great-circle
// distance to the fix, when this node itself has a GPS-bearing report to
// measure from; it returns "" otherwise, even when a fix exists. The hint
// goes into the results buffer only, never into the T_C wire message.
func mapsURLHint(hasSelf bool, self *NodeReport, fixLat, fixLon float64) string {
	if !hasSelf || !self.HasGPS {
		return ""
	}
	dist := geo.HaversineMeters(geo.LatLon{Lat: self.Lat, Lon: self.Lon}, geo.LatLon{Lat: fixLat, Lon: fixLon})
	return fmt.Sprintf(" https://www.google.com/maps?q=%.6f,%.6f (%.0fm from this node)", fixLat, fixLon, dist)
}

func (m *Manager) terminate(sess *SessionState) {
	m.mu.Lock()
	sess.Phase = Terminal
	m.lastTerminalMonoMS = m.clk.MonotonicMillis()
	m.hasTerminal = true
	m.sess = nil
	m.mu.Unlock()
}

// Handle dispatches an inbound mesh envelope to the active session, if
// any. Messages whose MAC does not match the session target are ignored.
func (m *Manager) Handle(env meshproto.Envelope) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}

	switch body := env.Body.(type) {
	case meshproto.TriStartAck:
		m.onAck(sess, env.Sender)
	case meshproto.DataReport:
		m.onDataReport(sess, env.Sender, body)
	}
}

func (m *Manager) onAck(sess *SessionState, sender string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.MonotonicMillis()
	entry, ok := sess.AckTable[sender]
	if !ok {
		entry = &AckEntry{FirstAckMonoMS: now}
		sess.AckTable[sender] = entry
	} else {
		entry.FirstAckMonoMS = now
	}
	m.stats.IncAcks()
}

func (m *Manager) onDataReport(sess *SessionState, sender string, dr meshproto.DataReport) {
	if !dr.MAC.Equal(sess.Target) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.MonotonicMillis()
	if _, known := sess.AckTable[sender]; !known {
		sess.AckTable[sender] = &AckEntry{FirstAckMonoMS: now}
		sess.LastNewPeerMonoMS = now
		if m.schedule != nil {
			m.schedule.LateJoin(sender)
		}
		m.stats.IncLateJoiners()
	}
	ack := sess.AckTable[sender]
	ack.ReportReceived = true
	ack.LastReportMonoMS = now

	nr, ok := sess.NodeReports[sender]
	if !ok {
		nr = &NodeReport{NodeID: sender, Filter: rssi.NewFilter()}
		sess.NodeReports[sender] = nr
	}
	nr.Filter.Update(dr.RSSI)
	nr.IsBLE = dr.IsBLE
	nr.LastUpdateMonoMS = now
	if dr.HasGPS {
		nr.HasGPS, nr.Lat, nr.Lon = true, dr.Lat, dr.Lon
	}
	if dr.HasHDOP {
		nr.HasHDOP, nr.HDOP = true, dr.HDOP
	}
	nr.DetectedAtUS = m.clk.EpochMicros()
	nr.DistanceM = clamp(m.pl.Distance(nr.Filter.Filtered, nr.IsBLE)*(1+0.5*(1-nr.Filter.Quality)), 0.1, 200)

	m.stats.IncReportsReceived()
}

// RecordLocalHit folds the coordinator's own radio observation into its
// synthetic self NodeReport (spec.md §4.8 Fusing: "Include the
// coordinator's own accumulated observation as a synthetic NodeReport").
func (m *Manager) RecordLocalHit(rawRSSI float64, isBLE bool, gps *clock.GPSFix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sess
	if sess == nil {
		return
	}
	nr, ok := sess.NodeReports[m.selfID]
	if !ok {
		nr = &NodeReport{NodeID: m.selfID, Filter: rssi.NewFilter()}
		sess.NodeReports[m.selfID] = nr
	}
	nr.Filter.Update(rawRSSI)
	nr.IsBLE = isBLE
	nr.LastUpdateMonoMS = m.clk.MonotonicMillis()
	if gps != nil && gps.Valid {
		nr.HasGPS, nr.Lat, nr.Lon = true, gps.Lat, gps.Lon
		nr.HasHDOP, nr.HDOP = true, gps.HDOP
	}
	nr.DistanceM = clamp(m.pl.Distance(nr.Filter.Filtered, isBLE)*(1+0.5*(1-nr.Filter.Quality)), 0.1, 200)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

