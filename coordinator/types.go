package coordinator

import (
	"github.com/meshsentry/rfmesh/meshproto"
	"github.com/meshsentry/rfmesh/rssi"
)

// Role mirrors spec.md §3's SessionState role flag: exactly one is true
// whenever a session is active.
type Role int

const (
	RoleNone Role = iota
	RoleCoordinator
	RolePeer
)

// Phase is a coordinator session's position in the state machine of
// spec.md §4.8.
type Phase int

const (
	Idle Phase = iota
	Recruiting
	CycleDispatch
	Scanning
	Stopping
	Draining
	Fusing
	Publishing
	PublishingPartial
	AbortedInsufficient
	Terminal
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Recruiting:
		return "Recruiting"
	case CycleDispatch:
		return "CycleDispatch"
	case Scanning:
		return "Scanning"
	case Stopping:
		return "Stopping"
	case Draining:
		return "Draining"
	case Fusing:
		return "Fusing"
	case Publishing:
		return "Publishing"
	case PublishingPartial:
		return "PublishingPartial"
	case AbortedInsufficient:
		return "AbortedInsufficient"
	case Terminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// AckEntry is one peer's recruitment bookkeeping (spec.md §3 ack_table).
type AckEntry struct {
	FirstAckMonoMS   int64
	ReportReceived   bool
	LastReportMonoMS int64
}

// NodeReport is the per-peer, per-session aggregate of spec.md §3.
type NodeReport struct {
	NodeID           string
	Filter           *rssi.Filter
	HasGPS           bool
	Lat, Lon         float64
	HasHDOP          bool
	HDOP             float64
	IsBLE            bool
	DetectedAtUS     int64
	DistanceM        float64
	LastUpdateMonoMS int64
}

// FinalResult is the published fix, or nil when no numeric fix was
// produced (spec.md §3).
type FinalResult struct {
	Lat, Lon      float64
	ConfPct       float64
	UncertaintyM  float64
	TimestampUS   int64
	CoordinatorID string
}

// SessionState is the coordinator-only session record of spec.md §3.
type SessionState struct {
	Target      meshproto.TargetRef
	Role        Role
	Phase       Phase
	StartMonoMS int64
	DurationS   uint32
	Env         meshproto.RFEnvironment

	AckTable    map[string]*AckEntry
	NodeReports map[string]*NodeReport

	FinalResult            *FinalResult
	StopSentMonoMS          int64
	WaitingForFinalReports  bool
	ScanStartMonoMS         int64
	LastNewPeerMonoMS       int64
	MaxObservedPropDelayMS  int64
}

func newSessionState(target meshproto.TargetRef, secs uint32, env meshproto.RFEnvironment, nowMS int64) *SessionState {
	return &SessionState{
		Target:      target,
		Role:        RoleCoordinator,
		Phase:       Recruiting,
		StartMonoMS: nowMS,
		DurationS:   secs,
		Env:         env,
		AckTable:    map[string]*AckEntry{},
		NodeReports: map[string]*NodeReport{},
	}
}
