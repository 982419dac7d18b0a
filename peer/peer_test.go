package peer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsentry/rfmesh/bus"
	"github.com/meshsentry/rfmesh/clock"
	"github.com/meshsentry/rfmesh/meshproto"
)

type capturePort struct {
	out bytes.Buffer
}

func (p *capturePort) Read(b []byte) (int, error)  { return 0, nil }
func (p *capturePort) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *capturePort) Close() error                { return nil }

func newTestRole(t *testing.T, id string) (*Role, *capturePort) {
	t.Helper()
	port := &capturePort{}
	link := bus.NewLink(port, bus.NewTokenBucket(1000, 1000))
	clk := clock.New()
	return New(id, clk, link), port
}

func TestOnStartAcksAndNeverBecomesInitiator(t *testing.T) {
	r, port := newTestRole(t, "N1")
	target, err := meshproto.ParseTargetRef("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriangulateStart{
		Target: target, Secs: 30, Initiator: "COORD",
	}})
	assert.True(t, r.Active())
	assert.Contains(t, port.out.String(), "TRI_START_ACK")
}

func TestOwnStartMessageIgnored(t *testing.T) {
	r, _ := newTestRole(t, "COORD")
	target, _ := meshproto.ParseTargetRef("AA:BB:CC:DD:EE:FF")
	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriangulateStart{
		Target: target, Secs: 30, Initiator: "COORD",
	}})
	assert.False(t, r.Active())
}

func TestCycleStartBuildsSchedule(t *testing.T) {
	r, _ := newTestRole(t, "N1")
	target, _ := meshproto.ParseTargetRef("AA:BB:CC:DD:EE:FF")
	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriangulateStart{Target: target, Initiator: "COORD"}})
	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriCycleStart{StartMS: 0, Nodes: []string{"N1", "N2"}}})
	r.mu.Lock()
	sched := r.schedule
	r.mu.Unlock()
	require.NotNil(t, sched)
	assert.Equal(t, 2, sched.Count())
}

func TestStopEmitsFinalReportsAndAck(t *testing.T) {
	r, port := newTestRole(t, "N1")
	target, _ := meshproto.ParseTargetRef("AA:BB:CC:DD:EE:FF")
	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriangulateStart{Target: target, Initiator: "COORD"}})
	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriCycleStart{StartMS: 0, Nodes: []string{"N1"}}})

	fix := &clock.GPSFix{Valid: true, Lat: 37.5, Lon: -122.5, HDOP: 1.2}
	r.RecordHit(target, -60, false, fix)
	r.RecordHit(target, -70, true, nil)

	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriangulateStop{}})

	// One running T_D from the first hit inside N1's slot, then the final
	// Wi-Fi and BLE reports on stop.
	out := port.out.String()
	assert.Equal(t, 3, strings.Count(out, "T_D:"))
	assert.Contains(t, out, "TRIANGULATE_STOP_ACK")
	assert.False(t, r.Active())
	assert.Contains(t, out, "GPS=37.500000,-122.500000")
	assert.Contains(t, out, "HDOP=1.2")
}

func TestRecordHitIgnoresMismatchedMAC(t *testing.T) {
	r, port := newTestRole(t, "N1")
	target, _ := meshproto.ParseTargetRef("AA:BB:CC:DD:EE:FF")
	other, _ := meshproto.ParseTargetRef("11:22:33:44:55:66")
	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriangulateStart{Target: target, Initiator: "COORD"}})
	r.RecordHit(other, -60, false, nil)
	r.Handle(meshproto.Envelope{Sender: "COORD", Body: meshproto.TriangulateStop{}})
	assert.NotContains(t, port.out.String(), "T_D:")
}
