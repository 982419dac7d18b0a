package coordinator

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsentry/rfmesh/bus"
	"github.com/meshsentry/rfmesh/clock"
	"github.com/meshsentry/rfmesh/meshproto"
	"github.com/meshsentry/rfmesh/pathloss"
)

type loopbackPort struct {
	out bytes.Buffer
}

func (p *loopbackPort) Read(b []byte) (int, error)  { return 0, nil }
func (p *loopbackPort) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *loopbackPort) Close() error                { return nil }

func newTestManager() (*Manager, *loopbackPort) {
	port := &loopbackPort{}
	link := bus.NewLink(port, bus.NewTokenBucket(1000, 1000))
	clk := clock.New()
	pl := pathloss.NewModel(meshproto.Indoor)
	m := NewManager("COORD", clk, link, pl, NewStats())
	return m, port
}

func mustTarget(t *testing.T) meshproto.TargetRef {
	t.Helper()
	ref, err := meshproto.ParseTargetRef("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	return ref
}

func TestInsufficientPeersAborts(t *testing.T) {
	m, _ := newTestManager()
	err := m.StartTriangulation(mustTarget(t), 1, meshproto.Indoor)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.Phase() == Idle
	}, 20*time.Second, 20*time.Millisecond)

	assert.Contains(t, m.Results().Get(), "Insufficient peers")
}

func TestDebounceRejectsImmediateRestart(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.StartTriangulation(mustTarget(t), 1, meshproto.Indoor))
	require.Eventually(t, func() bool { return m.Phase() == Idle }, 20*time.Second, 20*time.Millisecond)

	err := m.StartTriangulation(mustTarget(t), 1, meshproto.Indoor)
	assert.ErrorIs(t, err, ErrDebounced)
}

func TestConcurrentStartCollapsesToOneSession(t *testing.T) {
	m, _ := newTestManager()
	done := make(chan error, 2)
	go func() { done <- m.StartTriangulation(mustTarget(t), 1, meshproto.Indoor) }()
	go func() { done <- m.StartTriangulation(mustTarget(t), 1, meshproto.Indoor) }()
	e1 := <-done
	e2 := <-done
	assert.True(t, e1 == nil || e2 == nil)
}

func TestAckTrackedBeforeCycleDispatch(t *testing.T) {
	m, _ := newTestManager()
	target := mustTarget(t)
	require.NoError(t, m.StartTriangulation(target, 1, meshproto.Indoor))

	require.Eventually(t, func() bool {
		return m.Phase() == Recruiting
	}, time.Second, 10*time.Millisecond)

	env := meshproto.Envelope{Sender: "N1", Body: meshproto.TriStartAck{}}
	m.Handle(env)
	m.mu.Lock()
	_, ok := m.sess.AckTable["N1"]
	m.mu.Unlock()
	assert.True(t, ok)

	m.Stop()
	require.Eventually(t, func() bool { return m.Phase() == Idle }, 30*time.Second, 50*time.Millisecond)
}

func TestLateJoinerAcceptedDuringScanning(t *testing.T) {
	m, _ := newTestManager()
	target := mustTarget(t)
	require.NoError(t, m.StartTriangulation(target, 0, meshproto.Indoor))

	for i, id := range []string{"N1", "N2"} {
		_ = i
		m.Handle(meshproto.Envelope{Sender: id, Body: meshproto.TriStartAck{}})
	}

	require.Eventually(t, func() bool {
		return m.Phase() == Scanning
	}, 20*time.Second, 50*time.Millisecond)

	dr := meshproto.DataReport{MAC: target, Hits: 1, RSSI: -60, IsBLE: false}
	m.Handle(meshproto.Envelope{Sender: "N3", Body: dr})

	m.mu.Lock()
	_, ok := m.sess.AckTable["N3"]
	m.mu.Unlock()
	assert.True(t, ok)

	m.Stop()
	require.Eventually(t, func() bool { return m.Phase() == Idle }, 30*time.Second, 50*time.Millisecond)
}

func TestResultsBufferDefaultsToNoScanData(t *testing.T) {
	m, _ := newTestManager()
	assert.Equal(t, "No scan data yet.", m.Results().Get())
}

func TestMapsURLHintOmittedWithoutSelfGPS(t *testing.T) {
	assert.Empty(t, mapsURLHint(false, nil, 1, 2))
	assert.Empty(t, mapsURLHint(true, &NodeReport{HasGPS: false}, 1, 2))
}

func TestMapsURLHintIncludesDistanceFromSelf(t *testing.T) {
	self := &NodeReport{HasGPS: true, Lat: 37.0, Lon: -122.0}
	hint := mapsURLHint(true, self, 37.001, -122.0)
	assert.Contains(t, hint, "https://www.google.com/maps?q=37.001000,-122.000000")
	assert.Contains(t, hint, "m from this node")
}
