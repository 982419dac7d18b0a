package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsentry/rfmesh/bus"
	"github.com/meshsentry/rfmesh/clock"
	"github.com/meshsentry/rfmesh/coordinator"
	"github.com/meshsentry/rfmesh/meshproto"
	"github.com/meshsentry/rfmesh/pathloss"
)

type loopbackPort struct {
	out bytes.Buffer
}

func (p *loopbackPort) Read(b []byte) (int, error)  { return 0, nil }
func (p *loopbackPort) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *loopbackPort) Close() error                { return nil }

func newTestServer(t *testing.T) (*Server, *coordinator.Manager) {
	t.Helper()
	port := &loopbackPort{}
	link := bus.NewLink(port, bus.NewTokenBucket(1000, 1000))
	clk := clock.New()
	pl := pathloss.NewModel(meshproto.Indoor)
	coord := coordinator.NewManager("COORD", clk, link, pl, coordinator.NewStats())
	stopped := false
	s := New("COORD", coord, pl, func() { stopped = true }, nil)
	_ = stopped
	return s, coord
}

func TestResultsDefaultsBeforeAnyScan(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/results", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "No scan data yet")
}

func TestTriangulateRequiresPost(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/triangulate?target=AA:BB:CC:DD:EE:FF&secs=30", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTriangulateRejectsBadTarget(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/triangulate?target=&secs=30", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriangulateAcceptsValidRequest(t *testing.T) {
	s, coord := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/triangulate?target=AA:BB:CC:DD:EE:FF&secs=1&env=2", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEqual(t, coordinator.Idle, coord.Phase())
	coord.Stop()
}

func TestScanWithoutScannerIsUnavailable(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/scan", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDiagReportsPhaseAndPathLoss(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/diag", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nodeId")
	assert.Contains(t, w.Body.String(), "wifiPathLoss")
}

func TestCalibrateAdmitsManualSample(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/calibrate?dist=10&rssi=-65&ble=0", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCalibrateRejectsBadDist(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/calibrate?dist=nope&rssi=-65", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopAcceptedAndInvokesCallback(t *testing.T) {
	port := &loopbackPort{}
	link := bus.NewLink(port, bus.NewTokenBucket(1000, 1000))
	clk := clock.New()
	pl := pathloss.NewModel(meshproto.Indoor)
	coord := coordinator.NewManager("COORD", clk, link, pl, coordinator.NewStats())
	called := false
	s := New("COORD", coord, pl, func() { called = true }, nil)

	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, called)
}
