package meshproto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTriangulateStart(t *testing.T) {
	env, err := Parse("COORD: @ALL TRIANGULATE_START:AA:BB:CC:DD:EE:FF:120:COORD:2")
	require.NoError(t, err)
	assert.Equal(t, "COORD", env.Sender)
	assert.Equal(t, "ALL", env.Target)
	start, ok := env.Body.(TriangulateStart)
	require.True(t, ok)
	assert.True(t, start.Target.HasMAC)
	assert.Equal(t, uint32(120), start.Secs)
	assert.Equal(t, "COORD", start.Initiator)
	assert.Equal(t, Indoor, start.Env)
}

func TestParseTriangulateStartIdentity(t *testing.T) {
	env, err := Parse("N1: TRIANGULATE_START:T-a1b2:60:N1:0")
	require.NoError(t, err)
	start := env.Body.(TriangulateStart)
	assert.False(t, start.Target.HasMAC)
	assert.Equal(t, "T-A1B2", start.Target.Identity)
}

func TestDataReportRoundTrip(t *testing.T) {
	line := "N2: T_D: AA:BB:CC:DD:EE:FF Hits=5 RSSI:-65 Type:WiFi GPS=12.345678,-122.123456 HDOP=1.2 TS=1700000000.500000"
	env, err := Parse(line)
	require.NoError(t, err)
	dr, ok := env.Body.(DataReport)
	require.True(t, ok)
	assert.Equal(t, uint32(5), dr.Hits)
	assert.Equal(t, -65.0, dr.RSSI)
	assert.False(t, dr.IsBLE)
	assert.True(t, dr.HasGPS)
	assert.InDelta(t, 12.345678, dr.Lat, 1e-6)
	assert.InDelta(t, -122.123456, dr.Lon, 1e-6)
	assert.True(t, dr.HasHDOP)
	assert.InDelta(t, 1.2, dr.HDOP, 1e-6)

	reenc := Envelope{Sender: "N2", Body: dr}.Encode()
	env2, err := Parse(reenc)
	require.NoError(t, err)
	dr2 := env2.Body.(DataReport)
	assert.Equal(t, dr.MAC, dr2.MAC)
	assert.Equal(t, dr.Hits, dr2.Hits)
	assert.Equal(t, dr.RSSI, dr2.RSSI)
	assert.Equal(t, dr.IsBLE, dr2.IsBLE)
	assert.InDelta(t, dr.Lat, dr2.Lat, 1e-6)
	assert.InDelta(t, dr.Lon, dr2.Lon, 1e-6)
	assert.InDelta(t, dr.HDOP, dr2.HDOP, 0.05)
}

func TestDataReportIgnoresOptionalFields(t *testing.T) {
	env, err := Parse("N3: T_D: AA:BB:CC:DD:EE:FF Hits=1 RSSI:-80 Type:BLE")
	require.NoError(t, err)
	dr := env.Body.(DataReport)
	assert.True(t, dr.IsBLE)
	assert.False(t, dr.HasGPS)
	assert.False(t, dr.HasHDOP)
	assert.False(t, dr.HasTS)
}

func TestTooLongRejectedBeforeParsing(t *testing.T) {
	line := "N1: T_D: " + strings.Repeat("A", 250)
	_, err := Parse(line)
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestStripsNonPrintable(t *testing.T) {
	raw := "N1: TRI_START_ACK\x01\x02"
	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, TriStartAckType, env.Body.Type())
}

func TestUnknownMessageNeverErrors(t *testing.T) {
	env, err := Parse("N1: SOME_FUTURE_TAG:abc:def")
	require.NoError(t, err)
	assert.Equal(t, Unknown, env.Body.Type())
}

func TestTriCycleStartEmptyNodeList(t *testing.T) {
	env, err := Parse("COORD: TRI_CYCLE_START:172000:")
	require.NoError(t, err)
	cs := env.Body.(TriCycleStart)
	assert.Empty(t, cs.Nodes)
	assert.Equal(t, int64(172000), cs.StartMS)
}

func TestTargetsMe(t *testing.T) {
	env, err := Parse("COORD: @N3 TRIANGULATE_STOP")
	require.NoError(t, err)
	assert.True(t, env.TargetsMe("N3"))
	assert.False(t, env.TargetsMe("N4"))

	env2, err := Parse("COORD: TRIANGULATE_STOP")
	require.NoError(t, err)
	assert.True(t, env2.TargetsMe("anyone"))
}

func TestParseRFEnvironmentNameCaseInsensitive(t *testing.T) {
	assert.Equal(t, OpenSky, ParseRFEnvironmentName("OpenSky"))
	assert.Equal(t, IndoorDense, ParseRFEnvironmentName("indoor-dense"))
	assert.Equal(t, Indoor, ParseRFEnvironmentName("nonsense"))
}

func TestFinalFixEncodeParse(t *testing.T) {
	mac, _ := ParseTargetRef("AA:BB:CC:DD:EE:FF")
	fx := FinalFix{MAC: mac, Lat: 1.5, Lon: -2.5, ConfPct: 72, UncertaintyM: 12.3}
	line := Envelope{Sender: "COORD", Body: fx}.Encode()
	env, err := Parse(line)
	require.NoError(t, err)
	got := env.Body.(FinalFix)
	assert.InDelta(t, fx.Lat, got.Lat, 1e-6)
	assert.InDelta(t, fx.UncertaintyM, got.UncertaintyM, 0.05)
}
