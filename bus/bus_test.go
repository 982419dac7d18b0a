package bus

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is a bytes.Buffer-backed stand-in for a serial port, avoiding
// real hardware and any mock-generation toolchain.
type fakePort struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   bool
}

func newFakePort(preloaded string) *fakePort {
	return &fakePort{
		readBuf:  bytes.NewBufferString(preloaded),
		writeBuf: &bytes.Buffer{},
	}
}

func (f *fakePort) Read(p []byte) (int, error)  { return f.readBuf.Read(p) }
func (f *fakePort) Write(p []byte) (int, error) { return f.writeBuf.Write(p) }
func (f *fakePort) Close() error                { f.closed = true; return nil }

func TestIsPriorityMatchesStopTraffic(t *testing.T) {
	assert.True(t, IsPriority("COORD: @ALL TRIANGULATE_STOP"))
	assert.True(t, IsPriority("N1: STOP_ACK"))
	assert.False(t, IsPriority("N1: T_D: AA:BB:CC:DD:EE:FF Hits=1 RSSI:-60 Type:WiFi"))
}

func TestTokenBucketConsumesOneTokenPerByte(t *testing.T) {
	cur := time.Now()
	b := NewTokenBucket(10, 5)
	b.now = func() time.Time { return cur }
	b.last = cur
	assert.True(t, b.AllowN(6))
	assert.True(t, b.AllowN(4))
	assert.False(t, b.AllowN(1))

	cur = cur.Add(1 * time.Second)
	assert.True(t, b.AllowN(5))
}

func TestTokenBucketFlushResetsToCapacity(t *testing.T) {
	cur := time.Now()
	b := NewTokenBucket(10, 0)
	b.now = func() time.Time { return cur }
	b.last = cur
	require.True(t, b.AllowN(10))
	require.False(t, b.AllowN(1))

	b.Flush()
	assert.True(t, b.AllowN(10))
}

func TestSendRejectsNonPriorityWhenCongested(t *testing.T) {
	cur := time.Now()
	line := "N1: T_D: AA:BB:CC:DD:EE:FF Hits=1 RSSI:-60 Type:WiFi"
	bucket := NewTokenBucket(float64(len(line)), 0)
	bucket.now = func() time.Time { return cur }
	bucket.last = cur
	port := newFakePort("")
	link := NewLink(port, bucket)

	require.NoError(t, link.Send(line))
	err := link.Send("N1: T_D: AA:BB:CC:DD:EE:FF Hits=2 RSSI:-60 Type:WiFi")
	assert.ErrorIs(t, err, ErrCongested)
}

func TestLinkFlushResetsRateLimiter(t *testing.T) {
	line := "N1: T_D: AA:BB:CC:DD:EE:FF Hits=1 RSSI:-60 Type:WiFi"
	bucket := NewTokenBucket(float64(len(line)), 0)
	port := newFakePort("")
	link := NewLink(port, bucket)

	require.NoError(t, link.Send(line))
	require.ErrorIs(t, link.Send(line), ErrCongested)

	link.Flush()
	assert.NoError(t, link.Send(line))
}

func TestSendAlwaysAllowsPriorityTraffic(t *testing.T) {
	bucket := NewTokenBucket(0, 0)
	port := newFakePort("")
	link := NewLink(port, bucket)
	err := link.Send("COORD: @ALL TRIANGULATE_STOP")
	assert.NoError(t, err)
}

func TestRecvSkipsDuplicateLines(t *testing.T) {
	port := newFakePort("N1: PING\nN1: PING\nN1: PONG\n")
	link := NewLink(port, NewTokenBucket(100, 100))

	line1, err := link.Recv()
	require.NoError(t, err)
	assert.Equal(t, "N1: PING", line1)

	line2, err := link.Recv()
	require.NoError(t, err)
	assert.Equal(t, "N1: PONG", line2)
}

func TestRecvReturnsEOFWhenExhausted(t *testing.T) {
	port := newFakePort("")
	link := NewLink(port, NewTokenBucket(100, 100))
	_, err := link.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
