// Package bus implements the token-bucket rate-limited serial transport
// the mesh protocol rides on: line framing over a go.bug.st/serial port,
// a priority bypass for stop/ack traffic, and duplicate-line suppression
// (spec.md §4.6).
package bus

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ErrCongested is returned when a non-priority send is rejected because
// the token bucket is empty.
var ErrCongested = fmt.Errorf("bus: rate limit exceeded")

// priorityMarkers are substrings that let a message bypass the rate
// limiter: the mesh must always be able to stop a session or ack a stop,
// even while saturated with data reports (spec.md §4.6).
var priorityMarkers = []string{"TRIANGULATE_STOP", "STOP_ACK"}

// IsPriority reports whether a raw line qualifies for rate-limit bypass.
func IsPriority(line string) bool {
	for _, m := range priorityMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// TokenBucket is a byte-count rate limiter: capacity tokens refill
// linearly over time, and sending m bytes consumes m tokens (spec.md
// §4.6: "Sending m bytes consumes m tokens").
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket with the given capacity and
// refill rate in tokens/second.
func NewTokenBucket(capacity, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillPerSecond,
		last:       time.Now(),
		now:        time.Now,
	}
}

// AllowN consumes n tokens (one per byte of the line about to be sent)
// if that many are available, refilling first for elapsed time since the
// last check.
func (b *TokenBucket) AllowN(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// Flush resets the bucket to full capacity, used before emitting final
// results so the publish burst never gets partially rate-limited
// (spec.md §4.6 / §4.8 Publishing).
func (b *TokenBucket) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.tokens = b.capacity
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Port is the narrow subset of go.bug.st/serial.Port this package relies
// on, so tests can substitute an in-memory pipe instead of real hardware.
type Port interface {
	io.ReadWriteCloser
}

// OpenSerial opens a go.bug.st/serial port at the given baud rate.
func OpenSerial(device string, baud int) (Port, error) {
	mode := &serial.Mode{BaudRate: baud}
	return serial.Open(device, mode)
}

// dedupeWindow bounds how many recent line hashes are remembered.
const dedupeWindow = 64

// dedupeCache suppresses re-delivery of an identical line seen recently,
// keyed by an xxhash digest rather than the line bytes themselves to
// keep the cache cheap under high TDMA report volume.
type dedupeCache struct {
	mu    sync.Mutex
	seen  map[uint64]struct{}
	order []uint64
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{seen: map[uint64]struct{}{}}
}

func (d *dedupeCache) SeenBefore(line string) bool {
	h := xxhash.Sum64String(line)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[h]; ok {
		return true
	}
	d.seen[h] = struct{}{}
	d.order = append(d.order, h)
	if len(d.order) > dedupeWindow {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// Link is a framed, rate-limited, dedup-suppressing line transport over
// a Port.
type Link struct {
	port    Port
	scanner *bufio.Scanner
	writeMu sync.Mutex
	bucket  *TokenBucket
	dedupe  *dedupeCache
}

// NewLink wraps a Port with line framing, rate limiting, and dedup.
func NewLink(port Port, bucket *TokenBucket) *Link {
	return &Link{
		port:    port,
		scanner: bufio.NewScanner(port),
		bucket:  bucket,
		dedupe:  newDedupeCache(),
	}
}

// Send writes one line, terminated with "\n", subject to the rate
// limiter unless the line carries a priority marker. Non-priority sends
// consume len(line) tokens, per spec.md §4.6.
func (l *Link) Send(line string) error {
	if !IsPriority(line) && !l.bucket.AllowN(len(line)) {
		log.Warnf("bus: dropping line, rate limit exceeded: %q", line)
		return ErrCongested
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := io.WriteString(l.port, line+"\n")
	return err
}

// Flush resets the rate limiter to full capacity, so the publish burst
// at the end of a session is never throttled mid-emission.
func (l *Link) Flush() {
	l.bucket.Flush()
}

// Recv blocks for the next line, skipping any duplicate of a recently
// seen line.
func (l *Link) Recv() (string, error) {
	for l.scanner.Scan() {
		line := l.scanner.Text()
		if l.dedupe.SeenBefore(line) {
			continue
		}
		return line, nil
	}
	if err := l.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close closes the underlying port.
func (l *Link) Close() error {
	return l.port.Close()
}
