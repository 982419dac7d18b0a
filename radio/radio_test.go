package radio

import "testing"

// fakeScanner is a hand-written stand-in used only to confirm the
// interface shape compiles against a minimal implementation, the same
// role ntp/chrony/client_test.go's fake connection plays for its
// interface in the teacher.
type fakeScanner struct {
	scanning bool
	hits     chan Hit
}

func (f *fakeScanner) Start(mode ScanMode, durationS uint32) error { f.scanning = true; return nil }
func (f *fakeScanner) Stop() error                                 { f.scanning = false; return nil }
func (f *fakeScanner) IsScanning() bool                             { return f.scanning }
func (f *fakeScanner) Hits() <-chan Hit                             { return f.hits }

type fakeGPS struct{ fix GPSFix }

func (f *fakeGPS) Poll() (GPSFix, error) { return f.fix, nil }

type fakeLog struct{ lines []string }

func (f *fakeLog) LogToSD(line string) { f.lines = append(f.lines, line) }

func TestFakesSatisfyInterfaces(t *testing.T) {
	var _ Scanner = &fakeScanner{hits: make(chan Hit)}
	var _ GPSSource = &fakeGPS{}
	var _ LogSink = &fakeLog{}
}
