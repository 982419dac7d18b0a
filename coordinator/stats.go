package coordinator

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats is the coordinator's counters, shaped after the teacher's
// ptp4u stats package: a small interface the rest of the code depends on,
// backed by a prometheus registry that a monitoring port can expose.
type Stats interface {
	Start(port int)
	IncSessionsStarted()
	IncSessionsAborted()
	IncSessionsDebounced()
	IncAcks()
	IncLateJoiners()
	IncReportsReceived()
	IncTrilaterationSuccess()
	IncTrilaterationDegenerate()
	Reset()
}

type promStats struct {
	mu sync.Mutex

	sessionsStarted          prometheus.Counter
	sessionsAborted          prometheus.Counter
	sessionsDebounced        prometheus.Counter
	acks                     prometheus.Counter
	lateJoiners              prometheus.Counter
	reportsReceived          prometheus.Counter
	trilaterationSuccess     prometheus.Counter
	trilaterationDegenerate  prometheus.Counter
}

// NewStats registers the coordinator's prometheus counters.
func NewStats() Stats {
	return &promStats{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfmesh_coordinator_sessions_started_total",
			Help: "Triangulation sessions started.",
		}),
		sessionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfmesh_coordinator_sessions_aborted_total",
			Help: "Sessions aborted for insufficient peers.",
		}),
		sessionsDebounced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfmesh_coordinator_sessions_debounced_total",
			Help: "Session starts rejected by the debounce window.",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfmesh_coordinator_acks_total",
			Help: "TRI_START_ACK messages received.",
		}),
		lateJoiners: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfmesh_coordinator_late_joiners_total",
			Help: "Peers added to the ack table after CycleDispatch.",
		}),
		reportsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfmesh_coordinator_reports_received_total",
			Help: "T_D reports merged into node_reports.",
		}),
		trilaterationSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfmesh_coordinator_trilateration_success_total",
			Help: "Sessions that produced a numeric fix.",
		}),
		trilaterationDegenerate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfmesh_coordinator_trilateration_degenerate_total",
			Help: "Sessions that fused without producing a numeric fix.",
		}),
	}
}

func (s *promStats) Start(port int) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		s.sessionsStarted, s.sessionsAborted, s.sessionsDebounced,
		s.acks, s.lateJoiners, s.reportsReceived,
		s.trilaterationSuccess, s.trilaterationDegenerate,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		addr := fmt.Sprintf(":%d", port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("coordinator: metrics server stopped: %v", err)
		}
	}()
}

func (s *promStats) IncSessionsStarted()         { s.sessionsStarted.Inc() }
func (s *promStats) IncSessionsAborted()         { s.sessionsAborted.Inc() }
func (s *promStats) IncSessionsDebounced()       { s.sessionsDebounced.Inc() }
func (s *promStats) IncAcks()                    { s.acks.Inc() }
func (s *promStats) IncLateJoiners()             { s.lateJoiners.Inc() }
func (s *promStats) IncReportsReceived()         { s.reportsReceived.Inc() }
func (s *promStats) IncTrilaterationSuccess()    { s.trilaterationSuccess.Inc() }
func (s *promStats) IncTrilaterationDegenerate() { s.trilaterationDegenerate.Inc() }

func (s *promStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s = *NewStats().(*promStats)
}
