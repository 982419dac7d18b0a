// Package httpapi exposes the UI surface of spec.md §6 over stdlib
// net/http: scan/track/triangulate/results/diag/stop, plus the
// supplemented manual calibration endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/meshsentry/rfmesh/coordinator"
	"github.com/meshsentry/rfmesh/meshproto"
	"github.com/meshsentry/rfmesh/pathloss"
	"github.com/meshsentry/rfmesh/radio"
)

// Server wires the coordinator and path-loss model to the UI surface.
type Server struct {
	coord   *coordinator.Manager
	pl      *pathloss.Model
	stop    func()
	scanner radio.Scanner
	selfID  string
	mux     *http.ServeMux
}

// New builds the HTTP handler set. scanner may be nil if no plain-scan
// task has been wired up.
func New(selfID string, coord *coordinator.Manager, pl *pathloss.Model, stop func(), scanner radio.Scanner) *Server {
	s := &Server{coord: coord, pl: pl, stop: stop, scanner: scanner, selfID: selfID, mux: http.NewServeMux()}
	s.mux.HandleFunc("/scan", s.handleScan)
	s.mux.HandleFunc("/track", s.handleTrack)
	s.mux.HandleFunc("/triangulate", s.handleTriangulate)
	s.mux.HandleFunc("/results", s.handleResults)
	s.mux.HandleFunc("/diag", s.handleDiag)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/calibrate", s.handleCalibrate)
	return s
}

// Handler returns the underlying mux for use with http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	s.handleNonTriangulationScan(w, r, radio.ScanModeTrack)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	s.handleNonTriangulationScan(w, r, radio.ScanModeTrack)
}

func (s *Server) handleNonTriangulationScan(w http.ResponseWriter, r *http.Request, mode radio.ScanMode) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if s.scanner == nil {
		http.Error(w, "no scanner wired up", http.StatusServiceUnavailable)
		return
	}
	if err := s.scanner.Start(mode, 0); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTriangulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	target, err := meshproto.ParseTargetRef(q.Get("target"))
	if err != nil {
		http.Error(w, "invalid target: "+err.Error(), http.StatusBadRequest)
		return
	}
	secs, err := strconv.ParseUint(q.Get("secs"), 10, 32)
	if err != nil {
		http.Error(w, "invalid secs", http.StatusBadRequest)
		return
	}
	env := meshproto.Indoor
	if e := q.Get("env"); e != "" {
		env = meshproto.ParseRFEnvironment(e)
	}
	if err := s.coord.StartTriangulation(target, uint32(secs), env); err != nil {
		log.Infof("httpapi: triangulate rejected: %v", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.coord.Results().Get()))
}

func (s *Server) handleDiag(w http.ResponseWriter, r *http.Request) {
	diag := map[string]interface{}{
		"nodeId":       s.selfID,
		"phase":        s.coord.Phase().String(),
		"wifiPathLoss": s.pl.Params(false),
		"blePathLoss":  s.pl.Params(true),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(diag)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.coord.Stop()
	if s.stop != nil {
		s.stop()
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCalibrate is the supplemented manual-calibration entry point
// (SPEC_FULL.md §4): POST /calibrate?dist=<m>&rssi=<dBm>&ble=<0|1>
// admits one ground-truth sample directly into the path-loss model.
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	dist, err := strconv.ParseFloat(q.Get("dist"), 64)
	if err != nil {
		http.Error(w, "invalid dist", http.StatusBadRequest)
		return
	}
	rssiVal, err := strconv.ParseFloat(q.Get("rssi"), 64)
	if err != nil {
		http.Error(w, "invalid rssi", http.StatusBadRequest)
		return
	}
	isBLE := q.Get("ble") == "1"
	if err := s.pl.AddManualSample(rssiVal, dist, isBLE); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
