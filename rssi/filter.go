// Package rssi implements the per-node RSSI pre-filter (median smoothing
// over a short raw window) and Kalman filter, plus the rolling
// signal-quality score (spec.md §4.2).
package rssi

import (
	"math"
	"sort"

	"github.com/eclesh/welford"
)

const (
	rawWindowLen = 5
	historyLen   = 10

	processNoise           = 0.5
	initialMeasurementNoise = 2.0
	measurementNoiseFloor   = 2.0
	initialErrorCovariance  = 10.0

	qualityHitNorm = 15.0
)

// KalmanState is the per-node filter state of spec.md §3.
type KalmanState struct {
	Estimate         float64
	ErrorCovariance  float64
	ProcessNoise     float64
	MeasurementNoise float64
	Initialized      bool
}

func newKalmanState() KalmanState {
	return KalmanState{
		ErrorCovariance:  initialErrorCovariance,
		ProcessNoise:     processNoise,
		MeasurementNoise: initialMeasurementNoise,
	}
}

// Filter tracks one peer's raw/filtered RSSI history and derived quality.
type Filter struct {
	RawWindow []float64
	History   []float64
	Kalman    KalmanState
	Filtered  float64
	Quality   float64
	HitCount  uint32
}

// NewFilter creates an empty filter.
func NewFilter() *Filter {
	return &Filter{Kalman: newKalmanState()}
}

// Update folds a new raw RSSI sample (dBm) into the filter: spec.md §4.2
// steps 1-5.
func (f *Filter) Update(raw float64) {
	f.HitCount++

	f.RawWindow = append(f.RawWindow, raw)
	if len(f.RawWindow) > rawWindowLen {
		f.RawWindow = f.RawWindow[len(f.RawWindow)-rawWindowLen:]
	}
	m := raw
	if len(f.RawWindow) == rawWindowLen {
		m = median(f.RawWindow)
	}

	f.stepKalman(m)

	f.History = append(f.History, raw)
	if len(f.History) > historyLen {
		f.History = f.History[len(f.History)-historyLen:]
	}

	f.recomputeQuality()
}

func (f *Filter) stepKalman(measurement float64) {
	k := &f.Kalman
	if !k.Initialized {
		k.Estimate = measurement
		k.Initialized = true
		f.Filtered = measurement
		return
	}
	if len(f.History) > 5 {
		k.MeasurementNoise = math.Max(measurementNoiseFloor, windowVariance(f.History))
	}
	predictCov := k.ErrorCovariance + k.ProcessNoise
	gain := predictCov / (predictCov + k.MeasurementNoise)
	k.Estimate += gain * (measurement - k.Estimate)
	k.ErrorCovariance = (1 - gain) * predictCov
	f.Filtered = k.Estimate
}

func (f *Filter) recomputeQuality() {
	hitFactor := math.Min(1, float64(f.HitCount)/qualityHitNorm)
	if len(f.History) < 3 {
		f.Quality = 0.3 + 0.2*hitFactor
		return
	}
	sigma := math.Sqrt(windowVariance(f.History))
	stability := 1 / (1 + sigma)
	strength := clamp((f.Filtered+100)/100, 0, 1)
	f.Quality = 0.4*stability + 0.3*strength + 0.3*hitFactor
}

// windowVariance computes the sample variance of a bounded window using
// Welford's online algorithm, avoiding the cancellation error a naive
// sum-of-squares would accumulate across re-filtering calls.
func windowVariance(window []float64) float64 {
	if len(window) < 2 {
		return 0
	}
	stats := welford.New()
	for _, v := range window {
		stats.Add(v)
	}
	return stats.Variance()
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
