// Package pathloss implements the adaptive log-distance path-loss model:
// environment presets seed the path-loss exponent and 1m reference RSSI,
// then online least-squares re-estimation refines them from observed
// (rssi, distance) samples (spec.md §4.3).
package pathloss

import (
	"fmt"
	"math"
	"time"

	"github.com/meshsentry/rfmesh/meshproto"
)

// ErrSingular is returned when a re-estimation pass cannot be solved
// because the sample set carries no usable distance spread.
var ErrSingular = fmt.Errorf("pathloss: singular sample set")

const (
	minSamplesForFit = 4
	maxSamples       = 50

	minExponent = 1.5
	maxExponent = 6.0
	minRSSI0    = -60.0
	maxRSSI0    = -20.0

	minSampleDistanceM = 0.5
	maxSampleDistanceM = 50.0

	emaAlpha = 0.3

	refitEveryNSamples = 10
	refitEveryInterval = 30 * time.Second
)

// Params is the log-distance model's pair of free parameters for one radio
// type: RSSI(d) = RSSI0 - 10*N*log10(d).
type Params struct {
	Exponent float64
	RSSI0    float64
}

// Preset returns the seed parameters for an RF environment and radio type,
// calibrated from original_source field measurements.
func Preset(env meshproto.RFEnvironment, isBLE bool) Params {
	table := wifiPresets
	if isBLE {
		table = blePresets
	}
	if p, ok := table[env]; ok {
		return p
	}
	return table[meshproto.Indoor]
}

var wifiPresets = map[meshproto.RFEnvironment]Params{
	meshproto.OpenSky:     {Exponent: 2.0, RSSI0: -27.0},
	meshproto.Suburban:    {Exponent: 2.5, RSSI0: -30.0},
	meshproto.Indoor:      {Exponent: 3.2, RSSI0: -27.0},
	meshproto.IndoorDense: {Exponent: 3.8, RSSI0: -32.0},
	meshproto.Industrial:  {Exponent: 4.5, RSSI0: -35.0},
}

var blePresets = map[meshproto.RFEnvironment]Params{
	meshproto.OpenSky:     {Exponent: 2.2, RSSI0: -59.0},
	meshproto.Suburban:    {Exponent: 2.8, RSSI0: -60.0},
	meshproto.Indoor:      {Exponent: 3.6, RSSI0: -62.0},
	meshproto.IndoorDense: {Exponent: 4.2, RSSI0: -65.0},
	meshproto.Industrial:  {Exponent: 5.0, RSSI0: -68.0},
}

type sample struct {
	rssi     float64
	distance float64
}

// Model holds live, independently adapting parameters for each radio type,
// seeded from an environment preset and refined from observed samples.
type Model struct {
	wifi      Params
	ble       Params
	wifiLog   []sample
	bleLog    []sample
	wifiCalib bool
	bleCalib  bool

	wifiSinceFit int
	bleSinceFit  int
	wifiLastFit  time.Time
	bleLastFit   time.Time
}

// Calibrated reports whether a radio type's parameters have ever been
// refined from observed samples, as opposed to still being the bare
// environment preset.
func (m *Model) Calibrated(isBLE bool) bool {
	if isBLE {
		return m.bleCalib
	}
	return m.wifiCalib
}

// NewModel seeds a model from a single environment preset shared by both
// radio types, per spec.md §4 supplement (the RF environment setting
// drives Wi-Fi and BLE path loss together).
func NewModel(env meshproto.RFEnvironment) *Model {
	return &Model{
		wifi: Preset(env, false),
		ble:  Preset(env, true),
	}
}

// Distance estimates range in meters from a filtered RSSI reading.
func (m *Model) Distance(rssi float64, isBLE bool) float64 {
	p := m.params(isBLE)
	exp := (p.RSSI0 - rssi) / (10 * p.Exponent)
	return math.Pow(10, exp)
}

func (m *Model) params(isBLE bool) Params {
	if isBLE {
		return m.ble
	}
	return m.wifi
}

// Params returns the current live parameters for a radio type.
func (m *Model) Params(isBLE bool) Params {
	return m.params(isBLE)
}

// AddSample admits an online (rssi, distance) observation, gated to a
// plausible distance band. Re-estimation by least squares runs every 10
// newly admitted samples or every 30s, whichever comes first (spec.md
// §4.3), not on every sample.
func (m *Model) AddSample(rssi, distanceM float64, isBLE bool) error {
	if distanceM < minSampleDistanceM || distanceM > maxSampleDistanceM {
		return nil
	}
	log := &m.wifiLog
	sinceFit := &m.wifiSinceFit
	lastFit := &m.wifiLastFit
	if isBLE {
		log = &m.bleLog
		sinceFit = &m.bleSinceFit
		lastFit = &m.bleLastFit
	}
	*log = append(*log, sample{rssi: rssi, distance: distanceM})
	if len(*log) > maxSamples {
		*log = (*log)[len(*log)-maxSamples:]
	}
	*sinceFit++
	if len(*log) < minSamplesForFit {
		return nil
	}
	due := *sinceFit >= refitEveryNSamples || lastFit.IsZero() || time.Since(*lastFit) >= refitEveryInterval
	if !due {
		return nil
	}

	fitted, err := fit(*log)
	if err != nil {
		return err
	}
	cur := m.params(isBLE)
	blended := Params{
		Exponent: clamp(cur.Exponent+(fitted.Exponent-cur.Exponent)*emaAlpha, minExponent, maxExponent),
		RSSI0:    clamp(cur.RSSI0+(fitted.RSSI0-cur.RSSI0)*emaAlpha, minRSSI0, maxRSSI0),
	}
	if isBLE {
		m.ble = blended
		m.bleCalib = true
	} else {
		m.wifi = blended
		m.wifiCalib = true
	}
	*sinceFit = 0
	*lastFit = time.Now()
	return nil
}

// AddManualSample is the operator-triggered calibration entry point
// (supplemented feature): a single high-confidence sample at a known
// distance, admitted through the same pipeline as automatic samples.
func (m *Model) AddManualSample(rssi, knownDistanceM float64, isBLE bool) error {
	return m.AddSample(rssi, knownDistanceM, isBLE)
}

// fit performs ordinary least squares of RSSI against log10(distance):
// RSSI = RSSI0 - 10*N*log10(d), i.e. RSSI = intercept + slope*x where
// x = log10(d), intercept = RSSI0, slope = -10*N.
func fit(samples []sample) (Params, error) {
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := math.Log10(s.distance)
		sumX += x
		sumY += s.rssi
		sumXY += x * s.rssi
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if math.Abs(denom) < 1e-9 {
		return Params{}, ErrSingular
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n
	exponent := -slope / 10
	return Params{Exponent: exponent, RSSI0: intercept}, nil
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
