// Package config loads the node's persistent key-value configuration
// (spec.md §6) from a YAML file, following the teacher's ReadConfig
// pattern: os.ReadFile into a buffer, yaml.Unmarshal onto a defaulted
// zero value.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/meshsentry/rfmesh/meshproto"
)

// Config is the node's persistent configuration. Not part of the core's
// session invariants except as inputs at session start.
type Config struct {
	NodeID          string   `yaml:"nodeId"`
	Channels        []int    `yaml:"channels"`
	MeshIntervalMS  int      `yaml:"meshInterval"`
	BaselineRSSI    float64  `yaml:"baselineRSSI"`
	RFEnvironment   string   `yaml:"rfEnvironment"`
	AutoEraseArmed  bool     `yaml:"autoEraseArmed"`
	SerialDevice    string   `yaml:"serialDevice"`
	SerialBaud      int      `yaml:"serialBaud"`
	HTTPListenAddr  string   `yaml:"httpListenAddr"`
	MetricsPort     int      `yaml:"metricsPort"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		NodeID:         "N1",
		Channels:       []int{1, 6, 11},
		MeshIntervalMS: 2000,
		BaselineRSSI:   -70,
		RFEnvironment:  "indoor",
		SerialDevice:   "/dev/ttyUSB0",
		SerialBaud:     115200,
		HTTPListenAddr: ":8080",
		MetricsPort:    9090,
	}
}

// Env parses the configured RF environment name, falling back to Indoor.
func (c Config) Env() meshproto.RFEnvironment {
	return meshproto.ParseRFEnvironmentName(c.RFEnvironment)
}

// ReadConfig loads and parses a YAML config file, starting from Default
// so omitted fields keep sane values.
func ReadConfig(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
