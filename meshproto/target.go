// Package meshproto implements the line-oriented text wire protocol spoken
// over the mesh serial bus: command messages, T_D/T_C/T_F reports and the
// TIME_SYNC handshake.
package meshproto

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{2,5}$`)

// ValidNodeID reports whether s is a well-formed node identifier: 2-5
// printable alphanumeric characters.
func ValidNodeID(s string) bool {
	return nodeIDPattern.MatchString(s)
}

// TargetRef identifies a triangulation target, either a 48-bit MAC address
// or an opaque identity token ("T-xxxx", 4 hex digits) produced by the
// randomization-correlation subsystem.
type TargetRef struct {
	MAC      [6]byte
	HasMAC   bool
	Identity string
}

var identityPattern = regexp.MustCompile(`^T-[0-9A-Fa-f]{4}$`)

// ParseTargetRef parses either a colon-separated MAC ("AA:BB:CC:DD:EE:FF")
// or an identity token ("T-a1b2").
func ParseTargetRef(s string) (TargetRef, error) {
	s = strings.TrimSpace(s)
	if identityPattern.MatchString(s) {
		return TargetRef{Identity: strings.ToUpper(s)}, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return TargetRef{}, fmt.Errorf("meshproto: invalid target %q", s)
	}
	var mac [6]byte
	for i, p := range parts {
		if len(p) != 2 {
			return TargetRef{}, fmt.Errorf("meshproto: invalid target %q", s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return TargetRef{}, fmt.Errorf("meshproto: invalid target %q: %w", s, err)
		}
		mac[i] = byte(v)
	}
	return TargetRef{MAC: mac, HasMAC: true}, nil
}

// String renders the target back to wire form.
func (t TargetRef) String() string {
	if !t.HasMAC {
		return t.Identity
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		t.MAC[0], t.MAC[1], t.MAC[2], t.MAC[3], t.MAC[4], t.MAC[5])
}

// Equal compares two targets for wire-level identity.
func (t TargetRef) Equal(o TargetRef) bool {
	if t.HasMAC != o.HasMAC {
		return false
	}
	if t.HasMAC {
		return t.MAC == o.MAC
	}
	return t.Identity == o.Identity
}

// IsZero reports whether t carries no target at all.
func (t TargetRef) IsZero() bool {
	return !t.HasMAC && t.Identity == ""
}

// RFEnvironment selects a default path-loss (n, rssi0) pair for both radios.
type RFEnvironment int

const (
	OpenSky RFEnvironment = iota
	Suburban
	Indoor
	IndoorDense
	Industrial
)

func (e RFEnvironment) String() string {
	switch e {
	case OpenSky:
		return "OpenSky"
	case Suburban:
		return "Suburban"
	case Indoor:
		return "Indoor"
	case IndoorDense:
		return "IndoorDense"
	case Industrial:
		return "Industrial"
	default:
		return "Unknown"
	}
}

// ParseRFEnvironment parses the numeric wire form ("0".."4"), clamping out
// of range values to Indoor the way the original firmware's
// setRFEnvironment does.
func ParseRFEnvironment(s string) RFEnvironment {
	n, err := strconv.Atoi(s)
	if err != nil || n < int(OpenSky) || n > int(Industrial) {
		return Indoor
	}
	return RFEnvironment(n)
}

// ParseRFEnvironmentName parses the human-readable configuration form
// ("opensky", "suburban", "indoor", "indoordense", "industrial"),
// case-insensitively, clamping unrecognized names to Indoor.
func ParseRFEnvironmentName(s string) RFEnvironment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "opensky", "open_sky", "open-sky":
		return OpenSky
	case "suburban":
		return Suburban
	case "indoor":
		return Indoor
	case "indoordense", "indoor_dense", "indoor-dense":
		return IndoorDense
	case "industrial":
		return Industrial
	default:
		return Indoor
	}
}
