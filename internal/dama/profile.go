package dama

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrUnknownRc is returned for a request or profile entry naming an RC
	// index the service profile does not define.
	ErrUnknownRc = errors.New("unknown RC index")
	// ErrZeroQuota marks a request for a capacity category whose configured
	// quota is zero. Only that RC is affected.
	ErrZeroQuota = errors.New("capacity category has zero quota")
	// ErrInvalidProfile is returned by ServiceProfile.Validate.
	ErrInvalidProfile = errors.New("invalid service profile")
)

// UtID identifies a user terminal.
type UtID string

// RcConfig is the negotiated service for one request class.
type RcConfig struct {
	Index        uint8
	CraKbps      float64
	MaxRbdcKbps  float64
	MaxVbdcBytes uint32
	Fca          bool
}

// ServiceProfile lists a terminal's request classes. Rcs[i].Index must be i.
type ServiceProfile struct {
	Name string
	Rcs  []RcConfig
}

// Validate reports configuration errors. A profile with no RCs, a gap in the
// RC indices or a negative rate cannot be scheduled.
func (p ServiceProfile) Validate() error {
	if len(p.Rcs) == 0 {
		return fmt.Errorf("%w: %q has no request classes", ErrInvalidProfile, p.Name)
	}
	if len(p.Rcs) > math.MaxUint8 {
		return fmt.Errorf("%w: %q has %d request classes", ErrInvalidProfile, p.Name, len(p.Rcs))
	}
	for i, rc := range p.Rcs {
		if int(rc.Index) != i {
			return fmt.Errorf("%w: %q RC at position %d has index %d", ErrUnknownRc, p.Name, i, rc.Index)
		}
		if rc.CraKbps < 0 || rc.MaxRbdcKbps < 0 {
			return fmt.Errorf("%w: %q RC %d has a negative rate", ErrInvalidProfile, p.Name, i)
		}
	}
	return nil
}

// Rc returns the configuration of one request class.
func (p ServiceProfile) Rc(index uint8) (RcConfig, bool) {
	if int(index) >= len(p.Rcs) {
		return RcConfig{}, false
	}
	return p.Rcs[index], true
}

// BytesPerSuperframe converts a rate in kbps into the volume one superframe
// of length d carries, rounded up so guaranteed rates are never undershot.
func BytesPerSuperframe(kbps float64, d time.Duration) uint32 {
	if kbps <= 0 || d <= 0 {
		return 0
	}
	return uint32(math.Ceil(kbps * 1000 / 8 * d.Seconds()))
}

// KbpsFromBytes is the inverse of BytesPerSuperframe, used for telemetry.
func KbpsFromBytes(bytes uint32, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) * 8 / 1000 / d.Seconds()
}
