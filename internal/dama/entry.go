package dama

import (
	"fmt"
	"time"
)

// Demand is one RC's request for a single superframe, in bytes.
type Demand struct {
	Rc   uint8
	Cra  uint32
	Rbdc uint32
	Vbdc uint32
	Fca  bool
}

// Total is the byte volume the class actually asked for. FCA is not demand.
func (d Demand) Total() uint32 {
	return d.Cra + d.Rbdc + d.Vbdc
}

// Entry is the per-terminal DAMA record owned by a beam scheduler: the
// negotiated profile plus the standing RBDC rate and VBDC backlog per RC.
type Entry struct {
	ut      UtID
	profile ServiceProfile

	rbdcKbps  []float64
	vbdcBytes []uint32
}

// NewEntry builds an entry with no dynamic demand. The profile must already
// be valid.
func NewEntry(ut UtID, profile ServiceProfile) *Entry {
	n := len(profile.Rcs)
	return &Entry{
		ut:        ut,
		profile:   profile,
		rbdcKbps:  make([]float64, n),
		vbdcBytes: make([]uint32, n),
	}
}

// Ut returns the terminal the entry belongs to.
func (e *Entry) Ut() UtID { return e.ut }

// Profile returns the negotiated service profile.
func (e *Entry) Profile() ServiceProfile { return e.profile }

// RcCount returns the number of request classes.
func (e *Entry) RcCount() int { return len(e.profile.Rcs) }

// RbdcKbps returns the standing rate request for rc.
func (e *Entry) RbdcKbps(rc uint8) float64 {
	if int(rc) >= len(e.rbdcKbps) {
		return 0
	}
	return e.rbdcKbps[rc]
}

// VbdcBytes returns the backlog for rc.
func (e *Entry) VbdcBytes(rc uint8) uint32 {
	if int(rc) >= len(e.vbdcBytes) {
		return 0
	}
	return e.vbdcBytes[rc]
}

// Apply folds one CR element in. Values above the profile maximum are
// clamped; elements for an unknown RC or a zero quota are rejected and leave
// the entry untouched.
func (e *Entry) Apply(el CrElement) error {
	rc, ok := e.profile.Rc(el.Rc)
	if !ok {
		return fmt.Errorf("%w: %d for %s", ErrUnknownRc, el.Rc, e.ut)
	}

	switch el.Type {
	case CrRbdc:
		if rc.MaxRbdcKbps == 0 && el.Value > 0 {
			return fmt.Errorf("%w: RBDC on RC %d for %s", ErrZeroQuota, el.Rc, e.ut)
		}
		rate := float64(el.Value)
		if rate > rc.MaxRbdcKbps {
			rate = rc.MaxRbdcKbps
		}
		e.rbdcKbps[el.Rc] = rate
	case CrVbdc, CrAvbdc:
		if rc.MaxVbdcBytes == 0 && el.Value > 0 {
			return fmt.Errorf("%w: %s on RC %d for %s", ErrZeroQuota, el.Type, el.Rc, e.ut)
		}
		backlog := uint64(el.Value)
		if el.Type == CrVbdc {
			backlog += uint64(e.vbdcBytes[el.Rc])
		}
		if backlog > uint64(rc.MaxVbdcBytes) {
			backlog = uint64(rc.MaxVbdcBytes)
		}
		e.vbdcBytes[el.Rc] = uint32(backlog)
	default:
		return fmt.Errorf("unsupported CR type %s for %s", el.Type, e.ut)
	}
	return nil
}

// Fold applies a batch of queued requests (oldest first) and returns the
// elements that were rejected.
func (e *Entry) Fold(crs []CapacityRequest) []Rejection {
	var rejected []Rejection
	for _, el := range Latest(crs) {
		if err := e.Apply(el); err != nil {
			rejected = append(rejected, Rejection{Element: el, Err: err})
		}
	}
	return rejected
}

// Demands returns the per-RC byte demand for one superframe of length d.
func (e *Entry) Demands(d time.Duration) []Demand {
	out := make([]Demand, len(e.profile.Rcs))
	for i, rc := range e.profile.Rcs {
		out[i] = Demand{
			Rc:   rc.Index,
			Cra:  BytesPerSuperframe(rc.CraKbps, d),
			Rbdc: BytesPerSuperframe(e.rbdcKbps[i], d),
			Vbdc: e.vbdcBytes[i],
			Fca:  rc.Fca,
		}
	}
	return out
}

// CommitVbdc removes granted volume from the backlog. Any remainder stays
// queued for the next pass.
func (e *Entry) CommitVbdc(rc uint8, granted uint32) {
	if int(rc) >= len(e.vbdcBytes) {
		return
	}
	if granted >= e.vbdcBytes[rc] {
		e.vbdcBytes[rc] = 0
		return
	}
	e.vbdcBytes[rc] -= granted
}

// Clear drops all dynamic demand and backlog.
func (e *Entry) Clear() {
	for i := range e.rbdcKbps {
		e.rbdcKbps[i] = 0
		e.vbdcBytes[i] = 0
	}
}

// Clone returns an independent copy.
func (e *Entry) Clone() *Entry {
	c := NewEntry(e.ut, e.profile)
	copy(c.rbdcKbps, e.rbdcKbps)
	copy(c.vbdcBytes, e.vbdcBytes)
	return c
}
