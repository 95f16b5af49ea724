package dama

import (
	"fmt"
	"math"
	"time"
)

// CrType is the kind of one capacity-request element.
type CrType uint8

const (
	// CrRbdc requests a rate in kbps. The rate stands until replaced.
	CrRbdc CrType = iota + 1
	// CrVbdc adds bytes to the class backlog.
	CrVbdc
	// CrAvbdc sets the class backlog to an absolute number of bytes.
	CrAvbdc
)

func (t CrType) String() string {
	switch t {
	case CrRbdc:
		return "RBDC"
	case CrVbdc:
		return "VBDC"
	case CrAvbdc:
		return "AVBDC"
	default:
		return fmt.Sprintf("CrType(%d)", uint8(t))
	}
}

// CrElement is a single (RC, type, value) demand. Value is kbps for RBDC and
// bytes otherwise.
type CrElement struct {
	Rc    uint8
	Type  CrType
	Value uint32
}

// CapacityRequest is what a terminal sends upward once per superframe or
// less: its current demand plus a C/N0 report (NaN when it has none).
type CapacityRequest struct {
	Ut       UtID
	SentAt   time.Time
	Cno      float64
	Elements []CrElement
}

// HasCno reports whether the request carries a usable C/N0 sample.
func (cr CapacityRequest) HasCno() bool {
	return !math.IsNaN(cr.Cno) && !math.IsInf(cr.Cno, 0)
}

// Rejection records one CR element that could not be applied.
type Rejection struct {
	Element CrElement
	Err     error
}

type crKey struct {
	rc  uint8
	typ CrType
}

// Latest reduces a batch of requests, oldest first, to the most recent
// element per (RC, type). CR semantics are current demand, so a later
// element replaces an earlier one instead of adding to it. The result keeps
// the order in which each key was first seen.
func Latest(crs []CapacityRequest) []CrElement {
	pos := make(map[crKey]int)
	var out []CrElement
	for _, cr := range crs {
		for _, el := range cr.Elements {
			k := crKey{rc: el.Rc, typ: el.Type}
			if i, ok := pos[k]; ok {
				out[i] = el
				continue
			}
			pos[k] = len(out)
			out = append(out, el)
		}
	}
	return out
}
