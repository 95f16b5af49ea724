package beam

import (
	"time"

	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
)

// Output is an item on the scheduler's outbox. The gateway MAC drains the
// outbox after every pass and reacts per concrete type.
type Output interface {
	isOutput()
}

// TbtpReady carries one TBTP part to be broadcast on the forward link.
type TbtpReady struct {
	Tbtp *ctrlmsg.Tbtp
}

// TbtpSent summarizes the TBTPs emitted by a pass.
type TbtpSent struct {
	Beam              ctrlmsg.BeamID
	SuperframeCounter uint32
	Parts             int
	Bytes             int
	At                time.Time
}

// TbtpRevoked tells the gateway that assignments already announced for a
// terminal in future superframes no longer hold.
type TbtpRevoked struct {
	Beam               ctrlmsg.BeamID
	Ut                 dama.UtID
	SuperframeCounters []uint32
}

// UtTransferred reports a handover performed at a pass boundary.
type UtTransferred struct {
	Ut        dama.UtID
	From      ctrlmsg.BeamID
	To        ctrlmsg.BeamID
	RaChannel uint32
}

// UtCapacity is the per-terminal outcome of one pass.
type UtCapacity struct {
	Ut             dama.UtID
	Cno            float64
	Waveform       uint32
	Slots          int
	RequestedBytes uint32
	GrantedBytes   uint32
	UnmetBytes     uint32
	ExceedingBytes uint32
	ControlSlot    bool
}

// CapacityReport is the telemetry of one pass.
type CapacityReport struct {
	Beam              ctrlmsg.BeamID
	SuperframeCounter uint32
	At                time.Time
	Uts               []UtCapacity
	Frames            []frame.FrameUsage
	// UsableBytes is the dedicated capacity at the most robust waveform.
	UsableBytes uint32
	Rejected    int
}

// TotalGranted sums granted bytes across terminals.
func (r CapacityReport) TotalGranted() uint32 {
	var n uint32
	for _, u := range r.Uts {
		n += u.GrantedBytes
	}
	return n
}

// TotalUnmet sums unmet bytes across terminals.
func (r CapacityReport) TotalUnmet() uint32 {
	var n uint32
	for _, u := range r.Uts {
		n += u.UnmetBytes
	}
	return n
}

func (TbtpReady) isOutput()      {}
func (TbtpSent) isOutput()       {}
func (TbtpRevoked) isOutput()    {}
func (UtTransferred) isOutput()  {}
func (CapacityReport) isOutput() {}
