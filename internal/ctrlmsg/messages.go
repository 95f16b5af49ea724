// Package ctrlmsg defines the return and forward link control messages
// exchanged between terminals, gateways and the NCC, and their binary codec.
package ctrlmsg

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
)

// Kind tags a control message.
type Kind uint8

const (
	KindTbtp Kind = iota + 1
	KindCr
	KindNcr
	KindLogon
	KindLogonResponse
	KindLogoff
	KindCmt
	KindRaLoadControl
	KindTimu
)

func (k Kind) String() string {
	switch k {
	case KindTbtp:
		return "TBTP"
	case KindCr:
		return "CR"
	case KindNcr:
		return "NCR"
	case KindLogon:
		return "LOGON"
	case KindLogonResponse:
		return "LOGON_RESPONSE"
	case KindLogoff:
		return "LOGOFF"
	case KindCmt:
		return "CMT"
	case KindRaLoadControl:
		return "RA_LOAD_CONTROL"
	case KindTimu:
		return "TIMU"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is any control message.
type Message interface {
	Kind() Kind
}

// BeamID names a spot beam of a satellite.
type BeamID struct {
	Sat  uint32
	Beam uint32
}

func (b BeamID) String() string { return fmt.Sprintf("%d/%d", b.Sat, b.Beam) }

// NcrClockHz is the rate of the network clock reference counter.
const NcrClockHz = 27_000_000

// NcrTicks converts a duration into network clock ticks, truncating.
func NcrTicks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	sec, rem := d/time.Second, d%time.Second
	return uint64(sec)*NcrClockHz + uint64(rem)*NcrClockHz/uint64(time.Second)
}

// TbtpAssignment grants a terminal SlotCount consecutive slots of one
// carrier starting at StartSlot, all for one RC.
type TbtpAssignment struct {
	Ut        dama.UtID
	Frame     uint8
	Carrier   int
	StartSlot int
	SlotCount int
	Waveform  uint32
	Rc        uint8
	Control   bool
}

// Slots expands the assignment into individual slots.
func (a TbtpAssignment) Slots() []frame.Slot {
	out := make([]frame.Slot, a.SlotCount)
	for i := range out {
		out[i] = frame.Slot{
			Frame:    a.Frame,
			Carrier:  a.Carrier,
			Index:    a.StartSlot + i,
			Waveform: a.Waveform,
			Rc:       a.Rc,
			Control:  a.Control,
		}
	}
	return out
}

// RaChannelInfo advertises one random-access channel.
type RaChannelInfo struct {
	Index    uint32
	Frame    uint8
	Carriers int
	Slots    int
	Logon    bool
}

// Tbtp is one Terminal Burst Time Plan. Part numbers the messages of one
// superframe from zero when the plan had to be split.
type Tbtp struct {
	Beam              BeamID
	SuperframeCounter uint32
	Part              uint8
	Assignments       []TbtpAssignment
	RaChannels        []RaChannelInfo
}

func (*Tbtp) Kind() Kind { return KindTbtp }

// DVB size model of a TBTP: fixed body, one frame header per frame
// referenced (RA channels included), a fixed size per time slot.
const (
	TbtpBodyBytes      = 6
	TbtpFrameBodyBytes = 5
	TbtpSlotBytes      = 2
)

// Size returns the modelled over-the-air size in bytes.
func (t *Tbtp) Size() int {
	frames := make(map[uint8]struct{})
	slots := 0
	for _, a := range t.Assignments {
		frames[a.Frame] = struct{}{}
		slots += a.SlotCount
	}
	for _, ra := range t.RaChannels {
		frames[ra.Frame] = struct{}{}
	}
	return TbtpBodyBytes + TbtpFrameBodyBytes*len(frames) + TbtpSlotBytes*slots
}

// SlotsFor returns every slot assigned to ut.
func (t *Tbtp) SlotsFor(ut dama.UtID) []frame.Slot {
	var out []frame.Slot
	for _, a := range t.Assignments {
		if a.Ut == ut {
			out = append(out, a.Slots()...)
		}
	}
	return out
}

// Cr carries a capacity request on the return link.
type Cr struct {
	Beam    BeamID
	Request dama.CapacityRequest
}

func (*Cr) Kind() Kind { return KindCr }

// Ncr is the periodic network clock reference broadcast.
type Ncr struct {
	Beam  BeamID
	Ticks uint64
}

func (*Ncr) Kind() Kind { return KindNcr }

// Logon is a terminal's request to join a beam.
type Logon struct {
	Ut   dama.UtID
	Beam BeamID
}

func (*Logon) Kind() Kind { return KindLogon }

// LogonResponse admits a terminal and tells it which RA channel to use.
type LogonResponse struct {
	Ut        dama.UtID
	RaChannel uint32
}

func (*LogonResponse) Kind() Kind { return KindLogonResponse }

// Logoff announces a terminal leaving the network.
type Logoff struct {
	Ut dama.UtID
}

func (*Logoff) Kind() Kind { return KindLogoff }

// Cmt is a correction message: the terminal should shift its bursts by
// Correction.
type Cmt struct {
	Ut         dama.UtID
	Correction time.Duration
}

func (*Cmt) Kind() Kind { return KindCmt }

// RaLoadControl updates the backoff parameters of one RA allocation
// channel. BackoffProbability is scaled to 0..65535.
type RaLoadControl struct {
	Beam               BeamID
	AllocationChannel  uint8
	BackoffProbability uint16
	BackoffTime        time.Duration
}

func (*RaLoadControl) Kind() Kind { return KindRaLoadControl }

// Probability returns BackoffProbability as a fraction.
func (m *RaLoadControl) Probability() float64 {
	return float64(m.BackoffProbability) / 65535
}

// Timu moves a terminal to another beam.
type Timu struct {
	Ut        dama.UtID
	Beam      BeamID
	RaChannel uint32
}

func (*Timu) Kind() Kind { return KindTimu }

// BurstType tells which kind of return-link slot a burst used.
type BurstType uint8

const (
	BurstLogon BurstType = iota + 1
	BurstRandomAccess
	BurstDedicated
)

func (t BurstType) String() string {
	switch t {
	case BurstLogon:
		return "logon"
	case BurstRandomAccess:
		return "ra"
	case BurstDedicated:
		return "da"
	default:
		return fmt.Sprintf("BurstType(%d)", uint8(t))
	}
}

// Burst is one return-link transmission. Dedicated bursts name the
// superframe and slot they were sent in; Nominal is the slot start the
// gateway expects the burst at, SentAt the instant it actually left.
type Burst struct {
	Ut                dama.UtID
	Beam              BeamID
	Type              BurstType
	SuperframeCounter uint32
	Slot              frame.Slot
	RaChannel         uint32
	Nominal           time.Time
	SentAt            time.Time
	UserBytes         int
	Cno               float64
	Control           []Message
}
