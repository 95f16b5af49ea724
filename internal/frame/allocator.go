package frame

import (
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
)

// Phase is a capacity category, in allocation order.
type Phase int

const (
	PhaseCra Phase = iota
	PhaseControl
	PhaseRbdc
	PhaseVbdc
	PhaseFca
)

func (p Phase) String() string {
	switch p {
	case PhaseCra:
		return "cra"
	case PhaseControl:
		return "control"
	case PhaseRbdc:
		return "rbdc"
	case PhaseVbdc:
		return "vbdc"
	case PhaseFca:
		return "fca"
	default:
		return "unknown"
	}
}

// Policy tunes one allocation pass.
type Policy struct {
	FcaEnabled bool
}

// Request is one terminal's input to a pass. Requests reach the allocator
// already ranked; earlier requests win ties for capacity.
type Request struct {
	Ut dama.UtID
	// Cno is the current estimate in dBHz; NaN selects the most robust
	// waveform.
	Cno float64
	// ControlSlot asks for one dedicated slot regardless of demand.
	ControlSlot bool
	Demands     []dama.Demand
}

// Slot is one concrete dedicated time slot.
type Slot struct {
	Frame    uint8
	Carrier  int
	Index    int
	Waveform uint32
	Rc       uint8
	Control  bool
}

// Grant is the byte breakdown granted to one RC. Cra, Rbdc and Vbdc never
// exceed the matching demand; slot rounding surplus and free capacity land
// in Fca.
type Grant struct {
	Rc      uint8
	Cra     uint32
	Rbdc    uint32
	Vbdc    uint32
	Fca     uint32
	Control uint32
}

// Demanded returns what the grant contributes toward the RC's demand.
func (g Grant) Demanded() uint32 { return g.Cra + g.Rbdc + g.Vbdc }

// Total returns every byte the slots can carry.
func (g Grant) Total() uint32 { return g.Cra + g.Rbdc + g.Vbdc + g.Fca + g.Control }

// UtAllocation is the outcome for one terminal.
type UtAllocation struct {
	Ut       dama.UtID
	Frame    uint8
	Waveform uint32
	Slots    []Slot
	Grants   []Grant
	// Unmet is requested-but-not-granted bytes per RC.
	Unmet []uint32
}

// GrantedBytes sums demanded bytes granted over all RCs.
func (a UtAllocation) GrantedBytes() uint32 {
	var n uint32
	for _, g := range a.Grants {
		n += g.Demanded()
	}
	return n
}

// ExceedingBytes sums capacity granted beyond demand (FCA and rounding).
func (a UtAllocation) ExceedingBytes() uint32 {
	var n uint32
	for _, g := range a.Grants {
		n += g.Fca
	}
	return n
}

// UnmetBytes sums unmet demand over all RCs.
func (a UtAllocation) UnmetBytes() uint32 {
	var n uint32
	for _, u := range a.Unmet {
		n += u
	}
	return n
}

// FrameUsage is the fill level of one dedicated frame.
type FrameUsage struct {
	Frame      uint8
	SlotsUsed  int
	SlotsTotal int
	BytesUsed  uint32
}

// Load returns the used fraction of the frame.
func (u FrameUsage) Load() float64 {
	if u.SlotsTotal == 0 {
		return 0
	}
	return float64(u.SlotsUsed) / float64(u.SlotsTotal)
}

// Result is the allocation of one superframe. Allocations follow request
// order and include terminals that received nothing.
type Result struct {
	Allocations []UtAllocation
	Frames      []FrameUsage
}

// Allocation returns the outcome for ut.
func (r Result) Allocation(ut dama.UtID) (UtAllocation, bool) {
	for _, a := range r.Allocations {
		if a.Ut == ut {
			return a, true
		}
	}
	return UtAllocation{}, false
}

// Allocator packs ranked demand into a catalogue. It holds no per-pass
// state and may be shared by beams using the same catalogue.
type Allocator struct {
	cat *Catalogue
}

// NewAllocator builds an allocator over cat.
func NewAllocator(cat *Catalogue) *Allocator {
	return &Allocator{cat: cat}
}

// Catalogue returns the resource description the allocator packs into.
func (a *Allocator) Catalogue() *Catalogue { return a.cat }

type frameState struct {
	conf FrameConf
	used int
}

func (f *frameState) free() int { return f.conf.SlotCount() - f.used }

type utState struct {
	req      *Request
	frame    int // index into pass frames, -1 until bound
	waveform Waveform
	total    int
	control  int
	slots    []int // per RC, demand and FCA slots
	grants   []Grant
	credit   []uint32 // per RC, slot bytes not yet matched to demand
}

// Allocate runs the phases (CRA, control, RBDC, VBDC, FCA) over reqs and
// places the resulting slots. It does not mutate its inputs, so the same
// inputs always give the same Result.
func (a *Allocator) Allocate(reqs []Request, policy Policy) Result {
	frames := make([]*frameState, 0, len(a.cat.daFrames))
	for _, f := range a.cat.DedicatedFrames() {
		frames = append(frames, &frameState{conf: f})
	}

	uts := make([]*utState, len(reqs))
	for i := range reqs {
		n := len(reqs[i].Demands)
		uts[i] = &utState{
			req:    &reqs[i],
			frame:  -1,
			slots:  make([]int, n),
			grants: make([]Grant, n),
			credit: make([]uint32, n),
		}
		for j, d := range reqs[i].Demands {
			uts[i].grants[j].Rc = d.Rc
		}
	}

	for _, u := range uts {
		if craSlots(u, 1) > 0 {
			a.bind(frames, u, func(payload uint32) int { return craSlots(u, payload) })
		}
		for j, d := range u.req.Demands {
			u.grants[j].Cra += a.serve(frames, u, j, d.Cra)
		}
	}
	for _, u := range uts {
		if u.req.ControlSlot && u.total == 0 && a.bind(frames, u, oneSlot) && a.take(frames, u, 1) == 1 {
			u.control++
		}
	}
	for _, u := range uts {
		for j, d := range u.req.Demands {
			u.grants[j].Rbdc += a.serve(frames, u, j, d.Rbdc)
		}
	}
	for _, u := range uts {
		for j, d := range u.req.Demands {
			u.grants[j].Vbdc += a.serve(frames, u, j, d.Vbdc)
		}
	}
	if policy.FcaEnabled {
		a.distributeFree(frames, uts)
	}

	return a.place(frames, uts)
}

// serve grants up to need bytes to RC j of u, first from surplus bytes of
// earlier phases and then from new slots. It returns the bytes counted
// toward need.
func (a *Allocator) serve(frames []*frameState, u *utState, j int, need uint32) uint32 {
	if need == 0 {
		return 0
	}
	var granted uint32
	if c := u.credit[j]; c > 0 {
		use := min(c, need)
		u.credit[j] -= use
		granted += use
		need -= use
	}
	if need == 0 || !a.bind(frames, u, func(payload uint32) int { return slotsFor(need, payload) }) {
		return granted
	}

	got := a.take(frames, u, slotsFor(need, u.waveform.PayloadBytes))
	if got == 0 {
		return granted
	}
	u.slots[j] += got
	bytes := uint32(got) * u.waveform.PayloadBytes
	use := min(bytes, need)
	u.credit[j] += bytes - use
	return granted + use
}

// bind attaches u to a dedicated frame with a usable waveform. The first
// frame that can hold need(payload) slots for u wins; failing that, the frame
// offering u the most bytes. A terminal transmits in a single frame per
// superframe.
func (a *Allocator) bind(frames []*frameState, u *utState, need func(payload uint32) int) bool {
	if u.frame >= 0 {
		return true
	}
	best, bestBytes := -1, uint32(0)
	var bestWaveform Waveform
	for i, f := range frames {
		room := min(f.free(), f.conf.SlotsPerCarrier)
		if room == 0 {
			continue
		}
		w, ok := a.cat.waveforms.Select(u.req.Cno, f.conf.Waveforms)
		if !ok {
			continue
		}
		if room >= need(w.PayloadBytes) {
			u.frame, u.waveform = i, w
			return true
		}
		if b := uint32(room) * w.PayloadBytes; b > bestBytes {
			best, bestBytes, bestWaveform = i, b, w
		}
	}
	if best < 0 {
		return false
	}
	u.frame, u.waveform = best, bestWaveform
	return true
}

func oneSlot(uint32) int { return 1 }

func slotsFor(bytes, payload uint32) int {
	return int((bytes + payload - 1) / payload)
}

// craSlots is the slot count that carries every CRA of u at payload bytes per
// slot; each RC rounds up on its own.
func craSlots(u *utState, payload uint32) int {
	n := 0
	for _, d := range u.req.Demands {
		n += slotsFor(d.Cra, payload)
	}
	return n
}

// take reserves up to n slots for u in its frame. A terminal never gets
// more slots than one carrier holds, so placement can keep its bursts from
// overlapping in time.
func (a *Allocator) take(frames []*frameState, u *utState, n int) int {
	f := frames[u.frame]
	n = min(n, f.free(), f.conf.SlotsPerCarrier-u.total)
	if n <= 0 {
		return 0
	}
	f.used += n
	u.total += n
	return n
}

// distributeFree hands leftover slots one at a time, round robin in rank
// order, to active terminals with an FCA-eligible RC.
func (a *Allocator) distributeFree(frames []*frameState, uts []*utState) {
	for {
		progress := false
		for _, u := range uts {
			j := fcaRc(u)
			if j < 0 || !active(u) || !a.bind(frames, u, oneSlot) {
				continue
			}
			if a.take(frames, u, 1) == 1 {
				u.slots[j]++
				u.grants[j].Fca += u.waveform.PayloadBytes
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

func fcaRc(u *utState) int {
	for j, d := range u.req.Demands {
		if d.Fca {
			return j
		}
	}
	return -1
}

// active is true for terminals with demand this pass or a bound frame.
func active(u *utState) bool {
	if u.frame >= 0 {
		return true
	}
	for _, d := range u.req.Demands {
		if d.Total() > 0 {
			return true
		}
	}
	return false
}

// place turns slot counts into concrete positions. Terminals fill each frame
// in rank order, carrier after carrier. A terminal's run of at most
// SlotsPerCarrier slots that wraps onto the next carrier lands on earlier
// slot indices, so its bursts never overlap in time.
func (a *Allocator) place(frames []*frameState, uts []*utState) Result {
	cursor := make([]int, len(frames))
	res := Result{
		Allocations: make([]UtAllocation, 0, len(uts)),
		Frames:      make([]FrameUsage, len(frames)),
	}
	for i, f := range frames {
		res.Frames[i] = FrameUsage{Frame: f.conf.ID, SlotsTotal: f.conf.SlotCount()}
	}

	for _, u := range uts {
		alloc := UtAllocation{
			Ut:     u.req.Ut,
			Grants: u.grants,
			Unmet:  make([]uint32, len(u.req.Demands)),
		}
		for j, d := range u.req.Demands {
			// Surplus of the last served phase is capacity beyond demand.
			alloc.Grants[j].Fca += u.credit[j]
			if g := alloc.Grants[j].Demanded(); d.Total() > g {
				alloc.Unmet[j] = d.Total() - g
			}
		}

		if u.frame >= 0 && u.total > 0 {
			f := frames[u.frame]
			alloc.Frame = f.conf.ID
			alloc.Waveform = u.waveform.ID
			alloc.Slots = make([]Slot, 0, u.total)
			emit := func(rc uint8, control bool) {
				p := cursor[u.frame]
				cursor[u.frame]++
				alloc.Slots = append(alloc.Slots, Slot{
					Frame:    f.conf.ID,
					Carrier:  p / f.conf.SlotsPerCarrier,
					Index:    p % f.conf.SlotsPerCarrier,
					Waveform: u.waveform.ID,
					Rc:       rc,
					Control:  control,
				})
			}
			for k := 0; k < u.control; k++ {
				emit(0, true)
			}
			if u.control > 0 && len(alloc.Grants) > 0 {
				alloc.Grants[0].Control += uint32(u.control) * u.waveform.PayloadBytes
			}
			for j, d := range u.req.Demands {
				for k := 0; k < u.slots[j]; k++ {
					emit(d.Rc, false)
				}
			}
			usage := &res.Frames[u.frame]
			usage.SlotsUsed += u.total
			usage.BytesUsed += uint32(u.total) * u.waveform.PayloadBytes
		}
		res.Allocations = append(res.Allocations, alloc)
	}
	return res
}
