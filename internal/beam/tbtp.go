package beam

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
)

// assignments turns concrete slots into slot ranges. Consecutive slots of
// one terminal on the same carrier with the same RC collapse into one
// assignment.
func assignments(res frame.Result) []ctrlmsg.TbtpAssignment {
	var out []ctrlmsg.TbtpAssignment
	for _, alloc := range res.Allocations {
		var cur *ctrlmsg.TbtpAssignment
		for _, s := range alloc.Slots {
			if cur != nil && cur.Frame == s.Frame && cur.Carrier == s.Carrier &&
				cur.StartSlot+cur.SlotCount == s.Index && cur.Rc == s.Rc && cur.Control == s.Control {
				cur.SlotCount++
				continue
			}
			out = append(out, ctrlmsg.TbtpAssignment{
				Ut:        alloc.Ut,
				Frame:     s.Frame,
				Carrier:   s.Carrier,
				StartSlot: s.Index,
				SlotCount: 1,
				Waveform:  s.Waveform,
				Rc:        s.Rc,
				Control:   s.Control,
			})
			cur = &out[len(out)-1]
		}
	}
	return out
}

func raChannelInfo(cat *frame.Catalogue) []ctrlmsg.RaChannelInfo {
	chans := cat.RaChannels()
	out := make([]ctrlmsg.RaChannelInfo, len(chans))
	for i, ch := range chans {
		out[i] = ctrlmsg.RaChannelInfo{
			Index:    ch.Index,
			Frame:    ch.FrameID,
			Carriers: ch.Carriers,
			Slots:    ch.Slots,
			Logon:    ch.Logon,
		}
	}
	return out
}

// minTbtpBytes is the smallest maximum size that still fits the RA map
// plus one single-slot assignment in a fresh frame.
func minTbtpBytes(ra []ctrlmsg.RaChannelInfo) int {
	head := &ctrlmsg.Tbtp{RaChannels: ra}
	return head.Size() + ctrlmsg.TbtpFrameBodyBytes + ctrlmsg.TbtpSlotBytes
}

// splitTbtp packs assignments into as few TBTPs as fit in maxBytes. The RA
// channel map rides in the first part. An assignment that does not fit in
// an empty part is cut into shorter slot ranges.
func splitTbtp(beam ctrlmsg.BeamID, counter uint32, as []ctrlmsg.TbtpAssignment, ra []ctrlmsg.RaChannelInfo, maxBytes int) []*ctrlmsg.Tbtp {
	parts := []*ctrlmsg.Tbtp{{Beam: beam, SuperframeCounter: counter, RaChannels: ra}}
	cur := parts[0]
	size := cur.Size()
	frames := make(map[uint8]struct{})
	for _, ch := range ra {
		frames[ch.Frame] = struct{}{}
	}

	next := func() {
		cur = &ctrlmsg.Tbtp{Beam: beam, SuperframeCounter: counter, Part: uint8(len(parts))}
		parts = append(parts, cur)
		size = cur.Size()
		frames = make(map[uint8]struct{})
	}

	for _, a := range as {
		for a.SlotCount > 0 {
			frameCost := 0
			if _, seen := frames[a.Frame]; !seen {
				frameCost = ctrlmsg.TbtpFrameBodyBytes
			}
			room := (maxBytes - size - frameCost) / ctrlmsg.TbtpSlotBytes
			if room <= 0 {
				next()
				continue
			}
			take := a
			take.SlotCount = min(a.SlotCount, room)
			if take.SlotCount < a.SlotCount && len(cur.Assignments) > 0 {
				// Start a fresh part rather than fragment an assignment
				// that would fit whole in one.
				if a.SlotCount <= (maxBytes-ctrlmsg.TbtpBodyBytes-ctrlmsg.TbtpFrameBodyBytes)/ctrlmsg.TbtpSlotBytes {
					next()
					continue
				}
			}
			cur.Assignments = append(cur.Assignments, take)
			frames[a.Frame] = struct{}{}
			size += frameCost + take.SlotCount*ctrlmsg.TbtpSlotBytes
			a.StartSlot += take.SlotCount
			a.SlotCount -= take.SlotCount
		}
	}
	return parts
}

// TbtpStore retains emitted TBTPs by superframe counter until their
// superframe starts. It is bounded; the oldest plans are evicted first.
type TbtpStore struct {
	cache *lru.Cache
}

// NewTbtpStore builds a store holding at most size superframes.
func NewTbtpStore(size int) (*TbtpStore, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("tbtp store: %w", err)
	}
	return &TbtpStore{cache: c}, nil
}

// Put records the parts emitted for counter, replacing earlier ones.
func (s *TbtpStore) Put(counter uint32, parts []*ctrlmsg.Tbtp) {
	s.cache.Add(counter, parts)
}

// Get returns the parts retained for counter.
func (s *TbtpStore) Get(counter uint32) ([]*ctrlmsg.Tbtp, bool) {
	v, ok := s.cache.Get(counter)
	if !ok {
		return nil, false
	}
	return v.([]*ctrlmsg.Tbtp), true
}

// Counters lists the retained superframe counters in ascending order.
func (s *TbtpStore) Counters() []uint32 {
	keys := s.cache.Keys()
	out := make([]uint32, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.(uint32))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of retained superframes.
func (s *TbtpStore) Len() int { return s.cache.Len() }

// PurgeThrough drops every plan for a superframe at or before counter.
func (s *TbtpStore) PurgeThrough(counter uint32) {
	for _, c := range s.Counters() {
		if c <= counter {
			s.cache.Remove(c)
		}
	}
}

// StripUt removes ut's assignments from every retained plan and returns the
// counters that changed. Plans already handed out are not modified; the
// store keeps rewritten copies.
func (s *TbtpStore) StripUt(ut dama.UtID) []uint32 {
	var changed []uint32
	for _, c := range s.Counters() {
		v, ok := s.cache.Peek(c)
		if !ok {
			continue
		}
		parts := v.([]*ctrlmsg.Tbtp)
		rewritten := make([]*ctrlmsg.Tbtp, len(parts))
		hit := false
		for i, p := range parts {
			cp := *p
			cp.Assignments = nil
			for _, a := range p.Assignments {
				if a.Ut == ut {
					hit = true
					continue
				}
				cp.Assignments = append(cp.Assignments, a)
			}
			rewritten[i] = &cp
		}
		if hit {
			s.cache.Add(c, rewritten)
			changed = append(changed, c)
		}
	}
	return changed
}

// SlotsFor returns the slots retained for ut in superframe counter.
func (s *TbtpStore) SlotsFor(counter uint32, ut dama.UtID) []frame.Slot {
	parts, ok := s.Get(counter)
	if !ok {
		return nil
	}
	var out []frame.Slot
	for _, p := range parts {
		out = append(out, p.SlotsFor(ut)...)
	}
	return out
}
