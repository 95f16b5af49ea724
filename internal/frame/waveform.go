package frame

import (
	"fmt"
	"math"
	"sort"
)

// Waveform is one MODCOD/burst combination of the return link: how many
// payload bytes a time slot carries with it, and the C/N0 it needs.
type Waveform struct {
	ID              uint32
	Name            string
	PayloadBytes    uint32
	RequiredCnoDbHz float64
}

// WaveformTable is the read-only MODCOD lookup supplied by the physical layer.
type WaveformTable struct {
	byRobustness []Waveform // ascending RequiredCnoDbHz
	byID         map[uint32]Waveform
	margin       float64
}

// NewWaveformTable validates and indexes the waveforms. marginDb is added
// to every requirement when picking a waveform for a measured C/N0.
func NewWaveformTable(ws []Waveform, marginDb float64) (*WaveformTable, error) {
	if len(ws) == 0 {
		return nil, fmt.Errorf("%w: no waveforms", ErrInvalidCatalogue)
	}
	t := &WaveformTable{byID: make(map[uint32]Waveform, len(ws)), margin: marginDb}
	for _, w := range ws {
		if w.PayloadBytes == 0 {
			return nil, fmt.Errorf("%w: waveform %d carries no payload", ErrInvalidCatalogue, w.ID)
		}
		if _, dup := t.byID[w.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate waveform %d", ErrInvalidCatalogue, w.ID)
		}
		t.byID[w.ID] = w
		t.byRobustness = append(t.byRobustness, w)
	}
	sort.SliceStable(t.byRobustness, func(i, j int) bool {
		return t.byRobustness[i].RequiredCnoDbHz < t.byRobustness[j].RequiredCnoDbHz
	})
	return t, nil
}

// Get looks a waveform up by ID.
func (t *WaveformTable) Get(id uint32) (Waveform, bool) {
	w, ok := t.byID[id]
	return w, ok
}

// All returns the waveforms, most robust first.
func (t *WaveformTable) All() []Waveform {
	return append([]Waveform(nil), t.byRobustness...)
}

// MostRobust returns the waveform with the lowest C/N0 requirement.
func (t *WaveformTable) MostRobust() Waveform {
	return t.byRobustness[0]
}

// Select picks a waveform for a terminal reporting cno, restricted to the
// IDs in allowed (all when empty). Unknown C/N0 (NaN) gets the most robust
// allowed waveform, as does a C/N0 below every requirement. Otherwise the
// waveform with the largest payload whose requirement plus margin is met
// wins. ok is false only when no allowed waveform exists.
func (t *WaveformTable) Select(cno float64, allowed []uint32) (Waveform, bool) {
	var candidates []Waveform
	if len(allowed) == 0 {
		candidates = t.byRobustness
	} else {
		set := make(map[uint32]struct{}, len(allowed))
		for _, id := range allowed {
			set[id] = struct{}{}
		}
		for _, w := range t.byRobustness {
			if _, ok := set[w.ID]; ok {
				candidates = append(candidates, w)
			}
		}
	}
	if len(candidates) == 0 {
		return Waveform{}, false
	}
	if math.IsNaN(cno) {
		return candidates[0], true
	}

	best := candidates[0]
	for _, w := range candidates {
		if w.RequiredCnoDbHz+t.margin <= cno && w.PayloadBytes > best.PayloadBytes {
			best = w
		}
	}
	return best, true
}
