// Package frame holds the beam's TDMA resource description (waveforms,
// frames, carriers and time slots) and the superframe allocator that packs
// terminal demand into it.
package frame

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyCatalogue is returned when a superframe has no frames.
	ErrEmptyCatalogue = errors.New("empty frame catalogue")
	// ErrInvalidCatalogue covers every other malformed catalogue.
	ErrInvalidCatalogue = errors.New("invalid frame catalogue")
)

// FrameConf describes one frame. Every frame spans the whole superframe;
// its carriers run in parallel and are each cut into SlotsPerCarrier slots.
type FrameConf struct {
	ID              uint8
	Carriers        int
	SlotsPerCarrier int
	RandomAccess    bool
	// Logon marks the RA frame reserved for logon bursts.
	Logon bool
	// Waveforms restricts the waveforms usable in the frame; empty means all.
	Waveforms []uint32
}

// SlotCount is the number of time slots the frame offers per superframe.
func (f FrameConf) SlotCount() int {
	return f.Carriers * f.SlotsPerCarrier
}

// SuperframeConf is the repeating allocation cycle.
type SuperframeConf struct {
	Duration time.Duration
	Frames   []FrameConf
}

// RaChannel is one random-access allocation channel (an RA frame).
type RaChannel struct {
	Index    uint32
	FrameID  uint8
	Carriers int
	Slots    int
	Logon    bool
}

// Catalogue is the validated, immutable resource description shared
// read-only by every beam using the same configuration.
type Catalogue struct {
	duration  time.Duration
	frames    []FrameConf
	daFrames  []int
	ra        []RaChannel
	waveforms *WaveformTable
}

// NewCatalogue validates sf against the waveform table. Any error here is a
// configuration error and must stop setup.
func NewCatalogue(sf SuperframeConf, waveforms *WaveformTable) (*Catalogue, error) {
	if waveforms == nil {
		return nil, fmt.Errorf("%w: no waveform table", ErrInvalidCatalogue)
	}
	if len(sf.Frames) == 0 {
		return nil, ErrEmptyCatalogue
	}
	if sf.Duration <= 0 {
		return nil, fmt.Errorf("%w: superframe duration %v", ErrInvalidCatalogue, sf.Duration)
	}

	c := &Catalogue{duration: sf.Duration, waveforms: waveforms}
	seen := make(map[uint8]struct{}, len(sf.Frames))
	logons := 0
	for i, f := range sf.Frames {
		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate frame id %d", ErrInvalidCatalogue, f.ID)
		}
		seen[f.ID] = struct{}{}
		if f.Carriers <= 0 || f.SlotsPerCarrier <= 0 {
			return nil, fmt.Errorf("%w: frame %d has %d carriers x %d slots", ErrEmptyCatalogue, f.ID, f.Carriers, f.SlotsPerCarrier)
		}
		if f.Logon && !f.RandomAccess {
			return nil, fmt.Errorf("%w: logon frame %d is not random access", ErrInvalidCatalogue, f.ID)
		}
		for _, id := range f.Waveforms {
			if _, ok := waveforms.Get(id); !ok {
				return nil, fmt.Errorf("%w: frame %d references unknown waveform %d", ErrInvalidCatalogue, f.ID, id)
			}
		}

		f.Waveforms = append([]uint32(nil), f.Waveforms...)
		c.frames = append(c.frames, f)
		if f.RandomAccess {
			if f.Logon {
				logons++
			}
			c.ra = append(c.ra, RaChannel{
				Index:    uint32(len(c.ra)),
				FrameID:  f.ID,
				Carriers: f.Carriers,
				Slots:    f.SlotsPerCarrier,
				Logon:    f.Logon,
			})
			continue
		}
		c.daFrames = append(c.daFrames, i)
	}
	if logons > 1 {
		return nil, fmt.Errorf("%w: %d logon frames, at most one allowed", ErrInvalidCatalogue, logons)
	}
	return c, nil
}

// Duration returns the superframe length.
func (c *Catalogue) Duration() time.Duration { return c.duration }

// Waveforms returns the MODCOD table.
func (c *Catalogue) Waveforms() *WaveformTable { return c.waveforms }

// Frames returns every frame in configuration order.
func (c *Catalogue) Frames() []FrameConf {
	return append([]FrameConf(nil), c.frames...)
}

// Frame looks a frame up by ID.
func (c *Catalogue) Frame(id uint8) (FrameConf, bool) {
	for _, f := range c.frames {
		if f.ID == id {
			return f, true
		}
	}
	return FrameConf{}, false
}

// DedicatedFrames returns the dedicated-access frames in order.
func (c *Catalogue) DedicatedFrames() []FrameConf {
	out := make([]FrameConf, 0, len(c.daFrames))
	for _, i := range c.daFrames {
		out = append(out, c.frames[i])
	}
	return out
}

// RaChannels returns the random-access channels, indexed in frame order.
func (c *Catalogue) RaChannels() []RaChannel {
	return append([]RaChannel(nil), c.ra...)
}

// LogonChannel returns the RA channel configured for logon, if any.
func (c *Catalogue) LogonChannel() (RaChannel, bool) {
	for _, ch := range c.ra {
		if ch.Logon {
			return ch, true
		}
	}
	return RaChannel{}, false
}

// SlotDuration is the length of one time slot of frame f.
func (c *Catalogue) SlotDuration(f FrameConf) time.Duration {
	return c.duration / time.Duration(f.SlotsPerCarrier)
}

// SlotOffset is the start of slot index within the superframe.
func (c *Catalogue) SlotOffset(f FrameConf, index int) time.Duration {
	return time.Duration(index) * c.SlotDuration(f)
}

// DedicatedSlotCount is the dedicated capacity of one superframe in slots.
func (c *Catalogue) DedicatedSlotCount() int {
	n := 0
	for _, i := range c.daFrames {
		n += c.frames[i].SlotCount()
	}
	return n
}
