package frame

import (
	"math"
	"testing"
	"time"
)

func testWaveforms(t *testing.T) *WaveformTable {
	t.Helper()
	wt, err := NewWaveformTable([]Waveform{
		{ID: 3, Name: "QPSK 3/4", PayloadBytes: 88, RequiredCnoDbHz: 63},
		{ID: 1, Name: "QPSK 1/3", PayloadBytes: 38, RequiredCnoDbHz: 58},
		{ID: 4, Name: "8PSK 2/3", PayloadBytes: 118, RequiredCnoDbHz: 66},
		{ID: 2, Name: "QPSK 1/2", PayloadBytes: 59, RequiredCnoDbHz: 60.5},
	}, 0)
	if err != nil {
		t.Fatalf("NewWaveformTable: %v", err)
	}
	return wt
}

// testCatalogue: two RA frames (one for logon) and one 2x4 dedicated frame.
func testCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	cat, err := NewCatalogue(SuperframeConf{
		Duration: 100 * time.Millisecond,
		Frames: []FrameConf{
			{ID: 0, Carriers: 1, SlotsPerCarrier: 8, RandomAccess: true},
			{ID: 1, Carriers: 1, SlotsPerCarrier: 8, RandomAccess: true, Logon: true},
			{ID: 2, Carriers: 2, SlotsPerCarrier: 4},
		},
	}, testWaveforms(t))
	if err != nil {
		t.Fatalf("NewCatalogue: %v", err)
	}
	return cat
}

var nan = math.NaN()
