// Package cno turns noisy C/N0 reports into a single representative value
// used for waveform selection and terminal ranking.
package cno

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/signalsfoundry/satmac-simulator/timectrl"
)

// Mode selects how samples are folded into an estimate.
type Mode int

const (
	// ModeLast reports the most recent sample.
	ModeLast Mode = iota
	// ModeMinimum reports the smallest sample in the trailing window.
	ModeMinimum
	// ModeAverage reports the mean of the samples in the trailing window.
	ModeAverage
)

func (m Mode) String() string {
	switch m {
	case ModeLast:
		return "last"
	case ModeMinimum:
		return "minimum"
	case ModeAverage:
		return "average"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "last":
		return ModeLast, nil
	case "min", "minimum":
		return ModeMinimum, nil
	case "avg", "average":
		return ModeAverage, nil
	default:
		return ModeLast, fmt.Errorf("unknown C/N0 estimation mode %q", s)
	}
}

type sample struct {
	at    time.Time
	value float64
}

// Estimator keeps the samples needed by its mode. The zero value is not
// usable; construct with NewEstimator.
type Estimator struct {
	mode   Mode
	window time.Duration
	clock  timectrl.SimClock

	samples []sample
	last    float64
}

// NewEstimator builds an estimator. window is ignored in ModeLast. A
// non-positive window in the windowed modes keeps only the latest sample.
func NewEstimator(mode Mode, window time.Duration, clock timectrl.SimClock) *Estimator {
	return &Estimator{
		mode:   mode,
		window: window,
		clock:  clock,
		last:   math.NaN(),
	}
}

// AddSample records a C/N0 report in dBHz. NaN and infinite samples are
// dropped; they carry no information.
func (e *Estimator) AddSample(value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	e.last = value
	if e.mode == ModeLast {
		return
	}
	e.samples = append(e.samples, sample{at: e.clock.Now(), value: value})
	e.trim()
}

// Estimate returns the current value, or NaN if no sample has ever been
// received. When every sample has aged out of the window the most recent one
// is still reported rather than NaN.
func (e *Estimator) Estimate() float64 {
	if e.mode == ModeLast {
		return e.last
	}
	e.trim()
	if len(e.samples) == 0 {
		return e.last
	}

	switch e.mode {
	case ModeMinimum:
		lowest := e.samples[0].value
		for _, s := range e.samples[1:] {
			lowest = math.Min(lowest, s.value)
		}
		return lowest
	case ModeAverage:
		sum := 0.0
		for _, s := range e.samples {
			sum += s.value
		}
		return sum / float64(len(e.samples))
	}
	return e.last
}

// Reset forgets every sample.
func (e *Estimator) Reset() {
	e.samples = nil
	e.last = math.NaN()
}

func (e *Estimator) trim() {
	if len(e.samples) == 0 {
		return
	}
	if e.window <= 0 {
		e.samples = e.samples[len(e.samples)-1:]
		return
	}
	cutoff := e.clock.Now().Add(-e.window)
	drop := 0
	for drop < len(e.samples) && e.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		e.samples = append(e.samples[:0], e.samples[drop:]...)
	}
}

// Less orders C/N0 values ascending with NaN last. Two NaNs compare equal.
func Less(a, b float64) bool {
	switch {
	case math.IsNaN(a):
		return false
	case math.IsNaN(b):
		return true
	default:
		return a < b
	}
}
