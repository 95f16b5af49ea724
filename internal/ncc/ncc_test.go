package ncc

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/satmac-simulator/internal/beam"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/engine"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
)

var (
	start = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	beamA = ctrlmsg.BeamID{Sat: 1, Beam: 1}
	beamB = ctrlmsg.BeamID{Sat: 1, Beam: 2}
)

func testProfile() dama.ServiceProfile {
	return dama.ServiceProfile{Name: "basic", Rcs: []dama.RcConfig{{Index: 0, MaxRbdcKbps: 512, MaxVbdcBytes: 4000}}}
}

func newScheduler(t *testing.T, events engine.EventScheduler, id ctrlmsg.BeamID) *beam.Scheduler {
	t.Helper()
	wt, err := frame.NewWaveformTable([]frame.Waveform{{ID: 1, PayloadBytes: 38, RequiredCnoDbHz: 58}}, 0)
	if err != nil {
		t.Fatalf("NewWaveformTable: %v", err)
	}
	cat, err := frame.NewCatalogue(frame.SuperframeConf{
		Duration: 100 * time.Millisecond,
		Frames: []frame.FrameConf{
			{ID: 0, Carriers: 1, SlotsPerCarrier: 8, RandomAccess: true, Logon: true},
			{ID: 1, Carriers: 1, SlotsPerCarrier: 8, RandomAccess: true},
			{ID: 2, Carriers: 1, SlotsPerCarrier: 8},
		},
	}, wt)
	if err != nil {
		t.Fatalf("NewCatalogue: %v", err)
	}
	s, err := beam.New(beam.Config{Beam: id, Catalogue: cat, Epoch: start, MaxTbtpBytes: 1000}, events)
	if err != nil {
		t.Fatalf("beam.New: %v", err)
	}
	return s
}

type fixture struct {
	events *engine.FakeEventScheduler
	ncc    *NCC
	a, b   *beam.Scheduler
	rec    *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{events: engine.NewFakeEventScheduler(start), rec: &recorder{logoffs: map[string]int{}}}
	f.a = newScheduler(t, f.events, beamA)
	f.b = newScheduler(t, f.events, beamB)
	cfg.Recorder = f.rec
	f.ncc = New(NewRegistry(), cfg)
	for _, s := range []*beam.Scheduler{f.a, f.b} {
		if err := f.ncc.AddBeam(s); err != nil {
			t.Fatalf("AddBeam: %v", err)
		}
	}
	return f
}

func TestRegistry(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.ncc.AddBeam(f.a); !errors.Is(err, ErrBeamExists) {
		t.Fatalf("duplicate AddBeam error = %v", err)
	}
	if diff := cmp.Diff([]ctrlmsg.BeamID{beamA, beamB}, f.ncc.Registry().IDs()); diff != "" {
		t.Fatalf("IDs (-want +got):\n%s", diff)
	}
	if _, ok := f.ncc.Scheduler(ctrlmsg.BeamID{Sat: 9}); ok {
		t.Fatalf("unknown beam found")
	}
}

func TestLogonAndRouting(t *testing.T) {
	f := newFixture(t, Config{})

	if _, err := f.ncc.Logon("ut", ctrlmsg.BeamID{Sat: 7, Beam: 7}, testProfile(), start); !errors.Is(err, ErrBeamNotFound) {
		t.Fatalf("logon to unknown beam error = %v", err)
	}
	ra, err := f.ncc.Logon("ut", beamA, testProfile(), start)
	if err != nil {
		t.Fatalf("Logon: %v", err)
	}
	if ra != 1 {
		t.Fatalf("RA channel = %d, want non-logon channel 1", ra)
	}
	again, err := f.ncc.Logon("ut", beamA, testProfile(), start.Add(time.Second))
	if err != nil || again != ra {
		t.Fatalf("repeated logon = %d, %v", again, err)
	}
	if !f.a.HasUt("ut") || f.rec.logons != 1 {
		t.Fatalf("beam membership %v, logons %d", f.a.HasUt("ut"), f.rec.logons)
	}

	f.ncc.UtCnoUpdated("ut", 61)
	if got := f.a.UtCno("ut"); got != 61 {
		t.Fatalf("C/N0 not routed: %v", got)
	}
	f.ncc.UtCrReceived("ut", dama.CapacityRequest{Ut: "ut", Elements: []dama.CrElement{{Rc: 0, Type: dama.CrRbdc, Value: 64}}})
	f.a.RunPass()
	if got := f.a.Entry("ut").RbdcKbps(0); got != 64 {
		t.Fatalf("CR not routed: %v", got)
	}
	// Unknown terminals are dropped, not fatal.
	f.ncc.UtCrReceived("ghost", dama.CapacityRequest{})
	f.ncc.UtCnoUpdated("ghost", 50)

	if _, err := f.ncc.Logon("ut", beamB, testProfile(), start.Add(2*time.Second)); err != nil {
		t.Fatalf("relogon elsewhere: %v", err)
	}
	if f.a.HasUt("ut") || !f.b.HasUt("ut") || f.rec.logoffs[ReasonRelogon] != 1 {
		t.Fatalf("relogon did not move membership")
	}

	f.ncc.Logoff("ut")
	f.ncc.Logoff("ut")
	if f.b.HasUt("ut") {
		t.Fatalf("logoff left terminal in beam")
	}
	if _, ok := f.ncc.BeamOf("ut"); ok {
		t.Fatalf("logged off terminal still located")
	}
}

func TestControlBurstTimeoutEvicts(t *testing.T) {
	f := newFixture(t, Config{UtTimeout: 10 * time.Second})
	for _, ut := range []dama.UtID{"quiet", "chatty"} {
		if _, err := f.ncc.Logon(ut, beamA, testProfile(), start); err != nil {
			t.Fatalf("Logon: %v", err)
		}
	}
	f.ncc.ReceiveControlBurst("chatty", start.Add(8*time.Second))
	f.ncc.ReceiveControlBurst("unknown", start.Add(8*time.Second))

	if got := f.ncc.CheckTimeouts(start.Add(9 * time.Second)); len(got) != 0 {
		t.Fatalf("evicted early: %v", got)
	}
	got := f.ncc.CheckTimeouts(start.Add(10 * time.Second))
	if diff := cmp.Diff([]dama.UtID{"quiet"}, got); diff != "" {
		t.Fatalf("evicted (-want +got):\n%s", diff)
	}
	if f.a.HasUt("quiet") || !f.a.HasUt("chatty") {
		t.Fatalf("beam membership after eviction wrong")
	}
	if f.rec.logoffs[ReasonTimeout] != 1 {
		t.Fatalf("timeout logoffs = %d", f.rec.logoffs[ReasonTimeout])
	}
}

func TestHandover(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.ncc.Logon("ut", beamA, testProfile(), start); err != nil {
		t.Fatalf("Logon: %v", err)
	}
	if err := f.ncc.MoveUtBetweenBeams("ut", beamB); err != nil {
		t.Fatalf("MoveUtBetweenBeams: %v", err)
	}
	if err := f.ncc.MoveUtBetweenBeams("ut", beamB); err != nil {
		t.Fatalf("repeated MoveUtBetweenBeams: %v", err)
	}
	if !f.a.HasUt("ut") {
		t.Fatalf("handover applied before the pass boundary")
	}

	f.a.RunPass()
	var done []beam.UtTransferred
	for _, o := range f.a.Drain() {
		if tr, ok := o.(beam.UtTransferred); ok {
			done = append(done, tr)
		}
	}
	if len(done) != 1 {
		t.Fatalf("transfers = %+v", done)
	}
	f.ncc.TransferCompleted(done[0])

	if id, _ := f.ncc.BeamOf("ut"); id != beamB || !f.b.HasUt("ut") {
		t.Fatalf("terminal located at %s", id)
	}
	want := []Delivery{{Beam: beamA, Ut: "ut", Msg: &ctrlmsg.Timu{Ut: "ut", Beam: beamB, RaChannel: done[0].RaChannel}}}
	if diff := cmp.Diff(want, f.ncc.Drain()); diff != "" {
		t.Fatalf("deliveries (-want +got):\n%s", diff)
	}

	err := f.ncc.MoveUtBetweenBeams("ut", ctrlmsg.BeamID{Sat: 3, Beam: 3})
	if !errors.Is(err, ErrBeamNotFound) {
		t.Fatalf("missing destination error = %v", err)
	}
	cancel := f.ncc.Drain()
	if len(cancel) != 1 || cancel[0].Msg.(*ctrlmsg.Timu).Beam != beamB {
		t.Fatalf("cancelled handover should send a TIM-U for the current beam: %+v", cancel)
	}
}

func TestRaLoadControl(t *testing.T) {
	f := newFixture(t, Config{RaLoad: map[uint8]RaLoadControl{
		0: {
			Threshold: 0.5,
			Low:       RaParams{BackoffProbability: 1000, BackoffTime: 10 * time.Millisecond},
			High:      RaParams{BackoffProbability: 60000, BackoffTime: 250 * time.Millisecond},
		},
	}})

	if err := f.ncc.RaLoadMeasured(beamA, 3, 0.9); !errors.Is(err, ErrMissingThreshold) {
		t.Fatalf("missing threshold error = %v", err)
	}

	steps := []struct {
		load     float64
		wantHigh bool
		wantMsg  bool
	}{
		{0.2, false, false},
		{0.5, true, true},
		{0.7, true, false},
		{0.49, false, true},
	}
	for i, st := range steps {
		if err := f.ncc.RaLoadMeasured(beamA, 0, st.load); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := f.ncc.HighRaLoad(beamA, 0); got != st.wantHigh {
			t.Fatalf("step %d: high = %v, want %v", i, got, st.wantHigh)
		}
		out := f.ncc.Drain()
		if (len(out) == 1) != st.wantMsg {
			t.Fatalf("step %d: deliveries %+v", i, out)
		}
		if st.wantMsg {
			msg := out[0].Msg.(*ctrlmsg.RaLoadControl)
			wantProb := uint16(1000)
			if st.wantHigh {
				wantProb = 60000
			}
			if msg.BackoffProbability != wantProb || out[0].Ut != "" {
				t.Fatalf("step %d: message %+v", i, msg)
			}
		}
	}
	if f.ncc.HighRaLoad(beamB, 0) {
		t.Fatalf("load state leaked across beams")
	}
}

type recorder struct {
	logons  int
	logoffs map[string]int
	ra      int
}

func (r *recorder) RecordLogon(ctrlmsg.BeamID)                   { r.logons++ }
func (r *recorder) RecordLogoff(_ ctrlmsg.BeamID, reason string) { r.logoffs[reason]++ }
func (r *recorder) RecordRaLoad(ctrlmsg.BeamID, uint8, bool)     { r.ra++ }
