package beam

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/engine"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testCatalogue(t *testing.T) *frame.Catalogue {
	t.Helper()
	wt, err := frame.NewWaveformTable([]frame.Waveform{
		{ID: 1, PayloadBytes: 38, RequiredCnoDbHz: 58},
		{ID: 2, PayloadBytes: 59, RequiredCnoDbHz: 60.5},
		{ID: 3, PayloadBytes: 88, RequiredCnoDbHz: 63},
		{ID: 4, PayloadBytes: 118, RequiredCnoDbHz: 66},
	}, 0)
	if err != nil {
		t.Fatalf("NewWaveformTable: %v", err)
	}
	cat, err := frame.NewCatalogue(frame.SuperframeConf{
		Duration: 100 * time.Millisecond,
		Frames: []frame.FrameConf{
			{ID: 0, Carriers: 1, SlotsPerCarrier: 8, RandomAccess: true},
			{ID: 1, Carriers: 1, SlotsPerCarrier: 8, RandomAccess: true, Logon: true},
			{ID: 2, Carriers: 2, SlotsPerCarrier: 4},
		},
	}, wt)
	if err != nil {
		t.Fatalf("NewCatalogue: %v", err)
	}
	return cat
}

func testProfile() dama.ServiceProfile {
	return dama.ServiceProfile{
		Name: "default",
		Rcs: []dama.RcConfig{
			{Index: 0, MaxRbdcKbps: 1000, MaxVbdcBytes: 10000},
			{Index: 1, MaxVbdcBytes: 5000},
		},
	}
}

func newTestScheduler(t *testing.T, events engine.EventScheduler, mutate func(*Config)) *Scheduler {
	t.Helper()
	cfg := Config{
		Beam:         ctrlmsg.BeamID{Sat: 1, Beam: 1},
		Catalogue:    testCatalogue(t),
		Epoch:        epoch,
		Lookahead:    1,
		MaxTbtpBytes: 1500,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func rbdc(ut dama.UtID, at time.Time, kbps uint32) dama.CapacityRequest {
	return dama.CapacityRequest{
		Ut:       ut,
		SentAt:   at,
		Cno:      math.NaN(),
		Elements: []dama.CrElement{{Rc: 0, Type: dama.CrRbdc, Value: kbps}},
	}
}

func expectPanic(t *testing.T, want error, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, want) {
			t.Fatalf("recovered %v, want panic wrapping %v", r, want)
		}
	}()
	f()
}

func outputsOf[T Output](out []Output) []T {
	var got []T
	for _, o := range out {
		if v, ok := o.(T); ok {
			got = append(got, v)
		}
	}
	return got
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	if _, err := New(Config{}, events); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing catalogue error = %v", err)
	}
	if _, err := New(Config{Catalogue: testCatalogue(t), MaxTbtpBytes: 10}, events); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("tiny TBTP size error = %v", err)
	}
}

func TestMembership(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	s := newTestScheduler(t, events, nil)

	for _, ut := range []dama.UtID{"a", "b", "c"} {
		ra, err := s.AddUt(ut, testProfile())
		if err != nil {
			t.Fatalf("AddUt(%s): %v", ut, err)
		}
		if ra != 0 {
			t.Fatalf("AddUt(%s) RA channel = %d, want the only non-logon channel 0", ut, ra)
		}
	}
	if !s.HasUt("b") || s.HasUt("z") {
		t.Fatalf("HasUt mismatch")
	}
	if _, err := s.AddUt("bad", dama.ServiceProfile{Name: "empty"}); !errors.Is(err, dama.ErrInvalidProfile) {
		t.Fatalf("AddUt with empty profile error = %v", err)
	}

	expectPanic(t, ErrUtExists, func() { _, _ = s.AddUt("a", testProfile()) })
	expectPanic(t, ErrUtNotFound, func() { s.UtCrReceived("z", dama.CapacityRequest{}) })
	expectPanic(t, ErrUtNotFound, func() { s.UpdateUtCno("z", 60) })
	expectPanic(t, ErrUtNotFound, func() { s.RemoveUt("z") })

	s.UtCrReceived("b", rbdc("b", epoch, 64))
	s.RemoveUt("b")
	if s.HasUt("b") {
		t.Fatalf("b still registered after RemoveUt")
	}
	if diff := cmp.Diff([]dama.UtID{"a", "c"}, s.Uts()); diff != "" {
		t.Fatalf("Uts mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestsFoldedOnlyAtPass(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	s := newTestScheduler(t, events, nil)
	if _, err := s.AddUt("a", testProfile()); err != nil {
		t.Fatalf("AddUt: %v", err)
	}

	s.UtCrReceived("a", rbdc("a", epoch.Add(2*time.Millisecond), 32))
	s.UtCrReceived("a", rbdc("a", epoch.Add(time.Millisecond), 16))
	if got := s.Entry("a").RbdcKbps(0); got != 0 {
		t.Fatalf("RBDC applied before pass: %v", got)
	}

	s.RunPass()
	if got := s.Entry("a").RbdcKbps(0); got != 32 {
		t.Fatalf("RBDC after pass = %v, want newest request 32", got)
	}
}

func TestPassRanksByCnoUnknownLast(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	s := newTestScheduler(t, events, nil)
	for _, ut := range []dama.UtID{"unknown", "strong", "weak"} {
		if _, err := s.AddUt(ut, testProfile()); err != nil {
			t.Fatalf("AddUt: %v", err)
		}
	}
	s.UpdateUtCno("strong", 70)
	s.UpdateUtCno("weak", 59)

	res := s.Preview()
	var order []dama.UtID
	for _, a := range res.Allocations {
		order = append(order, a.Ut)
	}
	if diff := cmp.Diff([]dama.UtID{"weak", "strong", "unknown"}, order); diff != "" {
		t.Fatalf("rank order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(res, s.Preview()); diff != "" {
		t.Fatalf("Preview not idempotent (-first +second):\n%s", diff)
	}
}

func TestSatelliteCnoCapsTerminalEstimate(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	s := newTestScheduler(t, events, nil)
	if _, err := s.AddUt("a", testProfile()); err != nil {
		t.Fatalf("AddUt: %v", err)
	}
	s.UpdateUtCno("a", 70)
	s.UpdateSatelliteCno(2, 50)
	if got := s.UtCno("a"); got != 70 {
		t.Fatalf("other satellite changed estimate to %v", got)
	}
	s.UpdateSatelliteCno(1, 61)
	if got := s.UtCno("a"); got != 61 {
		t.Fatalf("UtCno = %v, want capped at 61", got)
	}
}

func TestPassEmitsTbtpThatRoundTrips(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	s := newTestScheduler(t, events, func(c *Config) { c.Lookahead = 2 })
	for _, ut := range []dama.UtID{"a", "b"} {
		if _, err := s.AddUt(ut, testProfile()); err != nil {
			t.Fatalf("AddUt: %v", err)
		}
	}
	s.UpdateUtCno("a", 70)
	s.UpdateUtCno("b", 59)
	s.UtCrReceived("a", rbdc("a", epoch, 16))
	s.UtCrReceived("b", rbdc("b", epoch, 8))

	s.RunPass()
	out := s.Drain()

	ready := outputsOf[TbtpReady](out)
	if len(ready) != 1 {
		t.Fatalf("got %d TBTP parts, want 1", len(ready))
	}
	tbtp := ready[0].Tbtp
	if tbtp.SuperframeCounter != 2 {
		t.Fatalf("TBTP for superframe %d, want 2 (lookahead)", tbtp.SuperframeCounter)
	}
	if len(tbtp.RaChannels) != 2 || !tbtp.RaChannels[1].Logon {
		t.Fatalf("RA map = %+v", tbtp.RaChannels)
	}

	sent := outputsOf[TbtpSent](out)
	if len(sent) != 1 || sent[0].Bytes != tbtp.Size() || sent[0].Parts != 1 {
		t.Fatalf("TbtpSent = %+v", sent)
	}
	reports := outputsOf[CapacityReport](out)
	if len(reports) != 1 || reports[0].TotalGranted() != 300 || reports[0].TotalUnmet() != 0 {
		t.Fatalf("CapacityReport = %+v", reports)
	}

	b, err := ctrlmsg.Marshal(tbtp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	m, err := ctrlmsg.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	decoded := m.(*ctrlmsg.Tbtp)

	// RBDC is a standing rate, so a fresh preview computes the same plan.
	res := s.Preview()
	for _, ut := range []dama.UtID{"a", "b"} {
		alloc, _ := res.Allocation(ut)
		if diff := cmp.Diff(alloc.Slots, decoded.SlotsFor(ut)); diff != "" {
			t.Fatalf("%s slots lost across encode (-computed +decoded):\n%s", ut, diff)
		}
	}
	if got := len(decoded.SlotsFor("b")); got != 3 {
		t.Fatalf("weak terminal got %d slots, want 3 at the most robust waveform", got)
	}
}

func TestPassCommitsVbdcAndKeepsUnmetBacklog(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	s := newTestScheduler(t, events, nil)
	if _, err := s.AddUt("a", testProfile()); err != nil {
		t.Fatalf("AddUt: %v", err)
	}
	s.UpdateUtCno("a", 70)
	s.UtCrReceived("a", dama.CapacityRequest{
		Ut:       "a",
		Cno:      math.NaN(),
		Elements: []dama.CrElement{{Rc: 1, Type: dama.CrAvbdc, Value: 600}},
	})

	s.RunPass()
	// 4 slots of 118 bytes per superframe.
	if got := s.Entry("a").VbdcBytes(1); got != 600-4*118 {
		t.Fatalf("backlog after first pass = %d, want %d", got, 600-4*118)
	}
	reports := outputsOf[CapacityReport](s.Drain())
	if reports[0].Uts[0].UnmetBytes != 600-4*118 {
		t.Fatalf("unmet = %d", reports[0].Uts[0].UnmetBytes)
	}

	events.Advance(100 * time.Millisecond)
	s.RunPass()
	if got := s.Entry("a").VbdcBytes(1); got != 0 {
		t.Fatalf("backlog after second pass = %d, want 0", got)
	}
}

func TestZeroQuotaRequestRejectedForThatRcOnly(t *testing.T) {
	rec := &recorder{}
	events := engine.NewFakeEventScheduler(epoch)
	s := newTestScheduler(t, events, func(c *Config) { c.Recorder = rec })
	if _, err := s.AddUt("a", testProfile()); err != nil {
		t.Fatalf("AddUt: %v", err)
	}
	s.UtCrReceived("a", dama.CapacityRequest{
		Ut:  "a",
		Cno: 70,
		Elements: []dama.CrElement{
			{Rc: 1, Type: dama.CrRbdc, Value: 64},
			{Rc: 1, Type: dama.CrVbdc, Value: 100},
		},
	})
	s.RunPass()

	if len(rec.rejected) != 1 || !errors.Is(rec.rejected[0], dama.ErrZeroQuota) {
		t.Fatalf("rejections = %v", rec.rejected)
	}
	if got := s.UtCno("a"); got != 70 {
		t.Fatalf("C/N0 from CR not applied: %v", got)
	}
	reports := outputsOf[CapacityReport](s.Drain())
	if reports[0].Rejected != 1 || reports[0].Uts[0].GrantedBytes != 100 {
		t.Fatalf("report = %+v", reports[0])
	}
	if rec.passes != 1 || rec.terminals != 1 {
		t.Fatalf("recorder passes=%d terminals=%d", rec.passes, rec.terminals)
	}
}

func TestControlSlotAfterIdleInterval(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	s := newTestScheduler(t, events, func(c *Config) { c.ControlSlotInterval = 200 * time.Millisecond })
	if _, err := s.AddUt("idle", testProfile()); err != nil {
		t.Fatalf("AddUt: %v", err)
	}

	slots := func() int {
		t.Helper()
		s.RunPass()
		r := outputsOf[CapacityReport](s.Drain())[0]
		return r.Uts[0].Slots
	}
	if n := slots(); n != 0 {
		t.Fatalf("control slot granted immediately: %d", n)
	}
	events.Advance(200 * time.Millisecond)
	if n := slots(); n != 1 {
		t.Fatalf("slots after idle interval = %d, want 1", n)
	}
	events.Advance(100 * time.Millisecond)
	if n := slots(); n != 0 {
		t.Fatalf("control slot repeated before interval: %d", n)
	}
}

func TestHandoverInsideLookaheadLeavesNoDanglingAllocation(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	src := newTestScheduler(t, events, func(c *Config) { c.Lookahead = 3 })
	dst := newTestScheduler(t, events, func(c *Config) { c.Beam = ctrlmsg.BeamID{Sat: 1, Beam: 2} })
	for _, ut := range []dama.UtID{"mover", "stayer"} {
		if _, err := src.AddUt(ut, testProfile()); err != nil {
			t.Fatalf("AddUt: %v", err)
		}
		src.UtCrReceived(ut, rbdc(ut, epoch, 8))
	}

	src.RunPass()
	events.Advance(100 * time.Millisecond)
	src.RunPass()
	src.Drain()
	for _, c := range []uint32{3, 4} {
		if len(src.Tbtps().SlotsFor(c, "mover")) == 0 {
			t.Fatalf("precondition: no retained slots for mover in superframe %d", c)
		}
	}

	src.TransferUtToBeam("mover", dst)

	for _, c := range src.Tbtps().Counters() {
		if n := len(src.Tbtps().SlotsFor(c, "mover")); n != 0 {
			t.Fatalf("superframe %d still holds %d slots for the moved terminal", c, n)
		}
		if len(src.Tbtps().SlotsFor(c, "stayer")) == 0 {
			t.Fatalf("superframe %d lost the remaining terminal's slots", c)
		}
	}
	revoked := outputsOf[TbtpRevoked](src.Drain())
	if len(revoked) != 1 || revoked[0].Ut != "mover" {
		t.Fatalf("revocations = %+v", revoked)
	}
	if diff := cmp.Diff([]uint32{3, 4}, revoked[0].SuperframeCounters); diff != "" {
		t.Fatalf("revoked counters (-want +got):\n%s", diff)
	}
	if !dst.HasUt("mover") || src.HasUt("mover") {
		t.Fatalf("membership after transfer: src=%v dst=%v", src.HasUt("mover"), dst.HasUt("mover"))
	}
	if got := dst.Entry("mover").RbdcKbps(0); got != 0 {
		t.Fatalf("destination inherited RBDC %v", got)
	}

	events.Advance(100 * time.Millisecond)
	src.RunPass()
	for _, r := range outputsOf[TbtpReady](src.Drain()) {
		if len(r.Tbtp.SlotsFor("mover")) != 0 {
			t.Fatalf("new TBTP still assigns the moved terminal")
		}
	}
}

func TestDeferredTransferRunsAtNextPass(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	src := newTestScheduler(t, events, nil)
	dst := newTestScheduler(t, events, func(c *Config) { c.Beam = ctrlmsg.BeamID{Sat: 1, Beam: 2} })
	if _, err := src.AddUt("a", testProfile()); err != nil {
		t.Fatalf("AddUt: %v", err)
	}
	src.UtCrReceived("a", rbdc("a", epoch, 8))

	src.DeferTransfer("a", dst)
	if !src.HasUt("a") {
		t.Fatalf("deferred transfer applied immediately")
	}
	src.RunPass()

	out := src.Drain()
	moved := outputsOf[UtTransferred](out)
	if len(moved) != 1 || moved[0].To != dst.ID() || moved[0].From != src.ID() {
		t.Fatalf("UtTransferred = %+v", moved)
	}
	if src.HasUt("a") || !dst.HasUt("a") {
		t.Fatalf("transfer not applied")
	}
	if r := outputsOf[CapacityReport](out)[0]; len(r.Uts) != 0 {
		t.Fatalf("source pass still served the moved terminal: %+v", r.Uts)
	}

	// A terminal that left before the boundary is skipped.
	if _, err := src.AddUt("b", testProfile()); err != nil {
		t.Fatalf("AddUt: %v", err)
	}
	src.DeferTransfer("b", dst)
	src.RemoveUt("b")
	src.RunPass()
	if dst.HasUt("b") {
		t.Fatalf("removed terminal was transferred")
	}
}

func TestMembershipChangeDuringPassPanics(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch)
	dst := newTestScheduler(t, events, func(c *Config) { c.Beam = ctrlmsg.BeamID{Sat: 1, Beam: 2} })
	rec := &recorder{}
	src := newTestScheduler(t, events, func(c *Config) { c.Recorder = rec })
	if _, err := src.AddUt("a", testProfile()); err != nil {
		t.Fatalf("AddUt: %v", err)
	}
	rec.onPass = func() { src.TransferUtToBeam("a", dst) }

	expectPanic(t, ErrHandoverInPass, src.RunPass)
}

func TestPassesFollowSuperframeBoundaries(t *testing.T) {
	events := engine.NewFakeEventScheduler(epoch.Add(30 * time.Millisecond))
	s := newTestScheduler(t, events, nil)
	s.Start()
	events.AdvanceTo(epoch.Add(350 * time.Millisecond))

	var counters []uint32
	for _, sent := range outputsOf[TbtpSent](s.Drain()) {
		counters = append(counters, sent.SuperframeCounter)
		if !sent.At.Equal(s.SuperframeStart(sent.SuperframeCounter - 1)) {
			t.Fatalf("pass for %d ran at %v, off the boundary", sent.SuperframeCounter, sent.At)
		}
	}
	if diff := cmp.Diff([]uint32{2, 3, 4}, counters); diff != "" {
		t.Fatalf("pass counters (-want +got):\n%s", diff)
	}

	s.Stop()
	events.Advance(time.Second)
	if s.Passes() != 3 {
		t.Fatalf("passes after Stop = %d, want 3", s.Passes())
	}
}

func TestLookahead(t *testing.T) {
	tests := []struct {
		rtt, proc, sf time.Duration
		want          int
	}{
		{540 * time.Millisecond, 10 * time.Millisecond, 100 * time.Millisecond, 6},
		{500 * time.Millisecond, 0, 100 * time.Millisecond, 5},
		{0, 0, 100 * time.Millisecond, 1},
		{time.Second, 0, 0, 1},
	}
	for _, tc := range tests {
		if got := Lookahead(tc.rtt, tc.proc, tc.sf); got != tc.want {
			t.Fatalf("Lookahead(%v, %v, %v) = %d, want %d", tc.rtt, tc.proc, tc.sf, got, tc.want)
		}
	}
}

type recorder struct {
	passes    int
	terminals int
	rejected  []error
	onPass    func()
}

func (r *recorder) RecordPass(CapacityReport, TbtpSent, time.Duration) {
	r.passes++
	if r.onPass != nil {
		r.onPass()
	}
}

func (r *recorder) RecordRejectedCr(_ ctrlmsg.BeamID, _ uint8, err error) {
	r.rejected = append(r.rejected, err)
}

func (r *recorder) SetTerminals(_ ctrlmsg.BeamID, n int) { r.terminals = n }
