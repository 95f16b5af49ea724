package dama

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testProfile() ServiceProfile {
	return ServiceProfile{
		Name: "standard",
		Rcs: []RcConfig{
			{Index: 0, CraKbps: 16, MaxRbdcKbps: 256, MaxVbdcBytes: 10000, Fca: true},
			{Index: 1, CraKbps: 0, MaxRbdcKbps: 0, MaxVbdcBytes: 4000},
		},
	}
}

func TestProfileValidate(t *testing.T) {
	if err := testProfile().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	gap := testProfile()
	gap.Rcs[1].Index = 3
	if err := gap.Validate(); !errors.Is(err, ErrUnknownRc) {
		t.Fatalf("Validate(gap) = %v, want ErrUnknownRc", err)
	}

	if err := (ServiceProfile{Name: "empty"}).Validate(); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("Validate(empty) = %v, want ErrInvalidProfile", err)
	}
}

func TestBytesPerSuperframe(t *testing.T) {
	if got := BytesPerSuperframe(16, 100*time.Millisecond); got != 200 {
		t.Fatalf("BytesPerSuperframe(16kbps, 100ms) = %d, want 200", got)
	}
	if got := BytesPerSuperframe(0, time.Second); got != 0 {
		t.Fatalf("zero rate gave %d bytes", got)
	}
	if got := KbpsFromBytes(200, 100*time.Millisecond); got != 16 {
		t.Fatalf("KbpsFromBytes = %v, want 16", got)
	}
}

func TestLatestOverwritesPerRcAndType(t *testing.T) {
	crs := []CapacityRequest{
		{Elements: []CrElement{{Rc: 0, Type: CrRbdc, Value: 64}, {Rc: 0, Type: CrAvbdc, Value: 500}}},
		{Elements: []CrElement{{Rc: 0, Type: CrRbdc, Value: 32}}},
		{Elements: []CrElement{{Rc: 1, Type: CrAvbdc, Value: 100}, {Rc: 0, Type: CrAvbdc, Value: 700}}},
	}
	want := []CrElement{
		{Rc: 0, Type: CrRbdc, Value: 32},
		{Rc: 0, Type: CrAvbdc, Value: 700},
		{Rc: 1, Type: CrAvbdc, Value: 100},
	}
	if diff := cmp.Diff(want, Latest(crs)); diff != "" {
		t.Fatalf("Latest mismatch (-want +got):\n%s", diff)
	}
}

func TestEntryFoldClampsAndRejects(t *testing.T) {
	e := NewEntry("ut-1", testProfile())

	rejected := e.Fold([]CapacityRequest{{
		Elements: []CrElement{
			{Rc: 0, Type: CrRbdc, Value: 1000},  // clamped to 256
			{Rc: 0, Type: CrAvbdc, Value: 3000}, // accepted
			{Rc: 1, Type: CrRbdc, Value: 8},     // RC 1 has no RBDC quota
			{Rc: 1, Type: CrVbdc, Value: 900},   // still accepted for RC 1
			{Rc: 7, Type: CrVbdc, Value: 1},     // unknown RC
		},
	}})

	if len(rejected) != 2 {
		t.Fatalf("rejected %d elements, want 2: %+v", len(rejected), rejected)
	}
	if !errors.Is(rejected[0].Err, ErrZeroQuota) || !errors.Is(rejected[1].Err, ErrUnknownRc) {
		t.Fatalf("unexpected rejection errors: %v / %v", rejected[0].Err, rejected[1].Err)
	}
	if got := e.RbdcKbps(0); got != 256 {
		t.Fatalf("RbdcKbps(0) = %v, want 256", got)
	}
	if got := e.VbdcBytes(0); got != 3000 {
		t.Fatalf("VbdcBytes(0) = %d, want 3000", got)
	}
	if got := e.VbdcBytes(1); got != 900 {
		t.Fatalf("VbdcBytes(1) = %d, want 900", got)
	}
}

func TestEntryVbdcAccumulatesAndCommits(t *testing.T) {
	e := NewEntry("ut-1", testProfile())
	if err := e.Apply(CrElement{Rc: 1, Type: CrVbdc, Value: 3000}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := e.Apply(CrElement{Rc: 1, Type: CrVbdc, Value: 3000}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := e.VbdcBytes(1); got != 4000 {
		t.Fatalf("backlog = %d, want clamp at 4000", got)
	}

	e.CommitVbdc(1, 1500)
	if got := e.VbdcBytes(1); got != 2500 {
		t.Fatalf("backlog after commit = %d, want 2500", got)
	}
	e.CommitVbdc(1, 99999)
	if got := e.VbdcBytes(1); got != 0 {
		t.Fatalf("backlog after over-commit = %d, want 0", got)
	}
}

func TestEntryDemands(t *testing.T) {
	e := NewEntry("ut-1", testProfile())
	_ = e.Apply(CrElement{Rc: 0, Type: CrRbdc, Value: 80})
	_ = e.Apply(CrElement{Rc: 0, Type: CrAvbdc, Value: 1200})

	want := []Demand{
		{Rc: 0, Cra: 200, Rbdc: 1000, Vbdc: 1200, Fca: true},
		{Rc: 1},
	}
	got := e.Demands(100 * time.Millisecond)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Demands mismatch (-want +got):\n%s", diff)
	}
	if got[0].Total() != 2400 {
		t.Fatalf("Total() = %d, want 2400", got[0].Total())
	}
}

func TestEntryCloneIsIndependent(t *testing.T) {
	e := NewEntry("ut-1", testProfile())
	_ = e.Apply(CrElement{Rc: 0, Type: CrAvbdc, Value: 100})
	c := e.Clone()
	e.Clear()

	if c.VbdcBytes(0) != 100 {
		t.Fatalf("clone lost backlog after Clear on original")
	}
	if e.VbdcBytes(0) != 0 {
		t.Fatalf("Clear left backlog %d", e.VbdcBytes(0))
	}
}
