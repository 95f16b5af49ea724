package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/satmac-simulator/internal/ncc"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("default scenario: %v", err)
	}
	cat, err := s.Catalogue()
	if err != nil {
		t.Fatalf("Catalogue: %v", err)
	}
	if _, ok := cat.LogonChannel(); !ok {
		t.Fatalf("default catalogue has no logon channel")
	}
	if got := s.SyncConfig().WindowInitLogon; got != 2*time.Second {
		t.Fatalf("logon window %v", got)
	}
	if lc := s.RaLoadControl()[1]; lc.High.BackoffTime != time.Second {
		t.Fatalf("RA load control %+v", lc)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "s.yaml", `
name: yaml-scenario
seed: 99
duration: 30s
gateway:
  ncr_period: 50ms
  contention_window: 40ms
  guard_time: 20us
  use_cmt: false
  cmt_period_min: 1s
  ut_timeout: 5s
terminals:
  - id: a
    satellite: 1
    beam: 1
    profile: default
    cno_dbhz: 61.5
    position: {lat_deg: 40, lon_deg: 5}
    traffic: {start: 2s, stop: 20s, packet_bytes: 100, interval: 20ms}
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "yaml-scenario" || s.Seed != 99 || s.Duration.Std() != 30*time.Second {
		t.Fatalf("header %q seed %d %v", s.Name, s.Seed, s.Duration.Std())
	}
	if s.Gateway.NcrPeriod.Std() != 50*time.Millisecond || s.Gateway.GuardTime.Std() != 20*time.Microsecond || s.Gateway.UseCmt ||
		s.Gateway.ContentionWindow.Std() != 40*time.Millisecond {
		t.Fatalf("gateway timing %+v", s.Gateway)
	}
	// Untouched sections keep their defaults.
	if diff := cmp.Diff(Default().Superframe, s.Superframe); diff != "" {
		t.Fatalf("superframe changed (-want +got):\n%s", diff)
	}
	want := Terminal{
		ID: "a", Satellite: 1, Beam: 1, Profile: "default", CnoDbHz: 61.5,
		Traffic: Traffic{Start: Duration(2 * time.Second), Stop: Duration(20 * time.Second), PacketBytes: 100, Interval: Duration(20 * time.Millisecond)},
	}
	want.Position.LatDeg, want.Position.LonDeg = 40, 5
	if diff := cmp.Diff([]Terminal{want}, s.Terminals); diff != "" {
		t.Fatalf("terminals (-want +got):\n%s", diff)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "s.toml", `
name = "toml-scenario"
duration = "45s"

[terminal]
window_init_logon = "500ms"
max_logon_tries = 3
clock_drift = -50

[beam]
max_tbtp_bytes = 512
cno_mode = "minimum"
cno_window = "2s"
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "toml-scenario" || s.Duration.Std() != 45*time.Second {
		t.Fatalf("header %q %v", s.Name, s.Duration.Std())
	}
	if s.Terminal.WindowInitLogon.Std() != 500*time.Millisecond || s.Terminal.MaxLogonTries != 3 || s.Terminal.ClockDrift != -50 {
		t.Fatalf("terminal timing %+v", s.Terminal)
	}
	if s.Beam.MaxTbtpBytes != 512 || s.Beam.CnoMode != "minimum" || s.Beam.CnoWindow.Std() != 2*time.Second {
		t.Fatalf("beam timing %+v", s.Beam)
	}
	if len(s.Terminals) != 2 {
		t.Fatalf("default terminals lost: %d", len(s.Terminals))
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "s.json", `{"name": "json-scenario", "beam": {"lookahead": 7, "cno_mode": "average"}}`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "json-scenario" || s.Beam.Lookahead != 7 || s.Beam.CnoMode != "average" {
		t.Fatalf("decoded %+v", s.Beam)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want error
	}{
		{"unknown yaml key", "a.yaml", "nme: x\n", nil},
		{"unknown json key", "a.json", `{"nme": "x"}`, nil},
		{"bad duration", "a.yaml", "duration: soon\n", nil},
		{"unknown extension", "a.ini", "name=x\n", ErrUnknownFormat},
		{"invalid scenario", "a.yaml", "duration: 0s\n", ErrInvalidScenario},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.file, tc.body))
			if err == nil {
				t.Fatalf("Load accepted %q", tc.body)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("error %v, want %v", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Scenario)
		want   error
	}{
		{"zero carriers", func(s *Scenario) { s.Superframe.Frames[2].Carriers = 0 }, ErrInvalidScenario},
		{"zero slots", func(s *Scenario) { s.Superframe.Frames[2].SlotsPerCarrier = 0 }, ErrInvalidScenario},
		{"negative rate", func(s *Scenario) { s.Profiles[0].Rcs[0].CraKbps = -1 }, ErrInvalidScenario},
		{"duplicate terminal", func(s *Scenario) { s.Terminals[1].ID = s.Terminals[0].ID }, ErrInvalidScenario},
		{"unknown profile", func(s *Scenario) { s.Terminals[0].Profile = "gold" }, ErrInvalidScenario},
		{"unknown beam", func(s *Scenario) { s.Terminals[0].Beam = 9 }, ErrInvalidScenario},
		{"beam without satellite", func(s *Scenario) { s.Beams[0].Satellite = 7 }, ErrInvalidScenario},
		{"half a TLE", func(s *Scenario) { s.Satellites[0].TLE1 = "1 25544U" }, ErrInvalidScenario},
		{"RA load on a missing channel", func(s *Scenario) { s.RaLoad[0].AllocationChannel = 5 }, ErrInvalidScenario},
		{"missing threshold", func(s *Scenario) { s.RaLoad[0].Threshold = 0 }, ncc.ErrMissingThreshold},
		{"bad C/N0 mode", func(s *Scenario) { s.Beam.CnoMode = "median" }, ErrInvalidScenario},
		{"traffic without interval", func(s *Scenario) { s.Terminals[0].Traffic.Interval = 0 }, ErrInvalidScenario},
		{"unknown tracing exporter", func(s *Scenario) { s.Tracing.Exporter = "zipkin" }, ErrInvalidScenario},
		{"sample ratio above one", func(s *Scenario) { r := 1.5; s.Tracing.SampleRatio = &r }, ErrInvalidScenario},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			tc.mutate(s)
			if err := s.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMarshalYAMLLoadsBack(t *testing.T) {
	out, err := Marshal(Default(), "yaml")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s, err := Load(writeFile(t, "dump.yaml", string(out)))
	if err != nil {
		t.Fatalf("Load dump: %v", err)
	}
	if diff := cmp.Diff(Default(), s); diff != "" {
		t.Fatalf("dump did not load back (-want +got):\n%s", diff)
	}
	if _, err := Marshal(Default(), "xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("Marshal xml: %v", err)
	}
}
