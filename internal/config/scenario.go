package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/satmac-simulator/internal/cno"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
	"github.com/signalsfoundry/satmac-simulator/internal/geometry"
	"github.com/signalsfoundry/satmac-simulator/internal/ncc"
	"github.com/signalsfoundry/satmac-simulator/internal/utmac"
)

// Scenario is a complete simulation description.
type Scenario struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	// Seed seeds the random streams of a run. Two runs of one scenario with
	// the same seed produce the same report.
	Seed uint64 `yaml:"seed" toml:"seed" json:"seed"`
	// Epoch is the simulation start and the origin of superframe 0.
	Epoch    time.Time `yaml:"epoch" toml:"epoch" json:"epoch"`
	Duration Duration  `yaml:"duration" toml:"duration" json:"duration"`

	Superframe       Superframe `yaml:"superframe" toml:"superframe" json:"superframe"`
	Waveforms        []Waveform `yaml:"waveforms" toml:"waveforms" json:"waveforms"`
	WaveformMarginDb float64    `yaml:"waveform_margin_db" toml:"waveform_margin_db" json:"waveform_margin_db"`
	Profiles         []Profile  `yaml:"profiles" toml:"profiles" json:"profiles"`

	Beam     BeamTiming     `yaml:"beam" toml:"beam" json:"beam"`
	Terminal TerminalTiming `yaml:"terminal" toml:"terminal" json:"terminal"`
	Gateway  GatewayTiming  `yaml:"gateway" toml:"gateway" json:"gateway"`
	RaLoad   []RaLoad       `yaml:"ra_load" toml:"ra_load" json:"ra_load"`

	Satellites []Satellite `yaml:"satellites" toml:"satellites" json:"satellites"`
	Beams      []Beam      `yaml:"beams" toml:"beams" json:"beams"`
	Terminals  []Terminal  `yaml:"terminals" toml:"terminals" json:"terminals"`

	Tracing Tracing `yaml:"tracing,omitempty" toml:"tracing,omitempty" json:"tracing,omitempty"`
}

// Tracing overrides the DAMA_TRACING_* environment for runs of this
// scenario. Unset fields keep the environment value.
type Tracing struct {
	Enabled     *bool    `yaml:"enabled,omitempty" toml:"enabled,omitempty" json:"enabled,omitempty"`
	ServiceName string   `yaml:"service_name,omitempty" toml:"service_name,omitempty" json:"service_name,omitempty"`
	Exporter    string   `yaml:"exporter,omitempty" toml:"exporter,omitempty" json:"exporter,omitempty"`
	Endpoint    string   `yaml:"endpoint,omitempty" toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	SampleRatio *float64 `yaml:"sample_ratio,omitempty" toml:"sample_ratio,omitempty" json:"sample_ratio,omitempty"`
}

// Superframe is the repeating frame plan of every beam.
type Superframe struct {
	Duration Duration `yaml:"duration" toml:"duration" json:"duration"`
	Frames   []Frame  `yaml:"frames" toml:"frames" json:"frames"`
}

type Frame struct {
	ID              uint8    `yaml:"id" toml:"id" json:"id"`
	Carriers        int      `yaml:"carriers" toml:"carriers" json:"carriers"`
	SlotsPerCarrier int      `yaml:"slots_per_carrier" toml:"slots_per_carrier" json:"slots_per_carrier"`
	RandomAccess    bool     `yaml:"random_access" toml:"random_access" json:"random_access"`
	Logon           bool     `yaml:"logon" toml:"logon" json:"logon"`
	Waveforms       []uint32 `yaml:"waveforms,omitempty" toml:"waveforms,omitempty" json:"waveforms,omitempty"`
}

type Waveform struct {
	ID              uint32  `yaml:"id" toml:"id" json:"id"`
	Name            string  `yaml:"name" toml:"name" json:"name"`
	PayloadBytes    uint32  `yaml:"payload_bytes" toml:"payload_bytes" json:"payload_bytes"`
	RequiredCnoDbHz float64 `yaml:"required_cno_dbhz" toml:"required_cno_dbhz" json:"required_cno_dbhz"`
}

// Profile is a service profile; request class indices follow list order.
type Profile struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	Rcs  []Rc   `yaml:"rcs" toml:"rcs" json:"rcs"`
}

type Rc struct {
	CraKbps      float64 `yaml:"cra_kbps" toml:"cra_kbps" json:"cra_kbps"`
	MaxRbdcKbps  float64 `yaml:"max_rbdc_kbps" toml:"max_rbdc_kbps" json:"max_rbdc_kbps"`
	MaxVbdcBytes uint32  `yaml:"max_vbdc_bytes" toml:"max_vbdc_bytes" json:"max_vbdc_bytes"`
	Fca          bool    `yaml:"fca" toml:"fca" json:"fca"`
}

// BeamTiming parameterizes every beam scheduler.
type BeamTiming struct {
	MaxTbtpBytes int `yaml:"max_tbtp_bytes" toml:"max_tbtp_bytes" json:"max_tbtp_bytes"`
	// Lookahead overrides the value derived from the link geometry when
	// positive.
	Lookahead           int      `yaml:"lookahead" toml:"lookahead" json:"lookahead"`
	TbtpProcessing      Duration `yaml:"tbtp_processing" toml:"tbtp_processing" json:"tbtp_processing"`
	FcaEnabled          bool     `yaml:"fca_enabled" toml:"fca_enabled" json:"fca_enabled"`
	ControlSlotInterval Duration `yaml:"control_slot_interval" toml:"control_slot_interval" json:"control_slot_interval"`
	CnoMode             string   `yaml:"cno_mode" toml:"cno_mode" json:"cno_mode"`
	CnoWindow           Duration `yaml:"cno_window" toml:"cno_window" json:"cno_window"`
	TbtpRetention       int      `yaml:"tbtp_retention" toml:"tbtp_retention" json:"tbtp_retention"`
}

// TerminalTiming parameterizes the terminal MACs.
type TerminalTiming struct {
	WindowInitLogon             Duration `yaml:"window_init_logon" toml:"window_init_logon" json:"window_init_logon"`
	MaxWaitingTimeLogonResponse Duration `yaml:"max_waiting_time_logon_response" toml:"max_waiting_time_logon_response" json:"max_waiting_time_logon_response"`
	MaxLogonTries               int      `yaml:"max_logon_tries" toml:"max_logon_tries" json:"max_logon_tries"`
	NcrSyncTimeout              Duration `yaml:"ncr_sync_timeout" toml:"ncr_sync_timeout" json:"ncr_sync_timeout"`
	NcrRecoveryTimeout          Duration `yaml:"ncr_recovery_timeout" toml:"ncr_recovery_timeout" json:"ncr_recovery_timeout"`
	// ClockDrift is in network clock ticks per second.
	ClockDrift   int32    `yaml:"clock_drift" toml:"clock_drift" json:"clock_drift"`
	TimingOffset Duration `yaml:"timing_offset" toml:"timing_offset" json:"timing_offset"`
	TbtpCache    int      `yaml:"tbtp_cache" toml:"tbtp_cache" json:"tbtp_cache"`
}

// GatewayTiming parameterizes the gateway MACs and the NCC.
type GatewayTiming struct {
	NcrPeriod          Duration `yaml:"ncr_period" toml:"ncr_period" json:"ncr_period"`
	LogonResponseDelay Duration `yaml:"logon_response_delay" toml:"logon_response_delay" json:"logon_response_delay"`
	GuardTime          Duration `yaml:"guard_time" toml:"guard_time" json:"guard_time"`
	UseCmt             bool     `yaml:"use_cmt" toml:"use_cmt" json:"use_cmt"`
	CmtPeriodMin       Duration `yaml:"cmt_period_min" toml:"cmt_period_min" json:"cmt_period_min"`
	UtTimeout          Duration `yaml:"ut_timeout" toml:"ut_timeout" json:"ut_timeout"`
	// ContentionWindow is how long RA bursts are held to detect collisions.
	// Zero turns collision detection off.
	ContentionWindow Duration `yaml:"contention_window" toml:"contention_window" json:"contention_window"`
}

// RaLoad is the load control of one RA allocation channel.
type RaLoad struct {
	AllocationChannel uint8    `yaml:"allocation_channel" toml:"allocation_channel" json:"allocation_channel"`
	Threshold         float64  `yaml:"threshold" toml:"threshold" json:"threshold"`
	Low               RaParams `yaml:"low" toml:"low" json:"low"`
	High              RaParams `yaml:"high" toml:"high" json:"high"`
}

type RaParams struct {
	BackoffProbability uint16   `yaml:"backoff_probability" toml:"backoff_probability" json:"backoff_probability"`
	BackoffTime        Duration `yaml:"backoff_time" toml:"backoff_time" json:"backoff_time"`
}

// Satellite is a GEO slot, or an SGP4 orbit when both TLE lines are set.
type Satellite struct {
	ID     uint32  `yaml:"id" toml:"id" json:"id"`
	LonDeg float64 `yaml:"lon_deg" toml:"lon_deg" json:"lon_deg"`
	TLE1   string  `yaml:"tle1,omitempty" toml:"tle1,omitempty" json:"tle1,omitempty"`
	TLE2   string  `yaml:"tle2,omitempty" toml:"tle2,omitempty" json:"tle2,omitempty"`
	// SatelliteCnoDbHz is the C/N0 of the feeder link. Zero leaves it unset.
	SatelliteCnoDbHz float64 `yaml:"satellite_cno_dbhz" toml:"satellite_cno_dbhz" json:"satellite_cno_dbhz"`
}

// Motion returns the satellite's motion model configuration.
func (s Satellite) Motion() geometry.SatelliteConfig {
	return geometry.SatelliteConfig{LonDeg: s.LonDeg, TLE1: s.TLE1, TLE2: s.TLE2}
}

// Beam is one spot beam with its gateway.
type Beam struct {
	Satellite uint32               `yaml:"satellite" toml:"satellite" json:"satellite"`
	Beam      uint32               `yaml:"beam" toml:"beam" json:"beam"`
	Gateway   geometry.GroundPoint `yaml:"gateway" toml:"gateway" json:"gateway"`
}

// ID returns the beam identity.
func (b Beam) ID() ctrlmsg.BeamID { return ctrlmsg.BeamID{Sat: b.Satellite, Beam: b.Beam} }

// Terminal is one user terminal and its traffic.
type Terminal struct {
	ID        string               `yaml:"id" toml:"id" json:"id"`
	Satellite uint32               `yaml:"satellite" toml:"satellite" json:"satellite"`
	Beam      uint32               `yaml:"beam" toml:"beam" json:"beam"`
	Profile   string               `yaml:"profile" toml:"profile" json:"profile"`
	Position  geometry.GroundPoint `yaml:"position" toml:"position" json:"position"`
	// CnoDbHz is the return-link C/N0 the terminal reports.
	CnoDbHz float64 `yaml:"cno_dbhz" toml:"cno_dbhz" json:"cno_dbhz"`
	Traffic Traffic `yaml:"traffic" toml:"traffic" json:"traffic"`
}

// BeamID returns the beam the terminal starts in.
func (t Terminal) BeamID() ctrlmsg.BeamID { return ctrlmsg.BeamID{Sat: t.Satellite, Beam: t.Beam} }

// Traffic is a constant-bit-rate source, relative to the epoch.
type Traffic struct {
	Start       Duration `yaml:"start" toml:"start" json:"start"`
	Stop        Duration `yaml:"stop" toml:"stop" json:"stop"`
	PacketBytes int      `yaml:"packet_bytes" toml:"packet_bytes" json:"packet_bytes"`
	Interval    Duration `yaml:"interval" toml:"interval" json:"interval"`
}

// Default returns a runnable single-beam GEO scenario with two terminals.
func Default() *Scenario {
	return &Scenario{
		Name:     "geo-single-beam",
		Seed:     12345,
		Epoch:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Duration: Duration(60 * time.Second),
		Superframe: Superframe{
			Duration: Duration(100 * time.Millisecond),
			Frames: []Frame{
				{ID: 0, Carriers: 1, SlotsPerCarrier: 8, RandomAccess: true, Logon: true},
				{ID: 1, Carriers: 2, SlotsPerCarrier: 8, RandomAccess: true},
				{ID: 2, Carriers: 4, SlotsPerCarrier: 16},
			},
		},
		Waveforms: []Waveform{
			{ID: 1, Name: "QPSK 1/3", PayloadBytes: 38, RequiredCnoDbHz: 58},
			{ID: 2, Name: "QPSK 1/2", PayloadBytes: 59, RequiredCnoDbHz: 60.5},
			{ID: 3, Name: "QPSK 3/4", PayloadBytes: 88, RequiredCnoDbHz: 63},
			{ID: 4, Name: "8PSK 2/3", PayloadBytes: 118, RequiredCnoDbHz: 66},
		},
		WaveformMarginDb: 0.5,
		Profiles: []Profile{{
			Name: "default",
			Rcs:  []Rc{{CraKbps: 16, MaxRbdcKbps: 256, MaxVbdcBytes: 50_000, Fca: true}},
		}},
		Beam: BeamTiming{
			MaxTbtpBytes:        1024,
			TbtpProcessing:      Duration(50 * time.Millisecond),
			FcaEnabled:          true,
			ControlSlotInterval: Duration(time.Second),
			CnoMode:             cno.ModeLast.String(),
			CnoWindow:           Duration(time.Second),
		},
		Terminal: TerminalTiming{
			WindowInitLogon:             Duration(2 * time.Second),
			MaxWaitingTimeLogonResponse: Duration(time.Second),
			MaxLogonTries:               5,
			NcrSyncTimeout:              Duration(time.Second),
			NcrRecoveryTimeout:          Duration(10 * time.Second),
			ClockDrift:                  100,
			TbtpCache:                   64,
		},
		Gateway: GatewayTiming{
			NcrPeriod:          Duration(100 * time.Millisecond),
			LogonResponseDelay: Duration(10 * time.Millisecond),
			GuardTime:          Duration(10 * time.Microsecond),
			UseCmt:             true,
			CmtPeriodMin:       Duration(550 * time.Millisecond),
			UtTimeout:          Duration(10 * time.Second),
			ContentionWindow:   Duration(100 * time.Millisecond),
		},
		RaLoad: []RaLoad{{
			AllocationChannel: 1,
			Threshold:         0.5,
			Low:               RaParams{BackoffProbability: 0, BackoffTime: Duration(100 * time.Millisecond)},
			High:              RaParams{BackoffProbability: 32768, BackoffTime: Duration(time.Second)},
		}},
		Satellites: []Satellite{{ID: 1, LonDeg: 10, SatelliteCnoDbHz: 80}},
		Beams: []Beam{{
			Satellite: 1,
			Beam:      1,
			Gateway:   geometry.GroundPoint{LatDeg: 48.1, LonDeg: 11.6},
		}},
		Terminals: []Terminal{
			{ID: "ut-1", Satellite: 1, Beam: 1, Profile: "default", Position: geometry.GroundPoint{LatDeg: 45.5, LonDeg: 9.2}, CnoDbHz: 64,
				Traffic: Traffic{Start: Duration(time.Second), Stop: Duration(59 * time.Second), PacketBytes: 160, Interval: Duration(10 * time.Millisecond)}},
			{ID: "ut-2", Satellite: 1, Beam: 1, Profile: "default", Position: geometry.GroundPoint{LatDeg: 52.5, LonDeg: 13.4}, CnoDbHz: 64,
				Traffic: Traffic{Start: Duration(time.Second), Stop: Duration(59 * time.Second), PacketBytes: 160, Interval: Duration(10 * time.Millisecond)}},
		},
	}
}

// Validate reports configuration errors. Every failure wraps
// ErrInvalidScenario.
func (s *Scenario) Validate() error {
	if s.Duration <= 0 {
		return fmt.Errorf("%w: duration %v", ErrInvalidScenario, s.Duration.Std())
	}
	cat, err := s.Catalogue()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	profiles, err := s.ServiceProfiles()
	if err != nil {
		return err
	}
	if _, err := cno.ParseMode(s.Beam.CnoMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	switch strings.ToLower(s.Tracing.Exporter) {
	case "", "stdout", "otlp", "otlpgrpc":
	default:
		return fmt.Errorf("%w: tracing exporter %q", ErrInvalidScenario, s.Tracing.Exporter)
	}
	if r := s.Tracing.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("%w: tracing sample ratio %v outside [0, 1]", ErrInvalidScenario, *r)
	}

	ra := cat.RaChannels()
	for _, l := range s.RaLoad {
		if int(l.AllocationChannel) >= len(ra) {
			return fmt.Errorf("%w: RA load control for allocation channel %d, catalogue has %d", ErrInvalidScenario, l.AllocationChannel, len(ra))
		}
		if l.Threshold <= 0 {
			return fmt.Errorf("%w: allocation channel %d: %w", ErrInvalidScenario, l.AllocationChannel, ncc.ErrMissingThreshold)
		}
	}

	sats := make(map[uint32]struct{}, len(s.Satellites))
	for _, sat := range s.Satellites {
		if _, dup := sats[sat.ID]; dup {
			return fmt.Errorf("%w: duplicate satellite %d", ErrInvalidScenario, sat.ID)
		}
		if (sat.TLE1 == "") != (sat.TLE2 == "") {
			return fmt.Errorf("%w: satellite %d has half a TLE", ErrInvalidScenario, sat.ID)
		}
		sats[sat.ID] = struct{}{}
	}
	beams := make(map[ctrlmsg.BeamID]struct{}, len(s.Beams))
	for _, b := range s.Beams {
		if _, ok := sats[b.Satellite]; !ok {
			return fmt.Errorf("%w: beam %s on unknown satellite", ErrInvalidScenario, b.ID())
		}
		if _, dup := beams[b.ID()]; dup {
			return fmt.Errorf("%w: duplicate beam %s", ErrInvalidScenario, b.ID())
		}
		beams[b.ID()] = struct{}{}
	}
	if len(beams) == 0 {
		return fmt.Errorf("%w: no beams", ErrInvalidScenario)
	}

	uts := make(map[string]struct{}, len(s.Terminals))
	for _, t := range s.Terminals {
		if t.ID == "" {
			return fmt.Errorf("%w: terminal without id", ErrInvalidScenario)
		}
		if _, dup := uts[t.ID]; dup {
			return fmt.Errorf("%w: duplicate terminal %s", ErrInvalidScenario, t.ID)
		}
		uts[t.ID] = struct{}{}
		if _, ok := beams[t.BeamID()]; !ok {
			return fmt.Errorf("%w: terminal %s in unknown beam %s", ErrInvalidScenario, t.ID, t.BeamID())
		}
		if _, ok := profiles[t.Profile]; !ok {
			return fmt.Errorf("%w: terminal %s uses unknown profile %q", ErrInvalidScenario, t.ID, t.Profile)
		}
		if tr := t.Traffic; tr.PacketBytes > 0 && tr.Interval <= 0 {
			return fmt.Errorf("%w: terminal %s traffic has no interval", ErrInvalidScenario, t.ID)
		}
	}
	return nil
}

// Catalogue builds the validated frame catalogue.
func (s *Scenario) Catalogue() (*frame.Catalogue, error) {
	ws := make([]frame.Waveform, 0, len(s.Waveforms))
	for _, w := range s.Waveforms {
		ws = append(ws, frame.Waveform{ID: w.ID, Name: w.Name, PayloadBytes: w.PayloadBytes, RequiredCnoDbHz: w.RequiredCnoDbHz})
	}
	table, err := frame.NewWaveformTable(ws, s.WaveformMarginDb)
	if err != nil {
		return nil, err
	}
	frames := make([]frame.FrameConf, 0, len(s.Superframe.Frames))
	for _, f := range s.Superframe.Frames {
		frames = append(frames, frame.FrameConf{
			ID:              f.ID,
			Carriers:        f.Carriers,
			SlotsPerCarrier: f.SlotsPerCarrier,
			RandomAccess:    f.RandomAccess,
			Logon:           f.Logon,
			Waveforms:       f.Waveforms,
		})
	}
	return frame.NewCatalogue(frame.SuperframeConf{Duration: s.Superframe.Duration.Std(), Frames: frames}, table)
}

// ServiceProfiles returns the validated profiles by name.
func (s *Scenario) ServiceProfiles() (map[string]dama.ServiceProfile, error) {
	out := make(map[string]dama.ServiceProfile, len(s.Profiles))
	for _, p := range s.Profiles {
		if _, dup := out[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate profile %q", ErrInvalidScenario, p.Name)
		}
		sp := dama.ServiceProfile{Name: p.Name}
		for i, rc := range p.Rcs {
			sp.Rcs = append(sp.Rcs, dama.RcConfig{
				Index:        uint8(i),
				CraKbps:      rc.CraKbps,
				MaxRbdcKbps:  rc.MaxRbdcKbps,
				MaxVbdcBytes: rc.MaxVbdcBytes,
				Fca:          rc.Fca,
			})
		}
		if err := sp.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		out[p.Name] = sp
	}
	return out, nil
}

// SyncConfig returns the terminal synchronization timing.
func (s *Scenario) SyncConfig() utmac.SyncConfig {
	t := s.Terminal
	return utmac.SyncConfig{
		WindowInitLogon:             t.WindowInitLogon.Std(),
		MaxWaitingTimeLogonResponse: t.MaxWaitingTimeLogonResponse.Std(),
		MaxLogonTries:               t.MaxLogonTries,
		NcrSyncTimeout:              t.NcrSyncTimeout.Std(),
		NcrRecoveryTimeout:          t.NcrRecoveryTimeout.Std(),
	}
}

// RaLoadControl returns the NCC load control per allocation channel.
func (s *Scenario) RaLoadControl() map[uint8]ncc.RaLoadControl {
	out := make(map[uint8]ncc.RaLoadControl, len(s.RaLoad))
	for _, l := range s.RaLoad {
		out[l.AllocationChannel] = ncc.RaLoadControl{
			Threshold: l.Threshold,
			Low:       ncc.RaParams{BackoffProbability: l.Low.BackoffProbability, BackoffTime: l.Low.BackoffTime.Std()},
			High:      ncc.RaParams{BackoffProbability: l.High.BackoffProbability, BackoffTime: l.High.BackoffTime.Std()},
		}
	}
	return out
}

// RaLoadChannels lists the allocation channels under load control.
func (s *Scenario) RaLoadChannels() []uint8 {
	out := make([]uint8, 0, len(s.RaLoad))
	for _, l := range s.RaLoad {
		out = append(out, l.AllocationChannel)
	}
	return out
}
