// Package sim assembles a complete return-link MAC simulation from a
// scenario: the NCC, one gateway and beam scheduler per beam, the user
// terminals with their traffic, and the forward and return links between
// them with geometry-derived propagation delays. Every control message is
// passed through the wire codec on its way across a link.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/iti/rngstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satmac-simulator/internal/beam"
	"github.com/signalsfoundry/satmac-simulator/internal/cno"
	"github.com/signalsfoundry/satmac-simulator/internal/config"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/engine"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
	"github.com/signalsfoundry/satmac-simulator/internal/geometry"
	"github.com/signalsfoundry/satmac-simulator/internal/gwmac"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
	"github.com/signalsfoundry/satmac-simulator/internal/ncc"
	"github.com/signalsfoundry/satmac-simulator/internal/observability"
	"github.com/signalsfoundry/satmac-simulator/internal/utmac"
	"github.com/signalsfoundry/satmac-simulator/timectrl"
)

const tracerName = "github.com/signalsfoundry/satmac-simulator/internal/sim"

// ErrUnknownNode is returned for a beam or terminal the simulation does not
// contain.
var ErrUnknownNode = errors.New("unknown node")

// Option customizes a Simulation.
type Option func(*Simulation)

// WithLogger sets the logger handed to every component.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulation) { s.log = l }
}

// WithCollector records MAC telemetry into c.
func WithCollector(c *observability.DamaCollector) Option {
	return func(s *Simulation) { s.metrics = c }
}

// WithTracer overrides the tracer used for the run span.
func WithTracer(t trace.Tracer) Option {
	return func(s *Simulation) { s.tracer = t }
}

// Simulation is one assembled scenario. It runs on a discrete-event engine
// in a single goroutine.
type Simulation struct {
	cfg     *config.Scenario
	log     logging.Logger
	metrics *observability.DamaCollector
	tracer  trace.Tracer

	clock  *timectrl.TimeController
	events *engine.Engine
	cat    *frame.Catalogue
	ncc    *ncc.NCC

	gateways  map[ctrlmsg.BeamID]*gwmac.Gateway
	links     map[ctrlmsg.BeamID]geometry.Link
	terminals map[dama.UtID]*utmac.Terminal
	positions map[dama.UtID]geometry.GroundPoint
	order     []dama.UtID

	firstData   map[dama.UtID]time.Time
	inFlight    map[dama.UtID]int64
	wireBytes   int64
	codecErrors int
	lost        int
}

// New builds the topology described by cfg. Errors are configuration
// errors.
func New(cfg *config.Scenario, opts ...Option) (*Simulation, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no scenario", config.ErrInvalidScenario)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulation{
		cfg:       cfg,
		gateways:  make(map[ctrlmsg.BeamID]*gwmac.Gateway),
		links:     make(map[ctrlmsg.BeamID]geometry.Link),
		terminals: make(map[dama.UtID]*utmac.Terminal),
		positions: make(map[dama.UtID]geometry.GroundPoint),
		firstData: make(map[dama.UtID]time.Time),
		inFlight:  make(map[dama.UtID]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Noop()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}

	cat, err := cfg.Catalogue()
	if err != nil {
		return nil, err
	}
	profiles, err := cfg.ServiceProfiles()
	if err != nil {
		return nil, err
	}
	mode, err := cno.ParseMode(cfg.Beam.CnoMode)
	if err != nil {
		return nil, err
	}
	// Streams are created below in scenario order and draw from the
	// package sequence.
	if !rngstream.SetPackageSeed(packageSeed(cfg.Seed)) {
		return nil, fmt.Errorf("%w: seed %d", config.ErrInvalidScenario, cfg.Seed)
	}
	s.cat = cat
	s.clock = timectrl.NewTimeController(cfg.Epoch, timectrl.Accelerated)
	if s.metrics != nil {
		s.clock.AddListener(func(now time.Time) { s.metrics.SetSimElapsed(now.Sub(cfg.Epoch)) })
	}
	s.events = engine.New(s.clock)
	s.ncc = ncc.New(ncc.NewRegistry(), ncc.Config{
		UtTimeout: cfg.Gateway.UtTimeout.Std(),
		RaLoad:    cfg.RaLoadControl(),
		Logger:    s.log,
		Recorder:  s.metrics,
	})

	motion := make(map[uint32]geometry.MotionModel, len(cfg.Satellites))
	for _, sat := range cfg.Satellites {
		motion[sat.ID] = geometry.NewMotionModel(sat.Motion())
	}
	for _, t := range cfg.Terminals {
		s.positions[dama.UtID(t.ID)] = t.Position
	}

	for _, b := range cfg.Beams {
		id := b.ID()
		link := geometry.Link{Satellite: motion[b.Satellite], Gateway: b.Gateway}
		s.links[id] = link

		lookahead := cfg.Beam.Lookahead
		if lookahead <= 0 {
			// Any terminal of the satellite may be handed over to this beam.
			var ground []geometry.GroundPoint
			for _, t := range cfg.Terminals {
				if t.Satellite == b.Satellite {
					ground = append(ground, t.Position)
				}
			}
			lookahead = beam.Lookahead(link.MaxTwoWayDelay(cfg.Epoch, ground), cfg.Beam.TbtpProcessing.Std(), cat.Duration())
		}

		sched, err := beam.New(beam.Config{
			Beam:                id,
			Catalogue:           cat,
			Epoch:               cfg.Epoch,
			Lookahead:           lookahead,
			MaxTbtpBytes:        cfg.Beam.MaxTbtpBytes,
			FcaEnabled:          cfg.Beam.FcaEnabled,
			ControlSlotInterval: cfg.Beam.ControlSlotInterval.Std(),
			CnoMode:             mode,
			CnoWindow:           cfg.Beam.CnoWindow.Std(),
			TbtpRetention:       cfg.Beam.TbtpRetention,
			Logger:              s.log,
			Recorder:            s.metrics,
		}, s.events)
		if err != nil {
			return nil, err
		}
		if err := s.ncc.AddBeam(sched); err != nil {
			return nil, err
		}

		utProfiles := make(map[dama.UtID]dama.ServiceProfile)
		for _, t := range cfg.Terminals {
			utProfiles[dama.UtID(t.ID)] = profiles[t.Profile]
		}
		gw, err := gwmac.New(gwmac.Config{
			Scheduler:          sched,
			Epoch:              cfg.Epoch,
			NcrPeriod:          cfg.Gateway.NcrPeriod.Std(),
			LogonResponseDelay: cfg.Gateway.LogonResponseDelay.Std(),
			GuardTime:          cfg.Gateway.GuardTime.Std(),
			UseCmt:             cfg.Gateway.UseCmt,
			CmtPeriodMin:       cfg.Gateway.CmtPeriodMin.Std(),
			ContentionWindow:   cfg.Gateway.ContentionWindow.Std(),
			Profiles:           utProfiles,
			DefaultProfile:     profiles[cfg.Profiles[0].Name],
			RaLoadChannels:     cfg.RaLoadChannels(),
			Logger:             s.log,
			Recorder:           s.metrics,
		}, s.events, controller{s}, forwardLink{s})
		if err != nil {
			return nil, err
		}
		s.gateways[id] = gw
	}

	for _, sat := range cfg.Satellites {
		if sat.SatelliteCnoDbHz == 0 {
			continue
		}
		for _, b := range cfg.Beams {
			if b.Satellite == sat.ID {
				if err := s.ncc.SatelliteCnoUpdated(b.ID(), sat.SatelliteCnoDbHz); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, t := range cfg.Terminals {
		ut := dama.UtID(t.ID)
		term, err := utmac.New(utmac.Config{
			Ut:           ut,
			Beam:         t.BeamID(),
			Profile:      profiles[t.Profile],
			Catalogue:    cat,
			Epoch:        cfg.Epoch,
			Sync:         cfg.SyncConfig(),
			ClockDrift:   cfg.Terminal.ClockDrift,
			TimingOffset: cfg.Terminal.TimingOffset.Std(),
			ReturnDelay:  s.links[t.BeamID()].OneWay(cfg.Epoch, t.Position),
			TbtpCache:    cfg.Terminal.TbtpCache,
			Logger:       s.log,
			Recorder:     s.metrics,
		}, s.events, returnLink{s})
		if err != nil {
			return nil, err
		}
		if t.CnoDbHz != 0 {
			term.SetCno(t.CnoDbHz)
		}
		s.terminals[ut] = term
		s.order = append(s.order, ut)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	return s, nil
}

// packageSeed spreads seed over the six MRG32k3a components, keeping each
// below the smaller modulus and nonzero.
func packageSeed(seed uint64) []uint64 {
	const m2 = 4294944443
	out := make([]uint64, 6)
	for i := range out {
		out[i] = (seed+uint64(i))%(m2-1) + 1
	}
	return out
}

// Now returns the simulation time.
func (s *Simulation) Now() time.Time { return s.events.Now() }

// Scenario returns the scenario the simulation was built from.
func (s *Simulation) Scenario() *config.Scenario { return s.cfg }

// Beams lists the beams in (satellite, beam) order.
func (s *Simulation) Beams() []ctrlmsg.BeamID { return s.beamIDs() }

// NCC returns the network control centre.
func (s *Simulation) NCC() *ncc.NCC { return s.ncc }

// Gateway returns the gateway of a beam.
func (s *Simulation) Gateway(id ctrlmsg.BeamID) (*gwmac.Gateway, bool) {
	gw, ok := s.gateways[id]
	return gw, ok
}

// Terminal returns a terminal MAC.
func (s *Simulation) Terminal(ut dama.UtID) (*utmac.Terminal, bool) {
	t, ok := s.terminals[ut]
	return t, ok
}

// At schedules fn at offset d from the epoch. It is how scenarios inject
// outages, NCR period changes and handovers.
func (s *Simulation) At(d time.Duration, fn func()) {
	s.events.Schedule(s.cfg.Epoch.Add(d), fn)
}

// SetNcrBroadcast switches the NCR of one beam on or off.
func (s *Simulation) SetNcrBroadcast(id ctrlmsg.BeamID, on bool) error {
	gw, ok := s.gateways[id]
	if !ok {
		return fmt.Errorf("%w: beam %s", ErrUnknownNode, id)
	}
	gw.SetNcrBroadcast(on)
	return nil
}

// SetNcrPeriod changes the NCR period of one beam.
func (s *Simulation) SetNcrPeriod(id ctrlmsg.BeamID, d time.Duration) error {
	gw, ok := s.gateways[id]
	if !ok {
		return fmt.Errorf("%w: beam %s", ErrUnknownNode, id)
	}
	gw.SetNcrPeriod(d)
	return nil
}

// MoveUt hands a terminal over to another beam.
func (s *Simulation) MoveUt(ut dama.UtID, dst ctrlmsg.BeamID) error {
	err := s.ncc.MoveUtBetweenBeams(ut, dst)
	s.flushNcc()
	return err
}

// Run starts every component and processes events until the scenario
// duration has elapsed or ctx is cancelled.
func (s *Simulation) Run(ctx context.Context) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "sim.run", trace.WithAttributes(
		attribute.String("scenario", s.cfg.Name),
		attribute.Int("beams", len(s.gateways)),
		attribute.Int("terminals", len(s.terminals)),
	))
	defer span.End()

	end := s.cfg.Epoch.Add(s.cfg.Duration.Std())
	s.log.Info(ctx, "simulation starting",
		logging.String("scenario", s.cfg.Name),
		logging.Int("beams", len(s.gateways)),
		logging.Int("terminals", len(s.terminals)),
		logging.SimTime(s.Now()),
	)

	for _, id := range s.beamIDs() {
		s.gateways[id].Start()
	}
	for _, ut := range s.order {
		s.terminals[ut].Start()
	}
	for _, t := range s.cfg.Terminals {
		s.startTraffic(dama.UtID(t.ID), t.Traffic, end)
	}
	s.armTimeouts(s.cfg.Epoch.Add(s.cat.Duration()))

	s.events.RunUntil(end, ctx.Done())

	for _, ut := range s.order {
		s.terminals[ut].Stop()
	}
	for _, id := range s.beamIDs() {
		s.gateways[id].Stop()
	}

	report := s.Report()
	span.SetAttributes(
		attribute.Int64("offered_bytes", report.Offered()),
		attribute.Int64("received_bytes", report.Received()),
	)
	s.log.Info(ctx, "simulation finished",
		logging.Duration("elapsed", s.Now().Sub(s.cfg.Epoch)),
		logging.Any("executed_events", s.events.Executed()),
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Simulation) beamIDs() []ctrlmsg.BeamID {
	ids := make([]ctrlmsg.BeamID, 0, len(s.gateways))
	for id := range s.gateways {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Sat != ids[j].Sat {
			return ids[i].Sat < ids[j].Sat
		}
		return ids[i].Beam < ids[j].Beam
	})
	return ids
}

// startTraffic arms a constant-bit-rate source.
func (s *Simulation) startTraffic(ut dama.UtID, tr config.Traffic, end time.Time) {
	if tr.PacketBytes <= 0 || tr.Interval <= 0 {
		return
	}
	stop := s.cfg.Epoch.Add(tr.Stop.Std())
	if tr.Stop <= 0 || stop.After(end) {
		stop = end
	}
	term := s.terminals[ut]
	var next func(at time.Time)
	next = func(at time.Time) {
		if !at.Before(stop) {
			return
		}
		s.events.Schedule(at, func() {
			term.Enqueue(tr.PacketBytes)
			next(at.Add(tr.Interval.Std()))
		})
	}
	next(s.cfg.Epoch.Add(tr.Start.Std()))
}

// armTimeouts evicts silent terminals once per superframe.
func (s *Simulation) armTimeouts(at time.Time) {
	s.events.Schedule(at, func() {
		for _, ut := range s.ncc.CheckTimeouts(at) {
			for _, gw := range s.gateways {
				gw.Forget(ut)
			}
		}
		s.armTimeouts(at.Add(s.cat.Duration()))
	})
}

// flushNcc hands the NCC's pending deliveries to the gateway of their beam.
func (s *Simulation) flushNcc() {
	for _, d := range s.ncc.Drain() {
		gw, ok := s.gateways[d.Beam]
		if !ok {
			s.log.Warn(context.Background(), "NCC delivery for a beam without gateway",
				logging.String("beam", d.Beam.String()),
				logging.String("kind", d.Msg.Kind().String()),
			)
			continue
		}
		gw.Deliver(d)
	}
}

// delay is the current one-way propagation delay between ut and the
// gateway of beam id.
func (s *Simulation) delay(id ctrlmsg.BeamID, ut dama.UtID) (time.Duration, bool) {
	link, ok := s.links[id]
	if !ok {
		return 0, false
	}
	return link.OneWay(s.Now(), s.positions[ut]), true
}

// wire encodes msg and decodes it back as the receiver would see it.
func (s *Simulation) wire(msg ctrlmsg.Message) ([]byte, bool) {
	b, err := ctrlmsg.Marshal(msg)
	if err != nil {
		s.codecErrors++
		s.log.Error(context.Background(), "control message not encodable",
			logging.String("kind", msg.Kind().String()),
			logging.Err(err),
		)
		return nil, false
	}
	s.wireBytes += int64(len(b))
	return b, true
}

func (s *Simulation) decode(b []byte) (ctrlmsg.Message, bool) {
	msg, err := ctrlmsg.Unmarshal(b)
	if err != nil {
		s.codecErrors++
		s.log.Error(context.Background(), "control message not decodable", logging.Err(err))
		return nil, false
	}
	return msg, true
}

// forwardLink carries gateway messages to the terminals of a beam. An
// empty ut broadcasts to every terminal currently listening to the beam.
type forwardLink struct{ s *Simulation }

func (f forwardLink) Forward(id ctrlmsg.BeamID, ut dama.UtID, msg ctrlmsg.Message) {
	s := f.s
	b, ok := s.wire(msg)
	if !ok {
		return
	}
	var targets []dama.UtID
	if ut != "" {
		targets = []dama.UtID{ut}
	} else {
		for _, u := range s.order {
			if s.terminals[u].Beam() == id {
				targets = append(targets, u)
			}
		}
	}
	for _, u := range targets {
		term, ok := s.terminals[u]
		if !ok {
			s.lost++
			continue
		}
		d, ok := s.delay(id, u)
		if !ok {
			s.lost++
			continue
		}
		s.events.After(d, func() {
			if m, ok := s.decode(b); ok {
				term.Receive(m)
			}
		})
	}
}

// returnLink carries terminal bursts to the gateway of their beam.
type returnLink struct{ s *Simulation }

func (r returnLink) Transmit(b ctrlmsg.Burst) {
	s := r.s
	gw, ok := s.gateways[b.Beam]
	if !ok {
		s.lost++
		return
	}
	d, _ := s.delay(b.Beam, b.Ut)
	data := b.Type == ctrlmsg.BurstDedicated && b.UserBytes > 0
	if data {
		s.inFlight[b.Ut] += int64(b.UserBytes)
	}
	encoded := make([][]byte, 0, len(b.Control))
	for _, msg := range b.Control {
		if e, ok := s.wire(msg); ok {
			encoded = append(encoded, e)
		}
	}
	s.events.After(d, func() {
		b.Control = b.Control[:0:0]
		for _, e := range encoded {
			if m, ok := s.decode(e); ok {
				b.Control = append(b.Control, m)
			}
		}
		if data {
			s.inFlight[b.Ut] -= int64(b.UserBytes)
			if _, seen := s.firstData[b.Ut]; !seen {
				s.firstData[b.Ut] = s.Now()
			}
		}
		gw.ReceiveBurst(b)
		s.flushNcc()
	})
}

// controller forwards gateway calls to the NCC and flushes the NCC
// deliveries each call produces.
type controller struct{ s *Simulation }

var _ gwmac.Controller = controller{}

func (c controller) Logon(ut dama.UtID, id ctrlmsg.BeamID, p dama.ServiceProfile, now time.Time) (uint32, error) {
	return c.s.ncc.Logon(ut, id, p, now)
}

func (c controller) Logoff(ut dama.UtID) { c.s.ncc.Logoff(ut) }

func (c controller) ReceiveControlBurst(ut dama.UtID, now time.Time) {
	c.s.ncc.ReceiveControlBurst(ut, now)
}

func (c controller) UtCrReceived(ut dama.UtID, cr dama.CapacityRequest) {
	c.s.ncc.UtCrReceived(ut, cr)
}

func (c controller) UtCnoUpdated(ut dama.UtID, sample float64) { c.s.ncc.UtCnoUpdated(ut, sample) }

func (c controller) TransferCompleted(t beam.UtTransferred) {
	c.s.ncc.TransferCompleted(t)
	c.s.flushNcc()
}

func (c controller) RaLoadMeasured(id ctrlmsg.BeamID, ac uint8, load float64) error {
	err := c.s.ncc.RaLoadMeasured(id, ac, load)
	c.s.flushNcc()
	return err
}
