// Package gwmac implements the gateway side of one beam: it broadcasts the
// network clock reference, relays logons to the NCC, forwards the beam
// scheduler's TBTPs and receives return-link bursts.
package gwmac

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/signalsfoundry/satmac-simulator/internal/beam"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/engine"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
	"github.com/signalsfoundry/satmac-simulator/internal/ncc"
)

// ErrInvalidConfig is returned by New.
var ErrInvalidConfig = errors.New("invalid gateway config")

// Forwarder carries forward-link messages to the terminals of a beam. An
// empty ut broadcasts.
type Forwarder interface {
	Forward(beam ctrlmsg.BeamID, ut dama.UtID, msg ctrlmsg.Message)
}

// Controller is the part of the NCC a gateway talks to.
type Controller interface {
	Logon(ut dama.UtID, id ctrlmsg.BeamID, profile dama.ServiceProfile, now time.Time) (uint32, error)
	Logoff(ut dama.UtID)
	ReceiveControlBurst(ut dama.UtID, now time.Time)
	UtCrReceived(ut dama.UtID, cr dama.CapacityRequest)
	UtCnoUpdated(ut dama.UtID, sample float64)
	TransferCompleted(t beam.UtTransferred)
	RaLoadMeasured(id ctrlmsg.BeamID, ac uint8, load float64) error
}

var _ Controller = (*ncc.NCC)(nil)

// Recorder receives gateway telemetry. A nil Recorder discards it.
type Recorder interface {
	RecordBurst(beam ctrlmsg.BeamID, typ ctrlmsg.BurstType, userBytes int, accepted bool)
	RecordCmt(beam ctrlmsg.BeamID)
}

// Config parameterizes one gateway.
type Config struct {
	Scheduler *beam.Scheduler
	// Epoch is the origin of the network clock.
	Epoch time.Time
	// NcrPeriod defaults to 100 ms.
	NcrPeriod          time.Duration
	LogonResponseDelay time.Duration
	// GuardTime is the largest tolerated offset between a dedicated
	// burst's arrival and its slot start. Zero disables the check.
	GuardTime    time.Duration
	UseCmt       bool
	CmtPeriodMin time.Duration
	// ContentionWindow is how long the first RA burst of a slot is held
	// for others landing on the same slot. Every burst of a slot hit more
	// than once is lost. Zero decodes RA bursts on arrival.
	ContentionWindow time.Duration
	// Profiles maps terminals to their service profile; others get
	// DefaultProfile.
	Profiles       map[dama.UtID]dama.ServiceProfile
	DefaultProfile dama.ServiceProfile
	// RaLoadChannels lists the allocation channels whose offered load is
	// reported to the NCC every superframe.
	RaLoadChannels []uint8

	Logger   logging.Logger
	Recorder Recorder
}

// Stats are the gateway counters.
type Stats struct {
	NcrSent          int
	TbtpParts        int
	Logons           int
	Bursts           int
	UnexpectedBursts int
	GuardViolations  int
	CmtSent          int
	// RaCollisions counts RA bursts lost because another burst used the
	// same slot.
	RaCollisions int
	// DroppedBytes counts user bytes in rejected dedicated bursts.
	DroppedBytes int64
}

// Gateway is driven from the event loop and is not safe for concurrent use.
type Gateway struct {
	cfg    Config
	sched  *beam.Scheduler
	events engine.EventScheduler
	ctl    Controller
	fwd    Forwarder
	log    logging.Logger
	rec    Recorder

	peers    mapset.Set
	tbtps    map[uint32][]*ctrlmsg.Tbtp
	lastCmt  map[dama.UtID]time.Time
	received map[dama.UtID]int64
	dropped  map[dama.UtID]int64
	raBursts map[uint32]int
	held     map[raSlot][]ctrlmsg.Burst

	ncrOn     bool
	ncrPeriod time.Duration
	ncrID     string
	tickID    string
	running   bool
	stats     Stats
}

// New validates cfg and builds a stopped gateway.
func New(cfg Config, events engine.EventScheduler, ctl Controller, fwd Forwarder) (*Gateway, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("%w: no beam scheduler", ErrInvalidConfig)
	}
	if events == nil || ctl == nil || fwd == nil {
		return nil, fmt.Errorf("%w: beam %s needs an event scheduler, a controller and a forward link", ErrInvalidConfig, cfg.Scheduler.ID())
	}
	if cfg.NcrPeriod <= 0 {
		cfg.NcrPeriod = 100 * time.Millisecond
	}
	if err := cfg.DefaultProfile.Validate(); err != nil {
		return nil, fmt.Errorf("%w: default profile: %v", ErrInvalidConfig, err)
	}
	return &Gateway{
		cfg:       cfg,
		sched:     cfg.Scheduler,
		events:    events,
		ctl:       ctl,
		fwd:       fwd,
		log:       logging.ForComponent(cfg.Logger, "gwmac", logging.String("beam", cfg.Scheduler.ID().String())),
		rec:       cfg.Recorder,
		peers:     mapset.NewSet(),
		tbtps:     make(map[uint32][]*ctrlmsg.Tbtp),
		lastCmt:   make(map[dama.UtID]time.Time),
		received:  make(map[dama.UtID]int64),
		dropped:   make(map[dama.UtID]int64),
		raBursts:  make(map[uint32]int),
		held:      make(map[raSlot][]ctrlmsg.Burst),
		ncrOn:     true,
		ncrPeriod: cfg.NcrPeriod,
	}, nil
}

// ID is the beam the gateway serves.
func (g *Gateway) ID() ctrlmsg.BeamID { return g.sched.ID() }

// Scheduler returns the beam scheduler.
func (g *Gateway) Scheduler() *beam.Scheduler { return g.sched }

// Stats returns a copy of the counters.
func (g *Gateway) Stats() Stats { return g.stats }

// Received returns the user bytes received from ut.
func (g *Gateway) Received(ut dama.UtID) int64 { return g.received[ut] }

// Dropped returns the user bytes from ut lost in rejected bursts.
func (g *Gateway) Dropped(ut dama.UtID) int64 { return g.dropped[ut] }

// TotalReceived sums user bytes over every terminal.
func (g *Gateway) TotalReceived() int64 {
	var n int64
	for _, v := range g.received {
		n += v
	}
	return n
}

// Peers lists the terminals the gateway currently serves.
func (g *Gateway) Peers() []dama.UtID {
	var out []dama.UtID
	for _, p := range g.peers.ToSlice() {
		out = append(out, p.(dama.UtID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start starts the beam scheduler, the NCR broadcast and the superframe
// tick. The tick is armed after the scheduler so that, at every boundary,
// it drains the outbox of the pass that just ran.
func (g *Gateway) Start() {
	if g.running {
		return
	}
	g.running = true
	g.sched.Start()

	now := g.events.Now()
	sf := g.sched.Catalogue().Duration()
	n := g.sched.SuperframeCounter(now)
	at := g.sched.SuperframeStart(n)
	if at.Before(now) {
		at = g.sched.SuperframeStart(n + 1)
	}
	g.armTick(at, sf)
	g.armNcr(now)
}

// Stop halts every periodic activity.
func (g *Gateway) Stop() {
	if !g.running {
		return
	}
	g.running = false
	g.sched.Stop()
	g.events.Cancel(g.tickID)
	g.events.Cancel(g.ncrID)
}

func (g *Gateway) armTick(at time.Time, sf time.Duration) {
	g.tickID = g.events.Schedule(at, func() {
		if !g.running {
			return
		}
		g.armTick(at.Add(sf), sf)
		g.tick()
	})
}

func (g *Gateway) armNcr(at time.Time) {
	g.ncrID = g.events.Schedule(at, func() {
		if !g.running {
			return
		}
		g.armNcr(at.Add(g.ncrPeriod))
		if g.ncrOn {
			g.sendNcr()
		}
	})
}

// SetNcrBroadcast switches NCR transmission on or off. The schedule keeps
// running so that resuming keeps the original phase.
func (g *Gateway) SetNcrBroadcast(on bool) {
	if on != g.ncrOn {
		g.log.Info(context.Background(), "NCR broadcast switched",
			logging.Bool("on", on),
			logging.SimTime(g.events.Now()),
		)
	}
	g.ncrOn = on
}

// SetNcrPeriod changes the NCR period. The NCR already scheduled keeps its
// time; the new period applies from the one after.
func (g *Gateway) SetNcrPeriod(d time.Duration) {
	if d > 0 {
		g.ncrPeriod = d
	}
}

func (g *Gateway) sendNcr() {
	ticks := ctrlmsg.NcrTicks(g.events.Now().Sub(g.cfg.Epoch))
	g.fwd.Forward(g.ID(), "", &ctrlmsg.Ncr{Beam: g.ID(), Ticks: ticks})
	g.stats.NcrSent++
}

// tick runs once per superframe, after the beam's pass.
func (g *Gateway) tick() {
	now := g.events.Now()
	for _, o := range g.sched.Drain() {
		g.handleOutput(o)
	}

	current := g.sched.SuperframeCounter(now)
	for c := range g.tbtps {
		if c+1 < current {
			delete(g.tbtps, c)
		}
	}

	g.measureRaLoad()
}

func (g *Gateway) handleOutput(o beam.Output) {
	switch out := o.(type) {
	case beam.TbtpReady:
		c := out.Tbtp.SuperframeCounter
		g.tbtps[c] = append(g.tbtps[c], out.Tbtp)
		g.fwd.Forward(g.ID(), "", out.Tbtp)
		g.stats.TbtpParts++

	case beam.TbtpRevoked:
		for _, c := range out.SuperframeCounters {
			if parts, ok := g.sched.Tbtps().Get(c); ok {
				g.tbtps[c] = parts
			}
		}
		g.log.Debug(context.Background(), "TBTP assignments revoked",
			logging.String("ut", string(out.Ut)),
			logging.Int("superframes", len(out.SuperframeCounters)),
		)

	case beam.UtTransferred:
		g.peers.Remove(out.Ut)
		g.ctl.TransferCompleted(out)

	case beam.TbtpSent:
		g.log.Debug(context.Background(), "TBTP sent",
			logging.Uint32("superframe", out.SuperframeCounter),
			logging.Int("parts", out.Parts),
			logging.Int("bytes", out.Bytes),
		)

	case beam.CapacityReport:
		// Recorded by the scheduler itself.
	}
}

// measureRaLoad reports, per configured allocation channel, the bursts
// received in the last superframe over the slots the channel offers.
func (g *Gateway) measureRaLoad() {
	channels := g.sched.Catalogue().RaChannels()
	for _, ac := range g.cfg.RaLoadChannels {
		if int(ac) >= len(channels) {
			continue
		}
		ch := channels[ac]
		load := float64(g.raBursts[ch.Index]) / float64(ch.Carriers*ch.Slots)
		if err := g.ctl.RaLoadMeasured(g.ID(), ac, load); err != nil {
			g.log.Warn(context.Background(), "RA load not reported",
				logging.Int("allocation_channel", int(ac)),
				logging.Err(err),
			)
		}
	}
	g.raBursts = make(map[uint32]int)
}

// Forget drops a terminal the NCC evicted without a logoff.
func (g *Gateway) Forget(ut dama.UtID) {
	g.peers.Remove(ut)
	delete(g.lastCmt, ut)
}

// Deliver sends an NCC delivery on this beam's forward link.
func (g *Gateway) Deliver(d ncc.Delivery) {
	g.fwd.Forward(g.ID(), d.Ut, d.Msg)
}

// ReceiveBurst handles a return-link burst arriving now.
func (g *Gateway) ReceiveBurst(b ctrlmsg.Burst) {
	now := g.events.Now()
	g.stats.Bursts++

	switch b.Type {
	case ctrlmsg.BurstLogon, ctrlmsg.BurstRandomAccess:
		g.raBursts[b.RaChannel]++
		if g.cfg.ContentionWindow > 0 {
			g.hold(b)
			return
		}
		g.record(b, true)
	case ctrlmsg.BurstDedicated:
		if !g.acceptDedicated(now, b) {
			g.record(b, false)
			g.dropped[b.Ut] += int64(b.UserBytes)
			g.stats.DroppedBytes += int64(b.UserBytes)
			return
		}
		g.record(b, true)
		g.received[b.Ut] += int64(b.UserBytes)
	}
	g.decode(now, b)
}

// raSlot identifies one contention slot.
type raSlot struct {
	counter uint32
	channel uint32
	carrier int
	index   int
}

func (g *Gateway) hold(b ctrlmsg.Burst) {
	key := raSlot{counter: b.SuperframeCounter, channel: b.RaChannel, carrier: b.Slot.Carrier, index: b.Slot.Index}
	held, open := g.held[key]
	g.held[key] = append(held, b)
	if !open {
		g.events.After(g.cfg.ContentionWindow, func() { g.resolve(key) })
	}
}

// resolve decodes the burst of a slot used once and drops every burst of a
// slot used more than once.
func (g *Gateway) resolve(key raSlot) {
	bursts := g.held[key]
	delete(g.held, key)
	if len(bursts) == 1 {
		g.record(bursts[0], true)
		g.decode(g.events.Now(), bursts[0])
		return
	}
	g.stats.RaCollisions += len(bursts)
	for _, b := range bursts {
		g.record(b, false)
	}
	g.log.Debug(context.Background(), "RA collision",
		logging.Uint32("superframe", key.counter),
		logging.Uint32("ra_channel", key.channel),
		logging.Int("bursts", len(bursts)),
	)
}

// decode hands the content of an accepted burst to the NCC.
func (g *Gateway) decode(now time.Time, b ctrlmsg.Burst) {
	if g.sched.HasUt(b.Ut) {
		g.peers.Add(b.Ut)
		g.ctl.ReceiveControlBurst(b.Ut, now)
		if !math.IsNaN(b.Cno) {
			g.ctl.UtCnoUpdated(b.Ut, b.Cno)
		}
	}
	for _, msg := range b.Control {
		g.handleControl(now, b.Ut, msg)
	}
}

func (g *Gateway) record(b ctrlmsg.Burst, accepted bool) {
	if g.rec != nil {
		g.rec.RecordBurst(g.ID(), b.Type, b.UserBytes, accepted)
	}
}

// acceptDedicated checks that the slot was granted to the sender and that
// the burst landed within the guard time, and issues a CMT when due.
func (g *Gateway) acceptDedicated(now time.Time, b ctrlmsg.Burst) bool {
	if !g.granted(b) {
		g.stats.UnexpectedBursts++
		g.log.Debug(context.Background(), "burst in a slot not granted to the sender",
			logging.String("ut", string(b.Ut)),
			logging.Uint32("superframe", b.SuperframeCounter),
		)
		return false
	}
	offset := now.Sub(b.Nominal)
	if g.cfg.GuardTime > 0 && (offset > g.cfg.GuardTime || offset < -g.cfg.GuardTime) {
		g.stats.GuardViolations++
		g.log.Warn(context.Background(), "burst outside guard time",
			logging.String("ut", string(b.Ut)),
			logging.Duration("offset", offset),
		)
		g.sendCmt(now, b, offset)
		return false
	}
	g.sendCmt(now, b, offset)
	return true
}

func (g *Gateway) granted(b ctrlmsg.Burst) bool {
	for _, part := range g.tbtps[b.SuperframeCounter] {
		for _, s := range part.SlotsFor(b.Ut) {
			if s.Frame == b.Slot.Frame && s.Carrier == b.Slot.Carrier && s.Index == b.Slot.Index {
				return true
			}
		}
	}
	return false
}

// sendCmt corrects the sender by -offset. A burst that left before the
// previous CMT could reach the terminal still carries the old error and is
// not measured; the forward delay is taken equal to the burst's return delay.
func (g *Gateway) sendCmt(now time.Time, b ctrlmsg.Burst, offset time.Duration) {
	if !g.cfg.UseCmt || offset == 0 {
		return
	}
	ut := b.Ut
	if last, ok := g.lastCmt[ut]; ok {
		if now.Sub(last) < g.cfg.CmtPeriodMin || b.SentAt.Before(last.Add(now.Sub(b.SentAt))) {
			return
		}
	}
	g.lastCmt[ut] = now
	g.fwd.Forward(g.ID(), ut, &ctrlmsg.Cmt{Ut: ut, Correction: -offset})
	g.stats.CmtSent++
	if g.rec != nil {
		g.rec.RecordCmt(g.ID())
	}
}

func (g *Gateway) handleControl(now time.Time, ut dama.UtID, msg ctrlmsg.Message) {
	switch m := msg.(type) {
	case *ctrlmsg.Logon:
		g.logon(now, m)
	case *ctrlmsg.Logoff:
		g.peers.Remove(m.Ut)
		delete(g.lastCmt, m.Ut)
		g.ctl.Logoff(m.Ut)
	case *ctrlmsg.Cr:
		g.ctl.UtCrReceived(ut, m.Request)
	default:
		g.log.Debug(context.Background(), "unexpected return-link message",
			logging.String("ut", string(ut)),
			logging.String("kind", msg.Kind().String()),
		)
	}
}

func (g *Gateway) logon(now time.Time, m *ctrlmsg.Logon) {
	profile, ok := g.cfg.Profiles[m.Ut]
	if !ok {
		profile = g.cfg.DefaultProfile
	}
	ra, err := g.ctl.Logon(m.Ut, g.ID(), profile, now)
	if err != nil {
		g.log.Warn(context.Background(), "logon refused",
			logging.String("ut", string(m.Ut)),
			logging.Err(err),
		)
		return
	}
	g.peers.Add(m.Ut)
	g.stats.Logons++
	ut := m.Ut
	g.events.After(g.cfg.LogonResponseDelay, func() {
		g.fwd.Forward(g.ID(), ut, &ctrlmsg.LogonResponse{Ut: ut, RaChannel: ra})
	})
}
