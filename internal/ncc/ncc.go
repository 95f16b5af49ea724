// Package ncc implements the network control centre: it admits terminals to
// beams, routes their requests to the owning beam scheduler, evicts silent
// terminals, coordinates handovers and runs random-access load control.
package ncc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/satmac-simulator/internal/beam"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
)

var (
	// ErrBeamExists is returned when a beam is registered twice.
	ErrBeamExists = errors.New("beam already registered")
	// ErrBeamNotFound is returned for an unknown (satellite, beam) pair.
	ErrBeamNotFound = errors.New("beam not found")
	// ErrUtNotFound is returned for a terminal that is not logged on.
	ErrUtNotFound = errors.New("terminal not logged on")
	// ErrMissingThreshold reports RA load measured on an allocation channel
	// without load-control configuration.
	ErrMissingThreshold = errors.New("random access load threshold not configured")
	// ErrInconsistentHandover is the panic value when a terminal is in
	// neither or both beams of a handover.
	ErrInconsistentHandover = errors.New("inconsistent handover state")
)

// Logoff reasons reported to the Recorder.
const (
	ReasonLogoff   = "logoff"
	ReasonTimeout  = "timeout"
	ReasonRelogon  = "relogon"
	ReasonHandover = "handover"
)

// RaParams is one backoff parameterization of an RA allocation channel.
type RaParams struct {
	// BackoffProbability is scaled to 0..65535.
	BackoffProbability uint16
	BackoffTime        time.Duration
}

// RaLoadControl configures dynamic load control for one allocation
// channel: above Threshold (average normalized offered load) the High
// parameters apply, below it the Low ones.
type RaLoadControl struct {
	Threshold float64
	Low       RaParams
	High      RaParams
}

// Config parameterizes the NCC.
type Config struct {
	// UtTimeout evicts a terminal whose last control burst is older.
	// Zero disables eviction.
	UtTimeout time.Duration
	// RaLoad holds load control per allocation channel.
	RaLoad map[uint8]RaLoadControl

	Logger   logging.Logger
	Recorder Recorder
}

// Recorder receives NCC telemetry.
type Recorder interface {
	RecordLogon(beam ctrlmsg.BeamID)
	RecordLogoff(beam ctrlmsg.BeamID, reason string)
	RecordRaLoad(beam ctrlmsg.BeamID, allocationChannel uint8, high bool)
}

// Delivery is a control message the NCC wants sent on a beam's forward
// link. An empty Ut addresses every terminal of the beam.
type Delivery struct {
	Beam ctrlmsg.BeamID
	Ut   dama.UtID
	Msg  ctrlmsg.Message
}

type member struct {
	beam      ctrlmsg.BeamID
	raChannel uint32
	lastBurst time.Time
	moving    bool
}

type raKey struct {
	beam ctrlmsg.BeamID
	ac   uint8
}

// NCC is driven from the event loop and is not safe for concurrent use.
type NCC struct {
	reg *Registry
	cfg Config
	log logging.Logger
	rec Recorder

	members map[dama.UtID]*member
	raHigh  map[raKey]bool
	outbox  []Delivery
}

// New builds an NCC over reg.
func New(reg *Registry, cfg Config) *NCC {
	if reg == nil {
		reg = NewRegistry()
	}
	return &NCC{
		reg:     reg,
		cfg:     cfg,
		log:     logging.ForComponent(cfg.Logger, "ncc"),
		rec:     cfg.Recorder,
		members: make(map[dama.UtID]*member),
		raHigh:  make(map[raKey]bool),
	}
}

// Registry returns the beam registry.
func (n *NCC) Registry() *Registry { return n.reg }

// AddBeam registers a beam scheduler.
func (n *NCC) AddBeam(b Beam) error { return n.reg.Add(b) }

// Scheduler returns the scheduler of a beam.
func (n *NCC) Scheduler(id ctrlmsg.BeamID) (Beam, bool) { return n.reg.Get(id) }

// BeamOf returns the beam a terminal is logged on to.
func (n *NCC) BeamOf(ut dama.UtID) (ctrlmsg.BeamID, bool) {
	m, ok := n.members[ut]
	if !ok {
		return ctrlmsg.BeamID{}, false
	}
	return m.beam, true
}

// Drain returns and clears the pending deliveries.
func (n *NCC) Drain() []Delivery {
	out := n.outbox
	n.outbox = nil
	return out
}

// Logon admits ut to a beam and returns its RA channel. A repeated logon
// on the same beam (the response was lost) returns the original channel; a
// logon on another beam first removes the terminal from the old one.
func (n *NCC) Logon(ut dama.UtID, id ctrlmsg.BeamID, profile dama.ServiceProfile, now time.Time) (uint32, error) {
	b, ok := n.reg.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBeamNotFound, id)
	}
	if m, ok := n.members[ut]; ok {
		if m.beam == id {
			m.lastBurst = now
			return m.raChannel, nil
		}
		n.remove(ut, ReasonRelogon)
	}

	ra, err := b.AddUt(ut, profile)
	if err != nil {
		return 0, err
	}
	n.members[ut] = &member{beam: id, raChannel: ra, lastBurst: now}
	n.log.Info(context.Background(), "terminal logged on",
		logging.String("ut", string(ut)),
		logging.String("beam", id.String()),
		logging.Uint32("ra_channel", ra),
		logging.SimTime(now),
	)
	if n.rec != nil {
		n.rec.RecordLogon(id)
	}
	return ra, nil
}

// Logoff removes a terminal. Unknown terminals are ignored.
func (n *NCC) Logoff(ut dama.UtID) {
	if _, ok := n.members[ut]; !ok {
		return
	}
	n.remove(ut, ReasonLogoff)
}

func (n *NCC) remove(ut dama.UtID, reason string) {
	m := n.members[ut]
	delete(n.members, ut)
	if b, ok := n.reg.Get(m.beam); ok && b.HasUt(ut) {
		b.RemoveUt(ut)
	}
	n.log.Info(context.Background(), "terminal logged off",
		logging.String("ut", string(ut)),
		logging.String("beam", m.beam.String()),
		logging.String("reason", reason),
	)
	if n.rec != nil {
		n.rec.RecordLogoff(m.beam, reason)
	}
}

// ReceiveControlBurst refreshes the silence timer of a terminal.
func (n *NCC) ReceiveControlBurst(ut dama.UtID, now time.Time) {
	if m, ok := n.members[ut]; ok && now.After(m.lastBurst) {
		m.lastBurst = now
	}
}

// CheckTimeouts evicts every terminal silent for UtTimeout or longer and
// returns them in ID order. The terminal is not told; it finds out through
// its own NCR recovery path.
func (n *NCC) CheckTimeouts(now time.Time) []dama.UtID {
	if n.cfg.UtTimeout <= 0 {
		return nil
	}
	var evicted []dama.UtID
	for ut, m := range n.members {
		if now.Sub(m.lastBurst) >= n.cfg.UtTimeout {
			evicted = append(evicted, ut)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	for _, ut := range evicted {
		n.remove(ut, ReasonTimeout)
	}
	return evicted
}

// UtCrReceived routes a capacity request to the terminal's beam. Requests
// from terminals that are no longer logged on are dropped.
func (n *NCC) UtCrReceived(ut dama.UtID, cr dama.CapacityRequest) {
	b, ok := n.beamOf(ut)
	if !ok {
		n.log.Debug(context.Background(), "capacity request from unknown terminal dropped",
			logging.String("ut", string(ut)))
		return
	}
	b.UtCrReceived(ut, cr)
}

// UtCnoUpdated routes a C/N0 sample measured for a terminal.
func (n *NCC) UtCnoUpdated(ut dama.UtID, sample float64) {
	if b, ok := n.beamOf(ut); ok {
		b.UpdateUtCno(ut, sample)
	}
}

// SatelliteCnoUpdated routes a C/N0 sample measured on a relay satellite
// to one beam.
func (n *NCC) SatelliteCnoUpdated(id ctrlmsg.BeamID, sample float64) error {
	b, ok := n.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBeamNotFound, id)
	}
	b.UpdateSatelliteCno(id.Sat, sample)
	return nil
}

func (n *NCC) beamOf(ut dama.UtID) (Beam, bool) {
	m, ok := n.members[ut]
	if !ok {
		return nil, false
	}
	return n.reg.Get(m.beam)
}

// MoveUtBetweenBeams starts a handover of ut to dst. The transfer itself
// happens at the source beam's next pass boundary; the TIM-U follows from
// TransferCompleted. A missing destination cancels the handover and the
// terminal is told to stay.
func (n *NCC) MoveUtBetweenBeams(ut dama.UtID, dst ctrlmsg.BeamID) error {
	m, ok := n.members[ut]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUtNotFound, ut)
	}
	src, ok := n.reg.Get(m.beam)
	if !ok {
		return fmt.Errorf("%w: source %s", ErrBeamNotFound, m.beam)
	}
	to, ok := n.reg.Get(dst)
	if !ok {
		n.log.Warn(context.Background(), "handover destination missing, terminal stays",
			logging.String("ut", string(ut)),
			logging.String("beam", m.beam.String()),
			logging.String("destination", dst.String()),
		)
		n.timu(m.beam, ut, m.beam, m.raChannel)
		return fmt.Errorf("%w: destination %s", ErrBeamNotFound, dst)
	}

	inSrc, inDst := src.HasUt(ut), to.HasUt(ut)
	switch {
	case inSrc && !inDst:
		if m.moving {
			return nil
		}
		m.moving = true
		src.DeferTransfer(ut, to)
		n.log.Info(context.Background(), "handover scheduled",
			logging.String("ut", string(ut)),
			logging.String("beam", m.beam.String()),
			logging.String("destination", dst.String()),
		)
	case !inSrc && inDst:
		n.timu(m.beam, ut, dst, m.raChannel)
	default:
		panic(fmt.Errorf("%w: %s in source=%v destination=%v", ErrInconsistentHandover, ut, inSrc, inDst))
	}
	return nil
}

// TransferCompleted records a handover performed by a beam scheduler and
// queues the TIM-U on the source beam, which the terminal still listens to.
func (n *NCC) TransferCompleted(t beam.UtTransferred) {
	m, ok := n.members[t.Ut]
	if !ok {
		return
	}
	m.beam = t.To
	m.raChannel = t.RaChannel
	m.moving = false
	if n.rec != nil {
		n.rec.RecordLogoff(t.From, ReasonHandover)
		n.rec.RecordLogon(t.To)
	}
	n.timu(t.From, t.Ut, t.To, t.RaChannel)
}

func (n *NCC) timu(via ctrlmsg.BeamID, ut dama.UtID, to ctrlmsg.BeamID, ra uint32) {
	n.outbox = append(n.outbox, Delivery{
		Beam: via,
		Ut:   ut,
		Msg:  &ctrlmsg.Timu{Ut: ut, Beam: to, RaChannel: ra},
	})
}

// RaLoadMeasured feeds the average normalized offered load measured on one
// RA allocation channel. Crossing the channel threshold switches the
// backoff parameterization and queues an RA load control broadcast.
func (n *NCC) RaLoadMeasured(id ctrlmsg.BeamID, ac uint8, load float64) error {
	if _, ok := n.reg.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrBeamNotFound, id)
	}
	conf, ok := n.cfg.RaLoad[ac]
	if !ok {
		return fmt.Errorf("%w: beam %s allocation channel %d", ErrMissingThreshold, id, ac)
	}

	key := raKey{beam: id, ac: ac}
	high := n.raHigh[key]
	var params RaParams
	switch {
	case !high && load >= conf.Threshold:
		params, high = conf.High, true
	case high && load < conf.Threshold:
		params, high = conf.Low, false
	default:
		return nil
	}
	n.raHigh[key] = high

	n.log.Info(context.Background(), "random access load control switched",
		logging.String("beam", id.String()),
		logging.Int("allocation_channel", int(ac)),
		logging.Float64("load", load),
		logging.Bool("high_load", high),
	)
	if n.rec != nil {
		n.rec.RecordRaLoad(id, ac, high)
	}
	n.outbox = append(n.outbox, Delivery{
		Beam: id,
		Msg: &ctrlmsg.RaLoadControl{
			Beam:               id,
			AllocationChannel:  ac,
			BackoffProbability: params.BackoffProbability,
			BackoffTime:        params.BackoffTime,
		},
	})
	return nil
}

// HighRaLoad reports whether high-load parameters are in effect.
func (n *NCC) HighRaLoad(id ctrlmsg.BeamID, ac uint8) bool {
	return n.raHigh[raKey{beam: id, ac: ac}]
}
