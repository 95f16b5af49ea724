// Package beam implements the per-beam DAMA scheduler: once per superframe
// it folds queued capacity requests, ranks terminals by channel quality,
// runs the frame allocator and publishes the resulting TBTPs on an outbox.
package beam

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/iti/rngstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satmac-simulator/internal/cno"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/engine"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
)

const tracerName = "github.com/signalsfoundry/satmac-simulator/internal/beam"

var (
	// ErrUtExists is the panic value for registering a terminal twice.
	ErrUtExists = errors.New("terminal already registered in beam")
	// ErrUtNotFound is the panic value for operating on a terminal the beam
	// does not own.
	ErrUtNotFound = errors.New("terminal not registered in beam")
	// ErrHandoverInPass is the panic value for a handover or removal
	// attempted while an allocation pass is running. Use DeferTransfer.
	ErrHandoverInPass = errors.New("handover requested during allocation pass")
	// ErrInvalidConfig is returned by New.
	ErrInvalidConfig = errors.New("invalid beam scheduler config")
)

// Recorder receives pass telemetry. observability.DamaCollector implements
// it; a nil Recorder discards everything.
type Recorder interface {
	RecordPass(report CapacityReport, tbtp TbtpSent, elapsed time.Duration)
	RecordRejectedCr(beam ctrlmsg.BeamID, rc uint8, err error)
	SetTerminals(beam ctrlmsg.BeamID, n int)
}

// Config parameterizes one beam scheduler.
type Config struct {
	Beam      ctrlmsg.BeamID
	Catalogue *frame.Catalogue
	// Epoch is the start of superframe 0.
	Epoch time.Time
	// Lookahead is how many superframes ahead of the current one a pass
	// allocates. Values below 1 are treated as 1.
	Lookahead    int
	MaxTbtpBytes int
	FcaEnabled   bool
	// ControlSlotInterval grants a terminal one slot when it has received
	// none for this long. Zero disables control slots.
	ControlSlotInterval time.Duration
	CnoMode             cno.Mode
	CnoWindow           time.Duration
	// TbtpRetention bounds the number of superframes kept in the TBTP
	// store. Defaults to Lookahead+1.
	TbtpRetention int
	// RngName labels the random stream used for RA channel selection. The
	// stream continues the rngstream package sequence.
	RngName string

	Logger   logging.Logger
	Recorder Recorder
	Tracer   trace.Tracer
}

// Lookahead returns the number of superframes between the pass that
// allocates a superframe and its start, so that the TBTP reaches every
// terminal in time.
func Lookahead(maxTwoWayDelay, tbtpTxAndProcessing, superframe time.Duration) int {
	if superframe <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(maxTwoWayDelay+tbtpTxAndProcessing) / float64(superframe)))
	return max(n, 1)
}

// Target is the receiving side of a handover.
type Target interface {
	ID() ctrlmsg.BeamID
	AddUt(ut dama.UtID, profile dama.ServiceProfile) (uint32, error)
}

type utInfo struct {
	entry     *dama.Entry
	cno       *cno.Estimator
	crs       []dama.CapacityRequest
	lastSlots time.Time
}

type pendingTransfer struct {
	ut  dama.UtID
	dst Target
}

// Scheduler owns the DAMA state of every terminal in one beam. It is driven
// from the event loop and is not safe for concurrent use.
type Scheduler struct {
	cfg    Config
	cat    *frame.Catalogue
	alloc  *frame.Allocator
	events engine.EventScheduler
	log    logging.Logger
	rec    Recorder
	tracer trace.Tracer
	rng    *rngstream.RngStream
	ra     []ctrlmsg.RaChannelInfo

	uts       map[dama.UtID]*utInfo
	order     []dama.UtID
	satCno    map[uint32]*cno.Estimator
	tbtps     *TbtpStore
	outbox    []Output
	transfers []pendingTransfer

	inPass  bool
	passes  uint64
	eventID string
	running bool
}

var _ Target = (*Scheduler)(nil)

// New validates cfg and builds a stopped scheduler. Errors are
// configuration errors.
func New(cfg Config, events engine.EventScheduler) (*Scheduler, error) {
	if cfg.Catalogue == nil {
		return nil, fmt.Errorf("%w: beam %s has no frame catalogue", ErrInvalidConfig, cfg.Beam)
	}
	if events == nil {
		return nil, fmt.Errorf("%w: beam %s has no event scheduler", ErrInvalidConfig, cfg.Beam)
	}
	if cfg.Lookahead < 1 {
		cfg.Lookahead = 1
	}
	if cfg.TbtpRetention <= 0 {
		cfg.TbtpRetention = cfg.Lookahead + 1
	}
	if cfg.RngName == "" {
		cfg.RngName = "beam-" + cfg.Beam.String()
	}
	ra := raChannelInfo(cfg.Catalogue)
	if floor := minTbtpBytes(ra); cfg.MaxTbtpBytes < floor {
		return nil, fmt.Errorf("%w: max TBTP size %d below %d bytes", ErrInvalidConfig, cfg.MaxTbtpBytes, floor)
	}
	store, err := NewTbtpStore(cfg.TbtpRetention)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Scheduler{
		cfg:    cfg,
		cat:    cfg.Catalogue,
		alloc:  frame.NewAllocator(cfg.Catalogue),
		events: events,
		log:    logging.ForComponent(cfg.Logger, "beam", logging.String("beam", cfg.Beam.String())),
		rec:    cfg.Recorder,
		tracer: tracer,
		rng:    rngstream.New(cfg.RngName),
		ra:     ra,
		uts:    make(map[dama.UtID]*utInfo),
		satCno: make(map[uint32]*cno.Estimator),
		tbtps:  store,
	}, nil
}

// ID returns the beam identity.
func (s *Scheduler) ID() ctrlmsg.BeamID { return s.cfg.Beam }

// Catalogue returns the frame catalogue the beam allocates from.
func (s *Scheduler) Catalogue() *frame.Catalogue { return s.cat }

// Lookahead returns the configured lookahead in superframes.
func (s *Scheduler) Lookahead() int { return s.cfg.Lookahead }

// Tbtps returns the retained TBTP store.
func (s *Scheduler) Tbtps() *TbtpStore { return s.tbtps }

// Passes returns the number of completed allocation passes.
func (s *Scheduler) Passes() uint64 { return s.passes }

// SuperframeCounter maps a simulation time to the superframe it falls in.
func (s *Scheduler) SuperframeCounter(t time.Time) uint32 {
	if t.Before(s.cfg.Epoch) {
		return 0
	}
	return uint32(t.Sub(s.cfg.Epoch) / s.cat.Duration())
}

// SuperframeStart is the inverse of SuperframeCounter.
func (s *Scheduler) SuperframeStart(counter uint32) time.Time {
	return s.cfg.Epoch.Add(time.Duration(counter) * s.cat.Duration())
}

// Start arms the first pass at the next superframe boundary. Passes rearm
// themselves at absolute boundaries so the cadence does not drift.
func (s *Scheduler) Start() {
	if s.running {
		return
	}
	s.running = true
	now := s.events.Now()
	n := s.SuperframeCounter(now)
	at := s.SuperframeStart(n)
	if at.Before(now) {
		at = s.SuperframeStart(n + 1)
	}
	s.arm(at)
}

// Stop cancels the next pass.
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.events.Cancel(s.eventID)
	s.eventID = ""
}

func (s *Scheduler) arm(at time.Time) {
	s.eventID = s.events.Schedule(at, func() {
		if !s.running {
			return
		}
		counter := s.SuperframeCounter(at)
		s.arm(s.SuperframeStart(counter + 1))
		s.RunPass()
	})
}

// AddUt registers a terminal with a fresh DAMA entry and returns the RA
// channel it should use until it gets dedicated capacity. The logon channel
// is never returned unless it is the only one. An invalid profile is a
// configuration error; registering a terminal twice panics.
func (s *Scheduler) AddUt(ut dama.UtID, profile dama.ServiceProfile) (uint32, error) {
	if _, ok := s.uts[ut]; ok {
		panic(fmt.Errorf("%w: %s on beam %s", ErrUtExists, ut, s.cfg.Beam))
	}
	if err := profile.Validate(); err != nil {
		return 0, err
	}

	s.uts[ut] = &utInfo{
		entry:     dama.NewEntry(ut, profile),
		cno:       cno.NewEstimator(s.cfg.CnoMode, s.cfg.CnoWindow, s.events),
		lastSlots: s.events.Now(),
	}
	s.order = append(s.order, ut)
	ra := s.pickRaChannel()
	s.log.Info(context.Background(), "terminal added",
		logging.String("ut", string(ut)),
		logging.String("profile", profile.Name),
		logging.Uint32("ra_channel", ra),
		logging.SimTime(s.events.Now()),
	)
	s.recordTerminals()
	return ra, nil
}

func (s *Scheduler) pickRaChannel() uint32 {
	var candidates []uint32
	for _, ch := range s.ra {
		if !ch.Logon {
			candidates = append(candidates, ch.Index)
		}
	}
	if len(candidates) == 0 {
		if len(s.ra) == 0 {
			return 0
		}
		return s.ra[0].Index
	}
	return candidates[s.rng.RandInt(0, len(candidates)-1)]
}

// RemoveUt deregisters a terminal. Queued requests are discarded and its
// assignments in already announced future superframes are revoked.
func (s *Scheduler) RemoveUt(ut dama.UtID) {
	s.mustUt(ut)
	if s.inPass {
		panic(fmt.Errorf("%w: remove %s", ErrHandoverInPass, ut))
	}
	s.drop(ut)
	s.log.Info(context.Background(), "terminal removed",
		logging.String("ut", string(ut)),
		logging.SimTime(s.events.Now()),
	)
}

func (s *Scheduler) drop(ut dama.UtID) {
	delete(s.uts, ut)
	for i, id := range s.order {
		if id == ut {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if changed := s.tbtps.StripUt(ut); len(changed) > 0 {
		s.outbox = append(s.outbox, TbtpRevoked{Beam: s.cfg.Beam, Ut: ut, SuperframeCounters: changed})
	}
	s.recordTerminals()
}

// HasUt reports membership.
func (s *Scheduler) HasUt(ut dama.UtID) bool {
	_, ok := s.uts[ut]
	return ok
}

// Uts lists members in registration order.
func (s *Scheduler) Uts() []dama.UtID {
	return append([]dama.UtID(nil), s.order...)
}

// Profile returns the service profile a member was registered with.
func (s *Scheduler) Profile(ut dama.UtID) dama.ServiceProfile {
	return s.mustUt(ut).entry.Profile()
}

// TransferUtToBeam moves a terminal to dst. The destination starts from a
// fresh entry; requests queued here are dropped. It returns the RA channel
// chosen by dst. Calling it from inside a pass panics.
func (s *Scheduler) TransferUtToBeam(ut dama.UtID, dst Target) uint32 {
	info := s.mustUt(ut)
	if s.inPass {
		panic(fmt.Errorf("%w: %s to %s", ErrHandoverInPass, ut, dst.ID()))
	}
	ra, err := dst.AddUt(ut, info.entry.Profile())
	if err != nil {
		// The profile was valid when the terminal joined this beam.
		panic(fmt.Errorf("transfer %s to %s: %w", ut, dst.ID(), err))
	}
	s.drop(ut)
	s.log.Info(context.Background(), "terminal transferred",
		logging.String("ut", string(ut)),
		logging.String("to", dst.ID().String()),
		logging.Uint32("ra_channel", ra),
		logging.SimTime(s.events.Now()),
	)
	return ra
}

// DeferTransfer queues a handover for the start of the next pass. The
// outcome is published as UtTransferred. A terminal that leaves the beam in
// the meantime is skipped.
func (s *Scheduler) DeferTransfer(ut dama.UtID, dst Target) {
	s.mustUt(ut)
	s.transfers = append(s.transfers, pendingTransfer{ut: ut, dst: dst})
}

// UtCrReceived queues a capacity request for the next Collect.
func (s *Scheduler) UtCrReceived(ut dama.UtID, cr dama.CapacityRequest) {
	info := s.mustUt(ut)
	info.crs = append(info.crs, cr)
}

// UpdateUtCno feeds a C/N0 sample for a member.
func (s *Scheduler) UpdateUtCno(ut dama.UtID, sample float64) {
	s.mustUt(ut).cno.AddSample(sample)
}

// UpdateSatelliteCno feeds a C/N0 sample measured on a relay satellite.
// Samples for the beam's own satellite cap every terminal's estimate.
func (s *Scheduler) UpdateSatelliteCno(sat uint32, sample float64) {
	est, ok := s.satCno[sat]
	if !ok {
		est = cno.NewEstimator(s.cfg.CnoMode, s.cfg.CnoWindow, s.events)
		s.satCno[sat] = est
	}
	est.AddSample(sample)
}

// UtCno returns the estimate used to rank and to pick the waveform of ut.
func (s *Scheduler) UtCno(ut dama.UtID) float64 {
	return s.effectiveCno(s.mustUt(ut))
}

// Entry returns a copy of a member's DAMA entry.
func (s *Scheduler) Entry(ut dama.UtID) *dama.Entry {
	return s.mustUt(ut).entry.Clone()
}

func (s *Scheduler) effectiveCno(info *utInfo) float64 {
	v := info.cno.Estimate()
	est, ok := s.satCno[s.cfg.Beam.Sat]
	if !ok {
		return v
	}
	sat := est.Estimate()
	if math.IsNaN(v) || math.IsNaN(sat) {
		return v
	}
	return math.Min(v, sat)
}

func (s *Scheduler) mustUt(ut dama.UtID) *utInfo {
	info, ok := s.uts[ut]
	if !ok {
		panic(fmt.Errorf("%w: %s on beam %s", ErrUtNotFound, ut, s.cfg.Beam))
	}
	return info
}

// Drain returns and clears the outbox.
func (s *Scheduler) Drain() []Output {
	out := s.outbox
	s.outbox = nil
	return out
}

// Preview ranks members and runs the allocator on their current entries
// without collecting or committing anything.
func (s *Scheduler) Preview() frame.Result {
	return s.alloc.Allocate(s.requests(s.events.Now()), frame.Policy{FcaEnabled: s.cfg.FcaEnabled})
}

// RunPass executes one allocation pass for the superframe Lookahead ahead
// of the current one and publishes the results on the outbox.
func (s *Scheduler) RunPass() {
	start := time.Now()
	now := s.events.Now()
	current := s.SuperframeCounter(now)
	target := current + uint32(s.cfg.Lookahead)

	_, span := s.tracer.Start(context.Background(), "beam.pass", trace.WithAttributes(
		attribute.String("beam", s.cfg.Beam.String()),
		attribute.Int64("superframe", int64(target)),
	))
	defer span.End()

	s.applyTransfers()

	s.inPass = true
	defer func() { s.inPass = false }()

	s.tbtps.PurgeThrough(current)
	rejected := s.collect()
	reqs := s.requests(now)
	res := s.alloc.Allocate(reqs, frame.Policy{FcaEnabled: s.cfg.FcaEnabled})
	s.commit(now, res)

	as := assignments(res)
	parts := splitTbtp(s.cfg.Beam, target, as, s.ra, s.cfg.MaxTbtpBytes)
	s.tbtps.Put(target, parts)

	sent := TbtpSent{Beam: s.cfg.Beam, SuperframeCounter: target, Parts: len(parts), At: now}
	for _, p := range parts {
		sent.Bytes += p.Size()
		s.outbox = append(s.outbox, TbtpReady{Tbtp: p})
	}
	s.outbox = append(s.outbox, sent)

	report := s.report(target, now, reqs, res, rejected)
	s.outbox = append(s.outbox, report)
	s.passes++

	span.SetAttributes(
		attribute.Int("terminals", len(reqs)),
		attribute.Int("tbtp_parts", len(parts)),
		attribute.Int64("granted_bytes", int64(report.TotalGranted())),
		attribute.Int64("unmet_bytes", int64(report.TotalUnmet())),
	)
	s.log.Debug(context.Background(), "allocation pass",
		logging.Uint32("superframe", target),
		logging.Int("terminals", len(reqs)),
		logging.Int("assignments", len(as)),
		logging.Int("tbtp_parts", len(parts)),
		logging.Int("tbtp_bytes", sent.Bytes),
		logging.SimTime(now),
	)
	if s.rec != nil {
		s.rec.RecordPass(report, sent, time.Since(start))
	}
}

func (s *Scheduler) applyTransfers() {
	pending := s.transfers
	s.transfers = nil
	for _, t := range pending {
		if !s.HasUt(t.ut) {
			continue
		}
		ra := s.TransferUtToBeam(t.ut, t.dst)
		s.outbox = append(s.outbox, UtTransferred{Ut: t.ut, From: s.cfg.Beam, To: t.dst.ID(), RaChannel: ra})
	}
}

// collect folds queued requests oldest first and feeds their C/N0 reports
// to the estimators. It returns the number of rejected elements.
func (s *Scheduler) collect() int {
	rejected := 0
	for _, ut := range s.order {
		info := s.uts[ut]
		if len(info.crs) == 0 {
			continue
		}
		crs := info.crs
		info.crs = nil
		sort.SliceStable(crs, func(i, j int) bool { return crs[i].SentAt.Before(crs[j].SentAt) })
		for _, cr := range crs {
			if cr.HasCno() {
				info.cno.AddSample(cr.Cno)
			}
		}
		for _, r := range info.entry.Fold(crs) {
			rejected++
			s.log.Warn(context.Background(), "capacity request rejected",
				logging.String("ut", string(ut)),
				logging.Int("rc", int(r.Element.Rc)),
				logging.String("type", r.Element.Type.String()),
				logging.Err(r.Err),
			)
			if s.rec != nil {
				s.rec.RecordRejectedCr(s.cfg.Beam, r.Element.Rc, r.Err)
			}
		}
	}
	return rejected
}

// requests ranks members by ascending C/N0, unknown last, and builds the
// allocator input. Ties keep registration order.
func (s *Scheduler) requests(now time.Time) []frame.Request {
	type ranked struct {
		ut  dama.UtID
		cno float64
	}
	rank := make([]ranked, 0, len(s.order))
	for _, ut := range s.order {
		rank = append(rank, ranked{ut: ut, cno: s.effectiveCno(s.uts[ut])})
	}
	sort.SliceStable(rank, func(i, j int) bool { return cno.Less(rank[i].cno, rank[j].cno) })

	reqs := make([]frame.Request, 0, len(rank))
	for _, r := range rank {
		info := s.uts[r.ut]
		reqs = append(reqs, frame.Request{
			Ut:          r.ut,
			Cno:         r.cno,
			ControlSlot: s.cfg.ControlSlotInterval > 0 && now.Sub(info.lastSlots) >= s.cfg.ControlSlotInterval,
			Demands:     info.entry.Demands(s.cat.Duration()),
		})
	}
	return reqs
}

func (s *Scheduler) commit(now time.Time, res frame.Result) {
	for _, a := range res.Allocations {
		info := s.uts[a.Ut]
		for _, g := range a.Grants {
			info.entry.CommitVbdc(g.Rc, g.Vbdc)
		}
		if len(a.Slots) > 0 {
			info.lastSlots = now
		}
	}
}

func (s *Scheduler) report(target uint32, now time.Time, reqs []frame.Request, res frame.Result, rejected int) CapacityReport {
	r := CapacityReport{
		Beam:              s.cfg.Beam,
		SuperframeCounter: target,
		At:                now,
		Uts:               make([]UtCapacity, 0, len(res.Allocations)),
		Frames:            res.Frames,
		UsableBytes:       uint32(s.cat.DedicatedSlotCount()) * s.cat.Waveforms().MostRobust().PayloadBytes,
		Rejected:          rejected,
	}
	for i, a := range res.Allocations {
		var requested uint32
		for _, d := range reqs[i].Demands {
			requested += d.Total()
		}
		control := false
		for _, sl := range a.Slots {
			control = control || sl.Control
		}
		r.Uts = append(r.Uts, UtCapacity{
			Ut:             a.Ut,
			Cno:            reqs[i].Cno,
			Waveform:       a.Waveform,
			Slots:          len(a.Slots),
			RequestedBytes: requested,
			GrantedBytes:   a.GrantedBytes(),
			UnmetBytes:     a.UnmetBytes(),
			ExceedingBytes: a.ExceedingBytes(),
			ControlSlot:    control,
		})
	}
	return r
}

func (s *Scheduler) recordTerminals() {
	if s.rec != nil {
		s.rec.SetTerminals(s.cfg.Beam, len(s.uts))
	}
}
