package utmac

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/iti/rngstream"

	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/engine"
	"github.com/signalsfoundry/satmac-simulator/internal/frame"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
)

// ErrInvalidConfig is returned by New.
var ErrInvalidConfig = errors.New("invalid terminal config")

// Transmitter carries bursts on the return link.
type Transmitter interface {
	Transmit(b ctrlmsg.Burst)
}

// Recorder receives synchronization telemetry. A nil Recorder discards it.
type Recorder interface {
	RecordSyncState(ut dama.UtID, state State)
	RecordLogonAttempt(ut dama.UtID)
	RecordNcrRecovery(ut dama.UtID)
}

// Config parameterizes one terminal.
type Config struct {
	Ut        dama.UtID
	Beam      ctrlmsg.BeamID
	Profile   dama.ServiceProfile
	Catalogue *frame.Catalogue
	// Epoch is the start of superframe 0.
	Epoch time.Time
	Sync  SyncConfig
	// ClockDrift is the oscillator drift in network clock ticks per second.
	ClockDrift int32
	// TimingOffset is a fixed transmit timing error that CMTs correct.
	TimingOffset time.Duration
	// ReturnDelay is the one-way delay to the gateway. Bursts leave this
	// much before their slot so that they arrive on it.
	ReturnDelay time.Duration
	// Rc is the request class user data is queued on.
	Rc uint8
	// TbtpCache bounds the number of TBTP parts remembered for duplicate
	// detection. Defaults to 64.
	TbtpCache int
	// RngName labels the RA and logon random streams. Labels do not seed
	// them; see NewSync.
	RngName string

	Logger   logging.Logger
	Recorder Recorder
}

type partKey struct {
	counter uint32
	part    uint8
}

// plannedBurst is a granted slot waiting for its departure time.
type plannedBurst struct {
	at      time.Time
	counter uint32
	slot    frame.Slot
	nominal time.Time
	payload int
}

// Terminal is the MAC of one user terminal. It is driven from the event
// loop and is not safe for concurrent use.
type Terminal struct {
	cfg    Config
	events engine.EventScheduler
	tx     Transmitter
	log    logging.Logger
	rec    Recorder
	rng    *rngstream.RngStream

	sync  *Sync
	clock *Clock
	parts *lru.Cache

	bursts    map[string]plannedBurst
	pending   int
	raChannel uint32
	loadCtl   map[uint8]ctrlmsg.RaLoadControl
	raBackoff time.Time
	crOut     *ctrlmsg.Cr

	backlog    int
	arrivals   int
	lastCrAt   time.Time
	lastCrZero bool
	cno        float64

	offered     int64
	transmitted int64
	unused      int64
	logons      int

	tickID  string
	running bool
}

// New validates cfg and builds a stopped terminal in OffStandby.
func New(cfg Config, events engine.EventScheduler, tx Transmitter) (*Terminal, error) {
	if cfg.Ut == "" {
		return nil, fmt.Errorf("%w: empty terminal id", ErrInvalidConfig)
	}
	if cfg.Catalogue == nil || events == nil || tx == nil {
		return nil, fmt.Errorf("%w: terminal %s needs a catalogue, an event scheduler and a transmitter", ErrInvalidConfig, cfg.Ut)
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, ok := cfg.Profile.Rc(cfg.Rc); !ok {
		return nil, fmt.Errorf("%w: terminal %s queues on unknown RC %d", ErrInvalidConfig, cfg.Ut, cfg.Rc)
	}
	if _, ok := cfg.Catalogue.LogonChannel(); !ok {
		return nil, fmt.Errorf("%w: catalogue has no logon channel", ErrInvalidConfig)
	}
	if cfg.TbtpCache <= 0 {
		cfg.TbtpCache = 64
	}
	if cfg.RngName == "" {
		cfg.RngName = "ut-" + string(cfg.Ut)
	}
	parts, err := lru.New(cfg.TbtpCache)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Terminal{
		cfg:     cfg,
		events:  events,
		tx:      tx,
		log:     logging.ForComponent(cfg.Logger, "utmac", logging.String("ut", string(cfg.Ut))),
		rec:     cfg.Recorder,
		rng:     rngstream.New(cfg.RngName + "-ra"),
		sync:    NewSync(cfg.Sync, cfg.RngName+"-logon"),
		clock:   NewClock(ctrlmsg.NcrClockHz, cfg.ClockDrift, cfg.TimingOffset),
		parts:   parts,
		bursts:  make(map[string]plannedBurst),
		loadCtl: make(map[uint8]ctrlmsg.RaLoadControl),
		cno:     math.NaN(),
	}, nil
}

// ID returns the terminal identity.
func (t *Terminal) ID() dama.UtID { return t.cfg.Ut }

// Beam is the beam the terminal currently listens to.
func (t *Terminal) Beam() ctrlmsg.BeamID { return t.cfg.Beam }

// State returns the synchronization state.
func (t *Terminal) State() State { return t.sync.State() }

// History returns every state transition so far.
func (t *Terminal) History() []Transition { return t.sync.History() }

// Clock exposes the terminal clock model.
func (t *Terminal) Clock() *Clock { return t.clock }

// RaChannel is the RA channel assigned at logon or handover.
func (t *Terminal) RaChannel() uint32 { return t.raChannel }

// Backlog is the number of user bytes waiting for a dedicated slot.
func (t *Terminal) Backlog() int { return t.backlog }

// OfferedBytes counts every byte handed to Enqueue.
func (t *Terminal) OfferedBytes() int64 { return t.offered }

// TransmittedBytes counts user bytes sent in dedicated bursts.
func (t *Terminal) TransmittedBytes() int64 { return t.transmitted }

// UnusedBytes counts granted capacity left unused because the terminal
// was not synchronized when the slot came.
func (t *Terminal) UnusedBytes() int64 { return t.unused }

// Logons counts accepted logon responses.
func (t *Terminal) Logons() int { return t.logons }

// SetCno records the latest C/N0 measurement, reported with the next CR.
func (t *Terminal) SetCno(v float64) { t.cno = v }

// Enqueue queues user bytes for transmission.
func (t *Terminal) Enqueue(bytes int) {
	if bytes <= 0 {
		return
	}
	t.backlog += bytes
	t.arrivals += bytes
	t.offered += int64(bytes)
}

func (t *Terminal) superframeStart(counter uint32) time.Time {
	return t.cfg.Epoch.Add(time.Duration(counter) * t.cfg.Catalogue.Duration())
}

func (t *Terminal) superframeCounter(now time.Time) uint32 {
	if now.Before(t.cfg.Epoch) {
		return 0
	}
	return uint32(now.Sub(t.cfg.Epoch) / t.cfg.Catalogue.Duration())
}

// Start arms the superframe tick at which deadlines are checked and CRs
// are sent.
func (t *Terminal) Start() {
	if t.running {
		return
	}
	t.running = true
	now := t.events.Now()
	t.lastCrAt = now
	n := t.superframeCounter(now)
	at := t.superframeStart(n)
	if at.Before(now) {
		at = t.superframeStart(n + 1)
	}
	t.arm(at)
}

// Stop cancels the tick and every scheduled burst.
func (t *Terminal) Stop() {
	if !t.running {
		return
	}
	t.running = false
	t.events.Cancel(t.tickID)
	t.cancelBursts()
}

func (t *Terminal) arm(at time.Time) {
	t.tickID = t.events.Schedule(at, func() {
		if !t.running {
			return
		}
		counter := t.superframeCounter(at)
		t.arm(t.superframeStart(counter + 1))
		t.tick()
	})
}

func (t *Terminal) tick() {
	now := t.events.Now()
	t.check(now)
	if t.sync.State() != TdmaSync {
		return
	}
	cr, ok := t.buildCr(now)
	if !ok {
		return
	}
	// Piggyback on a dedicated burst leaving within this superframe, if any.
	horizon := now.Add(t.cfg.Catalogue.Duration())
	for _, b := range t.bursts {
		if b.at.Before(horizon) {
			t.crOut = cr
			return
		}
	}
	t.crOut = nil
	t.sendRa(now, cr)
}

// check evaluates the state machine deadlines and acts on the outcome.
func (t *Terminal) check(now time.Time) {
	before := t.sync.State()
	switch t.sync.Check(now) {
	case ActionSendLogon:
		t.sendLogon(now)
	case ActionLogoff:
		t.leave(now)
	}
	t.observe(now, before)
}

func (t *Terminal) observe(now time.Time, before State) {
	after := t.sync.State()
	if after == before {
		return
	}
	t.log.Info(context.Background(), "sync state changed",
		logging.String("from", before.String()),
		logging.String("to", after.String()),
		logging.String("beam", t.cfg.Beam.String()),
		logging.SimTime(now),
	)
	if t.rec == nil {
		return
	}
	t.rec.RecordSyncState(t.cfg.Ut, after)
	if after == NcrRecovery {
		t.rec.RecordNcrRecovery(t.cfg.Ut)
	}
}

// contention builds a burst on a random slot of ch in the current
// superframe.
func (t *Terminal) contention(now time.Time, typ ctrlmsg.BurstType, ch frame.RaChannel, msg ctrlmsg.Message) ctrlmsg.Burst {
	b := ctrlmsg.Burst{
		Ut:                t.cfg.Ut,
		Beam:              t.cfg.Beam,
		Type:              typ,
		SuperframeCounter: t.superframeCounter(now),
		RaChannel:         ch.Index,
		SentAt:            now,
		Cno:               t.cno,
		Control:           []ctrlmsg.Message{msg},
	}
	if n := ch.Carriers * ch.Slots; n > 0 {
		k := t.rng.RandInt(0, n-1)
		b.Slot = frame.Slot{Frame: ch.FrameID, Carrier: k / ch.Slots, Index: k % ch.Slots}
	}
	return b
}

func (t *Terminal) raChannelInfo(index uint32) frame.RaChannel {
	for _, ch := range t.cfg.Catalogue.RaChannels() {
		if ch.Index == index {
			return ch
		}
	}
	return frame.RaChannel{Index: index}
}

func (t *Terminal) sendLogon(now time.Time) {
	ch, _ := t.cfg.Catalogue.LogonChannel()
	t.tx.Transmit(t.contention(now, ctrlmsg.BurstLogon, ch, &ctrlmsg.Logon{Ut: t.cfg.Ut, Beam: t.cfg.Beam}))
	t.log.Debug(context.Background(), "logon sent",
		logging.Int("try", t.sync.Tries()),
		logging.SimTime(now),
	)
	if t.rec != nil {
		t.rec.RecordLogonAttempt(t.cfg.Ut)
	}
}

// leave handles a failed NCR recovery: the grants are void and the gateway
// is told on the logon channel.
func (t *Terminal) leave(now time.Time) {
	t.cancelBursts()
	t.parts.Purge()
	t.crOut = nil
	ch, _ := t.cfg.Catalogue.LogonChannel()
	t.tx.Transmit(t.contention(now, ctrlmsg.BurstLogon, ch, &ctrlmsg.Logoff{Ut: t.cfg.Ut}))
}

func (t *Terminal) cancelBursts() {
	for id := range t.bursts {
		t.events.Cancel(id)
	}
	t.bursts = make(map[string]plannedBurst)
	t.pending = 0
}

// departure is the local-clock instant a burst for the slot starting at
// nominal must leave to reach the gateway on time.
func (t *Terminal) departure(nominal time.Time) time.Time {
	return t.clock.RealSendingTime(nominal.Add(-t.cfg.ReturnDelay))
}

func (t *Terminal) plan(b plannedBurst) {
	var id string
	id = t.events.Schedule(b.at, func() { t.fire(id, b) })
	t.bursts[id] = b
}

// retime moves planned bursts after the clock was resynchronized or
// corrected, so each burst leaves on the clock state current when it is
// sent. A departure that is already past goes out now.
func (t *Terminal) retime(now time.Time) {
	ids := make([]string, 0, len(t.bursts))
	for id, b := range t.bursts {
		if !t.departure(b.nominal).Equal(b.at) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return t.bursts[ids[i]].at.Before(t.bursts[ids[j]].at) })
	for _, id := range ids {
		b := t.bursts[id]
		t.events.Cancel(id)
		delete(t.bursts, id)
		b.at = t.departure(b.nominal)
		if b.at.Before(now) {
			b.at = now
		}
		t.plan(b)
	}
}

// buildCr computes the current demand: RBDC from the arrival rate since
// the previous CR and AVBDC from the backlog not yet covered by grants.
// An all-zero request is sent once and then suppressed until demand
// reappears.
func (t *Terminal) buildCr(now time.Time) (*ctrlmsg.Cr, bool) {
	rc, _ := t.cfg.Profile.Rc(t.cfg.Rc)
	var els []dama.CrElement
	zero := true
	if rc.MaxRbdcKbps > 0 {
		var kbps uint32
		if elapsed := now.Sub(t.lastCrAt).Seconds(); elapsed > 0 {
			kbps = uint32(math.Ceil(float64(t.arrivals) * 8 / 1000 / elapsed))
		}
		els = append(els, dama.CrElement{Rc: t.cfg.Rc, Type: dama.CrRbdc, Value: kbps})
		zero = zero && kbps == 0
	}
	if rc.MaxVbdcBytes > 0 {
		want := max(t.backlog-t.pending, 0)
		els = append(els, dama.CrElement{Rc: t.cfg.Rc, Type: dama.CrAvbdc, Value: uint32(want)})
		zero = zero && want == 0
	}
	t.arrivals = 0
	t.lastCrAt = now
	if len(els) == 0 || (zero && t.lastCrZero) {
		return nil, false
	}
	t.lastCrZero = zero
	return &ctrlmsg.Cr{
		Beam:    t.cfg.Beam,
		Request: dama.CapacityRequest{Ut: t.cfg.Ut, SentAt: now, Cno: t.cno, Elements: els},
	}, true
}

// sendRa sends a CR in contention, honouring the load-control backoff of
// the terminal's allocation channel. A backed-off CR is dropped; the next
// superframe builds a fresh one.
func (t *Terminal) sendRa(now time.Time, cr *ctrlmsg.Cr) {
	if now.Before(t.raBackoff) {
		return
	}
	if lc, ok := t.loadCtl[uint8(t.raChannel)]; ok && t.rng.RandU01() < lc.Probability() {
		t.raBackoff = now.Add(lc.BackoffTime)
		t.log.Debug(context.Background(), "RA backoff",
			logging.Duration("backoff", lc.BackoffTime),
			logging.SimTime(now),
		)
		return
	}
	t.tx.Transmit(t.contention(now, ctrlmsg.BurstRandomAccess, t.raChannelInfo(t.raChannel), cr))
}

// Receive handles a forward-link message.
func (t *Terminal) Receive(msg ctrlmsg.Message) {
	now := t.events.Now()
	switch m := msg.(type) {
	case *ctrlmsg.Ncr:
		if m.Beam != t.cfg.Beam {
			return
		}
		before := t.sync.State()
		t.clock.Sync(now, m.Ticks)
		t.retime(now)
		t.sync.NcrReceived(now)
		t.observe(now, before)
		t.check(now)

	case *ctrlmsg.Tbtp:
		if m.Beam == t.cfg.Beam {
			t.receiveTbtp(now, m)
		}

	case *ctrlmsg.LogonResponse:
		if m.Ut != t.cfg.Ut {
			return
		}
		before := t.sync.State()
		if t.sync.LogonResponse(now) {
			t.raChannel = m.RaChannel
			t.logons++
			t.lastCrAt = now
			t.arrivals = 0
			t.lastCrZero = false
		}
		t.observe(now, before)

	case *ctrlmsg.Cmt:
		if m.Ut == t.cfg.Ut {
			t.clock.ApplyCorrection(m.Correction)
			t.retime(now)
		}

	case *ctrlmsg.RaLoadControl:
		if m.Beam == t.cfg.Beam {
			t.loadCtl[m.AllocationChannel] = *m
		}

	case *ctrlmsg.Timu:
		if m.Ut != t.cfg.Ut {
			return
		}
		t.cancelBursts()
		t.parts.Purge()
		t.crOut = nil
		t.loadCtl = make(map[uint8]ctrlmsg.RaLoadControl)
		t.log.Info(context.Background(), "moved to beam",
			logging.String("from", t.cfg.Beam.String()),
			logging.String("to", m.Beam.String()),
			logging.SimTime(now),
		)
		t.cfg.Beam = m.Beam
		t.raChannel = m.RaChannel
		t.lastCrZero = false
	}
}

func (t *Terminal) receiveTbtp(now time.Time, m *ctrlmsg.Tbtp) {
	if st := t.sync.State(); st != TdmaSync && st != NcrRecovery {
		return
	}
	key := partKey{counter: m.SuperframeCounter, part: m.Part}
	if t.parts.Contains(key) {
		return
	}
	slots := m.SlotsFor(t.cfg.Ut)
	t.parts.Add(key, len(slots))
	start := t.superframeStart(m.SuperframeCounter)
	for _, s := range slots {
		f, ok := t.cfg.Catalogue.Frame(s.Frame)
		if !ok {
			continue
		}
		wf, ok := t.cfg.Catalogue.Waveforms().Get(s.Waveform)
		if !ok {
			continue
		}
		nominal := start.Add(t.cfg.Catalogue.SlotOffset(f, s.Index))
		at := t.departure(nominal)
		if at.Before(now) {
			t.log.Debug(context.Background(), "TBTP arrived after slot",
				logging.Uint32("superframe", m.SuperframeCounter),
				logging.SimTime(now),
			)
			continue
		}
		t.pending += int(wf.PayloadBytes)
		t.plan(plannedBurst{
			at:      at,
			counter: m.SuperframeCounter,
			slot:    s,
			nominal: nominal,
			payload: int(wf.PayloadBytes),
		})
	}
}

// fire transmits in one granted slot. Outside TdmaSync the slot is wasted
// and queued data stays queued.
func (t *Terminal) fire(id string, p plannedBurst) {
	now := t.events.Now()
	t.pending = max(t.pending-p.payload, 0)
	delete(t.bursts, id)
	t.check(now)
	if t.sync.State() != TdmaSync {
		t.unused += int64(p.payload)
		return
	}
	user := min(p.payload, t.backlog)
	t.backlog -= user
	t.transmitted += int64(user)

	b := ctrlmsg.Burst{
		Ut:                t.cfg.Ut,
		Beam:              t.cfg.Beam,
		Type:              ctrlmsg.BurstDedicated,
		SuperframeCounter: p.counter,
		Slot:              p.slot,
		Nominal:           p.nominal,
		SentAt:            now,
		UserBytes:         user,
		Cno:               t.cno,
	}
	if t.crOut != nil {
		b.Control = append(b.Control, t.crOut)
		t.crOut = nil
	}
	t.tx.Transmit(b)
}
