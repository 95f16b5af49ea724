// Package utmac implements the return-link MAC of a satellite terminal: the
// logon and NCR synchronization state machine, the local clock model and
// the burst/CR machinery driven by received TBTPs.
package utmac

import (
	"fmt"
	"time"

	"github.com/iti/rngstream"
)

// State is the terminal synchronization state.
type State int

const (
	// OffStandby: no timing reference, no logon attempted.
	OffStandby State = iota
	// ReadyForLogon: NCR heard, waiting for the logon backoff to expire.
	ReadyForLogon
	// AwaitingLogonResponse: logon burst sent, response deadline armed.
	AwaitingLogonResponse
	// TdmaSync: logged on and synchronized; dedicated slots may be used.
	TdmaSync
	// NcrRecovery: still a beam member but NCR was lost; no user data.
	NcrRecovery
)

func (s State) String() string {
	switch s {
	case OffStandby:
		return "OFF_STANDBY"
	case ReadyForLogon:
		return "READY_FOR_LOGON"
	case AwaitingLogonResponse:
		return "AWAITING_LOGON_RESPONSE"
	case TdmaSync:
		return "TDMA_SYNC"
	case NcrRecovery:
		return "NCR_RECOVERY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// States lists every state, in declaration order.
func States() []State {
	return []State{OffStandby, ReadyForLogon, AwaitingLogonResponse, TdmaSync, NcrRecovery}
}

// Action is what the owner of a Sync must do after a check.
type Action int

const (
	ActionNone Action = iota
	// ActionSendLogon asks for a logon burst on the logon RA channel.
	ActionSendLogon
	// ActionLogoff reports that recovery failed and the terminal left.
	ActionLogoff
)

// SyncConfig holds the timing of the state machine.
type SyncConfig struct {
	// WindowInitLogon bounds the uniform random wait before each logon try.
	WindowInitLogon time.Duration
	// MaxWaitingTimeLogonResponse is the logon response deadline.
	MaxWaitingTimeLogonResponse time.Duration
	// MaxLogonTries caps logon attempts per logon cycle; 0 means 5.
	MaxLogonTries      int
	NcrSyncTimeout     time.Duration
	NcrRecoveryTimeout time.Duration
}

// DefaultSyncConfig mirrors the timing used by the NCR scenarios.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		WindowInitLogon:             20 * time.Second,
		MaxWaitingTimeLogonResponse: time.Second,
		MaxLogonTries:               5,
		NcrSyncTimeout:              time.Second,
		NcrRecoveryTimeout:          10 * time.Second,
	}
}

// Transition is one recorded state change.
type Transition struct {
	At   time.Time
	From State
	To   State
}

// Sync is the terminal synchronization state machine. Every deadline is
// stored as an absolute time and evaluated when Check is called, so a
// deadline whose precondition no longer holds simply never matches.
type Sync struct {
	cfg   SyncConfig
	rng   *rngstream.RngStream
	state State

	lastNcr       time.Time
	nextLogon     time.Time
	responseDue   time.Time
	recoveryStart time.Time
	tries         int

	history []Transition
}

// NewSync builds a state machine in OffStandby. rngName labels the random
// stream used for logon backoff. The stream draws from the rngstream
// package sequence, so its values depend on the package seed and on how many
// streams were created before it.
func NewSync(cfg SyncConfig, rngName string) *Sync {
	if cfg.MaxLogonTries <= 0 {
		cfg.MaxLogonTries = 5
	}
	return &Sync{cfg: cfg, rng: rngstream.New(rngName), state: OffStandby}
}

// State returns the current state.
func (s *Sync) State() State { return s.state }

// History returns every transition so far.
func (s *Sync) History() []Transition {
	return append([]Transition(nil), s.history...)
}

// LastNcr is the reception time of the latest NCR.
func (s *Sync) LastNcr() time.Time { return s.lastNcr }

// Tries is the number of logon bursts sent in the current logon cycle.
func (s *Sync) Tries() int { return s.tries }

// Exhausted reports that every logon try went unanswered. The terminal then
// stays ReadyForLogon until it is reset by a logoff.
func (s *Sync) Exhausted() bool {
	return s.state == ReadyForLogon && s.tries >= s.cfg.MaxLogonTries
}

func (s *Sync) move(now time.Time, to State) {
	if to == s.state {
		return
	}
	s.history = append(s.history, Transition{At: now, From: s.state, To: to})
	s.state = to
}

func (s *Sync) backoff() time.Duration {
	if s.cfg.WindowInitLogon <= 0 {
		return 0
	}
	return time.Duration(s.rng.RandU01() * float64(s.cfg.WindowInitLogon))
}

// NcrReceived records an NCR broadcast heard at now. It reports whether the
// state changed.
func (s *Sync) NcrReceived(now time.Time) bool {
	s.lastNcr = now
	switch s.state {
	case OffStandby:
		s.tries = 0
		s.nextLogon = now.Add(s.backoff())
		s.move(now, ReadyForLogon)
		return true
	case NcrRecovery:
		s.move(now, TdmaSync)
		return true
	}
	return false
}

// LogonResponse accepts a logon response. Responses that arrive outside
// AwaitingLogonResponse are ignored and false is returned.
func (s *Sync) LogonResponse(now time.Time) bool {
	if s.state != AwaitingLogonResponse {
		return false
	}
	s.tries = 0
	s.move(now, TdmaSync)
	return true
}

// Check evaluates every armed deadline against now.
func (s *Sync) Check(now time.Time) Action {
	switch s.state {
	case ReadyForLogon:
		if s.tries >= s.cfg.MaxLogonTries || now.Before(s.nextLogon) {
			return ActionNone
		}
		s.tries++
		s.responseDue = now.Add(s.cfg.MaxWaitingTimeLogonResponse)
		s.move(now, AwaitingLogonResponse)
		return ActionSendLogon

	case AwaitingLogonResponse:
		if now.Before(s.responseDue) {
			return ActionNone
		}
		s.nextLogon = now.Add(s.backoff())
		s.move(now, ReadyForLogon)
		return ActionNone

	case TdmaSync:
		if now.Sub(s.lastNcr) > s.cfg.NcrSyncTimeout {
			s.recoveryStart = now
			s.move(now, NcrRecovery)
		}
		return ActionNone

	case NcrRecovery:
		if now.Sub(s.recoveryStart) >= s.cfg.NcrRecoveryTimeout {
			s.Reset(now)
			return ActionLogoff
		}
	}
	return ActionNone
}

// Reset drops the terminal back to OffStandby. The next NCR starts a new
// logon cycle.
func (s *Sync) Reset(now time.Time) {
	s.tries = 0
	s.move(now, OffStandby)
}

// Clock models the terminal oscillator against the 27 MHz network clock.
// Between NCRs the local clock drifts by Drift ticks per second; a CMT adds
// a standing correction.
type Clock struct {
	// Drift in network clock ticks per second.
	Drift int32
	// Offset is a fixed timing error, e.g. a ranging error.
	Offset time.Duration

	hz         int64
	ncrAt      time.Time
	ncrTicks   uint64
	correction time.Duration
}

// NewClock builds a clock for a network clock of hz ticks per second.
func NewClock(hz int64, drift int32, offset time.Duration) *Clock {
	return &Clock{hz: hz, Drift: drift, Offset: offset}
}

// Sync aligns the clock to an NCR value received at now.
func (c *Clock) Sync(now time.Time, ticks uint64) {
	c.ncrAt = now
	c.ncrTicks = ticks
}

// ApplyCorrection adds a CMT correction.
func (c *Clock) ApplyCorrection(d time.Duration) { c.correction += d }

// Correction is the sum of CMT corrections received.
func (c *Clock) Correction() time.Duration { return c.correction }

func (c *Clock) ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * int64(time.Second) / c.hz)
}

// drift returns the accumulated oscillator error at t.
func (c *Clock) drift(t time.Time) time.Duration {
	if c.ncrAt.IsZero() || !t.After(c.ncrAt) {
		return 0
	}
	ticks := int64(t.Sub(c.ncrAt).Seconds() * float64(c.Drift))
	return c.ticksToDuration(ticks)
}

// NetworkTicks is the terminal's estimate of the network clock at t.
func (c *Clock) NetworkTicks(t time.Time) uint64 {
	if c.ncrAt.IsZero() || t.Before(c.ncrAt) {
		return c.ncrTicks
	}
	elapsed := t.Sub(c.ncrAt)
	return c.ncrTicks + uint64(elapsed.Seconds()*float64(c.hz))
}

// RealSendingTime is the instant a burst meant for nominal t actually
// leaves the terminal.
func (c *Clock) RealSendingTime(t time.Time) time.Time {
	return t.Add(c.drift(t) + c.Offset + c.correction)
}
