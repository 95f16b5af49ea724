package sim

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/gwmac"
	"github.com/signalsfoundry/satmac-simulator/internal/utmac"
)

// TerminalReport summarizes one terminal at the end of a run.
type TerminalReport struct {
	Ut          dama.UtID
	Beam        ctrlmsg.BeamID
	State       utmac.State
	Logons      int
	Offered     int64
	Transmitted int64
	Received    int64
	// Dropped is what gateways rejected; InFlight is still on the return
	// link. Transmitted = Received + Dropped + InFlight.
	Dropped  int64
	InFlight int64
	Unused   int64
	Backlog  int
	// FirstData is when the gateway received the first user byte; zero if
	// it never did.
	FirstData   time.Time
	Transitions []utmac.Transition
}

// BeamReport summarizes one beam at the end of a run.
type BeamReport struct {
	Beam      ctrlmsg.BeamID
	Lookahead int
	Passes    uint64
	Peers     int
	Gateway   gwmac.Stats
}

// Report is the outcome of a run.
type Report struct {
	Scenario    string
	Epoch       time.Time
	Elapsed     time.Duration
	Terminals   []TerminalReport
	Beams       []BeamReport
	WireBytes   int64
	CodecErrors int
	Lost        int
}

// Offered sums the bytes offered by every terminal.
func (r Report) Offered() int64 {
	var n int64
	for _, t := range r.Terminals {
		n += t.Offered
	}
	return n
}

// Received sums the user bytes the gateways accepted.
func (r Report) Received() int64 {
	var n int64
	for _, t := range r.Terminals {
		n += t.Received
	}
	return n
}

// Terminal returns the row of ut.
func (r Report) Terminal(ut dama.UtID) (TerminalReport, bool) {
	for _, t := range r.Terminals {
		if t.Ut == ut {
			return t, true
		}
	}
	return TerminalReport{}, false
}

// Report snapshots the current state. Run returns one at the end; it can
// also be taken mid-run from an At hook.
func (s *Simulation) Report() Report {
	r := Report{
		Scenario:    s.cfg.Name,
		Epoch:       s.cfg.Epoch,
		Elapsed:     s.Now().Sub(s.cfg.Epoch),
		WireBytes:   s.wireBytes,
		CodecErrors: s.codecErrors,
		Lost:        s.lost,
	}
	for _, ut := range s.order {
		term := s.terminals[ut]
		var received, dropped int64
		for _, gw := range s.gateways {
			received += gw.Received(ut)
			dropped += gw.Dropped(ut)
		}
		r.Terminals = append(r.Terminals, TerminalReport{
			Ut:          ut,
			Beam:        term.Beam(),
			State:       term.State(),
			Logons:      term.Logons(),
			Offered:     term.OfferedBytes(),
			Transmitted: term.TransmittedBytes(),
			Received:    received,
			Dropped:     dropped,
			InFlight:    s.inFlight[ut],
			Unused:      term.UnusedBytes(),
			Backlog:     term.Backlog(),
			FirstData:   s.firstData[ut],
			Transitions: term.History(),
		})
	}
	for _, id := range s.beamIDs() {
		gw := s.gateways[id]
		r.Beams = append(r.Beams, BeamReport{
			Beam:      id,
			Lookahead: gw.Scheduler().Lookahead(),
			Passes:    gw.Scheduler().Passes(),
			Peers:     len(gw.Peers()),
			Gateway:   gw.Stats(),
		})
	}
	return r
}

// Render writes the report as two tables.
func (r Report) Render(w io.Writer) {
	fmt.Fprintf(w, "scenario %q, %s simulated\n\n", r.Scenario, r.Elapsed)

	ut := tablewriter.NewWriter(w)
	ut.SetHeader([]string{"terminal", "beam", "state", "logons", "offered", "transmitted", "received", "dropped", "in flight", "unused", "backlog", "first data"})
	for _, t := range r.Terminals {
		first := "-"
		if !t.FirstData.IsZero() {
			first = t.FirstData.Sub(r.Epoch).String()
		}
		ut.Append([]string{
			string(t.Ut),
			t.Beam.String(),
			t.State.String(),
			strconv.Itoa(t.Logons),
			strconv.FormatInt(t.Offered, 10),
			strconv.FormatInt(t.Transmitted, 10),
			strconv.FormatInt(t.Received, 10),
			strconv.FormatInt(t.Dropped, 10),
			strconv.FormatInt(t.InFlight, 10),
			strconv.FormatInt(t.Unused, 10),
			strconv.Itoa(t.Backlog),
			first,
		})
	}
	ut.Render()
	fmt.Fprintln(w)

	beams := tablewriter.NewWriter(w)
	beams.SetHeader([]string{"beam", "lookahead", "passes", "peers", "ncr", "tbtp parts", "logons", "bursts", "unexpected", "guard", "cmt", "ra collisions"})
	for _, b := range r.Beams {
		beams.Append([]string{
			b.Beam.String(),
			strconv.Itoa(b.Lookahead),
			strconv.FormatUint(b.Passes, 10),
			strconv.Itoa(b.Peers),
			strconv.Itoa(b.Gateway.NcrSent),
			strconv.Itoa(b.Gateway.TbtpParts),
			strconv.Itoa(b.Gateway.Logons),
			strconv.Itoa(b.Gateway.Bursts),
			strconv.Itoa(b.Gateway.UnexpectedBursts),
			strconv.Itoa(b.Gateway.GuardViolations),
			strconv.Itoa(b.Gateway.CmtSent),
			strconv.Itoa(b.Gateway.RaCollisions),
		})
	}
	beams.Render()

	if r.CodecErrors > 0 || r.Lost > 0 {
		fmt.Fprintf(w, "\n%d codec errors, %d messages without a receiver\n", r.CodecErrors, r.Lost)
	}
}
