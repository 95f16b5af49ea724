package observability

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/satmac-simulator/internal/beam"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
	"github.com/signalsfoundry/satmac-simulator/internal/gwmac"
	"github.com/signalsfoundry/satmac-simulator/internal/ncc"
	"github.com/signalsfoundry/satmac-simulator/internal/utmac"
)

// DamaCollector bundles the Prometheus metrics of the MAC layer: allocation
// passes, NCC admission and load control, gateway reception and terminal
// synchronization. A nil collector discards everything.
type DamaCollector struct {
	gatherer prometheus.Gatherer

	GrantedBytes   *prometheus.CounterVec
	UnmetBytes     *prometheus.CounterVec
	ExceedingBytes *prometheus.CounterVec
	UsableBytes    *prometheus.GaugeVec
	FrameLoad      *prometheus.GaugeVec
	TbtpParts      *prometheus.CounterVec
	TbtpBytes      *prometheus.CounterVec
	PassDuration   *prometheus.HistogramVec
	RejectedCrs    *prometheus.CounterVec
	Terminals      *prometheus.GaugeVec

	Logons     *prometheus.CounterVec
	Logoffs    *prometheus.CounterVec
	RaLoadHigh *prometheus.GaugeVec

	Bursts        *prometheus.CounterVec
	ReceivedBytes *prometheus.CounterVec
	DroppedBytes  *prometheus.CounterVec
	Cmts          *prometheus.CounterVec

	SyncState     *prometheus.GaugeVec
	LogonAttempts *prometheus.CounterVec
	NcrRecoveries *prometheus.CounterVec

	SimElapsed prometheus.Gauge
}

var (
	_ beam.Recorder  = (*DamaCollector)(nil)
	_ ncc.Recorder   = (*DamaCollector)(nil)
	_ gwmac.Recorder = (*DamaCollector)(nil)
	_ utmac.Recorder = (*DamaCollector)(nil)
)

// NewDamaCollector registers the MAC metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registering twice against the same registry reuses the existing metrics.
func NewDamaCollector(reg prometheus.Registerer) (*DamaCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &DamaCollector{gatherer: gatherer}

	var err error
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		if err != nil {
			return nil
		}
		var vec *prometheus.CounterVec
		vec, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels), name)
		return vec
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		if err != nil {
			return nil
		}
		var vec *prometheus.GaugeVec
		vec, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels), name)
		return vec
	}

	c.GrantedBytes = counter("dama_granted_bytes_total", "Bytes granted to terminals by allocation passes.", "beam")
	c.UnmetBytes = counter("dama_unmet_bytes_total", "Requested bytes left unserved by allocation passes.", "beam")
	c.ExceedingBytes = counter("dama_exceeding_bytes_total", "Bytes granted beyond the terminals' requests.", "beam")
	c.UsableBytes = gauge("dama_usable_bytes", "Dedicated capacity per superframe at the most robust waveform.", "beam")
	c.FrameLoad = gauge("dama_frame_load_ratio", "Used fraction of each dedicated frame in the last pass.", "beam", "frame")
	c.TbtpParts = counter("dama_tbtp_parts_total", "TBTP parts emitted.", "beam")
	c.TbtpBytes = counter("dama_tbtp_bytes_total", "DVB size of the TBTPs emitted.", "beam")
	c.RejectedCrs = counter("dama_rejected_cr_elements_total", "Capacity request elements rejected, by RC and reason.", "beam", "rc", "reason")
	c.Terminals = gauge("dama_terminals", "Terminals scheduled per beam.", "beam")
	c.Logons = counter("ncc_logons_total", "Terminals admitted to a beam.", "beam")
	c.Logoffs = counter("ncc_logoffs_total", "Terminals removed from a beam, by reason.", "beam", "reason")
	c.RaLoadHigh = gauge("ncc_ra_load_high", "1 while an allocation channel uses its high-load parameters.", "beam", "allocation_channel")
	c.Bursts = counter("gw_bursts_total", "Return-link bursts received, by type and outcome.", "beam", "type", "accepted")
	c.ReceivedBytes = counter("gw_received_bytes_total", "User bytes received in accepted dedicated bursts.", "beam")
	c.DroppedBytes = counter("gw_dropped_bytes_total", "User bytes in dedicated bursts the gateway rejected.", "beam")
	c.Cmts = counter("gw_cmt_total", "Correction messages sent.", "beam")
	c.SyncState = gauge("ut_sync_state", "1 for the synchronization state each terminal is in.", "ut", "state")
	c.LogonAttempts = counter("ut_logon_attempts_total", "Logon bursts sent.", "ut")
	c.NcrRecoveries = counter("ut_ncr_recoveries_total", "Entries into NCR recovery.", "ut")
	if err != nil {
		return nil, err
	}

	c.PassDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dama_pass_duration_seconds",
		Help:    "Wall-clock duration of allocation passes.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"beam"}), "dama_pass_duration_seconds")
	if err != nil {
		return nil, err
	}
	c.SimElapsed, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_elapsed_seconds",
		Help: "Simulated time since the scenario epoch.",
	}), "sim_elapsed_seconds")
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *DamaCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *DamaCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordPass implements beam.Recorder.
func (c *DamaCollector) RecordPass(report beam.CapacityReport, tbtp beam.TbtpSent, elapsed time.Duration) {
	if c == nil {
		return
	}
	b := report.Beam.String()
	var exceeding uint32
	for _, u := range report.Uts {
		exceeding += u.ExceedingBytes
	}
	c.GrantedBytes.WithLabelValues(b).Add(float64(report.TotalGranted()))
	c.UnmetBytes.WithLabelValues(b).Add(float64(report.TotalUnmet()))
	c.ExceedingBytes.WithLabelValues(b).Add(float64(exceeding))
	c.UsableBytes.WithLabelValues(b).Set(float64(report.UsableBytes))
	for _, f := range report.Frames {
		c.FrameLoad.WithLabelValues(b, strconv.Itoa(int(f.Frame))).Set(f.Load())
	}
	c.TbtpParts.WithLabelValues(b).Add(float64(tbtp.Parts))
	c.TbtpBytes.WithLabelValues(b).Add(float64(tbtp.Bytes))
	c.PassDuration.WithLabelValues(b).Observe(elapsed.Seconds())
}

// RecordRejectedCr implements beam.Recorder.
func (c *DamaCollector) RecordRejectedCr(id ctrlmsg.BeamID, rc uint8, err error) {
	if c == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, dama.ErrZeroQuota):
		reason = "zero_quota"
	case errors.Is(err, dama.ErrUnknownRc):
		reason = "unknown_rc"
	}
	c.RejectedCrs.WithLabelValues(id.String(), strconv.Itoa(int(rc)), reason).Inc()
}

// SetTerminals implements beam.Recorder.
func (c *DamaCollector) SetTerminals(id ctrlmsg.BeamID, n int) {
	if c == nil {
		return
	}
	c.Terminals.WithLabelValues(id.String()).Set(float64(n))
}

// RecordLogon implements ncc.Recorder.
func (c *DamaCollector) RecordLogon(id ctrlmsg.BeamID) {
	if c == nil {
		return
	}
	c.Logons.WithLabelValues(id.String()).Inc()
}

// RecordLogoff implements ncc.Recorder.
func (c *DamaCollector) RecordLogoff(id ctrlmsg.BeamID, reason string) {
	if c == nil {
		return
	}
	c.Logoffs.WithLabelValues(id.String(), reason).Inc()
}

// RecordRaLoad implements ncc.Recorder.
func (c *DamaCollector) RecordRaLoad(id ctrlmsg.BeamID, allocationChannel uint8, high bool) {
	if c == nil {
		return
	}
	v := 0.0
	if high {
		v = 1
	}
	c.RaLoadHigh.WithLabelValues(id.String(), strconv.Itoa(int(allocationChannel))).Set(v)
}

// RecordBurst implements gwmac.Recorder.
func (c *DamaCollector) RecordBurst(id ctrlmsg.BeamID, typ ctrlmsg.BurstType, userBytes int, accepted bool) {
	if c == nil {
		return
	}
	c.Bursts.WithLabelValues(id.String(), typ.String(), strconv.FormatBool(accepted)).Inc()
	switch {
	case userBytes <= 0:
	case accepted:
		c.ReceivedBytes.WithLabelValues(id.String()).Add(float64(userBytes))
	default:
		c.DroppedBytes.WithLabelValues(id.String()).Add(float64(userBytes))
	}
}

// RecordCmt implements gwmac.Recorder.
func (c *DamaCollector) RecordCmt(id ctrlmsg.BeamID) {
	if c == nil {
		return
	}
	c.Cmts.WithLabelValues(id.String()).Inc()
}

// RecordSyncState implements utmac.Recorder.
func (c *DamaCollector) RecordSyncState(ut dama.UtID, state utmac.State) {
	if c == nil {
		return
	}
	for _, s := range utmac.States() {
		v := 0.0
		if s == state {
			v = 1
		}
		c.SyncState.WithLabelValues(string(ut), s.String()).Set(v)
	}
}

// RecordLogonAttempt implements utmac.Recorder.
func (c *DamaCollector) RecordLogonAttempt(ut dama.UtID) {
	if c == nil {
		return
	}
	c.LogonAttempts.WithLabelValues(string(ut)).Inc()
}

// RecordNcrRecovery implements utmac.Recorder.
func (c *DamaCollector) RecordNcrRecovery(ut dama.UtID) {
	if c == nil {
		return
	}
	c.NcrRecoveries.WithLabelValues(string(ut)).Inc()
}

// SetSimElapsed publishes how far the simulation clock has advanced.
func (c *DamaCollector) SetSimElapsed(d time.Duration) {
	if c == nil {
		return
	}
	c.SimElapsed.Set(d.Seconds())
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero C
		return zero, err
	}
	return c, nil
}
