package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LinkCollector exposes the link-layer scheduling metrics of the gateway and
// terminal MACs.
type LinkCollector struct {
	gatherer prometheus.Gatherer

	FramesSent        *prometheus.CounterVec
	DummyFrames       prometheus.Counter
	SchedulingPasses  prometheus.Counter
	PassDuration      prometheus.Histogram
	ContainerDuration prometheus.Gauge
	Estimators        prometheus.Gauge

	TbtpsGenerated  prometheus.Counter
	TbtpHistorySize prometheus.Gauge
	CrsSent         prometheus.Counter
	CrsReceived     prometheus.Counter

	Bursts         prometheus.Counter
	BurstBytes     prometheus.Counter
	SlotUnderflows prometheus.Counter
}

// NewLinkCollector registers link metrics against the provided registerer.
func NewLinkCollector(reg prometheus.Registerer) (*LinkCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := gathererOf(reg)

	frames, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satlink_fwd_frames_sent_total",
		Help: "Forward-link BBFrames handed to the transmission sink, labeled by frame type and MODCOD.",
	}, []string{"type", "modcod"}))
	if err != nil {
		return nil, err
	}
	dummies, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satlink_fwd_dummy_frames_total",
		Help: "Dummy frames produced because no data frame was ready.",
	}))
	if err != nil {
		return nil, err
	}
	passes, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satlink_fwd_scheduling_passes_total",
		Help: "Forward-link scheduling passes, periodic and opportunistic.",
	}))
	if err != nil {
		return nil, err
	}
	passDuration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "satlink_fwd_scheduling_pass_duration_seconds",
		Help:    "Wall-clock duration of forward-link scheduling passes.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}))
	if err != nil {
		return nil, err
	}
	containerDuration, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satlink_fwd_container_duration_seconds",
		Help: "Air time of the frames buffered in the forward-link frame container.",
	}))
	if err != nil {
		return nil, err
	}
	estimators, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satlink_cno_estimators",
		Help: "Terminals with a C/N0 estimator.",
	}))
	if err != nil {
		return nil, err
	}
	tbtps, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satlink_tbtps_generated_total",
		Help: "Terminal burst time plans generated by the NCC.",
	}))
	if err != nil {
		return nil, err
	}
	history, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satlink_tbtp_history_size",
		Help: "TBTPs currently retained in the beam history.",
	}))
	if err != nil {
		return nil, err
	}
	crSent, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satlink_capacity_requests_sent_total",
		Help: "Capacity requests sent by terminals.",
	}))
	if err != nil {
		return nil, err
	}
	crReceived, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satlink_capacity_requests_received_total",
		Help: "Capacity requests received by the gateway.",
	}))
	if err != nil {
		return nil, err
	}
	bursts, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satlink_rtn_bursts_total",
		Help: "Return-link bursts transmitted by terminals.",
	}))
	if err != nil {
		return nil, err
	}
	burstBytes, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satlink_rtn_burst_bytes_total",
		Help: "Payload bytes carried in return-link bursts.",
	}))
	if err != nil {
		return nil, err
	}
	underflows, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satlink_rtn_slot_underflows_total",
		Help: "Assigned return-link slots that ended with unused payload.",
	}))
	if err != nil {
		return nil, err
	}

	return &LinkCollector{
		gatherer:          gatherer,
		FramesSent:        frames,
		DummyFrames:       dummies,
		SchedulingPasses:  passes,
		PassDuration:      passDuration,
		ContainerDuration: containerDuration,
		Estimators:        estimators,
		TbtpsGenerated:    tbtps,
		TbtpHistorySize:   history,
		CrsSent:           crSent,
		CrsReceived:       crReceived,
		Bursts:            bursts,
		BurstBytes:        burstBytes,
		SlotUnderflows:    underflows,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *LinkCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFrame counts a frame handed to the transmission sink.
func (c *LinkCollector) ObserveFrame(frameType, modcod string, dummy bool) {
	if c == nil {
		return
	}
	c.FramesSent.WithLabelValues(frameType, modcod).Inc()
	if dummy {
		c.DummyFrames.Inc()
	}
}

// ObservePass records one scheduling pass and the resulting buffered air time.
func (c *LinkCollector) ObservePass(elapsed, buffered time.Duration) {
	if c == nil {
		return
	}
	c.SchedulingPasses.Inc()
	c.PassDuration.Observe(elapsed.Seconds())
	c.ContainerDuration.Set(buffered.Seconds())
}

// SetContainerDuration updates the buffered air time gauge.
func (c *LinkCollector) SetContainerDuration(buffered time.Duration) {
	if c == nil {
		return
	}
	c.ContainerDuration.Set(buffered.Seconds())
}

// SetEstimators updates the estimator gauge.
func (c *LinkCollector) SetEstimators(n int) {
	if c == nil {
		return
	}
	c.Estimators.Set(float64(n))
}

// ObserveTbtp counts a generated TBTP and the resulting history size.
func (c *LinkCollector) ObserveTbtp(historyLen int) {
	if c == nil {
		return
	}
	c.TbtpsGenerated.Inc()
	c.TbtpHistorySize.Set(float64(historyLen))
}

// IncCrSent counts a capacity request sent by a terminal.
func (c *LinkCollector) IncCrSent() {
	if c == nil {
		return
	}
	c.CrsSent.Inc()
}

// IncCrReceived counts a capacity request received by the gateway.
func (c *LinkCollector) IncCrReceived() {
	if c == nil {
		return
	}
	c.CrsReceived.Inc()
}

// ObserveBurst counts a return-link slot. Empty slots count as underflows
// without a burst.
func (c *LinkCollector) ObserveBurst(bytes uint32, underflow bool) {
	if c == nil {
		return
	}
	if bytes > 0 {
		c.Bursts.Inc()
		c.BurstBytes.Add(float64(bytes))
	}
	if underflow {
		c.SlotUnderflows.Inc()
	}
}
