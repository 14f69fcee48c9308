// Package bwe implements loss- and delay-aware send-side bandwidth
// estimation.
//
// The estimator follows the additive-increase/multiplicative-decrease shape
// of Google Congestion Control: receiver-report loss rates and the gradient
// of one-way delay drive a single smoothed rate between a configured floor
// and ceiling. The estimate is advisory; the media layer uses it as a
// pacing budget and may momentarily exceed it to flush starved
// retransmissions.
package bwe

import (
	"time"

	"github.com/pion/logging"
)

// State tags the current control-law phase.
type State int

const (
	// StateIncrease means the estimator is probing upwards.
	StateIncrease State = iota

	// StateHold means the estimate is held at its current value.
	StateHold

	// StateDecrease means congestion was signalled and the estimate was
	// backed off.
	StateDecrease
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIncrease:
		return "Increase"
	case StateHold:
		return "Hold"
	case StateDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// Config tunes the estimator. The zero value uses the defaults below.
type Config struct {
	// InitialRate is the starting estimate in bits per second.
	InitialRate int

	// MinRate / MaxRate clamp the estimate. The estimate can never leave
	// [MinRate, MaxRate] regardless of the feedback sequence.
	MinRate int
	MaxRate int

	// LossDecreaseThreshold is the fraction-lost value above which the
	// rate is backed off (default 0.10).
	LossDecreaseThreshold float64

	// LossIncreaseThreshold is the fraction-lost value below which the
	// rate may grow (default 0.02). Between the two thresholds the rate
	// holds.
	LossIncreaseThreshold float64

	// IncreaseFactor is the multiplicative growth per low-loss report
	// (default 1.08).
	IncreaseFactor float64

	// DecreaseFactor is the multiplicative back-off per congestion signal
	// (default 0.85).
	DecreaseFactor float64

	// DelayThreshold is the smoothed queuing-delay gradient, per sample,
	// treated as a congestion signal (default 1ms).
	DelayThreshold time.Duration

	// LoggerFactory provides the estimator logger.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.InitialRate == 0 {
		c.InitialRate = 300_000
	}
	if c.MinRate == 0 {
		c.MinRate = 30_000
	}
	if c.MaxRate == 0 {
		c.MaxRate = 10_000_000
	}
	if c.LossDecreaseThreshold == 0 {
		c.LossDecreaseThreshold = 0.10
	}
	if c.LossIncreaseThreshold == 0 {
		c.LossIncreaseThreshold = 0.02
	}
	if c.IncreaseFactor == 0 {
		c.IncreaseFactor = 1.08
	}
	if c.DecreaseFactor == 0 {
		c.DecreaseFactor = 0.85
	}
	if c.DelayThreshold == 0 {
		c.DelayThreshold = time.Millisecond
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Estimator holds the smoothed rate estimate. Not safe for concurrent use;
// the session engine serializes access.
type Estimator struct {
	cfg Config
	log logging.LeveledLogger

	rate  float64
	state State

	// Smoothed queuing-delay gradient in nanoseconds per sample,
	// alpha = 1/8.
	delayGradient float64
	delaySamples  int
}

// NewEstimator creates an estimator at the configured initial rate.
func NewEstimator(cfg Config) *Estimator {
	cfg.applyDefaults()
	return &Estimator{
		cfg:   cfg,
		log:   cfg.LoggerFactory.NewLogger("bwe"),
		rate:  float64(cfg.InitialRate),
		state: StateHold,
	}
}

// Rate returns the current estimate in bits per second. It is always
// within [MinRate, MaxRate].
func (e *Estimator) Rate() int { return int(e.rate) }

// State returns the current control-law phase.
func (e *Estimator) State() State { return e.state }

// OnPacketTiming feeds one interarrival sample: the spacing between two
// packets at the sender and the spacing observed at the receiver. A
// receive delta persistently exceeding the send delta means the bottleneck
// queue is growing.
func (e *Estimator) OnPacketTiming(sendDelta, recvDelta time.Duration) {
	gradient := float64(recvDelta - sendDelta)
	e.delayGradient += (gradient - e.delayGradient) / 8
	e.delaySamples++
}

// OnReceiverReport applies one loss report. fractionLost is the RTCP
// 1/256 fixed-point value.
func (e *Estimator) OnReceiverReport(fractionLost uint8) {
	loss := float64(fractionLost) / 256

	congested := loss > e.cfg.LossDecreaseThreshold || e.delayRising()

	switch {
	case congested:
		e.rate *= e.cfg.DecreaseFactor
		e.state = StateDecrease
		// Consume the delay signal so a single spike does not trigger
		// repeated back-off.
		e.delayGradient = 0
	case loss < e.cfg.LossIncreaseThreshold:
		e.rate *= e.cfg.IncreaseFactor
		e.state = StateIncrease
	default:
		e.state = StateHold
	}
	e.clamp()
	e.log.Tracef("estimate %d bps (%s, loss=%.3f)", int(e.rate), e.state, loss)
}

// delayRising reports whether the smoothed delay gradient signals a
// growing queue. Requires a handful of samples before it can trigger.
func (e *Estimator) delayRising() bool {
	return e.delaySamples >= 4 && e.delayGradient > float64(e.cfg.DelayThreshold)
}

func (e *Estimator) clamp() {
	if e.rate < float64(e.cfg.MinRate) {
		e.rate = float64(e.cfg.MinRate)
	}
	if e.rate > float64(e.cfg.MaxRate) {
		e.rate = float64(e.cfg.MaxRate)
	}
}
