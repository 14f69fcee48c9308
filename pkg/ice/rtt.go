package ice

import "time"

// RTTEstimator tracks the smoothed round-trip time and its mean deviation
// over a sequence of keepalive RTT samples.
//
// The algorithm is the exponentially smoothed estimator from Van Jacobson's
// congestion avoidance work as standardized in RFC 6298 Section 2, using
// scaled unsigned integer arithmetic: alpha = 1/8 for the mean and
// beta = 1/4 for the deviation.
type RTTEstimator struct {
	initialized bool
	mean        scaledEstimator
	deviation   scaledEstimator
}

// scaledEstimator keeps value<<shift so the smoothing update stays in
// integer arithmetic. shift=3 gives alpha 0.125, shift=2 gives 0.25.
type scaledEstimator struct {
	shift  uint8
	scaled uint32
}

func newScaledEstimator(shift uint8, value uint32) scaledEstimator {
	return scaledEstimator{shift: shift, scaled: value << shift}
}

// smoothed returns the current estimate.
func (e *scaledEstimator) smoothed() uint32 {
	return e.scaled >> e.shift
}

// record folds a new measurement into the estimate and returns the absolute
// error against the previous estimate.
func (e *scaledEstimator) record(value uint32) uint32 {
	mean := e.smoothed()
	switch {
	case value < mean:
		absErr := mean - value
		if absErr > e.scaled {
			e.scaled = 0
		} else {
			e.scaled -= absErr
		}
		return absErr
	case value > mean:
		absErr := value - mean
		e.scaled += absErr
		return absErr
	default:
		return 0
	}
}

// HasSample reports whether at least one measurement was recorded.
func (r *RTTEstimator) HasSample() bool {
	return r.initialized
}

// Record folds a new RTT measurement into the estimate.
func (r *RTTEstimator) Record(rtt time.Duration) {
	value := micros(rtt)
	if !r.initialized {
		r.mean = newScaledEstimator(3, value)
		r.deviation = newScaledEstimator(2, value/2)
		r.initialized = true
		return
	}
	absErr := r.mean.record(value)
	r.deviation.record(absErr)
}

// Mean returns the smoothed RTT estimate. Zero before the first sample.
func (r *RTTEstimator) Mean() time.Duration {
	if !r.initialized {
		return 0
	}
	return time.Duration(r.mean.smoothed()) * time.Microsecond
}

// Deviation returns the smoothed mean deviation of the RTT. Mean deviation
// is a more conservative measure of variation than standard deviation and
// cheaper to compute.
func (r *RTTEstimator) Deviation() time.Duration {
	if !r.initialized {
		return 0
	}
	return time.Duration(r.deviation.smoothed()) * time.Microsecond
}

// micros converts a duration to whole microseconds, saturating at the
// uint32 range (just over 71 minutes).
func micros(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	us := d.Microseconds()
	if us > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(us)
}
