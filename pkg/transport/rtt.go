package transport

import "time"

// clockGranularity is the minimum variance term for RTO calculation
// (RFC 6298: RTO = SRTT + max(G, K·RTTVAR)).
const clockGranularity = 10 * time.Millisecond

// rttEstimator tracks smoothed round-trip time and derives the base
// retransmission timeout (RFC 6298, α=1/8, β=1/4, K=4). It holds no locks;
// the owning session serializes access. Per-segment exponential backoff is
// separate (backoffRTO) and never feeds back into the estimate — only
// genuine first-attempt ACK samples do.
type rttEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	sampled bool

	initialRTO time.Duration
	minRTO     time.Duration
	maxRTO     time.Duration
}

func newRTTEstimator(initial, min, max time.Duration) rttEstimator {
	return rttEstimator{initialRTO: initial, minRTO: min, maxRTO: max}
}

// sample feeds one measured round-trip time into the estimator.
func (e *rttEstimator) sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !e.sampled {
		// First measurement (RFC 6298 Section 2.2)
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.sampled = true
		return
	}
	// RTTVAR = (1-β)·RTTVAR + β·|SRTT - R|
	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = e.rttvar*3/4 + diff/4
	// SRTT = (1-α)·SRTT + α·R
	e.srtt = e.srtt*7/8 + rtt/8
}

// rto returns the retransmission timeout for a fresh transmission.
func (e *rttEstimator) rto() time.Duration {
	if !e.sampled {
		return e.initialRTO
	}
	kvar := e.rttvar * 4
	if kvar < clockGranularity {
		kvar = clockGranularity
	}
	rto := e.srtt + kvar
	if rto < e.minRTO {
		rto = e.minRTO
	}
	if rto > e.maxRTO {
		rto = e.maxRTO
	}
	return rto
}

// backoffRTO doubles a per-segment RTO after a timeout, clamped to max.
func backoffRTO(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}
