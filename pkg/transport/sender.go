package transport

import (
	"time"
)

// maxCongWindow caps congestion window growth (segments).
const maxCongWindow = 1 << 16

// minSSThresh is the multiplicative-decrease floor (segments).
const minSSThresh = 2

// pendingSegment is a sent DATA segment awaiting acknowledgment.
type pendingSegment struct {
	seq    uint32
	frame  []byte // marshalled wire bytes, retransmitted verbatim
	sentAt time.Time
	rto    time.Duration // timeout for the next attempt (doubles per timeout)

	retries      int
	firstAttempt bool // true until the first retransmission; guards RTT sampling
	lossSignaled bool // multiplicative decrease already applied for this segment

	timer *time.Timer // armed retransmission timer; Stop on ACK/close
	done  chan error  // resolves the blocked Send call (buffered)
}

// sendEngine owns the outbound window: the pending-segment table, sequence
// assignment, RTT state, and AIMD congestion control. All fields are
// guarded by the owning session's mutex.
type sendEngine struct {
	nextSeq uint32
	pending map[uint32]*pendingSegment

	cwnd      float64 // congestion window, in segments
	ssthresh  float64 // slow-start threshold, in segments
	advWindow int     // receiver-advertised window, fixed per session

	rtt rttEstimator

	windowCh chan struct{} // signaled when the in-flight count drops
}

func newSendEngine(cfg *Config) *sendEngine {
	return &sendEngine{
		pending:   make(map[uint32]*pendingSegment),
		cwnd:      1,
		ssthresh:  float64(cfg.slowStartThreshold()),
		advWindow: cfg.advertisedWindow(),
		rtt:       newRTTEstimator(cfg.initialRTO(), cfg.minRTO(), cfg.maxRTO()),
		windowCh:  make(chan struct{}, 1),
	}
}

// effectiveWindow returns min(cwnd, advertisedWindow), at least one segment.
func (e *sendEngine) effectiveWindow() int {
	win := int(e.cwnd)
	if win < 1 {
		win = 1
	}
	if win > e.advWindow {
		win = e.advWindow
	}
	return win
}

// windowOpen reports whether a new segment may be admitted for transmission.
func (e *sendEngine) windowOpen() bool {
	return len(e.pending) < e.effectiveWindow()
}

// onAck grows the congestion window: slow start below ssthresh
// (exponential), congestion avoidance above it (linear, ~1 segment per RTT).
func (e *sendEngine) onAck() {
	if e.cwnd < e.ssthresh {
		e.cwnd++
	} else {
		e.cwnd += 1 / e.cwnd
	}
	if e.cwnd > maxCongWindow {
		e.cwnd = maxCongWindow
	}
}

// onLoss applies multiplicative decrease.
func (e *sendEngine) onLoss() {
	half := e.cwnd / 2
	if half < minSSThresh {
		half = minSSThresh
	}
	e.ssthresh = half
	e.cwnd = half
}

// signalWindow wakes one sender suspended on a full window.
func (e *sendEngine) signalWindow() {
	select {
	case e.windowCh <- struct{}{}:
	default:
	}
}
