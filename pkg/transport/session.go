package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seqwire/seqwire/pkg/protocol"
)

type SessionState uint8

const (
	StateOpen SessionState = iota
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "unknown"
	}
}

// SessionStats tracks per-session traffic and reliability metrics.
type SessionStats struct {
	SegsSent    uint64 // DATA segments admitted and transmitted
	SegsRecv    uint64 // DATA segments received (including duplicates)
	BytesSent   uint64 // payload bytes sent
	BytesRecv   uint64 // payload bytes received
	Retransmits uint64 // timeout-based retransmissions
	Duplicates  uint64 // duplicate DATA segments re-ACKed without delivery
	DupAcks     uint64 // ACKs for sequences no longer pending
	AcksSent    uint64
	AcksRecv    uint64
	Failures    uint64 // segments that exhausted retries
}

// Session is the reliable transport state for one remote peer: a sender
// engine, a receiver engine, and the OPEN → CLOSING → CLOSED lifecycle.
// All mutable state is guarded by mu; the dispatcher, retransmission
// timers, and application calls all serialize through it.
type Session struct {
	id   uuid.UUID
	peer string
	tr   *Transport
	log  *zap.Logger

	// ctx is cancelled when the session leaves OPEN; it aborts Sends
	// suspended on the window or the rate limiter.
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	mu           sync.Mutex
	state        SessionState
	snd          *sendEngine
	rcv          *recvEngine
	lastActivity time.Time
	closeTimer   *time.Timer // CLOSING grace timer
	pings        map[uint32]chan struct{}
	nextPingSeq  uint32
	stats        SessionStats

	deliverCh chan []byte   // in-order payloads awaiting the application
	closedCh  chan struct{} // closed when the session enters CLOSED
	recvOnce  sync.Once     // OnReceive pump guard
}

func newSession(tr *Transport, peer string) *Session {
	cfg := &tr.cfg
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           uuid.New(),
		peer:         peer,
		tr:           tr,
		ctx:          ctx,
		cancel:       cancel,
		limiter:      rate.NewLimiter(limit, cfg.burst()),
		state:        StateOpen,
		snd:          newSendEngine(cfg),
		rcv:          newRecvEngine(cfg),
		lastActivity: time.Now(),
		pings:        make(map[uint32]chan struct{}),
		deliverCh:    make(chan []byte, cfg.recvQueueLen()),
		closedCh:     make(chan struct{}),
	}
	s.log = tr.log.With(zap.String("session", s.id.String()), zap.String("peer", peer))
	return s
}

func (s *Session) ID() uuid.UUID { return s.id }
func (s *Session) Peer() string  { return s.peer }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// touchLocked resets the idle clock. Must be called with mu held.
func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

// Send transmits one payload reliably. It blocks until the peer
// acknowledges the segment, and returns ErrDeliveryFailed when retries
// exhaust, ErrSessionClosed when the session leaves OPEN, or
// ErrWindowTimeout when the send window or rate budget stays unavailable
// beyond the configured deadline.
func (s *Session) Send(payload []byte) error {
	if len(payload) > protocol.MaxPayloadSize {
		return fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), protocol.MaxPayloadSize)
	}

	deadline := time.Now().Add(s.tr.cfg.windowTimeout())

	// One token per admitted segment.
	waitCtx, cancelWait := context.WithDeadline(s.ctx, deadline)
	err := s.limiter.Wait(waitCtx)
	cancelWait()
	if err != nil {
		if s.ctx.Err() != nil {
			return protocol.ErrSessionClosed
		}
		return protocol.ErrWindowTimeout
	}

	timeout := time.NewTimer(time.Until(deadline))
	defer timeout.Stop()

	s.mu.Lock()
	for {
		if s.state != StateOpen {
			s.mu.Unlock()
			return protocol.ErrSessionClosed
		}
		if s.snd.windowOpen() {
			break
		}
		s.mu.Unlock()
		select {
		case <-s.snd.windowCh:
		case <-timeout.C:
			return protocol.ErrWindowTimeout
		case <-s.ctx.Done():
			return protocol.ErrSessionClosed
		}
		s.mu.Lock()
	}

	seq := s.snd.nextSeq
	s.snd.nextSeq++
	seg := &protocol.Segment{
		Version:   protocol.Version,
		Type:      protocol.TypeData,
		Seq:       seq,
		Timestamp: protocol.NowTimestamp(),
		Payload:   payload,
	}
	frame, err := seg.Marshal()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	p := &pendingSegment{
		seq:          seq,
		frame:        frame,
		sentAt:       time.Now(),
		rto:          s.snd.rtt.rto(),
		firstAttempt: true,
		done:         make(chan error, 1),
	}
	s.snd.pending[seq] = p
	p.timer = time.AfterFunc(p.rto, func() { s.onRetransmitTimeout(seq) })
	s.touchLocked()
	s.stats.SegsSent++
	s.stats.BytesSent += uint64(len(payload))
	s.mu.Unlock()

	// A channel error is one lost attempt; the timer retries.
	s.tr.sendFrame(s.peer, frame)

	return <-p.done
}

// onRetransmitTimeout fires when a pending segment's timer expires. A
// segment already retired by an ACK or by close is simply absent from the
// pending table, so a late fire is a no-op.
func (s *Session) onRetransmitTimeout(seq uint32) {
	s.mu.Lock()
	p, ok := s.snd.pending[seq]
	if !ok || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.touchLocked() // a live retry run is activity, not idleness

	if p.retries >= s.tr.cfg.maxRetries() {
		delete(s.snd.pending, seq)
		if !p.lossSignaled {
			s.snd.onLoss()
			p.lossSignaled = true
		}
		s.snd.signalWindow()
		s.stats.Failures++
		drained := s.state == StateClosing && len(s.snd.pending) == 0
		s.mu.Unlock()

		s.log.Warn("delivery failed, retries exhausted",
			zap.Uint32("seq", seq), zap.Int("retries", p.retries))
		p.done <- protocol.ErrDeliveryFailed
		if drained {
			s.finishClose()
		}
		return
	}

	p.retries++
	p.firstAttempt = false
	p.rto = backoffRTO(p.rto, s.tr.cfg.maxRTO())
	if !p.lossSignaled {
		// The first timeout of this segment counts as one loss event.
		s.snd.onLoss()
		p.lossSignaled = true
	}
	p.timer = time.AfterFunc(p.rto, func() { s.onRetransmitTimeout(seq) })
	s.stats.Retransmits++
	frame := p.frame
	retries := p.retries
	s.mu.Unlock()

	s.log.Debug("retransmitting segment",
		zap.Uint32("seq", seq), zap.Int("attempt", retries+1))
	s.tr.sendFrame(s.peer, frame)
}

// handleSegment routes one decoded inbound segment. Called from the
// transport dispatcher.
func (s *Session) handleSegment(seg *protocol.Segment) {
	switch seg.Type {
	case protocol.TypeData:
		s.handleData(seg)
	case protocol.TypeAck:
		s.handleAck(seg)
	case protocol.TypePing:
		s.handlePing(seg)
	case protocol.TypePong:
		s.handlePong(seg)
	}
}

func (s *Session) handleAck(seg *protocol.Segment) {
	s.mu.Lock()
	s.touchLocked()
	s.stats.AcksRecv++
	p, ok := s.snd.pending[seg.Seq]
	if !ok {
		// The segment already retired (duplicate ACK), or failed.
		s.stats.DupAcks++
		s.mu.Unlock()
		return
	}
	p.timer.Stop()
	delete(s.snd.pending, seg.Seq)
	if p.firstAttempt {
		// Retransmitted segments never feed the estimator: an ACK for
		// one is ambiguous between attempts (Karn's algorithm).
		s.snd.rtt.sample(time.Since(p.sentAt))
	}
	s.snd.onAck()
	s.snd.signalWindow()
	drained := s.state == StateClosing && len(s.snd.pending) == 0
	s.mu.Unlock()

	p.done <- nil
	if drained {
		s.finishClose()
	}
}

func (s *Session) handleData(seg *protocol.Segment) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	s.stats.SegsRecv++
	s.stats.BytesRecv += uint64(len(seg.Payload))

	delivered, verdict := s.rcv.offer(seg.Seq, seg.Payload)

	var ackFrame []byte
	switch verdict {
	case verdictTooFar:
		// Beyond the receive window: drop without acknowledgment; the
		// sender retransmits once its window permits.
	case verdictDuplicate:
		s.stats.Duplicates++
		fallthrough
	default:
		// ACK acknowledges receipt, not delivery — duplicates are
		// re-ACKed so the sender can retire a segment whose original
		// ACK was lost.
		ack := &protocol.Segment{
			Version:   protocol.Version,
			Type:      protocol.TypeAck,
			Seq:       seg.Seq,
			Timestamp: seg.Timestamp,
		}
		ackFrame, _ = ack.Marshal()
		s.stats.AcksSent++
	}
	s.mu.Unlock()

	if ackFrame != nil {
		s.tr.sendFrame(s.peer, ackFrame)
	}

	// Deliver outside the lock: the queue is bounded, and a full queue
	// backpressures the dispatcher rather than growing memory.
	for _, p := range delivered {
		select {
		case s.deliverCh <- p:
		case <-s.closedCh:
			return
		}
	}
}

func (s *Session) handlePing(seg *protocol.Segment) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	pong := &protocol.Segment{
		Version:   protocol.Version,
		Type:      protocol.TypePong,
		Seq:       seg.Seq,
		Timestamp: seg.Timestamp,
		Payload:   seg.Payload,
	}
	frame, _ := pong.Marshal()
	s.mu.Unlock()

	s.tr.sendFrame(s.peer, frame)
}

func (s *Session) handlePong(seg *protocol.Segment) {
	s.mu.Lock()
	s.touchLocked()
	ch, ok := s.pings[seg.Seq]
	if ok {
		delete(s.pings, seg.Seq)
	}
	s.mu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

// Ping sends a PING probe and waits for the matching PONG, returning the
// measured round-trip time. Ping sequences are independent of the DATA
// sequence space.
func (s *Session) Ping(timeout time.Duration) (time.Duration, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return 0, protocol.ErrSessionClosed
	}
	seq := s.nextPingSeq
	s.nextPingSeq++
	ch := make(chan struct{}, 1)
	s.pings[seq] = ch
	ping := &protocol.Segment{
		Version:   protocol.Version,
		Type:      protocol.TypePing,
		Seq:       seq,
		Timestamp: protocol.NowTimestamp(),
	}
	frame, _ := ping.Marshal()
	s.touchLocked()
	s.mu.Unlock()

	start := time.Now()
	s.tr.sendFrame(s.peer, frame)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return time.Since(start), nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pings, seq)
		s.mu.Unlock()
		return 0, fmt.Errorf("ping %d: no pong within %v", seq, timeout)
	case <-s.ctx.Done():
		return 0, protocol.ErrSessionClosed
	}
}

// Receive blocks until the next in-order payload is available, or the
// session is closed and drained.
func (s *Session) Receive() ([]byte, error) {
	select {
	case p := <-s.deliverCh:
		return p, nil
	case <-s.closedCh:
		// Drain payloads delivered before the close.
		select {
		case p := <-s.deliverCh:
			return p, nil
		default:
			return nil, protocol.ErrSessionClosed
		}
	}
}

// OnReceive starts a goroutine invoking fn for each delivered payload, in
// order. Only the first registration takes effect.
func (s *Session) OnReceive(fn func([]byte)) {
	s.recvOnce.Do(func() {
		go func() {
			for {
				p, err := s.Receive()
				if err != nil {
					return
				}
				fn(p)
			}
		}()
	})
}

// Close moves the session to CLOSING: new sends fail immediately, while
// already-pending segments keep retrying until acknowledged, failed, or the
// grace period expires, whichever first.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.cancel() // aborts sends suspended on window or rate budget
	if len(s.snd.pending) == 0 {
		s.toClosedLocked()
		s.mu.Unlock()
		s.tr.removeSession(s.peer, s)
		return nil
	}
	s.closeTimer = time.AfterFunc(s.tr.cfg.closeGrace(), s.finishClose)
	s.mu.Unlock()
	return nil
}

// finishClose forces CLOSING→CLOSED (grace expiry, pending table drained,
// or transport shutdown).
func (s *Session) finishClose() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.toClosedLocked()
	s.mu.Unlock()
	s.tr.removeSession(s.peer, s)
}

// toClosedLocked is the single place session resources are released: it
// stops every timer, abandons outstanding segments, and drops both tables.
// Must be called with mu held; runs at most once (state guard).
func (s *Session) toClosedLocked() {
	s.state = StateClosed
	s.cancel()
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	for seq, p := range s.snd.pending {
		p.timer.Stop()
		delete(s.snd.pending, seq)
		p.done <- protocol.ErrSessionClosed
	}
	s.pings = nil
	s.rcv.release()
	close(s.closedCh)
	s.log.Info("session closed",
		zap.Uint64("segs_sent", s.stats.SegsSent),
		zap.Uint64("segs_recv", s.stats.SegsRecv),
		zap.Uint64("retransmits", s.stats.Retransmits))
}

// SessionInfo describes a session for diagnostics.
type SessionInfo struct {
	ID              string
	Peer            string
	State           string
	NextSendSeq     uint32
	ExpectedRecvSeq uint32
	InFlight        int
	CongWindow      float64
	SlowStartThresh float64
	SRTT            time.Duration
	RTO             time.Duration
	Buffered        int
	Stats           SessionStats
}

// Info returns a diagnostic snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:              s.id.String(),
		Peer:            s.peer,
		State:           s.state.String(),
		NextSendSeq:     s.snd.nextSeq,
		ExpectedRecvSeq: s.rcv.expected,
		InFlight:        len(s.snd.pending),
		CongWindow:      s.snd.cwnd,
		SlowStartThresh: s.snd.ssthresh,
		SRTT:            s.snd.rtt.srtt,
		RTO:             s.snd.rtt.rto(),
		Buffered:        s.rcv.buffered(),
		Stats:           s.stats,
	}
}
