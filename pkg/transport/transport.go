package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seqwire/seqwire/pkg/protocol"
)

// Transport multiplexes reliable sessions over one datagram channel, keyed
// by peer address. The session table is the only cross-session state; each
// session serializes its own bookkeeping independently.
type Transport struct {
	cfg Config
	ch  Channel
	log *zap.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	onSession func(*Session)

	done      chan struct{}
	closeOnce sync.Once

	// Channel-level counters (atomic, teacher-style diagnostics).
	SegsIn     uint64
	SegsOut    uint64
	BytesIn    uint64
	BytesOut   uint64
	CodecDrops uint64
}

// New wires a Transport onto the given channel and starts the inbound
// dispatcher and the idle sweeper.
func New(ch Channel, cfg Config) *Transport {
	t := &Transport{
		cfg:      cfg,
		ch:       ch,
		log:      cfg.logger(),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	ch.OnDatagram(t.handleDatagram)
	go t.sweepLoop()
	return t
}

// Open returns the session for the peer, creating it lazily in OPEN state.
func (t *Transport) Open(peer string) (*Session, error) {
	if peer == "" {
		return nil, fmt.Errorf("open: empty peer address")
	}
	select {
	case <-t.done:
		return nil, protocol.ErrSessionClosed
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[peer]; ok {
		return s, nil
	}
	s := newSession(t, peer)
	t.sessions[peer] = s
	t.log.Debug("session opened", zap.String("peer", peer), zap.String("session", s.id.String()))
	return s, nil
}

// OnSession registers a hook invoked once for each session created by
// inbound traffic from a previously unknown peer.
func (t *Transport) OnSession(fn func(*Session)) {
	t.mu.Lock()
	t.onSession = fn
	t.mu.Unlock()
}

// handleDatagram is the central dispatcher: it decodes each inbound
// datagram and routes it to the owning session, creating one for unknown
// peers. Malformed datagrams are dropped silently — from the sender's
// perspective they are indistinguishable from loss.
func (t *Transport) handleDatagram(b []byte, addr string) {
	seg, err := protocol.Unmarshal(b)
	if err != nil {
		atomic.AddUint64(&t.CodecDrops, 1)
		t.log.Debug("dropping malformed datagram", zap.String("from", addr), zap.Error(err))
		return
	}
	atomic.AddUint64(&t.SegsIn, 1)
	atomic.AddUint64(&t.BytesIn, uint64(len(b)))

	s, created := t.getOrCreateSession(addr)
	if s == nil {
		return // transport shut down
	}
	if created {
		t.mu.RLock()
		hook := t.onSession
		t.mu.RUnlock()
		if hook != nil {
			hook(s)
		}
	}
	s.handleSegment(seg)
}

func (t *Transport) getOrCreateSession(peer string) (*Session, bool) {
	select {
	case <-t.done:
		return nil, false
	default:
	}

	t.mu.RLock()
	s, ok := t.sessions[peer]
	t.mu.RUnlock()
	if ok {
		return s, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[peer]; ok {
		return s, false
	}
	s = newSession(t, peer)
	t.sessions[peer] = s
	t.log.Debug("session accepted", zap.String("peer", peer), zap.String("session", s.id.String()))
	return s, true
}

// sendFrame hands encoded bytes to the channel. Channel errors are one
// lost attempt: logged and otherwise ignored, the retransmission timers
// recover.
func (t *Transport) sendFrame(peer string, frame []byte) {
	if err := t.ch.SendDatagram(frame, peer); err != nil {
		t.log.Debug("channel send failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	atomic.AddUint64(&t.SegsOut, 1)
	atomic.AddUint64(&t.BytesOut, uint64(len(frame)))
}

func (t *Transport) removeSession(peer string, s *Session) {
	t.mu.Lock()
	if t.sessions[peer] == s {
		delete(t.sessions, peer)
	}
	t.mu.Unlock()
}

func (t *Transport) snapshotSessions() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// sweepLoop periodically closes sessions idle beyond IdleTimeout.
func (t *Transport) sweepLoop() {
	ticker := time.NewTicker(t.cfg.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweepIdle()
		}
	}
}

func (t *Transport) sweepIdle() {
	maxIdle := t.cfg.idleTimeout()
	now := time.Now()
	for _, s := range t.snapshotSessions() {
		s.mu.Lock()
		expired := s.state == StateOpen && now.Sub(s.lastActivity) > maxIdle
		if expired {
			s.toClosedLocked()
		}
		s.mu.Unlock()
		if expired {
			t.removeSession(s.peer, s)
			t.log.Info("idle session swept", zap.String("peer", s.peer), zap.String("session", s.id.String()))
		}
	}
}

// Close shuts the transport down: every session goes straight to CLOSED
// (skipping the close grace), then the channel is closed.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		for _, s := range t.snapshotSessions() {
			s.finishClose()
		}
		err = t.ch.Close()
	})
	return err
}

// TransportInfo is a diagnostic snapshot of the transport and its sessions.
type TransportInfo struct {
	Sessions    int
	SegsIn      uint64
	SegsOut     uint64
	BytesIn     uint64
	BytesOut    uint64
	CodecDrops  uint64
	SessionList []SessionInfo
}

// Info returns current transport status.
func (t *Transport) Info() TransportInfo {
	sessions := t.snapshotSessions()
	info := TransportInfo{
		Sessions:   len(sessions),
		SegsIn:     atomic.LoadUint64(&t.SegsIn),
		SegsOut:    atomic.LoadUint64(&t.SegsOut),
		BytesIn:    atomic.LoadUint64(&t.BytesIn),
		BytesOut:   atomic.LoadUint64(&t.BytesOut),
		CodecDrops: atomic.LoadUint64(&t.CodecDrops),
	}
	for _, s := range sessions {
		info.SessionList = append(info.SessionList, s.Info())
	}
	return info
}
