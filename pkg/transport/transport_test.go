package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seqwire/seqwire/pkg/protocol"
)

// memEnd is one end of an in-memory datagram pair. Datagrams flow through
// a buffered inbox drained by a single pump goroutine, so each end sees
// arrivals in a deterministic order. An outbound drop filter simulates
// loss; a tap observes every outbound segment before the filter runs.
type memEnd struct {
	name string
	peer *memEnd

	mu      sync.Mutex
	handler func([]byte, string)
	drop    func(*protocol.Segment) bool
	tap     func(*protocol.Segment)

	inbox     chan memDatagram
	done      chan struct{}
	closeOnce sync.Once
}

type memDatagram struct {
	b    []byte
	from string
}

func newMemPair() (*memEnd, *memEnd) {
	a := &memEnd{name: "a", inbox: make(chan memDatagram, 1024), done: make(chan struct{})}
	b := &memEnd{name: "b", inbox: make(chan memDatagram, 1024), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func (e *memEnd) pump() {
	for {
		select {
		case <-e.done:
			return
		case d := <-e.inbox:
			e.mu.Lock()
			h := e.handler
			e.mu.Unlock()
			if h != nil {
				h(d.b, d.from)
			}
		}
	}
}

func (e *memEnd) SendDatagram(b []byte, addr string) error {
	_ = addr // a pair has exactly one peer
	e.mu.Lock()
	tap, drop := e.tap, e.drop
	e.mu.Unlock()
	if tap != nil || drop != nil {
		if seg, err := protocol.Unmarshal(b); err == nil {
			if tap != nil {
				tap(seg)
			}
			if drop != nil && drop(seg) {
				return nil
			}
		}
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	select {
	case e.peer.inbox <- memDatagram{buf, e.name}:
	case <-e.peer.done:
	}
	return nil
}

func (e *memEnd) OnDatagram(fn func([]byte, string)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

func (e *memEnd) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func (e *memEnd) setDrop(fn func(*protocol.Segment) bool) {
	e.mu.Lock()
	e.drop = fn
	e.mu.Unlock()
}

func (e *memEnd) setTap(fn func(*protocol.Segment)) {
	e.mu.Lock()
	e.tap = fn
	e.mu.Unlock()
}

func testConfig(t *testing.T) Config {
	return Config{
		MaxRetries:    4,
		InitialRTO:    60 * time.Millisecond,
		MinRTO:        20 * time.Millisecond,
		MaxRTO:        500 * time.Millisecond,
		WindowTimeout: 2 * time.Second,
		IdleTimeout:   time.Hour,
		SweepInterval: time.Hour,
		CloseGrace:    time.Second,
		Logger:        zaptest.NewLogger(t),
	}
}

// newTestPair wires two transports over an in-memory channel pair.
func newTestPair(t *testing.T, cfgA, cfgB Config) (*Transport, *Transport, *memEnd, *memEnd) {
	endA, endB := newMemPair()
	trA := New(endA, cfgA)
	trB := New(endB, cfgB)
	t.Cleanup(func() {
		trA.Close()
		trB.Close()
	})
	return trA, trB, endA, endB
}

func TestTransportInOrderDelivery(t *testing.T) {
	trA, trB, _, _ := newTestPair(t, testConfig(t), testConfig(t))

	sess, err := trA.Open("b")
	require.NoError(t, err)

	msgs := []string{"one", "two", "three"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, m := range msgs {
			if err := sess.Send([]byte(m)); err != nil {
				t.Errorf("send %q: %v", m, err)
				return
			}
		}
	}()

	peer, err := trB.Open("a")
	require.NoError(t, err)
	for _, want := range msgs {
		got, err := peer.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	<-done
}

func TestTransportAckLossTriggersRetransmit(t *testing.T) {
	trA, trB, _, endB := newTestPair(t, testConfig(t), testConfig(t))

	// Drop the first ACK leaving B; the retransmitted DATA is a duplicate
	// there and must be re-ACKed without a second delivery.
	var dropped bool
	endB.setDrop(func(seg *protocol.Segment) bool {
		if seg.Type == protocol.TypeAck && !dropped {
			dropped = true
			return true
		}
		return false
	})

	sess, err := trA.Open("b")
	require.NoError(t, err)
	require.NoError(t, sess.Send([]byte("hello")))

	peer, err := trB.Open("a")
	require.NoError(t, err)
	got, err := peer.Receive()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.Eventually(t, func() bool {
		return peer.Stats().Duplicates == 1
	}, time.Second, 5*time.Millisecond, "retransmitted segment should be counted as a duplicate")

	stats := sess.Stats()
	assert.Equal(t, uint64(1), stats.Retransmits)
	assert.Equal(t, uint64(1), stats.SegsSent)

	// No second delivery.
	select {
	case p := <-peer.deliverCh:
		t.Fatalf("unexpected duplicate delivery: %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportGapBufferedThenDrained(t *testing.T) {
	trA, trB, endA, _ := newTestPair(t, testConfig(t), testConfig(t))

	// Record which payload got which sequence, and lose sequence zero's
	// first transmission so everything behind it has to wait in the
	// reorder buffer.
	var mu sync.Mutex
	bySeq := map[uint32]string{}
	var droppedZero bool
	endA.setTap(func(seg *protocol.Segment) {
		if seg.Type == protocol.TypeData {
			mu.Lock()
			bySeq[seg.Seq] = string(seg.Payload)
			mu.Unlock()
		}
	})
	endA.setDrop(func(seg *protocol.Segment) bool {
		mu.Lock()
		defer mu.Unlock()
		if seg.Type == protocol.TypeData && seg.Seq == 0 && !droppedZero {
			droppedZero = true
			return true
		}
		return false
	})

	sess, err := trA.Open("b")
	require.NoError(t, err)

	// Widen the congestion window so all four sends are admitted at once;
	// slow start would otherwise serialize them and leave no gap to fill.
	sess.mu.Lock()
	sess.snd.cwnd = 8
	sess.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range []string{"w", "x", "y", "z"} {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			if err := sess.Send([]byte(m)); err != nil {
				t.Errorf("send %q: %v", m, err)
			}
		}(m)
	}

	peer, err := trB.Open("a")
	require.NoError(t, err)
	var got []string
	for i := 0; i < 4; i++ {
		p, err := peer.Receive()
		require.NoError(t, err)
		got = append(got, string(p))
	}
	wg.Wait()

	mu.Lock()
	want := []string{bySeq[0], bySeq[1], bySeq[2], bySeq[3]}
	mu.Unlock()
	assert.Equal(t, want, got, "delivery must follow sequence order, not arrival order")
	assert.True(t, droppedZero)
	assert.Zero(t, peer.Info().Buffered, "reorder buffer drains fully once the gap fills")
}

func TestTransportDeliveryFailed(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 2
	cfg.InitialRTO = 30 * time.Millisecond
	cfg.MaxRTO = 60 * time.Millisecond
	trA, _, endA, _ := newTestPair(t, cfg, testConfig(t))

	endA.setDrop(func(seg *protocol.Segment) bool {
		return seg.Type == protocol.TypeData
	})

	sess, err := trA.Open("b")
	require.NoError(t, err)

	err = sess.Send([]byte("doomed"))
	assert.ErrorIs(t, err, protocol.ErrDeliveryFailed)

	info := sess.Info()
	assert.Zero(t, info.InFlight, "failed segment must leave the pending table")
	assert.Equal(t, uint64(2), info.Stats.Retransmits)
	assert.Equal(t, uint64(1), info.Stats.Failures)
	assert.Equal(t, StateOpen, sess.State(), "delivery failure does not close the session")
}

func TestTransportSendAfterClose(t *testing.T) {
	trA, _, _, _ := newTestPair(t, testConfig(t), testConfig(t))

	sess, err := trA.Open("b")
	require.NoError(t, err)
	require.NoError(t, sess.Send([]byte("before")))
	require.NoError(t, sess.Close())

	assert.Equal(t, StateClosed, sess.State())
	assert.ErrorIs(t, sess.Send([]byte("after")), protocol.ErrSessionClosed)

	_, err = sess.Ping(100 * time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrSessionClosed)

	// A fresh Open after close yields a new session.
	again, err := trA.Open("b")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID(), again.ID())
}

func TestTransportCloseGraceAbandonsPending(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 50
	cfg.InitialRTO = 40 * time.Millisecond
	cfg.CloseGrace = 120 * time.Millisecond
	trA, _, endA, _ := newTestPair(t, cfg, testConfig(t))

	endA.setDrop(func(seg *protocol.Segment) bool {
		return seg.Type == protocol.TypeData
	})

	sess, err := trA.Open("b")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Send([]byte("stuck")) }()

	require.Eventually(t, func() bool {
		return sess.Info().InFlight == 1
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosing, sess.State())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, protocol.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("send did not resolve within the close grace")
	}
	require.Eventually(t, func() bool {
		return sess.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestTransportCloseDrainsPendingFirst(t *testing.T) {
	cfg := testConfig(t)
	cfg.CloseGrace = 2 * time.Second

	// Delay the first ACK at B so a pending segment is still in flight
	// when Close runs; the ACK must complete the close.
	trA, _, _, endB := newTestPair(t, cfg, testConfig(t))
	release := make(chan struct{})
	var held bool
	endB.setDrop(func(seg *protocol.Segment) bool {
		if seg.Type == protocol.TypeAck && !held {
			held = true
			go func() {
				<-release
				ack := &protocol.Segment{
					Version: protocol.Version,
					Type:    protocol.TypeAck,
					Seq:     seg.Seq,
				}
				frame, _ := ack.Marshal()
				endB.SendDatagram(frame, "a")
			}()
			return true
		}
		return false
	})

	sess, err := trA.Open("b")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Send([]byte("draining")) }()

	require.Eventually(t, func() bool {
		return sess.Info().InFlight == 1
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosing, sess.State())

	close(release)
	select {
	case err := <-errCh:
		assert.NoError(t, err, "segment acknowledged during CLOSING completes normally")
	case <-time.After(time.Second):
		t.Fatal("held ACK never resolved the send")
	}
	require.Eventually(t, func() bool {
		return sess.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestTransportWindowTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdvertisedWindow = 1
	cfg.MaxRetries = 50
	cfg.WindowTimeout = 150 * time.Millisecond
	trA, _, endA, _ := newTestPair(t, cfg, testConfig(t))

	endA.setDrop(func(seg *protocol.Segment) bool {
		return seg.Type == protocol.TypeData
	})

	sess, err := trA.Open("b")
	require.NoError(t, err)

	go sess.Send([]byte("first")) // occupies the single window slot

	require.Eventually(t, func() bool {
		return sess.Info().InFlight == 1
	}, time.Second, 2*time.Millisecond)

	err = sess.Send([]byte("second"))
	assert.ErrorIs(t, err, protocol.ErrWindowTimeout)
}

func TestTransportRateLimiterThrottles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rate = 20
	cfg.Burst = 1
	trA, trB, _, _ := newTestPair(t, cfg, testConfig(t))

	peer, err := trB.Open("a")
	require.NoError(t, err)
	peer.OnReceive(func([]byte) {})

	sess, err := trA.Open("b")
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, sess.Send([]byte("tick")))
	}
	elapsed := time.Since(start)
	// Burst 1 at 20/s: four of the five sends wait ~50ms each.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "token bucket should pace admissions")
}

func TestTransportIdleSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 80 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	trA, _, _, _ := newTestPair(t, cfg, testConfig(t))

	sess, err := trA.Open("b")
	require.NoError(t, err)
	require.Equal(t, StateOpen, sess.State())

	require.Eventually(t, func() bool {
		return sess.State() == StateClosed
	}, time.Second, 10*time.Millisecond, "idle session should be swept")
	assert.ErrorIs(t, sess.Send([]byte("late")), protocol.ErrSessionClosed)
	assert.Zero(t, trA.Info().Sessions)
}

func TestTransportPing(t *testing.T) {
	trA, _, _, _ := newTestPair(t, testConfig(t), testConfig(t))

	sess, err := trA.Open("b")
	require.NoError(t, err)

	rtt, err := sess.Ping(time.Second)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Less(t, rtt, time.Second)
}

func TestTransportPingTimeout(t *testing.T) {
	trA, _, endA, _ := newTestPair(t, testConfig(t), testConfig(t))
	endA.setDrop(func(seg *protocol.Segment) bool {
		return seg.Type == protocol.TypePing
	})

	sess, err := trA.Open("b")
	require.NoError(t, err)

	_, err = sess.Ping(80 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pong")
}

func TestTransportInboundSessionHook(t *testing.T) {
	trA, trB, _, _ := newTestPair(t, testConfig(t), testConfig(t))

	sessions := make(chan *Session, 4)
	trB.OnSession(func(s *Session) { sessions <- s })

	sess, err := trA.Open("b")
	require.NoError(t, err)
	require.NoError(t, sess.Send([]byte("knock")))

	select {
	case peer := <-sessions:
		assert.Equal(t, "a", peer.Peer())
		got, err := peer.Receive()
		require.NoError(t, err)
		assert.Equal(t, "knock", string(got))
	case <-time.After(time.Second):
		t.Fatal("inbound traffic did not create a session")
	}

	// Further segments reuse the session; the hook fires once per peer.
	require.NoError(t, sess.Send([]byte("again")))
	select {
	case <-sessions:
		t.Fatal("hook fired twice for the same peer")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportInFlightNeverExceedsWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdvertisedWindow = 2
	trA, trB, endA, _ := newTestPair(t, cfg, testConfig(t))

	var mu sync.Mutex
	maxInFlight := 0
	var sess *Session
	endA.setTap(func(seg *protocol.Segment) {
		if seg.Type != protocol.TypeData {
			return
		}
		n := sess.Info().InFlight
		mu.Lock()
		if n > maxInFlight {
			maxInFlight = n
		}
		mu.Unlock()
	})

	peer, err := trB.Open("a")
	require.NoError(t, err)
	peer.OnReceive(func([]byte) {})

	sess, err = trA.Open("b")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Send([]byte("load")); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 2, "in-flight count is bounded by the advertised window")
	assert.Greater(t, maxInFlight, 0)
}

func TestTransportMalformedDatagramDropped(t *testing.T) {
	trA, trB, endA, _ := newTestPair(t, testConfig(t), testConfig(t))
	_ = trA

	require.NoError(t, endA.SendDatagram([]byte("not a segment"), "b"))

	require.Eventually(t, func() bool {
		return trB.Info().CodecDrops == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, trB.Info().Sessions, "garbage must not create a session")
}

func TestTransportInfoCounters(t *testing.T) {
	trA, trB, _, _ := newTestPair(t, testConfig(t), testConfig(t))

	peer, err := trB.Open("a")
	require.NoError(t, err)
	peer.OnReceive(func([]byte) {})

	sess, err := trA.Open("b")
	require.NoError(t, err)
	require.NoError(t, sess.Send([]byte("count me")))

	infoA := trA.Info()
	assert.Equal(t, 1, infoA.Sessions)
	assert.GreaterOrEqual(t, infoA.SegsOut, uint64(1))
	assert.GreaterOrEqual(t, infoA.SegsIn, uint64(1), "the ACK came back")
	assert.Greater(t, infoA.BytesOut, uint64(0))
	require.Len(t, infoA.SessionList, 1)
	si := infoA.SessionList[0]
	assert.Equal(t, "b", si.Peer)
	assert.Equal(t, "OPEN", si.State)
	assert.Equal(t, uint32(1), si.NextSendSeq)
	assert.Equal(t, uint64(1), si.Stats.AcksRecv)
	assert.Greater(t, si.SRTT, time.Duration(0), "first ACK seeds the RTT estimate")
}

func TestTransportReceiveAfterCloseDrains(t *testing.T) {
	trA, trB, _, _ := newTestPair(t, testConfig(t), testConfig(t))

	sess, err := trA.Open("b")
	require.NoError(t, err)
	require.NoError(t, sess.Send([]byte("kept")))

	peer, err := trB.Open("a")
	require.NoError(t, err)
	// The ACK races the local delivery queueing; wait for the payload to
	// land before closing.
	require.Eventually(t, func() bool {
		return len(peer.deliverCh) == 1
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, peer.Close())

	got, err := peer.Receive()
	require.NoError(t, err, "payloads delivered before close remain readable")
	assert.Equal(t, "kept", string(got))

	_, err = peer.Receive()
	assert.ErrorIs(t, err, protocol.ErrSessionClosed)
}
