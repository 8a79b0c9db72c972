package transport

// recvVerdict classifies an arrived DATA segment.
type recvVerdict uint8

const (
	verdictDeliver   recvVerdict = iota // in order: deliver (plus any drained slots), ACK
	verdictBuffered                     // ahead but within window: slotted, ACK
	verdictDuplicate                    // behind expected or already slotted: ACK again, no delivery
	verdictTooFar                       // beyond the receive window: drop, no ACK
)

// recvEngine owns the reorder buffer and duplicate detection for one
// session. Anything behind expected, or already slotted, is a duplicate.
// All fields are guarded by the owning session's mutex.
type recvEngine struct {
	expected uint32            // next in-order sequence
	slots    map[uint32][]byte // out-of-order segments keyed by seq
	window   int               // reorder buffer bound (segments)
}

func newRecvEngine(cfg *Config) *recvEngine {
	return &recvEngine{
		slots:  make(map[uint32][]byte),
		window: cfg.recvWindow(),
	}
}

// offer processes an arrived DATA segment and returns the payloads now
// deliverable in order. On an in-order arrival it drains every slot made
// contiguous by it, so a single retransmitted gap-filler releases the whole
// run behind it.
func (e *recvEngine) offer(seq uint32, payload []byte) ([][]byte, recvVerdict) {
	if seqBefore(seq, e.expected) {
		return nil, verdictDuplicate
	}

	if seq == e.expected {
		delivered := [][]byte{payload}
		e.expected++
		for {
			p, ok := e.slots[e.expected]
			if !ok {
				break
			}
			delete(e.slots, e.expected)
			delivered = append(delivered, p)
			e.expected++
		}
		return delivered, verdictDeliver
	}

	// Ahead of expected
	if _, dup := e.slots[seq]; dup {
		return nil, verdictDuplicate
	}
	if seq-e.expected >= uint32(e.window) {
		return nil, verdictTooFar
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	e.slots[seq] = buf
	return nil, verdictBuffered
}

// buffered returns the reorder buffer occupancy.
func (e *recvEngine) buffered() int { return len(e.slots) }

// release drops the reorder buffer; called once, when the session closes.
func (e *recvEngine) release() { e.slots = nil }

// seqAfter returns true if a is after b in the circular uint32 sequence
// space (RFC 1982 serial number arithmetic).
func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqBefore returns true if a is before b in circular uint32 sequence space.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
