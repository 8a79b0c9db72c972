package transport

// Channel is the raw datagram channel the transport runs over: unreliable,
// unordered, message-oriented, addressable by an opaque peer string.
// Implementations may drop, duplicate, or reorder datagrams arbitrarily;
// the transport never assumes otherwise.
type Channel interface {
	// SendDatagram transmits a single datagram to the given peer address.
	// A returned error counts as one lost attempt — the retransmission
	// machinery recovers from it the same way it recovers from loss.
	SendDatagram(b []byte, addr string) error

	// OnDatagram registers the inbound handler. It must be set before
	// traffic flows; implementations invoke it from a single reader
	// goroutine, one datagram at a time.
	OnDatagram(fn func(b []byte, addr string))

	// Close tears down the channel and stops inbound delivery.
	Close() error
}
