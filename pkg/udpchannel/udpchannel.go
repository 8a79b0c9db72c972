// Package udpchannel binds the transport's datagram channel to a real UDP
// socket. UDP already matches the channel contract: unreliable, unordered,
// message-oriented, addressable.
package udpchannel

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/seqwire/seqwire/pkg/protocol"
)

// maxDatagramSize is the largest wire segment plus headroom.
const maxDatagramSize = protocol.MinSegmentSize + protocol.MaxPayloadSize

// UDPChannel implements transport.Channel over a single UDP socket.
type UDPChannel struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu       sync.RWMutex
	handler  func([]byte, string)
	resolved map[string]*net.UDPAddr // peer address cache

	done      chan struct{}
	readWg    sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds a UDP socket on addr (e.g. ":7400" or "127.0.0.1:0") and
// starts the read loop. A nil logger disables logging.
func Listen(addr string, log *zap.Logger) (*UDPChannel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	c := &UDPChannel{
		conn:     conn,
		log:      log,
		resolved: make(map[string]*net.UDPAddr),
		done:     make(chan struct{}),
	}
	c.readWg.Add(1)
	go c.readLoop()
	return c, nil
}

// LocalAddr returns the bound socket address.
func (c *UDPChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// OnDatagram registers the inbound handler.
func (c *UDPChannel) OnDatagram(fn func(b []byte, addr string)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// SendDatagram transmits one datagram to the peer address.
func (c *UDPChannel) SendDatagram(b []byte, addr string) error {
	select {
	case <-c.done:
		return protocol.ErrChannelClosed
	default:
	}

	c.mu.RLock()
	udpAddr, ok := c.resolved[addr]
	c.mu.RUnlock()
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", addr, err)
		}
		c.mu.Lock()
		c.resolved[addr] = resolved
		c.mu.Unlock()
		udpAddr = resolved
	}

	if _, err := c.conn.WriteToUDP(b, udpAddr); err != nil {
		return fmt.Errorf("write udp: %w", err)
	}
	return nil
}

func (c *UDPChannel) readLoop() {
	defer c.readWg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		n, remote, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				c.log.Debug("udp read loop stopped", zap.String("reason", "conn closed"))
			} else {
				c.log.Error("udp read error", zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue
		}

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler == nil {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handler(data, remote.String())
	}
}

// Close shuts the socket down and waits for the read loop to exit.
func (c *UDPChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.readWg.Wait()
	})
	return err
}
