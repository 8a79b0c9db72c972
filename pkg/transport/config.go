package transport

import (
	"time"

	"go.uber.org/zap"
)

// Config tunes a Transport. The zero value is usable: every field falls
// back to its default when unset.
type Config struct {
	// Retransmission
	MaxRetries int           // retransmissions per segment before DeliveryFailed (default 8)
	InitialRTO time.Duration // RTO before the first RTT sample (default 1s)
	MinRTO     time.Duration // lower RTO clamp (default 200ms)
	MaxRTO     time.Duration // upper RTO clamp and backoff cap (default 10s)

	// Windowing. The wire format carries no window field, so the
	// advertised window is fixed per session from configuration.
	AdvertisedWindow   int // max unacknowledged segments in flight (default 32)
	SlowStartThreshold int // initial ssthresh in segments (default 64)
	RecvWindow         int // reorder buffer bound in segments (default 128)
	RecvQueueLen       int // delivered-payload queue capacity (default 512)

	// Rate limiting (token bucket). Zero Rate disables throttling.
	Rate  float64 // token refill rate, segments per second
	Burst int     // bucket capacity (default 16)

	// WindowTimeout bounds how long Send may stay suspended waiting for
	// a window slot or a rate token (default 30s).
	WindowTimeout time.Duration

	// Lifecycle
	IdleTimeout   time.Duration // inactivity before OPEN sessions auto-close (default 120s)
	SweepInterval time.Duration // idle sweep cadence (default 15s)
	CloseGrace    time.Duration // max wait for pending segments in CLOSING (default 5s)

	// Logger receives transport events (nil = no logging).
	Logger *zap.Logger
}

// Default tuning constants (used when Config fields are zero).
const (
	DefaultMaxRetries         = 8
	DefaultInitialRTO         = 1 * time.Second
	DefaultMinRTO             = 200 * time.Millisecond
	DefaultMaxRTO             = 10 * time.Second
	DefaultAdvertisedWindow   = 32
	DefaultSlowStartThreshold = 64
	DefaultRecvWindow         = 128
	DefaultRecvQueueLen       = 512
	DefaultBurst              = 16
	DefaultWindowTimeout      = 30 * time.Second
	DefaultIdleTimeout        = 120 * time.Second
	DefaultSweepInterval      = 15 * time.Second
	DefaultCloseGrace         = 5 * time.Second
)

func (c *Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

func (c *Config) initialRTO() time.Duration {
	if c.InitialRTO > 0 {
		return c.InitialRTO
	}
	return DefaultInitialRTO
}

func (c *Config) minRTO() time.Duration {
	if c.MinRTO > 0 {
		return c.MinRTO
	}
	return DefaultMinRTO
}

func (c *Config) maxRTO() time.Duration {
	if c.MaxRTO > 0 {
		return c.MaxRTO
	}
	return DefaultMaxRTO
}

func (c *Config) advertisedWindow() int {
	if c.AdvertisedWindow > 0 {
		return c.AdvertisedWindow
	}
	return DefaultAdvertisedWindow
}

func (c *Config) slowStartThreshold() int {
	if c.SlowStartThreshold > 0 {
		return c.SlowStartThreshold
	}
	return DefaultSlowStartThreshold
}

func (c *Config) recvWindow() int {
	if c.RecvWindow > 0 {
		return c.RecvWindow
	}
	return DefaultRecvWindow
}

func (c *Config) recvQueueLen() int {
	if c.RecvQueueLen > 0 {
		return c.RecvQueueLen
	}
	return DefaultRecvQueueLen
}

func (c *Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return DefaultBurst
}

func (c *Config) windowTimeout() time.Duration {
	if c.WindowTimeout > 0 {
		return c.WindowTimeout
	}
	return DefaultWindowTimeout
}

func (c *Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return DefaultIdleTimeout
}

func (c *Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return DefaultSweepInterval
}

func (c *Config) closeGrace() time.Duration {
	if c.CloseGrace > 0 {
		return c.CloseGrace
	}
	return DefaultCloseGrace
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
