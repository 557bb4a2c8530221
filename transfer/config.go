package transfer

import (
	"time"

	"github.com/tinyrpc/rpcstack/status"
)

// Config holds the transfer client/server knobs of SPEC_FULL.md §6. Zero
// Config is not ready to use; start from DefaultConfig and apply setters,
// each of which validates its argument and returns
// status.Error{Code: InvalidArgument} on violation (§8 property 8).
type Config struct {
	MaxBytesToReceive      uint64
	ExtendWindowDivisor    uint32
	MaxRetries             uint32
	MaxLifetimeRetries     uint32
	DefaultProtocolVersion ProtocolVersion
	Timeout                time.Duration
	InitialChunkTimeout    time.Duration

	// MaxChunkSize caps the data carried by each outbound Data chunk and
	// is advertised to the peer in Parameters. It has no setter. The
	// Thread holds no data buffer of its own: each outbound chunk is read
	// into a freshly allocated buffer of at most this size.
	MaxChunkSize uint32
}

// DefaultConfig returns a Config with conservative, self-consistent
// defaults: a window equal to one chunk, up to 3 stalls per session
// before giving up, 10 lifetime retries, and the V2 handshake.
func DefaultConfig() Config {
	return Config{
		MaxBytesToReceive:      0,
		ExtendWindowDivisor:    2,
		MaxRetries:             3,
		MaxLifetimeRetries:     10,
		DefaultProtocolVersion: V2,
		Timeout:                2 * time.Second,
		InitialChunkTimeout:    4 * time.Second,
		MaxChunkSize:           1024,
	}
}

// SetExtendWindowDivisor sets the threshold for extending the window
// early; must be > 1.
func (c *Config) SetExtendWindowDivisor(v uint32) error {
	if v <= 1 {
		return status.New(status.InvalidArgument, "extend_window_divisor must be > 1, got %d", v)
	}
	c.ExtendWindowDivisor = v
	return nil
}

// SetMaxRetries sets the per-stall retry budget; must be >= 1 and <=
// MaxLifetimeRetries.
func (c *Config) SetMaxRetries(v uint32) error {
	if v < 1 {
		return status.New(status.InvalidArgument, "max_retries must be >= 1, got %d", v)
	}
	if v > c.MaxLifetimeRetries {
		return status.New(status.InvalidArgument, "max_retries (%d) must be <= max_lifetime_retries (%d)", v, c.MaxLifetimeRetries)
	}
	c.MaxRetries = v
	return nil
}

// SetMaxLifetimeRetries sets the total retry budget across the session;
// must be >= MaxRetries.
func (c *Config) SetMaxLifetimeRetries(v uint32) error {
	if v < c.MaxRetries {
		return status.New(status.InvalidArgument, "max_lifetime_retries (%d) must be >= max_retries (%d)", v, c.MaxRetries)
	}
	c.MaxLifetimeRetries = v
	return nil
}

// SetDefaultProtocolVersion sets the version applied when a caller omits
// one on Read/Write.
func (c *Config) SetDefaultProtocolVersion(v ProtocolVersion) error {
	if v != Legacy && v != V2 {
		return status.New(status.InvalidArgument, "unrecognized protocol version %d", v)
	}
	c.DefaultProtocolVersion = v
	return nil
}

// SetTimeout sets the per-chunk inactivity timeout while a session is
// active; must be positive.
func (c *Config) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return status.New(status.InvalidArgument, "timeout must be positive, got %v", d)
	}
	c.Timeout = d
	return nil
}

// SetInitialChunkTimeout sets the inactivity timeout for the initial
// handshake; must be positive.
func (c *Config) SetInitialChunkTimeout(d time.Duration) error {
	if d <= 0 {
		return status.New(status.InvalidArgument, "initial_chunk_timeout must be positive, got %v", d)
	}
	c.InitialChunkTimeout = d
	return nil
}
