package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matst80/tcprelay/internal/ratelimit"
)

// Mode selects how bytes are copied once the first chunk has been forwarded.
type Mode string

const (
	// ModeDuplex pumps both directions until each side has finished.
	ModeDuplex Mode = "duplex"
	// ModeReply forwards only the client's first chunk and then streams the
	// upstream reply back. Later client bytes are never read.
	ModeReply Mode = "reply"
)

// ParseMode maps a flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDuplex, ModeReply:
		return Mode(s), nil
	case "":
		return ModeDuplex, nil
	}
	return "", fmt.Errorf("unknown relay mode %q (want %q or %q)", s, ModeDuplex, ModeReply)
}

// DialFunc opens the upstream connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

const (
	DefaultListenAddr       = "127.0.0.1:8888"
	DefaultChunkSize        = 4096
	DefaultDialTimeout      = 10 * time.Second
	DefaultFirstByteTimeout = 30 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultMaxConns         = 1024
	DefaultQueueSize        = 64
)

type Config struct {
	ListenAddr string
	Upstream   string // host:port

	// Optional with defaults.
	Mode             Mode
	ChunkSize        int
	DialTimeout      time.Duration
	FirstByteTimeout time.Duration
	IdleTimeout      time.Duration // 0 disables the idle timeout
	MaxConns         int
	QueueSize        int

	Limiter *ratelimit.RateLimiter
	Dial    DialFunc
	Clock   clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Upstream == "" {
		return errors.New("upstream address is required")
	}
	if _, _, err := net.SplitHostPort(c.Upstream); err != nil {
		return fmt.Errorf("invalid upstream address %q: %w", c.Upstream, err)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}

	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode

	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk size must be > 0")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DialTimeout < 0 {
		return errors.New("dial timeout must be > 0")
	}
	if c.FirstByteTimeout == 0 {
		c.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if c.FirstByteTimeout < 0 {
		return errors.New("first byte timeout must be > 0")
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle timeout must be >= 0")
	}
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MaxConns < 0 {
		return errors.New("max conns must be > 0")
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.QueueSize < 0 {
		return errors.New("queue size must be > 0")
	}

	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}
