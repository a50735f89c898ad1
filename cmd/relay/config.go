package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/matst80/tcprelay/internal/ratelimit"
	"github.com/matst80/tcprelay/internal/relay"
	flag "github.com/spf13/pflag"
)

// envPrefix is prepended to upper-cased flag names: --dial-timeout becomes RELAY_DIAL_TIMEOUT.
const envPrefix = "RELAY_"

// Config holds all runtime configuration derived from flags, the environment and an optional .env file.
type Config struct {
	Listen           string
	Upstream         string
	Mode             string
	ChunkSize        int
	DialTimeout      time.Duration
	FirstByteTimeout time.Duration
	IdleTimeout      time.Duration
	MaxConns         int
	QueueSize        int
	GlobalRate       int
	PeerRate         int
	Burst            int
	ShutdownGrace    time.Duration
	StatusAddr       string
	LogFormat        string
	Debug            bool
	EnvFile          string
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", relay.DefaultListenAddr, "local address to accept client connections on")
	fs.StringVar(&c.Upstream, "upstream", "8.8.8.8:443", "fixed upstream host:port every connection is relayed to")
	fs.StringVar(&c.Mode, "mode", string(relay.ModeDuplex), "copy mode: duplex (both directions) or reply (first client chunk, then upstream reply only)")
	fs.IntVar(&c.ChunkSize, "chunk-size", relay.DefaultChunkSize, "read buffer size in bytes")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", relay.DefaultDialTimeout, "upstream connect timeout")
	fs.DurationVar(&c.FirstByteTimeout, "first-byte-timeout", relay.DefaultFirstByteTimeout, "how long to wait for the client's first bytes")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", 5*time.Minute, "close connections with no traffic in either direction for this long (0 = never)")
	fs.IntVar(&c.MaxConns, "max-conns", relay.DefaultMaxConns, "maximum concurrently handled connections")
	fs.IntVar(&c.QueueSize, "queue-size", relay.DefaultQueueSize, "accepted connections allowed to wait for a free handler; more are closed")
	fs.IntVar(&c.GlobalRate, "rate", 0, "accepted connections per second across all peers (0 = unlimited)")
	fs.IntVar(&c.PeerRate, "peer-rate", 0, "accepted connections per second per peer IP (0 = unlimited)")
	fs.IntVar(&c.Burst, "burst", 10, "rate limiter burst size")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", 10*time.Second, "time to let in-flight connections drain on shutdown before closing them")
	fs.StringVar(&c.StatusAddr, "status-addr", "127.0.0.1:9100", "metrics, health and dashboard listen address (empty disables)")
	fs.StringVar(&c.LogFormat, "log-format", "json", "log output: json or text")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&c.EnvFile, "env-file", ".env", "optional dotenv file with RELAY_* settings")
}

// applyEnv fills every flag that was not set on the command line from
// RELAY_<NAME>, so explicit flags always win over the environment.
func applyEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		v, ok := lookup(key)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			firstErr = fmt.Errorf("%s: %w", key, err)
		}
	})
	return firstErr
}

func (c *Config) limiter() *ratelimit.RateLimiter {
	if c.GlobalRate <= 0 && c.PeerRate <= 0 {
		return nil
	}
	return ratelimit.New(ratelimit.Config{GlobalRate: c.GlobalRate, PerPeerRate: c.PeerRate, Burst: c.Burst})
}

func (c *Config) relayConfig(limiter *ratelimit.RateLimiter) relay.Config {
	return relay.Config{
		ListenAddr:       c.Listen,
		Upstream:         c.Upstream,
		Mode:             relay.Mode(c.Mode),
		ChunkSize:        c.ChunkSize,
		DialTimeout:      c.DialTimeout,
		FirstByteTimeout: c.FirstByteTimeout,
		IdleTimeout:      c.IdleTimeout,
		MaxConns:         c.MaxConns,
		QueueSize:        c.QueueSize,
		Limiter:          limiter,
	}
}
