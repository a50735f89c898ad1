package main

import (
	"time"

	flag "github.com/spf13/pflag"
)

// Config holds probe runtime configuration.
type Config struct {
	Relay     string
	Payload   string
	Timeout   time.Duration
	HalfClose bool
	MaxReply  int64
	Quiet     bool
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Relay, "relay", "127.0.0.1:8888", "relay address to probe")
	fs.StringVar(&c.Payload, "payload", "PING", "bytes to send as the first chunk (\"-\" reads stdin)")
	fs.DurationVar(&c.Timeout, "timeout", 10*time.Second, "overall deadline for connect, send and reply")
	fs.BoolVar(&c.HalfClose, "half-close", true, "half-close the write side after sending so the upstream sees EOF")
	fs.Int64Var(&c.MaxReply, "max-reply", 1<<20, "stop reading the reply after this many bytes")
	fs.BoolVarP(&c.Quiet, "quiet", "q", false, "only print the summary line, not the reply bytes")
}
