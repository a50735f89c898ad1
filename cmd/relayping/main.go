// Command relayping sends one payload through a running relay and prints
// whatever the upstream answers. It is a quick way to check that the relay
// is bound and that the upstream is reachable from it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/matst80/tcprelay/internal/obs"
	flag "github.com/spf13/pflag"
)

func main() {
	cfg := &Config{}
	cfg.bindFlags(flag.CommandLine)
	flag.Parse()
	obs.Setup(os.Stderr, "text")

	payload := []byte(cfg.Payload)
	if cfg.Payload == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			obs.Error("payload.read", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		payload = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	replyOut := io.Writer(os.Stdout)
	if cfg.Quiet {
		replyOut = io.Discard
	}
	res, err := probe(ctx, cfg, payload, replyOut)
	if err != nil {
		obs.Error("probe.failed", obs.Fields{"relay": cfg.Relay, "err": err.Error()})
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "\nsent %d bytes, received %d bytes from %s in %s\n", res.Sent, res.Received, cfg.Relay, res.Elapsed.Round(time.Millisecond))
}

type result struct {
	Sent     int
	Received int64
	Elapsed  time.Duration
}

// probe connects to the relay, writes payload and copies the reply to out
// until the relay closes or MaxReply bytes have arrived.
func probe(ctx context.Context, cfg *Config, payload []byte, out io.Writer) (result, error) {
	var res result
	if len(payload) == 0 {
		return res, errors.New("empty payload: the relay would never open an upstream connection")
	}
	start := time.Now()
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", cfg.Relay)
	if err != nil {
		return res, fmt.Errorf("dial relay: %w", err)
	}
	defer c.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}

	n, err := c.Write(payload)
	res.Sent = n
	if err != nil {
		return res, fmt.Errorf("send: %w", err)
	}
	if cfg.HalfClose {
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}

	res.Received, err = io.Copy(out, io.LimitReader(c, cfg.MaxReply))
	res.Elapsed = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("read reply: %w", err)
	}
	if res.Received == 0 {
		return res, errors.New("relay closed without a reply (upstream unreachable?)")
	}
	return res, nil
}
