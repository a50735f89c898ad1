package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testUpstream is a loopback TCP server that runs handler for every
// connection and counts accepts.
type testUpstream struct {
	ln      net.Listener
	accepts atomic.Int64
	wg      sync.WaitGroup
}

func startUpstream(t *testing.T, handler func(net.Conn)) *testUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &testUpstream{ln: ln}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			u.accepts.Add(1)
			u.wg.Add(1)
			go func() {
				defer u.wg.Done()
				defer c.Close()
				handler(c)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		u.wg.Wait()
	})
	return u
}

func (u *testUpstream) addr() string { return u.ln.Addr().String() }

// echoHandler copies everything back and half-closes on EOF.
func echoHandler(c net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := c.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = c.(*net.TCPConn).CloseWrite()
			return
		}
	}
}

// unusedAddr returns a loopback address nothing is listening on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newTestConfig(upstream string) Config {
	return Config{
		ListenAddr:       "127.0.0.1:0",
		Upstream:         upstream,
		DialTimeout:      2 * time.Second,
		FirstByteTimeout: 2 * time.Second,
		IdleTimeout:      5 * time.Second,
	}
}

// startServer binds and serves cfg until the test ends.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()
	require.Eventually(t, s.Ready, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = s.Shutdown(shutdownCtx)
		require.NoError(t, <-serveErr)
	})
	return s
}

func dialRelay(t *testing.T, s *Server) *net.TCPConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c.(*net.TCPConn)
}

// countingDial wraps net.Dialer and counts calls.
func countingDial(n *atomic.Int64) DialFunc {
	var d net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		n.Add(1)
		return d.DialContext(ctx, network, addr)
	}
}
