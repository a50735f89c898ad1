// Package relay implements a transparent TCP relay: every accepted client
// connection is paired with a new connection to one fixed upstream address and
// bytes are copied between the two until they close.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/matst80/tcprelay/internal/obs"
	"github.com/matst80/tcprelay/internal/proto"
)

// Server is a TCP relay. Create it with New, bind with Listen and run the
// accept loop with Serve.
type Server struct {
	cfg  Config
	reg  *registry
	pool pond.Pool

	// ctx is handed to connection handlers; cancelled when shutdown is forced.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	ln net.Listener
}

// New validates cfg and creates a Server. Nothing is bound yet.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		reg:    newRegistry(cfg.Clock),
		pool:   pond.NewPool(cfg.MaxConns, pond.WithQueueSize(cfg.QueueSize), pond.WithNonBlocking(true)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Listen binds the listening socket. A bind failure is returned as is (wrapping
// the OS error, e.g. EADDRINUSE) and is never retried.
func (s *Server) Listen() error {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	ln := s.listener()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// Upstream returns the configured upstream address.
func (s *Server) Upstream() string { return s.cfg.Upstream }

func (s *Server) listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln
}

// Serve runs the accept loop until ctx is cancelled or the listener is closed.
// Accepted connections are handed to the worker pool without blocking; when the
// pool and its queue are full the connection is closed immediately.
func (s *Server) Serve(ctx context.Context) error {
	ln := s.listener()
	if ln == nil {
		return errors.New("relay: Serve called before Listen")
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.reg.setReady(true)
	defer s.reg.setReady(false)
	obs.Info("relay.ready", obs.Fields{"listen": ln.Addr().String(), "upstream": s.cfg.Upstream, "mode": string(s.cfg.Mode)})

	bo := newAcceptBackoff()
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil || s.reg.isClosing() {
				return nil
			}
			wait := bo.NextBackOff()
			obs.Warn("relay.accept", obs.Fields{"err": err.Error(), "retry_in": wait.String()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			select {
			case <-s.cfg.Clock.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()
		_ = s.dispatch(c)
	}
}

// newAcceptBackoff paces retries after accept errors: 5ms doubling up to 1s,
// without jitter.
func newAcceptBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	// the constructor already ran Reset with its own defaults
	bo.Reset()
	return bo
}

// dispatch hands c to the worker pool. It returns an ErrRejected error when
// c was closed without being handled.
func (s *Server) dispatch(c net.Conn) error {
	obs.AcceptedTotal.Inc()
	if s.cfg.Limiter != nil && !s.cfg.Limiter.AllowConnection(peerHost(c.RemoteAddr())) {
		return s.reject(c, "rate_limited")
	}
	err := s.pool.Go(func() { s.serveConn(c) })
	if err != nil {
		reason := "pool_full"
		if errors.Is(err, pond.ErrPoolStopped) {
			reason = "closing"
		}
		return s.reject(c, reason)
	}
	return nil
}

func (s *Server) reject(c net.Conn, reason string) error {
	err := fmt.Errorf("%w: %s", ErrRejected, reason)
	obs.Debug("relay.reject", obs.Fields{"peer": c.RemoteAddr().String(), "reason": reason, "err": err.Error()})
	obs.RejectedTotal.WithLabelValues(reason).Inc()
	s.reg.addRejected()
	_ = c.Close()
	return err
}

// serveConn runs one pooled handler and logs its outcome.
func (s *Server) serveConn(c net.Conn) {
	if s.reg.isClosing() {
		_ = s.reject(c, "closing")
		return
	}
	peer := c.RemoteAddr().String()
	err := s.HandleConn(s.ctx, c)
	switch {
	case err == nil:
		obs.Debug("conn.closed", obs.Fields{"peer": peer})
	case errors.Is(err, ErrNoData):
		obs.Debug("conn.no_data", obs.Fields{"peer": peer})
	case errors.Is(err, ErrServerClosed):
		obs.Debug("conn.shutdown", obs.Fields{"peer": peer})
	default:
		kind, _ := KindOf(err)
		obs.Error("conn.failed", obs.Fields{"peer": peer, "kind": kind.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues(kind.String()).Inc()
	}
}

// Shutdown stops accepting and waits for in-flight connections to finish.
// When ctx ends first every remaining connection is closed and Shutdown
// returns ctx.Err() once all handlers have returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.reg.setClosing(true)
	if ln := s.listener(); ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.pool.StopAndWait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		n := s.reg.closeAll()
		obs.Info("relay.shutdown.forced", obs.Fields{"closed": n})
		<-done
		return ctx.Err()
	}
}

// Active returns the number of connections currently registered.
func (s *Server) Active() int { return s.reg.active() }

// Ready reports whether the accept loop is running and not shutting down.
func (s *Server) Ready() bool { return s.reg.isReady() && !s.reg.isClosing() }

// Snapshot returns counters and in-flight connections for the status API.
func (s *Server) Snapshot() proto.State {
	st := s.reg.snapshot()
	st.Upstream = s.cfg.Upstream
	st.Mode = string(s.cfg.Mode)
	st.Listen = s.cfg.ListenAddr
	if a := s.Addr(); a != nil {
		st.Listen = a.String()
	}
	return st
}

func peerHost(a net.Addr) string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
