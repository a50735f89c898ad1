package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/matst80/tcprelay/internal/obs"
)

// HandleConn relays one client connection. It reads the client's first chunk,
// dials the upstream, forwards the chunk and then copies bytes according to
// the configured Mode. Both connections are closed before it returns.
//
// The returned error is nil for a connection that ended cleanly. A client
// that closes without sending anything yields ErrNoData. Other failures are
// *ConnError values carrying the failing side.
func (s *Server) HandleConn(ctx context.Context, client net.Conn) (err error) {
	e := s.reg.add(client)
	var upstream net.Conn
	defer func() {
		_ = client.Close()
		if upstream != nil {
			_ = upstream.Close()
		}
		if err != nil && s.reg.isForced(e) && !errors.Is(err, ErrServerClosed) {
			err = fmt.Errorf("%w: %v", ErrServerClosed, err)
		}
		s.reg.remove(e, err)
		obs.ConnDurationSeconds.Observe(s.cfg.Clock.Since(e.started).Seconds())
	}()

	s.reg.setState(e, StateAwaitingFirstBytes)
	first, err := s.readFirst(client)
	if err != nil {
		return err
	}

	s.reg.setState(e, StateConnectingUpstream)
	upstream, err = s.dialUpstream(ctx)
	if err != nil {
		return err
	}
	if !s.reg.attachUpstream(e, upstream) {
		return ErrServerClosed
	}

	if s.cfg.IdleTimeout > 0 {
		_ = upstream.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	if _, err := upstream.Write(first); err != nil {
		return connErr(KindUpstream, "write", err)
	}
	e.up.Add(int64(len(first)))
	obs.BytesTotal.WithLabelValues("up").Add(float64(len(first)))

	s.reg.setState(e, StateRelaying)
	obs.Debug("conn.relaying", obs.Fields{"id": e.id, "peer": e.peer, "initial_bytes": len(first)})

	p := newPump(client, upstream, s.cfg.ChunkSize, s.cfg.IdleTimeout)
	if s.cfg.Mode == ModeReply {
		return p.reply(e)
	}
	return p.duplex(e)
}

// readFirst waits for the client's first chunk of at most ChunkSize bytes.
func (s *Server) readFirst(client net.Conn) ([]byte, error) {
	buf := make([]byte, s.cfg.ChunkSize)
	_ = client.SetReadDeadline(time.Now().Add(s.cfg.FirstByteTimeout))
	defer client.SetReadDeadline(time.Time{})
	for {
		n, err := client.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil, &ConnError{Kind: KindClient, Op: "read", Err: ErrNoData}
		}
		return nil, connErr(KindClient, "read", err)
	}
}

func (s *Server) dialUpstream(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	c, err := s.cfg.Dial(dctx, "tcp", s.cfg.Upstream)
	if err != nil {
		obs.UpstreamDialsTotal.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrServerClosed, s.cfg.Upstream, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ConnError{Kind: KindTimeout, Op: "dial", Err: err}
		}
		return nil, connErr(KindUpstream, "dial", err)
	}
	obs.UpstreamDialsTotal.WithLabelValues("ok").Inc()
	return c, nil
}
