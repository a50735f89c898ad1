package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/tcprelay/internal/obs"
)

type closeWriter interface {
	CloseWrite() error
}

// direction describes one half of a relayed connection.
type direction struct {
	name    string // metric label
	srcKind Kind
	dstKind Kind
	count   *atomic.Int64
}

// pump copies between a client and its upstream. Activity in either
// direction keeps both alive, so a long one-way stream is never cut by the
// idle timeout on the quiet side.
type pump struct {
	client   net.Conn
	upstream net.Conn
	chunk    int
	idle     time.Duration

	last   atomic.Int64 // unix nanos of the last byte moved
	closed atomic.Bool
	once   sync.Once
}

func newPump(client, upstream net.Conn, chunk int, idle time.Duration) *pump {
	p := &pump{client: client, upstream: upstream, chunk: chunk, idle: idle}
	p.touch()
	return p
}

// Deadlines are wall-clock based, so activity is tracked with time.Now too.
func (p *pump) touch() { p.last.Store(time.Now().UnixNano()) }

func (p *pump) sinceLast() time.Duration {
	return time.Since(time.Unix(0, p.last.Load()))
}

func (p *pump) closeBoth() {
	p.once.Do(func() {
		p.closed.Store(true)
		_ = p.client.Close()
		_ = p.upstream.Close()
	})
}

// duplex pumps both directions concurrently and returns the first failure.
// EOF on one side half-closes the other so the remaining direction can drain.
func (p *pump) duplex(e *connEntry) error {
	errc := make(chan error, 2)
	go func() {
		errc <- p.copy(p.upstream, p.client, direction{name: "up", srcKind: KindClient, dstKind: KindUpstream, count: &e.up})
	}()
	go func() {
		errc <- p.copy(p.client, p.upstream, direction{name: "down", srcKind: KindUpstream, dstKind: KindClient, count: &e.down})
	}()
	var first error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}
	p.closeBoth()
	return first
}

// reply streams the upstream's answer back to the client and nothing else.
func (p *pump) reply(e *connEntry) error {
	err := p.copy(p.client, p.upstream, direction{name: "down", srcKind: KindUpstream, dstKind: KindClient, count: &e.down})
	p.closeBoth()
	return err
}

func (p *pump) copy(dst, src net.Conn, d direction) error {
	buf := make([]byte, p.chunk)
	bytes := obs.BytesTotal.WithLabelValues(d.name)
	for {
		if p.idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(p.idle))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			p.touch()
			if p.idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(p.idle))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if p.closed.Load() {
					return nil
				}
				p.closeBoth()
				return connErr(d.dstKind, "write", werr)
			}
			d.count.Add(int64(n))
			bytes.Add(float64(n))
		}
		if rerr == nil {
			continue
		}
		if p.closed.Load() {
			// the other direction already failed and closed both sockets
			return nil
		}
		if errors.Is(rerr, io.EOF) {
			p.halfClose(dst)
			return nil
		}
		if isTimeout(rerr) && p.sinceLast() < p.idle {
			continue
		}
		p.closeBoth()
		return connErr(d.srcKind, "read", rerr)
	}
}

func (p *pump) halfClose(dst net.Conn) {
	if cw, ok := dst.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	// no half-close available: EOF ends the whole connection
	p.closeBoth()
}
