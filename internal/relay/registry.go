package relay

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matst80/tcprelay/internal/obs"
	"github.com/matst80/tcprelay/internal/proto"
)

// connEntry tracks one in-flight connection. client and upstream are owned by
// the handler; the registry only closes them on forced shutdown.
type connEntry struct {
	id       string
	peer     string
	client   net.Conn
	upstream net.Conn
	state    ConnState
	started  time.Time
	forced   bool

	up   atomic.Int64 // client -> upstream
	down atomic.Int64 // upstream -> client
}

type registry struct {
	clock clockwork.Clock

	mu       sync.Mutex
	conns    map[string]*connEntry
	closing  bool
	ready    bool
	forced   bool
	total    int64
	rejected int64
	failed   int64
	// bytes of connections that already finished
	doneUp   int64
	doneDown int64
}

func newRegistry(clock clockwork.Clock) *registry {
	return &registry{clock: clock, conns: make(map[string]*connEntry)}
}

// add registers a freshly accepted connection. After a forced shutdown the
// connection is closed right away and the entry comes back marked forced.
func (r *registry) add(c net.Conn) *connEntry {
	id, err := randomID(8)
	e := &connEntry{peer: c.RemoteAddr().String(), client: c, state: StateAccepted, started: r.clock.Now()}
	r.mu.Lock()
	r.total++
	if err != nil {
		id = "c" + strconv.FormatInt(r.total, 10)
	}
	e.id = id
	if r.forced {
		e.forced = true
		r.mu.Unlock()
		_ = c.Close()
		return e
	}
	r.conns[id] = e
	obs.ActiveConnections.Set(float64(len(r.conns)))
	r.mu.Unlock()
	return e
}

func (r *registry) setState(e *connEntry, st ConnState) {
	r.mu.Lock()
	if st > e.state {
		e.state = st
	}
	r.mu.Unlock()
}

// attachUpstream records the upstream connection. It returns false when the
// entry was force-closed in the meantime and the caller must drop upstream.
func (r *registry) attachUpstream(e *connEntry, upstream net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.forced {
		return false
	}
	e.upstream = upstream
	return true
}

func (r *registry) isForced(e *connEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.forced
}

// remove marks the entry closed and folds its counters into the totals.
func (r *registry) remove(e *connEntry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.state = StateClosed
	delete(r.conns, e.id)
	r.doneUp += e.up.Load()
	r.doneDown += e.down.Load()
	if err != nil && !errors.Is(err, ErrNoData) && !errors.Is(err, ErrServerClosed) {
		r.failed++
	}
	obs.ActiveConnections.Set(float64(len(r.conns)))
}

func (r *registry) addRejected() {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
}

// closeAll force-closes every registered connection and makes later add
// calls close immediately. It returns the number of connections closed.
func (r *registry) closeAll() int {
	r.mu.Lock()
	r.forced = true
	var victims []*connEntry
	for _, e := range r.conns {
		e.forced = true
		victims = append(victims, e)
	}
	r.mu.Unlock()
	for _, e := range victims {
		_ = e.client.Close()
		r.mu.Lock()
		up := e.upstream
		r.mu.Unlock()
		if up != nil {
			_ = up.Close()
		}
	}
	return len(victims)
}

func (r *registry) setClosing(v bool) { r.mu.Lock(); r.closing = v; r.mu.Unlock() }
func (r *registry) setReady(v bool)   { r.mu.Lock(); r.ready = v; r.mu.Unlock() }
func (r *registry) isClosing() bool   { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *registry) isReady() bool     { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *registry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *registry) snapshot() proto.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := proto.State{
		Ready:       r.ready,
		Closing:     r.closing,
		Active:      len(r.conns),
		Total:       r.total,
		Rejected:    r.rejected,
		Failed:      r.failed,
		BytesUp:     r.doneUp,
		BytesDown:   r.doneDown,
		Connections: make([]proto.ConnInfo, 0, len(r.conns)),
		Now:         r.clock.Now().UTC(),
	}
	for _, e := range r.conns {
		up, down := e.up.Load(), e.down.Load()
		st.BytesUp += up
		st.BytesDown += down
		st.Connections = append(st.Connections, proto.ConnInfo{
			ID:        e.id,
			Peer:      e.peer,
			State:     e.state.String(),
			Started:   e.started.UTC(),
			BytesUp:   up,
			BytesDown: down,
		})
	}
	sort.Slice(st.Connections, func(i, j int) bool {
		return st.Connections[i].Started.Before(st.Connections[j].Started)
	})
	return st
}

// randomID is swapped out in tests.
var randomID = cryptoRandomID

// cryptoRandomID returns a hex string of n random bytes.
func cryptoRandomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
