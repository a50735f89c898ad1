package relay

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind says which side of a relayed connection failed.
type Kind int

const (
	KindClient Kind = iota + 1
	KindUpstream
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

var (
	// ErrNoData means the client closed before sending anything. No upstream
	// connection is opened in that case.
	ErrNoData = errors.New("client closed before sending data")
	// ErrRejected means the connection was closed without being handled.
	ErrRejected = errors.New("connection rejected")
	// ErrServerClosed is returned for connections cut short by Shutdown.
	ErrServerClosed = errors.New("relay server closed")
)

// ConnError is the result of a failed connection.
type ConnError struct {
	Kind Kind
	Op   string // read, write or dial
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, or false when err is not a ConnError.
func KindOf(err error) (Kind, bool) {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

func connErr(side Kind, op string, err error) *ConnError {
	if isTimeout(err) {
		return &ConnError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &ConnError{Kind: side, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
