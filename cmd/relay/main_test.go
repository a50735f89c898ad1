package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/matst80/tcprelay/internal/proto"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer lets the test poll output written by run.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.bindFlags(fs)
	require.NoError(t, fs.Parse(nil))
	cfg.Listen = "127.0.0.1:0"
	cfg.StatusAddr = ""
	cfg.ShutdownGrace = time.Second
	return cfg
}

func TestRun_AddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t)
	cfg.Listen = taken.Addr().String()
	var out syncBuffer

	err = run(context.Background(), cfg, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
	assert.NotContains(t, out.String(), "relay listening")

	// the existing listener still works
	go func() {
		c, err := taken.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()
	c, err := net.Dial("tcp", taken.Addr().String())
	require.NoError(t, err)
	_ = c.Close()
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = "sideways"
	assert.Error(t, run(context.Background(), cfg, io.Discard))
}

var readyLine = regexp.MustCompile(`relay listening on (\S+) -> (\S+)`)

func TestRun_RelaysUntilCancelled(t *testing.T) {
	up, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer up.Close()
	go func() {
		for {
			c, err := up.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 4)
				if _, err := io.ReadFull(c, buf); err == nil && string(buf) == "PING" {
					_, _ = c.Write([]byte("PONG"))
				}
			}()
		}
	}()

	cfg := testConfig(t)
	cfg.Upstream = up.Addr().String()
	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, &out) }()

	var relayAddr string
	require.Eventually(t, func() bool {
		m := readyLine.FindStringSubmatch(out.String())
		if m == nil {
			return false
		}
		relayAddr = m[1]
		return m[2] == cfg.Upstream
	}, 2*time.Second, 10*time.Millisecond)

	c, err := net.Dial("tcp", relayAddr)
	require.NoError(t, err)
	_, err = c.Write([]byte("PING"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(got))
	require.NoError(t, c.Close())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	_, err = net.DialTimeout("tcp", relayAddr, 200*time.Millisecond)
	assert.Error(t, err, "listener released")
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.bindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--upstream", "10.0.0.1:443"}))

	env := map[string]string{
		"RELAY_UPSTREAM":     "192.0.2.1:443",
		"RELAY_DIAL_TIMEOUT": "3s",
		"RELAY_MODE":         "reply",
		"RELAY_MAX_CONNS":    "7",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	require.NoError(t, applyEnv(fs, lookup))

	assert.Equal(t, "10.0.0.1:443", cfg.Upstream, "explicit flag wins")
	assert.Equal(t, 3*time.Second, cfg.DialTimeout)
	assert.Equal(t, "reply", cfg.Mode)
	assert.Equal(t, 7, cfg.MaxConns)
	assert.Equal(t, "127.0.0.1:8888", cfg.Listen, "default kept")
}

func TestApplyEnv_BadValue(t *testing.T) {
	cfg := &Config{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.bindFlags(fs)
	require.NoError(t, fs.Parse(nil))

	err := applyEnv(fs, func(k string) (string, bool) {
		if k == "RELAY_IDLE_TIMEOUT" {
			return "soon", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_IDLE_TIMEOUT")
}

func TestConfig_Limiter(t *testing.T) {
	cfg := testConfig(t)
	assert.Nil(t, cfg.limiter(), "no limiter unless a rate is set")
	cfg.PeerRate = 5
	assert.NotNil(t, cfg.limiter())
}

type fakeState struct {
	st    proto.State
	ready bool
}

func (f fakeState) Snapshot() proto.State { return f.st }
func (f fakeState) Ready() bool           { return f.ready }

func TestStatusServer(t *testing.T) {
	src := fakeState{ready: true, st: proto.State{Listen: "127.0.0.1:8888", Upstream: "8.8.8.8:443", Mode: "duplex", Active: 2, Total: 9}}
	h := newStatusServer(src).Handler

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var st proto.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Active)
	assert.EqualValues(t, 9, st.Total)
	assert.Equal(t, "8.8.8.8:443", st.Upstream)

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	rec = get("/dashboard")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "8.8.8.8:443")

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "relay_connections_active"))

	notReady := newStatusServer(fakeState{}).Handler
	rec = httptest.NewRecorder()
	notReady.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "relay version: dev")
}
