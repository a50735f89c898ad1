package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/tcprelay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, upstream string) string {
	t.Helper()
	srv, err := relay.New(relay.Config{ListenAddr: "127.0.0.1:0", Upstream: upstream, DialTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		sctx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = srv.Shutdown(sctx)
	})
	return srv.Addr().String()
}

func TestProbe_ThroughRelay(t *testing.T) {
	up, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer up.Close()
	go func() {
		c, err := up.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		req, _ := io.ReadAll(c)
		if string(req) == "PING" {
			_, _ = c.Write([]byte("PONG"))
		}
	}()

	cfg := &Config{Relay: startRelay(t, up.Addr().String()), HalfClose: true, MaxReply: 1024}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	res, err := probe(ctx, cfg, []byte("PING"), &out)
	require.NoError(t, err)
	assert.Equal(t, "PONG", out.String())
	assert.Equal(t, 4, res.Sent)
	assert.EqualValues(t, 4, res.Received)
}

func TestProbe_UpstreamDown(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := dead.Addr().String()
	require.NoError(t, dead.Close())

	cfg := &Config{Relay: startRelay(t, addr), HalfClose: true, MaxReply: 1024}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = probe(ctx, cfg, []byte("PING"), io.Discard)
	assert.Error(t, err)
}

func TestProbe_EmptyPayload(t *testing.T) {
	_, err := probe(context.Background(), &Config{Relay: "127.0.0.1:1"}, nil, io.Discard)
	assert.Error(t, err)
}
