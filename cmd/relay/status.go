package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matst80/tcprelay/internal/proto"
	"github.com/matst80/tcprelay/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stateSource is what the status endpoints need from the relay.
type stateSource interface {
	Snapshot() proto.State
	Ready() bool
}

// newStatusServer serves Prometheus metrics plus lightweight dashboard & state endpoints.
func newStatusServer(src stateSource) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(src.Snapshot())
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := web.Render(&buf, "dashboard", map[string]any{"Title": "dashboard", "State": src.Snapshot()}); err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(buf.Bytes())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !src.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
