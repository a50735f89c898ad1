// Command relay accepts TCP connections on a local address and relays each of
// them, byte for byte, to one fixed upstream host:port.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/matst80/tcprelay/internal/obs"
	"github.com/matst80/tcprelay/internal/relay"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &Config{}
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Relay TCP connections to a fixed upstream address.",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.EnvFile != "" {
				if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load %s: %w", cfg.EnvFile, err)
				}
			}
			return applyEnv(cmd.Flags(), os.LookupEnv)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			obs.Setup(cmd.ErrOrStderr(), cfg.LogFormat)
			obs.EnableDebug(cfg.Debug)
			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cfg.bindFlags(cmd.Flags())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay version: %s, commit: %s, date: %s\n", version, commit, date)
		},
	})
	return cmd
}

// run binds the relay, reports readiness on out and serves until ctx ends.
// A bind failure is returned immediately without serving anything.
func run(ctx context.Context, cfg *Config, out io.Writer) error {
	limiter := cfg.limiter()
	srv, err := relay.New(cfg.relayConfig(limiter))
	if err != nil {
		obs.Error("relay.config", obs.Fields{"err": err.Error()})
		return err
	}
	if err := srv.Listen(); err != nil {
		obs.Error("relay.listen", obs.Fields{"err": err.Error(), "addr": cfg.Listen})
		return err
	}

	var statusLn net.Listener
	if cfg.StatusAddr != "" {
		statusLn, err = net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			obs.Error("status.listen", obs.Fields{"err": err.Error(), "addr": cfg.StatusAddr})
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("status listener: %w", err)
		}
	}

	fmt.Fprintf(out, "relay listening on %s -> %s\n", srv.Addr(), srv.Upstream())

	g, gctx := errgroup.WithContext(ctx)
	if limiter != nil {
		g.Go(func() error { limiter.Run(gctx, time.Minute); return nil })
	}
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("relay.shutdown.signal", obs.Fields{"active": srv.Active(), "grace": cfg.ShutdownGrace.String()})
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	if statusLn != nil {
		hs := newStatusServer(srv)
		obs.Info("status.ready", obs.Fields{"addr": statusLn.Addr().String()})
		g.Go(func() error {
			if err := hs.Serve(statusLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("status.server", obs.Fields{"err": err.Error()})
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	err = g.Wait()
	obs.Info("relay.shutdown.complete", obs.Fields{})
	return err
}
