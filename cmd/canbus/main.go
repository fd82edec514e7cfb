// canbus serves a shared CAN segment over TCP. cangw attaches to it with
// the remote bus driver and ecunode leaves dial it directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/canbridge/internal/bus"
	"github.com/danmuck/canbridge/internal/canbus"
	"github.com/danmuck/canbridge/internal/logging"
	"github.com/danmuck/canbridge/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg := canbus.DefaultConfig()
	var (
		localBus string
		admin    string
		check    bool
	)
	flags := pflag.NewFlagSet("canbus", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "segment listen address (host:port)")
	flags.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum concurrent peers")
	flags.IntVar(&cfg.QueueCapacity, "queue", cfg.QueueCapacity, "per-peer queue capacity")
	flags.StringVar(&localBus, "bus", "", "mirror the segment onto a local driver (virtual[:name] or socketcan:<iface>)")
	flags.StringVar(&admin, "admin", "", "admin HTTP address (empty disables)")
	flags.BoolVar(&check, "check", false, "validate flags and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "canbus: unexpected argument: %s\n", flags.Arg(0))
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "canbus: %v\n", err)
		return exitFailed
	}

	if localBus != "" {
		drv, err := bus.Open(localBus, zerolog.Nop())
		if err != nil {
			fmt.Fprintf(stderr, "canbus: %v\n", err)
			return exitFailed
		}
		if _, remote := drv.(*bus.Remote); remote {
			fmt.Fprintf(stderr, "canbus: local bus cannot be another segment: %s\n", localBus)
			return exitFailed
		}
	}
	if check {
		shown := localBus
		if shown == "" {
			shown = "none"
		}
		fmt.Fprintf(stderr, "canbus: config ok (listen=%s max_peers=%d bus=%s)\n", cfg.ListenAddr, cfg.MaxPeers, shown)
		return exitOK
	}

	logging.ConfigureRuntime()
	logger := logging.Component("canbus")

	var local bus.Interface
	if localBus != "" {
		drv, err := bus.Open(localBus, log.Logger)
		if err != nil {
			fmt.Fprintf(stderr, "canbus: %v\n", err)
			return exitFailed
		}
		local = drv
	}

	hub, err := canbus.NewHub(cfg, local, log.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "canbus: %v\n", err)
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(ctx)
	})
	if admin != "" {
		router := observability.NewAdminRouter("canbus", logging.Component("admin"), func() any {
			return hub.Status()
		})
		g.Go(func() error {
			return observability.ServeAdmin(ctx, admin, router, logging.Component("admin"))
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("segment stopped")
		return exitFailed
	}
	logger.Info().Msg("segment stopped")
	return exitOK
}
