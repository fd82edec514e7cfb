// cangw bridges one TCP client to a CAN bus segment through the allow-list.
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
	"github.com/danmuck/canbridge/internal/config"
	"github.com/danmuck/canbridge/internal/gateway"
	"github.com/danmuck/canbridge/internal/logging"
	"github.com/danmuck/canbridge/internal/observability"
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
	var (
		configPath string
		listen     string
		busSpec    string
		admin      string
		check      bool
	)
	flags := pflag.NewFlagSet("cangw", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&configPath, "config", "c", "", "path to cangw TOML config (built-in defaults when empty)")
	flags.StringVar(&listen, "listen", "", "override listen address (host:port)")
	flags.StringVar(&busSpec, "bus", "", "override bus driver (remote:<host:port>, virtual[:name] or socketcan:<iface>)")
	flags.StringVar(&admin, "admin", "", "override admin HTTP address (empty disables)")
	flags.BoolVar(&check, "check", false, "validate configuration and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "cangw: unexpected argument: %s\n", flags.Arg(0))
		return exitUsage
	}

	cfg := config.DefaultGateway()
	if configPath != "" {
		loaded, err := config.LoadGateway(configPath)
		if err != nil {
			fmt.Fprintf(stderr, "cangw: %v\n", err)
			return exitFailed
		}
		cfg = loaded
	}
	if flags.Changed("listen") {
		cfg.Bridge.ListenAddr = listen
	}
	if flags.Changed("bus") {
		cfg.Bus = busSpec
	}
	if flags.Changed("admin") {
		cfg.AdminListenAddr = admin
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "cangw: %v\n", err)
		return exitFailed
	}
	if check {
		fmt.Fprintf(stderr, "cangw: config ok (listen=%s bus=%s)\n", cfg.Bridge.ListenAddr, cfg.Bus)
		return exitOK
	}

	logging.ConfigureRuntime()
	logger := logging.Component("cangw")

	drv, err := bus.Open(cfg.Bus, log.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "cangw: %v\n", err)
		return exitFailed
	}
	bridge, err := gateway.NewBridge(cfg.Bridge, drv, log.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "cangw: %v\n", err)
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Run(ctx)
	})
	if cfg.AdminListenAddr != "" {
		router := observability.NewAdminRouter("cangw", logging.Component("admin"), func() any {
			return bridge.Status()
		}, cfg.AdminCORS...)
		g.Go(func() error {
			return observability.ServeAdmin(ctx, cfg.AdminListenAddr, router, logging.Component("admin"))
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("gateway stopped")
		return exitFailed
	}
	logger.Info().Msg("gateway stopped")
	return exitOK
}
