// ecunode runs one leaf ECU that keeps a reconnecting link to the gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/canbridge/internal/config"
	"github.com/danmuck/canbridge/internal/logging"
	"github.com/danmuck/canbridge/internal/node"
	"github.com/danmuck/canbridge/internal/observability"
	"github.com/danmuck/canbridge/internal/reconnect"
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
		name       string
		peer       string
		iface      string
		model      string
		admin      string
		check      bool
	)
	flags := pflag.NewFlagSet("ecunode", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&configPath, "config", "c", "", "path to ecunode TOML config (built-in defaults when empty)")
	flags.StringVar(&name, "name", "", "override node name")
	flags.StringVar(&peer, "peer", "", "override gateway address (host:port)")
	flags.StringVar(&iface, "interface", "", "network interface to watch (empty treats the link as always up)")
	flags.StringVar(&model, "model", "", "override model (monitor|beacon)")
	flags.StringVar(&admin, "admin", "", "override admin HTTP address (empty disables)")
	flags.BoolVar(&check, "check", false, "validate configuration and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "ecunode: unexpected argument: %s\n", flags.Arg(0))
		return exitUsage
	}

	cfg := config.DefaultNode()
	if configPath != "" {
		loaded, err := config.LoadNode(configPath)
		if err != nil {
			fmt.Fprintf(stderr, "ecunode: %v\n", err)
			return exitFailed
		}
		cfg = loaded
	}
	if flags.Changed("name") {
		cfg.Link.Name = name
	}
	if flags.Changed("peer") {
		cfg.Link.PeerAddr = peer
	}
	if flags.Changed("interface") {
		cfg.Interface = iface
	}
	if flags.Changed("model") {
		cfg.Model = model
	}
	if flags.Changed("admin") {
		cfg.AdminListenAddr = admin
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "ecunode: %v\n", err)
		return exitFailed
	}
	if check {
		fmt.Fprintf(stderr, "ecunode: config ok (name=%s peer=%s model=%s)\n", cfg.Link.Name, cfg.Link.PeerAddr, cfg.Model)
		return exitOK
	}

	logging.ConfigureRuntime()
	logger := logging.Component("ecunode")

	n, err := node.New(cfg.Link, newModel(cfg), newSource(cfg), log.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "ecunode: %v\n", err)
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(ctx)
	})
	if cfg.AdminListenAddr != "" {
		router := observability.NewAdminRouter(cfg.Link.Name, logging.Component("admin"), func() any {
			return n.Stats()
		}, cfg.AdminCORS...)
		g.Go(func() error {
			return observability.ServeAdmin(ctx, cfg.AdminListenAddr, router, logging.Component("admin"))
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("node stopped")
		return exitFailed
	}
	return exitOK
}

func newModel(cfg config.Node) node.Model {
	if cfg.Model == config.ModelBeacon {
		return node.NewBeacon(cfg.Beacon.ID, cfg.Beacon.Data, cfg.Beacon.Interval)
	}
	return node.NewMonitor(log.Logger.With().Str("node", cfg.Link.Name).Logger())
}

func newSource(cfg config.Node) reconnect.Source {
	if cfg.Interface == "" {
		return reconnect.StaticUp{}
	}
	return reconnect.NewInterfaceMonitor(cfg.Interface, cfg.Link.PollInterval, log.Logger)
}
