package main

import (
	"context"
	"fmt"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
	"mprisctl/internal/core/services"
	"mprisctl/internal/infrastructure/memory"
	"mprisctl/internal/infrastructure/sessionbus"
	"mprisctl/pkg/config"
	"mprisctl/pkg/eventloop"
	"mprisctl/pkg/logger"
	"mprisctl/pkg/retry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	logLevel   string
	busKind    string
	settle     time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "mprisctl",
		Short:        "Track MPRIS media players and control the active one",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	flags.StringVar(&opts.busKind, "bus", "", "override bus.kind (session, system or memory)")
	flags.DurationVar(&opts.settle, "settle", 2*time.Second, "how long one-shot commands wait for players to answer")

	root.AddCommand(newServeCommand(opts), newWatchCommand(opts))
	root.AddCommand(newPlayerCommands(opts)...)
	return root
}

func (o *options) load() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.busKind != "" {
		cfg.Bus.Kind = o.busKind
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openBus(ctx context.Context, cfg *config.Config, loop *eventloop.Loop, log *zap.SugaredLogger, metrics ports.Metrics) (ports.Bus, error) {
	if cfg.Bus.Kind == config.BusMemory {
		log.Warn("using the in-memory bus, no real players will be seen")
		return memory.NewBus(loop), nil
	}
	return sessionbus.Connect(ctx, sessionbus.Config{
		System:     cfg.Bus.Kind == config.BusSystem,
		Dispatcher: loop,
		Logger:     log,
		Metrics:    metrics,
		Retry: retry.Config{
			MaxAttempts:  cfg.Bus.ConnectRetries,
			InitialDelay: cfg.Bus.ConnectBackoff,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
	})
}

func newController(cfg *config.Config, bus ports.Bus, loop *eventloop.Loop, prefs ports.PreferenceRepository, log *zap.SugaredLogger, metrics ports.Metrics) *services.Controller {
	return services.NewController(services.ControllerConfig{
		Bus:                    bus,
		Loop:                   loop,
		Preferences:            prefs,
		Logger:                 log,
		Metrics:                metrics,
		NamePattern:            cfg.Bus.NamePattern,
		PositionSyncInterval:   cfg.Player.PositionSyncInterval,
		PositionNotifyInterval: cfg.Player.PositionNotifyInterval,
		InitialPin:             domain.PeerID(cfg.Player.PinnedPeer),
	})
}

// runLoop runs loop on its own goroutine. The returned function stops it
// and waits for it to return.
func runLoop(loop *eventloop.Loop) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
