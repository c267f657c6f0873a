package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"magpie-ai/internal/infra/config"
	"magpie-ai/internal/infra/logger"
	"magpie-ai/internal/infra/tracer"
	"magpie-ai/internal/plugin"
	"magpie-ai/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "plugin":
		if err := runPlugin(); err != nil {
			fmt.Fprintf(os.Stderr, "plugin: %v\n", err)
			os.Exit(1)
		}
	case "run":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'magpie --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`magpie - terminal AI coding assistant

USAGE:
    magpie [COMMAND] [FLAGS]

COMMANDS:
    run         Start the host, discover and activate installed plugins
    plugin      Plugin development tools
                Subcommands: list, validate, init

    (no command) - same as 'run'

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

EXAMPLES:
    magpie                         # Run with config.yaml
    magpie plugin list             # List installed plugins
    magpie plugin validate ./p     # Validate a plugin package
    magpie plugin init my-plugin   # Scaffold a new plugin`)
}

// configPath returns the --config flag value or the default location.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "./config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Tracer
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	if !cfg.Plugins.Enabled {
		log.Info("plugin system disabled, nothing to do")
		return nil
	}

	// 5. Plugin manager
	registry := plugin.NewCapabilityRegistry(log)
	mgr, err := plugin.NewManager(cfg.Plugins, registry, bus, log)
	if err != nil {
		return fmt.Errorf("plugin manager: %w", err)
	}
	defer mgr.Shutdown(context.Background())

	result := mgr.Discover(ctx)
	log.Info("host ready",
		"plugins_loaded", result.Loaded,
		"plugins_failed", result.Failed,
		"tools", len(registry.Tools()),
		"commands", len(registry.Commands()))

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
