// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/petervdpas/ledlink/internal/app"
	"github.com/petervdpas/ledlink/internal/config"
	"github.com/petervdpas/ledlink/internal/logging"
	"github.com/petervdpas/ledlink/internal/simulator"
)

const defaultDeviceAddr = "127.0.0.1:8081"

var (
	showHelp = flag.BoolP("help", "h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	simulate = flag.Bool("simulate", false, "Use the in-process device simulator (run)")
	logLevel = flag.String("log-level", "", "Override log.level (debug, info, warn, error)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ledlink v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "run":
		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}
		os.Exit(runCLI(dir))

	case "device":
		addr := defaultDeviceAddr
		if len(args) > 1 {
			addr = args[1]
		}
		os.Exit(runDevice(addr))

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCLI(dirArg string) int {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid directory: %v\n", err)
		return 1
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fmt.Fprintf(os.Stderr, "Directory does not exist: %s\n", absDir)
		return 1
	}

	cfgPath := filepath.Join(absDir, config.DefaultFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	override := flagOverrides()
	fileCfg := cfg
	override(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid flag: %v\n", err)
		return 1
	}

	logs := logging.NewLogBuffer(800)
	logger := logging.New(cfg.Log, logs)
	if created {
		logger.Info().Str("path", cfgPath).Msg("wrote default config")
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(app.Options{
		Dir:      absDir,
		CfgPath:  cfgPath,
		Cfg:      fileCfg,
		Override: override,
		Logs:     logs,
		Logger:   logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 1
	}
	if err := rt.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("runtime failed")
		return 1
	}
	return 0
}

// flagOverrides applies the command-line settings that win over the file.
func flagOverrides() func(*config.Config) {
	sim, level := *simulate, *logLevel
	return func(c *config.Config) {
		if sim {
			c.Device.Simulate = true
		}
		if level != "" {
			c.Log.Level = level
		}
	}
}

func runDevice(addr string) int {
	level := *logLevel
	if level == "" {
		level = "info"
	}
	logger := logging.New(config.Log{Level: level, Pretty: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := simulator.NewServer(simulator.NewDevice(logger), logger)
	fmt.Printf("Device simulator: ws://%s/ws  (POST /button?n=1&long=false, POST /mute?on=true, GET /state)\n", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		logger.Error().Err(err).Msg("simulator failed")
		return 1
	}
	return 0
}

func showUsage() {
	fmt.Println("ledlink - LED controller link for two-player playback")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ledlink run [directory]     Run the runtime with <directory>/ledlink.json")
	fmt.Println("  ledlink device [addr]       Run the device simulator (default " + defaultDeviceAddr + ")")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run against the simulator in one process")
	fmt.Println("  ledlink run ./site --simulate")
	fmt.Println()
	fmt.Println("  # Run the simulator standalone, then point device.host/port at it")
	fmt.Println("  ledlink device 127.0.0.1:8081")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                        ledlink                         ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:   %s\n", dir)
	fmt.Printf("Config File: %s\n", cfgPath)
	fmt.Printf("Channels:    %v\n", cfg.Channels.IDs)
	if cfg.Device.Simulate {
		fmt.Println("Device:      in-process simulator")
	} else {
		fmt.Printf("Device:      ws://%s:%d%s\n", cfg.Device.Host, cfg.Device.Port, cfg.Device.Path)
	}
	if cfg.Viewer.HTTPAddr != "" {
		fmt.Printf("Control:     http://%s/api/status\n", cfg.Viewer.HTTPAddr)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
