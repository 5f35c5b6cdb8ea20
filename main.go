// Package main provides the entry point for tunneld.
// tunneld keeps a VPN tunnel engine running on behalf of the user: the daemon
// owns the engine lifecycle, asks once for permission to create the network
// interface, and reports status to any client on its control socket.
//
// Usage:
//
//	tunneld --daemon
//	tunneld --start [--mode MODE] [--config FILE]
//
// Environment:
//
//	The daemon expects the engine command from its configuration to be
//	installed and allowed to use the created interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/tunneld/cli"
	"github.com/yllada/tunneld/common"
	"github.com/yllada/tunneld/config"
	"github.com/yllada/tunneld/daemon"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")

	runDaemon  = flag.Bool("daemon", false, "Run the daemon in the foreground")
	configFile = flag.String("config-file", "", "Daemon configuration file")
	socketPath = flag.String("socket", "", "Control socket path")

	prepareFile = flag.String("prepare", "", "Hand a tunnel config to the daemon")
	startTunnel = flag.Bool("start", false, "Start the tunnel")
	startMode   = flag.String("mode", "", "Work mode for --start")
	tunnelFile  = flag.String("config", "", "Tunnel config for --start")
	stopTunnel  = flag.Bool("stop", false, "Stop the tunnel")
	showStatus  = flag.Bool("status", false, "Show current tunnel status")
	watchStatus = flag.Bool("watch", false, "Stream status transitions")
	watchLogs   = flag.Bool("logs", false, "Stream engine log lines")
	grantToken  = flag.String("grant", "", "Allow a pending permission request")
	denyToken   = flag.String("deny", "", "Refuse a pending permission request")
	revoke      = flag.Bool("revoke", false, "Forget stored consent")
)

func main() {
	flag.Parse()

	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("%s v%s\n", common.AppName, appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.Control.Socket = *socketPath
	}

	initLogger(cfg)
	defer common.CloseLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	if *runDaemon {
		os.Exit(serve(ctx, cfg))
	}

	if !cliRequested() {
		cli.PrintHelp()
		os.Exit(2)
	}
	runCLI(ctx, cfg)
}

// initLogger applies the configured level and file output. The daemon logs
// to a file only when one is configured; CLI invocations log to stderr.
func initLogger(cfg *config.Config) {
	level, err := common.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		level = common.LevelInfo
	}
	if *verbose {
		level = common.LevelDebug
	}

	logCfg := common.LogConfig{
		Level:       level,
		MaxFileSize: int64(cfg.Log.MaxSizeMB) * 1024 * 1024,
		MaxBackups:  cfg.Log.MaxBackups,
	}
	if *runDaemon {
		logCfg.File = cfg.Log.File
	}
	if err := common.InitLogger(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
}

func serve(ctx context.Context, cfg *config.Config) int {
	common.LogInfo("Starting %s v%s", common.AppName, appVersion)

	d, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		common.LogError("Daemon setup failed: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	code := 0
	if err := d.Run(ctx); err != nil {
		common.LogError("Daemon stopped with error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = 1
	}
	if err := d.Close(); err != nil {
		common.LogWarn("Shutdown: %v", err)
	}
	return code
}

func cliRequested() bool {
	return *prepareFile != "" || *startTunnel || *stopTunnel || *showStatus ||
		*watchStatus || *watchLogs || *grantToken != "" || *denyToken != "" || *revoke
}

// runCLI handles command-line interface operations.
func runCLI(ctx context.Context, cfg *config.Config) {
	cliApp := cli.New(cfg.SocketPath())

	var cliErr error
	switch {
	case *prepareFile != "":
		cliErr = cliApp.Prepare(ctx, *prepareFile)
	case *startTunnel:
		cliErr = cliApp.Start(ctx, *startMode, *tunnelFile)
	case *stopTunnel:
		cliErr = cliApp.Stop(ctx)
	case *showStatus:
		cliErr = cliApp.Status(ctx)
	case *watchStatus:
		cliErr = cliApp.Watch(ctx)
	case *watchLogs:
		cliErr = cliApp.Logs(ctx)
	case *grantToken != "":
		cliErr = cliApp.Answer(ctx, *grantToken, true)
	case *denyToken != "":
		cliErr = cliApp.Answer(ctx, *denyToken, false)
	case *revoke:
		cliErr = cliApp.Revoke(ctx)
	}

	if cliErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cliErr)
		os.Exit(1)
	}
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
