package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mykhaliev/mcp-chaos-harness/engine"
	"github.com/mykhaliev/mcp-chaos-harness/logger"
	"github.com/mykhaliev/mcp-chaos-harness/model"
	"github.com/mykhaliev/mcp-chaos-harness/report"
	"github.com/mykhaliev/mcp-chaos-harness/version"
)

const (
	AppName = "mcp-chaos-harness"
)

func main() {
	useChaos := flag.Bool("chaos", false, "Run with chaos injection (reads chaos.json from the harness directory)")
	configPath := flag.String("f", "", "Path to the harness configuration file (YAML); built-in defaults when empty")
	rootPath := flag.String("root", "", "Harness directory holding traces/ and chaos.json (default: current directory)")
	envPath := flag.String("env", "", "Path to the env file (default: <root>/../.env)")
	strictChaos := flag.Bool("strict-chaos", false, "Fail the run when chaos is requested but the config is missing")
	outputFormat := flag.String("o", "text", "Output format: text or json")
	logPath := flag.String("l", "", "Path to the log file (logs always go to stderr)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Version: %s\nCommit: %s\nBuildDate: %s\n",
			version.Version, version.Commit, version.BuildDate)
		return
	}

	os.Exit(run(*useChaos, *configPath, *rootPath, *envPath, *strictChaos, *outputFormat, *logPath, *verbose))
}

// run returns the process exit code so deferred cleanup happens before exit.
func run(useChaos bool, configPath, rootPath, envPath string, strictChaos bool, outputFormat, logPath string, verbose bool) int {
	logWriter, logFile, err := logger.SetupLogWriter(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to setup logging: %v\n", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetupLogger(logWriter, verbose)

	format, err := report.ParseFormat(outputFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		return 1
	}

	root, err := resolveRoot(rootPath)
	if err != nil {
		logger.Logger.Error("Invalid harness directory", "error", err)
		return 1
	}
	if envPath == "" {
		envPath = filepath.Join(root, "..", ".env")
	}

	env, err := model.LoadEnvironment(envPath, os.Environ())
	if err != nil {
		logger.Logger.Error("Failed to load environment", "error", err)
		return 1
	}
	logger.Logger.Debug("Environment loaded", "env_file", env.Source(), "applied", env.Loaded())

	cfg := model.DefaultHarnessConfig()
	if configPath != "" {
		parsed, err := model.ParseHarnessConfig(configPath)
		if err != nil {
			logger.Logger.Error("Failed to load harness config", "file", configPath, "error", err)
			return 1
		}
		cfg = *parsed
	}
	if strictChaos {
		cfg.Chaos.Strict = true
	}

	logger.Logger.Info("Starting application",
		"app", AppName,
		"version", version.Version,
		"chaos", useChaos,
		"root", root,
		"config", configPath,
		"logfile", logPath,
		"verbose", verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	harness := engine.NewHarness(cfg, env, root, report.New(os.Stdout, format, model.DefaultObserveURL))
	harness.Verbose = verbose
	if _, err := harness.Run(ctx, useChaos); err != nil {
		return 1
	}
	return 0
}

func resolveRoot(rootPath string) (string, error) {
	if rootPath == "" {
		return os.Getwd()
	}
	return filepath.Abs(rootPath)
}
