// Package proxy builds the command line that starts the mcp-debug recording
// proxy in front of the target MCP server.
package proxy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mykhaliev/mcp-chaos-harness/logger"
	"github.com/mykhaliev/mcp-chaos-harness/model"
)

const DirPermission = 0755

// Builder turns RunParameters into a ProxyInvocation. The zero Policy is
// treated as model.ChaosFailOpen.
type Builder struct {
	Launcher   []string
	Dir        string
	Subcommand string
	Policy     model.ChaosPolicy
}

// Result is the built invocation plus any non-fatal diagnostics.
type Result struct {
	Invocation model.ProxyInvocation
	Warnings   []model.ConfigurationWarning
}

func NewBuilder(cfg model.ProxyConfig, policy model.ChaosPolicy) Builder {
	return Builder{
		Launcher:   cfg.Launcher,
		Dir:        cfg.Dir,
		Subcommand: cfg.Subcommand,
		Policy:     policy,
	}
}

// Build produces the argument list
//
//	<subcommand> --project P --name N --target T --trace TP [--inject C]
//
// and makes sure the trace directory exists. A missing chaos config is a
// warning (baseline arguments are produced) unless the policy is strict.
func (b Builder) Build(params model.RunParameters) (Result, error) {
	if err := b.validate(params); err != nil {
		return Result{}, err
	}

	traceDir := filepath.Dir(params.TracePath)
	if err := os.MkdirAll(traceDir, DirPermission); err != nil {
		return Result{}, fmt.Errorf("failed to create trace directory %s: %w", traceDir, err)
	}

	args := []string{
		b.Subcommand,
		model.FlagProject, params.ProjectName,
		model.FlagName, params.ServerName,
		model.FlagTarget, params.TargetCommand,
		model.FlagTrace, params.TracePath,
	}

	var result Result
	if params.UseChaos {
		chaosPath, err := resolveChaosConfig(params.ChaosConfigPath)
		switch {
		case err == nil:
			args = append(args, model.FlagInject, chaosPath)
			logger.Logger.Info("Chaos injection enabled", "config", chaosPath)
		case b.Policy == model.ChaosStrict:
			return Result{}, err
		default:
			var warning model.ConfigurationWarning
			if !errors.As(err, &warning) {
				return Result{}, err
			}
			logger.Logger.Warn("Chaos config not found, continuing with baseline arguments",
				"path", warning.Path)
			result.Warnings = append(result.Warnings, warning)
		}
	}

	result.Invocation = model.NewProxyInvocation(b.Launcher, args, b.Dir)

	logger.Logger.Debug("Proxy invocation built",
		"mode", params.Mode(),
		"args_count", len(args),
		"inject", result.Invocation.HasInject())

	return result, nil
}

func (b Builder) validate(params model.RunParameters) error {
	switch {
	case len(b.Launcher) == 0 || b.Launcher[0] == "":
		return fmt.Errorf("proxy launcher cannot be empty")
	case b.Subcommand == "":
		return fmt.Errorf("proxy subcommand cannot be empty")
	case params.ProjectName == "":
		return fmt.Errorf("project name cannot be empty")
	case params.ServerName == "":
		return fmt.Errorf("server name cannot be empty")
	case params.TargetCommand == "":
		return fmt.Errorf("target command cannot be empty")
	case params.TracePath == "":
		return fmt.Errorf("trace path cannot be empty")
	}
	return nil
}

// resolveChaosConfig returns the absolute path of an existing regular file,
// or a ConfigurationWarning naming the path that was looked for.
func resolveChaosConfig(path string) (string, error) {
	if path == "" {
		return "", model.ConfigurationWarning{Path: "(not configured)"}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve chaos config path %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return "", model.ConfigurationWarning{Path: abs}
	}
	return abs, nil
}
