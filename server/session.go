package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mykhaliev/mcp-chaos-harness/logger"
	"github.com/mykhaliev/mcp-chaos-harness/model"
	"github.com/mykhaliev/mcp-chaos-harness/version"
)

const (
	DefaultInitTimeout = 30 * time.Second
	DefaultKillGrace   = 5 * time.Second
	MCPClientName      = "mcp-chaos-harness"
)

type SessionOptions struct {
	Name        string
	Env         []string // Full environment for the proxy; nil inherits the harness process env
	InitTimeout time.Duration
	KillGrace   time.Duration
}

// ProxySession owns the proxy subprocess for the lifetime of a run. The
// process is started by NewProxySession and is guaranteed to have been
// terminated and waited for once Close returns.
type ProxySession struct {
	Name       string
	invocation model.ProxyInvocation
	client     *mcpclient.Client
	cmd        *exec.Cmd
	ctx        context.Context
	cancel     context.CancelFunc
	killGrace  time.Duration
	stderrDone chan struct{}

	closeOnce sync.Once
	closeErr  error
	reaped    chan struct{}
	exited    chan struct{}
}

// NewProxySession launches the proxy described by inv and completes the MCP
// initialize handshake over its stdio. Cancelling ctx terminates the proxy;
// callers must still Close the session to reap it.
func NewProxySession(ctx context.Context, inv model.ProxyInvocation, opts SessionOptions) (*ProxySession, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}

	command, args := inv.Command()
	if command == "" {
		return nil, &model.LaunchFailure{Stage: model.LaunchStageStart, Err: fmt.Errorf("proxy command is empty")}
	}

	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}

	logger.Logger.Info("Starting proxy session",
		"session", opts.Name,
		"command", command,
		"dir", inv.Dir(),
		"args_count", len(args))

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &ProxySession{
		Name:       opts.Name,
		invocation: inv,
		ctx:        sessionCtx,
		cancel:     cancel,
		killGrace:  opts.KillGrace,
		reaped:     make(chan struct{}),
		exited:     make(chan struct{}),
	}

	stdio := transport.NewStdioWithOptions(command, opts.Env, args,
		transport.WithCommandFunc(s.commandFunc(sessionCtx, inv.Dir(), opts.Env)))
	cli := mcpclient.NewClient(stdio)

	if err := cli.Start(sessionCtx); err != nil {
		cancel()
		logger.Logger.Error("Failed to start proxy process", "session", opts.Name, "error", err)
		return nil, &model.LaunchFailure{Stage: model.LaunchStageStart, Err: err}
	}
	s.client = cli
	logger.Logger.Debug("Proxy process started", "session", opts.Name, "pid", s.Pid())

	if stderr, ok := mcpclient.GetStderr(cli); ok {
		s.stderrDone = make(chan struct{})
		go s.drainStderr(stderr)
	}

	initCtx, initCancel := context.WithTimeout(sessionCtx, opts.InitTimeout)
	defer initCancel()

	logger.Logger.Info("Initializing MCP session through proxy",
		"session", opts.Name,
		"timeout", opts.InitTimeout)

	if err := s.initialize(initCtx); err != nil {
		logger.Logger.Error("MCP initialization through proxy failed",
			"session", opts.Name,
			"error", err)
		if closeErr := s.Close(); closeErr != nil {
			logger.Logger.Warn("Error releasing proxy after failed launch",
				"session", opts.Name,
				"error", closeErr)
		}
		return nil, &model.LaunchFailure{Stage: model.LaunchStageInitialize, Err: err}
	}

	logger.Logger.Info("Proxy session ready", "session", opts.Name, "pid", s.Pid())
	return s, nil
}

// commandFunc builds the exec.Cmd for the transport so the session controls
// the working directory, environment and process group of the proxy.
func (s *ProxySession) commandFunc(ctx context.Context, dir string, env []string) transport.CommandFunc {
	return func(_ context.Context, command string, _ []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Dir = dir
		cmd.Env = env
		configureProcessGroup(cmd, s.killGrace, s.reaped)
		s.cmd = cmd
		return cmd, nil
	}
}

func (s *ProxySession) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    MCPClientName,
		Version: version.Version,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	response, err := s.client.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	if response == nil {
		return fmt.Errorf("initialize response is nil")
	}

	logger.Logger.Info("Proxy initialization successful",
		"session", s.Name,
		"server_info_name", response.ServerInfo.Name,
		"server_info_version", response.ServerInfo.Version,
		"protocol_version", response.ProtocolVersion)

	if response.Capabilities.Tools == nil {
		logger.Logger.Warn("Proxied server does not advertise tools", "session", s.Name)
	}
	return nil
}

func (s *ProxySession) drainStderr(r io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Logger.Debug("proxy stderr", "session", s.Name, "line", scanner.Text())
	}
}

// Client is the handle the agent uses to route tool calls through the proxy.
func (s *ProxySession) Client() mcpclient.MCPClient {
	return s.client
}

func (s *ProxySession) Invocation() model.ProxyInvocation {
	return s.invocation
}

func (s *ProxySession) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited reports whether the proxy process has been waited for.
func (s *ProxySession) Exited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// Close releases the proxy: stdin is closed so a well-behaved proxy can exit
// on its own, and after the kill grace the session context is cancelled,
// which signals the process group. Close is safe to call more than once.
func (s *ProxySession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.release()
		close(s.exited)
	})
	return s.closeErr
}

func (s *ProxySession) release() error {
	defer s.cancel()

	if s.client == nil {
		return nil
	}

	logger.Logger.Info("Closing proxy session", "session", s.Name, "pid", s.Pid())

	done := make(chan error, 1)
	go func() { done <- s.client.Close() }()

	interrupted := s.ctx.Err() != nil
	var err error
	forced := false
	select {
	case err = <-done:
	case <-time.After(s.killGrace):
		logger.Logger.Warn("Proxy did not exit after stdin closed, terminating",
			"session", s.Name,
			"grace", s.killGrace)
		forced = true
		s.cancel()
		err = <-done
	}
	close(s.reaped)

	if s.stderrDone != nil {
		<-s.stderrDone
	}
	killProcessGroup(s.Pid())

	if err != nil && (forced || interrupted || terminatedBySignal(err)) {
		logger.Logger.Debug("Proxy terminated by signal", "session", s.Name, "error", err)
		err = nil
	}
	if err != nil {
		logger.Logger.Warn("Proxy exited with error", "session", s.Name, "error", err)
		return fmt.Errorf("failed to close proxy session %s: %w", s.Name, err)
	}

	logger.Logger.Info("Proxy session closed", "session", s.Name)
	return nil
}

// terminatedBySignal reports whether err is the exit status of a process
// that died from a signal rather than exiting on its own.
func terminatedBySignal(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() == -1
}
