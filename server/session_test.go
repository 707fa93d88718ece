//go:build !windows

package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/mykhaliev/mcp-chaos-harness/logger"
	"github.com/mykhaliev/mcp-chaos-harness/model"
	"github.com/mykhaliev/mcp-chaos-harness/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const helperEnv = "MCP_HARNESS_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is re-executed by the session
// tests to play the proxy: a filesystem-like MCP server on stdio.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "helper: missing mode and pid file")
		os.Exit(2)
	}
	mode, pidFile := args[1], args[2]
	_ = os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
	fmt.Fprintln(os.Stderr, "helper started in mode", mode)

	switch mode {
	case "serve":
		// ServeStdio reports context.Canceled after SIGTERM; that is a clean stop.
		if err := mcpserver.ServeStdio(newHelperServer()); err != nil {
			fmt.Fprintln(os.Stderr, "helper:", err)
		}
		os.Exit(0)
	case "exit":
		os.Exit(3)
	case "hang":
		// Never answers initialize and survives stdin close and SIGTERM.
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
	}
	os.Exit(2)
}

func newHelperServer() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("helper-filesystem", "1.0.0", mcpserver.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_directory",
		mcp.WithDescription("List directory entries"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Directory to list")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := os.ReadDir(request.GetString("path", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out := ""
		for _, e := range entries {
			out += e.Name() + "\n"
		}
		return mcp.NewToolResultText(out), nil
	})

	s.AddTool(mcp.NewTool("write_file",
		mcp.WithDescription("Write a file"),
		mcp.WithString("path", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := request.GetString("path", "")
		if err := os.WriteFile(path, []byte(request.GetString("content", "")), 0644); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Successfully wrote to " + path), nil
	})

	s.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a file"),
		mcp.WithString("path", mcp.Required()),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := os.ReadFile(request.GetString("path", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	})

	return s
}

func helperInvocation(t *testing.T, mode string) (model.ProxyInvocation, string) {
	t.Helper()
	pidFile := filepath.Join(t.TempDir(), "helper.pid")
	inv := model.NewProxyInvocation(
		[]string{os.Args[0]},
		[]string{"-test.run=^TestHelperProcess$", "--", mode, pidFile},
		t.TempDir(),
	)
	return inv, pidFile
}

func helperOptions(name string) SessionOptions {
	return SessionOptions{
		Name:        name,
		Env:         append(os.Environ(), helperEnv+"=1"),
		InitTimeout: 5 * time.Second,
		KillGrace:   500 * time.Millisecond,
	}
}

func readPid(t *testing.T, pidFile string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil || len(data) == 0 {
			return false
		}
		pid, err = strconv.Atoi(string(data))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	return pid
}

func assertProcessGone(t *testing.T, pid int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return unix.Kill(pid, 0) == unix.ESRCH
	}, 5*time.Second, 20*time.Millisecond, "process %d still alive", pid)
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func TestProxySession_RoutesToolCalls(t *testing.T) {
	logger.SetupLogger(testutil.NewDummyWriter(), true)
	inv, pidFile := helperInvocation(t, "serve")

	session, err := NewProxySession(context.Background(), inv, helperOptions("Filesystem via helper"))
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "Filesystem via helper", session.Name)
	assert.True(t, session.Invocation().Equal(inv))
	assert.Equal(t, readPid(t, pidFile), session.Pid())
	assert.False(t, session.Exited())

	ctx := context.Background()
	tools, err := session.Client().ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_directory", "write_file", "read_file"}, names)

	workDir := t.TempDir()
	target := filepath.Join(workDir, model.TaskFileName)

	write := mcp.CallToolRequest{}
	write.Params.Name = "write_file"
	write.Params.Arguments = map[string]any{"path": target, "content": model.TaskFileContent}
	result, err := session.Client().CallTool(ctx, write)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	read := mcp.CallToolRequest{}
	read.Params.Name = "read_file"
	read.Params.Arguments = map[string]any{"path": target}
	result, err = session.Client().CallTool(ctx, read)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFileContent, textOf(t, result))
}

func TestProxySession_CloseReapsProcess(t *testing.T) {
	logger.SetupLogger(testutil.NewDummyWriter(), true)
	inv, pidFile := helperInvocation(t, "serve")

	session, err := NewProxySession(context.Background(), inv, helperOptions("close"))
	require.NoError(t, err)
	pid := readPid(t, pidFile)

	require.NoError(t, session.Close())
	assert.True(t, session.Exited())
	assertProcessGone(t, pid)

	select {
	case <-session.reaped:
	default:
		t.Fatal("reaped not closed after Close")
	}

	// second close is a no-op
	assert.NoError(t, session.Close())
}

func TestProxySession_ContextCancelTerminatesProxy(t *testing.T) {
	logger.SetupLogger(testutil.NewDummyWriter(), true)
	inv, pidFile := helperInvocation(t, "serve")

	ctx, cancel := context.WithCancel(context.Background())
	session, err := NewProxySession(ctx, inv, helperOptions("interrupt"))
	require.NoError(t, err)
	pid := readPid(t, pidFile)

	cancel()
	assert.NoError(t, session.Close())
	assertProcessGone(t, pid)
}

func TestProxySession_ProxyExitsBeforeInitialize(t *testing.T) {
	logger.SetupLogger(testutil.NewDummyWriter(), true)
	inv, pidFile := helperInvocation(t, "exit")

	session, err := NewProxySession(context.Background(), inv, helperOptions("exit"))
	require.Error(t, err)
	assert.Nil(t, session)

	var launchErr *model.LaunchFailure
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, model.LaunchStageInitialize, launchErr.Stage)
	assertProcessGone(t, readPid(t, pidFile))
}

func TestProxySession_InitializeTimeoutKillsUnresponsiveProxy(t *testing.T) {
	logger.SetupLogger(testutil.NewDummyWriter(), true)
	inv, pidFile := helperInvocation(t, "hang")

	opts := helperOptions("hang")
	opts.InitTimeout = 300 * time.Millisecond

	start := time.Now()
	session, err := NewProxySession(context.Background(), inv, opts)
	require.Error(t, err)
	assert.Nil(t, session)

	var launchErr *model.LaunchFailure
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, model.LaunchStageInitialize, launchErr.Stage)
	assertProcessGone(t, readPid(t, pidFile))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProxySession_MissingExecutable(t *testing.T) {
	logger.SetupLogger(testutil.NewDummyWriter(), true)
	inv := model.NewProxyInvocation(
		[]string{filepath.Join(t.TempDir(), "no-such-launcher")},
		[]string{"proxy"},
		t.TempDir(),
	)

	_, err := NewProxySession(context.Background(), inv, helperOptions("missing"))
	var launchErr *model.LaunchFailure
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, model.LaunchStageStart, launchErr.Stage)
}

func TestProxySession_EmptyCommand(t *testing.T) {
	_, err := NewProxySession(context.Background(), model.ProxyInvocation{}, SessionOptions{})
	var launchErr *model.LaunchFailure
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, model.LaunchStageStart, launchErr.Stage)
}
