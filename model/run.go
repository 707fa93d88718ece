package model

import (
	"slices"
	"strings"
	"time"

	"github.com/aymerick/raymond"
)

// ============================================================================
// RUN PARAMETERS
// ============================================================================

const (
	TracesDir         = "traces"
	BaselineTraceFile = "baseline-trace.json"
	ChaosTraceFile    = "chaos-trace.json"
	ChaosConfigFile   = "chaos.json"
)

// TraceFileName returns the artifact name for the given mode.
func TraceFileName(useChaos bool) string {
	if useChaos {
		return ChaosTraceFile
	}
	return BaselineTraceFile
}

// RunParameters is built once per run and passed by value.
// An empty ChaosConfigPath means no chaos configuration was supplied.
type RunParameters struct {
	UseChaos        bool   `json:"useChaos"`
	WorkDir         string `json:"workDir"`
	ProjectName     string `json:"projectName"`
	ServerName      string `json:"serverName"`
	TargetCommand   string `json:"targetCommand"`
	TracePath       string `json:"tracePath"`
	ChaosConfigPath string `json:"chaosConfigPath,omitempty"`
	ObserveURL      string `json:"observeUrl,omitempty"`
}

func (p RunParameters) Mode() string {
	if p.UseChaos {
		return "chaos"
	}
	return "baseline"
}

// ============================================================================
// PROXY INVOCATION
// ============================================================================

const (
	FlagProject = "--project"
	FlagName    = "--name"
	FlagTarget  = "--target"
	FlagTrace   = "--trace"
	FlagInject  = "--inject"
)

// ProxyInvocation is the command line that starts the recording proxy.
// Launcher runs the proxy CLI (e.g. "npx tsx src/cli.ts"), Args starts with
// the proxy subcommand, and Dir is the working directory for the launcher.
type ProxyInvocation struct {
	launcher []string
	args     []string
	dir      string
}

func NewProxyInvocation(launcher, args []string, dir string) ProxyInvocation {
	return ProxyInvocation{
		launcher: slices.Clone(launcher),
		args:     slices.Clone(args),
		dir:      dir,
	}
}

func (p ProxyInvocation) Launcher() []string { return slices.Clone(p.launcher) }
func (p ProxyInvocation) Args() []string     { return slices.Clone(p.args) }
func (p ProxyInvocation) Dir() string        { return p.dir }

// Command splits the invocation into the executable and its full argument
// list, as exec.Command expects.
func (p ProxyInvocation) Command() (string, []string) {
	if len(p.launcher) == 0 {
		return "", slices.Clone(p.args)
	}
	full := make([]string, 0, len(p.launcher)-1+len(p.args))
	full = append(full, p.launcher[1:]...)
	full = append(full, p.args...)
	return p.launcher[0], full
}

func (p ProxyInvocation) Equal(other ProxyInvocation) bool {
	return p.dir == other.dir &&
		slices.Equal(p.launcher, other.launcher) &&
		slices.Equal(p.args, other.args)
}

// Flag returns the value following the first occurrence of flag.
func (p ProxyInvocation) Flag(flag string) (string, bool) {
	idx := slices.Index(p.args, flag)
	if idx < 0 || idx+1 >= len(p.args) {
		return "", false
	}
	return p.args[idx+1], true
}

func (p ProxyInvocation) HasInject() bool {
	return slices.Contains(p.args, FlagInject)
}

func (p ProxyInvocation) String() string {
	parts := make([]string, 0, len(p.launcher)+len(p.args))
	for _, a := range append(slices.Clone(p.launcher), p.args...) {
		if strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// ============================================================================
// AGENT TASK
// ============================================================================

const (
	TaskFileName    = "hello.txt"
	TaskFileContent = "Hello from OpenAI agent!"

	taskTemplate = `Please do the following in {{{workDir}}}:
1. List all files in the directory
2. Create a file called '{{{fileName}}}' with the content '{{{fileContent}}}'
3. Read the file back and confirm its contents`
)

var taskTmpl = raymond.MustParse(taskTemplate)

// AgentTask is the fixed unit of work handed to the agent. Only the working
// directory varies between runs.
type AgentTask struct {
	WorkDir string `json:"workDir"`
}

func NewAgentTask(workDir string) AgentTask {
	return AgentTask{WorkDir: workDir}
}

func (t AgentTask) Prompt() string {
	return taskTmpl.MustExec(map[string]string{
		"workDir":     t.WorkDir,
		"fileName":    TaskFileName,
		"fileContent": TaskFileContent,
	})
}

// ============================================================================
// RUN RESULT
// ============================================================================

type RunResult struct {
	RunID       string        `json:"runId"`
	FinalOutput string        `json:"finalOutput"`
	TracePath   string        `json:"tracePath"`
	Iterations  int           `json:"iterations"`
	ToolCalls   []ToolCall    `json:"toolCalls"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"durationMs"`
}

type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	IsError    bool           `json:"isError,omitempty"`
	Error      string         `json:"error,omitempty"`
}
