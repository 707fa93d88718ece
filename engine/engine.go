package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mykhaliev/mcp-chaos-harness/agent"
	"github.com/mykhaliev/mcp-chaos-harness/logger"
	"github.com/mykhaliev/mcp-chaos-harness/model"
	"github.com/mykhaliev/mcp-chaos-harness/proxy"
	"github.com/mykhaliev/mcp-chaos-harness/report"
	"github.com/mykhaliev/mcp-chaos-harness/server"
	"github.com/tmc/langchaingo/llms"
)

// Session is what a run needs from the proxy subprocess.
type Session interface {
	Client() agent.ToolClient
	Close() error
}

// SessionFactory starts proxy sessions
type SessionFactory interface {
	NewProxySession(ctx context.Context, inv model.ProxyInvocation, opts server.SessionOptions) (Session, error)
}

// DefaultSessionFactory is the production implementation
type DefaultSessionFactory struct{}

func (DefaultSessionFactory) NewProxySession(ctx context.Context, inv model.ProxyInvocation, opts server.SessionOptions) (Session, error) {
	s, err := server.NewProxySession(ctx, inv, opts)
	if err != nil {
		return nil, err
	}
	return proxySession{s}, nil
}

type proxySession struct {
	*server.ProxySession
}

func (p proxySession) Client() agent.ToolClient {
	return p.ProxySession.Client()
}

// ModelFactory builds the LLM behind the agent.
type ModelFactory func(ctx context.Context, p model.Provider) (llms.Model, error)

// Harness runs one task against the target server through the recording
// proxy, in baseline or chaos mode.
type Harness struct {
	Config   model.HarnessConfig
	Env      model.Environment
	Root     string // Harness directory: traces/ and chaos.json live here
	Reporter *report.Reporter
	Verbose  bool

	Sessions SessionFactory
	NewModel ModelFactory

	state   model.RunState
	history []model.RunState
	log     *slog.Logger
}

func NewHarness(cfg model.HarnessConfig, env model.Environment, root string, reporter *report.Reporter) *Harness {
	return &Harness{
		Config:   cfg,
		Env:      env,
		Root:     root,
		Reporter: reporter,
		Sessions: DefaultSessionFactory{},
		NewModel: CreateProvider,
		state:    model.StateIdle,
	}
}

func (h *Harness) State() model.RunState {
	return h.state
}

// History lists every state the last run passed through.
func (h *Harness) History() []model.RunState {
	return append([]model.RunState(nil), h.history...)
}

// Run executes a single baseline or chaos run. The proxy subprocess, once
// started, is always released before Run returns. Configuration problems
// are reported before any subprocess exists.
func (h *Harness) Run(ctx context.Context, useChaos bool) (result model.RunResult, err error) {
	runID := uuid.New().String()
	h.log = logger.WithRun(runID, useChaos)
	h.state = model.StateIdle
	h.history = []model.RunState{model.StateIdle}
	result.RunID = runID

	h.log.Info("Starting harness run", "root", h.Root)
	h.Reporter.Begin(runID)

	defer func() {
		if err != nil {
			h.Reporter.Failure(err, result)
		} else {
			h.Reporter.Success(result)
		}
		h.transition(model.StateTerminated)
	}()

	fail := func(e error) error {
		h.log.Error("Run failed", "state", h.state, "error", e)
		h.transition(model.StateFailed)
		return e
	}

	templateCtx := CreateTemplateContext(h.Env, h.Root, runID)
	cfg, err := ResolveConfig(h.Config, h.Root, templateCtx)
	if err != nil {
		return result, fail(err)
	}

	params := NewRunParameters(cfg, useChaos)
	result.TracePath = params.TracePath

	if err := os.MkdirAll(params.WorkDir, logger.DirPermission); err != nil {
		return result, fail(fmt.Errorf("failed to create work directory %s: %w", params.WorkDir, err))
	}

	built, err := proxy.NewBuilder(cfg.Proxy, cfg.Chaos.Policy()).Build(params)
	if err != nil {
		return result, fail(err)
	}
	if chaosPath, ok := built.Invocation.Flag(model.FlagInject); ok {
		h.Reporter.ChaosEnabled(chaosPath)
	}
	for _, w := range built.Warnings {
		h.Reporter.Warning(w)
	}
	h.Reporter.Header(runID, params)

	llmModel, err := h.NewModel(ctx, cfg.Provider)
	if err != nil {
		return result, fail(fmt.Errorf("failed to create provider '%s': %w", cfg.Provider.Name, err))
	}

	h.transition(model.StateProxyStarting)
	h.Reporter.Phase("Starting proxy...")
	h.log.Info("Starting proxy", "invocation", built.Invocation.String(), "dir", built.Invocation.Dir())

	session, err := h.Sessions.NewProxySession(ctx, built.Invocation, h.sessionOptions(cfg))
	if err != nil {
		return result, fail(err)
	}
	defer h.release(session)

	h.transition(model.StateProxyReady)
	h.transition(model.StateTaskRunning)
	h.Reporter.TaskStarted()

	ag, err := agent.NewMCPAgent(ctx, h.agentConfig(cfg), session.Client(), llmModel)
	if err != nil {
		return result, fail(&model.RuntimeFailure{Err: err})
	}

	runResult, err := ag.Run(ctx, model.NewAgentTask(params.WorkDir))
	runResult.RunID = result.RunID
	runResult.TracePath = result.TracePath
	result = runResult
	logRateLimitStats(h.log, llmModel)
	if err != nil {
		return result, fail(err)
	}

	h.transition(model.StateCompleted)
	h.log.Info("Run completed",
		"iterations", result.Iterations,
		"tool_calls", len(result.ToolCalls),
		"duration_ms", result.DurationMs,
		"trace", result.TracePath)
	return result, nil
}

func (h *Harness) release(session Session) {
	h.log.Debug("Releasing proxy session")
	if err := session.Close(); err != nil {
		h.log.Warn("Error releasing proxy session", "error", err)
	}
}

// transition moves the run to the next state. Illegal edges are logged and
// ignored.
func (h *Harness) transition(to model.RunState) {
	next, err := h.state.Transition(to)
	if err != nil {
		h.log.Error("Refusing run state change", "error", err)
		return
	}
	h.log.Debug("Run state changed", "from", h.state, "to", next)
	h.state = next
	h.history = append(h.history, next)
}

func (h *Harness) sessionOptions(cfg model.HarnessConfig) server.SessionOptions {
	var env []string
	if h.Env.Len() > 0 {
		env = h.Env.Pairs()
	}
	return server.SessionOptions{
		Name:        cfg.Proxy.Name,
		Env:         env,
		InitTimeout: ParseDuration(cfg.Proxy.InitTimeout, server.DefaultInitTimeout),
		KillGrace:   ParseDuration(cfg.Proxy.KillGrace, server.DefaultKillGrace),
	}
}

func (h *Harness) agentConfig(cfg model.HarnessConfig) agent.AgentConfig {
	return agent.AgentConfig{
		Name:          cfg.Agent.Name,
		Provider:      cfg.Provider.Name,
		Instructions:  cfg.Agent.Instructions,
		MaxIterations: GetMaxIterations(cfg.Agent.MaxIterations),
		ToolTimeout:   ParseDuration(cfg.Agent.ToolTimeout, 0),
		AllowedTools:  cfg.Agent.AllowedTools,
		Verbose:       h.Verbose,
	}
}

func logRateLimitStats(log *slog.Logger, m llms.Model) {
	rl, ok := m.(*RateLimitedLLM)
	if !ok {
		return
	}
	stats := rl.GetStats()
	log.Info("Rate limiting summary",
		"throttle_count", stats.ThrottleCount,
		"throttle_wait_ms", stats.ThrottleWaitTimeMs)
}

// NewRunParameters derives the per-run parameters from a resolved config.
func NewRunParameters(cfg model.HarnessConfig, useChaos bool) model.RunParameters {
	return model.RunParameters{
		UseChaos:        useChaos,
		WorkDir:         cfg.WorkDir,
		ProjectName:     cfg.Project,
		ServerName:      cfg.Server,
		TargetCommand:   cfg.Target,
		TracePath:       filepath.Join(cfg.TracesDir, model.TraceFileName(useChaos)),
		ChaosConfigPath: cfg.Chaos.Config,
		ObserveURL:      cfg.ObserveURL,
	}
}

// CreateTemplateContext builds the values available to harness file
// templates: the environment plus RUN_ID, TEMP_DIR and HARNESS_DIR.
// WORK_DIR is added by ResolveConfig once the work dir itself is rendered.
func CreateTemplateContext(env model.Environment, root, runID string) map[string]string {
	templateCtx := env.Map()
	templateCtx["RUN_ID"] = runID
	templateCtx["TEMP_DIR"] = os.TempDir()
	templateCtx["HARNESS_DIR"] = root
	return templateCtx
}

// ResolveConfig renders every templated field of cfg and anchors relative
// paths at root. cfg is not modified.
func ResolveConfig(cfg model.HarnessConfig, root string, templateCtx map[string]string) (model.HarnessConfig, error) {
	r := &renderer{ctx: make(map[string]string, len(templateCtx)+1)}
	for k, v := range templateCtx {
		r.ctx[k] = v
	}

	r.render(&cfg.WorkDir)
	if r.err != nil {
		return cfg, fmt.Errorf("failed to render work_dir: %w", r.err)
	}
	r.ctx["WORK_DIR"] = cfg.WorkDir

	r.render(&cfg.Project)
	r.render(&cfg.Server)
	r.render(&cfg.Target)
	r.render(&cfg.TracesDir)
	r.render(&cfg.ObserveURL)

	cfg.Proxy.Launcher = append([]string(nil), cfg.Proxy.Launcher...)
	for i := range cfg.Proxy.Launcher {
		r.render(&cfg.Proxy.Launcher[i])
	}
	r.render(&cfg.Proxy.Name)
	r.render(&cfg.Proxy.Dir)
	r.render(&cfg.Proxy.Subcommand)
	r.render(&cfg.Proxy.InitTimeout)
	r.render(&cfg.Proxy.KillGrace)
	r.render(&cfg.Chaos.Config)

	p := &cfg.Provider
	for _, field := range []*string{
		&p.Name, &p.Token, &p.Secret, &p.Model, &p.BaseURL, &p.Version,
		&p.ProjectID, &p.Location, &p.CredentialsPath, &p.AuthType,
	} {
		r.render(field)
	}

	r.render(&cfg.Agent.Name)
	r.render(&cfg.Agent.ToolTimeout)

	if r.err != nil {
		return cfg, fmt.Errorf("failed to render harness config: %w", r.err)
	}

	if cfg.WorkDir == "" {
		return cfg, fmt.Errorf("work_dir cannot be empty")
	}
	cfg.TracesDir = resolvePath(root, cfg.TracesDir)
	cfg.Proxy.Dir = resolvePath(root, cfg.Proxy.Dir)
	cfg.Chaos.Config = resolvePath(root, cfg.Chaos.Config)
	return cfg, nil
}

// renderer keeps the first template error so a run of render calls can be
// checked once.
type renderer struct {
	ctx map[string]string
	err error
}

func (r *renderer) render(s *string) {
	if r.err != nil {
		return
	}
	out, err := model.RenderTemplate(*s, r.ctx)
	if err != nil {
		r.err = err
		return
	}
	*s = out
}

func resolvePath(root, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

// ParseDuration parses a config duration, falling back to def when the
// value is empty or invalid. Negative values become 0.
func ParseDuration(value string, def time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}

	dur, err := time.ParseDuration(value)
	if err != nil {
		logger.Logger.Warn("Invalid duration, using default",
			"value", value,
			"default", def,
			"error", err)
		return def
	}

	if dur < 0 {
		logger.Logger.Warn("Negative duration, using 0", "value", dur)
		return 0
	}

	return dur
}

func GetMaxIterations(maxIter int) int {
	if maxIter <= 0 {
		return model.DefaultMaxIterations
	}

	if maxIter > 100 {
		logger.Logger.Warn("Max iterations is very high, consider reducing", "max_iterations", maxIter)
	}

	return maxIter
}
