// Package report prints the operator-facing progress and outcome of a run.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/mcp-chaos-harness/model"
	"github.com/mykhaliev/mcp-chaos-harness/version"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

const separatorWidth = 50

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("invalid output format: %s (must be text or json)", s)
}

// Summary is the single object written in json format.
type Summary struct {
	Version     string               `json:"version"`
	RunID       string               `json:"runId,omitempty"`
	Mode        string               `json:"mode"`
	Status      string               `json:"status"`
	WorkDir     string               `json:"workDir"`
	TracePath   string               `json:"tracePath"`
	ChaosConfig string               `json:"chaosConfig,omitempty"`
	ViewerURL   string               `json:"viewerUrl"`
	Warnings    []string             `json:"warnings"`
	FinalOutput string               `json:"finalOutput,omitempty"`
	Iterations  int                  `json:"iterations,omitempty"`
	ToolCalls   []model.ToolCall     `json:"toolCalls,omitempty"`
	DurationMs  int64                `json:"durationMs,omitempty"`
	Error       string               `json:"error,omitempty"`
	ErrorKind   string               `json:"errorKind,omitempty"`
	GeneratedAt string               `json:"generatedAt"`
	Params      *model.RunParameters `json:"params,omitempty"`
}

// Reporter writes what the operator sees on stdout. It never influences the
// run; write errors are dropped. A nil *Reporter prints nothing.
type Reporter struct {
	mu        sync.Mutex
	w         io.Writer
	format    Format
	viewerURL string
	summary   Summary
}

func New(w io.Writer, format Format, viewerURL string) *Reporter {
	return &Reporter{
		w:         w,
		format:    format,
		viewerURL: viewerURL,
		summary: Summary{
			Version:   version.Version,
			ViewerURL: viewerURL,
			Warnings:  make([]string, 0),
		},
	}
}

// Begin forgets everything reported for a previous run.
func (r *Reporter) Begin(runID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary = Summary{
		Version:   version.Version,
		RunID:     runID,
		ViewerURL: r.viewerURL,
		Warnings:  make([]string, 0),
	}
}

// Header announces the run before the proxy starts. A non-empty
// params.ObserveURL replaces the viewer URL given to New.
func (r *Reporter) Header(runID string, params model.RunParameters) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if params.ObserveURL != "" {
		r.summary.ViewerURL = params.ObserveURL
	}
	r.summary.RunID = runID
	r.summary.Mode = params.Mode()
	r.summary.WorkDir = params.WorkDir
	r.summary.TracePath = params.TracePath
	r.summary.Params = &params

	if r.format != FormatText {
		return
	}
	r.printf("Trace will be written to: %s\n", params.TracePath)
	r.printf("Working directory: %s\n", params.WorkDir)
	r.printf("View results at: %s\n\n", r.summary.ViewerURL)
}

func (r *Reporter) ChaosEnabled(configPath string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.ChaosConfig = configPath
	if r.format == FormatText {
		r.printf("Chaos mode enabled with config: %s\n", configPath)
	}
}

func (r *Reporter) Warning(warning model.ConfigurationWarning) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Warnings = append(r.summary.Warnings, warning.Error())
	if r.format == FormatText {
		r.printf("Warning: Chaos config not found at %s\n", warning.Path)
	}
}

// Phase prints a progress line such as "Starting proxy...".
func (r *Reporter) Phase(msg string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.format == FormatText {
		r.printf("%s\n", msg)
	}
}

func (r *Reporter) TaskStarted() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.format == FormatText {
		r.printf("Running agent task...\n%s\n", separator())
	}
}

func (r *Reporter) Success(result model.RunResult) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Status = string(model.StateCompleted)
	r.summary.FinalOutput = result.FinalOutput
	r.summary.Iterations = result.Iterations
	r.summary.ToolCalls = result.ToolCalls
	r.summary.DurationMs = result.DurationMs

	if r.format == FormatJSON {
		r.writeJSON()
		return
	}
	r.printf("%s\nAgent output:\n%s\n\n", separator(), result.FinalOutput)
	r.printf("Trace saved to: %s\n", r.summary.TracePath)
	r.printf("View in UI: %s\n", r.summary.ViewerURL)
}

// Failure prints err and, when the run got far enough to know it, where the
// trace would have been written. partial.TracePath is used when the run
// failed before Header.
func (r *Reporter) Failure(err error, partial model.RunResult) {
	if r == nil || err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.summary.TracePath == "" {
		r.summary.TracePath = partial.TracePath
	}
	r.summary.Status = string(model.StateFailed)
	r.summary.Error = err.Error()
	r.summary.ErrorKind = model.ErrorKind(err)
	r.summary.FinalOutput = ""
	r.summary.Iterations = partial.Iterations
	r.summary.ToolCalls = partial.ToolCalls
	r.summary.DurationMs = partial.DurationMs

	if r.format == FormatJSON {
		r.writeJSON()
		return
	}
	r.printf("%s\nRun failed: %v\n", separator(), err)
	if r.summary.TracePath != "" {
		r.printf("Trace location: %s\n", r.summary.TracePath)
		r.printf("View in UI: %s\n", r.summary.ViewerURL)
	}
}

// Summary returns a copy of what has been reported so far.
func (r *Reporter) Summary() Summary {
	if r == nil {
		return Summary{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.Warnings = append([]string(nil), r.summary.Warnings...)
	return s
}

func (r *Reporter) writeJSON() {
	r.summary.GeneratedAt = time.Now().Format(time.RFC3339)
	data, err := sonic.ConfigStd.MarshalIndent(r.summary, "", "  ")
	if err != nil {
		r.printf(`{"status":%q,"error":%q}`+"\n", r.summary.Status, err.Error())
		return
	}
	r.printf("%s\n", data)
}

func (r *Reporter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.w, format, args...)
}

func separator() string {
	return strings.Repeat("-", separatorWidth)
}
