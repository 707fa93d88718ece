package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mykhaliev/mcp-chaos-harness/logger"
	"github.com/mykhaliev/mcp-chaos-harness/model"
	"github.com/tmc/langchaingo/llms"
)

const (
	ResultPreviewLength = 2000
	LongResultLength    = 10000
)

var ErrMaxIterations = errors.New("reached maximum iterations without final answer")

// ToolClient is the part of the MCP client the agent needs. The proxy
// session's client satisfies it.
type ToolClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

type AgentConfig struct {
	Name          string
	Provider      string
	Instructions  string
	MaxIterations int
	ToolTimeout   time.Duration
	AllowedTools  []string
	Verbose       bool
}

type MCPAgent struct {
	Name           string     `json:"name"`
	Provider       string     `json:"provider"`
	Instructions   string     `json:"instructions"`
	Tools          []mcp.Tool `json:"-"`
	AvailableTools []string   `json:"-"`
	Client         ToolClient `json:"-"`
	LLMModel       llms.Model `json:"-"`
	config         AgentConfig
}

// NewMCPAgent lists the tools exposed through client and keeps the allowed
// ones for the conversation.
func NewMCPAgent(ctx context.Context, config AgentConfig, client ToolClient, llmModel llms.Model) (*MCPAgent, error) {
	if client == nil {
		return nil, fmt.Errorf("tool client cannot be nil")
	}
	if llmModel == nil {
		return nil, fmt.Errorf("LLM model is not initialized")
	}

	ag := &MCPAgent{
		Name:         config.Name,
		Provider:     config.Provider,
		Instructions: config.Instructions,
		Client:       client,
		LLMModel:     llmModel,
		config:       config,
	}

	logger.Logger.Info("Creating agent",
		"agent", ag.Name,
		"provider", ag.Provider)

	toolsRes, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		logger.Logger.Error("Failed to list tools", "agent", ag.Name, "error", err)
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if toolsRes == nil {
		logger.Logger.Warn("No tools response from proxy", "agent", ag.Name)
		toolsRes = &mcp.ListToolsResult{}
	}

	logger.Logger.Debug("Proxy tools listed", "total_tools", len(toolsRes.Tools))

	ag.Tools = slices.Filter(toolsRes.Tools, func(tool mcp.Tool) bool {
		isAllowed := len(config.AllowedTools) == 0 || slices.Contains(config.AllowedTools, tool.Name)
		if !isAllowed {
			logger.Logger.Debug("Tool filtered out", "tool", tool.Name)
		}
		return isAllowed
	})
	if len(ag.Tools) == 0 {
		logger.Logger.Warn("No allowed tools exposed by proxy", "agent", ag.Name)
	}

	ag.AvailableTools = slices.Map(ag.Tools, func(tool mcp.Tool) string {
		return tool.Name
	})
	logger.Logger.Info("Agent tools configured",
		"agent", ag.Name,
		"tools", strings.Join(ag.AvailableTools, ", "))

	return ag, nil
}

// Run drives one task to a final answer. The model may call tools any
// number of times; tool errors are handed back to the model as tool output.
// Every other failure is returned as *model.RuntimeFailure.
func (m *MCPAgent) Run(ctx context.Context, task model.AgentTask) (model.RunResult, error) {
	startTime := time.Now()
	maxIterations := getMaxIterations(m.config.MaxIterations)

	logger.Logger.Info("Execution started",
		"agent", m.Name,
		"provider", m.Provider,
		"max_iterations", maxIterations,
		"available_tools", len(m.Tools))

	result := model.RunResult{ToolCalls: make([]model.ToolCall, 0)}
	finish := func() {
		result.Duration = time.Since(startTime)
		result.DurationMs = result.Duration.Milliseconds()
	}

	msgs := make([]llms.MessageContent, 0, 2)
	if m.Instructions != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, m.Instructions))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, task.Prompt()))

	tools := m.ExtractTools()
	logger.Logger.Debug("Tools extracted for LLM", "count", len(tools))

	for result.Iterations < maxIterations {
		result.Iterations++
		iteration := result.Iterations

		if err := ctx.Err(); err != nil {
			logger.Logger.Error("Context cancelled", "iteration", iteration, "error", err)
			finish()
			return result, &model.RuntimeFailure{Err: err}
		}

		logger.Logger.Debug("Starting LLM call",
			"iteration", iteration,
			"max_iterations", maxIterations)

		resp, err := m.LLMModel.GenerateContent(ctx, msgs, llms.WithTools(tools))
		if err != nil {
			logger.Logger.Error("LLM generation failed", "iteration", iteration, "error", err)
			finish()
			return result, &model.RuntimeFailure{Err: err}
		}
		if resp == nil || len(resp.Choices) == 0 {
			logger.Logger.Error("No choices returned from LLM", "iteration", iteration)
			finish()
			return result, &model.RuntimeFailure{Err: fmt.Errorf("LLM returned no choices (iteration %d)", iteration)}
		}

		choice := resp.Choices[0]
		assistantText := choice.Content

		if strings.TrimSpace(assistantText) != "" {
			if m.config.Verbose {
				logger.Logger.Debug("Assistant response",
					"iteration", iteration,
					"text_preview", truncateString(assistantText, LongResultLength))
			}
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, assistantText))
		}

		if len(choice.ToolCalls) == 0 {
			result.FinalOutput = assistantText
			logger.Logger.Info("Final answer received",
				"iteration", iteration,
				"reason", choice.StopReason)
			finish()
			logger.Logger.Info("Execution completed",
				"iterations", result.Iterations,
				"duration_ms", result.DurationMs,
				"tool_calls", len(result.ToolCalls))
			return result, nil
		}

		logger.Logger.Debug("Processing tool calls",
			"iteration", iteration,
			"tool_count", len(choice.ToolCalls))

		for toolIdx, suggestedTool := range choice.ToolCalls {
			if suggestedTool.FunctionCall == nil {
				logger.Logger.Warn("Tool call without function, skipping",
					"iteration", iteration,
					"tool_call_id", suggestedTool.ID)
				continue
			}

			toolCall, toolRes := m.executeToolWithTimeout(ctx, suggestedTool, iteration, toolIdx+1, len(choice.ToolCalls))
			result.ToolCalls = append(result.ToolCalls, toolCall)

			if err := ctx.Err(); err != nil {
				logger.Logger.Error("Context cancelled during tool call",
					"iteration", iteration,
					"tool_name", suggestedTool.FunctionCall.Name,
					"error", err)
				finish()
				return result, &model.RuntimeFailure{Err: err}
			}

			msgs = append(msgs,
				llms.MessageContent{
					Role:  llms.ChatMessageTypeAI,
					Parts: []llms.ContentPart{suggestedTool},
				},
				llms.MessageContent{
					Role: llms.ChatMessageTypeTool,
					Parts: []llms.ContentPart{
						llms.ToolCallResponse{
							ToolCallID: suggestedTool.ID,
							Name:       suggestedTool.FunctionCall.Name,
							Content:    toolRes,
						},
					},
				})
		}
	}

	logger.Logger.Warn("Max iterations reached",
		"max_iterations", maxIterations,
		"agent", m.Name)
	finish()
	return result, &model.RuntimeFailure{Err: fmt.Errorf("%w (%d)", ErrMaxIterations, maxIterations)}
}

// ExtractTools converts the MCP tool schemas into langchaingo function tools.
func (m *MCPAgent) ExtractTools() []llms.Tool {
	return slices.Map(m.Tools, func(t mcp.Tool) llms.Tool {
		params := map[string]any{
			"type":       t.InputSchema.Type,
			"properties": t.InputSchema.Properties,
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}
		return llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	})
}

// ExecuteTool calls toolName through the proxy and returns the marshalled
// MCP result. A result flagged IsError is not a Go error.
func (m *MCPAgent) ExecuteTool(ctx context.Context, toolName string, arguments map[string]any) (*mcp.CallToolResult, string, error) {
	if !slices.Contains(m.AvailableTools, toolName) {
		return nil, "", fmt.Errorf("tool '%s' is not available", toolName)
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = arguments

	result, err := m.Client.CallTool(ctx, request)
	if err != nil {
		return nil, "", fmt.Errorf("failed to call MCP tool '%s': %w", toolName, err)
	}

	marshaledResult, err := sonic.MarshalString(result)
	if err != nil {
		return result, "", fmt.Errorf("failed to marshal MCP tool result: %w", err)
	}
	return result, marshaledResult, nil
}

func (m *MCPAgent) executeToolWithTimeout(
	ctx context.Context,
	suggestedTool llms.ToolCall,
	iteration, toolIdx, totalTools int,
) (model.ToolCall, string) {
	toolName := suggestedTool.FunctionCall.Name
	params := parseArguments(suggestedTool.FunctionCall.Arguments, iteration, toolIdx)

	logger.Logger.Debug("Executing tool",
		"iteration", iteration,
		"tool_index", toolIdx,
		"total_tools", totalTools,
		"tool_name", toolName,
		"arguments", truncateString(suggestedTool.FunctionCall.Arguments, ResultPreviewLength))

	toolCall := model.ToolCall{
		Name:       toolName,
		Parameters: params,
		Timestamp:  time.Now(),
	}

	toolCtx := ctx
	if m.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, m.config.ToolTimeout)
		defer cancel()
	}

	result, toolRes, toolErr := m.ExecuteTool(toolCtx, toolName, params)
	toolCall.DurationMs = time.Since(toolCall.Timestamp).Milliseconds()

	if toolErr != nil {
		errMsg := fmt.Sprintf("Tool execution error (iteration %d, tool %s): %v", iteration, toolName, toolErr)
		toolCall.IsError = true
		toolCall.Error = toolErr.Error()
		logger.Logger.Warn("Tool execution failed",
			"iteration", iteration,
			"tool_index", toolIdx,
			"tool_name", toolName,
			"error", toolErr)
		return toolCall, errMsg
	}

	if result != nil && result.IsError {
		toolCall.IsError = true
		toolCall.Error = truncateString(toolRes, ResultPreviewLength)
		logger.Logger.Warn("Tool returned an error result",
			"iteration", iteration,
			"tool_name", toolName)
	} else {
		logger.Logger.Debug("Tool execution successful",
			"iteration", iteration,
			"tool_index", toolIdx,
			"result_preview", truncateString(toolRes, ResultPreviewLength))
	}

	return toolCall, toolRes
}

func parseArguments(argumentsInJSON string, iteration, toolIdx int) map[string]any {
	params := make(map[string]any)
	if strings.TrimSpace(argumentsInJSON) == "" {
		return params
	}
	if err := sonic.UnmarshalString(argumentsInJSON, &params); err != nil {
		logger.Logger.Warn("Failed to parse tool arguments",
			"iteration", iteration,
			"tool_index", toolIdx,
			"error", err)
		return make(map[string]any)
	}
	return params
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func getMaxIterations(configValue int) int {
	if configValue <= 0 {
		return model.DefaultMaxIterations
	}
	return configValue
}
