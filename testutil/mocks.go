// Package testutil holds the mocks shared by the package tests.
package testutil

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/mock"
	"github.com/tmc/langchaingo/llms"
)

// dummy writer for logger
type DummyWriter struct{}

func NewDummyWriter() *DummyWriter {
	return &DummyWriter{}
}

func (d *DummyWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func (d *DummyWriter) Close() error {
	return nil
}

// MockToolClient mocks the tool half of the MCP client.
type MockToolClient struct {
	mock.Mock
}

func (m *MockToolClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mcp.ListToolsResult), args.Error(1)
}

func (m *MockToolClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mcp.CallToolResult), args.Error(1)
}

// MockLLMModel mocks the llms.Model interface
type MockLLMModel struct {
	mock.Mock
}

func (m *MockLLMModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	args := m.Called(ctx, messages, options)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llms.ContentResponse), args.Error(1)
}

func (m *MockLLMModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	args := m.Called(ctx, prompt, options)
	return args.String(0), args.Error(1)
}

// FilesystemTools mirrors the subset of @modelcontextprotocol/server-filesystem
// the harness task touches.
func FilesystemTools() []mcp.Tool {
	pathOnly := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"path": map[string]any{"type": "string"},
		},
		Required: []string{"path"},
	}
	return []mcp.Tool{
		{Name: "list_directory", Description: "List directory entries", InputSchema: pathOnly},
		{Name: "read_file", Description: "Read a file", InputSchema: pathOnly},
		{
			Name:        "write_file",
			Description: "Write a file",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				Required: []string{"path", "content"},
			},
		},
	}
}

// ToolCallChoice is an LLM response asking for a single tool call.
func ToolCallChoice(id, name, arguments string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{
				ToolCalls: []llms.ToolCall{
					{
						ID:   id,
						Type: "function",
						FunctionCall: &llms.FunctionCall{
							Name:      name,
							Arguments: arguments,
						},
					},
				},
			},
		},
	}
}

// FinalChoice is an LLM response with no tool calls.
func FinalChoice(text string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{Content: text, StopReason: "stop"},
		},
	}
}

func TextResult(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}
