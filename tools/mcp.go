package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// MCPServer describes one external MCP tool server reachable over stdio.
type MCPServer struct {
	Name    string
	Command string
	Args    []string
	Env     []string
}

// MCPSource connects to MCP servers and registers their tools into an
// Engine. Remote tools always require approval.
type MCPSource struct {
	clients []*client.Client
	logger  zerolog.Logger
}

// NewMCPSource creates an empty MCPSource.
func NewMCPSource(logger zerolog.Logger) *MCPSource {
	return &MCPSource{logger: logger.With().Str("component", "mcp_source").Logger()}
}

// Connect starts the server process, performs the MCP handshake, and
// registers every advertised tool into engine under the name
// "<server>_<tool>".
func (s *MCPSource) Connect(ctx context.Context, engine *Engine, server MCPServer) error {
	if server.Command == "" {
		return fmt.Errorf("mcp server %q has no command", server.Name)
	}

	parts := strings.Fields(server.Command)
	args := append(parts[1:], server.Args...)

	mcpClient, err := client.NewStdioMCPClient(parts[0], server.Env, args...)
	if err != nil {
		return fmt.Errorf("failed to create mcp client for %q: %w", server.Name, err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "relay",
				Version: "1.0.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to initialize mcp server %q: %w", server.Name, err)
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to list tools from %q: %w", server.Name, err)
	}

	s.clients = append(s.clients, mcpClient)

	tools := lo.Map(result.Tools, func(tool mcp.Tool, _ int) Tool {
		schema := map[string]any{"type": tool.InputSchema.Type}
		if tool.InputSchema.Properties != nil {
			schema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			schema["required"] = tool.InputSchema.Required
		}

		remoteName := tool.Name
		return Tool{
			Name:             server.Name + "_" + strings.ReplaceAll(remoteName, ".", "_"),
			Description:      tool.Description,
			Parameters:       schema,
			Category:         "mcp",
			RequiresApproval: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return callRemoteTool(ctx, mcpClient, remoteName, args)
			},
		}
	})

	for _, tool := range tools {
		if err := engine.Register(tool); err != nil {
			return err
		}
	}
	s.logger.Info().Str("server", server.Name).Int("tools", len(tools)).Msg("MCP server connected")
	return nil
}

// Close shuts down all server connections.
func (s *MCPSource) Close() {
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close mcp client")
		}
	}
	s.clients = nil
}

func callRemoteTool(ctx context.Context, mcpClient *client.Client, name string, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
	result, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp tool %q failed: %w", name, err)
	}

	var texts []string
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, textContent.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if result.IsError {
		return nil, fmt.Errorf("mcp tool %q returned an error: %s", name, text)
	}
	return map[string]any{"text": text}, nil
}
