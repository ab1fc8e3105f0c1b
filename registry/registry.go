// Package registry exposes the tools of the running test through an
// in-process MCP server. The agent lists and calls tools through an MCP
// client, the same way it would talk to a remote tool server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/tmc/langchaingo/llms"
)

const (
	ServerName    = "tool-conformance-registry"
	ServerVersion = "1.0.0"
	ClientName    = "tool-conformance-agent"
)

var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrToolFailed    = errors.New("tool returned an error")
	ErrDuplicateTool = errors.New("duplicate tool")
)

// Handler produces the text result of one tool call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a typed tool descriptor. Parameters is a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

type Registry struct {
	mu     sync.RWMutex
	srv    *server.MCPServer
	client *client.Client
	tools  []Tool
}

// New starts an in-process MCP server with no tools and connects a client
// to it.
func New(ctx context.Context) (*Registry, error) {
	srv := server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false))

	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-process client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start in-process client: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: ServerVersion}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize registry client: %w", err)
	}

	logger.Logger.Debug("Tool registry started", "server", ServerName)
	return &Registry{srv: srv, client: c}, nil
}

// Reset replaces every registered tool with tools.
func (r *Registry) Reset(tools []Tool) error {
	serverTools := make([]server.ServerTool, 0, len(tools))
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tool has no name")
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
		}
		seen[t.Name] = struct{}{}

		schema, err := sonic.Marshal(schemaOrEmpty(t.Parameters))
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", t.Name, err)
		}
		serverTools = append(serverTools, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(t.Name, t.Description, schema),
			Handler: toolHandler(t),
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.srv.SetTools(serverTools...)
	r.tools = append([]Tool(nil), tools...)

	logger.Logger.Debug("Tool registry reset",
		"tools", slices.Map(tools, func(t Tool) string { return t.Name }))
	return nil
}

func toolHandler(t Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if t.Handler == nil {
			return mcp.NewToolResultError(fmt.Sprintf("tool %s has no implementation", t.Name)), nil
		}
		text, err := t.Handler(ctx, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func schemaOrEmpty(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, ok := params["type"]; !ok {
		withType := make(map[string]any, len(params)+1)
		for k, v := range params {
			withType[k] = v
		}
		withType["type"] = "object"
		return withType
	}
	return params
}

// Names lists the registered tools in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Map(r.tools, func(t Tool) string { return t.Name })
}

// Definitions describes the registered tools for a language model.
func (r *Registry) Definitions() []llms.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Map(r.tools, func(t Tool) llms.Tool {
		return llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaOrEmpty(t.Parameters),
			},
		}
	})
}

// Execute calls a registered tool through the MCP client. A tool that
// reports an error yields ErrToolFailed with the tool's message.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if !slices.Contains(r.Names(), name) {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := r.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", name, err)
	}
	text := ResultText(res)
	if res.IsError {
		return text, fmt.Errorf("%w: %s", ErrToolFailed, text)
	}
	return text, nil
}

func (r *Registry) Close() error {
	return r.client.Close()
}

// ResultText joins the text parts of a tool result.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
