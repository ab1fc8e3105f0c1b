// Package server connects to external MCP servers whose tools back declared
// tools that have no mock response.
package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
)

const (
	DefaultServerInitDelay = 30 * time.Second
	HealthCheckTimeout     = 5 * time.Second
	MCPClientName          = "tool-conformance"
	MCPClientVersion       = "1.0.0"
	URLSchemeHTTP          = "http://"
	URLSchemeHTTPS         = "https://"
)

type ToolServer struct {
	Name    string              `json:"name"`
	Type    model.ServerType    `json:"type"`
	Command string              `json:"command,omitempty"`
	URL     string              `json:"url,omitempty"`
	Headers []string            `json:"headers,omitempty"`
	Client  mcpclient.MCPClient `json:"-"`

	tools []mcp.Tool
}

// Connect validates cfg, opens the transport, performs the MCP handshake and
// caches the server's tool list.
func Connect(ctx context.Context, cfg model.Server) (*ToolServer, error) {
	logger.Logger.Info("Connecting MCP server",
		"server_name", cfg.Name,
		"server_type", cfg.Type,
	)

	s := &ToolServer{
		Name:    cfg.Name,
		Type:    cfg.Type,
		Command: cfg.Command,
		URL:     cfg.URL,
		Headers: cfg.Headers,
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration for %s: %w", cfg.Name, err)
	}

	cli, err := s.createClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for server %s: %w", cfg.Name, err)
	}

	initDelay := DefaultServerInitDelay
	if cfg.ServerDelay != "" {
		if d, err := time.ParseDuration(cfg.ServerDelay); err == nil {
			initDelay = d
		} else {
			logger.Logger.Warn("Invalid server_delay, using default",
				"server_name", cfg.Name,
				"value", cfg.ServerDelay,
				"default", DefaultServerInitDelay)
		}
	}
	initCtx, cancel := context.WithTimeout(ctx, initDelay)
	defer cancel()

	return attach(initCtx, s, cli)
}

// NewFromClient wraps an already started client, such as an in-process one.
func NewFromClient(ctx context.Context, name string, cli mcpclient.MCPClient) (*ToolServer, error) {
	return attach(ctx, &ToolServer{Name: name}, cli)
}

func attach(ctx context.Context, s *ToolServer, cli mcpclient.MCPClient) (*ToolServer, error) {
	s.Client = cli
	if err := s.initialize(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize MCP client for server %s: %w", s.Name, err)
	}

	res, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to list tools of server %s: %w", s.Name, err)
	}
	s.tools = res.Tools

	logger.Logger.Info("MCP server ready",
		"server_name", s.Name,
		"tools", len(s.tools))
	return s, nil
}

func (s *ToolServer) validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}

	switch s.Type {
	case model.Stdio:
		if len(strings.Fields(s.Command)) == 0 {
			return fmt.Errorf("command is required for stdio server type")
		}
	case model.SSE, model.Http:
		if s.URL == "" {
			return fmt.Errorf("URL is required for %s server type", s.Type)
		}
		if strings.TrimSpace(s.URL) != s.URL {
			return fmt.Errorf("URL contains leading or trailing whitespace")
		}
		if !strings.HasPrefix(s.URL, URLSchemeHTTP) && !strings.HasPrefix(s.URL, URLSchemeHTTPS) {
			return fmt.Errorf("invalid URL format: must start with http:// or https://, got: %s", s.URL)
		}
		for i, header := range s.Headers {
			if !strings.Contains(header, ":") {
				return fmt.Errorf("invalid header format at index %d: must contain ':' separator", i)
			}
		}
	default:
		return fmt.Errorf("unsupported server type: %s (expected: stdio, sse or http)", s.Type)
	}
	return nil
}

func (s *ToolServer) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    MCPClientName,
		Version: MCPClientVersion,
	}

	response, err := s.Client.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	if response == nil {
		return fmt.Errorf("initialize response is nil")
	}

	logger.Logger.Debug("Server initialization successful",
		"server_name", s.Name,
		"server_info_name", response.ServerInfo.Name,
		"server_info_version", response.ServerInfo.Version,
		"protocol_version", response.ProtocolVersion,
	)
	return nil
}

func (s *ToolServer) createClient(ctx context.Context) (mcpclient.MCPClient, error) {
	switch s.Type {
	case model.Stdio:
		parts := strings.Fields(s.Command)
		cli, err := mcpclient.NewStdioMCPClient(parts[0], nil, parts[1:]...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio client: %w", err)
		}
		return cli, nil

	case model.SSE:
		var opts []transport.ClientOption
		if headers := s.parseHeaders(); len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		cli, err := mcpclient.NewSSEMCPClient(s.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client: %w", err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start SSE client: %w", err)
		}
		return cli, nil

	case model.Http:
		var opts []transport.StreamableHTTPCOption
		if headers := s.parseHeaders(); len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		cli, err := mcpclient.NewStreamableHttpClient(s.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start streamable HTTP client: %w", err)
		}
		return cli, nil
	}
	return nil, fmt.Errorf("unsupported transport type '%s' for server %s", s.Type, s.Name)
}

func (s *ToolServer) parseHeaders() map[string]string {
	headers := make(map[string]string, len(s.Headers))
	for i, header := range s.Headers {
		key, value, ok := strings.Cut(header, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			logger.Logger.Warn("Invalid header format, skipping",
				"server_name", s.Name,
				"header_index", i)
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

// Tools returns the tool list fetched at connect time.
func (s *ToolServer) Tools() []mcp.Tool {
	return s.tools
}

// Call invokes a tool and returns its text result. A tool-level error is
// returned as an error carrying the tool's message.
func (s *ToolServer) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	if s.Client == nil {
		return "", fmt.Errorf("server %s is closed", s.Name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := s.Client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("server %s: call %s: %w", s.Name, name, err)
	}

	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return text, fmt.Errorf("server %s: tool %s failed: %s", s.Name, name, text)
	}
	return text, nil
}

func (s *ToolServer) IsHealthy(ctx context.Context) bool {
	if s.Client == nil {
		return false
	}
	healthCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	if err := s.Client.Ping(healthCtx); err != nil {
		logger.Logger.Warn("Health check failed", "server_name", s.Name, "error", err)
		return false
	}
	return true
}

func (s *ToolServer) Close() error {
	if s.Client == nil {
		return nil
	}
	err := s.Client.Close()
	s.Client = nil
	if err != nil {
		return fmt.Errorf("failed to close server %s: %w", s.Name, err)
	}
	logger.Logger.Debug("Server closed", "server_name", s.Name)
	return nil
}

// InputSchema converts a tool's input schema to a plain JSON-schema map.
func InputSchema(tool mcp.Tool) map[string]any {
	if len(tool.RawInputSchema) > 0 {
		var schema map[string]any
		if err := sonic.Unmarshal(tool.RawInputSchema, &schema); err == nil {
			return schema
		}
	}
	schema := map[string]any{"type": "object"}
	if tool.InputSchema.Type != "" {
		schema["type"] = tool.InputSchema.Type
	}
	if len(tool.InputSchema.Properties) > 0 {
		schema["properties"] = tool.InputSchema.Properties
	}
	if len(tool.InputSchema.Required) > 0 {
		required := make([]any, 0, len(tool.InputSchema.Required))
		for _, r := range tool.InputSchema.Required {
			required = append(required, r)
		}
		schema["required"] = required
	}
	return schema
}

// ConnectAll connects every configured server. Servers connected before a
// failure are closed.
func ConnectAll(ctx context.Context, configs []model.Server) ([]*ToolServer, error) {
	servers := make([]*ToolServer, 0, len(configs))
	for _, cfg := range configs {
		s, err := Connect(ctx, cfg)
		if err != nil {
			CloseAll(servers)
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func CloseAll(servers []*ToolServer) {
	for _, s := range servers {
		if err := s.Close(); err != nil {
			logger.Logger.Warn("Error closing server", "server_name", s.Name, "error", err)
		}
	}
}
