package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/mykhaliev/tool-conformance/recorder"
	"github.com/mykhaliev/tool-conformance/registry"
	"github.com/mykhaliev/tool-conformance/server"
)

// ToolServer is an external MCP server that can back declared tools.
type ToolServer interface {
	Tools() []mcp.Tool
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// toolsFor builds the registry entries for one test: declared schemas, mocked
// tools without a schema, then tools of external servers. A non-empty Tools
// list narrows the set, in its own order.
func toolsFor(def model.TestCaseDefinition, rec *recorder.Recorder, servers []ToolServer) ([]registry.Tool, error) {
	var available []registry.Tool
	declared := make(map[string]struct{})
	add := func(t registry.Tool) {
		if _, dup := declared[t.Name]; dup {
			return
		}
		declared[t.Name] = struct{}{}
		available = append(available, t)
	}

	for _, schema := range def.ToolSchemas {
		add(registry.Tool{
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  schema.Parameters,
			Handler:     toolHandler(schema.Name, rec, serverFor(schema.Name, servers)),
		})
	}

	mocked := make([]string, 0, len(def.MockResponses))
	for name := range def.MockResponses {
		mocked = append(mocked, name)
	}
	sort.Strings(mocked)
	for _, name := range mocked {
		add(registry.Tool{Name: name, Handler: toolHandler(name, rec, serverFor(name, servers))})
	}

	for _, srv := range servers {
		for _, t := range srv.Tools() {
			add(registry.Tool{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  server.InputSchema(t),
				Handler:     toolHandler(t.Name, rec, srv),
			})
		}
	}

	if len(def.Tools) == 0 {
		return available, nil
	}
	selected := make([]registry.Tool, 0, len(def.Tools))
	for _, name := range def.Tools {
		t, err := slices.Find(available, func(t registry.Tool) bool { return t.Name == name })
		if err != nil {
			return nil, fmt.Errorf("test %s: tool %q has no schema, mock or server", def.ID, name)
		}
		selected = append(selected, t)
	}
	return selected, nil
}

func serverFor(name string, servers []ToolServer) ToolServer {
	for _, srv := range servers {
		if _, err := slices.Find(srv.Tools(), func(t mcp.Tool) bool { return t.Name == name }); err == nil {
			return srv
		}
	}
	return nil
}

// toolHandler answers from the test's mock first, then from the external
// server. With neither, the model receives an error result.
func toolHandler(name string, rec *recorder.Recorder, srv ToolServer) registry.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		if resp, ok := rec.MockResponseFor(name); ok {
			return mockText(resp)
		}
		if srv != nil {
			return srv.Call(ctx, name, args)
		}
		return "", fmt.Errorf("no mock response configured for tool %s", name)
	}
}

func mockText(resp any) (string, error) {
	if s, ok := resp.(string); ok {
		return s, nil
	}
	out, err := sonic.MarshalString(resp)
	if err != nil {
		return "", fmt.Errorf("failed to encode mock response: %w", err)
	}
	return out, nil
}
