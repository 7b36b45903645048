// Package tools exposes the tile streamer as MCP tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/tilestream/pkg/monitoring"
	"github.com/NERVsystems/tilestream/pkg/scene"
	"github.com/NERVsystems/tilestream/pkg/search"
	"github.com/NERVsystems/tilestream/pkg/tiling"
	"github.com/NERVsystems/tilestream/pkg/tracing"
)

// Deps are the components the tools operate on. The manager must be driven
// by Manager.Run; every tool reaches it through Manager.Do.
type Deps struct {
	Manager *tiling.Manager
	Loader  *scene.Loader
	Search  *search.Engine
}

// Registry contains all tool definitions and handlers
type Registry struct {
	logger *slog.Logger
	deps   Deps
}

// NewRegistry creates a new tool registry
func NewRegistry(logger *slog.Logger, deps Deps) *Registry {
	return &Registry{
		logger: logger.With("component", "tools"),
		deps:   deps,
	}
}

// ToolDefinition pairs an MCP tool with its handler.
type ToolDefinition struct {
	Name        string
	Description string
	Tool        mcp.Tool
	Handler     func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// GetToolDefinitions returns the list of all available tools.
func (r *Registry) GetToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "get_version",
			Description: "Get the version information for this tile streamer",
			Tool:        GetVersionTool(),
			Handler:     r.HandleGetVersion,
		},

		// Movement and tile lifecycle
		{
			Name:        "move_to",
			Description: "Move the tracked position. Parameters: position (string, any coordinate notation) or x/y (numbers, meters from the origin)",
			Tool:        MoveToTool(),
			Handler:     r.HandleMoveTo,
		},
		{
			Name:        "set_render_mode",
			Description: "Switch between scene and overview rendering. Parameters: mode (string: scene, overview)",
			Tool:        SetRenderModeTool(),
			Handler:     r.HandleSetRenderMode,
		},
		{
			Name:        "set_viewport",
			Description: "Resize the viewport that sizes the overview ring. Parameters: width (number), height (number)",
			Tool:        SetViewportTool(),
			Handler:     r.HandleSetViewport,
		},
		{
			Name:        "tile_status",
			Description: "List loaded tiles with their state and model counts. Parameters: mode (string, optional)",
			Tool:        TileStatusTool(),
			Handler:     r.HandleTileStatus,
		},

		// Search
		{
			Name:        "search_by_tag",
			Description: "Find elements with an exact tag. Parameters: key (string), value (string), limit (number)",
			Tool:        SearchByTagTool(),
			Handler:     r.HandleSearchByTag,
		},
		{
			Name:        "search_by_text",
			Description: "Find elements whose tag value contains text. Parameters: key (string), text (string), limit (number)",
			Tool:        SearchByTextTool(),
			Handler:     r.HandleSearchByText,
		},
	}
}

// RegisterTools registers all tools with the MCP server.
func (r *Registry) RegisterTools(mcpServer *server.MCPServer) {
	for _, def := range r.GetToolDefinitions() {
		r.logger.Info("registering tool", "name", def.Name)
		mcpServer.AddTool(def.Tool, r.wrapWithTracing(def.Name, def.Handler))
	}
}

// wrapWithTracing wraps a tool handler with a span and request metrics.
func (r *Registry) wrapWithTracing(toolName string, handler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("mcp.tool.%s", toolName),
			trace.WithAttributes(
				attribute.String(tracing.AttrMCPToolName, toolName),
			),
		)
		defer span.End()

		start := time.Now()
		result, err := handler(ctx, req)
		duration := time.Since(start)

		status := tracing.StatusSuccess
		switch {
		case err != nil:
			status = tracing.StatusError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result != nil && result.IsError:
			status = tracing.StatusError
			span.SetStatus(codes.Error, "tool returned an error result")
		default:
			span.SetStatus(codes.Ok, "")
		}
		monitoring.RecordMCPRequest(toolName, duration, status == tracing.StatusSuccess)

		resultSize := 0
		if result != nil && result.Content != nil {
			if data, marshalErr := json.Marshal(result.Content); marshalErr == nil {
				resultSize = len(data)
			}
		}

		span.SetAttributes(tracing.MCPToolAttributes(toolName, status, duration.Milliseconds(), resultSize)...)

		r.logger.Debug("tool execution traced",
			"tool", toolName,
			"duration_ms", duration.Milliseconds(),
			"status", status,
			"result_size", resultSize,
		)

		return result, err
	}
}

// GetToolNames returns a list of all tool names.
func (r *Registry) GetToolNames() []string {
	defs := r.GetToolDefinitions()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}
