package tools

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/tilestream/pkg/version"
)

// VersionInput takes no parameters.
type VersionInput struct{}

// GetVersionTool returns a tool definition for retrieving version information
func GetVersionTool() mcp.Tool {
	return mcp.NewTool("get_version",
		mcp.WithDescription("Get the version and build information of the tile streamer"),
	)
}

// HandleGetVersion reports the build information.
func (r *Registry) HandleGetVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "get_version", func(ctx context.Context, _ VersionInput, _ *slog.Logger) (any, error) {
		return version.Info(), nil
	})(ctx, req)
}
