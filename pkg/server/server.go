// Package server runs the tile streamer's MCP server over stdio or HTTP+SSE.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/tools"
	"github.com/NERVsystems/tilestream/pkg/version"
)

// ServerName is the name announced to MCP clients.
const ServerName = "tilestream"

// Server encapsulates the MCP server with the tile streaming tools.
type Server struct {
	srv      *mcpserver.MCPServer
	registry *tools.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewServer creates an MCP server with every tool of registry registered.
func NewServer(logger *slog.Logger, registry *tools.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	ver := version.BuildVersion
	logger.Info("initializing MCP server", "name", ServerName, "version", ver)

	srv := mcpserver.NewMCPServer(
		ServerName,
		ver,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	registry.RegisterTools(srv)

	return &Server{
		srv:      srv,
		registry: registry,
		logger:   logger,
		doneCh:   make(chan struct{}),
	}
}

// RunWithContext serves MCP over stdin/stdout until ctx is canceled, stdin
// is closed or Shutdown is called.
func (s *Server) RunWithContext(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve serves newline-delimited JSON-RPC from in to out. A server runs once.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return core.NewError(core.ErrInternalError, "MCP server already running").
			WithGuidance("Create a new server instead of reusing a stopped one.")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	defer close(s.doneCh)

	stdio := mcpserver.NewStdioServer(s.srv)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("serving MCP over stdio")
	err := stdio.Listen(ctx, in, out)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		s.logger.Info("MCP server stopped")
		return nil
	default:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// Shutdown stops a running server. It does not block.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// WaitForShutdown blocks until Serve has returned.
func (s *Server) WaitForShutdown() {
	<-s.doneCh
}

// GetMCPServer returns the underlying MCP server for the HTTP transport.
func (s *Server) GetMCPServer() *mcpserver.MCPServer {
	return s.srv
}

// ToolNames lists the registered tools.
func (s *Server) ToolNames() []string {
	return s.registry.GetToolNames()
}
