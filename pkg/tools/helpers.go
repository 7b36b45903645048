package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/tiling"
)

// ErrorResponse returns a tool error result with a plain message.
func ErrorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// InputParser decodes the request arguments into T.
func InputParser[T any](req mcp.CallToolRequest) (T, error) {
	var input T

	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return input, fmt.Errorf("encoding arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return input, fmt.Errorf("decoding arguments: %w", err)
	}
	return input, nil
}

// WithParsedInput adapts a typed handler to the MCP handler signature. The
// handler's result is returned as JSON text; coded errors keep their code and
// guidance.
func WithParsedInput[T any](
	logger *slog.Logger,
	name string,
	handler func(ctx context.Context, input T, logger *slog.Logger) (any, error),
) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger = logger.With("tool", name)

	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := InputParser[T](req)
		if err != nil {
			logger.Error("failed to parse input", "error", err)
			return core.NewValidationError(core.ErrInvalidInput, err.Error()).ToMCPResult(), nil
		}

		result, err := handler(ctx, input, logger)
		if err != nil {
			return errorResult(logger, err), nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			logger.Error("failed to marshal result", "error", err)
			return ErrorResponse("Failed to generate result"), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func errorResult(logger *slog.Logger, err error) *mcp.CallToolResult {
	var coded *core.Error
	switch {
	case errors.As(err, &coded):
		logger.Warn("tool rejected request", "code", coded.Code, "error", err)
		return coded.ToMCPResult()
	case errors.Is(err, tiling.ErrClosed):
		logger.Warn("tile manager closed")
		return core.NewError(core.ErrServiceUnavailable, "the tile manager has shut down").ToMCPResult()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("tool canceled", "error", err)
		return core.NewError(core.ErrServiceTimeout, err.Error()).ToMCPResult()
	default:
		logger.Error("handler error", "error", err)
		return ErrorResponse(fmt.Sprintf("Failed to process request: %v", err))
	}
}
