package calendar_tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/mcpgate/internal/connector"
	"github.com/teemow/mcpgate/internal/instrumentation"
	"github.com/teemow/mcpgate/internal/logging"
)

// InstrumentedMiddleware records tool invocation metrics and logs every
// invocation together with the session it ran for.
//
// Usage:
//
//	calendar_tools.NewServer(version, nil, calendar_tools.InstrumentedMiddleware(metrics, logger))
func InstrumentedMiddleware(metrics *instrumentation.Metrics, logger *slog.Logger) mcpserver.ToolHandlerMiddleware {
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			start := time.Now()
			result, err := next(ctx, request)
			duration := time.Since(start)

			status := instrumentation.StatusSuccess
			if err != nil || (result != nil && result.IsError) {
				status = instrumentation.StatusError
			}
			metrics.RecordToolInvocation(ctx, request.Params.Name, status, duration)

			attrs := []any{
				slog.String("tool", request.Params.Name),
				logging.Status(status),
				logging.Duration(duration),
			}
			if id, ok := connector.IdentityFromContext(ctx); ok {
				attrs = append(attrs, logging.Session(id.SessionID), logging.Provider(id.ProviderID))
			}
			if err != nil {
				attrs = append(attrs, logging.Err(err))
			}
			logger.Debug("Tool invoked", attrs...)

			return result, err
		}
	}
}
