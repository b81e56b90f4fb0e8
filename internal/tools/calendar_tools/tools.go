package calendar_tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/mcpgate/internal/calendar"
	"github.com/teemow/mcpgate/internal/connector"
)

// ServerName is the MCP server name the calendar connector announces.
const ServerName = "mcpgate-calendar"

// ClientFactory builds a calendar client for one access token.
type ClientFactory func(ctx context.Context, accessToken string) (*calendar.Client, error)

// DefaultClientFactory talks to the public Google Calendar API.
func DefaultClientFactory(ctx context.Context, accessToken string) (*calendar.Client, error) {
	return calendar.NewClient(ctx, accessToken)
}

// NewServer returns an MCP server with all calendar tools registered. The
// middleware wraps every tool handler.
func NewServer(version string, factory ClientFactory, middleware ...mcpserver.ToolHandlerMiddleware) *mcpserver.MCPServer {
	opts := []mcpserver.ServerOption{
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	}
	for _, mw := range middleware {
		opts = append(opts, mcpserver.WithToolHandlerMiddleware(mw))
	}
	s := mcpserver.NewMCPServer(ServerName, version, opts...)
	RegisterTools(s, factory)
	return s
}

// RegisterTools registers all Calendar-related tools with the MCP server
func RegisterTools(s *mcpserver.MCPServer, factory ClientFactory) {
	if factory == nil {
		factory = DefaultClientFactory
	}
	registerCalendarListTools(s, factory)
	registerEventTools(s, factory)
	registerSchedulingTools(s, factory)
}

// getCalendarClient builds a client for the caller the request runs for.
func getCalendarClient(ctx context.Context, factory ClientFactory) (*calendar.Client, error) {
	token := connector.AccessTokenFromContext(ctx)
	if token == "" {
		return nil, errors.New("no access token for this session; authorize with the calendar provider first")
	}
	client, err := factory(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar client: %w", err)
	}
	return client, nil
}

func stringArg(args map[string]any, name, fallback string) string {
	if v, ok := args[name].(string); ok && v != "" {
		return v
	}
	return fallback
}

func timeArg(args map[string]any, name string) (time.Time, error) {
	raw, ok := args[name].(string)
	if !ok || raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s format: %w", name, err)
	}
	return t, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
