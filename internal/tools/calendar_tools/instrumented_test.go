package calendar_tools

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/mcpgate/internal/connector"
)

func TestInstrumentedMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		result     *mcp.CallToolResult
		err        error
		wantStatus string
	}{
		{name: "success", result: mcp.NewToolResultText("ok"), wantStatus: "status=success"},
		{name: "tool error result", result: mcp.NewToolResultError("bad"), wantStatus: "status=error"},
		{name: "handler error", err: errors.New("boom"), wantStatus: "status=error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			handler := InstrumentedMiddleware(nil, logger)(func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return tt.result, tt.err
			})

			ctx := connector.WithIdentity(context.Background(), connector.Identity{
				SessionID:  "sess-1",
				ProviderID: "google",
				SubjectID:  "subject-xyz",
			})
			req := mcp.CallToolRequest{}
			req.Params.Name = "calendar_list_events"

			result, err := handler(ctx, req)
			assert.Equal(t, tt.result, result)
			assert.Equal(t, tt.err, err)

			out := buf.String()
			require.Contains(t, out, "tool=calendar_list_events")
			assert.Contains(t, out, tt.wantStatus)
			assert.Contains(t, out, "sess-1")
			assert.NotContains(t, out, "subject-xyz", "subjects are never logged")
		})
	}
}

func TestNewServer_AppliesMiddleware(t *testing.T) {
	api := newFakeCalendarAPI(t)
	var calls []string
	mw := func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			calls = append(calls, req.Params.Name)
			return next(ctx, req)
		}
	}

	a := connector.NewMCPServerAdapter(NewServer("test", api.factory, mw))
	_, err := a.Handle(context.Background(), connector.Call{
		AccessToken: "at-1",
		Message:     []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"calendar_list_calendars","arguments":{}}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"calendar_list_calendars"}, calls)
}
