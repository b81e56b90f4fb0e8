package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// MCPServerAdapter serves calls with an in-process mcp-go server. Tool
// handlers find the caller's access token with AccessTokenFromContext.
type MCPServerAdapter struct {
	srv *mcpserver.MCPServer
}

// NewMCPServerAdapter wraps srv.
func NewMCPServerAdapter(srv *mcpserver.MCPServer) *MCPServerAdapter {
	return &MCPServerAdapter{srv: srv}
}

// Handle implements Connector.
func (a *MCPServerAdapter) Handle(ctx context.Context, call Call) (json.RawMessage, error) {
	ctx = WithIdentity(ctx, call.identity())

	resp := a.srv.HandleMessage(ctx, call.Message)
	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrUpstreamTimeout
	}
	if resp == nil {
		return nil, nil
	}

	reply, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode connector reply: %w", err)
	}
	return reply, nil
}
