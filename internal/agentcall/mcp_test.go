package agentcall

import (
	"context"
	"fmt"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/omni/internal/domain"
)

func inProcessProvider(t *testing.T, handler server.ToolHandlerFunc) *MCPProvider {
	t.Helper()
	srv := server.NewMCPServer("agents", "1.0.0", server.WithToolCapabilities(false))
	srv.AddTool(mcp.NewTool(DefaultMCPTool,
		mcp.WithDescription("Run an agent turn"),
		mcp.WithString("agentId", mcp.Required()),
	), handler)

	c, err := mcpclient.NewInProcessClient(srv)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := NewMCPProviderWithClient(c, "", nil)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestMCPProvider_CallsTool(t *testing.T) {
	var gotArgs map[string]any
	p := inProcessProvider(t, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		gotArgs = req.GetArguments()
		msgs, _ := gotArgs["messages"].([]any)
		return mcp.NewToolResultText(fmt.Sprintf("%s got %d messages", gotArgs["agentId"], len(msgs))), nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := p.Run(ctx, domain.AgentCallRequest{
		InstanceID:      "i1",
		AgentID:         "sales",
		SenderID:        "p1",
		SessionStrategy: domain.SessionPerUser,
		Messages:        []string{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AgentRunCompleted || res.FullResponse != "sales got 2 messages" {
		t.Errorf("got %+v", res)
	}
	if gotArgs["sessionId"] != "i1:p1" {
		t.Errorf("got session %v, want i1:p1", gotArgs["sessionId"])
	}

	// Second call reuses the initialized connection.
	if _, err := p.Run(ctx, domain.AgentCallRequest{AgentID: "sales"}); err != nil {
		t.Fatal(err)
	}
}

func TestMCPProvider_ToolErrorIsFailedRun(t *testing.T) {
	p := inProcessProvider(t, func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("agent not found"), nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := p.Run(ctx, domain.AgentCallRequest{AgentID: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.AgentRunFailed || res.FullResponse != "agent not found" {
		t.Errorf("got %+v", res)
	}
}

func TestNewMCPProvider_UnsupportedTransport(t *testing.T) {
	if _, err := NewMCPProvider(MCPConfig{Transport: "carrier-pigeon"}, nil); err == nil {
		t.Error("expected error")
	}
}
