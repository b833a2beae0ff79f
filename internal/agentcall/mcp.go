package agentcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/omni/internal/domain"
)

// DefaultMCPTool is the tool called when the provider config names none.
const DefaultMCPTool = "run_agent"

// MCPConfig configures an MCP agent provider.
type MCPConfig struct {
	Transport string // "stdio", "sse" or "streamable_http"
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
	Tool      string
}

// MCPProvider runs agents by calling a tool on an MCP server. The connection
// is established and initialized on first use.
type MCPProvider struct {
	tool   string
	logger *slog.Logger

	mu          sync.Mutex
	newClient   func() (*mcpclient.Client, bool, error)
	client      *mcpclient.Client
	initialized bool
}

// NewMCPProvider creates an MCP provider from config.
func NewMCPProvider(cfg MCPConfig, logger *slog.Logger) (*MCPProvider, error) {
	switch cfg.Transport {
	case "stdio", "sse", "streamable_http":
	default:
		return nil, fmt.Errorf("unsupported MCP transport: %q", cfg.Transport)
	}
	p := newMCPProvider(cfg.Tool, logger)
	p.newClient = func() (*mcpclient.Client, bool, error) { return createClient(cfg) }
	return p, nil
}

// NewMCPProviderWithClient wraps an already started client.
func NewMCPProviderWithClient(c *mcpclient.Client, tool string, logger *slog.Logger) *MCPProvider {
	p := newMCPProvider(tool, logger)
	p.client = c
	return p
}

func newMCPProvider(tool string, logger *slog.Logger) *MCPProvider {
	if tool == "" {
		tool = DefaultMCPTool
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPProvider{tool: tool, logger: logger}
}

// createClient creates the MCP client for the transport and reports whether
// it still needs Start.
func createClient(cfg MCPConfig) (*mcpclient.Client, bool, error) {
	switch cfg.Transport {
	case "stdio":
		c, err := mcpclient.NewStdioMCPClient(cfg.Command, expandEnvMap(cfg.Env), cfg.Args...)
		return c, false, err
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvToMap(cfg.Headers)))
		}
		c, err := mcpclient.NewSSEMCPClient(cfg.URL, opts...)
		return c, true, err
	default:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
		}
		c, err := mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
		return c, true, err
	}
}

func (p *MCPProvider) connect(ctx context.Context) (*mcpclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return p.client, nil
	}
	if p.client == nil {
		c, needsStart, err := p.newClient()
		if err != nil {
			return nil, fmt.Errorf("creating MCP client: %w", err)
		}
		if needsStart {
			if err := c.Start(ctx); err != nil {
				return nil, fmt.Errorf("starting MCP client: %w", err)
			}
		}
		p.client = c
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "omni", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := p.client.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP initialize: %w", err)
	}
	p.initialized = true
	p.logger.InfoContext(ctx, "MCP agent provider connected", slog.String("tool", p.tool))
	return p.client, nil
}

// Run calls the agent tool with the conversation messages.
func (p *MCPProvider) Run(ctx context.Context, req domain.AgentCallRequest) (*domain.AgentRunResult, error) {
	c, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = p.tool
	callReq.Params.Arguments = map[string]any{
		"agentId":   req.AgentID,
		"agentType": string(req.AgentType),
		"sessionId": req.SessionKey(),
		"chatId":    req.ChatID,
		"senderId":  req.SenderID,
		"messages":  req.Messages,
	}
	out, err := c.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s failed: %w", p.tool, err)
	}

	res := &domain.AgentRunResult{
		SessionID: req.SessionKey(),
		Status:    domain.AgentRunCompleted,
	}
	for _, item := range out.Content {
		if tc, ok := mcp.AsTextContent(item); ok {
			res.Parts = append(res.Parts, tc.Text)
		} else {
			data, _ := json.Marshal(item)
			res.Parts = append(res.Parts, string(data))
		}
	}
	res.FullResponse = strings.Join(res.Parts, "\n")
	if out.IsError {
		res.Status = domain.AgentRunFailed
	}
	return res, nil
}

// Close shuts down the MCP client connection.
func (p *MCPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
