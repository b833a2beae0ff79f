package agentcall

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/jkaninda/omni/internal/domain"
)

// Websocket message types exchanged with an agent backend.
const (
	MsgAgentRun   = "agent.run"
	MsgAgentChunk = "agent.chunk"
	MsgAgentDone  = "agent.done"
	MsgAgentError = "agent.error"
)

// Subprotocol is negotiated on every agent connection.
const Subprotocol = "omni-agent-v1"

// Envelope is the frame format on the agent websocket.
type Envelope struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RunPayload is the payload of an agent.run frame.
type RunPayload struct {
	AgentID   string   `json:"agentId"`
	AgentType string   `json:"agentType"`
	SessionID string   `json:"sessionId"`
	ChatID    string   `json:"chatId,omitempty"`
	SenderID  string   `json:"senderId,omitempty"`
	Messages  []string `json:"messages"`
}

// WSConfig configures a websocket agent provider.
type WSConfig struct {
	URL   string
	Token string
}

// WSProvider runs agents over a websocket. Each run uses its own connection:
// one agent.run frame out, then agent.chunk frames until agent.done or agent.error.
type WSProvider struct {
	cfg    WSConfig
	logger *slog.Logger
}

// NewWSProvider creates a websocket provider.
func NewWSProvider(cfg WSConfig, logger *slog.Logger) (*WSProvider, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing agent url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("agent url scheme must be ws or wss, got %q", u.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSProvider{cfg: cfg, logger: logger}, nil
}

func (p *WSProvider) dialURL() string {
	if p.cfg.Token == "" {
		return p.cfg.URL
	}
	sep := "?"
	if strings.Contains(p.cfg.URL, "?") {
		sep = "&"
	}
	return p.cfg.URL + sep + "token=" + url.QueryEscape(p.cfg.Token)
}

// Run sends one agent.run request and collects the streamed response.
func (p *WSProvider) Run(ctx context.Context, req domain.AgentCallRequest) (*domain.AgentRunResult, error) {
	conn, _, err := websocket.Dial(ctx, p.dialURL(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing agent: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "run finished")
	conn.SetReadLimit(4 << 20)

	runID := uuid.NewString()
	run := Envelope{
		Type: MsgAgentRun,
		ID:   runID,
		Payload: map[string]any{
			"agentId":   req.AgentID,
			"agentType": string(req.AgentType),
			"sessionId": req.SessionKey(),
			"chatId":    req.ChatID,
			"senderId":  req.SenderID,
			"messages":  req.Messages,
		},
	}
	if err := wsjson.Write(ctx, conn, run); err != nil {
		return nil, fmt.Errorf("sending run: %w", err)
	}

	res := &domain.AgentRunResult{RunID: runID, SessionID: req.SessionKey()}
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return nil, fmt.Errorf("reading agent response: %w", err)
		}
		if env.ID != "" && env.ID != runID {
			p.logger.DebugContext(ctx, "ignoring frame for another run", slog.String("id", env.ID))
			continue
		}

		switch env.Type {
		case MsgAgentChunk:
			if text, _ := env.Payload["text"].(string); text != "" {
				res.Parts = append(res.Parts, text)
			}
		case MsgAgentDone:
			res.Status = domain.AgentRunCompleted
			if full, _ := env.Payload["fullResponse"].(string); full != "" {
				res.FullResponse = full
			} else {
				res.FullResponse = strings.Join(res.Parts, "")
			}
			if sid, _ := env.Payload["sessionId"].(string); sid != "" {
				res.SessionID = sid
			}
			return res, nil
		case MsgAgentError:
			res.Status = domain.AgentRunFailed
			res.FullResponse, _ = env.Payload["error"].(string)
			return res, nil
		default:
			p.logger.DebugContext(ctx, "unknown agent frame", slog.String("type", env.Type))
		}
	}
}

// Close is a no-op; connections are per run.
func (p *WSProvider) Close() error { return nil }
