package connmgr

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aetherhub/aether/common/trace"
	"github.com/aetherhub/aether/internal/aether/gateway"
)

// ChatMessage is a chat entry normalized for API callers: role is "user" or
// "agent" and content is plain text.
type ChatMessage struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// Send posts content to the role's session and waits for the agent's reply.
func (m *Manager) Send(ctx context.Context, role Role, content string) (*ChatMessage, error) {
	c, err := m.live(role)
	if err != nil {
		return nil, err
	}
	msg, err := c.client.ChatSend(ctx, content, m.cfg.Chat)
	if err != nil {
		slog.Warn("connmgr: chat send failed", "role", role, "err", err, trace.Attr(ctx))
		return nil, err
	}
	return &ChatMessage{
		Role:    "agent",
		Name:    m.agentName(c),
		Content: msg.Text(),
		Model:   msg.Model,
	}, nil
}

// History returns the role's session history, normalized.
func (m *Manager) History(ctx context.Context, role Role) ([]ChatMessage, error) {
	c, err := m.live(role)
	if err != nil {
		return nil, err
	}
	msgs, err := c.client.ChatHistory(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, m.normalize(c, msg))
	}
	return out, nil
}

func (m *Manager) normalize(c *conn, msg gateway.Message) ChatMessage {
	if strings.EqualFold(msg.Role, "user") {
		return ChatMessage{Role: "user", Content: msg.Text()}
	}
	return ChatMessage{Role: "agent", Name: m.agentName(c), Content: msg.Text(), Model: msg.Model}
}

func (m *Manager) agentName(c *conn) string {
	if c.role == RoleLocal {
		if c.sessionName != "" {
			return c.sessionName
		}
		return m.cfg.LocalName
	}
	return m.cfg.RemoteName
}
