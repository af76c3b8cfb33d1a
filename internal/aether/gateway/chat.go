package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aetherhub/aether/common/trace"
)

// ErrChatTimeout is returned by ChatSend when no reply arrived in time.
var ErrChatTimeout = errors.New("gateway: no chat reply before timeout")

// ProviderError is an error reported by the model provider behind the
// gateway, surfaced through the chat history.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return "LLM provider error: " + e.Message }

// Message is one chat history entry.
type Message struct {
	Role         string          `json:"role"`
	Model        string          `json:"model,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text flattens Content: a plain string is returned as-is, a list of parts
// yields its "text" parts joined by newlines.
func (m Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, raw := range parts {
		var p contentPart
		if json.Unmarshal(raw, &p) != nil || p.Type != "text" {
			continue
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n")
}

// HasText reports whether the flattened content is non-blank.
func (m Message) HasText() bool { return strings.TrimSpace(m.Text()) != "" }

// IsError reports whether the provider marked this message as failed.
func (m Message) IsError() bool { return m.StopReason == "error" || m.ErrorMessage != "" }

// ChatHistory returns the messages of the client's session.
func (c *Client) ChatHistory(ctx context.Context) ([]Message, error) {
	raw, err := c.Request(ctx, "chat.history", map[string]string{"sessionKey": c.cfg.SessionKey})
	if err != nil {
		return nil, err
	}
	var body struct {
		Messages []Message `json:"messages"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("decode chat.history: %w", err)
		}
	}
	return body.Messages, nil
}

// ChatOptions tunes the reply polling of ChatSend. Zero values select the
// defaults.
type ChatOptions struct {
	// Timeout bounds the whole wait for a reply (180s).
	Timeout time.Duration
	// PollInterval is the starting and post-activity interval (1.5s).
	PollInterval time.Duration
	// PollStep grows the interval after each poll (0.3s).
	PollStep time.Duration
	// MaxPollInterval caps the interval (3s).
	MaxPollInterval time.Duration
	// IdlePolls is how many polls without new messages end the wait (20).
	IdlePolls int
}

func (o *ChatOptions) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 180 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 1500 * time.Millisecond
	}
	if o.PollStep <= 0 {
		o.PollStep = 300 * time.Millisecond
	}
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = 3 * time.Second
	}
	if o.IdlePolls <= 0 {
		o.IdlePolls = 20
	}
}

// ChatSend posts text to the session and waits for the agent's reply.
// chat.send only acknowledges the run, so the reply is found by polling
// the history for messages past the pre-send baseline.
func (c *Client) ChatSend(ctx context.Context, text string, opts ChatOptions) (*Message, error) {
	opts.applyDefaults()

	before, err := c.ChatHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat baseline: %w", err)
	}
	baseline := len(before)

	params := map[string]string{
		"sessionKey":     c.cfg.SessionKey,
		"idempotencyKey": trace.NewIdempotencyKey(),
		"message":        text,
	}
	ack, err := c.Request(ctx, "chat.send", params)
	if err != nil {
		return nil, err
	}
	slog.Debug("gateway: chat.send accepted", "name", c.cfg.Name, "ack", string(ack), trace.Attr(ctx))

	return c.pollReply(ctx, baseline, opts)
}

func (c *Client) pollReply(ctx context.Context, baseline int, opts ChatOptions) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	interval := opts.PollInterval
	lastCount := baseline
	idle := 0

	for {
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w (%s)", ErrChatTimeout, opts.Timeout)
			}
			return nil, ctx.Err()
		case <-t.C:
		}

		msgs, err := c.ChatHistory(ctx)
		if err != nil {
			return nil, err
		}
		var fresh []Message
		if len(msgs) > baseline {
			fresh = msgs[baseline:]
		}

		for i := len(fresh) - 1; i >= 0; i-- {
			m := fresh[i]
			if m.Role != "user" && m.IsError() {
				msg := m.ErrorMessage
				if msg == "" {
					msg = "Unknown LLM provider error"
				}
				return nil, &ProviderError{Message: msg}
			}
		}
		for i := len(fresh) - 1; i >= 0; i-- {
			m := fresh[i]
			if m.Role != "user" && m.Model != "" && m.HasText() {
				return &m, nil
			}
		}

		if len(msgs) > lastCount {
			idle = 0
			lastCount = len(msgs)
			interval = opts.PollInterval
		} else {
			idle++
		}

		if idle >= opts.IdlePolls {
			for i := len(fresh) - 1; i >= 0; i-- {
				m := fresh[i]
				if m.Role != "user" && m.HasText() {
					return &m, nil
				}
			}
			return nil, fmt.Errorf("%w: session idle after %d polls", ErrChatTimeout, idle)
		}

		interval += opts.PollStep
		if interval > opts.MaxPollInterval {
			interval = opts.MaxPollInterval
		}
	}
}

// ChatAbort stops the current generation in the client's session.
func (c *Client) ChatAbort(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, "chat.abort", map[string]string{"sessionKey": c.cfg.SessionKey})
}

// Health calls the gateway's health method.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, "health", nil)
}

// Status calls the gateway's status method.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, "status", nil)
}

// ListAgents calls agents.list.
func (c *Client) ListAgents(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, "agents.list", nil)
}

// ListSessions calls sessions.list.
func (c *Client) ListSessions(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, "sessions.list", nil)
}

// ListModels calls models.list.
func (c *Client) ListModels(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, "models.list", nil)
}
