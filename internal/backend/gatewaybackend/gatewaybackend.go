// Package gatewaybackend implements the gateway-backed execution backend:
// it derives a stable session key per task, invokes the shared gateway
// WebSocket client's agent method, and maps the reply into a terminal
// backend.Result.
package gatewaybackend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fluxhive/runner/internal/backend"
	"github.com/fluxhive/runner/internal/gatewayws"
)

// AgentCaller is implemented by *gatewayws.Client.
type AgentCaller interface {
	Agent(ctx context.Context, sessionKey, agentID, message string, timeoutSec int, idempotencyKey string) (gatewayws.AgentResult, error)
}

// Backend is the "gateway" execution backend.
type Backend struct {
	client    AgentCaller
	available func() bool
}

// New returns a gateway backend delegating calls to client. available
// reports whether the gateway's health ping has succeeded.
func New(client AgentCaller, available func() bool) *Backend {
	return &Backend{client: client, available: available}
}

func (b *Backend) Name() string { return "gateway" }

func (b *Backend) CanExecute(name string) bool { return name == "gateway" }

func (b *Backend) IsAvailable() bool {
	if b.available == nil {
		return b.client != nil
	}
	return b.available()
}

// TaskDescriptor is the subset of a packet needed to derive a session key.
type TaskDescriptor struct {
	Type      string
	OrgID     string
	StreamID  string
	ThreadID  string
	AgentID   string
	InputJSON json.RawMessage
}

// SessionKey derives the stable conversation-context key for a task,
// grouping related tasks by type per the session-key derivation table.
func SessionKey(td TaskDescriptor) string {
	agentID := td.AgentID
	if agentID == "" {
		agentID = "main"
	}
	stream := td.StreamID
	if stream == "" {
		stream = "unknown-stream"
	}

	switch td.Type {
	case "conductor-chat":
		thread := td.ThreadID
		if thread == "" {
			thread = "main"
		}
		return fmt.Sprintf("agent:%s:flux:org:%s:stream:%s:thread:%s", agentID, td.OrgID, stream, thread)
	case "cadence":
		cadenceKey := parseCadenceKey(td.InputJSON)
		return fmt.Sprintf("agent:%s:flux:org:%s:stream:%s:cadence:%s", agentID, td.OrgID, stream, cadenceKey)
	default:
		return fmt.Sprintf("agent:%s:flux:org:%s:stream:%s:task", agentID, td.OrgID, stream)
	}
}

func parseCadenceKey(inputJSON json.RawMessage) string {
	if len(inputJSON) == 0 {
		return "tick"
	}
	var input struct {
		CadenceKey string `json:"cadenceKey"`
	}
	if err := json.Unmarshal(inputJSON, &input); err != nil || input.CadenceKey == "" {
		return "tick"
	}
	return input.CadenceKey
}

// Execute invokes the gateway's agent method and maps the result.
func (b *Backend) Execute(ctx context.Context, opts backend.ExecuteOptions) (*backend.Result, error) {
	result, err := b.client.Agent(ctx, opts.SessionKey, opts.AgentID, opts.Prompt, opts.TimeoutSec, opts.IdempotencyKey)
	if err != nil {
		select {
		case <-opts.Cancel:
			return &backend.Result{Status: backend.StatusCancelled, Output: "Cancelled by user request"}, nil
		default:
		}
		return nil, err
	}

	var texts []string
	hasError := false
	for _, p := range result.Payloads {
		if p.IsError {
			hasError = true
		}
		if strings.TrimSpace(p.Text) != "" {
			texts = append(texts, p.Text)
		}
	}

	output := strings.Join(texts, "\n\n")
	if output == "" {
		output = "(empty response)"
	}

	status := backend.StatusDone
	if hasError {
		status = backend.StatusFailed
	}

	var tokensUsed int
	if result.Usage != nil {
		if v, ok := result.Usage["totalTokens"].(float64); ok {
			tokensUsed = int(v)
		}
	}

	return &backend.Result{Status: status, Output: output, TokensUsed: tokensUsed}, nil
}
