// Package wireclient is the authenticated JSON client for the coordinator
// REST API: handshake, task listing, claim, heartbeat, complete, escalate,
// and push-ticket minting.
package wireclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxhive/runner/internal/telemetry"
)

// defaultTimeout is the HTTP client's request timeout absent a WithTimeout
// override.
const defaultTimeout = 30 * time.Second

// StatusError is the structured error shape for any non-2xx coordinator
// response.
type StatusError struct {
	Status int
	Code   string
	Body   any
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("coordinator: status %d code %q", e.Status, e.Code)
	}
	return fmt.Sprintf("coordinator: status %d", e.Status)
}

// IsConflict reports whether err is a 409, meaning a claim lost a race
// against a peer runner — explicitly non-fatal.
func IsConflict(err error) bool {
	var se *StatusError
	return asStatusError(err, &se) && se.Status == http.StatusConflict
}

func asStatusError(err error, target **StatusError) bool {
	se, ok := err.(*StatusError)
	if ok {
		*target = se
	}
	return ok
}

// Client talks to the coordinator's REST surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// Option configures optional Client behavior not covered by the two
// required constructor arguments.
type Option func(*Client)

// WithTimeout overrides the default 30s HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithTracer attaches a tracer; every coordinator call gets a client span.
// Absent, calls run untraced.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithMetrics attaches counters/histograms for the claim/complete/escalate
// lifecycle and per-call duration. Absent, calls run unmeasured.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New returns a Client rooted at baseURL, stripping any trailing slash.
func New(baseURL, bearerToken string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   bearerToken,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the client's normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, reqBody any, out any) error {
	started := time.Now()
	var span trace.Span
	if c.tracer != nil {
		ctx, span = telemetry.StartClientSpan(ctx, c.tracer, "wireclient"+path,
			attribute.String("http.method", method), attribute.String("http.path", path))
	}

	err := c.doRequest(ctx, method, path, reqBody, out)

	if span != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	if c.metrics != nil {
		c.metrics.WireCallDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("path", path)))
		c.recordCallMetrics(ctx, path, err)
	}
	return err
}

func (c *Client) recordCallMetrics(ctx context.Context, path string, err error) {
	switch {
	case strings.HasSuffix(path, "/claim"):
		if err == nil {
			c.metrics.TasksClaimed.Add(ctx, 1)
		}
	case strings.HasSuffix(path, "/complete"):
		if err == nil {
			c.metrics.TasksCompleted.Add(ctx, 1)
		}
	case strings.HasSuffix(path, "/escalate"):
		if err == nil {
			c.metrics.EscalationsTotal.Add(ctx, 1)
		}
	case strings.HasSuffix(path, "/heartbeat"):
		if err != nil {
			c.metrics.HeartbeatErrors.Add(ctx, 1)
		}
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any, out any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if path != "/health" && path != "/openapi" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	var parsed any
	if len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil {
			parsed = map[string]any{"raw": string(raw)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Code: extractCode(parsed), Body: parsed}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractCode(parsed any) string {
	m, ok := parsed.(map[string]any)
	if !ok {
		return ""
	}
	if code, ok := m["code"].(string); ok && code != "" {
		return code
	}
	if errObj, ok := m["error"].(map[string]any); ok {
		if code, ok := errObj["code"].(string); ok {
			return code
		}
	}
	return ""
}

// WhoamiResponse is returned by GET /whoami.
type WhoamiResponse struct {
	Agent struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"agent"`
	Server struct {
		Version string `json:"version"`
	} `json:"server"`
}

// Whoami verifies the configured credentials.
func (c *Client) Whoami(ctx context.Context) (WhoamiResponse, error) {
	var out WhoamiResponse
	err := c.do(ctx, http.MethodGet, "/whoami", nil, &out)
	return out, err
}

// HandshakeRequest identifies this runner process to the coordinator.
type HandshakeRequest struct {
	RunnerType       string `json:"runnerType"`
	RunnerVersion    string `json:"runnerVersion"`
	MachineID        string `json:"machineId"`
	RunnerInstanceID string `json:"runnerInstanceId"`
	Backend          string `json:"backend,omitempty"`
}

// HandshakeResponse carries the push-client decision in Config.Push.
type HandshakeResponse struct {
	AgentID   string         `json:"agentId"`
	AgentName string         `json:"agentName"`
	Config    *HandshakeConfig `json:"config,omitempty"`
}

// HandshakeConfig is the optional handshake config payload.
type HandshakeConfig struct {
	Push *PushConfig `json:"push,omitempty"`
}

// PushConfig drives whether a push client is spawned, and how.
type PushConfig struct {
	WSURL string `json:"wsUrl"`
	Mode  string `json:"mode"` // "websocket" | "polling"
}

// Handshake registers this runner instance.
func (c *Client) Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error) {
	var out HandshakeResponse
	err := c.do(ctx, http.MethodPost, "/handshake", req, &out)
	return out, err
}

// Hello sends a best-effort presence notification. Failures are the
// caller's responsibility to log; they are never fatal.
func (c *Client) Hello(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/hello", struct{}{}, nil)
}

// Disconnect sends a best-effort departure notification.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/disconnect", struct{}{}, nil)
}

// Packet is the opaque task descriptor returned by the coordinator.
// Identity fields may arrive at top level or nested under a "task"
// sub-structure; UnmarshalJSON tries the nested form first and falls back
// to top level, per field.
type Packet struct {
	TaskID     string
	Type       string
	StreamID   string
	ThreadID   string
	Goal       string
	Input      json.RawMessage
	Execution  *ExecutionSpec
	Prompt     *PromptSpec
	PromptPlan *PromptPlanSpec
	Policy     *PolicySpec
	Context    json.RawMessage
	Raw        json.RawMessage
}

type packetIdentity struct {
	TaskID   string          `json:"taskId"`
	Type     string          `json:"type"`
	StreamID string          `json:"streamId"`
	ThreadID string          `json:"threadId"`
	Goal     string          `json:"goal"`
	Input    json.RawMessage `json:"input"`
}

// UnmarshalJSON parses a packet, preferring identity fields nested under
// "task" over their top-level counterparts, and retains the full payload
// in Raw for components (such as prompt rendering) that need the original
// task shape.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var aux struct {
		packetIdentity
		Execution  *ExecutionSpec  `json:"execution"`
		Prompt     *PromptSpec     `json:"prompt"`
		PromptPlan *PromptPlanSpec `json:"promptPlan"`
		Policy     *PolicySpec     `json:"policy"`
		Context    json.RawMessage `json:"context"`
		Task       *packetIdentity `json:"task"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*p = Packet{
		TaskID:     aux.TaskID,
		Type:       aux.Type,
		StreamID:   aux.StreamID,
		ThreadID:   aux.ThreadID,
		Goal:       aux.Goal,
		Input:      aux.Input,
		Execution:  aux.Execution,
		Prompt:     aux.Prompt,
		PromptPlan: aux.PromptPlan,
		Policy:     aux.Policy,
		Context:    aux.Context,
		Raw:        append(json.RawMessage(nil), data...),
	}
	if aux.Task != nil {
		if aux.Task.TaskID != "" {
			p.TaskID = aux.Task.TaskID
		}
		if aux.Task.Type != "" {
			p.Type = aux.Task.Type
		}
		if aux.Task.StreamID != "" {
			p.StreamID = aux.Task.StreamID
		}
		if aux.Task.ThreadID != "" {
			p.ThreadID = aux.Task.ThreadID
		}
		if aux.Task.Goal != "" {
			p.Goal = aux.Task.Goal
		}
		if len(aux.Task.Input) > 0 {
			p.Input = aux.Task.Input
		}
	}
	return nil
}

// ExecutionSpec selects and configures the backend for a packet.
type ExecutionSpec struct {
	Backend          string          `json:"backend"`
	Model            string          `json:"model,omitempty"`
	TimeoutSec       int             `json:"timeoutSec,omitempty"`
	OutputSchemaJSON json.RawMessage `json:"outputSchemaJson,omitempty"`
	AllowedTools     []string        `json:"allowedTools,omitempty"`
}

// PromptSpec is the task's pre-rendered prompt, used verbatim when present.
type PromptSpec struct {
	Rendered string `json:"rendered,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

// PromptPlanSpec is the fallback prompt synthesis input, used when
// Prompt.Rendered is absent.
type PromptPlanSpec struct {
	Template string         `json:"template,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
}

// PolicySpec carries per-task policy overrides.
type PolicySpec struct {
	HeartbeatRequired  *bool `json:"heartbeatRequired,omitempty"`
	TaskTimeoutSeconds int   `json:"taskTimeoutSeconds,omitempty"`
}

// ListTasksQuery filters GET /tasks.
type ListTasksQuery struct {
	Status    string
	Limit     int
	Mode      string
	Format    string
	StreamID  string
	Backend   string
	CostClass string
}

// ListTasksResponse is returned by GET /tasks. A missing or non-array
// Tasks field is treated by the caller as "no work".
type ListTasksResponse struct {
	Tasks           []Packet `json:"tasks"`
	NextPollSeconds *int     `json:"nextPollSeconds,omitempty"`
}

// ListTasks lists ready tasks matching q.
func (c *Client) ListTasks(ctx context.Context, q ListTasksQuery) (ListTasksResponse, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if q.Mode != "" {
		v.Set("mode", q.Mode)
	}
	if q.Format != "" {
		v.Set("format", q.Format)
	}
	if q.StreamID != "" {
		v.Set("streamId", q.StreamID)
	}
	if q.Backend != "" {
		v.Set("backend", q.Backend)
	}
	if q.CostClass != "" {
		v.Set("costClass", q.CostClass)
	}
	path := "/tasks"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}

	var out ListTasksResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ListTasksResponse{}, err
	}
	return out, nil
}

// ClaimRequest carries runner identity for the claim attempt.
type ClaimRequest struct {
	RunnerInstanceID string `json:"runnerInstanceId"`
	MachineID        string `json:"machineId"`
}

// ClaimResponse is returned on a successful (2xx) claim.
type ClaimResponse struct {
	SessionID string  `json:"sessionId"`
	Packet    *Packet `json:"packet,omitempty"`
}

// ClaimTask attempts to claim taskID. A 409 response surfaces as a
// *StatusError satisfying IsConflict — callers must treat that as a normal
// peer race, not an error.
func (c *Client) ClaimTask(ctx context.Context, taskID string, req ClaimRequest) (ClaimResponse, error) {
	var out ClaimResponse
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/claim", req, &out)
	return out, err
}

// HeartbeatRequest reports in-progress status for a claimed task.
type HeartbeatRequest struct {
	SessionID string  `json:"sessionId"`
	Phase     string  `json:"phase,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
}

// HeartbeatResponse tells the executor whether to abort.
type HeartbeatResponse struct {
	ShouldAbort   bool   `json:"shouldAbort"`
	CancelPending bool   `json:"cancelPending,omitempty"`
	CancelReason  string `json:"cancelReason,omitempty"`
}

// Heartbeat reports progress for (taskID, req.SessionID).
func (c *Client) Heartbeat(ctx context.Context, taskID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/heartbeat", req, &out)
	return out, err
}

// TaskStatus is the terminal state reported to /complete.
type TaskStatus string

const (
	StatusDone      TaskStatus = "done"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// CompleteRequest reports a task's terminal outcome.
type CompleteRequest struct {
	SessionID  string     `json:"sessionId"`
	Status     TaskStatus `json:"status"`
	Output     string     `json:"output"`
	TokensUsed int        `json:"tokensUsed,omitempty"`
	CostUsd    float64    `json:"costUsd,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`
}

// CompleteTask reports the final outcome for (taskID, req.SessionID). Must
// be called exactly once per successful claim.
func (c *Client) CompleteTask(ctx context.Context, taskID string, req CompleteRequest) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/complete", req, nil)
}

// EscalateRequest asks a human operator to intervene.
type EscalateRequest struct {
	SessionID       string `json:"sessionId"`
	Reason          string `json:"reason"`
	SuggestedAction string `json:"suggestedAction,omitempty"`
}

// EscalateTask raises an escalation for taskID. Called after the
// corresponding complete(failed), never before.
func (c *Client) EscalateTask(ctx context.Context, taskID string, req EscalateRequest) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/escalate", req, nil)
}

// PushTicketRequest requests a short-lived ticket for the push WebSocket.
type PushTicketRequest struct {
	RunnerInstanceID string         `json:"runnerInstanceId"`
	MachineID        string         `json:"machineId"`
	Filters          map[string]any `json:"filters,omitempty"`
}

// PushTicket mints a ticket at the WebSocket origin, mapping wss:→https:
// and ws:→http: to derive the HTTP origin for the POST.
func (c *Client) PushTicket(ctx context.Context, wsURL string, req PushTicketRequest) (string, error) {
	origin, err := httpOriginFromWS(wsURL)
	if err != nil {
		return "", err
	}

	ticketClient := &Client{baseURL: origin, token: c.token, http: c.http}
	var out struct {
		Ticket string `json:"ticket"`
	}
	if err := ticketClient.do(ctx, http.MethodPost, "/mcp/v1/push-ticket", req, &out); err != nil {
		return "", err
	}
	if out.Ticket == "" {
		return "", fmt.Errorf("push-ticket: response missing ticket field")
	}
	return out.Ticket, nil
}

func httpOriginFromWS(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}
