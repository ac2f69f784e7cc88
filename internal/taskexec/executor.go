// Package taskexec runs the per-task claim -> resolveBackend -> execute ->
// heartbeat -> complete/escalate state machine against a single claimed
// task packet, maintaining the active session table the cadence loop
// consults to avoid double-dispatch.
package taskexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fluxhive/runner/internal/backend"
	"github.com/fluxhive/runner/internal/backend/gatewaybackend"
	"github.com/fluxhive/runner/internal/shared"
	"github.com/fluxhive/runner/internal/wireclient"
)

const (
	defaultBackendName       = "claude-cli"
	defaultTaskTimeout       = 600 * time.Second
	minHeartbeatInterval     = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	gatewayBackendName       = "gateway"
)

// approvalSubstrings are matched case-insensitively against a gateway
// backend's terminal error message or failed output to decide whether a
// completion should also raise an escalation.
var approvalSubstrings = []string{"approval", "operator.approvals", "exec.approval"}

// session is one active task's entry in the executor's session table.
type session struct {
	sessionID string
	cancel    context.CancelFunc
	startedAt time.Time
}

// Executor owns the active session table and runs the full lifecycle for
// each claimed task.
type Executor struct {
	client   *wireclient.Client
	registry *backend.Registry

	runnerInstanceID  string
	machineID         string
	orgID             string
	gatewayAgentID    string
	defaultBackend    string
	heartbeatInterval time.Duration

	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New returns an Executor. heartbeatInterval is clamped to the §5 floor of
// 10s (and defaults to 30s when zero). defaultBackend is the runner-wide
// fallback used when a packet names no backend of its own; it sits between
// the packet's own fields and the hard-coded "claude-cli" default.
func New(client *wireclient.Client, registry *backend.Registry, runnerInstanceID, machineID, orgID, gatewayAgentID, defaultBackend string, heartbeatInterval time.Duration, log *slog.Logger) *Executor {
	if heartbeatInterval < minHeartbeatInterval {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		client:            client,
		registry:          registry,
		runnerInstanceID:  runnerInstanceID,
		machineID:         machineID,
		orgID:             orgID,
		gatewayAgentID:    gatewayAgentID,
		defaultBackend:    defaultBackend,
		heartbeatInterval: heartbeatInterval,
		log:               log,
		sessions:          make(map[string]*session),
	}
}

// ActiveCount reports how many tasks currently have a live session entry,
// used by the cadence loop's dispatch context.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// IsActive reports whether taskID currently has a session entry.
func (e *Executor) IsActive(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[taskID]
	return ok
}

// CancelAll triggers every active session's cancel handle, used during
// supervisor shutdown to unblock in-flight backends promptly.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		s.cancel()
	}
}

// HandleTask runs claim -> resolveBackend -> execute -> complete (and,
// where applicable, escalate) for one listed packet. A lost claim race
// (409) is reported as a nil error: it is a normal peer outcome, not a
// failure of this runner.
func (e *Executor) HandleTask(ctx context.Context, packet wireclient.Packet) error {
	taskID := packet.TaskID
	ctx = shared.WithTaskID(ctx, taskID)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	claimResp, err := e.client.ClaimTask(ctx, taskID, wireclient.ClaimRequest{
		RunnerInstanceID: e.runnerInstanceID,
		MachineID:        e.machineID,
	})
	if err != nil {
		if wireclient.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}

	effective := packet
	if claimResp.Packet != nil {
		effective = *claimResp.Packet
	}
	if effective.TaskID == "" {
		e.completeBestEffort(ctx, taskID, claimResp.SessionID, wireclient.StatusFailed, "packet missing", 0)
		return nil
	}

	name := backend.NormalizeName(resolveBackendName(effective, e.defaultBackend))
	be := e.registry.Resolve(name)
	if be == nil {
		e.completeBestEffort(ctx, taskID, claimResp.SessionID, wireclient.StatusFailed,
			fmt.Sprintf("no backend available for %q", name), 0)
		return nil
	}

	timeout := resolveTimeout(effective)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)

	sess := &session{sessionID: claimResp.SessionID, cancel: cancel, startedAt: time.Now()}
	e.mu.Lock()
	e.sessions[taskID] = sess
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.sessions, taskID)
		e.mu.Unlock()
	}()

	cancelCh := make(chan struct{})
	go func() {
		<-taskCtx.Done()
		close(cancelCh)
	}()

	if heartbeatRequired(effective) {
		go e.runHeartbeat(taskCtx, cancel, taskID, claimResp.SessionID)
	}

	opts := backend.ExecuteOptions{
		TaskID:         taskID,
		Prompt:         renderPrompt(effective),
		TimeoutSec:     int(timeout / time.Second),
		Cancel:         cancelCh,
		AgentID:        e.gatewayAgentID,
		IdempotencyKey: taskID + ":" + claimResp.SessionID,
		SessionKey: gatewaybackend.SessionKey(gatewaybackend.TaskDescriptor{
			Type:      effective.Type,
			OrgID:     e.orgID,
			StreamID:  effective.StreamID,
			ThreadID:  effective.ThreadID,
			AgentID:   e.gatewayAgentID,
			InputJSON: effective.Input,
		}),
	}
	if effective.Execution != nil {
		opts.Model = effective.Execution.Model
		opts.AllowedTools = effective.Execution.AllowedTools
		opts.OutputSchemaJSON = effective.Execution.OutputSchemaJSON
	}

	started := time.Now()
	result, execErr := be.Execute(taskCtx, opts)
	duration := time.Since(started)

	// A completed context at this point is either a timeout (fires on its
	// own, ctx.Err()==DeadlineExceeded) or a cooperative cancel via the
	// heartbeat or supervisor shutdown path (explicit cancel(), which sets
	// ctx.Err()==Canceled). Only the former rewrites the outcome.
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		result = &backend.Result{
			Status: backend.StatusFailed,
			Output: fmt.Sprintf("Timeout: task exceeded %ds limit", int(timeout/time.Second)),
		}
		execErr = nil
	}

	escalationText := ""
	if execErr != nil {
		escalationText = execErr.Error()
		result = &backend.Result{Status: backend.StatusFailed, Output: execErr.Error()}
	} else if result != nil {
		escalationText = result.Output
	}

	if result == nil {
		result = &backend.Result{Status: backend.StatusFailed, Output: "(empty response)"}
	}
	output := result.Output
	if strings.TrimSpace(output) == "" {
		output = "(empty response)"
	}

	if err := e.client.CompleteTask(ctx, taskID, wireclient.CompleteRequest{
		SessionID:  claimResp.SessionID,
		Status:     wireclient.TaskStatus(result.Status),
		Output:     output,
		TokensUsed: result.TokensUsed,
		CostUsd:    result.CostUsd,
		DurationMs: duration.Milliseconds(),
	}); err != nil {
		e.log.Warn("complete failed", "task_id", taskID, "trace_id", shared.TraceID(ctx), "status", result.Status, "error", err)
	}

	if name == gatewayBackendName && result.Status == backend.StatusFailed && matchesApproval(escalationText) {
		if escErr := e.client.EscalateTask(ctx, taskID, wireclient.EscalateRequest{
			SessionID: claimResp.SessionID,
			Reason:    "approval required",
		}); escErr != nil {
			e.log.Warn("escalation failed", "task_id", taskID, "trace_id", shared.TraceID(ctx), "error", escErr)
		}
	}

	return nil
}

// completeBestEffort reports a task's terminal outcome. Failure to reach
// the coordinator is logged, never returned: completion must not block
// escalation or the cadence loop's forward progress.
func (e *Executor) completeBestEffort(ctx context.Context, taskID, sessionID string, status wireclient.TaskStatus, output string, durationMs int64) {
	err := e.client.CompleteTask(ctx, taskID, wireclient.CompleteRequest{
		SessionID:  sessionID,
		Status:     status,
		Output:     output,
		DurationMs: durationMs,
	})
	if err != nil {
		e.log.Warn("complete failed", "task_id", taskID, "status", status, "error", err)
	}
}

func (e *Executor) runHeartbeat(taskCtx context.Context, cancel context.CancelFunc, taskID, sessionID string) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-taskCtx.Done():
			return
		case <-ticker.C:
			resp, err := e.client.Heartbeat(context.Background(), taskID, wireclient.HeartbeatRequest{SessionID: sessionID})
			if err != nil {
				e.log.Warn("lease heartbeat failed", "task_id", taskID, "error", err)
				continue
			}
			if resp.ShouldAbort || resp.CancelPending {
				e.log.Info("heartbeat requested cancellation", "task_id", taskID, "reason", resp.CancelReason)
				cancel()
				return
			}
		}
	}
}

func resolveBackendName(p wireclient.Packet, runnerDefault string) string {
	if p.Execution != nil && p.Execution.Backend != "" {
		return p.Execution.Backend
	}
	if p.Prompt != nil && p.Prompt.Backend != "" {
		return p.Prompt.Backend
	}
	if runnerDefault != "" {
		return runnerDefault
	}
	return defaultBackendName
}

func resolveTimeout(p wireclient.Packet) time.Duration {
	if p.Execution != nil && p.Execution.TimeoutSec > 0 {
		return time.Duration(p.Execution.TimeoutSec) * time.Second
	}
	if p.Policy != nil && p.Policy.TaskTimeoutSeconds > 0 {
		return time.Duration(p.Policy.TaskTimeoutSeconds) * time.Second
	}
	return defaultTaskTimeout
}

func heartbeatRequired(p wireclient.Packet) bool {
	if p.Policy == nil || p.Policy.HeartbeatRequired == nil {
		return true
	}
	return *p.Policy.HeartbeatRequired
}

func matchesApproval(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range approvalSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
