// Package gatewayws implements the full-duplex JSON-framed WebSocket client
// used by the gateway backend: challenge-response device authentication,
// request/response correlation via a pending table, and the defensive
// extraction of agent-call results.
package gatewayws

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxhive/runner/internal/device"
	"github.com/fluxhive/runner/internal/telemetry"
)

const (
	challengeFallback = 750 * time.Millisecond
	role              = "operator"
	clientMode        = "runner"
)

var (
	// ErrClosed is returned by operations on a client that has been closed.
	ErrClosed = errors.New("gatewayws: client closed")
)

// Config configures a gateway client connection attempt.
type Config struct {
	URL            string
	ClientID       string
	Scopes         []string
	SharedToken    string
	SharedPassword string
	Identity       device.Identity
	Tokens         *device.TokenCache
	Log            *slog.Logger
	Tracer         trace.Tracer
	Metrics        *telemetry.Metrics
}

// Client is a single gateway WebSocket connection, shared by any number of
// concurrently-executing gateway-backed tasks.
type Client struct {
	cfg Config
	log *slog.Logger

	conn    *websocket.Conn
	pending *pendingTable
	seq     atomic.Int64

	mu              sync.Mutex
	closed          bool
	connected       bool
	challengeWaiter chan string

	writeMu sync.Mutex
}

// Connect opens the WebSocket and performs the challenge-response device
// handshake, retrying once on "device token mismatch" if a shared token is
// available.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		log:     log,
		conn:    conn,
		pending: newPendingTable(),
	}

	go c.readLoop(context.Background())

	usedCached := false
	token, err := cfg.Tokens.Get(cfg.Identity.ID, role)
	if err == nil && token != "" {
		usedCached = true
	}

	if err := c.handshake(ctx, token); err != nil {
		if usedCached && cfg.SharedToken != "" && strings.Contains(strings.ToLower(err.Error()), "device token mismatch") {
			_ = cfg.Tokens.Clear(cfg.Identity.ID, role)
			if retryErr := c.handshake(ctx, ""); retryErr != nil {
				c.CloseNow()
				return nil, fmt.Errorf("gateway handshake retry failed: %w", retryErr)
			}
		} else {
			c.CloseNow()
			return nil, fmt.Errorf("gateway handshake failed: %w", err)
		}
	}

	return c, nil
}

// handshake runs the connect-challenge protocol once: waits up to the
// fallback window for a connect.challenge event, then sends a signed
// connect request (with or without a nonce).
func (c *Client) handshake(ctx context.Context, cachedToken string) error {
	nonceCh := make(chan string, 1)
	c.setChallengeWaiter(nonceCh)
	defer c.setChallengeWaiter(nil)

	var nonce string
	select {
	case n := <-nonceCh:
		nonce = n
	case <-time.After(challengeFallback):
	}

	signedAt := time.Now().UnixMilli()
	payload := signingPayload(c.cfg.Identity.ID, c.cfg.ClientID, clientMode, role, c.cfg.Scopes, signedAt, cachedToken, nonce)
	sig := signDevice(c.cfg.Identity, payload)

	params := connectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		ClientID:    c.cfg.ClientID,
		Role:        role,
		Scopes:      c.cfg.Scopes,
		Device: deviceBlock{
			ID:        c.cfg.Identity.ID,
			PublicKey: hex.EncodeToString(c.cfg.Identity.PublicKey),
			Signature: sig,
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}
	if cachedToken != "" {
		params.SessionToken = cachedToken
	} else {
		params.SharedToken = c.cfg.SharedToken
		params.SharedPassword = c.cfg.SharedPassword
	}

	payloadRaw, err := c.call(ctx, "connect", params, true, 10*time.Second)
	if err != nil {
		return err
	}

	var result connectResultPayload
	if err := json.Unmarshal(payloadRaw, &result); err == nil && result.Auth.DeviceToken != "" {
		_ = c.cfg.Tokens.Put(c.cfg.Identity.ID, role, result.Auth.DeviceToken)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) setChallengeWaiter(ch chan string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challengeWaiter = ch
}

// Agent invokes method:"agent" and returns the defensively-extracted result.
func (c *Client) Agent(ctx context.Context, sessionKey, agentID, message string, timeoutSec int, idempotencyKey string) (AgentResult, error) {
	params := agentParams{
		Message:        message,
		SessionKey:     sessionKey,
		AgentID:        agentID,
		TimeoutSec:     timeoutSec,
		IdempotencyKey: idempotencyKey,
	}

	overall := 30 * time.Second
	if computed := time.Duration(timeoutSec)*time.Second + 30*time.Second; computed > overall {
		overall = computed
	}

	payloadRaw, err := c.call(ctx, "agent", params, true, overall)
	if err != nil {
		return AgentResult{}, err
	}
	return extractAgentResult(payloadRaw), nil
}

// call sends a req frame and waits for its settling response.
func (c *Client) call(ctx context.Context, method string, params any, expectFinal bool, timeout time.Duration) ([]byte, error) {
	var span trace.Span
	if c.cfg.Tracer != nil {
		ctx, span = telemetry.StartClientSpan(ctx, c.cfg.Tracer, "gatewayws."+method)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.GatewayCalls.Add(ctx, 1)
	}

	payload, err := c.doCall(ctx, method, params, expectFinal, timeout)

	if err != nil && c.cfg.Metrics != nil {
		c.cfg.Metrics.GatewayErrors.Add(ctx, 1)
	}
	if span != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	return payload, err
}

func (c *Client) doCall(ctx context.Context, method string, params any, expectFinal bool, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	if timeout < time.Second {
		timeout = time.Second
	}

	id := uuid.NewString()
	ch := c.pending.register(id, expectFinal, timeout, fmt.Errorf("gatewayws: request %s (%s) timed out", id, method))

	frame := reqFrame{Type: frameTypeReq, ID: id, Method: method, Params: params}
	if err := c.write(ctx, frame); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	case res := <-ch:
		return res.payload, res.err
	}
}

func (c *Client) write(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		var peek inboundFrame
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
			c.pending.closeAll(fmt.Errorf("gatewayws: connection closed: %w", err))
			return
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			continue
		}

		switch peek.Type {
		case frameTypeRes:
			c.handleRes(raw)
		case frameTypeEvent:
			c.handleEvent(raw)
		}
	}
}

func (c *Client) handleRes(raw []byte) {
	var res resFrame
	if err := json.Unmarshal(raw, &res); err != nil {
		return
	}

	if res.Error != nil {
		msg := res.Error.Message
		if msg == "" {
			msg = "request failed"
		}
		c.pending.settle(res.ID, callResult{err: errors.New(msg)})
		return
	}

	var statusPeek struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(res.Payload, &statusPeek)

	pc := c.pending.get(res.ID)
	if pc != nil && isAcceptedIntermediate(pc.expectFinal, statusPeek.Status) {
		return
	}
	c.pending.settle(res.ID, callResult{payload: res.Payload})
}

func (c *Client) handleEvent(raw []byte) {
	var evt eventFrame
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}
	if evt.Event != "connect.challenge" {
		return
	}
	var challenge connectChallengePayload
	if err := json.Unmarshal(evt.Payload, &challenge); err != nil {
		return
	}

	c.mu.Lock()
	waiter := c.challengeWaiter
	c.mu.Unlock()
	if waiter != nil {
		select {
		case waiter <- challenge.Nonce:
		default:
		}
	}
}

// Close flushes every pending request with a closed error, then closes the
// socket. Subsequent operations fail immediately with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.pending.closeAll(ErrClosed)
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// CloseNow force-closes the underlying connection without a graceful
// handshake, used when a connect attempt itself fails.
func (c *Client) CloseNow() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.pending.closeAll(ErrClosed)
	return c.conn.CloseNow()
}
