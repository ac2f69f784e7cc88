// Package pushclient subscribes to the coordinator's push WebSocket and
// invokes a callback whenever a task.available notification arrives, so the
// cadence loop can drain without waiting for its next poll tick.
package pushclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	pingInterval    = 20 * time.Second
	reconnectCap    = 30 * time.Second
	dialTimeout     = 10 * time.Second
)

// TicketMinter mints a short-lived auth ticket for a single connect attempt.
type TicketMinter func(ctx context.Context) (string, error)

// Client maintains a single reconnecting WebSocket subscription to the
// coordinator's push endpoint.
type Client struct {
	wsURL     string
	mintTicket TicketMinter
	baseDelay time.Duration
	onAvailable func(taskID string)
	log       *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New returns a push client for wsURL. baseDelay is the reconnect backoff
// floor (config-driven); the cap is always 30s.
func New(wsURL string, mint TicketMinter, baseDelay time.Duration, onAvailable func(taskID string), log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		wsURL:       wsURL,
		mintTicket:  mint,
		baseDelay:   baseDelay,
		onAvailable: onAvailable,
		log:         log,
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled or Stop is
// called. It never returns an error: all failures are logged and retried.
func (c *Client) Run(ctx context.Context) {
	delay := c.baseDelay

	for {
		if c.isClosed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.connectAndServe(ctx)
		if c.isClosed() {
			return
		}
		if err == nil {
			delay = c.baseDelay
			continue
		}

		c.log.Warn("push client disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
}

// Stop sets the closed flag, suppressing further reconnect attempts; any
// in-flight connection is not forcibly closed here, Run observes the flag
// and exits on its next loop iteration or read error.
func (c *Client) Stop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type taskAvailableEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

func (c *Client) connectAndServe(ctx context.Context) error {
	ticket, err := c.mintTicket(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.wsURL+"?ticket="+ticket, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()

	go c.pingLoop(serveCtx, conn)

	for {
		if c.isClosed() {
			return nil
		}

		var raw json.RawMessage
		if err := wsjson.Read(serveCtx, conn, &raw); err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return nil
			}
			return err
		}

		var evt taskAvailableEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			// Unparseable frames are silently ignored.
			continue
		}
		if evt.Type == "task.available" && evt.TaskID != "" && c.onAvailable != nil {
			c.onAvailable(evt.TaskID)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(pingCtx, websocket.MessageText, []byte(`{"type":"ping"}`))
			cancel()
			if err != nil {
				return
			}
		}
	}
}
