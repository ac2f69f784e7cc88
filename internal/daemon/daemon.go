// Package daemon wires the runner's components together at startup, owns
// signal handling, and drives graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fluxhive/runner/internal/backend"
	"github.com/fluxhive/runner/internal/backend/gatewaybackend"
	"github.com/fluxhive/runner/internal/backend/localmodel"
	"github.com/fluxhive/runner/internal/backend/subprocess"
	"github.com/fluxhive/runner/internal/cadence"
	"github.com/fluxhive/runner/internal/device"
	"github.com/fluxhive/runner/internal/gatewayws"
	"github.com/fluxhive/runner/internal/pushclient"
	"github.com/fluxhive/runner/internal/runnerconfig"
	"github.com/fluxhive/runner/internal/taskexec"
	"github.com/fluxhive/runner/internal/telemetry"
	"github.com/fluxhive/runner/internal/wireclient"
)

const shutdownGrace = 30 * time.Second

// binaryConfigs describes the standard locations and env overrides for
// each compiled-in subprocess backend, gated at registration time by a
// successful binary resolution (subprocess.Backend.IsAvailable).
var binaryConfigs = []subprocess.BinaryConfig{
	{
		Name:           "claude-cli",
		EnvOverrideVar: "FLUX_CLAUDE_CLI_PATH",
		StandardLocations: []string{
			"/usr/local/bin/claude",
			"/opt/homebrew/bin/claude",
		},
		BareName: "claude",
	},
	{
		Name:           "codex-cli",
		EnvOverrideVar: "FLUX_CODEX_CLI_PATH",
		StandardLocations: []string{
			"/usr/local/bin/codex",
			"/opt/homebrew/bin/codex",
		},
		BareName: "codex",
	},
	{
		Name:           "pi",
		EnvOverrideVar: "FLUX_PI_CLI_PATH",
		StandardLocations: []string{
			"/usr/local/bin/pi",
			"/opt/homebrew/bin/pi",
		},
		BareName: "pi",
	},
}

// Options carries everything Run needs beyond the loaded configuration.
type Options struct {
	Config                    runnerconfig.Config
	HomeDir                   string
	Log                       *slog.Logger
	SubprocessBackendsEnabled bool
	// Telemetry, if non-nil, attaches the wire client, cadence loop, and
	// gateway WebSocket client to its tracer/meter. Nil runs untraced.
	Telemetry *telemetry.Provider
}

// Run executes the full startup -> serve -> graceful-shutdown lifecycle.
// It returns nil on a clean shutdown and a non-nil error on any startup
// failure (the caller maps this to the daemon's exit code).
func Run(ctx context.Context, opts Options) error {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config

	var metrics *telemetry.Metrics
	var tracer trace.Tracer
	if opts.Telemetry != nil {
		tracer = opts.Telemetry.Tracer
		m, err := telemetry.NewMetrics(opts.Telemetry.Meter)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		metrics = m
	}

	client := wireclient.New(cfg.CoordinatorURL, cfg.BearerToken,
		wireclient.WithTracer(tracer), wireclient.WithMetrics(metrics))

	if _, err := client.Whoami(ctx); err != nil {
		return fmt.Errorf("whoami: %w", err)
	}

	handshakeResp, err := client.Handshake(ctx, wireclient.HandshakeRequest{
		RunnerType:       cfg.RunnerType,
		RunnerVersion:    cfg.RunnerVersion,
		MachineID:        cfg.MachineID,
		RunnerInstanceID: cfg.RunnerInstanceID,
		Backend:          cfg.Filters.Backend,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	if err := client.Hello(ctx); err != nil {
		log.Warn("hello failed", "error", err)
	}

	registry := backend.NewRegistry()

	if opts.SubprocessBackendsEnabled {
		for _, bc := range binaryConfigs {
			sb := subprocess.New(bc)
			if registry.Register(sb) {
				log.Info("registered subprocess backend", "backend", bc.Name)
			}
		}
	}

	lm := localmodel.New(localmodel.EnvCredentialResolver{})
	if registry.Register(lm) {
		log.Info("registered local-model backend")
	}

	var gwClient *gatewayws.Client
	if cfg.GatewayURL != "" {
		identity, err := device.LoadOrCreateIdentity(opts.HomeDir)
		if err != nil {
			return fmt.Errorf("load device identity: %w", err)
		}
		tokens := device.NewTokenCache(opts.HomeDir)

		gwClient, err = gatewayws.Connect(ctx, gatewayws.Config{
			URL:            cfg.GatewayURL,
			ClientID:       cfg.RunnerInstanceID,
			Scopes:         []string{"agent.execute"},
			SharedToken:    cfg.GatewayToken,
			SharedPassword: cfg.GatewayPassword,
			Identity:       identity,
			Tokens:         tokens,
			Log:            log,
			Tracer:         tracer,
			Metrics:        metrics,
		})
		if err != nil {
			log.Warn("gateway unavailable, skipping gateway backend", "error", err)
		} else {
			gb := gatewaybackend.New(gwClient, func() bool { return true })
			if registry.Register(gb) {
				log.Info("registered gateway backend")
			}
		}
	}

	if registry.Len() == 0 {
		return fmt.Errorf("no execution backend could be registered")
	}

	executor := taskexec.New(client, registry, cfg.RunnerInstanceID, cfg.MachineID, cfg.OrgID,
		cfg.GatewayAgentID, cfg.Filters.Backend, 30*time.Second, log)

	drainInterval := time.Duration(cfg.PollIntervalMinutes) * time.Minute
	loop := cadence.New(client, executor, cfg.Filters, drainInterval, 10, func(err error) {
		log.Warn("drain error", "error", err)
	}, log)
	loop.SetTelemetry(tracer, metrics)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(runCtx)
	}()

	var pusher *pushclient.Client
	if handshakeResp.Config != nil && handshakeResp.Config.Push != nil && handshakeResp.Config.Push.WSURL != "" {
		wsURL := handshakeResp.Config.Push.WSURL
		baseDelay := time.Duration(cfg.PushReconnectBaseDelayMs) * time.Millisecond
		pusher = pushclient.New(wsURL, func(tickerCtx context.Context) (string, error) {
			return client.PushTicket(tickerCtx, wsURL, wireclient.PushTicketRequest{
				RunnerInstanceID: cfg.RunnerInstanceID,
				MachineID:        cfg.MachineID,
				Filters: map[string]any{
					"streamId":  cfg.Filters.StreamID,
					"backend":   cfg.Filters.Backend,
					"costClass": cfg.Filters.CostClass,
				},
			})
		}, baseDelay, func(taskID string) {
			loop.TriggerNow()
		}, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Run(runCtx)
		}()
	}

	<-ctx.Done()
	log.Info("shutdown requested")

	if pusher != nil {
		pusher.Stop()
	}
	stopRun()

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownGrace):
		log.Warn("shutdown grace period exceeded, forcing cancellation")
		executor.CancelAll()
		<-waitDone
	}

	if gwClient != nil {
		_ = gwClient.Close()
	}

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Disconnect(disconnectCtx); err != nil {
		log.Warn("disconnect failed", "error", err)
	}
	cancel()

	return nil
}

// WaitForSignal blocks until SIGINT or SIGTERM, then cancels the returned
// context so Run can begin its graceful shutdown sequence.
func WaitForSignal(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-parent.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx
}

// DeviceDir returns homeDir (the device identity and token cache live
// directly under the runner's home directory, alongside config.json).
func DeviceDir(homeDir string) string {
	return filepath.Join(homeDir)
}
