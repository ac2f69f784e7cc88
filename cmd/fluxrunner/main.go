package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fluxhive/runner/internal/daemon"
	"github.com/fluxhive/runner/internal/runnerconfig"
	"github.com/fluxhive/runner/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                 Run the task-runner daemon until SIGINT/SIGTERM

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLUX_COORDINATOR_URL     Coordinator base URL
  FLUX_TOKEN               Bearer token for the coordinator
  FLUX_ORG_ID              Organization id
  FLUX_STREAM_ID           Task stream filter
  FLUX_POLL_INTERVAL_MINUTES   Drain cadence, minutes (default %d)
  FLUX_PUSH_RECONNECT_MS       Push-client reconnect base delay, ms (default %d)
  FLUX_GATEWAY_URL         Optional gateway WebSocket URL
  FLUX_GATEWAY_TOKEN       Optional gateway shared token
  FLUX_GATEWAY_PASSWORD    Optional gateway shared password
  FLUX_GATEWAY_AGENT_ID    Optional gateway agent id
  FLUX_HOME                Data directory (default ~/.flux)
  FLUX_LOG_LEVEL            debug|info|warn|error (default info)
  FLUX_SUBPROCESS_BACKENDS  Set to 0 to disable the claude-cli/codex-cli/pi backends
  FLUX_OTEL_ENABLED         Set to 1 to enable OpenTelemetry export
  FLUX_OTEL_EXPORTER        otlp-http|stdout|none (default otlp-http)
  FLUX_OTEL_ENDPOINT        OTLP collector endpoint
`, runnerconfig.DefaultPollIntervalMinutes, runnerconfig.DefaultPushReconnectBaseDelayMs)
}

func main() {
	os.Exit(run())
}

func run() int {
	coordinatorURL := flag.String("coordinator-url", "", "coordinator base URL")
	token := flag.String("token", "", "bearer token")
	orgID := flag.String("org-id", "", "organization id")
	streamID := flag.String("stream-id", "", "task stream filter")
	pollInterval := flag.String("poll-interval-minutes", "", "drain cadence, minutes")
	pushReconnectMs := flag.String("push-reconnect-ms", "", "push reconnect base delay, ms")
	gatewayURL := flag.String("gateway-url", "", "gateway websocket URL")
	gatewayToken := flag.String("gateway-token", "", "gateway shared token")
	gatewayPassword := flag.String("gateway-password", "", "gateway shared password")
	gatewayAgentID := flag.String("gateway-agent-id", "", "gateway agent id")
	configPath := flag.String("config", "", "path to config.json (default ~/.flux/config.json)")
	flag.Usage = printUsage
	flag.Parse()

	homeDir, err := runnerconfig.DefaultHomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if v := os.Getenv("FLUX_HOME"); v != "" {
		homeDir = v
	}

	path := *configPath
	if path == "" {
		if p, err := runnerconfig.DefaultConfigPath(); err == nil {
			path = p
		}
	}

	flags := map[string]string{}
	setIfNonEmpty(flags, "coordinator-url", *coordinatorURL)
	setIfNonEmpty(flags, "token", *token)
	setIfNonEmpty(flags, "org-id", *orgID)
	setIfNonEmpty(flags, "stream-id", *streamID)
	setIfNonEmpty(flags, "poll-interval-minutes", *pollInterval)
	setIfNonEmpty(flags, "push-reconnect-ms", *pushReconnectMs)
	setIfNonEmpty(flags, "gateway-url", *gatewayURL)
	setIfNonEmpty(flags, "gateway-token", *gatewayToken)
	setIfNonEmpty(flags, "gateway-password", *gatewayPassword)
	setIfNonEmpty(flags, "gateway-agent-id", *gatewayAgentID)

	cfg, err := runnerconfig.Load(flags, envMap(), path, Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}

	logLevel := os.Getenv("FLUX_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	log, logCloser, err := telemetry.NewLogger(homeDir, logLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	defer logCloser.Close()

	ctx := daemon.WaitForSignal(context.Background())

	otelCfg := telemetry.Config{
		Enabled:     os.Getenv("FLUX_OTEL_ENABLED") == "1",
		Exporter:    envOr("FLUX_OTEL_EXPORTER", "otlp-http"),
		Endpoint:    os.Getenv("FLUX_OTEL_ENDPOINT"),
		ServiceName: "fluxrunner",
		SampleRate:  1.0,
	}
	provider, err := telemetry.Init(ctx, otelCfg)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		return 1
	}
	defer provider.Shutdown(context.Background())

	subprocessEnabled := true
	if v := os.Getenv("FLUX_SUBPROCESS_BACKENDS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			subprocessEnabled = b
		}
	}

	err = daemon.Run(ctx, daemon.Options{
		Config:                    cfg,
		HomeDir:                   homeDir,
		Log:                       log,
		SubprocessBackendsEnabled: subprocessEnabled,
		Telemetry:                 provider,
	})
	if err != nil {
		log.Error("daemon exited with error", "error", err)
		return 1
	}
	return 0
}

func setIfNonEmpty(m map[string]string, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}
