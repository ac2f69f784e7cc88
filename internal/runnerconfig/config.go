// Package runnerconfig loads the runner's process-wide configuration once at
// startup, applying the CLI-flag > environment-variable > config-file
// precedence from spec.md §6. Once loaded, a Config is treated as immutable.
package runnerconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// Filters narrows which tasks the runner will list/claim.
type Filters struct {
	StreamID  string `json:"streamId,omitempty"`
	Backend   string `json:"backend,omitempty"`
	CostClass string `json:"costClass,omitempty"`
}

// Config is the runner's process-wide, immutable-after-load configuration.
type Config struct {
	CoordinatorURL           string  `json:"coordinatorUrl"`
	BearerToken              string  `json:"bearerToken"`
	OrgID                    string  `json:"orgId,omitempty"`
	RunnerType               string  `json:"runnerType"`
	RunnerVersion            string  `json:"runnerVersion"`
	RunnerInstanceID         string  `json:"-"` // generated per process, never persisted
	MachineID                string  `json:"machineId,omitempty"`
	PollIntervalMinutes      int     `json:"pollIntervalMinutes"`
	PushReconnectBaseDelayMs int     `json:"pushReconnectBaseDelayMs"`
	Filters                  Filters `json:"filters,omitempty"`

	GatewayURL      string `json:"gatewayUrl,omitempty"`
	GatewayToken    string `json:"gatewayToken,omitempty"`
	GatewayPassword string `json:"gatewayPassword,omitempty"`
	GatewayAgentID  string `json:"gatewayAgentId,omitempty"`
}

// Defaults matching spec.md §3: cadence >= 1 minute, reconnect delay >= 250ms.
const (
	DefaultPollIntervalMinutes      = 1
	DefaultPushReconnectBaseDelayMs = 250
	DefaultRunnerType               = "flux-hive-runner"
)

// Validate enforces the invariants from spec.md §3: token and base URL
// non-empty, cadence and reconnect delays finite and positive.
func (c Config) Validate() error {
	if c.CoordinatorURL == "" {
		return fmt.Errorf("coordinator url must be non-empty")
	}
	if c.BearerToken == "" {
		return fmt.Errorf("bearer token must be non-empty")
	}
	if c.PollIntervalMinutes < 1 {
		return fmt.Errorf("poll interval minutes must be >= 1, got %d", c.PollIntervalMinutes)
	}
	if c.PushReconnectBaseDelayMs < 250 {
		return fmt.Errorf("push reconnect base delay ms must be >= 250, got %d", c.PushReconnectBaseDelayMs)
	}
	return nil
}

// Environment returns the exact subprocess environment whitelist from
// spec.md §6 for the subprocess backend: PATH, HOME, TMPDIR, LANG, TERM, and
// the binary-override variable for the given backend name, if any is set.
func Environment(binOverrideVar string) []string {
	keep := []string{"PATH", "HOME", "TMPDIR", "LANG", "TERM"}
	env := make([]string, 0, len(keep)+1)
	for _, k := range keep {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	if binOverrideVar != "" {
		if v, ok := os.LookupEnv(binOverrideVar); ok {
			env = append(env, binOverrideVar+"="+v)
		}
	}
	return env
}

// Source reads a single configuration key, in precedence order CLI flag >
// environment variable > config file. Callers supply flags and env as plain
// maps (already parsed) so Load stays pure and testable.
type Source struct {
	Flags map[string]string
	Env   map[string]string
	File  *fileConfig
}

func (s Source) str(flagKey, envKey string, fileVal func(*fileConfig) string) string {
	if v, ok := s.Flags[flagKey]; ok && v != "" {
		return v
	}
	if v, ok := s.Env[envKey]; ok && v != "" {
		return v
	}
	if s.File != nil {
		return fileVal(s.File)
	}
	return ""
}

func (s Source) intVal(flagKey, envKey string, fileVal func(*fileConfig) int, fallback int) int {
	if v, ok := s.Flags[flagKey]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v, ok := s.Env[envKey]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if s.File != nil {
		if n := fileVal(s.File); n != 0 {
			return n
		}
	}
	return fallback
}

// fileConfig mirrors the on-disk JSON shape of ~/.flux/config.json.
type fileConfig struct {
	CoordinatorURL           string  `json:"coordinatorUrl"`
	BearerToken              string  `json:"bearerToken"`
	OrgID                    string  `json:"orgId"`
	PollIntervalMinutes      int     `json:"pollIntervalMinutes"`
	PushReconnectBaseDelayMs int     `json:"pushReconnectBaseDelayMs"`
	Filters                  Filters `json:"filters"`
	GatewayURL               string  `json:"gatewayUrl"`
	GatewayToken             string  `json:"gatewayToken"`
	GatewayPassword          string  `json:"gatewayPassword"`
	GatewayAgentID           string  `json:"gatewayAgentId"`
}

// Load builds a Config from CLI flags, environment variables, and the
// on-disk config file at path (if it exists), in that precedence order.
// runnerVersion is supplied by the caller (build-time constant); the
// runner instance id is generated fresh for this process.
func Load(flags, env map[string]string, configPath, runnerVersion string) (Config, error) {
	fc, err := readFileConfig(configPath)
	if err != nil {
		return Config{}, err
	}

	src := Source{Flags: flags, Env: env, File: fc}

	cfg := Config{
		CoordinatorURL: src.str("coordinator-url", "FLUX_COORDINATOR_URL", func(f *fileConfig) string { return f.CoordinatorURL }),
		BearerToken:    src.str("token", "FLUX_TOKEN", func(f *fileConfig) string { return f.BearerToken }),
		OrgID:          src.str("org-id", "FLUX_ORG_ID", func(f *fileConfig) string { return f.OrgID }),
		RunnerType:     DefaultRunnerType,
		RunnerVersion:  runnerVersion,
		RunnerInstanceID: uuid.NewString(),
		PollIntervalMinutes: src.intVal("poll-interval-minutes", "FLUX_POLL_INTERVAL_MINUTES",
			func(f *fileConfig) int { return f.PollIntervalMinutes }, DefaultPollIntervalMinutes),
		PushReconnectBaseDelayMs: src.intVal("push-reconnect-ms", "FLUX_PUSH_RECONNECT_MS",
			func(f *fileConfig) int { return f.PushReconnectBaseDelayMs }, DefaultPushReconnectBaseDelayMs),
		GatewayURL:      src.str("gateway-url", "FLUX_GATEWAY_URL", func(f *fileConfig) string { return f.GatewayURL }),
		GatewayToken:    src.str("gateway-token", "FLUX_GATEWAY_TOKEN", func(f *fileConfig) string { return f.GatewayToken }),
		GatewayPassword: src.str("gateway-password", "FLUX_GATEWAY_PASSWORD", func(f *fileConfig) string { return f.GatewayPassword }),
		GatewayAgentID:  src.str("gateway-agent-id", "FLUX_GATEWAY_AGENT_ID", func(f *fileConfig) string { return f.GatewayAgentID }),
	}
	if fc != nil {
		cfg.Filters = fc.Filters
	}
	if v, ok := flags["stream-id"]; ok && v != "" {
		cfg.Filters.StreamID = v
	}
	if v, ok := env["FLUX_STREAM_ID"]; ok && v != "" {
		cfg.Filters.StreamID = v
	}

	if cfg.MachineID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.MachineID = host
		}
	}

	return cfg, cfg.Validate()
}

func readFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// DefaultConfigPath returns ~/.flux/config.json.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".flux", "config.json"), nil
}

// DefaultHomeDir returns ~/.flux, creating it with mode 0700 if absent.
func DefaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".flux")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}
