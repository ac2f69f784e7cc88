package runnerconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFileConfig(t *testing.T, dir string, fc fileConfig) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("marshal file config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write file config: %v", err)
	}
	return path
}

func TestLoad_FileValuesUsedWhenNoFlagsOrEnv(t *testing.T) {
	path := writeFileConfig(t, t.TempDir(), fileConfig{
		CoordinatorURL:      "https://coordinator.example.com",
		BearerToken:         "file-token",
		PollIntervalMinutes: 5,
	})

	cfg, err := Load(nil, nil, path, "1.0.0")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CoordinatorURL != "https://coordinator.example.com" {
		t.Fatalf("unexpected coordinator url: %q", cfg.CoordinatorURL)
	}
	if cfg.BearerToken != "file-token" {
		t.Fatalf("unexpected bearer token: %q", cfg.BearerToken)
	}
	if cfg.PollIntervalMinutes != 5 {
		t.Fatalf("unexpected poll interval: %d", cfg.PollIntervalMinutes)
	}
	if cfg.PushReconnectBaseDelayMs != DefaultPushReconnectBaseDelayMs {
		t.Fatalf("expected default reconnect delay, got %d", cfg.PushReconnectBaseDelayMs)
	}
	if cfg.RunnerInstanceID == "" {
		t.Fatal("expected a generated runner instance id")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFileConfig(t, t.TempDir(), fileConfig{
		CoordinatorURL: "https://file.example.com",
		BearerToken:    "file-token",
	})

	env := map[string]string{
		"FLUX_COORDINATOR_URL": "https://env.example.com",
		"FLUX_TOKEN":           "env-token",
	}
	cfg, err := Load(nil, env, path, "1.0.0")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CoordinatorURL != "https://env.example.com" {
		t.Fatalf("expected env to override file, got %q", cfg.CoordinatorURL)
	}
	if cfg.BearerToken != "env-token" {
		t.Fatalf("expected env token to override file, got %q", cfg.BearerToken)
	}
}

func TestLoad_FlagsOverrideEnvAndFile(t *testing.T) {
	path := writeFileConfig(t, t.TempDir(), fileConfig{
		CoordinatorURL: "https://file.example.com",
		BearerToken:    "file-token",
	})
	env := map[string]string{
		"FLUX_COORDINATOR_URL": "https://env.example.com",
	}
	flags := map[string]string{
		"coordinator-url": "https://flag.example.com",
		"token":           "flag-token",
	}

	cfg, err := Load(flags, env, path, "1.0.0")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CoordinatorURL != "https://flag.example.com" {
		t.Fatalf("expected flag to win, got %q", cfg.CoordinatorURL)
	}
	if cfg.BearerToken != "flag-token" {
		t.Fatalf("expected flag token to win, got %q", cfg.BearerToken)
	}
}

func TestLoad_MissingConfigFileIsNotAnError(t *testing.T) {
	flags := map[string]string{
		"coordinator-url": "https://flag.example.com",
		"token":           "flag-token",
	}
	cfg, err := Load(flags, nil, filepath.Join(t.TempDir(), "absent.json"), "1.0.0")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CoordinatorURL == "" {
		t.Fatal("expected coordinator url from flags")
	}
}

func TestLoad_RejectsEmptyToken(t *testing.T) {
	flags := map[string]string{
		"coordinator-url": "https://flag.example.com",
	}
	if _, err := Load(flags, nil, "", "1.0.0"); err == nil {
		t.Fatal("expected validation error for missing token")
	}
}

func TestLoad_RejectsSubMinuteCadence(t *testing.T) {
	flags := map[string]string{
		"coordinator-url":        "https://flag.example.com",
		"token":                  "flag-token",
		"poll-interval-minutes":  "0",
	}
	if _, err := Load(flags, nil, "", "1.0.0"); err == nil {
		t.Fatal("expected validation error for sub-minute poll interval")
	}
}

func TestLoad_RejectsTooSmallReconnectDelay(t *testing.T) {
	flags := map[string]string{
		"coordinator-url":  "https://flag.example.com",
		"token":            "flag-token",
		"push-reconnect-ms": "10",
	}
	if _, err := Load(flags, nil, "", "1.0.0"); err == nil {
		t.Fatal("expected validation error for too-small reconnect delay")
	}
}

func TestLoad_StreamIDFilterFromFlag(t *testing.T) {
	flags := map[string]string{
		"coordinator-url": "https://flag.example.com",
		"token":           "flag-token",
		"stream-id":       "stream-42",
	}
	cfg, err := Load(flags, nil, "", "1.0.0")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Filters.StreamID != "stream-42" {
		t.Fatalf("expected stream id filter, got %q", cfg.Filters.StreamID)
	}
}

func TestEnvironment_WhitelistsKnownVarsOnly(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("HOME", "/home/runner")
	t.Setenv("SOME_OTHER_SECRET", "leaked")
	t.Setenv("CLAUDE_CLI_BIN", "/opt/claude")

	env := Environment("CLAUDE_CLI_BIN")
	found := map[string]bool{}
	for _, kv := range env {
		found[kv] = true
	}
	if !found["PATH=/usr/bin"] {
		t.Fatalf("expected PATH in whitelist: %v", env)
	}
	if !found["CLAUDE_CLI_BIN=/opt/claude"] {
		t.Fatalf("expected override var in whitelist: %v", env)
	}
	for _, kv := range env {
		if kv == "SOME_OTHER_SECRET=leaked" {
			t.Fatalf("unexpected leaked var in whitelist: %v", env)
		}
	}
}
