package subprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxhive/runner/internal/backend"
)

func TestUnwrapJSONEnvelope_ResultField(t *testing.T) {
	got := unwrapJSONEnvelope([]byte(`{"result":"{\"ok\":true}"}`))
	if got != `{"ok":true}` {
		t.Fatalf("unexpected unwrap: %q", got)
	}
}

func TestUnwrapJSONEnvelope_ResponseField(t *testing.T) {
	got := unwrapJSONEnvelope([]byte(`{"response":"{\"value\":42}"}`))
	if got != `{"value":42}` {
		t.Fatalf("unexpected unwrap: %q", got)
	}
}

func TestUnwrapJSONEnvelope_AlreadyValidJSON(t *testing.T) {
	got := unwrapJSONEnvelope([]byte(`{"ok":true}`))
	if got != `{"ok":true}` {
		t.Fatalf("unexpected unwrap: %q", got)
	}
}

func TestUnwrapJSONEnvelope_EmbeddedBlock(t *testing.T) {
	got := unwrapJSONEnvelope([]byte("some preamble text {\"inner\":1} trailing noise"))
	if got != `{"inner":1}` {
		t.Fatalf("unexpected unwrap: %q", got)
	}
}

func TestUnwrapJSONEnvelope_FallsBackToTrimmedText(t *testing.T) {
	got := unwrapJSONEnvelope([]byte("   plain text, no braces   "))
	if got != "plain text, no braces" {
		t.Fatalf("unexpected unwrap: %q", got)
	}
}

func TestUnwrapJSONEnvelope_EmptyBecomesPlaceholder(t *testing.T) {
	got := unwrapJSONEnvelope([]byte("   "))
	if got != "(empty response)" {
		t.Fatalf("unexpected unwrap: %q", got)
	}
}

func TestBackend_ResolveBinary_BareNameOnPath(t *testing.T) {
	b := New(BinaryConfig{Name: "echo-cli", BareName: "echo"})
	if !b.IsAvailable() {
		t.Fatal("expected echo to resolve via PATH")
	}
}

func TestBackend_ResolveBinary_EnvOverrideWins(t *testing.T) {
	t.Setenv("FAKE_CLI_BIN", "/bin/echo")
	b := New(BinaryConfig{Name: "fake-cli", EnvOverrideVar: "FAKE_CLI_BIN", BareName: "does-not-exist-binary"})
	if !b.IsAvailable() {
		t.Fatal("expected env override binary to resolve")
	}
}

func TestBackend_ResolveBinary_MissingIsUnavailable(t *testing.T) {
	b := New(BinaryConfig{Name: "ghost-cli", BareName: "definitely-not-a-real-binary-xyz"})
	if b.IsAvailable() {
		t.Fatal("expected missing binary to be unavailable")
	}
}

func TestBackend_Execute_RunsEchoAndUnwraps(t *testing.T) {
	// /bin/echo ignores all the CLI-shaped flags we pass, but still exits 0
	// with whatever it's given on stdout, letting us exercise the success
	// path end to end.
	b := New(BinaryConfig{Name: "echo-cli", BareName: "echo"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := b.Execute(ctx, backend.ExecuteOptions{
		Prompt: `{"ok":true}`,
		Cancel: make(chan struct{}),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != backend.StatusDone {
		t.Fatalf("expected done status, got %v: %s", result.Status, result.Output)
	}
}

func TestBackend_Execute_CancelKillsChild(t *testing.T) {
	script := filepath.Join(t.TempDir(), "stall.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o700); err != nil {
		t.Fatalf("write stall script: %v", err)
	}
	b := New(BinaryConfig{Name: "stall-cli", BareName: script})

	cancelCh := make(chan struct{})
	done := make(chan *backend.Result, 1)
	go func() {
		result, err := b.Execute(context.Background(), backend.ExecuteOptions{
			Prompt: "5",
			Cancel: cancelCh,
		})
		if err != nil {
			t.Errorf("execute: %v", err)
			return
		}
		done <- result
	}()

	time.Sleep(100 * time.Millisecond)
	close(cancelCh)

	select {
	case result := <-done:
		if result.Status != backend.StatusCancelled {
			t.Fatalf("expected cancelled status, got %v", result.Status)
		}
	case <-time.After(7 * time.Second):
		t.Fatal("expected cancellation to settle within the kill-grace window")
	}
}
