package gatewayws

import (
	"strings"
	"testing"

	"github.com/fluxhive/runner/internal/device"
)

func TestSigningPayload_V1WithoutNonce(t *testing.T) {
	payload := signingPayload("dev1", "client1", "runner", "operator", []string{"a", "b"}, 1000, "tok", "")
	want := "v1|dev1|client1|runner|operator|a,b|1000|tok"
	if payload != want {
		t.Fatalf("unexpected payload: got %q want %q", payload, want)
	}
}

func TestSigningPayload_V2WithNonce(t *testing.T) {
	payload := signingPayload("dev1", "client1", "runner", "operator", []string{"a"}, 1000, "", "nonce-xyz")
	want := "v2|dev1|client1|runner|operator|a|1000||nonce-xyz"
	if payload != want {
		t.Fatalf("unexpected payload: got %q want %q", payload, want)
	}
	if !strings.HasPrefix(payload, "v2|") {
		t.Fatal("expected v2 prefix when a nonce is present")
	}
}

func TestSignDevice_DeterministicForSamePayload(t *testing.T) {
	dir := t.TempDir()
	id, err := device.LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}

	payload := signingPayload(id.ID, "client1", "runner", "operator", nil, 42, "", "")
	sig1 := signDevice(id, payload)
	sig2 := signDevice(id, payload)
	if sig1 != sig2 {
		t.Fatal("expected deterministic signature for identical payload")
	}
	if sig1 == "" {
		t.Fatal("expected non-empty signature")
	}
}
