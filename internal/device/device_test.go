package device

import (
	"testing"
)

func TestLoadOrCreateIdentity_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected non-empty device id")
	}

	second, err := LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected stable device id, got %q then %q", first.ID, second.ID)
	}
	if string(second.PrivateKey) != string(first.PrivateKey) {
		t.Fatal("expected stable private key across loads")
	}
}

func TestIdentity_SignIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	payload := []byte("runner|task-1|claim|v1")
	sig1 := id.Sign(payload)
	sig2 := id.Sign(payload)
	if string(sig1) != string(sig2) {
		t.Fatal("expected deterministic ed25519 signatures for identical payload")
	}
}

func TestTokenCache_PutGetClear(t *testing.T) {
	dir := t.TempDir()
	cache := NewTokenCache(dir)

	tok, err := cache.Get("device-1", "cadence")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok != "" {
		t.Fatalf("expected empty token before put, got %q", tok)
	}

	if err := cache.Put("device-1", "cadence", "tok-abc"); err != nil {
		t.Fatalf("put: %v", err)
	}
	tok, err = cache.Get("device-1", "cadence")
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	if tok != "tok-abc" {
		t.Fatalf("expected tok-abc, got %q", tok)
	}

	if err := cache.Put("device-1", "gateway", "tok-xyz"); err != nil {
		t.Fatalf("put second role: %v", err)
	}
	tok2, err := cache.Get("device-1", "gateway")
	if err != nil {
		t.Fatalf("get second role: %v", err)
	}
	if tok2 != "tok-xyz" {
		t.Fatalf("expected tok-xyz, got %q", tok2)
	}

	if err := cache.Clear("device-1", "cadence"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	tok, err = cache.Get("device-1", "cadence")
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if tok != "" {
		t.Fatalf("expected empty token after clear, got %q", tok)
	}

	// other role untouched
	tok2, err = cache.Get("device-1", "gateway")
	if err != nil {
		t.Fatalf("get gateway after clearing cadence: %v", err)
	}
	if tok2 != "tok-xyz" {
		t.Fatalf("expected gateway token unaffected, got %q", tok2)
	}
}

func TestTokenCache_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first := NewTokenCache(dir)
	if err := first.Put("device-2", "cadence", "persisted-token"); err != nil {
		t.Fatalf("put: %v", err)
	}

	second := NewTokenCache(dir)
	tok, err := second.Get("device-2", "cadence")
	if err != nil {
		t.Fatalf("get from new instance: %v", err)
	}
	if tok != "persisted-token" {
		t.Fatalf("expected persisted token, got %q", tok)
	}
}
