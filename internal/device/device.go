// Package device manages this runner's persistent Ed25519 identity and the
// short-lived gateway session tokens issued against it.
package device

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Identity is the runner's long-lived Ed25519 signing keypair.
type Identity struct {
	ID         string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Sign produces a raw Ed25519 signature over payload.
func (id Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.PrivateKey, payload)
}

type keyFile struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateIdentity reads the device keypair from dir/device.json,
// generating and persisting a fresh one if absent. deviceId is the lowercase
// hex SHA-256 digest of the raw public key bytes.
func LoadOrCreateIdentity(dir string) (Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Identity{}, fmt.Errorf("create device dir: %w", err)
	}
	path := filepath.Join(dir, "device.json")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return Identity{}, fmt.Errorf("parse device key file: %w", err)
		}
		pub, err := hex.DecodeString(kf.PublicKey)
		if err != nil {
			return Identity{}, fmt.Errorf("decode device public key: %w", err)
		}
		priv, err := hex.DecodeString(kf.PrivateKey)
		if err != nil {
			return Identity{}, fmt.Errorf("decode device private key: %w", err)
		}
		return identityFromKeys(ed25519.PublicKey(pub), ed25519.PrivateKey(priv)), nil
	case os.IsNotExist(err):
		pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return Identity{}, fmt.Errorf("generate device key: %w", genErr)
		}
		kf := keyFile{
			PublicKey:  hex.EncodeToString(pub),
			PrivateKey: hex.EncodeToString(priv),
		}
		out, marshalErr := json.MarshalIndent(kf, "", "  ")
		if marshalErr != nil {
			return Identity{}, fmt.Errorf("marshal device key: %w", marshalErr)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return Identity{}, fmt.Errorf("persist device key: %w", err)
		}
		return identityFromKeys(pub, priv), nil
	default:
		return Identity{}, fmt.Errorf("read device key file: %w", err)
	}
}

func identityFromKeys(pub ed25519.PublicKey, priv ed25519.PrivateKey) Identity {
	sum := sha256.Sum256(pub)
	return Identity{
		ID:         hex.EncodeToString(sum[:]),
		PublicKey:  pub,
		PrivateKey: priv,
	}
}

// tokenKey identifies a cached session token by device and role, since a
// single device can hold distinct tokens for distinct gateway roles.
type tokenKey struct {
	DeviceID string `json:"deviceId"`
	Role     string `json:"role"`
}

type cachedToken struct {
	Key   tokenKey `json:"key"`
	Token string   `json:"token"`
}

// TokenCache persists gateway session tokens to dir/device-tokens.json,
// keyed by (deviceId, role), so a restarted runner can skip the handshake
// round trip when its cached token is still accepted.
type TokenCache struct {
	mu   sync.Mutex
	path string
}

// NewTokenCache returns a cache rooted at dir/device-tokens.json.
func NewTokenCache(dir string) *TokenCache {
	return &TokenCache{path: filepath.Join(dir, "device-tokens.json")}
}

// Get returns the cached token for (deviceID, role), or "" if absent.
func (c *TokenCache) Get(deviceID, role string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.readLocked()
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Key.DeviceID == deviceID && e.Key.Role == role {
			return e.Token, nil
		}
	}
	return "", nil
}

// Put persists or replaces the cached token for (deviceID, role).
func (c *TokenCache) Put(deviceID, role, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i, e := range entries {
		if e.Key.DeviceID == deviceID && e.Key.Role == role {
			entries[i].Token = token
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, cachedToken{Key: tokenKey{DeviceID: deviceID, Role: role}, Token: token})
	}
	return c.writeLocked(entries)
}

// Clear removes the cached token for (deviceID, role), e.g. after the
// gateway reports the token is no longer valid.
func (c *TokenCache) Clear(deviceID, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.readLocked()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Key.DeviceID == deviceID && e.Key.Role == role {
			continue
		}
		kept = append(kept, e)
	}
	return c.writeLocked(kept)
}

func (c *TokenCache) readLocked() ([]cachedToken, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token cache: %w", err)
	}
	var entries []cachedToken
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse token cache: %w", err)
	}
	return entries, nil
}

func (c *TokenCache) writeLocked(entries []cachedToken) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create token cache dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("persist token cache: %w", err)
	}
	return nil
}
