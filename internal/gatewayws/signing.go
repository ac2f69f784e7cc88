package gatewayws

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/fluxhive/runner/internal/device"
)

// signingPayload builds the canonical pipe-delimited string signed by the
// device key during the connect handshake. Without a nonce it is the v1
// variant; with one, the v2 variant appends the nonce as a final field.
func signingPayload(deviceID, clientID, mode, role string, scopes []string, signedAtMs int64, token, nonce string) string {
	parts := []string{
		"v1",
		deviceID,
		clientID,
		mode,
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		token,
	}
	if nonce != "" {
		parts[0] = "v2"
		parts = append(parts, nonce)
	}
	return strings.Join(parts, "|")
}

// signDevice signs payload with id's Ed25519 key and returns the base64url
// (no padding) encoded signature.
func signDevice(id device.Identity, payload string) string {
	sig := id.Sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sig)
}
