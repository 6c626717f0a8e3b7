package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// InstanceSecretSize is the entropy of the forwarding secret in bytes
const InstanceSecretSize = 32

// NewInstanceSecret returns a random base64url secret. The running host
// publishes it in its instance file and later invocations present it as a
// bearer token when forwarding an activation.
func NewInstanceSecret() (string, error) {
	b := make([]byte, InstanceSecretSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
