package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// StateTokenBytes is the entropy of a state token.
const StateTokenBytes = 32

// generateToken returns n random bytes encoded as unpadded base64url.
func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
