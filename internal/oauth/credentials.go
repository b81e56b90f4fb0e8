package oauth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// CredentialIssuer is the iss claim of caller credentials.
	CredentialIssuer = "mcpgate"

	// DefaultCredentialTTL is the lifetime of a caller credential.
	DefaultCredentialTTL = 24 * time.Hour

	// MinCredentialSecretLength is the minimum HMAC key length in bytes.
	MinCredentialSecretLength = 32
)

// ErrInvalidCredential is returned when a bearer credential cannot be verified.
var ErrInvalidCredential = errors.New("invalid credential")

// CredentialClaims are the claims of a caller credential. The subject is the
// provider account id the credential was issued for.
type CredentialClaims struct {
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// Credentials issues and verifies the bearer credentials callers present when
// opening MCP sessions.
type Credentials struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCredentials creates an HS256 issuer. An empty secret generates a random
// one, which invalidates all credentials on restart.
func NewCredentials(secret []byte, ttl time.Duration) (*Credentials, error) {
	if len(secret) == 0 {
		secret = make([]byte, MinCredentialSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate credential secret: %w", err)
		}
	}
	if len(secret) < MinCredentialSecretLength {
		return nil, fmt.Errorf("credential secret must be at least %d bytes, got %d", MinCredentialSecretLength, len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &Credentials{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints a credential for (providerID, subjectID).
func (c *Credentials) Issue(providerID, subjectID string) (string, time.Time, error) {
	now := c.now()
	expiresAt := now.Add(c.ttl)
	claims := CredentialClaims{
		Provider: providerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    CredentialIssuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature, issuer and expiry of a credential and returns
// the provider and subject it was issued for.
func (c *Credentials) Verify(token string) (providerID, subjectID string, err error) {
	claims := &CredentialClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(CredentialIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if claims.Provider == "" || claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing provider or subject", ErrInvalidCredential)
	}
	return claims.Provider, claims.Subject, nil
}
