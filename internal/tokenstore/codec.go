package tokenstore

import (
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-oauth/security"
)

// Codec serializes records for the shared backends and, when built with a
// key, encrypts access and refresh tokens with AES-256-GCM.
type Codec struct {
	encryptor *security.Encryptor
}

// NewCodec returns a Codec. An empty key disables encryption.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return &Codec{}, nil
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create token encryptor: %w", err)
	}
	return &Codec{encryptor: enc}, nil
}

// Encrypted reports whether tokens are encrypted at rest.
func (c *Codec) Encrypted() bool {
	return c != nil && c.encryptor != nil && c.encryptor.IsEnabled()
}

// Seal returns a copy of rec with its secrets encrypted.
func (c *Codec) Seal(rec *Record) (*Record, error) {
	out := rec.Clone()
	if !c.Encrypted() {
		return out, nil
	}
	var err error
	if out.AccessToken, err = c.encrypt(out.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if out.RefreshToken, err = c.encrypt(out.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return out, nil
}

// Open reverses Seal.
func (c *Codec) Open(rec *Record) (*Record, error) {
	out := rec.Clone()
	if !c.Encrypted() {
		return out, nil
	}
	var err error
	if out.AccessToken, err = c.decrypt(out.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if out.RefreshToken, err = c.decrypt(out.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return out, nil
}

// Marshal seals rec and encodes it as JSON.
func (c *Codec) Marshal(rec *Record) ([]byte, error) {
	sealed, err := c.Seal(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealed)
}

// Unmarshal decodes JSON produced by Marshal and opens it.
func (c *Codec) Unmarshal(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}
	return c.Open(&rec)
}

func (c *Codec) encrypt(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return c.encryptor.Encrypt(v)
}

func (c *Codec) decrypt(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return c.encryptor.Decrypt(v)
}
