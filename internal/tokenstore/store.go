// Package tokenstore persists OAuth token records keyed by (provider, subject).
//
// Three backends implement Store: an in-process memory store, a Valkey store
// for deployments sharing tokens between replicas, and a Postgres store for
// durable storage. The shared backends can encrypt tokens at rest.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("token record not found")

// Store holds at most one record per (provider, subject).
//
// Implementations must be safe for concurrent use, and a reader must never
// observe a partially written record.
type Store interface {
	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, providerID, subjectID string) (*Record, error)

	// Put inserts or replaces the record for rec's key.
	Put(ctx context.Context, rec *Record) error

	// Invalidate marks the record unusable without deleting it.
	Invalidate(ctx context.Context, providerID, subjectID, reason string) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, providerID, subjectID string) error

	// Close releases backend resources.
	Close() error
}

// Key identifies a record.
type Key struct {
	ProviderID string
	SubjectID  string
}

func (k Key) String() string {
	return k.ProviderID + ":" + k.SubjectID
}

// Record is one provider grant for one account.
type Record struct {
	ProviderID    string    `json:"provider_id"`
	SubjectID     string    `json:"subject_id"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	TokenType     string    `json:"token_type,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	Scopes        []string  `json:"scopes,omitempty"`
	Invalid       bool      `json:"invalid,omitempty"`
	InvalidReason string    `json:"invalid_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key returns the record's key.
func (r *Record) Key() Key {
	return Key{ProviderID: r.ProviderID, SubjectID: r.SubjectID}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	return &c
}

// ExpiresWithin reports whether the access token expires before now+margin.
// Records without an expiry never expire.
func (r *Record) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(r.ExpiresAt)
}

// Validate checks the fields every stored record must carry.
func (r *Record) Validate() error {
	switch {
	case r == nil:
		return errors.New("nil record")
	case r.ProviderID == "":
		return errors.New("record has no provider id")
	case r.SubjectID == "":
		return errors.New("record has no subject id")
	case r.AccessToken == "" && !r.Invalid:
		return fmt.Errorf("record %s has no access token", r.Key())
	}
	return nil
}

// prepare validates rec and returns the copy that will be stored.
func prepare(rec *Record, now time.Time) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	c := rec.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return c, nil
}

// invalidated returns a copy of rec marked invalid.
func invalidated(rec *Record, reason string, now time.Time) *Record {
	c := rec.Clone()
	c.Invalid = true
	c.InvalidReason = reason
	c.UpdatedAt = now
	return c
}
