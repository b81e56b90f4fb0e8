package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/teemow/mcpgate/internal/tokenstore/migrations"
)

const (
	selectRecordSQL = `SELECT access_token, refresh_token, token_type, expires_at, scopes, invalid, invalid_reason, updated_at
FROM oauth_tokens WHERE provider_id = $1 AND subject_id = $2`

	upsertRecordSQL = `INSERT INTO oauth_tokens
(provider_id, subject_id, access_token, refresh_token, token_type, expires_at, scopes, invalid, invalid_reason, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (provider_id, subject_id) DO UPDATE SET
access_token = EXCLUDED.access_token,
refresh_token = EXCLUDED.refresh_token,
token_type = EXCLUDED.token_type,
expires_at = EXCLUDED.expires_at,
scopes = EXCLUDED.scopes,
invalid = EXCLUDED.invalid,
invalid_reason = EXCLUDED.invalid_reason,
updated_at = EXCLUDED.updated_at`

	invalidateRecordSQL = `UPDATE oauth_tokens SET invalid = TRUE, invalid_reason = $3, updated_at = $4
WHERE provider_id = $1 AND subject_id = $2`

	deleteRecordSQL = `DELETE FROM oauth_tokens WHERE provider_id = $1 AND subject_id = $2`
)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// PostgresStore stores records in the oauth_tokens table. Each write is a
// single statement, so readers see either the old or the new row.
type PostgresStore struct {
	db    *sql.DB
	codec *Codec
	now   func() time.Time
}

// OpenPostgres opens dsn with the pgx driver, runs migrations and returns a store.
func OpenPostgres(ctx context.Context, dsn string, codec *Codec) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return NewPostgresStore(db, codec), nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB, codec *Codec) *PostgresStore {
	if codec == nil {
		codec = &Codec{}
	}
	return &PostgresStore{db: db, codec: codec, now: time.Now}
}

// Get reads one row.
func (s *PostgresStore) Get(ctx context.Context, providerID, subjectID string) (*Record, error) {
	rec := &Record{ProviderID: providerID, SubjectID: subjectID}
	var (
		expires sql.NullTime
		scopes  string
	)
	err := s.db.QueryRowContext(ctx, selectRecordSQL, providerID, subjectID).Scan(
		&rec.AccessToken, &rec.RefreshToken, &rec.TokenType, &expires,
		&scopes, &rec.Invalid, &rec.InvalidReason, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	if scopes != "" {
		rec.Scopes = strings.Fields(scopes)
	}
	return s.codec.Open(rec)
}

// Put upserts the row for rec's key.
func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	stored, err := prepare(rec, s.now())
	if err != nil {
		return err
	}
	sealed, err := s.codec.Seal(stored)
	if err != nil {
		return err
	}
	var expires sql.NullTime
	if !sealed.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: sealed.ExpiresAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, upsertRecordSQL,
		sealed.ProviderID, sealed.SubjectID, sealed.AccessToken, sealed.RefreshToken,
		sealed.TokenType, expires, strings.Join(sealed.Scopes, " "),
		sealed.Invalid, sealed.InvalidReason, sealed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Invalidate flags the row in place.
func (s *PostgresStore) Invalidate(ctx context.Context, providerID, subjectID, reason string) error {
	res, err := s.db.ExecContext(ctx, invalidateRecordSQL, providerID, subjectID, reason, s.now())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the row.
func (s *PostgresStore) Delete(ctx context.Context, providerID, subjectID string) error {
	if _, err := s.db.ExecContext(ctx, deleteRecordSQL, providerID, subjectID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
