package tokenstore

import (
	"context"
	"fmt"
)

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Backend       string
	Valkey        ValkeyConfig
	PostgresDSN   string
	EncryptionKey []byte
}

// New builds the configured Store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendValkey:
		codec, err := NewCodec(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return NewValkeyStore(cfg.Valkey, codec)
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres token store requires a DSN")
		}
		codec, err := NewCodec(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return OpenPostgres(ctx, cfg.PostgresDSN, codec)
	default:
		return nil, fmt.Errorf("unknown token store backend %q (expected memory, valkey or postgres)", cfg.Backend)
	}
}
