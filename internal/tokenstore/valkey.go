package tokenstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DefaultValkeyKeyPrefix namespaces mcpgate keys in a shared Valkey.
const DefaultValkeyKeyPrefix = "mcpgate:"

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address    string
	Password   string
	DB         int
	TLSEnabled bool
	TLSCAFile  string
	KeyPrefix  string
}

// kv is the subset of Valkey commands the store uses.
type kv interface {
	get(ctx context.Context, key string) (string, error)
	set(ctx context.Context, key, value string) error
	// compareAndSwap writes value only if key still holds old.
	compareAndSwap(ctx context.Context, key, old, value string) (bool, error)
	del(ctx context.Context, key string) error
	close()
}

// errKeyMissing is what kv.get returns for an absent key.
var errKeyMissing = errors.New("key missing")

// maxInvalidateAttempts bounds the check-and-set loop of Invalidate.
const maxInvalidateAttempts = 5

var compareAndSwapScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// ValkeyStore stores JSON-encoded records in Valkey, one key per record.
type ValkeyStore struct {
	kv     kv
	codec  *Codec
	prefix string
	now    func() time.Time
}

// NewValkeyStore connects to Valkey and returns a store using codec.
func NewValkeyStore(cfg ValkeyConfig, codec *Codec) (*ValkeyStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey address is required")
	}
	opt := valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	}
	if cfg.TLSEnabled {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLSCAFile != "" {
			pem, err := os.ReadFile(cfg.TLSCAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read valkey CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCAFile)
			}
			tlsCfg.RootCAs = pool
		}
		opt.TLSConfig = tlsCfg
	}

	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.Address, err)
	}
	return newValkeyStore(&valkeyKV{client: client}, codec, cfg.KeyPrefix), nil
}

func newValkeyStore(backend kv, codec *Codec, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = DefaultValkeyKeyPrefix
	}
	if codec == nil {
		codec = &Codec{}
	}
	return &ValkeyStore{kv: backend, codec: codec, prefix: prefix, now: time.Now}
}

func (s *ValkeyStore) key(providerID, subjectID string) string {
	return s.prefix + "token:" + providerID + ":" + subjectID
}

// Get loads and decodes the record.
func (s *ValkeyStore) Get(ctx context.Context, providerID, subjectID string) (*Record, error) {
	raw, err := s.kv.get(ctx, s.key(providerID, subjectID))
	if errors.Is(err, errKeyMissing) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("valkey get: %w", err)
	}
	return s.codec.Unmarshal([]byte(raw))
}

// Put encodes and writes the record in a single SET.
func (s *ValkeyStore) Put(ctx context.Context, rec *Record) error {
	stored, err := prepare(rec, s.now())
	if err != nil {
		return err
	}
	data, err := s.codec.Marshal(stored)
	if err != nil {
		return err
	}
	if err := s.kv.set(ctx, s.key(stored.ProviderID, stored.SubjectID), string(data)); err != nil {
		return fmt.Errorf("valkey set: %w", err)
	}
	return nil
}

// Invalidate flags the latest stored record. The write only lands if the key
// still holds the record that was read, so a concurrent Put is never
// overwritten with older tokens.
func (s *ValkeyStore) Invalidate(ctx context.Context, providerID, subjectID, reason string) error {
	key := s.key(providerID, subjectID)
	for range maxInvalidateAttempts {
		raw, err := s.kv.get(ctx, key)
		if errors.Is(err, errKeyMissing) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("valkey get: %w", err)
		}
		current, err := s.codec.Unmarshal([]byte(raw))
		if err != nil {
			return err
		}
		data, err := s.codec.Marshal(invalidated(current, reason, s.now()))
		if err != nil {
			return err
		}
		swapped, err := s.kv.compareAndSwap(ctx, key, raw, string(data))
		if err != nil {
			return fmt.Errorf("valkey check-and-set: %w", err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("valkey invalidate %s: record kept changing", Key{ProviderID: providerID, SubjectID: subjectID})
}

// Delete removes the record key.
func (s *ValkeyStore) Delete(ctx context.Context, providerID, subjectID string) error {
	if err := s.kv.del(ctx, s.key(providerID, subjectID)); err != nil {
		return fmt.Errorf("valkey del: %w", err)
	}
	return nil
}

// Close closes the Valkey client.
func (s *ValkeyStore) Close() error {
	s.kv.close()
	return nil
}

type valkeyKV struct {
	client valkey.Client
}

func (v *valkeyKV) get(ctx context.Context, key string) (string, error) {
	s, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", errKeyMissing
	}
	return s, err
}

func (v *valkeyKV) set(ctx context.Context, key, value string) error {
	return v.client.Do(ctx, v.client.B().Set().Key(key).Value(value).Build()).Error()
}

func (v *valkeyKV) compareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	n, err := compareAndSwapScript.Exec(ctx, v.client, []string{key}, []string{old, value}).AsInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (v *valkeyKV) del(ctx context.Context, key string) error {
	return v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
}

func (v *valkeyKV) close() {
	v.client.Close()
}
