package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	migrations "github.com/PaulFidika/oidcflow/migrations/postgres"
	oidckit "github.com/PaulFidika/oidcflow/oidc"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema holds the signing-key table created by migrations/postgres.
const DefaultSchema = "oidcflow"

// KeyStore persists signing keys in <schema>.oidc_signing_keys
// (see migrations/postgres).
type KeyStore struct {
	pg     *pgxpool.Pool
	schema string
}

func NewKeyStore(pg *pgxpool.Pool, schema string) *KeyStore {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = DefaultSchema
	}
	return &KeyStore{pg: pg, schema: s}
}

func (s *KeyStore) table() string { return s.schema + ".oidc_signing_keys" }

func (s *KeyStore) Load(ctx context.Context, key string) (oidckit.KeyEntry, bool, error) {
	var (
		raw []byte
		e   oidckit.KeyEntry
	)
	err := s.pg.QueryRow(ctx, `SELECT key_json, cached_at, expires_at FROM `+s.table()+` WHERE cache_key=$1`, key).
		Scan(&raw, &e.CachedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return oidckit.KeyEntry{}, false, nil
	}
	if err != nil {
		return oidckit.KeyEntry{}, false, err
	}
	if err := json.Unmarshal(raw, &e.Value); err != nil {
		return oidckit.KeyEntry{}, false, err
	}
	return e, true, nil
}

func (s *KeyStore) Save(ctx context.Context, key string, entry oidckit.KeyEntry) error {
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		return err
	}
	_, err = s.pg.Exec(ctx, `INSERT INTO `+s.table()+` (cache_key, issuer, kid, key_json, cached_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (cache_key) DO UPDATE SET key_json=EXCLUDED.key_json, cached_at=EXCLUDED.cached_at, expires_at=EXCLUDED.expires_at`,
		key, entry.Value.Issuer, entry.Value.KeyID, raw, entry.CachedAt, entry.ExpiresAt)
	return err
}

func (s *KeyStore) Delete(ctx context.Context, key string) error {
	_, err := s.pg.Exec(ctx, `DELETE FROM `+s.table()+` WHERE cache_key=$1`, key)
	return err
}

func (s *KeyStore) Range(ctx context.Context, fn func(key string, entry oidckit.KeyEntry) bool) error {
	rows, err := s.pg.Query(ctx, `SELECT cache_key, key_json, cached_at, expires_at FROM `+s.table())
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k   string
			raw []byte
			e   oidckit.KeyEntry
		)
		if err := rows.Scan(&k, &raw, &e.CachedAt, &e.ExpiresAt); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &e.Value); err != nil {
			continue
		}
		if !fn(k, e) {
			return nil
		}
	}
	return rows.Err()
}

func (s *KeyStore) Clear(ctx context.Context) error {
	_, err := s.pg.Exec(ctx, `DELETE FROM `+s.table())
	return err
}

var _ oidckit.KeyStore = (*KeyStore)(nil)

// Migrate applies the embedded schema. Only the default schema is managed;
// stores using a custom schema are expected to migrate it themselves.
func (s *KeyStore) Migrate(ctx context.Context) error {
	if s.schema != DefaultSchema {
		return fmt.Errorf("pgstore: migrations manage schema %q, store uses %q", DefaultSchema, s.schema)
	}
	stmts, err := migrations.UpStatements()
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := s.pg.Exec(ctx, q); err != nil {
			return fmt.Errorf("pgstore: migrate: %w", err)
		}
	}
	return nil
}
