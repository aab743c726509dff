package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

const defaultCacheTTL = 5 * time.Minute

// KeyStore looks up API token metadata by hash.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CachedKeyStore implements KeyStore with PostgreSQL + Redis cache.
type CachedKeyStore struct {
	db     DB
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCachedKeyStore caches lookups under prefix+"token:" for ttl. A nil
// Redis client disables the cache.
func NewCachedKeyStore(db DB, rdb *redis.Client, prefix string, ttl time.Duration) *CachedKeyStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedKeyStore{db: db, redis: rdb, prefix: prefix + "token:", ttl: ttl}
}

func (s *CachedKeyStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	// Check Redis cache first
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, s.prefix+keyHash).Bytes()
		if err == nil {
			var meta KeyMetadata
			if err := json.Unmarshal(cached, &meta); err == nil && time.Now().Before(meta.ValidUntil) {
				s.touch(meta.ID)
				return &meta, nil
			}
		}
	}

	meta, err := s.lookupDB(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	s.touch(meta.ID)

	if s.redis != nil {
		ttl := s.ttl
		if left := time.Until(meta.ValidUntil); left < ttl {
			ttl = left
		}
		data, err := json.Marshal(meta)
		if err == nil && ttl > 0 {
			s.redis.Set(ctx, s.prefix+keyHash, data, ttl)
		}
	}

	return meta, nil
}

func (s *CachedKeyStore) lookupDB(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	if s.db == nil {
		return nil, errors.New("token store has no database")
	}
	var meta KeyMetadata
	var allowedJSON []byte

	err := s.db.QueryRow(ctx, `
		SELECT id::text, account_id::text, name, rpm_limit, allowed_providers, valid_until
		FROM api_tokens
		WHERE token_hash = $1
		  AND NOT is_deleted
		  AND valid_until > NOW()
	`, keyHash).Scan(
		&meta.ID,
		&meta.AccountID,
		&meta.Name,
		&meta.RPMLimit,
		&allowedJSON,
		&meta.ValidUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query api_tokens: %w", err)
	}

	if len(allowedJSON) > 0 {
		if err := json.Unmarshal(allowedJSON, &meta.AllowedProviders); err != nil {
			slog.Warn("ignoring malformed allowed_providers", "token_id", meta.ID, "error", err)
		}
	}
	return &meta, nil
}

// touch bumps usage_count and last_used_at asynchronously (fire-and-forget).
func (s *CachedKeyStore) touch(id string) {
	if s.db == nil {
		return
	}
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.db.Exec(bgCtx, `UPDATE api_tokens SET usage_count = usage_count + 1, last_used_at = NOW() WHERE id = $1`, id); err != nil {
			slog.Debug("token usage update failed", "token_id", id, "error", err)
		}
	}()
}

// StaticKeyStore serves tokens from memory. It backs the operator CLI and
// tests, where no database is available.
type StaticKeyStore map[string]*KeyMetadata

func (s StaticKeyStore) Lookup(_ context.Context, keyHash string) (*KeyMetadata, error) {
	meta, ok := s[keyHash]
	if !ok || (!meta.ValidUntil.IsZero() && time.Now().After(meta.ValidUntil)) {
		return nil, nil
	}
	return meta, nil
}
