package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// CredentialStore abstracts the credential table for testability.
type CredentialStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*credentialRow, error)
}

type credentialRow struct {
	Identity string
	KeyHash  string
}

// sqlCredentialStore is the real implementation using *sql.DB
// (registered with the pgx stdlib driver by the caller).
type sqlCredentialStore struct {
	db *sql.DB
}

func (s *sqlCredentialStore) LookupByPrefix(ctx context.Context, prefix string) (*credentialRow, error) {
	row := &credentialRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, key_hash FROM credentials WHERE key_prefix = $1`,
		prefix,
	).Scan(&row.Identity, &row.KeyHash)
	if err != nil {
		if err == sql.ErrNoRows {
			// No credential with this prefix — reject, don't fail open.
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("sqlCredentialStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the credentials
// table: prefix lookup, then bcrypt verification of the full key.
// Uses IdentityCache with stale-while-revalidate so the DB + bcrypt
// cost is off the handshake hot path.
type PostgresAuthenticator struct {
	store  CredentialStore
	cache  *IdentityCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates an authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlCredentialStore{db: cfg.DB},
		cache:  NewIdentityCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresAuthenticatorWithStore injects a store for testing.
func newPostgresAuthenticatorWithStore(store CredentialStore, cache *IdentityCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the presented API key.
//
// Flow:
//  1. Cache lookup: fresh hit returns immediately; stale hit returns
//     the stale identity and spawns a background refresh.
//  2. Miss: prefix lookup + bcrypt verification synchronously.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	if creds.APIKey == "" {
		return "", ErrUnauthenticated
	}

	result := a.cache.Get(creds.APIKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(creds.APIKey)
		}
		return result.Identity, nil
	}

	identity, err := a.lookupAndVerify(ctx, creds.APIKey)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return "", ErrUnauthenticated
		}
		a.logger.Warn("credential store unreachable", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(creds.APIKey, identity)
	return identity, nil
}

// backgroundRefresh re-verifies a stale key off the request path.
// Errors evict the entry so the next stale read retries.
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background credential refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, identity)
}

func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (string, error) {
	if len(apiKey) < keyPrefixLen {
		return "", ErrUnauthenticated
	}

	row, err := a.store.LookupByPrefix(ctx, apiKey[:keyPrefixLen])
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("lookupAndVerify: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(apiKey)); err != nil {
		return "", ErrUnauthenticated
	}

	return row.Identity, nil
}
