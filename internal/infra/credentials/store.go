// Package credentials resolves provider API keys from the environment or
// from keys stored in the integration_tokens table.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
	"doctranslate/internal/sqlinline"
)

// KeyStore manages stored provider keys.
type KeyStore interface {
	domain.CredentialSource
	SetToken(ctx context.Context, provider, token string) error
	DeleteToken(ctx context.Context, provider string) (bool, error)
	Keys(ctx context.Context) ([]StoredKey, error)
}

// StoredKey describes a stored provider key without exposing it.
type StoredKey struct {
	Provider string `json:"provider"`
	Hint     string `json:"hint"`
}

// Store keeps provider keys in PostgreSQL.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored key for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	var token string
	err := s.sql.QueryRow(ctx, sqlinline.QSelectProviderKey, canonical(provider)).Scan(&token)
	return storedToken(token, err)
}

// SetToken stores or replaces the key for provider.
func (s *Store) SetToken(ctx context.Context, provider, token string) error {
	provider, token, err := validateKey(provider, token)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertProviderKey, provider, token)
	return err
}

// DeleteToken removes the key for provider and reports whether one existed.
func (s *Store) DeleteToken(ctx context.Context, provider string) (bool, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QDeleteProviderKey, canonical(provider))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Keys lists the stored providers in name order.
func (s *Store) Keys(ctx context.Context) ([]StoredKey, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListProviderKeys)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredKey, error) {
		var provider, token string
		if err := row.Scan(&provider, &token); err != nil {
			return StoredKey{}, err
		}
		return StoredKey{Provider: provider, Hint: hint(token)}, nil
	})
}

// LiteStore keeps provider keys in the embedded SQLite database.
type LiteStore struct {
	sql infra.LiteExecutor
}

func NewLiteStore(sql infra.LiteExecutor) *LiteStore {
	return &LiteStore{sql: sql}
}

func (s *LiteStore) Token(ctx context.Context, provider string) (string, error) {
	var token string
	err := s.sql.QueryRow(ctx, sqlinline.QLiteSelectProviderKey, canonical(provider)).Scan(&token)
	return storedToken(token, err)
}

func (s *LiteStore) SetToken(ctx context.Context, provider, token string) error {
	provider, token, err := validateKey(provider, token)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QLiteUpsertProviderKey, uuid.NewString(), provider, token)
	return err
}

func (s *LiteStore) DeleteToken(ctx context.Context, provider string) (bool, error) {
	res, err := s.sql.Exec(ctx, sqlinline.QLiteDeleteProviderKey, canonical(provider))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *LiteStore) Keys(ctx context.Context) ([]StoredKey, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QLiteListProviderKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredKey
	for rows.Next() {
		var provider, token string
		if err := rows.Scan(&provider, &token); err != nil {
			return nil, err
		}
		out = append(out, StoredKey{Provider: provider, Hint: hint(token)})
	}
	return out, rows.Err()
}

func storedToken(token string, err error) (string, error) {
	if infra.IsNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func validateKey(provider, token string) (string, string, error) {
	provider = canonical(provider)
	if provider == "" {
		return "", "", errors.New("provider is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", fmt.Errorf("%s api key is required", provider)
	}
	return provider, token, nil
}

// hint keeps the last four characters of keys long enough to spare them.
func hint(token string) string {
	token = strings.TrimSpace(token)
	if len(token) < 12 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// EnvSource serves keys taken from configuration.
type EnvSource map[string]string

// FromConfig collects the provider keys present in cfg.
func FromConfig(cfg *infra.Config) EnvSource {
	return EnvSource{
		jsoncfg.ProviderDeepL:  cfg.DeepLAPIKey,
		jsoncfg.ProviderOpenAI: cfg.OpenAIAPIKey,
	}
}

func (e EnvSource) Token(_ context.Context, provider string) (string, error) {
	return strings.TrimSpace(e[canonical(provider)]), nil
}

// Chain asks each source in turn and returns the first non-empty key. A
// source error stops the lookup.
type Chain []domain.CredentialSource

func (c Chain) Token(ctx context.Context, provider string) (string, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		token, err := src.Token(ctx, provider)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
	}
	return "", nil
}

func canonical(provider string) string {
	if name, ok := jsoncfg.CanonicalProvider(provider); ok {
		return name
	}
	return strings.ToLower(strings.TrimSpace(provider))
}

var (
	_ domain.CredentialSource = (*Store)(nil)
	_ domain.CredentialSource = (*LiteStore)(nil)
	_ domain.CredentialSource = EnvSource(nil)
	_ domain.CredentialSource = Chain(nil)

	_ KeyStore = (*Store)(nil)
	_ KeyStore = (*LiteStore)(nil)
)
