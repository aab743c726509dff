// Package store reads provider configuration kept in Postgres.
package store

import (
	"context"
	"fmt"

	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"
)

// Querier is the subset of pgxpool.Pool used here.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const selectProviders = `SELECT id::text, name, category, base_url, username, password,
	COALESCE(family, ''), COALESCE(settings, '{}'::jsonb)::text, is_active
	FROM providers ORDER BY id`

// LoadProviders returns every row of the providers table keyed by id.
// The settings column holds the remaining ProviderConfig fields using the
// same keys as providers.yaml; inactive rows come back disabled.
func LoadProviders(ctx context.Context, db Querier) (map[string]config.ProviderConfig, error) {
	rows, err := db.Query(ctx, selectProviders)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]config.ProviderConfig)
	for rows.Next() {
		var (
			id, settings string
			pc           config.ProviderConfig
			active       bool
			name         string
			category     string
			baseURL      string
			username     string
			password     string
			family       string
		)
		if err := rows.Scan(&id, &name, &category, &baseURL, &username, &password, &family, &settings, &active); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		// JSON is valid YAML, so settings decode with the providers.yaml tags.
		if err := yaml.Unmarshal([]byte(settings), &pc); err != nil {
			return nil, fmt.Errorf("decode settings for provider %s: %w", id, err)
		}
		pc.Name = name
		pc.Category = category
		pc.BaseURL = baseURL
		pc.Username = username
		pc.Password = password
		if family != "" {
			pc.Family = family
		}
		pc.Disabled = pc.Disabled || !active
		out[id] = pc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}
	return out, nil
}
