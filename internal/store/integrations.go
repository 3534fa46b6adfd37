package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"sentiment-pipeline/internal/models"
)

const integrationColumns = `id, user_id, provider_id, account_id, access_token, refresh_token, refresh_token_expires_at, is_active`

func scanIntegration(row pgx.Row) (models.Integration, error) {
	var i models.Integration
	err := row.Scan(&i.ID, &i.UserID, &i.ProviderID, &i.AccountID, &i.AccessToken, &i.RefreshToken, &i.RefreshTokenExpiresAt, &i.IsActive)
	return i, err
}

// GetIntegration returns the user's integration for a provider, reporting
// false when none exists.
func (s *Store) GetIntegration(ctx context.Context, userID string, providerID int64) (models.Integration, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations WHERE user_id = $1 AND provider_id = $2
	`, userID, providerID)
	i, err := scanIntegration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Integration{}, false, nil
	}
	if err != nil {
		return models.Integration{}, false, fmt.Errorf("query integration: %w", err)
	}
	return i, true, nil
}

// GetIntegrationByID returns an integration by primary key.
func (s *Store) GetIntegrationByID(ctx context.Context, id int64) (models.Integration, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, id)
	i, err := scanIntegration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Integration{}, false, nil
	}
	if err != nil {
		return models.Integration{}, false, fmt.Errorf("query integration %d: %w", id, err)
	}
	return i, true, nil
}

// UpdateIntegrationCredentials stores refreshed tokens and returns the updated row.
func (s *Store) UpdateIntegrationCredentials(ctx context.Context, upd models.CredentialUpdate) (models.Integration, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE integrations
		SET access_token = $3, refresh_token = $4, refresh_token_expires_at = $5, updated_at = NOW()
		WHERE user_id = $1 AND provider_id = $2
		RETURNING `+integrationColumns,
		upd.UserID, upd.ProviderID, upd.AccessToken, upd.RefreshToken, upd.ExpiresAt)
	i, err := scanIntegration(row)
	if err != nil {
		return models.Integration{}, notFound(fmt.Sprintf("integration for user %s provider %d", upd.UserID, upd.ProviderID), err)
	}
	return i, nil
}

// UpsertIntegration creates or replaces a user's integration for a provider.
func (s *Store) UpsertIntegration(ctx context.Context, in models.Integration) (models.Integration, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO integrations (user_id, provider_id, account_id, access_token, refresh_token, refresh_token_expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider_id) DO UPDATE
		SET account_id = EXCLUDED.account_id,
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
		    is_active = EXCLUDED.is_active,
		    updated_at = NOW()
		RETURNING `+integrationColumns,
		in.UserID, in.ProviderID, in.AccountID, in.AccessToken, in.RefreshToken, in.RefreshTokenExpiresAt, in.IsActive)
	i, err := scanIntegration(row)
	if err != nil {
		return models.Integration{}, fmt.Errorf("upsert integration: %w", err)
	}
	return i, nil
}

// ListActiveKeywordsForIntegration returns the active tracked keywords owned by
// the integration's user on the integration's provider, oldest first.
func (s *Store) ListActiveKeywordsForIntegration(ctx context.Context, integrationID int64) ([]models.TrackedKeyword, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT k.id, k.user_id, k.provider_id, k.keyword, k.is_active
		FROM tracked_keywords k
		JOIN integrations i ON i.user_id = k.user_id AND i.provider_id = k.provider_id
		WHERE i.id = $1 AND k.is_active
		ORDER BY k.id
	`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TrackedKeyword, error) {
		var k models.TrackedKeyword
		err := row.Scan(&k.ID, &k.UserID, &k.ProviderID, &k.Keyword, &k.IsActive)
		return k, err
	})
}

// AddTrackedKeyword registers a keyword for a user on a provider.
func (s *Store) AddTrackedKeyword(ctx context.Context, userID string, providerID int64, keyword string) (models.TrackedKeyword, error) {
	k := models.TrackedKeyword{UserID: userID, ProviderID: providerID, Keyword: keyword, IsActive: true}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tracked_keywords (user_id, provider_id, keyword)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider_id, keyword) DO UPDATE SET is_active = TRUE
		RETURNING id
	`, userID, providerID, keyword).Scan(&k.ID)
	if err != nil {
		return models.TrackedKeyword{}, fmt.Errorf("insert keyword: %w", err)
	}
	return k, nil
}
