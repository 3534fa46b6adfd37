package models

import (
	"time"
)

// Integration is a user's stored OAuth credential for one provider.
type Integration struct {
	ID                    int64     `json:"id"`
	UserID                string    `json:"user_id"`
	ProviderID            int64     `json:"provider_id"`
	AccountID             string    `json:"account_id"`
	AccessToken           string    `json:"-"`
	RefreshToken          string    `json:"-"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	IsActive              bool      `json:"is_active"`
}

// HasValidAccessToken reports whether the stored access token can be used as-is at now.
func (i Integration) HasValidAccessToken(now time.Time) bool {
	return i.AccessToken != "" && i.RefreshTokenExpiresAt.After(now)
}

// CredentialUpdate carries freshly refreshed credentials to persist.
type CredentialUpdate struct {
	UserID       string
	ProviderID   int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshedToken is what a provider token endpoint hands back.
// RefreshToken is empty when the provider keeps the previous one valid.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}
