// Package providers holds the clients for external content providers.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"sentiment-pipeline/internal/models"
)

// RefresherConfig describes a provider's OAuth token endpoint.
type RefresherConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	AuthStyle    oauth2.AuthStyle
	UserAgent    string
	HTTPClient   *http.Client
}

// Refresher exchanges refresh tokens at a provider's token endpoint.
type Refresher struct {
	cfg        oauth2.Config
	httpClient *http.Client
}

func NewRefresher(c RefresherConfig) *Refresher {
	base := c.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 15 * time.Second}
	}
	client := base
	if c.UserAgent != "" {
		transport := base.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		client = &http.Client{
			Timeout:   base.Timeout,
			Transport: userAgentTransport{agent: c.UserAgent, next: transport},
		}
	}
	return &Refresher{
		cfg: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  c.TokenURL,
				AuthStyle: c.AuthStyle,
			},
		},
		httpClient: client,
	}
}

// Refresh fails when the provider rejects the refresh token.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (models.RefreshedToken, error) {
	if refreshToken == "" {
		return models.RefreshedToken{}, errors.New("refresh token is empty")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return models.RefreshedToken{}, fmt.Errorf("refresh token at %s: %w", r.cfg.Endpoint.TokenURL, err)
	}

	out := models.RefreshedToken{AccessToken: tok.AccessToken, ExpiresIn: time.Hour}
	if tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	switch {
	case tok.ExpiresIn > 0:
		out.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		out.ExpiresIn = time.Until(tok.Expiry)
	}
	return out, nil
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(clone)
}
