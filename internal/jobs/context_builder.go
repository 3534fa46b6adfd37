package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"sentiment-pipeline/internal/models"
	"sentiment-pipeline/internal/telemetry"
)

// OwnerLookup resolves the user and provider a subtask runs on behalf of.
type OwnerLookup interface {
	GetTaskOwnerForSubTask(ctx context.Context, subTaskID int64) (models.TaskOwner, error)
}

// CredentialStore reads and updates a user's per-provider integration.
type CredentialStore interface {
	GetIntegration(ctx context.Context, userID string, providerID int64) (models.Integration, bool, error)
	UpdateIntegrationCredentials(ctx context.Context, upd models.CredentialUpdate) (models.Integration, error)
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.RefreshedToken, error)
}

// ContextResolver is what processors depend on to obtain credentials.
type ContextResolver interface {
	Build(ctx context.Context, subTaskID int64, payload map[string]any) (models.ExecutionContext, error)
}

const defaultRefreshTimeout = 15 * time.Second

// ContextBuilder resolves which credential a subtask should use.
type ContextBuilder struct {
	owners         OwnerLookup
	creds          CredentialStore
	refreshers     map[string]TokenRefresher
	masterKeys     map[string]string
	refreshTimeout time.Duration
	now            func() time.Time
	group          singleflight.Group
	log            *logrus.Entry
}

// BuilderOption customizes a ContextBuilder.
type BuilderOption func(*ContextBuilder)

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *ContextBuilder) { b.now = now }
}

// WithRefreshTimeout bounds each provider refresh call.
func WithRefreshTimeout(d time.Duration) BuilderOption {
	return func(b *ContextBuilder) {
		if d > 0 {
			b.refreshTimeout = d
		}
	}
}

// NewContextBuilder wires a builder. refreshers and masterKeys are keyed by
// lower-case provider name; both maps are copied.
func NewContextBuilder(owners OwnerLookup, creds CredentialStore, refreshers map[string]TokenRefresher, masterKeys map[string]string, log *logrus.Entry, opts ...BuilderOption) *ContextBuilder {
	b := &ContextBuilder{
		owners:         owners,
		creds:          creds,
		refreshers:     make(map[string]TokenRefresher, len(refreshers)),
		masterKeys:     make(map[string]string, len(masterKeys)),
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
		log:            log,
	}
	for name, r := range refreshers {
		b.refreshers[strings.ToLower(name)] = r
	}
	for name, key := range masterKeys {
		if key != "" {
			b.masterKeys[strings.ToLower(name)] = key
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the execution context for a subtask. The user's own
// integration is preferred and refreshed when expired; otherwise the
// provider's master API key is used. It fails with an AuthenticationError
// when neither is available.
func (b *ContextBuilder) Build(ctx context.Context, subTaskID int64, payload map[string]any) (models.ExecutionContext, error) {
	owner, err := b.owners.GetTaskOwnerForSubTask(ctx, subTaskID)
	if err != nil {
		return models.ExecutionContext{}, NewAuthenticationError(subTaskID, fmt.Sprintf("failed to resolve owner of subtask %d", subTaskID), err)
	}

	log := b.log.WithFields(logrus.Fields{
		"subtask_id": subTaskID,
		"user_id":    owner.User.ID,
		"provider":   owner.Provider.Name,
	})

	integration, found, err := b.creds.GetIntegration(ctx, owner.User.ID, owner.Provider.ID)
	if err != nil {
		log.WithError(err).Warn("integration lookup failed, treating as absent")
		found = false
	}

	if found && integration.IsActive {
		if integration.HasValidAccessToken(b.now()) {
			return b.done(log, models.NewOAuthContext(owner, integration.AccessToken, integration.ID, payload)), nil
		}
		if integration.RefreshToken != "" {
			refreshed, err := b.refresh(ctx, owner)
			if err == nil {
				return b.done(log, models.NewOAuthContext(owner, refreshed.AccessToken, refreshed.ID, payload)), nil
			}
			log.WithError(err).Warn("token refresh failed, falling back to master key")
		}
	}

	key, ok := b.masterKeys[strings.ToLower(owner.Provider.Name)]
	if !ok {
		return models.ExecutionContext{}, &AuthenticationError{
			SubTaskID: subTaskID,
			Msg:       fmt.Sprintf("no authentication method available for subtask %d", subTaskID),
		}
	}
	return b.done(log, models.NewMasterKeyContext(owner, key, payload)), nil
}

func (b *ContextBuilder) done(log *logrus.Entry, ec models.ExecutionContext) models.ExecutionContext {
	telemetry.ExecutionContexts.WithLabelValues(string(ec.TokenSource)).Inc()
	log.WithField("token_source", ec.TokenSource).Debug("execution context resolved")
	return ec
}

// refresh exchanges the refresh token and persists the result. Refreshes for
// the same user and provider run one at a time and re-read the integration
// first; a token already stored as valid is returned without a provider call.
func (b *ContextBuilder) refresh(ctx context.Context, owner models.TaskOwner) (models.Integration, error) {
	provider := strings.ToLower(owner.Provider.Name)
	key := fmt.Sprintf("%s:%d", owner.User.ID, owner.Provider.ID)

	v, err, _ := b.group.Do(key, func() (any, error) {
		current, found, err := b.creds.GetIntegration(ctx, owner.User.ID, owner.Provider.ID)
		if err != nil {
			return nil, fmt.Errorf("reload integration: %w", err)
		}
		if !found || !current.IsActive {
			return nil, errors.New("integration no longer active")
		}
		if current.HasValidAccessToken(b.now()) {
			return current, nil
		}
		if current.RefreshToken == "" {
			return nil, errors.New("integration has no refresh token")
		}

		refresher, ok := b.refreshers[provider]
		if !ok {
			return nil, fmt.Errorf("no token refresher for provider %q", owner.Provider.Name)
		}

		rctx, cancel := context.WithTimeout(ctx, b.refreshTimeout)
		defer cancel()
		tok, err := refresher.Refresh(rctx, current.RefreshToken)
		if err != nil {
			telemetry.TokenRefreshes.WithLabelValues(provider, "failure").Inc()
			return nil, fmt.Errorf("refresh token: %w", err)
		}
		if tok.AccessToken == "" {
			telemetry.TokenRefreshes.WithLabelValues(provider, "failure").Inc()
			return nil, errors.New("refresh returned an empty access token")
		}

		refreshToken := tok.RefreshToken
		if refreshToken == "" {
			refreshToken = current.RefreshToken
		}
		updated, err := b.creds.UpdateIntegrationCredentials(ctx, models.CredentialUpdate{
			UserID:       owner.User.ID,
			ProviderID:   owner.Provider.ID,
			AccessToken:  tok.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    b.now().Add(tok.ExpiresIn),
		})
		if err != nil {
			telemetry.TokenRefreshes.WithLabelValues(provider, "failure").Inc()
			return nil, fmt.Errorf("persist refreshed credentials: %w", err)
		}
		telemetry.TokenRefreshes.WithLabelValues(provider, "success").Inc()
		updated.AccessToken = tok.AccessToken
		return updated, nil
	})
	if err != nil {
		return models.Integration{}, err
	}
	return v.(models.Integration), nil
}
