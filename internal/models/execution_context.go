package models

// TokenSource records where an execution context's credential came from.
type TokenSource string

const (
	TokenSourceUserOAuth    TokenSource = "USER_OAUTH"
	TokenSourceMasterAPIKey TokenSource = "MASTER_API_KEY"
)

// AuthMethod tells provider clients how to present the credential.
type AuthMethod string

const (
	AuthMethodOAuth  AuthMethod = "OAUTH"
	AuthMethodAPIKey AuthMethod = "API_KEY"
)

// ExecutionContext is the resolved identity and credential for one subtask run.
// It is built fresh per execution and never persisted. IntegrationID is nil
// exactly when TokenSource is MASTER_API_KEY.
type ExecutionContext struct {
	UserID        string
	ProviderID    int64
	ProviderName  string
	AuthToken     string
	Payload       map[string]any
	IntegrationID *int64
	TokenSource   TokenSource
	AuthMethod    AuthMethod
}

// NewOAuthContext builds a context backed by a user's integration.
func NewOAuthContext(owner TaskOwner, token string, integrationID int64, payload map[string]any) ExecutionContext {
	id := integrationID
	return ExecutionContext{
		UserID:        owner.User.ID,
		ProviderID:    owner.Provider.ID,
		ProviderName:  owner.Provider.Name,
		AuthToken:     token,
		Payload:       payload,
		IntegrationID: &id,
		TokenSource:   TokenSourceUserOAuth,
		AuthMethod:    AuthMethodOAuth,
	}
}

// NewMasterKeyContext builds a context backed by the process-wide master API key.
func NewMasterKeyContext(owner TaskOwner, key string, payload map[string]any) ExecutionContext {
	return ExecutionContext{
		UserID:       owner.User.ID,
		ProviderID:   owner.Provider.ID,
		ProviderName: owner.Provider.Name,
		AuthToken:    key,
		Payload:      payload,
		TokenSource:  TokenSourceMasterAPIKey,
		AuthMethod:   AuthMethodAPIKey,
	}
}
