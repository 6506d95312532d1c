// Package creds implements the two-tier credential lifecycle the gateway
// needs on every forwarded request: a long-lived OAuth token (obtained once
// via device authorization, cached on disk) and a short-lived API token
// (obtained by exchanging the OAuth token, cached in memory for as long as
// it stays fresh).
//
// Grounded on the teacher's token-caching fields in
// internal/infrastructure/llm/openai_builtin.go (a mutex-guarded cached
// token plus an expiry check before every call), generalized here to the
// two-tier shape spec.md §4.4 describes.
package creds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
	"github.com/ngoclaw/llm-gateway/internal/domain/entity"
	"go.uber.org/zap"
)

// Store is the on-disk OAuth token cache (credstore.FileStore satisfies
// this).
type Store interface {
	ReadOAuthToken() (string, bool)
	SaveOAuthToken(token, user string) error
}

// DeviceAuthFlow performs the interactive device-authorization grant when
// no cached OAuth token is available (deviceauth.Client satisfies this).
type DeviceAuthFlow interface {
	PerformDeviceAuthFlow(ctx context.Context) (token string, user string, err error)
}

// APITokenFetcher exchanges an OAuth token for a short-lived API token
// (upstream.Client satisfies this).
type APITokenFetcher interface {
	GetAPIToken(ctx context.Context, oauthToken string) (*entity.APIToken, error)
}

// Manager owns the credential lifecycle: resolving a cached or freshly
// obtained OAuth token, and keeping a fresh API token derived from it.
// Safe for concurrent use.
type Manager struct {
	store      Store
	deviceAuth DeviceAuthFlow
	tokens     APITokenFetcher
	defaultAPI string
	logger     *zap.Logger

	mu          sync.Mutex
	oauthToken  string
	apiToken    *entity.APIToken
	apiEndpoint string
}

// New creates a credential Manager. defaultAPIBaseURL is used until an API
// token fetch discovers the upstream's real endpoint.
func New(store Store, deviceAuth DeviceAuthFlow, tokens APITokenFetcher, defaultAPIBaseURL string, logger *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		deviceAuth: deviceAuth,
		tokens:     tokens,
		defaultAPI: defaultAPIBaseURL,
		logger:     logger.With(zap.String("component", "creds")),
	}
}

// ValidAPIToken returns a fresh API token and the endpoint to call it
// against, obtaining and caching an OAuth token first if none is cached
// yet, and refreshing the API token if the cached one is stale or absent.
func (m *Manager) ValidAPIToken(ctx context.Context) (string, string, error) {
	m.mu.Lock()
	if m.apiToken.IsFresh(time.Now()) {
		tok, endpoint := m.apiToken.Token, m.apiEndpoint
		m.mu.Unlock()
		return tok, endpoint, nil
	}
	m.mu.Unlock()

	return m.ForceRefreshAPIToken(ctx)
}

// ForceRefreshAPIToken unconditionally fetches a new API token, first
// resolving an OAuth token (cached, or via a fresh device-auth flow if
// none is cached). Safe to call concurrently; refreshes race harmlessly
// since they all converge on the same upstream state.
func (m *Manager) ForceRefreshAPIToken(ctx context.Context) (string, string, error) {
	oauthToken, err := m.resolveOAuthToken(ctx)
	if err != nil {
		return "", "", err
	}

	apiToken, err := m.tokens.GetAPIToken(ctx, oauthToken)
	if err != nil {
		return "", "", err
	}

	endpoint := apiToken.APIEndpoint(m.defaultAPI)

	m.mu.Lock()
	m.oauthToken = oauthToken
	m.apiToken = apiToken
	m.apiEndpoint = endpoint
	m.mu.Unlock()

	m.logger.Info("refreshed API token", zap.Time("expires_at", apiToken.ExpiresAt))
	return apiToken.Token, endpoint, nil
}

func (m *Manager) resolveOAuthToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.oauthToken != "" {
		tok := m.oauthToken
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	if tok, ok := m.store.ReadOAuthToken(); ok {
		m.mu.Lock()
		m.oauthToken = tok
		m.mu.Unlock()
		return tok, nil
	}

	tok, user, err := m.deviceAuth.PerformDeviceAuthFlow(ctx)
	if err != nil {
		return "", apierror.Wrap(apierror.KindDeviceAuthFailure, "device authorization failed", err)
	}
	if err := m.store.SaveOAuthToken(tok, user); err != nil {
		m.logger.Warn("could not persist OAuth token, continuing in-memory", zap.Error(err))
	}

	m.mu.Lock()
	m.oauthToken = tok
	m.mu.Unlock()
	return tok, nil
}

// Logout clears all cached credentials from memory. The on-disk store is
// untouched; callers that also want the file cleared should remove it
// directly (see cmd/gateway's logout subcommand).
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oauthToken = ""
	m.apiToken = nil
	m.apiEndpoint = ""
}

// String implements fmt.Stringer for debug logging.
func (m *Manager) String() string {
	return fmt.Sprintf("creds.Manager{endpoint=%s}", m.apiEndpoint)
}
