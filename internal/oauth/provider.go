// Package oauth provides access tokens for upstream MCP servers, refreshing
// them on read when they are close to expiry. The authorization-code flow
// that mints the first token lives outside this process; this package only
// consumes its stored results.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/storage"
)

// RefreshBuffer is how close to expiry a token may get before a read
// triggers a refresh attempt.
const RefreshBuffer = 5 * time.Minute

// Provider serves the newest valid token for a (server, tenant) pair,
// transparently exchanging refresh tokens when the stored access token is
// stale. Every method is safe for concurrent use.
type Provider struct {
	store      *storage.Manager
	httpClient *http.Client
	logger     *zap.Logger
}

// NewProvider creates a token provider backed by durable token records.
func NewProvider(store *storage.Manager, logger *zap.Logger) *Provider {
	return &Provider{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("oauth"),
	}
}

// GetAccessToken returns the newest usable token for the server within the
// tenant, or nil when the tenant holds none. A stored token inside the
// refresh buffer is exchanged for a fresh one when a refresh token and token
// endpoint are known; when refresh fails the caller gets nil rather than a
// stale token.
func (p *Provider) GetAccessToken(ctx context.Context, userID, orgID, serverID string, credentialType config.CredentialType) (*Token, error) {
	record, err := p.store.NewestToken(serverID, userID, orgID, credentialType)
	if err != nil {
		return nil, fmt.Errorf("failed to load token for server %s: %w", serverID, err)
	}
	if record == nil {
		return nil, nil
	}

	expiresAt := record.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = expiryFromJWT(record.AccessToken)
	}

	token := &Token{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		ExpiresAt:    expiresAt,
	}
	if token.Valid(RefreshBuffer) {
		return token, nil
	}

	if record.RefreshToken == "" || record.TokenEndpoint == "" {
		p.logger.Debug("Stored token expired and cannot be refreshed",
			zap.String("server_id", serverID),
			zap.Time("expires_at", expiresAt))
		return nil, nil
	}

	refreshed, err := p.refresh(ctx, record)
	if err != nil {
		p.logger.Warn("Token refresh failed",
			zap.String("server_id", serverID),
			zap.Error(err))
		return nil, nil
	}
	return refreshed, nil
}

// tokenResponse is the RFC 6749 token endpoint response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// refresh exchanges the stored refresh token and persists the rotated
// credentials before returning them.
func (p *Provider) refresh(ctx context.Context, record *storage.TokenRecord) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", record.RefreshToken)
	if record.Scope != "" {
		form.Set("scope", record.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, record.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	expiresAt := time.Time{}
	if body.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	} else {
		expiresAt = expiryFromJWT(body.AccessToken)
	}

	record.AccessToken = body.AccessToken
	if body.RefreshToken != "" {
		record.RefreshToken = body.RefreshToken
	}
	if body.TokenType != "" {
		record.TokenType = body.TokenType
	}
	if body.Scope != "" {
		record.Scope = body.Scope
	}
	record.ExpiresAt = expiresAt

	if _, err := p.store.SaveToken(record); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	p.logger.Info("Refreshed access token",
		zap.String("server_id", record.ServerID),
		zap.Time("expires_at", expiresAt))

	return &Token{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		ExpiresAt:    expiresAt,
	}, nil
}
