package storage

import (
	"time"

	"mcpgateway-go/internal/config"
)

// Bucket names
const (
	ServersBucket = "servers"
	TokensBucket  = "tokens"
	MetaBucket    = "meta"
)

// ServerRecord is the durable form of one upstream server registration,
// scoped to a tenant.
type ServerRecord struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id,omitempty"`

	Name     string            `json:"name"`
	URL      string            `json:"url,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	CredentialType config.CredentialType `json:"credential_type,omitempty"`
	OAuthServerID  string                `json:"oauth_server_id,omitempty"`

	Enabled bool      `json:"enabled"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Config projects the record into the immutable connection config shape.
func (r *ServerRecord) Config() *config.ServerConfig {
	return &config.ServerConfig{
		ID:             r.ID,
		Name:           r.Name,
		URL:            r.URL,
		Protocol:       r.Protocol,
		Command:        r.Command,
		Args:           r.Args,
		Env:            r.Env,
		Headers:        r.Headers,
		CredentialType: r.CredentialType,
		OAuthServerID:  r.OAuthServerID,
		Enabled:        r.Enabled,
		Created:        r.Created,
		Updated:        r.Updated,
	}
}

// IsShared reports whether tokens for this server are organization-wide.
func (r *ServerRecord) IsShared() bool {
	return r.CredentialType == config.CredentialShared && r.OrgID != ""
}

// VisibleTo reports whether the tenant may see this server. Shared servers
// are visible to every member of their organization; personal ones only to
// the user who registered them.
func (r *ServerRecord) VisibleTo(userID, orgID string) bool {
	if r.OrgID != orgID {
		return false
	}
	if r.IsShared() {
		return true
	}
	return r.UserID == userID
}

// TokenRecord is one stored OAuth token for a (server, tenant) pair. Shared
// credentials carry the org id and are visible to every member; personal
// credentials match on the user id.
type TokenRecord struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
	UserID   string `json:"user_id"`
	OrgID    string `json:"org_id,omitempty"`

	CredentialType config.CredentialType `json:"credential_type,omitempty"`

	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	// TokenEndpoint is where a refresh grant can be exchanged; empty means
	// the token cannot be refreshed once expired.
	TokenEndpoint string `json:"token_endpoint,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// matchesTenant reports whether the token is usable by the given tenant. A
// shared token belongs to the organization; a personal one to its user.
func (t *TokenRecord) matchesTenant(userID, orgID string) bool {
	if t.CredentialType == config.CredentialShared {
		return t.OrgID != "" && t.OrgID == orgID
	}
	return t.UserID == userID && t.OrgID == orgID
}
