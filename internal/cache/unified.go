// Package cache implements the unified server cache: a read-through cache of
// combined server configuration and OAuth token data per (user, org, server),
// and of full per-tenant server lists, over a best-effort TTL store. An
// organization-wide version counter provides O(1) bulk invalidation without
// enumerating keys.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/oauth"
	"mcpgateway-go/internal/storage"
)

const (
	// TokenExpiryBuffer is the safety margin before token expiry at which a
	// cached token stops being served.
	TokenExpiryBuffer = 5 * time.Minute

	// DefaultServerDataTTL caps cache entry lifetime when no token expiry
	// shortens it.
	DefaultServerDataTTL = 10 * time.Minute

	// VersionTTL keeps organization version counters alive long enough that
	// every data entry tagged with them expires first.
	VersionTTL = 24 * time.Hour

	personalScope = "personal"
)

// ServerData is one combined cache entry: the durable server record plus the
// freshest known token for the tenant.
type ServerData struct {
	Server          *storage.ServerRecord `json:"server"`
	Token           *oauth.Token          `json:"token,omitempty"`
	CachedAt        time.Time             `json:"cached_at"`
	OrgCacheVersion int64                 `json:"org_cache_version,omitempty"`
}

// serverListEntry caches the full server list of one tenant.
type serverListEntry struct {
	Servers         []*storage.ServerRecord `json:"servers"`
	CachedAt        time.Time               `json:"cached_at"`
	OrgCacheVersion int64                   `json:"org_cache_version,omitempty"`
}

// ServerSource is the durable storage surface the cache reads through to.
type ServerSource interface {
	GetServer(id string) (*storage.ServerRecord, error)
	ListServers(userID, orgID string) ([]*storage.ServerRecord, error)
}

// TokenSource provides fresh access tokens; it encapsulates refresh-on-read
// and may perform network calls.
type TokenSource interface {
	GetAccessToken(ctx context.Context, userID, orgID, serverID string, credentialType config.CredentialType) (*oauth.Token, error)
}

// UnifiedCache minimizes redundant storage reads and token fetches while
// respecting token expiry. Store failures are logged and degrade to misses;
// they never fail the read.
type UnifiedCache struct {
	store   Store
	servers ServerSource
	tokens  TokenSource
	ttl     time.Duration
	logger  *zap.Logger
}

// NewUnifiedCache creates a unified server cache. A non-positive ttl falls
// back to DefaultServerDataTTL.
func NewUnifiedCache(store Store, servers ServerSource, tokens TokenSource, ttl time.Duration, logger *zap.Logger) *UnifiedCache {
	if ttl <= 0 {
		ttl = DefaultServerDataTTL
	}
	return &UnifiedCache{
		store:   store,
		servers: servers,
		tokens:  tokens,
		ttl:     ttl,
		logger:  logger.Named("unified-cache"),
	}
}

func scope(orgID string) string {
	if orgID == "" {
		return personalScope
	}
	return orgID
}

func serverKey(userID, orgID, serverID string) string {
	return fmt.Sprintf("mcp:server:%s:%s:%s", userID, scope(orgID), serverID)
}

func listKey(userID, orgID string) string {
	return fmt.Sprintf("mcp:servers:%s:%s", userID, scope(orgID))
}

func versionKey(orgID string) string {
	return fmt.Sprintf("mcp:orgver:%s", orgID)
}

// OrgCacheVersion returns the organization's current cache version,
// initializing it on first use. Personal tenants have no version dimension
// and always get zero.
func (c *UnifiedCache) OrgCacheVersion(orgID string) int64 {
	if orgID == "" {
		return 0
	}

	var version int64
	hit, err := c.store.Get(versionKey(orgID), &version)
	if err != nil {
		c.logger.Warn("Failed to read org cache version, treating as miss",
			zap.String("org_id", orgID), zap.Error(err))
	}
	if hit && version > 0 {
		return version
	}

	version = time.Now().UnixMilli()
	if err := c.store.Set(versionKey(orgID), version, VersionTTL); err != nil {
		c.logger.Warn("Failed to initialize org cache version",
			zap.String("org_id", orgID), zap.Error(err))
	}
	return version
}

// InvalidateOrganizationCache bumps the organization's version counter so
// every entry tagged with the old version becomes logically stale on its
// next read. Orphaned entries are left to TTL expiry.
func (c *UnifiedCache) InvalidateOrganizationCache(orgID string) {
	if orgID == "" {
		return
	}

	old := c.OrgCacheVersion(orgID)
	version := time.Now().UnixMilli()
	if version <= old {
		version = old + 1
	}
	if err := c.store.Set(versionKey(orgID), version, VersionTTL); err != nil {
		c.logger.Warn("Failed to bump org cache version",
			zap.String("org_id", orgID), zap.Error(err))
		return
	}
	c.logger.Debug("Invalidated organization cache",
		zap.String("org_id", orgID), zap.Int64("version", version))
}

// GetServerData returns the combined server record and freshest token for a
// (user, org, server) triple, serving from cache when the entry is still
// version-current and its token, if any, keeps a safety buffer before
// expiry. Returns nil without error when the server does not exist for the
// tenant.
func (c *UnifiedCache) GetServerData(ctx context.Context, userID, orgID, serverID string, credentialType config.CredentialType) (*ServerData, error) {
	version := c.OrgCacheVersion(orgID)
	key := serverKey(userID, orgID, serverID)

	// When only the token aged out, the cached server record is still
	// trustworthy and saves a storage round trip. A version mismatch means
	// the registration itself may have changed, so nothing is reused.
	var knownServer *storage.ServerRecord

	var cached ServerData
	hit, err := c.store.Get(key, &cached)
	if err != nil {
		c.logger.Warn("Cache read failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		hit = false
	}
	if hit && (orgID == "" || cached.OrgCacheVersion == version) {
		if cached.Token == nil || cached.Token.Valid(TokenExpiryBuffer) {
			return &cached, nil
		}
		knownServer = cached.Server
	}

	server := knownServer
	if server == nil {
		server, err = c.loadServer(userID, orgID, serverID)
		if err != nil {
			return nil, err
		}
		if server == nil {
			return nil, nil
		}
	}

	if credentialType == "" {
		credentialType = server.CredentialType
	}

	// The token fetch itself is never cached, only its result; the provider
	// already knows how to refresh expired tokens.
	var token *oauth.Token
	if server.OAuthServerID != "" {
		token, err = c.tokens.GetAccessToken(ctx, userID, orgID, serverID, credentialType)
		if err != nil {
			c.logger.Warn("Token fetch failed, proceeding without token",
				zap.String("server_id", serverID), zap.Error(err))
			token = nil
		}
	}

	data := &ServerData{
		Server:          server,
		Token:           token,
		CachedAt:        time.Now(),
		OrgCacheVersion: version,
	}
	c.storeServerData(key, data)
	return data, nil
}

// GetAllServers returns the tenant's full server list, cached under the
// organization version only (no token dimension).
func (c *UnifiedCache) GetAllServers(ctx context.Context, userID, orgID string) ([]*storage.ServerRecord, error) {
	_ = ctx
	version := c.OrgCacheVersion(orgID)
	key := listKey(userID, orgID)

	var cached serverListEntry
	hit, err := c.store.Get(key, &cached)
	if err != nil {
		c.logger.Warn("Cache read failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		hit = false
	}
	if hit && (orgID == "" || cached.OrgCacheVersion == version) {
		return cached.Servers, nil
	}

	servers, err := c.servers.ListServers(userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers for tenant: %w", err)
	}

	entry := &serverListEntry{
		Servers:         servers,
		CachedAt:        time.Now(),
		OrgCacheVersion: version,
	}
	if err := c.store.Set(key, entry, c.ttl); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
	return servers, nil
}

// GetAccessToken returns just the token portion of GetServerData.
func (c *UnifiedCache) GetAccessToken(ctx context.Context, userID, orgID, serverID string, credentialType config.CredentialType) (*oauth.Token, error) {
	data, err := c.GetServerData(ctx, userID, orgID, serverID, credentialType)
	if err != nil || data == nil {
		return nil, err
	}
	return data.Token, nil
}

// InvalidateServer deletes exactly one combined cache entry.
func (c *UnifiedCache) InvalidateServer(userID, orgID, serverID string) {
	if err := c.store.Delete(serverKey(userID, orgID, serverID)); err != nil {
		c.logger.Warn("Cache delete failed",
			zap.String("server_id", serverID), zap.Error(err))
	}
}

// InvalidateAllServersCache deletes the tenant's server list entry. It does
// not touch individual per-server entries.
func (c *UnifiedCache) InvalidateAllServersCache(userID, orgID string) {
	if err := c.store.Delete(listKey(userID, orgID)); err != nil {
		c.logger.Warn("Cache delete failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// UpdateServerToken patches just the token field of an existing cache entry
// in place, avoiding a full server refetch. When no entry exists the key is
// invalidated so the next read does a full fetch.
func (c *UnifiedCache) UpdateServerToken(userID, orgID, serverID string, token *oauth.Token) {
	key := serverKey(userID, orgID, serverID)

	var cached ServerData
	hit, err := c.store.Get(key, &cached)
	if err != nil || !hit {
		c.InvalidateServer(userID, orgID, serverID)
		return
	}

	cached.Token = token
	cached.CachedAt = time.Now()
	cached.OrgCacheVersion = c.OrgCacheVersion(orgID)
	c.storeServerData(key, &cached)
}

// loadServer fetches the server record from durable storage, returning nil
// when it does not exist or belongs to a different tenant.
func (c *UnifiedCache) loadServer(userID, orgID, serverID string) (*storage.ServerRecord, error) {
	server, err := c.servers.GetServer(serverID)
	if err != nil {
		if errors.Is(err, storage.ErrServerNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load server %s: %w", serverID, err)
	}
	if !server.VisibleTo(userID, orgID) {
		return nil, nil
	}
	return server, nil
}

// storeServerData writes a combined entry under a TTL capped by the token's
// remaining life minus the safety buffer. Entries that would already be
// stale are not cached at all.
func (c *UnifiedCache) storeServerData(key string, data *ServerData) {
	ttl := c.ttl
	if data.Token != nil && !data.Token.ExpiresAt.IsZero() {
		untilStale := time.Until(data.Token.ExpiresAt) - TokenExpiryBuffer
		if untilStale < ttl {
			ttl = untilStale
		}
	}
	if ttl <= 0 {
		return
	}
	if err := c.store.Set(key, data, ttl); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}
