// Package gateway is the façade tying storage, the unified cache and the
// manager pool together. Every mutation follows the same order: durable
// write first, then cache invalidation, then a push to live connections, so
// a crash between steps leaves caches stale at worst, never wrong about
// durable state.
package gateway

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpgateway-go/internal/cache"
	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/oauth"
	"mcpgateway-go/internal/storage"
	"mcpgateway-go/internal/upstream"
)

// Gateway exposes the tenant-facing operations of the connection manager.
type Gateway struct {
	store  *storage.Manager
	cache  *cache.UnifiedCache
	pool   *upstream.Pool
	logger *zap.Logger
}

// New wires a gateway from its three layers.
func New(store *storage.Manager, unified *cache.UnifiedCache, pool *upstream.Pool, logger *zap.Logger) *Gateway {
	return &Gateway{
		store:  store,
		cache:  unified,
		pool:   pool,
		logger: logger.Named("gateway"),
	}
}

// GetManager returns the tenant's connection manager, creating it on first
// access.
func (g *Gateway) GetManager(ctx context.Context, userID, orgID string) (*upstream.Manager, error) {
	return g.pool.GetManager(ctx, userID, orgID)
}

// ListServers returns the tenant's registered servers.
func (g *Gateway) ListServers(ctx context.Context, userID, orgID string) ([]*storage.ServerRecord, error) {
	return g.cache.GetAllServers(ctx, userID, orgID)
}

// GetServer returns one server registration visible to the tenant.
func (g *Gateway) GetServer(ctx context.Context, userID, orgID, serverID string) (*storage.ServerRecord, error) {
	data, err := g.cache.GetServerData(ctx, userID, orgID, serverID, "")
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, storage.ErrServerNotFound
	}
	return data.Server, nil
}

// Tools returns the tenant's aggregated tool listing.
func (g *Gateway) Tools(ctx context.Context, userID, orgID string) ([]upstream.ToolEntry, error) {
	manager, err := g.pool.GetManager(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	return manager.Tools(ctx)
}

// CallTool routes a qualified tool key to the tenant's upstream server.
func (g *Gateway) CallTool(ctx context.Context, userID, orgID, toolKey string, args map[string]any) (*mcp.CallToolResult, error) {
	manager, err := g.pool.GetManager(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	return manager.CallTool(ctx, toolKey, args)
}

// Statuses returns connection status snapshots for the tenant's servers.
func (g *Gateway) Statuses(ctx context.Context, userID, orgID string) ([]upstream.Status, error) {
	manager, err := g.pool.GetManager(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	return manager.Statuses(), nil
}

// SaveServer registers or updates a server for the tenant and pushes the
// change into any live connections.
func (g *Gateway) SaveServer(ctx context.Context, record *storage.ServerRecord) (*storage.ServerRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("server record is nil")
	}
	if record.UserID == "" {
		return nil, fmt.Errorf("server record has no user id")
	}
	if err := record.Config().Validate(); err != nil {
		return nil, err
	}

	saved, err := g.store.SaveServer(record)
	if err != nil {
		return nil, fmt.Errorf("failed to save server: %w", err)
	}

	g.cache.InvalidateServer(saved.UserID, saved.OrgID, saved.ID)
	g.cache.InvalidateAllServersCache(saved.UserID, saved.OrgID)

	if saved.IsShared() {
		// Every member's cache entries and live connections go stale at once.
		g.cache.InvalidateOrganizationCache(saved.OrgID)
		g.pool.RefreshServerInOrganizationManagers(ctx, saved.OrgID, saved.ID)
	} else {
		g.pushServerUpdate(ctx, saved.UserID, saved.OrgID, saved.ID)
	}

	g.logger.Info("Saved server",
		zap.String("server_id", saved.ID),
		zap.String("name", saved.Name),
		zap.Bool("shared", saved.IsShared()))
	return saved, nil
}

// DeleteServer removes a server registration, its tokens, and its live
// connections.
func (g *Gateway) DeleteServer(ctx context.Context, userID, orgID, serverID string) error {
	record, err := g.store.GetServer(serverID)
	if err != nil {
		return err
	}
	if !record.VisibleTo(userID, orgID) {
		return storage.ErrServerNotFound
	}

	if err := g.store.DeleteServer(serverID); err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	if err := g.store.DeleteTokensByServer(serverID, userID, orgID, ""); err != nil {
		g.logger.Warn("Failed to delete tokens for removed server",
			zap.String("server_id", serverID), zap.Error(err))
	}

	g.cache.InvalidateServer(userID, orgID, serverID)
	g.cache.InvalidateAllServersCache(userID, orgID)

	if record.IsShared() {
		g.cache.InvalidateOrganizationCache(orgID)
		// Managers see the record is gone and drop their client.
		g.pool.RefreshServerInOrganizationManagers(ctx, orgID, serverID)
	} else if manager := g.pool.Peek(userID, orgID); manager != nil {
		if err := manager.RemoveClient(ctx, serverID); err != nil {
			g.logger.Debug("Server had no live connection",
				zap.String("server_id", serverID))
		}
	}

	g.logger.Info("Deleted server", zap.String("server_id", serverID))
	return nil
}

// SaveAccessToken stores a token for a (server, tenant) pair, patches the
// cache, and reconnects any live client with the new credentials.
func (g *Gateway) SaveAccessToken(ctx context.Context, record *storage.TokenRecord) (*storage.TokenRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("token record is nil")
	}
	if record.ServerID == "" || record.AccessToken == "" {
		return nil, fmt.Errorf("token record needs a server id and an access token")
	}

	server, err := g.store.GetServer(record.ServerID)
	if err != nil {
		return nil, err
	}
	if !server.VisibleTo(record.UserID, record.OrgID) {
		return nil, storage.ErrServerNotFound
	}
	if record.CredentialType == "" {
		record.CredentialType = server.CredentialType
	}

	saved, err := g.store.SaveToken(record)
	if err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	token := &oauth.Token{
		AccessToken:  saved.AccessToken,
		RefreshToken: saved.RefreshToken,
		TokenType:    saved.TokenType,
		ExpiresAt:    saved.ExpiresAt,
	}
	g.cache.UpdateServerToken(saved.UserID, saved.OrgID, saved.ServerID, token)

	if server.IsShared() {
		g.cache.InvalidateOrganizationCache(saved.OrgID)
		g.pool.RefreshServerInOrganizationManagers(ctx, saved.OrgID, saved.ServerID)
	} else {
		g.pushServerUpdate(ctx, saved.UserID, saved.OrgID, saved.ServerID)
	}

	g.logger.Info("Saved access token",
		zap.String("server_id", saved.ServerID),
		zap.String("credential_type", string(saved.CredentialType)))
	return saved, nil
}

// RevokeAccessToken deletes the tenant's tokens for a server and reconnects
// any live client without credentials.
func (g *Gateway) RevokeAccessToken(ctx context.Context, userID, orgID, serverID string, credentialType config.CredentialType) error {
	server, err := g.store.GetServer(serverID)
	if err != nil {
		return err
	}
	if !server.VisibleTo(userID, orgID) {
		return storage.ErrServerNotFound
	}

	if err := g.store.DeleteTokensByServer(serverID, userID, orgID, credentialType); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}

	g.cache.InvalidateServer(userID, orgID, serverID)

	if server.IsShared() {
		g.cache.InvalidateOrganizationCache(orgID)
		g.pool.RefreshServerInOrganizationManagers(ctx, orgID, serverID)
	} else {
		g.pushServerUpdate(ctx, userID, orgID, serverID)
	}

	g.logger.Info("Revoked access token", zap.String("server_id", serverID))
	return nil
}

// RefreshServerConnection forces a reconnect of one server with fresh data,
// creating the tenant's manager if needed.
func (g *Gateway) RefreshServerConnection(ctx context.Context, userID, orgID, serverID string) error {
	g.cache.InvalidateServer(userID, orgID, serverID)

	data, err := g.cache.GetServerData(ctx, userID, orgID, serverID, "")
	if err != nil {
		return err
	}
	if data == nil {
		return storage.ErrServerNotFound
	}

	manager, err := g.pool.GetManager(ctx, userID, orgID)
	if err != nil {
		return err
	}

	var token string
	if data.Token != nil {
		token = data.Token.AccessToken
	}
	return manager.RefreshClient(ctx, data.Server.Config(), token)
}

// Shutdown disconnects every tenant.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.pool.Shutdown(ctx)
}

// pushServerUpdate rebuilds one server's connection in the tenant's live
// manager, if any. Tenants without a live manager pick the change up on
// their next access through the invalidated cache.
func (g *Gateway) pushServerUpdate(ctx context.Context, userID, orgID, serverID string) {
	manager := g.pool.Peek(userID, orgID)
	if manager == nil {
		return
	}

	data, err := g.cache.GetServerData(ctx, userID, orgID, serverID, "")
	if err != nil {
		g.logger.Warn("Failed to load server data for live push",
			zap.String("server_id", serverID), zap.Error(err))
		return
	}
	if data == nil || !data.Server.Enabled {
		if err := manager.RemoveClient(ctx, serverID); err != nil {
			g.logger.Debug("Server had no live connection",
				zap.String("server_id", serverID))
		}
		return
	}

	var token string
	if data.Token != nil {
		token = data.Token.AccessToken
	}
	if err := manager.RefreshClient(ctx, data.Server.Config(), token); err != nil {
		g.logger.Warn("Failed to push server update to live manager",
			zap.String("server_id", serverID), zap.Error(err))
	}
}
