package upstream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/locker"
)

// ServerEntry pairs a server config with the access token its connection
// should present.
type ServerEntry struct {
	Config      *config.ServerConfig
	AccessToken string
}

// ManagerOptions configures a tenant manager and the connections it creates.
type ManagerOptions struct {
	RemoteOnly     bool
	IdleDisconnect time.Duration
	Logger         *zap.Logger
}

// Manager owns all upstream connections of one tenant. Lookups during bulk
// initialization block until it completes so callers never observe a
// half-populated manager.
type Manager struct {
	userID         string
	orgID          string
	remoteOnly     bool
	idleDisconnect time.Duration
	logger         *zap.Logger

	initLock *locker.Locker

	mu      sync.RWMutex
	clients map[string]*Connection
}

// NewManager creates an empty manager for the tenant.
func NewManager(userID, orgID string, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		userID:         userID,
		orgID:          orgID,
		remoteOnly:     opts.RemoteOnly,
		idleDisconnect: opts.IdleDisconnect,
		logger: logger.With(
			zap.String("user_id", userID),
			zap.String("org_id", orgID)),
		initLock: locker.New(),
		clients:  make(map[string]*Connection),
	}
}

// UserID returns the owning user.
func (m *Manager) UserID() string { return m.userID }

// OrgID returns the owning organization, empty for personal tenants.
func (m *Manager) OrgID() string { return m.orgID }

// Init connects all given servers concurrently. Individual connect failures
// land in the respective connection's status; Init itself never fails.
// Lookups issued while Init runs block until it finishes.
func (m *Manager) Init(ctx context.Context, entries []ServerEntry) {
	if !m.initLock.TryLock() {
		// A concurrent Init is already running; wait it out.
		_ = m.initLock.WaitContext(ctx)
		return
	}
	defer m.initLock.Unlock()

	m.connectAll(ctx, entries)
}

// connectAll runs the concurrent connect fan-out. Callers that need lookups
// to block while it runs must already hold the init lock.
func (m *Manager) connectAll(ctx context.Context, entries []ServerEntry) {
	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry ServerEntry) {
			defer wg.Done()
			if err := m.AddClient(ctx, entry.Config, entry.AccessToken); err != nil {
				m.logger.Warn("Skipping server during init",
					zap.String("server", entry.Config.Name), zap.Error(err))
			}
		}(entry)
	}
	wg.Wait()

	m.logger.Info("Tenant manager initialized", zap.Int("servers", len(entries)))
}

// AddClient creates and connects a client for the server, replacing any
// existing client for the same id. Transport failures do not fail AddClient;
// only config problems do.
func (m *Manager) AddClient(ctx context.Context, cfg *config.ServerConfig, accessToken string) error {
	if cfg == nil {
		return fmt.Errorf("server config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("server %q is disabled", cfg.Name)
	}
	if m.remoteOnly && cfg.IsStdio() {
		return fmt.Errorf("server %q uses a stdio transport but remote-only mode is enabled", cfg.Name)
	}

	conn := NewConnection(cfg, ConnectionOptions{
		UserID:         m.userID,
		OrgID:          m.orgID,
		AccessToken:    accessToken,
		RemoteOnly:     m.remoteOnly,
		IdleDisconnect: m.idleDisconnect,
		Logger:         m.logger,
	})

	// The previous connection comes out of the map before the new one goes
	// in, and the new one is registered only once its connect attempt has
	// finished. Readers never see a half-connected replacement.
	m.mu.Lock()
	previous := m.clients[cfg.ID]
	delete(m.clients, cfg.ID)
	m.mu.Unlock()
	if previous != nil {
		previous.Disconnect(ctx)
	}

	conn.Connect(ctx)

	m.mu.Lock()
	raced := m.clients[cfg.ID]
	m.clients[cfg.ID] = conn
	m.mu.Unlock()
	if raced != nil {
		raced.Disconnect(ctx)
	}
	return nil
}

// RemoveClient disconnects and forgets the server's client. Removing an
// unknown id is an error; the caller's view of the tenant is out of date.
func (m *Manager) RemoveClient(ctx context.Context, serverID string) error {
	m.mu.Lock()
	conn, ok := m.clients[serverID]
	if ok {
		delete(m.clients, serverID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no client for server id %s", serverID)
	}

	conn.Disconnect(ctx)
	m.logger.Debug("Removed upstream client", zap.String("server_id", serverID))
	return nil
}

// RefreshClient tears down the server's client and rebuilds it from fresh
// config and credentials. Used after token rotation or config edits.
func (m *Manager) RefreshClient(ctx context.Context, cfg *config.ServerConfig, accessToken string) error {
	if cfg == nil {
		return fmt.Errorf("server config is nil")
	}

	m.mu.Lock()
	conn, ok := m.clients[cfg.ID]
	if ok {
		delete(m.clients, cfg.ID)
	}
	m.mu.Unlock()
	if ok {
		conn.Disconnect(ctx)
	}

	return m.AddClient(ctx, cfg, accessToken)
}

// GetClient returns the server's connection, waiting for any in-flight Init
// first.
func (m *Manager) GetClient(ctx context.Context, serverID string) (*Connection, error) {
	if err := m.initLock.WaitContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	conn, ok := m.clients[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no client for server id %s", serverID)
	}
	return conn, nil
}

// GetClients returns a snapshot of all connections, waiting for any
// in-flight Init first.
func (m *Manager) GetClients(ctx context.Context) (map[string]*Connection, error) {
	if err := m.initLock.WaitContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]*Connection, len(m.clients))
	for id, conn := range m.clients {
		snapshot[id] = conn
	}
	return snapshot, nil
}

// Tools aggregates all tools across the tenant's servers, keyed
// "<server name>:<tool name>". Servers that fail to list contribute nothing;
// their failure shows in Statuses.
func (m *Manager) Tools(ctx context.Context) ([]ToolEntry, error) {
	clients, err := m.GetClients(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		entries []ToolEntry
		wg      sync.WaitGroup
	)
	for _, conn := range clients {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			cfg := conn.Config()
			for _, tool := range conn.Tools(ctx) {
				entry := ToolEntry{
					Key:         cfg.Name + ":" + tool.Name,
					ToolName:    tool.Name,
					ServerName:  cfg.Name,
					ServerID:    cfg.ID,
					Description: tool.Description,
					InputSchema: tool.InputSchema,
				}
				mu.Lock()
				entries = append(entries, entry)
				mu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// CallTool routes a qualified "<server name>:<tool name>" key to the right
// connection. A malformed key or unknown server is the caller's mistake and
// comes back as an error; upstream failures come back inside the result.
func (m *Manager) CallTool(ctx context.Context, toolKey string, args map[string]any) (*mcp.CallToolResult, error) {
	serverName, toolName, ok := strings.Cut(toolKey, ":")
	if !ok || serverName == "" || toolName == "" {
		return nil, fmt.Errorf("invalid tool key %q, expected \"server:tool\"", toolKey)
	}

	clients, err := m.GetClients(ctx)
	if err != nil {
		return nil, err
	}

	for _, conn := range clients {
		if conn.Config().Name == serverName {
			return conn.CallTool(ctx, toolName, args), nil
		}
	}
	return nil, fmt.Errorf("no server named %q", serverName)
}

// Statuses returns connection status snapshots sorted by server name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	statuses := make([]Status, 0, len(m.clients))
	for _, conn := range m.clients {
		statuses = append(statuses, conn.Status())
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ServerName < statuses[j].ServerName })
	return statuses
}

// Cleanup disconnects every client concurrently. A hung upstream cannot
// stall the others; the context bounds the whole teardown.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range clients {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			conn.Disconnect(ctx)
		}(conn)
	}
	wg.Wait()

	if len(clients) > 0 {
		m.logger.Debug("Tenant manager cleaned up", zap.Int("clients", len(clients)))
	}
}
