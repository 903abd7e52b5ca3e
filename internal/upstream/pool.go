package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/cache"
	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/storage"
)

// DataSource supplies the server configs and tokens managers are built from.
// Implemented by the unified cache.
type DataSource interface {
	GetAllServers(ctx context.Context, userID, orgID string) ([]*storage.ServerRecord, error)
	GetServerData(ctx context.Context, userID, orgID, serverID string, credentialType config.CredentialType) (*cache.ServerData, error)
}

// PoolOptions configures the manager pool.
type PoolOptions struct {
	// Inactivity is how long a tenant manager may go untouched before it is
	// evicted and its servers disconnected.
	Inactivity time.Duration

	// SweepInterval is the period of the background sweep that catches
	// entries whose eviction timer was lost to a race.
	SweepInterval time.Duration

	RemoteOnly     bool
	IdleDisconnect time.Duration
	Logger         *zap.Logger
}

type poolEntry struct {
	manager      *Manager
	lastAccessed time.Time
	evictTimer   *time.Timer
}

// Pool hands out at most one Manager per tenant, creating and initializing
// managers on first access and evicting them after a period of inactivity.
type Pool struct {
	data           DataSource
	inactivity     time.Duration
	sweepInterval  time.Duration
	remoteOnly     bool
	idleDisconnect time.Duration
	logger         *zap.Logger

	mu       sync.Mutex
	managers map[string]*poolEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool creates a pool and starts its background sweep.
func NewPool(data DataSource, opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Minute
	}

	p := &Pool{
		data:           data,
		inactivity:     opts.Inactivity,
		sweepInterval:  opts.SweepInterval,
		remoteOnly:     opts.RemoteOnly,
		idleDisconnect: opts.IdleDisconnect,
		logger:         logger.Named("pool"),
		managers:       make(map[string]*poolEntry),
		stopCh:         make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// tenantKey identifies one tenant in the pool. Personal tenants key on the
// user alone; the same user inside an organization is a distinct tenant.
func tenantKey(userID, orgID string) string {
	if orgID == "" {
		return userID
	}
	return userID + "@" + orgID
}

// GetManager returns the tenant's manager, creating and initializing it on
// first access. Concurrent callers for the same tenant share one manager;
// lookups on it block until initialization completes.
func (p *Pool) GetManager(ctx context.Context, userID, orgID string) (*Manager, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	key := tenantKey(userID, orgID)

	p.mu.Lock()
	if entry, ok := p.managers[key]; ok {
		p.touchLocked(key, entry)
		p.mu.Unlock()
		return entry.manager, nil
	}

	manager := NewManager(userID, orgID, ManagerOptions{
		RemoteOnly:     p.remoteOnly,
		IdleDisconnect: p.idleDisconnect,
		Logger:         p.logger,
	})
	// The init gate is held before the entry becomes visible, so lookups on
	// the published manager block until initialization completes.
	manager.initLock.Lock()
	entry := &poolEntry{manager: manager, lastAccessed: time.Now()}
	p.managers[key] = entry
	p.scheduleEvictionLocked(key, entry)
	p.mu.Unlock()

	err := p.initManager(ctx, manager)
	manager.initLock.Unlock()
	if err != nil {
		p.remove(key, manager)
		return nil, err
	}

	p.logger.Debug("Created tenant manager", zap.String("tenant", key))
	return manager, nil
}

// Peek returns the tenant's manager only if one is already live. It does not
// create one and does not count as tenant activity.
func (p *Pool) Peek(userID, orgID string) *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.managers[tenantKey(userID, orgID)]; ok {
		return entry.manager
	}
	return nil
}

// Size reports how many tenant managers are currently live.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.managers)
}

// initManager loads the tenant's servers and tokens and connects them all.
// The caller holds the manager's init lock for the whole load and connect.
func (p *Pool) initManager(ctx context.Context, manager *Manager) error {
	records, err := p.data.GetAllServers(ctx, manager.UserID(), manager.OrgID())
	if err != nil {
		return fmt.Errorf("failed to load servers for tenant: %w", err)
	}

	entries := make([]ServerEntry, 0, len(records))
	for _, record := range records {
		if !record.Enabled {
			continue
		}
		entry := ServerEntry{Config: record.Config()}
		if record.OAuthServerID != "" {
			data, err := p.data.GetServerData(ctx, manager.UserID(), manager.OrgID(), record.ID, record.CredentialType)
			if err != nil {
				p.logger.Warn("Failed to load server data, connecting without token",
					zap.String("server", record.Name), zap.Error(err))
			} else if data != nil && data.Token != nil {
				entry.AccessToken = data.Token.AccessToken
			}
		}
		entries = append(entries, entry)
	}

	manager.connectAll(ctx, entries)
	return nil
}

// InvalidateOrganizationManagers tears down every live manager of the
// organization and rebuilds it from fresh data, so all members pick up an
// org-wide config change at once.
func (p *Pool) InvalidateOrganizationManagers(ctx context.Context, orgID string) {
	if orgID == "" {
		return
	}

	p.mu.Lock()
	var victims []*poolEntry
	for key, entry := range p.managers {
		if entry.manager.OrgID() == orgID {
			if entry.evictTimer != nil {
				entry.evictTimer.Stop()
			}
			delete(p.managers, key)
			victims = append(victims, entry)
		}
	}
	p.mu.Unlock()

	for _, entry := range victims {
		userID := entry.manager.UserID()
		entry.manager.Cleanup(ctx)
		if _, err := p.GetManager(ctx, userID, orgID); err != nil {
			p.logger.Warn("Failed to rebuild tenant manager",
				zap.String("user_id", userID),
				zap.String("org_id", orgID),
				zap.Error(err))
		}
	}

	if len(victims) > 0 {
		p.logger.Info("Rebuilt organization managers",
			zap.String("org_id", orgID), zap.Int("managers", len(victims)))
	}
}

// RefreshServerInOrganizationManagers pushes one server's new config and
// token into every live manager of the organization. A server that no
// longer exists is removed from them instead.
func (p *Pool) RefreshServerInOrganizationManagers(ctx context.Context, orgID, serverID string) {
	if orgID == "" {
		return
	}

	p.mu.Lock()
	var managers []*Manager
	for _, entry := range p.managers {
		if entry.manager.OrgID() == orgID {
			managers = append(managers, entry.manager)
		}
	}
	p.mu.Unlock()

	for _, manager := range managers {
		data, err := p.data.GetServerData(ctx, manager.UserID(), orgID, serverID, "")
		if err != nil {
			p.logger.Warn("Failed to load server data for refresh",
				zap.String("server_id", serverID), zap.Error(err))
			continue
		}
		if data == nil || !data.Server.Enabled {
			if err := manager.RemoveClient(ctx, serverID); err != nil {
				p.logger.Debug("Server already absent from manager",
					zap.String("server_id", serverID))
			}
			continue
		}

		var token string
		if data.Token != nil {
			token = data.Token.AccessToken
		}
		if err := manager.RefreshClient(ctx, data.Server.Config(), token); err != nil {
			p.logger.Warn("Failed to refresh server in manager",
				zap.String("server_id", serverID), zap.Error(err))
		}
	}
}

// Shutdown stops the sweep and disconnects every tenant concurrently.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.managers))
	for _, entry := range p.managers {
		if entry.evictTimer != nil {
			entry.evictTimer.Stop()
		}
		entries = append(entries, entry)
	}
	p.managers = make(map[string]*poolEntry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			m.Cleanup(ctx)
		}(entry.manager)
	}
	wg.Wait()

	p.logger.Info("Manager pool shut down", zap.Int("managers", len(entries)))
}

// touchLocked marks tenant activity and pushes the eviction deadline out.
// Must be called with p.mu held.
func (p *Pool) touchLocked(key string, entry *poolEntry) {
	entry.lastAccessed = time.Now()
	p.scheduleEvictionLocked(key, entry)
}

// scheduleEvictionLocked (re)arms the entry's eviction timer. Must be called
// with p.mu held.
func (p *Pool) scheduleEvictionLocked(key string, entry *poolEntry) {
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
	}
	manager := entry.manager
	entry.evictTimer = time.AfterFunc(p.inactivity, func() {
		p.evict(key, manager)
	})
}

// evict removes the manager if it is still the one registered under key and
// really has been inactive for the full window. A touch that raced the
// timer rearms instead.
func (p *Pool) evict(key string, manager *Manager) {
	p.mu.Lock()
	entry, ok := p.managers[key]
	if !ok || entry.manager != manager {
		p.mu.Unlock()
		return
	}
	if time.Since(entry.lastAccessed) < p.inactivity {
		p.scheduleEvictionLocked(key, entry)
		p.mu.Unlock()
		return
	}
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
	}
	delete(p.managers, key)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Cleanup(ctx)

	p.logger.Info("Evicted inactive tenant manager", zap.String("tenant", key))
}

// remove drops a manager that failed to initialize.
func (p *Pool) remove(key string, manager *Manager) {
	p.mu.Lock()
	entry, ok := p.managers[key]
	if ok && entry.manager == manager {
		if entry.evictTimer != nil {
			entry.evictTimer.Stop()
		}
		delete(p.managers, key)
	}
	p.mu.Unlock()
}

// sweepLoop periodically scans for entries past their inactivity window.
// The per-entry timers normally get there first; the sweep is the backstop.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var stale []*poolEntry
	for key, entry := range p.managers {
		if time.Since(entry.lastAccessed) >= p.inactivity {
			if entry.evictTimer != nil {
				entry.evictTimer.Stop()
			}
			delete(p.managers, key)
			stale = append(stale, entry)
		}
	}
	p.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, entry := range stale {
		entry.manager.Cleanup(ctx)
	}
	p.logger.Info("Swept inactive tenant managers", zap.Int("evicted", len(stale)))
}
