package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
)

// ErrServerNotFound is returned when a server id has no durable record.
var ErrServerNotFound = fmt.Errorf("server not found")

// Manager provides a unified interface for storage operations
type Manager struct {
	db     *BoltDB
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

// NewManager creates a new storage manager
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the storage manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// DB returns the underlying bbolt database for direct access
func (m *Manager) DB() *bbolt.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.db != nil {
		return m.db.DB()
	}
	return nil
}

// Server operations

// SaveServer persists a server record, assigning an id and timestamps for new
// records. The stored record is returned.
func (m *Manager) SaveServer(record *ServerRecord) (*ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if record.ID == "" {
		record.ID = uuid.NewString()
		record.Created = now
	}
	if record.Created.IsZero() {
		record.Created = now
	}
	record.Updated = now
	if record.CredentialType == "" {
		record.CredentialType = config.CredentialPersonal
	}

	err := m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ServersBucket))
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal server record: %w", err)
		}
		return bucket.Put([]byte(record.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetServer retrieves a server record by id. Returns ErrServerNotFound when
// the id has never been saved or was deleted.
func (m *Manager) GetServer(id string) (*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var record *ServerRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ServersBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrServerNotFound
		}
		record = &ServerRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListServers returns all server records belonging to one tenant, sorted by
// name for stable output.
func (m *Manager) ListServers(userID, orgID string) ([]*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*ServerRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ServersBucket))
		return bucket.ForEach(func(_, v []byte) error {
			var record ServerRecord
			if err := json.Unmarshal(v, &record); err != nil {
				m.logger.Warnw("Skipping unreadable server record", "error", err)
				return nil
			}
			if record.VisibleTo(userID, orgID) {
				records = append(records, &record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// DeleteServer removes a server record by id. Deleting an unknown id is a
// no-op.
func (m *Manager) DeleteServer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ServersBucket))
		return bucket.Delete([]byte(id))
	})
}

// Token operations

// SaveToken persists a token record, assigning an id and timestamps for new
// records.
func (m *Manager) SaveToken(record *TokenRecord) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if record.ID == "" {
		record.ID = uuid.NewString()
		record.Created = now
	}
	if record.Created.IsZero() {
		record.Created = now
	}
	record.Updated = now
	if record.CredentialType == "" {
		record.CredentialType = config.CredentialPersonal
	}

	err := m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TokensBucket))
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal token record: %w", err)
		}
		return bucket.Put([]byte(record.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// NewestToken returns the most recently updated token usable by the tenant
// for the given server, or nil when none exists. A non-empty credentialType
// narrows the match.
func (m *Manager) NewestToken(serverID, userID, orgID string, credentialType config.CredentialType) (*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *TokenRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TokensBucket))
		return bucket.ForEach(func(_, v []byte) error {
			var record TokenRecord
			if err := json.Unmarshal(v, &record); err != nil {
				m.logger.Warnw("Skipping unreadable token record", "error", err)
				return nil
			}
			if record.ServerID != serverID {
				return nil
			}
			if credentialType != "" && record.CredentialType != credentialType {
				return nil
			}
			if !record.matchesTenant(userID, orgID) {
				return nil
			}
			if newest == nil || record.Updated.After(newest.Updated) {
				copied := record
				newest = &copied
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return newest, nil
}

// DeleteTokensByServer removes every token for the (server, tenant) pair. A
// non-empty credentialType narrows the deletion to that credential scope.
func (m *Manager) DeleteTokensByServer(serverID, userID, orgID string, credentialType config.CredentialType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TokensBucket))

		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var record TokenRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return nil
			}
			if record.ServerID != serverID {
				return nil
			}
			if credentialType != "" && record.CredentialType != credentialType {
				return nil
			}
			if !record.matchesTenant(userID, orgID) {
				return nil
			}
			key := make([]byte, len(k))
			copy(key, k)
			stale = append(stale, key)
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("delete token record: %w", err)
			}
		}
		return nil
	})
}
