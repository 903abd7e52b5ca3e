package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// CacheBucket holds all generic cache entries.
	CacheBucket = "cache"
	// CleanupInterval is how often expired entries are swept from disk.
	CleanupInterval = 10 * time.Minute
)

// Store is a best-effort TTL key-value store. Implementations may lose data
// at any time; callers must treat every error as a cache miss.
type Store interface {
	// Get unmarshals the entry under key into v and reports whether a live
	// entry was found.
	Get(key string, v any) (bool, error)
	// Set stores v under key for ttl. A non-positive ttl stores nothing.
	Set(key string, v any, ttl time.Duration) error
	// Delete removes the entry under key; missing keys are a no-op.
	Delete(key string) error
}

// envelope wraps a cached payload with its expiry.
type envelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Payload   json.RawMessage `json:"payload"`
}

func (e *envelope) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// BoltStore is a bbolt-backed Store with periodic cleanup of expired entries.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
	stopCh chan struct{}
}

// NewBoltStore creates a bolt-backed cache store on the given database and
// starts its background cleanup loop.
func NewBoltStore(db *bbolt.DB, logger *zap.Logger) (*BoltStore, error) {
	store := &BoltStore{
		db:     db,
		logger: logger.Named("cache"),
		stopCh: make(chan struct{}),
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(CacheBucket)); err != nil {
			return fmt.Errorf("create cache bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	go store.startCleanup()

	return store, nil
}

// Get retrieves a live entry; expired entries are deleted on read.
func (s *BoltStore) Get(key string, v any) (bool, error) {
	var payload json.RawMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CacheBucket))
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Unreadable entries are dropped rather than surfaced.
			return bucket.Delete([]byte(key))
		}
		if env.expired(time.Now()) {
			return bucket.Delete([]byte(key))
		}
		payload = env.Payload
		return nil
	})
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("unmarshal cache entry %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key for ttl.
func (s *BoltStore) Set(key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache entry %s: %w", key, err)
	}
	data, err := json.Marshal(&envelope{
		ExpiresAt: time.Now().Add(ttl),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal cache envelope %s: %w", key, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(CacheBucket)).Put([]byte(key), data)
	})
}

// Delete removes the entry under key.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(CacheBucket)).Delete([]byte(key))
	})
}

// Close stops the background cleanup loop.
func (s *BoltStore) Close() {
	close(s.stopCh)
}

// startCleanup runs periodic cleanup of expired cache entries
func (s *BoltStore) startCleanup() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.cleanup(); err != nil {
				s.logger.Error("Cache cleanup failed", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired cache entries
func (s *BoltStore) cleanup() error {
	now := time.Now()
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CacheBucket))

		var stale [][]byte
		cursor := bucket.Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			var env envelope
			if err := json.Unmarshal(value, &env); err != nil || env.expired(now) {
				copied := make([]byte, len(key))
				copy(copied, key)
				stale = append(stale, copied)
			}
		}

		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("delete expired key: %w", err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if removed > 0 {
		s.logger.Debug("Cache cleanup completed", zap.Int("expired_entries", removed))
	}
	return nil
}

// MemoryStore is an in-process Store used by tests and single-node setups
// that do not want cache entries on disk.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	expiresAt time.Time
	payload   []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Get retrieves a live entry.
func (s *MemoryStore) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, v); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores v under key for ttl.
func (s *MemoryStore) Set(key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{expiresAt: time.Now().Add(ttl), payload: payload}
	s.mu.Unlock()
	return nil
}

// Delete removes the entry under key.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len reports how many entries are held, including not-yet-swept expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
