package resolver

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	_ "github.com/mattn/go-sqlite3"
)

// KeyValueStore persists cache entries across engine restarts.
type KeyValueStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	// Iterate calls fn for every entry until fn returns false.
	Iterate(fn func(key, value string) bool) error
	Close() error
}

// MemoryStore is an in-process KeyValueStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Iterate(fn func(key, value string) bool) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	snapshot := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, snapshot[k]) {
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// SQLiteStore is a KeyValueStore backed by a SQLite database. Several
// namespaces can share one file.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
}

// OpenSQLiteStore opens (or creates) the database at dbPath.
func OpenSQLiteStore(dbPath, namespace string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv_store (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, key)
	)`); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Opened key-value store %s (namespace %s)", dbPath, namespace)
	return &SQLiteStore{db: db, namespace: namespace}, nil
}

func closeDB(db *sql.DB) {
	if closeErr := db.Close(); closeErr != nil {
		logger.Error("Error closing SQLite database: %v", closeErr)
	}
}

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE namespace = ? AND key = ?`, s.namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv_store (namespace, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		s.namespace, key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv_store WHERE namespace = ? AND key = ?`, s.namespace, key); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Iterate(fn func(key, value string) bool) error {
	rows, err := s.db.Query(`SELECT key, value FROM kv_store WHERE namespace = ? ORDER BY key`, s.namespace)
	if err != nil {
		return fmt.Errorf("failed to iterate store: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing rows: %v", closeErr)
		}
	}()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan entry: %w", err)
		}
		if !fn(key, value) {
			return nil
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
