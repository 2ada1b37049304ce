// Package store provides the embedded persistent store: named collections of
// opaque JSON records over SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ljchuang/vocalis/backend/internal/errors"
	"github.com/ljchuang/vocalis/backend/internal/models"
)

// Collection names known to the engine. The store refuses operations on
// anything else so a typo cannot silently create a partition.
const (
	CollectionSettings     = "settings"
	CollectionProfiles     = "profiles"
	CollectionJournals     = "journals"
	CollectionRecordings   = "recordings"
	CollectionSyncQueue    = "sync_queue"
	CollectionSyncMetadata = "sync_metadata"
)

// Collections lists every known collection in export order.
var Collections = []string{
	CollectionSettings,
	CollectionProfiles,
	CollectionJournals,
	CollectionRecordings,
	CollectionSyncQueue,
	CollectionSyncMetadata,
}

// autoIncrement marks collections whose Add assigns store-generated integer keys.
var autoIncrement = map[string]bool{
	CollectionJournals:   true,
	CollectionRecordings: true,
}

// Store is the embedded persistent store. Every operation is its own atomic
// transaction; there are no cross-collection transactions.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the store database under dataDir with WAL mode and foreign keys
// enabled, creating the directory if needed.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "vocalis.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to open database", err)
	}

	// SQLite supports a single writer; the store serializes writes through
	// one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorage, "failed to enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorage, "failed to enable foreign keys", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// DB exposes the underlying handle for the migrator and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func validateCollection(collection string) error {
	for _, c := range Collections {
		if c == collection {
			return nil
		}
	}
	return errors.Newf(errors.ErrInvalid, "unknown collection: %s", collection)
}

// Get retrieves a record by key. Absent records yield a NOT_FOUND error.
func (s *Store) Get(collection, key string) (*models.Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	query := `SELECT key, data, created_at, updated_at FROM records WHERE collection = ? AND key = ?`
	var rec models.Record
	err := s.db.QueryRow(query, collection, key).Scan(&rec.Key, &rec.Data, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "record %s/%s not found", collection, key)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read record", err)
	}
	return &rec, nil
}

// GetAll returns every record of a collection in insertion order. Callers
// needing a different order sort on a field of their own payload.
func (s *Store) GetAll(collection string) ([]models.Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	query := `SELECT key, data, created_at, updated_at FROM records WHERE collection = ? ORDER BY created_at, key`
	rows, err := s.db.Query(query, collection)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to query collection", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var rec models.Record
		if err := rows.Scan(&rec.Key, &rec.Data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to iterate collection", err)
	}
	return records, nil
}

// Put upserts a record by key.
func (s *Store) Put(collection string, rec *models.Record) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if rec.Key == "" {
		return errors.New(errors.ErrInvalid, "record key must not be empty")
	}

	now := time.Now().UnixMilli()
	createdAt := rec.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	query := `
	INSERT INTO records (collection, key, data, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, collection, rec.Key, []byte(rec.Data), createdAt, now); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to put record", err)
	}
	rec.CreatedAt = createdAt
	rec.UpdatedAt = now
	return nil
}

// Add inserts a new record. On auto-increment collections an empty key is
// replaced by the next store-assigned integer key; on every collection an
// existing key yields a CONSTRAINT_VIOLATION.
func (s *Store) Add(collection string, rec *models.Record) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if rec.Key == "" && !autoIncrement[collection] {
		return errors.Newf(errors.ErrInvalid, "collection %s requires an explicit key", collection)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if rec.Key == "" {
		next, err := nextKey(tx, collection)
		if err != nil {
			return err
		}
		rec.Key = strconv.FormatInt(next, 10)
	}

	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM records WHERE collection = ? AND key = ?)`
	if err := tx.QueryRow(query, collection, rec.Key).Scan(&exists); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to check key", err)
	}
	if exists {
		return errors.Newf(errors.ErrConstraint, "key %s already exists in %s", rec.Key, collection)
	}

	now := time.Now().UnixMilli()
	insert := `INSERT INTO records (collection, key, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.Exec(insert, collection, rec.Key, []byte(rec.Data), now, now); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to insert record", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to commit insert", err)
	}

	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// nextKey reserves the next auto-increment key for a collection inside tx.
func nextKey(tx *sql.Tx, collection string) (int64, error) {
	var next int64
	err := tx.QueryRow(`SELECT next_key FROM collection_counters WHERE collection = ?`, collection).Scan(&next)
	if err == sql.ErrNoRows {
		next = 1
		if _, err := tx.Exec(`INSERT INTO collection_counters (collection, next_key) VALUES (?, ?)`, collection, next+1); err != nil {
			return 0, errors.Wrap(errors.ErrStorage, "failed to create counter", err)
		}
		return next, nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to read counter", err)
	}
	if _, err := tx.Exec(`UPDATE collection_counters SET next_key = ? WHERE collection = ?`, next+1, collection); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to advance counter", err)
	}
	return next, nil
}

// Delete removes a record by key. Deleting an absent key is not an error.
func (s *Store) Delete(collection, key string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete record", err)
	}
	return nil
}

// Clear removes every record of a collection and resets its counter.
func (s *Store) Clear(collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to clear collection", err)
	}
	if _, err := tx.Exec(`DELETE FROM collection_counters WHERE collection = ?`, collection); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to reset counter", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to commit clear", err)
	}
	return nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(collection string) (int, error) {
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count collection", err)
	}
	return n, nil
}

// FactoryReset clears every known collection. Any cache the application keeps
// outside the store is the caller's responsibility to clear.
func (s *Store) FactoryReset() error {
	for _, collection := range Collections {
		if err := s.Clear(collection); err != nil {
			return fmt.Errorf("factory reset failed on %s: %w", collection, err)
		}
	}
	return nil
}
