package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/ljchuang/vocalis/backend/internal/errors"
)

// migrationDef is one versioned schema step. Definitions are embedded rather
// than read from a directory so the store needs no files beside the database.
type migrationDef struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

var migrationDefs = []migrationDef{
	{
		Version:     1,
		Description: "initial_schema",
		UpSQL: `
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL CHECK(length(collection) > 0),
			key TEXT NOT NULL CHECK(length(key) > 0),
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, key)
		);
		CREATE INDEX IF NOT EXISTS idx_records_collection_created ON records(collection, created_at);
		CREATE TABLE IF NOT EXISTS collection_counters (
			collection TEXT PRIMARY KEY,
			next_key INTEGER NOT NULL CHECK(next_key > 0)
		);`,
		DownSQL: `
		DROP INDEX IF EXISTS idx_records_collection_created;
		DROP TABLE IF EXISTS collection_counters;
		DROP TABLE IF EXISTS records;`,
	},
}

// Migration represents an applied database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies the embedded schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	if _, err := m.db.Exec(query); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to initialize migrations table", err)
	}
	return nil
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, errors.Wrap(errors.ErrMigration, "failed to read schema version", err)
	}
	return version, nil
}

// AppliedMigrations returns all applied migrations.
func (m *Migrator) AppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "failed to list migrations", err)
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, errors.Wrap(errors.ErrMigration, "failed to scan migration", err)
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Up applies all pending migrations in version order.
func (m *Migrator) Up() error {
	applied, err := m.AppliedMigrations()
	if err != nil {
		return err
	}
	appliedVersions := make(map[int]bool, len(applied))
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	for _, def := range migrationDefs {
		if appliedVersions[def.Version] {
			continue
		}
		if err := m.apply(def); err != nil {
			return errors.Wrap(errors.ErrMigration, "failed to apply migration", err)
		}
	}
	return nil
}

// apply runs a single migration and records it, atomically.
func (m *Migrator) apply(def migrationDef) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(def.UpSQL); err != nil {
		return err
	}

	hash := sha256.Sum256([]byte(def.UpSQL))
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, def.Version, time.Now().Unix(), def.Description, hex.EncodeToString(hash[:])); err != nil {
		return err
	}
	return tx.Commit()
}

// Down rolls back the last applied migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New(errors.ErrMigration, "no migrations to rollback")
	}

	var def *migrationDef
	for i := range migrationDefs {
		if migrationDefs[i].Version == current {
			def = &migrationDefs[i]
			break
		}
	}
	if def == nil {
		return errors.Newf(errors.ErrMigration, "no rollback defined for version %d", current)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to begin rollback", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(def.DownSQL); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to execute rollback", err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to remove migration record", err)
	}
	return tx.Commit()
}

// Migrate opens the migrations table and brings the schema up to date.
func (s *Store) Migrate() error {
	m := NewMigrator(s.db)
	if err := m.Initialize(); err != nil {
		return err
	}
	return m.Up()
}
