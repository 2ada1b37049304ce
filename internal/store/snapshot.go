package store

import (
	"encoding/json"
	"time"

	"github.com/ljchuang/vocalis/backend/internal/errors"
	"github.com/ljchuang/vocalis/backend/internal/logging"
	"github.com/ljchuang/vocalis/backend/internal/models"
)

// ExportAll produces a snapshot of every known collection. A collection that
// fails to read exports as empty with a warning; a partial backup beats no
// backup.
func (s *Store) ExportAll() *models.Snapshot {
	snapshot := &models.Snapshot{
		Version:   models.SnapshotVersion,
		Timestamp: time.Now().UTC(),
		Stores:    make(map[string][]models.Record, len(Collections)),
	}

	for _, collection := range Collections {
		records, err := s.GetAll(collection)
		if err != nil {
			logging.Warn("Export skipped unreadable collection",
				map[string]interface{}{"collection": collection, "error": err.Error()})
			snapshot.Stores[collection] = []models.Record{}
			continue
		}
		if records == nil {
			records = []models.Record{}
		}
		snapshot.Stores[collection] = records
	}

	return snapshot
}

// ParseSnapshot validates raw snapshot JSON before anything is mutated. Every
// present collection value must be an array of records; anything else is a
// FORMAT_ERROR.
func ParseSnapshot(data []byte) (*models.Snapshot, error) {
	var raw struct {
		Version   int                        `json:"version"`
		Timestamp time.Time                  `json:"timestamp"`
		Stores    map[string]json.RawMessage `json:"stores"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrFormat, "snapshot is not valid JSON", err)
	}
	if raw.Version != models.SnapshotVersion {
		return nil, errors.Newf(errors.ErrFormat, "unsupported snapshot version %d", raw.Version)
	}
	if raw.Stores == nil {
		return nil, errors.New(errors.ErrFormat, "snapshot has no stores object")
	}

	snapshot := &models.Snapshot{
		Version:   raw.Version,
		Timestamp: raw.Timestamp,
		Stores:    make(map[string][]models.Record, len(raw.Stores)),
	}
	for collection, value := range raw.Stores {
		var records []models.Record
		if err := json.Unmarshal(value, &records); err != nil {
			return nil, errors.Wrap(errors.ErrFormat,
				"collection "+collection+" is not an array of records", err)
		}
		snapshot.Stores[collection] = records
	}
	return snapshot, nil
}

// ImportAll replaces collection contents with the snapshot's. Phase 1
// validates every collection before any write; phase 2 clears and repopulates
// collection by collection. A phase-2 failure leaves collections imported
// before it overwritten; there is no rollback across collections.
func (s *Store) ImportAll(snapshot *models.Snapshot) error {
	if snapshot == nil {
		return errors.New(errors.ErrFormat, "snapshot must not be nil")
	}
	if snapshot.Version != models.SnapshotVersion {
		return errors.Newf(errors.ErrFormat, "unsupported snapshot version %d", snapshot.Version)
	}

	// Phase 1: validate everything up front. Unknown collections and missing
	// keys must be caught before the first destructive clear.
	for collection, records := range snapshot.Stores {
		if err := validateCollection(collection); err != nil {
			return errors.Newf(errors.ErrFormat, "snapshot names unknown collection %s", collection)
		}
		for i, rec := range records {
			if rec.Key == "" {
				return errors.Newf(errors.ErrFormat,
					"collection %s record %d has no key", collection, i)
			}
		}
	}

	// Phase 2: clear and repopulate, in the engine's canonical order so
	// imports are deterministic.
	for _, collection := range Collections {
		records, ok := snapshot.Stores[collection]
		if !ok {
			// Absent collection: nothing to import, existing data stays.
			continue
		}
		if err := s.Clear(collection); err != nil {
			return errors.Wrap(errors.ErrImportFailed, "failed to clear "+collection, err)
		}
		for i := range records {
			rec := records[i]
			if err := s.Put(collection, &rec); err != nil {
				return errors.Wrap(errors.ErrImportFailed,
					"failed to import record into "+collection, err)
			}
		}
		logging.Debug("Imported collection",
			map[string]interface{}{"collection": collection, "records": len(records)})
	}

	logging.Info("Snapshot import completed",
		map[string]interface{}{"collections": len(snapshot.Stores)})
	return nil
}
