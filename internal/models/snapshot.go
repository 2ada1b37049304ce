package models

import "time"

// SnapshotVersion is the current backup format version.
const SnapshotVersion = 1

// Snapshot is a full export of every collection, used for backup/restore and
// factory reset. A collection absent from Stores means "nothing to import for
// that collection", not an error.
type Snapshot struct {
	Version   int                 `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
	Stores    map[string][]Record `json:"stores"`
}
