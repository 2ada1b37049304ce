package models

// SyncMetadataKey is the key of the singleton metadata record inside the
// sync_metadata collection.
const SyncMetadataKey = "metadata"

// SyncMetadata is the singleton bookkeeping record mutated by the sync
// manager after each pass. UI code reads it for display only.
type SyncMetadata struct {
	LastSyncTime int64 `db:"last_sync_time" json:"last_sync_time"` // unix milliseconds, 0 = never
	TotalSynced  int   `db:"total_synced" json:"total_synced"`
	FailedCount  int   `db:"failed_count" json:"failed_count"`
}

// CollectionName returns the store collection holding the metadata singleton.
func (SyncMetadata) CollectionName() string {
	return "sync_metadata"
}
