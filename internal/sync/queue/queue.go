// Package queue provides the durable mutation queue backing offline writes.
// Every enqueue and dequeue is itself a store write, so the queue survives
// process restarts; the in-memory map is only a cache of the sync_queue
// collection.
package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ljchuang/vocalis/backend/internal/errors"
	"github.com/ljchuang/vocalis/backend/internal/logging"
	"github.com/ljchuang/vocalis/backend/internal/models"
	"github.com/ljchuang/vocalis/backend/internal/store"
)

// Queue is the durable FIFO of pending mutations.
type Queue struct {
	mu    sync.Mutex
	st    *store.Store
	items map[string]*models.QueueItem
}

// New creates a Queue over the given store. Call Load before first use to
// reconcile the in-memory cache with the persisted collection.
func New(st *store.Store) *Queue {
	return &Queue{
		st:    st,
		items: make(map[string]*models.QueueItem),
	}
}

// Load reads every persisted item into memory. The persisted collection is
// the source of truth after a restart.
func (q *Queue) Load() error {
	records, err := q.st.GetAll(store.CollectionSyncQueue)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*models.QueueItem, len(records))
	for _, rec := range records {
		var item models.QueueItem
		if err := json.Unmarshal(rec.Data, &item); err != nil {
			return errors.Wrap(errors.ErrStorage, "corrupt queue item "+rec.Key, err)
		}
		q.items[item.ID] = &item
	}

	logging.Info("Sync queue loaded", map[string]interface{}{"pending": len(q.items)})
	return nil
}

var itemSeq atomic.Uint64

// newItemID builds a time-ordered unique id: millisecond timestamp, a
// process-wide sequence so same-millisecond enqueues keep their order, and a
// random suffix so ids stay unique across restarts.
func newItemID(now time.Time) string {
	return fmt.Sprintf("%013d-%06d-%s", now.UnixMilli(), itemSeq.Add(1)%1000000, uuid.New().String()[:8])
}

// Enqueue appends a mutation, persisting it before returning.
func (q *Queue) Enqueue(mutationType string, payload json.RawMessage) (*models.QueueItem, error) {
	now := time.Now()
	item := &models.QueueItem{
		ID:         newItemID(now),
		Type:       mutationType,
		Payload:    payload,
		EnqueuedAt: now.UnixMilli(),
		Version:    1,
		Attempts:   0,
	}

	if err := q.persist(item); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.mu.Unlock()

	logging.Debug("Enqueued mutation",
		map[string]interface{}{"id": item.ID, "type": item.Type})
	return item, nil
}

// Dequeue removes an item from memory and durable storage. It must only be
// called after confirmed successful remote delivery (or a deliberate drop).
func (q *Queue) Dequeue(id string) error {
	if err := q.st.Delete(store.CollectionSyncQueue, id); err != nil {
		return err
	}

	q.mu.Lock()
	delete(q.items, id)
	q.mu.Unlock()
	return nil
}

// Update persists a mutated item (attempts bookkeeping) back to the store.
func (q *Queue) Update(item *models.QueueItem) error {
	if err := q.persist(item); err != nil {
		return err
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.mu.Unlock()
	return nil
}

func (q *Queue) persist(item *models.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to marshal queue item", err)
	}
	rec := &models.Record{Key: item.ID, Data: data}
	return q.st.Put(store.CollectionSyncQueue, rec)
}

// PeekAll returns copies of every queued item sorted by enqueue time
// ascending. This order defines processing order for a sync pass.
func (q *Queue) PeekAll() []*models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		copied := *item
		items = append(items, &copied)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].EnqueuedAt != items[j].EnqueuedAt {
			return items[i].EnqueuedAt < items[j].EnqueuedAt
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// Contains reports whether an item is still queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MaxAttempts returns the highest attempts count across pending items, used
// to size the retry backoff after a failing pass.
func (q *Queue) MaxAttempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	max := 0
	for _, item := range q.items {
		if item.Attempts > max {
			max = item.Attempts
		}
	}
	return max
}
