package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ljchuang/vocalis/backend/internal/connectivity"
	"github.com/ljchuang/vocalis/backend/internal/errors"
	"github.com/ljchuang/vocalis/backend/internal/logging"
	"github.com/ljchuang/vocalis/backend/internal/models"
	"github.com/ljchuang/vocalis/backend/internal/store"
	"github.com/ljchuang/vocalis/backend/internal/sync/conflict"
	"github.com/ljchuang/vocalis/backend/internal/sync/queue"
)

// Options tunes the retry policy of a Manager.
type Options struct {
	MaxRetries int           // drop an item after this many failed sends
	BaseDelay  time.Duration // backoff for the first retry
	MaxDelay   time.Duration // backoff ceiling
}

// DefaultOptions returns the retry policy used when Options is zero.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   time.Minute,
	}
}

// Status is the externally visible state of the engine, published to
// subscribers on every change.
type Status struct {
	IsOnline     bool  `json:"is_online"`
	IsSyncing    bool  `json:"is_syncing"`
	PendingCount int   `json:"pending_count"`
	LastSyncTime int64 `json:"last_sync_time"`
	TotalSynced  int   `json:"total_synced"`
	FailedCount  int   `json:"failed_count"`
	IsReady      bool  `json:"is_ready"`
}

// Manager owns the sync loop: it drains the durable queue against the remote
// transport one item at a time, in enqueue order, with bounded exponential
// backoff between failing passes. Exactly one pass runs at a time.
type Manager struct {
	st        *store.Store
	queue     *queue.Queue
	resolver  *conflict.Resolver
	transport Transport
	monitor   *connectivity.Monitor
	opts      Options

	mu         sync.Mutex
	meta       models.SyncMetadata
	syncing    bool
	ready      bool
	closed     bool
	retryTimer *time.Timer
	subs       map[int]func(Status)
	nextSub    int

	unsubscribeMonitor func()
	registry           map[string]Mutation
}

// Mutation describes a known mutation type: an optional payload validator and
// an optional conflict strategy, both resolved at push time.
type Mutation struct {
	Type     string
	Validate func(payload json.RawMessage) error
	Strategy conflict.Strategy
}

// NewManager wires a Manager over its collaborators. Call Init before use and
// Close on shutdown.
func NewManager(st *store.Store, transport Transport, monitor *connectivity.Monitor, opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts = DefaultOptions()
	}
	return &Manager{
		st:        st,
		queue:     queue.New(st),
		resolver:  conflict.NewResolver(),
		transport: transport,
		monitor:   monitor,
		opts:      opts,
		subs:      make(map[int]func(Status)),
		registry:  make(map[string]Mutation),
	}
}

// RegisterMutation declares a mutation type before any Push of that type.
// Unregistered types are accepted with the default conflict policy.
func (m *Manager) RegisterMutation(def Mutation) {
	m.mu.Lock()
	m.registry[def.Type] = def
	m.mu.Unlock()

	if def.Strategy != nil {
		m.resolver.Register(def.Type, def.Strategy)
	}
}

// Init reconciles the in-memory queue with the persisted collection, loads
// sync metadata and hooks connectivity transitions. Offline→online triggers
// an immediate sync attempt.
func (m *Manager) Init() error {
	if err := m.queue.Load(); err != nil {
		return err
	}
	if err := m.loadMetadata(); err != nil {
		return err
	}

	m.unsubscribeMonitor = m.monitor.Subscribe(func(online bool) {
		if online {
			go m.Sync(context.Background())
		} else {
			m.publish()
		}
	})

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.publish()

	logging.Info("Sync manager ready",
		map[string]interface{}{"pending": m.queue.Len(), "total_synced": m.meta.TotalSynced})
	return nil
}

// Close cancels any scheduled retry and detaches from the connectivity
// monitor. In-flight passes finish; no new pass starts.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	if m.unsubscribeMonitor != nil {
		m.unsubscribeMonitor()
	}
}

// Push enqueues a mutation and opportunistically starts a sync pass when
// online. The enqueue is durable before Push returns.
func (m *Manager) Push(mutationType string, payload json.RawMessage) (*models.QueueItem, error) {
	m.mu.Lock()
	def, known := m.registry[mutationType]
	m.mu.Unlock()

	if known && def.Validate != nil {
		if err := def.Validate(payload); err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "invalid payload for "+mutationType, err)
		}
	}

	item, err := m.queue.Enqueue(mutationType, payload)
	if err != nil {
		return nil, err
	}
	m.publish()

	if m.monitor.IsOnline() {
		go m.Sync(context.Background())
	}
	return item, nil
}

// Sync runs one pass over the queue. It returns false without doing anything
// when offline, already syncing, closed or the queue is empty.
func (m *Manager) Sync(ctx context.Context) bool {
	_, ran := m.syncPass(ctx)
	return ran
}

// ForceSyncNow fails fast when offline, otherwise cancels any scheduled
// retry, runs a pass and reports whether any item was delivered. It does not
// pre-empt a pass already running.
func (m *Manager) ForceSyncNow(ctx context.Context) bool {
	if !m.monitor.IsOnline() {
		return false
	}

	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	succeeded, _ := m.syncPass(ctx)
	return succeeded > 0
}

// syncPass drains a snapshot of the queue, one item at a time, in enqueue
// order. It returns how many items were delivered and whether the pass ran.
func (m *Manager) syncPass(ctx context.Context) (int, bool) {
	if !m.monitor.IsOnline() {
		return 0, false
	}

	m.mu.Lock()
	if m.syncing || m.closed || m.queue.Len() == 0 {
		m.mu.Unlock()
		return 0, false
	}
	m.syncing = true
	m.mu.Unlock()
	m.publish()

	// Snapshot: pushes arriving mid-pass are picked up by the next pass.
	items := m.queue.PeekAll()
	synced := 0
	dropped := 0

	for _, item := range items {
		select {
		case <-ctx.Done():
			logging.Warn("Sync pass interrupted", map[string]interface{}{"remaining": m.queue.Len()})
			goto done
		default:
		}

		if m.sendOne(ctx, item) {
			synced++
		} else if !m.queue.Contains(item.ID) {
			dropped++
		}
	}

done:
	m.mu.Lock()
	if synced > 0 {
		m.meta.LastSyncTime = time.Now().UnixMilli()
	}
	m.meta.TotalSynced += synced
	m.meta.FailedCount += dropped
	meta := m.meta
	m.syncing = false
	m.mu.Unlock()

	if err := m.persistMetadata(meta); err != nil {
		logging.Error("Failed to persist sync metadata", err, nil)
	}
	m.publish()

	if m.queue.Len() > 0 {
		m.scheduleRetry()
	}

	logging.Info("Sync pass completed",
		map[string]interface{}{"synced": synced, "dropped": dropped, "pending": m.queue.Len()})
	return synced, true
}

// sendOne delivers a single item. It returns true when the item counts as
// delivered (success or handled conflict). On failure the item's attempts
// counter is advanced and, past the retry ceiling, the item is dropped.
func (m *Manager) sendOne(ctx context.Context, item *models.QueueItem) bool {
	err := m.transport.Send(ctx, item)
	if err == nil {
		if derr := m.queue.Dequeue(item.ID); derr != nil {
			logging.Error("Failed to dequeue delivered item", derr,
				map[string]interface{}{"id": item.ID})
		}
		return true
	}

	if ce, ok := asConflict(err); ok {
		res, rerr := m.resolver.Resolve(item, ce.ServerState)
		if rerr == nil && res.Handled {
			if derr := m.queue.Dequeue(item.ID); derr != nil {
				logging.Error("Failed to dequeue resolved item", derr,
					map[string]interface{}{"id": item.ID})
			}
			return true
		}
		err = errors.Wrap(errors.ErrSyncConflict, "conflict resolution requested retry", rerr)
	}

	// Transient failure: network error, non-2xx, or unresolved conflict.
	item.Attempts++
	if item.Attempts >= m.opts.MaxRetries {
		logging.Error("Dropping unrecoverable queue item",
			errors.Wrap(errors.ErrRetryExceeded, "retry ceiling reached", err),
			map[string]interface{}{"id": item.ID, "type": item.Type, "attempts": item.Attempts})
		if derr := m.queue.Dequeue(item.ID); derr != nil {
			logging.Error("Failed to drop queue item", derr,
				map[string]interface{}{"id": item.ID})
		}
		return false
	}

	if uerr := m.queue.Update(item); uerr != nil {
		logging.Error("Failed to persist retry bookkeeping", uerr,
			map[string]interface{}{"id": item.ID})
	}
	logging.Warn("Send failed, item kept for retry",
		map[string]interface{}{"id": item.ID, "attempts": item.Attempts, "error": err.Error()})
	return false
}

func asConflict(err error) (*ConflictError, bool) {
	for err != nil {
		if ce, ok := err.(*ConflictError); ok {
			return ce, true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// scheduleRetry arms the backoff timer from the slowest-failing remaining
// item, so a burst of fresh failures cannot retry faster than it warrants.
func (m *Manager) scheduleRetry() {
	delay := ComputeBackoff(m.queue.MaxAttempts(), m.opts.BaseDelay, m.opts.MaxDelay)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() {
		m.Sync(context.Background())
	})

	logging.Debug("Retry scheduled", map[string]interface{}{"delay": delay.String()})
}

// ComputeBackoff returns min(base * 2^(attempts-1), max). Zero attempts means
// no failure happened yet and yields the base delay.
func ComputeBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// GetStatus returns the current status snapshot.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		IsOnline:     m.monitor.IsOnline(),
		IsSyncing:    m.syncing,
		PendingCount: m.queue.Len(),
		LastSyncTime: m.meta.LastSyncTime,
		TotalSynced:  m.meta.TotalSynced,
		FailedCount:  m.meta.FailedCount,
		IsReady:      m.ready,
	}
}

// Subscribe registers a status callback and returns an unsubscribe function.
// The callback fires on every state change with a status snapshot.
func (m *Manager) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// publish pushes the current status to every subscriber, outside the lock.
func (m *Manager) publish() {
	m.mu.Lock()
	status := m.statusLocked()
	subs := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

func (m *Manager) loadMetadata() error {
	rec, err := m.st.Get(store.CollectionSyncMetadata, models.SyncMetadataKey)
	if errors.Is(err, errors.ErrNotFound) {
		return nil // first run, zero metadata
	}
	if err != nil {
		return err
	}

	var meta models.SyncMetadata
	if err := json.Unmarshal(rec.Data, &meta); err != nil {
		return errors.Wrap(errors.ErrStorage, "corrupt sync metadata", err)
	}

	m.mu.Lock()
	m.meta = meta
	m.mu.Unlock()
	return nil
}

func (m *Manager) persistMetadata(meta models.SyncMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to marshal sync metadata", err)
	}
	rec := &models.Record{Key: models.SyncMetadataKey, Data: data}
	return m.st.Put(store.CollectionSyncMetadata, rec)
}
