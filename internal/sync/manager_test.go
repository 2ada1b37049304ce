package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/ljchuang/vocalis/backend/internal/connectivity"
	"github.com/ljchuang/vocalis/backend/internal/errors"
	"github.com/ljchuang/vocalis/backend/internal/models"
	"github.com/ljchuang/vocalis/backend/internal/store"
	"github.com/ljchuang/vocalis/backend/internal/sync/conflict"
)

// fakeTransport is a scriptable Transport: while sendErr is set every Send
// fails with it, otherwise the item is recorded as delivered.
type fakeTransport struct {
	mu        sync.Mutex
	sendErr   error
	blockCh   chan struct{}
	delivered []string
}

func (f *fakeTransport) Send(ctx context.Context, item *models.QueueItem) error {
	f.mu.Lock()
	block := f.blockCh
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.delivered = append(f.delivered, item.ID)
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func newSyncTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return st
}

func newTestManager(t *testing.T, st *store.Store, transport Transport, online bool) (*Manager, *connectivity.Monitor) {
	t.Helper()
	monitor := connectivity.NewMonitor(online)
	manager := NewManager(st, transport, monitor, Options{
		MaxRetries: 3,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
	})
	if err := manager.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(manager.Close)
	return manager, monitor
}

// waitFor polls a condition; pushes and connectivity edges sync on background
// goroutines, so assertions about their outcome have to wait.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManager_DrainsInEnqueueOrder(t *testing.T) {
	st := newSyncTestStore(t)
	transport := &fakeTransport{}
	manager, _ := newTestManager(t, st, transport, false)

	var ids []string
	for i := 0; i < 3; i++ {
		item, err := manager.Push("journal.create", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		ids = append(ids, item.ID)
	}
	if got := manager.GetStatus().PendingCount; got != 3 {
		t.Fatalf("PendingCount = %d while offline, want 3", got)
	}

	if manager.Sync(context.Background()) {
		t.Fatal("Sync() ran while offline")
	}

	manager.monitor.SetOnline(true)
	waitFor(t, func() bool { return manager.GetStatus().PendingCount == 0 })

	got := transport.deliveredIDs()
	if len(got) != len(ids) {
		t.Fatalf("delivered %d items, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("delivery order[%d] = %s, want %s", i, got[i], ids[i])
		}
	}

	status := manager.GetStatus()
	if status.TotalSynced != 3 {
		t.Errorf("TotalSynced = %d, want 3", status.TotalSynced)
	}
	if status.FailedCount != 0 {
		t.Errorf("FailedCount = %d, want 0", status.FailedCount)
	}
	if status.LastSyncTime == 0 {
		t.Error("LastSyncTime should be set after a successful pass")
	}
}

func TestManager_OfflinePassIsNoOp(t *testing.T) {
	st := newSyncTestStore(t)
	transport := &fakeTransport{}
	manager, _ := newTestManager(t, st, transport, false)

	if _, err := manager.Push("journal.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if manager.Sync(context.Background()) {
		t.Error("Sync() ran while offline")
	}
	if manager.ForceSyncNow(context.Background()) {
		t.Error("ForceSyncNow() reported success while offline")
	}
	if len(transport.deliveredIDs()) != 0 {
		t.Error("transport was called while offline")
	}
	if got := manager.GetStatus().PendingCount; got != 1 {
		t.Errorf("PendingCount = %d, want the item kept", got)
	}
}

func TestManager_EmptyQueuePassIsNoOp(t *testing.T) {
	st := newSyncTestStore(t)
	manager, _ := newTestManager(t, st, &fakeTransport{}, true)

	if manager.Sync(context.Background()) {
		t.Error("Sync() ran with an empty queue")
	}
}

func TestManager_OnePassAtATime(t *testing.T) {
	st := newSyncTestStore(t)
	block := make(chan struct{})
	transport := &fakeTransport{blockCh: block}
	manager, _ := newTestManager(t, st, transport, true)

	if _, err := manager.Push("journal.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	// Push started a pass that is now blocked inside Send.
	waitFor(t, func() bool { return manager.GetStatus().IsSyncing })

	if manager.Sync(context.Background()) {
		t.Error("second Sync() ran while a pass was in flight")
	}

	close(block)
	waitFor(t, func() bool { return manager.GetStatus().PendingCount == 0 })
}

func TestManager_RetryCeilingDropsItem(t *testing.T) {
	st := newSyncTestStore(t)
	transport := &fakeTransport{}
	transport.setErr(errors.New(errors.ErrNetwork, "down"))

	monitor := connectivity.NewMonitor(true)
	manager := NewManager(st, transport, monitor, Options{
		MaxRetries: 2,
		BaseDelay:  time.Hour, // keep the retry timer out of the way
		MaxDelay:   time.Hour,
	})
	if err := manager.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer manager.Close()

	item, err := manager.Push("journal.create", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	// Wait out the opportunistic pass Push started.
	waitFor(t, func() bool { return !manager.GetStatus().IsSyncing && manager.GetStatus().PendingCount <= 1 })

	// Failed attempts keep the item until the ceiling, then drop it.
	for manager.GetStatus().PendingCount > 0 {
		manager.Sync(context.Background())
	}

	status := manager.GetStatus()
	if status.FailedCount != 1 {
		t.Errorf("FailedCount = %d, want 1 after the drop", status.FailedCount)
	}
	if status.TotalSynced != 0 {
		t.Errorf("TotalSynced = %d, want 0", status.TotalSynced)
	}
	if _, err := st.Get(store.CollectionSyncQueue, item.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Error("dropped item should be removed from durable storage")
	}
}

func TestManager_RecoversAfterTransientFailure(t *testing.T) {
	st := newSyncTestStore(t)
	transport := &fakeTransport{}
	transport.setErr(errors.New(errors.ErrNetwork, "down"))

	monitor := connectivity.NewMonitor(false)
	manager := NewManager(st, transport, monitor, Options{
		MaxRetries: 5,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
	})
	if err := manager.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer manager.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		item, err := manager.Push("journal.create", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		ids = append(ids, item.ID)
	}

	monitor.SetOnline(true)
	// Wait for the transition-triggered pass to fail every item, then run a
	// second failing pass synchronously.
	waitFor(t, func() bool {
		return manager.queue.MaxAttempts() >= 1 && !manager.GetStatus().IsSyncing
	})
	manager.Sync(context.Background())

	if got := manager.GetStatus().PendingCount; got != 3 {
		t.Fatalf("PendingCount = %d after failing passes, want 3", got)
	}

	transport.setErr(nil)
	if !manager.ForceSyncNow(context.Background()) {
		t.Fatal("ForceSyncNow() should report delivery once the link is back")
	}

	status := manager.GetStatus()
	if status.PendingCount != 0 {
		t.Errorf("PendingCount = %d, want 0", status.PendingCount)
	}
	if status.TotalSynced != 3 {
		t.Errorf("TotalSynced = %d, want 3", status.TotalSynced)
	}
	if status.FailedCount != 0 {
		t.Errorf("FailedCount = %d, want 0; failing passes alone must not count drops", status.FailedCount)
	}

	got := transport.deliveredIDs()
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("delivery order[%d] = %s, want %s despite earlier failures", i, got[i], ids[i])
		}
	}
}

func TestManager_ConflictHandledCountsAsSynced(t *testing.T) {
	st := newSyncTestStore(t)
	transport := &fakeTransport{}
	transport.setErr(&ConflictError{ServerState: json.RawMessage(`{"server_version":9}`)})
	manager, _ := newTestManager(t, st, transport, true)

	item, err := manager.Push("journal.create", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	// Default policy is server-wins: the conflict is handled and the item
	// leaves the queue as if delivered.
	waitFor(t, func() bool { return manager.GetStatus().PendingCount == 0 })

	status := manager.GetStatus()
	if status.TotalSynced != 1 {
		t.Errorf("TotalSynced = %d, want 1 for a handled conflict", status.TotalSynced)
	}
	if status.FailedCount != 0 {
		t.Errorf("FailedCount = %d, want 0", status.FailedCount)
	}
	if _, err := st.Get(store.CollectionSyncQueue, item.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Error("handled conflict should remove the durable copy")
	}
}

func TestManager_UnresolvedConflictRetries(t *testing.T) {
	st := newSyncTestStore(t)
	transport := &fakeTransport{}
	transport.setErr(&ConflictError{})

	monitor := connectivity.NewMonitor(true)
	manager := NewManager(st, transport, monitor, Options{
		MaxRetries: 5,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
	})
	manager.RegisterMutation(Mutation{
		Type: "settings.update",
		Strategy: conflict.StrategyFunc(func(*models.QueueItem, json.RawMessage) (conflict.Resolution, error) {
			return conflict.Resolution{Handled: false}, nil
		}),
	})
	if err := manager.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer manager.Close()

	if _, err := manager.Push("settings.update", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	waitFor(t, func() bool { return !manager.GetStatus().IsSyncing })

	status := manager.GetStatus()
	if status.PendingCount != 1 {
		t.Errorf("PendingCount = %d, want the item kept for retry", status.PendingCount)
	}
	if status.TotalSynced != 0 {
		t.Errorf("TotalSynced = %d, want 0 for an unresolved conflict", status.TotalSynced)
	}
}

func TestManager_PushValidation(t *testing.T) {
	st := newSyncTestStore(t)
	manager, _ := newTestManager(t, st, &fakeTransport{}, false)

	manager.RegisterMutation(Mutation{
		Type: "settings.update",
		Validate: func(payload json.RawMessage) error {
			var p struct {
				Theme string `json:"theme"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			if p.Theme == "" {
				return stderrors.New("theme required")
			}
			return nil
		},
	})

	if _, err := manager.Push("settings.update", json.RawMessage(`{}`)); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("Push(invalid) error = %v, want VALIDATION_ERROR", err)
	}
	if got := manager.GetStatus().PendingCount; got != 0 {
		t.Errorf("PendingCount = %d after rejected push, want 0", got)
	}

	if _, err := manager.Push("settings.update", json.RawMessage(`{"theme":"dark"}`)); err != nil {
		t.Errorf("Push(valid) error = %v", err)
	}
	// Unregistered types skip validation entirely.
	if _, err := manager.Push("anything.else", json.RawMessage(`{}`)); err != nil {
		t.Errorf("Push(unregistered) error = %v", err)
	}
}

func TestManager_MetadataSurvivesRestart(t *testing.T) {
	st := newSyncTestStore(t)
	transport := &fakeTransport{}
	manager, _ := newTestManager(t, st, transport, true)

	if _, err := manager.Push("journal.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	waitFor(t, func() bool { return manager.GetStatus().TotalSynced == 1 })
	manager.Close()

	// Simulated restart over the same store.
	fresh := NewManager(st, transport, connectivity.NewMonitor(false), DefaultOptions())
	if err := fresh.Init(); err != nil {
		t.Fatalf("Init() after restart error = %v", err)
	}
	defer fresh.Close()

	status := fresh.GetStatus()
	if status.TotalSynced != 1 {
		t.Errorf("TotalSynced after restart = %d, want 1", status.TotalSynced)
	}
	if status.LastSyncTime == 0 {
		t.Error("LastSyncTime should survive a restart")
	}
	if !status.IsReady {
		t.Error("manager should be ready after Init")
	}
}

func TestManager_SubscriberNotifications(t *testing.T) {
	st := newSyncTestStore(t)
	manager, _ := newTestManager(t, st, &fakeTransport{}, false)

	var mu sync.Mutex
	var statuses []Status
	unsubscribe := manager.Subscribe(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	if _, err := manager.Push("journal.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	mu.Lock()
	n := len(statuses)
	last := Status{}
	if n > 0 {
		last = statuses[n-1]
	}
	mu.Unlock()
	if n == 0 {
		t.Fatal("Push should notify subscribers")
	}
	if last.PendingCount != 1 {
		t.Errorf("notified PendingCount = %d, want 1", last.PendingCount)
	}

	unsubscribe()
	if _, err := manager.Push("journal.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	mu.Lock()
	after := len(statuses)
	mu.Unlock()
	if after != n {
		t.Errorf("unsubscribed callback fired: %d notifications, want %d", after, n)
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{100, time.Minute},
	}
	for _, tt := range tests {
		if got := ComputeBackoff(tt.attempts, base, max); got != tt.want {
			t.Errorf("ComputeBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
