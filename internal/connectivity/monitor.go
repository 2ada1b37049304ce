// Package connectivity tracks online/offline transitions of the host.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ljchuang/vocalis/backend/internal/logging"
)

// Monitor holds the current connectivity state and notifies subscribers on
// every edge. State is transient and never persisted.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]func(online bool)
	nextID int

	stopProbe chan struct{}
	probeWG   sync.WaitGroup
	probing   bool
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(initialOnline bool) *Monitor {
	return &Monitor{
		online: initialOnline,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a host connectivity signal. Subscribers are only invoked
// on an actual transition, never on repeated identical signals.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a callback for connectivity transitions and returns an
// unsubscribe function.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// StartProbing periodically checks the given URL and feeds the result into
// SetOnline. It complements host signals on platforms that provide none.
func (m *Monitor) StartProbing(ctx context.Context, url string, interval time.Duration, client *http.Client) {
	m.mu.Lock()
	if m.probing {
		m.mu.Unlock()
		return
	}
	m.probing = true
	m.stopProbe = make(chan struct{})
	m.mu.Unlock()

	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	m.probeWG.Add(1)
	go func() {
		defer m.probeWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopProbe:
				return
			case <-ticker.C:
				m.SetOnline(probe(ctx, client, url))
			}
		}
	}()
}

// StopProbing stops the probe loop and waits for it to exit.
func (m *Monitor) StopProbing() {
	m.mu.Lock()
	if !m.probing {
		m.mu.Unlock()
		return
	}
	m.probing = false
	close(m.stopProbe)
	m.mu.Unlock()

	m.probeWG.Wait()
}

func probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
