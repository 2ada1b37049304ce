// Package sync orchestrates the durable mutation queue against the remote
// sync service: connectivity-aware push with retry, backoff and conflict
// resolution.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ljchuang/vocalis/backend/internal/errors"
	"github.com/ljchuang/vocalis/backend/internal/models"
)

// Transport delivers one queued mutation to the remote service.
// A nil return means confirmed delivery. A *ConflictError reports a remote
// version conflict carrying the server's state; any other error is a
// retryable failure.
type Transport interface {
	Send(ctx context.Context, item *models.QueueItem) error
}

// ConflictError is returned when the remote rejects a mutation with 409.
type ConflictError struct {
	ServerState json.RawMessage
}

func (e *ConflictError) Error() string { return "sync conflict" }

// HTTPError is a non-2xx, non-409 remote response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return "unexpected sync response status " + http.StatusText(e.StatusCode)
}

// wireItem is the sync endpoint's representation of a queued mutation.
type wireItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Version   int             `json:"version"`
}

type syncRequest struct {
	Queue []wireItem `json:"queue"`
}

// HTTPTransport sends mutations to POST {baseURL}/api/sync, one per request.
type HTTPTransport struct {
	client  *http.Client
	baseURL string
}

// NewHTTPTransport creates a transport against the given base URL.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, item *models.QueueItem) error {
	body, err := json.Marshal(syncRequest{Queue: []wireItem{{
		ID:        item.ID,
		Type:      item.Type,
		Payload:   item.Payload,
		Timestamp: item.EnqueuedAt,
		Version:   item.Version,
	}}})
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode sync request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to build sync request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, "sync request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		serverState, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			serverState = nil
		}
		return &ConflictError{ServerState: serverState}
	default:
		return errors.Wrap(errors.ErrHTTP, "sync rejected", &HTTPError{StatusCode: resp.StatusCode})
	}
}
