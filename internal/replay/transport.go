package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dukafiti/dukasync/internal/schema"
)

// Outcome is the remote system's answer to a replayed operation.
type Outcome struct {
	// Status is the HTTP status code of the response.
	Status int

	// Body is the (bounded) response body; for creates it carries the
	// server-assigned record, used to reconcile local IDs.
	Body []byte
}

// Success reports whether the outcome confirms the write.
func (o *Outcome) Success() bool {
	return o.Status >= 200 && o.Status < 300
}

// Permanent reports whether the remote rejected the request outright
// (4xx) - retrying cannot help.
func (o *Outcome) Permanent() bool {
	return o.Status >= 400 && o.Status < 500
}

// Transport replays a queued operation against the remote system.
// A non-nil error means the attempt never produced an HTTP response
// (transport failure or timeout).
type Transport interface {
	Replay(ctx context.Context, op *schema.QueuedOperation) (*Outcome, error)
}

// maxReplayBody bounds how much of a replay response is buffered.
const maxReplayBody = 4 << 20 // 4 MiB

// HTTPTransport reconstructs the original request (method, path, headers,
// body) against a remote base URL.
type HTTPTransport struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
}

// NewHTTPTransport creates a transport for the remote base URL.
// If timeout is zero, 10 seconds is used.
func NewHTTPTransport(base *url.URL, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		base:    base,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Replay implements Transport.
func (t *HTTPTransport) Replay(ctx context.Context, op *schema.QueuedOperation) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	// op.Path is a request URI and may carry a query string.
	rel, err := url.Parse(op.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid path in operation %s: %w", op.ID, err)
	}
	target := t.base.ResolveReference(rel)

	var body io.Reader
	if len(op.Data) > 0 && op.Kind != schema.OpDelete {
		body = bytes.NewReader(op.Data)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct request for %s: %w", op.ID, err)
	}

	// Forward whatever headers the original request carried (auth
	// included); the sync layer does not manage credentials.
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// The operation ID doubles as the idempotency key, so a duplicated
	// replay pass cannot create the same record twice.
	req.Header.Set("Idempotency-Key", op.ID)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplayBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read replay response: %w", err)
	}

	return &Outcome{Status: resp.StatusCode, Body: data}, nil
}
