package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// Transport delivers one record. A nil error means the remote confirmed it.
type Transport interface {
	Send(ctx context.Context, rec queue.Record) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, rec queue.Record) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, rec queue.Record) error {
	return f(ctx, rec)
}

// Envelope is the JSON body POSTed for each record.
type Envelope struct {
	ID                 string          `json:"id"`
	Kind               wire.ActionKind `json:"kind"`
	Priority           int             `json:"priority"`
	Attempts           int             `json:"attempts"`
	CreatedAt          string          `json:"createdAt"`
	MonotonicTimestamp *int64          `json:"monotonicTimestamp,omitempty"`
	Signature          string          `json:"signature,omitempty"`
	Payload            json.RawMessage `json:"payload"`
}

// NewEnvelope builds the wire envelope for rec.
func NewEnvelope(rec queue.Record) (Envelope, error) {
	payload, err := wire.EncodeAction(rec.Action)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:                 rec.ID,
		Kind:               rec.Kind,
		Priority:           rec.Priority,
		Attempts:           rec.Attempts,
		CreatedAt:          wire.FormatISO(rec.CreatedAt),
		MonotonicTimestamp: rec.MonotonicTimestamp,
		Signature:          rec.Signature,
		Payload:            payload,
	}, nil
}

// StatusError is returned for a response the remote did not confirm.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sync endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("sync endpoint returned %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport POSTs envelopes to Endpoint.
//
// The record id is sent as Idempotency-Key, so a retried delivery of an
// already-stored record is safe. 2xx and 409 Conflict both confirm.
type HTTPTransport struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPTransport creates a transport with the given request timeout.
func NewHTTPTransport(endpoint string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, rec queue.Record) error {
	env, err := NewEnvelope(rec)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)
	req.Header.Set("X-Timetruth-Wire-Version", wire.WireVersion)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", rec.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}
