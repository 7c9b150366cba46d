package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/birdayz/kflow/kdoc"
)

// ErrNotServing is returned when the receiving unit is not in SERVING state.
var ErrNotServing = errors.New("unit not serving")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to units. It is safe for concurrent use.
type Client struct {
	http *http.Client
}

// NewClient returns a client with pooled connections. timeout bounds every
// request that has no earlier context deadline; 0 means no bound.
func NewClient(timeout time.Duration) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 64
	return &Client{http: &http.Client{Transport: tr, Timeout: timeout}}
}

// Default is shared by callers without special needs.
var Default = NewClient(0)

// Send posts an envelope to a unit's data address. It returns once the unit
// accepted the envelope, not when it is processed.
func (c *Client) Send(ctx context.Context, addr string, e *kdoc.Envelope) error {
	body, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, addr, PathEnvelope, body)
	return err
}

// Call posts an envelope to a gateway unit and waits for the response.
func (c *Client) Call(ctx context.Context, addr string, e *kdoc.Envelope) (*kdoc.Envelope, error) {
	body, err := EncodeEnvelope(e)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, addr, PathCall, body)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(resp)
}

// Status queries a unit's control address.
func (c *Client) Status(ctx context.Context, addr string) (Status, error) {
	var s Status
	resp, err := c.do(ctx, http.MethodGet, addr, PathStatus, nil)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(resp, &s); err != nil {
		return s, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}

// Serve wires a READY unit and moves it to SERVING.
func (c *Client) Serve(ctx context.Context, addr string, w Wiring) error {
	body, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, addr, PathServe, body)
	return err
}

// Shutdown asks a unit to shut down gracefully within grace.
func (c *Client) Shutdown(ctx context.Context, addr string, grace time.Duration) error {
	path := PathShutdown
	if grace > 0 {
		path += "?grace=" + grace.String()
	}
	_, err := c.do(ctx, http.MethodPost, addr, path, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, addr, path string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s", ErrNotServing, addr)
	case resp.StatusCode >= 300:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return data, nil
}
