// Package airquality fetches current air-quality snapshots for a fixed
// geography from an AirVisual-compatible city endpoint.
package airquality

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	"github.com/birdtrack/enrichflow/internal/runtime/jsoncodec"
)

// DefaultBaseURL is the AirVisual city endpoint.
const DefaultBaseURL = "http://api.airvisual.com/v2/city"

// MaxSnapshotBytes bounds the response body read from the provider.
const MaxSnapshotBytes = 1 << 20

const tracerName = "github.com/birdtrack/enrichflow/internal/airquality"

// Location is the geography every snapshot is requested for.
type Location struct {
	City    string
	State   string
	Country string
}

func (l Location) String() string {
	return l.City + "/" + l.State + "/" + l.Country
}

// Snapshot is the provider's JSON response body, kept verbatim.
type Snapshot []byte

// Fetcher returns the current snapshot for a location.
type Fetcher interface {
	Fetch(ctx context.Context, loc Location) (Snapshot, error)
}

// LookupError describes a failed lookup. It matches errors.ErrLookupFailure
// and never contains the API key.
type LookupError struct {
	Location   Location
	StatusCode int
	Err        error
}

func (e *LookupError) Error() string {
	msg := "air quality lookup for " + e.Location.String() + " failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LookupError) Unwrap() []error {
	if e.Err == nil {
		return []error{errspkg.ErrLookupFailure}
	}
	return []error{errspkg.ErrLookupFailure, e.Err}
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is overridden when
// the Client is built with a positive timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTracerProvider replaces the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

// Client performs exactly one GET per Fetch and never retries.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewClient builds a client. A zero timeout keeps the transport default.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = timeout
		c.httpClient = &hc
	}
	return c
}

// Fetch requests {baseURL}?city=..&state=..&country=..&key=.. and returns
// the body when the status is 2xx and the body is JSON.
func (c *Client) Fetch(ctx context.Context, loc Location) (Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "airquality.Fetch", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("airquality.city", loc.City),
			attribute.String("airquality.state", loc.State),
			attribute.String("airquality.country", loc.Country),
		))
	defer span.End()

	snapshot, status, err := c.do(ctx, loc)
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		lookupErr := &LookupError{Location: loc, StatusCode: status, Err: err}
		span.RecordError(lookupErr)
		span.SetStatus(codes.Error, "lookup failed")
		return nil, lookupErr
	}
	return snapshot, nil
}

func (c *Client) do(ctx context.Context, loc Location) (Snapshot, int, error) {
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, 0, errors.New("invalid base URL")
	}
	q := endpoint.Query()
	q.Set("city", loc.City)
	q.Set("state", loc.State)
	q.Set("country", loc.Country)
	q.Set("key", c.apiKey)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, 0, errors.New("build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, stripURL(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxSnapshotBytes))
		return nil, resp.StatusCode, errors.New("unexpected status")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxSnapshotBytes+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", stripURL(err))
	}
	if len(body) > MaxSnapshotBytes {
		return nil, resp.StatusCode, errors.New("response body too large")
	}
	if !jsoncodec.Valid(body) {
		return nil, resp.StatusCode, errors.New("response body is not JSON")
	}
	return Snapshot(body), resp.StatusCode, nil
}

// stripURL drops the request URL (which carries the API key) from errors
// returned by net/http.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
