// Package transport is the HTTP client for external tracker APIs.
//
// Every call names the server it targets; the server's provider type picks
// the Provider that knows where the API lives and how to authenticate.
// Disabled servers are refused before any request is made.
//
// Example:
//
//	client := transport.New(transport.DefaultRegistry(), transport.WithLogger(logger))
//	var issue gitlabIssue
//	err := client.Post(ctx, server, "/projects/12/issues", body, &issue,
//	    transport.ActingAs(externalUserID))
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

const (
	defaultTimeout = 30 * time.Second
	pageSize       = "100"
	maxPages       = 1000
	maxErrorBody   = 2048
)

// HTTPError is a non-2xx answer from the external API. It matches
// syncerr.ErrUpstream.
type HTTPError struct {
	Status int
	Method string
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *HTTPError) Is(target error) bool {
	return target == syncerr.ErrUpstream
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// Client performs authenticated calls against external servers.
type Client struct {
	http      *http.Client
	providers *Registry
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is
// still wrapped for tracing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New returns a client resolving providers through registry.
func New(registry *Registry, opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		providers: registry,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/mschirtzinger/tracksync/internal/transport"),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *c.http
	wrapped.Transport = otelhttp.NewTransport(base)
	c.http = &wrapped
	c.logger = c.logger.Named("transport")
	return c
}

// Providers returns the provider registry.
func (c *Client) Providers() *Registry {
	return c.providers
}

// Supports reports whether server offers the capability.
func (c *Client) Supports(server *schema.Server, capability Capability) bool {
	p, err := c.providers.Lookup(server.Type)
	if err != nil {
		return false
	}
	return p.Supports(server, capability)
}

// CallOption configures a single call.
type CallOption func(*call)

type call struct {
	actingUser int64
	query      url.Values
}

// ActingAs runs the call on behalf of an external user of the server.
func ActingAs(externalUserID int64) CallOption {
	return func(c *call) { c.actingUser = externalUserID }
}

// WithQuery adds query parameters.
func WithQuery(q url.Values) CallOption {
	return func(c *call) { c.query = q }
}

// Fetch GETs path and decodes the JSON answer into out.
func (c *Client) Fetch(ctx context.Context, server *schema.Server, path string, out any, opts ...CallOption) error {
	_, err := c.do(ctx, server, http.MethodGet, path, nil, out, opts...)
	return err
}

// FetchAll GETs every page of a list endpoint and decodes the combined
// items into out, which must point to a slice.
func (c *Client) FetchAll(ctx context.Context, server *schema.Server, path string, out any, opts ...CallOption) error {
	ctx, span := c.tracer.Start(ctx, "transport.FetchAll", trace.WithAttributes(
		attribute.String("server", server.Name),
		attribute.String("path", path),
	))
	defer span.End()

	p, target, cfg, err := c.prepare(server, path, opts)
	if err != nil {
		return err
	}
	q := target.Query()
	if q.Get("per_page") == "" {
		q.Set("per_page", pageSize)
	}
	target.RawQuery = q.Encode()

	var items []json.RawMessage
	for page := 0; ; page++ {
		if page >= maxPages {
			return syncerr.Upstream("%s: more than %d pages", path, maxPages)
		}

		var batch []json.RawMessage
		resp, err := c.send(ctx, p, server, cfg, http.MethodGet, target, nil, &batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		items = append(items, batch...)

		next, ok := p.NextPage(resp, target)
		if !ok {
			break
		}
		target = next
	}

	span.SetAttributes(attribute.Int("items", len(items)))
	if out == nil {
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to combine pages: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Post sends body as JSON and decodes the answer into out, if non-nil.
func (c *Client) Post(ctx context.Context, server *schema.Server, path string, body, out any, opts ...CallOption) error {
	_, err := c.do(ctx, server, http.MethodPost, path, body, out, opts...)
	return err
}

// Put sends body as JSON and decodes the answer into out, if non-nil.
func (c *Client) Put(ctx context.Context, server *schema.Server, path string, body, out any, opts ...CallOption) error {
	_, err := c.do(ctx, server, http.MethodPut, path, body, out, opts...)
	return err
}

// Remove sends a DELETE.
func (c *Client) Remove(ctx context.Context, server *schema.Server, path string, opts ...CallOption) error {
	_, err := c.do(ctx, server, http.MethodDelete, path, nil, nil, opts...)
	return err
}

// Version asks the server which API version it runs.
func (c *Client) Version(ctx context.Context, server *schema.Server) (string, error) {
	p, err := c.providers.Lookup(server.Type)
	if err != nil {
		return "", err
	}
	var answer struct {
		Version string `json:"version"`
	}
	if err := c.Fetch(ctx, server, p.VersionPath(), &answer); err != nil {
		return "", err
	}
	return answer.Version, nil
}

func (c *Client) do(ctx context.Context, server *schema.Server, method, path string, body, out any, opts ...CallOption) (*http.Response, error) {
	p, target, cfg, err := c.prepare(server, path, opts)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, p, server, cfg, method, target, body, out)
}

func (c *Client) prepare(server *schema.Server, path string, opts []CallOption) (Provider, *url.URL, *call, error) {
	if server == nil {
		return nil, nil, nil, syncerr.BadRequest("no server given")
	}
	if server.Disabled {
		return nil, nil, nil, syncerr.Forbidden("server %s is disabled", server.Name)
	}

	p, err := c.providers.Lookup(server.Type)
	if err != nil {
		return nil, nil, nil, err
	}
	base, err := p.BaseURL(server)
	if err != nil {
		return nil, nil, nil, err
	}

	cfg := &call{}
	for _, opt := range opts {
		opt(cfg)
	}

	target, err := url.Parse(base + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, nil, nil, syncerr.BadRequest("invalid path %q: %v", path, err)
	}
	if len(cfg.query) > 0 {
		q := target.Query()
		for k, vs := range cfg.query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	return p, target, cfg, nil
}

func (c *Client) send(ctx context.Context, p Provider, server *schema.Server, cfg *call, method string, target *url.URL, body, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	p.Authorize(req, server)
	if cfg.actingUser != 0 {
		p.ActAs(req, cfg.actingUser)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.Upstream("%s %s: %v", method, redact(target), err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api call",
		zap.String("server", server.Name),
		zap.String("method", method),
		zap.String("url", redact(target)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp, &HTTPError{
			Status: resp.StatusCode,
			Method: method,
			URL:    redact(target),
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return resp, nil
		}
		return resp, syncerr.Upstream("%s %s: undecodable answer: %v", method, redact(target), err)
	}
	return resp, nil
}

// redact drops credentials that may have been put in the query string.
func redact(u *url.URL) string {
	clean := *u
	q := clean.Query()
	for _, k := range []string{"private_token", "access_token"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	clean.RawQuery = q.Encode()
	clean.User = nil
	return clean.String()
}
