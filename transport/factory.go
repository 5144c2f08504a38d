package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// defaultTimeout is the per-request timeout applied when the caller
// configures none.
const defaultTimeout = 100 * time.Second

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithTimeout sets the per-request timeout for created clients.
func WithTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) { f.timeout = d }
}

// WithDefaultHeaders injects headers into every request.
func WithDefaultHeaders(headers map[string]string) FactoryOption {
	return func(f *Factory) { f.headers = headers }
}

// WithPolicies supplies the delegating policies for new pipelines, in
// order. A terminal transport is appended automatically unless the last
// entry already is one.
func WithPolicies(builder func() []Policy) FactoryOption {
	return func(f *Factory) { f.policies = builder }
}

// Factory builds and caches HTTP clients for one endpoint. Repeated
// CreateClient calls with the same name return the same client.
type Factory struct {
	endpoint *url.URL
	timeout  time.Duration
	headers  map[string]string
	policies func() []Policy

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFactory validates the endpoint and returns a client factory.
func NewFactory(endpoint string, opts ...FactoryOption) (*Factory, error) {
	u, err := ValidateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	f := &Factory{
		endpoint: u,
		timeout:  defaultTimeout,
		clients:  make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Endpoint returns the validated base endpoint.
func (f *Factory) Endpoint() *url.URL {
	return f.endpoint
}

// CreateClient returns the cached client for name, constructing it on
// first use. Construction validates the pipeline.
func (f *Factory) CreateClient(name string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[name]; ok {
		return c, nil
	}

	var policies []Policy
	if f.policies != nil {
		policies = f.policies()
	}
	if len(f.headers) > 0 {
		policies = append([]Policy{&HeaderPolicy{Headers: f.headers}}, policies...)
	}
	pipeline, err := NewPipeline(policies...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		endpoint: f.endpoint,
		pipeline: pipeline,
		timeout:  f.timeout,
	}
	f.clients[name] = c
	return c, nil
}

// Client is an immutable HTTP client bound to one endpoint and one
// policy pipeline.
type Client struct {
	endpoint *url.URL
	pipeline Policy
	timeout  time.Duration
}

// NewClient builds a standalone client outside a factory, mostly for
// tests.
func NewClient(endpoint string, pipeline Policy, timeout time.Duration) (*Client, error) {
	u, err := ValidateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		pipeline, err = NewPipeline()
		if err != nil {
			return nil, err
		}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{endpoint: u, pipeline: pipeline, timeout: timeout}, nil
}

// Endpoint returns the client's base endpoint.
func (c *Client) Endpoint() *url.URL {
	return c.endpoint
}

// Resolve joins a server-relative path (and optional raw query) to the
// base endpoint.
func (c *Client) Resolve(path, rawQuery string) *url.URL {
	ref := &url.URL{Path: path, RawQuery: rawQuery}
	return c.endpoint.ResolveReference(ref)
}

// Do sends a request through the pipeline, enforcing the configured
// timeout unless the context already carries an earlier deadline.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		req = req.WithContext(ctx)
		resp, err := c.pipeline.Do(req)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return c.pipeline.Do(req)
}

// cancelBody releases the request timeout when the response body is
// closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}
