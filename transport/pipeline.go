// Package transport provides the HTTP machinery under the datasync
// engine: an ordered pipeline of request policies ending in a transport,
// a caching client factory, endpoint validation, and the conditional
// request helpers for optimistic concurrency.
package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Sentinel errors for pipeline and endpoint configuration.
var (
	ErrInvalidPipeline = errors.New("invalid pipeline configuration")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// Policy handles an HTTP request. A delegating policy may mutate the
// request, forward it to its inner policy, and transform the response.
// The last policy in a pipeline is the transport and forwards nowhere.
type Policy interface {
	Do(req *http.Request) (*http.Response, error)
}

// DelegatingPolicy is a Policy that forwards to an inner policy.
type DelegatingPolicy interface {
	Policy
	SetInner(Policy)
}

// NewPipeline links policies in order: every policy except the last
// must be delegating, and the last must not be. A nil or empty list
// gets a default transport appended.
func NewPipeline(policies ...Policy) (Policy, error) {
	if len(policies) == 0 {
		return &roundTripperPolicy{rt: http.DefaultTransport}, nil
	}
	// Append a default transport when the caller supplied only
	// delegating policies.
	if _, ok := policies[len(policies)-1].(DelegatingPolicy); ok {
		policies = append(policies, &roundTripperPolicy{rt: http.DefaultTransport})
	}
	for i, p := range policies {
		d, delegating := p.(DelegatingPolicy)
		last := i == len(policies)-1
		if last {
			if delegating {
				return nil, fmt.Errorf("%w: last policy must be a transport", ErrInvalidPipeline)
			}
			continue
		}
		if !delegating {
			return nil, fmt.Errorf("%w: non-delegating policy at position %d", ErrInvalidPipeline, i)
		}
		d.SetInner(policies[i+1])
	}
	return policies[0], nil
}

// roundTripperPolicy terminates a pipeline on an http.RoundTripper.
// The default stdlib transport already handles gzip decompression.
type roundTripperPolicy struct {
	rt http.RoundTripper
}

// NewTransportPolicy wraps a RoundTripper as a terminal policy.
func NewTransportPolicy(rt http.RoundTripper) Policy {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &roundTripperPolicy{rt: rt}
}

func (p *roundTripperPolicy) Do(req *http.Request) (*http.Response, error) {
	return p.rt.RoundTrip(req)
}

// HeaderPolicy injects default headers into every outgoing request
// without overriding headers already present.
type HeaderPolicy struct {
	Headers map[string]string
	inner   Policy
}

// SetInner links the next policy.
func (p *HeaderPolicy) SetInner(next Policy) { p.inner = next }

// Do implements Policy.
func (p *HeaderPolicy) Do(req *http.Request) (*http.Response, error) {
	for k, v := range p.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return p.inner.Do(req)
}

// LoggingPolicy logs each request and its outcome at debug level.
type LoggingPolicy struct {
	Logger zerolog.Logger
	inner  Policy
}

// SetInner links the next policy.
func (p *LoggingPolicy) SetInner(next Policy) { p.inner = next }

// Do implements Policy.
func (p *LoggingPolicy) Do(req *http.Request) (*http.Response, error) {
	resp, err := p.inner.Do(req)
	ev := p.Logger.Debug().Str("method", req.Method).Str("url", req.URL.String())
	if err != nil {
		ev.Err(err).Msg("request failed")
		return nil, err
	}
	ev.Int("status", resp.StatusCode).Msg("request complete")
	return resp, nil
}
