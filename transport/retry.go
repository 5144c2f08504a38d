package transport

import (
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries transient failures (connection errors, 408, 429
// and 5xx responses) with exponential backoff. Requests whose body
// cannot be rewound (no GetBody) are attempted exactly once.
type RetryPolicy struct {
	// MaxRetries bounds additional attempts after the first; zero means 3.
	MaxRetries int
	// MaxInterval caps the backoff delay; zero means 5s.
	MaxInterval time.Duration

	inner Policy
}

// SetInner links the next policy.
func (p *RetryPolicy) SetInner(next Policy) { p.inner = next }

// Do implements Policy.
func (p *RetryPolicy) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return p.inner.Do(req)
	}

	retries := p.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = maxInterval
	ctx := req.Context()

	for attempt := 0; ; attempt++ {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := p.inner.Do(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt >= retries {
			// Out of retries; hand the caller the live outcome.
			return resp, err
		}
		if resp != nil {
			drain(resp)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
