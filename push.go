package datasync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/datasync/local"
	"github.com/marcus/datasync/transport"
)

// Push flushes tracked changes, then replays queued operations against
// the server with bounded parallelism. Scope restricts the replay to
// the given entity types; empty means everything.
//
// Per-operation failures do not abort the push: the operation is marked
// failed with its status code and reported in the result. Only
// cancellation, configuration and local-store errors propagate.
func (e *Engine) Push(ctx context.Context, scope ...string) (*PushResult, error) {
	if err := e.store.Commit(ctx); err != nil {
		return nil, err
	}

	lock := e.store.Lock()
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer lock.Release()

	ops, err := local.PendingOperations(ctx, e.store.DB(), scope)
	if err != nil {
		return nil, err
	}

	result := &PushResult{FailedRequests: make(map[string]*ServiceResponse)}
	if len(ops) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			resp, err := e.pushOperation(gctx, op)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if resp == nil {
				result.CompletedOperations++
			} else {
				result.FailedRequests[op.ItemID] = resp
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug().
		Int("completed", result.CompletedOperations).
		Int("failed", len(result.FailedRequests)).
		Msg("push finished")
	return result, nil
}

// pushOperation replays one queued operation. A nil ServiceResponse
// means the operation completed and left the queue; a non-nil one is
// the failure to report. The returned error is reserved for conditions
// that must abort the whole push.
func (e *Engine) pushOperation(ctx context.Context, op local.Operation) (*ServiceResponse, error) {
	desc, err := e.store.Registry().Lookup(op.EntityType)
	if err != nil {
		return nil, err
	}
	client, err := e.factory.CreateClient(op.EntityType)
	if err != nil {
		return nil, err
	}

	var method, path string
	var body io.Reader
	switch op.Kind {
	case local.KindAdd:
		method, path = http.MethodPost, desc.Path()
		body = bytes.NewReader(op.Item)
	case local.KindReplace:
		method, path = http.MethodPut, desc.Path()+"/"+url.PathEscape(op.ItemID)
		body = bytes.NewReader(op.Item)
	case local.KindDelete:
		method, path = http.MethodDelete, desc.Path()+"/"+url.PathEscape(op.ItemID)
	default:
		return nil, fmt.Errorf("unknown operation kind %d", op.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, method, client.Resolve(path, "").String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	transport.SetIfMatch(req, op.EntityVersion)

	resp, err := client.Do(req)
	if err != nil {
		// Network-level failure: keep the operation, no status code.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ferr := local.FailOperation(ctx, e.store.DB(), op.ID, 0, time.Now()); ferr != nil {
			return nil, ferr
		}
		e.logger.Warn().Err(err).Str("entity", op.EntityType).Str("id", op.ItemID).
			Msg("push transport failure")
		return &ServiceResponse{Err: err}, nil
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		if ferr := local.FailOperation(ctx, e.store.DB(), op.ID, 0, time.Now()); ferr != nil {
			return nil, ferr
		}
		return &ServiceResponse{Err: err}, nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if op.Kind != local.KindDelete {
			// Write back the authoritative copy without re-queueing.
			if _, err := e.store.ApplyServerEntity(ctx, e.store.DB(), op.EntityType, payload); err != nil {
				if ferr := local.FailOperation(ctx, e.store.DB(), op.ID, resp.StatusCode, time.Now()); ferr != nil {
					return nil, ferr
				}
				return &ServiceResponse{StatusCode: resp.StatusCode, Body: payload, Err: err}, nil
			}
		}
		return nil, local.CompleteOperation(ctx, e.store.DB(), op.ID)

	case op.Kind == local.KindDelete && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone):
		// The server already lacks the entity; the delete is done.
		return nil, local.CompleteOperation(ctx, e.store.DB(), op.ID)

	default:
		if err := local.FailOperation(ctx, e.store.DB(), op.ID, resp.StatusCode, time.Now()); err != nil {
			return nil, err
		}
		e.logger.Debug().Int("status", resp.StatusCode).Str("entity", op.EntityType).
			Str("id", op.ItemID).Msg("push operation failed")
		return &ServiceResponse{StatusCode: resp.StatusCode, Body: payload}, nil
	}
}
