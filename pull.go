package datasync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/datasync/entity"
	"github.com/marcus/datasync/local"
	"github.com/marcus/datasync/query"
)

// PullRequest names one server query to ingest incrementally.
type PullRequest struct {
	// EntityType must be registered with the store.
	EntityType string

	// QueryID keys the delta token. Defaults to EntityType; use a
	// distinct id when pulling multiple filtered views of one type.
	QueryID string

	// Query optionally narrows the pull. Ordering, paging and
	// soft-delete inclusion are overridden by the engine.
	Query *query.Description
}

// pageEnvelope is the server's list-response shape.
type pageEnvelope struct {
	Items    []json.RawMessage `json:"items"`
	Count    *int64            `json:"count"`
	NextLink *string           `json:"nextLink"`
}

// pullPage is one fetched page handed from a fetch worker to the
// single database writer.
type pullPage struct {
	queryID    string
	entityType string
	items      []json.RawMessage
	processed  int // cumulative for the query
	total      int64
	final      bool
	failure    *ServiceResponse
}

// Pull ingests server changes for the given requests. Fetching runs
// with bounded parallelism; all local writes flow through a single
// writer so applies within a query id are totally ordered. The delta
// token for each query advances to the maximum updatedAt applied and
// never regresses.
//
// Per-request failures are reported in the result, not returned as
// errors; local state stays consistent with the last applied record.
func (e *Engine) Pull(ctx context.Context, requests ...PullRequest) (*PullResult, error) {
	result := &PullResult{FailedRequests: make(map[string]*ServiceResponse)}
	if len(requests) == 0 {
		return result, nil
	}
	for i := range requests {
		if requests[i].QueryID == "" {
			requests[i].QueryID = requests[i].EntityType
		}
		if _, err := e.store.Registry().Lookup(requests[i].EntityType); err != nil {
			return nil, err
		}
	}

	pages := make(chan pullPage, e.parallel*2)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	go func() {
		for _, req := range requests {
			req := req
			g.Go(func() error {
				return e.fetchPages(gctx, req, pages)
			})
		}
		g.Wait()
		close(pages)
	}()

	for page := range pages {
		e.applyPage(ctx, page, result)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug().
		Int("applied", result.ItemsApplied).
		Int("failed", len(result.FailedRequests)).
		Msg("pull finished")
	return result, nil
}

// fetchPages pages through one request's result set, following the
// server-supplied nextLink until absent, and emits each page to the
// writer. Fetch failures terminate the request with a failure page;
// only cancellation propagates as an error.
func (e *Engine) fetchPages(ctx context.Context, req PullRequest, pages chan<- pullPage) error {
	fail := func(sr *ServiceResponse) error {
		select {
		case pages <- pullPage{queryID: req.QueryID, entityType: req.EntityType, final: true, failure: sr}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	desc, err := e.store.Registry().Lookup(req.EntityType)
	if err != nil {
		return err
	}
	client, err := e.factory.CreateClient(req.EntityType)
	if err != nil {
		return err
	}

	// The token is read before any locking; set-max semantics on the
	// write side make that safe.
	t0, err := local.GetDeltaToken(ctx, e.store.DB(), req.QueryID)
	if err != nil {
		return err
	}
	rawQuery, err := effectiveQuery(req.Query, t0).QueryString()
	if err != nil {
		return err
	}

	e.events.publish(Event{Type: EventPullStarted, QueryID: req.QueryID, EntityType: req.EntityType})

	processed := 0
	var total int64
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
			client.Resolve(desc.Path(), rawQuery).String(), nil)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Accept", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(&ServiceResponse{Err: err})
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fail(&ServiceResponse{StatusCode: resp.StatusCode, Err: err})
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fail(&ServiceResponse{StatusCode: resp.StatusCode, Body: body})
		}
		var env pageEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fail(&ServiceResponse{StatusCode: resp.StatusCode, Body: body,
				Err: fmt.Errorf("malformed page envelope: %w", err)})
		}

		processed += len(env.Items)
		if env.Count != nil {
			total = *env.Count
		}
		e.events.publish(Event{Type: EventItemsFetched, QueryID: req.QueryID,
			EntityType: req.EntityType, ItemsProcessed: processed, TotalItems: total})

		final := env.NextLink == nil || *env.NextLink == ""
		page := pullPage{
			queryID:    req.QueryID,
			entityType: req.EntityType,
			items:      env.Items,
			processed:  processed,
			total:      total,
			final:      final,
		}
		select {
		case pages <- page:
		case <-ctx.Done():
			return ctx.Err()
		}
		if final {
			return nil
		}
		rawQuery = strings.TrimPrefix(*env.NextLink, "?")
	}
}

// applyPage is the single-writer half of the pull: it applies one page
// under the synchronization lock, advancing the delta token past each
// applied record.
func (e *Engine) applyPage(ctx context.Context, page pullPage, result *PullResult) {
	if page.failure != nil {
		result.FailedRequests[page.queryID] = page.failure
		e.events.publish(Event{Type: EventLocalException, QueryID: page.queryID,
			EntityType: page.entityType, Err: failureError(page.failure)})
		e.events.publish(Event{Type: EventPullEnded, QueryID: page.queryID,
			EntityType: page.entityType, ItemsProcessed: page.processed, TotalItems: page.total})
		return
	}

	result.ItemsFetched += len(page.items)

	lock := e.store.Lock()
	if err := lock.Acquire(ctx); err != nil {
		result.FailedRequests[page.queryID] = &ServiceResponse{Err: err}
		return
	}
	for _, raw := range page.items {
		if err := e.applyRecord(ctx, page.entityType, page.queryID, raw); err != nil {
			// Keep going; the record is reported and the token stays
			// behind it.
			e.events.publish(Event{Type: EventLocalException, QueryID: page.queryID,
				EntityType: page.entityType, Err: err})
			continue
		}
		result.ItemsApplied++
	}
	lock.Release()

	e.events.publish(Event{Type: EventItemsCommitted, QueryID: page.queryID,
		EntityType: page.entityType, ItemsProcessed: page.processed, TotalItems: page.total})
	if page.final {
		e.events.publish(Event{Type: EventPullEnded, QueryID: page.queryID,
			EntityType: page.entityType, ItemsProcessed: page.processed, TotalItems: page.total})
	}
}

// applyRecord upserts or deletes one incoming record, then advances the
// delta token to its updatedAt. The token write happens after the row
// write so the mark never runs ahead of applied data.
func (e *Engine) applyRecord(ctx context.Context, entityType, queryID string, raw json.RawMessage) error {
	var meta entity.SystemProperties
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("malformed record: %w", err)
	}
	if meta.ID == "" {
		return fmt.Errorf("record without id in %s pull", entityType)
	}

	if meta.Deleted {
		if err := e.store.ApplyServerDelete(ctx, e.store.DB(), entityType, meta.ID); err != nil {
			return err
		}
	} else {
		if _, err := e.store.ApplyServerEntity(ctx, e.store.DB(), entityType, raw); err != nil {
			return err
		}
	}
	if !meta.UpdatedAt.IsZero() {
		if _, err := local.SetDeltaToken(ctx, e.store.DB(), queryID, meta.UpdatedAt.Time); err != nil {
			return err
		}
	}
	return nil
}

// effectiveQuery derives the wire query for a pull: the caller's filter
// conjoined with the delta bound, soft-deletes included, total count
// requested, paging reset, and ordering forced to updatedAt ascending
// (the only ordering under which the token may advance).
func effectiveQuery(q *query.Description, t0 time.Time) *query.Description {
	eff := &query.Description{}
	if q != nil {
		eff = q.Clone()
	}
	if t0.After(local.Epoch) {
		bound := &query.Binary{
			Op:    query.OpGt,
			Left:  &query.Member{Path: "updatedAt"},
			Right: query.DateTime(t0),
		}
		if eff.Filter != nil {
			eff.Filter = &query.Binary{Op: query.OpAnd, Left: eff.Filter, Right: bound}
		} else {
			eff.Filter = bound
		}
	}
	eff.IncludeDeleted = true
	eff.RequestTotalCount = true
	eff.Skip = 0
	eff.Top = 0
	eff.OrderBy = []query.OrderClause{{Path: "updatedAt"}}
	return eff
}

func failureError(sr *ServiceResponse) error {
	if sr.Err != nil {
		return sr.Err
	}
	return fmt.Errorf("service returned status %d", sr.StatusCode)
}
