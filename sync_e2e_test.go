package datasync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/marcus/datasync/entity"
	"github.com/marcus/datasync/local"
	"github.com/marcus/datasync/server"
	"github.com/marcus/datasync/transport"
)

// harness wires a real engine against a real in-process table server.
type harness struct {
	engine *Engine
	store  *local.Store
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv, err := server.New(server.Config{
		DatabasePath: ":memory:",
		SoftDelete:   true,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Store().Close() })

	registry := entity.NewRegistry()
	if err := registry.Register(&entity.Descriptor{
		Name: "movie",
		New:  func() entity.Accessor { return &movie{} },
	}); err != nil {
		t.Fatal(err)
	}
	store, err := local.Open(filepath.Join(t.TempDir(), "client.db"), registry)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	factory, err := transport.NewFactory(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(store, factory, WithParallelOperations(4))
	if err != nil {
		t.Fatal(err)
	}
	return &harness{engine: eng, store: store, server: ts}
}

func (h *harness) serverPut(t *testing.T, id, body string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut,
		h.server.URL+"/tables/movie/"+id, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("server put %s: %d", id, resp.StatusCode)
	}
}

func (h *harness) serverGet(t *testing.T, id string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.server.URL + "/tables/movie/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var doc map[string]any
	json.NewDecoder(resp.Body).Decode(&doc)
	return resp.StatusCode, doc
}

func TestEndToEndCreateEditDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Create locally, sync up.
	m := &movie{Title: "created offline"}
	if err := h.store.Save(ctx, "movie", m); err != nil {
		t.Fatal(err)
	}
	res, err := h.engine.Synchronize(ctx, PullRequest{EntityType: "movie"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSuccessful() {
		t.Fatalf("sync = %+v %+v", res.Push, res.Pull)
	}
	status, doc := h.serverGet(t, m.ID)
	if status != http.StatusOK || doc["title"] != "created offline" {
		t.Fatalf("server copy = %d %v", status, doc)
	}
	got, err := h.store.Get(ctx, "movie", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Properties().Version) == 0 {
		t.Fatal("write-back left no server version locally")
	}

	// Edit locally against the server version, sync again.
	got.(*movie).Title = "edited offline"
	if err := h.store.Save(ctx, "movie", got.(*movie)); err != nil {
		t.Fatal(err)
	}
	if res, err = h.engine.Synchronize(ctx, PullRequest{EntityType: "movie"}); err != nil {
		t.Fatal(err)
	}
	if !res.IsSuccessful() {
		t.Fatalf("second sync = %+v %+v", res.Push, res.Pull)
	}
	_, doc = h.serverGet(t, m.ID)
	if doc["title"] != "edited offline" {
		t.Fatalf("server copy after edit = %v", doc)
	}

	// Delete locally; the server should tombstone it.
	if err := h.store.Remove(ctx, "movie", m.ID); err != nil {
		t.Fatal(err)
	}
	if res, err = h.engine.Synchronize(ctx, PullRequest{EntityType: "movie"}); err != nil {
		t.Fatal(err)
	}
	if !res.IsSuccessful() {
		t.Fatalf("third sync = %+v %+v", res.Push, res.Pull)
	}
	status, _ = h.serverGet(t, m.ID)
	if status != http.StatusGone {
		t.Fatalf("server status after delete = %d, want 410", status)
	}
	if _, err := h.store.Get(ctx, "movie", m.ID); err == nil {
		t.Fatal("local row survived its own deletion")
	}
}

func TestEndToEndServerEditsFlowDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Seed through a sync so the client owns a server-versioned row.
	m := &movie{Title: "v1"}
	if err := h.store.Save(ctx, "movie", m); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Synchronize(ctx, PullRequest{EntityType: "movie"}); err != nil {
		t.Fatal(err)
	}

	// Another client replaces it server-side.
	h.serverPut(t, m.ID, `{"id":"`+m.ID+`","title":"v2 from elsewhere"}`)

	res, err := h.engine.Pull(ctx, PullRequest{EntityType: "movie"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSuccessful() || res.ItemsApplied == 0 {
		t.Fatalf("pull = %+v", res)
	}
	got, err := h.store.Get(ctx, "movie", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.(*movie).Title != "v2 from elsewhere" {
		t.Errorf("local title = %q", got.(*movie).Title)
	}
}

func TestEndToEndConflictSurfacesServerCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := &movie{Title: "mine"}
	if err := h.store.Save(ctx, "movie", m); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Synchronize(ctx, PullRequest{EntityType: "movie"}); err != nil {
		t.Fatal(err)
	}

	// The server moves on; our next edit carries a stale version.
	h.serverPut(t, m.ID, `{"id":"`+m.ID+`","title":"theirs"}`)

	got, err := h.store.Get(ctx, "movie", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.(*movie).Title = "mine again"
	if err := h.store.Save(ctx, "movie", got.(*movie)); err != nil {
		t.Fatal(err)
	}

	res, err := h.engine.Push(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsSuccessful() {
		t.Fatal("stale push reported success")
	}
	fail := res.FailedRequests[m.ID]
	if fail == nil || fail.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("failure = %+v, want 412", fail)
	}
	var serverCopy map[string]any
	if err := json.Unmarshal(fail.Body, &serverCopy); err != nil {
		t.Fatal(err)
	}
	if serverCopy["title"] != "theirs" {
		t.Errorf("conflict body title = %v", serverCopy["title"])
	}

	// The operation stays queued for resolution and can be retried
	// after the caller reconciles.
	failed, err := h.engine.FailedOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed queue = %+v", failed)
	}

	// Resolve by pulling the server copy, which clears the local row to
	// the authoritative state, then rebase the edit on the new version.
	if _, err := h.engine.ResetFailedOperations(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Pull(ctx, PullRequest{EntityType: "movie"}); err != nil {
		t.Fatal(err)
	}
	got, err = h.store.Get(ctx, "movie", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.(*movie).Title = "merged"
	if err := h.store.Save(ctx, "movie", got.(*movie)); err != nil {
		t.Fatal(err)
	}
	res, err = h.engine.Push(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSuccessful() {
		t.Fatalf("rebased push = %+v", res)
	}
	_, doc := h.serverGet(t, m.ID)
	if doc["title"] != "merged" {
		t.Errorf("server title = %v", doc["title"])
	}
}
