package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus/datasync/entity"
)

func TestStoreSaveCommitGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &task{Title: "write tests"}
	if err := store.Save(ctx, "task", item); err != nil {
		t.Fatalf("save: %v", err)
	}
	if item.ID == "" {
		t.Fatal("save did not assign an id")
	}
	if store.TrackedChanges() != 1 {
		t.Fatalf("tracked = %d, want 1", store.TrackedChanges())
	}
	if err := store.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if store.TrackedChanges() != 0 {
		t.Fatal("commit did not clear tracked changes")
	}

	got, err := store.Get(ctx, "task", item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.(*task).Title != "write tests" {
		t.Errorf("title = %q", got.(*task).Title)
	}

	// A first save of a new entity queues an Add.
	ops, err := PendingOperations(ctx, store.DB(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Kind != KindAdd {
		t.Fatalf("queue = %+v, want one add", ops)
	}
}

func TestStoreSaveExistingQueuesReplace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &task{Title: "v1"}
	if err := store.Save(ctx, "task", item); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	// Drain the queue as if push succeeded.
	ops, _ := PendingOperations(ctx, store.DB(), nil)
	for _, op := range ops {
		if err := CompleteOperation(ctx, store.DB(), op.ID); err != nil {
			t.Fatal(err)
		}
	}

	item.Title = "v2"
	if err := store.Save(ctx, "task", item); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	ops, err := PendingOperations(ctx, store.DB(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Kind != KindReplace {
		t.Fatalf("queue = %+v, want one replace", ops)
	}
}

func TestStoreSaveThenRemoveInBatchLeavesNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &task{Title: "ephemeral"}
	if err := store.Save(ctx, "task", item); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(ctx, "task", item.ID); err != nil {
		t.Fatal(err)
	}
	if store.TrackedChanges() != 0 {
		t.Fatalf("tracked = %d, want 0", store.TrackedChanges())
	}
	if err := store.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, "task", item.ID); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("get after cancel = %v, want ErrRowNotFound", err)
	}
	n, err := CountOperations(ctx, store.DB())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("queue holds %d operations, want 0", n)
	}
}

func TestStoreRemoveUnknownRow(t *testing.T) {
	store := newTestStore(t)
	err := store.Remove(context.Background(), "task", "missing")
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("remove = %v, want ErrRowNotFound", err)
	}
}

func TestStoreCommitRejectsInvalidID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &task{Title: "bad"}
	item.ID = "/not/allowed"
	if err := store.Save(ctx, "task", item); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(ctx); !errors.Is(err, entity.ErrInvalidID) {
		t.Fatalf("commit = %v, want ErrInvalidID", err)
	}
}

func TestStoreServiceInitiatedCommitSkipsQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &task{Title: "from server"}
	if err := store.Save(ctx, "task", item); err != nil {
		t.Fatal(err)
	}
	if err := store.CommitServiceInitiated(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, "task", item.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	n, err := CountOperations(ctx, store.DB())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("service-initiated commit queued %d operations", n)
	}
}

func TestApplyServerEntityAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"id":"srv1","updatedAt":"2024-03-01T10:00:00.000Z","version":"djE=","title":"server copy","extra":"dropped"}`)
	a, err := store.ApplyServerEntity(ctx, store.DB(), "task", payload)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a.Properties().ID != "srv1" {
		t.Errorf("id = %q", a.Properties().ID)
	}

	got, err := store.Get(ctx, "task", "srv1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	props := got.Properties()
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !props.UpdatedAt.Equal(want) {
		t.Errorf("updatedAt = %v, want %v", props.UpdatedAt.Time, want)
	}
	if string(props.Version) != "v1" {
		t.Errorf("version = %q, want v1", props.Version)
	}

	if err := store.ApplyServerDelete(ctx, store.DB(), "task", "srv1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "task", "srv1"); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("get after delete = %v", err)
	}
	// Deleting again is a no-op.
	if err := store.ApplyServerDelete(ctx, store.DB(), "task", "srv1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestDeltaTokenMonotone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	tok, err := GetDeltaToken(ctx, db, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Equal(Epoch) {
		t.Fatalf("fresh token = %v, want epoch", tok)
	}

	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	advanced, err := SetDeltaToken(ctx, db, "q1", t2)
	if err != nil {
		t.Fatal(err)
	}
	if !advanced {
		t.Fatal("first set did not advance")
	}

	// Older timestamps never move the mark backwards.
	advanced, err = SetDeltaToken(ctx, db, "q1", t1)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Fatal("stale set reported advance")
	}
	tok, err = GetDeltaToken(ctx, db, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Equal(t2) {
		t.Errorf("token = %v, want %v", tok, t2)
	}

	if err := ResetDeltaToken(ctx, db, "q1"); err != nil {
		t.Fatal(err)
	}
	tok, err = GetDeltaToken(ctx, db, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Equal(Epoch) {
		t.Errorf("token after reset = %v, want epoch", tok)
	}
}

func TestLockBlocksAndCancels(t *testing.T) {
	lock := NewLock()
	ctx := context.Background()
	if err := lock.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	timed, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := lock.Acquire(timed); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second acquire = %v, want deadline exceeded", err)
	}

	lock.Release()
	if err := lock.Acquire(ctx); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	lock.Release()
}
