package local

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/datasync/entity"
)

type task struct {
	entity.SystemProperties
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	registry := entity.NewRegistry()
	if err := registry.Register(&entity.Descriptor{
		Name: "task",
		New:  func() entity.Accessor { return &task{} },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	store, err := Open(filepath.Join(t.TempDir(), "sync.db"), registry)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueCoalescing(t *testing.T) {
	tests := []struct {
		name      string
		first     Kind
		second    Kind
		wantKind  Kind
		wantEmpty bool
		wantErr   bool
	}{
		{name: "add then delete drops", first: KindAdd, second: KindDelete, wantEmpty: true},
		{name: "add then replace stays add", first: KindAdd, second: KindReplace, wantKind: KindAdd},
		{name: "delete then add becomes replace", first: KindDelete, second: KindAdd, wantKind: KindReplace},
		{name: "replace then delete becomes delete", first: KindReplace, second: KindDelete, wantKind: KindDelete},
		{name: "replace then replace stays replace", first: KindReplace, second: KindReplace, wantKind: KindReplace},
		{name: "add then add is invalid", first: KindAdd, second: KindAdd, wantErr: true},
		{name: "delete then delete is invalid", first: KindDelete, second: KindDelete, wantErr: true},
		{name: "delete then replace is invalid", first: KindDelete, second: KindReplace, wantErr: true},
		{name: "replace then add is invalid", first: KindReplace, second: KindAdd, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			ctx := context.Background()
			db := store.DB()

			if err := Enqueue(ctx, db, tt.first, "task", "t1", nil, []byte(`{"id":"t1"}`)); err != nil {
				t.Fatalf("first enqueue: %v", err)
			}
			err := Enqueue(ctx, db, tt.second, "task", "t1", nil, []byte(`{"id":"t1","title":"x"}`))
			if tt.wantErr {
				if !errors.Is(err, ErrQueueIntegrity) {
					t.Fatalf("want ErrQueueIntegrity, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("second enqueue: %v", err)
			}

			ops, err := PendingOperations(ctx, db, nil)
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if tt.wantEmpty {
				if len(ops) != 0 {
					t.Fatalf("want empty queue, got %d operations", len(ops))
				}
				return
			}
			if len(ops) != 1 {
				t.Fatalf("want 1 operation, got %d", len(ops))
			}
			if ops[0].Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", ops[0].Kind, tt.wantKind)
			}
			if ops[0].Version != 1 {
				t.Errorf("version = %d, want 1 after coalesce", ops[0].Version)
			}
			if ops[0].State != StatePending {
				t.Errorf("state = %s, want pending", ops[0].State)
			}
		})
	}
}

func TestEnqueuePreservesSequenceOnCoalesce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	if err := Enqueue(ctx, db, KindAdd, "task", "a", nil, []byte(`{"id":"a"}`)); err != nil {
		t.Fatal(err)
	}
	if err := Enqueue(ctx, db, KindAdd, "task", "b", nil, []byte(`{"id":"b"}`)); err != nil {
		t.Fatal(err)
	}
	// Coalescing a later edit into "a" must not move it after "b".
	if err := Enqueue(ctx, db, KindReplace, "task", "a", nil, []byte(`{"id":"a","done":true}`)); err != nil {
		t.Fatal(err)
	}

	ops, err := PendingOperations(ctx, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("want 2 operations, got %d", len(ops))
	}
	if ops[0].ItemID != "a" || ops[1].ItemID != "b" {
		t.Errorf("order = %s, %s; want a, b", ops[0].ItemID, ops[1].ItemID)
	}
	if ops[0].Sequence >= ops[1].Sequence {
		t.Errorf("sequence %d not before %d", ops[0].Sequence, ops[1].Sequence)
	}
}

func TestPendingOperationsScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	for i, typ := range []string{"task", "note", "task"} {
		id := fmt.Sprintf("%s-%d", typ, i)
		if err := Enqueue(ctx, db, KindAdd, typ, id, nil, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	ops, err := PendingOperations(ctx, db, []string{"task"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("want 2 task operations, got %d", len(ops))
	}
	for _, op := range ops {
		if op.EntityType != "task" {
			t.Errorf("scoped query returned type %s", op.EntityType)
		}
	}
}

func TestFailAndResetOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	if err := Enqueue(ctx, db, KindAdd, "task", "t1", nil, []byte(`{"id":"t1"}`)); err != nil {
		t.Fatal(err)
	}
	ops, err := PendingOperations(ctx, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	attemptedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := FailOperation(ctx, db, ops[0].ID, 412, attemptedAt); err != nil {
		t.Fatal(err)
	}

	failed, err := FailedOperations(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("want 1 failed operation, got %d", len(failed))
	}
	if failed[0].HTTPStatusCode != 412 {
		t.Errorf("status = %d, want 412", failed[0].HTTPStatusCode)
	}
	if !failed[0].LastAttempt.Equal(attemptedAt) {
		t.Errorf("last attempt = %v, want %v", failed[0].LastAttempt, attemptedAt)
	}

	n, err := ResetFailedOperations(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}
	failed, err = FailedOperations(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("still %d failed after reset", len(failed))
	}
}

func TestCompleteOperationRemoves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	if err := Enqueue(ctx, db, KindAdd, "task", "t1", nil, []byte(`{"id":"t1"}`)); err != nil {
		t.Fatal(err)
	}
	ops, err := PendingOperations(ctx, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := CompleteOperation(ctx, db, ops[0].ID); err != nil {
		t.Fatal(err)
	}
	n, err := CountOperations(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d after completion, want 0", n)
	}
}

func TestPurgeOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t%d", i)
		if err := Enqueue(ctx, db, KindAdd, "task", id, nil, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	if err := PurgeOperations(ctx, db); err != nil {
		t.Fatal(err)
	}
	n, err := CountOperations(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d after purge, want 0", n)
	}
}
