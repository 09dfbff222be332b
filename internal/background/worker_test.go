package background

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"attachkit/internal/attach"
	"attachkit/internal/document"
	"attachkit/internal/integration"
	"attachkit/internal/testutil"
)

type stubPromoter struct {
	mu   sync.Mutex
	seen []string
	fail string
}

func (p *stubPromoter) Promote(_ context.Context, dump attach.Dump) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, dump.Record.ID)
	if dump.Record.ID == p.fail {
		return errors.New("boom")
	}
	return nil
}

func TestWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 1)

	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		if err := q.Enqueue(ctx, attach.Dump{Slot: "avatar", Record: attach.RecordRef{Type: "users", ID: id}}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	p := &stubPromoter{fail: "u3"}
	logger := &testutil.RecordingLogger{}
	w := NewWorker(q, p, 3, logger)

	succeeded, failed, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if succeeded != 4 || failed != 1 {
		t.Errorf("RunOnce() = %d succeeded, %d failed, want 4 and 1", succeeded, failed)
	}
	if len(p.seen) != 5 {
		t.Errorf("promoter saw %d jobs, want 5", len(p.seen))
	}
	if !logger.Has("error", "promotion failed") {
		t.Error("failed job was not logged")
	}
	if n, _ := q.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want the failed job left", n)
	}
}

func TestWorker_FailedJobWaitsForNextRun(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, 3)

	if err := q.Enqueue(ctx, attach.Dump{Slot: "avatar", Record: attach.RecordRef{Type: "users", ID: "u1"}}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	p := &stubPromoter{fail: "u1"}
	w := NewWorker(q, p, 2, nil)

	tests := []struct {
		advance    time.Duration
		wantFailed int
	}{
		{0, 1},
		{0, 0},
		{time.Hour, 1},
	}
	for i, tt := range tests {
		clock.Advance(tt.advance)
		_, failed, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run %d: RunOnce() error = %v", i, err)
		}
		if failed != tt.wantFailed {
			t.Errorf("run %d: RunOnce() failed = %d, want %d", i, failed, tt.wantFailed)
		}
	}
	if len(p.seen) != 2 {
		t.Errorf("promoter saw %d attempts, want 2", len(p.seen))
	}
}

func TestWorker_PromotesThroughAdapter(t *testing.T) {
	ctx := context.Background()
	store, backend := testutil.NewTestStore(t)
	up := testutil.NewTestUploader(nil)

	users := document.NewModel("users")
	registry := document.NewRegistry()
	registry.Register(users)

	adapter := integration.New(integration.DefaultConfig(), registry, store, nil)
	avatar, err := adapter.Install(users, "avatar", up.Uploader)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	q := NewQueue(backend.DB(), testutil.FixedClock(), testutil.NewStubIDGenerator(), 0)
	adapter.SetQueue(q)

	rec := users.New("u1")
	att, err := avatar.Attacher(rec)
	if err != nil {
		t.Fatalf("Attacher() error = %v", err)
	}
	if err := att.Attach(ctx, strings.NewReader("hello"), "a.txt"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := store.Save(ctx, rec, document.SaveOptions{Validate: true}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if n, _ := q.Count(ctx); n != 1 {
		t.Fatalf("Count() after save = %d, want 1", n)
	}

	succeeded, failed, err := NewWorker(q, adapter, 2, nil).RunOnce(ctx)
	if err != nil || succeeded != 1 || failed != 0 {
		t.Fatalf("RunOnce() = %d, %d, %v, want 1, 0, nil", succeeded, failed, err)
	}

	value, _, err := store.FieldValue(ctx, rec, "avatar")
	if err != nil {
		t.Fatalf("FieldValue() error = %v", err)
	}
	file, err := attach.ParseFile(value)
	if err != nil || file == nil {
		t.Fatalf("ParseFile() = %v, %v", file, err)
	}
	if file.Storage != attach.StoreKey {
		t.Errorf("stored file storage = %q, want store", file.Storage)
	}
	if got := testutil.ReadFile(t, up.Uploader, file); got != "hello" {
		t.Errorf("promoted content = %q, want %q", got, "hello")
	}
}
