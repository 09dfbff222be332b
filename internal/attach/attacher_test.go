package attach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeRecord struct {
	fields map[string]string
}

func newFakeRecord() *fakeRecord { return &fakeRecord{fields: make(map[string]string)} }

func (r *fakeRecord) Field(name string) string     { return r.fields[name] }
func (r *fakeRecord) SetField(name, value string) { r.fields[name] = value }
func (r *fakeRecord) Ref() RecordRef              { return RecordRef{Type: "users", ID: "u1"} }

// decliningPersistence refuses every swap.
type decliningPersistence struct{ NopPersistence }

func (decliningPersistence) Swap(context.Context, *Attacher, *UploadedFile, func(*UploadedFile) error) (bool, error) {
	return false, nil
}

// failingPersistence applies every update and then reports err, as a record
// save that fails after the slot was set would.
type failingPersistence struct {
	NopPersistence
	err error
}

func (p failingPersistence) Update(_ context.Context, _ *Attacher, f *UploadedFile, next func(*UploadedFile) error) error {
	if err := next(f); err != nil {
		return err
	}
	return p.err
}

func newAttacher(t *testing.T, env *testEnv, rec *fakeRecord, opts ...Option) *Attacher {
	t.Helper()
	a := NewAttacher(rec, "avatar", env.uploader, opts...)
	if err := a.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return a
}

func TestAttacher_Attach(t *testing.T) {
	env := newTestEnv()
	rec := newFakeRecord()
	a := newAttacher(t, env, rec, WithValidators(MaxSize(3)))

	if a.Attached() {
		t.Fatal("Attached() = true on empty slot")
	}
	if err := a.Attach(context.Background(), strings.NewReader("hello"), "a.txt"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if !a.Cached() || !a.Changed() {
		t.Errorf("Cached() = %v, Changed() = %v, want both true", a.Cached(), a.Changed())
	}
	if rec.Field("avatar") != a.File().Data() {
		t.Errorf("slot = %q, want %q", rec.Field("avatar"), a.File().Data())
	}
	if errs := a.Errors(); len(errs) != 1 || errs[0] != "size must not be greater than 3 B" {
		t.Errorf("Errors() = %q, want the size error", errs)
	}
}

func TestAttacher_LoadRejectsGarbage(t *testing.T) {
	env := newTestEnv()
	rec := newFakeRecord()
	rec.SetField("avatar", "not json")
	if err := NewAttacher(rec, "avatar", env.uploader).Load(); err == nil {
		t.Error("Load() succeeded on invalid slot data")
	}
}

func TestAttacher_FinalizeReplacesAndPromotes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	old, err := env.uploader.Upload(ctx, StoreKey, strings.NewReader("old"), "old.txt")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	rec := newFakeRecord()
	rec.SetField("avatar", old.Data())
	a := newAttacher(t, env, rec)

	if err := a.Attach(ctx, strings.NewReader("new"), "new.txt"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	cached := a.File()
	if err := a.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if env.store.has(old.ID) {
		t.Error("replaced file still in store")
	}
	if !a.Stored() || a.Changed() {
		t.Errorf("Stored() = %v, Changed() = %v, want true, false", a.Stored(), a.Changed())
	}
	if got := readAll(t, env.uploader, a.File()); got != "new" {
		t.Errorf("stored content = %q, want %q", got, "new")
	}
	if rec.Field("avatar") != a.File().Data() {
		t.Error("slot does not hold the promoted file")
	}
	if !env.cache.has(cached.ID) {
		t.Error("cached original removed by promotion")
	}

	// A second Finalize has nothing to do.
	before := a.File()
	if err := a.Finalize(ctx); err != nil {
		t.Fatalf("second Finalize() error = %v", err)
	}
	if !a.File().Equal(before) {
		t.Error("second Finalize() changed the file")
	}
}

func TestAttacher_FinalizeAfterDetachDeletesPrevious(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	old, _ := env.uploader.Upload(ctx, StoreKey, strings.NewReader("old"), "old.txt")
	rec := newFakeRecord()
	rec.SetField("avatar", old.Data())
	a := newAttacher(t, env, rec)

	a.Detach()
	if rec.Field("avatar") != "" {
		t.Errorf("slot = %q after Detach, want empty", rec.Field("avatar"))
	}
	if err := a.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if env.store.has(old.ID) {
		t.Error("detached file still in store")
	}
}

func TestAttacher_FinalizeUsesPromoter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	var dumps []Dump
	a := newAttacher(t, env, newFakeRecord(), WithPromoter(func(_ context.Context, a *Attacher) error {
		dumps = append(dumps, a.Dump())
		return nil
	}))
	if err := a.Attach(ctx, strings.NewReader("x"), "x.txt"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := a.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if len(dumps) != 1 {
		t.Fatalf("promoter called %d times, want 1", len(dumps))
	}
	want := Dump{Slot: "avatar", Record: RecordRef{Type: "users", ID: "u1"}, Data: a.File().Data()}
	if dumps[0] != want {
		t.Errorf("Dump() = %+v, want %+v", dumps[0], want)
	}
	if !a.Cached() {
		t.Error("file promoted inline despite promoter")
	}
}

func TestAttacher_DeclinedSwapDiscardsPromotedCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	a := newAttacher(t, env, newFakeRecord(), WithPersistence(decliningPersistence{}))

	if err := a.Attach(ctx, strings.NewReader("x"), "x.txt"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := a.Promote(ctx); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if !a.Cached() {
		t.Error("declined swap replaced the file")
	}
	if n := len(env.store.files); n != 0 {
		t.Errorf("store holds %d files, want promoted copy removed", n)
	}
}

func TestAttacher_FailedUpdateDuringPromote(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		err        error
		wantCached bool
	}{
		{"not persisted", boom, true},
		{"persisted before failing", fmt.Errorf("%w: %w", ErrPersisted, boom), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv()
			rec := newFakeRecord()
			a := newAttacher(t, env, rec, WithPersistence(failingPersistence{err: tt.err}))

			if err := a.Attach(ctx, strings.NewReader("x"), "x.txt"); err != nil {
				t.Fatalf("Attach() error = %v", err)
			}
			cached := a.File()

			err := a.Promote(ctx)
			if !errors.Is(err, boom) {
				t.Fatalf("Promote() error = %v, want %v", err, boom)
			}
			if got := a.Cached(); got != tt.wantCached {
				t.Errorf("Cached() = %v, want %v", got, tt.wantCached)
			}
			if rec.Field("avatar") != a.File().Data() {
				t.Errorf("record field = %s, want %s", rec.Field("avatar"), a.File().Data())
			}
			if !env.cache.has(cached.ID) {
				t.Error("cached file removed")
			}
			if tt.wantCached && len(env.store.files) != 0 {
				t.Errorf("store holds %d files, want promoted copy removed", len(env.store.files))
			}
			if !tt.wantCached && !env.store.has(a.File().ID) {
				t.Errorf("persisted file %s removed from store", a.File().ID)
			}
		})
	}
}

func TestAttacher_AttachCached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	cached, _ := env.uploader.Upload(ctx, CacheKey, strings.NewReader("c"), "c.txt")
	stored, _ := env.uploader.Upload(ctx, StoreKey, strings.NewReader("s"), "s.txt")

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"cached file", cached.Data(), nil},
		{"stored file", stored.Data(), ErrNotCached},
		{"missing file", (&UploadedFile{ID: "gone", Storage: CacheKey}).Data(), ErrFileNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAttacher(t, env, newFakeRecord())
			err := a.AttachCached(ctx, tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AttachCached() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && !a.File().Equal(cached) {
				t.Errorf("File() = %+v, want %+v", a.File(), cached)
			}
		})
	}
}

func TestAttacher_SaveRequiresCachedFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	a := newAttacher(t, env, newFakeRecord())

	if err := a.Attach(ctx, strings.NewReader("x"), "x.txt"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := a.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	env.cache.Delete(ctx, a.File().ID)
	if err := a.Save(ctx); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Save() error = %v, want ErrFileNotFound", err)
	}
}

func TestAttacher_Destroy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	empty := newAttacher(t, env, newFakeRecord())
	if err := empty.Destroy(ctx); err != nil {
		t.Errorf("Destroy() on empty slot error = %v", err)
	}

	f, _ := env.uploader.Upload(ctx, StoreKey, strings.NewReader("x"), "x.txt")
	rec := newFakeRecord()
	rec.SetField("avatar", f.Data())
	a := newAttacher(t, env, rec)
	if err := a.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if env.store.has(f.ID) {
		t.Error("destroyed file still in store")
	}
}
