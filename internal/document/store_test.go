package document

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// memBackend keeps documents in a map.
type memBackend struct {
	mu     sync.Mutex
	docs   map[string][]byte
	writes int
}

func newMemBackend() *memBackend {
	return &memBackend{docs: make(map[string][]byte)}
}

func (b *memBackend) Load(_ context.Context, collection, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.docs[collection+"/"+id]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), body...), nil
}

func (b *memBackend) LoadField(ctx context.Context, collection, id, field string) (string, bool, error) {
	body, _ := b.Load(ctx, collection, id)
	if body == nil {
		return "", false, nil
	}
	var n node
	if err := json.Unmarshal(body, &n); err != nil {
		return "", false, err
	}
	return n.Fields[field], true, nil
}

func (b *memBackend) Write(_ context.Context, collection, id string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[collection+"/"+id] = append([]byte(nil), body...)
	b.writes++
	return nil
}

func (b *memBackend) Delete(_ context.Context, collection, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := collection + "/" + id
	_, ok := b.docs[key]
	delete(b.docs, key)
	return ok, nil
}

func (b *memBackend) Exists(_ context.Context, collection, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.docs[collection+"/"+id]
	return ok, nil
}

func newTestStore(t *testing.T) (*Store, *memBackend) {
	t.Helper()
	backend := newMemBackend()
	store, err := NewStore(backend, 16)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return store, backend
}

func TestStore_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	users := NewModel("users")

	rec := users.New("u1")
	rec.SetField("name", "alice")
	if err := store.Save(ctx, rec, SaveOptions{Validate: true}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !rec.Persisted() {
		t.Error("Persisted() = false after Save, want true")
	}

	got, err := store.Find(ctx, users, "u1")
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if got == nil {
		t.Fatal("Find() = nil, want record")
	}
	if got.Field("name") != "alice" {
		t.Errorf("Field(name) = %q, want %q", got.Field("name"), "alice")
	}
	if got == rec {
		t.Error("Find() returned the saved instance, want a fresh record")
	}
}

func TestStore_FindMissing(t *testing.T) {
	store, _ := newTestStore(t)
	users := NewModel("users")

	got, err := store.Find(context.Background(), users, "nope")
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if got != nil {
		t.Errorf("Find() = %v, want nil", got)
	}
}

func TestStore_FetchBypassesIdentityMap(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)
	users := NewModel("users")

	rec := users.New("u1")
	rec.SetField("name", "alice")
	if err := store.Save(ctx, rec, SaveOptions{}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// Change the stored document behind the store's back.
	other := users.New("u1")
	other.SetField("name", "bob")
	body, _ := json.Marshal(encodeRecord(other))
	backend.Write(ctx, "users", "u1", body)

	cached, _ := store.Find(ctx, users, "u1")
	if cached.Field("name") != "alice" {
		t.Errorf("Find() name = %q, want identity map value %q", cached.Field("name"), "alice")
	}

	fresh, err := store.Fetch(ctx, users, "u1")
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if fresh.Field("name") != "bob" {
		t.Errorf("Fetch() name = %q, want %q", fresh.Field("name"), "bob")
	}
}

func TestStore_EmbeddedModelLookup(t *testing.T) {
	store, _ := newTestStore(t)
	comments := NewModel("comments")
	NewModel("posts").Embeds("comments", comments, true)

	_, err := store.Find(context.Background(), comments, "c1")
	if !errors.Is(err, ErrEmbeddedModel) {
		t.Errorf("Find() error = %v, want ErrEmbeddedModel", err)
	}
}

func TestStore_SaveValidation(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)
	users := NewModel("users")
	users.Validate(func(_ context.Context, rec *Record) {
		if rec.Field("name") == "" {
			rec.Errors().Add("name", "can't be blank")
		}
	})

	tests := []struct {
		name       string
		validate   bool
		wantErr    bool
		wantWrites int
	}{
		{name: "validation blocks write", validate: true, wantErr: true, wantWrites: 0},
		{name: "validation skipped", validate: false, wantErr: false, wantWrites: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend.writes = 0
			rec := users.New("u1")
			err := store.Save(ctx, rec, SaveOptions{Validate: tt.validate})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Save() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Save() error = %v, want ErrInvalid", err)
				}
				var verr *ValidationError
				if !errors.As(err, &verr) || len(verr.Messages) != 1 || verr.Messages[0] != "name can't be blank" {
					t.Errorf("Save() error = %#v, want one message %q", err, "name can't be blank")
				}
			}
			if backend.writes != tt.wantWrites {
				t.Errorf("writes = %d, want %d", backend.writes, tt.wantWrites)
			}
		})
	}
}

func TestStore_CallbackOrder(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)
	users := NewModel("users")

	var calls []string
	users.Validate(func(context.Context, *Record) { calls = append(calls, "validate") })
	users.BeforeSave(func(context.Context, *Record) error {
		if backend.writes != 0 {
			t.Error("before-save ran after the write")
		}
		calls = append(calls, "before")
		return nil
	})
	users.AfterSave(func(context.Context, *Record) error {
		if backend.writes != 1 {
			t.Error("after-save ran before the write")
		}
		calls = append(calls, "after")
		return nil
	})

	if err := store.Save(ctx, users.New("u1"), SaveOptions{Validate: true}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	want := []string{"validate", "before", "after"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestStore_BeforeSaveAborts(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)
	users := NewModel("users")

	boom := errors.New("boom")
	afterRan := false
	users.BeforeSave(func(context.Context, *Record) error { return boom })
	users.AfterSave(func(context.Context, *Record) error { afterRan = true; return nil })

	err := store.Save(ctx, users.New("u1"), SaveOptions{})
	if !errors.Is(err, boom) {
		t.Errorf("Save() error = %v, want %v", err, boom)
	}
	if backend.writes != 0 {
		t.Errorf("writes = %d, want 0", backend.writes)
	}
	if afterRan {
		t.Error("after-save ran after an aborted save")
	}
}

func TestStore_EmbeddedSaveWritesRoot(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	comments := NewModel("comments")
	posts := NewModel("posts").Embeds("comments", comments, true)

	post := posts.New("p1")
	if err := store.Save(ctx, post, SaveOptions{}); err != nil {
		t.Fatalf("Save(post) error: %v", err)
	}

	comment := comments.New("c1")
	comment.SetField("body", "hi")
	if err := post.Embed("comments", comment); err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if err := store.Save(ctx, comment, SaveOptions{}); err != nil {
		t.Fatalf("Save(comment) error: %v", err)
	}

	got, err := store.Fetch(ctx, posts, "p1")
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	c := got.Child("comments", "c1")
	if c == nil {
		t.Fatal("Child(comments, c1) = nil, want record")
	}
	if c.Field("body") != "hi" {
		t.Errorf("Field(body) = %q, want %q", c.Field("body"), "hi")
	}
	if c.Parent() != got || c.Relation() != "comments" {
		t.Errorf("embedded record parent/relation not restored")
	}
}

func TestStore_FieldValue(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	avatar := NewModel("profiles")
	users := NewModel("users").Embeds("profile", avatar, false)

	user := users.New("u1")
	user.SetField("avatar", "a")
	profile := avatar.New("pr1")
	profile.SetField("photo", "p")
	user.Embed("profile", profile)
	if err := store.Save(ctx, user, SaveOptions{}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// In-memory changes are not visible to FieldValue.
	user.SetField("avatar", "changed")
	profile.SetField("photo", "changed")

	tests := []struct {
		name      string
		rec       *Record
		field     string
		wantValue string
		wantFound bool
	}{
		{name: "top-level field", rec: user, field: "avatar", wantValue: "a", wantFound: true},
		{name: "embedded field", rec: profile, field: "photo", wantValue: "p", wantFound: true},
		{name: "unset field", rec: user, field: "missing", wantValue: "", wantFound: true},
		{name: "missing record", rec: users.New("ghost"), field: "avatar", wantValue: "", wantFound: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, found, err := store.FieldValue(ctx, tt.rec, tt.field)
			if err != nil {
				t.Fatalf("FieldValue() error: %v", err)
			}
			if value != tt.wantValue || found != tt.wantFound {
				t.Errorf("FieldValue() = (%q, %v), want (%q, %v)", value, found, tt.wantValue, tt.wantFound)
			}
		})
	}
}

func TestStore_Destroy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	comments := NewModel("comments")
	posts := NewModel("posts").Embeds("comments", comments, true)

	var destroyed []string
	posts.AfterDestroy(func(_ context.Context, rec *Record) error {
		destroyed = append(destroyed, "post:"+rec.ID())
		return nil
	})
	comments.AfterDestroy(func(_ context.Context, rec *Record) error {
		destroyed = append(destroyed, "comment:"+rec.ID())
		return nil
	})

	post := posts.New("p1")
	post.Embed("comments", comments.New("c1"))
	post.Embed("comments", comments.New("c2"))
	if err := store.Save(ctx, post, SaveOptions{}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	t.Run("embedded record", func(t *testing.T) {
		destroyed = nil
		if err := store.Destroy(ctx, post.Child("comments", "c1")); err != nil {
			t.Fatalf("Destroy() error: %v", err)
		}
		got, _ := store.Fetch(ctx, posts, "p1")
		if got.Child("comments", "c1") != nil {
			t.Error("destroyed comment still stored")
		}
		if got.Child("comments", "c2") == nil {
			t.Error("sibling comment was removed")
		}
		if len(destroyed) != 1 || destroyed[0] != "comment:c1" {
			t.Errorf("destroyed = %v, want [comment:c1]", destroyed)
		}
	})

	t.Run("root record cascades callbacks", func(t *testing.T) {
		destroyed = nil
		if err := store.Destroy(ctx, post); err != nil {
			t.Fatalf("Destroy() error: %v", err)
		}
		exists, _ := store.Exists(ctx, posts, "p1")
		if exists {
			t.Error("Exists() = true after Destroy")
		}
		want := []string{"comment:c2", "post:p1"}
		if len(destroyed) != len(want) || destroyed[0] != want[0] || destroyed[1] != want[1] {
			t.Errorf("destroyed = %v, want %v", destroyed, want)
		}
	})

	t.Run("missing record skips callbacks", func(t *testing.T) {
		destroyed = nil
		err := store.Destroy(ctx, posts.New("ghost"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Destroy() error = %v, want ErrNotFound", err)
		}
		if len(destroyed) != 0 {
			t.Errorf("destroyed = %v, want none", destroyed)
		}
	})
}

func TestStore_Reload(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	users := NewModel("users")

	rec := users.New("u1")
	rec.SetField("name", "alice")
	if err := store.Save(ctx, rec, SaveOptions{}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	rec.Memo("k", func() (any, error) { return 1, nil })
	rec.SetField("name", "unsaved")

	if err := store.Reload(ctx, rec); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if rec.Field("name") != "alice" {
		t.Errorf("Field(name) = %q, want %q", rec.Field("name"), "alice")
	}
	v, _ := rec.Memo("k", func() (any, error) { return 2, nil })
	if v != 2 {
		t.Errorf("Memo() = %v after Reload, want rebuilt value 2", v)
	}
}
