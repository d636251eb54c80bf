package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jacktea/chunkvault/pkg/xerrors"
)

func TestPathStoreUsesSubdirectories(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewPathStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	id, created, err := store.Put(ctx, []byte("subdir-test"))
	if err != nil || !created {
		t.Fatalf("put: %v created=%v", err, created)
	}
	name := string(id)
	expected := filepath.Join(root, name[:2], name[2:4], name)
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected blob at %s: %v", expected, err)
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	path, err := NewPathStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for name, store := range map[string]Store{"memory": NewMemoryStore(), "path": path} {
		store := store
		t.Run(name, func(t *testing.T) {
			payload := []byte{0, 1, 2, 3, 0xff}
			id, created, err := store.Put(ctx, payload)
			if err != nil || !created {
				t.Fatalf("put: %v created=%v", err, created)
			}
			if id != IDOf(payload) || !id.Valid() {
				t.Fatalf("unexpected id %q", id)
			}
			if _, created, err = store.Put(ctx, payload); err != nil || created {
				t.Fatalf("second put: %v created=%v", err, created)
			}
			got, err := store.Get(ctx, id)
			if err != nil || string(got) != string(payload) {
				t.Fatalf("get = %x, %v", got, err)
			}
			if n, err := store.Count(ctx); err != nil || n != 1 {
				t.Fatalf("count = %d, %v", n, err)
			}
			if ok, _ := store.Exists(ctx, id); !ok {
				t.Fatalf("exists = false")
			}
			if err := store.Delete(ctx, id); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, id); !xerrors.Is(err, xerrors.KindNotFound) {
				t.Fatalf("get after delete err = %v", err)
			}
			if err := store.Delete(ctx, id); !xerrors.Is(err, xerrors.KindNotFound) {
				t.Fatalf("second delete err = %v", err)
			}
		})
	}
}

func TestPathStoreRejectsTraversal(t *testing.T) {
	store, err := NewPathStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Get(context.Background(), "../../etc/passwd"); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("err = %v", err)
	}
	if ok, err := store.Exists(context.Background(), "../x"); ok || err != nil {
		t.Fatalf("exists = %v, %v", ok, err)
	}
}
