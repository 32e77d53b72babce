package persistence

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"testing"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestPushPopOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var want [][]string
	for i := 0; i < 25; i++ {
		item := []string{fmt.Sprintf("/doc/%d.xml", i)}
		if i%5 == 0 {
			item = append(item, fmt.Sprintf("/doc/%d-b.xml", i))
		}
		want = append(want, item)
	}
	if err := store.Push(ctx, want[:10]...); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := store.Push(ctx, want[10:]...); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	n, err := store.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 25 {
		t.Fatalf("Len = %d, want 25", n)
	}

	var got [][]string
	for {
		batch, err := store.Pop(ctx, 7)
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		got = append(got, batch...)
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("popped items out of order:\ngot  %v\nwant %v", got, want)
	}
	if n, _ := store.Len(ctx); n != 0 {
		t.Errorf("Len after drain = %d, want 0", n)
	}
}

func TestPopInterleavedWithPush(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Push(ctx, []string{"a"}, []string{"b"})
	first, _ := store.Pop(ctx, 1)
	store.Push(ctx, []string{"c"})
	rest, _ := store.Pop(ctx, 10)

	got := append(first, rest...)
	want := [][]string{{"a"}, {"b"}, {"c"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestClear(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Push(ctx, []string{"a"}, []string{"b"}, []string{"c"})
	n, err := store.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Clear = %d, want 3", n)
	}
	if n, _ := store.Len(ctx); n != 0 {
		t.Errorf("Len after Clear = %d", n)
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	a.Push(ctx, []string{"only-a"})
	if n, _ := b.Len(ctx); n != 0 {
		t.Errorf("second memory store sees %d items", n)
	}
}

func TestFileStoreRemovedOnClose(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewSQLiteStore(ctx, dir, "job-1")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.Push(ctx, []string{"/x.xml"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Errorf("database file still present after Close: %v", err)
	}
}
