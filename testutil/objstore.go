// Package testutil holds tests shared by the object-store backends.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/zvc"
)

// ObjectStore runs the conformance tests for an ObjectStore implementation.
// The factory must produce a new, empty store each time it is called.
func ObjectStore(ctx context.Context, t *testing.T, factory func() zvc.ObjectStore) {
	t.Run("get_put", func(t *testing.T) { GetPut(ctx, t, factory()) })
	t.Run("conditional", func(t *testing.T) { Conditional(ctx, t, factory()) })
	t.Run("list_delete", func(t *testing.T) { ListDelete(ctx, t, factory()) })
	t.Run("race", func(t *testing.T) { Race(ctx, t, factory()) })
	t.Run("all_keys", func(t *testing.T) { AllKeys(ctx, t, factory) })
}

// GetPut stores some objects and reads them back.
func GetPut(ctx context.Context, t *testing.T, s zvc.ObjectStore) {
	_, _, err := s.Get(ctx, "chunks/absent")
	if !errors.Is(err, zvc.ErrNotFound) {
		t.Fatalf("got error %v for absent key, want ErrNotFound", err)
	}

	data := []byte("the quick brown fox")
	v1, err := s.Put(ctx, "chunks/fox", data)
	if err != nil {
		t.Fatal(err)
	}
	got, v, err := s.Get(ctx, "chunks/fox")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}
	if v != v1 {
		t.Errorf("got version %q, want %q", v, v1)
	}

	v2, err := s.Put(ctx, "chunks/fox", []byte("jumps over"))
	if err != nil {
		t.Fatal(err)
	}
	if v2 == v1 {
		t.Error("overwrite did not change the version")
	}
	got, _, err = s.Get(ctx, "chunks/fox")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "jumps over" {
		t.Errorf("got %q after overwrite, want %q", got, "jumps over")
	}

	empty := []byte{}
	if _, err = s.Put(ctx, "chunks/empty", empty); err != nil {
		t.Fatal(err)
	}
	got, _, err = s.Get(ctx, "chunks/empty")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d bytes for empty object", len(got))
	}
}

// Conditional exercises PutIfMatch.
func Conditional(ctx context.Context, t *testing.T, s zvc.ObjectStore) {
	const key = "refs/branches/main"

	v1, err := s.PutIfMatch(ctx, key, []byte("one"), zvc.NoVersion)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.PutIfMatch(ctx, key, []byte("two"), zvc.NoVersion); !errors.Is(err, zvc.ErrPreconditionFailed) {
		t.Fatalf("create-if-absent over existing key: got %v, want ErrPreconditionFailed", err)
	}

	v2, err := s.PutIfMatch(ctx, key, []byte("two"), v1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.PutIfMatch(ctx, key, []byte("three"), v1); !errors.Is(err, zvc.ErrPreconditionFailed) {
		t.Fatalf("stale version: got %v, want ErrPreconditionFailed", err)
	}

	got, v, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Errorf("got %q, want %q", got, "two")
	}
	if v != v2 {
		t.Errorf("got version %q, want %q", v, v2)
	}

	if _, err = s.PutIfMatch(ctx, "refs/branches/other", []byte("x"), v2); !errors.Is(err, zvc.ErrPreconditionFailed) {
		t.Fatalf("version for absent key: got %v, want ErrPreconditionFailed", err)
	}
}

// ListDelete checks prefix listing order and deletion.
func ListDelete(ctx context.Context, t *testing.T, s zvc.ObjectStore) {
	keys := []string{"nodes/b", "nodes/a", "snapshots/a", "nodes/c"}
	for _, k := range keys {
		if _, err := s.Put(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	list := func(prefix string) []string {
		var got []string
		err := s.List(ctx, prefix, func(k string) error {
			got = append(got, k)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return got
	}

	if diff := cmp.Diff([]string{"nodes/a", "nodes/b", "nodes/c"}, list("nodes/")); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	if err := s.Delete(ctx, "nodes/b"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "nodes/never-existed"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "nodes/b"); !errors.Is(err, zvc.ErrNotFound) {
		t.Errorf("got %v after delete, want ErrNotFound", err)
	}
	if diff := cmp.Diff([]string{"nodes/a", "nodes/c"}, list("nodes/")); diff != "" {
		t.Errorf("list after delete mismatch (-want +got):\n%s", diff)
	}

	stop := errors.New("stop")
	var n int
	err := s.List(ctx, "nodes/", func(string) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("callback error not propagated: err=%v after %d calls", err, n)
	}
}

// Race has many goroutines attempt the same conditional update;
// exactly one may win.
func Race(ctx context.Context, t *testing.T, s zvc.ObjectStore) {
	const key = "refs/branches/race"

	v0, err := s.PutIfMatch(ctx, key, []byte("base"), zvc.NoVersion)
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.PutIfMatch(ctx, key, []byte{byte(i)}, v0)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, zvc.ErrPreconditionFailed) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("got %d winners, want 1", wins)
	}
}

// AllKeys writes a random set of random objects to an empty store
// and makes sure that the right set of keys comes back from List.
func AllKeys(ctx context.Context, t *testing.T, factory func() zvc.ObjectStore) {
	f := func(blobs [][]byte) bool {
		var (
			s    = factory()
			want []string
			seen = make(map[string]bool)
		)
		for _, blob := range blobs {
			key := zvc.ChunkKey(zvc.Hash(blob))
			if _, err := s.Put(ctx, key, blob); err != nil {
				t.Fatal(err)
			}
			if !seen[key] {
				seen[key] = true
				want = append(want, key)
			}
		}
		var got []string
		err := s.List(ctx, zvc.ChunkPrefix, func(k string) error {
			got = append(got, k)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		sort.Strings(want)

		if diff := cmp.Diff(want, got, cmpEmpty); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

// cmpEmpty treats nil and empty slices as equal.
var cmpEmpty = cmp.Comparer(func(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
})
