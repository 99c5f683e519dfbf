package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/testutil"
)

func TestStore(t *testing.T) {
	dirname, err := os.MkdirTemp("", "filestore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dirname)

	var n int
	testutil.ObjectStore(context.Background(), t, func() zvc.ObjectStore {
		n++
		return New(filepath.Join(dirname, fmt.Sprintf("store%d", n)))
	})
}

func TestFanout(t *testing.T) {
	dirname, err := os.MkdirTemp("", "filestore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dirname)

	var (
		ctx = context.Background()
		s   = New(dirname)
		id  = zvc.Hash([]byte("chunk"))
		key = zvc.ChunkKey(id)
	)
	if _, err = s.Put(ctx, key, []byte("chunk")); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dirname, "chunks", id.String()[:2], id.String())
	if _, err = os.Stat(want); err != nil {
		t.Fatalf("expected object at %s: %s", want, err)
	}

	var got []string
	err = s.List(ctx, zvc.ChunkPrefix, func(k string) error {
		got = append(got, k)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != key {
		t.Errorf("got keys %v, want [%s]", got, key)
	}
}
