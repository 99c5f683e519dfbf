package repo

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/graph"
	"github.com/bobg/zvc/objstore/mem"
	"github.com/bobg/zvc/refs"
)

var tempMeta = zvc.ArrayMetadata{
	Shape:      []uint64{100, 100},
	ChunkShape: []uint64{10, 10},
	DataType:   "float32",
}

func quietLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(ioutil.Discard)
	return l
}

func testConfig() Config {
	return Config{Retry: RetryConfig{Min: "1ms", Max: "5ms"}}
}

func newRepo(t *testing.T) (*Repository, *mem.Store) {
	t.Helper()
	m := mem.New()
	r, err := Create(context.Background(), m, testConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	return r, m
}

// withTemp commits an array at /temp to main and returns the new snapshot.
func withTemp(t *testing.T, r *Repository) zvc.ObjectID {
	t.Helper()
	ctx := context.Background()
	s, err := r.WritableSession(ctx, MainBranch)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.AddArray(ctx, "/temp", tempMeta, nil); err != nil {
		t.Fatal(err)
	}
	id, err := s.Commit(ctx, "add temp")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func readChunk(t *testing.T, r *Repository, snap zvc.ObjectID, p zvc.Path, idx zvc.Index) []byte {
	t.Helper()
	ctx := context.Background()
	s, err := r.ReadonlySession(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.GetChunk(ctx, p, idx)
	if err != nil {
		t.Fatalf("reading %s%s: %s", p, idx, err)
	}
	return data
}

func TestCreateOpen(t *testing.T) {
	ctx := context.Background()
	m := mem.New()

	if _, err := Open(ctx, m, testConfig()); !errors.Is(err, zvc.ErrNotFound) {
		t.Fatalf("opening an empty store: got %v, want ErrNotFound", err)
	}

	r, err := OpenOrCreate(ctx, m, testConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = Create(ctx, m, testConfig(), WithLogger(quietLogger())); !errors.Is(err, refs.ErrBranchExists) {
		t.Errorf("creating twice: got %v, want ErrBranchExists", err)
	}
	if _, err = OpenOrCreate(ctx, m, testConfig()); err != nil {
		t.Fatal(err)
	}

	tip, err := r.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := r.Snapshot(ctx, tip)
	if err != nil {
		t.Fatal(err)
	}
	if snap.HasParent() || snap.Message != InitialMessage {
		t.Errorf("unexpected initial snapshot %+v", snap)
	}

	s, err := r.ReadonlySession(ctx, tip)
	if err != nil {
		t.Fatal(err)
	}
	root, err := s.GetNode(ctx, zvc.Root)
	if err != nil {
		t.Fatal(err)
	}
	if root.Kind != zvc.GroupKind {
		t.Errorf("root is a %s", root.Kind)
	}
	children, err := s.ListChildren(ctx, zvc.Root)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 0 {
		t.Errorf("new repository has children %v", children)
	}

	branches, err := r.ListBranches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{MainBranch}, branches); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDisjointRebase(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	withTemp(t, r)

	a, err := r.WritableSession(ctx, MainBranch)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.WritableSession(ctx, MainBranch)
	if err != nil {
		t.Fatal(err)
	}

	x, y := []byte("X"), bytes.Repeat([]byte("Y"), 2000)
	if err = a.SetChunk(ctx, "/temp", zvc.Index{0, 0}, x); err != nil {
		t.Fatal(err)
	}
	if err = b.SetChunk(ctx, "/temp", zvc.Index{1, 1}, y); err != nil {
		t.Fatal(err)
	}

	s1, err := a.Commit(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := b.Commit(ctx, "B")
	if err != nil {
		t.Fatalf("disjoint commit failed: %s", err)
	}

	snap2, err := r.Snapshot(ctx, s2)
	if err != nil {
		t.Fatal(err)
	}
	if snap2.Parent != s1 {
		t.Errorf("B's snapshot has parent %s, want A's %s", snap2.Parent, s1)
	}
	if got := readChunk(t, r, s2, "/temp", zvc.Index{0, 0}); !bytes.Equal(got, x) {
		t.Errorf("[0,0] = %q, want %q", got, x)
	}
	if got := readChunk(t, r, s2, "/temp", zvc.Index{1, 1}); !bytes.Equal(got, y) {
		t.Error("[1,1] mismatch")
	}

	n, err := graph.CheckDAG(ctx, r.objs, s2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("history has %d snapshots, want 4", n)
	}

	if b.State() != Committed || b.Snapshot() != s2 || b.HasChanges() {
		t.Errorf("session after commit: state %s, snapshot %s, changes %v", b.State(), b.Snapshot(), b.HasChanges())
	}
}

func TestSameChunkConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	withTemp(t, r)

	a, _ := r.WritableSession(ctx, MainBranch)
	b, _ := r.WritableSession(ctx, MainBranch)
	if err := a.SetChunk(ctx, "/temp", zvc.Index{0, 0}, []byte("from A")); err != nil {
		t.Fatal(err)
	}
	if err := b.SetChunk(ctx, "/temp", zvc.Index{0, 0}, []byte("from B")); err != nil {
		t.Fatal(err)
	}
	if err := b.SetChunk(ctx, "/temp", zvc.Index{5, 5}, []byte("also B")); err != nil {
		t.Fatal(err)
	}

	s1, err := a.Commit(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Commit(ctx, "B")
	var cerr *zvc.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want a ConflictError", err)
	}
	want := []zvc.ChunkCoord{{Path: "/temp", Index: zvc.Index{0, 0}}}
	if diff := cmp.Diff(want, cerr.Chunks); diff != "" {
		t.Errorf("conflict mismatch (-want +got):\n%s", diff)
	}
	if b.State() != Conflicted {
		t.Errorf("session state is %s", b.State())
	}
	if err = b.SetChunk(ctx, "/temp", zvc.Index{0, 0}, []byte("again")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("write after conflict: got %v, want ErrSessionClosed", err)
	}

	tip, err := r.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatal(err)
	}
	if tip != s1 {
		t.Errorf("branch moved to %s after a conflict", tip)
	}
	if got := readChunk(t, r, tip, "/temp", zvc.Index{0, 0}); string(got) != "from A" {
		t.Errorf("got %q, want A's write", got)
	}
}

func TestNoRebase(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	withTemp(t, r)

	a, _ := r.WritableSession(ctx, MainBranch)
	b, _ := r.WritableSession(ctx, MainBranch)
	if err := a.SetChunk(ctx, "/temp", zvc.Index{0, 0}, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := b.SetChunk(ctx, "/temp", zvc.Index{1, 1}, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Commit(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	_, err := b.Commit(ctx, "B", NoRebase())
	var cerr *zvc.ConflictError
	if !errors.As(err, &cerr) || !cerr.Exhausted || !cerr.Empty() {
		t.Errorf("got %v, want an exhausted conflict with no overlaps", err)
	}
}

func TestMetadataConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	withTemp(t, r)

	a, _ := r.WritableSession(ctx, MainBranch)
	b, _ := r.WritableSession(ctx, MainBranch)

	bigger := tempMeta
	bigger.Shape = []uint64{200, 200}
	if err := a.UpdateArray(ctx, "/temp", bigger); err != nil {
		t.Fatal(err)
	}
	if err := b.SetChunk(ctx, "/temp", zvc.Index{3, 3}, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Commit(ctx, "resize"); err != nil {
		t.Fatal(err)
	}
	_, err := b.Commit(ctx, "write")
	var cerr *zvc.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want a ConflictError", err)
	}
	if diff := cmp.Diff([]zvc.Path{"/temp"}, cerr.Nodes); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)

	s, _ := r.WritableSession(ctx, MainBranch)
	if err := s.AddGroup(ctx, "/g", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.AddArray(ctx, "/g/arr", tempMeta, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(ctx, "setup"); err != nil {
		t.Fatal(err)
	}

	a, _ := r.WritableSession(ctx, MainBranch)
	b, _ := r.WritableSession(ctx, MainBranch)
	if err := a.DeleteNode(ctx, "/g"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetChunk(ctx, "/g/arr", zvc.Index{0, 0}, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Commit(ctx, "delete"); err != nil {
		t.Fatal(err)
	}
	_, err := b.Commit(ctx, "write")
	var cerr *zvc.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want a ConflictError", err)
	}
	if diff := cmp.Diff([]zvc.Path{"/g"}, cerr.Nodes); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDedup(t *testing.T) {
	ctx := context.Background()
	r, m := newRepo(t)
	withTemp(t, r)

	data := bytes.Repeat([]byte("dedup"), 1000)
	a, _ := r.WritableSession(ctx, MainBranch)
	b, _ := r.WritableSession(ctx, MainBranch)
	if err := a.SetChunk(ctx, "/temp", zvc.Index{0, 0}, data); err != nil {
		t.Fatal(err)
	}
	if err := b.SetChunk(ctx, "/temp", zvc.Index{2, 2}, data); err != nil {
		t.Fatal(err)
	}
	refA, err := a.ChunkRef(ctx, "/temp", zvc.Index{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	refB, err := b.ChunkRef(ctx, "/temp", zvc.Index{2, 2})
	if err != nil {
		t.Fatal(err)
	}
	if refA.Native == nil || refB.Native == nil || *refA.Native != *refB.Native {
		t.Fatalf("refs differ: %+v vs. %+v", refA, refB)
	}
	if n := m.Writes(zvc.ChunkKey(refA.Native.ID)); n != 1 {
		t.Errorf("got %d physical writes, want 1", n)
	}
}

func TestInline(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	withTemp(t, r)

	s, _ := r.WritableSession(ctx, MainBranch)
	small := bytes.Repeat([]byte{1}, DefaultInlineThreshold)
	large := bytes.Repeat([]byte{2}, DefaultInlineThreshold+1)
	if err := s.SetChunk(ctx, "/temp", zvc.Index{0, 0}, small); err != nil {
		t.Fatal(err)
	}
	if err := s.SetChunk(ctx, "/temp", zvc.Index{0, 1}, large); err != nil {
		t.Fatal(err)
	}
	p, _ := s.ChunkRef(ctx, "/temp", zvc.Index{0, 0})
	if p.Inline == nil || p.Native != nil {
		t.Errorf("small chunk not inline: %+v", p)
	}
	p, _ = s.ChunkRef(ctx, "/temp", zvc.Index{0, 1})
	if p.Native == nil {
		t.Errorf("large chunk inline: %+v", p)
	}
}

// Many sessions racing to commit disjoint writes all succeed,
// and the branch ends up with every write.
func TestConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	withTemp(t, r)

	const n = 8
	var (
		wg       sync.WaitGroup
		sessions = make([]*Session, n)
		ids      = make([]zvc.ObjectID, n)
		errs     = make([]error, n)
	)
	for i := 0; i < n; i++ {
		s, err := r.WritableSession(ctx, MainBranch)
		if err != nil {
			t.Fatal(err)
		}
		if err = s.SetChunk(ctx, "/temp", zvc.Index{uint32(i), 0}, []byte(fmt.Sprintf("chunk %d", i))); err != nil {
			t.Fatal(err)
		}
		sessions[i] = s
	}
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = sessions[i].Commit(ctx, fmt.Sprintf("commit %d", i))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("commit %d: %s", i, err)
		}
	}

	tip, err := r.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, id := range ids {
		if id == tip {
			found = true
		}
	}
	if !found {
		t.Errorf("tip %s is none of the committed snapshots", tip)
	}
	for i := 0; i < n; i++ {
		if got := readChunk(t, r, tip, "/temp", zvc.Index{uint32(i), 0}); string(got) != fmt.Sprintf("chunk %d", i) {
			t.Errorf("chunk %d: got %q", i, got)
		}
	}
	count, err := graph.CheckDAG(ctx, r.objs, tip)
	if err != nil {
		t.Fatal(err)
	}
	if count != n+2 {
		t.Errorf("history has %d snapshots, want %d", count, n+2)
	}
}

// Many sessions racing to write the same chunk:
// exactly one wins and the rest are told about the conflict.
func TestConcurrentConflicts(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	withTemp(t, r)

	const n = 6
	var (
		wg       sync.WaitGroup
		sessions = make([]*Session, n)
		ids      = make([]zvc.ObjectID, n)
		errs     = make([]error, n)
	)
	for i := 0; i < n; i++ {
		s, _ := r.WritableSession(ctx, MainBranch)
		if err := s.SetChunk(ctx, "/temp", zvc.Index{7, 7}, []byte(fmt.Sprintf("writer %d", i))); err != nil {
			t.Fatal(err)
		}
		sessions[i] = s
	}
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = sessions[i].Commit(ctx, "race")
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Errorf("writers %d and %d both won", winner, i)
			}
			winner = i
		case !errors.Is(err, zvc.ErrConflict):
			t.Errorf("writer %d: got %v, want a conflict", i, err)
		}
	}
	if winner < 0 {
		t.Fatal("no writer won")
	}

	tip, _ := r.BranchTip(ctx, MainBranch)
	if tip != ids[winner] {
		t.Errorf("tip is %s, want winner's %s", tip, ids[winner])
	}
	if got := readChunk(t, r, tip, "/temp", zvc.Index{7, 7}); string(got) != fmt.Sprintf("writer %d", winner) {
		t.Errorf("got %q, want writer %d's bytes", got, winner)
	}
}
