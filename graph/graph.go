// Package graph navigates the snapshot history
// and computes structural differences between node trees.
package graph

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/format"
	"github.com/bobg/zvc/objects"
)

// CommitChild creates and stores a new snapshot.
// It does not move any ref.
// A zero parent makes an initial snapshot.
func CommitChild(ctx context.Context, objs *objects.Store, parent, root zvc.ObjectID, manifests []zvc.ObjectID, message string, props []format.Property, when time.Time) (zvc.ObjectID, *format.Snapshot, error) {
	if !parent.IsZero() {
		if _, err := objs.GetSnapshot(ctx, parent); err != nil {
			return zvc.Zero, nil, errors.Wrap(err, "checking parent")
		}
	}
	snap := &format.Snapshot{
		Parent:     parent,
		Timestamp:  when.UnixNano(),
		Message:    message,
		Root:       root,
		Manifests:  manifests,
		Properties: props,
	}
	id, err := objs.PutSnapshot(ctx, snap)
	return id, snap, err
}

// Iterator walks a chain of snapshots from newest to oldest.
type Iterator struct {
	objs *objects.Store
	next zvc.ObjectID
	seen map[zvc.ObjectID]bool

	id   zvc.ObjectID
	snap *format.Snapshot
	err  error
}

// Ancestors produces an iterator over id and its ancestors,
// ending at the initial snapshot.
// Nothing is fetched until the first call to Next.
// Call Ancestors again to restart.
func Ancestors(objs *objects.Store, id zvc.ObjectID) *Iterator {
	return &Iterator{objs: objs, next: id, seen: make(map[zvc.ObjectID]bool)}
}

// Next advances the iterator.
// It returns false at the end of the chain or on error;
// check Err to tell which.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.next.IsZero() {
		return false
	}
	if it.seen[it.next] {
		it.err = &zvc.ObjectError{
			Kind:   zvc.ErrCorruption,
			Key:    zvc.SnapshotKey(it.next),
			Detail: "cycle in snapshot history",
		}
		return false
	}
	snap, err := it.objs.GetSnapshot(ctx, it.next)
	if err != nil {
		it.err = err
		return false
	}
	it.seen[it.next] = true
	it.id, it.snap = it.next, snap
	it.next = snap.Parent
	return true
}

// ID is the id of the current snapshot.
func (it *Iterator) ID() zvc.ObjectID { return it.id }

// Snapshot is the current snapshot.
func (it *Iterator) Snapshot() *format.Snapshot { return it.snap }

func (it *Iterator) Err() error { return it.err }

// CommonAncestor finds the most recent snapshot that is an ancestor of both a and b
// (where every snapshot counts as its own ancestor).
func CommonAncestor(ctx context.Context, objs *objects.Store, a, b zvc.ObjectID) (zvc.ObjectID, error) {
	inA := make(map[zvc.ObjectID]bool)
	it := Ancestors(objs, a)
	for it.Next(ctx) {
		inA[it.ID()] = true
	}
	if err := it.Err(); err != nil {
		return zvc.Zero, errors.Wrapf(err, "walking history of %s", a)
	}

	it = Ancestors(objs, b)
	for it.Next(ctx) {
		if inA[it.ID()] {
			return it.ID(), nil
		}
	}
	if err := it.Err(); err != nil {
		return zvc.Zero, errors.Wrapf(err, "walking history of %s", b)
	}
	return zvc.Zero, errors.Wrapf(zvc.ErrNotFound, "no common ancestor of %s and %s", a, b)
}

// IsAncestor tells whether a is b or one of its ancestors.
func IsAncestor(ctx context.Context, objs *objects.Store, a, b zvc.ObjectID) (bool, error) {
	it := Ancestors(objs, b)
	for it.Next(ctx) {
		if it.ID() == a {
			return true, nil
		}
	}
	return false, it.Err()
}

// CheckDAG verifies that every ancestor of id exists and that the history has no cycles.
// It returns the number of snapshots in the chain.
func CheckDAG(ctx context.Context, objs *objects.Store, id zvc.ObjectID) (int, error) {
	var n int
	it := Ancestors(objs, id)
	for it.Next(ctx) {
		n++
	}
	if err := it.Err(); err != nil {
		return n, errors.Wrapf(err, "after %d snapshots", n)
	}
	return n, nil
}
