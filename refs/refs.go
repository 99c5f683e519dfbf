// Package refs stores branches and tags.
//
// A branch is a mutable pointer to a snapshot,
// advanced only by compare-and-swap on its object-store version.
// A tag is created once and never moved.
// Deleting a tag leaves a tombstone so that the name cannot be reused.
package refs

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/format"
)

var (
	ErrBranchExists = errors.New("branch exists")
	ErrTagExists    = errors.New("tag exists")
	ErrTagDeleted   = errors.New("tag was deleted")
	ErrBadName      = errors.New("invalid ref name")
)

const tombstoneSuffix = ".deleted"

// Store is a collection of branches and tags in an object store.
type Store struct {
	s zvc.ObjectStore
}

func New(s zvc.ObjectStore) *Store {
	return &Store{s: s}
}

// ValidName checks a branch or tag name.
func ValidName(name string) error {
	if name == "" || strings.Contains(name, "/") || strings.HasSuffix(name, tombstoneSuffix) || name == "." || name == ".." {
		return errors.Wrapf(ErrBadName, "%q", name)
	}
	return nil
}

func branchKey(name string) string    { return zvc.BranchPrefix + name }
func tagKey(name string) string       { return zvc.TagPrefix + name }
func tombstoneKey(name string) string { return zvc.TagPrefix + name + tombstoneSuffix }

func encode(snap zvc.ObjectID) ([]byte, error) {
	return format.Encode(format.RefKind, &format.Ref{Snapshot: snap}, false)
}

func (s *Store) read(ctx context.Context, key string) (zvc.ObjectID, zvc.Version, error) {
	data, v, err := s.s.Get(ctx, key)
	if err != nil {
		return zvc.Zero, zvc.NoVersion, err
	}
	var ref format.Ref
	if err = format.Decode(data, format.RefKind, &ref); err != nil {
		return zvc.Zero, zvc.NoVersion, format.WithKey(err, key)
	}
	return ref.Snapshot, v, nil
}

// Branch returns the snapshot a branch points to,
// and the version token needed to move it.
func (s *Store) Branch(ctx context.Context, name string) (zvc.ObjectID, zvc.Version, error) {
	if err := ValidName(name); err != nil {
		return zvc.Zero, zvc.NoVersion, err
	}
	id, v, err := s.read(ctx, branchKey(name))
	return id, v, errors.Wrapf(err, "reading branch %s", name)
}

// CreateBranch creates a branch pointing to snap.
// It fails with ErrBranchExists if the branch already exists.
func (s *Store) CreateBranch(ctx context.Context, name string, snap zvc.ObjectID) (zvc.Version, error) {
	if err := ValidName(name); err != nil {
		return zvc.NoVersion, err
	}
	data, err := encode(snap)
	if err != nil {
		return zvc.NoVersion, err
	}
	v, err := s.s.PutIfMatch(ctx, branchKey(name), data, zvc.NoVersion)
	if errors.Is(err, zvc.ErrPreconditionFailed) {
		return zvc.NoVersion, errors.Wrap(ErrBranchExists, name)
	}
	return v, errors.Wrapf(err, "creating branch %s", name)
}

// UpdateBranch moves a branch to snap,
// provided its version is still expected.
// Otherwise it fails with zvc.ErrPreconditionFailed.
func (s *Store) UpdateBranch(ctx context.Context, name string, snap zvc.ObjectID, expected zvc.Version) (zvc.Version, error) {
	if err := ValidName(name); err != nil {
		return zvc.NoVersion, err
	}
	if expected == zvc.NoVersion {
		return zvc.NoVersion, errors.Errorf("updating branch %s: no expected version", name)
	}
	data, err := encode(snap)
	if err != nil {
		return zvc.NoVersion, err
	}
	v, err := s.s.PutIfMatch(ctx, branchKey(name), data, expected)
	return v, errors.Wrapf(err, "updating branch %s", name)
}

// DeleteBranch removes a branch.
// The object store has no conditional delete,
// so a commit that advances the branch while it is being deleted is lost with it.
// Snapshots are never removed, so such a commit can still be found by id
// and a new branch created on it.
func (s *Store) DeleteBranch(ctx context.Context, name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if _, _, err := s.Branch(ctx, name); err != nil {
		return err
	}
	return errors.Wrapf(s.s.Delete(ctx, branchKey(name)), "deleting branch %s", name)
}

// ListBranches lists branch names in sorted order.
func (s *Store) ListBranches(ctx context.Context) ([]string, error) {
	var result []string
	err := s.s.List(ctx, zvc.BranchPrefix, func(key string) error {
		result = append(result, strings.TrimPrefix(key, zvc.BranchPrefix))
		return nil
	})
	sort.Strings(result)
	return result, errors.Wrap(err, "listing branches")
}

// Tag returns the snapshot a tag points to.
// It fails with ErrTagDeleted for a deleted tag
// and zvc.ErrNotFound for one that never existed.
func (s *Store) Tag(ctx context.Context, name string) (zvc.ObjectID, error) {
	if err := ValidName(name); err != nil {
		return zvc.Zero, err
	}
	id, _, err := s.read(ctx, tagKey(name))
	if errors.Is(err, zvc.ErrNotFound) {
		if deleted, err2 := s.deleted(ctx, name); err2 != nil {
			return zvc.Zero, err2
		} else if deleted {
			return zvc.Zero, errors.Wrap(ErrTagDeleted, name)
		}
	}
	return id, errors.Wrapf(err, "reading tag %s", name)
}

func (s *Store) deleted(ctx context.Context, name string) (bool, error) {
	_, _, err := s.s.Get(ctx, tombstoneKey(name))
	if errors.Is(err, zvc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking for deleted tag %s", name)
	}
	return true, nil
}

// CreateTag creates a tag pointing to snap.
// It fails with ErrTagExists if the tag exists
// and ErrTagDeleted if it once existed.
func (s *Store) CreateTag(ctx context.Context, name string, snap zvc.ObjectID) error {
	if err := ValidName(name); err != nil {
		return err
	}
	deleted, err := s.deleted(ctx, name)
	if err != nil {
		return err
	}
	if deleted {
		return errors.Wrap(ErrTagDeleted, name)
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}
	_, err = s.s.PutIfMatch(ctx, tagKey(name), data, zvc.NoVersion)
	if errors.Is(err, zvc.ErrPreconditionFailed) {
		return errors.Wrap(ErrTagExists, name)
	}
	return errors.Wrapf(err, "creating tag %s", name)
}

// DeleteTag removes a tag, leaving a tombstone.
func (s *Store) DeleteTag(ctx context.Context, name string) error {
	id, err := s.Tag(ctx, name)
	if err != nil {
		return err
	}
	data, err := encode(id)
	if err != nil {
		return err
	}
	_, err = s.s.PutIfMatch(ctx, tombstoneKey(name), data, zvc.NoVersion)
	if errors.Is(err, zvc.ErrPreconditionFailed) {
		return errors.Wrap(ErrTagDeleted, name)
	}
	if err != nil {
		return errors.Wrapf(err, "writing tombstone for tag %s", name)
	}
	return errors.Wrapf(s.s.Delete(ctx, tagKey(name)), "deleting tag %s", name)
}

// ListTags lists live tag names in sorted order.
func (s *Store) ListTags(ctx context.Context) ([]string, error) {
	var result []string
	err := s.s.List(ctx, zvc.TagPrefix, func(key string) error {
		if !strings.HasSuffix(key, tombstoneSuffix) {
			result = append(result, strings.TrimPrefix(key, zvc.TagPrefix))
		}
		return nil
	})
	sort.Strings(result)
	return result, errors.Wrap(err, "listing tags")
}

// Each calls f with the target of every branch and live tag.
// Garbage collection uses this to find the roots of reachable history.
func (s *Store) Each(ctx context.Context, f func(key string, snap zvc.ObjectID) error) error {
	for _, prefix := range []string{zvc.BranchPrefix, zvc.TagPrefix} {
		var keys []string
		err := s.s.List(ctx, prefix, func(key string) error {
			if !strings.HasSuffix(key, tombstoneSuffix) {
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "listing %s", prefix)
		}
		for _, key := range keys {
			id, _, err := s.read(ctx, key)
			if errors.Is(err, zvc.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err = f(key, id); err != nil {
				return err
			}
		}
	}
	return nil
}
