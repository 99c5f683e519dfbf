// Package objects reads and writes the engine's structured objects
// (snapshots, nodes, and manifest shards)
// under their content addresses, through a cache.
package objects

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/cache"
	"github.com/bobg/zvc/format"
)

// Store is safe for concurrent use.
type Store struct {
	s        zvc.ObjectStore
	l        *cache.Loader
	compress bool
}

// New produces a new Store reading and writing s.
func New(s zvc.ObjectStore, c cache.Cache, compress bool) *Store {
	if c == nil {
		c = cache.Nop{}
	}
	return &Store{s: s, l: cache.NewLoader(c), compress: compress}
}

// ObjectStore is the underlying object store.
func (s *Store) ObjectStore() zvc.ObjectStore {
	return s.s
}

// CacheStats reports cache hits and misses.
func (s *Store) CacheStats() (hits, misses int64) {
	return s.l.Stats()
}

func (s *Store) GetSnapshot(ctx context.Context, id zvc.ObjectID) (*format.Snapshot, error) {
	v, err := s.get(ctx, id, zvc.SnapshotKey(id), format.SnapshotKind, new(format.Snapshot))
	if err != nil {
		return nil, errors.Wrapf(err, "getting snapshot %s", id)
	}
	return v.(*format.Snapshot), nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap *format.Snapshot) (zvc.ObjectID, error) {
	id, err := s.put(ctx, zvc.SnapshotKey, format.SnapshotKind, snap)
	return id, errors.Wrap(err, "storing snapshot")
}

func (s *Store) GetNode(ctx context.Context, id zvc.ObjectID) (*format.Node, error) {
	v, err := s.get(ctx, id, zvc.NodeKey(id), format.NodeKind, new(format.Node))
	if err != nil {
		return nil, errors.Wrapf(err, "getting node %s", id)
	}
	return v.(*format.Node), nil
}

func (s *Store) PutNode(ctx context.Context, node *format.Node) (zvc.ObjectID, error) {
	id, err := s.put(ctx, zvc.NodeKey, format.NodeKind, node)
	return id, errors.Wrap(err, "storing node")
}

func (s *Store) GetShard(ctx context.Context, id zvc.ObjectID) (*format.Shard, error) {
	v, err := s.get(ctx, id, zvc.ManifestKey(id), format.ShardKind, new(format.Shard))
	if err != nil {
		return nil, errors.Wrapf(err, "getting manifest shard %s", id)
	}
	return v.(*format.Shard), nil
}

func (s *Store) PutShard(ctx context.Context, shard *format.Shard) (zvc.ObjectID, error) {
	id, err := s.put(ctx, zvc.ManifestKey, format.ShardKind, shard)
	return id, errors.Wrap(err, "storing manifest shard")
}

// HasSnapshot tells whether a snapshot with the given id exists.
func (s *Store) HasSnapshot(ctx context.Context, id zvc.ObjectID) (bool, error) {
	_, err := s.GetSnapshot(ctx, id)
	if errors.Is(err, zvc.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) get(ctx context.Context, id zvc.ObjectID, key string, kind format.Kind, obj interface{}) (interface{}, error) {
	return s.l.Get(ctx, id, func(ctx context.Context) (interface{}, error) {
		data, _, err := s.s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if got := zvc.Hash(data); got != id {
			return nil, &zvc.ObjectError{
				Kind:   zvc.ErrCorruption,
				Key:    key,
				Detail: fmt.Sprintf("content hashes to %s", got),
			}
		}
		if err = format.Decode(data, kind, obj); err != nil {
			return nil, format.WithKey(err, key)
		}
		return obj, nil
	})
}

// The caller must not modify obj after handing it to put,
// since it goes into the cache.
func (s *Store) put(ctx context.Context, keyFn func(zvc.ObjectID) string, kind format.Kind, obj interface{}) (zvc.ObjectID, error) {
	data, err := format.Encode(kind, obj, s.compress)
	if err != nil {
		return zvc.Zero, err
	}
	id := zvc.Hash(data)
	_, err = s.s.PutIfMatch(ctx, keyFn(id), data, zvc.NoVersion)
	if err != nil && !errors.Is(err, zvc.ErrPreconditionFailed) {
		return zvc.Zero, err
	}
	s.l.Add(id, obj)
	return id, nil
}
