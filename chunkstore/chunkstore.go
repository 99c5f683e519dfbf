// Package chunkstore stores raw chunk bytes under their content addresses.
package chunkstore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
)

// Store is a content-addressed store of chunk bytes
// layered on an object store.
type Store struct {
	s zvc.ObjectStore
}

// New produces a new Store writing to s.
// Transient failures are the business of s;
// wrap it in a retry.Store to absorb them.
func New(s zvc.ObjectStore) *Store {
	return &Store{s: s}
}

// Put stores data and returns a reference to it.
// Identical data always yields an identical ref,
// and data already present is not written again.
func (s *Store) Put(ctx context.Context, data []byte) (zvc.ChunkRef, error) {
	id := zvc.Hash(data)
	ref := zvc.ChunkRef{ID: id, Length: uint64(len(data))}

	_, err := s.s.PutIfMatch(ctx, zvc.ChunkKey(id), data, zvc.NoVersion)
	if errors.Is(err, zvc.ErrPreconditionFailed) {
		return ref, nil
	}
	return ref, errors.Wrapf(err, "storing chunk %s", id)
}

// Get fetches the bytes that ref refers to.
// It fails with zvc.ErrNotFound if the chunk is absent
// and zvc.ErrCorruption if the stored bytes do not hash to ref.ID
// or are too short for the requested range.
func (s *Store) Get(ctx context.Context, ref zvc.ChunkRef) ([]byte, error) {
	key := zvc.ChunkKey(ref.ID)
	data, _, err := s.s.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "getting chunk %s", ref.ID)
	}
	if got := zvc.Hash(data); got != ref.ID {
		return nil, &zvc.ObjectError{
			Kind:   zvc.ErrCorruption,
			Key:    key,
			Detail: fmt.Sprintf("content hashes to %s", got),
		}
	}
	return slice(key, data, ref)
}

func slice(key string, data []byte, ref zvc.ChunkRef) ([]byte, error) {
	if ref.Offset == 0 && (ref.Length == 0 || ref.Length == uint64(len(data))) {
		return data, nil
	}
	end := ref.Offset + ref.Length
	if ref.Length == 0 {
		end = uint64(len(data))
	}
	if end < ref.Offset || end > uint64(len(data)) {
		return nil, &zvc.ObjectError{
			Kind:   zvc.ErrCorruption,
			Key:    key,
			Detail: fmt.Sprintf("range %d+%d exceeds size %d", ref.Offset, ref.Length, len(data)),
		}
	}
	return data[ref.Offset:end], nil
}

// Has tells whether the chunk with the given id is present.
func (s *Store) Has(ctx context.Context, id zvc.ObjectID) (bool, error) {
	_, _, err := s.s.Get(ctx, zvc.ChunkKey(id))
	if errors.Is(err, zvc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking chunk %s", id)
	}
	return true, nil
}

// Delete removes a chunk.
// Only garbage collection should call this.
func (s *Store) Delete(ctx context.Context, id zvc.ObjectID) error {
	return errors.Wrapf(s.s.Delete(ctx, zvc.ChunkKey(id)), "deleting chunk %s", id)
}

// Each calls f with the id of every stored chunk.
func (s *Store) Each(ctx context.Context, f func(zvc.ObjectID) error) error {
	return s.s.List(ctx, zvc.ChunkPrefix, func(key string) error {
		id, err := zvc.IDFromKey(zvc.ChunkPrefix, key)
		if err != nil {
			return err
		}
		return f(id)
	})
}
