// Package mem implements an in-memory object store.
package mem

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore"
)

var _ zvc.ObjectStore = &Store{}

// Store is a memory-based implementation of an object store.
type Store struct {
	mu      sync.Mutex
	objs    map[string]entry
	counter uint64
	writes  map[string]int
}

type entry struct {
	data    []byte
	version zvc.Version
}

// New produces a new Store.
func New() *Store {
	return &Store{
		objs:   make(map[string]entry),
		writes: make(map[string]int),
	}
}

// Get gets the object stored at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, zvc.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.objs[key]
	if !ok {
		return nil, zvc.NoVersion, zvc.ErrNotFound
	}
	return append([]byte(nil), e.data...), e.version, nil
}

// Put stores data at key.
func (s *Store) Put(_ context.Context, key string, data []byte) (zvc.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.put(key, data), nil
}

// Caller must obtain a lock.
func (s *Store) put(key string, data []byte) zvc.Version {
	s.counter++
	v := zvc.Version(strconv.FormatUint(s.counter, 10))
	s.objs[key] = entry{data: append([]byte(nil), data...), version: v}
	s.writes[key]++
	return v
}

// PutIfMatch stores data at key if key's current version is `expected`.
func (s *Store) PutIfMatch(_ context.Context, key string, data []byte, expected zvc.Version) (zvc.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.objs[key].version != expected {
		return zvc.NoVersion, zvc.ErrPreconditionFailed
	}
	return s.put(key, data), nil
}

// List produces the keys beginning with prefix, in lexicographic order.
func (s *Store) List(_ context.Context, prefix string, f func(string) error) error {
	s.mu.Lock()
	var keys []string
	for k := range s.objs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := f(k); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objs, key)
	return nil
}

// Writes reports how many times key has been physically written.
func (s *Store) Writes(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writes[key]
}

// Len reports the number of keys in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.objs)
}

func init() {
	objstore.Register("mem", func(context.Context, map[string]interface{}) (zvc.ObjectStore, error) {
		return New(), nil
	})
}
