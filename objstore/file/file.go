// Package file implements an object store as a file hierarchy.
package file

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bobg/flock"
	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore"
)

var _ zvc.ObjectStore = &Store{}

// Store is a file-based implementation of an object store.
// Content-addressed objects are fanned out into subdirectories
// named for the first two hex digits of their ids.
//
// An object's Version is derived from its content,
// so conditional writes compare values.
type Store struct {
	root    string
	flocker flock.Locker
	mu      sync.Mutex // serializes conditional writes within this process
}

// New produces a new Store storing data beneath `root`.
func New(root string) *Store {
	return &Store{root: root}
}

var fanout = []string{zvc.ChunkPrefix, zvc.ManifestPrefix, zvc.NodePrefix, zvc.SnapshotPrefix}

func (s *Store) path(key string) string {
	for _, ns := range fanout {
		if strings.HasPrefix(key, ns) {
			if h := key[len(ns):]; len(h) > 2 && !strings.Contains(h, "/") {
				return filepath.Join(s.root, filepath.FromSlash(ns), h[:2], h)
			}
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *Store) key(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 3 {
		ns := parts[0] + "/"
		for _, f := range fanout {
			if ns == f && strings.HasPrefix(parts[2], parts[1]) {
				return ns + parts[2], nil
			}
		}
	}
	return strings.Join(parts, "/"), nil
}

func versionOf(data []byte) zvc.Version {
	h := zvc.Hash(data)
	return zvc.Version(hex.EncodeToString(h[:16]))
}

// Get gets the object stored at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, zvc.Version, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, zvc.NoVersion, zvc.ErrNotFound
	}
	if err != nil {
		return nil, zvc.NoVersion, errors.Wrapf(err, "reading %s", path)
	}
	return data, versionOf(data), nil
}

// Put stores data at key, atomically replacing any previous content.
func (s *Store) Put(_ context.Context, key string, data []byte) (zvc.Version, error) {
	var (
		path = s.path(key)
		dir  = filepath.Dir(path)
	)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return zvc.NoVersion, errors.Wrapf(err, "ensuring path %s exists", dir)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return zvc.NoVersion, errors.Wrapf(err, "writing %s", path)
	}
	return versionOf(data), nil
}

// PutIfMatch stores data at key if key's current version is `expected`.
// A lock file beside the object excludes other processes.
func (s *Store) PutIfMatch(ctx context.Context, key string, data []byte, expected zvc.Version) (zvc.Version, error) {
	var (
		path     = s.path(key)
		dir      = filepath.Dir(path)
		lockPath = filepath.Join(dir, "."+filepath.Base(path)+".lock")
	)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return zvc.NoVersion, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return zvc.NoVersion, errors.Wrapf(err, "creating lock file %s", lockPath)
	}
	f.Close()

	if err = s.flocker.Lock(lockPath); err != nil {
		return zvc.NoVersion, errors.Wrapf(err, "locking %s", lockPath)
	}
	defer s.flocker.Unlock(lockPath)

	_, current, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, zvc.ErrNotFound) {
		return zvc.NoVersion, err
	}
	if current != expected {
		return zvc.NoVersion, zvc.ErrPreconditionFailed
	}
	return s.Put(ctx, key, data)
}

// List produces the keys beginning with prefix, in lexicographic order.
func (s *Store) List(_ context.Context, prefix string, f func(string) error) error {
	start := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}

	var keys []string
	err := filepath.Walk(start, func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		key, err := s.key(path)
		if err != nil {
			return errors.Wrapf(err, "decoding path %s", path)
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "walking %s", start)
	}

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
	path := s.path(key)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "removing %s", path)
}

func init() {
	objstore.Register("file", func(_ context.Context, conf map[string]interface{}) (zvc.ObjectStore, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}
