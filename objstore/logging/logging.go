// Package logging implements an object store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore"
)

var _ zvc.ObjectStore = &Store{}

// Store logs each operation on a nested store
// and keeps a record of the keys fetched with Get.
type Store struct {
	s   zvc.ObjectStore
	log log.FieldLogger

	mu      sync.Mutex
	fetches []string
}

// New produces a new Store wrapping s.
// A nil logger means the logrus standard logger.
func New(s zvc.ObjectStore, logger log.FieldLogger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{s: s, log: logger}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, zvc.Version, error) {
	s.mu.Lock()
	s.fetches = append(s.fetches, key)
	s.mu.Unlock()

	data, v, err := s.s.Get(ctx, key)
	entry := s.log.WithField("key", key)
	if err != nil && !errors.Is(err, zvc.ErrNotFound) {
		entry.WithError(err).Error("Get")
	} else {
		entry.WithFields(log.Fields{"size": len(data), "version": v, "found": err == nil}).Debug("Get")
	}
	return data, v, err
}

func (s *Store) Put(ctx context.Context, key string, data []byte) (zvc.Version, error) {
	v, err := s.s.Put(ctx, key, data)
	entry := s.log.WithFields(log.Fields{"key": key, "size": len(data)})
	if err != nil {
		entry.WithError(err).Error("Put")
	} else {
		entry.WithField("version", v).Debug("Put")
	}
	return v, err
}

func (s *Store) PutIfMatch(ctx context.Context, key string, data []byte, expected zvc.Version) (zvc.Version, error) {
	v, err := s.s.PutIfMatch(ctx, key, data, expected)
	entry := s.log.WithFields(log.Fields{"key": key, "size": len(data), "expected": expected})
	switch {
	case errors.Is(err, zvc.ErrPreconditionFailed):
		entry.Debug("PutIfMatch: precondition failed")
	case err != nil:
		entry.WithError(err).Error("PutIfMatch")
	default:
		entry.WithField("version", v).Debug("PutIfMatch")
	}
	return v, err
}

func (s *Store) List(ctx context.Context, prefix string, f func(string) error) error {
	var n int
	err := s.s.List(ctx, prefix, func(key string) error {
		n++
		return f(key)
	})
	entry := s.log.WithFields(log.Fields{"prefix": prefix, "count": n})
	if err != nil {
		entry.WithError(err).Error("List")
	} else {
		entry.Debug("List")
	}
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.s.Delete(ctx, key)
	entry := s.log.WithField("key", key)
	if err != nil {
		entry.WithError(err).Error("Delete")
	} else {
		entry.Debug("Delete")
	}
	return err
}

// Fetches returns the keys passed to Get so far, in order.
func (s *Store) Fetches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetches...)
}

// ResetFetches clears the fetch log.
func (s *Store) ResetFetches() {
	s.mu.Lock()
	s.fetches = nil
	s.mu.Unlock()
}

func init() {
	objstore.Register("logging", func(ctx context.Context, conf map[string]interface{}) (zvc.ObjectStore, error) {
		nested, err := objstore.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		return New(nested, nil), nil
	})
}
