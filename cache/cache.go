// Package cache holds decoded immutable objects keyed by content address.
//
// Nothing stored here ever changes once created,
// so entries need no invalidation, only eviction.
// Callers must treat cached values as read-only.
package cache

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/bobg/zvc"
)

// Cache is safe for concurrent use.
type Cache interface {
	Get(zvc.ObjectID) (interface{}, bool)
	Add(zvc.ObjectID, interface{})
	Remove(zvc.ObjectID)
	Len() int
}

// New produces an LRU cache holding up to size entries,
// or a Nop cache if size is not positive.
func New(size int) (Cache, error) {
	if size <= 0 {
		return Nop{}, nil
	}
	return NewLRU(size)
}

var _ Cache = &LRU{}

// LRU is a least-recently-used cache of fixed capacity.
type LRU struct {
	c *lru.Cache
}

// NewLRU produces a new LRU holding up to size entries.
func NewLRU(size int) (*LRU, error) {
	c, err := lru.New(size)
	return &LRU{c: c}, err
}

func (l *LRU) Get(id zvc.ObjectID) (interface{}, bool) { return l.c.Get(id) }
func (l *LRU) Add(id zvc.ObjectID, v interface{})      { l.c.Add(id, v) }
func (l *LRU) Remove(id zvc.ObjectID)                  { l.c.Remove(id) }
func (l *LRU) Len() int                                { return l.c.Len() }

var _ Cache = Nop{}

// Nop caches nothing.
type Nop struct{}

func (Nop) Get(zvc.ObjectID) (interface{}, bool) { return nil, false }
func (Nop) Add(zvc.ObjectID, interface{})        {}
func (Nop) Remove(zvc.ObjectID)                  {}
func (Nop) Len() int                             { return 0 }

// Loader fronts a Cache,
// collapsing concurrent misses for the same id into a single fetch.
type Loader struct {
	c Cache
	g singleflight.Group

	hits, misses int64
}

// NewLoader produces a Loader over c.
func NewLoader(c Cache) *Loader {
	return &Loader{c: c}
}

// Get returns the cached value for id,
// calling fetch to produce it on a miss.
// Errors are not cached.
func (l *Loader) Get(ctx context.Context, id zvc.ObjectID, fetch func(context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := l.c.Get(id); ok {
		atomic.AddInt64(&l.hits, 1)
		return v, nil
	}
	atomic.AddInt64(&l.misses, 1)

	for {
		// The shared fetch runs on the first caller's ctx.
		// If that caller went away, the others fetch again on their own.
		var led bool
		ch := l.g.DoChan(string(id[:]), func() (interface{}, error) {
			led = true
			v, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			l.c.Add(id, v)
			return v, nil
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil && !led && ctx.Err() == nil && isContextErr(res.Err) {
				continue
			}
			return res.Val, res.Err
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Add stores v under id.
// Writers call this after persisting an object they already hold decoded.
func (l *Loader) Add(id zvc.ObjectID, v interface{}) {
	l.c.Add(id, v)
}

// Stats reports the number of cache hits and misses so far.
func (l *Loader) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&l.hits), atomic.LoadInt64(&l.misses)
}
