// Package retry implements an object store that retries transient failures of a nested store
// with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore"
)

var _ zvc.ObjectStore = &Store{}

// Defaults for a Store.
const (
	DefaultMin      = 50 * time.Millisecond
	DefaultMax      = 5 * time.Second
	DefaultAttempts = 5
)

// Store retries operations on a nested store
// whose errors match zvc.ErrTransient.
// Other errors are returned immediately.
type Store struct {
	s        zvc.ObjectStore
	min, max time.Duration
	attempts int
}

// Option is the type of an option to New.
type Option func(*Store)

// Backoff sets the minimum and maximum delay between attempts.
func Backoff(min, max time.Duration) Option {
	return func(s *Store) {
		s.min, s.max = min, max
	}
}

// Attempts sets the total number of attempts made for each operation.
func Attempts(n int) Option {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}
		s.attempts = n
	}
}

// New produces a new Store wrapping s.
func New(s zvc.ObjectStore, opts ...Option) *Store {
	result := &Store{
		s:        s,
		min:      DefaultMin,
		max:      DefaultMax,
		attempts: DefaultAttempts,
	}
	for _, opt := range opts {
		opt(result)
	}
	return result
}

func (s *Store) do(ctx context.Context, op, key string, f func() error) error {
	b := &backoff.Backoff{
		Min:    s.min,
		Max:    s.max,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; ; attempt++ {
		err := f()
		if err == nil || !errors.Is(err, zvc.ErrTransient) {
			return err
		}
		if attempt >= s.attempts {
			return errors.Wrapf(err, "%s %s: giving up after %d attempts", op, key, attempt)
		}

		d := b.Duration()
		log.WithFields(log.Fields{
			"op":      op,
			"key":     key,
			"attempt": attempt,
			"delay":   d,
		}).WithError(err).Warn("retrying")

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, zvc.Version, error) {
	var (
		data []byte
		v    zvc.Version
	)
	err := s.do(ctx, "Get", key, func() error {
		var err error
		data, v, err = s.s.Get(ctx, key)
		return err
	})
	return data, v, err
}

func (s *Store) Put(ctx context.Context, key string, data []byte) (zvc.Version, error) {
	var v zvc.Version
	err := s.do(ctx, "Put", key, func() error {
		var err error
		v, err = s.s.Put(ctx, key, data)
		return err
	})
	return v, err
}

// PutIfMatch retries like the other operations.
// A transient failure may hide a write that actually landed,
// in which case the retry reports zvc.ErrPreconditionFailed.
// Callers that care re-read the key to find out.
func (s *Store) PutIfMatch(ctx context.Context, key string, data []byte, expected zvc.Version) (zvc.Version, error) {
	var v zvc.Version
	err := s.do(ctx, "PutIfMatch", key, func() error {
		var err error
		v, err = s.s.PutIfMatch(ctx, key, data, expected)
		return err
	})
	return v, err
}

// List restarts from the beginning on a transient failure,
// skipping keys already passed to f.
func (s *Store) List(ctx context.Context, prefix string, f func(string) error) error {
	var last string
	return s.do(ctx, "List", prefix, func() error {
		return s.s.List(ctx, prefix, func(key string) error {
			if last != "" && key <= last {
				return nil
			}
			if err := f(key); err != nil {
				return err
			}
			last = key
			return nil
		})
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.do(ctx, "Delete", key, func() error {
		return s.s.Delete(ctx, key)
	})
}

func init() {
	objstore.Register("retry", func(ctx context.Context, conf map[string]interface{}) (zvc.ObjectStore, error) {
		nested, err := objstore.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		var opts []Option
		if n, ok := objstore.Int(conf, "attempts"); ok {
			opts = append(opts, Attempts(n))
		}
		min, max := DefaultMin, DefaultMax
		if s, ok := conf["min"].(string); ok {
			if min, err = time.ParseDuration(s); err != nil {
				return nil, errors.Wrap(err, "parsing min")
			}
		}
		if s, ok := conf["max"].(string); ok {
			if max, err = time.ParseDuration(s); err != nil {
				return nil, errors.Wrap(err, "parsing max")
			}
		}
		opts = append(opts, Backoff(min, max))
		return New(nested, opts...), nil
	})
}
