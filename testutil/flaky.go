package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/bobg/zvc"
)

// Flaky is an ObjectStore that fails with a transient error
// a given number of times before each successful operation is passed through.
type Flaky struct {
	zvc.ObjectStore

	mu       sync.Mutex
	Failures int // failures to inject before the next success
	Calls    int
}

var errFlaky = errors.New("injected outage")

func (f *Flaky) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls++
	if f.Failures > 0 {
		f.Failures--
		return zvc.Transient(errFlaky)
	}
	return nil
}

// FailNext arranges for the next n calls to fail.
func (f *Flaky) FailNext(n int) {
	f.mu.Lock()
	f.Failures = n
	f.Calls = 0
	f.mu.Unlock()
}

// NumCalls reports the calls made since the last FailNext.
func (f *Flaky) NumCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

func (f *Flaky) Get(ctx context.Context, key string) ([]byte, zvc.Version, error) {
	if err := f.fail(); err != nil {
		return nil, zvc.NoVersion, err
	}
	return f.ObjectStore.Get(ctx, key)
}

func (f *Flaky) Put(ctx context.Context, key string, data []byte) (zvc.Version, error) {
	if err := f.fail(); err != nil {
		return zvc.NoVersion, err
	}
	return f.ObjectStore.Put(ctx, key, data)
}

func (f *Flaky) PutIfMatch(ctx context.Context, key string, data []byte, expected zvc.Version) (zvc.Version, error) {
	if err := f.fail(); err != nil {
		return zvc.NoVersion, err
	}
	return f.ObjectStore.PutIfMatch(ctx, key, data, expected)
}

func (f *Flaky) List(ctx context.Context, prefix string, fn func(string) error) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.ObjectStore.List(ctx, prefix, fn)
}

func (f *Flaky) Delete(ctx context.Context, key string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.ObjectStore.Delete(ctx, key)
}
