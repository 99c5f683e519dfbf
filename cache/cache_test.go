package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
)

func TestLRU(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	var (
		a = zvc.Hash([]byte("a"))
		b = zvc.Hash([]byte("b"))
		d = zvc.Hash([]byte("d"))
	)
	c.Add(a, "a")
	c.Add(b, "b")
	if _, ok := c.Get(a); !ok { // a is now most recently used
		t.Fatal("a missing")
	}
	c.Add(d, "d")
	if _, ok := c.Get(b); ok {
		t.Error("b should have been evicted")
	}
	if v, ok := c.Get(a); !ok || v != "a" {
		t.Errorf("got %v, %v for a", v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("got len %d, want 2", c.Len())
	}
	c.Remove(a)
	if _, ok := c.Get(a); ok {
		t.Error("a present after Remove")
	}
}

func TestNop(t *testing.T) {
	c, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(Nop); !ok {
		t.Fatalf("got %T, want Nop", c)
	}
	id := zvc.Hash([]byte("x"))
	c.Add(id, 1)
	if _, ok := c.Get(id); ok {
		t.Error("Nop cache returned a value")
	}
}

func TestLoader(t *testing.T) {
	c, err := NewLRU(10)
	if err != nil {
		t.Fatal(err)
	}
	var (
		ctx     = context.Background()
		l       = NewLoader(c)
		id      = zvc.Hash([]byte("x"))
		fetches int32
		release = make(chan struct{})
		wg      sync.WaitGroup
	)

	fetch := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return "value", nil
	}

	const n = 8
	results := make([]interface{}, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Get(ctx, id, fetch)
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if fetches != 1 {
		t.Errorf("got %d fetches, want 1", fetches)
	}
	for i, v := range results {
		if v != "value" {
			t.Errorf("result %d is %v", i, v)
		}
	}

	if _, err = l.Get(ctx, id, fetch); err != nil {
		t.Fatal(err)
	}
	hits, _ := l.Stats()
	if hits != 1 {
		t.Errorf("got %d hits, want 1", hits)
	}
}

func TestLoaderError(t *testing.T) {
	var (
		ctx   = context.Background()
		l     = NewLoader(Nop{})
		id    = zvc.Hash([]byte("x"))
		calls int
	)
	fetch := func(context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("boom: %w", zvc.ErrNotFound)
		}
		return "ok", nil
	}
	if _, err := l.Get(ctx, id, fetch); !errors.Is(err, zvc.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	v, err := l.Get(ctx, id, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if v != "ok" {
		t.Errorf("got %v, want ok", v)
	}
}

func TestLoaderLeaderCanceled(t *testing.T) {
	var (
		l       = NewLoader(Nop{})
		id      = zvc.Hash([]byte("x"))
		started = make(chan struct{})
		calls   int32
	)
	fetch := func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, errors.Wrap(ctx.Err(), "fetching")
		}
		return "value", nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := l.Get(leaderCtx, id, fetch)
		leaderErr <- err
	}()
	<-started

	type result struct {
		v   interface{}
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		v, err := l.Get(context.Background(), id, fetch)
		waiter <- result{v: v, err: err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader got %v, want context.Canceled", err)
	}
	res := <-waiter
	if res.err != nil {
		t.Fatalf("waiter got %v", res.err)
	}
	if res.v != "value" {
		t.Errorf("waiter got %v, want value", res.v)
	}
}
