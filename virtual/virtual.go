// Package virtual reads chunks whose bytes live outside the repository,
// as byte ranges of objects named by URL.
//
// The repository does not own those objects.
// They may change or disappear at any time,
// and nothing here can detect a change that preserves their length.
package virtual

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
)

// ErrUnknownScheme is returned for a location whose URL scheme has no registered Reader.
var ErrUnknownScheme = errors.New("unknown location scheme")

// Reader fetches a byte range of an external object.
type Reader interface {
	ReadRange(ctx context.Context, u *url.URL, offset, length uint64) ([]byte, error)
}

// Resolver dispatches virtual chunk reads to Readers by URL scheme.
// It is safe for concurrent use.
type Resolver struct {
	mu      sync.RWMutex
	readers map[string]Reader
}

// NewResolver produces a Resolver with a "file" Reader registered.
func NewResolver() *Resolver {
	r := &Resolver{readers: make(map[string]Reader)}
	r.Register("file", FileReader{})
	return r
}

// Register sets the Reader for a URL scheme, replacing any previous one.
func (r *Resolver) Register(scheme string, rd Reader) {
	r.mu.Lock()
	r.readers[scheme] = rd
	r.mu.Unlock()
}

// Has tells whether a Reader is registered for scheme.
func (r *Resolver) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.readers[scheme]
	return ok
}

// ParseLocation checks that loc is an absolute URL naming an object.
func ParseLocation(loc string) (*url.URL, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing location %s", loc)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("location %s has no scheme", loc)
	}
	if u.Path == "" || u.Path == "/" {
		return nil, fmt.Errorf("location %s names no object", loc)
	}
	return u, nil
}

// Fetch reads the bytes ref refers to.
// A read that comes up short means the external object has changed,
// and yields an error matching zvc.ErrCorruption.
func (r *Resolver) Fetch(ctx context.Context, ref zvc.VirtualRef) ([]byte, error) {
	u, err := ParseLocation(ref.Location)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	rd, ok := r.readers[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownScheme, u.Scheme)
	}

	data, err := rd.ReadRange(ctx, u, ref.Offset, ref.Length)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", ref.Location)
	}
	if uint64(len(data)) != ref.Length {
		return nil, &zvc.ObjectError{
			Kind:   zvc.ErrCorruption,
			Key:    ref.Location,
			Detail: fmt.Sprintf("got %d bytes at offset %d, want %d", len(data), ref.Offset, ref.Length),
		}
	}
	return data, nil
}
