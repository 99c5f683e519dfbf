// Package gcs implements an object store on Google Cloud Storage.
package gcs

import (
	"context"
	stderrs "errors"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore"
)

var _ zvc.ObjectStore = &Store{}

// Store is a Google Cloud Storage-based implementation of an object store.
// Object generation numbers serve as Versions,
// and conditional writes use generation preconditions.
type Store struct {
	bucket *storage.BucketHandle
	prefix string
}

// New produces a new Store keeping its objects in bucket beneath the given name prefix
// (which may be empty).
func New(bucket *storage.BucketHandle, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{bucket: bucket, prefix: prefix}
}

func (s *Store) objName(key string) string {
	return s.prefix + key
}

// classify maps Cloud Storage errors onto the zvc error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return zvc.ErrNotFound
	}
	var e *googleapi.Error
	if stderrs.As(err, &e) {
		switch {
		case e.Code == http.StatusPreconditionFailed:
			return zvc.ErrPreconditionFailed
		case e.Code == http.StatusTooManyRequests, e.Code >= 500:
			return zvc.Transient(err)
		}
	}
	return err
}

func generation(v zvc.Version) (int64, error) {
	return strconv.ParseInt(string(v), 10, 64)
}

func version(gen int64) zvc.Version {
	return zvc.Version(strconv.FormatInt(gen, 10))
}

// Get gets the object stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, zvc.Version, error) {
	name := s.objName(key)
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if err = classify(err); errors.Is(err, zvc.ErrNotFound) {
			return nil, zvc.NoVersion, err
		}
		return nil, zvc.NoVersion, errors.Wrapf(err, "reading info of object %s", name)
	}
	defer r.Close()

	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, zvc.NoVersion, errors.Wrapf(classify(err), "reading contents of object %s", name)
	}
	return data, version(r.Attrs.Generation), nil
}

// Put stores data at key.
func (s *Store) Put(ctx context.Context, key string, data []byte) (zvc.Version, error) {
	name := s.objName(key)
	return s.write(ctx, s.bucket.Object(name), name, data)
}

// PutIfMatch stores data at key if key's current generation is `expected`.
func (s *Store) PutIfMatch(ctx context.Context, key string, data []byte, expected zvc.Version) (zvc.Version, error) {
	var (
		name = s.objName(key)
		obj  = s.bucket.Object(name)
	)
	if expected == zvc.NoVersion {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		gen, err := generation(expected)
		if err != nil {
			return zvc.NoVersion, zvc.ErrPreconditionFailed
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}
	return s.write(ctx, obj, name, data)
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, name string, data []byte) (zvc.Version, error) {
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return zvc.NoVersion, errors.Wrapf(classify(err), "writing object %s", name)
	}
	// Precondition failures are reported by Close.
	if err := w.Close(); err != nil {
		if err = classify(err); errors.Is(err, zvc.ErrPreconditionFailed) {
			return zvc.NoVersion, err
		}
		return zvc.NoVersion, errors.Wrapf(err, "closing object %s", name)
	}
	return version(w.Attrs().Generation), nil
}

// List produces the keys beginning with prefix, in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string, f func(string) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: s.objName(prefix)})
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(classify(err), "iterating over objects")
		}
		if err = f(strings.TrimPrefix(attrs.Name, s.prefix)); err != nil {
			return err
		}
	}
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := classify(s.bucket.Object(s.objName(key)).Delete(ctx))
	if errors.Is(err, zvc.ErrNotFound) {
		return nil
	}
	return errors.Wrapf(err, "deleting %s", key)
}

func init() {
	objstore.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (zvc.ObjectStore, error) {
		var options []option.ClientOption
		if creds, ok := conf["creds"].(string); ok {
			options = append(options, option.WithCredentialsFile(creds))
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		prefix, _ := conf["prefix"].(string)
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName), prefix), nil
	})
}
