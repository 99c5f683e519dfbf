package virtual

import (
	"context"
	"io/ioutil"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"

	"github.com/bobg/zvc"
)

// GSReader reads byte ranges of Google Cloud Storage objects named by gs://bucket/object URLs.
type GSReader struct {
	client *storage.Client
}

// NewGSReader produces a new GSReader using the given client.
func NewGSReader(client *storage.Client) *GSReader {
	return &GSReader{client: client}
}

func (r *GSReader) ReadRange(ctx context.Context, u *url.URL, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	name := strings.TrimPrefix(u.Path, "/")
	rd, err := r.client.Bucket(u.Host).Object(name).NewRangeReader(ctx, int64(offset), int64(length))
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, errors.Wrapf(zvc.ErrNotFound, "gs://%s/%s", u.Host, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening gs://%s/%s", u.Host, name)
	}
	defer rd.Close()

	data, err := ioutil.ReadAll(rd)
	return data, errors.Wrapf(err, "reading gs://%s/%s", u.Host, name)
}
