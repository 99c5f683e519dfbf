package virtual

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
)

// FileReader reads byte ranges of local files named by file:// URLs.
type FileReader struct{}

func (FileReader) ReadRange(_ context.Context, u *url.URL, offset, length uint64) ([]byte, error) {
	f, err := os.Open(u.Path)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(zvc.ErrNotFound, u.Path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", u.Path)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if err == io.EOF {
		err = nil
	}
	return buf[:n], errors.Wrapf(err, "reading %s", u.Path)
}
