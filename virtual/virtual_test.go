package virtual

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"github.com/bobg/zvc"
)

func TestFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "zvcvirtual")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "data.bin")
	if err = ioutil.WriteFile(filename, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	var (
		ctx = context.Background()
		r   = NewResolver()
		loc = "file://" + filename
	)

	got, err := r.Fetch(ctx, zvc.VirtualRef{Location: loc, Offset: 3, Length: 4})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "3456" {
		t.Errorf("got %q, want 3456", got)
	}

	// The file has been truncated behind our back.
	_, err = r.Fetch(ctx, zvc.VirtualRef{Location: loc, Offset: 8, Length: 4})
	if !errors.Is(err, zvc.ErrCorruption) {
		t.Errorf("got %v, want ErrCorruption", err)
	}

	_, err = r.Fetch(ctx, zvc.VirtualRef{Location: "file://" + filepath.Join(dir, "absent"), Length: 1})
	if !errors.Is(err, zvc.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUnknownScheme(t *testing.T) {
	r := NewResolver()
	_, err := r.Fetch(context.Background(), zvc.VirtualRef{Location: "ftp://host/x", Length: 1})
	if !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("got %v, want ErrUnknownScheme", err)
	}
	if r.Has("ftp") || !r.Has("file") {
		t.Error("wrong scheme registrations")
	}
}

func TestParseLocation(t *testing.T) {
	cases := []struct {
		loc     string
		wantErr bool
	}{
		{"s3://bucket/key", false},
		{"gs://bucket/a/b", false},
		{"file:///tmp/x", false},
		{"relative/path", true},
		{"s3://bucket", true},
		{"s3://bucket/", true},
		{"%zz", true},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			_, err := ParseLocation(c.loc)
			if (err != nil) != c.wantErr {
				t.Errorf("%s: got error %v, wantErr %v", c.loc, err, c.wantErr)
			}
		})
	}
}

type fakeS3 struct {
	objects map[string][]byte
	calls   []string
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	name := *in.Bucket + "/" + *in.Key
	f.calls = append(f.calls, name+" "+aws.StringValue(in.Range))
	obj, ok := f.objects[name]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	if in.Range != nil {
		hdr := strings.TrimPrefix(*in.Range, "bytes=")
		parts := strings.SplitN(hdr, "-", 2)
		start, _ := strconv.Atoi(parts[0])
		end, _ := strconv.Atoi(parts[1])
		if start >= len(obj) {
			return nil, awserr.New("InvalidRange", "range not satisfiable", nil)
		}
		if end >= len(obj) {
			end = len(obj) - 1
		}
		obj = obj[start : end+1]
	}
	return &s3.GetObjectOutput{
		Body:          ioutil.NopCloser(bytes.NewReader(obj)),
		ContentLength: aws.Int64(int64(len(obj))),
	}, nil
}

func TestS3(t *testing.T) {
	var (
		ctx  = context.Background()
		fake = &fakeS3{objects: map[string][]byte{"bucket/dir/file.nc": []byte("abcdefghij")}}
		r    = NewResolver()
	)
	r.Register("s3", NewS3Reader(fake))

	got, err := r.Fetch(ctx, zvc.VirtualRef{Location: "s3://bucket/dir/file.nc", Offset: 2, Length: 3})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "cde" {
		t.Errorf("got %q, want cde", got)
	}
	if len(fake.calls) != 1 || fake.calls[0] != "bucket/dir/file.nc bytes=2-4" {
		t.Errorf("unexpected calls %v", fake.calls)
	}

	_, err = r.Fetch(ctx, zvc.VirtualRef{Location: "s3://bucket/missing", Length: 3})
	if !errors.Is(err, zvc.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	_, err = r.Fetch(ctx, zvc.VirtualRef{Location: "s3://bucket/dir/file.nc", Offset: 8, Length: 5})
	if !errors.Is(err, zvc.ErrCorruption) {
		t.Errorf("got %v, want ErrCorruption for a short read", err)
	}

	_, err = r.Fetch(ctx, zvc.VirtualRef{Location: "s3://bucket/dir/file.nc", Offset: 20, Length: 5})
	if !errors.Is(err, zvc.ErrCorruption) {
		t.Errorf("got %v, want ErrCorruption for an unsatisfiable range", err)
	}
}
