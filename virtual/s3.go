package virtual

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"github.com/bobg/zvc"
)

// S3API is the part of the S3 client S3Reader uses.
// *s3.S3 satisfies it.
type S3API interface {
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
}

// S3Reader reads byte ranges of S3 objects named by s3://bucket/key URLs.
type S3Reader struct {
	client S3API
}

// NewS3Reader produces a new S3Reader using the given client.
func NewS3Reader(client S3API) *S3Reader {
	return &S3Reader{client: client}
}

func (r *S3Reader) ReadRange(ctx context.Context, u *url.URL, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	var (
		bucket = u.Host
		key    = strings.TrimPrefix(u.Path, "/")
	)
	// HTTP byte ranges are inclusive.
	out, err := r.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, classifyS3(err, bucket, key)
	}
	defer out.Body.Close()

	data, err := ioutil.ReadAll(out.Body)
	return data, errors.Wrapf(err, "reading s3://%s/%s", bucket, key)
}

func classifyS3(err error, bucket, key string) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return errors.Wrapf(zvc.ErrNotFound, "s3://%s/%s", bucket, key)
		case "InvalidRange":
			return &zvc.ObjectError{Kind: zvc.ErrCorruption, Key: fmt.Sprintf("s3://%s/%s", bucket, key), Detail: "range not satisfiable"}
		case "RequestTimeout", "SlowDown", "InternalError", "ServiceUnavailable", request.ErrCodeSerialization:
			return zvc.Transient(err)
		}
	}
	return errors.Wrapf(err, "getting s3://%s/%s", bucket, key)
}
