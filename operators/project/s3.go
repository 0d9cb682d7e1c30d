package project

import (
	"context"
	"io"
	"opti-frame-go/config"
	"opti-frame-go/operators"
	"path"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go"
)

var (
	_ = (ScanSource)(&ObjectSource{})
)

type mime string

var (
	MimeCSV     mime = "csv"
	MimeParquet mime = "parquet"
)

var (
	ErrUnknownObjectFormat = func(key string) error {
		return operators.ErrUnsupportedf("cannot tell the format of object %q, expected .csv or .parquet", key)
	}
	ErrMissingObjectStore = errors.New("object storage endpoint and bucket must be configured, see config.LoadSecrets")
)

// FormatOf derives the object format from the key's extension.
func FormatOf(key string) (mime, error) {
	switch strings.ToLower(path.Ext(key)) {
	case ".csv":
		return MimeCSV, nil
	case ".parquet", ".pq":
		return MimeParquet, nil
	default:
		return "", ErrUnknownObjectFormat(key)
	}
}

// ObjectSource scans a CSV or Parquet object from S3 compatible storage. Each
// scan issues its own GET; parquet reads use ranged requests through the
// object's ReaderAt.
type ObjectSource struct {
	client *minio.Client
	bucket string
	key    string
	inner  ScanSource
}

// NewObjectSource connects with the credentials loaded by config.LoadSecrets.
func NewObjectSource(key string) (*ObjectSource, error) {
	secrets := config.GetConfig().Secrets
	if secrets.EndpointURL == "" || secrets.BucketName == "" {
		return nil, ErrMissingObjectStore
	}
	client, err := minio.New(secrets.EndpointURL, secrets.AccessKey, secrets.SecretKey, secrets.UseSSL)
	if err != nil {
		return nil, errors.Wrap(err, "creating object storage client")
	}
	return NewObjectSourceWithClient(client, secrets.BucketName, key)
}

func NewObjectSourceWithClient(client *minio.Client, bucket, key string) (*ObjectSource, error) {
	format, err := FormatOf(key)
	if err != nil {
		return nil, err
	}
	src := &ObjectSource{client: client, bucket: bucket, key: key}
	name := "s3://" + bucket + "/" + key
	switch format {
	case MimeCSV:
		src.inner = NewCSVSourceFromReader(name, func() (io.ReadCloser, error) {
			return src.getObject()
		})
	default:
		src.inner = NewParquetSourceFromReader(name, func() (parquet.ReaderAtSeeker, io.Closer, error) {
			obj, err := src.getObject()
			if err != nil {
				return nil, nil, err
			}
			return obj, obj, nil
		}).WithBatchSize(config.GetConfig().Batch.Size)
	}
	return src, nil
}

func (o *ObjectSource) getObject() (*minio.Object, error) {
	obj, err := o.client.GetObject(o.bucket, o.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "getting object %s/%s", o.bucket, o.key)
	}
	return obj, nil
}

func (o *ObjectSource) Schema() (*arrow.Schema, error) { return o.inner.Schema() }

func (o *ObjectSource) Open(ctx context.Context, opts ScanOptions) (operators.Operator, error) {
	return o.inner.Open(ctx, opts)
}

func (o *ObjectSource) String() string { return o.inner.String() }
