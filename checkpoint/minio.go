package checkpoint

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig locates the bucket holding checkpoints.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	// Prefix is prepended to object names.
	Prefix string
}

// MinioStore keeps checkpoints as objects in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to the endpoint and creates the bucket if it does
// not exist.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "minio client for %s", cfg.Endpoint)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", cfg.Bucket)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *MinioStore) object(name string) string {
	return path.Join(m.prefix, name+".json")
}

// Load implements Store.
func (m *MinioStore) Load(ctx context.Context, name string) (State, bool, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.object(name), minio.GetObjectOptions{})
	if err != nil {
		return State{}, false, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if isNotFound(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, errors.Wrapf(err, "read checkpoint %s", name)
	}
	st, err := decode(name, data)
	return st, err == nil, err
}

// Save implements Store.
func (m *MinioStore) Save(ctx context.Context, name string, st State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, m.object(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return errors.Wrapf(err, "write checkpoint %s", name)
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey"
}
