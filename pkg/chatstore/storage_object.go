package chatstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorage keeps each key as one object in a MinIO/S3 bucket.
type ObjectStorage struct {
	client *minio.Client
	bucket string
	prefix string
}

// ObjectStorageConfig describes the bucket used for persistence.
type ObjectStorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// NewObjectStorage connects to MinIO and ensures the bucket exists.
func NewObjectStorage(cfg ObjectStorageConfig) (*ObjectStorage, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("object storage endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = "pingai"
	}
	return &ObjectStorage{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (o *ObjectStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, o.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat object: %w", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, false, fmt.Errorf("read object: %w", err)
	}
	return data, true, nil
}

func (o *ObjectStorage) Set(ctx context.Context, key string, data []byte) error {
	_, err := o.client.PutObject(ctx, o.bucket, o.objectKey(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (o *ObjectStorage) objectKey(key string) string {
	return o.prefix + "/" + safeKey(key) + ".json"
}
