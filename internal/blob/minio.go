package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	s3 "github.com/struktr-app/parser/shared/minio"
)

// MinioStore keeps documents in an S3 compatible bucket.
type MinioStore struct {
	storage *s3.Client
}

func NewMinioStore(storage *s3.Client) *MinioStore {
	return &MinioStore{storage: storage}
}

func (s *MinioStore) ready() error {
	if s.storage == nil || s.storage.Client == nil {
		return fmt.Errorf("s3 client not initialized")
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.storage.Client.PutObject(ctx, s.storage.Bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	obj, err := s.storage.Client.GetObject(ctx, s.storage.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(key, err)
	}
	return data, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.storage.Client.RemoveObject(ctx, s.storage.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("s3 remove object: %w", err)
	}
	return nil
}

func translate(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("s3 get object: %w", err)
}
