// Package s3store is a minio-go-backed content.Store, an alternate backend
// to content/diskstore for deployments that keep message blobs in S3 or an
// S3-compatible service. Grounded on migadu-sora's storage.S3Storage
// (storage/storage.go): minio.New with static credentials, content-addressed
// keys, PutObject/GetObject/RemoveObject.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is a content.Store backed by an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New dials endpoint with static credentials, grounded on sora's
// storage.New. useTLS selects https vs http to the endpoint.
func New(endpoint, accessKeyID, secretAccessKey, bucket string, useTLS bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: new client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

func (s *Store) Put(ctx context.Context, raw []byte) (string, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return key, nil // already stored, content-addressed.
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		return "", fmt.Errorf("s3store: put %s: %w", key, err)
	}
	return key, nil
}

func (s *Store) Get(ctx context.Context, blobPath string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, blobPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3store: get %s: %w", blobPath, err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("s3store: read %s: %w", blobPath, err)
	}
	return b, nil
}

func (s *Store) Delete(ctx context.Context, blobPath string) error {
	err := s.client.RemoveObject(ctx, s.bucket, blobPath, minio.RemoveObjectOptions{})
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.StatusCode == 404 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("s3store: delete %s: %w", blobPath, err)
	}
	return nil
}
