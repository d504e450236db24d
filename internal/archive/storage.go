package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/api/option"
	gcsapi "google.golang.org/api/storage/v1"
)

type GCSStore struct {
	bucketName string
	service    *gcsapi.Service
}

func NewGCSStore(ctx context.Context, bucketName string, opts ...option.ClientOption) (*GCSStore, error) {
	trimmedBucket := strings.TrimSpace(bucketName)
	if trimmedBucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	service, err := gcsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}

	if _, err := service.Buckets.Get(trimmedBucket).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("read gcs bucket attrs: %w", err)
	}

	return &GCSStore{bucketName: trimmedBucket, service: service}, nil
}

func (s *GCSStore) Backend() string {
	return "gcs"
}

func (s *GCSStore) PutObject(ctx context.Context, objectPath, contentType string, data []byte) error {
	cleanPath, err := cleanObjectPath(objectPath)
	if err != nil {
		return err
	}

	object := &gcsapi.Object{
		Name:        cleanPath,
		ContentType: contentTypeOrDefault(contentType),
	}
	if _, err := s.service.Objects.Insert(s.bucketName, object).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("write gcs object %q: %w", cleanPath, err)
	}
	return nil
}

// LocalStore writes objects below a directory on disk.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &LocalStore{root: trimmed}, nil
}

func (s *LocalStore) Backend() string {
	return "local"
}

func (s *LocalStore) PutObject(_ context.Context, objectPath, _ string, data []byte) error {
	cleanPath, err := cleanObjectPath(objectPath)
	if err != nil {
		return err
	}
	target := filepath.Join(s.root, filepath.FromSlash(cleanPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write archive object %q: %w", cleanPath, err)
	}
	return nil
}

func cleanObjectPath(objectPath string) (string, error) {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return "", errors.New("object path is required")
	}
	for _, part := range strings.Split(cleanPath, "/") {
		if part == ".." {
			return "", fmt.Errorf("object path %q escapes the archive", objectPath)
		}
	}
	return cleanPath, nil
}

func contentTypeOrDefault(contentType string) string {
	trimmed := strings.TrimSpace(contentType)
	if trimmed == "" {
		return "application/octet-stream"
	}
	return trimmed
}
