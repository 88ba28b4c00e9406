// Package core defines the blob storage abstraction used for library
// catalogs and geography documents.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local filesystem (default, dev)
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverGCS        Driver = "gcs"    // Google Cloud Storage
	DriverMemory     Driver = "memory" // in-memory (tests)
)

// Info describes a stored document.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store reads and writes whole documents by key. Put replaces an existing
// object; Get returns an error matching ErrNotFound for missing keys and List
// orders its result by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// ErrNotFound is matched by missing-object errors of every driver.
var ErrNotFound = errors.New("blob not found")

// NotFound wraps ErrNotFound with the key.
func NotFound(key string) error {
	return fmt.Errorf("blob %s: %w", key, ErrNotFound)
}

// CleanKey rejects empty, absolute and traversing keys and normalises
// repeated separators.
func CleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("empty blob key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return path.Clean(key), nil
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	_, rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
