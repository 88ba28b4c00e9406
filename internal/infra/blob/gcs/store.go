// Package gcs implements core.Store on a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"worksafety/internal/blob/core"
)

// Config holds construction parameters. Credentials come from the default
// Google chain unless CredentialsFile is set; STORAGE_EMULATOR_HOST is
// honoured by the client library.
type Config struct {
	Bucket          string
	Endpoint        string
	CredentialsFile string
	// Anonymous disables authentication, for emulators.
	Anonymous bool
}

// Store maps keys to objects of one bucket.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// New opens a client for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket required")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Store{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverGCS }

// Close releases the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (core.Info, error) {
	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return core.Info{}, fmt.Errorf("write gcs object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return core.Info{}, fmt.Errorf("close gcs writer for %s: %w", key, err)
	}
	return fromAttrs(w.Attrs()), nil
}

// Get reads the object; the returned info comes from the reader attributes.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return core.Info{}, nil, core.NotFound(key)
	}
	if err != nil {
		return core.Info{}, nil, err
	}
	info := core.Info{Key: key, Size: r.Attrs.Size, ContentType: r.Attrs.ContentType, LastModified: r.Attrs.LastModified}
	return info, r, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, fromAttrs(attrs))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func fromAttrs(a *storage.ObjectAttrs) core.Info {
	if a == nil {
		return core.Info{}
	}
	return core.Info{
		Key:          a.Name,
		Size:         a.Size,
		ContentType:  a.ContentType,
		ETag:         a.Etag,
		LastModified: a.Updated,
	}
}
