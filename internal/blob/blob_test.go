package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"worksafety/internal/blob/core"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	if fsStore.Driver() != DriverFilesystem {
		t.Fatalf("expected fs driver, got %s", fsStore.Driver())
	}
	mem, err := Open(ctx, Config{Driver: "memory"})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("memory: %v", err)
	}
	if _, err := Open(ctx, Config{Driver: "s3"}); err == nil {
		t.Fatalf("s3 without bucket should fail")
	}
	if _, err := Open(ctx, Config{Driver: "gcs"}); err == nil {
		t.Fatalf("gcs without bucket should fail")
	}
	if _, err := Open(ctx, Config{Driver: "ftp"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestReadAllAndNotFound(t *testing.T) {
	ctx := context.Background()
	store, _ := Open(ctx, Config{Driver: "memory"})
	if _, err := store.Put(ctx, "geography/t1.yaml", bytes.NewBufferString("features: []"), "application/yaml"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := core.ReadAll(ctx, store, "geography/t1.yaml")
	if err != nil || string(data) != "features: []" {
		t.Fatalf("read all: %q %v", data, err)
	}
	if _, err := core.ReadAll(ctx, store, "geography/missing.yaml"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
