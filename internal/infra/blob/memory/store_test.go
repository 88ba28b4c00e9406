package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"worksafety/internal/blob/core"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver")
	}
	first, err := s.Put(ctx, "library/base.yaml", bytes.NewBufferString("v1"), "application/yaml")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := s.Put(ctx, "library/base.yaml", bytes.NewBufferString("v2"), "application/yaml")
	if err != nil || second.Size != 2 || second.ETag == first.ETag {
		t.Fatalf("overwrite: %+v %v", second, err)
	}
	info, rc, err := s.Get(ctx, "library/base.yaml")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "v2" || info.ContentType != "application/yaml" {
		t.Fatalf("expected overwritten body, got %q %+v", body, info)
	}
	_, _ = s.Put(ctx, "geography/t1.yaml", bytes.NewBufferString("x"), "")
	list, _ := s.List(ctx, "library/")
	if len(list) != 1 || list[0].Key != "library/base.yaml" {
		t.Fatalf("unexpected list %+v", list)
	}
	if _, _, err := s.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Put(ctx, "../x", bytes.NewBufferString("x"), ""); err == nil {
		t.Fatalf("expected traversing key to be rejected")
	}
}
