package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"worksafety/internal/blob/core"
)

// fakeS3 serves the path-style subset of the S3 API the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func respond(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}}), nil
	}
	body, ok := f.objects[key]
	header := http.Header{
		"Content-Length": {fmt.Sprintf("%d", len(body))},
		"Content-Type":   {f.types[key]},
		"Etag":           {`"etag"`},
		"Last-Modified":  {time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
	}
	switch req.Method {
	case http.MethodPut:
		raw, _ := io.ReadAll(req.Body)
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			raw = decodeChunked(raw)
		}
		f.objects[key] = raw
		f.types[key] = req.Header.Get("Content-Type")
		return respond(http.StatusOK, "", http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodHead:
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		return respond(http.StatusOK, "", header), nil
	case http.MethodGet:
		if !ok {
			return respond(http.StatusNotFound, `<Error><Code>NoSuchKey</Code></Error>`, http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return respond(http.StatusOK, string(body), header), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

// decodeChunked extracts the first chunk of an aws-chunked payload.
func decodeChunked(raw []byte) []byte {
	line, rest, ok := bytes.Cut(raw, []byte("\r\n"))
	if !ok {
		return raw
	}
	sizeHex, _, _ := bytes.Cut(line, []byte(";"))
	size, err := strconv.ParseInt(string(sizeHex), 16, 64)
	if err != nil || int64(len(rest)) < size {
		return raw
	}
	return rest[:size]
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{
		Bucket:          "catalogs",
		Endpoint:        "https://s3.test.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: newFakeS3()},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestStoreAgainstFakeBucket(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if s.Driver() != core.DriverS3 {
		t.Fatalf("unexpected driver")
	}
	info, err := s.Put(ctx, "library/base.yaml", bytes.NewReader([]byte("tasks: []")), "application/yaml")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 9 || info.ETag != "etag" || info.ContentType != "application/yaml" {
		t.Fatalf("unexpected info %+v", info)
	}
	data, err := core.ReadAll(ctx, s, "library/base.yaml")
	if err != nil || string(data) != "tasks: []" {
		t.Fatalf("read: %q %v", data, err)
	}
	if _, _, err := s.Get(ctx, "library/missing.yaml"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected get not found, got %v", err)
	}
	if _, err := s.Put(ctx, "geography/t1.json", bytes.NewReader([]byte("{}")), ""); err != nil {
		t.Fatalf("put geography: %v", err)
	}
	list, err := s.List(ctx, "library/")
	if err != nil || len(list) != 1 || list[0].Key != "library/base.yaml" || list[0].Size != 9 {
		t.Fatalf("list: %+v %v", list, err)
	}
}
