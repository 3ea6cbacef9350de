package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":    "etc/passwd",
		"/ledger/./seen.json": "ledger/seen.json",
		"infopopup_seen.json": "infopopup_seen.json",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}
}

func TestBuildS3URL(t *testing.T) {
	got := buildS3URL(Config{Bucket: "popup", Region: "us-east-1", Endpoint: "http://minio:9000", ForcePathStyle: true})
	want := "s3://popup?endpoint=http%3A%2F%2Fminio%3A9000&region=us-east-1&s3ForcePathStyle=true"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestValidate(t *testing.T) {
	bad := []Config{
		{},
		{Driver: "ftp"},
		{Driver: "file"},
		{Driver: "oss", Bucket: "b"},
		{Driver: "cos", Bucket: "b", AccessKey: "a", SecretKey: "s"},
		{Driver: "redis"},
		{Driver: "s3", Region: "us-east-1"},
	}
	for _, c := range bad {
		if err := Validate(c); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
	}
	good := []Config{
		{Driver: "blob", URL: "mem://"},
		{Driver: "s3", Bucket: "popup", Region: "us-east-1"},
		{Driver: "S3", Bucket: "popup", Endpoint: "http://minio:9000", ForcePathStyle: true},
	}
	for _, c := range good {
		if err := Validate(c); err != nil {
			t.Fatalf("unexpected error for %+v: %v", c, err)
		}
	}
}

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Get(ctx, "seen.json"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("want ErrNotExist, got %v", err)
	}
	if err := s.Put(ctx, "seen.json", []byte(`{"records":[]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	b, err := s.Get(ctx, "seen.json")
	if err != nil || string(b) != `{"records":[]}` {
		t.Fatalf("get: %q %v", b, err)
	}
	if err := s.Put(ctx, "seen.json", []byte(`{}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if b, _ := s.Get(ctx, "seen.json"); string(b) != `{}` {
		t.Fatalf("overwrite not visible: %q", b)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{Driver: "file", BaseDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exercise(t, s)
	if _, err := os.Stat(filepath.Join(dir, "seen.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestMemBlobStore(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: "blob", URL: "mem://"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestFileBlobStore(t *testing.T) {
	s, err := OpenBlob(context.Background(), "file://"+filepath.ToSlash(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exercise(t, s)
}
