package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStorePutURLDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "http://localhost:8080/files/")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	key := "studies/u1/s1/abc-eye.jpg"
	payload := []byte("jpeg bytes")
	if err := fs.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), "image/jpeg"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "studies", "u1", "s1", "abc-eye.jpg"))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("stored bytes = %q, %v", got, err)
	}
	u, err := fs.URL(ctx, key)
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if u != "http://localhost:8080/files/studies/u1/s1/abc-eye.jpg" {
		t.Fatalf("url = %q", u)
	}

	srv := httptest.NewServer(http.StripPrefix("/files/", fs.Handler()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/files/" + key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, payload) {
		t.Fatalf("served %d %q", resp.StatusCode, body)
	}

	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestFileStoreKeysStayInsideBase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "objects"), "/files")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := fs.Put(ctx, "../../escape.txt", strings.NewReader("x"), 1, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err == nil {
		t.Fatalf("key escaped the base directory")
	}
	if _, err := os.Stat(filepath.Join(dir, "objects", "escape.txt")); err != nil {
		t.Fatalf("expected object inside base: %v", err)
	}
	if _, err := fs.URL(ctx, ""); err == nil {
		t.Fatalf("expected empty key to fail")
	}
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"scan.jpg":             "scan.jpg",
		"../../etc/passwd":     "passwd",
		"снимок глаза.png":     "снимок_глаза.png",
		"C:\\Users\\me\\a.jpg": "a.jpg",
		"   ":                  "image",
		"...":                  "image",
	}
	for in, want := range tests {
		if got := SafeFilename(in); got != want {
			t.Fatalf("SafeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStudyImageKeyLayout(t *testing.T) {
	key := StudyImageKey("u1", "s1", "eye scan.jpg")
	if !strings.HasPrefix(key, "studies/u1/s1/") || !strings.HasSuffix(key, "-eye_scan.jpg") {
		t.Fatalf("unexpected key %q", key)
	}
	if StudyImageKey("u1", "s1", "a.jpg") == StudyImageKey("u1", "s1", "a.jpg") {
		t.Fatalf("keys must be unique per upload")
	}
}

func TestS3StoreURL(t *testing.T) {
	ctx := context.Background()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	presigning, err := NewS3Store(ctx, S3Config{
		Region:        "us-east-1",
		Bucket:        "studies",
		AccessKey:     "minio",
		SecretKey:     "minio-secret",
		BaseEndpoint:  "http://localhost:9000",
		UsePathStyle:  true,
		PresignExpiry: time.Hour,
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	raw, err := presigning.URL(ctx, "studies/u1/s1/a.jpg")
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if u.Host != "localhost:9000" || u.Path != "/studies/studies/u1/s1/a.jpg" {
		t.Fatalf("unexpected presigned url %q", raw)
	}
	if u.Query().Get("X-Amz-Signature") == "" || u.Query().Get("X-Amz-Expires") != "3600" {
		t.Fatalf("missing presign query in %q", raw)
	}

	public, err := NewS3Store(ctx, S3Config{
		Region:        "us-east-1",
		Bucket:        "studies",
		AccessKey:     "k",
		SecretKey:     "s",
		PublicBaseURL: "https://cdn.example.com/",
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	got, err := public.URL(ctx, "studies/u1/s1/a b.jpg")
	if err != nil {
		t.Fatalf("public url: %v", err)
	}
	if got != "https://cdn.example.com/studies/u1/s1/a%20b.jpg" {
		t.Fatalf("public url = %q", got)
	}
}
