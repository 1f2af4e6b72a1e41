package transfer_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tedge-io/tedge-agent/internal/transfer"
)

func fastService() *transfer.Service {
	s := transfer.NewService(http.DefaultClient)
	s.InitialInterval = 5 * time.Millisecond
	s.MaxElapsedTime = 200 * time.Millisecond
	return s
}

func TestUploadHappyPath(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = b
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "config.tar")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	svc := fastService()
	err := svc.Upload(context.Background(), src, transfer.UploadInfo{URL: srv.URL, Method: transfer.MethodPUT})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if string(gotBody) != "payload" {
		t.Errorf("uploaded body = %q, want %q", gotBody, "payload")
	}
}

func TestUpload4xxIsPermanentNoRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "x.bin")
	os.WriteFile(src, []byte("x"), 0o644)

	svc := fastService()
	err := svc.Upload(context.Background(), src, transfer.UploadInfo{URL: srv.URL, Method: transfer.MethodPUT})
	if err == nil {
		t.Fatal("Upload() error = nil, want error for 400 response")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (4xx must not retry)", attempts)
	}
}

func TestUpload5xxRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "x.bin")
	os.WriteFile(src, []byte("x"), 0o644)

	svc := fastService()
	svc.MaxElapsedTime = 2 * time.Second
	err := svc.Upload(context.Background(), src, transfer.UploadInfo{URL: srv.URL, Method: transfer.MethodPUT})
	if err != nil {
		t.Fatalf("Upload() error = %v, want eventual success after retries", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDownloadHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write([]byte("downloaded-content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out", "artifact.bin")

	svc := fastService()
	err := svc.Download(context.Background(), transfer.DownloadInfo{URL: srv.URL, TargetPath: target})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "downloaded-content" {
		t.Errorf("downloaded content = %q, want %q", got, "downloaded-content")
	}
}
