package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/carbon-marketplace/icr-marketplace/internal/config"
	"github.com/carbon-marketplace/icr-marketplace/internal/storage"
	"github.com/carbon-marketplace/icr-marketplace/pkg/checksum"
)

// ---------------------------------------------------------------------------
// New() — constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "certs"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "certs", Region: "us-east-1", AuthMethod: "static"}},
		{"unsupported method", appconfig.S3StorageConfig{Bucket: "certs", Region: "us-east-1", AuthMethod: "kerberos"}},
		{"oidc without role", appconfig.S3StorageConfig{Bucket: "certs", Region: "us-east-1", AuthMethod: "oidc"}},
		{"oidc without token file", appconfig.S3StorageConfig{
			Bucket: "certs", Region: "us-east-1", AuthMethod: "oidc",
			RoleARN: "arn:aws:iam::123456789:role/archive",
		}},
		{"assume_role without role", appconfig.S3StorageConfig{Bucket: "certs", Region: "us-east-1", AuthMethod: "assume_role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}
}

func TestNew_AssumeRole_WithExternalID(t *testing.T) {
	// AssumeRole is lazy, so construction needs no network.
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:     "certs",
		Region:     "us-east-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789:role/archive",
		ExternalID: "external-id-123",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s.Backend() != "s3" {
		t.Errorf("Backend() = %q", s.Backend())
	}
}

func TestNew_KeysImplyStaticAuth(t *testing.T) {
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "certs",
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Endpoint:        "http://localhost:9000",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s == nil {
		t.Fatal("New() returned nil storage")
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server for operations tests
// ---------------------------------------------------------------------------

type s3MockStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	meta         map[string]map[string]string
	contentTypes map[string]string
	bucketMade   bool
}

// newS3TestStorage creates an S3Storage backed by a minimal path-style mock server.
func newS3TestStorage(t *testing.T) (*S3Storage, *s3MockStore) {
	t.Helper()

	ms := &s3MockStore{
		objects:      map[string][]byte{},
		meta:         map[string]map[string]string{},
		contentTypes: map[string]string{},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			switch r.Method {
			case http.MethodHead:
				ms.mu.Lock()
				made := ms.bucketMade
				ms.mu.Unlock()
				if !made {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.WriteHeader(http.StatusOK)
			case http.MethodPut:
				ms.mu.Lock()
				ms.bucketMade = true
				ms.mu.Unlock()
				w.WriteHeader(http.StatusOK)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
			return
		}

		key := path[idx+1:]

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for hk, hv := range r.Header {
				lk := strings.ToLower(hk)
				if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
					meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
				}
			}
			ms.mu.Lock()
			ms.objects[key] = data
			ms.meta[key] = meta
			ms.contentTypes[key] = r.Header.Get("Content-Type")
			ms.mu.Unlock()
			w.Header().Set("ETag", `"test-etag"`)
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			ms.mu.Lock()
			data, ok := ms.objects[key]
			ms.mu.Unlock()
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprintf(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("ETag", `"test-etag"`)
			w.WriteHeader(http.StatusOK)
			w.Write(data)

		case http.MethodHead:
			ms.mu.Lock()
			data, ok := ms.objects[key]
			ms.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.Header().Set("ETag", `"test-etag"`)
			w.WriteHeader(http.StatusOK)

		case http.MethodDelete:
			ms.mu.Lock()
			delete(ms.objects, key)
			delete(ms.meta, key)
			ms.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "test-bucket",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, ms
}

const certKey = "certificates/org-1/ret-9.pdf"

// ---------------------------------------------------------------------------
// Upload / Download
// ---------------------------------------------------------------------------

func TestS3_UploadAndDownload(t *testing.T) {
	s, ms := newS3TestStorage(t)
	ctx := context.Background()
	pdf := []byte("%PDF-1.7 retirement certificate")

	result, err := s.Upload(ctx, certKey, bytes.NewReader(pdf), int64(len(pdf)), "application/pdf")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if result.Key != certKey || result.Size != int64(len(pdf)) {
		t.Errorf("result = %+v", result)
	}
	if result.Checksum != checksum.SHA256Bytes(pdf) {
		t.Errorf("Checksum = %q", result.Checksum)
	}

	ms.mu.Lock()
	gotMeta := ms.meta[certKey]["sha256"]
	gotType := ms.contentTypes[certKey]
	ms.mu.Unlock()
	if gotMeta != result.Checksum {
		t.Errorf("sha256 metadata = %q, want %q", gotMeta, result.Checksum)
	}
	if gotType != "application/pdf" {
		t.Errorf("Content-Type = %q", gotType)
	}

	rc, err := s.Download(ctx, certKey)
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, pdf) {
		t.Errorf("Download() = %q, want %q", got, pdf)
	}
}

func TestS3_Download_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)

	_, err := s.Download(context.Background(), "certificates/none/missing.pdf")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download() error = %v, want storage.ErrNotFound", err)
	}
}

func TestS3_RejectsInvalidKeys(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "../escape.pdf", strings.NewReader("x"), 1, ""); err == nil {
		t.Error("Upload() accepted a traversal key")
	}
	if _, err := s.Download(ctx, "/abs.pdf"); err == nil {
		t.Error("Download() accepted an absolute key")
	}
}

// ---------------------------------------------------------------------------
// Exists / Delete
// ---------------------------------------------------------------------------

func TestS3_ExistsAndDelete(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, certKey)
	if err != nil || ok {
		t.Fatalf("Exists() before upload = %v, %v", ok, err)
	}

	if _, err := s.Upload(ctx, certKey, strings.NewReader("pdf"), 3, "application/pdf"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	ok, err = s.Exists(ctx, certKey)
	if err != nil || !ok {
		t.Fatalf("Exists() after upload = %v, %v", ok, err)
	}

	if err := s.Delete(ctx, certKey); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	ok, _ = s.Exists(ctx, certKey)
	if ok {
		t.Error("object still exists after Delete()")
	}

	if err := s.Delete(ctx, certKey); err != nil {
		t.Errorf("Delete() of a missing object = %v, want nil", err)
	}
}

// ---------------------------------------------------------------------------
// EnsureBucket
// ---------------------------------------------------------------------------

func TestS3_EnsureBucket(t *testing.T) {
	s, ms := newS3TestStorage(t)

	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket() error: %v", err)
	}
	ms.mu.Lock()
	made := ms.bucketMade
	ms.mu.Unlock()
	if !made {
		t.Error("EnsureBucket() did not create the missing bucket")
	}
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Errorf("second EnsureBucket() error: %v", err)
	}
}
