package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carbon-marketplace/icr-marketplace/internal/config"
	"github.com/carbon-marketplace/icr-marketplace/internal/storage"
	"github.com/carbon-marketplace/icr-marketplace/pkg/checksum"
)

// newTestStorage creates a LocalStorage backed by a temporary directory.
func newTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatal("New:", err)
	}
	return s
}

const certKey = "certificates/6a1f3b2c4d5e6f708192a3b4c5d6e7f8/ret-1.pdf"

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_CreatesDirectory(t *testing.T) {
	subDir := filepath.Join(t.TempDir(), "a", "b", "c")
	s, err := New(&config.LocalStorageConfig{BasePath: subDir})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := os.Stat(subDir); err != nil {
		t.Errorf("New() did not create base directory: %v", err)
	}
	if s.Backend() != "local" {
		t.Errorf("Backend() = %q", s.Backend())
	}
}

func TestNew_RequiresBasePath(t *testing.T) {
	if _, err := New(&config.LocalStorageConfig{}); err == nil {
		t.Fatal("New() with empty base path succeeded")
	}
}

// ---------------------------------------------------------------------------
// Upload / Download
// ---------------------------------------------------------------------------

func TestUploadDownload(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	content := []byte("%PDF-1.7 certificate")

	result, err := s.Upload(ctx, certKey, bytes.NewReader(content), int64(len(content)), "application/pdf")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if result.Key != certKey {
		t.Errorf("Key = %q, want %q", result.Key, certKey)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", result.Size, len(content))
	}
	if result.Checksum != checksum.SHA256Bytes(content) {
		t.Errorf("Checksum = %s, want %s", result.Checksum, checksum.SHA256Bytes(content))
	}

	rc, err := s.Download(ctx, certKey)
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Errorf("Download() = %q, want %q", got, content)
	}
}

func TestUpload_Overwrites(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, certKey, strings.NewReader("first"), 5, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upload(ctx, certKey, strings.NewReader("second"), 6, ""); err != nil {
		t.Fatal(err)
	}
	rc, err := s.Download(ctx, certKey)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "second" {
		t.Errorf("content = %q, want second", got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestUpload_FailedWriteLeavesNothing(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, certKey, failingReader{}, 10, ""); err == nil {
		t.Fatal("Upload() with failing reader succeeded")
	}
	exists, err := s.Exists(ctx, certKey)
	if err != nil || exists {
		t.Errorf("Exists() after failed upload = %v, %v", exists, err)
	}
	entries, _ := os.ReadDir(filepath.Join(s.basePath, "certificates", "6a1f3b2c4d5e6f708192a3b4c5d6e7f8"))
	if len(entries) != 0 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestDownload_NotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Download(context.Background(), "certificates/none/none.pdf")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, key := range []string{"../outside.pdf", "/etc/passwd", "a/../../b"} {
		if _, err := s.Upload(ctx, key, strings.NewReader("x"), 1, ""); err == nil {
			t.Errorf("Upload(%q) succeeded", key)
		}
		if _, err := s.Download(ctx, key); err == nil {
			t.Errorf("Download(%q) succeeded", key)
		}
		if _, err := s.Exists(ctx, key); err == nil {
			t.Errorf("Exists(%q) succeeded", key)
		}
		if err := s.Delete(ctx, key); err == nil {
			t.Errorf("Delete(%q) succeeded", key)
		}
	}
}

// ---------------------------------------------------------------------------
// Exists / Delete
// ---------------------------------------------------------------------------

func TestExistsAndDelete(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if ok, _ := s.Exists(ctx, certKey); ok {
		t.Fatal("Exists() before upload = true")
	}
	if _, err := s.Upload(ctx, certKey, strings.NewReader("pdf"), 3, ""); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, certKey); !ok {
		t.Fatal("Exists() after upload = false")
	}

	if err := s.Delete(ctx, certKey); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Exists(ctx, certKey); ok {
		t.Error("Exists() after delete = true")
	}
	if _, err := os.Stat(filepath.Join(s.basePath, "certificates")); !os.IsNotExist(err) {
		t.Error("Delete() left empty parent directories behind")
	}
	if _, err := os.Stat(s.basePath); err != nil {
		t.Errorf("Delete() removed the base directory: %v", err)
	}

	if err := s.Delete(ctx, certKey); err != nil {
		t.Errorf("Delete() of missing object = %v, want nil", err)
	}
}
