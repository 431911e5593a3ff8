// Package gcs implements the Google Cloud Storage archive backend. Supports
// Application Default Credentials, service account JSON keys, Workload Identity
// Federation, and unauthenticated access for local emulators.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/carbon-marketplace/icr-marketplace/internal/config"
	appstorage "github.com/carbon-marketplace/icr-marketplace/internal/storage"
	"github.com/carbon-marketplace/icr-marketplace/pkg/checksum"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage stores objects in one bucket
type GCSStorage struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// New creates a new Google Cloud Storage backend
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials
//   - "service_account": a key file or inline JSON
//   - "workload_identity": Workload Identity Federation through ADC
//   - "none": no credentials, for emulators behind Endpoint
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		authMethod = "default"
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		}
	}

	switch authMethod {
	case "service_account":
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "none":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("endpoint is required for auth_method none")
		}
		opts = append(opts, option.WithoutAuthentication())
	case "workload_identity", "default":
		// ADC covers GOOGLE_APPLICATION_CREDENTIALS and the metadata server.
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', 'workload_identity', or 'none')", authMethod)
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{client: client, bucket: cfg.Bucket, projectID: cfg.ProjectID}, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// Backend returns "gcs"
func (s *GCSStorage) Backend() string { return "gcs" }

// Upload stores the object with its SHA-256 in the object metadata
func (s *GCSStorage) Upload(ctx context.Context, key string, reader io.Reader, _ int64, contentType string) (*appstorage.UploadResult, error) {
	if err := appstorage.ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	sum := checksum.SHA256Bytes(data)

	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.Metadata = map[string]string{"sha256": sum}
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.UploadResult{Key: key, Size: int64(len(data)), Checksum: sum}, nil
}

// Download streams the object body
func (s *GCSStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := appstorage.ValidateKey(key); err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, appstorage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// Exists reads the object attributes
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := appstorage.ValidateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Delete removes the object. A missing object is not an error.
func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	if err := appstorage.ValidateKey(key); err != nil {
		return err
	}
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket in the configured project if it does not exist
func (s *GCSStorage) EnsureBucket(ctx context.Context) error {
	bucket := s.client.Bucket(s.bucket)
	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if s.projectID == "" {
		return fmt.Errorf("project_id is required to create a bucket")
	}
	if err := bucket.Create(ctx, s.projectID, nil); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
