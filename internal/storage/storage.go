// Package storage archives retirement certificates in a blob store.
//
// Backends register themselves with the factory from an init() function in their
// own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned by Download when nothing is stored under the key
var ErrNotFound = errors.New("storage: object not found")

// Storage is a flat key/blob store
type Storage interface {
	// Upload stores the content of reader under key, replacing any previous object
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*UploadResult, error)

	// Download returns the object under key, or ErrNotFound
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object under key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Backend is the registered name of the implementation
	Backend() string
}

// UploadResult describes a stored object
type UploadResult struct {
	Key string

	// Size is the object size in bytes
	Size int64

	// Checksum is the hex SHA-256 of the object
	Checksum string
}

// CertificateKey is the archive key of a retirement certificate
func CertificateKey(organizationID, retirementID string) string {
	return path.Join("certificates", sanitizeSegment(organizationID), sanitizeSegment(retirementID)+".pdf")
}

// sanitizeSegment keeps registry identifiers from escaping their prefix
func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

// ValidateKey rejects keys that are empty, absolute or climb out of the store root
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("storage: invalid key %q", key)
		}
	}
	return nil
}
