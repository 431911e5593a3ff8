package models

import "time"

// RetirementCertificate records where an archived retirement PDF lives
type RetirementCertificate struct {
	OrganizationID string    `db:"organization_id"`
	RetirementID   string    `db:"retirement_id"`
	StoragePath    string    `db:"storage_path"`
	StorageBackend string    `db:"storage_backend"`
	Filename       string    `db:"filename"`
	ContentType    string    `db:"content_type"`
	SizeBytes      int64     `db:"size_bytes"`
	Checksum       string    `db:"checksum"`
	CreatedAt      time.Time `db:"created_at"`
}
