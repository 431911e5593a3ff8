package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
)

// CertificateRepository tracks archived retirement certificates
type CertificateRepository struct {
	db *sqlx.DB
}

// NewCertificateRepository creates a new certificate repository
func NewCertificateRepository(db *sqlx.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// Get returns the archive record for a retirement, or (nil, nil)
func (r *CertificateRepository) Get(ctx context.Context, organizationID, retirementID string) (*models.RetirementCertificate, error) {
	var cert models.RetirementCertificate
	query := `SELECT * FROM retirement_certificates WHERE organization_id = $1 AND retirement_id = $2`
	err := r.db.GetContext(ctx, &cert, query, organizationID, retirementID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retirement certificate: %w", err)
	}
	return &cert, nil
}

// Save records an archived certificate, overwriting a previous record
func (r *CertificateRepository) Save(ctx context.Context, cert *models.RetirementCertificate) error {
	query := `
		INSERT INTO retirement_certificates (
			organization_id, retirement_id, storage_path, storage_backend,
			filename, content_type, size_bytes, checksum, created_at
		) VALUES (
			:organization_id, :retirement_id, :storage_path, :storage_backend,
			:filename, :content_type, :size_bytes, :checksum, :created_at
		)
		ON CONFLICT (organization_id, retirement_id) DO UPDATE SET
			storage_path = EXCLUDED.storage_path,
			storage_backend = EXCLUDED.storage_backend,
			filename = EXCLUDED.filename,
			content_type = EXCLUDED.content_type,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum`
	if _, err := r.db.NamedExecContext(ctx, query, cert); err != nil {
		return fmt.Errorf("failed to save retirement certificate: %w", err)
	}
	return nil
}
