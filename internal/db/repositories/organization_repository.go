// organization_repository.go implements OrganizationRepository, the local directory
// of registry organizations and the installation each one granted.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
)

// OrganizationRepository handles database operations for organizations
type OrganizationRepository struct {
	db *sql.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *sql.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

const orgColumns = `id, installation_id, full_name, logo, is_suspended, permissions, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row rowScanner) (*models.Organization, error) {
	org := &models.Organization{}
	var permissions []byte
	if err := row.Scan(
		&org.ID,
		&org.InstallationID,
		&org.FullName,
		&org.Logo,
		&org.IsSuspended,
		&permissions,
		&org.CreatedAt,
		&org.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(permissions) > 0 {
		org.Permissions = json.RawMessage(permissions)
	}
	return org, nil
}

// GetByID retrieves an organization by its registry id. Returns (nil, nil) when absent.
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1`

	org, err := scanOrganization(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// List returns every known organization ordered by name
func (r *OrganizationRepository) List(ctx context.Context) ([]*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations ORDER BY full_name, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate organizations: %w", err)
	}
	return orgs, nil
}

const upsertOrgQuery = `
	INSERT INTO organizations (id, installation_id, full_name, logo, is_suspended, permissions, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	ON CONFLICT (id) DO UPDATE SET
		installation_id = EXCLUDED.installation_id,
		full_name = CASE WHEN EXCLUDED.full_name = '' THEN organizations.full_name ELSE EXCLUDED.full_name END,
		logo = COALESCE(EXCLUDED.logo, organizations.logo),
		is_suspended = EXCLUDED.is_suspended,
		permissions = EXCLUDED.permissions,
		updated_at = NOW()
	RETURNING created_at, updated_at
`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertOrganization(ctx context.Context, q queryRower, org *models.Organization) error {
	permissions := []byte(org.Permissions)
	if len(permissions) == 0 {
		permissions = []byte("{}")
	}
	return q.QueryRowContext(ctx, upsertOrgQuery,
		org.ID,
		org.InstallationID,
		org.FullName,
		org.Logo,
		org.IsSuspended,
		permissions,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
}

// Upsert records the organization → installation mapping, replacing any
// previous installation for the same organization.
func (r *OrganizationRepository) Upsert(ctx context.Context, org *models.Organization) error {
	if err := upsertOrganization(ctx, r.db, org); err != nil {
		return fmt.Errorf("failed to upsert organization: %w", err)
	}
	return nil
}

// UpsertMany records a batch of mappings in one transaction
func (r *OrganizationRepository) UpsertMany(ctx context.Context, orgs []*models.Organization) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, org := range orgs {
		if err := upsertOrganization(ctx, tx, org); err != nil {
			return fmt.Errorf("failed to upsert organization %s: %w", org.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit organizations: %w", err)
	}
	return nil
}
