// access_token_repository.go implements AccessTokenRepository, the persistent layer
// of the installation token cache. Rows hold sealed tokens only.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
)

// AccessTokenRepository handles database operations for installation access tokens
type AccessTokenRepository struct {
	db *sqlx.DB
}

// NewAccessTokenRepository creates a new access token repository
func NewAccessTokenRepository(db *sqlx.DB) *AccessTokenRepository {
	return &AccessTokenRepository{db: db}
}

// GetValid returns the organization's token if it expires strictly after now.
// Returns (nil, nil) when there is no such token.
func (r *AccessTokenRepository) GetValid(ctx context.Context, organizationID string, now time.Time) (*models.AccessToken, error) {
	var token models.AccessToken
	query := `
		SELECT organization_id, installation_id, token_encrypted, expires_at, created_at
		FROM access_tokens
		WHERE organization_id = $1 AND expires_at > $2`
	err := r.db.GetContext(ctx, &token, query, organizationID, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	return &token, nil
}

// Save stores the token as the organization's active token, replacing any older one
func (r *AccessTokenRepository) Save(ctx context.Context, token *models.AccessToken) error {
	query := `
		INSERT INTO access_tokens (organization_id, installation_id, token_encrypted, expires_at, created_at)
		VALUES (:organization_id, :installation_id, :token_encrypted, :expires_at, :created_at)
		ON CONFLICT (organization_id) DO UPDATE SET
			installation_id = EXCLUDED.installation_id,
			token_encrypted = EXCLUDED.token_encrypted,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// Delete removes an organization's token, if any
func (r *AccessTokenRepository) Delete(ctx context.Context, organizationID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE organization_id = $1`, organizationID); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// DeleteExpired removes tokens that expired at or before now and returns how many were removed
func (r *AccessTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired access tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
