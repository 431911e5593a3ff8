package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
)

// ErrStateNotFound is returned when a state value was never issued, has already
// been consumed, or has expired.
var ErrStateNotFound = errors.New("state not found")

// PendingStateRepository stores the one-time values that guard installation callbacks
type PendingStateRepository struct {
	db *sqlx.DB
}

// NewPendingStateRepository creates a new pending state repository
func NewPendingStateRepository(db *sqlx.DB) *PendingStateRepository {
	return &PendingStateRepository{db: db}
}

// Create stores a newly issued state value
func (r *PendingStateRepository) Create(ctx context.Context, state *models.PendingState) error {
	query := `
		INSERT INTO pending_states (state, user_id, created_at, expires_at)
		VALUES (:state, :user_id, :created_at, :expires_at)`
	if _, err := r.db.NamedExecContext(ctx, query, state); err != nil {
		return fmt.Errorf("failed to create pending state: %w", err)
	}
	return nil
}

// Consume marks the state as used and returns it. The conditional update makes
// consumption atomic: of two concurrent callbacks with the same value only one
// succeeds. Unknown, used and expired values all yield ErrStateNotFound.
func (r *PendingStateRepository) Consume(ctx context.Context, state string, now time.Time) (*models.PendingState, error) {
	var ps models.PendingState
	query := `
		UPDATE pending_states
		SET consumed_at = $2
		WHERE state = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING state, user_id, created_at, expires_at, consumed_at`
	err := r.db.GetContext(ctx, &ps, query, state, now)
	if err == sql.ErrNoRows {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending state: %w", err)
	}
	return &ps, nil
}

// DeleteExpired removes states that expired at or before now, consumed or not
func (r *PendingStateRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending states: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
