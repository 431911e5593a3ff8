package models

import "time"

// PendingState is a one-time value handed out before redirecting a user to the
// registry install page and checked when the installation callback arrives.
type PendingState struct {
	State      string     `db:"state"`
	UserID     string     `db:"user_id"`
	CreatedAt  time.Time  `db:"created_at"`
	ExpiresAt  time.Time  `db:"expires_at"`
	ConsumedAt *time.Time `db:"consumed_at"`
}
