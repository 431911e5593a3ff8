// Package models - organization.go defines the Organization model: a registry
// organization that installed the marketplace app, keyed by its registry id.
package models

import (
	"encoding/json"
	"time"
)

// Organization maps a registry organization to the installation that grants the
// marketplace access to it.
type Organization struct {
	ID             string          `db:"id" json:"id"`
	InstallationID string          `db:"installation_id" json:"installationId"`
	FullName       string          `db:"full_name" json:"fullName"`
	Logo           *string         `db:"logo" json:"logo,omitempty"`
	IsSuspended    bool            `db:"is_suspended" json:"isSuspended"`
	Permissions    json.RawMessage `db:"permissions" json:"permissions,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
}
