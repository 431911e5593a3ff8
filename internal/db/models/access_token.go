// Package models - access_token.go defines the persisted installation access token.
// The bearer value is stored AES-GCM sealed; TokenEncrypted is never serialized.
package models

import "time"

// AccessToken is the most recently issued installation token for an organization
type AccessToken struct {
	OrganizationID string    `db:"organization_id" json:"organizationId"`
	InstallationID string    `db:"installation_id" json:"installationId"`
	TokenEncrypted string    `db:"token_encrypted" json:"-"`
	ExpiresAt      time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// ValidAt reports whether the token expires strictly after now.
func (t *AccessToken) ValidAt(now time.Time) bool {
	return t != nil && t.ExpiresAt.After(now)
}
