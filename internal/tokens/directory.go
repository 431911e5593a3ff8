// Package tokens resolves organizations to registry installations and hands out
// installation access tokens, reusing unexpired ones from memory or the database
// before asking the registry for a new one.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
)

// ErrOrganizationNotFound is returned when no installation exists for an organization,
// locally or at the registry.
var ErrOrganizationNotFound = errors.New("organization not found")

// OrganizationStore is the local organization table
type OrganizationStore interface {
	GetByID(ctx context.Context, id string) (*models.Organization, error)
	UpsertMany(ctx context.Context, orgs []*models.Organization) error
}

// InstallationLister lists every installation of the app at the registry
type InstallationLister interface {
	ListInstallations(ctx context.Context, app oauth2.TokenSource) ([]icr.Installation, error)
}

// Directory maps organization ids to installation ids
type Directory struct {
	orgs     OrganizationStore
	registry InstallationLister
	app      oauth2.TokenSource
	refresh  singleflight.Group
}

// NewDirectory creates a directory. app is the app-level credential used to list installations.
func NewDirectory(orgs OrganizationStore, registry InstallationLister, app oauth2.TokenSource) *Directory {
	return &Directory{orgs: orgs, registry: registry, app: app}
}

// Resolve returns the local record for orgID. On a miss every installation is
// fetched from the registry and stored before looking again.
func (d *Directory) Resolve(ctx context.Context, orgID string) (*models.Organization, error) {
	org, err := d.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org != nil && org.InstallationID != "" {
		return org, nil
	}

	if _, err := d.Refresh(ctx); err != nil {
		return nil, err
	}

	org, err = d.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil || org.InstallationID == "" {
		return nil, ErrOrganizationNotFound
	}
	return org, nil
}

// Refresh stores every installation the registry reports and returns how many
// organizations were written. Concurrent calls share one listing.
func (d *Directory) Refresh(ctx context.Context) (int, error) {
	v, err, shared := d.refresh.Do("installations", func() (interface{}, error) {
		// Callers waiting on this listing must not fail because the first one went away.
		ctx := context.WithoutCancel(ctx)
		installations, err := d.registry.ListInstallations(ctx, d.app)
		if err != nil {
			return 0, fmt.Errorf("failed to list installations: %w", err)
		}
		orgs := lo.FilterMap(installations, func(inst icr.Installation, _ int) (*models.Organization, bool) {
			org := OrganizationFromInstallation(&inst)
			return org, org.ID != "" && org.InstallationID != ""
		})
		if err := d.orgs.UpsertMany(ctx, orgs); err != nil {
			return 0, err
		}
		slog.Info("organization directory refreshed", "installations", len(installations), "organizations", len(orgs))
		return len(orgs), nil
	})
	if shared {
		slog.Debug("organization directory refresh shared with a concurrent caller")
	}
	return v.(int), err
}

// OrganizationFromInstallation builds the local record for a registry installation
func OrganizationFromInstallation(inst *icr.Installation) *models.Organization {
	return &models.Organization{
		ID:             inst.Organization.ID.String(),
		InstallationID: inst.ID.String(),
		FullName:       inst.Organization.FullName,
		Logo:           inst.Organization.Logo,
		IsSuspended:    inst.Organization.IsSuspended,
		Permissions:    inst.EffectivePermissions(),
	}
}
