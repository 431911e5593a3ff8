// Package installations runs the connect flow that links a registry organization to
// this marketplace: issue a one-time state, send the user to the registry install
// page, and record the installation when the registry redirects back.
package installations

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
	"github.com/carbon-marketplace/icr-marketplace/internal/db/repositories"
	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
	"github.com/carbon-marketplace/icr-marketplace/internal/telemetry"
	"github.com/carbon-marketplace/icr-marketplace/internal/tokens"
	"github.com/carbon-marketplace/icr-marketplace/internal/validation"
)

var (
	// ErrInvalidInstallationID is returned when the callback carries no installation id
	ErrInvalidInstallationID = errors.New("invalid installation id")
	// ErrInvalidState is returned for a state that was never issued, was already used, or expired
	ErrInvalidState = errors.New("invalid state")
	// ErrInstallFailed is returned when the registry lookup or the local write fails
	ErrInstallFailed = errors.New("installation failed")
)

// StateStore holds issued state values
type StateStore interface {
	Create(ctx context.Context, state *models.PendingState) error
	Consume(ctx context.Context, state string, now time.Time) (*models.PendingState, error)
}

// OrganizationWriter records linked organizations
type OrganizationWriter interface {
	Upsert(ctx context.Context, org *models.Organization) error
}

// Registry is the subset of the registry client used by the connect flow
type Registry interface {
	GetInstallation(ctx context.Context, app oauth2.TokenSource, installationID string) (*icr.Installation, error)
	CreateUserAndOrganization(ctx context.Context, app oauth2.TokenSource, req *icr.ProvisionRequest) (*icr.ProvisionResult, error)
}

// Config holds the URLs and lifetimes of the connect flow
type Config struct {
	InstallURL  string
	CallbackURL string
	StateTTL    time.Duration
}

// Service implements the connect flow
type Service struct {
	states   StateStore
	orgs     OrganizationWriter
	registry Registry
	app      oauth2.TokenSource
	cfg      Config
	now      func() time.Time
}

// NewService creates a connect flow service. app is the app-level credential.
func NewService(states StateStore, orgs OrganizationWriter, registry Registry, app oauth2.TokenSource, cfg Config) *Service {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	return &Service{states: states, orgs: orgs, registry: registry, app: app, cfg: cfg, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// ConnectStart is what a client needs to send a user to the install page
type ConnectStart struct {
	State      string    `json:"state"`
	InstallURL string    `json:"install_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StartConnect issues a state for userID (a new random user id when empty) and
// returns the install URL carrying it.
func (s *Service) StartConnect(ctx context.Context, userID string) (*ConnectStart, error) {
	if userID == "" {
		id, err := randomHex(16)
		if err != nil {
			return nil, err
		}
		userID = id
	}
	nonce, err := randomHex(8)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ps := &models.PendingState{
		State:     userID + "-" + nonce,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.StateTTL),
	}
	if err := s.states.Create(ctx, ps); err != nil {
		return nil, err
	}
	telemetry.PendingStatesTotal.WithLabelValues("issued").Inc()

	return &ConnectStart{
		State:      ps.State,
		InstallURL: s.installURL(ps.State),
		ExpiresAt:  ps.ExpiresAt,
	}, nil
}

func (s *Service) installURL(state string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("redirectUri", s.cfg.CallbackURL)
	return s.cfg.InstallURL + "?" + q.Encode()
}

// CompleteInstallation consumes state and records the organization behind
// installationID. The state is spent even when the registry lookup fails.
func (s *Service) CompleteInstallation(ctx context.Context, installationID, state string) (*models.Organization, error) {
	installationID = strings.TrimSpace(installationID)
	if installationID == "" {
		return nil, ErrInvalidInstallationID
	}
	if state == "" {
		telemetry.PendingStatesTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidState
	}

	ps, err := s.states.Consume(ctx, state, s.now())
	if errors.Is(err, repositories.ErrStateNotFound) {
		telemetry.PendingStatesTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	telemetry.PendingStatesTotal.WithLabelValues("consumed").Inc()

	inst, err := s.registry.GetInstallation(ctx, s.app, installationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	org := tokens.OrganizationFromInstallation(inst)
	// The id in the callback is authoritative for the link.
	org.InstallationID = installationID
	if org.ID == "" {
		return nil, fmt.Errorf("%w: installation %s has no organization", ErrInstallFailed, installationID)
	}
	if err := s.orgs.Upsert(ctx, org); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	slog.Info("organization connected",
		"organization_id", org.ID, "installation_id", installationID, "user_id", ps.UserID)
	return org, nil
}

// ValidateProvisionRequest checks a provisioning request without calling the registry
func ValidateProvisionRequest(req *icr.ProvisionRequest) error {
	var c validation.Checker
	c.Email("user.email", req.User.Email).Required("organization.fullName", req.Organization.FullName)
	validation.OneOf(&c, "organization.type", req.Organization.Type, icr.OrganizationTypes)
	if cc := req.Organization.CountryCode; cc != "" && len(cc) != 2 {
		c.Fail("organization.countryCode", "must be a two-letter country code")
	}
	return c.Err()
}

// Provision creates a registry user with a new organization that has this app
// installed, then links the new installation locally.
func (s *Service) Provision(ctx context.Context, req *icr.ProvisionRequest) (*icr.ProvisionResult, error) {
	if err := ValidateProvisionRequest(req); err != nil {
		return nil, err
	}
	req.Organization.CountryCode = strings.ToUpper(req.Organization.CountryCode)

	res, err := s.registry.CreateUserAndOrganization(ctx, s.app, req)
	if err != nil {
		return nil, err
	}

	if id := res.Installation.ID.String(); id != "" {
		s.linkProvisioned(ctx, id)
	}
	return res, nil
}

// linkProvisioned records the organization of a freshly provisioned installation.
// Failures are logged: the directory picks it up on the next refresh anyway.
func (s *Service) linkProvisioned(ctx context.Context, installationID string) {
	inst, err := s.registry.GetInstallation(ctx, s.app, installationID)
	if err != nil {
		slog.Warn("failed to look up provisioned installation", "installation_id", installationID, "error", err)
		return
	}
	org := tokens.OrganizationFromInstallation(inst)
	org.InstallationID = installationID
	if org.ID == "" {
		return
	}
	if err := s.orgs.Upsert(ctx, org); err != nil {
		slog.Warn("failed to link provisioned organization", "organization_id", org.ID, "error", err)
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ErrorCode maps a CompleteInstallation error to the code sent back to the browser
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInstallationID):
		return "invalid_installation_id"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "install_error"
	}
}
