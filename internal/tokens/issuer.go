package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/carbon-marketplace/icr-marketplace/internal/crypto"
	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
	"github.com/carbon-marketplace/icr-marketplace/internal/telemetry"
)

// ErrTokenAlreadyExpired is returned when the registry issues a token whose expiry
// is not in the future
var ErrTokenAlreadyExpired = errors.New("issued token is already expired")

// TokenStore persists the active token of each organization
type TokenStore interface {
	GetValid(ctx context.Context, organizationID string, now time.Time) (*models.AccessToken, error)
	Save(ctx context.Context, token *models.AccessToken) error
	Delete(ctx context.Context, organizationID string) error
}

// Resolver finds the installation behind an organization
type Resolver interface {
	Resolve(ctx context.Context, orgID string) (*models.Organization, error)
}

// AccessTokenCreator exchanges the app credential for an installation token
type AccessTokenCreator interface {
	CreateInstallationAccessToken(ctx context.Context, app oauth2.TokenSource, installationID string) (*icr.AccessToken, error)
}

// IssuanceError wraps a failed token exchange with the registry
type IssuanceError struct {
	OrganizationID string
	Err            error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("failed to issue access token for organization %s: %v", e.OrganizationID, e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// Forbidden reports whether the registry refused the app credential
func (e *IssuanceError) Forbidden() bool { return icr.IsForbidden(e.Err) }

// RemoteMessage is the registry's explanation, if it gave one
func (e *IssuanceError) RemoteMessage() string {
	msg, _ := icr.RemoteMessage(e.Err)
	return msg
}

// IssuerConfig wires an Issuer
type IssuerConfig struct {
	Store    TokenStore
	Cipher   *crypto.TokenCipher
	Resolver Resolver
	Registry AccessTokenCreator
	App      oauth2.TokenSource
	// MemoryCache keeps decrypted tokens in process until they expire
	MemoryCache bool
}

// Issuer returns an unexpired installation token for an organization.
// Lookups go memory, then database, then registry; concurrent misses for the
// same organization share a single registry call.
type Issuer struct {
	store    TokenStore
	cipher   *crypto.TokenCipher
	resolver Resolver
	registry AccessTokenCreator
	app      oauth2.TokenSource
	memory   *cache.Cache
	inflight singleflight.Group
	now      func() time.Time
}

// NewIssuer creates an issuer
func NewIssuer(cfg IssuerConfig) *Issuer {
	iss := &Issuer{
		store:    cfg.Store,
		cipher:   cfg.Cipher,
		resolver: cfg.Resolver,
		registry: cfg.Registry,
		app:      cfg.App,
		now:      time.Now,
	}
	if cfg.MemoryCache {
		iss.memory = cache.New(cache.NoExpiration, 10*time.Minute)
	}
	return iss
}

// SetClock replaces the time source. Tests only.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// Token returns a token for orgID that expires strictly after the current time.
// Resolution failures return ErrOrganizationNotFound; registry refusals return *IssuanceError.
func (i *Issuer) Token(ctx context.Context, orgID string) (*icr.AccessToken, error) {
	now := i.now()

	if tok, ok := i.fromMemory(orgID, now); ok {
		telemetry.AccessTokenLookupsTotal.WithLabelValues("memory").Inc()
		return tok, nil
	}

	if tok, err := i.fromStore(ctx, orgID, now); err != nil {
		return nil, err
	} else if tok != nil {
		telemetry.AccessTokenLookupsTotal.WithLabelValues("store").Inc()
		i.remember(orgID, tok, now)
		return tok, nil
	}

	v, err, _ := i.inflight.Do(orgID, func() (interface{}, error) {
		// The first caller going away must not fail the others waiting on this call.
		return i.issue(context.WithoutCancel(ctx), orgID)
	})
	if err != nil {
		return nil, err
	}
	tok := *v.(*icr.AccessToken)
	return &tok, nil
}

// TokenSource adapts the issuer to oauth2 for one organization
func (i *Issuer) TokenSource(ctx context.Context, orgID string) oauth2.TokenSource {
	return &orgTokenSource{ctx: ctx, issuer: i, orgID: orgID}
}

// Forget discards an organization's token after the registry rejected it, so the
// next call issues a fresh one.
func (i *Issuer) Forget(orgID string) {
	if i.memory != nil {
		i.memory.Delete(orgID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.store.Delete(ctx, orgID); err != nil {
		slog.Warn("failed to discard stored access token", "organization_id", orgID, "error", err)
	}
}

func (i *Issuer) fromMemory(orgID string, now time.Time) (*icr.AccessToken, bool) {
	if i.memory == nil {
		return nil, false
	}
	v, ok := i.memory.Get(orgID)
	if !ok {
		return nil, false
	}
	tok := v.(icr.AccessToken)
	if !tok.ExpiresAt.After(now) {
		i.memory.Delete(orgID)
		return nil, false
	}
	return &tok, true
}

func (i *Issuer) fromStore(ctx context.Context, orgID string, now time.Time) (*icr.AccessToken, error) {
	stored, err := i.store.GetValid(ctx, orgID, now)
	if err != nil {
		return nil, err
	}
	if !stored.ValidAt(now) {
		return nil, nil
	}
	plain, err := i.cipher.Open(stored.TokenEncrypted)
	if err != nil || plain == "" {
		// Unreadable under the current key: treat as a miss and replace it.
		slog.Warn("stored access token unreadable, issuing a new one", "organization_id", orgID, "error", err)
		return nil, nil
	}
	return &icr.AccessToken{Token: plain, ExpiresAt: stored.ExpiresAt}, nil
}

func (i *Issuer) issue(ctx context.Context, orgID string) (*icr.AccessToken, error) {
	// Another caller may have finished issuing between our miss and entering the flight.
	if tok, ok := i.fromMemory(orgID, i.now()); ok {
		return tok, nil
	}

	org, err := i.resolver.Resolve(ctx, orgID)
	if err != nil {
		return nil, err
	}

	tok, err := i.registry.CreateInstallationAccessToken(ctx, i.app, org.InstallationID)
	if err != nil {
		telemetry.TokenIssuanceFailuresTotal.Inc()
		return nil, &IssuanceError{OrganizationID: orgID, Err: err}
	}

	now := i.now()
	if !tok.ExpiresAt.After(now) {
		telemetry.TokenIssuanceFailuresTotal.Inc()
		return nil, &IssuanceError{OrganizationID: orgID, Err: fmt.Errorf("%w: expires at %s", ErrTokenAlreadyExpired, tok.ExpiresAt.Format(time.RFC3339))}
	}
	telemetry.AccessTokenLookupsTotal.WithLabelValues("issued").Inc()

	sealed, err := i.cipher.Seal(tok.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	record := &models.AccessToken{
		OrganizationID: orgID,
		InstallationID: org.InstallationID,
		TokenEncrypted: sealed,
		ExpiresAt:      tok.ExpiresAt,
		CreatedAt:      now,
	}
	if err := i.store.Save(ctx, record); err != nil {
		slog.Error("failed to persist access token", "organization_id", orgID, "error", err)
	}
	i.remember(orgID, tok, now)
	slog.Debug("issued installation access token", "organization_id", orgID, "expires_at", tok.ExpiresAt)
	return tok, nil
}

func (i *Issuer) remember(orgID string, tok *icr.AccessToken, now time.Time) {
	if i.memory == nil {
		return
	}
	ttl := tok.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	i.memory.Set(orgID, *tok, ttl)
}

type orgTokenSource struct {
	ctx    context.Context
	issuer *Issuer
	orgID  string
}

func (s *orgTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.issuer.Token(s.ctx, s.orgID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.Token, TokenType: "Bearer", Expiry: tok.ExpiresAt}, nil
}
