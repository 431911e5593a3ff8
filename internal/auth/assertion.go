// Package auth mints the application-level credential used against the carbon
// registry: a short-lived RS256 JWT whose issuer is the registry app id. The
// assertion authenticates app-wide calls (installation listing, token issuance,
// account provisioning) and is exchanged for per-organization installation tokens.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	// assertionLifetime is how long an assertion is accepted by the registry
	assertionLifetime = 10 * time.Minute
	// assertionBackdate absorbs clock drift between us and the registry
	assertionBackdate = 60 * time.Second
	// assertionRefreshMargin renews a cached assertion this long before it expires
	assertionRefreshMargin = 60 * time.Second
)

// ErrMissingAppID is returned when the signer is built without an issuer
var ErrMissingAppID = errors.New("auth: registry app id is required")

// ParsePrivateKey decodes a PEM-encoded RSA key (PKCS#1 or PKCS#8). Literal "\n"
// sequences are accepted so the key can be passed through a single-line env var.
func ParsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	normalized := strings.TrimSpace(strings.ReplaceAll(pemData, `\n`, "\n"))
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(normalized))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry private key: %w", err)
	}
	return key, nil
}

// AppSigner signs app assertions. It implements oauth2.TokenSource.
type AppSigner struct {
	appID string
	key   *rsa.PrivateKey
	now   func() time.Time
}

// NewAppSigner creates a signer for the given app id and PEM private key
func NewAppSigner(appID, privateKeyPEM string) (*AppSigner, error) {
	if appID == "" {
		return nil, ErrMissingAppID
	}
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &AppSigner{appID: appID, key: key, now: time.Now}, nil
}

// SetClock overrides the time source. Tests only.
func (s *AppSigner) SetClock(now func() time.Time) {
	s.now = now
}

// Sign returns a fresh assertion and its expiry
func (s *AppSigner) Sign() (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(assertionLifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    s.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionBackdate)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign app assertion: %w", err)
	}
	return signed, expiresAt, nil
}

// Token implements oauth2.TokenSource by signing a new assertion on every call
func (s *AppSigner) Token() (*oauth2.Token, error) {
	signed, expiresAt, err := s.Sign()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: expiresAt}, nil
}

// TokenSource returns a caching source that re-signs shortly before expiry
func (s *AppSigner) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, s, assertionRefreshMargin)
}

// PublicKey returns the key that verifies assertions signed by s
func (s *AppSigner) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}
