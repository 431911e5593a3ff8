package tokens

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
)

const (
	testOrgID       = "6a1f3b2c4d5e6f708192a3b4c5d6e7f8"
	testInstallID   = "42"
	otherOrgID      = "0f1e2d3c4b5a69788796a5b4c3d2e1f0"
	testEncryptKey  = "0123456789abcdef0123456789abcdef"
	otherEncryptKey = "fedcba9876543210fedcba9876543210"
)

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

type fakeTokenStore struct {
	mu      sync.Mutex
	rows    map[string]models.AccessToken
	gets    int
	saves   int
	getErr  error
	saveErr error
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{rows: map[string]models.AccessToken{}}
}

func (s *fakeTokenStore) GetValid(_ context.Context, orgID string, now time.Time) (*models.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	row, ok := s.rows[orgID]
	if !ok || !row.ExpiresAt.After(now) {
		return nil, nil
	}
	return &row, nil
}

func (s *fakeTokenStore) Save(_ context.Context, token *models.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rows[token.OrganizationID] = *token
	return nil
}

func (s *fakeTokenStore) Delete(_ context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, orgID)
	return nil
}

func (s *fakeTokenStore) row(orgID string) (models.AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[orgID]
	return row, ok
}

type fakeOrgStore struct {
	mu   sync.Mutex
	orgs map[string]*models.Organization
	err  error
}

func newFakeOrgStore(orgs ...*models.Organization) *fakeOrgStore {
	s := &fakeOrgStore{orgs: map[string]*models.Organization{}}
	for _, o := range orgs {
		s.orgs[o.ID] = o
	}
	return s
}

func (s *fakeOrgStore) GetByID(_ context.Context, id string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	org, ok := s.orgs[id]
	if !ok {
		return nil, nil
	}
	cp := *org
	return &cp, nil
}

func (s *fakeOrgStore) UpsertMany(_ context.Context, orgs []*models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orgs {
		cp := *o
		s.orgs[o.ID] = &cp
	}
	return nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

type fakeLister struct {
	installations []icr.Installation
	err           error
	calls         atomic.Int32
	ctxErr        error
}

func (f *fakeLister) ListInstallations(ctx context.Context, _ oauth2.TokenSource) ([]icr.Installation, error) {
	f.calls.Add(1)
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return nil, f.err
	}
	return f.installations, nil
}

type fakeRegistry struct {
	clock   func() time.Time
	ttl     time.Duration
	err     error
	release chan struct{}
	entered chan struct{}
	calls   atomic.Int32
	lastID  atomic.Value
}

func (f *fakeRegistry) CreateInstallationAccessToken(_ context.Context, _ oauth2.TokenSource, installationID string) (*icr.AccessToken, error) {
	n := f.calls.Add(1)
	f.lastID.Store(installationID)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &icr.AccessToken{
		Token:     fmt.Sprintf("icr-token-%d", n),
		ExpiresAt: f.clock().Add(f.ttl),
	}, nil
}

var appSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "app-jwt"})
