// Package marketplace runs the registry-backed reads and mutations of one organization:
// obtain the organization's installation token, make one registry call, and map the
// outcome to a result or a classified error.
package marketplace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
	"github.com/carbon-marketplace/icr-marketplace/internal/storage"
	"github.com/carbon-marketplace/icr-marketplace/internal/telemetry"
	"github.com/carbon-marketplace/icr-marketplace/internal/tokens"
	"github.com/carbon-marketplace/icr-marketplace/internal/validation"
)

var (
	// ErrForbidden is returned when the registry refuses the organization's credential
	ErrForbidden = errors.New("Forbidden - Insufficient permissions")
	// ErrRemote hides any other registry failure from callers; the detail is logged
	ErrRemote = errors.New("Something went wrong")
)

// Registry is the subset of the registry client used for organization calls
type Registry interface {
	GetInventory(ctx context.Context, ts oauth2.TokenSource, orgID string) (*icr.Inventory, error)
	GetWarehouseInventory(ctx context.Context, ts oauth2.TokenSource, orgID string) (*icr.Inventory, error)
	GetRetirements(ctx context.Context, ts oauth2.TokenSource, orgID string) ([]icr.Retirement, error)
	GetReservations(ctx context.Context, ts oauth2.TokenSource, orgID string) ([]icr.Reservation, error)
	GetCreditRequests(ctx context.Context, ts oauth2.TokenSource, orgID string) ([]icr.CreditRequest, error)
	RequestCreditAction(ctx context.Context, ts oauth2.TokenSource, orgID string, action icr.CreditAction, req *icr.CreditActionRequest) error
	ReserveWarehouseCredits(ctx context.Context, ts oauth2.TokenSource, orgID string, req *icr.ReservationRequest) error
	FinishReservation(ctx context.Context, ts oauth2.TokenSource, orgID, reservationID string, action icr.CreditAction, req *icr.FinishReservationRequest) error
	CancelReservation(ctx context.Context, ts oauth2.TokenSource, orgID, reservationID string) error
	DownloadRetirementCertificate(ctx context.Context, ts oauth2.TokenSource, orgID, retirementID string) (*icr.Document, error)
}

// Credentials hands out per-organization bearer tokens
type Credentials interface {
	TokenSource(ctx context.Context, orgID string) oauth2.TokenSource
	Forget(orgID string)
}

// OrganizationReader reads linked organizations
type OrganizationReader interface {
	GetByID(ctx context.Context, id string) (*models.Organization, error)
	List(ctx context.Context) ([]*models.Organization, error)
}

// CertificateIndex records archived certificates
type CertificateIndex interface {
	Get(ctx context.Context, organizationID, retirementID string) (*models.RetirementCertificate, error)
	Save(ctx context.Context, cert *models.RetirementCertificate) error
}

// Service implements the organization operations
type Service struct {
	registry     Registry
	credentials  Credentials
	orgs         OrganizationReader
	certificates CertificateIndex
	archive      storage.Storage
}

// NewService creates the service. certificates and archive may both be nil, in
// which case certificates are always fetched from the registry.
func NewService(registry Registry, credentials Credentials, orgs OrganizationReader, certificates CertificateIndex, archive storage.Storage) *Service {
	return &Service{
		registry:     registry,
		credentials:  credentials,
		orgs:         orgs,
		certificates: certificates,
		archive:      archive,
	}
}

// ---------------------------------------------------------------------------
// Local records
// ---------------------------------------------------------------------------

// ListOrganizations returns every linked organization
func (s *Service) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	return s.orgs.List(ctx)
}

// GetOrganization returns one linked organization or tokens.ErrOrganizationNotFound
func (s *Service) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, tokens.ErrOrganizationNotFound
	}
	return org, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Inventory returns the organization's own credits
func (s *Service) Inventory(ctx context.Context, orgID string) (*icr.Inventory, error) {
	if err := requireOrganization(orgID); err != nil {
		return nil, err
	}
	inv, err := s.registry.GetInventory(ctx, s.credentials.TokenSource(ctx, orgID), orgID)
	return inv, s.classify(orgID, "inventory", err)
}

// WarehouseInventory returns the credits the organization holds in the warehouse
func (s *Service) WarehouseInventory(ctx context.Context, orgID string) (*icr.Inventory, error) {
	if err := requireOrganization(orgID); err != nil {
		return nil, err
	}
	inv, err := s.registry.GetWarehouseInventory(ctx, s.credentials.TokenSource(ctx, orgID), orgID)
	return inv, s.classify(orgID, "warehouse_inventory", err)
}

// Retirements returns the organization's completed retirements
func (s *Service) Retirements(ctx context.Context, orgID string) ([]icr.Retirement, error) {
	if err := requireOrganization(orgID); err != nil {
		return nil, err
	}
	out, err := s.registry.GetRetirements(ctx, s.credentials.TokenSource(ctx, orgID), orgID)
	return out, s.classify(orgID, "retirements", err)
}

// Reservations returns the warehouse reservations of the organization
func (s *Service) Reservations(ctx context.Context, orgID string) ([]icr.Reservation, error) {
	if err := requireOrganization(orgID); err != nil {
		return nil, err
	}
	out, err := s.registry.GetReservations(ctx, s.credentials.TokenSource(ctx, orgID), orgID)
	return out, s.classify(orgID, "reservations", err)
}

// CreditRequests returns pending and processed transfer/retirement requests
func (s *Service) CreditRequests(ctx context.Context, orgID string) ([]icr.CreditRequest, error) {
	if err := requireOrganization(orgID); err != nil {
		return nil, err
	}
	out, err := s.registry.GetCreditRequests(ctx, s.credentials.TokenSource(ctx, orgID), orgID)
	return out, s.classify(orgID, "credit_requests", err)
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// CreditActionInput requests a transfer, retirement or both for credits in inventory
type CreditActionInput struct {
	OrganizationID   string              `json:"organizationId"`
	ToOrganizationID string              `json:"toOrganizationId,omitempty"`
	ToAddress        string              `json:"toAddress,omitempty"`
	Action           icr.CreditAction    `json:"action"`
	Amount           float64             `json:"amount"`
	CreditID         string              `json:"creditId"`
	RetirementData   *icr.RetirementData `json:"retirementData,omitempty"`
}

// Validate checks the input without calling the registry
func (in *CreditActionInput) Validate() error {
	var c validation.Checker
	c.Identifier("organizationId", in.OrganizationID)
	if in.ToOrganizationID != "" {
		c.Identifier("toOrganizationId", in.ToOrganizationID)
	}
	validation.OneOf(&c, "action", in.Action, icr.CreditActions)
	c.PositiveAmount("amount", in.Amount).Required("creditId", in.CreditID)
	checkRetirement(&c, in.Action, in.RetirementData)
	return c.Err()
}

// RequestCreditAction submits a credit action request
func (s *Service) RequestCreditAction(ctx context.Context, in *CreditActionInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	req := &icr.CreditActionRequest{
		CreditID:         in.CreditID,
		ToOrganizationID: in.ToOrganizationID,
		ToAddress:        in.ToAddress,
		Amount:           in.Amount,
		RetirementData:   in.RetirementData,
	}
	err := s.registry.RequestCreditAction(ctx, s.credentials.TokenSource(ctx, in.OrganizationID), in.OrganizationID, in.Action, req)
	return s.classify(in.OrganizationID, "request_credit_action", err)
}

// ReservationInput reserves warehouse credits for the organization itself
type ReservationInput struct {
	OrganizationID string  `json:"organizationId"`
	Amount         float64 `json:"amount"`
	CreditID       string  `json:"creditId"`
}

// Validate checks the input without calling the registry
func (in *ReservationInput) Validate() error {
	var c validation.Checker
	return c.Identifier("organizationId", in.OrganizationID).
		PositiveAmount("amount", in.Amount).
		Required("creditId", in.CreditID).
		Err()
}

// ReserveWarehouseCredits places a reservation on warehouse credits
func (s *Service) ReserveWarehouseCredits(ctx context.Context, in *ReservationInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	req := &icr.ReservationRequest{
		CreditID:       in.CreditID,
		OrganizationID: in.OrganizationID,
		Amount:         in.Amount,
	}
	err := s.registry.ReserveWarehouseCredits(ctx, s.credentials.TokenSource(ctx, in.OrganizationID), in.OrganizationID, req)
	return s.classify(in.OrganizationID, "reserve_warehouse_credits", err)
}

// FinishReservationInput completes a reservation with a transfer and/or retirement
type FinishReservationInput struct {
	ReservationID  string              `json:"reservationId"`
	OrganizationID string              `json:"organizationId"`
	ReceiverID     string              `json:"receiverId"`
	Action         icr.CreditAction    `json:"action"`
	RetirementData *icr.RetirementData `json:"retirementData,omitempty"`
}

// Validate checks the input without calling the registry
func (in *FinishReservationInput) Validate() error {
	var c validation.Checker
	c.Required("reservationId", in.ReservationID).
		Identifier("organizationId", in.OrganizationID).
		Identifier("receiverId", in.ReceiverID)
	validation.OneOf(&c, "action", in.Action, icr.CreditActions)
	checkRetirement(&c, in.Action, in.RetirementData)
	return c.Err()
}

// FinishReservation completes a reservation
func (s *Service) FinishReservation(ctx context.Context, in *FinishReservationInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	req := &icr.FinishReservationRequest{
		ReceiverID:     in.ReceiverID,
		RetirementData: in.RetirementData,
	}
	err := s.registry.FinishReservation(ctx, s.credentials.TokenSource(ctx, in.OrganizationID),
		in.OrganizationID, in.ReservationID, in.Action, req)
	return s.classify(in.OrganizationID, "finish_reservation", err)
}

// CancelReservation releases a reservation
func (s *Service) CancelReservation(ctx context.Context, orgID, reservationID string) error {
	var c validation.Checker
	if err := c.Required("reservationId", reservationID).Identifier("organizationId", orgID).Err(); err != nil {
		return err
	}
	err := s.registry.CancelReservation(ctx, s.credentials.TokenSource(ctx, orgID), orgID, reservationID)
	return s.classify(orgID, "cancel_reservation", err)
}

func requireOrganization(orgID string) error {
	var c validation.Checker
	return c.Required("organizationId", orgID).Err()
}

// checkRetirement requires a beneficiary and reason for actions that retire credits
func checkRetirement(c *validation.Checker, action icr.CreditAction, data *icr.RetirementData) {
	if !action.Retires() {
		return
	}
	if data == nil {
		c.Fail("retirementData", "is required for %s", action)
		return
	}
	c.Required("retirementData.beneficiaryName", data.BeneficiaryName).
		Required("retirementData.reason", data.Reason)
}

// ---------------------------------------------------------------------------
// Retirement certificates
// ---------------------------------------------------------------------------

// RetirementCertificate returns the certificate PDF of a retirement. Archived copies
// are served from storage; otherwise the registry's copy is fetched and archived.
// A failure to archive does not fail the request.
func (s *Service) RetirementCertificate(ctx context.Context, orgID, retirementID string) (*icr.Document, error) {
	var c validation.Checker
	if err := c.Required("organizationId", orgID).Required("retirementId", retirementID).Err(); err != nil {
		return nil, err
	}

	if doc := s.fromArchive(ctx, orgID, retirementID); doc != nil {
		telemetry.CertificateArchiveTotal.WithLabelValues("cached").Inc()
		return doc, nil
	}

	doc, err := s.registry.DownloadRetirementCertificate(ctx, s.credentials.TokenSource(ctx, orgID), orgID, retirementID)
	if err != nil {
		return nil, s.classify(orgID, "retirement_certificate", err)
	}

	s.archiveDocument(ctx, orgID, retirementID, doc)
	return doc, nil
}

func (s *Service) fromArchive(ctx context.Context, orgID, retirementID string) *icr.Document {
	if s.archive == nil || s.certificates == nil {
		return nil
	}
	rec, err := s.certificates.Get(ctx, orgID, retirementID)
	if err != nil {
		slog.Warn("failed to look up archived certificate", "organization_id", orgID, "retirement_id", retirementID, "error", err)
		return nil
	}
	if rec == nil || rec.StorageBackend != s.archive.Backend() {
		return nil
	}

	rc, err := s.archive.Download(ctx, rec.StoragePath)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("failed to read archived certificate", "key", rec.StoragePath, "error", err)
		}
		return nil
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		slog.Warn("failed to read archived certificate", "key", rec.StoragePath, "error", err)
		return nil
	}
	return &icr.Document{Body: body, ContentType: rec.ContentType, Filename: rec.Filename}
}

func (s *Service) archiveDocument(ctx context.Context, orgID, retirementID string, doc *icr.Document) {
	if s.archive == nil || s.certificates == nil {
		return
	}
	key := storage.CertificateKey(orgID, retirementID)
	res, err := s.archive.Upload(ctx, key, bytes.NewReader(doc.Body), int64(len(doc.Body)), doc.ContentType)
	if err != nil {
		telemetry.CertificateArchiveTotal.WithLabelValues("failed").Inc()
		slog.Warn("failed to archive certificate", "key", key, "error", err)
		return
	}
	err = s.certificates.Save(ctx, &models.RetirementCertificate{
		OrganizationID: orgID,
		RetirementID:   retirementID,
		StoragePath:    res.Key,
		StorageBackend: s.archive.Backend(),
		Filename:       doc.Filename,
		ContentType:    doc.ContentType,
		SizeBytes:      res.Size,
		Checksum:       res.Checksum,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		telemetry.CertificateArchiveTotal.WithLabelValues("failed").Inc()
		slog.Warn("failed to record archived certificate", "key", key, "error", err)
		return
	}
	telemetry.CertificateArchiveTotal.WithLabelValues("archived").Inc()
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// classify maps a registry-call error to what callers may see. Organization lookup
// and token issuance errors pass through so the API can tell them apart.
func (s *Service) classify(orgID, op string, err error) error {
	if err == nil {
		return nil
	}
	var issErr *tokens.IssuanceError
	switch {
	case errors.Is(err, tokens.ErrOrganizationNotFound):
		return tokens.ErrOrganizationNotFound
	case errors.As(err, &issErr):
		return issErr
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var apiErr *icr.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		// The cached token was revoked or rotated early.
		s.credentials.Forget(orgID)
	}
	if icr.IsForbidden(err) {
		slog.Warn("registry refused organization call", "op", op, "organization_id", orgID, "error", err)
		return ErrForbidden
	}
	slog.Warn("registry call failed", "op", op, "organization_id", orgID, "error", err)
	return ErrRemote
}
