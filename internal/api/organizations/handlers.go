// Package organizations serves the registry-backed reads and mutations of one
// linked organization under /api/v1/organizations/:id.
package organizations

import (
	"context"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/carbon-marketplace/icr-marketplace/internal/api/respond"
	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
	"github.com/carbon-marketplace/icr-marketplace/internal/marketplace"
)

// Marketplace is the service behind the organization routes
type Marketplace interface {
	ListOrganizations(ctx context.Context) ([]*models.Organization, error)
	GetOrganization(ctx context.Context, orgID string) (*models.Organization, error)
	Inventory(ctx context.Context, orgID string) (*icr.Inventory, error)
	WarehouseInventory(ctx context.Context, orgID string) (*icr.Inventory, error)
	Retirements(ctx context.Context, orgID string) ([]icr.Retirement, error)
	Reservations(ctx context.Context, orgID string) ([]icr.Reservation, error)
	CreditRequests(ctx context.Context, orgID string) ([]icr.CreditRequest, error)
	RequestCreditAction(ctx context.Context, in *marketplace.CreditActionInput) error
	ReserveWarehouseCredits(ctx context.Context, in *marketplace.ReservationInput) error
	FinishReservation(ctx context.Context, in *marketplace.FinishReservationInput) error
	CancelReservation(ctx context.Context, orgID, reservationID string) error
	RetirementCertificate(ctx context.Context, orgID, retirementID string) (*icr.Document, error)
}

// Handlers serves the organization routes
type Handlers struct {
	svc Marketplace
}

// NewHandlers creates organization handlers
func NewHandlers(svc Marketplace) *Handlers {
	return &Handlers{svc: svc}
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
}

// nonNil keeps empty registry listings rendering as [] rather than null
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// ---------------------------------------------------------------------------
// Local records
// ---------------------------------------------------------------------------

// ListOrganizationsHandler lists linked organizations
// GET /api/v1/organizations
func (h *Handlers) ListOrganizationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgs, err := h.svc.ListOrganizations(c.Request.Context())
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"organizations": nonNil(orgs)})
	}
}

// GetOrganizationHandler returns one linked organization
// GET /api/v1/organizations/:id
func (h *Handlers) GetOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := h.svc.GetOrganization(c.Request.Context(), c.Param("id"))
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// ---------------------------------------------------------------------------
// Registry reads
// ---------------------------------------------------------------------------

// InventoryHandler returns the organization's credits
// GET /api/v1/organizations/:id/inventory
func (h *Handlers) InventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inv, err := h.svc.Inventory(c.Request.Context(), c.Param("id"))
		if err != nil {
			respond.Error(c, err)
			return
		}
		inv.Credits = nonNil(inv.Credits)
		c.JSON(http.StatusOK, inv)
	}
}

// WarehouseInventoryHandler returns the credits held in the organization's warehouse
// GET /api/v1/organizations/:id/warehouse/inventory
func (h *Handlers) WarehouseInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inv, err := h.svc.WarehouseInventory(c.Request.Context(), c.Param("id"))
		if err != nil {
			respond.Error(c, err)
			return
		}
		inv.Credits = nonNil(inv.Credits)
		c.JSON(http.StatusOK, inv)
	}
}

// RetirementsHandler lists completed retirements
// GET /api/v1/organizations/:id/retirements
func (h *Handlers) RetirementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := h.svc.Retirements(c.Request.Context(), c.Param("id"))
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNil(items))
	}
}

// ReservationsHandler lists warehouse reservations
// GET /api/v1/organizations/:id/warehouse/reservations
func (h *Handlers) ReservationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := h.svc.Reservations(c.Request.Context(), c.Param("id"))
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNil(items))
	}
}

// CreditRequestsHandler lists transfer and retirement requests
// GET /api/v1/organizations/:id/inventory/requests
func (h *Handlers) CreditRequestsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := h.svc.CreditRequests(c.Request.Context(), c.Param("id"))
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNil(items))
	}
}

// CertificateHandler streams a retirement certificate
// GET /api/v1/organizations/:id/retirements/:retirementId/certificate
func (h *Handlers) CertificateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := h.svc.RetirementCertificate(c.Request.Context(), c.Param("id"), c.Param("retirementId"))
		if err != nil {
			respond.Error(c, err)
			return
		}

		filename := doc.Filename
		if filename == "" {
			filename = "retirement-" + c.Param("retirementId") + ".pdf"
		}
		contentType := doc.ContentType
		if contentType == "" {
			contentType = "application/pdf"
		}
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		c.Data(http.StatusOK, contentType, doc.Body)
	}
}

// ---------------------------------------------------------------------------
// Registry mutations
// ---------------------------------------------------------------------------

type creditActionBody struct {
	ToOrganizationID string              `json:"toOrganizationId"`
	ToAddress        string              `json:"toAddress"`
	Amount           float64             `json:"amount"`
	CreditID         string              `json:"creditId"`
	RetirementData   *icr.RetirementData `json:"retirementData"`
}

// CreditActionHandler requests a transfer, retire or transfer_retire
// POST /api/v1/organizations/:id/inventory/requests/:action
func (h *Handlers) CreditActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body creditActionBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badBody(c)
			return
		}

		err := h.svc.RequestCreditAction(c.Request.Context(), &marketplace.CreditActionInput{
			OrganizationID:   c.Param("id"),
			ToOrganizationID: body.ToOrganizationID,
			ToAddress:        body.ToAddress,
			Action:           icr.CreditAction(c.Param("action")),
			Amount:           body.Amount,
			CreditID:         body.CreditID,
			RetirementData:   body.RetirementData,
		})
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type reservationBody struct {
	Amount   float64 `json:"amount"`
	CreditID string  `json:"creditId"`
}

// ReserveHandler reserves warehouse credits
// POST /api/v1/organizations/:id/warehouse/reservations
func (h *Handlers) ReserveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body reservationBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badBody(c)
			return
		}

		err := h.svc.ReserveWarehouseCredits(c.Request.Context(), &marketplace.ReservationInput{
			OrganizationID: c.Param("id"),
			Amount:         body.Amount,
			CreditID:       body.CreditID,
		})
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type finishBody struct {
	ReceiverID     string              `json:"receiverId"`
	RetirementData *icr.RetirementData `json:"retirementData"`
}

// FinishReservationHandler completes a reservation
// POST /api/v1/organizations/:id/warehouse/reservations/:reservationId/:action
func (h *Handlers) FinishReservationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body finishBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badBody(c)
			return
		}

		err := h.svc.FinishReservation(c.Request.Context(), &marketplace.FinishReservationInput{
			ReservationID:  c.Param("reservationId"),
			OrganizationID: c.Param("id"),
			ReceiverID:     body.ReceiverID,
			Action:         icr.CreditAction(c.Param("action")),
			RetirementData: body.RetirementData,
		})
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// CancelReservationHandler releases a reservation
// DELETE /api/v1/organizations/:id/warehouse/reservations/:reservationId
func (h *Handlers) CancelReservationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.CancelReservation(c.Request.Context(), c.Param("id"), c.Param("reservationId")); err != nil {
			respond.Error(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// Register mounts the read routes on reads and the mutating routes on mutations.
// Both groups are rooted at /api/v1/organizations.
func (h *Handlers) Register(reads, mutations *gin.RouterGroup) {
	reads.GET("", h.ListOrganizationsHandler())
	reads.GET("/:id", h.GetOrganizationHandler())
	reads.GET("/:id/inventory", h.InventoryHandler())
	reads.GET("/:id/inventory/requests", h.CreditRequestsHandler())
	reads.GET("/:id/warehouse/inventory", h.WarehouseInventoryHandler())
	reads.GET("/:id/warehouse/reservations", h.ReservationsHandler())
	reads.GET("/:id/retirements", h.RetirementsHandler())
	reads.GET("/:id/retirements/:retirementId/certificate", h.CertificateHandler())

	mutations.POST("/:id/inventory/requests/:action", h.CreditActionHandler())
	mutations.POST("/:id/warehouse/reservations", h.ReserveHandler())
	mutations.POST("/:id/warehouse/reservations/:reservationId/:action", h.FinishReservationHandler())
	mutations.DELETE("/:id/warehouse/reservations/:reservationId", h.CancelReservationHandler())
}
