// Package connect serves the browser side of linking a registry organization:
// issuing state values, bouncing to the registry install page, receiving the
// installation callback and provisioning new registry accounts.
package connect

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/carbon-marketplace/icr-marketplace/internal/api/respond"
	"github.com/carbon-marketplace/icr-marketplace/internal/db/models"
	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
	"github.com/carbon-marketplace/icr-marketplace/internal/installations"
	"github.com/carbon-marketplace/icr-marketplace/internal/middleware"
)

// Flow is the connect flow behind the handlers
type Flow interface {
	StartConnect(ctx context.Context, userID string) (*installations.ConnectStart, error)
	CompleteInstallation(ctx context.Context, installationID, state string) (*models.Organization, error)
	Provision(ctx context.Context, req *icr.ProvisionRequest) (*icr.ProvisionResult, error)
}

// Handlers serves the connect routes
type Handlers struct {
	flow     Flow
	homePath string
}

// NewHandlers creates connect handlers. Callback outcomes redirect to homePath.
func NewHandlers(flow Flow, homePath string) *Handlers {
	if homePath == "" {
		homePath = "/"
	}
	return &Handlers{flow: flow, homePath: homePath}
}

// StateHandler issues a state value and the install URL carrying it
// GET /api/icr/state?user_id=...
func (h *Handlers) StateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start, err := h.flow.StartConnect(c.Request.Context(), c.Query("user_id"))
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, start)
	}
}

// ConnectHandler issues a state value and redirects straight to the install page
// GET /api/icr/connect
func (h *Handlers) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start, err := h.flow.StartConnect(c.Request.Context(), c.Query("user_id"))
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.Redirect(http.StatusFound, start.InstallURL)
	}
}

// CallbackHandler receives the registry's redirect after an installation
// GET /api/icrCallback?installationId=...&state=...&event=...
func (h *Handlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		installationID := c.Query("installationId")
		event := c.Query("event")

		org, err := h.flow.CompleteInstallation(c.Request.Context(), installationID, c.Query("state"))
		if err != nil {
			code := installations.ErrorCode(err)
			slog.Warn("installation callback rejected",
				"installation_id", installationID,
				"event", event,
				"code", code,
				"request_id", middleware.RequestID(c),
				"error", err)
			c.Redirect(http.StatusFound, h.home(code))
			return
		}

		slog.Info("installation callback accepted",
			"installation_id", installationID, "organization_id", org.ID, "event", event)
		c.Redirect(http.StatusFound, h.home(""))
	}
}

func (h *Handlers) home(errorCode string) string {
	if errorCode == "" {
		return h.homePath
	}
	u, err := url.Parse(h.homePath)
	if err != nil {
		return "/?error=" + url.QueryEscape(errorCode)
	}
	q := u.Query()
	q.Set("error", errorCode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ProvisionAccountHandler creates a registry user and organization with the app installed
// POST /api/icr/accounts
func (h *Handlers) ProvisionAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req icr.ProvisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		res, err := h.flow.Provision(c.Request.Context(), &req)
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}
