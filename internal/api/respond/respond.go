// Package respond turns service errors into HTTP responses. Every marketplace
// handler reports failures through Error so the status mapping lives in one place.
package respond

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/carbon-marketplace/icr-marketplace/internal/icr"
	"github.com/carbon-marketplace/icr-marketplace/internal/marketplace"
	"github.com/carbon-marketplace/icr-marketplace/internal/middleware"
	"github.com/carbon-marketplace/icr-marketplace/internal/tokens"
	"github.com/carbon-marketplace/icr-marketplace/internal/validation"
)

// Messages sent for errors whose detail stays in the logs
const (
	MsgForbidden = "Forbidden - Insufficient permissions"
	MsgInternal  = "Something went wrong"
	MsgNotFound  = "Organization not found"
)

// Status returns the HTTP status and client-facing message for err.
//
//	validation errors           400
//	forbidden / unauthorized    403
//	unknown organization        404
//	token issuance failure      502 (registry message when it gave one)
//	anything else               500
func Status(err error) (int, string) {
	var fields validation.Errors
	var issuance *tokens.IssuanceError

	switch {
	case errors.As(err, &fields):
		return http.StatusBadRequest, fields.Error()
	case errors.Is(err, tokens.ErrOrganizationNotFound):
		return http.StatusNotFound, MsgNotFound
	case errors.As(err, &issuance):
		if issuance.Forbidden() {
			return http.StatusForbidden, MsgForbidden
		}
		if msg := issuance.RemoteMessage(); msg != "" {
			return http.StatusBadGateway, msg
		}
		return http.StatusBadGateway, MsgInternal
	case errors.Is(err, marketplace.ErrForbidden), icr.IsForbidden(err):
		return http.StatusForbidden, MsgForbidden
	default:
		return http.StatusInternalServerError, MsgInternal
	}
}

// Error writes the response for err and aborts the chain.
func Error(c *gin.Context, err error) {
	status, msg := Status(err)

	body := gin.H{"error": msg}
	var fields validation.Errors
	if errors.As(err, &fields) {
		body["error"] = "invalid input"
		body["fields"] = fields
	}

	switch {
	case status >= http.StatusInternalServerError && errors.Is(err, context.Canceled):
		slog.Debug("request cancelled", "path", c.FullPath(), "request_id", middleware.RequestID(c))
	case status >= http.StatusInternalServerError:
		slog.Error("request failed",
			"path", c.FullPath(), "status", status, "request_id", middleware.RequestID(c), "error", err)
	case status == http.StatusForbidden:
		slog.Warn("registry refused request",
			"path", c.FullPath(), "request_id", middleware.RequestID(c), "error", err)
	}

	c.AbortWithStatusJSON(status, body)
}
