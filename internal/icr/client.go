// Package icr is a client for the carbon registry REST API. Every call takes the
// credential it should run under as an oauth2.TokenSource: the app assertion for
// /app/* endpoints, an installation access token for organization endpoints.
package icr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/carbon-marketplace/icr-marketplace/internal/telemetry"
)

const (
	// DefaultAPIVersion is sent in the x-icr-api-version header when none is configured
	DefaultAPIVersion = "2023-06-16"

	apiVersionHeader       = "x-icr-api-version"
	maxDocumentSize        = 20 << 20
	defaultCertificateName = "retirement-certificate.pdf"
)

// ErrDocumentTooLarge is returned when a downloaded document exceeds the size limit
var ErrDocumentTooLarge = errors.New("icr: document exceeds size limit")

// Client talks to one registry deployment
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

// NewClient creates a registry client. A nil httpClient gets a 30 second timeout.
func NewClient(baseURL, apiVersion string, httpClient *http.Client) *Client {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		httpClient: httpClient,
	}
}

// ListInstallations returns every installation of this app (app credential)
func (c *Client) ListInstallations(ctx context.Context, app oauth2.TokenSource) ([]Installation, error) {
	var out struct {
		Pagination    json.RawMessage `json:"pagination"`
		Installations []Installation  `json:"installations"`
	}
	if err := c.doJSON(ctx, app, "list_installations", http.MethodGet, "/app/installations", nil, &out); err != nil {
		return nil, err
	}
	return out.Installations, nil
}

// GetInstallation returns one installation with its organization (app credential)
func (c *Client) GetInstallation(ctx context.Context, app oauth2.TokenSource, installationID string) (*Installation, error) {
	var out Installation
	path := "/app/installations/" + url.PathEscape(installationID)
	if err := c.doJSON(ctx, app, "get_installation", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateInstallationAccessToken exchanges the app credential for an
// organization-scoped token
func (c *Client) CreateInstallationAccessToken(ctx context.Context, app oauth2.TokenSource, installationID string) (*AccessToken, error) {
	var out AccessToken
	path := "/app/installations/" + url.PathEscape(installationID) + "/accessTokens"
	if err := c.doJSON(ctx, app, "create_access_token", http.MethodPost, path, struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("icr: create_access_token: response carried no token")
	}
	return &out, nil
}

// CreateUserAndOrganization provisions a registry user, an organization and an
// installation of this app for it (app credential)
func (c *Client) CreateUserAndOrganization(ctx context.Context, app oauth2.TokenSource, req *ProvisionRequest) (*ProvisionResult, error) {
	var out ProvisionResult
	if err := c.doJSON(ctx, app, "create_user_organization", http.MethodPost, "/app/create/user/organization", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInventory returns the organization's own credits
func (c *Client) GetInventory(ctx context.Context, ts oauth2.TokenSource, orgID string) (*Inventory, error) {
	var out Inventory
	if err := c.doJSON(ctx, ts, "get_inventory", http.MethodGet, orgPath(orgID, "inventory"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWarehouseInventory returns the credits held in the organization's warehouse
func (c *Client) GetWarehouseInventory(ctx context.Context, ts oauth2.TokenSource, orgID string) (*Inventory, error) {
	var out Inventory
	if err := c.doJSON(ctx, ts, "get_warehouse_inventory", http.MethodGet, orgPath(orgID, "warehouse", "inventory"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRetirements returns the organization's completed retirements
func (c *Client) GetRetirements(ctx context.Context, ts oauth2.TokenSource, orgID string) ([]Retirement, error) {
	var out struct {
		Retirements []Retirement `json:"retirements"`
	}
	if err := c.doJSON(ctx, ts, "get_retirements", http.MethodGet, orgPath(orgID, "retirements"), nil, &out); err != nil {
		return nil, err
	}
	return out.Retirements, nil
}

// GetReservations returns reservations on the organization's warehouse inventory
func (c *Client) GetReservations(ctx context.Context, ts oauth2.TokenSource, orgID string) ([]Reservation, error) {
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	path := orgPath(orgID, "warehouse", "inventory", "reservations")
	if err := c.doJSON(ctx, ts, "get_reservations", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Reservations, nil
}

// GetCreditRequests returns transfer and retirement requests of the organization
func (c *Client) GetCreditRequests(ctx context.Context, ts oauth2.TokenSource, orgID string) ([]CreditRequest, error) {
	var out struct {
		CreditRequests []CreditRequest `json:"creditRequests"`
	}
	if err := c.doJSON(ctx, ts, "get_credit_requests", http.MethodGet, orgPath(orgID, "inventory", "requests"), nil, &out); err != nil {
		return nil, err
	}
	return out.CreditRequests, nil
}

// RequestCreditAction asks the registry to transfer and/or retire credits
func (c *Client) RequestCreditAction(ctx context.Context, ts oauth2.TokenSource, orgID string, action CreditAction, req *CreditActionRequest) error {
	path := orgPath(orgID, "inventory", "requests", string(action))
	return c.doJSON(ctx, ts, "request_credit_action", http.MethodPost, path, req, nil)
}

// ReserveWarehouseCredits places a hold on warehouse credits for another organization
func (c *Client) ReserveWarehouseCredits(ctx context.Context, ts oauth2.TokenSource, orgID string, req *ReservationRequest) error {
	path := orgPath(orgID, "warehouse", "inventory", "reservations")
	return c.doJSON(ctx, ts, "reserve_warehouse_credits", http.MethodPost, path, req, nil)
}

// FinishReservation completes a reservation with a transfer and/or retirement
func (c *Client) FinishReservation(ctx context.Context, ts oauth2.TokenSource, orgID, reservationID string, action CreditAction, req *FinishReservationRequest) error {
	path := orgPath(orgID, "warehouse", "inventory", "reservations", reservationID, string(action))
	return c.doJSON(ctx, ts, "finish_reservation", http.MethodPost, path, req, nil)
}

// CancelReservation releases a reservation
func (c *Client) CancelReservation(ctx context.Context, ts oauth2.TokenSource, orgID, reservationID string) error {
	path := orgPath(orgID, "warehouse", "inventory", "reservations", reservationID)
	return c.doJSON(ctx, ts, "cancel_reservation", http.MethodDelete, path, nil, nil)
}

// DownloadRetirementCertificate fetches the PDF certificate of a retirement
func (c *Client) DownloadRetirementCertificate(ctx context.Context, ts oauth2.TokenSource, orgID, retirementID string) (*Document, error) {
	const op = "download_retirement_certificate"
	resp, err := c.do(ctx, ts, op, http.MethodGet, orgPath(orgID, "retirements", retirementID, "pdf"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("icr: %s: failed to read body: %w", op, err)
	}
	if len(body) > maxDocumentSize {
		return nil, ErrDocumentTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	return &Document{
		Body:        body,
		ContentType: contentType,
		Filename:    attachmentName(resp.Header.Get("Content-Disposition")),
	}, nil
}

// doJSON sends body as JSON and decodes a 2xx response into out (when non-nil)
func (c *Client) doJSON(ctx context.Context, ts oauth2.TokenSource, op, method, path string, body, out interface{}) error {
	resp, err := c.do(ctx, ts, op, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("icr: %s: failed to decode response: %w", op, err)
	}
	return nil
}

// do performs one authenticated call. Non-2xx responses are returned as *APIError
// with the body consumed; on success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, ts oauth2.TokenSource, op, method, path string, body interface{}) (*http.Response, error) {
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("icr: %s: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("icr: %s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("icr: %s: failed to create request: %w", op, err)
	}
	token.SetAuthHeader(req)
	req.Header.Set(apiVersionHeader, c.apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.ObserveICRCall(op, "transport", time.Since(start))
		return nil, fmt.Errorf("icr: %s: request failed: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		apiErr := newAPIError(op, resp)
		outcome := "error"
		if apiErr.Forbidden() {
			outcome = "forbidden"
		}
		telemetry.ObserveICRCall(op, outcome, time.Since(start))
		return nil, apiErr
	}
	telemetry.ObserveICRCall(op, "success", time.Since(start))
	return resp, nil
}

func orgPath(orgID string, segments ...string) string {
	var b strings.Builder
	b.WriteString("/organizations/")
	b.WriteString(url.PathEscape(orgID))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func attachmentName(disposition string) string {
	if disposition == "" {
		return defaultCertificateName
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil || params["filename"] == "" {
		return defaultCertificateName
	}
	return params["filename"]
}
