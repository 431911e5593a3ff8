package icr

import (
	"bytes"
	"encoding/json"
	"time"
)

// ID accepts identifiers the registry may encode as JSON strings or numbers.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// CreditAction is the kind of movement requested for credits
type CreditAction string

const (
	ActionTransfer       CreditAction = "transfer"
	ActionRetire         CreditAction = "retire"
	ActionTransferRetire CreditAction = "transfer_retire"
)

// CreditActions lists every valid action
var CreditActions = []CreditAction{ActionTransfer, ActionRetire, ActionTransferRetire}

// Retires reports whether the action ends with retirement
func (a CreditAction) Retires() bool {
	return a == ActionRetire || a == ActionTransferRetire
}

// OrganizationType classifies an organization at provisioning time
type OrganizationType string

const (
	OrgProjectProponent  OrganizationType = "projectProponent"
	OrgProjectDeveloper  OrganizationType = "projectDeveloper"
	OrgMarketParticipant OrganizationType = "marketParticipant"
	OrgOther             OrganizationType = "other"
	OrgValidationBody    OrganizationType = "validationBody"
)

// OrganizationTypes lists every valid organization type
var OrganizationTypes = []OrganizationType{
	OrgProjectProponent, OrgProjectDeveloper, OrgMarketParticipant, OrgOther, OrgValidationBody,
}

// Project is the project a credit originates from
type Project struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

// Credit is a holding of a credit token in an inventory
type Credit struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organizationId"`
	TokenID        string  `json:"tokenId"`
	TokenAddress   string  `json:"tokenAddress"`
	Amount         float64 `json:"amount"`
	Supply         float64 `json:"supply"`
	Serialization  string  `json:"serialization"`
	Type           string  `json:"type"`
	Project        Project `json:"project"`
}

// Inventory is an organization's own or warehouse holdings
type Inventory struct {
	Credits        []Credit `json:"credits"`
	OrganizationID string   `json:"organizationId"`
}

// Retirement is a completed retirement of credits
type Retirement struct {
	ID             string   `json:"id"`
	Reason         string   `json:"reason,omitempty"`
	Comment        string   `json:"comment,omitempty"`
	Beneficiary    string   `json:"beneficiary,omitempty"`
	OrganizationID string   `json:"organizationId"`
	Serialization  string   `json:"serialization"`
	Amount         float64  `json:"amount"`
	Project        *Project `json:"project,omitempty"`
}

// Reserver identifies the app that holds a reservation
type Reserver struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Reservation is a hold on warehouse credits
type Reservation struct {
	ID             string     `json:"id"`
	Amount         float64    `json:"amount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	TokenID        string     `json:"tokenId"`
	TokenAddress   string     `json:"tokenAddress"`
	Type           string     `json:"type"`
	ReservedToDate *time.Time `json:"reservedToDate,omitempty"`
	Serialization  string     `json:"serialization"`
	IsComplete     bool       `json:"isComplete"`
	Project        Project    `json:"project"`
	Reserver       Reserver   `json:"reserver"`
	CreditID       string     `json:"creditId"`
}

// CreditRequest is a pending or processed transfer/retirement request
type CreditRequest struct {
	ID                 string       `json:"id"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
	TokenID            string       `json:"tokenId"`
	TokenAddress       string       `json:"tokenAddress"`
	CreditID           string       `json:"creditId"`
	Serialization      string       `json:"serialization"`
	Amount             float64      `json:"amount"`
	FromOrganizationID string       `json:"fromOrganizationId"`
	ToOrganizationID   string       `json:"toOrganizationId"`
	Project            Project      `json:"project"`
	TxID               string       `json:"txId"`
	State              string       `json:"state"`
	RetirementReason   string       `json:"retirementReason,omitempty"`
	RetirementComment  *string      `json:"retirementComment,omitempty"`
	BeneficiaryName    string       `json:"beneficiaryName,omitempty"`
	Action             CreditAction `json:"action"`
	Type               string       `json:"type"`
	ToAddress          string       `json:"toAddress,omitempty"`
}

// InstallationOrganization is the organization block of an installation
type InstallationOrganization struct {
	ID          ID              `json:"id"`
	FullName    string          `json:"fullName"`
	Logo        *string         `json:"logo,omitempty"`
	IsSuspended bool            `json:"isSuspended"`
	Permissions json.RawMessage `json:"permissions,omitempty"`
}

// Installation is a grant by one organization to this app
type Installation struct {
	ID           ID                       `json:"id"`
	Organization InstallationOrganization `json:"organization"`
	Permissions  json.RawMessage          `json:"permissions,omitempty"`
}

// EffectivePermissions prefers installation-level permissions over the organization's
func (i *Installation) EffectivePermissions() json.RawMessage {
	if len(i.Permissions) > 0 {
		return i.Permissions
	}
	return i.Organization.Permissions
}

// AccessToken is an installation-scoped bearer credential
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RetirementData describes the retirement part of a credit action
type RetirementData struct {
	Reason          string `json:"reason"`
	BeneficiaryName string `json:"beneficiaryName"`
	Comment         string `json:"comment,omitempty"`
}

// CreditActionRequest is the body of POST .../inventory/requests/{action}
type CreditActionRequest struct {
	CreditID         string          `json:"creditId"`
	ToOrganizationID string          `json:"toOrganizationId,omitempty"`
	ToAddress        string          `json:"toAddress,omitempty"`
	Amount           float64         `json:"amount"`
	RetirementData   *RetirementData `json:"retirementData,omitempty"`
}

// ReservationRequest is the body of POST .../warehouse/inventory/reservations
type ReservationRequest struct {
	CreditID       string  `json:"creditId"`
	OrganizationID string  `json:"organizationId"`
	Amount         float64 `json:"amount"`
}

// FinishReservationRequest is the body of POST .../reservations/{id}/{action}
type FinishReservationRequest struct {
	ReceiverID     string          `json:"receiverId"`
	RetirementData *RetirementData `json:"retirementData,omitempty"`
}

// NewUser describes the user created by account provisioning
type NewUser struct {
	Email          string `json:"email"`
	FullName       string `json:"fullName,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// NewOrganization describes the organization created by account provisioning
type NewOrganization struct {
	FullName    string           `json:"fullName"`
	Type        OrganizationType `json:"type"`
	CountryCode string           `json:"countryCode,omitempty"`
}

// ProvisionRequest is the body of POST /app/create/user/organization
type ProvisionRequest struct {
	User         NewUser         `json:"user"`
	Organization NewOrganization `json:"organization"`
}

// ProvisionResult carries the installation created for the new organization
type ProvisionResult struct {
	Installation struct {
		ID ID `json:"id"`
	} `json:"installation"`
}

// Document is a binary download such as a retirement certificate
type Document struct {
	Body        []byte
	ContentType string
	Filename    string
}
