package store

import "time"

// Prospect lifecycle statuses. LOST and CONVERTED are terminal; the only way
// out of CONVERTED is RevertConversion during a rollback.
const (
	ProspectNew       = "NEW"
	ProspectContacted = "CONTACTED"
	ProspectQualified = "QUALIFIED"
	ProspectConverted = "CONVERTED"
	ProspectLost      = "LOST"
)

// Invitation statuses. REJECTED is terminal. ACCEPTED can move back to SENT
// only through the cancellation path.
const (
	InvitationSent     = "SENT"
	InvitationAccepted = "ACCEPTED"
	InvitationRejected = "REJECTED"
)

// Invitation types carried over from the broker's offer.
const (
	InviteServiceOffer   = "SERVICE_OFFER"
	InvitePropertySearch = "PROPERTY_SEARCH"
	InvitePropertyView   = "PROPERTY_VIEWING"
	InviteConsultation   = "CONSULTATION"
)

// Relationship and delegation activity statuses.
const (
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
)

type User struct {
	ID              string
	Name            string
	Email           string
	PasswordHash    string
	Phone           string
	Role            string
	IsEmailVerified bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Property struct {
	ID               string
	OwnerID          string
	Title            string
	Address          string
	City             string
	Price            int64
	Status           string
	AssignedBrokerID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Prospect struct {
	ID                  string
	BrokerID            string
	CandidateUserID     *string
	Name                string
	Email               string
	Phone               string
	Status              string
	Priority            string
	Notes               string
	LastContactDate     *time.Time
	NextFollowUpDate    *time.Time
	ConvertedToClientID *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Invitation struct {
	ID           string
	BrokerID     string
	UserID       string
	ProspectID   *string
	Type         string
	Subject      string
	Message      string
	ProposedRate *float64
	Status       string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

type ClientRelationship struct {
	ID                string
	BrokerID          string
	UserID            string
	Status            string
	CreatedAt         time.Time
	DeactivatedAt     *time.Time
	DeactivatedReason *string
}

type PropertyDelegation struct {
	ID             string
	RelationshipID string
	PropertyID     string
	BrokerID       string
	Status         string
	StartDate      time.Time
	EndDate        *time.Time
}

// ClientSummary is a relationship joined with the client's user record and
// the count of properties currently delegated under it. The count is always
// computed from property_delegations, never cached.
type ClientSummary struct {
	Relationship      ClientRelationship
	ClientName        string
	ClientEmail       string
	ManagedProperties int
}
