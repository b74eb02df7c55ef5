package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"rentlink/api/internal/auth"
	"rentlink/api/internal/authpw"
	"rentlink/api/internal/config"
	"rentlink/api/internal/email"
	"rentlink/api/internal/notify"
	"rentlink/api/internal/rbac"
	"rentlink/api/internal/search"
	"rentlink/api/internal/store"
	"rentlink/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         rbac.Role
	JTI          string
	ExpiresAt    time.Time
}

type CreateInvitationInput struct {
	UserID       string   `json:"userId"`
	ProspectID   string   `json:"prospectId"`
	Type         string   `json:"type"`
	Subject      string   `json:"subject"`
	Message      string   `json:"message"`
	ProposedRate *float64 `json:"proposedRate"`
}

type CreateProspectInput struct {
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Phone           string     `json:"phone"`
	Priority        string     `json:"priority"`
	Notes           string     `json:"notes"`
	CandidateUserID string     `json:"candidateUserId"`
	NextFollowUp    *time.Time `json:"nextFollowUpDate"`
}

type CreatePropertyInput struct {
	Title   string `json:"title"`
	Address string `json:"address"`
	City    string `json:"city"`
	Price   int64  `json:"price"`
}

var allowedInvitationTypes = map[string]struct{}{
	store.InviteServiceOffer:   {},
	store.InvitePropertySearch: {},
	store.InvitePropertyView:   {},
	store.InviteConsultation:   {},
}

// CONVERTED is reachable only through invitation acceptance, never by hand.
var allowedManualProspectStatuses = map[string]struct{}{
	store.ProspectNew:       {},
	store.ProspectContacted: {},
	store.ProspectQualified: {},
	store.ProspectLost:      {},
}

var allowedPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
	"urgent": {},
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	InsertProperty(context.Context, store.Property) error
	GetProperty(context.Context, string) (store.Property, error)
	ListOwnerProperties(context.Context, string) ([]store.Property, error)
	InsertProspect(context.Context, store.Prospect) error
	GetProspect(context.Context, string) (store.Prospect, error)
	ListProspects(context.Context, string, string) ([]store.Prospect, error)
	UpdateProspectStatus(context.Context, string, string, string) (store.Prospect, error)
	AppendProspectNote(context.Context, string, string) error
	UpdateProspectDetails(context.Context, string, string, *time.Time) error
	DeleteProspect(context.Context, string, string) (bool, error)
	InsertInvitation(context.Context, store.Invitation) error
	GetInvitation(context.Context, string) (store.Invitation, error)
	ListInvitationsForUser(context.Context, string) ([]store.Invitation, error)
	ListInvitationsForBroker(context.Context, string) ([]store.Invitation, error)
	RejectInvitation(context.Context, string) (store.Invitation, bool, error)
	MaterializeAcceptance(context.Context, string, []string) (store.AcceptanceResult, error)
	RollbackAcceptance(context.Context, string) (store.RollbackResult, error)
	TerminateRelationship(context.Context, string, string) (store.TerminationResult, error)
	DelegateProperty(context.Context, string, string) (store.PropertyDelegation, error)
	UndelegateProperty(context.Context, string) (store.PropertyDelegation, bool, error)
	GetRelationship(context.Context, string) (store.ClientRelationship, error)
	GetActiveRelationship(context.Context, string, string) (store.ClientRelationship, error)
	ListClients(context.Context, string) ([]store.ClientSummary, error)
	GetDelegation(context.Context, string) (store.PropertyDelegation, error)
	ListActiveDelegations(context.Context, string) ([]store.PropertyDelegation, error)
	ListRelationshipDelegations(context.Context, string) ([]store.PropertyDelegation, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	CreatePasswordReset(context.Context, string, string, time.Time) error
	GetPasswordReset(context.Context, string) (string, error)
	MarkPasswordResetUsed(context.Context, string) error
	UpdateUserPassword(context.Context, string, string) error
	Ping(ctx context.Context) error
}

// sessionStore is the Redis-backed refresh token store. When it is nil the
// service falls back to the refresh_sessions table in Postgres.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	email    *email.Service
	notifier notify.Notifier
	search   *search.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		authpw:   authpw.NewService(dataStore),
		email:    email.NewService(emailConfig(cfg)),
		notifier: notify.Nop{},
		search:   searchService,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service) *Service {
	service := New(cfg, dataStore, searchService)
	service.sessions = sessions
	return service
}

// SetNotifier swaps in the event publisher. The default is a no-op.
func (s *Service) SetNotifier(notifier notify.Notifier) {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s.notifier = notifier
}

func emailConfig(cfg config.Config) email.Config {
	return email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a demo broker, owner, and pipeline when the database is
// empty so the API is explorable without manual setup.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.GetUserByEmail(ctx, "lena@rentlink.dev"); err == nil {
		return nil
	}

	users := []store.User{
		{ID: "usr_seed_broker", Name: "Lena Brooks", Email: "lena@rentlink.dev", Role: string(rbac.RoleBroker)},
		{ID: "usr_seed_owner", Name: "Marco Diaz", Email: "marco@rentlink.dev", Role: string(rbac.RoleOwner)},
		{ID: "usr_seed_tenant", Name: "Priya Nair", Email: "priya@rentlink.dev", Role: string(rbac.RoleTenant)},
	}
	for _, user := range users {
		if err := s.store.CreateUser(ctx, user); err != nil {
			return err
		}
	}

	properties := []store.Property{
		{ID: "prop_seed_loft", OwnerID: "usr_seed_owner", Title: "Canal View Loft", Address: "14 Veemkade", City: "Amsterdam", Price: 2100},
		{ID: "prop_seed_garden", OwnerID: "usr_seed_owner", Title: "Garden Apartment", Address: "88 Linnaeusstraat", City: "Amsterdam", Price: 1650},
	}
	for _, property := range properties {
		if err := s.store.InsertProperty(ctx, property); err != nil {
			return err
		}
	}

	ownerID := "usr_seed_owner"
	prospects := []store.Prospect{
		{ID: "pros_seed_marco", BrokerID: "usr_seed_broker", CandidateUserID: &ownerID, Name: "Marco Diaz", Email: "marco@rentlink.dev", Status: store.ProspectQualified, Priority: "high", Notes: "Owns two rentals, wants full management."},
		{ID: "pros_seed_cold", BrokerID: "usr_seed_broker", Name: "Jan Visser", Email: "jan@example.com", Status: store.ProspectNew, Priority: "low", Notes: ""},
	}
	for _, prospect := range prospects {
		if err := s.store.InsertProspect(ctx, prospect); err != nil {
			return err
		}
	}
	return nil
}

// emit publishes an event and logs failures. Events never affect the outcome
// of the operation that produced them.
func (s *Service) emit(ctx context.Context, event notify.Event) {
	if err := s.notifier.Publish(ctx, event); err != nil {
		log.Printf("notify: publish %s: %v", event.Type, err)
	}
}

// --- Sessions ---

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)

	var user store.User
	var err error
	if s.sessions != nil {
		user, err = s.sessions.LookupRefreshSession(ctx, tokenHash)
	} else {
		user, err = s.store.LookupRefreshSession(ctx, tokenHash)
	}
	if err != nil {
		return Session{}, err
	}

	if s.sessions != nil {
		err = s.sessions.RevokeRefreshSession(ctx, tokenHash)
	} else {
		err = s.store.RevokeRefreshSession(ctx, tokenHash)
	}
	if err != nil {
		return Session{}, err
	}

	// Redis keeps only the identity snapshot; re-read the user so a role
	// change invalidates stale sessions on rotation.
	user, err = s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if s.sessions != nil {
		err = s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires)
	} else {
		err = s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires)
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Role:         rbac.Normalize(user.Role),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Role:      rbac.Normalize(user.Role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	tokenHash := auth.HashToken(refreshToken)
	if s.sessions != nil {
		return s.sessions.RevokeRefreshSession(ctx, tokenHash)
	}
	return s.store.RevokeRefreshSession(ctx, tokenHash)
}

// --- Invitations ---

func (s *Service) CreateInvitation(ctx context.Context, session Session, input CreateInvitationInput) (map[string]any, error) {
	if !rbac.IsBroker(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only brokers can send invitations", nil)
	}

	invitationType := strings.TrimSpace(input.Type)
	if invitationType == "" {
		invitationType = store.InviteServiceOffer
	}
	if _, ok := allowedInvitationTypes[invitationType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown invitation type", map[string]any{"type": invitationType})
	}

	targetID := strings.TrimSpace(input.UserID)
	if targetID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if targetID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Cannot invite yourself", nil)
	}
	target, err := s.store.GetUserByID(ctx, targetID)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invited user does not exist", nil)
	}
	if !rbac.IsClient(rbac.Normalize(target.Role)) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invited user cannot be a client", nil)
	}

	invitation := store.Invitation{
		ID:           util.NewID("inv"),
		BrokerID:     session.UserID,
		UserID:       target.ID,
		Type:         invitationType,
		Subject:      strings.TrimSpace(input.Subject),
		Message:      strings.TrimSpace(input.Message),
		ProposedRate: input.ProposedRate,
		Status:       store.InvitationSent,
	}

	if prospectID := strings.TrimSpace(input.ProspectID); prospectID != "" {
		prospect, err := s.store.GetProspect(ctx, prospectID)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Prospect does not exist", nil)
		}
		if !rbac.SameParty(session.UserID, session.Role, prospect.BrokerID) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Prospect belongs to another broker", nil)
		}
		invitation.ProspectID = &prospect.ID
	}

	if err := s.store.InsertInvitation(ctx, invitation); err != nil {
		return nil, err
	}

	event := notify.NewEvent(notify.EventInvitationSent)
	event.InvitationID = invitation.ID
	event.BrokerID = invitation.BrokerID
	event.UserID = invitation.UserID
	s.emit(ctx, event)

	if s.email.IsConfigured() {
		go func(to, userName, brokerName, subject, message string) {
			if err := s.email.SendInvitationEmail(to, userName, brokerName, subject, message); err != nil {
				log.Printf("email: invitation to %s: %v", to, err)
			}
		}(target.Email, target.Name, session.UserName, invitation.Subject, invitation.Message)
	}

	return invitationPayload(invitation), nil
}

func (s *Service) ListInvitations(ctx context.Context, session Session) (map[string]any, error) {
	var invitations []store.Invitation
	var err error
	if rbac.IsBroker(session.Role) && !rbac.IsAdmin(session.Role) {
		invitations, err = s.store.ListInvitationsForBroker(ctx, session.UserID)
	} else {
		invitations, err = s.store.ListInvitationsForUser(ctx, session.UserID)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(invitations))
	for _, invitation := range invitations {
		items = append(items, invitationPayload(invitation))
	}
	return map[string]any{"invitations": items}, nil
}

func (s *Service) GetInvitation(ctx context.Context, session Session, invitationID string) (map[string]any, error) {
	invitation, err := s.invitationForParty(ctx, session, invitationID)
	if err != nil {
		return nil, err
	}
	return invitationPayload(invitation), nil
}

func (s *Service) AcceptInvitation(ctx context.Context, session Session, invitationID string, propertyIDs []string) (map[string]any, error) {
	invitation, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if !rbac.SameParty(session.UserID, session.Role, invitation.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the invited user can accept", nil)
	}

	result, err := s.store.MaterializeAcceptance(ctx, invitationID, propertyIDs)
	if err != nil {
		return nil, err
	}

	if !result.AlreadyAccepted {
		event := notify.NewEvent(notify.EventInvitationAccepted)
		event.InvitationID = result.Invitation.ID
		event.BrokerID = result.Invitation.BrokerID
		event.UserID = result.Invitation.UserID
		event.RelationshipID = result.Relationship.ID
		s.emit(ctx, event)

		for _, delegation := range result.Delegations {
			s.emitDelegation(ctx, notify.EventPropertyDelegated, delegation)
		}
	}

	return map[string]any{
		"invitation":      invitationPayload(result.Invitation),
		"relationship":    relationshipPayload(result.Relationship),
		"delegations":     delegationPayloads(result.Delegations),
		"alreadyAccepted": result.AlreadyAccepted,
	}, nil
}

func (s *Service) RejectInvitation(ctx context.Context, session Session, invitationID string) (map[string]any, error) {
	invitation, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if !rbac.SameParty(session.UserID, session.Role, invitation.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the invited user can reject", nil)
	}

	rejected, transitioned, err := s.store.RejectInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}

	if transitioned {
		event := notify.NewEvent(notify.EventInvitationRejected)
		event.InvitationID = rejected.ID
		event.BrokerID = rejected.BrokerID
		event.UserID = rejected.UserID
		s.emit(ctx, event)
	}
	return invitationPayload(rejected), nil
}

// CancelInvitation compensates a prior acceptance: the relationship it created
// is deactivated, its delegations end, and the invitation returns to SENT.
func (s *Service) CancelInvitation(ctx context.Context, session Session, invitationID string) (map[string]any, error) {
	invitation, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if !rbac.SameParty(session.UserID, session.Role, invitation.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the invited user can cancel an acceptance", nil)
	}

	result, err := s.store.RollbackAcceptance(ctx, invitationID)
	if err != nil {
		return nil, err
	}

	if !result.AlreadyCancelled {
		event := notify.NewEvent(notify.EventInvitationCancelled)
		event.InvitationID = result.Invitation.ID
		event.BrokerID = result.Invitation.BrokerID
		event.UserID = result.Invitation.UserID
		event.RelationshipID = result.Relationship.ID
		s.emit(ctx, event)

		for _, delegation := range result.Delegations {
			s.emitDelegation(ctx, notify.EventPropertyUndelegated, delegation)
		}
	}

	return map[string]any{
		"invitation":       invitationPayload(result.Invitation),
		"relationship":     relationshipPayload(result.Relationship),
		"delegations":      delegationPayloads(result.Delegations),
		"alreadyCancelled": result.AlreadyCancelled,
	}, nil
}

func (s *Service) invitationForParty(ctx context.Context, session Session, invitationID string) (store.Invitation, error) {
	invitation, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return store.Invitation{}, err
	}
	if !rbac.SameParty(session.UserID, session.Role, invitation.UserID) &&
		!rbac.SameParty(session.UserID, session.Role, invitation.BrokerID) {
		return store.Invitation{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return invitation, nil
}

// --- Relationships ---

func (s *Service) ListClients(ctx context.Context, session Session) (map[string]any, error) {
	if !rbac.IsBroker(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only brokers have a client list", nil)
	}
	clients, err := s.store.ListClients(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(clients))
	for _, client := range clients {
		payload := relationshipPayload(client.Relationship)
		payload["clientName"] = client.ClientName
		payload["clientEmail"] = client.ClientEmail
		payload["managedProperties"] = client.ManagedProperties
		items = append(items, payload)
	}
	return map[string]any{"clients": items}, nil
}

func (s *Service) GetRelationship(ctx context.Context, session Session, relationshipID string) (map[string]any, error) {
	relationship, err := s.relationshipForParty(ctx, session, relationshipID)
	if err != nil {
		return nil, err
	}
	return relationshipPayload(relationship), nil
}

func (s *Service) TerminateRelationship(ctx context.Context, session Session, relationshipID, reason string) (map[string]any, error) {
	if _, err := s.relationshipForParty(ctx, session, relationshipID); err != nil {
		return nil, err
	}

	result, err := s.store.TerminateRelationship(ctx, relationshipID, reason)
	if err != nil {
		return nil, err
	}

	if !result.AlreadyTerminated {
		event := notify.NewEvent(notify.EventRelationshipTerminated)
		event.RelationshipID = result.Relationship.ID
		event.BrokerID = result.Relationship.BrokerID
		event.UserID = result.Relationship.UserID
		event.Reason = reason
		s.emit(ctx, event)

		for _, delegation := range result.Delegations {
			s.emitDelegation(ctx, notify.EventPropertyUndelegated, delegation)
		}
	}

	return map[string]any{
		"relationship":      relationshipPayload(result.Relationship),
		"delegations":       delegationPayloads(result.Delegations),
		"alreadyTerminated": result.AlreadyTerminated,
	}, nil
}

func (s *Service) ListRelationshipDelegations(ctx context.Context, session Session, relationshipID string) (map[string]any, error) {
	if _, err := s.relationshipForParty(ctx, session, relationshipID); err != nil {
		return nil, err
	}
	delegations, err := s.store.ListRelationshipDelegations(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"delegations": delegationPayloads(delegations)}, nil
}

func (s *Service) relationshipForParty(ctx context.Context, session Session, relationshipID string) (store.ClientRelationship, error) {
	relationship, err := s.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		return store.ClientRelationship{}, err
	}
	if !rbac.SameParty(session.UserID, session.Role, relationship.BrokerID) &&
		!rbac.SameParty(session.UserID, session.Role, relationship.UserID) {
		return store.ClientRelationship{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return relationship, nil
}

// --- Delegations ---

func (s *Service) DelegateProperty(ctx context.Context, session Session, relationshipID, propertyID string) (map[string]any, error) {
	relationship, err := s.store.GetRelationship(ctx, relationshipID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRelationshipNotActive
	}
	if err != nil {
		return nil, err
	}
	// The client delegates; the broker receives.
	if !rbac.SameParty(session.UserID, session.Role, relationship.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the relationship's client can delegate properties", nil)
	}
	if strings.TrimSpace(propertyID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "propertyId is required", nil)
	}

	delegation, err := s.store.DelegateProperty(ctx, relationshipID, propertyID)
	if err != nil {
		return nil, err
	}

	s.emitDelegation(ctx, notify.EventPropertyDelegated, delegation)
	return delegationPayload(delegation), nil
}

func (s *Service) UndelegateProperty(ctx context.Context, session Session, delegationID string) (map[string]any, error) {
	delegation, err := s.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	relationship, err := s.store.GetRelationship(ctx, delegation.RelationshipID)
	if err != nil {
		return nil, err
	}
	if !rbac.SameParty(session.UserID, session.Role, relationship.UserID) &&
		!rbac.SameParty(session.UserID, session.Role, delegation.BrokerID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	ended, transitioned, err := s.store.UndelegateProperty(ctx, delegationID)
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.emitDelegation(ctx, notify.EventPropertyUndelegated, ended)
	}
	return delegationPayload(ended), nil
}

func (s *Service) ListDelegations(ctx context.Context, session Session) (map[string]any, error) {
	if !rbac.IsBroker(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only brokers have a delegation portfolio", nil)
	}
	delegations, err := s.store.ListActiveDelegations(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"delegations": delegationPayloads(delegations)}, nil
}

func (s *Service) emitDelegation(ctx context.Context, eventType notify.EventType, delegation store.PropertyDelegation) {
	event := notify.NewEvent(eventType)
	event.DelegationID = delegation.ID
	event.RelationshipID = delegation.RelationshipID
	event.PropertyID = delegation.PropertyID
	event.BrokerID = delegation.BrokerID
	s.emit(ctx, event)
}

// --- Prospects ---

func (s *Service) CreateProspect(ctx context.Context, session Session, input CreateProspectInput) (map[string]any, error) {
	if !rbac.IsBroker(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only brokers track prospects", nil)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	priority := strings.TrimSpace(input.Priority)
	if priority == "" {
		priority = "medium"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "priority must be one of low, medium, high, urgent", nil)
	}

	prospect := store.Prospect{
		ID:               util.NewID("pros"),
		BrokerID:         session.UserID,
		Name:             name,
		Email:            strings.TrimSpace(input.Email),
		Phone:            strings.TrimSpace(input.Phone),
		Status:           store.ProspectNew,
		Priority:         priority,
		Notes:            strings.TrimSpace(input.Notes),
		NextFollowUpDate: input.NextFollowUp,
	}
	if candidateID := strings.TrimSpace(input.CandidateUserID); candidateID != "" {
		if _, err := s.store.GetUserByID(ctx, candidateID); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Candidate user does not exist", nil)
		}
		prospect.CandidateUserID = &candidateID
	}

	if err := s.store.InsertProspect(ctx, prospect); err != nil {
		return nil, err
	}

	s.indexProspect(prospect)
	return prospectPayload(prospect), nil
}

func (s *Service) ListProspects(ctx context.Context, session Session, status string) (map[string]any, error) {
	if !rbac.IsBroker(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only brokers track prospects", nil)
	}
	prospects, err := s.store.ListProspects(ctx, session.UserID, strings.TrimSpace(status))
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(prospects))
	for _, prospect := range prospects {
		items = append(items, prospectPayload(prospect))
	}
	return map[string]any{"prospects": items}, nil
}

func (s *Service) GetProspect(ctx context.Context, session Session, prospectID string) (map[string]any, error) {
	prospect, err := s.prospectForBroker(ctx, session, prospectID)
	if err != nil {
		return nil, err
	}
	return prospectPayload(prospect), nil
}

func (s *Service) UpdateProspectStatus(ctx context.Context, session Session, prospectID, status, note string) (map[string]any, error) {
	if _, err := s.prospectForBroker(ctx, session, prospectID); err != nil {
		return nil, err
	}
	if _, ok := allowedManualProspectStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Status cannot be set directly", map[string]any{"status": status})
	}

	prospect, err := s.store.UpdateProspectStatus(ctx, prospectID, status, note)
	if err != nil {
		return nil, err
	}
	s.indexProspect(prospect)
	return prospectPayload(prospect), nil
}

func (s *Service) AppendProspectNote(ctx context.Context, session Session, prospectID, note string) (map[string]any, error) {
	if _, err := s.prospectForBroker(ctx, session, prospectID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(note) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "note is required", nil)
	}
	if err := s.store.AppendProspectNote(ctx, prospectID, note); err != nil {
		return nil, err
	}
	prospect, err := s.store.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, err
	}
	s.indexProspect(prospect)
	return prospectPayload(prospect), nil
}

func (s *Service) UpdateProspectDetails(ctx context.Context, session Session, prospectID, priority string, nextFollowUp *time.Time) (map[string]any, error) {
	existing, err := s.prospectForBroker(ctx, session, prospectID)
	if err != nil {
		return nil, err
	}
	if priority != "" {
		if _, ok := allowedPriorities[priority]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "priority must be one of low, medium, high, urgent", nil)
		}
	} else {
		// An omitted priority leaves the current value alone.
		priority = existing.Priority
	}
	if err := s.store.UpdateProspectDetails(ctx, prospectID, priority, nextFollowUp); err != nil {
		return nil, err
	}
	prospect, err := s.store.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, err
	}
	return prospectPayload(prospect), nil
}

func (s *Service) DeleteProspect(ctx context.Context, session Session, prospectID string) error {
	prospect, err := s.prospectForBroker(ctx, session, prospectID)
	if err != nil {
		return err
	}
	deleted, err := s.store.DeleteProspect(ctx, prospectID, prospect.BrokerID)
	if err != nil {
		return err
	}
	if deleted {
		s.search.DeleteProspect(prospectID)
	}
	return nil
}

func (s *Service) prospectForBroker(ctx context.Context, session Session, prospectID string) (store.Prospect, error) {
	prospect, err := s.store.GetProspect(ctx, prospectID)
	if err != nil {
		return store.Prospect{}, err
	}
	if !rbac.SameParty(session.UserID, session.Role, prospect.BrokerID) {
		return store.Prospect{}, domainError(http.StatusForbidden, "FORBIDDEN", "Prospect belongs to another broker", nil)
	}
	return prospect, nil
}

func (s *Service) indexProspect(prospect store.Prospect) {
	s.search.IndexProspect(search.ProspectRecord{
		ID:       prospect.ID,
		Name:     prospect.Name,
		Email:    prospect.Email,
		Notes:    prospect.Notes,
		BrokerID: prospect.BrokerID,
		Status:   prospect.Status,
	})
}

// --- Properties ---

func (s *Service) CreateProperty(ctx context.Context, session Session, input CreatePropertyInput) (map[string]any, error) {
	if session.Role != rbac.RoleOwner && !rbac.IsAdmin(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only owners can list properties", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	property := store.Property{
		ID:      util.NewID("prop"),
		OwnerID: session.UserID,
		Title:   title,
		Address: strings.TrimSpace(input.Address),
		City:    strings.TrimSpace(input.City),
		Price:   input.Price,
		Status:  "AVAILABLE",
	}
	if err := s.store.InsertProperty(ctx, property); err != nil {
		return nil, err
	}

	s.search.IndexProperty(search.PropertyRecord{
		ID:      property.ID,
		Title:   property.Title,
		Address: property.Address,
		City:    property.City,
		OwnerID: property.OwnerID,
		Status:  property.Status,
	})
	return propertyPayload(property), nil
}

func (s *Service) ListMyProperties(ctx context.Context, session Session) (map[string]any, error) {
	properties, err := s.store.ListOwnerProperties(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(properties))
	for _, property := range properties {
		items = append(items, propertyPayload(property))
	}
	return map[string]any{"properties": items}, nil
}

func (s *Service) GetProperty(ctx context.Context, session Session, propertyID string) (map[string]any, error) {
	property, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	return propertyPayload(property), nil
}

// --- Search ---

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	query := search.Query{
		Text:       text,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	}
	// Brokers only ever see their own pipeline.
	if session.Role == rbac.RoleBroker {
		query.FilterBrokerID = session.UserID
	}
	return s.search.Search(query), nil
}

// --- Payloads ---

func invitationPayload(invitation store.Invitation) map[string]any {
	payload := map[string]any{
		"id":        invitation.ID,
		"brokerId":  invitation.BrokerID,
		"userId":    invitation.UserID,
		"type":      invitation.Type,
		"subject":   invitation.Subject,
		"message":   invitation.Message,
		"status":    invitation.Status,
		"createdAt": invitation.CreatedAt,
	}
	if invitation.ProspectID != nil {
		payload["prospectId"] = *invitation.ProspectID
	}
	if invitation.ProposedRate != nil {
		payload["proposedRate"] = *invitation.ProposedRate
	}
	if invitation.ResolvedAt != nil {
		payload["resolvedAt"] = *invitation.ResolvedAt
	}
	return payload
}

func relationshipPayload(relationship store.ClientRelationship) map[string]any {
	payload := map[string]any{
		"id":        relationship.ID,
		"brokerId":  relationship.BrokerID,
		"userId":    relationship.UserID,
		"status":    relationship.Status,
		"createdAt": relationship.CreatedAt,
	}
	if relationship.DeactivatedAt != nil {
		payload["deactivatedAt"] = *relationship.DeactivatedAt
	}
	if relationship.DeactivatedReason != nil {
		payload["deactivatedReason"] = *relationship.DeactivatedReason
	}
	return payload
}

func delegationPayload(delegation store.PropertyDelegation) map[string]any {
	payload := map[string]any{
		"id":             delegation.ID,
		"relationshipId": delegation.RelationshipID,
		"propertyId":     delegation.PropertyID,
		"brokerId":       delegation.BrokerID,
		"status":         delegation.Status,
		"startDate":      delegation.StartDate,
	}
	if delegation.EndDate != nil {
		payload["endDate"] = *delegation.EndDate
	}
	return payload
}

func delegationPayloads(delegations []store.PropertyDelegation) []map[string]any {
	items := make([]map[string]any, 0, len(delegations))
	for _, delegation := range delegations {
		items = append(items, delegationPayload(delegation))
	}
	return items
}

func prospectPayload(prospect store.Prospect) map[string]any {
	payload := map[string]any{
		"id":        prospect.ID,
		"brokerId":  prospect.BrokerID,
		"name":      prospect.Name,
		"email":     prospect.Email,
		"phone":     prospect.Phone,
		"status":    prospect.Status,
		"priority":  prospect.Priority,
		"notes":     prospect.Notes,
		"createdAt": prospect.CreatedAt,
		"updatedAt": prospect.UpdatedAt,
	}
	if prospect.CandidateUserID != nil {
		payload["candidateUserId"] = *prospect.CandidateUserID
	}
	if prospect.LastContactDate != nil {
		payload["lastContactDate"] = *prospect.LastContactDate
	}
	if prospect.NextFollowUpDate != nil {
		payload["nextFollowUpDate"] = *prospect.NextFollowUpDate
	}
	if prospect.ConvertedToClientID != nil {
		payload["convertedToClientId"] = *prospect.ConvertedToClientID
	}
	return payload
}

func propertyPayload(property store.Property) map[string]any {
	payload := map[string]any{
		"id":        property.ID,
		"ownerId":   property.OwnerID,
		"title":     property.Title,
		"address":   property.Address,
		"city":      property.City,
		"price":     property.Price,
		"status":    property.Status,
		"createdAt": property.CreatedAt,
	}
	if property.AssignedBrokerID != nil {
		payload["assignedBrokerId"] = *property.AssignedBrokerID
	}
	return payload
}
