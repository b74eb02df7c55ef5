package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"rentlink/api/internal/authpw"
	"rentlink/api/internal/config"
	"rentlink/api/internal/email"
	"rentlink/api/internal/notify"
	"rentlink/api/internal/rbac"
	"rentlink/api/internal/search"
	"rentlink/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn            func(context.Context, string) (store.User, error)
	getProspectFn            func(context.Context, string) (store.Prospect, error)
	insertInvitationFn       func(context.Context, store.Invitation) error
	getInvitationFn          func(context.Context, string) (store.Invitation, error)
	rejectInvitationFn       func(context.Context, string) (store.Invitation, bool, error)
	materializeAcceptanceFn  func(context.Context, string, []string) (store.AcceptanceResult, error)
	rollbackAcceptanceFn     func(context.Context, string) (store.RollbackResult, error)
	terminateRelationshipFn  func(context.Context, string, string) (store.TerminationResult, error)
	delegatePropertyFn       func(context.Context, string, string) (store.PropertyDelegation, error)
	undelegatePropertyFn     func(context.Context, string) (store.PropertyDelegation, bool, error)
	getRelationshipFn        func(context.Context, string) (store.ClientRelationship, error)
	getDelegationFn          func(context.Context, string) (store.PropertyDelegation, error)
	listClientsFn            func(context.Context, string) ([]store.ClientSummary, error)
	updateProspectStatusFn   func(context.Context, string, string, string) (store.Prospect, error)
	updateProspectDetailsFn  func(context.Context, string, string, *time.Time) error
	insertProspectFn         func(context.Context, store.Prospect) error
	listActiveDelegationsFn  func(context.Context, string) ([]store.PropertyDelegation, error)
	listInvitationsForUserFn func(context.Context, string) ([]store.Invitation, error)
}

func (f *fakeStore) CreateUser(context.Context, store.User) error { return nil }
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByEmail(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) InsertProperty(context.Context, store.Property) error { return nil }
func (f *fakeStore) GetProperty(context.Context, string) (store.Property, error) {
	return store.Property{}, sql.ErrNoRows
}
func (f *fakeStore) ListOwnerProperties(context.Context, string) ([]store.Property, error) {
	return nil, nil
}
func (f *fakeStore) InsertProspect(ctx context.Context, item store.Prospect) error {
	if f.insertProspectFn != nil {
		return f.insertProspectFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetProspect(ctx context.Context, prospectID string) (store.Prospect, error) {
	if f.getProspectFn != nil {
		return f.getProspectFn(ctx, prospectID)
	}
	return store.Prospect{}, sql.ErrNoRows
}
func (f *fakeStore) ListProspects(context.Context, string, string) ([]store.Prospect, error) {
	return nil, nil
}
func (f *fakeStore) UpdateProspectStatus(ctx context.Context, prospectID, status, note string) (store.Prospect, error) {
	if f.updateProspectStatusFn != nil {
		return f.updateProspectStatusFn(ctx, prospectID, status, note)
	}
	return store.Prospect{}, sql.ErrNoRows
}
func (f *fakeStore) AppendProspectNote(context.Context, string, string) error { return nil }
func (f *fakeStore) UpdateProspectDetails(ctx context.Context, prospectID, priority string, nextFollowUp *time.Time) error {
	if f.updateProspectDetailsFn != nil {
		return f.updateProspectDetailsFn(ctx, prospectID, priority, nextFollowUp)
	}
	return nil
}
func (f *fakeStore) DeleteProspect(context.Context, string, string) (bool, error) {
	return true, nil
}
func (f *fakeStore) InsertInvitation(ctx context.Context, item store.Invitation) error {
	if f.insertInvitationFn != nil {
		return f.insertInvitationFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetInvitation(ctx context.Context, invitationID string) (store.Invitation, error) {
	if f.getInvitationFn != nil {
		return f.getInvitationFn(ctx, invitationID)
	}
	return store.Invitation{}, sql.ErrNoRows
}
func (f *fakeStore) ListInvitationsForUser(ctx context.Context, userID string) ([]store.Invitation, error) {
	if f.listInvitationsForUserFn != nil {
		return f.listInvitationsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListInvitationsForBroker(context.Context, string) ([]store.Invitation, error) {
	return nil, nil
}
func (f *fakeStore) RejectInvitation(ctx context.Context, invitationID string) (store.Invitation, bool, error) {
	if f.rejectInvitationFn != nil {
		return f.rejectInvitationFn(ctx, invitationID)
	}
	return store.Invitation{}, false, sql.ErrNoRows
}
func (f *fakeStore) MaterializeAcceptance(ctx context.Context, invitationID string, propertyIDs []string) (store.AcceptanceResult, error) {
	if f.materializeAcceptanceFn != nil {
		return f.materializeAcceptanceFn(ctx, invitationID, propertyIDs)
	}
	return store.AcceptanceResult{}, sql.ErrNoRows
}
func (f *fakeStore) RollbackAcceptance(ctx context.Context, invitationID string) (store.RollbackResult, error) {
	if f.rollbackAcceptanceFn != nil {
		return f.rollbackAcceptanceFn(ctx, invitationID)
	}
	return store.RollbackResult{}, sql.ErrNoRows
}
func (f *fakeStore) TerminateRelationship(ctx context.Context, relationshipID, reason string) (store.TerminationResult, error) {
	if f.terminateRelationshipFn != nil {
		return f.terminateRelationshipFn(ctx, relationshipID, reason)
	}
	return store.TerminationResult{}, sql.ErrNoRows
}
func (f *fakeStore) DelegateProperty(ctx context.Context, relationshipID, propertyID string) (store.PropertyDelegation, error) {
	if f.delegatePropertyFn != nil {
		return f.delegatePropertyFn(ctx, relationshipID, propertyID)
	}
	return store.PropertyDelegation{}, sql.ErrNoRows
}
func (f *fakeStore) UndelegateProperty(ctx context.Context, delegationID string) (store.PropertyDelegation, bool, error) {
	if f.undelegatePropertyFn != nil {
		return f.undelegatePropertyFn(ctx, delegationID)
	}
	return store.PropertyDelegation{}, false, sql.ErrNoRows
}
func (f *fakeStore) GetRelationship(ctx context.Context, relationshipID string) (store.ClientRelationship, error) {
	if f.getRelationshipFn != nil {
		return f.getRelationshipFn(ctx, relationshipID)
	}
	return store.ClientRelationship{}, sql.ErrNoRows
}
func (f *fakeStore) GetActiveRelationship(context.Context, string, string) (store.ClientRelationship, error) {
	return store.ClientRelationship{}, sql.ErrNoRows
}
func (f *fakeStore) ListClients(ctx context.Context, brokerID string) ([]store.ClientSummary, error) {
	if f.listClientsFn != nil {
		return f.listClientsFn(ctx, brokerID)
	}
	return nil, nil
}
func (f *fakeStore) GetDelegation(ctx context.Context, delegationID string) (store.PropertyDelegation, error) {
	if f.getDelegationFn != nil {
		return f.getDelegationFn(ctx, delegationID)
	}
	return store.PropertyDelegation{}, sql.ErrNoRows
}
func (f *fakeStore) ListActiveDelegations(ctx context.Context, brokerID string) ([]store.PropertyDelegation, error) {
	if f.listActiveDelegationsFn != nil {
		return f.listActiveDelegationsFn(ctx, brokerID)
	}
	return nil, nil
}
func (f *fakeStore) ListRelationshipDelegations(context.Context, string) ([]store.PropertyDelegation, error) {
	return nil, nil
}
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }
func (f *fakeStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) GetPasswordReset(context.Context, string) (string, error) {
	return "", sql.ErrNoRows
}
func (f *fakeStore) MarkPasswordResetUsed(context.Context, string) error          { return nil }
func (f *fakeStore) UpdateUserPassword(context.Context, string, string) error     { return nil }
func (f *fakeStore) Ping(context.Context) error                                   { return nil }

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Publish(_ context.Context, event notify.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) eventTypes() []notify.EventType {
	types := make([]notify.EventType, 0, len(f.events))
	for _, event := range f.events {
		types = append(types, event.Type)
	}
	return types
}

func newTestService(fs *fakeStore) (*Service, *fakeNotifier) {
	notifier := &fakeNotifier{}
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   15 * time.Minute,
			RefreshTTL:  time.Hour,
		},
		store:    fs,
		authpw:   authpw.NewService(fs),
		email:    email.NewService(email.Config{}),
		notifier: notifier,
		search:   search.NewService(nil, nil),
	}, notifier
}

func brokerSession() Session {
	return Session{UserID: "usr_broker", UserName: "Lena", Role: rbac.RoleBroker}
}

func tenantSession() Session {
	return Session{UserID: "usr_tenant", UserName: "Priya", Role: rbac.RoleTenant}
}

func TestCreateInvitationRequiresBroker(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})

	_, err := svc.CreateInvitation(context.Background(), tenantSession(), CreateInvitationInput{UserID: "usr_owner"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestCreateInvitationRejectsUnknownType(t *testing.T) {
	svc, _ := newTestService(&fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Role: "OWNER"}, nil
		},
	})

	_, err := svc.CreateInvitation(context.Background(), brokerSession(), CreateInvitationInput{
		UserID: "usr_owner",
		Type:   "DINNER_PARTY",
	})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCreateInvitationRejectsForeignProspect(t *testing.T) {
	svc, _ := newTestService(&fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Role: "OWNER"}, nil
		},
		getProspectFn: func(_ context.Context, prospectID string) (store.Prospect, error) {
			return store.Prospect{ID: prospectID, BrokerID: "usr_other_broker"}, nil
		},
	})

	_, err := svc.CreateInvitation(context.Background(), brokerSession(), CreateInvitationInput{
		UserID:     "usr_owner",
		ProspectID: "pros_1",
	})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for foreign prospect, got %v", err)
	}
}

func TestCreateInvitationInsertsSentInvitation(t *testing.T) {
	var inserted store.Invitation
	svc, notifier := newTestService(&fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Name: "Marco", Email: "marco@example.com", Role: "OWNER"}, nil
		},
		insertInvitationFn: func(_ context.Context, item store.Invitation) error {
			inserted = item
			return nil
		},
	})

	payload, err := svc.CreateInvitation(context.Background(), brokerSession(), CreateInvitationInput{
		UserID:  "usr_owner",
		Subject: "Let me manage your rentals",
	})
	if err != nil {
		t.Fatalf("CreateInvitation() error = %v", err)
	}

	if inserted.Status != store.InvitationSent {
		t.Errorf("expected status SENT, got %q", inserted.Status)
	}
	if inserted.Type != store.InviteServiceOffer {
		t.Errorf("expected default type SERVICE_OFFER, got %q", inserted.Type)
	}
	if inserted.BrokerID != "usr_broker" {
		t.Errorf("expected broker from session, got %q", inserted.BrokerID)
	}
	if payload["status"] != store.InvitationSent {
		t.Errorf("expected payload status SENT, got %v", payload["status"])
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != notify.EventInvitationSent {
		t.Errorf("expected one InvitationSent event, got %v", notifier.eventTypes())
	}
}

func TestCreateInvitationPropagatesOutstandingConflict(t *testing.T) {
	svc, _ := newTestService(&fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Role: "TENANT"}, nil
		},
		insertInvitationFn: func(context.Context, store.Invitation) error {
			return store.ErrInvitationOutstanding
		},
	})

	_, err := svc.CreateInvitation(context.Background(), brokerSession(), CreateInvitationInput{UserID: "usr_tenant"})
	if !errors.Is(err, store.ErrInvitationOutstanding) {
		t.Fatalf("expected ErrInvitationOutstanding, got %v", err)
	}

	status, code, _, _ := mapError(err)
	if status != 409 || code != "INVITATION_OUTSTANDING" {
		t.Errorf("expected 409 INVITATION_OUTSTANDING, got %d %s", status, code)
	}
}

func TestAcceptInvitationOnlyInvitedUser(t *testing.T) {
	svc, _ := newTestService(&fakeStore{
		getInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, error) {
			return store.Invitation{ID: invitationID, BrokerID: "usr_broker", UserID: "usr_owner", Status: store.InvitationSent}, nil
		},
	})

	_, err := svc.AcceptInvitation(context.Background(), tenantSession(), "inv_1", nil)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestAcceptInvitationEmitsEventsForEachDelegation(t *testing.T) {
	svc, notifier := newTestService(&fakeStore{
		getInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, error) {
			return store.Invitation{ID: invitationID, BrokerID: "usr_broker", UserID: "usr_tenant", Status: store.InvitationSent}, nil
		},
		materializeAcceptanceFn: func(_ context.Context, invitationID string, propertyIDs []string) (store.AcceptanceResult, error) {
			delegations := make([]store.PropertyDelegation, 0, len(propertyIDs))
			for _, propertyID := range propertyIDs {
				delegations = append(delegations, store.PropertyDelegation{
					ID: "del_" + propertyID, RelationshipID: "rel_1", PropertyID: propertyID,
					BrokerID: "usr_broker", Status: store.StatusActive,
				})
			}
			return store.AcceptanceResult{
				Invitation:   store.Invitation{ID: invitationID, BrokerID: "usr_broker", UserID: "usr_tenant", Status: store.InvitationAccepted},
				Relationship: store.ClientRelationship{ID: "rel_1", BrokerID: "usr_broker", UserID: "usr_tenant", Status: store.StatusActive},
				Delegations:  delegations,
			}, nil
		},
	})

	payload, err := svc.AcceptInvitation(context.Background(), tenantSession(), "inv_1", []string{"prop_a", "prop_b"})
	if err != nil {
		t.Fatalf("AcceptInvitation() error = %v", err)
	}
	if payload["alreadyAccepted"] != false {
		t.Errorf("expected alreadyAccepted=false, got %v", payload["alreadyAccepted"])
	}

	types := notifier.eventTypes()
	if len(types) != 3 {
		t.Fatalf("expected 3 events, got %v", types)
	}
	if types[0] != notify.EventInvitationAccepted {
		t.Errorf("expected first event InvitationAccepted, got %s", types[0])
	}
	if types[1] != notify.EventPropertyDelegated || types[2] != notify.EventPropertyDelegated {
		t.Errorf("expected PropertyDelegated events, got %v", types)
	}
}

func TestAcceptInvitationIdempotentEmitsNothing(t *testing.T) {
	svc, notifier := newTestService(&fakeStore{
		getInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, error) {
			return store.Invitation{ID: invitationID, BrokerID: "usr_broker", UserID: "usr_tenant", Status: store.InvitationAccepted}, nil
		},
		materializeAcceptanceFn: func(_ context.Context, invitationID string, _ []string) (store.AcceptanceResult, error) {
			return store.AcceptanceResult{
				Invitation:      store.Invitation{ID: invitationID, Status: store.InvitationAccepted},
				Relationship:    store.ClientRelationship{ID: "rel_1", Status: store.StatusActive},
				AlreadyAccepted: true,
			}, nil
		},
	})

	payload, err := svc.AcceptInvitation(context.Background(), tenantSession(), "inv_1", nil)
	if err != nil {
		t.Fatalf("AcceptInvitation() error = %v", err)
	}
	if payload["alreadyAccepted"] != true {
		t.Errorf("expected alreadyAccepted=true, got %v", payload["alreadyAccepted"])
	}
	if len(notifier.events) != 0 {
		t.Errorf("expected no events on idempotent accept, got %v", notifier.eventTypes())
	}
}

func TestCancelInvitationEmitsCompensationEvents(t *testing.T) {
	svc, notifier := newTestService(&fakeStore{
		getInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, error) {
			return store.Invitation{ID: invitationID, BrokerID: "usr_broker", UserID: "usr_tenant", Status: store.InvitationAccepted}, nil
		},
		rollbackAcceptanceFn: func(_ context.Context, invitationID string) (store.RollbackResult, error) {
			return store.RollbackResult{
				Invitation:   store.Invitation{ID: invitationID, Status: store.InvitationSent},
				Relationship: store.ClientRelationship{ID: "rel_1", Status: store.StatusInactive},
				Delegations: []store.PropertyDelegation{
					{ID: "del_1", RelationshipID: "rel_1", PropertyID: "prop_a", BrokerID: "usr_broker", Status: store.StatusInactive},
				},
			}, nil
		},
	})

	payload, err := svc.CancelInvitation(context.Background(), tenantSession(), "inv_1")
	if err != nil {
		t.Fatalf("CancelInvitation() error = %v", err)
	}
	if payload["alreadyCancelled"] != false {
		t.Errorf("expected alreadyCancelled=false, got %v", payload["alreadyCancelled"])
	}

	types := notifier.eventTypes()
	if len(types) != 2 || types[0] != notify.EventInvitationCancelled || types[1] != notify.EventPropertyUndelegated {
		t.Fatalf("expected InvitationCancelled then PropertyUndelegated, got %v", types)
	}
}

func TestRejectInvitationEmitsEventOnTransition(t *testing.T) {
	svc, notifier := newTestService(&fakeStore{
		getInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, error) {
			return store.Invitation{ID: invitationID, BrokerID: "usr_broker", UserID: "usr_tenant", Status: store.InvitationSent}, nil
		},
		rejectInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, bool, error) {
			return store.Invitation{ID: invitationID, BrokerID: "usr_broker", UserID: "usr_tenant", Status: store.InvitationRejected}, true, nil
		},
	})

	payload, err := svc.RejectInvitation(context.Background(), tenantSession(), "inv_1")
	if err != nil {
		t.Fatalf("RejectInvitation() error = %v", err)
	}
	if payload["status"] != store.InvitationRejected {
		t.Errorf("expected REJECTED payload, got %v", payload["status"])
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != notify.EventInvitationRejected {
		t.Errorf("expected one InvitationRejected event, got %v", notifier.eventTypes())
	}
}

// The emission decision comes from the store's transition report, so a reject
// that lost the race to another reject stays silent even when the caller read
// the invitation as SENT moments before.
func TestRejectInvitationRepeatedEmitsNoEvent(t *testing.T) {
	svc, notifier := newTestService(&fakeStore{
		getInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, error) {
			return store.Invitation{ID: invitationID, BrokerID: "usr_broker", UserID: "usr_tenant", Status: store.InvitationSent}, nil
		},
		rejectInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, bool, error) {
			return store.Invitation{ID: invitationID, Status: store.InvitationRejected}, false, nil
		},
	})

	payload, err := svc.RejectInvitation(context.Background(), tenantSession(), "inv_1")
	if err != nil {
		t.Fatalf("RejectInvitation() error = %v", err)
	}
	if payload["status"] != store.InvitationRejected {
		t.Errorf("expected REJECTED payload, got %v", payload["status"])
	}
	if len(notifier.events) != 0 {
		t.Errorf("expected no events on repeated reject, got %v", notifier.eventTypes())
	}
}

func TestDelegatePropertyMissingRelationship(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})

	_, err := svc.DelegateProperty(context.Background(), tenantSession(), "rel_missing", "prop_a")
	if !errors.Is(err, store.ErrRelationshipNotActive) {
		t.Fatalf("expected ErrRelationshipNotActive for missing relationship, got %v", err)
	}

	status, code, _, _ := mapError(err)
	if status != 409 || code != "RELATIONSHIP_NOT_ACTIVE" {
		t.Errorf("expected 409 RELATIONSHIP_NOT_ACTIVE, got %d %s", status, code)
	}
}

func TestDelegatePropertyOnlyClientOfRecord(t *testing.T) {
	svc, _ := newTestService(&fakeStore{
		getRelationshipFn: func(_ context.Context, relationshipID string) (store.ClientRelationship, error) {
			return store.ClientRelationship{ID: relationshipID, BrokerID: "usr_broker", UserID: "usr_owner", Status: store.StatusActive}, nil
		},
	})

	// The broker cannot delegate on the client's behalf.
	_, err := svc.DelegateProperty(context.Background(), brokerSession(), "rel_1", "prop_a")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for broker-initiated delegation, got %v", err)
	}
}

// The store reports whether this call ended the delegation; only a true
// report emits the event, so two concurrent undelegates cannot both announce
// it even though both read the delegation as ACTIVE up front.
func TestUndelegateEmitsOnlyWhenTransitioned(t *testing.T) {
	ended := store.PropertyDelegation{
		ID: "del_1", RelationshipID: "rel_1", PropertyID: "prop_a",
		BrokerID: "usr_broker", Status: store.StatusInactive,
	}
	for _, tt := range []struct {
		name         string
		transitioned bool
		wantEvents   int
	}{
		{name: "this call ended it", transitioned: true, wantEvents: 1},
		{name: "already ended elsewhere", transitioned: false, wantEvents: 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			svc, notifier := newTestService(&fakeStore{
				getDelegationFn: func(_ context.Context, delegationID string) (store.PropertyDelegation, error) {
					current := ended
					current.Status = store.StatusActive
					return current, nil
				},
				getRelationshipFn: func(_ context.Context, relationshipID string) (store.ClientRelationship, error) {
					return store.ClientRelationship{ID: relationshipID, BrokerID: "usr_broker", UserID: "usr_owner", Status: store.StatusActive}, nil
				},
				undelegatePropertyFn: func(context.Context, string) (store.PropertyDelegation, bool, error) {
					return ended, tt.transitioned, nil
				},
			})

			_, err := svc.UndelegateProperty(context.Background(), brokerSession(), "del_1")
			if err != nil {
				t.Fatalf("UndelegateProperty() error = %v", err)
			}
			if len(notifier.events) != tt.wantEvents {
				t.Errorf("expected %d events, got %v", tt.wantEvents, notifier.eventTypes())
			}
		})
	}
}

func TestTerminateRelationshipRequiresParty(t *testing.T) {
	fs := &fakeStore{
		getRelationshipFn: func(_ context.Context, relationshipID string) (store.ClientRelationship, error) {
			return store.ClientRelationship{ID: relationshipID, BrokerID: "usr_broker", UserID: "usr_owner", Status: store.StatusActive}, nil
		},
		terminateRelationshipFn: func(_ context.Context, relationshipID, _ string) (store.TerminationResult, error) {
			return store.TerminationResult{
				Relationship: store.ClientRelationship{ID: relationshipID, BrokerID: "usr_broker", UserID: "usr_owner", Status: store.StatusInactive},
			}, nil
		},
	}
	svc, _ := newTestService(fs)

	if _, err := svc.TerminateRelationship(context.Background(), tenantSession(), "rel_1", ""); err == nil {
		t.Fatal("expected stranger to be rejected")
	}

	if _, err := svc.TerminateRelationship(context.Background(), brokerSession(), "rel_1", ""); err != nil {
		t.Fatalf("expected broker party to terminate, got %v", err)
	}

	admin := Session{UserID: "usr_admin", Role: rbac.RoleAdmin}
	if _, err := svc.TerminateRelationship(context.Background(), admin, "rel_1", ""); err != nil {
		t.Fatalf("expected admin to terminate, got %v", err)
	}
}

func TestTerminateRelationshipCarriesReason(t *testing.T) {
	var storedReason string
	svc, notifier := newTestService(&fakeStore{
		getRelationshipFn: func(_ context.Context, relationshipID string) (store.ClientRelationship, error) {
			return store.ClientRelationship{ID: relationshipID, BrokerID: "usr_broker", UserID: "usr_owner", Status: store.StatusActive}, nil
		},
		terminateRelationshipFn: func(_ context.Context, relationshipID, reason string) (store.TerminationResult, error) {
			storedReason = reason
			return store.TerminationResult{
				Relationship: store.ClientRelationship{
					ID: relationshipID, BrokerID: "usr_broker", UserID: "usr_owner",
					Status: store.StatusInactive, DeactivatedReason: &reason,
				},
			}, nil
		},
	})

	payload, err := svc.TerminateRelationship(context.Background(), brokerSession(), "rel_1", "client moved abroad")
	if err != nil {
		t.Fatalf("TerminateRelationship() error = %v", err)
	}

	if storedReason != "client moved abroad" {
		t.Errorf("expected reason to reach the store, got %q", storedReason)
	}
	relationship, ok := payload["relationship"].(map[string]any)
	if !ok || relationship["deactivatedReason"] != "client moved abroad" {
		t.Errorf("expected deactivatedReason in payload, got %v", payload["relationship"])
	}
	if len(notifier.events) != 1 {
		t.Fatalf("expected one event, got %v", notifier.eventTypes())
	}
	if notifier.events[0].Reason != "client moved abroad" {
		t.Errorf("expected reason on the event, got %q", notifier.events[0].Reason)
	}
}

func TestUpdateProspectDetailsKeepsPriorityWhenOmitted(t *testing.T) {
	var storedPriority string
	svc, _ := newTestService(&fakeStore{
		getProspectFn: func(_ context.Context, prospectID string) (store.Prospect, error) {
			return store.Prospect{ID: prospectID, BrokerID: "usr_broker", Status: store.ProspectQualified, Priority: "high"}, nil
		},
		updateProspectDetailsFn: func(_ context.Context, _, priority string, _ *time.Time) error {
			storedPriority = priority
			return nil
		},
	})

	if _, err := svc.UpdateProspectDetails(context.Background(), brokerSession(), "pros_1", "", nil); err != nil {
		t.Fatalf("UpdateProspectDetails() error = %v", err)
	}
	if storedPriority != "high" {
		t.Errorf("expected omitted priority to keep %q, got %q", "high", storedPriority)
	}

	if _, err := svc.UpdateProspectDetails(context.Background(), brokerSession(), "pros_1", "low", nil); err != nil {
		t.Fatalf("UpdateProspectDetails() error = %v", err)
	}
	if storedPriority != "low" {
		t.Errorf("expected explicit priority %q, got %q", "low", storedPriority)
	}
}

func TestUpdateProspectStatusRejectsConverted(t *testing.T) {
	svc, _ := newTestService(&fakeStore{
		getProspectFn: func(_ context.Context, prospectID string) (store.Prospect, error) {
			return store.Prospect{ID: prospectID, BrokerID: "usr_broker", Status: store.ProspectQualified}, nil
		},
	})

	_, err := svc.UpdateProspectStatus(context.Background(), brokerSession(), "pros_1", store.ProspectConverted, "")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for manual CONVERTED, got %v", err)
	}
}

func TestUpdateProspectStatusTerminalConflict(t *testing.T) {
	svc, _ := newTestService(&fakeStore{
		getProspectFn: func(_ context.Context, prospectID string) (store.Prospect, error) {
			return store.Prospect{ID: prospectID, BrokerID: "usr_broker", Status: store.ProspectLost}, nil
		},
		updateProspectStatusFn: func(context.Context, string, string, string) (store.Prospect, error) {
			return store.Prospect{}, store.ErrInvalidTransition
		},
	})

	_, err := svc.UpdateProspectStatus(context.Background(), brokerSession(), "pros_1", store.ProspectContacted, "")
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	status, code, _, _ := mapError(err)
	if status != 409 || code != "INVALID_TRANSITION" {
		t.Errorf("expected 409 INVALID_TRANSITION, got %d %s", status, code)
	}
}

func TestMapErrorIntegrityViolation(t *testing.T) {
	err := &store.IntegrityError{Detail: "property prop_a assigned_broker_id mismatch"}

	status, code, _, _ := mapError(err)
	if status != 500 || code != "INTEGRITY_VIOLATION" {
		t.Errorf("expected 500 INTEGRITY_VIOLATION, got %d %s", status, code)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	user := store.User{ID: "usr_1", Name: "Lena", Role: "BROKER"}
	svc, _ := newTestService(&fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			if userID != user.ID {
				return store.User{}, sql.ErrNoRows
			}
			return user, nil
		},
	})

	session, err := svc.CreateSession(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.Role != rbac.RoleBroker {
		t.Errorf("expected BROKER role, got %s", session.Role)
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserID != user.ID || parsed.UserName != "Lena" {
		t.Errorf("unexpected parsed session: %+v", parsed)
	}

	if _, err := svc.SessionFromToken(context.Background(), session.Token+"tampered"); err == nil {
		t.Error("expected tampered token to be rejected")
	}
}
