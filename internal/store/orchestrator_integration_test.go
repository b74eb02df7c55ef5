package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// These tests run the compound operations against a real PostgreSQL instance
// because the guarantees under test live in the partial unique indexes and
// the FOR UPDATE locking, which no fake can reproduce.

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RENTLINK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("RENTLINK_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func setupIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		TRUNCATE property_delegations, client_relationships, invitations, prospects,
		         refresh_sessions, password_resets, properties, users CASCADE
	`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewPostgresStore(db), ctx
}

func seedAcceptanceFixture(t *testing.T, s *PostgresStore, ctx context.Context) {
	t.Helper()
	statements := []string{
		`INSERT INTO users (id, name, email, role) VALUES
			('usr_broker', 'Lena', 'lena@test.dev', 'BROKER'),
			('usr_broker2', 'Omar', 'omar@test.dev', 'BROKER'),
			('usr_tenant', 'Priya', 'priya@test.dev', 'TENANT')`,
		`INSERT INTO properties (id, owner_id, title) VALUES
			('prop_a', 'usr_tenant', 'Canal flat')`,
		`INSERT INTO prospects (id, broker_id, candidate_user_id, name, status) VALUES
			('pros_1', 'usr_broker', 'usr_tenant', 'Priya', 'QUALIFIED')`,
		`INSERT INTO invitations (id, broker_id, user_id, prospect_id, status) VALUES
			('inv_1', 'usr_broker', 'usr_tenant', 'pros_1', 'SENT')`,
	}
	for _, stmt := range statements {
		if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed fixture: %v", err)
		}
	}
}

func TestMaterializeAcceptanceRoundTrip(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	seedAcceptanceFixture(t, s, ctx)

	result, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_a"})
	if err != nil {
		t.Fatalf("MaterializeAcceptance() error = %v", err)
	}
	if result.AlreadyAccepted {
		t.Fatal("first acceptance should not report AlreadyAccepted")
	}
	if result.Invitation.Status != InvitationAccepted {
		t.Errorf("invitation status = %s, want ACCEPTED", result.Invitation.Status)
	}
	if result.Relationship.Status != StatusActive {
		t.Errorf("relationship status = %s, want ACTIVE", result.Relationship.Status)
	}
	if len(result.Delegations) != 1 || result.Delegations[0].PropertyID != "prop_a" {
		t.Fatalf("expected one delegation for prop_a, got %+v", result.Delegations)
	}

	prospect, err := s.GetProspect(ctx, "pros_1")
	if err != nil {
		t.Fatalf("GetProspect() error = %v", err)
	}
	if prospect.Status != ProspectConverted {
		t.Errorf("prospect status = %s, want CONVERTED", prospect.Status)
	}

	var assignedBroker *string
	if err := s.DB().QueryRowContext(ctx, `SELECT assigned_broker_id FROM properties WHERE id='prop_a'`).Scan(&assignedBroker); err != nil {
		t.Fatalf("read assigned broker: %v", err)
	}
	if assignedBroker == nil || *assignedBroker != "usr_broker" {
		t.Errorf("expected assigned_broker_id usr_broker, got %v", assignedBroker)
	}

	// Accepting the same invitation again returns the existing relationship
	// and changes nothing.
	again, err := s.MaterializeAcceptance(ctx, "inv_1", nil)
	if err != nil {
		t.Fatalf("repeat MaterializeAcceptance() error = %v", err)
	}
	if !again.AlreadyAccepted {
		t.Error("repeat acceptance should report AlreadyAccepted")
	}
	if again.Relationship.ID != result.Relationship.ID {
		t.Errorf("repeat acceptance returned a different relationship: %s vs %s", again.Relationship.ID, result.Relationship.ID)
	}

	rollback, err := s.RollbackAcceptance(ctx, "inv_1")
	if err != nil {
		t.Fatalf("RollbackAcceptance() error = %v", err)
	}
	if rollback.AlreadyCancelled {
		t.Fatal("first rollback should not report AlreadyCancelled")
	}
	if rollback.Invitation.Status != InvitationSent {
		t.Errorf("invitation status after rollback = %s, want SENT", rollback.Invitation.Status)
	}
	if rollback.Relationship.Status != StatusInactive {
		t.Errorf("relationship status after rollback = %s, want INACTIVE", rollback.Relationship.Status)
	}
	if len(rollback.Delegations) != 1 || rollback.Delegations[0].Status != StatusInactive {
		t.Fatalf("expected one ended delegation, got %+v", rollback.Delegations)
	}

	prospect, err = s.GetProspect(ctx, "pros_1")
	if err != nil {
		t.Fatalf("GetProspect() after rollback error = %v", err)
	}
	if prospect.Status != ProspectContacted {
		t.Errorf("prospect status after rollback = %s, want CONTACTED", prospect.Status)
	}

	if err := s.DB().QueryRowContext(ctx, `SELECT assigned_broker_id FROM properties WHERE id='prop_a'`).Scan(&assignedBroker); err != nil {
		t.Fatalf("read assigned broker after rollback: %v", err)
	}
	if assignedBroker != nil {
		t.Errorf("expected assigned_broker_id cleared after rollback, got %v", *assignedBroker)
	}

	// Rolling back again is a no-op.
	again2, err := s.RollbackAcceptance(ctx, "inv_1")
	if err != nil {
		t.Fatalf("repeat RollbackAcceptance() error = %v", err)
	}
	if !again2.AlreadyCancelled {
		t.Error("repeat rollback should report AlreadyCancelled")
	}

	// The invitation is back at SENT, so the client may accept once more and
	// get a fresh relationship.
	reaccepted, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_a"})
	if err != nil {
		t.Fatalf("second MaterializeAcceptance() error = %v", err)
	}
	if reaccepted.AlreadyAccepted {
		t.Error("acceptance after rollback should not report AlreadyAccepted")
	}
	if reaccepted.Relationship.Status != StatusActive {
		t.Errorf("relationship status after re-acceptance = %s, want ACTIVE", reaccepted.Relationship.Status)
	}
	if len(reaccepted.Delegations) != 1 || reaccepted.Delegations[0].Status != StatusActive {
		t.Fatalf("expected one ACTIVE delegation after re-acceptance, got %+v", reaccepted.Delegations)
	}
	prospect, err = s.GetProspect(ctx, "pros_1")
	if err != nil {
		t.Fatalf("GetProspect() after re-acceptance error = %v", err)
	}
	if prospect.Status != ProspectConverted {
		t.Errorf("prospect status after re-acceptance = %s, want CONVERTED", prospect.Status)
	}
}

func TestMaterializeAcceptanceRejectsForeignProperty(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	seedAcceptanceFixture(t, s, ctx)

	if _, err := s.DB().ExecContext(ctx, `
		INSERT INTO properties (id, owner_id, title) VALUES ('prop_other', 'usr_broker2', 'Not hers')
	`); err != nil {
		t.Fatalf("seed foreign property: %v", err)
	}

	_, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_other"})
	if !errors.Is(err, ErrPropertyNotOwnedByClient) {
		t.Fatalf("expected ErrPropertyNotOwnedByClient, got %v", err)
	}

	// The whole acceptance must have rolled back.
	invitation, err := s.GetInvitation(ctx, "inv_1")
	if err != nil {
		t.Fatalf("GetInvitation() error = %v", err)
	}
	if invitation.Status != InvitationSent {
		t.Errorf("invitation status = %s, want SENT after failed acceptance", invitation.Status)
	}
	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM client_relationships`).Scan(&count); err != nil {
		t.Fatalf("count relationships: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no relationship rows after failed acceptance, got %d", count)
	}
}

func TestDelegatePropertyConflictAcrossBrokers(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	seedAcceptanceFixture(t, s, ctx)

	if _, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_a"}); err != nil {
		t.Fatalf("MaterializeAcceptance() error = %v", err)
	}

	if _, err := s.DB().ExecContext(ctx, `
		INSERT INTO client_relationships (id, broker_id, user_id, status)
		VALUES ('rel_other', 'usr_broker2', 'usr_tenant', 'ACTIVE')
	`); err != nil {
		t.Fatalf("seed second relationship: %v", err)
	}

	_, err := s.DelegateProperty(ctx, "rel_other", "prop_a")
	if !errors.Is(err, ErrPropertyAlreadyDelegated) {
		t.Fatalf("expected ErrPropertyAlreadyDelegated, got %v", err)
	}
}

func TestDelegatePropertyIdempotentForSameBroker(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	seedAcceptanceFixture(t, s, ctx)

	result, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_a"})
	if err != nil {
		t.Fatalf("MaterializeAcceptance() error = %v", err)
	}

	again, err := s.DelegateProperty(ctx, result.Relationship.ID, "prop_a")
	if err != nil {
		t.Fatalf("DelegateProperty() error = %v", err)
	}
	if again.ID != result.Delegations[0].ID {
		t.Errorf("expected the existing delegation back, got %s vs %s", again.ID, result.Delegations[0].ID)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM property_delegations WHERE status='ACTIVE'`).Scan(&count); err != nil {
		t.Fatalf("count delegations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected a single ACTIVE delegation, got %d", count)
	}
}

func TestOutstandingInvitationUniquePerPair(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	seedAcceptanceFixture(t, s, ctx)

	err := s.InsertInvitation(ctx, Invitation{
		ID:       "inv_dup",
		BrokerID: "usr_broker",
		UserID:   "usr_tenant",
		Type:     InviteServiceOffer,
		Status:   InvitationSent,
	})
	if !errors.Is(err, ErrInvitationOutstanding) {
		t.Fatalf("expected ErrInvitationOutstanding, got %v", err)
	}

	// A second broker may still invite the same user.
	err = s.InsertInvitation(ctx, Invitation{
		ID:       "inv_other",
		BrokerID: "usr_broker2",
		UserID:   "usr_tenant",
		Type:     InviteServiceOffer,
		Status:   InvitationSent,
	})
	if err != nil {
		t.Fatalf("InsertInvitation() for second broker error = %v", err)
	}
}

func TestTerminateRelationshipEndsDelegations(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	seedAcceptanceFixture(t, s, ctx)

	accepted, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_a"})
	if err != nil {
		t.Fatalf("MaterializeAcceptance() error = %v", err)
	}

	result, err := s.TerminateRelationship(ctx, accepted.Relationship.ID, "portfolio handover")
	if err != nil {
		t.Fatalf("TerminateRelationship() error = %v", err)
	}
	if result.AlreadyTerminated {
		t.Fatal("first termination should not report AlreadyTerminated")
	}
	if result.Relationship.Status != StatusInactive {
		t.Errorf("relationship status = %s, want INACTIVE", result.Relationship.Status)
	}
	if result.Relationship.DeactivatedReason == nil || *result.Relationship.DeactivatedReason != "portfolio handover" {
		t.Errorf("expected deactivated reason recorded, got %v", result.Relationship.DeactivatedReason)
	}
	if len(result.Delegations) != 1 || result.Delegations[0].Status != StatusInactive {
		t.Fatalf("expected one ended delegation, got %+v", result.Delegations)
	}

	var storedReason *string
	if err := s.DB().QueryRowContext(ctx, `
		SELECT deactivated_reason FROM client_relationships WHERE id=$1
	`, accepted.Relationship.ID).Scan(&storedReason); err != nil {
		t.Fatalf("read deactivated reason: %v", err)
	}
	if storedReason == nil || *storedReason != "portfolio handover" {
		t.Errorf("expected reason persisted on the row, got %v", storedReason)
	}

	// Termination leaves the invitation and prospect untouched.
	invitation, err := s.GetInvitation(ctx, "inv_1")
	if err != nil {
		t.Fatalf("GetInvitation() error = %v", err)
	}
	if invitation.Status != InvitationAccepted {
		t.Errorf("invitation status = %s, want ACCEPTED after termination", invitation.Status)
	}

	again, err := s.TerminateRelationship(ctx, accepted.Relationship.ID, "")
	if err != nil {
		t.Fatalf("repeat TerminateRelationship() error = %v", err)
	}
	if !again.AlreadyTerminated {
		t.Error("repeat termination should report AlreadyTerminated")
	}
}

func TestRollbackAfterTerminationResetsInvitation(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	seedAcceptanceFixture(t, s, ctx)

	accepted, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_a"})
	if err != nil {
		t.Fatalf("MaterializeAcceptance() error = %v", err)
	}
	if _, err := s.TerminateRelationship(ctx, accepted.Relationship.ID, "broker closed the book"); err != nil {
		t.Fatalf("TerminateRelationship() error = %v", err)
	}

	// The relationship is already INACTIVE, so the cancellation has nothing
	// to unwind and must still reset the invitation and prospect.
	rollback, err := s.RollbackAcceptance(ctx, "inv_1")
	if err != nil {
		t.Fatalf("RollbackAcceptance() after termination error = %v", err)
	}
	if rollback.AlreadyCancelled {
		t.Error("rollback after termination should not report AlreadyCancelled")
	}
	if rollback.Invitation.Status != InvitationSent {
		t.Errorf("invitation status = %s, want SENT", rollback.Invitation.Status)
	}
	if len(rollback.Delegations) != 0 {
		t.Errorf("expected no delegations to unwind, got %+v", rollback.Delegations)
	}

	prospect, err := s.GetProspect(ctx, "pros_1")
	if err != nil {
		t.Fatalf("GetProspect() error = %v", err)
	}
	if prospect.Status != ProspectContacted {
		t.Errorf("prospect status = %s, want CONTACTED", prospect.Status)
	}
}

func TestReacceptAfterTermination(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	seedAcceptanceFixture(t, s, ctx)

	accepted, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_a"})
	if err != nil {
		t.Fatalf("MaterializeAcceptance() error = %v", err)
	}
	if _, err := s.TerminateRelationship(ctx, accepted.Relationship.ID, "seasonal pause"); err != nil {
		t.Fatalf("TerminateRelationship() error = %v", err)
	}

	// The invitation stayed ACCEPTED through the termination, so accepting
	// again materializes a fresh relationship instead of failing.
	again, err := s.MaterializeAcceptance(ctx, "inv_1", []string{"prop_a"})
	if err != nil {
		t.Fatalf("MaterializeAcceptance() after termination error = %v", err)
	}
	if again.AlreadyAccepted {
		t.Error("acceptance after termination should not report AlreadyAccepted")
	}
	if again.Relationship.ID == accepted.Relationship.ID {
		t.Errorf("expected a fresh relationship, got the terminated one back: %s", again.Relationship.ID)
	}
	if again.Relationship.Status != StatusActive {
		t.Errorf("relationship status = %s, want ACTIVE", again.Relationship.Status)
	}
	if len(again.Delegations) != 1 || again.Delegations[0].Status != StatusActive {
		t.Fatalf("expected one ACTIVE delegation, got %+v", again.Delegations)
	}
}
