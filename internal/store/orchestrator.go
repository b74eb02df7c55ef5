package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// The compound operations below are the orchestration layer of the workflow:
// each runs as one transaction, takes FOR UPDATE locks on the rows it is
// about to mutate, and either commits every side effect or none of them.
// Callers must not advance invitation state on their side until the compound
// operation reports success.

type AcceptanceResult struct {
	Invitation      Invitation
	Relationship    ClientRelationship
	Delegations     []PropertyDelegation
	AlreadyAccepted bool
}

type RollbackResult struct {
	Invitation       Invitation
	Relationship     ClientRelationship
	Delegations      []PropertyDelegation
	AlreadyCancelled bool
}

type TerminationResult struct {
	Relationship      ClientRelationship
	Delegations       []PropertyDelegation
	AlreadyTerminated bool
}

// MaterializeAcceptance activates the relationship for the invitation's pair,
// converts the linked prospect, delegates the requested properties, and marks
// the invitation ACCEPTED, all in one transaction. Accepting an
// already-ACCEPTED invitation returns the existing ACTIVE relationship; when
// that relationship was terminated administratively, accepting again
// re-materializes it.
func (s *PostgresStore) MaterializeAcceptance(ctx context.Context, invitationID string, propertyIDs []string) (AcceptanceResult, error) {
	var result AcceptanceResult
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		invitation, err := lockInvitation(ctx, tx, invitationID)
		if err != nil {
			return err
		}

		if invitation.Status == InvitationAccepted {
			rel, err := scanRelationship(tx.QueryRowContext(ctx, `
				SELECT id, broker_id, user_id, status, created_at, deactivated_at, deactivated_reason
				FROM client_relationships
				WHERE broker_id=$1 AND user_id=$2 AND status='ACTIVE'
			`, invitation.BrokerID, invitation.UserID))
			if err == nil {
				result = AcceptanceResult{Invitation: invitation, Relationship: rel, AlreadyAccepted: true}
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			// Terminated after acceptance; fall through and materialize a
			// fresh relationship for the pair.
		} else if invitation.Status != InvitationSent {
			return ErrInvalidTransition
		}

		rel, err := activateRelationship(ctx, tx, invitation.BrokerID, invitation.UserID)
		if err != nil {
			return err
		}

		if invitation.ProspectID != nil {
			if err := markProspectConverted(ctx, tx, *invitation.ProspectID, rel.ID); err != nil {
				return err
			}
		}

		delegations := make([]PropertyDelegation, 0, len(propertyIDs))
		for _, propertyID := range propertyIDs {
			if err := checkPropertyOwner(ctx, tx, propertyID, invitation.UserID); err != nil {
				return err
			}
			delegation, err := delegateProperty(ctx, tx, rel, propertyID)
			if err != nil {
				return err
			}
			delegations = append(delegations, delegation)
		}

		if invitation.Status == InvitationSent {
			invitation, err = resolveInvitation(ctx, tx, invitation.ID, InvitationSent, InvitationAccepted)
			if err != nil {
				return err
			}
		}

		result = AcceptanceResult{Invitation: invitation, Relationship: rel, Delegations: delegations}
		return nil
	})
	return result, err
}

// RollbackAcceptance compensates a prior acceptance: deactivates the
// relationship, ends every delegation under it, reverts the prospect to
// CONTACTED, and moves the invitation back to SENT. Cancelling an invitation
// that is already back at SENT is a no-op.
func (s *PostgresStore) RollbackAcceptance(ctx context.Context, invitationID string) (RollbackResult, error) {
	var result RollbackResult
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		invitation, err := lockInvitation(ctx, tx, invitationID)
		if err != nil {
			return err
		}
		if invitation.Status == InvitationSent {
			result = RollbackResult{Invitation: invitation, AlreadyCancelled: true}
			return nil
		}
		if invitation.Status != InvitationAccepted {
			return ErrInvalidTransition
		}

		reason := fmt.Sprintf("invitation %s cancelled by client", invitation.ID)

		// The relationship may already be INACTIVE if it was terminated
		// administratively after the acceptance. The cancellation then has
		// nothing to unwind and only resets the invitation and prospect.
		rel, err := scanRelationship(tx.QueryRowContext(ctx, `
			SELECT id, broker_id, user_id, status, created_at, deactivated_at, deactivated_reason
			FROM client_relationships
			WHERE broker_id=$1 AND user_id=$2
			ORDER BY status, created_at DESC
			LIMIT 1
			FOR UPDATE
		`, invitation.BrokerID, invitation.UserID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var delegations []PropertyDelegation
		if err == nil && rel.Status == StatusActive {
			delegations, err = endRelationshipDelegations(ctx, tx, rel.ID)
			if err != nil {
				return err
			}
			if err := deactivateRelationship(ctx, tx, rel.ID, reason); err != nil {
				return err
			}
			rel.Status = StatusInactive
			rel.DeactivatedReason = &reason
		}

		if invitation.ProspectID != nil {
			if err := revertProspectConversion(ctx, tx, *invitation.ProspectID, reason); err != nil {
				return err
			}
		}

		invitation, err = unresolveInvitation(ctx, tx, invitation.ID)
		if err != nil {
			return err
		}

		result = RollbackResult{Invitation: invitation, Relationship: rel, Delegations: delegations}
		return nil
	})
	return result, err
}

// TerminateRelationship is the administrative path: same cascade as a
// rollback but the prospect and invitation are left alone. The relationship
// existed independently of any single invitation by this point. The reason is
// recorded on the relationship row.
func (s *PostgresStore) TerminateRelationship(ctx context.Context, relationshipID, reason string) (TerminationResult, error) {
	var result TerminationResult
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		rel, err := lockRelationship(ctx, tx, relationshipID)
		if err != nil {
			return err
		}
		if rel.Status != StatusActive {
			result = TerminationResult{Relationship: rel, AlreadyTerminated: true}
			return nil
		}

		delegations, err := endRelationshipDelegations(ctx, tx, rel.ID)
		if err != nil {
			return err
		}
		if err := deactivateRelationship(ctx, tx, rel.ID, reason); err != nil {
			return err
		}

		rel.Status = StatusInactive
		if reason != "" {
			rel.DeactivatedReason = &reason
		}
		result = TerminationResult{Relationship: rel, Delegations: delegations}
		return nil
	})
	return result, err
}

// DelegateProperty delegates one property under an existing relationship.
// The relationship must be ACTIVE and the property must belong to the
// relationship's client.
func (s *PostgresStore) DelegateProperty(ctx context.Context, relationshipID, propertyID string) (PropertyDelegation, error) {
	var delegation PropertyDelegation
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		rel, err := lockRelationship(ctx, tx, relationshipID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRelationshipNotActive
		}
		if err != nil {
			return err
		}
		if rel.Status != StatusActive {
			return ErrRelationshipNotActive
		}
		if err := checkPropertyOwner(ctx, tx, propertyID, rel.UserID); err != nil {
			return err
		}
		delegation, err = delegateProperty(ctx, tx, rel, propertyID)
		return err
	})
	return delegation, err
}

// UndelegateProperty ends one delegation and clears the property's assigned
// broker. Undelegating an already-INACTIVE delegation is a no-op; the bool
// reports whether this call ended it, decided under the row lock so two
// concurrent undelegates cannot both claim the transition.
func (s *PostgresStore) UndelegateProperty(ctx context.Context, delegationID string) (PropertyDelegation, bool, error) {
	var delegation PropertyDelegation
	var ended bool
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		delegation, err = scanDelegation(tx.QueryRowContext(ctx, `
			SELECT id, relationship_id, property_id, broker_id, status, start_date, end_date
			FROM property_delegations WHERE id=$1
			FOR UPDATE
		`, delegationID))
		if err != nil {
			return err
		}
		if delegation.Status != StatusActive {
			return nil
		}
		if err := endDelegation(ctx, tx, delegation); err != nil {
			return err
		}
		delegation.Status = StatusInactive
		ended = true
		return nil
	})
	return delegation, ended, err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func lockInvitation(ctx context.Context, tx *sql.Tx, invitationID string) (Invitation, error) {
	return scanInvitation(tx.QueryRowContext(ctx, `
		SELECT id, broker_id, user_id, prospect_id, invitation_type, subject, message, proposed_rate, status, created_at, resolved_at
		FROM invitations WHERE id=$1
		FOR UPDATE
	`, invitationID))
}

func resolveInvitation(ctx context.Context, tx *sql.Tx, invitationID, fromStatus, toStatus string) (Invitation, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE invitations SET status=$3, resolved_at=NOW()
		WHERE id=$1 AND status=$2
	`, invitationID, fromStatus, toStatus)
	if err != nil {
		return Invitation{}, fmt.Errorf("resolve invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Invitation{}, fmt.Errorf("resolve invitation rows: %w", err)
	}
	if affected == 0 {
		return Invitation{}, ErrInvalidTransition
	}
	return scanInvitation(tx.QueryRowContext(ctx, `
		SELECT id, broker_id, user_id, prospect_id, invitation_type, subject, message, proposed_rate, status, created_at, resolved_at
		FROM invitations WHERE id=$1
	`, invitationID))
}

func unresolveInvitation(ctx context.Context, tx *sql.Tx, invitationID string) (Invitation, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE invitations SET status='SENT', resolved_at=NULL
		WHERE id=$1 AND status='ACCEPTED'
	`, invitationID)
	if err != nil {
		return Invitation{}, fmt.Errorf("unresolve invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Invitation{}, fmt.Errorf("unresolve invitation rows: %w", err)
	}
	if affected == 0 {
		return Invitation{}, ErrInvalidTransition
	}
	return scanInvitation(tx.QueryRowContext(ctx, `
		SELECT id, broker_id, user_id, prospect_id, invitation_type, subject, message, proposed_rate, status, created_at, resolved_at
		FROM invitations WHERE id=$1
	`, invitationID))
}

func checkPropertyOwner(ctx context.Context, tx *sql.Tx, propertyID, ownerID string) error {
	var actualOwner string
	err := tx.QueryRowContext(ctx, `SELECT owner_id FROM properties WHERE id=$1`, propertyID).Scan(&actualOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err != nil {
		return fmt.Errorf("lookup property owner: %w", err)
	}
	if actualOwner != ownerID {
		return ErrPropertyNotOwnedByClient
	}
	return nil
}
