package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// InsertInvitation creates a SENT invitation. The partial unique index on
// (broker_id, user_id) rejects a second outstanding invitation for the pair.
func (s *PostgresStore) InsertInvitation(ctx context.Context, item Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, broker_id, user_id, prospect_id, invitation_type, subject, message, proposed_rate, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'SENT')
	`, item.ID, item.BrokerID, item.UserID, item.ProspectID, item.Type, item.Subject, item.Message, item.ProposedRate)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uniq_invitations_outstanding" {
			return ErrInvitationOutstanding
		}
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	return scanInvitation(s.db.QueryRowContext(ctx, `
		SELECT id, broker_id, user_id, prospect_id, invitation_type, subject, message, proposed_rate, status, created_at, resolved_at
		FROM invitations WHERE id=$1
	`, invitationID))
}

func (s *PostgresStore) ListInvitationsForUser(ctx context.Context, userID string) ([]Invitation, error) {
	return s.listInvitations(ctx, `user_id`, userID)
}

func (s *PostgresStore) ListInvitationsForBroker(ctx context.Context, brokerID string) ([]Invitation, error) {
	return s.listInvitations(ctx, `broker_id`, brokerID)
}

func (s *PostgresStore) listInvitations(ctx context.Context, column, id string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broker_id, user_id, prospect_id, invitation_type, subject, message, proposed_rate, status, created_at, resolved_at
		FROM invitations
		WHERE `+column+`=$1
		ORDER BY created_at DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		item, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

// RejectInvitation is a single guarded update: SENT -> REJECTED. REJECTED is
// terminal, so a zero-row update means the transition was invalid. The bool
// reports whether this call made the transition; of two concurrent rejects
// only one gets the affected row.
func (s *PostgresStore) RejectInvitation(ctx context.Context, invitationID string) (Invitation, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status='REJECTED', resolved_at=NOW()
		WHERE id=$1 AND status='SENT'
	`, invitationID)
	if err != nil {
		return Invitation{}, false, fmt.Errorf("reject invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Invitation{}, false, fmt.Errorf("reject invitation rows: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetInvitation(ctx, invitationID)
		if getErr != nil {
			return Invitation{}, false, getErr
		}
		if current.Status == InvitationRejected {
			// Repeated reject is a no-op.
			return current, false, nil
		}
		return Invitation{}, false, ErrInvalidTransition
	}
	invitation, err := s.GetInvitation(ctx, invitationID)
	return invitation, true, err
}

func scanInvitation(row rowScanner) (Invitation, error) {
	var item Invitation
	err := row.Scan(
		&item.ID,
		&item.BrokerID,
		&item.UserID,
		&item.ProspectID,
		&item.Type,
		&item.Subject,
		&item.Message,
		&item.ProposedRate,
		&item.Status,
		&item.CreatedAt,
		&item.ResolvedAt,
	)
	if err != nil {
		return Invitation{}, err
	}
	return item, nil
}
