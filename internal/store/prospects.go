package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *PostgresStore) InsertProspect(ctx context.Context, item Prospect) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prospects (id, broker_id, candidate_user_id, name, email, phone, status, priority, notes, next_follow_up_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.BrokerID, item.CandidateUserID, item.Name, item.Email, item.Phone, item.Status, item.Priority, item.Notes, item.NextFollowUpDate)
	if err != nil {
		return fmt.Errorf("insert prospect: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProspect(ctx context.Context, prospectID string) (Prospect, error) {
	return scanProspect(s.db.QueryRowContext(ctx, `
		SELECT id, broker_id, candidate_user_id, name, email, phone, status, priority, notes,
			last_contact_date, next_follow_up_date, converted_to_client_id, created_at, updated_at
		FROM prospects WHERE id=$1
	`, prospectID))
}

func (s *PostgresStore) ListProspects(ctx context.Context, brokerID, status string) ([]Prospect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broker_id, candidate_user_id, name, email, phone, status, priority, notes,
			last_contact_date, next_follow_up_date, converted_to_client_id, created_at, updated_at
		FROM prospects
		WHERE broker_id=$1 AND ($2='' OR status=$2)
		ORDER BY updated_at DESC
	`, brokerID, status)
	if err != nil {
		return nil, fmt.Errorf("list prospects: %w", err)
	}
	defer rows.Close()

	items := make([]Prospect, 0)
	for rows.Next() {
		item, err := scanProspect(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prospects: %w", err)
	}
	return items, nil
}

// UpdateProspectStatus moves a prospect to newStatus, appending note to the
// audit log when non-empty. LOST and CONVERTED are terminal here; leaving
// CONVERTED is only possible through RevertConversion inside a rollback.
func (s *PostgresStore) UpdateProspectStatus(ctx context.Context, prospectID, newStatus, note string) (Prospect, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE prospects
		SET status=$2,
			notes=CASE WHEN $3='' THEN notes ELSE appended_note(notes, $3) END,
			last_contact_date=NOW(),
			updated_at=NOW()
		WHERE id=$1 AND status NOT IN ('LOST', 'CONVERTED')
	`, prospectID, newStatus, note)
	if err != nil {
		return Prospect{}, fmt.Errorf("update prospect status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Prospect{}, fmt.Errorf("update prospect status rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetProspect(ctx, prospectID); getErr != nil {
			return Prospect{}, getErr
		}
		return Prospect{}, ErrInvalidTransition
	}
	return s.GetProspect(ctx, prospectID)
}

func (s *PostgresStore) AppendProspectNote(ctx context.Context, prospectID, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prospects SET notes=appended_note(notes, $2), updated_at=NOW() WHERE id=$1
	`, prospectID, note)
	if err != nil {
		return fmt.Errorf("append prospect note: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProspectDetails(ctx context.Context, prospectID, priority string, nextFollowUp *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prospects SET priority=$2, next_follow_up_date=$3, updated_at=NOW() WHERE id=$1
	`, prospectID, priority, nextFollowUp)
	if err != nil {
		return fmt.Errorf("update prospect details: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProspect(ctx context.Context, prospectID, brokerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM prospects WHERE id=$1 AND broker_id=$2`, prospectID, brokerID)
	if err != nil {
		return false, fmt.Errorf("delete prospect: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete prospect rows: %w", err)
	}
	return affected > 0, nil
}

// markProspectConverted and revertProspectConversion run inside orchestrator
// transactions; they share the tx so the prospect change commits with the
// relationship change or not at all.
func markProspectConverted(ctx context.Context, tx *sql.Tx, prospectID, relationshipID string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE prospects
		SET status='CONVERTED',
			converted_to_client_id=$2,
			notes=appended_note(notes, 'Converted to client ' || $2),
			updated_at=NOW()
		WHERE id=$1 AND status <> 'LOST'
	`, prospectID, relationshipID)
	if err != nil {
		return fmt.Errorf("mark prospect converted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark prospect converted rows: %w", err)
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func revertProspectConversion(ctx context.Context, tx *sql.Tx, prospectID, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE prospects
		SET status='CONTACTED',
			converted_to_client_id=NULL,
			notes=appended_note(notes, 'Conversion reverted: ' || $2),
			updated_at=NOW()
		WHERE id=$1
	`, prospectID, reason)
	if err != nil {
		return fmt.Errorf("revert prospect conversion: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProspect(row rowScanner) (Prospect, error) {
	var item Prospect
	err := row.Scan(
		&item.ID,
		&item.BrokerID,
		&item.CandidateUserID,
		&item.Name,
		&item.Email,
		&item.Phone,
		&item.Status,
		&item.Priority,
		&item.Notes,
		&item.LastContactDate,
		&item.NextFollowUpDate,
		&item.ConvertedToClientID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Prospect{}, err
	}
	return item, nil
}
