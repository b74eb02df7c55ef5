package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rentlink/api/internal/util"
)

func (s *PostgresStore) GetRelationship(ctx context.Context, relationshipID string) (ClientRelationship, error) {
	return scanRelationship(s.db.QueryRowContext(ctx, `
		SELECT id, broker_id, user_id, status, created_at, deactivated_at, deactivated_reason
		FROM client_relationships WHERE id=$1
	`, relationshipID))
}

// GetActiveRelationship returns the single ACTIVE relationship for the pair,
// or sql.ErrNoRows when none exists.
func (s *PostgresStore) GetActiveRelationship(ctx context.Context, brokerID, userID string) (ClientRelationship, error) {
	return scanRelationship(s.db.QueryRowContext(ctx, `
		SELECT id, broker_id, user_id, status, created_at, deactivated_at, deactivated_reason
		FROM client_relationships
		WHERE broker_id=$1 AND user_id=$2 AND status='ACTIVE'
	`, brokerID, userID))
}

// ListClients returns the broker's relationships with client details and the
// number of properties currently delegated under each. The count comes from
// property_delegations every time; it is never cached on the relationship.
func (s *PostgresStore) ListClients(ctx context.Context, brokerID string) ([]ClientSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cr.id, cr.broker_id, cr.user_id, cr.status, cr.created_at, cr.deactivated_at, cr.deactivated_reason,
			u.name, u.email,
			(SELECT COUNT(*) FROM property_delegations pd WHERE pd.relationship_id=cr.id AND pd.status='ACTIVE')
		FROM client_relationships cr
		JOIN users u ON u.id = cr.user_id
		WHERE cr.broker_id=$1
		ORDER BY cr.created_at DESC
	`, brokerID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	items := make([]ClientSummary, 0)
	for rows.Next() {
		var item ClientSummary
		if err := rows.Scan(
			&item.Relationship.ID,
			&item.Relationship.BrokerID,
			&item.Relationship.UserID,
			&item.Relationship.Status,
			&item.Relationship.CreatedAt,
			&item.Relationship.DeactivatedAt,
			&item.Relationship.DeactivatedReason,
			&item.ClientName,
			&item.ClientEmail,
			&item.ManagedProperties,
		); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return items, nil
}

// activateRelationship inserts an ACTIVE relationship for the pair, or
// returns the existing one. The ON CONFLICT clause rides the partial unique
// index, so two concurrent activations can never both insert.
func activateRelationship(ctx context.Context, tx *sql.Tx, brokerID, userID string) (ClientRelationship, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO client_relationships (id, broker_id, user_id, status)
		VALUES ($1, $2, $3, 'ACTIVE')
		ON CONFLICT (broker_id, user_id) WHERE status='ACTIVE' DO NOTHING
	`, util.NewID("rel"), brokerID, userID)
	if err != nil {
		return ClientRelationship{}, fmt.Errorf("activate relationship: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM client_relationships WHERE broker_id=$1 AND user_id=$2 AND status='ACTIVE'
	`, brokerID, userID).Scan(&count); err != nil {
		return ClientRelationship{}, fmt.Errorf("count active relationships: %w", err)
	}
	if count > 1 {
		return ClientRelationship{}, integrityErrorf("%d ACTIVE relationships for broker %s user %s", count, brokerID, userID)
	}

	rel, err := scanRelationship(tx.QueryRowContext(ctx, `
		SELECT id, broker_id, user_id, status, created_at, deactivated_at, deactivated_reason
		FROM client_relationships
		WHERE broker_id=$1 AND user_id=$2 AND status='ACTIVE'
		FOR UPDATE
	`, brokerID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ClientRelationship{}, integrityErrorf("relationship vanished after activation for broker %s user %s", brokerID, userID)
	}
	return rel, err
}

// lockRelationship loads a relationship row under FOR UPDATE so concurrent
// operations on the same pair serialize for the rest of the transaction.
func lockRelationship(ctx context.Context, tx *sql.Tx, relationshipID string) (ClientRelationship, error) {
	return scanRelationship(tx.QueryRowContext(ctx, `
		SELECT id, broker_id, user_id, status, created_at, deactivated_at, deactivated_reason
		FROM client_relationships WHERE id=$1
		FOR UPDATE
	`, relationshipID))
}

func deactivateRelationship(ctx context.Context, tx *sql.Tx, relationshipID, reason string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE client_relationships SET status='INACTIVE', deactivated_at=NOW(), deactivated_reason=NULLIF($2, '')
		WHERE id=$1 AND status='ACTIVE'
	`, relationshipID, reason)
	if err != nil {
		return fmt.Errorf("deactivate relationship: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate relationship rows: %w", err)
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func scanRelationship(row rowScanner) (ClientRelationship, error) {
	var item ClientRelationship
	err := row.Scan(
		&item.ID,
		&item.BrokerID,
		&item.UserID,
		&item.Status,
		&item.CreatedAt,
		&item.DeactivatedAt,
		&item.DeactivatedReason,
	)
	if err != nil {
		return ClientRelationship{}, err
	}
	return item, nil
}
