package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rentlink/api/internal/util"
)

func (s *PostgresStore) GetDelegation(ctx context.Context, delegationID string) (PropertyDelegation, error) {
	return scanDelegation(s.db.QueryRowContext(ctx, `
		SELECT id, relationship_id, property_id, broker_id, status, start_date, end_date
		FROM property_delegations WHERE id=$1
	`, delegationID))
}

func (s *PostgresStore) ListActiveDelegations(ctx context.Context, brokerID string) ([]PropertyDelegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relationship_id, property_id, broker_id, status, start_date, end_date
		FROM property_delegations
		WHERE broker_id=$1 AND status='ACTIVE'
		ORDER BY start_date DESC
	`, brokerID)
	if err != nil {
		return nil, fmt.Errorf("list active delegations: %w", err)
	}
	defer rows.Close()

	items := make([]PropertyDelegation, 0)
	for rows.Next() {
		item, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delegations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListRelationshipDelegations(ctx context.Context, relationshipID string) ([]PropertyDelegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relationship_id, property_id, broker_id, status, start_date, end_date
		FROM property_delegations
		WHERE relationship_id=$1
		ORDER BY start_date DESC
	`, relationshipID)
	if err != nil {
		return nil, fmt.Errorf("list relationship delegations: %w", err)
	}
	defer rows.Close()

	items := make([]PropertyDelegation, 0)
	for rows.Next() {
		item, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delegations: %w", err)
	}
	return items, nil
}

// delegateProperty creates an ACTIVE delegation for a property under the
// given relationship and points the property's assigned_broker_id at the
// broker. Re-delegating to the same broker returns the existing row; an
// ACTIVE delegation to a different broker is a conflict.
func delegateProperty(ctx context.Context, tx *sql.Tx, rel ClientRelationship, propertyID string) (PropertyDelegation, error) {
	existing, err := scanDelegation(tx.QueryRowContext(ctx, `
		SELECT id, relationship_id, property_id, broker_id, status, start_date, end_date
		FROM property_delegations
		WHERE property_id=$1 AND status='ACTIVE'
		FOR UPDATE
	`, propertyID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return PropertyDelegation{}, fmt.Errorf("lookup active delegation: %w", err)
	}
	if err == nil {
		if existing.BrokerID == rel.BrokerID {
			return existing, nil
		}
		return PropertyDelegation{}, ErrPropertyAlreadyDelegated
	}

	delegation := PropertyDelegation{
		ID:             util.NewID("del"),
		RelationshipID: rel.ID,
		PropertyID:     propertyID,
		BrokerID:       rel.BrokerID,
		Status:         StatusActive,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO property_delegations (id, relationship_id, property_id, broker_id, status)
		VALUES ($1, $2, $3, $4, 'ACTIVE')
		RETURNING start_date
	`, delegation.ID, delegation.RelationshipID, delegation.PropertyID, delegation.BrokerID).Scan(&delegation.StartDate); err != nil {
		return PropertyDelegation{}, fmt.Errorf("insert delegation: %w", err)
	}

	if err := setAssignedBroker(ctx, tx, propertyID, &rel.BrokerID); err != nil {
		return PropertyDelegation{}, err
	}
	return delegation, nil
}

// endDelegation sets a delegation INACTIVE and clears the property's
// assigned broker. The assigned_broker_id must match the delegation's broker;
// a mismatch means the denormalized field diverged from the delegation rows.
func endDelegation(ctx context.Context, tx *sql.Tx, delegation PropertyDelegation) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE property_delegations SET status='INACTIVE', end_date=NOW()
		WHERE id=$1 AND status='ACTIVE'
	`, delegation.ID)
	if err != nil {
		return fmt.Errorf("end delegation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("end delegation rows: %w", err)
	}
	if affected == 0 {
		return ErrInvalidTransition
	}

	var assigned *string
	if err := tx.QueryRowContext(ctx, `
		SELECT assigned_broker_id FROM properties WHERE id=$1 FOR UPDATE
	`, delegation.PropertyID).Scan(&assigned); err != nil {
		return fmt.Errorf("read assigned broker: %w", err)
	}
	if assigned == nil || *assigned != delegation.BrokerID {
		got := "<null>"
		if assigned != nil {
			got = *assigned
		}
		return integrityErrorf("property %s assigned_broker_id=%s, expected %s", delegation.PropertyID, got, delegation.BrokerID)
	}
	return setAssignedBroker(ctx, tx, delegation.PropertyID, nil)
}

// endRelationshipDelegations cascades over every ACTIVE delegation under a
// relationship, returning the affected delegations.
func endRelationshipDelegations(ctx context.Context, tx *sql.Tx, relationshipID string) ([]PropertyDelegation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, relationship_id, property_id, broker_id, status, start_date, end_date
		FROM property_delegations
		WHERE relationship_id=$1 AND status='ACTIVE'
		ORDER BY start_date ASC
		FOR UPDATE
	`, relationshipID)
	if err != nil {
		return nil, fmt.Errorf("lock relationship delegations: %w", err)
	}
	items := make([]PropertyDelegation, 0)
	for rows.Next() {
		item, err := scanDelegation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate relationship delegations: %w", err)
	}
	rows.Close()

	for i := range items {
		if err := endDelegation(ctx, tx, items[i]); err != nil {
			return nil, err
		}
		items[i].Status = StatusInactive
	}
	return items, nil
}

func setAssignedBroker(ctx context.Context, tx *sql.Tx, propertyID string, brokerID *string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE properties SET assigned_broker_id=$2, updated_at=NOW() WHERE id=$1
	`, propertyID, brokerID)
	if err != nil {
		return fmt.Errorf("set assigned broker: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set assigned broker rows: %w", err)
	}
	if affected == 0 {
		return integrityErrorf("property %s missing while updating assigned broker", propertyID)
	}
	return nil
}

func scanDelegation(row rowScanner) (PropertyDelegation, error) {
	var item PropertyDelegation
	err := row.Scan(
		&item.ID,
		&item.RelationshipID,
		&item.PropertyID,
		&item.BrokerID,
		&item.Status,
		&item.StartDate,
		&item.EndDate,
	)
	if err != nil {
		return PropertyDelegation{}, err
	}
	return item, nil
}
