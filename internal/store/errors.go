package store

import (
	"errors"
	"fmt"
)

var (
	// ErrInvitationOutstanding means a SENT or ACCEPTED invitation already
	// exists for the (broker, user) pair.
	ErrInvitationOutstanding = errors.New("invitation already outstanding for pair")

	// ErrInvalidTransition means the requested status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRelationshipNotActive means a delegation was requested under a
	// relationship that is missing or INACTIVE.
	ErrRelationshipNotActive = errors.New("client relationship not active")

	// ErrPropertyAlreadyDelegated means the property has an ACTIVE delegation
	// to a different broker.
	ErrPropertyAlreadyDelegated = errors.New("property already delegated to another broker")

	// ErrPropertyNotOwnedByClient means the property does not belong to the
	// relationship's client.
	ErrPropertyNotOwnedByClient = errors.New("property not owned by the relationship's client")
)

// IntegrityError reports a broken cross-entity invariant detected inside a
// transaction. The transaction that hit it is always aborted.
type IntegrityError struct {
	Detail string
}

func (e *IntegrityError) Error() string {
	return "integrity violation: " + e.Detail
}

func integrityErrorf(format string, args ...any) error {
	return &IntegrityError{Detail: fmt.Sprintf(format, args...)}
}
