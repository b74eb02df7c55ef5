// Package notify emits the workflow's domain events to the notification
// collaborator. Delivery is best-effort: a failed publish is logged by the
// caller and never rolls back the transaction that produced the event.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventInvitationSent         EventType = "InvitationSent"
	EventInvitationAccepted     EventType = "InvitationAccepted"
	EventInvitationRejected     EventType = "InvitationRejected"
	EventInvitationCancelled    EventType = "InvitationCancelled"
	EventPropertyDelegated      EventType = "PropertyDelegated"
	EventPropertyUndelegated    EventType = "PropertyUndelegated"
	EventRelationshipTerminated EventType = "RelationshipTerminated"
)

// Event carries the ids a subscriber needs to react to a workflow change.
// The scheduling collaborator, for example, watches PropertyUndelegated to
// deal with visits booked through the departing broker.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	OccurredAt     time.Time `json:"occurredAt"`
	BrokerID       string    `json:"brokerId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	InvitationID   string    `json:"invitationId,omitempty"`
	RelationshipID string    `json:"relationshipId,omitempty"`
	DelegationID   string    `json:"delegationId,omitempty"`
	PropertyID     string    `json:"propertyId,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// NewEvent stamps an event with an id and timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
	}
}

// Notifier publishes events to the notification collaborator.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// Nop is used when no event transport is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
