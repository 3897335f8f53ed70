package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// Actor is the session identity of the caller, supplied by the transport.
type Actor struct {
	UserID         string
	OrganizationID string
}

func (a Actor) validate() error {
	if a.UserID == "" || a.OrganizationID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "missing user or organization in session")
	}
	return nil
}

// Authorizer is the identity service's permission check. It is consulted at
// action time, so a revoked permission blocks an existing step.
type Authorizer interface {
	Authorize(ctx context.Context, userID, organizationID, entityType string) (bool, error)
}

// Directory answers identity queries used to resolve approvers.
type Directory interface {
	// UsersWithRole returns the current holders of role in the organization.
	UsersWithRole(ctx context.Context, organizationID, role string) ([]string, error)
	// ManagerChain returns up to levels managers above userID, nearest first.
	ManagerChain(ctx context.Context, organizationID, userID string, levels int) ([]string, error)
	UserExists(ctx context.Context, organizationID, userID string) (bool, error)
}

// EventType names a lifecycle notification.
type EventType string

const (
	EventApprovalRequired EventType = "approval_required"
	EventRequestApproved  EventType = "request_approved"
	EventRequestRejected  EventType = "request_rejected"
	EventRequestCancelled EventType = "request_cancelled"
	EventStepDelegated    EventType = "step_delegated"
)

// Event is one notification emitted after a transition commits.
type Event struct {
	Type           EventType
	OrganizationID string
	RequestID      string
	WorkflowID     string
	EntityType     string
	EntityID       string
	ActorID        string
	Recipients     []string
	StepOrder      int
	Status         repository.RequestStatus
	Comments       string
}

// Notifier delivers lifecycle events. Delivery failures are logged and never
// undo a committed transition.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
