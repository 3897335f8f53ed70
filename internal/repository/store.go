package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// Errors shared by every store implementation. Callers match them with
// errors.Is.
var (
	ErrNotFound            = errors.New(errors.ErrCodeNotFound, "record not found")
	ErrStepNotPending      = errors.New(errors.ErrCodeConflict, "approval step is no longer pending")
	ErrOpenRequestExists   = errors.New(errors.ErrCodeAlreadyExists, "a pending approval request already exists for this entity")
	ErrPendingStepExists   = errors.New(errors.ErrCodeConflict, "approver already has a pending step on this request")
	ErrDuplicateStepOrders = errors.New(errors.ErrCodeInvalidInput, "workflow step orders must be unique")
)

// validID reports whether id can name a row. Postgres ids are UUIDs, so
// anything else cannot exist and is reported as ErrNotFound.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Transactor runs fn in a transaction carried by the context passed to fn.
// Returning an error from fn rolls back every write made through that
// context.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// WorkflowStore persists workflow templates and their steps.
type WorkflowStore interface {
	Create(ctx context.Context, wf *Workflow) error
	GetByID(ctx context.Context, orgID, id string) (*Workflow, error)
	ListActive(ctx context.Context, orgID, entityType string) ([]*Workflow, error)
	List(ctx context.Context, orgID string) ([]*Workflow, error)
	SetActive(ctx context.Context, orgID, id string, active bool) error
}

// RequestStore persists approval requests.
type RequestStore interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	GetByID(ctx context.Context, orgID, id string) (*ApprovalRequest, error)
	// GetForUpdate loads the request and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, orgID, id string) (*ApprovalRequest, error)
	Update(ctx context.Context, req *ApprovalRequest) error
	// ListByEntity returns every request for the entity, newest first.
	ListByEntity(ctx context.Context, orgID, entityType, entityID string) ([]*ApprovalRequest, error)
	// ListForApprover returns requests holding a step in stepStatus where
	// userID is the approver (undelegated) or the delegate. For StepPending
	// only pending requests are returned. Oldest first.
	ListForApprover(ctx context.Context, orgID, userID string, stepStatus StepStatus) ([]*ApprovalRequest, error)
}

// StepStore persists request step instances.
type StepStore interface {
	CreateBatch(ctx context.Context, steps []*ApprovalStep) error
	// ListByRequest returns steps ordered by step order then creation.
	ListByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error)
	ListByRequests(ctx context.Context, requestIDs []string) (map[string][]*ApprovalStep, error)
	// RecordAction moves a pending step to status. Returns ErrStepNotPending
	// when the step was acted on concurrently.
	RecordAction(ctx context.Context, id string, status StepStatus, comments *string) (*ApprovalStep, error)
	// Delegate sets delegatedTo on a pending step without changing its status.
	Delegate(ctx context.Context, id, delegateTo string, comments *string) (*ApprovalStep, error)
	CountByStatus(ctx context.Context, requestID string, stepOrder int, status StepStatus) (int, error)
	// SkipPending closes every pending step of a request and returns the
	// closed steps.
	SkipPending(ctx context.Context, requestID string) ([]*ApprovalStep, error)
}

// AuditStore appends and reads immutable audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error)
}

// Store bundles the repositories with the transactor they share.
type Store struct {
	Tx        Transactor
	Workflows WorkflowStore
	Requests  RequestStore
	Steps     StepStore
	Audit     AuditStore
}

// NewPostgresStore builds a Store backed by PostgreSQL.
func NewPostgresStore(db *database.DB) Store {
	return Store{
		Tx:        db,
		Workflows: NewWorkflowRepository(db),
		Requests:  NewRequestRepository(db),
		Steps:     NewStepRepository(db),
		Audit:     NewAuditRepository(db),
	}
}
