package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// RequestRepository manages approval request instances.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = `
	r.id, r.organization_id, r.workflow_id, r.entity_type, r.entity_id,
	r.status, r.requested_by, r.snapshot,
	r.current_step_order, r.current_quorum,
	r.submitted_at, r.completed_at, r.updated_at`

// Create inserts a pending request. A second pending request for the same
// entity fails with ErrOpenRequestExists.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	snapshotJSON, err := json.Marshal(req.Snapshot)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to marshal entity snapshot")
	}

	query := `
		INSERT INTO approval_requests
		    (organization_id, workflow_id, entity_type, entity_id,
		     status, requested_by, snapshot,
		     current_step_order, current_quorum)
		VALUES ($1, $2, $3, $4,
		        $5::approval_request_status, $6, $7,
		        $8, $9)
		RETURNING id, submitted_at, updated_at
	`

	err = r.db.Conn(ctx).QueryRow(ctx, query,
		req.OrganizationID,
		req.WorkflowID,
		req.EntityType,
		req.EntityID,
		req.Status,
		req.RequestedBy,
		snapshotJSON,
		req.CurrentStepOrder,
		req.CurrentQuorum,
	).Scan(&req.ID, &req.SubmittedAt, &req.UpdatedAt)
	if database.IsUniqueViolation(err, "uq_approval_requests_open") {
		return ErrOpenRequestExists
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request scoped to an organization.
func (r *RequestRepository) GetByID(ctx context.Context, orgID, id string) (*ApprovalRequest, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	query := `SELECT` + requestColumns + `
		FROM approval_requests r
		WHERE r.id = $1 AND r.organization_id = $2
	`
	return r.getOne(ctx, query, id, orgID)
}

// GetForUpdate retrieves a request and holds a row lock on it for the rest
// of the surrounding transaction.
func (r *RequestRepository) GetForUpdate(ctx context.Context, orgID, id string) (*ApprovalRequest, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	query := `SELECT` + requestColumns + `
		FROM approval_requests r
		WHERE r.id = $1 AND r.organization_id = $2
		FOR UPDATE
	`
	return r.getOne(ctx, query, id, orgID)
}

// Update persists the mutable request fields.
func (r *RequestRepository) Update(ctx context.Context, req *ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET status             = $2::approval_request_status,
		    current_step_order = $3,
		    current_quorum     = $4,
		    completed_at       = $5,
		    updated_at         = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.Conn(ctx).QueryRow(ctx, query,
		req.ID,
		req.Status,
		req.CurrentStepOrder,
		req.CurrentQuorum,
		req.CompletedAt,
	).Scan(&req.UpdatedAt)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	return nil
}

// ListByEntity returns the entity's requests newest first.
func (r *RequestRepository) ListByEntity(ctx context.Context, orgID, entityType, entityID string) ([]*ApprovalRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests r
		WHERE r.organization_id = $1 AND r.entity_type = $2 AND r.entity_id = $3
		ORDER BY r.submitted_at DESC, r.id DESC
	`
	return r.list(ctx, query, orgID, entityType, entityID)
}

// ListForApprover returns requests where userID holds a step in stepStatus,
// either as the undelegated approver or as the delegate.
func (r *RequestRepository) ListForApprover(ctx context.Context, orgID, userID string, stepStatus StepStatus) ([]*ApprovalRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests r
		WHERE r.organization_id = $1
		  AND ($3::approval_step_status <> 'pending' OR r.status = 'pending')
		  AND EXISTS (
		      SELECT 1
		      FROM approval_steps s
		      WHERE s.request_id = r.id
		        AND s.status = $3::approval_step_status
		        AND ((s.approver_id = $2 AND s.delegated_to IS NULL) OR s.delegated_to = $2)
		  )
		ORDER BY r.submitted_at ASC, r.id ASC
	`
	return r.list(ctx, query, orgID, userID, stepStatus)
}

func (r *RequestRepository) getOne(ctx context.Context, query string, args ...any) (*ApprovalRequest, error) {
	req, err := scanRequest(r.db.Conn(ctx).QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

func (r *RequestRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	return requests, nil
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var snapshotJSON []byte
	err := row.Scan(
		&req.ID,
		&req.OrganizationID,
		&req.WorkflowID,
		&req.EntityType,
		&req.EntityID,
		&req.Status,
		&req.RequestedBy,
		&snapshotJSON,
		&req.CurrentStepOrder,
		&req.CurrentQuorum,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(snapshotJSON) > 0 {
		snap, err := rules.DecodeSnapshot(snapshotJSON)
		if err != nil {
			return nil, err
		}
		req.Snapshot = snap
	}
	return req, nil
}
