package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// StepRepository handles approval step instances. Every mutation is guarded
// on status = 'pending' so concurrent actions on one step cannot both win.
type StepRepository struct {
	db *database.DB
}

// NewStepRepository creates a new StepRepository.
func NewStepRepository(db *database.DB) *StepRepository {
	return &StepRepository{db: db}
}

const stepColumns = `
	id, request_id, step_order, approver_id, status,
	comments, action_at, delegated_to, delegated_at, created_at`

// CreateBatch opens one pending step per approver. An approver that already
// holds a pending step on the request fails the batch with
// ErrPendingStepExists.
func (r *StepRepository) CreateBatch(ctx context.Context, steps []*ApprovalStep) error {
	query := `
		INSERT INTO approval_steps
		    (request_id, step_order, approver_id, status)
		VALUES ($1, $2, $3, $4::approval_step_status)
		RETURNING id, created_at
	`

	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)
		for _, step := range steps {
			err := conn.QueryRow(ctx, query,
				step.RequestID,
				step.StepOrder,
				step.ApproverID,
				step.Status,
			).Scan(&step.ID, &step.CreatedAt)
			if database.IsUniqueViolation(err, "uq_approval_steps_pending_approver") {
				return ErrPendingStepExists
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
			}
		}
		return nil
	})
}

// ListByRequest returns all steps of a request ordered by step order then
// creation.
func (r *StepRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	query := `SELECT` + stepColumns + `
		FROM approval_steps
		WHERE request_id = $1
		ORDER BY step_order ASC, created_at ASC, approver_id ASC
	`

	rows, err := r.db.Conn(ctx).Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	return scanSteps(rows)
}

// ListByRequests returns the steps of several requests keyed by request id.
func (r *StepRepository) ListByRequests(ctx context.Context, requestIDs []string) (map[string][]*ApprovalStep, error) {
	out := make(map[string][]*ApprovalStep, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}

	query := `SELECT` + stepColumns + `
		FROM approval_steps
		WHERE request_id = ANY($1::uuid[])
		ORDER BY request_id, step_order ASC, created_at ASC, approver_id ASC
	`

	rows, err := r.db.Conn(ctx).Query(ctx, query, requestIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	steps, err := scanSteps(rows)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		out[s.RequestID] = append(out[s.RequestID], s)
	}
	return out, nil
}

// RecordAction records the outcome of an approve or reject.
func (r *StepRepository) RecordAction(ctx context.Context, id string, status StepStatus, comments *string) (*ApprovalStep, error) {
	query := `
		UPDATE approval_steps
		SET status    = $2::approval_step_status,
		    comments  = COALESCE($3, comments),
		    action_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING` + stepColumns

	step, err := scanStep(r.db.Conn(ctx).QueryRow(ctx, query, id, status, comments))
	if err == pgx.ErrNoRows {
		return nil, ErrStepNotPending
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
	}
	return step, nil
}

// Delegate hands a pending step to another user. Status is unchanged.
func (r *StepRepository) Delegate(ctx context.Context, id, delegateTo string, comments *string) (*ApprovalStep, error) {
	query := `
		UPDATE approval_steps
		SET delegated_to = $2,
		    delegated_at = NOW(),
		    comments     = COALESCE($3, comments)
		WHERE id = $1
		  AND status = 'pending'
		RETURNING` + stepColumns

	step, err := scanStep(r.db.Conn(ctx).QueryRow(ctx, query, id, delegateTo, comments))
	if err == pgx.ErrNoRows {
		return nil, ErrStepNotPending
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to delegate approval step")
	}
	return step, nil
}

// CountByStatus counts the steps of one step order in the given status.
func (r *StepRepository) CountByStatus(ctx context.Context, requestID string, stepOrder int, status StepStatus) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM approval_steps
		WHERE request_id = $1 AND step_order = $2 AND status = $3::approval_step_status
	`

	var n int
	if err := r.db.Conn(ctx).QueryRow(ctx, query, requestID, stepOrder, status).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval steps")
	}
	return n, nil
}

// SkipPending closes the pending steps of a request. Like any closed step a
// skipped one carries an action_at.
func (r *StepRepository) SkipPending(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	query := `
		UPDATE approval_steps
		SET status    = 'skipped'::approval_step_status,
		    action_at = NOW()
		WHERE request_id = $1
		  AND status = 'pending'
		RETURNING` + stepColumns

	rows, err := r.db.Conn(ctx).Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to skip approval steps")
	}
	defer rows.Close()

	return scanSteps(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.RequestID,
		&s.StepOrder,
		&s.ApproverID,
		&s.Status,
		&s.Comments,
		&s.ActionAt,
		&s.DelegatedTo,
		&s.DelegatedAt,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanSteps(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval steps")
	}
	return steps, nil
}
