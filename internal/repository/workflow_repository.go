package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// WorkflowRepository handles approval_workflows and their template steps.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const workflowColumns = `
	id, organization_id, name, entity_type, conditions,
	priority, is_active, created_at, updated_at`

// Create inserts a workflow and its steps in one transaction.
func (r *WorkflowRepository) Create(ctx context.Context, wf *Workflow) error {
	var conditionsJSON []byte
	if wf.Conditions != nil {
		var err error
		conditionsJSON, err = json.Marshal(wf.Conditions)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow conditions")
		}
	}

	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)

		wfQuery := `
			INSERT INTO approval_workflows
			    (organization_id, name, entity_type, conditions, priority, is_active)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`
		err := conn.QueryRow(ctx, wfQuery,
			wf.OrganizationID,
			wf.Name,
			wf.EntityType,
			conditionsJSON,
			wf.Priority,
			wf.IsActive,
		).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
		}

		stepQuery := `
			INSERT INTO approval_workflow_steps
			    (workflow_id, step_order, name, approver_spec, quorum)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at
		`
		for _, step := range wf.Steps {
			step.WorkflowID = wf.ID
			specJSON, err := json.Marshal(step.Approvers)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approver spec")
			}
			err = conn.QueryRow(ctx, stepQuery,
				step.WorkflowID,
				step.StepOrder,
				step.Name,
				specJSON,
				step.Quorum,
			).Scan(&step.ID, &step.CreatedAt)
			if database.IsUniqueViolation(err, "uq_approval_workflow_steps_order") {
				return ErrDuplicateStepOrders
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
			}
		}
		return nil
	})
}

// GetByID retrieves a workflow with its steps.
func (r *WorkflowRepository) GetByID(ctx context.Context, orgID, id string) (*Workflow, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	query := `SELECT` + workflowColumns + `
		FROM approval_workflows
		WHERE id = $1 AND organization_id = $2
	`

	wf, err := scanWorkflow(r.db.Conn(ctx).QueryRow(ctx, query, id, orgID))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval workflow")
	}

	if err := r.attachSteps(ctx, []*Workflow{wf}); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListActive returns the active workflows for an entity type with steps
// attached, in priority order.
func (r *WorkflowRepository) ListActive(ctx context.Context, orgID, entityType string) ([]*Workflow, error) {
	query := `SELECT` + workflowColumns + `
		FROM approval_workflows
		WHERE organization_id = $1 AND entity_type = $2 AND is_active
		ORDER BY priority ASC, created_at ASC, id ASC
	`
	return r.list(ctx, query, orgID, entityType)
}

// List returns every workflow of an organization.
func (r *WorkflowRepository) List(ctx context.Context, orgID string) ([]*Workflow, error) {
	query := `SELECT` + workflowColumns + `
		FROM approval_workflows
		WHERE organization_id = $1
		ORDER BY entity_type ASC, priority ASC, created_at ASC, id ASC
	`
	return r.list(ctx, query, orgID)
}

// SetActive toggles a workflow. In-flight requests are unaffected.
func (r *WorkflowRepository) SetActive(ctx context.Context, orgID, id string, active bool) error {
	if !validID(id) {
		return ErrNotFound
	}
	query := `
		UPDATE approval_workflows
		SET is_active  = $3,
		    updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
	`

	tag, err := r.db.Conn(ctx).Exec(ctx, query, id, orgID, active)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval workflow")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *WorkflowRepository) list(ctx context.Context, query string, args ...any) ([]*Workflow, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval workflow")
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval workflows")
	}

	if err := r.attachSteps(ctx, workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// attachSteps loads the template steps of every workflow in one query.
func (r *WorkflowRepository) attachSteps(ctx context.Context, workflows []*Workflow) error {
	if len(workflows) == 0 {
		return nil
	}
	ids := make([]string, len(workflows))
	byID := make(map[string]*Workflow, len(workflows))
	for i, wf := range workflows {
		ids[i] = wf.ID
		byID[wf.ID] = wf
	}

	query := `
		SELECT id, workflow_id, step_order, name, approver_spec, quorum, created_at
		FROM approval_workflow_steps
		WHERE workflow_id = ANY($1::uuid[])
		ORDER BY workflow_id, step_order ASC
	`
	rows, err := r.db.Conn(ctx).Query(ctx, query, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow steps")
	}
	defer rows.Close()

	for rows.Next() {
		s := &WorkflowStep{}
		var specJSON []byte
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.StepOrder, &s.Name, &specJSON, &s.Quorum, &s.CreatedAt); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		if err := json.Unmarshal(specJSON, &s.Approvers); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode approver spec")
		}
		if wf := byID[s.WorkflowID]; wf != nil {
			wf.Steps = append(wf.Steps, s)
		}
	}
	return rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var conditionsJSON []byte
	err := row.Scan(
		&wf.ID,
		&wf.OrganizationID,
		&wf.Name,
		&wf.EntityType,
		&conditionsJSON,
		&wf.Priority,
		&wf.IsActive,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(conditionsJSON) > 0 && string(conditionsJSON) != "null" {
		wf.Conditions = &rules.Condition{}
		if err := json.Unmarshal(conditionsJSON, wf.Conditions); err != nil {
			return nil, err
		}
	}
	return wf, nil
}
