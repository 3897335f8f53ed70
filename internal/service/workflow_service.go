package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// WorkflowService stores workflow templates. Steps are fixed at creation;
// the only later change is deactivation, which leaves in-flight requests
// untouched.
type WorkflowService struct {
	workflows repository.WorkflowStore
	log       *logger.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(workflows repository.WorkflowStore, log *logger.Logger) *WorkflowService {
	return &WorkflowService{workflows: workflows, log: log}
}

// CreateWorkflowInput is a workflow template to register.
type CreateWorkflowInput struct {
	Name       string
	EntityType string
	Conditions *rules.Condition
	Priority   int
	Steps      []StepInput
}

// StepInput is one template step.
type StepInput struct {
	StepOrder int
	Name      string
	Approvers repository.ApproverSpec
	Quorum    int
}

// Create validates and stores an active workflow.
func (s *WorkflowService) Create(ctx context.Context, actor Actor, in CreateWorkflowInput) (*repository.Workflow, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if err := validateWorkflow(in); err != nil {
		return nil, err
	}

	wf := &repository.Workflow{
		OrganizationID: actor.OrganizationID,
		Name:           in.Name,
		EntityType:     in.EntityType,
		Conditions:     in.Conditions,
		Priority:       in.Priority,
		IsActive:       true,
	}
	for _, st := range in.Steps {
		wf.Steps = append(wf.Steps, &repository.WorkflowStep{
			StepOrder: st.StepOrder,
			Name:      st.Name,
			Approvers: st.Approvers,
			Quorum:    st.Quorum,
		})
	}

	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("entity_type", wf.EntityType).
		Int("priority", wf.Priority).
		Int("steps", len(wf.Steps)).
		Str("actor", actor.UserID).
		Msg("Approval workflow registered")

	return wf, nil
}

// Get returns a workflow with its steps.
func (s *WorkflowService) Get(ctx context.Context, actor Actor, id string) (*repository.Workflow, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	wf, err := s.workflows.GetByID(ctx, actor.OrganizationID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrWorkflowNotFound
	}
	return wf, err
}

// List returns the organization's workflows, optionally only active ones of
// one entity type.
func (s *WorkflowService) List(ctx context.Context, actor Actor, entityType string) ([]*repository.Workflow, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var (
		out []*repository.Workflow
		err error
	)
	if entityType != "" {
		out, err = s.workflows.ListActive(ctx, actor.OrganizationID, entityType)
	} else {
		out, err = s.workflows.List(ctx, actor.OrganizationID)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*repository.Workflow{}
	}
	return out, nil
}

// Deactivate stops a workflow from matching new submissions.
func (s *WorkflowService) Deactivate(ctx context.Context, actor Actor, id string) error {
	if err := actor.validate(); err != nil {
		return err
	}
	err := s.workflows.SetActive(ctx, actor.OrganizationID, id, false)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrWorkflowNotFound
	}
	if err != nil {
		return err
	}
	s.log.Info().Str("workflow_id", id).Str("actor", actor.UserID).Msg("Approval workflow deactivated")
	return nil
}

func validateWorkflow(in CreateWorkflowInput) error {
	if in.Name == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if in.EntityType == "" {
		return errors.InvalidInput("entity_type", "entity type is required")
	}
	if err := rules.Validate(in.Conditions); err != nil {
		return errors.InvalidInput("conditions", err.Error())
	}
	if len(in.Steps) == 0 {
		return errors.InvalidInput("steps", "at least one step is required")
	}

	seen := make(map[int]bool, len(in.Steps))
	for i, st := range in.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if st.StepOrder < 1 {
			return errors.InvalidInput(field+".step_order", "must be at least 1")
		}
		if seen[st.StepOrder] {
			return errors.InvalidInput(field+".step_order", "duplicate step order")
		}
		seen[st.StepOrder] = true
		if st.Quorum < 0 {
			return errors.InvalidInput(field+".quorum", "must not be negative")
		}
		if err := validateApprovers(field+".approvers", st.Approvers, st.Quorum); err != nil {
			return err
		}
	}
	return nil
}

func validateApprovers(field string, spec repository.ApproverSpec, quorum int) error {
	switch spec.Kind {
	case repository.ApproversStaticUsers:
		users := normalize(spec.UserIDs)
		if len(users) == 0 {
			return errors.InvalidInput(field+".user_ids", "at least one user is required")
		}
		if quorum > len(users) {
			return errors.InvalidInput(field+".quorum", "quorum exceeds the number of listed users")
		}
	case repository.ApproversRole:
		if spec.Role == "" {
			return errors.InvalidInput(field+".role", "role is required")
		}
	case repository.ApproversComputed:
		c := spec.Computed
		if c == nil {
			return errors.InvalidInput(field+".computed", "computed source is required")
		}
		if c.Source != repository.ComputedAttribute && c.Source != repository.ComputedManagerChain {
			return errors.InvalidInput(field+".computed.source", "unknown source "+string(c.Source))
		}
		if c.Attribute == "" {
			return errors.InvalidInput(field+".computed.attribute", "attribute is required")
		}
		if c.Levels < 0 {
			return errors.InvalidInput(field+".computed.levels", "must not be negative")
		}
	default:
		return errors.InvalidInput(field+".kind", "unknown approver kind "+string(spec.Kind))
	}
	return nil
}
