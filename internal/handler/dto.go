package handler

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ── Requests ─────────────────────────────────────────────────────────────────

type submitRequest struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Snapshot   rules.Snapshot `json:"snapshot"`
}

type actionRequest struct {
	Comments *string `json:"comments,omitempty"`
}

type delegateRequest struct {
	DelegateUserID string  `json:"delegate_user_id"`
	Comments       *string `json:"comments,omitempty"`
}

type createWorkflowRequest struct {
	Name       string             `json:"name"`
	EntityType string             `json:"entity_type"`
	Conditions *rules.Condition   `json:"conditions,omitempty"`
	Priority   int                `json:"priority"`
	Steps      []workflowStepBody `json:"steps"`
}

type workflowStepBody struct {
	StepOrder int                     `json:"step_order"`
	Name      string                  `json:"name,omitempty"`
	Approvers repository.ApproverSpec `json:"approvers"`
	Quorum    int                     `json:"quorum"`
}

func (r createWorkflowRequest) input() service.CreateWorkflowInput {
	in := service.CreateWorkflowInput{
		Name:       r.Name,
		EntityType: r.EntityType,
		Conditions: r.Conditions,
		Priority:   r.Priority,
	}
	for _, st := range r.Steps {
		in.Steps = append(in.Steps, service.StepInput{
			StepOrder: st.StepOrder,
			Name:      st.Name,
			Approvers: st.Approvers,
			Quorum:    st.Quorum,
		})
	}
	return in
}

// ── Responses ────────────────────────────────────────────────────────────────

type submitResponse struct {
	RequestID     string `json:"request_id"`
	WorkflowID    string `json:"workflow_id"`
	Status        string `json:"status"`
	StepOrder     int    `json:"step_order"`
	ApproverCount int    `json:"approver_count"`
}

func toSubmitResponse(r *service.SubmitResult) submitResponse {
	return submitResponse{
		RequestID:     r.RequestID,
		WorkflowID:    r.WorkflowID,
		Status:        string(r.Status),
		StepOrder:     r.StepOrder,
		ApproverCount: r.ApproverCount,
	}
}

type actionResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	StepOrder int    `json:"step_order"`
}

func toActionResponse(r *service.ActionResult) actionResponse {
	return actionResponse{RequestID: r.RequestID, Status: string(r.Status), StepOrder: r.StepOrder}
}

type requestView struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	Status           string         `json:"status"`
	RequestedBy      string         `json:"requested_by"`
	Snapshot         rules.Snapshot `json:"snapshot"`
	CurrentStepOrder int            `json:"current_step_order"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Steps            []stepView     `json:"steps,omitempty"`
}

type stepView struct {
	ID          string     `json:"id"`
	StepOrder   int        `json:"step_order"`
	ApproverID  string     `json:"approver_id"`
	Status      string     `json:"status"`
	Comments    *string    `json:"comments,omitempty"`
	ActionAt    *time.Time `json:"action_at,omitempty"`
	DelegatedTo *string    `json:"delegated_to,omitempty"`
	DelegatedAt *time.Time `json:"delegated_at,omitempty"`
}

func toRequestView(r *repository.ApprovalRequest, steps []*repository.ApprovalStep) requestView {
	v := requestView{
		ID:               r.ID,
		WorkflowID:       r.WorkflowID,
		EntityType:       r.EntityType,
		EntityID:         r.EntityID,
		Status:           string(r.Status),
		RequestedBy:      r.RequestedBy,
		Snapshot:         r.Snapshot,
		CurrentStepOrder: r.CurrentStepOrder,
		SubmittedAt:      r.SubmittedAt,
		CompletedAt:      r.CompletedAt,
	}
	for _, s := range steps {
		v.Steps = append(v.Steps, stepView{
			ID:          s.ID,
			StepOrder:   s.StepOrder,
			ApproverID:  s.ApproverID,
			Status:      string(s.Status),
			Comments:    s.Comments,
			ActionAt:    s.ActionAt,
			DelegatedTo: s.DelegatedTo,
			DelegatedAt: s.DelegatedAt,
		})
	}
	return v
}

func toDetailViews(details []*service.RequestDetail) []requestView {
	out := make([]requestView, len(details))
	for i, d := range details {
		out[i] = toRequestView(d.Request, d.Steps)
	}
	return out
}

func toHistoryViews(requests []*repository.ApprovalRequest) []requestView {
	out := make([]requestView, len(requests))
	for i, r := range requests {
		out[i] = toRequestView(r, nil)
	}
	return out
}

type auditView struct {
	ID           string         `json:"id"`
	StepID       *string        `json:"step_id,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	StatusBefore string         `json:"status_before,omitempty"`
	StatusAfter  string         `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PerformedAt  time.Time      `json:"performed_at"`
}

func toAuditViews(entries []*repository.AuditEntry) []auditView {
	out := make([]auditView, len(entries))
	for i, e := range entries {
		out[i] = auditView{
			ID:           e.ID,
			StepID:       e.StepID,
			Action:       string(e.Action),
			PerformedBy:  e.PerformedBy,
			StatusBefore: string(e.StatusBefore),
			StatusAfter:  string(e.StatusAfter),
			Metadata:     e.Metadata,
			PerformedAt:  e.PerformedAt,
		}
	}
	return out
}

type workflowView struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	EntityType string             `json:"entity_type"`
	Conditions *rules.Condition   `json:"conditions,omitempty"`
	Priority   int                `json:"priority"`
	IsActive   bool               `json:"is_active"`
	Steps      []workflowStepBody `json:"steps"`
	CreatedAt  time.Time          `json:"created_at"`
}

func toWorkflowView(wf *repository.Workflow) workflowView {
	v := workflowView{
		ID:         wf.ID,
		Name:       wf.Name,
		EntityType: wf.EntityType,
		Conditions: wf.Conditions,
		Priority:   wf.Priority,
		IsActive:   wf.IsActive,
		Steps:      make([]workflowStepBody, 0, len(wf.Steps)),
		CreatedAt:  wf.CreatedAt,
	}
	for _, st := range wf.Steps {
		v.Steps = append(v.Steps, workflowStepBody{
			StepOrder: st.StepOrder,
			Name:      st.Name,
			Approvers: st.Approvers,
			Quorum:    st.Quorum,
		})
	}
	return v
}
