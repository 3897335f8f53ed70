package repository

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// ── Request / step status ────────────────────────────────────────────────────

// RequestStatus is the lifecycle state of an ApprovalRequest.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestApproved || s == RequestRejected || s == RequestCancelled
}

// IsValid reports whether s is a known status.
func (s RequestStatus) IsValid() bool {
	return s == RequestPending || s.IsTerminal()
}

// StepStatus is the state of one approver's action within a request.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	// StepSkipped closes a step left pending when its batch was satisfied by
	// quorum and the request moved on to the next step order.
	StepSkipped StepStatus = "skipped"
)

// IsValid reports whether s is a known step status.
func (s StepStatus) IsValid() bool {
	return s == StepPending || s == StepApproved || s == StepRejected || s == StepSkipped
}

// ── Workflow templates ───────────────────────────────────────────────────────

// ApproverKind tags the ApproverSpec union.
type ApproverKind string

const (
	ApproversStaticUsers ApproverKind = "static_users"
	ApproversRole        ApproverKind = "role"
	ApproversComputed    ApproverKind = "computed"
)

// ComputedSource selects how a computed approver set is derived from the
// entity snapshot.
type ComputedSource string

const (
	// ComputedAttribute reads user ids directly from a snapshot attribute
	// (a string or a list of strings).
	ComputedAttribute ComputedSource = "attribute"
	// ComputedManagerChain walks the manager chain of the user id held in a
	// snapshot attribute, up to Levels managers.
	ComputedManagerChain ComputedSource = "manager_chain"
)

// ApproverSpec describes who may approve a workflow step. Exactly one of
// UserIDs, Role or Computed is meaningful, selected by Kind.
type ApproverSpec struct {
	Kind     ApproverKind       `json:"kind"`
	UserIDs  []string           `json:"user_ids,omitempty"`
	Role     string             `json:"role,omitempty"`
	Computed *ComputedApprovers `json:"computed,omitempty"`
}

// ComputedApprovers configures an ApproversComputed spec.
type ComputedApprovers struct {
	Source    ComputedSource `json:"source"`
	Attribute string         `json:"attribute"`
	Levels    int            `json:"levels,omitempty"`
}

// Workflow is an organization-scoped approval template.
type Workflow struct {
	ID             string
	OrganizationID string
	Name           string
	EntityType     string
	Conditions     *rules.Condition // nil matches every entity of the type
	Priority       int              // lower = evaluated first
	IsActive       bool
	Steps          []*WorkflowStep // ordered by StepOrder
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkflowStep is one ordered stage of a workflow template.
type WorkflowStep struct {
	ID         string
	WorkflowID string
	StepOrder  int
	Name       string
	Approvers  ApproverSpec
	Quorum     int // 0 = every resolved approver
	CreatedAt  time.Time
}

// RequiredApprovals returns how many approvals satisfy the step given the
// number of resolved approvers.
func (s *WorkflowStep) RequiredApprovals(resolved int) int {
	if s.Quorum <= 0 {
		return resolved
	}
	return s.Quorum
}

// NextStep returns the first step whose order is strictly greater than
// after, or nil when none exists. Gaps in numbering are tolerated.
func (w *Workflow) NextStep(after int) *WorkflowStep {
	var next *WorkflowStep
	for _, s := range w.Steps {
		if s.StepOrder > after && (next == nil || s.StepOrder < next.StepOrder) {
			next = s
		}
	}
	return next
}

// ── Request instances ────────────────────────────────────────────────────────

// ApprovalRequest is one approval run for a submitted entity.
type ApprovalRequest struct {
	ID               string
	OrganizationID   string
	WorkflowID       string
	EntityType       string
	EntityID         string
	Status           RequestStatus
	RequestedBy      string
	Snapshot         rules.Snapshot
	CurrentStepOrder int // step order of the open batch
	CurrentQuorum    int // approvals needed to satisfy the open batch
	SubmittedAt      time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// ApprovalStep is one approver's action slot within a request step order.
type ApprovalStep struct {
	ID          string
	RequestID   string
	StepOrder   int
	ApproverID  string
	Status      StepStatus
	Comments    *string
	ActionAt    *time.Time
	DelegatedTo *string
	DelegatedAt *time.Time
	CreatedAt   time.Time
}

// CanBeActedOnBy reports whether userID may approve or reject this step.
// Once delegated, only the delegate may act.
func (s *ApprovalStep) CanBeActedOnBy(userID string) bool {
	if s.Status != StepPending {
		return false
	}
	if s.DelegatedTo != nil {
		return *s.DelegatedTo == userID
	}
	return s.ApproverID == userID
}

// ── Audit ────────────────────────────────────────────────────────────────────

// AuditAction names an audited lifecycle event.
type AuditAction string

const (
	AuditSubmitted AuditAction = "submitted"
	AuditApproved  AuditAction = "approved"
	AuditRejected  AuditAction = "rejected"
	AuditDelegated AuditAction = "delegated"
	AuditAdvanced  AuditAction = "advanced"
	AuditCompleted AuditAction = "completed"
	AuditCancelled AuditAction = "cancelled"
)

// AuditEntry is one immutable record in a request's audit log.
type AuditEntry struct {
	ID             string
	RequestID      string
	OrganizationID string
	StepID         *string
	Action         AuditAction
	PerformedBy    string
	StatusBefore   RequestStatus
	StatusAfter    RequestStatus
	Metadata       map[string]any
	PerformedAt    time.Time
}
