package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// ApprovalService drives approval requests through submit, approve, reject,
// delegate and cancel. Every call runs in one store transaction with the
// request row locked; notifications go out only after commit.
type ApprovalService struct {
	store      repository.Store
	matcher    *WorkflowMatcher
	resolver   *ApproverResolver
	authorizer Authorizer
	directory  Directory
	notifier   Notifier
	metrics    *Metrics
	log        *logger.Logger
	now        func() time.Time
}

// NewApprovalService creates a new ApprovalService. A nil notifier discards
// events and nil metrics record nothing.
func NewApprovalService(
	store repository.Store,
	authorizer Authorizer,
	directory Directory,
	notifier Notifier,
	metrics *Metrics,
	log *logger.Logger,
) *ApprovalService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ApprovalService{
		store:      store,
		matcher:    NewWorkflowMatcher(store.Workflows),
		resolver:   NewApproverResolver(directory),
		authorizer: authorizer,
		directory:  directory,
		notifier:   notifier,
		metrics:    metrics,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SubmitInput describes the entity being submitted for approval.
type SubmitInput struct {
	EntityType string
	EntityID   string
	Snapshot   rules.Snapshot
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	RequestID     string
	WorkflowID    string
	Status        repository.RequestStatus
	StepOrder     int
	ApproverCount int
}

// ActionResult is returned by the request actions.
type ActionResult struct {
	RequestID string
	Status    repository.RequestStatus
	StepOrder int
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit matches a workflow for the entity, creates a pending request and
// opens the first batch of approval steps.
func (s *ApprovalService) Submit(ctx context.Context, actor Actor, in SubmitInput) (*SubmitResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if in.EntityType == "" {
		return nil, errors.InvalidInput("entity_type", "entity type is required")
	}
	if in.EntityID == "" {
		return nil, errors.InvalidInput("entity_id", "entity id is required")
	}
	snapshot := in.Snapshot
	if snapshot == nil {
		snapshot = rules.Snapshot{}
	}

	var (
		req       *repository.ApprovalRequest
		approvers []string
	)
	err := s.store.Tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.ensureNoOpenRequest(ctx, actor.OrganizationID, in.EntityType, in.EntityID); err != nil {
			return err
		}

		wf, err := s.matcher.FindMatchingWorkflow(ctx, actor.OrganizationID, in.EntityType, snapshot)
		if err != nil {
			return err
		}
		first := wf.NextStep(0)
		if first == nil {
			return fmt.Errorf("workflow %s: %w", wf.ID, ErrWorkflowHasNoSteps)
		}

		var quorum int
		approvers, quorum, err = s.resolveBatch(ctx, actor.OrganizationID, first, snapshot)
		if err != nil {
			return err
		}

		req = &repository.ApprovalRequest{
			OrganizationID:   actor.OrganizationID,
			WorkflowID:       wf.ID,
			EntityType:       in.EntityType,
			EntityID:         in.EntityID,
			Status:           repository.RequestPending,
			RequestedBy:      actor.UserID,
			Snapshot:         snapshot,
			CurrentStepOrder: first.StepOrder,
			CurrentQuorum:    quorum,
		}
		if err := s.store.Requests.Create(ctx, req); err != nil {
			if errors.Is(err, repository.ErrOpenRequestExists) {
				return ErrDuplicateRequest
			}
			return err
		}
		if err := s.openBatch(ctx, req, first.StepOrder, approvers); err != nil {
			return err
		}

		return s.appendAudit(ctx, req, nil, repository.AuditSubmitted, actor.UserID, "", map[string]any{
			"workflow_id": wf.ID,
			"step_order":  first.StepOrder,
			"approvers":   approvers,
			"quorum":      quorum,
		})
	})
	s.metrics.submission(in.EntityType, err)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("workflow_id", req.WorkflowID).
		Str("entity_type", req.EntityType).
		Str("entity_id", req.EntityID).
		Int("approvers", len(approvers)).
		Msg("Approval request submitted")

	s.publish(ctx, []Event{s.approvalRequired(req, actor.UserID, approvers)})

	return &SubmitResult{
		RequestID:     req.ID,
		WorkflowID:    req.WorkflowID,
		Status:        req.Status,
		StepOrder:     req.CurrentStepOrder,
		ApproverCount: len(approvers),
	}, nil
}

// ensureNoOpenRequest reports a duplicate before any approver lookups. The
// partial unique index on approval_requests remains the real guard.
func (s *ApprovalService) ensureNoOpenRequest(ctx context.Context, orgID, entityType, entityID string) error {
	existing, err := s.store.Requests.ListByEntity(ctx, orgID, entityType, entityID)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Status == repository.RequestPending {
			return ErrDuplicateRequest
		}
	}
	return nil
}

// ── Approve / Reject ──────────────────────────────────────────────────────────

// Approve records the actor's approval. When the open batch reaches its
// quorum the request either advances to the next step order or completes.
func (s *ApprovalService) Approve(ctx context.Context, actor Actor, requestID string, comments *string) (*ActionResult, error) {
	res, err := s.decide(ctx, actor, requestID, comments, repository.StepApproved)
	s.metrics.action("approve", err)
	return res, err
}

// Reject records the actor's rejection. A single rejection terminates the
// request regardless of other pending steps.
func (s *ApprovalService) Reject(ctx context.Context, actor Actor, requestID string, comments *string) (*ActionResult, error) {
	res, err := s.decide(ctx, actor, requestID, comments, repository.StepRejected)
	s.metrics.action("reject", err)
	return res, err
}

func (s *ApprovalService) decide(
	ctx context.Context,
	actor Actor,
	requestID string,
	comments *string,
	decision repository.StepStatus,
) (*ActionResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}

	var (
		req    *repository.ApprovalRequest
		events []Event
	)
	err := s.store.Tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.lockPending(ctx, actor.OrganizationID, requestID)
		if err != nil {
			return err
		}

		step, err := s.actionableStep(ctx, req, actor.UserID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, actor.UserID, req); err != nil {
			return err
		}

		step, err = s.store.Steps.RecordAction(ctx, step.ID, decision, comments)
		if errors.Is(err, repository.ErrStepNotPending) {
			return ErrNoEligibleStep
		}
		if err != nil {
			return err
		}

		if decision == repository.StepRejected {
			events, err = s.reject(ctx, req, step, actor.UserID, comments)
		} else {
			events, err = s.approve(ctx, req, step, actor.UserID, comments)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("actor", actor.UserID).
		Str("decision", string(decision)).
		Int("step_order", req.CurrentStepOrder).
		Str("status", string(req.Status)).
		Msg("Approval step decided")

	if req.Status.IsTerminal() {
		s.metrics.completion(req.EntityType, string(req.Status))
	}
	s.publish(ctx, events)

	return &ActionResult{RequestID: req.ID, Status: req.Status, StepOrder: req.CurrentStepOrder}, nil
}

// approve evaluates batch satisfaction from a count read inside the locked
// transaction, then advances or completes.
func (s *ApprovalService) approve(
	ctx context.Context,
	req *repository.ApprovalRequest,
	step *repository.ApprovalStep,
	actorID string,
	comments *string,
) ([]Event, error) {
	approved, err := s.store.Steps.CountByStatus(ctx, req.ID, req.CurrentStepOrder, repository.StepApproved)
	if err != nil {
		return nil, err
	}

	meta := withComments(map[string]any{
		"step_order": step.StepOrder,
		"approvals":  approved,
		"quorum":     req.CurrentQuorum,
	}, comments)
	if err := s.appendAudit(ctx, req, &step.ID, repository.AuditApproved, actorID, repository.RequestPending, meta); err != nil {
		return nil, err
	}

	if approved < req.CurrentQuorum {
		return nil, nil
	}

	wf, err := s.store.Workflows.GetByID(ctx, req.OrganizationID, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s of request %s: %w", req.WorkflowID, req.ID, err)
	}

	next := wf.NextStep(req.CurrentStepOrder)
	if next == nil {
		if err := s.complete(ctx, req, repository.RequestApproved); err != nil {
			return nil, err
		}
		if err := s.appendAudit(ctx, req, nil, repository.AuditCompleted, actorID, repository.RequestPending, nil); err != nil {
			return nil, err
		}
		return []Event{s.outcome(EventRequestApproved, req, actorID, []string{req.RequestedBy}, comments)}, nil
	}

	approvers, quorum, err := s.resolveBatch(ctx, req.OrganizationID, next, req.Snapshot)
	if err != nil {
		return nil, err
	}

	// close approvers the quorum made redundant before opening the next batch
	if _, err := s.store.Steps.SkipPending(ctx, req.ID); err != nil {
		return nil, err
	}

	from := req.CurrentStepOrder
	req.CurrentStepOrder = next.StepOrder
	req.CurrentQuorum = quorum
	if err := s.store.Requests.Update(ctx, req); err != nil {
		return nil, err
	}
	if err := s.openBatch(ctx, req, next.StepOrder, approvers); err != nil {
		return nil, err
	}
	if err := s.appendAudit(ctx, req, nil, repository.AuditAdvanced, actorID, repository.RequestPending, map[string]any{
		"from_step_order": from,
		"to_step_order":   next.StepOrder,
		"approvers":       approvers,
		"quorum":          quorum,
	}); err != nil {
		return nil, err
	}

	return []Event{s.approvalRequired(req, actorID, approvers)}, nil
}

func (s *ApprovalService) reject(
	ctx context.Context,
	req *repository.ApprovalRequest,
	step *repository.ApprovalStep,
	actorID string,
	comments *string,
) ([]Event, error) {
	if err := s.complete(ctx, req, repository.RequestRejected); err != nil {
		return nil, err
	}

	meta := withComments(map[string]any{"step_order": step.StepOrder}, comments)
	if err := s.appendAudit(ctx, req, &step.ID, repository.AuditRejected, actorID, repository.RequestPending, meta); err != nil {
		return nil, err
	}

	return []Event{s.outcome(EventRequestRejected, req, actorID, []string{req.RequestedBy}, comments)}, nil
}

// ── Delegate ──────────────────────────────────────────────────────────────────

// Delegate hands the actor's pending step to another user. Only the original
// approver may delegate; doing so again replaces the previous delegate.
func (s *ApprovalService) Delegate(
	ctx context.Context,
	actor Actor,
	requestID, delegateID string,
	comments *string,
) (*ActionResult, error) {
	res, err := s.delegate(ctx, actor, requestID, delegateID, comments)
	s.metrics.action("delegate", err)
	return res, err
}

func (s *ApprovalService) delegate(
	ctx context.Context,
	actor Actor,
	requestID, delegateID string,
	comments *string,
) (*ActionResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	if delegateID == "" {
		return nil, errors.InvalidInput("delegate_user_id", "delegate is required")
	}
	if delegateID == actor.UserID {
		return nil, errors.InvalidInput("delegate_user_id", "cannot delegate to yourself")
	}

	var (
		req  *repository.ApprovalRequest
		step *repository.ApprovalStep
	)
	err := s.store.Tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.lockPending(ctx, actor.OrganizationID, requestID)
		if err != nil {
			return err
		}

		steps, err := s.store.Steps.ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if st.Status == repository.StepPending && st.ApproverID == actor.UserID {
				step = st
				break
			}
		}
		if step == nil {
			return ErrNoEligibleStep
		}
		for _, st := range steps {
			if st.Status != repository.StepPending {
				continue
			}
			if st.ApproverID == delegateID || (st.DelegatedTo != nil && *st.DelegatedTo == delegateID) {
				return ErrDelegateHasStep
			}
		}

		exists, err := s.directory.UserExists(ctx, req.OrganizationID, delegateID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to look up delegate")
		}
		if !exists {
			return errors.InvalidInput("delegate_user_id", "delegate user does not exist")
		}

		previous := step.DelegatedTo
		step, err = s.store.Steps.Delegate(ctx, step.ID, delegateID, comments)
		if errors.Is(err, repository.ErrStepNotPending) {
			return ErrNoEligibleStep
		}
		if err != nil {
			return err
		}

		meta := withComments(map[string]any{
			"step_order":   step.StepOrder,
			"delegated_to": delegateID,
		}, comments)
		if previous != nil {
			meta["previous_delegate"] = *previous
		}
		return s.appendAudit(ctx, req, &step.ID, repository.AuditDelegated, actor.UserID, repository.RequestPending, meta)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("actor", actor.UserID).
		Str("delegate", delegateID).
		Int("step_order", step.StepOrder).
		Msg("Approval step delegated")

	s.publish(ctx, []Event{{
		Type:           EventStepDelegated,
		OrganizationID: req.OrganizationID,
		RequestID:      req.ID,
		WorkflowID:     req.WorkflowID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		ActorID:        actor.UserID,
		Recipients:     []string{delegateID},
		StepOrder:      step.StepOrder,
		Status:         req.Status,
		Comments:       deref(comments),
	}})

	return &ActionResult{RequestID: req.ID, Status: req.Status, StepOrder: req.CurrentStepOrder}, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel lets the requester withdraw a pending request.
func (s *ApprovalService) Cancel(ctx context.Context, actor Actor, requestID string, comments *string) (*ActionResult, error) {
	res, err := s.cancel(ctx, actor, requestID, comments)
	s.metrics.action("cancel", err)
	return res, err
}

func (s *ApprovalService) cancel(ctx context.Context, actor Actor, requestID string, comments *string) (*ActionResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}

	var (
		req        *repository.ApprovalRequest
		recipients []string
	)
	err := s.store.Tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.lockPending(ctx, actor.OrganizationID, requestID)
		if err != nil {
			return err
		}
		if req.RequestedBy != actor.UserID {
			return ErrNotRequester
		}

		steps, err := s.store.Steps.ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if st.Status == repository.StepPending {
				recipients = append(recipients, holder(st))
			}
		}

		if err := s.complete(ctx, req, repository.RequestCancelled); err != nil {
			return err
		}
		return s.appendAudit(ctx, req, nil, repository.AuditCancelled, actor.UserID, repository.RequestPending,
			withComments(map[string]any{"step_order": req.CurrentStepOrder}, comments))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("actor", actor.UserID).
		Msg("Approval request cancelled")

	s.metrics.completion(req.EntityType, string(req.Status))
	s.publish(ctx, []Event{s.outcome(EventRequestCancelled, req, actor.UserID, normalize(recipients), comments)})

	return &ActionResult{RequestID: req.ID, Status: req.Status, StepOrder: req.CurrentStepOrder}, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// lockPending loads and locks the request, failing unless it is pending.
func (s *ApprovalService) lockPending(ctx context.Context, orgID, requestID string) (*repository.ApprovalRequest, error) {
	req, err := s.store.Requests.GetForUpdate(ctx, orgID, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestPending {
		return nil, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrRequestNotPending)
	}
	return req, nil
}

// actionableStep finds the pending step userID may approve or reject: their
// own undelegated step, or a step delegated to them.
func (s *ApprovalService) actionableStep(ctx context.Context, req *repository.ApprovalRequest, userID string) (*repository.ApprovalStep, error) {
	steps, err := s.store.Steps.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.CanBeActedOnBy(userID) {
			return st, nil
		}
	}
	return nil, ErrNoEligibleStep
}

func (s *ApprovalService) authorize(ctx context.Context, userID string, req *repository.ApprovalRequest) error {
	ok, err := s.authorizer.Authorize(ctx, userID, req.OrganizationID, req.EntityType)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to authorize approver")
	}
	if !ok {
		return ErrInsufficientPermission
	}
	return nil
}

// resolveBatch resolves a step's approvers and the approvals it needs.
func (s *ApprovalService) resolveBatch(
	ctx context.Context,
	orgID string,
	step *repository.WorkflowStep,
	snapshot rules.Snapshot,
) ([]string, int, error) {
	approvers, err := s.resolver.Resolve(ctx, orgID, step, snapshot)
	if err != nil {
		return nil, 0, err
	}
	quorum := step.RequiredApprovals(len(approvers))
	if quorum > len(approvers) {
		return nil, 0, fmt.Errorf("step %d of workflow %s needs %d approvals from %d approvers: %w",
			step.StepOrder, step.WorkflowID, quorum, len(approvers), ErrQuorumUnreachable)
	}
	return approvers, quorum, nil
}

func (s *ApprovalService) openBatch(ctx context.Context, req *repository.ApprovalRequest, stepOrder int, approvers []string) error {
	steps := make([]*repository.ApprovalStep, len(approvers))
	for i, id := range approvers {
		steps[i] = &repository.ApprovalStep{
			RequestID:  req.ID,
			StepOrder:  stepOrder,
			ApproverID: id,
			Status:     repository.StepPending,
		}
	}
	return s.store.Steps.CreateBatch(ctx, steps)
}

// complete moves the request to a terminal status. Steps still pending are
// left as they are; a terminal request accepts no further action.
func (s *ApprovalService) complete(ctx context.Context, req *repository.ApprovalRequest, status repository.RequestStatus) error {
	now := s.now()
	req.Status = status
	req.CompletedAt = &now
	return s.store.Requests.Update(ctx, req)
}

func (s *ApprovalService) appendAudit(
	ctx context.Context,
	req *repository.ApprovalRequest,
	stepID *string,
	action repository.AuditAction,
	actorID string,
	before repository.RequestStatus,
	meta map[string]any,
) error {
	return s.store.Audit.Append(ctx, &repository.AuditEntry{
		RequestID:      req.ID,
		OrganizationID: req.OrganizationID,
		StepID:         stepID,
		Action:         action,
		PerformedBy:    actorID,
		StatusBefore:   before,
		StatusAfter:    req.Status,
		Metadata:       meta,
	})
}

// publish sends events after commit. Failures are logged and dropped.
func (s *ApprovalService) publish(ctx context.Context, events []Event) {
	for _, e := range events {
		if len(e.Recipients) == 0 {
			continue
		}
		if err := s.notifier.Notify(ctx, e); err != nil {
			s.log.Warn().Err(err).
				Str("event_type", string(e.Type)).
				Str("request_id", e.RequestID).
				Msg("Failed to publish approval notification")
		}
	}
}

func (s *ApprovalService) approvalRequired(req *repository.ApprovalRequest, actorID string, approvers []string) Event {
	return Event{
		Type:           EventApprovalRequired,
		OrganizationID: req.OrganizationID,
		RequestID:      req.ID,
		WorkflowID:     req.WorkflowID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		ActorID:        actorID,
		Recipients:     approvers,
		StepOrder:      req.CurrentStepOrder,
		Status:         req.Status,
	}
}

func (s *ApprovalService) outcome(t EventType, req *repository.ApprovalRequest, actorID string, recipients []string, comments *string) Event {
	return Event{
		Type:           t,
		OrganizationID: req.OrganizationID,
		RequestID:      req.ID,
		WorkflowID:     req.WorkflowID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		ActorID:        actorID,
		Recipients:     recipients,
		StepOrder:      req.CurrentStepOrder,
		Status:         req.Status,
		Comments:       deref(comments),
	}
}

func holder(st *repository.ApprovalStep) string {
	if st.DelegatedTo != nil {
		return *st.DelegatedTo
	}
	return st.ApproverID
}

func withComments(meta map[string]any, comments *string) map[string]any {
	if comments != nil && *comments != "" {
		meta["comments"] = *comments
	}
	return meta
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
