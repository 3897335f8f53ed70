package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	apperrors "github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

func TestSubmit_OpensFirstBatch(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, "expense", staticStep(1, 0, "bob", "amy", "bob"), staticStep(2, 1, "cid"))

	res := h.submit(t, "req", "exp-1")
	assert.Equal(t, wf.ID, res.WorkflowID)
	assert.Equal(t, repository.RequestPending, res.Status)
	assert.Equal(t, 1, res.StepOrder)
	assert.Equal(t, 2, res.ApproverCount, "approvers are de-duplicated")

	d := h.detail(t, res.RequestID)
	require.Len(t, d.Steps, 2)
	assert.Equal(t, "amy", d.Steps[0].ApproverID)
	assert.Equal(t, "bob", d.Steps[1].ApproverID)
	for _, s := range d.Steps {
		assert.Equal(t, repository.StepPending, s.Status)
		assert.Equal(t, 1, s.StepOrder)
	}
	assert.Equal(t, 2, d.Request.CurrentQuorum)
	assert.Nil(t, d.Request.CompletedAt)

	required := h.notifier.ofType(EventApprovalRequired)
	require.Len(t, required, 1)
	assert.Equal(t, []string{"amy", "bob"}, required[0].Recipients)

	trail, err := h.queries.AuditTrail(context.Background(), as("req"), res.RequestID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, repository.AuditSubmitted, trail[0].Action)
}

func TestSubmit_ConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no matching workflow", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.workflows.Create(ctx, as("admin"), CreateWorkflowInput{
			Name:       "large",
			EntityType: "expense",
			Conditions: rules.Compare("amount", rules.OpGt, 1000),
			Steps:      []StepInput{staticStep(1, 0, "bob")},
		})
		require.NoError(t, err)

		_, err = h.engine.Submit(ctx, as("req"), SubmitInput{
			EntityType: "expense",
			EntityID:   "exp-1",
			Snapshot:   rules.Snapshot{"amount": 5},
		})
		assert.ErrorIs(t, err, ErrNoMatchingWorkflow)
		assert.Equal(t, apperrors.ErrCodeFailedPrecondition, apperrors.CodeOf(err))
	})

	t.Run("role with no holders", func(t *testing.T) {
		h := newHarness(t)
		h.workflow(t, "expense", roleStep(1, 0, "finance"))

		_, err := h.engine.Submit(ctx, as("req"), SubmitInput{EntityType: "expense", EntityID: "exp-1"})
		assert.ErrorIs(t, err, ErrNoEligibleApprovers)
		assert.Contains(t, err.Error(), "step 1 of workflow")

		history, err := h.queries.History(ctx, as("req"), "expense", "exp-1")
		require.NoError(t, err)
		assert.Empty(t, history, "a failed submission leaves nothing behind")
	})

	t.Run("quorum above resolved approvers", func(t *testing.T) {
		h := newHarness(t)
		h.identity.setRole("finance", "f1", "f2")
		h.workflow(t, "expense", roleStep(1, 3, "finance"))

		_, err := h.engine.Submit(ctx, as("req"), SubmitInput{EntityType: "expense", EntityID: "exp-1"})
		assert.ErrorIs(t, err, ErrQuorumUnreachable)
	})

	t.Run("workflow stored without steps", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Workflows.Create(ctx, &repository.Workflow{
			OrganizationID: testOrg,
			Name:           "empty",
			EntityType:     "expense",
			IsActive:       true,
		}))

		_, err := h.engine.Submit(ctx, as("req"), SubmitInput{EntityType: "expense", EntityID: "exp-1"})
		assert.ErrorIs(t, err, ErrWorkflowHasNoSteps)
	})
}

func TestSubmit_DuplicateUntilTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "bob"))

	first := h.submit(t, "req", "exp-1")

	_, err := h.engine.Submit(ctx, as("req"), SubmitInput{EntityType: "expense", EntityID: "exp-1"})
	require.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, apperrors.ErrCodeAlreadyExists, apperrors.CodeOf(err))

	_, err = h.engine.Reject(ctx, as("bob"), first.RequestID, str("missing receipt"))
	require.NoError(t, err)

	second := h.submit(t, "req", "exp-1")
	assert.NotEqual(t, first.RequestID, second.RequestID)

	history, err := h.queries.History(ctx, as("req"), "expense", "exp-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.RequestID, history[0].ID, "newest first")
	assert.Equal(t, repository.RequestRejected, history[1].Status)
}

func TestSubmit_DuplicateIsScopedToOrganization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "bob"))
	_, err := h.workflows.Create(ctx, Actor{UserID: "admin", OrganizationID: "org-2"}, CreateWorkflowInput{
		Name:       "expense approval",
		EntityType: "expense",
		Steps:      []StepInput{staticStep(1, 0, "zed")},
	})
	require.NoError(t, err)

	h.submit(t, "req", "exp-1")

	other := Actor{UserID: "req", OrganizationID: "org-2"}
	res, err := h.engine.Submit(ctx, other, SubmitInput{EntityType: "expense", EntityID: "exp-1"})
	require.NoError(t, err, "a pending request in another organization must not block or be revealed")

	_, err = h.engine.Submit(ctx, other, SubmitInput{EntityType: "expense", EntityID: "exp-1"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	history, err := h.queries.History(ctx, other, "expense", "exp-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.RequestID, history[0].ID)
}

func TestApprove_QuorumAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "a1", "a2", "a3"), staticStep(2, 1, "b1"))
	res := h.submit(t, "req", "exp-1")

	for i, approver := range []string{"a1", "a2"} {
		out, err := h.engine.Approve(ctx, as(approver), res.RequestID, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, out.StepOrder, "approval %d of 3 must not advance", i+1)
	}
	assert.Empty(t, stepsAt(h.detail(t, res.RequestID), 2))

	out, err := h.engine.Approve(ctx, as("a3"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.StepOrder)
	assert.Equal(t, repository.RequestPending, out.Status)
	assert.Len(t, stepsAt(h.detail(t, res.RequestID), 2), 1)
}

func TestApprove_QuorumOneAdvancesOnFirstApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 1, "a1", "a2", "a3"), staticStep(2, 1, "a2"))
	res := h.submit(t, "req", "exp-1")

	out, err := h.engine.Approve(ctx, as("a1"), res.RequestID, str("fine"))
	require.NoError(t, err)
	assert.Equal(t, 2, out.StepOrder)

	d := h.detail(t, res.RequestID)
	first := stepsAt(d, 1)
	require.Len(t, first, 3)
	statuses := map[string]repository.StepStatus{}
	for _, s := range first {
		statuses[s.ApproverID] = s.Status
	}
	assert.Equal(t, repository.StepApproved, statuses["a1"])
	assert.Equal(t, repository.StepSkipped, statuses["a2"])
	assert.Equal(t, repository.StepSkipped, statuses["a3"])

	// a2 was redundant at order 1 and is the approver at order 2
	second := stepsAt(d, 2)
	require.Len(t, second, 1)
	assert.Equal(t, "a2", second[0].ApproverID)
	assert.Equal(t, repository.StepPending, second[0].Status)

	_, err = h.engine.Approve(ctx, as("a3"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrNoEligibleStep)
}

func TestReject_TerminatesAtAnyStepOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense",
		staticStep(1, 1, "a1"),
		staticStep(2, 0, "b1", "b2", "b3"),
		staticStep(3, 1, "c1"),
	)
	res := h.submit(t, "req", "exp-1")

	_, err := h.engine.Approve(ctx, as("a1"), res.RequestID, nil)
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, as("b1"), res.RequestID, nil)
	require.NoError(t, err)

	out, err := h.engine.Reject(ctx, as("b2"), res.RequestID, str("over budget"))
	require.NoError(t, err)
	assert.Equal(t, repository.RequestRejected, out.Status)

	d := h.detail(t, res.RequestID)
	assert.NotNil(t, d.Request.CompletedAt)
	assert.Empty(t, stepsAt(d, 3), "no batch is opened after a rejection")
	assert.Equal(t, repository.StepPending, stepOf(d, "b3").Status)
	assert.Equal(t, "over budget", *stepOf(d, "b2").Comments)

	_, err = h.engine.Approve(ctx, as("b3"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrRequestNotPending)

	rejected := h.notifier.ofType(EventRequestRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, []string{"req"}, rejected[0].Recipients)
}

func TestApprove_DoubleActionIsStateError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "a1", "a2"))
	res := h.submit(t, "req", "exp-1")

	_, err := h.engine.Approve(ctx, as("a1"), res.RequestID, nil)
	require.NoError(t, err)

	_, err = h.engine.Approve(ctx, as("a1"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrNoEligibleStep)
	_, err = h.engine.Reject(ctx, as("a1"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrNoEligibleStep)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))

	_, err = h.engine.Approve(ctx, as("a2"), res.RequestID, nil)
	require.NoError(t, err)
	done := h.detail(t, res.RequestID).Request
	require.NotNil(t, done.CompletedAt)
	completedAt := *done.CompletedAt

	_, err = h.engine.Approve(ctx, as("a2"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrRequestNotPending)

	again := h.detail(t, res.RequestID).Request
	assert.Equal(t, repository.RequestApproved, again.Status)
	assert.Equal(t, completedAt, *again.CompletedAt)
}

func TestApprove_NotAnApprover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "a1"))
	res := h.submit(t, "req", "exp-1")

	_, err := h.engine.Approve(ctx, as("stranger"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrNoEligibleStep)

	_, err = h.engine.Approve(ctx, as("a1"), "missing", nil)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestApprove_PermissionCheckedAtActionTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "a1"))
	res := h.submit(t, "req", "exp-1")

	h.identity.deny("a1")

	_, err := h.engine.Approve(ctx, as("a1"), res.RequestID, nil)
	require.ErrorIs(t, err, ErrInsufficientPermission)
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.CodeOf(err))

	d := h.detail(t, res.RequestID)
	assert.Equal(t, repository.StepPending, d.Steps[0].Status)
	assert.Nil(t, d.Steps[0].ActionAt)
}

func TestApprove_IdentityFailureIsInternal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "a1"))
	res := h.submit(t, "req", "exp-1")

	h.identity.err = errors.New("identity unavailable")

	_, err := h.engine.Approve(ctx, as("a1"), res.RequestID, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.CodeOf(err))
	assert.NotErrorIs(t, err, ErrInsufficientPermission)
}

func TestApprove_AdvancementFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.identity.setRole("controller", "ctl")
	h.workflow(t, "expense", staticStep(1, 0, "a1"), roleStep(2, 0, "controller"))
	res := h.submit(t, "req", "exp-1")

	h.identity.setRole("controller")

	_, err := h.engine.Approve(ctx, as("a1"), res.RequestID, nil)
	require.ErrorIs(t, err, ErrNoEligibleApprovers)

	d := h.detail(t, res.RequestID)
	assert.Equal(t, 1, d.Request.CurrentStepOrder)
	require.Len(t, d.Steps, 1)
	assert.Equal(t, repository.StepPending, d.Steps[0].Status, "the approval itself is rolled back")

	trail, err := h.queries.AuditTrail(ctx, as("req"), res.RequestID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestDelegate_DelegateActsInsteadOfApprover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "bob"))
	res := h.submit(t, "req", "exp-1")

	out, err := h.engine.Delegate(ctx, as("bob"), res.RequestID, "carol", str("on leave"))
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, out.Status)

	d := h.detail(t, res.RequestID)
	require.Len(t, d.Steps, 1, "delegation creates no new step")
	assert.Equal(t, repository.StepPending, d.Steps[0].Status)
	assert.Equal(t, "carol", *d.Steps[0].DelegatedTo)

	_, err = h.engine.Approve(ctx, as("bob"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrNoEligibleStep)

	bobs, err := h.queries.ListPending(ctx, as("bob"), "")
	require.NoError(t, err)
	assert.Empty(t, bobs)
	carols, err := h.queries.ListPending(ctx, as("carol"), "")
	require.NoError(t, err)
	require.Len(t, carols, 1)

	out, err = h.engine.Approve(ctx, as("carol"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, out.Status)

	step := h.detail(t, res.RequestID).Steps[0]
	assert.Equal(t, repository.StepApproved, step.Status)
	assert.Equal(t, "bob", step.ApproverID)
	assert.Equal(t, "carol", *step.DelegatedTo)

	delegated := h.notifier.ofType(EventStepDelegated)
	require.Len(t, delegated, 1)
	assert.Equal(t, []string{"carol"}, delegated[0].Recipients)
}

func TestDelegate_Rules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.identity.unknown["ghost"] = true
	h.workflow(t, "expense", staticStep(1, 0, "bob", "dan"))
	res := h.submit(t, "req", "exp-1")

	_, err := h.engine.Delegate(ctx, as("bob"), res.RequestID, "bob", nil)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err), "self delegation")

	_, err = h.engine.Delegate(ctx, as("bob"), res.RequestID, "ghost", nil)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err), "unknown delegate")

	_, err = h.engine.Delegate(ctx, as("bob"), res.RequestID, "dan", nil)
	assert.ErrorIs(t, err, ErrDelegateHasStep)

	_, err = h.engine.Delegate(ctx, as("stranger"), res.RequestID, "erin", nil)
	assert.ErrorIs(t, err, ErrNoEligibleStep)

	_, err = h.engine.Delegate(ctx, as("bob"), res.RequestID, "carol", nil)
	require.NoError(t, err)

	_, err = h.engine.Delegate(ctx, as("carol"), res.RequestID, "erin", nil)
	assert.ErrorIs(t, err, ErrNoEligibleStep, "a delegate cannot delegate further")

	_, err = h.engine.Delegate(ctx, as("bob"), res.RequestID, "erin", nil)
	require.NoError(t, err, "the original approver may re-delegate")

	_, err = h.engine.Approve(ctx, as("carol"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrNoEligibleStep)
	_, err = h.engine.Approve(ctx, as("erin"), res.RequestID, nil)
	assert.NoError(t, err)

	trail, err := h.queries.AuditTrail(ctx, as("req"), res.RequestID)
	require.NoError(t, err)
	last := trail[len(trail)-2]
	assert.Equal(t, repository.AuditDelegated, last.Action)
	assert.Equal(t, "carol", last.Metadata["previous_delegate"])
}

func TestDelegate_DelegatePermissionCheckedWhenActing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "bob"))
	res := h.submit(t, "req", "exp-1")

	_, err := h.engine.Delegate(ctx, as("bob"), res.RequestID, "carol", nil)
	require.NoError(t, err)

	h.identity.deny("carol")
	_, err = h.engine.Approve(ctx, as("carol"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrInsufficientPermission)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "a1", "a2"))
	res := h.submit(t, "req", "exp-1")

	_, err := h.engine.Cancel(ctx, as("a1"), res.RequestID, nil)
	require.ErrorIs(t, err, ErrNotRequester)

	out, err := h.engine.Cancel(ctx, as("req"), res.RequestID, str("duplicate expense"))
	require.NoError(t, err)
	assert.Equal(t, repository.RequestCancelled, out.Status)
	assert.NotNil(t, h.detail(t, res.RequestID).Request.CompletedAt)

	_, err = h.engine.Approve(ctx, as("a1"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrRequestNotPending)
	_, err = h.engine.Cancel(ctx, as("req"), res.RequestID, nil)
	assert.ErrorIs(t, err, ErrRequestNotPending)

	cancelled := h.notifier.ofType(EventRequestCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, []string{"a1", "a2"}, cancelled[0].Recipients)
}

func TestActions_ScopedToOrganization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "a1"))
	res := h.submit(t, "req", "exp-1")

	other := Actor{UserID: "a1", OrganizationID: "org-2"}
	_, err := h.engine.Approve(ctx, other, res.RequestID, nil)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	_, err = h.queries.GetRequest(ctx, other, res.RequestID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestActions_RequireSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Submit(ctx, Actor{}, SubmitInput{EntityType: "expense", EntityID: "x"})
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
	_, err = h.engine.Approve(ctx, Actor{UserID: "a1"}, "r", nil)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
}

func TestNotifierFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("broker down")
	h.workflow(t, "expense", staticStep(1, 0, "a1"))

	res := h.submit(t, "req", "exp-1")
	out, err := h.engine.Approve(context.Background(), as("a1"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, out.Status)
}

func TestStepOrderGapsUseNextHigherOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(20, 1, "b1"), staticStep(10, 1, "a1"))
	res := h.submit(t, "req", "exp-1")
	assert.Equal(t, 10, res.StepOrder)

	out, err := h.engine.Approve(ctx, as("a1"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, out.StepOrder)

	out, err = h.engine.Approve(ctx, as("b1"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, out.Status)
}

func TestScenario_TwoStepApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 2, "A", "B"), staticStep(2, 1, "C"))

	res := h.submit(t, "req", "exp-1")
	d := h.detail(t, res.RequestID)
	require.Len(t, stepsAt(d, 1), 2)

	out, err := h.engine.Approve(ctx, as("A"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, out.Status)
	assert.Empty(t, stepsAt(h.detail(t, res.RequestID), 2))

	out, err = h.engine.Approve(ctx, as("B"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, out.Status)
	d = h.detail(t, res.RequestID)
	second := stepsAt(d, 2)
	require.Len(t, second, 1)
	assert.Equal(t, "C", second[0].ApproverID)
	assert.Equal(t, repository.StepPending, second[0].Status)

	out, err = h.engine.Approve(ctx, as("C"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, out.Status)
	d = h.detail(t, res.RequestID)
	assert.Equal(t, repository.RequestApproved, d.Request.Status)
	assert.NotNil(t, d.Request.CompletedAt)

	approved := h.notifier.ofType(EventRequestApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, []string{"req"}, approved[0].Recipients)

	trail, err := h.queries.AuditTrail(ctx, as("req"), res.RequestID)
	require.NoError(t, err)
	var actions []repository.AuditAction
	for _, e := range trail {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []repository.AuditAction{
		repository.AuditSubmitted,
		repository.AuditApproved,
		repository.AuditApproved,
		repository.AuditAdvanced,
		repository.AuditApproved,
		repository.AuditCompleted,
	}, actions)
}

func TestScenario_RejectAtFirstOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 2, "A", "B"), staticStep(2, 1, "C"))
	res := h.submit(t, "req", "exp-1")

	out, err := h.engine.Reject(ctx, as("A"), res.RequestID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestRejected, out.Status)

	d := h.detail(t, res.RequestID)
	assert.Equal(t, repository.StepRejected, stepOf(d, "A").Status)
	assert.Equal(t, repository.StepPending, stepOf(d, "B").Status)
	assert.Empty(t, stepsAt(d, 2))

	for _, act := range []func() error{
		func() error { _, err := h.engine.Approve(ctx, as("B"), res.RequestID, nil); return err },
		func() error { _, err := h.engine.Reject(ctx, as("B"), res.RequestID, nil); return err },
		func() error { _, err := h.engine.Delegate(ctx, as("B"), res.RequestID, "D", nil); return err },
		func() error { _, err := h.engine.Cancel(ctx, as("req"), res.RequestID, nil); return err },
	} {
		assert.ErrorIs(t, act(), ErrRequestNotPending)
	}
}

func TestConcurrentApprovalsCompleteOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	approvers := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	h.workflow(t, "expense", staticStep(1, 1, approvers...))
	res := h.submit(t, "req", "exp-1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, a := range approvers {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := h.engine.Approve(ctx, as(user), res.RequestID, nil)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrRequestNotPending)
		}(a)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	d := h.detail(t, res.RequestID)
	assert.Equal(t, repository.RequestApproved, d.Request.Status)

	trail, err := h.queries.AuditTrail(ctx, as("req"), res.RequestID)
	require.NoError(t, err)
	completed := 0
	for _, e := range trail {
		if e.Action == repository.AuditCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestConcurrentSubmissionsCreateOneRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow(t, "expense", staticStep(1, 0, "a1"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Submit(ctx, as(fmt.Sprintf("req-%d", i)), SubmitInput{EntityType: "expense", EntityID: "exp-1"})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateRequest)
	}
	assert.Equal(t, 1, ok)

	history, err := h.queries.History(ctx, as("req-0"), "expense", "exp-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
