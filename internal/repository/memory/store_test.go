package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func newRequest(entityID string) *repository.ApprovalRequest {
	return &repository.ApprovalRequest{
		OrganizationID:   "org-1",
		WorkflowID:       "wf-1",
		EntityType:       "expense",
		EntityID:         entityID,
		Status:           repository.RequestPending,
		RequestedBy:      "alice",
		CurrentStepOrder: 1,
		CurrentQuorum:    1,
	}
}

func TestInTransaction_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()
	boom := errors.New("boom")

	err := repos.Tx.InTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, repos.Requests.Create(ctx, newRequest("e-1")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repos.Requests.ListByEntity(ctx, "org-1", "expense", "e-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInTransaction_ReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()

	err := repos.Tx.InTransaction(ctx, func(ctx context.Context) error {
		req := newRequest("e-1")
		require.NoError(t, repos.Requests.Create(ctx, req))

		got, err := repos.Requests.GetForUpdate(ctx, "org-1", req.ID)
		require.NoError(t, err)
		assert.Equal(t, "e-1", got.EntityID)
		return nil
	})
	require.NoError(t, err)
}

func TestRequests_OnePendingPerEntity(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()

	first := newRequest("e-1")
	require.NoError(t, repos.Requests.Create(ctx, first))
	assert.ErrorIs(t, repos.Requests.Create(ctx, newRequest("e-1")), repository.ErrOpenRequestExists)

	first.Status = repository.RequestRejected
	require.NoError(t, repos.Requests.Update(ctx, first))
	assert.NoError(t, repos.Requests.Create(ctx, newRequest("e-1")))

	other := newRequest("e-1")
	other.OrganizationID = "org-2"
	assert.NoError(t, repos.Requests.Create(ctx, other), "entity ids are scoped to the organization")
}

func TestRequests_ScopedToOrganization(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()

	req := newRequest("e-1")
	require.NoError(t, repos.Requests.Create(ctx, req))

	_, err := repos.Requests.GetByID(ctx, "org-2", req.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSteps_GuardedUpdates(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()

	req := newRequest("e-1")
	require.NoError(t, repos.Requests.Create(ctx, req))

	step := &repository.ApprovalStep{RequestID: req.ID, StepOrder: 1, ApproverID: "bob", Status: repository.StepPending}
	require.NoError(t, repos.Steps.CreateBatch(ctx, []*repository.ApprovalStep{step}))

	dup := &repository.ApprovalStep{RequestID: req.ID, StepOrder: 2, ApproverID: "bob", Status: repository.StepPending}
	assert.ErrorIs(t, repos.Steps.CreateBatch(ctx, []*repository.ApprovalStep{dup}), repository.ErrPendingStepExists)

	acted, err := repos.Steps.RecordAction(ctx, step.ID, repository.StepApproved, nil)
	require.NoError(t, err)
	assert.NotNil(t, acted.ActionAt)

	_, err = repos.Steps.RecordAction(ctx, step.ID, repository.StepRejected, nil)
	assert.ErrorIs(t, err, repository.ErrStepNotPending)
	_, err = repos.Steps.Delegate(ctx, step.ID, "carol", nil)
	assert.ErrorIs(t, err, repository.ErrStepNotPending)

	n, err := repos.Steps.CountByStatus(ctx, req.ID, 1, repository.StepApproved)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSteps_ConcurrentActionsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()

	req := newRequest("e-1")
	require.NoError(t, repos.Requests.Create(ctx, req))
	step := &repository.ApprovalStep{RequestID: req.ID, StepOrder: 1, ApproverID: "bob", Status: repository.StepPending}
	require.NoError(t, repos.Steps.CreateBatch(ctx, []*repository.ApprovalStep{step}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repos.Steps.RecordAction(ctx, step.ID, repository.StepApproved, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRequests_ListForApprover(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()

	req := newRequest("e-1")
	require.NoError(t, repos.Requests.Create(ctx, req))
	bob := &repository.ApprovalStep{RequestID: req.ID, StepOrder: 1, ApproverID: "bob", Status: repository.StepPending}
	dan := &repository.ApprovalStep{RequestID: req.ID, StepOrder: 1, ApproverID: "dan", Status: repository.StepPending}
	require.NoError(t, repos.Steps.CreateBatch(ctx, []*repository.ApprovalStep{bob, dan}))

	_, err := repos.Steps.Delegate(ctx, bob.ID, "carol", nil)
	require.NoError(t, err)

	forBob, err := repos.Requests.ListForApprover(ctx, "org-1", "bob", repository.StepPending)
	require.NoError(t, err)
	assert.Empty(t, forBob, "a delegated step belongs to the delegate")

	forCarol, err := repos.Requests.ListForApprover(ctx, "org-1", "carol", repository.StepPending)
	require.NoError(t, err)
	require.Len(t, forCarol, 1)
	assert.Equal(t, req.ID, forCarol[0].ID)

	req.Status = repository.RequestCancelled
	require.NoError(t, repos.Requests.Update(ctx, req))

	forDan, err := repos.Requests.ListForApprover(ctx, "org-1", "dan", repository.StepPending)
	require.NoError(t, err)
	assert.Empty(t, forDan, "terminal requests are not pending work")
}

func TestWorkflows_RejectsDuplicateStepOrders(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()

	wf := &repository.Workflow{
		OrganizationID: "org-1",
		Name:           "dup",
		EntityType:     "expense",
		IsActive:       true,
		Steps: []*repository.WorkflowStep{
			{StepOrder: 1, Approvers: repository.ApproverSpec{Kind: repository.ApproversStaticUsers, UserIDs: []string{"a"}}},
			{StepOrder: 1, Approvers: repository.ApproverSpec{Kind: repository.ApproversStaticUsers, UserIDs: []string{"b"}}},
		},
	}
	assert.ErrorIs(t, repos.Workflows.Create(ctx, wf), repository.ErrDuplicateStepOrders)

	all, err := repos.Workflows.List(ctx, "org-1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWorkflows_ReturnedCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	repos := New().Repositories()

	wf := &repository.Workflow{
		OrganizationID: "org-1",
		Name:           "w",
		EntityType:     "expense",
		IsActive:       true,
		Steps: []*repository.WorkflowStep{
			{StepOrder: 1, Approvers: repository.ApproverSpec{Kind: repository.ApproversStaticUsers, UserIDs: []string{"a"}}},
		},
	}
	require.NoError(t, repos.Workflows.Create(ctx, wf))

	got, err := repos.Workflows.GetByID(ctx, "org-1", wf.ID)
	require.NoError(t, err)
	got.Steps[0].Approvers.UserIDs[0] = "mallory"
	got.IsActive = false

	again, err := repos.Workflows.GetByID(ctx, "org-1", wf.ID)
	require.NoError(t, err)
	assert.True(t, again.IsActive)
	assert.Equal(t, []string{"a"}, again.Steps[0].Approvers.UserIDs)
}
