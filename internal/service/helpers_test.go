package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

const testOrg = "org-1"

func as(userID string) Actor {
	return Actor{UserID: userID, OrganizationID: testOrg}
}

func str(s string) *string { return &s }

// fakeIdentity is an in-memory identity service.
type fakeIdentity struct {
	mu       sync.Mutex
	roles    map[string][]string
	managers map[string]string
	denied   map[string]bool
	unknown  map[string]bool
	err      error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		roles:    make(map[string][]string),
		managers: make(map[string]string),
		denied:   make(map[string]bool),
		unknown:  make(map[string]bool),
	}
}

func (f *fakeIdentity) Authorize(_ context.Context, userID, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return !f.denied[userID], nil
}

func (f *fakeIdentity) UsersWithRole(_ context.Context, _, role string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.roles[role]...), nil
}

func (f *fakeIdentity) ManagerChain(_ context.Context, _, userID string, levels int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var chain []string
	for cur := userID; len(chain) < levels; {
		mgr, ok := f.managers[cur]
		if !ok {
			break
		}
		chain = append(chain, mgr)
		cur = mgr
	}
	return chain, nil
}

func (f *fakeIdentity) UserExists(_ context.Context, _, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unknown[userID], nil
}

func (f *fakeIdentity) setRole(role string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[role] = users
}

func (f *fakeIdentity) deny(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied[userID] = true
}

// recordingNotifier keeps every event it is given.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

func (n *recordingNotifier) ofType(t EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// tick is a clock that advances one second per reading.
type tick struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *tick) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type harness struct {
	store     repository.Store
	engine    *ApprovalService
	queries   *QueryService
	workflows *WorkflowService
	identity  *fakeIdentity
	notifier  *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &tick{cur: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarnessWithStore(t, memory.New(memory.WithClock(clock.now)).Repositories())
	h.engine.now = clock.now
	return h
}

func newHarnessWithStore(t *testing.T, store repository.Store) *harness {
	t.Helper()

	identity := newFakeIdentity()
	notifier := &recordingNotifier{}
	log := logger.Nop()
	engine := NewApprovalService(store, identity, identity, notifier, nil, log)

	return &harness{
		store:     store,
		engine:    engine,
		queries:   NewQueryService(store),
		workflows: NewWorkflowService(store.Workflows, log),
		identity:  identity,
		notifier:  notifier,
	}
}

func staticStep(order, quorum int, users ...string) StepInput {
	return StepInput{
		StepOrder: order,
		Approvers: repository.ApproverSpec{Kind: repository.ApproversStaticUsers, UserIDs: users},
		Quorum:    quorum,
	}
}

func roleStep(order, quorum int, role string) StepInput {
	return StepInput{
		StepOrder: order,
		Approvers: repository.ApproverSpec{Kind: repository.ApproversRole, Role: role},
		Quorum:    quorum,
	}
}

func (h *harness) workflow(t *testing.T, entityType string, steps ...StepInput) *repository.Workflow {
	t.Helper()
	wf, err := h.workflows.Create(context.Background(), as("admin"), CreateWorkflowInput{
		Name:       entityType + " approval",
		EntityType: entityType,
		Priority:   100,
		Steps:      steps,
	})
	require.NoError(t, err)
	return wf
}

func (h *harness) submit(t *testing.T, requester, entityID string) *SubmitResult {
	t.Helper()
	res, err := h.engine.Submit(context.Background(), as(requester), SubmitInput{
		EntityType: "expense",
		EntityID:   entityID,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) detail(t *testing.T, requestID string) *RequestDetail {
	t.Helper()
	d, err := h.queries.GetRequest(context.Background(), as("auditor"), requestID)
	require.NoError(t, err)
	return d
}

func stepsAt(d *RequestDetail, order int) []*repository.ApprovalStep {
	var out []*repository.ApprovalStep
	for _, s := range d.Steps {
		if s.StepOrder == order {
			out = append(out, s)
		}
	}
	return out
}

func stepOf(d *RequestDetail, approver string) *repository.ApprovalStep {
	for _, s := range d.Steps {
		if s.ApproverID == approver {
			return s
		}
	}
	return nil
}
