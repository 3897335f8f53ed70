package memory

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ── Workflows ────────────────────────────────────────────────────────────────

type workflowStore struct{ s *Store }

func (w *workflowStore) Create(ctx context.Context, wf *repository.Workflow) error {
	return w.s.write(ctx, func(st *state) error {
		seen := make(map[int]bool, len(wf.Steps))
		for _, step := range wf.Steps {
			if seen[step.StepOrder] {
				return repository.ErrDuplicateStepOrders
			}
			seen[step.StepOrder] = true
		}

		now := w.s.now()
		if wf.ID == "" {
			wf.ID = w.s.newID()
		}
		if wf.CreatedAt.IsZero() {
			wf.CreatedAt = now
		}
		wf.UpdatedAt = now
		for _, step := range wf.Steps {
			step.WorkflowID = wf.ID
			if step.ID == "" {
				step.ID = w.s.newID()
			}
			step.CreatedAt = now
		}
		sort.SliceStable(wf.Steps, func(i, j int) bool { return wf.Steps[i].StepOrder < wf.Steps[j].StepOrder })

		st.workflows[wf.ID] = copyWorkflow(wf)
		st.track(wf.ID)
		return nil
	})
}

func (w *workflowStore) GetByID(ctx context.Context, orgID, id string) (*repository.Workflow, error) {
	var out *repository.Workflow
	err := w.s.read(ctx, func(st *state) error {
		wf, ok := st.workflows[id]
		if !ok || wf.OrganizationID != orgID {
			return repository.ErrNotFound
		}
		out = copyWorkflow(wf)
		return nil
	})
	return out, err
}

func (w *workflowStore) ListActive(ctx context.Context, orgID, entityType string) ([]*repository.Workflow, error) {
	return w.list(ctx, func(wf *repository.Workflow) bool {
		return wf.OrganizationID == orgID && wf.EntityType == entityType && wf.IsActive
	})
}

func (w *workflowStore) List(ctx context.Context, orgID string) ([]*repository.Workflow, error) {
	return w.list(ctx, func(wf *repository.Workflow) bool {
		return wf.OrganizationID == orgID
	})
}

func (w *workflowStore) list(ctx context.Context, keep func(*repository.Workflow) bool) ([]*repository.Workflow, error) {
	var out []*repository.Workflow
	err := w.s.read(ctx, func(st *state) error {
		for _, wf := range st.workflows {
			if keep(wf) {
				out = append(out, copyWorkflow(wf))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, err
}

func (w *workflowStore) SetActive(ctx context.Context, orgID, id string, active bool) error {
	return w.s.write(ctx, func(st *state) error {
		wf, ok := st.workflows[id]
		if !ok || wf.OrganizationID != orgID {
			return repository.ErrNotFound
		}
		wf.IsActive = active
		wf.UpdatedAt = w.s.now()
		return nil
	})
}

// ── Requests ─────────────────────────────────────────────────────────────────

type requestStore struct{ s *Store }

func (r *requestStore) Create(ctx context.Context, req *repository.ApprovalRequest) error {
	return r.s.write(ctx, func(st *state) error {
		if req.Status == repository.RequestPending {
			for _, other := range st.requests {
				if other.Status == repository.RequestPending && other.OrganizationID == req.OrganizationID &&
					other.EntityType == req.EntityType && other.EntityID == req.EntityID {
					return repository.ErrOpenRequestExists
				}
			}
		}

		now := r.s.now()
		if req.ID == "" {
			req.ID = r.s.newID()
		}
		req.SubmittedAt = now
		req.UpdatedAt = now

		st.requests[req.ID] = copyRequest(req)
		st.track(req.ID)
		return nil
	})
}

func (r *requestStore) GetByID(ctx context.Context, orgID, id string) (*repository.ApprovalRequest, error) {
	var out *repository.ApprovalRequest
	err := r.s.read(ctx, func(st *state) error {
		req, ok := st.requests[id]
		if !ok || req.OrganizationID != orgID {
			return repository.ErrNotFound
		}
		out = copyRequest(req)
		return nil
	})
	return out, err
}

// GetForUpdate needs no extra locking: write transactions are serialized.
func (r *requestStore) GetForUpdate(ctx context.Context, orgID, id string) (*repository.ApprovalRequest, error) {
	return r.GetByID(ctx, orgID, id)
}

func (r *requestStore) Update(ctx context.Context, req *repository.ApprovalRequest) error {
	return r.s.write(ctx, func(st *state) error {
		cur, ok := st.requests[req.ID]
		if !ok {
			return repository.ErrNotFound
		}
		if req.Status == repository.RequestPending && cur.Status != repository.RequestPending {
			for _, other := range st.requests {
				if other.ID != req.ID && other.Status == repository.RequestPending &&
					other.OrganizationID == cur.OrganizationID &&
					other.EntityType == cur.EntityType && other.EntityID == cur.EntityID {
					return repository.ErrOpenRequestExists
				}
			}
		}
		cur.Status = req.Status
		cur.CurrentStepOrder = req.CurrentStepOrder
		cur.CurrentQuorum = req.CurrentQuorum
		cur.CompletedAt = req.CompletedAt
		cur.UpdatedAt = r.s.now()
		req.UpdatedAt = cur.UpdatedAt
		return nil
	})
}

func (r *requestStore) ListByEntity(ctx context.Context, orgID, entityType, entityID string) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	err := r.s.read(ctx, func(st *state) error {
		for _, req := range st.requests {
			if req.OrganizationID == orgID && req.EntityType == entityType && req.EntityID == entityID {
				out = append(out, copyRequest(req))
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
				return out[i].SubmittedAt.After(out[j].SubmittedAt)
			}
			return st.seq[out[i].ID] > st.seq[out[j].ID]
		})
		return nil
	})
	return out, err
}

func (r *requestStore) ListForApprover(ctx context.Context, orgID, userID string, stepStatus repository.StepStatus) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	err := r.s.read(ctx, func(st *state) error {
		matched := make(map[string]bool)
		for _, step := range st.steps {
			if step.Status != stepStatus || matched[step.RequestID] {
				continue
			}
			if !heldBy(step, userID) {
				continue
			}
			req, ok := st.requests[step.RequestID]
			if !ok || req.OrganizationID != orgID {
				continue
			}
			if stepStatus == repository.StepPending && req.Status != repository.RequestPending {
				continue
			}
			matched[req.ID] = true
			out = append(out, copyRequest(req))
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
				return out[i].SubmittedAt.Before(out[j].SubmittedAt)
			}
			return st.seq[out[i].ID] < st.seq[out[j].ID]
		})
		return nil
	})
	return out, err
}

func heldBy(step *repository.ApprovalStep, userID string) bool {
	if step.DelegatedTo != nil {
		return *step.DelegatedTo == userID
	}
	return step.ApproverID == userID
}

// ── Steps ────────────────────────────────────────────────────────────────────

type stepStore struct{ s *Store }

func (p *stepStore) CreateBatch(ctx context.Context, steps []*repository.ApprovalStep) error {
	return p.s.write(ctx, func(st *state) error {
		now := p.s.now()
		for _, step := range steps {
			if step.Status == repository.StepPending {
				for _, other := range st.steps {
					if other.RequestID == step.RequestID && other.ApproverID == step.ApproverID &&
						other.Status == repository.StepPending {
						return repository.ErrPendingStepExists
					}
				}
			}
			if step.ID == "" {
				step.ID = p.s.newID()
			}
			step.CreatedAt = now
			st.steps[step.ID] = copyStep(step)
			st.track(step.ID)
		}
		return nil
	})
}

func (p *stepStore) ListByRequest(ctx context.Context, requestID string) ([]*repository.ApprovalStep, error) {
	var out []*repository.ApprovalStep
	err := p.s.read(ctx, func(st *state) error {
		for _, step := range st.steps {
			if step.RequestID == requestID {
				out = append(out, copyStep(step))
			}
		}
		sortSteps(out, st)
		return nil
	})
	return out, err
}

func (p *stepStore) ListByRequests(ctx context.Context, requestIDs []string) (map[string][]*repository.ApprovalStep, error) {
	want := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		want[id] = true
	}
	out := make(map[string][]*repository.ApprovalStep, len(requestIDs))
	err := p.s.read(ctx, func(st *state) error {
		for _, step := range st.steps {
			if want[step.RequestID] {
				out[step.RequestID] = append(out[step.RequestID], copyStep(step))
			}
		}
		for _, steps := range out {
			sortSteps(steps, st)
		}
		return nil
	})
	return out, err
}

func (p *stepStore) RecordAction(ctx context.Context, id string, status repository.StepStatus, comments *string) (*repository.ApprovalStep, error) {
	var out *repository.ApprovalStep
	err := p.s.write(ctx, func(st *state) error {
		step, ok := st.steps[id]
		if !ok || step.Status != repository.StepPending {
			return repository.ErrStepNotPending
		}
		now := p.s.now()
		step.Status = status
		step.ActionAt = &now
		if comments != nil {
			step.Comments = comments
		}
		out = copyStep(step)
		return nil
	})
	return out, err
}

func (p *stepStore) Delegate(ctx context.Context, id, delegateTo string, comments *string) (*repository.ApprovalStep, error) {
	var out *repository.ApprovalStep
	err := p.s.write(ctx, func(st *state) error {
		step, ok := st.steps[id]
		if !ok || step.Status != repository.StepPending {
			return repository.ErrStepNotPending
		}
		now := p.s.now()
		step.DelegatedTo = &delegateTo
		step.DelegatedAt = &now
		if comments != nil {
			step.Comments = comments
		}
		out = copyStep(step)
		return nil
	})
	return out, err
}

func (p *stepStore) CountByStatus(ctx context.Context, requestID string, stepOrder int, status repository.StepStatus) (int, error) {
	n := 0
	err := p.s.read(ctx, func(st *state) error {
		for _, step := range st.steps {
			if step.RequestID == requestID && step.StepOrder == stepOrder && step.Status == status {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (p *stepStore) SkipPending(ctx context.Context, requestID string) ([]*repository.ApprovalStep, error) {
	var out []*repository.ApprovalStep
	err := p.s.write(ctx, func(st *state) error {
		now := p.s.now()
		for _, step := range st.steps {
			if step.RequestID == requestID && step.Status == repository.StepPending {
				step.Status = repository.StepSkipped
				step.ActionAt = &now
				out = append(out, copyStep(step))
			}
		}
		sortSteps(out, st)
		return nil
	})
	return out, err
}

func sortSteps(steps []*repository.ApprovalStep, st *state) {
	sort.Slice(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		if a.StepOrder != b.StepOrder {
			return a.StepOrder < b.StepOrder
		}
		return st.seq[a.ID] < st.seq[b.ID]
	})
}

// ── Audit ────────────────────────────────────────────────────────────────────

type auditStore struct{ s *Store }

func (a *auditStore) Append(ctx context.Context, entry *repository.AuditEntry) error {
	return a.s.write(ctx, func(st *state) error {
		if entry.ID == "" {
			entry.ID = a.s.newID()
		}
		entry.PerformedAt = a.s.now()
		st.audit = append(st.audit, copyAudit(entry))
		return nil
	})
}

func (a *auditStore) ListByRequest(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	var out []*repository.AuditEntry
	err := a.s.read(ctx, func(st *state) error {
		for _, e := range st.audit {
			if e.RequestID == requestID {
				out = append(out, copyAudit(e))
			}
		}
		return nil
	})
	return out, err
}
