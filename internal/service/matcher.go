package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// WorkflowMatcher picks the workflow governing a submitted entity.
type WorkflowMatcher struct {
	workflows repository.WorkflowStore
}

// NewWorkflowMatcher creates a new WorkflowMatcher.
func NewWorkflowMatcher(workflows repository.WorkflowStore) *WorkflowMatcher {
	return &WorkflowMatcher{workflows: workflows}
}

// FindMatchingWorkflow returns the highest-priority active workflow whose
// conditions match the snapshot. Lower priority values win; ties go to the
// earliest created, then the lowest id. Returns ErrNoMatchingWorkflow when
// nothing matches.
func (m *WorkflowMatcher) FindMatchingWorkflow(
	ctx context.Context,
	orgID, entityType string,
	snapshot rules.Snapshot,
) (*repository.Workflow, error) {
	candidates, err := m.workflows.ListActive(ctx, orgID, entityType)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return precedes(candidates[i], candidates[j])
	})

	for _, wf := range candidates {
		if rules.Matches(wf.Conditions, snapshot) {
			return wf, nil
		}
	}
	return nil, ErrNoMatchingWorkflow
}

func precedes(a, b *repository.Workflow) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
