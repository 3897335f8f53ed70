package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ApproverResolver turns a step's approver spec into concrete user ids.
type ApproverResolver struct {
	directory Directory
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(directory Directory) *ApproverResolver {
	return &ApproverResolver{directory: directory}
}

// Resolve returns the sorted, de-duplicated approvers for step. Role and
// manager-chain lookups hit the directory on every call. An empty result is
// ErrNoEligibleApprovers.
func (r *ApproverResolver) Resolve(
	ctx context.Context,
	orgID string,
	step *repository.WorkflowStep,
	snapshot rules.Snapshot,
) ([]string, error) {
	var (
		ids []string
		err error
	)

	spec := step.Approvers
	switch spec.Kind {
	case repository.ApproversStaticUsers:
		ids = spec.UserIDs
	case repository.ApproversRole:
		ids, err = r.directory.UsersWithRole(ctx, orgID, spec.Role)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal,
				fmt.Sprintf("failed to resolve role %q", spec.Role))
		}
	case repository.ApproversComputed:
		ids, err = r.computed(ctx, orgID, spec.Computed, snapshot)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("step %d of workflow %s has unknown approver kind %q: %w",
			step.StepOrder, step.WorkflowID, spec.Kind, ErrNoEligibleApprovers)
	}

	out := normalize(ids)
	if len(out) == 0 {
		return nil, fmt.Errorf("step %d of workflow %s has no eligible approvers: %w",
			step.StepOrder, step.WorkflowID, ErrNoEligibleApprovers)
	}
	return out, nil
}

func (r *ApproverResolver) computed(
	ctx context.Context,
	orgID string,
	c *repository.ComputedApprovers,
	snapshot rules.Snapshot,
) ([]string, error) {
	if c == nil {
		return nil, nil
	}

	switch c.Source {
	case repository.ComputedAttribute:
		return userIDs(snapshot[c.Attribute]), nil
	case repository.ComputedManagerChain:
		subject, ok := snapshot[c.Attribute].(string)
		if !ok || subject == "" {
			return nil, nil
		}
		levels := c.Levels
		if levels <= 0 {
			levels = 1
		}
		chain, err := r.directory.ManagerChain(ctx, orgID, subject, levels)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal,
				fmt.Sprintf("failed to resolve manager chain of %q", subject))
		}
		return chain, nil
	}
	return nil, nil
}

// userIDs accepts a single id or a list of ids from a snapshot attribute.
// Anything else yields no approvers.
func userIDs(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func normalize(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
