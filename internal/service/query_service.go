package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// QueryService serves read-only views of requests. Every read goes to the
// store so a caller always sees its own committed writes.
type QueryService struct {
	store repository.Store
}

// NewQueryService creates a new QueryService.
func NewQueryService(store repository.Store) *QueryService {
	return &QueryService{store: store}
}

// RequestDetail is a request with all of its steps, ordered by step order
// then creation.
type RequestDetail struct {
	Request *repository.ApprovalRequest
	Steps   []*repository.ApprovalStep
}

// ListPending returns the requests where the actor holds a step in status,
// as approver or as delegate. status defaults to pending, in which case only
// pending requests are returned.
func (q *QueryService) ListPending(ctx context.Context, actor Actor, status repository.StepStatus) ([]*RequestDetail, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if status == "" {
		status = repository.StepPending
	}
	if !status.IsValid() {
		return nil, errors.InvalidInput("status", "unknown step status "+string(status))
	}

	requests, err := q.store.Requests.ListForApprover(ctx, actor.OrganizationID, actor.UserID, status)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return []*RequestDetail{}, nil
	}

	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.ID
	}
	steps, err := q.store.Steps.ListByRequests(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*RequestDetail, len(requests))
	for i, r := range requests {
		out[i] = &RequestDetail{Request: r, Steps: steps[r.ID]}
	}
	return out, nil
}

// GetRequest returns a request and its steps.
func (q *QueryService) GetRequest(ctx context.Context, actor Actor, requestID string) (*RequestDetail, error) {
	req, err := q.request(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}
	steps, err := q.store.Steps.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &RequestDetail{Request: req, Steps: steps}, nil
}

// History returns every request ever made for an entity, newest first.
func (q *QueryService) History(ctx context.Context, actor Actor, entityType, entityID string) ([]*repository.ApprovalRequest, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if entityType == "" {
		return nil, errors.InvalidInput("entity_type", "entity type is required")
	}
	if entityID == "" {
		return nil, errors.InvalidInput("entity_id", "entity id is required")
	}

	requests, err := q.store.Requests.ListByEntity(ctx, actor.OrganizationID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = []*repository.ApprovalRequest{}
	}
	return requests, nil
}

// AuditTrail returns the audit log of a request, oldest first.
func (q *QueryService) AuditTrail(ctx context.Context, actor Actor, requestID string) ([]*repository.AuditEntry, error) {
	req, err := q.request(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}
	return q.store.Audit.ListByRequest(ctx, req.ID)
}

func (q *QueryService) request(ctx context.Context, actor Actor, requestID string) (*repository.ApprovalRequest, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	req, err := q.store.Requests.GetByID(ctx, actor.OrganizationID, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	return req, err
}
