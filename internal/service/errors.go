package service

import "github.com/pesio-ai/be-plt-approvals/pkg/errors"

// Engine errors. Each carries a code for transport mapping and can be matched
// with errors.Is through any wrapping.
var (
	// configuration
	ErrNoMatchingWorkflow  = errors.New(errors.ErrCodeFailedPrecondition, "no approval workflow matches this entity")
	ErrWorkflowHasNoSteps  = errors.New(errors.ErrCodeFailedPrecondition, "approval workflow has no steps")
	ErrNoEligibleApprovers = errors.New(errors.ErrCodeFailedPrecondition, "no eligible approvers")
	ErrQuorumUnreachable   = errors.New(errors.ErrCodeFailedPrecondition, "step quorum exceeds the number of eligible approvers")

	// state
	ErrRequestNotFound   = errors.New(errors.ErrCodeNotFound, "approval request not found")
	ErrWorkflowNotFound  = errors.New(errors.ErrCodeNotFound, "approval workflow not found")
	ErrRequestNotPending = errors.New(errors.ErrCodeConflict, "approval request is not pending")
	ErrNoEligibleStep    = errors.New(errors.ErrCodeConflict, "no pending approval step for this user")
	ErrDelegateHasStep   = errors.New(errors.ErrCodeConflict, "delegate already has a pending step on this request")

	// authorization
	ErrInsufficientPermission = errors.New(errors.ErrCodeForbidden, "user is not permitted to approve this entity type")
	ErrNotRequester           = errors.New(errors.ErrCodeForbidden, "only the requester can cancel an approval request")

	// duplicate submission
	ErrDuplicateRequest = errors.New(errors.ErrCodeAlreadyExists, "a pending approval request already exists for this entity")
)
