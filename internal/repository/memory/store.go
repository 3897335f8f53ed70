// Package memory is an in-process implementation of the repository stores.
// It keeps the same uniqueness and guarded-update invariants as the
// PostgreSQL schema. Transactions are serialized and work on a copy of the
// committed state that is swapped in on commit.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds all records in memory.
type Store struct {
	txMu sync.Mutex   // held for the whole of a write transaction
	mu   sync.RWMutex // guards committed
	now  func() time.Time

	committed *state
}

type state struct {
	workflows map[string]*repository.Workflow
	requests  map[string]*repository.ApprovalRequest
	steps     map[string]*repository.ApprovalStep
	audit     []*repository.AuditEntry
	seq       map[string]int64 // insertion order, for stable tie-breaks
	next      int64
}

type txKey struct{}

type tx struct {
	store *Store
	st    *state
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now: func() time.Time { return time.Now().UTC() },
		committed: &state{
			workflows: make(map[string]*repository.Workflow),
			requests:  make(map[string]*repository.ApprovalRequest),
			steps:     make(map[string]*repository.ApprovalStep),
			seq:       make(map[string]int64),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repositories returns a repository.Store backed by s.
func (s *Store) Repositories() repository.Store {
	return repository.Store{
		Tx:        s,
		Workflows: &workflowStore{s},
		Requests:  &requestStore{s},
		Steps:     &stepStore{s},
		Audit:     &auditStore{s},
	}
}

// InTransaction runs fn against a private copy of the state. The copy
// replaces the committed state only when fn returns nil. Nested calls join
// the outer transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if t, ok := ctx.Value(txKey{}).(*tx); ok && t.store == s {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.committed.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, &tx{store: s, st: work})); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed = work
	s.mu.Unlock()
	return nil
}

// read runs fn against the transaction state bound to ctx, or against the
// committed state under a read lock.
func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if t, ok := ctx.Value(txKey{}).(*tx); ok && t.store == s {
		return fn(t.st)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.committed)
}

// write runs fn inside the transaction bound to ctx, opening one when
// needed.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		return fn(ctx.Value(txKey{}).(*tx).st)
	})
}

func (s *Store) newID() string {
	return uuid.NewString()
}

func (st *state) track(id string) {
	st.next++
	st.seq[id] = st.next
}

func (st *state) clone() *state {
	c := &state{
		workflows: make(map[string]*repository.Workflow, len(st.workflows)),
		requests:  make(map[string]*repository.ApprovalRequest, len(st.requests)),
		steps:     make(map[string]*repository.ApprovalStep, len(st.steps)),
		audit:     make([]*repository.AuditEntry, len(st.audit)),
		seq:       make(map[string]int64, len(st.seq)),
		next:      st.next,
	}
	for id, wf := range st.workflows {
		c.workflows[id] = copyWorkflow(wf)
	}
	for id, r := range st.requests {
		c.requests[id] = copyRequest(r)
	}
	for id, step := range st.steps {
		c.steps[id] = copyStep(step)
	}
	copy(c.audit, st.audit)
	for id, n := range st.seq {
		c.seq[id] = n
	}
	return c
}

// Records handed to callers are copies; conditions and snapshots are
// treated as immutable and shared.

func copyWorkflow(wf *repository.Workflow) *repository.Workflow {
	c := *wf
	c.Steps = make([]*repository.WorkflowStep, len(wf.Steps))
	for i, s := range wf.Steps {
		sc := *s
		sc.Approvers.UserIDs = append([]string(nil), s.Approvers.UserIDs...)
		if s.Approvers.Computed != nil {
			computed := *s.Approvers.Computed
			sc.Approvers.Computed = &computed
		}
		c.Steps[i] = &sc
	}
	return &c
}

func copyRequest(r *repository.ApprovalRequest) *repository.ApprovalRequest {
	c := *r
	return &c
}

func copyStep(s *repository.ApprovalStep) *repository.ApprovalStep {
	c := *s
	return &c
}

func copyAudit(e *repository.AuditEntry) *repository.AuditEntry {
	c := *e
	return &c
}
