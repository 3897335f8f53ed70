package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostgresRepositories_MalformedIDIsNotFound(t *testing.T) {
	ctx := context.Background()
	// no pool: a malformed id must be rejected before any query runs
	requests := NewRequestRepository(nil)
	workflows := NewWorkflowRepository(nil)

	for _, id := range []string{"abc", "", "123", "00000000-0000-0000-0000-00000000000g"} {
		t.Run(id, func(t *testing.T) {
			_, err := requests.GetByID(ctx, "org-1", id)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = requests.GetForUpdate(ctx, "org-1", id)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = workflows.GetByID(ctx, "org-1", id)
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, workflows.SetActive(ctx, "org-1", id, false), ErrNotFound)
		})
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, validID("8f14e45f-ceea-4672-a4d8-1c2f6c7b6a10"))
	assert.False(t, validID("request-1"))
}
