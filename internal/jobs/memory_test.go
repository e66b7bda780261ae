package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstudio/internal/domain"
)

func newJob(id string) *domain.Generation {
	return &domain.Generation{
		ID:             id,
		CustomerHandle: "user:u1",
		Mode:           domain.ModeStill,
		Status:         domain.StatusQueued,
		Vars:           domain.Vars{Version: 1},
	}
}

func TestMemoryStoreFollowsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newJob("g1")))

	require.NoError(t, store.Transition(ctx, "g1", domain.StatusPrompting))
	err := store.Transition(ctx, "g1", domain.StatusDone)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, store.Transition(ctx, "g1", domain.StatusGenerating))
	g, err := store.Get(ctx, "g1")
	require.NoError(t, err)
	vars := g.Vars.WithOutputs(domain.Outputs{URL: "https://cdn/x.png"})
	require.NoError(t, store.Complete(ctx, "g1", "https://cdn/x.png", "final prompt", vars))

	g, err = store.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, g.Status)
	assert.Equal(t, "https://cdn/x.png", g.OutputURL)

	require.ErrorIs(t, store.Fail(ctx, "g1", domain.ErrorDetail{Code: domain.CodeInternal}, vars), domain.ErrInvalidTransition)
	require.ErrorIs(t, store.Transition(ctx, "g1", domain.StatusError), domain.ErrInvalidTransition)
}

func TestMemoryStoreRejectsStaleVars(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newJob("g1")))

	g, _ := store.Get(ctx, "g1")
	next := g.Vars.WithPrompts(domain.Prompts{Synthesized: "a"})
	require.NoError(t, store.SaveVars(ctx, "g1", next))
	require.ErrorIs(t, store.SaveVars(ctx, "g1", next), domain.ErrStaleVars)
	require.ErrorIs(t, store.SaveVars(ctx, "g1", g.Vars), domain.ErrStaleVars)
}

func TestMemoryStoreFailKeepsNewestVars(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newJob("g1")))
	g, _ := store.Get(ctx, "g1")
	newer := g.Vars.WithMeta(domain.Meta{Cost: 2})
	require.NoError(t, store.SaveVars(ctx, "g1", newer))

	detail := domain.ErrorDetail{Code: domain.CodeProviderTimeout, Message: "deadline"}
	require.NoError(t, store.Fail(ctx, "g1", detail, g.Vars))

	g, _ = store.Get(ctx, "g1")
	assert.Equal(t, domain.StatusError, g.Status)
	require.NotNil(t, g.Error)
	assert.Equal(t, domain.CodeProviderTimeout, g.Error.Code)
	assert.Equal(t, int64(2), g.Vars.Meta.Cost)
}

func TestMemoryStoreRequiresExistingParent(t *testing.T) {
	store := NewMemoryStore()
	child := newJob("g2")
	child.ParentID = "missing"
	require.ErrorIs(t, store.Create(context.Background(), child), domain.ErrNotFound)
}

func TestMemoryStoreLinesAndSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newJob("g1")))
	require.NoError(t, store.AppendLine(ctx, "g1", "warming up"))
	require.NoError(t, store.AppendLine(ctx, "g1", "mixing colors"))

	now := time.Now()
	require.NoError(t, store.AppendStep(ctx, domain.Step{GenerationID: "g1", Seq: 1, Type: "prompt", StartedAt: now, FinishedAt: now}))
	require.Error(t, store.AppendStep(ctx, domain.Step{GenerationID: "g1", Seq: 1, Type: "prompt"}))

	g, _ := store.Get(ctx, "g1")
	assert.Equal(t, []string{"warming up", "mixing colors"}, g.Lines)
	assert.Len(t, store.Steps("g1"), 1)
}

func TestMemoryStoreListStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	require.NoError(t, store.Create(ctx, newJob("old")))
	require.NoError(t, store.Create(ctx, newJob("done")))
	require.NoError(t, store.Transition(ctx, "done", domain.StatusPrompting))
	require.NoError(t, store.Transition(ctx, "done", domain.StatusSuggested))

	store.SetClock(func() time.Time { return base.Add(time.Hour) })
	require.NoError(t, store.Create(ctx, newJob("fresh")))

	stale, err := store.ListStale(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	mine, err := store.ListByCustomer(ctx, "user:u1", 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "fresh", mine[0].ID)
}
