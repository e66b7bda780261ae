package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"genstudio/internal/domain"
)

// MemoryStore is an in-process GenerationRepository with the same guards as
// the Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]*domain.Generation
	steps map[string][]domain.Step
	now   func() time.Time
	// FailSaveVars makes SaveVars return this error.
	FailSaveVars error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*domain.Generation{}, steps: map[string][]domain.Step{}, now: time.Now}
}

func copyGeneration(g *domain.Generation) *domain.Generation {
	cp := *g
	cp.Lines = append([]string(nil), g.Lines...)
	if g.Error != nil {
		detail := *g.Error
		cp.Error = &detail
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, g *domain.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[g.ID]; ok {
		return fmt.Errorf("generation %s already exists", g.ID)
	}
	if g.ParentID != "" {
		if _, ok := m.rows[g.ParentID]; !ok {
			return fmt.Errorf("parent %s: %w", g.ParentID, domain.ErrNotFound)
		}
	}
	now := m.now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	m.rows[g.ID] = copyGeneration(g)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyGeneration(g), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok || !domain.CanTransition(g.Status, to) {
		return fmt.Errorf("%w: -> %s", domain.ErrInvalidTransition, to)
	}
	g.Status = to
	g.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) SaveVars(_ context.Context, id string, vars domain.Vars) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaveVars != nil {
		return m.FailSaveVars
	}
	g, ok := m.rows[id]
	if !ok || g.Vars.Version >= vars.Version {
		return domain.ErrStaleVars
	}
	g.Vars = vars
	g.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id, outputURL, prompt string, vars domain.Vars) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok || g.Status != domain.StatusGenerating {
		return fmt.Errorf("%w: -> %s", domain.ErrInvalidTransition, domain.StatusDone)
	}
	g.Status, g.OutputURL, g.Prompt, g.Vars = domain.StatusDone, outputURL, prompt, vars
	g.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, id string, detail domain.ErrorDetail, vars domain.Vars) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok || g.Status.IsTerminal() {
		return fmt.Errorf("%w: -> %s", domain.ErrInvalidTransition, domain.StatusError)
	}
	g.Status, g.Error = domain.StatusError, &detail
	if vars.Version > g.Vars.Version {
		g.Vars = vars
	}
	g.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) AppendStep(_ context.Context, step domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[step.GenerationID]
	if n := len(steps); n > 0 && steps[n-1].Seq >= step.Seq {
		return fmt.Errorf("step seq %d not after %d", step.Seq, steps[n-1].Seq)
	}
	m.steps[step.GenerationID] = append(steps, step)
	return nil
}

func (m *MemoryStore) AppendLine(_ context.Context, id, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	g.Lines = append(g.Lines, line)
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, olderThan time.Time, limit int) ([]domain.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Generation
	for _, g := range m.rows {
		if !g.Status.IsTerminal() && g.UpdatedAt.Before(olderThan) {
			out = append(out, *copyGeneration(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, handle string, limit int) ([]domain.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Generation
	for _, g := range m.rows {
		if g.CustomerHandle == handle {
			out = append(out, *copyGeneration(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Steps returns the audit log recorded for id.
func (m *MemoryStore) Steps(id string) []domain.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Step(nil), m.steps[id]...)
}

// SetClock replaces the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

var _ domain.GenerationRepository = (*MemoryStore)(nil)
