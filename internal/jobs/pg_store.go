// Package jobs persists generation jobs, their step audit log and line history.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

// PGStore is the Postgres GenerationRepository.
type PGStore struct {
	sql infra.SQLExecutor
}

func NewPGStore(sql infra.SQLExecutor) *PGStore {
	return &PGStore{sql: sql}
}

func (s *PGStore) Create(ctx context.Context, g *domain.Generation) error {
	vars, err := g.Vars.Marshal()
	if err != nil {
		return fmt.Errorf("encode vars: %w", err)
	}
	row := s.sql.QueryRow(ctx, sqlinline.QInsertGeneration,
		g.ID, g.ParentID, g.CustomerHandle, string(g.Mode), string(g.Status), vars, g.Vars.Version)
	return row.Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (s *PGStore) Get(ctx context.Context, id string) (*domain.Generation, error) {
	g, err := scanGeneration(s.sql.QueryRow(ctx, sqlinline.QSelectGeneration, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

func (s *PGStore) Transition(ctx context.Context, id string, to domain.Status) error {
	from := make([]string, 0, 3)
	for _, st := range domain.Predecessors(to) {
		from = append(from, string(st))
	}
	var got string
	if err := s.sql.QueryRow(ctx, sqlinline.QTransitionGeneration, id, string(to), from).Scan(&got); err != nil {
		if infra.IsNoRows(err) {
			return fmt.Errorf("%w: -> %s", domain.ErrInvalidTransition, to)
		}
		return err
	}
	return nil
}

func (s *PGStore) SaveVars(ctx context.Context, id string, vars domain.Vars) error {
	raw, err := vars.Marshal()
	if err != nil {
		return fmt.Errorf("encode vars: %w", err)
	}
	tag, err := s.sql.Exec(ctx, sqlinline.QSaveGenerationVars, id, raw, vars.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleVars
	}
	return nil
}

func (s *PGStore) Complete(ctx context.Context, id, outputURL, prompt string, vars domain.Vars) error {
	raw, err := vars.Marshal()
	if err != nil {
		return fmt.Errorf("encode vars: %w", err)
	}
	tag, err := s.sql.Exec(ctx, sqlinline.QCompleteGeneration, id, outputURL, prompt, raw, vars.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: -> %s", domain.ErrInvalidTransition, domain.StatusDone)
	}
	return nil
}

func (s *PGStore) Fail(ctx context.Context, id string, detail domain.ErrorDetail, vars domain.Vars) error {
	rawDetail, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode error detail: %w", err)
	}
	raw, err := vars.Marshal()
	if err != nil {
		return fmt.Errorf("encode vars: %w", err)
	}
	tag, err := s.sql.Exec(ctx, sqlinline.QFailGeneration, id, rawDetail, raw, vars.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: -> %s", domain.ErrInvalidTransition, domain.StatusError)
	}
	return nil
}

func (s *PGStore) AppendStep(ctx context.Context, step domain.Step) error {
	payload, err := json.Marshal(step.Payload)
	if err != nil {
		return fmt.Errorf("encode step payload: %w", err)
	}
	_, err = s.sql.Exec(ctx, sqlinline.QInsertGenerationStep,
		step.GenerationID, step.Seq, step.Type, payload, step.StartedAt, step.FinishedAt)
	return err
}

func (s *PGStore) AppendLine(ctx context.Context, id, line string) error {
	_, err := s.sql.Exec(ctx, sqlinline.QAppendGenerationLine, id, line)
	return err
}

func (s *PGStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Generation, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QSelectStaleGenerations, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *PGStore) ListByCustomer(ctx context.Context, handle string, limit int) ([]domain.Generation, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QSelectCustomerGenerations, handle, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]domain.Generation, error) {
	defer rows.Close()
	var out []domain.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGeneration(row pgx.Row) (*domain.Generation, error) {
	var (
		g         domain.Generation
		mode      string
		status    string
		vars      []byte
		errDetail []byte
		lines     []byte
	)
	if err := row.Scan(&g.ID, &g.ParentID, &g.CustomerHandle, &mode, &status, &vars,
		&g.OutputURL, &g.Prompt, &errDetail, &lines, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Mode = domain.Mode(mode)
	g.Status = domain.Status(status)
	v, err := domain.UnmarshalVars(vars)
	if err != nil {
		return nil, fmt.Errorf("decode vars: %w", err)
	}
	g.Vars = v
	if len(errDetail) > 0 && string(errDetail) != "null" {
		var detail domain.ErrorDetail
		if err := json.Unmarshal(errDetail, &detail); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
		g.Error = &detail
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &g.Lines); err != nil {
			return nil, fmt.Errorf("decode lines: %w", err)
		}
	}
	return &g, nil
}

var _ domain.GenerationRepository = (*PGStore)(nil)
