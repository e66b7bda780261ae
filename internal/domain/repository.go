package domain

import (
	"context"
	"time"
)

// GenerationRepository persists generation jobs and their audit trail.
type GenerationRepository interface {
	Create(ctx context.Context, g *Generation) error
	Get(ctx context.Context, id string) (*Generation, error)
	// Transition moves a job to status `to` only from an allowed predecessor.
	Transition(ctx context.Context, id string, to Status) error
	SaveVars(ctx context.Context, id string, vars Vars) error
	Complete(ctx context.Context, id, outputURL, prompt string, vars Vars) error
	Fail(ctx context.Context, id string, detail ErrorDetail, vars Vars) error
	AppendStep(ctx context.Context, step Step) error
	AppendLine(ctx context.Context, id, line string) error
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Generation, error)
	ListByCustomer(ctx context.Context, handle string, limit int) ([]Generation, error)
}

// LedgerRepository persists accounts and the credit transaction log.
type LedgerRepository interface {
	EnsureAccount(ctx context.Context, handle string) (*Account, error)
	// ClaimEntry inserts a pending entry. It reports false without error when
	// the (ref_type, ref_id) pair already exists.
	ClaimEntry(ctx context.Context, entry LedgerEntry) (id int64, claimed bool, err error)
	FindEntry(ctx context.Context, refType, refID string) (*LedgerEntry, error)
	FinishEntry(ctx context.Context, id int64, status string, before, after int64) error
	AppendEntry(ctx context.Context, entry LedgerEntry) error
	// ApplyDelta atomically sets balance = max(0, balance+delta) and, when
	// expiryFloor is set, expires_at = max(expires_at, expiryFloor).
	ApplyDelta(ctx context.Context, handle string, delta int64, expiryFloor *time.Time) (before, after int64, err error)
	// ClaimPreference sets preferences[key] = value unless it already equals value.
	ClaimPreference(ctx context.Context, handle, key, value string) (bool, error)
	// ReleasePreference removes preferences[key] if it still equals value.
	ReleasePreference(ctx context.Context, handle, key, value string) error
	IncrementCounter(ctx context.Context, handle, key string) (int, error)
}
