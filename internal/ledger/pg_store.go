package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

// PGStore persists accounts and ledger entries in Postgres. Idempotency rests
// on the unique (ref_type, ref_id) constraint of credit_ledger.
type PGStore struct {
	sql infra.SQLExecutor
}

func NewPGStore(sql infra.SQLExecutor) *PGStore {
	return &PGStore{sql: sql}
}

func (s *PGStore) EnsureAccount(ctx context.Context, handle string) (*domain.Account, error) {
	var (
		acct  domain.Account
		prefs []byte
	)
	row := s.sql.QueryRow(ctx, sqlinline.QEnsureAccount, handle)
	if err := row.Scan(&acct.Handle, &acct.Balance, &acct.ExpiresAt, &prefs, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	acct.Preferences = map[string]any{}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &acct.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	}
	return &acct, nil
}

func (s *PGStore) ClaimEntry(ctx context.Context, entry domain.LedgerEntry) (int64, bool, error) {
	var id int64
	row := s.sql.QueryRow(ctx, sqlinline.QClaimLedgerEntry,
		entry.CustomerHandle, entry.Delta, entry.Reason, entry.Source, entry.RefType, entry.RefID, nullableJSON(entry.Meta))
	if err := row.Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (s *PGStore) FindEntry(ctx context.Context, refType, refID string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	row := s.sql.QueryRow(ctx, sqlinline.QSelectLedgerEntryByRef, refType, refID)
	err := row.Scan(&e.ID, &e.CustomerHandle, &e.Delta, &e.Reason, &e.Source, &e.RefType, &e.RefID, &e.Status,
		&e.BalanceBefore, &e.BalanceAfter, &e.Meta, &e.CreatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *PGStore) FinishEntry(ctx context.Context, id int64, status string, before, after int64) error {
	_, err := s.sql.Exec(ctx, sqlinline.QFinishLedgerEntry, id, status, before, after)
	return err
}

func (s *PGStore) AppendEntry(ctx context.Context, entry domain.LedgerEntry) error {
	_, err := s.sql.Exec(ctx, sqlinline.QAppendLedgerEntry,
		entry.CustomerHandle, entry.Delta, entry.Reason, entry.Source, entry.BalanceBefore, entry.BalanceAfter, nullableJSON(entry.Meta))
	return err
}

func (s *PGStore) ApplyDelta(ctx context.Context, handle string, delta int64, expiryFloor *time.Time) (int64, int64, error) {
	var before, after int64
	row := s.sql.QueryRow(ctx, sqlinline.QApplyBalanceDelta, handle, delta, expiryFloor)
	if err := row.Scan(&before, &after); err != nil {
		if infra.IsNoRows(err) {
			return 0, 0, domain.ErrNotFound
		}
		return 0, 0, err
	}
	return before, after, nil
}

func (s *PGStore) ClaimPreference(ctx context.Context, handle, key, value string) (bool, error) {
	var got string
	row := s.sql.QueryRow(ctx, sqlinline.QClaimPreference, handle, key, value)
	if err := row.Scan(&got); err != nil {
		if infra.IsNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *PGStore) ReleasePreference(ctx context.Context, handle, key, value string) error {
	_, err := s.sql.Exec(ctx, sqlinline.QReleasePreference, handle, key, value)
	return err
}

func (s *PGStore) IncrementCounter(ctx context.Context, handle, key string) (int, error) {
	var n int
	row := s.sql.QueryRow(ctx, sqlinline.QIncrementPreferenceCounter, handle, key)
	if err := row.Scan(&n); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

var _ domain.LedgerRepository = (*PGStore)(nil)
