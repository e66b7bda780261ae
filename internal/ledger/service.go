// Package ledger applies credit mutations at most once per idempotency reference.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
)

// Adjustment describes one balance mutation.
type Adjustment struct {
	Handle  string
	Delta   float64
	Reason  string
	Source  string
	RefType string
	RefID   string
	// EventTime anchors the expiry extension; zero means now.
	EventTime time.Time
	Meta      map[string]any
}

// Result reports the balance around a mutation.
type Result struct {
	Before  int64
	After   int64
	Balance int64
	// Duplicate is set when the reference was already claimed; nothing was mutated.
	Duplicate bool
	// Denied is set when a courtesy refund was refused for the day.
	Denied bool
}

// Service is the credit ledger.
type Service struct {
	store     domain.LedgerRepository
	graceDays int
	now       func() time.Time
	logger    zerolog.Logger
}

// Options configures a Service.
type Options struct {
	GraceDays int
	Now       func() time.Time
	Logger    *zerolog.Logger
}

func NewService(store domain.LedgerRepository, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	grace := opts.GraceDays
	if grace <= 0 {
		grace = 365
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Service{store: store, graceDays: grace, now: now, logger: logger}
}

// GetBalance returns the customer's account, creating it at zero if needed.
func (s *Service) GetBalance(ctx context.Context, handle string) (domain.Account, error) {
	if strings.TrimSpace(handle) == "" {
		return domain.Account{}, domain.ErrMissingIdentity
	}
	acct, err := s.store.EnsureAccount(ctx, handle)
	if err != nil {
		return domain.Account{}, fmt.Errorf("ledger: load account: %w", err)
	}
	return *acct, nil
}

// HasEntry reports whether a mutation with this reference was claimed.
func (s *Service) HasEntry(ctx context.Context, refType, refID string) (bool, error) {
	entry, err := s.store.FindEntry(ctx, refType, refID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: find entry: %w", err)
	}
	return entry != nil, nil
}

// Entry returns the claimed entry for a reference.
func (s *Service) Entry(ctx context.Context, refType, refID string) (*domain.LedgerEntry, error) {
	return s.store.FindEntry(ctx, refType, refID)
}

// Adjust applies delta to the customer's balance. With a reference pair the
// slot is claimed first; an already-claimed slot returns the recorded result
// and the current balance without mutating anything.
func (s *Service) Adjust(ctx context.Context, adj Adjustment) (Result, error) {
	delta, err := validateDelta(adj.Delta)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(adj.Handle) == "" {
		return Result{}, domain.ErrMissingIdentity
	}
	if (adj.RefType == "") != (adj.RefID == "") {
		return Result{}, fmt.Errorf("%w: ref_type and ref_id go together", domain.ErrInvalidInput)
	}
	acct, err := s.store.EnsureAccount(ctx, adj.Handle)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: ensure account: %w", err)
	}
	meta, err := encodeMeta(adj.Meta)
	if err != nil {
		return Result{}, err
	}
	entry := domain.LedgerEntry{
		CustomerHandle: adj.Handle,
		Delta:          delta,
		Reason:         adj.Reason,
		Source:         adj.Source,
		RefType:        adj.RefType,
		RefID:          adj.RefID,
		Status:         domain.EntryPending,
		Meta:           meta,
	}

	var entryID int64
	if entry.HasRef() {
		id, claimed, err := s.store.ClaimEntry(ctx, entry)
		if err != nil {
			return Result{}, fmt.Errorf("ledger: claim %s/%s: %w", adj.RefType, adj.RefID, err)
		}
		if !claimed {
			return s.duplicate(ctx, adj, acct.Balance)
		}
		entryID = id
	}

	before, after, err := s.store.ApplyDelta(ctx, adj.Handle, delta, s.expiryFloor(delta, adj.EventTime))
	if err != nil {
		if entryID != 0 {
			if markErr := s.store.FinishEntry(ctx, entryID, domain.EntryError, acct.Balance, acct.Balance); markErr != nil {
				s.logger.Error().Err(markErr).Int64("entry_id", entryID).Msg("ledger: mark entry error failed")
			}
		}
		return Result{}, fmt.Errorf("ledger: apply delta: %w", err)
	}

	if entryID != 0 {
		if err := s.store.FinishEntry(ctx, entryID, domain.EntrySucceeded, before, after); err != nil {
			// the balance already moved; the claim still guards against a re-apply
			s.logger.Error().Err(err).Int64("entry_id", entryID).Msg("ledger: mark entry succeeded failed")
		}
	} else {
		entry.Status = domain.EntrySucceeded
		entry.BalanceBefore, entry.BalanceAfter = before, after
		if err := s.store.AppendEntry(ctx, entry); err != nil {
			s.logger.Error().Err(err).Str("customer", adj.Handle).Msg("ledger: append entry failed")
		}
	}
	s.logger.Info().
		Str("customer", adj.Handle).
		Int64("delta", delta).
		Str("ref_type", adj.RefType).
		Str("ref_id", adj.RefID).
		Int64("before", before).
		Int64("after", after).
		Msg("ledger: adjusted")
	return Result{Before: before, After: after, Balance: after}, nil
}

func (s *Service) duplicate(ctx context.Context, adj Adjustment, fallback int64) (Result, error) {
	current := fallback
	if acct, err := s.store.EnsureAccount(ctx, adj.Handle); err == nil {
		current = acct.Balance
	}
	res := Result{Before: current, After: current, Balance: current, Duplicate: true}
	entry, err := s.store.FindEntry(ctx, adj.RefType, adj.RefID)
	if err == nil && entry != nil && entry.Status == domain.EntrySucceeded {
		res.Before, res.After = entry.BalanceBefore, entry.BalanceAfter
	}
	s.logger.Debug().Str("ref_type", adj.RefType).Str("ref_id", adj.RefID).Msg("ledger: already applied")
	return res, nil
}

// CourtesyRefund grants a safety-triggered refund at most once per customer
// per UTC calendar day. Later requests on the same day are denied without
// touching the balance.
func (s *Service) CourtesyRefund(ctx context.Context, handle, jobID string, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("%w: courtesy refund must be positive", domain.ErrInvalidDelta)
	}
	if done, err := s.HasEntry(ctx, domain.RefRefundSafety, jobID); err != nil {
		return Result{}, err
	} else if done {
		return s.Adjust(ctx, Adjustment{Handle: handle, Delta: float64(amount), RefType: domain.RefRefundSafety, RefID: jobID})
	}
	day := s.now().UTC().Format("2006-01-02")
	claimed, err := s.store.ClaimPreference(ctx, handle, domain.PrefCourtesyRefundDay, day)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: claim courtesy day: %w", err)
	}
	if !claimed {
		acct, err := s.GetBalance(ctx, handle)
		if err != nil {
			return Result{}, err
		}
		s.logger.Info().Str("customer", handle).Str("job_id", jobID).Str("day", day).Msg("ledger: courtesy refund denied")
		return Result{Before: acct.Balance, After: acct.Balance, Balance: acct.Balance, Denied: true}, nil
	}
	res, err := s.Adjust(ctx, Adjustment{
		Handle:  handle,
		Delta:   float64(amount),
		Reason:  "courtesy refund",
		Source:  "safety",
		RefType: domain.RefRefundSafety,
		RefID:   jobID,
		Meta:    map[string]any{"day": day},
	})
	if err != nil {
		// an unpaid courtesy refund does not use up the day
		if relErr := s.store.ReleasePreference(context.WithoutCancel(ctx), handle, domain.PrefCourtesyRefundDay, day); relErr != nil {
			s.logger.Error().Err(relErr).Str("customer", handle).Str("day", day).Msg("ledger: courtesy day lost")
		}
		return Result{}, err
	}
	return res, nil
}

// Merge moves the whole balance of from into to. Each (from, to) pair merges
// once; a retried merge resumes the credit side if only the debit landed.
func (s *Service) Merge(ctx context.Context, from, to string) (Result, error) {
	if from == "" || to == "" || from == to {
		return Result{}, fmt.Errorf("%w: merge needs two distinct handles", domain.ErrInvalidInput)
	}
	ref := from + ">" + to
	out, err := s.store.FindEntry(ctx, domain.RefMergeOut, ref)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Result{}, fmt.Errorf("ledger: find merge entry: %w", err)
	}
	var moved int64
	if out != nil {
		moved = out.BalanceBefore - out.BalanceAfter
	} else {
		src, err := s.GetBalance(ctx, from)
		if err != nil {
			return Result{}, err
		}
		if src.Balance > 0 {
			res, err := s.Adjust(ctx, Adjustment{
				Handle:  from,
				Delta:   float64(-src.Balance),
				Reason:  "merge",
				Source:  "merge",
				RefType: domain.RefMergeOut,
				RefID:   ref,
				Meta:    map[string]any{"into": to},
			})
			if err != nil {
				return Result{}, err
			}
			moved = res.Before - res.After
		}
	}
	if moved <= 0 {
		acct, err := s.GetBalance(ctx, to)
		if err != nil {
			return Result{}, err
		}
		return Result{Before: acct.Balance, After: acct.Balance, Balance: acct.Balance}, nil
	}
	return s.Adjust(ctx, Adjustment{
		Handle:  to,
		Delta:   float64(moved),
		Reason:  "merge",
		Source:  "merge",
		RefType: domain.RefMergeIn,
		RefID:   ref,
	})
}

// IncrementAssistUses bumps the customer's type-for-me usage counter.
func (s *Service) IncrementAssistUses(ctx context.Context, handle string) (int, error) {
	if _, err := s.store.EnsureAccount(ctx, handle); err != nil {
		return 0, fmt.Errorf("ledger: ensure account: %w", err)
	}
	n, err := s.store.IncrementCounter(ctx, handle, domain.PrefAssistUses)
	if err != nil {
		return 0, fmt.Errorf("ledger: increment assist uses: %w", err)
	}
	return n, nil
}

func (s *Service) expiryFloor(delta int64, eventTime time.Time) *time.Time {
	if delta <= 0 {
		return nil
	}
	if eventTime.IsZero() {
		eventTime = s.now()
	}
	floor := eventTime.UTC().AddDate(0, 0, s.graceDays)
	return &floor
}

func validateDelta(delta float64) (int64, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, fmt.Errorf("%w: not a finite number", domain.ErrInvalidDelta)
	}
	if delta == 0 {
		return 0, fmt.Errorf("%w: zero", domain.ErrInvalidDelta)
	}
	if delta != math.Trunc(delta) {
		return 0, fmt.Errorf("%w: credits are whole numbers", domain.ErrInvalidDelta)
	}
	if math.Abs(delta) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: out of range", domain.ErrInvalidDelta)
	}
	return int64(delta), nil
}

func encodeMeta(meta map[string]any) (json.RawMessage, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode meta: %w", err)
	}
	return raw, nil
}
