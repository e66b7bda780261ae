package domain

import (
	"encoding/json"
	"time"
)

// Ledger entry statuses.
const (
	EntryPending   = "pending"
	EntrySucceeded = "succeeded"
	EntryError     = "error"
)

// Ledger reference kinds. Paired with a job or bucket id they form the
// idempotency key of a ledger mutation.
const (
	RefChargeStill  = "charge:still"
	RefChargeVideo  = "charge:video"
	RefRefundStill  = "refund:still"
	RefRefundVideo  = "refund:video"
	RefRefundSafety = "refund:safety"
	RefAssist       = "assist"
	RefMergeOut     = "merge:out"
	RefMergeIn      = "merge:in"
	RefManual       = "manual"
)

// ChargeRef returns the charge reference kind for mode.
func ChargeRef(m Mode) string {
	if m == ModeVideo {
		return RefChargeVideo
	}
	return RefChargeStill
}

// RefundRef returns the refund reference kind for mode.
func RefundRef(m Mode) string {
	if m == ModeVideo {
		return RefRefundVideo
	}
	return RefRefundStill
}

// Preference keys stored on the account.
const (
	PrefCourtesyRefundDay = "courtesy_refund_day"
	PrefAssistUses        = "assist_uses"
)

// Account is a customer's credit balance.
type Account struct {
	Handle      string
	Balance     int64
	ExpiresAt   *time.Time
	Preferences map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Available is the spendable balance at now; expired credits count as zero.
func (a Account) Available(now time.Time) int64 {
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return 0
	}
	return a.Balance
}

// LedgerEntry is one append-only credit transaction.
type LedgerEntry struct {
	ID             int64
	CustomerHandle string
	Delta          int64
	Reason         string
	Source         string
	RefType        string
	RefID          string
	Status         string
	BalanceBefore  int64
	BalanceAfter   int64
	Meta           json.RawMessage
	CreatedAt      time.Time
}

// HasRef reports whether the entry carries an idempotency reference.
func (e LedgerEntry) HasRef() bool {
	return e.RefType != "" && e.RefID != ""
}
