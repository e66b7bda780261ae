package pipeline

import (
	"context"
	"errors"
	"fmt"

	"genstudio/internal/domain"
	"genstudio/internal/ledger"
)

// assistBucket is the number of assist uses billed as one credit.
const assistBucket = 10

// AssistResult reports the metering outcome of one confirmation.
type AssistResult struct {
	JobID   string `json:"job_id"`
	Use     int    `json:"use"`
	Charged bool   `json:"charged"`
	Balance int64  `json:"balance"`
}

// ConfirmAssist meters the customer accepting a suggested prompt. Every
// tenth use costs one credit. A retried confirmation of the same job reuses
// its stored use number, so it is never counted or billed twice.
func (o *Orchestrator) ConfirmAssist(ctx context.Context, handle, jobID string) (AssistResult, error) {
	if handle == "" {
		return AssistResult{}, domain.ErrMissingIdentity
	}
	g, err := o.Get(ctx, handle, jobID)
	if err != nil {
		return AssistResult{}, err
	}
	if g.Status != domain.StatusSuggested {
		return AssistResult{}, fmt.Errorf("%w: job is %s, not suggested", domain.ErrInvalidInput, g.Status)
	}

	use := g.Vars.Meta.AssistUse
	if use == 0 {
		use, err = o.ledger.IncrementAssistUses(ctx, handle)
		if err != nil {
			return AssistResult{}, err
		}
		meta := g.Vars.Meta
		meta.AssistUse = use
		if err := o.jobs.SaveVars(ctx, jobID, g.Vars.WithMeta(meta)); err != nil {
			if !errors.Is(err, domain.ErrStaleVars) {
				return AssistResult{}, err
			}
			// A concurrent confirmation won; adopt its use number.
			latest, err := o.jobs.Get(ctx, jobID)
			if err != nil {
				return AssistResult{}, err
			}
			if latest.Vars.Meta.AssistUse != 0 {
				use = latest.Vars.Meta.AssistUse
			}
		}
	}

	out := AssistResult{JobID: jobID, Use: use}
	if use%assistBucket == 0 {
		res, err := o.ledger.Adjust(ctx, ledger.Adjustment{
			Handle:  handle,
			Delta:   -1,
			Reason:  "assist",
			Source:  "assist",
			RefType: domain.RefAssist,
			RefID:   fmt.Sprintf("%s:%d", handle, use/assistBucket),
			Meta:    map[string]any{"job_id": jobID, "use": use},
		})
		if err != nil {
			return AssistResult{}, err
		}
		out.Charged = true
		out.Balance = res.Balance
		return out, nil
	}
	acct, err := o.ledger.GetBalance(ctx, handle)
	if err != nil {
		return AssistResult{}, err
	}
	out.Balance = acct.Balance
	return out, nil
}
