/*
reconciler.go - Ledger-vs-store drift detection and repair

PURPOSE:
  The authoritative balance store and the durable withdrawal ledger are two
  systems of record. After crashes, failed compensations, or lingering ledger
  rows from an interrupted release, they can disagree. The Reconciler compares
  them per funding and corrects drift IN THE SAFE DIRECTION ONLY.

THE TWO TOTALS (per funding, compared at 2 decimal places):
    allocatedPerStore  = amount - amountAvailable      (authoritative store)
    allocatedPerLedger = SUM(withdrawal amounts)       (durable ledger)

VERDICTS:
  correct       equal; no action.
  over-matched  ledger > store. Logged only, NEVER auto-corrected: fixing it
                would take back money a donor has already been shown.
  under-matched store > ledger. In Fix mode the difference is atomically
                added back to the store, moving it toward the ledger, which
                is treated as the more trustworthy side during disaster
                recovery.

Check mode never mutates any balance under any input.
*/
package matching

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ReconcileMode selects between reporting and repairing.
type ReconcileMode int

const (
	// ModeCheck reports drift without mutating anything.
	ModeCheck ReconcileMode = iota
	// ModeFix additionally credits under-matched fundings back toward the
	// ledger total.
	ModeFix
)

func (m ReconcileMode) String() string {
	if m == ModeFix {
		return "fix"
	}
	return "check"
}

// Reconciler compares ledger-derived totals with authoritative-store totals.
type Reconciler struct {
	store       AmountStore
	fundings    FundingRepository
	withdrawals WithdrawalRepository
	log         zerolog.Logger
}

func NewReconciler(store AmountStore, fundings FundingRepository, withdrawals WithdrawalRepository, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		fundings:    fundings,
		withdrawals: withdrawals,
		log:         log.With().Str("component", "reconciler").Logger(),
	}
}

// ReconciliationSummary is the operator-facing result of one sweep.
type ReconciliationSummary struct {
	Checked      int
	Correct      int
	OverMatched  int
	UnderMatched int
	Fixed        int
}

// Run sweeps every funding once. Per-funding faults are logged and skipped so
// one broken row cannot hide drift on the rest.
func (r *Reconciler) Run(ctx context.Context, mode ReconcileMode) (ReconciliationSummary, error) {
	fundings, err := r.fundings.AllFundings(ctx)
	if err != nil {
		return ReconciliationSummary{}, fmt.Errorf("list fundings: %w", err)
	}

	var summary ReconciliationSummary
	for _, f := range fundings {
		summary.Checked++

		// Snapshot read is the documented emergency use of AmountAvailable:
		// reconciliation runs out-of-band, and a stale read only delays a fix
		// to the next sweep.
		available, err := r.store.AmountAvailable(ctx, f)
		if err != nil {
			r.log.Error().Err(err).Str("funding_id", string(f.ID)).Msg("store balance read failed")
			continue
		}
		perStore := f.Amount.Sub(available)
		perLedger, err := r.withdrawals.TotalForFunding(ctx, f)
		if err != nil {
			r.log.Error().Err(err).Str("funding_id", string(f.ID)).Msg("ledger total failed")
			continue
		}

		switch {
		case perStore.EqualAtCents(perLedger):
			summary.Correct++

		case perLedger.GreaterThan(perStore):
			summary.OverMatched++
			r.log.Error().
				Str("funding_id", string(f.ID)).
				Str("allocated_per_store", perStore.String()).
				Str("allocated_per_ledger", perLedger.String()).
				Msg("funding over-matched; manual intervention required, not auto-corrected")

		default: // under-matched: store claims more allocated than the ledger shows
			summary.UnderMatched++
			diff := perStore.Sub(perLedger)
			r.log.Warn().
				Str("funding_id", string(f.ID)).
				Str("allocated_per_store", perStore.String()).
				Str("allocated_per_ledger", perLedger.String()).
				Str("difference", diff.String()).
				Str("mode", mode.String()).
				Msg("funding under-matched")
			if mode != ModeFix {
				continue
			}
			if err := r.fix(ctx, f, diff); err != nil {
				r.log.Error().Err(err).Str("funding_id", string(f.ID)).Msg("reconciliation fix failed")
				continue
			}
			summary.Fixed++
		}
	}

	r.log.Info().
		Str("mode", mode.String()).
		Int("checked", summary.Checked).
		Int("correct", summary.Correct).
		Int("over_matched", summary.OverMatched).
		Int("under_matched", summary.UnderMatched).
		Int("fixed", summary.Fixed).
		Msg("reconciliation sweep complete")
	return summary, nil
}

// fix credits diff back into the authoritative store and flushes the entity
// snapshot. Only ever INCREASES a funding's available balance.
func (r *Reconciler) fix(ctx context.Context, f *CampaignFunding, diff Money) error {
	return r.store.Transact(ctx, func(ctx context.Context, s Session) error {
		newBalance, err := r.store.Add(ctx, s, f, diff)
		if err != nil {
			return err
		}
		f.AmountAvailable = newBalance
		return r.fundings.SaveBalances(ctx, s, []*CampaignFunding{f})
	})
}
