/*
redistributor.go - Periodic priority re-allocation

PURPOSE:
  Donations matched while the preferred pots were empty can end up on
  lower-priority funding. When a higher-priority pot later frees capacity
  (expired reservations, refunds), this batch process moves the donation's
  match over - without ever changing the donation's total matched amount.

MECHANISM:
  For each eligible donation: find the WORST (highest) allocation order among
  its current withdrawals; if any funding with a STRICTLY lower order now has
  a positive available balance, release the whole allocation and re-run
  Allocate, which naturally drains in priority order.

RACES:
  Between the release and the re-allocation another claimant can take the
  freed funds. If the donation's matched total shrinks, that is logged as an
  error for operator follow-up and the batch continues; aborting would leave
  every later donation unexamined over one lost race.

SCOPE:
  Only campaigns closed within a bounded lookback window are touched, so the
  redistributor never competes with live high-traffic campaigns.
*/
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Redistributor periodically improves allocations after the fact.
type Redistributor struct {
	allocator *Allocator
	store     AmountStore
	fundings  FundingRepository
	donations DonationRepository
	alerts    AlertSink
	log       zerolog.Logger

	// CampaignLookback bounds how long after a campaign closes its donations
	// keep being considered.
	CampaignLookback time.Duration

	// DonationWindow bounds how recently a donation must have been collected.
	DonationWindow time.Duration
}

func NewRedistributor(allocator *Allocator, store AmountStore, fundings FundingRepository, donations DonationRepository, alerts AlertSink, log zerolog.Logger) *Redistributor {
	return &Redistributor{
		allocator:        allocator,
		store:            store,
		fundings:         fundings,
		donations:        donations,
		alerts:           alerts,
		log:              log.With().Str("component", "redistributor").Logger(),
		CampaignLookback: 14 * 24 * time.Hour,
		DonationWindow:   24 * time.Hour,
	}
}

// RedistributionSummary is the operator-facing result of one run.
type RedistributionSummary struct {
	Checked int
	Amended int
}

// Run examines eligible donations once and amends those that can move to
// higher-priority funding. Per-donation failures are logged and skipped; only
// a failure to list candidates aborts the run.
func (r *Redistributor) Run(ctx context.Context) (RedistributionSummary, error) {
	now := time.Now()
	candidates, err := r.donations.Redistributable(ctx, now.Add(-r.CampaignLookback), now.Add(-r.DonationWindow))
	if err != nil {
		return RedistributionSummary{}, fmt.Errorf("list redistributable donations: %w", err)
	}

	var summary RedistributionSummary
	for _, d := range candidates {
		summary.Checked++

		improvable, err := r.canImprove(ctx, d)
		if err != nil {
			r.log.Error().Err(err).Str("donation_id", string(d.ID)).Msg("redistribution eligibility check failed")
			continue
		}
		if !improvable {
			continue
		}

		before := d.WithdrawalTotal()
		if err := r.allocator.Release(ctx, d); err != nil {
			if errors.Is(err, ErrLockHeld) {
				r.log.Warn().Str("donation_id", string(d.ID)).Msg("donation busy; skipping redistribution")
			} else {
				r.log.Error().Err(err).Str("donation_id", string(d.ID)).Msg("redistribution release failed")
			}
			continue
		}
		if _, err := r.allocator.Allocate(ctx, d); err != nil {
			r.log.Error().Err(err).Str("donation_id", string(d.ID)).Msg("redistribution re-allocation failed")
			continue
		}

		after := d.WithdrawalTotal()
		if after.LessThan(before) {
			// A concurrent claimant took the freed funds between release and
			// re-allocation. Operator attention, not an abort.
			r.log.Error().
				Str("donation_id", string(d.ID)).
				Str("matched_before", before.String()).
				Str("matched_after", after.String()).
				Msg("donation lost match funding during redistribution")
		}
		summary.Amended++
	}

	r.log.Info().
		Int("checked", summary.Checked).
		Int("amended", summary.Amended).
		Msg("redistribution run complete")

	if summary.Amended > 0 {
		msg := fmt.Sprintf("Redistribution: amended %d of %d checked donations", summary.Amended, summary.Checked)
		if err := r.alerts.Notify(ctx, msg); err != nil {
			r.log.Error().Err(err).Msg("redistribution alert failed")
		}
	}
	return summary, nil
}

// canImprove reports whether some funding with strictly better (lower)
// allocation order than the donation's current worst source has freed
// capacity. The balance read is an unsynchronized snapshot - fine here,
// because the actual move re-runs the fully synchronized allocate path.
func (r *Redistributor) canImprove(ctx context.Context, d *Donation) (bool, error) {
	if len(d.Withdrawals) == 0 {
		return false, nil
	}
	byID, err := r.fundings.FundingsByID(ctx, d.FundingIDs())
	if err != nil {
		return false, err
	}
	worst := math.MinInt
	for _, w := range d.Withdrawals {
		f, ok := byID[w.FundingID]
		if !ok {
			return false, fmt.Errorf("donation %s withdrawal %s: %w", d.ID, w.ID, ErrFundingMissing)
		}
		if f.AllocationOrder > worst {
			worst = f.AllocationOrder
		}
	}

	all, err := r.fundings.CampaignFundings(ctx, d.CampaignID)
	if err != nil {
		return false, err
	}
	for _, f := range all {
		if f.AllocationOrder >= worst {
			continue
		}
		available, err := r.store.AmountAvailable(ctx, f)
		if err != nil {
			return false, err
		}
		if available.IsPositive() {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// ALERT SINKS
// =============================================================================

// LogAlertSink writes notifications to the structured log. Stands in for the
// chat webhook in development and tests.
type LogAlertSink struct {
	Log zerolog.Logger
}

func (s LogAlertSink) Notify(_ context.Context, message string) error {
	s.Log.Warn().Str("alert", message).Msg("operator notification")
	return nil
}
