/*
Package jobs contains the periodic batch processes built on the Allocator.

PURPOSE:
  Four jobs repair and improve allocations after the fact:

    ExpireMatchFunds  returns funds reserved by abandoned (still-pending)
                      donations to the pool after a reservation deadline
    RetroMatch        re-allocates collected donations that are not fully
                      matched, picking up capacity freed by expiry/refunds
    Redistribute      matching.Redistributor behind the shared Job interface
    Reconcile         matching.Reconciler behind the shared Job interface

  Each job is safe to run concurrently with live allocation traffic: every
  mutation goes through the same Allocator/AmountStore paths as the request
  handlers, so the financial invariants hold without extra coordination.

SEE ALSO:
  - scheduler.go: ticker-driven background execution
  - matching/redistributor.go, matching/reconciler.go
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/match-engine/matching"
)

// Job is one periodic batch process.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// =============================================================================
// EXPIRE MATCH FUNDS
// =============================================================================

// ExpireMatchFunds releases match funding reserved by donations that never
// completed payment. A donation sitting in pending past the reservation
// deadline is an abandoned checkout; its funds go back to the pool so later
// donors can be matched.
type ExpireMatchFunds struct {
	Allocator *matching.Allocator
	Donations matching.DonationRepository
	Log       zerolog.Logger

	// Reservation is how long a pending donation may hold match funds.
	Reservation time.Duration
}

func (j *ExpireMatchFunds) Name() string { return "expire_match_funds" }

func (j *ExpireMatchFunds) Run(ctx context.Context) error {
	err := j.run(ctx)
	observeRun(j.Name(), err)
	return err
}

func (j *ExpireMatchFunds) run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.Reservation)
	stale, err := j.Donations.PendingBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale pending donations: %w", err)
	}

	released := 0
	for _, d := range stale {
		amount := d.WithdrawalTotal()
		if err := j.Allocator.Release(ctx, d); err != nil {
			if errors.Is(err, matching.ErrLockHeld) {
				// The confirm path is acting on this donation right now; it
				// is no longer abandoned.
				j.Log.Info().Str("donation_id", string(d.ID)).Msg("donation busy, skipping expiry")
				donationsProcessed.WithLabelValues(j.Name(), "skipped").Inc()
				continue
			}
			j.Log.Error().Err(err).Str("donation_id", string(d.ID)).Msg("expiry release failed")
			donationsProcessed.WithLabelValues(j.Name(), "error").Inc()
			continue
		}
		released++
		donationsProcessed.WithLabelValues(j.Name(), "released").Inc()
		amountMovedMinorUnits.WithLabelValues(j.Name(), string(amount.Currency)).
			Add(float64(amount.MinorUnits()))
		j.Log.Info().
			Str("donation_id", string(d.ID)).
			Str("released", amount.String()).
			Msg("expired match fund reservation")
	}

	j.Log.Info().Int("stale", len(stale)).Int("released", released).Msg("expiry run complete")
	return nil
}

// =============================================================================
// RETROSPECTIVE MATCHING
// =============================================================================

// RetroMatch re-runs allocation for recently collected donations that are not
// fully matched. Capacity freed by expiry or refunds gets applied to donors
// who arrived while the pots were dry.
type RetroMatch struct {
	Allocator *matching.Allocator
	Donations matching.DonationRepository
	Log       zerolog.Logger

	// Window bounds how far back collected donations are reconsidered.
	Window time.Duration
}

func (j *RetroMatch) Name() string { return "retro_match" }

func (j *RetroMatch) Run(ctx context.Context) error {
	err := j.run(ctx)
	observeRun(j.Name(), err)
	return err
}

func (j *RetroMatch) run(ctx context.Context) error {
	since := time.Now().Add(-j.Window)
	candidates, err := j.Donations.CollectedUnmatchedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list unmatched donations: %w", err)
	}

	matched := 0
	for _, d := range candidates {
		granted, err := j.Allocator.Allocate(ctx, d)
		if err != nil {
			j.Log.Error().Err(err).Str("donation_id", string(d.ID)).Msg("retrospective match failed")
			donationsProcessed.WithLabelValues(j.Name(), "error").Inc()
			continue
		}
		if !granted.IsPositive() {
			donationsProcessed.WithLabelValues(j.Name(), "unchanged").Inc()
			continue
		}
		matched++
		donationsProcessed.WithLabelValues(j.Name(), "matched").Inc()
		amountMovedMinorUnits.WithLabelValues(j.Name(), string(granted.Currency)).
			Add(float64(granted.MinorUnits()))
		j.Log.Info().
			Str("donation_id", string(d.ID)).
			Str("granted", granted.String()).
			Msg("retrospectively matched donation")
	}

	j.Log.Info().Int("candidates", len(candidates)).Int("matched", matched).Msg("retro-match run complete")
	return nil
}

// =============================================================================
// REDISTRIBUTE / RECONCILE WRAPPERS
// =============================================================================

// Redistribute adapts matching.Redistributor to the Job interface.
type Redistribute struct {
	Redistributor *matching.Redistributor
}

func (j *Redistribute) Name() string { return "redistribute" }

func (j *Redistribute) Run(ctx context.Context) error {
	summary, err := j.Redistributor.Run(ctx)
	observeRun(j.Name(), err)
	if err == nil {
		donationsProcessed.WithLabelValues(j.Name(), "checked").Add(float64(summary.Checked))
		donationsProcessed.WithLabelValues(j.Name(), "amended").Add(float64(summary.Amended))
	}
	return err
}

// Reconcile adapts matching.Reconciler to the Job interface.
type Reconcile struct {
	Reconciler *matching.Reconciler
	Mode       matching.ReconcileMode
}

func (j *Reconcile) Name() string { return "reconcile" }

func (j *Reconcile) Run(ctx context.Context) error {
	summary, err := j.Reconciler.Run(ctx, j.Mode)
	observeRun(j.Name(), err)
	if err == nil {
		reconcilerVerdicts.WithLabelValues("correct").Add(float64(summary.Correct))
		reconcilerVerdicts.WithLabelValues("over_matched").Add(float64(summary.OverMatched))
		reconcilerVerdicts.WithLabelValues("under_matched").Add(float64(summary.UnderMatched))
		reconcilerVerdicts.WithLabelValues("fixed").Add(float64(summary.Fixed))
	}
	return err
}
