/*
allocator.go - Allocate/release orchestration

PURPOSE:
  Drives a full allocate-or-release operation for one donation against the
  injected AmountStore, keeping the durable withdrawal ledger and the
  authoritative balance store consistent even on partial failure.

THE CONSISTENCY MECHANISM:
  Two systems of record move in a fixed order:

    1. mutate the authoritative store (Subtract per funding)
    2. durably flush the ledger rows and balance snapshots
    3. on flush failure: synchronously Add back everything just taken,
       discard the flush, surface LedgerWriteError

  The store is mutated first because it is the side that other concurrent
  claimants observe; the compensation step guarantees the two systems never
  drift when step 2 fails.

PARTIAL GRANTS:
  A Subtract that grants less than requested (including zero) is a normal
  outcome: the loop accepts what was granted and moves to the next candidate
  funding. Under the lock-free store this means heavy contention can drain
  pots slightly out of strict priority order; that is an accepted trade for
  not holding locks.

RELEASE vs CONFIRM:
  Release takes a short, non-blocking, donation-scoped lock shared with the
  payment-confirmation code path. A conflict means a genuine concurrent
  confirm/release race on the same donation and propagates as ErrLockHeld for
  the caller to resolve; it is never retried here.

SEE ALSO:
  - store.go: AmountStore contract
  - redistributor.go: release+allocate composed into redistribution
*/
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// releaseLockTTL bounds how long a crashed process can leave a donation lock
// behind. Generous against clock skew, short against operator patience.
const releaseLockTTL = 30 * time.Second

// Allocator orchestrates allocation and release for single donations.
type Allocator struct {
	store       AmountStore
	fundings    FundingRepository
	withdrawals WithdrawalRepository
	locks       LockFactory
	log         zerolog.Logger
}

func NewAllocator(store AmountStore, fundings FundingRepository, withdrawals WithdrawalRepository, locks LockFactory, log zerolog.Logger) *Allocator {
	return &Allocator{
		store:       store,
		fundings:    fundings,
		withdrawals: withdrawals,
		locks:       locks,
		log:         log.With().Str("component", "allocator").Logger(),
	}
}

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate drains the campaign's fundings in priority order until the
// donation is fully matched or the pots run dry, and durably records the
// resulting withdrawals. It returns the total NEWLY granted amount (zero when
// the donation was already fully matched or nothing was available).
//
// Re-allocating a partially matched donation is supported: existing
// withdrawals count toward the donation's matched total and are left alone.
func (a *Allocator) Allocate(ctx context.Context, d *Donation) (Money, error) {
	matchedAtStart := d.WithdrawalTotal()
	remaining := d.Amount.Sub(matchedAtStart)
	granted := Zero(d.Amount.Currency)
	if !remaining.IsPositive() {
		return granted, nil
	}

	// claimed is attached to the donation only after the bracket commits: a
	// commit failure rolls the database back, and a donation carrying phantom
	// withdrawals would inflate its matched total on the retry.
	var claimed []FundingWithdrawal
	err := a.store.Transact(ctx, func(ctx context.Context, s Session) error {
		candidates, err := a.fundings.AvailableFundings(ctx, s, d.CampaignID)
		if err != nil {
			return fmt.Errorf("fetch candidate fundings: %w", err)
		}

		// Currency corruption fails fast, before any mutation.
		for _, f := range candidates {
			if f.Currency() != d.Amount.Currency {
				return fmt.Errorf("funding %s is %s, donation %s is %s: %w",
					f.ID, f.Currency(), d.ID, d.Amount.Currency, ErrCurrencyMismatch)
			}
		}

		var sources []*CampaignFunding // sources[i] backs claimed[i]
		for _, f := range candidates {
			if !remaining.IsPositive() {
				break
			}
			request := f.AmountAvailable.Min(remaining)
			if !request.IsPositive() {
				continue
			}

			grant, err := a.store.Subtract(ctx, s, f, request)
			if err != nil {
				return fmt.Errorf("subtract from funding %s: %w", f.ID, err)
			}
			if grant.Overdrawn {
				a.log.Warn().
					Str("funding_id", string(f.ID)).
					Str("donation_id", string(d.ID)).
					Str("requested", request.String()).
					Msg("overdraw race detected and compensated; treating as zero grant")
			}
			if grant.Refused() {
				continue
			}

			f.AmountAvailable = grant.NewBalance
			w := NewFundingWithdrawal(f.ID, d.ID, grant.Granted)
			claimed = append(claimed, w)
			sources = append(sources, f)
			remaining = remaining.Sub(grant.Granted)
			granted = granted.Add(grant.Granted)

			a.log.Info().
				Str("funding_id", string(f.ID)).
				Str("donation_id", string(d.ID)).
				Str("requested", request.String()).
				Str("granted", grant.Granted.String()).
				Str("funding_balance", grant.NewBalance.String()).
				Msg("match funds allocated")
		}

		if len(claimed) == 0 {
			return nil
		}

		if err := a.withdrawals.RecordAllocation(ctx, s, d, claimed, sources); err != nil {
			a.compensate(ctx, s, d.ID, claimed, sources)
			return &LedgerWriteError{DonationID: d.ID, Compensated: granted, Err: err}
		}
		return nil
	})
	if err != nil {
		return Zero(d.Amount.Currency), err
	}
	d.Withdrawals = append(d.Withdrawals, claimed...)
	return granted, nil
}

// compensate returns every amount taken in this call to its funding. Runs
// inside the same session; under the relational store the enclosing rollback
// makes it redundant (harmlessly), under the fast stores it IS the rollback.
func (a *Allocator) compensate(ctx context.Context, s Session, donationID DonationID, claimed []FundingWithdrawal, sources []*CampaignFunding) {
	for i, w := range claimed {
		if _, err := a.store.Add(ctx, s, sources[i], w.Amount); err != nil {
			// Nothing left to do in-process. The Reconciler repairs
			// under-matched fundings from the ledger, which this amount
			// never reached.
			a.log.Error().Err(err).
				Str("funding_id", string(w.FundingID)).
				Str("donation_id", string(donationID)).
				Str("amount", w.Amount.String()).
				Msg("compensation failed after ledger write failure")
		}
	}
}

// =============================================================================
// RELEASE
// =============================================================================

// Release returns the donation's entire allocated amount to its fundings and
// removes the ledger rows. Releasing a donation with no withdrawals is a
// no-op.
//
// Ordering mirrors Allocate: the authoritative store is corrected first (in
// one bracket), the ledger rows are removed second in a separate transaction.
// A failure of the second step is logged but not fatal - the store is already
// correct and lingering rows are reconciled later.
func (a *Allocator) Release(ctx context.Context, d *Donation) error {
	if !d.WithdrawalTotal().IsPositive() {
		return nil
	}

	lock, err := a.locks.Acquire(ctx, DonationLockName(d.ID), releaseLockTTL)
	if err != nil {
		// ErrLockHeld signals a live confirm-vs-release race on this
		// donation. Propagate untouched; the caller resolves it.
		return fmt.Errorf("acquire donation lock for %s: %w", d.ID, err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			a.log.Error().Err(err).Str("donation_id", string(d.ID)).Msg("donation lock release failed")
		}
	}()

	err = a.store.Transact(ctx, func(ctx context.Context, s Session) error {
		byID, err := a.fundings.FundingsByID(ctx, d.FundingIDs())
		if err != nil {
			return fmt.Errorf("resolve fundings for release: %w", err)
		}

		var touched []*CampaignFunding
		seen := make(map[FundingID]bool)
		for _, w := range d.Withdrawals {
			f, ok := byID[w.FundingID]
			if !ok {
				return fmt.Errorf("donation %s withdrawal %s: %w", d.ID, w.ID, ErrFundingMissing)
			}
			newBalance, err := a.store.Add(ctx, s, f, w.Amount)
			if err != nil {
				return fmt.Errorf("return %s to funding %s: %w", w.Amount, f.ID, err)
			}
			f.AmountAvailable = newBalance
			if !seen[f.ID] {
				seen[f.ID] = true
				touched = append(touched, f)
			}
			a.log.Info().
				Str("funding_id", string(f.ID)).
				Str("donation_id", string(d.ID)).
				Str("released", w.Amount.String()).
				Str("funding_balance", newBalance.String()).
				Msg("match funds released")
		}
		return a.fundings.SaveBalances(ctx, s, touched)
	})
	if err != nil {
		return err
	}

	if _, err := a.withdrawals.DeleteForDonation(ctx, d.ID); err != nil {
		a.log.Error().Err(err).
			Str("donation_id", string(d.ID)).
			Msg("withdrawal ledger cleanup failed; reconciler will repair")
	}
	d.Withdrawals = nil
	return nil
}
