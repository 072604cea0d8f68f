/*
store.go - Authoritative balance contract and collaborator interfaces

PURPOSE:
  AmountStore is the strategy seam of the engine. Three peer implementations
  exist, selectable per deployment:

    store/sqlstore.Store      relational rows + row locks + DB transactions
    store/redisstore.Counter  lock-free integer minor-unit counters
    store/redisstore.Mutex    decimal strings behind one global mutex

  Each is a peer implementation of one capability, injected into the
  Allocator; there is no base type.

TRANSACTIONAL BRACKET:
  Mutations only happen inside Transact. The Session handle returned to the
  bracket function must be passed to every Add/Subtract; a nil or foreign
  session fails with ErrNoSession. Requiring the handle as a parameter makes
  the "inside a transaction" invariant visible in signatures instead of being
  an ambient runtime flag.

INSUFFICIENT GRANT:
  Subtract may grant less than requested - never more - and reports that as a
  Grant VALUE, not an error. A zero grant on a hot path is expected business
  reality (the pot ran dry, or a concurrent claimant won); real errors are
  reserved for infrastructure faults.

SEE ALSO:
  - allocator.go: the only production caller of Subtract
  - matching/store: in-memory implementations for tests
*/
package matching

import (
	"context"
	"time"
)

// =============================================================================
// AMOUNT STORE - Strategy contract for the authoritative balance
// =============================================================================

// Session is an opaque handle proving an active transactional bracket.
// Concrete stores hand out their own session type from Transact and reject
// anything else with ErrNoSession.
type Session interface{}

// Grant is the outcome of a Subtract: how much was actually taken from the
// pot. Granted is always >= 0 and <= Requested.
type Grant struct {
	Requested Money
	Granted   Money

	// NewBalance is the funding's available balance after this grant.
	NewBalance Money

	// Overdrawn records that the lock-free store detected a negative
	// excursion and atomically compensated it before returning. The caller
	// treats this exactly like a zero grant; the flag exists for logging and
	// forensics only.
	Overdrawn bool
}

// Partial reports a grant that was positive but smaller than requested.
func (g Grant) Partial() bool {
	return g.Granted.IsPositive() && g.Granted.LessThan(g.Requested)
}

// Refused reports a grant of zero.
func (g Grant) Refused() bool { return !g.Granted.IsPositive() }

// AmountStore is the authoritative-balance contract.
type AmountStore interface {
	// AmountAvailable is an UNSYNCHRONIZED snapshot read. It is unsafe for
	// allocation decisions; use it only for diagnostics and reconciliation.
	AmountAvailable(ctx context.Context, f *CampaignFunding) (Money, error)

	// Transact runs fn inside whatever transactional bracket this store
	// requires and returns its error. The Session passed to fn is valid only
	// for the duration of the bracket.
	Transact(ctx context.Context, fn func(ctx context.Context, s Session) error) error

	// Add credits amount back to the funding's balance and returns the new
	// balance. Unconditionally safe. Fails with ErrNoSession outside Transact.
	Add(ctx context.Context, s Session, f *CampaignFunding, amount Money) (Money, error)

	// Subtract attempts to take amount from the funding's balance. It may
	// grant less than requested (down to zero); see Grant. Fails with
	// ErrNoSession outside Transact.
	Subtract(ctx context.Context, s Session, f *CampaignFunding, amount Money) (Grant, error)
}

// =============================================================================
// REPOSITORIES - Durable system of record
// =============================================================================

// FundingRepository serves CampaignFunding rows.
type FundingRepository interface {
	// AvailableFundings returns the campaign's fundings with a positive
	// last-known balance, ordered by ascending AllocationOrder then ID, read
	// under the lock appropriate for allocation (row lock for the relational
	// strategy; plain read when a fast store provides atomicity).
	AvailableFundings(ctx context.Context, s Session, campaignID CampaignID) ([]*CampaignFunding, error)

	// CampaignFundings returns ALL of a campaign's fundings without locking.
	// Used by the Redistributor to spot freed-up higher-priority pots.
	CampaignFundings(ctx context.Context, campaignID CampaignID) ([]*CampaignFunding, error)

	// FundingsByID resolves withdrawal references for release and
	// redistribution.
	FundingsByID(ctx context.Context, ids []FundingID) (map[FundingID]*CampaignFunding, error)

	// AllFundings returns every funding in the system, for reconciliation.
	AllFundings(ctx context.Context) ([]*CampaignFunding, error)

	// SaveBalances flushes the entities' AmountAvailable snapshots durably.
	SaveBalances(ctx context.Context, s Session, fundings []*CampaignFunding) error
}

// WithdrawalRepository is the durable withdrawal ledger.
type WithdrawalRepository interface {
	// RecordAllocation durably writes the new withdrawal rows and the updated
	// funding balance snapshots in one atomic flush. This is the write whose
	// failure triggers store compensation in the Allocator.
	RecordAllocation(ctx context.Context, s Session, d *Donation, created []FundingWithdrawal, touched []*CampaignFunding) error

	// DeleteForDonation removes the donation's ledger rows, returning how
	// many were deleted. Runs in its own transaction.
	DeleteForDonation(ctx context.Context, donationID DonationID) (int, error)

	// TotalForFunding sums the active withdrawal amounts against one funding.
	TotalForFunding(ctx context.Context, f *CampaignFunding) (Money, error)
}

// DonationRepository selects donations for the periodic batch jobs. The
// donation lifecycle itself is owned by the payment layer.
type DonationRepository interface {
	// Redistributable returns matched donations collected since
	// collectedSince whose campaigns closed after campaignsClosedSince (a
	// bounded lookback, to stay away from still-active high-traffic
	// campaigns).
	Redistributable(ctx context.Context, campaignsClosedSince, collectedSince time.Time) ([]*Donation, error)

	// PendingBefore returns pending donations created before the cutoff that
	// still hold match funds. Candidates for expiry.
	PendingBefore(ctx context.Context, cutoff time.Time) ([]*Donation, error)

	// CollectedUnmatchedSince returns collected donations since the cutoff
	// that are not fully matched. Candidates for retrospective matching.
	CollectedUnmatchedSince(ctx context.Context, since time.Time) ([]*Donation, error)
}

// =============================================================================
// LOCKS AND ALERTS
// =============================================================================

// Lock is a held exclusive lock.
type Lock interface {
	Release(ctx context.Context) error
}

// LockFactory hands out named, TTL-bounded exclusive locks shared across
// processes. Acquire is NON-BLOCKING: if the lock is held it returns
// ErrLockHeld immediately.
type LockFactory interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// DonationLockName is the lock shared between the release path and the
// payment-confirmation path for one donation. Both sides must use this
// exact name for the mutual exclusion to mean anything.
func DonationLockName(id DonationID) string { return "donation:" + string(id) }

// AlertSink receives operator-facing notifications (chat webhook in
// production). Failures to notify are logged, never fatal.
type AlertSink interface {
	Notify(ctx context.Context, message string) error
}
