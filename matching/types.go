/*
Package matching allocates a scarce shared pool of match funding to donations.

PURPOSE:
  A campaign carries one or more pots of match money (CampaignFunding). When a
  donation arrives, the Allocator drains the pots in priority order and records
  each slice taken as an immutable FundingWithdrawal ledger fact. The engine
  guarantees, under concurrent access from many processes, that no pot is ever
  allocated beyond its limit and that the durable ledger and the authoritative
  balance store never drift apart.

KEY CONCEPTS IN THIS FILE (types.go):
  - CampaignFunding: a priced pot of match money with a live available balance
    and a priority order
  - FundingWithdrawal: the ledger fact "donation D consumed X from funding F"
  - Donation: the external entity being matched (consumed, not owned)

CRITICAL INVARIANTS:
  1. CONSERVATION: amountAvailable + Σ(active withdrawals) == amount, to the
     cent, for every funding.
  2. NON-NEGATIVITY: amountAvailable is never observably negative.
  3. NO OVER-MATCH: a donation's withdrawal total never exceeds its amount.

SEE ALSO:
  - store.go: AmountStore contract and repository interfaces
  - allocator.go: allocate/release orchestration
  - redistributor.go, reconciler.go: batch repair processes
*/
package matching

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CampaignID string
type FundingID string
type DonationID string
type WithdrawalID string

// =============================================================================
// CAMPAIGN FUNDING - One pot of match money
// =============================================================================

// CampaignFunding is a pot of match money (a pledge or a champion fund) scoped
// to one campaign.
//
// AllocationOrder is the draining priority: LOWER values are drained FIRST.
// Ties are broken by FundingID ascending so candidate ordering is total and
// deterministic.
//
// AmountAvailable is the last balance this process observed. It is a working
// snapshot, not the source of truth: the authoritative balance lives behind
// the AmountStore, and every mutation goes through it. Direct arithmetic on
// AmountAvailable outside a store is a bug.
type CampaignFunding struct {
	ID         FundingID
	CampaignID CampaignID

	// Amount is the original total of the pot. Never changes after import.
	Amount Money

	// AmountAvailable is the current remaining balance as last observed.
	AmountAvailable Money

	// AllocationOrder: lower drains first.
	AllocationOrder int
}

// Currency is a convenience accessor; a funding's total and available balance
// are always denominated alike.
func (f *CampaignFunding) Currency() Currency { return f.Amount.Currency }

// =============================================================================
// FUNDING WITHDRAWAL - Immutable ledger fact
// =============================================================================

// FundingWithdrawal links exactly one CampaignFunding to exactly one Donation
// with the positive amount matched from that funding.
//
// Withdrawals are created by Allocate, deleted by Release, and never updated
// in place.
type FundingWithdrawal struct {
	ID         WithdrawalID
	FundingID  FundingID
	DonationID DonationID
	Amount     Money
	CreatedAt  time.Time
}

// NewFundingWithdrawal builds a ledger fact with a fresh identifier.
func NewFundingWithdrawal(fundingID FundingID, donationID DonationID, amount Money) FundingWithdrawal {
	return FundingWithdrawal{
		ID:         WithdrawalID(uuid.NewString()),
		FundingID:  fundingID,
		DonationID: donationID,
		Amount:     amount,
		CreatedAt:  time.Now().UTC(),
	}
}

// =============================================================================
// DONATION - External entity, consumed not owned
// =============================================================================

// DonationStatus is the slice of the donation lifecycle this engine cares
// about. Everything else (capture, refunds, disputes) belongs to the payment
// layer, which calls Allocate/Release at the right moments.
type DonationStatus string

const (
	// DonationPending: created, match funds reserved, payment not yet taken.
	DonationPending DonationStatus = "pending"
	// DonationCollected: payment captured; match funds are settled.
	DonationCollected DonationStatus = "collected"
	// DonationCancelled: abandoned or refunded; match funds released.
	DonationCancelled DonationStatus = "cancelled"
)

// Donation is the entity being matched. The engine reads its amount and
// currency and owns only its withdrawal collection.
type Donation struct {
	ID         DonationID
	CampaignID CampaignID
	Amount     Money
	Status     DonationStatus
	CreatedAt  time.Time
	CollectedAt time.Time

	Withdrawals []FundingWithdrawal
}

// WithdrawalTotal is the sum of the donation's active withdrawal amounts.
func (d *Donation) WithdrawalTotal() Money {
	total := Zero(d.Amount.Currency)
	for _, w := range d.Withdrawals {
		total = total.Add(w.Amount)
	}
	return total
}

// IsFullyMatched reports whether further allocation could grant anything.
func (d *Donation) IsFullyMatched() bool {
	return !d.Amount.Sub(d.WithdrawalTotal()).IsPositive()
}

// FundingIDs returns the distinct fundings backing this donation's match.
func (d *Donation) FundingIDs() []FundingID {
	seen := make(map[FundingID]bool, len(d.Withdrawals))
	var ids []FundingID
	for _, w := range d.Withdrawals {
		if !seen[w.FundingID] {
			seen[w.FundingID] = true
			ids = append(ids, w.FundingID)
		}
	}
	return ids
}
